package kvstore

import (
	"fmt"

	"github.com/hashicorp/consul/api"

	"github.com/fluxline/intent-settler/pkg/common/config"
	"github.com/fluxline/intent-settler/pkg/common/enum"
	"github.com/fluxline/intent-settler/pkg/infra"
)

// NewFromConfig constructs an infra.KVStore for one named instance. Badger
// instances get their own directory under the configured root; Consul
// instances share the server but are isolated by folder.
func NewFromConfig(cfg config.KVStoreCfg, instance string) (infra.KVStore, error) {
	switch cfg.Type {
	case enum.KVStoreTypeBadger:
		dir := cfg.Badger.Directory
		if dir == "" {
			dir = "data"
		}
		return NewBadgerStore(config.StatePath(dir, instance), cfg.Badger.Prefix, infra.JSON)
	case enum.KVStoreTypeConsul:
		folder := cfg.Consul.Folder
		if folder != "" {
			folder = folder + "/" + instance
		} else {
			folder = instance
		}
		var auth *api.HttpBasicAuth
		if cfg.Consul.HttpAuth.Username != "" {
			auth = &api.HttpBasicAuth{
				Username: cfg.Consul.HttpAuth.Username,
				Password: cfg.Consul.HttpAuth.Password,
			}
		}
		return NewConsulClient(Options{
			Scheme:   cfg.Consul.Scheme,
			Address:  cfg.Consul.Address,
			Folder:   folder,
			Codec:    infra.JSON,
			Token:    cfg.Consul.Token,
			HttpAuth: auth,
		})
	default:
		return nil, fmt.Errorf("unsupported kvstore type: %s", cfg.Type)
	}
}
