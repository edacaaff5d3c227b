package config

import (
	"fmt"
	"os"
	"path/filepath"

	"github.com/go-playground/validator/v10"
	"github.com/goccy/go-yaml"
	"github.com/imdario/mergo"

	"github.com/fluxline/intent-settler/pkg/common/enum"
)

var validate = validator.New()

// Config is one settlerd node. A node hosts the hub, ledgers, or both:
// loopback transport needs the whole topology in-process, NATS deployments
// split it across processes with one config file each.
type Config struct {
	Environment string        `yaml:"environment" validate:"required,oneof=production development"`
	Version     string        `yaml:"version"`
	Admin       string        `yaml:"admin"       validate:"required,eth_addr"`
	NATS        NATSConfig    `yaml:"nats"`
	KVStore     KVStoreCfg    `yaml:"kvstore"     validate:"required"`
	Transport   TransportCfg  `yaml:"transport"   validate:"required"`
	Metrics     MetricsCfg    `yaml:"metrics"`
	Hub         *HubConfig    `yaml:"hub"`
	Ledgers     LedgersConfig `yaml:"ledgers"`
}

type NATSConfig struct {
	URL           string `yaml:"url"            validate:"omitempty,url"`
	SubjectPrefix string `yaml:"subject_prefix"`
	Username      string `yaml:"username"`
	Password      string `yaml:"password"`
	TLS           TLSCfg `yaml:"tls"`
}

type TLSCfg struct {
	ClientCert string `yaml:"client_cert"`
	ClientKey  string `yaml:"client_key"`
	CACert     string `yaml:"ca_cert"`
}

type TransportCfg struct {
	Mode enum.TransportMode `yaml:"mode" validate:"required,oneof=loopback nats"`
}

type KVStoreCfg struct {
	Type   enum.KVStoreType `yaml:"type" validate:"required,oneof=badger consul"`
	Badger BadgerKVCfg      `yaml:"badger"`
	Consul ConsulKVCfg      `yaml:"consul"`
}

type BadgerKVCfg struct {
	Directory string `yaml:"directory"`
	Prefix    string `yaml:"prefix"`
}

type ConsulKVCfg struct {
	Scheme   string      `yaml:"scheme"`
	Address  string      `yaml:"address"`
	Folder   string      `yaml:"folder"`
	Token    string      `yaml:"token"`
	HttpAuth HttpAuthCfg `yaml:"http_auth"`
}

type HttpAuthCfg struct {
	Username string `yaml:"username"`
	Password string `yaml:"password"`
}

type MetricsCfg struct {
	// Port 0 disables the HTTP listener.
	Port int `yaml:"port"`
}

func Load(path string) (Config, error) {
	var cfg Config
	b, err := os.ReadFile(path)
	if err != nil {
		return cfg, err
	}
	if err := yaml.Unmarshal(b, &cfg); err != nil {
		return cfg, err
	}

	// merge defaults into ledger instances
	for name, ledger := range cfg.Ledgers.Items {
		if err := mergo.Merge(&ledger, cfg.Ledgers.Defaults); err != nil {
			return cfg, err
		}
		cfg.Ledgers.Items[name] = ledger
	}

	cfg.applyFallbacks()

	if err := validate.Struct(cfg); err != nil {
		return cfg, fmt.Errorf("config validation failed: %w", err)
	}
	if cfg.Hub == nil && len(cfg.Ledgers.Items) == 0 {
		return cfg, fmt.Errorf("config hosts neither a hub nor any ledger")
	}
	if cfg.Transport.Mode == enum.TransportModeLoopback && (cfg.Hub == nil || len(cfg.Ledgers.Items) == 0) {
		return cfg, fmt.Errorf("loopback transport needs the hub and at least one ledger in one process")
	}
	var hubChainID uint64
	if cfg.Hub != nil {
		hubChainID = cfg.Hub.ChainID
	}
	if err := cfg.Ledgers.checkChainIDs(hubChainID); err != nil {
		return cfg, err
	}
	// instance state directories are keyed by name, "hub" is the router's
	if _, ok := cfg.Ledgers.Items["hub"]; ok {
		return cfg, fmt.Errorf("ledger name %q is reserved", "hub")
	}
	return cfg, nil
}

func (c *Config) applyFallbacks() {
	if c.NATS.SubjectPrefix == "" {
		c.NATS.SubjectPrefix = "settler"
	}
	if c.Hub != nil && c.Hub.GasLimit == 0 {
		c.Hub.GasLimit = 100_000
	}
	for name, ledger := range c.Ledgers.Items {
		ledger.Name = name
		c.Ledgers.Items[name] = ledger
	}
}

// StatePath returns the Badger directory for one named instance under root.
func StatePath(root, instance string) string {
	return filepath.Join(root, instance)
}
