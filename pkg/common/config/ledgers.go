package config

import (
	"fmt"

	"github.com/goccy/go-yaml"
)

type LedgersConfig struct {
	Defaults LedgerConfig            `yaml:"defaults" validate:"-"`
	Items    map[string]LedgerConfig `yaml:",inline" validate:"omitempty,dive,keys,required,endkeys,required"`
}

// UnmarshalYAML splits out "defaults" from inline ledger entries
func (c *LedgersConfig) UnmarshalYAML(b []byte) error {
	var raw map[string]LedgerConfig
	if err := yaml.Unmarshal(b, &raw); err != nil {
		return err
	}
	if raw == nil {
		raw = map[string]LedgerConfig{}
	}
	if def, ok := raw["defaults"]; ok {
		c.Defaults = def
		delete(raw, "defaults")
	} else {
		c.Defaults = LedgerConfig{}
	}
	c.Items = raw
	return nil
}

// LedgerConfig describes one chain-local ledger instance.
type LedgerConfig struct {
	Name     string       `yaml:"name"`
	ChainID  uint64       `yaml:"chain_id" validate:"required"`
	Router   *RouterRef   `yaml:"router"`
	Tokens   []TokenCfg   `yaml:"tokens" validate:"dive"`
	Balances []BalanceCfg `yaml:"balances" validate:"dive"`
}

// RouterRef points a ledger at its settlement hub. Nodes that host the hub
// in the same process can leave it out; split deployments set at least the
// chain id. An empty address means the hub's router module account.
type RouterRef struct {
	ChainID uint64 `yaml:"chain_id"`
	Address string `yaml:"address" validate:"omitempty,eth_addr"`
}

// TokenCfg registers an asset on the instance's token book. Wrapped is the
// hub-side representation; nodes that do not host the hub need it to route
// inbound settlements back to the local asset.
type TokenCfg struct {
	Address  string `yaml:"address" validate:"required,eth_addr"`
	Symbol   string `yaml:"symbol"`
	Decimals uint8  `yaml:"decimals"`
	Wrapped  string `yaml:"wrapped" validate:"omitempty,eth_addr"`
}

// BalanceCfg seeds a genesis balance. Amount is a whole-unit decimal string
// ("1250.5"), converted with the token's decimals at node start.
type BalanceCfg struct {
	Account string `yaml:"account" validate:"required,eth_addr"`
	Asset   string `yaml:"asset" validate:"required,eth_addr"`
	Amount  string `yaml:"amount" validate:"required"`
}

func (c *LedgersConfig) GetAllNames() []string {
	names := make([]string, 0, len(c.Items))
	for name := range c.Items {
		names = append(names, name)
	}
	return names
}

func (c *LedgersConfig) Get(name string) (LedgerConfig, error) {
	if lc, ok := c.Items[name]; ok {
		return lc, nil
	}
	return LedgerConfig{}, fmt.Errorf("ledger %s not found", name)
}

// checkChainIDs rejects duplicate chain ids across ledgers and the hub.
func (c *LedgersConfig) checkChainIDs(hubChainID uint64) error {
	byID := make(map[uint64]string, len(c.Items))
	for name, lc := range c.Items {
		if lc.ChainID == hubChainID {
			return fmt.Errorf("ledger %s reuses the hub chain id %d", name, hubChainID)
		}
		if other, dup := byID[lc.ChainID]; dup {
			return fmt.Errorf("ledgers %s and %s share chain id %d", other, name, lc.ChainID)
		}
		byID[lc.ChainID] = name
	}
	return nil
}
