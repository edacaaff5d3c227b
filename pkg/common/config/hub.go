package config

// HubConfig describes the settlement hub: the router instance plus the
// token associations, swap rates and withdraw gas quotes it is seeded with.
type HubConfig struct {
	ChainID uint64 `yaml:"chain_id" validate:"required"`
	// GasLimit is the fixed withdrawal-gas budget priced by the gas oracle.
	GasLimit uint64 `yaml:"gas_limit"`
	// SlippageBps shaves the sim engine's swap output, in basis points.
	SlippageBps uint32                `yaml:"slippage_bps" validate:"max=10000"`
	Tokens      []TokenAssociationCfg `yaml:"tokens" validate:"dive"`
	Rates       []SwapRateCfg         `yaml:"rates" validate:"dive"`
	Gas         []GasQuoteCfg         `yaml:"gas" validate:"dive"`
}

// TokenAssociationCfg names a token and binds it to one asset per chain.
type TokenAssociationCfg struct {
	Name   string            `yaml:"name" validate:"required"`
	Assets []AssetBindingCfg `yaml:"assets" validate:"min=1,dive"`
}

// AssetBindingCfg ties a chain-local asset to its hub-side wrapped
// representation. Wrapped assets keep the remote asset's decimals.
type AssetBindingCfg struct {
	ChainID  uint64 `yaml:"chain_id" validate:"required"`
	Asset    string `yaml:"asset" validate:"required,eth_addr"`
	Wrapped  string `yaml:"wrapped" validate:"required,eth_addr"`
	Decimals uint8  `yaml:"decimals"`
}

// SwapRateCfg quotes a hub-side conversion between two wrapped assets.
// Rate is a decimal string applied to whole units ("0.995").
type SwapRateCfg struct {
	AssetIn  string `yaml:"asset_in" validate:"required,eth_addr"`
	AssetOut string `yaml:"asset_out" validate:"required,eth_addr"`
	Rate     string `yaml:"rate" validate:"required"`
}

// GasQuoteCfg prices withdrawals toward one target chain. Price is the
// per-gas-unit cost in minimal units of the quoted asset; the charged fee
// is price * hub.gas_limit.
type GasQuoteCfg struct {
	ChainID uint64 `yaml:"chain_id" validate:"required"`
	Asset   string `yaml:"asset" validate:"required,eth_addr"`
	Price   string `yaml:"price" validate:"required"`
}
