package constant

const (
	EnvProduction  = "production"
	EnvDevelopment = "development"

	// DefaultSubjectPrefix is the NATS subject root for transport and event traffic.
	DefaultSubjectPrefix = "settler"

	// SchemaVersion is the persisted-state schema expected by this build.
	// Stores refuse to open state written by an unknown newer schema.
	SchemaVersion = 1
)

// Module account names. Each engine owns a deterministic per-chain account
// derived from these, see token.ModuleAccount.
const (
	ModuleLedger    = "ledger"
	ModuleRouter    = "router"
	ModuleTransport = "transport"
)
