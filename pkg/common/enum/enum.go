package enum

type KVStoreType string
type TransportMode string

const (
	KVStoreTypeBadger KVStoreType = "badger"
	KVStoreTypeConsul KVStoreType = "consul"
)

const (
	// TransportModeLoopback wires every configured chain inside one process.
	TransportModeLoopback TransportMode = "loopback"
	// TransportModeNATS delivers cross-chain messages over NATS JetStream,
	// so ledger and hub nodes can run as separate processes.
	TransportModeNATS TransportMode = "nats"
)
