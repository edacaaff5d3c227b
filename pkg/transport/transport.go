// Package transport moves value and payloads between chain instances.
// Sending burns the funds against the origin book; delivery mints the
// route-mapped local asset at the destination and hands it to the
// registered recipient. A failed delivery refunds the origin per the
// sender's revert policy.
package transport

import (
	"context"
	"errors"
	"math/big"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/crypto"

	"github.com/fluxline/intent-settler/pkg/swap"
	"github.com/fluxline/intent-settler/pkg/token"
)

var (
	// ErrAlreadyApplied marks a delivery the recipient has seen before.
	// The transport treats it as success: re-minted funds are burned and
	// no revert is issued, so a replay can never double-refund.
	ErrAlreadyApplied = errors.New("delivery already applied")

	// ErrRetryable marks a transient recipient failure. Queue-backed
	// transports redeliver later; the loopback treats it as final.
	ErrRetryable = errors.New("retryable delivery failure")

	// ErrDeliveryFailed wraps synchronous delivery failures. It tells the
	// sender the funds were consumed and refunded per the revert policy,
	// so no further unwinding of value is owed.
	ErrDeliveryFailed = errors.New("delivery failed")

	ErrUnroutable    = errors.New("unroutable delivery")
	ErrNoRefundeeSet = errors.New("revert policy has no refund address")
)

// Context carries the provenance of a delivered message.
type Context struct {
	Sender      []byte
	SenderChain uint64
	MessageID   string
}

// Recipient receives minted funds together with the payload. An error
// return means no recipient state changed and the funds may be unwound.
type Recipient interface {
	OnCall(ctx context.Context, tc Context, asset common.Address, amount *big.Int, payload []byte) error
}

type Destination struct {
	ChainID uint64
	Address []byte
}

// RevertPolicy tells the transport where value goes when delivery fails.
type RevertPolicy struct {
	RefundAddress common.Address
	Message       []byte
}

// Transport is the sending half, bound to one origin chain and sender.
type Transport interface {
	SendWithFunds(ctx context.Context, dest Destination, asset common.Address, amount *big.Int, payload []byte, revert RevertPolicy) error
}

// BindOptions configure a bound sender. When GasOracle is set, every send
// additionally withdraws the quoted delivery fee for the target chain from
// the sender and burns it.
type BindOptions struct {
	GasOracle swap.GasOracle
	GasLimit  uint64
}

// RevertNotice reports an applied refund to the node's observability hook.
type RevertNotice struct {
	MessageID     string
	Origin        uint64
	RefundAddress common.Address
	Asset         common.Address
	Amount        *big.Int
	Message       []byte
	Cause         string
}

// Fabric is the wiring surface shared by transport implementations: books
// and recipients per chain, the asset route table, and bound senders.
type Fabric interface {
	AttachBook(chainID uint64, book token.Book)
	Register(chainID uint64, address common.Address, recipient Recipient)
	AddRoute(destChain, originChain uint64, originAsset, localAsset common.Address)
	Bind(chainID uint64, sender common.Address, opts BindOptions) Transport
	SetRevertHook(fn func(RevertNotice))
	Start(ctx context.Context) error
	Close() error
}

// callMessageID derives a deterministic message id from the full send
// tuple. Republishing the same logical message reuses the id, which lets
// queue-backed transports deduplicate on the broker.
func callMessageID(originChain uint64, sender common.Address, dest Destination, asset common.Address, amount *big.Int, payload []byte) string {
	return crypto.Keccak256Hash(
		[]byte("call"),
		common.LeftPadBytes(new(big.Int).SetUint64(originChain).Bytes(), 32),
		sender.Bytes(),
		common.LeftPadBytes(new(big.Int).SetUint64(dest.ChainID).Bytes(), 32),
		common.LeftPadBytes(big.NewInt(int64(len(dest.Address))).Bytes(), 32),
		dest.Address,
		asset.Bytes(),
		common.LeftPadBytes(amount.Bytes(), 32),
		payload,
	).Hex()
}

func revertMessageID(callID string) string {
	return crypto.Keccak256Hash([]byte("revert"), []byte(callID)).Hex()
}
