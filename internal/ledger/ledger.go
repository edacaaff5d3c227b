// Package ledger owns the escrow side of the intent lifecycle on one
// chain: it creates intents, records fulfillments and applies settlements
// delivered by the transport. State lives in the instance KV store; value
// moves through the chain's token book.
package ledger

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"log/slog"
	"math/big"
	"sync"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/common/hexutil"

	"github.com/fluxline/intent-settler/internal/guard"
	"github.com/fluxline/intent-settler/internal/metrics"
	"github.com/fluxline/intent-settler/internal/payload"
	"github.com/fluxline/intent-settler/pkg/common/constant"
	"github.com/fluxline/intent-settler/pkg/events"
	"github.com/fluxline/intent-settler/pkg/token"
	"github.com/fluxline/intent-settler/pkg/transport"
)

type Config struct {
	ChainID   uint64
	Store     *Store
	Book      token.Book
	Guard     *guard.Guard
	Transport transport.Transport
	Emitter   events.Emitter
	Metrics   *metrics.Metrics
	Logger    *slog.Logger
}

type Ledger struct {
	chainID       uint64
	store         *Store
	book          token.Book
	guard         *guard.Guard
	transport     transport.Transport
	emitter       events.Emitter
	metrics       *metrics.Metrics
	log           *slog.Logger
	account       common.Address
	transportAcct common.Address

	// serializes counter allocation and the presence checks that gate
	// fulfillment and settlement writes
	mu sync.Mutex
}

func New(cfg Config) (*Ledger, error) {
	if cfg.Store == nil || cfg.Book == nil || cfg.Guard == nil || cfg.Transport == nil {
		return nil, errors.New("ledger: store, book, guard and transport are required")
	}
	if cfg.Emitter == nil {
		cfg.Emitter = events.NopEmitter{}
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	return &Ledger{
		chainID:       cfg.ChainID,
		store:         cfg.Store,
		book:          cfg.Book,
		guard:         cfg.Guard,
		transport:     cfg.Transport,
		emitter:       cfg.Emitter,
		metrics:       cfg.Metrics,
		log:           cfg.Logger.With("chain", cfg.ChainID),
		account:       token.ModuleAccount(cfg.ChainID, constant.ModuleLedger),
		transportAcct: token.ModuleAccount(cfg.ChainID, constant.ModuleTransport),
	}, nil
}

// Account is the module account holding this ledger's escrow. Callers
// approve it before Initiate or Fulfill pulls their funds.
func (l *Ledger) Account() common.Address { return l.account }

func (l *Ledger) ChainID() uint64 { return l.chainID }

// Initiate escrows amount+tip from the caller and forwards the intent to
// the registered router. A failed forward leaves no intent behind and the
// caller keeps their funds; a failed initiate still consumes its counter
// value, so ids are never reused.
func (l *Ledger) Initiate(ctx context.Context, caller, asset common.Address, amount *big.Int, targetChain uint64, receiver []byte, tip, salt *big.Int) (common.Hash, error) {
	if l.guard.Paused() {
		return common.Hash{}, ErrPaused
	}
	if caller == (common.Address{}) || asset == (common.Address{}) {
		return common.Hash{}, fmt.Errorf("zero caller or asset: %w", ErrValidation)
	}
	if amount == nil || amount.Sign() <= 0 {
		return common.Hash{}, fmt.Errorf("amount must be positive: %w", ErrValidation)
	}
	if tip == nil {
		tip = new(big.Int)
	}
	if tip.Sign() < 0 {
		return common.Hash{}, fmt.Errorf("negative tip: %w", ErrValidation)
	}
	if len(receiver) == 0 {
		return common.Hash{}, fmt.Errorf("empty receiver: %w", ErrValidation)
	}
	if targetChain == l.chainID {
		return common.Hash{}, fmt.Errorf("target chain must differ from origin: %w", ErrValidation)
	}
	router, err := l.store.Router()
	if err != nil {
		return common.Hash{}, err
	}

	total := new(big.Int).Add(amount, tip)

	l.mu.Lock()
	counter, err := l.store.Counter()
	if err != nil {
		l.mu.Unlock()
		return common.Hash{}, err
	}
	if err := l.store.SetCounter(counter + 1); err != nil {
		l.mu.Unlock()
		return common.Hash{}, err
	}
	id := payload.IntentID(counter, salt, l.chainID)

	if err := l.book.TransferFrom(asset, l.account, caller, l.account, total); err != nil {
		l.mu.Unlock()
		return common.Hash{}, fmt.Errorf("escrow %s of %s: %w", total, asset.Hex(), err)
	}
	rec := IntentRecord{
		ID:          id,
		Caller:      caller,
		Asset:       asset,
		Amount:      amount,
		Tip:         tip,
		TargetChain: targetChain,
		Receiver:    receiver,
		CreatedAt:   time.Now().UTC(),
	}
	if err := l.store.PutIntent(rec); err != nil {
		refundErr := l.book.Transfer(asset, l.account, caller, total)
		l.mu.Unlock()
		if refundErr != nil {
			return common.Hash{}, errors.Join(err, refundErr)
		}
		return common.Hash{}, err
	}
	l.mu.Unlock()

	data, err := payload.EncodeIntent(payload.Intent{
		ID:          id,
		Amount:      amount,
		Tip:         tip,
		TargetChain: targetChain,
		Receiver:    receiver,
	})
	if err != nil {
		return common.Hash{}, l.unwindInitiate(id, caller, asset, total, false, err)
	}
	if err := l.book.Approve(asset, l.account, l.transportAcct, total); err != nil {
		return common.Hash{}, l.unwindInitiate(id, caller, asset, total, false, err)
	}
	err = l.transport.SendWithFunds(ctx,
		transport.Destination{ChainID: router.ChainID, Address: router.Address.Bytes()},
		asset, total, data,
		transport.RevertPolicy{RefundAddress: caller, Message: id.Bytes()})
	if err != nil {
		// after a synchronous delivery failure the transport has already
		// refunded the caller; otherwise the escrow never left the module
		// account
		refunded := errors.Is(err, transport.ErrDeliveryFailed)
		return common.Hash{}, l.unwindInitiate(id, caller, asset, total, refunded, err)
	}

	l.log.Info("intent initiated",
		"id", id.Hex(), "caller", caller.Hex(), "asset", asset.Hex(),
		"amount", amount, "tip", tip, "target_chain", targetChain)
	l.metrics.IncIntentInitiated(l.chainID)
	l.emit(events.TypeIntentInitiated, events.IntentInitiated{
		IntentID:    id,
		Caller:      caller,
		Asset:       asset,
		Amount:      events.Amount(amount),
		Tip:         events.Amount(tip),
		TargetChain: targetChain,
		Receiver:    hexutil.Encode(receiver),
	})
	return id, nil
}

func (l *Ledger) unwindInitiate(id common.Hash, caller, asset common.Address, total *big.Int, refunded bool, cause error) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	if err := l.store.DeleteIntent(id); err != nil {
		return errors.Join(cause, err)
	}
	if !refunded {
		if err := l.book.Transfer(asset, l.account, caller, total); err != nil {
			return errors.Join(cause, fmt.Errorf("refund escrow: %w", err))
		}
	}
	return fmt.Errorf("forward intent %s: %w", id.Hex(), cause)
}

// Fulfill advances the exact promised payout to the receiver ahead of
// settlement and records the caller as the fulfiller. The tuple must match
// the eventual settlement to the digit: a different amount creates a
// distinct index that the settlement will never join.
func (l *Ledger) Fulfill(ctx context.Context, caller common.Address, intentID common.Hash, asset common.Address, amount *big.Int, receiver common.Address) error {
	if l.guard.Paused() {
		return ErrPaused
	}
	if caller == (common.Address{}) || asset == (common.Address{}) || receiver == (common.Address{}) {
		return fmt.Errorf("zero caller, asset or receiver: %w", ErrValidation)
	}
	if intentID == (common.Hash{}) {
		return fmt.Errorf("zero intent id: %w", ErrValidation)
	}
	if amount == nil || amount.Sign() < 0 {
		return fmt.Errorf("invalid amount: %w", ErrValidation)
	}

	index := payload.FulfillmentIndex(intentID, asset, amount, receiver)

	l.mu.Lock()
	defer l.mu.Unlock()

	// fulfillment presence first, then settlement, closing the race with a
	// concurrent settlement callback
	_, found, err := l.store.Fulfillment(index)
	if err != nil {
		return err
	}
	if found {
		return fmt.Errorf("index %s: %w", index.Hex(), ErrAlreadyFulfilled)
	}
	_, found, err = l.store.Settlement(index)
	if err != nil {
		return err
	}
	if found {
		return fmt.Errorf("index %s: %w", index.Hex(), ErrAlreadySettled)
	}

	if err := l.book.TransferFrom(asset, l.account, caller, receiver, amount); err != nil {
		return fmt.Errorf("advance payout: %w", err)
	}
	rec := FulfillmentRecord{
		Index:     index,
		IntentID:  intentID,
		Fulfiller: caller,
		Asset:     asset,
		Amount:    amount,
		Receiver:  receiver,
		CreatedAt: time.Now().UTC(),
	}
	if err := l.store.PutFulfillment(rec); err != nil {
		if uErr := l.book.Transfer(asset, receiver, caller, amount); uErr != nil {
			return errors.Join(err, uErr)
		}
		return err
	}

	l.log.Info("intent fulfilled",
		"intent", intentID.Hex(), "index", index.Hex(), "fulfiller", caller.Hex(), "amount", amount)
	l.metrics.IncFulfillment(l.chainID)
	l.emit(events.TypeIntentFulfilled, events.IntentFulfilled{
		IntentID:  intentID,
		Index:     index,
		Asset:     asset,
		Amount:    events.Amount(amount),
		Receiver:  receiver,
		Fulfiller: caller,
	})
	return nil
}

// OnCall applies a settlement delivered by the transport. It runs even
// while intake is paused: pause gates new value entering, never the
// release of already-escrowed funds.
func (l *Ledger) OnCall(ctx context.Context, tc transport.Context, asset common.Address, amount *big.Int, data []byte) error {
	router, err := l.store.Router()
	if err != nil {
		return err
	}
	if tc.SenderChain != router.ChainID || !bytes.Equal(tc.Sender, router.Address.Bytes()) {
		return fmt.Errorf("chain %d sender %x: %w", tc.SenderChain, tc.Sender, ErrUntrustedSender)
	}
	s, err := payload.DecodeSettlement(data)
	if err != nil {
		return err
	}

	payout := new(big.Int).Add(s.ActualAmount, s.Tip)
	if amount == nil || amount.Cmp(payout) != 0 {
		return fmt.Errorf("delivered %s does not match payout %s: %w", amount, payout, ErrValidation)
	}
	if asset != s.Asset {
		return fmt.Errorf("delivered asset %s does not match settlement asset %s: %w",
			asset.Hex(), s.Asset.Hex(), ErrValidation)
	}

	index := payload.FulfillmentIndex(s.ID, s.Asset, s.Amount, s.Receiver)

	l.mu.Lock()
	defer l.mu.Unlock()

	_, found, err := l.store.Settlement(index)
	if err != nil {
		return fmt.Errorf("%w: %w", transport.ErrRetryable, err)
	}
	if found {
		return fmt.Errorf("index %s: %w: %w", index.Hex(), ErrAlreadySettled, transport.ErrAlreadyApplied)
	}

	ful, fulfilled, err := l.store.Fulfillment(index)
	if err != nil {
		return fmt.Errorf("%w: %w", transport.ErrRetryable, err)
	}

	payee := s.Receiver
	paidTip := new(big.Int)
	if fulfilled {
		payee = ful.Fulfiller
		paidTip.Set(s.Tip)
	}

	rec := SettlementRecord{
		Index:        index,
		IntentID:     s.ID,
		Settled:      true,
		Fulfilled:    fulfilled,
		Fulfiller:    ful.Fulfiller,
		ActualAmount: s.ActualAmount,
		PaidTip:      paidTip,
		CreatedAt:    time.Now().UTC(),
	}
	if err := l.store.PutSettlement(rec); err != nil {
		return fmt.Errorf("%w: %w", transport.ErrRetryable, err)
	}
	if err := l.book.Transfer(asset, l.account, payee, payout); err != nil {
		// a settled record without its payout must not stand
		if dErr := l.store.DeleteSettlement(index); dErr != nil {
			return errors.Join(err, dErr)
		}
		return fmt.Errorf("%w: payout: %w", transport.ErrRetryable, err)
	}

	l.log.Info("settlement applied",
		"intent", s.ID.Hex(), "index", index.Hex(), "fulfilled", fulfilled,
		"payee", payee.Hex(), "payout", payout)
	l.metrics.IncSettlement(l.chainID, fulfilled)
	l.emit(events.TypeIntentSettled, events.IntentSettled{
		IntentID:     s.ID,
		Index:        index,
		Asset:        asset,
		Receiver:     s.Receiver,
		Fulfilled:    fulfilled,
		Fulfiller:    ful.Fulfiller,
		ActualAmount: events.Amount(s.ActualAmount),
		PaidTip:      events.Amount(paidTip),
	})
	return nil
}

// SetRouter registers the hub router this ledger forwards to and accepts
// settlements from.
func (l *Ledger) SetRouter(actor common.Address, chainID uint64, address common.Address) error {
	if err := l.guard.Require(actor, guard.RoleAdmin); err != nil {
		return err
	}
	if address == (common.Address{}) {
		return fmt.Errorf("zero router address: %w", ErrValidation)
	}
	if err := l.store.SetRouter(RouterBinding{ChainID: chainID, Address: address}); err != nil {
		return err
	}
	l.log.Info("router registered", "router_chain", chainID, "router", address.Hex())
	return nil
}

func (l *Ledger) Pause(actor common.Address) error { return l.guard.Pause(actor) }

func (l *Ledger) Unpause(actor common.Address) error { return l.guard.Unpause(actor) }

func (l *Ledger) emit(eventType string, data any) {
	if err := l.emitter.Emit(events.New(eventType, l.chainID, data)); err != nil {
		l.log.Warn("event emission failed", "type", eventType, "error", err)
	}
}
