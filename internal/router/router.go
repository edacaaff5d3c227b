// Package router is the hub engine between ledgers. It receives forwarded
// intents, converts the escrowed value into the target chain's asset, nets
// the routing cost against the tip and forwards a settlement carrying both
// the promised and the netted amount to the destination ledger.
package router

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

	"github.com/fluxline/intent-settler/internal/guard"
	"github.com/fluxline/intent-settler/internal/metrics"
	"github.com/fluxline/intent-settler/internal/payload"
	"github.com/fluxline/intent-settler/pkg/common/constant"
	"github.com/fluxline/intent-settler/pkg/events"
	"github.com/fluxline/intent-settler/pkg/swap"
	"github.com/fluxline/intent-settler/pkg/token"
	"github.com/fluxline/intent-settler/pkg/transport"
)

type Config struct {
	ChainID   uint64
	Registry  *Registry
	Book      token.Book
	Guard     *guard.Guard
	Transport transport.Transport
	Engine    swap.Engine
	Oracle    swap.GasOracle
	Emitter   events.Emitter
	Metrics   *metrics.Metrics
	Logger    *slog.Logger
}

type Router struct {
	chainID       uint64
	registry      *Registry
	book          token.Book
	guard         *guard.Guard
	transport     transport.Transport
	oracle        swap.GasOracle
	emitter       events.Emitter
	metrics       *metrics.Metrics
	log           *slog.Logger
	account       common.Address
	transportAcct common.Address

	// serializes the swap-net-forward pipeline and guards the engine slot
	mu     sync.Mutex
	engine swap.Engine
}

func New(cfg Config) (*Router, error) {
	if cfg.Registry == nil || cfg.Book == nil || cfg.Guard == nil || cfg.Transport == nil {
		return nil, errors.New("router: registry, book, guard and transport are required")
	}
	if cfg.Engine == nil || cfg.Oracle == nil {
		return nil, errors.New("router: swap engine and gas oracle are required")
	}
	if cfg.Emitter == nil {
		cfg.Emitter = events.NopEmitter{}
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	return &Router{
		chainID:       cfg.ChainID,
		registry:      cfg.Registry,
		book:          cfg.Book,
		guard:         cfg.Guard,
		transport:     cfg.Transport,
		oracle:        cfg.Oracle,
		emitter:       cfg.Emitter,
		metrics:       cfg.Metrics,
		log:           cfg.Logger.With("chain", cfg.ChainID),
		account:       token.ModuleAccount(cfg.ChainID, constant.ModuleRouter),
		transportAcct: token.ModuleAccount(cfg.ChainID, constant.ModuleTransport),
		engine:        cfg.Engine,
	}, nil
}

// Account is the module account the transport delivers into and pulls
// forwarded value from.
func (r *Router) Account() common.Address { return r.account }

func (r *Router) ChainID() uint64 { return r.chainID }

// OnCall routes one forwarded intent. Retryable failures (pause, storage)
// leave the delivery to the transport's redelivery policy; everything else
// bounces the value back to the origin.
func (r *Router) OnCall(ctx context.Context, tc transport.Context, asset common.Address, amount *big.Int, data []byte) error {
	err := r.route(ctx, tc, asset, amount, data)
	switch {
	case err == nil:
		r.metrics.IncRouted(metrics.RoutedForwarded)
	case errors.Is(err, transport.ErrRetryable):
		r.metrics.IncRouted(metrics.RoutedRetried)
	default:
		r.metrics.IncRouted(metrics.RoutedRejected)
	}
	return err
}

func (r *Router) route(ctx context.Context, tc transport.Context, asset common.Address, amount *big.Int, data []byte) error {
	if r.guard.Paused() {
		return fmt.Errorf("%w: %w", transport.ErrRetryable, ErrPaused)
	}

	origin, found, err := r.registry.Ledger(tc.SenderChain)
	if err != nil {
		return fmt.Errorf("%w: %w", transport.ErrRetryable, err)
	}
	if !found || !bytes.Equal(tc.Sender, origin.Address.Bytes()) {
		return fmt.Errorf("chain %d sender %x: %w", tc.SenderChain, tc.Sender, ErrUntrustedSender)
	}

	in, err := payload.DecodeIntent(data)
	if err != nil {
		return err
	}
	if len(in.Receiver) != common.AddressLength {
		return fmt.Errorf("receiver must be %d bytes, got %d: %w",
			common.AddressLength, len(in.Receiver), ErrValidation)
	}
	receiver := common.BytesToAddress(in.Receiver)

	total := new(big.Int).Add(in.Amount, in.Tip)
	if amount == nil || amount.Cmp(total) != 0 {
		return fmt.Errorf("delivered %s does not match intent amount+tip %s: %w", amount, total, ErrValidation)
	}

	name, found, err := r.registry.TokenByWrapped(asset)
	if err != nil {
		return fmt.Errorf("%w: %w", transport.ErrRetryable, err)
	}
	if !found {
		return fmt.Errorf("wrapped asset %s: %w", asset.Hex(), ErrNoAssociation)
	}
	src, found, err := r.registry.Association(name, tc.SenderChain)
	if err != nil {
		return fmt.Errorf("%w: %w", transport.ErrRetryable, err)
	}
	if !found || src.Wrapped != asset {
		return fmt.Errorf("token %q on origin chain %d: %w", name, tc.SenderChain, ErrNoAssociation)
	}
	tgt, found, err := r.registry.Association(name, in.TargetChain)
	if err != nil {
		return fmt.Errorf("%w: %w", transport.ErrRetryable, err)
	}
	if !found {
		return fmt.Errorf("token %q on target chain %d: %w", name, in.TargetChain, ErrNoAssociation)
	}
	dest, found, err := r.registry.Ledger(in.TargetChain)
	if err != nil {
		return fmt.Errorf("%w: %w", transport.ErrRetryable, err)
	}
	if !found {
		return fmt.Errorf("chain %d: %w", in.TargetChain, ErrNoLedger)
	}

	decSrc, err := r.book.Decimals(asset)
	if err != nil {
		return err
	}
	decTgt, err := r.book.Decimals(tgt.Wrapped)
	if err != nil {
		return err
	}

	gasLimit, err := r.registry.WithdrawGasLimit()
	if err != nil {
		return fmt.Errorf("%w: %w", transport.ErrRetryable, err)
	}
	gasAsset, gasFee, err := r.oracle.WithdrawGasFee(ctx, in.TargetChain, gasLimit)
	if err != nil {
		return fmt.Errorf("gas quote for chain %d: %w", in.TargetChain, err)
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	received, err := r.engine.Swap(ctx, swap.Request{
		AssetIn:  asset,
		AssetOut: tgt.Wrapped,
		AmountIn: amount,
		GasAsset: gasAsset,
		GasFee:   gasFee,
		Account:  r.account,
	})
	if err != nil {
		return fmt.Errorf("swap %s %s into %s: %w", amount, asset.Hex(), tgt.Wrapped.Hex(), err)
	}

	// all fee arithmetic happens in target units
	promisedAmount := Rescale(in.Amount, decSrc, decTgt)
	promisedTip := Rescale(in.Tip, decSrc, decTgt)

	actual, outTip, err := NetFees(promisedAmount, promisedTip, received, gasFee)
	if err != nil {
		return r.unwindSwap(asset, amount, tgt.Wrapped, received, gasAsset, gasFee, false, err)
	}

	// Amount stays the promised target-unit value: the destination derives
	// the fulfillment index from it, so netting must not touch it.
	out, err := payload.EncodeSettlement(payload.Settlement{
		ID:           in.ID,
		Amount:       promisedAmount,
		Asset:        tgt.Asset,
		Receiver:     receiver,
		Tip:          outTip,
		ActualAmount: actual,
	})
	if err != nil {
		return r.unwindSwap(asset, amount, tgt.Wrapped, received, gasAsset, gasFee, false, err)
	}

	// one allowance per asset: when gas is charged in the forwarded asset
	// the transport withdraws both from the same approval
	forward := new(big.Int).Add(actual, outTip)
	chargesGas := gasFee != nil && gasFee.Sign() > 0
	approveOut := forward
	if chargesGas && gasAsset == tgt.Wrapped {
		approveOut = new(big.Int).Add(forward, gasFee)
	} else if chargesGas {
		if err := r.book.Approve(gasAsset, r.account, r.transportAcct, gasFee); err != nil {
			return r.unwindSwap(asset, amount, tgt.Wrapped, received, gasAsset, gasFee, false, err)
		}
	}
	if err := r.book.Approve(tgt.Wrapped, r.account, r.transportAcct, approveOut); err != nil {
		return r.unwindSwap(asset, amount, tgt.Wrapped, received, gasAsset, gasFee, false, err)
	}

	err = r.transport.SendWithFunds(ctx,
		transport.Destination{ChainID: in.TargetChain, Address: dest.Address.Bytes()},
		tgt.Wrapped, forward, out,
		transport.RevertPolicy{RefundAddress: r.account, Message: in.ID.Bytes()})
	if err != nil {
		// a synchronous delivery failure means the transport refunded the
		// principal here and the gas is spent
		gasSpent := errors.Is(err, transport.ErrDeliveryFailed)
		return r.unwindSwap(asset, amount, tgt.Wrapped, received, gasAsset, gasFee, gasSpent, err)
	}

	rec := RoutedRecord{
		IntentID:    in.ID,
		OriginChain: tc.SenderChain,
		TargetChain: in.TargetChain,
		AssetIn:     asset,
		AssetOut:    tgt.Asset,
		Delivered:   amount,
		Received:    received,
		Forwarded:   forward,
		OutTip:      outTip,
		GasFee:      gasFee,
		MessageID:   tc.MessageID,
		CreatedAt:   time.Now().UTC(),
	}
	if err := r.registry.PutRouted(rec); err != nil {
		r.log.Warn("routed journal write failed", "intent", in.ID.Hex(), "error", err)
	}

	r.log.Info("settlement forwarded",
		"intent", in.ID.Hex(), "token", name,
		"origin_chain", tc.SenderChain, "target_chain", in.TargetChain,
		"delivered", amount, "forwarded", forward, "out_tip", outTip, "gas_fee", gasFee)
	r.emit(events.TypeSettlementForwarded, events.SettlementForwarded{
		IntentID:    in.ID,
		OriginChain: tc.SenderChain,
		TargetChain: in.TargetChain,
		AssetOut:    tgt.Asset,
		Amount:      events.Amount(amount),
		Tip:         events.Amount(outTip),
		GasFee:      events.Amount(gasFee),
	})
	return nil
}

// unwindSwap restores the delivered balance after a post-swap failure so
// the calling transport can unwind its own mint. Callers hold r.mu.
func (r *Router) unwindSwap(srcAsset common.Address, delivered *big.Int, tgtAsset common.Address, received *big.Int, gasAsset common.Address, gasFee *big.Int, gasSpent bool, cause error) error {
	if err := r.book.Burn(tgtAsset, r.account, received); err != nil {
		return errors.Join(cause, fmt.Errorf("unwind swap output: %w", err))
	}
	if !gasSpent && gasFee != nil && gasFee.Sign() > 0 {
		if err := r.book.Burn(gasAsset, r.account, gasFee); err != nil {
			return errors.Join(cause, fmt.Errorf("unwind gas funding: %w", err))
		}
	}
	if err := r.book.Mint(srcAsset, r.account, delivered); err != nil {
		return errors.Join(cause, fmt.Errorf("restore delivered funds: %w", err))
	}
	return cause
}

// AddToken registers a routable token name.
func (r *Router) AddToken(actor common.Address, name string) error {
	if err := r.guard.Require(actor, guard.RoleAdmin); err != nil {
		return err
	}
	if err := r.registry.AddToken(name); err != nil {
		return err
	}
	r.log.Info("token registered", "token", name)
	return nil
}

// AddTokenAssociation binds a token to an asset pair on one chain.
func (r *Router) AddTokenAssociation(actor common.Address, a Association) error {
	if err := r.guard.Require(actor, guard.RoleAdmin); err != nil {
		return err
	}
	if err := r.registry.AddAssociation(a); err != nil {
		return err
	}
	r.log.Info("association added",
		"token", a.Token, "assoc_chain", a.ChainID, "asset", a.Asset.Hex(), "wrapped", a.Wrapped.Hex())
	return nil
}

func (r *Router) UpdateTokenAssociation(actor common.Address, a Association) error {
	if err := r.guard.Require(actor, guard.RoleAdmin); err != nil {
		return err
	}
	if err := r.registry.UpdateAssociation(a); err != nil {
		return err
	}
	r.log.Info("association updated",
		"token", a.Token, "assoc_chain", a.ChainID, "asset", a.Asset.Hex(), "wrapped", a.Wrapped.Hex())
	return nil
}

func (r *Router) RemoveTokenAssociation(actor common.Address, name string, chainID uint64) error {
	if err := r.guard.Require(actor, guard.RoleAdmin); err != nil {
		return err
	}
	if err := r.registry.RemoveAssociation(name, chainID); err != nil {
		return err
	}
	r.log.Info("association removed", "token", name, "assoc_chain", chainID)
	return nil
}

// SetLedger registers the peer ledger the router trusts and targets on a
// chain.
func (r *Router) SetLedger(actor common.Address, chainID uint64, address common.Address) error {
	if err := r.guard.Require(actor, guard.RoleAdmin); err != nil {
		return err
	}
	if err := r.registry.SetLedger(LedgerBinding{ChainID: chainID, Address: address}); err != nil {
		return err
	}
	r.log.Info("ledger registered", "ledger_chain", chainID, "ledger", address.Hex())
	return nil
}

// SetSwapEngine swaps the conversion engine. In-flight settlements finish
// on the engine they started with.
func (r *Router) SetSwapEngine(actor common.Address, engine swap.Engine) error {
	if err := r.guard.Require(actor, guard.RoleAdmin); err != nil {
		return err
	}
	if engine == nil {
		return fmt.Errorf("nil swap engine: %w", ErrValidation)
	}
	r.mu.Lock()
	r.engine = engine
	r.mu.Unlock()
	r.log.Info("swap engine replaced")
	return nil
}

func (r *Router) SetWithdrawGasLimit(actor common.Address, v uint64) error {
	if err := r.guard.Require(actor, guard.RoleAdmin); err != nil {
		return err
	}
	if err := r.registry.SetWithdrawGasLimit(v); err != nil {
		return err
	}
	r.log.Info("withdraw gas limit set", "gas_limit", v)
	return nil
}

func (r *Router) Pause(actor common.Address) error { return r.guard.Pause(actor) }

func (r *Router) Unpause(actor common.Address) error { return r.guard.Unpause(actor) }

func (r *Router) emit(eventType string, data any) {
	if err := r.emitter.Emit(events.New(eventType, r.chainID, data)); err != nil {
		r.log.Warn("event emission failed", "type", eventType, "error", err)
	}
}
