package transport

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"math/big"

	"github.com/ethereum/go-ethereum/common"

	"github.com/fluxline/intent-settler/pkg/token"
)

// Loopback dispatches synchronously between recipients wired into the same
// process. It carries the full transport semantics against the attached
// books, with one difference from queue-backed fabrics: every delivery
// failure is final, so the refund lands before SendWithFunds returns.
type Loopback struct {
	state fabricState
	log   *slog.Logger
	hook  func(RevertNotice)
}

func NewLoopback(log *slog.Logger) *Loopback {
	if log == nil {
		log = slog.Default()
	}
	return &Loopback{state: newFabricState(), log: log}
}

func (l *Loopback) AttachBook(chainID uint64, book token.Book) {
	l.state.attachBook(chainID, book)
}

func (l *Loopback) Register(chainID uint64, address common.Address, recipient Recipient) {
	l.state.register(chainID, address, recipient)
}

func (l *Loopback) AddRoute(destChain, originChain uint64, originAsset, localAsset common.Address) {
	l.state.addRoute(destChain, originChain, originAsset, localAsset)
}

// SetRevertHook must be called before the fabric carries traffic.
func (l *Loopback) SetRevertHook(fn func(RevertNotice)) { l.hook = fn }

func (l *Loopback) Bind(chainID uint64, sender common.Address, opts BindOptions) Transport {
	return &loopbackSender{fabric: l, chain: chainID, sender: sender, opts: opts}
}

func (l *Loopback) Start(ctx context.Context) error { return nil }

func (l *Loopback) Close() error { return nil }

type loopbackSender struct {
	fabric *Loopback
	chain  uint64
	sender common.Address
	opts   BindOptions
}

func (s *loopbackSender) SendWithFunds(ctx context.Context, dest Destination, asset common.Address, amount *big.Int, payload []byte, revert RevertPolicy) error {
	l := s.fabric
	if amount == nil || amount.Sign() < 0 {
		return fmt.Errorf("send amount: %w", token.ErrInvalidAmount)
	}
	if revert.RefundAddress == (common.Address{}) {
		return ErrNoRefundeeSet
	}

	// quote gas before any value moves
	var (
		gasAsset common.Address
		gasFee   *big.Int
	)
	if s.opts.GasOracle != nil {
		var err error
		gasAsset, gasFee, err = s.opts.GasOracle.WithdrawGasFee(ctx, dest.ChainID, s.opts.GasLimit)
		if err != nil {
			return fmt.Errorf("gas quote: %w", err)
		}
	}

	if err := l.state.withdraw(s.chain, s.sender, asset, amount); err != nil {
		return fmt.Errorf("withdraw funds: %w", err)
	}
	if gasFee != nil && gasFee.Sign() > 0 {
		if err := l.state.withdraw(s.chain, s.sender, gasAsset, gasFee); err != nil {
			if rErr := l.state.refund(s.chain, s.sender, asset, amount); rErr != nil {
				return errors.Join(fmt.Errorf("withdraw gas: %w", err), rErr)
			}
			return fmt.Errorf("withdraw gas: %w", err)
		}
	}

	msgID := callMessageID(s.chain, s.sender, dest, asset, amount, payload)
	err := l.deliver(ctx, s.chain, s.sender, dest, asset, amount, payload, msgID)
	if err == nil {
		return nil
	}

	// principal returns, gas stays spent
	if rErr := l.state.refund(s.chain, revert.RefundAddress, asset, amount); rErr != nil {
		return errors.Join(err, rErr)
	}
	notice := RevertNotice{
		MessageID:     msgID,
		Origin:        s.chain,
		RefundAddress: revert.RefundAddress,
		Asset:         asset,
		Amount:        amount,
		Message:       revert.Message,
		Cause:         err.Error(),
	}
	l.log.Warn("delivery reverted",
		"message_id", msgID, "dest_chain", dest.ChainID, "refund", revert.RefundAddress.Hex(), "cause", err.Error())
	if l.hook != nil {
		l.hook(notice)
	}
	return fmt.Errorf("%w: %w", ErrDeliveryFailed, err)
}

func (l *Loopback) deliver(ctx context.Context, origin uint64, sender common.Address, dest Destination, originAsset common.Address, amount *big.Int, payload []byte, msgID string) error {
	localAsset, err := l.state.route(dest.ChainID, origin, originAsset)
	if err != nil {
		return err
	}
	reg, err := l.state.recipient(dest.ChainID, dest.Address)
	if err != nil {
		return err
	}
	book, err := l.state.book(dest.ChainID)
	if err != nil {
		return err
	}

	if err := book.Mint(localAsset, reg.addr, amount); err != nil {
		return fmt.Errorf("mint at destination: %w", err)
	}
	tc := Context{Sender: sender.Bytes(), SenderChain: origin, MessageID: msgID}
	callErr := reg.r.OnCall(ctx, tc, localAsset, amount, payload)
	if callErr == nil {
		return nil
	}
	if burnErr := book.Burn(localAsset, reg.addr, amount); burnErr != nil {
		return errors.Join(callErr, fmt.Errorf("unwind destination mint: %w", burnErr))
	}
	if errors.Is(callErr, ErrAlreadyApplied) {
		// replay of an applied delivery: value already landed once, so the
		// re-mint is unwound and no refund is owed
		l.log.Debug("replayed delivery ignored", "message_id", msgID, "dest_chain", dest.ChainID)
		return nil
	}
	return callErr
}
