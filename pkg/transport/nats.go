package transport

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"math/big"
	"strings"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/nats-io/nats.go"
	"github.com/nats-io/nats.go/jetstream"

	"github.com/fluxline/intent-settler/pkg/retry"
	"github.com/fluxline/intent-settler/pkg/token"
)

const (
	kindCall   = "call"
	kindRevert = "revert"

	publishAttempts = 3
	publishInterval = 500 * time.Millisecond
)

// deliveryBackoff spaces out redeliveries of failing messages. A message
// that exhausts MaxDeliver stays pending in the work queue for operators
// to replay; it is never silently dropped.
var deliveryBackoff = []time.Duration{
	time.Second,
	5 * time.Second,
	30 * time.Second,
	2 * time.Minute,
	5 * time.Minute,
}

// envelope is the wire form of one transport message. Call envelopes carry
// the origin asset; the consuming side maps it to a local asset through its
// route table. Revert envelopes re-mint the origin asset to the refund
// address recorded at send time.
type envelope struct {
	Kind          string         `json:"kind"`
	MessageID     string         `json:"message_id"`
	SenderChain   uint64         `json:"sender_chain"`
	Sender        common.Address `json:"sender"`
	DestChain     uint64         `json:"dest_chain"`
	DestAddress   []byte         `json:"dest_address,omitempty"`
	Asset         common.Address `json:"asset"`
	Amount        string         `json:"amount"`
	Payload       []byte         `json:"payload,omitempty"`
	RefundAddress common.Address `json:"refund_address"`
	RevertMessage []byte         `json:"revert_message,omitempty"`
	Cause         string         `json:"cause,omitempty"`
}

// NATS carries transport messages over a JetStream work queue, one subject
// per destination chain. Message ids are content-derived, so the broker's
// duplicate window absorbs republished sends, and recipients returning
// ErrAlreadyApplied absorb redeliveries beyond it.
type NATS struct {
	state  fabricState
	js     jetstream.JetStream
	log    *slog.Logger
	prefix string
	stream string
	hook   func(RevertNotice)

	consumers []jetstream.ConsumeContext
}

func NewNATS(nc *nats.Conn, subjectPrefix string, log *slog.Logger) (*NATS, error) {
	if log == nil {
		log = slog.Default()
	}
	js, err := jetstream.New(nc)
	if err != nil {
		return nil, fmt.Errorf("create jetstream context: %w", err)
	}
	return &NATS{
		state:  newFabricState(),
		js:     js,
		log:    log,
		prefix: subjectPrefix,
		stream: strings.ToUpper(subjectPrefix) + "_TRANSPORT",
	}, nil
}

func (n *NATS) AttachBook(chainID uint64, book token.Book) {
	n.state.attachBook(chainID, book)
}

func (n *NATS) Register(chainID uint64, address common.Address, recipient Recipient) {
	n.state.register(chainID, address, recipient)
}

func (n *NATS) AddRoute(destChain, originChain uint64, originAsset, localAsset common.Address) {
	n.state.addRoute(destChain, originChain, originAsset, localAsset)
}

// SetRevertHook must be called before Start.
func (n *NATS) SetRevertHook(fn func(RevertNotice)) { n.hook = fn }

func (n *NATS) Bind(chainID uint64, sender common.Address, opts BindOptions) Transport {
	return &natsSender{fabric: n, chain: chainID, sender: sender, opts: opts}
}

// Start provisions the stream and one durable consumer per chain that has
// a recipient registered on this node.
func (n *NATS) Start(ctx context.Context) error {
	_, err := n.js.CreateOrUpdateStream(ctx, jetstream.StreamConfig{
		Name:        n.stream,
		Description: "Cross-chain transport for " + n.prefix,
		Subjects:    []string{n.prefix + ".transport.>"},
		Storage:     jetstream.FileStorage,
		Retention:   jetstream.WorkQueuePolicy,
		MaxAge:      2 * 24 * time.Hour,
		Duplicates:  10 * time.Minute,
	})
	if err != nil {
		return fmt.Errorf("create transport stream: %w", err)
	}

	n.state.mu.RLock()
	chains := make([]uint64, 0, len(n.state.recipients))
	for chainID := range n.state.recipients {
		chains = append(chains, chainID)
	}
	n.state.mu.RUnlock()

	for _, chainID := range chains {
		name := fmt.Sprintf("transport-%d", chainID)
		consumer, err := n.js.CreateOrUpdateConsumer(ctx, n.stream, jetstream.ConsumerConfig{
			Name:           name,
			Durable:        name,
			FilterSubjects: []string{n.subject(chainID)},
			MaxAckPending:  4,
			MaxDeliver:     10,
			BackOff:        deliveryBackoff,
		})
		if err != nil {
			return fmt.Errorf("create consumer for chain %d: %w", chainID, err)
		}
		cc, err := consumer.Consume(n.handleMsg)
		if err != nil {
			return fmt.Errorf("consume chain %d: %w", chainID, err)
		}
		n.consumers = append(n.consumers, cc)
		n.log.Info("transport consumer started", "chain", chainID, "subject", n.subject(chainID))
	}
	return nil
}

func (n *NATS) Close() error {
	for _, cc := range n.consumers {
		cc.Stop()
	}
	n.consumers = nil
	return nil
}

func (n *NATS) subject(chainID uint64) string {
	return fmt.Sprintf("%s.transport.%d", n.prefix, chainID)
}

func (n *NATS) publish(ctx context.Context, subject string, env envelope) error {
	data, err := json.Marshal(env)
	if err != nil {
		return fmt.Errorf("encode envelope: %w", err)
	}
	header := nats.Header{}
	header.Add("Nats-Msg-Id", env.MessageID)
	return retry.Constant(func() error {
		_, err := n.js.PublishMsg(ctx, &nats.Msg{Subject: subject, Data: data, Header: header})
		return err
	}, publishInterval, publishAttempts)
}

func (n *NATS) handleMsg(msg jetstream.Msg) {
	var env envelope
	if err := json.Unmarshal(msg.Data(), &env); err != nil {
		n.log.Error("dropping undecodable transport message", "subject", msg.Subject(), "error", err)
		_ = msg.Term()
		return
	}
	switch env.Kind {
	case kindCall:
		n.handleCall(msg, env)
	case kindRevert:
		n.handleRevert(msg, env)
	default:
		n.log.Error("dropping transport message of unknown kind", "kind", env.Kind, "message_id", env.MessageID)
		_ = msg.Term()
	}
}

func (n *NATS) handleCall(msg jetstream.Msg, env envelope) {
	ctx := context.Background()
	amount, ok := new(big.Int).SetString(env.Amount, 10)
	if !ok {
		n.log.Error("dropping call with malformed amount", "message_id", env.MessageID, "amount", env.Amount)
		_ = msg.Term()
		return
	}

	localAsset, err := n.state.route(env.DestChain, env.SenderChain, env.Asset)
	if err != nil {
		n.revertAndTerm(msg, env, err)
		return
	}
	reg, err := n.state.recipient(env.DestChain, env.DestAddress)
	if err != nil {
		n.revertAndTerm(msg, env, err)
		return
	}
	book, err := n.state.book(env.DestChain)
	if err != nil {
		// a consumer without its book is local misconfiguration, keep the
		// message until it is fixed
		n.log.Error("no book for consumed chain", "chain", env.DestChain, "message_id", env.MessageID)
		_ = msg.Nak()
		return
	}

	if err := book.Mint(localAsset, reg.addr, amount); err != nil {
		n.revertAndTerm(msg, env, fmt.Errorf("mint at destination: %w", err))
		return
	}

	tc := Context{Sender: env.Sender.Bytes(), SenderChain: env.SenderChain, MessageID: env.MessageID}
	callErr := reg.r.OnCall(ctx, tc, localAsset, amount, env.Payload)
	switch {
	case callErr == nil:
		if err := msg.Ack(); err != nil {
			n.log.Error("ack failed", "message_id", env.MessageID, "error", err)
		}
	case errors.Is(callErr, ErrAlreadyApplied):
		// replay: the first delivery paid out, unwind the re-mint and do
		// not refund
		n.unwindMint(book, localAsset, reg.addr, amount, env.MessageID)
		if err := msg.Ack(); err != nil {
			n.log.Error("ack failed", "message_id", env.MessageID, "error", err)
		}
	case errors.Is(callErr, ErrRetryable):
		n.unwindMint(book, localAsset, reg.addr, amount, env.MessageID)
		n.log.Warn("delivery failed, will retry", "message_id", env.MessageID, "error", callErr)
		_ = msg.Nak()
	default:
		n.unwindMint(book, localAsset, reg.addr, amount, env.MessageID)
		n.revertAndTerm(msg, env, callErr)
	}
}

func (n *NATS) unwindMint(book token.Book, asset, holder common.Address, amount *big.Int, msgID string) {
	if err := book.Burn(asset, holder, amount); err != nil {
		n.log.Error("unwind destination mint failed", "message_id", msgID, "error", err)
	}
}

// revertAndTerm sends the principal back to the origin chain and retires
// the message. If the revert cannot be published the message is
// redelivered instead, so the refund is never lost.
func (n *NATS) revertAndTerm(msg jetstream.Msg, env envelope, cause error) {
	rev := envelope{
		Kind:          kindRevert,
		MessageID:     revertMessageID(env.MessageID),
		SenderChain:   env.DestChain,
		DestChain:     env.SenderChain,
		Asset:         env.Asset,
		Amount:        env.Amount,
		RefundAddress: env.RefundAddress,
		RevertMessage: env.RevertMessage,
		Cause:         cause.Error(),
	}
	if err := n.publish(context.Background(), n.subject(env.SenderChain), rev); err != nil {
		n.log.Error("publish revert failed, redelivering original",
			"message_id", env.MessageID, "error", err)
		_ = msg.Nak()
		return
	}
	n.log.Warn("delivery reverted",
		"message_id", env.MessageID, "dest_chain", env.DestChain, "cause", cause.Error())
	_ = msg.Term()
}

func (n *NATS) handleRevert(msg jetstream.Msg, env envelope) {
	amount, ok := new(big.Int).SetString(env.Amount, 10)
	if !ok {
		n.log.Error("dropping revert with malformed amount", "message_id", env.MessageID, "amount", env.Amount)
		_ = msg.Term()
		return
	}
	book, err := n.state.book(env.DestChain)
	if err != nil {
		n.log.Error("no book for revert chain", "chain", env.DestChain, "message_id", env.MessageID)
		_ = msg.Nak()
		return
	}
	if err := book.Mint(env.Asset, env.RefundAddress, amount); err != nil {
		n.log.Error("refund mint failed", "message_id", env.MessageID, "error", err)
		_ = msg.Nak()
		return
	}
	// a lost ack would re-mint this refund, confirm it with the server
	if err := msg.DoubleAck(context.Background()); err != nil {
		n.log.Error("double ack of refund failed", "message_id", env.MessageID, "error", err)
	}
	if n.hook != nil {
		n.hook(RevertNotice{
			MessageID:     env.MessageID,
			Origin:        env.DestChain,
			RefundAddress: env.RefundAddress,
			Asset:         env.Asset,
			Amount:        amount,
			Message:       env.RevertMessage,
			Cause:         env.Cause,
		})
	}
}

type natsSender struct {
	fabric *NATS
	chain  uint64
	sender common.Address
	opts   BindOptions
}

func (s *natsSender) SendWithFunds(ctx context.Context, dest Destination, asset common.Address, amount *big.Int, payload []byte, revert RevertPolicy) error {
	n := s.fabric
	if amount == nil || amount.Sign() < 0 {
		return fmt.Errorf("send amount: %w", token.ErrInvalidAmount)
	}
	if revert.RefundAddress == (common.Address{}) {
		return ErrNoRefundeeSet
	}

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

	if err := n.state.withdraw(s.chain, s.sender, asset, amount); err != nil {
		return fmt.Errorf("withdraw funds: %w", err)
	}
	chargedGas := gasFee != nil && gasFee.Sign() > 0
	if chargedGas {
		if err := n.state.withdraw(s.chain, s.sender, gasAsset, gasFee); err != nil {
			if rErr := n.state.refund(s.chain, s.sender, asset, amount); rErr != nil {
				return errors.Join(fmt.Errorf("withdraw gas: %w", err), rErr)
			}
			return fmt.Errorf("withdraw gas: %w", err)
		}
	}

	env := envelope{
		Kind:          kindCall,
		MessageID:     callMessageID(s.chain, s.sender, dest, asset, amount, payload),
		SenderChain:   s.chain,
		Sender:        s.sender,
		DestChain:     dest.ChainID,
		DestAddress:   dest.Address,
		Asset:         asset,
		Amount:        amount.String(),
		Payload:       payload,
		RefundAddress: revert.RefundAddress,
		RevertMessage: revert.Message,
	}
	if err := n.publish(ctx, n.subject(dest.ChainID), env); err != nil {
		// the message never left this node, restore everything
		var restore error
		if rErr := n.state.refund(s.chain, s.sender, asset, amount); rErr != nil {
			restore = rErr
		}
		if chargedGas {
			if rErr := n.state.refund(s.chain, s.sender, gasAsset, gasFee); rErr != nil {
				restore = errors.Join(restore, rErr)
			}
		}
		if restore != nil {
			return errors.Join(fmt.Errorf("publish transport message: %w", err), restore)
		}
		return fmt.Errorf("publish transport message: %w", err)
	}
	return nil
}
