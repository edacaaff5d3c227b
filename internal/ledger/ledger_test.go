package ledger

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"math/big"
	"testing"

	"github.com/ethereum/go-ethereum/common"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/fluxline/intent-settler/internal/guard"
	"github.com/fluxline/intent-settler/internal/payload"
	"github.com/fluxline/intent-settler/pkg/infra"
	"github.com/fluxline/intent-settler/pkg/kvstore"
	"github.com/fluxline/intent-settler/pkg/token"
	"github.com/fluxline/intent-settler/pkg/transport"
)

const (
	chainID  uint64 = 5
	hubChain uint64 = 1
)

var (
	admin      = common.HexToAddress("0x00000000000000000000000000000000000000ad")
	user       = common.HexToAddress("0x0000000000000000000000000000000000000001")
	fulfiller  = common.HexToAddress("0x0000000000000000000000000000000000000002")
	receiverA  = common.HexToAddress("0x0000000000000000000000000000000000000003")
	routerAddr = common.HexToAddress("0x0000000000000000000000000000000000000099")
	asset      = common.HexToAddress("0x0000000000000000000000000000000000000010")
)

type sentMsg struct {
	dest    transport.Destination
	asset   common.Address
	amount  *big.Int
	payload []byte
	revert  transport.RevertPolicy
}

type stubTransport struct {
	fail  error
	sends []sentMsg
}

func (s *stubTransport) SendWithFunds(ctx context.Context, dest transport.Destination, a common.Address, amount *big.Int, data []byte, revert transport.RevertPolicy) error {
	if s.fail != nil {
		return s.fail
	}
	s.sends = append(s.sends, sentMsg{
		dest:    dest,
		asset:   a,
		amount:  new(big.Int).Set(amount),
		payload: data,
		revert:  revert,
	})
	return nil
}

type fixture struct {
	ledger *Ledger
	book   token.Book
	guard  *guard.Guard
	tr     *stubTransport
	store  *Store
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	kv, err := kvstore.NewBadgerStore(t.TempDir(), "ledger_test", infra.JSON)
	require.NoError(t, err)
	t.Cleanup(func() { _ = kv.Close() })

	book := token.NewKVBook(kv)
	require.NoError(t, book.Register(token.Info{Address: asset, Symbol: "TKN", Decimals: 6}))

	g, err := guard.New(kv, admin)
	require.NoError(t, err)

	tr := &stubTransport{}
	led, err := New(Config{
		ChainID:   chainID,
		Store:     NewStore(kv),
		Book:      book,
		Guard:     g,
		Transport: tr,
		Logger:    slog.New(slog.NewTextHandler(io.Discard, nil)),
	})
	require.NoError(t, err)
	require.NoError(t, led.SetRouter(admin, hubChain, routerAddr))

	return &fixture{ledger: led, book: book, guard: g, tr: tr, store: NewStore(kv)}
}

func (f *fixture) fund(t *testing.T, account common.Address, amount *big.Int) {
	t.Helper()
	require.NoError(t, f.book.Mint(asset, account, amount))
	require.NoError(t, f.book.Approve(asset, account, f.ledger.Account(), amount))
}

func (f *fixture) balance(t *testing.T, account common.Address) *big.Int {
	t.Helper()
	bal, err := f.book.BalanceOf(asset, account)
	require.NoError(t, err)
	return bal
}

// settle delivers a settlement the way the transport would: payout funds
// minted to the ledger account, then the callback.
func (f *fixture) settle(t *testing.T, s payload.Settlement, msgID string) error {
	t.Helper()
	data, err := payload.EncodeSettlement(s)
	require.NoError(t, err)
	payout := new(big.Int).Add(s.ActualAmount, s.Tip)
	require.NoError(t, f.book.Mint(s.Asset, f.ledger.Account(), payout))
	return f.ledger.OnCall(context.Background(), transport.Context{
		Sender:      routerAddr.Bytes(),
		SenderChain: hubChain,
		MessageID:   msgID,
	}, s.Asset, payout, data)
}

func TestInitiateEscrowsAndForwards(t *testing.T) {
	f := newFixture(t)
	f.fund(t, user, big.NewInt(110))
	receiver := receiverA.Bytes()

	id, err := f.ledger.Initiate(context.Background(), user, asset, big.NewInt(100), 7, receiver, big.NewInt(10), nil)
	require.NoError(t, err)
	assert.NotEqual(t, common.Hash{}, id)
	assert.Equal(t, payload.IntentID(0, nil, chainID), id)

	// escrow moved into the module account
	assert.Zero(t, f.balance(t, user).Sign())
	assert.Zero(t, big.NewInt(110).Cmp(f.balance(t, f.ledger.Account())))

	// the whole sum left for the router with the intent payload
	require.Len(t, f.tr.sends, 1)
	sent := f.tr.sends[0]
	assert.Equal(t, hubChain, sent.dest.ChainID)
	assert.Equal(t, routerAddr.Bytes(), sent.dest.Address)
	assert.Equal(t, asset, sent.asset)
	assert.Zero(t, big.NewInt(110).Cmp(sent.amount))
	assert.Equal(t, user, sent.revert.RefundAddress)

	in, err := payload.DecodeIntent(sent.payload)
	require.NoError(t, err)
	assert.Equal(t, id, in.ID)
	assert.Zero(t, big.NewInt(100).Cmp(in.Amount))
	assert.Zero(t, big.NewInt(10).Cmp(in.Tip))
	assert.Equal(t, uint64(7), in.TargetChain)
	assert.Equal(t, receiver, in.Receiver)

	rec, found, err := f.store.Intent(id)
	require.NoError(t, err)
	require.True(t, found)
	assert.Equal(t, user, rec.Caller)

	counter, err := f.store.Counter()
	require.NoError(t, err)
	assert.Equal(t, uint64(1), counter)
}

func TestInitiateAssignsDistinctIDs(t *testing.T) {
	f := newFixture(t)
	f.fund(t, user, big.NewInt(200))

	a, err := f.ledger.Initiate(context.Background(), user, asset, big.NewInt(100), 7, receiverA.Bytes(), nil, nil)
	require.NoError(t, err)
	b, err := f.ledger.Initiate(context.Background(), user, asset, big.NewInt(100), 7, receiverA.Bytes(), nil, nil)
	require.NoError(t, err)
	assert.NotEqual(t, a, b)
}

func TestInitiateValidation(t *testing.T) {
	f := newFixture(t)
	f.fund(t, user, big.NewInt(1000))
	ctx := context.Background()
	rcv := receiverA.Bytes()

	cases := map[string]func() error{
		"zero asset": func() error {
			_, err := f.ledger.Initiate(ctx, user, common.Address{}, big.NewInt(1), 7, rcv, nil, nil)
			return err
		},
		"zero caller": func() error {
			_, err := f.ledger.Initiate(ctx, common.Address{}, asset, big.NewInt(1), 7, rcv, nil, nil)
			return err
		},
		"nil amount": func() error {
			_, err := f.ledger.Initiate(ctx, user, asset, nil, 7, rcv, nil, nil)
			return err
		},
		"zero amount": func() error {
			_, err := f.ledger.Initiate(ctx, user, asset, big.NewInt(0), 7, rcv, nil, nil)
			return err
		},
		"negative tip": func() error {
			_, err := f.ledger.Initiate(ctx, user, asset, big.NewInt(1), 7, rcv, big.NewInt(-1), nil)
			return err
		},
		"empty receiver": func() error {
			_, err := f.ledger.Initiate(ctx, user, asset, big.NewInt(1), 7, nil, nil, nil)
			return err
		},
		"own chain target": func() error {
			_, err := f.ledger.Initiate(ctx, user, asset, big.NewInt(1), chainID, rcv, nil, nil)
			return err
		},
	}
	for name, run := range cases {
		t.Run(name, func(t *testing.T) {
			assert.ErrorIs(t, run(), ErrValidation)
		})
	}
	assert.Empty(t, f.tr.sends)
}

func TestInitiateRejectsWhenPaused(t *testing.T) {
	f := newFixture(t)
	f.fund(t, user, big.NewInt(110))
	require.NoError(t, f.ledger.Pause(admin))

	_, err := f.ledger.Initiate(context.Background(), user, asset, big.NewInt(100), 7, receiverA.Bytes(), big.NewInt(10), nil)
	assert.ErrorIs(t, err, ErrPaused)
}

func TestInitiateRequiresRouter(t *testing.T) {
	kv, err := kvstore.NewBadgerStore(t.TempDir(), "ledger_test", infra.JSON)
	require.NoError(t, err)
	t.Cleanup(func() { _ = kv.Close() })
	book := token.NewKVBook(kv)
	require.NoError(t, book.Register(token.Info{Address: asset, Symbol: "TKN", Decimals: 6}))
	g, err := guard.New(kv, admin)
	require.NoError(t, err)
	led, err := New(Config{
		ChainID: chainID, Store: NewStore(kv), Book: book, Guard: g,
		Transport: &stubTransport{},
		Logger:    slog.New(slog.NewTextHandler(io.Discard, nil)),
	})
	require.NoError(t, err)

	_, err = led.Initiate(context.Background(), user, asset, big.NewInt(1), 7, receiverA.Bytes(), nil, nil)
	assert.ErrorIs(t, err, ErrNoRouter)
}

func TestInitiateInsufficientEscrowIsAtomic(t *testing.T) {
	f := newFixture(t)
	f.fund(t, user, big.NewInt(50))

	_, err := f.ledger.Initiate(context.Background(), user, asset, big.NewInt(100), 7, receiverA.Bytes(), big.NewInt(10), nil)
	require.ErrorIs(t, err, token.ErrInsufficientAllowance)

	assert.Zero(t, big.NewInt(50).Cmp(f.balance(t, user)))
	assert.Zero(t, f.balance(t, f.ledger.Account()).Sign())
	assert.Empty(t, f.tr.sends)

	_, found, err := f.store.Intent(payload.IntentID(0, nil, chainID))
	require.NoError(t, err)
	assert.False(t, found)
}

func TestInitiateTransportErrorRefundsCaller(t *testing.T) {
	f := newFixture(t)
	f.fund(t, user, big.NewInt(110))
	f.tr.fail = errors.New("broker unavailable")

	_, err := f.ledger.Initiate(context.Background(), user, asset, big.NewInt(100), 7, receiverA.Bytes(), big.NewInt(10), nil)
	require.Error(t, err)

	// escrow returned in full, no intent left behind
	assert.Zero(t, big.NewInt(110).Cmp(f.balance(t, user)))
	_, found, ferr := f.store.Intent(payload.IntentID(0, nil, chainID))
	require.NoError(t, ferr)
	assert.False(t, found)

	// the burned counter value is never reused
	f.tr.fail = nil
	require.NoError(t, f.book.Approve(asset, user, f.ledger.Account(), big.NewInt(110)))
	id, err := f.ledger.Initiate(context.Background(), user, asset, big.NewInt(100), 7, receiverA.Bytes(), big.NewInt(10), nil)
	require.NoError(t, err)
	assert.Equal(t, payload.IntentID(1, nil, chainID), id)
}

func TestInitiateDeliveryFailureSkipsLocalRefund(t *testing.T) {
	f := newFixture(t)
	f.fund(t, user, big.NewInt(110))
	f.tr.fail = fmt.Errorf("%w: recipient rejected", transport.ErrDeliveryFailed)

	_, err := f.ledger.Initiate(context.Background(), user, asset, big.NewInt(100), 7, receiverA.Bytes(), big.NewInt(10), nil)
	require.Error(t, err)

	// the transport already routed the refund, the ledger must not pay a
	// second time
	assert.Zero(t, f.balance(t, user).Sign())
	_, found, ferr := f.store.Intent(payload.IntentID(0, nil, chainID))
	require.NoError(t, ferr)
	assert.False(t, found)
}

func TestFulfillAdvancesPayout(t *testing.T) {
	f := newFixture(t)
	f.fund(t, fulfiller, big.NewInt(100))
	intentID := payload.IntentID(0, nil, 9)

	err := f.ledger.Fulfill(context.Background(), fulfiller, intentID, asset, big.NewInt(100), receiverA)
	require.NoError(t, err)

	assert.Zero(t, big.NewInt(100).Cmp(f.balance(t, receiverA)))
	assert.Zero(t, f.balance(t, fulfiller).Sign())

	index := payload.FulfillmentIndex(intentID, asset, big.NewInt(100), receiverA)
	rec, found, err := f.store.Fulfillment(index)
	require.NoError(t, err)
	require.True(t, found)
	assert.Equal(t, fulfiller, rec.Fulfiller)
}

func TestFulfillDuplicateRejected(t *testing.T) {
	f := newFixture(t)
	f.fund(t, fulfiller, big.NewInt(200))
	intentID := payload.IntentID(0, nil, 9)

	require.NoError(t, f.ledger.Fulfill(context.Background(), fulfiller, intentID, asset, big.NewInt(100), receiverA))
	err := f.ledger.Fulfill(context.Background(), fulfiller, intentID, asset, big.NewInt(100), receiverA)
	assert.ErrorIs(t, err, ErrAlreadyFulfilled)

	// only the first advance moved funds
	assert.Zero(t, big.NewInt(100).Cmp(f.balance(t, receiverA)))
}

func TestFulfillMismatchedAmountMakesNewIndex(t *testing.T) {
	f := newFixture(t)
	f.fund(t, fulfiller, big.NewInt(201))
	intentID := payload.IntentID(0, nil, 9)

	// a different amount is a different index, both advances stand
	require.NoError(t, f.ledger.Fulfill(context.Background(), fulfiller, intentID, asset, big.NewInt(100), receiverA))
	require.NoError(t, f.ledger.Fulfill(context.Background(), fulfiller, intentID, asset, big.NewInt(101), receiverA))

	assert.Zero(t, big.NewInt(201).Cmp(f.balance(t, receiverA)))
}

func TestFulfillAfterSettlementRejected(t *testing.T) {
	f := newFixture(t)
	intentID := payload.IntentID(3, nil, 9)
	s := payload.Settlement{
		ID:           intentID,
		Amount:       big.NewInt(100),
		Asset:        asset,
		Receiver:     receiverA,
		Tip:          big.NewInt(5),
		ActualAmount: big.NewInt(100),
	}
	require.NoError(t, f.settle(t, s, "m1"))

	f.fund(t, fulfiller, big.NewInt(100))
	err := f.ledger.Fulfill(context.Background(), fulfiller, intentID, asset, big.NewInt(100), receiverA)
	assert.ErrorIs(t, err, ErrAlreadySettled)
}

func TestFulfillRejectsWhenPaused(t *testing.T) {
	f := newFixture(t)
	f.fund(t, fulfiller, big.NewInt(100))
	require.NoError(t, f.ledger.Pause(admin))

	err := f.ledger.Fulfill(context.Background(), fulfiller, payload.IntentID(0, nil, 9), asset, big.NewInt(100), receiverA)
	assert.ErrorIs(t, err, ErrPaused)
}

func TestOnCallPaysReceiverWhenUnfulfilled(t *testing.T) {
	f := newFixture(t)
	intentID := payload.IntentID(4, nil, 9)
	s := payload.Settlement{
		ID:           intentID,
		Amount:       big.NewInt(100),
		Asset:        asset,
		Receiver:     receiverA,
		Tip:          big.NewInt(4),
		ActualAmount: big.NewInt(100),
	}
	require.NoError(t, f.settle(t, s, "m1"))

	// unfulfilled settlements hand the remaining tip to the receiver too
	assert.Zero(t, big.NewInt(104).Cmp(f.balance(t, receiverA)))

	index := payload.FulfillmentIndex(intentID, asset, big.NewInt(100), receiverA)
	rec, found, err := f.store.Settlement(index)
	require.NoError(t, err)
	require.True(t, found)
	assert.True(t, rec.Settled)
	assert.False(t, rec.Fulfilled)
	assert.Equal(t, common.Address{}, rec.Fulfiller)
	assert.Zero(t, rec.PaidTip.Sign())
}

func TestOnCallReimbursesFulfiller(t *testing.T) {
	f := newFixture(t)
	intentID := payload.IntentID(5, nil, 9)

	f.fund(t, fulfiller, big.NewInt(100))
	require.NoError(t, f.ledger.Fulfill(context.Background(), fulfiller, intentID, asset, big.NewInt(100), receiverA))

	s := payload.Settlement{
		ID:           intentID,
		Amount:       big.NewInt(100),
		Asset:        asset,
		Receiver:     receiverA,
		Tip:          big.NewInt(2),
		ActualAmount: big.NewInt(97),
	}
	require.NoError(t, f.settle(t, s, "m1"))

	// fulfiller advanced 100 and is reimbursed 97+2
	assert.Zero(t, big.NewInt(99).Cmp(f.balance(t, fulfiller)))
	// receiver keeps only the advance
	assert.Zero(t, big.NewInt(100).Cmp(f.balance(t, receiverA)))

	index := payload.FulfillmentIndex(intentID, asset, big.NewInt(100), receiverA)
	rec, found, err := f.store.Settlement(index)
	require.NoError(t, err)
	require.True(t, found)
	assert.True(t, rec.Fulfilled)
	assert.Equal(t, fulfiller, rec.Fulfiller)
	assert.Zero(t, big.NewInt(2).Cmp(rec.PaidTip))
}

func TestOnCallDuplicateSettlementRejected(t *testing.T) {
	f := newFixture(t)
	s := payload.Settlement{
		ID:           payload.IntentID(6, nil, 9),
		Amount:       big.NewInt(100),
		Asset:        asset,
		Receiver:     receiverA,
		Tip:          big.NewInt(1),
		ActualAmount: big.NewInt(100),
	}
	require.NoError(t, f.settle(t, s, "m1"))

	err := f.settle(t, s, "m1")
	assert.ErrorIs(t, err, ErrAlreadySettled)
	assert.ErrorIs(t, err, transport.ErrAlreadyApplied)

	// the first payout stands, the replay paid nothing further
	assert.Zero(t, big.NewInt(101).Cmp(f.balance(t, receiverA)))
}

func TestOnCallUntrustedSenderRejected(t *testing.T) {
	f := newFixture(t)
	s := payload.Settlement{
		ID:           payload.IntentID(7, nil, 9),
		Amount:       big.NewInt(10),
		Asset:        asset,
		Receiver:     receiverA,
		Tip:          big.NewInt(0),
		ActualAmount: big.NewInt(10),
	}
	data, err := payload.EncodeSettlement(s)
	require.NoError(t, err)

	err = f.ledger.OnCall(context.Background(), transport.Context{
		Sender:      user.Bytes(),
		SenderChain: hubChain,
	}, asset, big.NewInt(10), data)
	assert.ErrorIs(t, err, ErrUntrustedSender)

	err = f.ledger.OnCall(context.Background(), transport.Context{
		Sender:      routerAddr.Bytes(),
		SenderChain: hubChain + 1,
	}, asset, big.NewInt(10), data)
	assert.ErrorIs(t, err, ErrUntrustedSender)
}

func TestOnCallMalformedPayload(t *testing.T) {
	f := newFixture(t)
	err := f.ledger.OnCall(context.Background(), transport.Context{
		Sender:      routerAddr.Bytes(),
		SenderChain: hubChain,
	}, asset, big.NewInt(1), []byte{0x01, 0x02})
	assert.ErrorIs(t, err, payload.ErrDecode)
}

func TestOnCallDeliveredAmountMustMatchPayout(t *testing.T) {
	f := newFixture(t)
	s := payload.Settlement{
		ID:           payload.IntentID(8, nil, 9),
		Amount:       big.NewInt(100),
		Asset:        asset,
		Receiver:     receiverA,
		Tip:          big.NewInt(5),
		ActualAmount: big.NewInt(100),
	}
	data, err := payload.EncodeSettlement(s)
	require.NoError(t, err)

	err = f.ledger.OnCall(context.Background(), transport.Context{
		Sender:      routerAddr.Bytes(),
		SenderChain: hubChain,
	}, asset, big.NewInt(100), data) // payout is 105
	assert.ErrorIs(t, err, ErrValidation)
}

func TestOnCallAssetMustMatchSettlement(t *testing.T) {
	f := newFixture(t)
	other := common.HexToAddress("0x0000000000000000000000000000000000000011")
	require.NoError(t, f.book.Register(token.Info{Address: other, Symbol: "OTH", Decimals: 6}))

	s := payload.Settlement{
		ID:           payload.IntentID(9, nil, 9),
		Amount:       big.NewInt(10),
		Asset:        asset,
		Receiver:     receiverA,
		Tip:          big.NewInt(0),
		ActualAmount: big.NewInt(10),
	}
	data, err := payload.EncodeSettlement(s)
	require.NoError(t, err)

	err = f.ledger.OnCall(context.Background(), transport.Context{
		Sender:      routerAddr.Bytes(),
		SenderChain: hubChain,
	}, other, big.NewInt(10), data)
	assert.ErrorIs(t, err, ErrValidation)
}

func TestOnCallRunsWhilePaused(t *testing.T) {
	f := newFixture(t)
	require.NoError(t, f.ledger.Pause(admin))

	s := payload.Settlement{
		ID:           payload.IntentID(10, nil, 9),
		Amount:       big.NewInt(50),
		Asset:        asset,
		Receiver:     receiverA,
		Tip:          big.NewInt(0),
		ActualAmount: big.NewInt(50),
	}
	require.NoError(t, f.settle(t, s, "m1"))
	assert.Zero(t, big.NewInt(50).Cmp(f.balance(t, receiverA)))
}

func TestSetRouterGuarded(t *testing.T) {
	f := newFixture(t)

	assert.ErrorIs(t, f.ledger.SetRouter(user, hubChain, routerAddr), guard.ErrUnauthorized)
	assert.ErrorIs(t, f.ledger.SetRouter(admin, hubChain, common.Address{}), ErrValidation)
	assert.NoError(t, f.ledger.SetRouter(admin, hubChain+1, routerAddr))
}
