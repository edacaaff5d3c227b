package transport

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"math/big"
	"testing"

	"github.com/ethereum/go-ethereum/common"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/fluxline/intent-settler/pkg/common/constant"
	"github.com/fluxline/intent-settler/pkg/infra"
	"github.com/fluxline/intent-settler/pkg/kvstore"
	"github.com/fluxline/intent-settler/pkg/swap"
	"github.com/fluxline/intent-settler/pkg/token"
)

const (
	originChain uint64 = 1
	destChain   uint64 = 2
)

var (
	originAsset = common.HexToAddress("0x0000000000000000000000000000000000000101")
	localAsset  = common.HexToAddress("0x0000000000000000000000000000000000000201")
	gasAsset    = common.HexToAddress("0x0000000000000000000000000000000000000109")
	sender      = common.HexToAddress("0x00000000000000000000000000000000000000aa")
	refundee    = common.HexToAddress("0x00000000000000000000000000000000000000bb")
	destEngine  = common.HexToAddress("0x00000000000000000000000000000000000000cc")
)

type delivered struct {
	tc      Context
	asset   common.Address
	amount  *big.Int
	payload []byte
}

type stubRecipient struct {
	fail  error
	calls []delivered
}

func (r *stubRecipient) OnCall(ctx context.Context, tc Context, asset common.Address, amount *big.Int, payload []byte) error {
	r.calls = append(r.calls, delivered{tc: tc, asset: asset, amount: new(big.Int).Set(amount), payload: payload})
	return r.fail
}

func newBook(t *testing.T) token.Book {
	t.Helper()
	kv, err := kvstore.NewBadgerStore(t.TempDir(), "transport_test", infra.JSON)
	require.NoError(t, err)
	t.Cleanup(func() { _ = kv.Close() })
	return token.NewKVBook(kv)
}

func newLoopbackFixture(t *testing.T) (*Loopback, token.Book, token.Book, *stubRecipient) {
	t.Helper()
	lb := NewLoopback(slog.New(slog.NewTextHandler(io.Discard, nil)))

	originBook := newBook(t)
	require.NoError(t, originBook.Register(token.Info{Address: originAsset, Symbol: "ORG", Decimals: 6}))
	require.NoError(t, originBook.Register(token.Info{Address: gasAsset, Symbol: "GAS", Decimals: 9}))
	destBook := newBook(t)
	require.NoError(t, destBook.Register(token.Info{Address: localAsset, Symbol: "LCL", Decimals: 6}))

	lb.AttachBook(originChain, originBook)
	lb.AttachBook(destChain, destBook)

	rec := &stubRecipient{}
	lb.Register(destChain, destEngine, rec)
	lb.AddRoute(destChain, originChain, originAsset, localAsset)
	return lb, originBook, destBook, rec
}

func fundSender(t *testing.T, book token.Book, asset common.Address, amount *big.Int) {
	t.Helper()
	require.NoError(t, book.Mint(asset, sender, amount))
	acct := token.ModuleAccount(originChain, constant.ModuleTransport)
	require.NoError(t, book.Approve(asset, sender, acct, amount))
}

func balance(t *testing.T, book token.Book, asset, acct common.Address) *big.Int {
	t.Helper()
	bal, err := book.BalanceOf(asset, acct)
	require.NoError(t, err)
	return bal
}

func TestLoopbackDeliversFunds(t *testing.T) {
	lb, originBook, destBook, rec := newLoopbackFixture(t)
	amount := big.NewInt(750_000)
	fundSender(t, originBook, originAsset, amount)

	tr := lb.Bind(originChain, sender, BindOptions{})
	err := tr.SendWithFunds(context.Background(),
		Destination{ChainID: destChain, Address: destEngine.Bytes()},
		originAsset, amount, []byte("payload"), RevertPolicy{RefundAddress: refundee})
	require.NoError(t, err)

	require.Len(t, rec.calls, 1)
	call := rec.calls[0]
	assert.Equal(t, localAsset, call.asset)
	assert.Zero(t, amount.Cmp(call.amount))
	assert.Equal(t, []byte("payload"), call.payload)
	assert.Equal(t, sender.Bytes(), call.tc.Sender)
	assert.Equal(t, originChain, call.tc.SenderChain)
	assert.NotEmpty(t, call.tc.MessageID)

	// origin burned, destination minted
	assert.Zero(t, balance(t, originBook, originAsset, sender).Sign())
	supply, err := originBook.TotalSupply(originAsset)
	require.NoError(t, err)
	assert.Zero(t, supply.Sign())
	assert.Zero(t, amount.Cmp(balance(t, destBook, localAsset, destEngine)))
}

func TestLoopbackRefundsOnRecipientError(t *testing.T) {
	lb, originBook, destBook, rec := newLoopbackFixture(t)
	rec.fail = errors.New("engine rejected payload")
	amount := big.NewInt(500)
	fundSender(t, originBook, originAsset, amount)

	var notice *RevertNotice
	lb.SetRevertHook(func(nv RevertNotice) { notice = &nv })

	tr := lb.Bind(originChain, sender, BindOptions{})
	err := tr.SendWithFunds(context.Background(),
		Destination{ChainID: destChain, Address: destEngine.Bytes()},
		originAsset, amount, nil, RevertPolicy{RefundAddress: refundee, Message: []byte("intent")})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "engine rejected payload")

	assert.Zero(t, amount.Cmp(balance(t, originBook, originAsset, refundee)))
	assert.Zero(t, balance(t, destBook, localAsset, destEngine).Sign())

	require.NotNil(t, notice)
	assert.Equal(t, originChain, notice.Origin)
	assert.Equal(t, refundee, notice.RefundAddress)
	assert.Zero(t, amount.Cmp(notice.Amount))
	assert.Equal(t, []byte("intent"), notice.Message)
}

func TestLoopbackReplayIsSwallowed(t *testing.T) {
	lb, originBook, destBook, rec := newLoopbackFixture(t)
	rec.fail = fmt.Errorf("settlement recorded: %w", ErrAlreadyApplied)
	amount := big.NewInt(500)
	fundSender(t, originBook, originAsset, amount)

	tr := lb.Bind(originChain, sender, BindOptions{})
	err := tr.SendWithFunds(context.Background(),
		Destination{ChainID: destChain, Address: destEngine.Bytes()},
		originAsset, amount, nil, RevertPolicy{RefundAddress: refundee})
	require.NoError(t, err)

	// the re-mint is unwound and nothing is refunded
	assert.Zero(t, balance(t, destBook, localAsset, destEngine).Sign())
	assert.Zero(t, balance(t, originBook, originAsset, refundee).Sign())
}

func TestLoopbackUnknownRouteRefunds(t *testing.T) {
	lb, originBook, _, _ := newLoopbackFixture(t)
	unknown := common.HexToAddress("0x0000000000000000000000000000000000000999")
	require.NoError(t, originBook.Register(token.Info{Address: unknown, Symbol: "UNK", Decimals: 6}))
	amount := big.NewInt(100)
	fundSender(t, originBook, unknown, amount)

	tr := lb.Bind(originChain, sender, BindOptions{})
	err := tr.SendWithFunds(context.Background(),
		Destination{ChainID: destChain, Address: destEngine.Bytes()},
		unknown, amount, nil, RevertPolicy{RefundAddress: refundee})
	require.ErrorIs(t, err, ErrUnroutable)

	assert.Zero(t, amount.Cmp(balance(t, originBook, unknown, refundee)))
}

func TestLoopbackUnknownRecipientRefunds(t *testing.T) {
	lb, originBook, _, _ := newLoopbackFixture(t)
	amount := big.NewInt(100)
	fundSender(t, originBook, originAsset, amount)

	tr := lb.Bind(originChain, sender, BindOptions{})
	err := tr.SendWithFunds(context.Background(),
		Destination{ChainID: destChain, Address: refundee.Bytes()},
		originAsset, amount, nil, RevertPolicy{RefundAddress: refundee})
	require.ErrorIs(t, err, ErrUnroutable)

	assert.Zero(t, amount.Cmp(balance(t, originBook, originAsset, refundee)))
}

func TestLoopbackRequiresAllowance(t *testing.T) {
	lb, originBook, _, rec := newLoopbackFixture(t)
	amount := big.NewInt(100)
	require.NoError(t, originBook.Mint(originAsset, sender, amount))

	tr := lb.Bind(originChain, sender, BindOptions{})
	err := tr.SendWithFunds(context.Background(),
		Destination{ChainID: destChain, Address: destEngine.Bytes()},
		originAsset, amount, nil, RevertPolicy{RefundAddress: refundee})
	require.ErrorIs(t, err, token.ErrInsufficientAllowance)

	assert.Empty(t, rec.calls)
	assert.Zero(t, amount.Cmp(balance(t, originBook, originAsset, sender)))
}

func TestLoopbackRequiresRefundAddress(t *testing.T) {
	lb, originBook, _, _ := newLoopbackFixture(t)
	amount := big.NewInt(100)
	fundSender(t, originBook, originAsset, amount)

	tr := lb.Bind(originChain, sender, BindOptions{})
	err := tr.SendWithFunds(context.Background(),
		Destination{ChainID: destChain, Address: destEngine.Bytes()},
		originAsset, amount, nil, RevertPolicy{})
	assert.ErrorIs(t, err, ErrNoRefundeeSet)
}

func TestLoopbackChargesGas(t *testing.T) {
	lb, originBook, _, _ := newLoopbackFixture(t)
	amount := big.NewInt(1000)
	fundSender(t, originBook, originAsset, amount)

	oracle := swap.NewStaticOracle()
	require.NoError(t, oracle.SetQuote(destChain, swap.Quote{Asset: gasAsset, Price: decimal.New(2, 0)}))
	gasFee := big.NewInt(2 * 100)
	fundSender(t, originBook, gasAsset, gasFee)

	tr := lb.Bind(originChain, sender, BindOptions{GasOracle: oracle, GasLimit: 100})
	err := tr.SendWithFunds(context.Background(),
		Destination{ChainID: destChain, Address: destEngine.Bytes()},
		originAsset, amount, nil, RevertPolicy{RefundAddress: refundee})
	require.NoError(t, err)

	// gas pulled and burned
	assert.Zero(t, balance(t, originBook, gasAsset, sender).Sign())
	supply, err := originBook.TotalSupply(gasAsset)
	require.NoError(t, err)
	assert.Zero(t, supply.Sign())
}

func TestLoopbackGasStaysSpentOnRevert(t *testing.T) {
	lb, originBook, _, rec := newLoopbackFixture(t)
	rec.fail = errors.New("boom")
	amount := big.NewInt(1000)
	fundSender(t, originBook, originAsset, amount)

	oracle := swap.NewStaticOracle()
	require.NoError(t, oracle.SetQuote(destChain, swap.Quote{Asset: gasAsset, Price: decimal.New(1, 0)}))
	gasFee := big.NewInt(50)
	fundSender(t, originBook, gasAsset, gasFee)

	tr := lb.Bind(originChain, sender, BindOptions{GasOracle: oracle, GasLimit: 50})
	err := tr.SendWithFunds(context.Background(),
		Destination{ChainID: destChain, Address: destEngine.Bytes()},
		originAsset, amount, nil, RevertPolicy{RefundAddress: refundee})
	require.Error(t, err)

	// principal refunded, gas not
	assert.Zero(t, amount.Cmp(balance(t, originBook, originAsset, refundee)))
	assert.Zero(t, balance(t, originBook, gasAsset, refundee).Sign())
	assert.Zero(t, balance(t, originBook, gasAsset, sender).Sign())
}

func TestLoopbackGasShortfallRestoresPrincipal(t *testing.T) {
	lb, originBook, _, rec := newLoopbackFixture(t)
	amount := big.NewInt(1000)
	fundSender(t, originBook, originAsset, amount)

	oracle := swap.NewStaticOracle()
	require.NoError(t, oracle.SetQuote(destChain, swap.Quote{Asset: gasAsset, Price: decimal.New(1, 0)}))
	// no gas funded, no gas allowance

	tr := lb.Bind(originChain, sender, BindOptions{GasOracle: oracle, GasLimit: 50})
	err := tr.SendWithFunds(context.Background(),
		Destination{ChainID: destChain, Address: destEngine.Bytes()},
		originAsset, amount, nil, RevertPolicy{RefundAddress: refundee})
	require.Error(t, err)

	assert.Empty(t, rec.calls)
	assert.Zero(t, amount.Cmp(balance(t, originBook, originAsset, sender)))
}

func TestCallMessageIDDeterministic(t *testing.T) {
	dest := Destination{ChainID: destChain, Address: destEngine.Bytes()}
	a := callMessageID(originChain, sender, dest, originAsset, big.NewInt(5), []byte("x"))
	b := callMessageID(originChain, sender, dest, originAsset, big.NewInt(5), []byte("x"))
	assert.Equal(t, a, b)

	assert.NotEqual(t, a, callMessageID(originChain, sender, dest, originAsset, big.NewInt(6), []byte("x")))
	assert.NotEqual(t, a, callMessageID(originChain, sender, dest, originAsset, big.NewInt(5), []byte("y")))
	assert.NotEqual(t, a, revertMessageID(a))
}
