package node

import (
	"context"
	"io"
	"log/slog"
	"math/big"
	"testing"

	"github.com/ethereum/go-ethereum/common"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/fluxline/intent-settler/internal/payload"
	"github.com/fluxline/intent-settler/pkg/common/config"
	"github.com/fluxline/intent-settler/pkg/common/constant"
	"github.com/fluxline/intent-settler/pkg/common/enum"
	"github.com/fluxline/intent-settler/pkg/token"
	"github.com/fluxline/intent-settler/pkg/transport"
)

const (
	hubChain = 1
	srcChain = 5
	tgtChain = 9

	usdx = 1_000_000 // one whole USDX in minimal units
)

var (
	admin      = common.HexToAddress("0xad000000000000000000000000000000000000ad")
	user       = common.HexToAddress("0x1111111111111111111111111111111111111111")
	receiver   = common.HexToAddress("0x2222222222222222222222222222222222222222")
	fulfiller  = common.HexToAddress("0x3333333333333333333333333333333333333333")
	srcAsset   = common.HexToAddress("0x00000000000000000000000000000000000000a1")
	tgtAsset   = common.HexToAddress("0x00000000000000000000000000000000000000a2")
	wrappedSrc = common.HexToAddress("0x00000000000000000000000000000000000000b1")
	wrappedTgt = common.HexToAddress("0x00000000000000000000000000000000000000b2")
)

// testConfig wires one hub and two ledgers over the loopback transport:
// USDX lives on chains 5 and 9 with six decimals on both sides and swaps
// 1:1. A settlement toward chain 9 costs exactly one whole USDX of gas
// (price 10 per gas unit, 100k gas limit).
func testConfig(dir string) config.Config {
	return config.Config{
		Environment: "development",
		Admin:       admin.Hex(),
		KVStore: config.KVStoreCfg{
			Type:   enum.KVStoreTypeBadger,
			Badger: config.BadgerKVCfg{Directory: dir, Prefix: "settler"},
		},
		Transport: config.TransportCfg{Mode: enum.TransportModeLoopback},
		Hub: &config.HubConfig{
			ChainID:  hubChain,
			GasLimit: 100_000,
			Tokens: []config.TokenAssociationCfg{{
				Name: "USDX",
				Assets: []config.AssetBindingCfg{
					{ChainID: srcChain, Asset: srcAsset.Hex(), Wrapped: wrappedSrc.Hex(), Decimals: 6},
					{ChainID: tgtChain, Asset: tgtAsset.Hex(), Wrapped: wrappedTgt.Hex(), Decimals: 6},
				},
			}},
			Rates: []config.SwapRateCfg{
				{AssetIn: wrappedSrc.Hex(), AssetOut: wrappedTgt.Hex(), Rate: "1"},
			},
			Gas: []config.GasQuoteCfg{
				{ChainID: tgtChain, Asset: wrappedTgt.Hex(), Price: "10"},
			},
		},
		Ledgers: config.LedgersConfig{Items: map[string]config.LedgerConfig{
			"alpha": {
				Name:    "alpha",
				ChainID: srcChain,
				Tokens:  []config.TokenCfg{{Address: srcAsset.Hex(), Symbol: "USDX", Decimals: 6}},
				Balances: []config.BalanceCfg{
					{Account: user.Hex(), Asset: srcAsset.Hex(), Amount: "500"},
				},
			},
			"beta": {
				Name:    "beta",
				ChainID: tgtChain,
				Tokens:  []config.TokenCfg{{Address: tgtAsset.Hex(), Symbol: "USDX", Decimals: 6}},
				Balances: []config.BalanceCfg{
					{Account: fulfiller.Hex(), Asset: tgtAsset.Hex(), Amount: "200"},
				},
			},
		}},
	}
}

func newNode(t *testing.T, cfg config.Config) *Manager {
	t.Helper()
	m, err := NewManager(cfg, slog.New(slog.NewTextHandler(io.Discard, nil)))
	require.NoError(t, err)
	require.NoError(t, m.Start(context.Background()))
	t.Cleanup(func() { _ = m.Stop() })
	return m
}

func balance(t *testing.T, book token.Book, asset, account common.Address) int64 {
	t.Helper()
	b, err := book.BalanceOf(asset, account)
	require.NoError(t, err)
	return b.Int64()
}

// Initiate on chain 5 with no fulfiller: the settlement crosses the hub
// and pays the receiver on chain 9. 110 USDX escrowed, gas costs 1, the
// overage nets against the tip: 100 arrive as the amount plus a 9 tip.
func TestSettlesToReceiverAcrossChains(t *testing.T) {
	ctx := context.Background()
	m := newNode(t, testConfig(t.TempDir()))

	alpha := m.ledgers["alpha"]
	beta := m.ledgers["beta"]
	require.NoError(t, alpha.book.Approve(srcAsset, user, alpha.ledger.Account(), big.NewInt(110*usdx)))

	id, err := alpha.ledger.Initiate(ctx, user, srcAsset, big.NewInt(100*usdx), tgtChain, receiver.Bytes(), big.NewInt(10*usdx), nil)
	require.NoError(t, err)
	assert.Equal(t, payload.IntentID(0, nil, srcChain), id)

	assert.EqualValues(t, 390*usdx, balance(t, alpha.book, srcAsset, user))
	assert.EqualValues(t, 109*usdx, balance(t, beta.book, tgtAsset, receiver))

	// the gas-fee residue stays in the router account as routing margin
	routerAcct := token.ModuleAccount(hubChain, constant.ModuleRouter)
	assert.EqualValues(t, 1*usdx, balance(t, m.hub.book, wrappedTgt, routerAcct))

	rec, found, err := m.hub.registry.Routed(id)
	require.NoError(t, err)
	require.True(t, found)
	assert.EqualValues(t, 109*usdx, rec.Forwarded.Int64())
	assert.EqualValues(t, 9*usdx, rec.OutTip.Int64())
	assert.EqualValues(t, 1*usdx, rec.GasFee.Int64())
}

// The fulfiller advances the promised amount on chain 9 before the intent
// even exists, then the settlement reimburses them with the tip on top.
func TestSettlementReimbursesFulfiller(t *testing.T) {
	ctx := context.Background()
	m := newNode(t, testConfig(t.TempDir()))

	alpha := m.ledgers["alpha"]
	beta := m.ledgers["beta"]

	id := payload.IntentID(0, nil, srcChain)
	require.NoError(t, beta.book.Approve(tgtAsset, fulfiller, beta.ledger.Account(), big.NewInt(100*usdx)))
	require.NoError(t, beta.ledger.Fulfill(ctx, fulfiller, id, tgtAsset, big.NewInt(100*usdx), receiver))
	assert.EqualValues(t, 100*usdx, balance(t, beta.book, tgtAsset, receiver))

	require.NoError(t, alpha.book.Approve(srcAsset, user, alpha.ledger.Account(), big.NewInt(110*usdx)))
	got, err := alpha.ledger.Initiate(ctx, user, srcAsset, big.NewInt(100*usdx), tgtChain, receiver.Bytes(), big.NewInt(10*usdx), nil)
	require.NoError(t, err)
	require.Equal(t, id, got)

	// 200 seeded, 100 advanced, 109 reimbursed
	assert.EqualValues(t, 209*usdx, balance(t, beta.book, tgtAsset, fulfiller))
	assert.EqualValues(t, 100*usdx, balance(t, beta.book, tgtAsset, receiver))
}

// A target chain the hub has no association for bounces at the router; the
// transport refunds the escrow at the origin and the burned counter value
// is never reissued.
func TestUnroutableIntentRefundsCaller(t *testing.T) {
	ctx := context.Background()
	m := newNode(t, testConfig(t.TempDir()))

	alpha := m.ledgers["alpha"]
	require.NoError(t, alpha.book.Approve(srcAsset, user, alpha.ledger.Account(), big.NewInt(110*usdx)))

	_, err := alpha.ledger.Initiate(ctx, user, srcAsset, big.NewInt(100*usdx), 7, receiver.Bytes(), big.NewInt(10*usdx), nil)
	require.Error(t, err)
	assert.ErrorIs(t, err, transport.ErrDeliveryFailed)
	assert.EqualValues(t, 500*usdx, balance(t, alpha.book, srcAsset, user))

	require.NoError(t, alpha.book.Approve(srcAsset, user, alpha.ledger.Account(), big.NewInt(110*usdx)))
	id, err := alpha.ledger.Initiate(ctx, user, srcAsset, big.NewInt(100*usdx), tgtChain, receiver.Bytes(), big.NewInt(10*usdx), nil)
	require.NoError(t, err)
	assert.Equal(t, payload.IntentID(1, nil, srcChain), id)
}

// A restart over the same state directories must not reseed balances or
// reset the intent counter.
func TestRestartKeepsStateAndCounter(t *testing.T) {
	ctx := context.Background()
	dir := t.TempDir()
	cfg := testConfig(dir)

	m1, err := NewManager(cfg, slog.New(slog.NewTextHandler(io.Discard, nil)))
	require.NoError(t, err)
	require.NoError(t, m1.Start(ctx))

	alpha := m1.ledgers["alpha"]
	require.NoError(t, alpha.book.Approve(srcAsset, user, alpha.ledger.Account(), big.NewInt(110*usdx)))
	_, err = alpha.ledger.Initiate(ctx, user, srcAsset, big.NewInt(100*usdx), tgtChain, receiver.Bytes(), big.NewInt(10*usdx), nil)
	require.NoError(t, err)
	require.NoError(t, m1.Stop())

	m2, err := NewManager(cfg, slog.New(slog.NewTextHandler(io.Discard, nil)))
	require.NoError(t, err)
	require.NoError(t, m2.Start(ctx))
	t.Cleanup(func() { _ = m2.Stop() })

	alpha = m2.ledgers["alpha"]
	beta := m2.ledgers["beta"]
	assert.EqualValues(t, 390*usdx, balance(t, alpha.book, srcAsset, user))
	assert.EqualValues(t, 109*usdx, balance(t, beta.book, tgtAsset, receiver))

	require.NoError(t, alpha.book.Approve(srcAsset, user, alpha.ledger.Account(), big.NewInt(110*usdx)))
	id, err := alpha.ledger.Initiate(ctx, user, srcAsset, big.NewInt(100*usdx), tgtChain, receiver.Bytes(), big.NewInt(10*usdx), nil)
	require.NoError(t, err)
	assert.Equal(t, payload.IntentID(1, nil, srcChain), id)
	assert.EqualValues(t, 218*usdx, balance(t, beta.book, tgtAsset, receiver))
}

// Ledger-only and hub-only configs must build: split NATS deployments host
// each side in its own process. Loopback stands in for the transport here,
// the build path is the same either way.
func TestBuildsLedgerOnlyNode(t *testing.T) {
	cfg := testConfig(t.TempDir())
	cfg.Hub = nil
	for name, lc := range cfg.Ledgers.Items {
		lc.Router = &config.RouterRef{ChainID: hubChain}
		cfg.Ledgers.Items[name] = lc
	}

	m, err := NewManager(cfg, slog.New(slog.NewTextHandler(io.Discard, nil)))
	require.NoError(t, err)
	t.Cleanup(func() { _ = m.Stop() })

	assert.Nil(t, m.Router())
	led, ok := m.Ledger("alpha")
	require.True(t, ok)
	assert.EqualValues(t, srcChain, led.ChainID())
}
