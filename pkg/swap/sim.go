package swap

import (
	"context"
	"fmt"
	"math/big"
	"sync"

	"github.com/ethereum/go-ethereum/common"
	"github.com/shopspring/decimal"

	"github.com/fluxline/intent-settler/pkg/token"
)

type ratePair struct {
	in  common.Address
	out common.Address
}

// SimEngine converts at a fixed-point rate table and settles directly on
// the token book: burn in, mint out. An optional slippage in basis points
// shaves the output the way a real venue would.
type SimEngine struct {
	book        token.Book
	slippageBps uint32

	mu    sync.RWMutex
	rates map[ratePair]decimal.Decimal
}

func NewSimEngine(book token.Book, slippageBps uint32) *SimEngine {
	return &SimEngine{
		book:        book,
		slippageBps: slippageBps,
		rates:       make(map[ratePair]decimal.Decimal),
	}
}

// SetRate fixes the in→out conversion rate in whole units: one whole unit
// of in yields rate whole units of out, regardless of decimals.
func (e *SimEngine) SetRate(in, out common.Address, rate decimal.Decimal) error {
	if !rate.IsPositive() {
		return fmt.Errorf("rate %s for %s->%s must be positive", rate, in.Hex(), out.Hex())
	}
	e.mu.Lock()
	defer e.mu.Unlock()
	e.rates[ratePair{in: in, out: out}] = rate
	return nil
}

func (e *SimEngine) rate(in, out common.Address) (decimal.Decimal, error) {
	e.mu.RLock()
	defer e.mu.RUnlock()
	if r, ok := e.rates[ratePair{in: in, out: out}]; ok {
		return r, nil
	}
	// identity conversion needs no table entry
	if in == out {
		return decimal.New(1, 0), nil
	}
	return decimal.Decimal{}, fmt.Errorf("%s -> %s: %w", in.Hex(), out.Hex(), ErrNoRoute)
}

func (e *SimEngine) Swap(ctx context.Context, req Request) (*big.Int, error) {
	if req.AmountIn == nil || req.AmountIn.Sign() < 0 {
		return nil, fmt.Errorf("swap amount must be non-negative: %w", token.ErrInvalidAmount)
	}
	rate, err := e.rate(req.AssetIn, req.AssetOut)
	if err != nil {
		return nil, err
	}
	decIn, err := e.book.Decimals(req.AssetIn)
	if err != nil {
		return nil, fmt.Errorf("asset in %s: %w", req.AssetIn.Hex(), err)
	}
	decOut, err := e.book.Decimals(req.AssetOut)
	if err != nil {
		return nil, fmt.Errorf("asset out %s: %w", req.AssetOut.Hex(), err)
	}
	fundGas := req.GasFee != nil && req.GasFee.Sign() > 0
	if fundGas {
		if _, err := e.book.Decimals(req.GasAsset); err != nil {
			return nil, fmt.Errorf("gas asset %s: %w", req.GasAsset.Hex(), err)
		}
	}

	in := decimal.NewFromBigInt(req.AmountIn, -int32(decIn))
	out := in.Mul(rate)
	if e.slippageBps > 0 {
		out = out.Mul(decimal.New(10_000-int64(e.slippageBps), -4))
	}
	amountOut := out.Shift(int32(decOut)).Truncate(0).BigInt()

	if err := e.book.Burn(req.AssetIn, req.Account, req.AmountIn); err != nil {
		return nil, fmt.Errorf("debit %s: %w", req.AssetIn.Hex(), err)
	}
	if err := e.book.Mint(req.AssetOut, req.Account, amountOut); err != nil {
		return nil, fmt.Errorf("credit %s: %w", req.AssetOut.Hex(), err)
	}
	if fundGas {
		if err := e.book.Mint(req.GasAsset, req.Account, req.GasFee); err != nil {
			return nil, fmt.Errorf("fund gas %s: %w", req.GasAsset.Hex(), err)
		}
	}
	return amountOut, nil
}
