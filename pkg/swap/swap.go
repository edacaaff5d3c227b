// Package swap provides the hub's conversion capability: an engine that
// exchanges wrapped assets against the token book, and a gas oracle that
// quotes the cost of delivering to a target chain.
package swap

import (
	"context"
	"errors"
	"math/big"

	"github.com/ethereum/go-ethereum/common"
)

var (
	ErrNoRoute = errors.New("no swap route")
	ErrNoQuote = errors.New("no gas quote")
)

// Request describes one conversion. Account is the book account whose
// balance funds the swap and receives the proceeds. GasAsset/GasFee, when
// set, are credited alongside the proceeds so the caller can pay for
// outbound delivery.
type Request struct {
	AssetIn  common.Address
	AssetOut common.Address
	AmountIn *big.Int
	GasAsset common.Address
	GasFee   *big.Int
	Account  common.Address
}

// Engine converts AmountIn of AssetIn into AssetOut. Implementations debit
// AmountIn from Request.Account and credit the returned amount plus any
// requested gas funding before returning.
type Engine interface {
	Swap(ctx context.Context, req Request) (*big.Int, error)
}

// GasOracle quotes delivery cost for a target chain. The fee is
// denominated in the returned gas asset's minimal units.
type GasOracle interface {
	WithdrawGasFee(ctx context.Context, chainID uint64, gasLimit uint64) (common.Address, *big.Int, error)
}
