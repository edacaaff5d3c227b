package swap

import (
	"context"
	"fmt"
	"math/big"
	"sync"

	"github.com/ethereum/go-ethereum/common"
	"github.com/shopspring/decimal"
)

// Quote prices delivery to one chain: the asset gas is charged in and the
// price per gas unit, in that asset's minimal units.
type Quote struct {
	Asset common.Address
	Price decimal.Decimal
}

// StaticOracle serves quotes from a fixed table provisioned at boot.
type StaticOracle struct {
	mu     sync.RWMutex
	quotes map[uint64]Quote
}

func NewStaticOracle() *StaticOracle {
	return &StaticOracle{quotes: make(map[uint64]Quote)}
}

func (o *StaticOracle) SetQuote(chainID uint64, q Quote) error {
	if q.Price.IsNegative() {
		return fmt.Errorf("gas price %s for chain %d must be non-negative", q.Price, chainID)
	}
	o.mu.Lock()
	defer o.mu.Unlock()
	o.quotes[chainID] = q
	return nil
}

func (o *StaticOracle) WithdrawGasFee(ctx context.Context, chainID uint64, gasLimit uint64) (common.Address, *big.Int, error) {
	o.mu.RLock()
	q, ok := o.quotes[chainID]
	o.mu.RUnlock()
	if !ok {
		return common.Address{}, nil, fmt.Errorf("chain %d: %w", chainID, ErrNoQuote)
	}
	limit := decimal.NewFromBigInt(new(big.Int).SetUint64(gasLimit), 0)
	fee := q.Price.Mul(limit).Truncate(0).BigInt()
	return q.Asset, fee, nil
}
