package router

import (
	"fmt"
	"math/big"
)

// Rescale converts amount between decimal precisions by the power-of-ten
// difference. Scaling down truncates toward zero.
func Rescale(amount *big.Int, from, to uint8) *big.Int {
	if amount == nil {
		return new(big.Int)
	}
	out := new(big.Int).Set(amount)
	switch {
	case to > from:
		out.Mul(out, pow10(to-from))
	case from > to:
		out.Quo(out, pow10(from-to))
	}
	return out
}

func pow10(n uint8) *big.Int {
	return new(big.Int).Exp(big.NewInt(10), big.NewInt(int64(n)), nil)
}

// NetFees charges the routing cost against the tip first and the amount
// second. All arguments are target-chain units: received is the swap output,
// gasFee the destination withdrawal fee.
//
//	totalCost = promisedAmount + promisedTip - received + gasFee
//
// A cost within the tip leaves the amount whole and forwards the remaining
// tip; a swap surplus grows the tip. Beyond the tip the amount absorbs the
// rest, and a cost the amount cannot absorb fails the settlement.
func NetFees(promisedAmount, promisedTip, received, gasFee *big.Int) (actual, outTip *big.Int, err error) {
	totalCost := new(big.Int).Add(promisedAmount, promisedTip)
	totalCost.Sub(totalCost, received)
	totalCost.Add(totalCost, gasFee)

	if totalCost.Cmp(promisedTip) <= 0 {
		return new(big.Int).Set(promisedAmount), new(big.Int).Sub(promisedTip, totalCost), nil
	}
	over := new(big.Int).Sub(totalCost, promisedTip)
	if over.Cmp(promisedAmount) > 0 {
		return nil, nil, fmt.Errorf("cost %s exceeds amount %s plus tip %s: %w",
			totalCost, promisedAmount, promisedTip, ErrInsufficientFunds)
	}
	return new(big.Int).Sub(promisedAmount, over), new(big.Int), nil
}
