package payload

import (
	"errors"
	"fmt"
	"math/big"

	"github.com/ethereum/go-ethereum/accounts/abi"
	"github.com/ethereum/go-ethereum/common"
)

// ErrDecode wraps every malformed-payload failure so callers can treat the
// whole class as a terminal rejection.
var ErrDecode = errors.New("malformed payload")

// Intent is the message a source ledger forwards to the hub router.
type Intent struct {
	ID          common.Hash
	Amount      *big.Int // promised payout, source-chain units
	Tip         *big.Int // fulfiller incentive, source-chain units
	TargetChain uint64
	Receiver    []byte // raw target-chain address bytes
}

// Settlement is the message the router forwards to the destination ledger.
// Amount is the promised payout in target-chain units before fee netting;
// it is part of the fulfillment index, so it must match what a fulfiller
// advanced. ActualAmount is the netted payout actually forwarded and Tip
// is what remains of the tip after netting.
type Settlement struct {
	ID           common.Hash
	Amount       *big.Int
	Asset        common.Address
	Receiver     common.Address
	Tip          *big.Int
	ActualAmount *big.Int
}

func mustType(s string) abi.Type {
	t, err := abi.NewType(s, "", nil)
	if err != nil {
		panic(err)
	}
	return t
}

var (
	typeBytes32 = mustType("bytes32")
	typeUint256 = mustType("uint256")
	typeAddress = mustType("address")
	typeBytes   = mustType("bytes")

	intentArgs = abi.Arguments{
		{Name: "intentId", Type: typeBytes32},
		{Name: "amount", Type: typeUint256},
		{Name: "tip", Type: typeUint256},
		{Name: "targetChain", Type: typeUint256},
		{Name: "receiver", Type: typeBytes},
	}

	settlementArgs = abi.Arguments{
		{Name: "intentId", Type: typeBytes32},
		{Name: "amount", Type: typeUint256},
		{Name: "asset", Type: typeAddress},
		{Name: "receiver", Type: typeAddress},
		{Name: "tip", Type: typeUint256},
		{Name: "actualAmount", Type: typeUint256},
	}
)

func EncodeIntent(p Intent) ([]byte, error) {
	if p.Amount == nil || p.Tip == nil {
		return nil, errors.New("encode intent: nil amount or tip")
	}
	return intentArgs.Pack(
		[32]byte(p.ID),
		p.Amount,
		p.Tip,
		new(big.Int).SetUint64(p.TargetChain),
		p.Receiver,
	)
}

func DecodeIntent(data []byte) (Intent, error) {
	vals, err := intentArgs.Unpack(data)
	if err != nil {
		return Intent{}, fmt.Errorf("%w: intent: %v", ErrDecode, err)
	}
	if len(vals) != 5 {
		return Intent{}, fmt.Errorf("%w: intent: %d fields", ErrDecode, len(vals))
	}

	id, ok0 := vals[0].([32]byte)
	amount, ok1 := vals[1].(*big.Int)
	tip, ok2 := vals[2].(*big.Int)
	targetChain, ok3 := vals[3].(*big.Int)
	receiver, ok4 := vals[4].([]byte)
	if !ok0 || !ok1 || !ok2 || !ok3 || !ok4 {
		return Intent{}, fmt.Errorf("%w: intent: unexpected field types", ErrDecode)
	}
	if !targetChain.IsUint64() {
		return Intent{}, fmt.Errorf("%w: intent: target chain out of range", ErrDecode)
	}

	return Intent{
		ID:          common.Hash(id),
		Amount:      amount,
		Tip:         tip,
		TargetChain: targetChain.Uint64(),
		Receiver:    receiver,
	}, nil
}

func EncodeSettlement(s Settlement) ([]byte, error) {
	if s.Amount == nil || s.Tip == nil || s.ActualAmount == nil {
		return nil, errors.New("encode settlement: nil amount, tip or actual amount")
	}
	return settlementArgs.Pack(
		[32]byte(s.ID),
		s.Amount,
		s.Asset,
		s.Receiver,
		s.Tip,
		s.ActualAmount,
	)
}

func DecodeSettlement(data []byte) (Settlement, error) {
	vals, err := settlementArgs.Unpack(data)
	if err != nil {
		return Settlement{}, fmt.Errorf("%w: settlement: %v", ErrDecode, err)
	}
	if len(vals) != 6 {
		return Settlement{}, fmt.Errorf("%w: settlement: %d fields", ErrDecode, len(vals))
	}

	id, ok0 := vals[0].([32]byte)
	amount, ok1 := vals[1].(*big.Int)
	asset, ok2 := vals[2].(common.Address)
	receiver, ok3 := vals[3].(common.Address)
	tip, ok4 := vals[4].(*big.Int)
	actualAmount, ok5 := vals[5].(*big.Int)
	if !ok0 || !ok1 || !ok2 || !ok3 || !ok4 || !ok5 {
		return Settlement{}, fmt.Errorf("%w: settlement: unexpected field types", ErrDecode)
	}

	return Settlement{
		ID:           common.Hash(id),
		Amount:       amount,
		Asset:        asset,
		Receiver:     receiver,
		Tip:          tip,
		ActualAmount: actualAmount,
	}, nil
}
