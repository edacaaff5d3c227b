package payload

import (
	"math/big"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/crypto"
)

// IntentID derives the globally unique intent id from the source ledger's
// monotonic counter, the caller-supplied salt and the source chain id.
func IntentID(counter uint64, salt *big.Int, chainID uint64) common.Hash {
	if salt == nil {
		salt = new(big.Int)
	}
	return crypto.Keccak256Hash(
		common.LeftPadBytes(new(big.Int).SetUint64(counter).Bytes(), 32),
		common.LeftPadBytes(salt.Bytes(), 32),
		common.LeftPadBytes(new(big.Int).SetUint64(chainID).Bytes(), 32),
	)
}

// FulfillmentIndex is the join key between fulfillments and settlements:
// the exact payout tuple both sides must agree on. A different amount
// hashes to a different, independently fulfillable index.
func FulfillmentIndex(id common.Hash, asset common.Address, amount *big.Int, receiver common.Address) common.Hash {
	if amount == nil {
		amount = new(big.Int)
	}
	return crypto.Keccak256Hash(
		id.Bytes(),
		asset.Bytes(),
		common.LeftPadBytes(amount.Bytes(), 32),
		receiver.Bytes(),
	)
}
