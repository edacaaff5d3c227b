package token

import (
	"math/big"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/crypto"
)

// ModuleAccount derives the deterministic account a named engine owns on a
// chain. Escrowed funds live under these accounts.
func ModuleAccount(chainID uint64, name string) common.Address {
	h := crypto.Keccak256Hash(
		[]byte("module"),
		common.LeftPadBytes(new(big.Int).SetUint64(chainID).Bytes(), 32),
		[]byte(name),
	)
	return common.BytesToAddress(h.Bytes())
}
