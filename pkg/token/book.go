package token

import (
	"errors"
	"fmt"
	"math/big"
	"strings"
	"sync"

	"github.com/ethereum/go-ethereum/common"

	"github.com/fluxline/intent-settler/pkg/infra"
	"github.com/fluxline/intent-settler/pkg/kvstore"
)

var (
	ErrAssetUnknown          = errors.New("asset not registered")
	ErrAssetExists           = errors.New("asset already registered")
	ErrInvalidAmount         = errors.New("invalid amount")
	ErrInsufficientBalance   = errors.New("insufficient balance")
	ErrInsufficientAllowance = errors.New("insufficient allowance")
)

// Info describes one registered asset.
type Info struct {
	Address  common.Address `json:"address"`
	Symbol   string         `json:"symbol"`
	Decimals uint8          `json:"decimals"`
}

// Book is a chain-local asset ledger: registered assets, balances,
// allowances and supply. Engines move escrowed funds through it and the
// transport mints/burns against it when value crosses chains.
//
// Operations are serialized per book. Multi-key updates are not
// crash-atomic; the store must not be shared between processes.
type Book interface {
	Register(info Info) error
	Info(asset common.Address) (Info, error)
	Decimals(asset common.Address) (uint8, error)
	TotalSupply(asset common.Address) (*big.Int, error)
	BalanceOf(asset, account common.Address) (*big.Int, error)
	Mint(asset, to common.Address, amount *big.Int) error
	Burn(asset, from common.Address, amount *big.Int) error
	Transfer(asset, from, to common.Address, amount *big.Int) error
	Approve(asset, owner, spender common.Address, amount *big.Int) error
	Allowance(asset, owner, spender common.Address) (*big.Int, error)
	TransferFrom(asset, spender, from, to common.Address, amount *big.Int) error
}

const (
	assetPrefix     = "assets"
	balancePrefix   = "balances"
	allowancePrefix = "allowances"
	supplyPrefix    = "supply"
)

type kvBook struct {
	kv infra.KVStore
	mu sync.Mutex
}

// NewKVBook returns a Book persisted on the given store.
func NewKVBook(kv infra.KVStore) Book {
	return &kvBook{kv: kv}
}

func keyAddr(a common.Address) string {
	return strings.ToLower(a.Hex())
}

func assetKey(asset common.Address) string {
	return fmt.Sprintf("%s/%s", assetPrefix, keyAddr(asset))
}

func balanceKey(asset, account common.Address) string {
	return fmt.Sprintf("%s/%s/%s", balancePrefix, keyAddr(asset), keyAddr(account))
}

func allowanceKey(asset, owner, spender common.Address) string {
	return fmt.Sprintf("%s/%s/%s/%s", allowancePrefix, keyAddr(asset), keyAddr(owner), keyAddr(spender))
}

func supplyKey(asset common.Address) string {
	return fmt.Sprintf("%s/%s", supplyPrefix, keyAddr(asset))
}

func checkAmount(amount *big.Int) error {
	if amount == nil || amount.Sign() < 0 {
		return ErrInvalidAmount
	}
	return nil
}

func isNotFound(err error) bool {
	return errors.Is(err, kvstore.ErrKeyNotFound)
}

func (b *kvBook) Register(info Info) error {
	b.mu.Lock()
	defer b.mu.Unlock()

	var existing Info
	found, err := b.kv.GetAny(assetKey(info.Address), &existing)
	if err != nil {
		return err
	}
	if found {
		return fmt.Errorf("%w: %s", ErrAssetExists, info.Address)
	}
	return b.kv.SetAny(assetKey(info.Address), info)
}

func (b *kvBook) Info(asset common.Address) (Info, error) {
	var info Info
	found, err := b.kv.GetAny(assetKey(asset), &info)
	if err != nil {
		return Info{}, err
	}
	if !found {
		return Info{}, fmt.Errorf("%w: %s", ErrAssetUnknown, asset)
	}
	return info, nil
}

func (b *kvBook) Decimals(asset common.Address) (uint8, error) {
	info, err := b.Info(asset)
	if err != nil {
		return 0, err
	}
	return info.Decimals, nil
}

func (b *kvBook) TotalSupply(asset common.Address) (*big.Int, error) {
	if _, err := b.Info(asset); err != nil {
		return nil, err
	}
	return b.readBig(supplyKey(asset))
}

func (b *kvBook) BalanceOf(asset, account common.Address) (*big.Int, error) {
	if _, err := b.Info(asset); err != nil {
		return nil, err
	}
	return b.readBig(balanceKey(asset, account))
}

func (b *kvBook) Mint(asset, to common.Address, amount *big.Int) error {
	if err := checkAmount(amount); err != nil {
		return err
	}
	b.mu.Lock()
	defer b.mu.Unlock()

	if _, err := b.Info(asset); err != nil {
		return err
	}
	if err := b.addBig(balanceKey(asset, to), amount); err != nil {
		return err
	}
	return b.addBig(supplyKey(asset), amount)
}

func (b *kvBook) Burn(asset, from common.Address, amount *big.Int) error {
	if err := checkAmount(amount); err != nil {
		return err
	}
	b.mu.Lock()
	defer b.mu.Unlock()

	if _, err := b.Info(asset); err != nil {
		return err
	}
	if err := b.subBig(balanceKey(asset, from), amount, ErrInsufficientBalance); err != nil {
		return err
	}
	return b.subBig(supplyKey(asset), amount, ErrInsufficientBalance)
}

func (b *kvBook) Transfer(asset, from, to common.Address, amount *big.Int) error {
	if err := checkAmount(amount); err != nil {
		return err
	}
	b.mu.Lock()
	defer b.mu.Unlock()

	if _, err := b.Info(asset); err != nil {
		return err
	}
	return b.move(asset, from, to, amount)
}

func (b *kvBook) Approve(asset, owner, spender common.Address, amount *big.Int) error {
	if err := checkAmount(amount); err != nil {
		return err
	}
	b.mu.Lock()
	defer b.mu.Unlock()

	if _, err := b.Info(asset); err != nil {
		return err
	}
	return b.kv.Set(allowanceKey(asset, owner, spender), amount.String())
}

func (b *kvBook) Allowance(asset, owner, spender common.Address) (*big.Int, error) {
	if _, err := b.Info(asset); err != nil {
		return nil, err
	}
	return b.readBig(allowanceKey(asset, owner, spender))
}

func (b *kvBook) TransferFrom(asset, spender, from, to common.Address, amount *big.Int) error {
	if err := checkAmount(amount); err != nil {
		return err
	}
	b.mu.Lock()
	defer b.mu.Unlock()

	if _, err := b.Info(asset); err != nil {
		return err
	}
	if err := b.subBig(allowanceKey(asset, from, spender), amount, ErrInsufficientAllowance); err != nil {
		return err
	}
	return b.move(asset, from, to, amount)
}

// move debits from and credits to; callers hold the lock.
func (b *kvBook) move(asset, from, to common.Address, amount *big.Int) error {
	if err := b.subBig(balanceKey(asset, from), amount, ErrInsufficientBalance); err != nil {
		return err
	}
	return b.addBig(balanceKey(asset, to), amount)
}

func (b *kvBook) readBig(key string) (*big.Int, error) {
	raw, err := b.kv.Get(key)
	if err != nil {
		if isNotFound(err) {
			return new(big.Int), nil
		}
		return nil, err
	}
	v, ok := new(big.Int).SetString(raw, 10)
	if !ok {
		return nil, fmt.Errorf("corrupt numeric value at %s: %q", key, raw)
	}
	return v, nil
}

func (b *kvBook) addBig(key string, delta *big.Int) error {
	cur, err := b.readBig(key)
	if err != nil {
		return err
	}
	return b.kv.Set(key, new(big.Int).Add(cur, delta).String())
}

func (b *kvBook) subBig(key string, delta *big.Int, short error) error {
	cur, err := b.readBig(key)
	if err != nil {
		return err
	}
	if cur.Cmp(delta) < 0 {
		return fmt.Errorf("%w: have %s, need %s", short, cur, delta)
	}
	return b.kv.Set(key, new(big.Int).Sub(cur, delta).String())
}
