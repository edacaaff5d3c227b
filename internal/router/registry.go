package router

import (
	"errors"
	"fmt"
	"math/big"
	"strings"
	"sync"
	"time"

	"github.com/ethereum/go-ethereum/common"

	"github.com/fluxline/intent-settler/pkg/infra"
	"github.com/fluxline/intent-settler/pkg/kvstore"
)

// defaultWithdrawGasLimit sizes the destination withdrawal when no limit
// has been configured.
const defaultWithdrawGasLimit uint64 = 200_000

const (
	gasLimitKey   = "router/gas_limit"
	tokenPrefix   = "router/tokens"
	assocPrefix   = "router/associations"
	wrappedPrefix = "router/wrapped"
	ledgerPrefix  = "router/ledgers"
	routedPrefix  = "router/routed"
)

// TokenRecord names one logical token the router can route. Associations
// bind it to concrete assets per chain.
type TokenRecord struct {
	Name      string    `json:"name"`
	CreatedAt time.Time `json:"created_at"`
}

// Association binds a token to one chain: Asset is the asset on that chain,
// Wrapped its hub representation. A wrapped asset belongs to exactly one
// token, and a token holds at most one association per chain.
type Association struct {
	Token     string         `json:"token"`
	ChainID   uint64         `json:"chain_id"`
	Asset     common.Address `json:"asset"`
	Wrapped   common.Address `json:"wrapped"`
	UpdatedAt time.Time      `json:"updated_at"`
}

// LedgerBinding names the peer ledger trusted and targeted on one chain.
type LedgerBinding struct {
	ChainID uint64         `json:"chain_id"`
	Address common.Address `json:"address"`
}

// RoutedRecord journals one forwarded settlement.
type RoutedRecord struct {
	IntentID    common.Hash    `json:"intent_id"`
	OriginChain uint64         `json:"origin_chain"`
	TargetChain uint64         `json:"target_chain"`
	AssetIn     common.Address `json:"asset_in"`
	AssetOut    common.Address `json:"asset_out"`
	Delivered   *big.Int       `json:"delivered"`
	Received    *big.Int       `json:"received"`
	Forwarded   *big.Int       `json:"forwarded"`
	OutTip      *big.Int       `json:"out_tip"`
	GasFee      *big.Int       `json:"gas_fee"`
	MessageID   string         `json:"message_id,omitempty"`
	CreatedAt   time.Time      `json:"created_at"`
}

// Registry is the router's persistent state: the token/association tables,
// the peer ledger table, the withdrawal gas limit and the forwarding
// journal. Compound check-then-write updates hold the registry mutex.
type Registry struct {
	kv infra.KVStore
	mu sync.Mutex
}

func NewRegistry(kv infra.KVStore) *Registry {
	return &Registry{kv: kv}
}

// AddToken registers a token name. Names are case-sensitive and must not
// contain the key separator.
func (r *Registry) AddToken(name string) error {
	if name == "" || strings.ContainsRune(name, '/') {
		return fmt.Errorf("invalid token name %q: %w", name, ErrValidation)
	}
	r.mu.Lock()
	defer r.mu.Unlock()

	var existing TokenRecord
	found, err := r.kv.GetAny(tokenKey(name), &existing)
	if err != nil {
		return fmt.Errorf("read token %q: %w", name, err)
	}
	if found {
		return fmt.Errorf("token %q already registered: %w", name, ErrValidation)
	}
	rec := TokenRecord{Name: name, CreatedAt: time.Now().UTC()}
	if err := r.kv.SetAny(tokenKey(name), rec); err != nil {
		return fmt.Errorf("write token %q: %w", name, err)
	}
	return nil
}

func (r *Registry) Token(name string) (TokenRecord, bool, error) {
	var rec TokenRecord
	found, err := r.kv.GetAny(tokenKey(name), &rec)
	if err != nil {
		return TokenRecord{}, false, fmt.Errorf("read token %q: %w", name, err)
	}
	return rec, found, nil
}

// AddAssociation binds a token to a chain. The token must exist, the chain
// slot must be free and the wrapped asset must not be claimed by any token.
func (r *Registry) AddAssociation(a Association) error {
	if err := checkAssociation(a); err != nil {
		return err
	}
	r.mu.Lock()
	defer r.mu.Unlock()

	var tok TokenRecord
	found, err := r.kv.GetAny(tokenKey(a.Token), &tok)
	if err != nil {
		return fmt.Errorf("read token %q: %w", a.Token, err)
	}
	if !found {
		return fmt.Errorf("token %q not registered: %w", a.Token, ErrValidation)
	}

	var existing Association
	found, err = r.kv.GetAny(assocKey(a.Token, a.ChainID), &existing)
	if err != nil {
		return fmt.Errorf("read association %s/%d: %w", a.Token, a.ChainID, err)
	}
	if found {
		return fmt.Errorf("token %q already associated on chain %d: %w", a.Token, a.ChainID, ErrValidation)
	}

	owner, found, err := r.tokenByWrapped(a.Wrapped)
	if err != nil {
		return err
	}
	if found {
		return fmt.Errorf("wrapped asset %s already bound to token %q: %w", a.Wrapped.Hex(), owner, ErrValidation)
	}

	a.UpdatedAt = time.Now().UTC()
	if err := r.kv.SetAny(assocKey(a.Token, a.ChainID), a); err != nil {
		return fmt.Errorf("write association %s/%d: %w", a.Token, a.ChainID, err)
	}
	if err := r.kv.Set(wrappedKey(a.Wrapped), a.Token); err != nil {
		return fmt.Errorf("write wrapped index %s: %w", a.Wrapped.Hex(), err)
	}
	return nil
}

// UpdateAssociation replaces the binding for (token, chain). Changing the
// wrapped asset re-points the reverse index.
func (r *Registry) UpdateAssociation(a Association) error {
	if err := checkAssociation(a); err != nil {
		return err
	}
	r.mu.Lock()
	defer r.mu.Unlock()

	var existing Association
	found, err := r.kv.GetAny(assocKey(a.Token, a.ChainID), &existing)
	if err != nil {
		return fmt.Errorf("read association %s/%d: %w", a.Token, a.ChainID, err)
	}
	if !found {
		return fmt.Errorf("token %q on chain %d: %w", a.Token, a.ChainID, ErrNoAssociation)
	}

	if existing.Wrapped != a.Wrapped {
		owner, found, err := r.tokenByWrapped(a.Wrapped)
		if err != nil {
			return err
		}
		if found {
			return fmt.Errorf("wrapped asset %s already bound to token %q: %w", a.Wrapped.Hex(), owner, ErrValidation)
		}
		if err := r.kv.Delete(wrappedKey(existing.Wrapped)); err != nil {
			return fmt.Errorf("drop wrapped index %s: %w", existing.Wrapped.Hex(), err)
		}
		if err := r.kv.Set(wrappedKey(a.Wrapped), a.Token); err != nil {
			return fmt.Errorf("write wrapped index %s: %w", a.Wrapped.Hex(), err)
		}
	}

	a.UpdatedAt = time.Now().UTC()
	if err := r.kv.SetAny(assocKey(a.Token, a.ChainID), a); err != nil {
		return fmt.Errorf("write association %s/%d: %w", a.Token, a.ChainID, err)
	}
	return nil
}

func (r *Registry) RemoveAssociation(token string, chainID uint64) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	var existing Association
	found, err := r.kv.GetAny(assocKey(token, chainID), &existing)
	if err != nil {
		return fmt.Errorf("read association %s/%d: %w", token, chainID, err)
	}
	if !found {
		return fmt.Errorf("token %q on chain %d: %w", token, chainID, ErrNoAssociation)
	}
	if err := r.kv.Delete(assocKey(token, chainID)); err != nil {
		return fmt.Errorf("delete association %s/%d: %w", token, chainID, err)
	}
	if err := r.kv.Delete(wrappedKey(existing.Wrapped)); err != nil {
		return fmt.Errorf("drop wrapped index %s: %w", existing.Wrapped.Hex(), err)
	}
	return nil
}

func (r *Registry) Association(token string, chainID uint64) (Association, bool, error) {
	var a Association
	found, err := r.kv.GetAny(assocKey(token, chainID), &a)
	if err != nil {
		return Association{}, false, fmt.Errorf("read association %s/%d: %w", token, chainID, err)
	}
	return a, found, nil
}

// TokenByWrapped resolves the token owning a wrapped asset.
func (r *Registry) TokenByWrapped(wrapped common.Address) (string, bool, error) {
	return r.tokenByWrapped(wrapped)
}

func (r *Registry) tokenByWrapped(wrapped common.Address) (string, bool, error) {
	name, err := r.kv.Get(wrappedKey(wrapped))
	if err != nil {
		if isNotFound(err) {
			return "", false, nil
		}
		return "", false, fmt.Errorf("read wrapped index %s: %w", wrapped.Hex(), err)
	}
	return name, true, nil
}

// SetLedger registers (or re-points) the peer ledger for a chain.
func (r *Registry) SetLedger(b LedgerBinding) error {
	if b.Address == (common.Address{}) {
		return fmt.Errorf("zero ledger address: %w", ErrValidation)
	}
	if b.ChainID == 0 {
		return fmt.Errorf("zero chain id: %w", ErrValidation)
	}
	if err := r.kv.SetAny(ledgerKey(b.ChainID), b); err != nil {
		return fmt.Errorf("write ledger binding %d: %w", b.ChainID, err)
	}
	return nil
}

func (r *Registry) Ledger(chainID uint64) (LedgerBinding, bool, error) {
	var b LedgerBinding
	found, err := r.kv.GetAny(ledgerKey(chainID), &b)
	if err != nil {
		return LedgerBinding{}, false, fmt.Errorf("read ledger binding %d: %w", chainID, err)
	}
	return b, found, nil
}

func (r *Registry) WithdrawGasLimit() (uint64, error) {
	var v uint64
	found, err := r.kv.GetAny(gasLimitKey, &v)
	if err != nil {
		return 0, fmt.Errorf("read withdraw gas limit: %w", err)
	}
	if !found {
		return defaultWithdrawGasLimit, nil
	}
	return v, nil
}

func (r *Registry) SetWithdrawGasLimit(v uint64) error {
	if v == 0 {
		return fmt.Errorf("zero withdraw gas limit: %w", ErrValidation)
	}
	if err := r.kv.SetAny(gasLimitKey, v); err != nil {
		return fmt.Errorf("write withdraw gas limit: %w", err)
	}
	return nil
}

func (r *Registry) PutRouted(rec RoutedRecord) error {
	if err := r.kv.SetAny(routedKey(rec.IntentID), rec); err != nil {
		return fmt.Errorf("write routed record %s: %w", rec.IntentID.Hex(), err)
	}
	return nil
}

func (r *Registry) Routed(id common.Hash) (RoutedRecord, bool, error) {
	var rec RoutedRecord
	found, err := r.kv.GetAny(routedKey(id), &rec)
	if err != nil {
		return RoutedRecord{}, false, fmt.Errorf("read routed record %s: %w", id.Hex(), err)
	}
	return rec, found, nil
}

func isNotFound(err error) bool {
	return errors.Is(err, kvstore.ErrKeyNotFound)
}

func checkAssociation(a Association) error {
	if a.Token == "" || strings.ContainsRune(a.Token, '/') {
		return fmt.Errorf("invalid token name %q: %w", a.Token, ErrValidation)
	}
	if a.ChainID == 0 {
		return fmt.Errorf("zero chain id: %w", ErrValidation)
	}
	if a.Asset == (common.Address{}) || a.Wrapped == (common.Address{}) {
		return fmt.Errorf("zero asset or wrapped address: %w", ErrValidation)
	}
	return nil
}

func tokenKey(name string) string {
	return fmt.Sprintf("%s/%s", tokenPrefix, name)
}

func assocKey(token string, chainID uint64) string {
	return fmt.Sprintf("%s/%s/%d", assocPrefix, token, chainID)
}

func wrappedKey(wrapped common.Address) string {
	return fmt.Sprintf("%s/%s", wrappedPrefix, strings.ToLower(wrapped.Hex()))
}

func ledgerKey(chainID uint64) string {
	return fmt.Sprintf("%s/%d", ledgerPrefix, chainID)
}

func routedKey(id common.Hash) string {
	return fmt.Sprintf("%s/%s", routedPrefix, strings.ToLower(id.Hex()))
}
