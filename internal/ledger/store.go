package ledger

import (
	"fmt"
	"math/big"
	"strings"
	"time"

	"github.com/ethereum/go-ethereum/common"

	"github.com/fluxline/intent-settler/pkg/infra"
)

const (
	counterKey = "ledger/counter"
	routerKey  = "ledger/router"
)

// IntentRecord is created by Initiate and never mutated afterwards.
type IntentRecord struct {
	ID          common.Hash    `json:"id"`
	Caller      common.Address `json:"caller"`
	Asset       common.Address `json:"asset"`
	Amount      *big.Int       `json:"amount"`
	Tip         *big.Int       `json:"tip"`
	TargetChain uint64         `json:"target_chain"`
	Receiver    []byte         `json:"receiver"`
	CreatedAt   time.Time      `json:"created_at"`
}

// FulfillmentRecord maps a fulfillment index to the fulfiller who advanced
// the payout. Written once, never removed.
type FulfillmentRecord struct {
	Index     common.Hash    `json:"index"`
	IntentID  common.Hash    `json:"intent_id"`
	Fulfiller common.Address `json:"fulfiller"`
	Asset     common.Address `json:"asset"`
	Amount    *big.Int       `json:"amount"`
	Receiver  common.Address `json:"receiver"`
	CreatedAt time.Time      `json:"created_at"`
}

// SettlementRecord is the terminal state of a fulfillment index.
type SettlementRecord struct {
	Index        common.Hash    `json:"index"`
	IntentID     common.Hash    `json:"intent_id"`
	Settled      bool           `json:"settled"`
	Fulfilled    bool           `json:"fulfilled"`
	Fulfiller    common.Address `json:"fulfiller"`
	ActualAmount *big.Int       `json:"actual_amount"`
	PaidTip      *big.Int       `json:"paid_tip"`
	CreatedAt    time.Time      `json:"created_at"`
}

// RouterBinding names the hub router this ledger trusts for settlements
// and targets with intent forwards.
type RouterBinding struct {
	ChainID uint64         `json:"chain_id"`
	Address common.Address `json:"address"`
}

// Store is the ledger's typed view over the instance KV store.
type Store struct {
	kv infra.KVStore
}

func NewStore(kv infra.KVStore) *Store {
	return &Store{kv: kv}
}

func (s *Store) Counter() (uint64, error) {
	var v uint64
	found, err := s.kv.GetAny(counterKey, &v)
	if err != nil {
		return 0, fmt.Errorf("read intent counter: %w", err)
	}
	if !found {
		return 0, nil
	}
	return v, nil
}

func (s *Store) SetCounter(v uint64) error {
	if err := s.kv.SetAny(counterKey, v); err != nil {
		return fmt.Errorf("write intent counter: %w", err)
	}
	return nil
}

func (s *Store) Router() (RouterBinding, error) {
	var b RouterBinding
	found, err := s.kv.GetAny(routerKey, &b)
	if err != nil {
		return RouterBinding{}, fmt.Errorf("read router binding: %w", err)
	}
	if !found {
		return RouterBinding{}, ErrNoRouter
	}
	return b, nil
}

func (s *Store) SetRouter(b RouterBinding) error {
	if err := s.kv.SetAny(routerKey, b); err != nil {
		return fmt.Errorf("write router binding: %w", err)
	}
	return nil
}

func (s *Store) PutIntent(rec IntentRecord) error {
	if err := s.kv.SetAny(intentKey(rec.ID), rec); err != nil {
		return fmt.Errorf("write intent %s: %w", rec.ID.Hex(), err)
	}
	return nil
}

func (s *Store) Intent(id common.Hash) (IntentRecord, bool, error) {
	var rec IntentRecord
	found, err := s.kv.GetAny(intentKey(id), &rec)
	if err != nil {
		return IntentRecord{}, false, fmt.Errorf("read intent %s: %w", id.Hex(), err)
	}
	if !found {
		return IntentRecord{}, false, nil
	}
	return rec, true, nil
}

func (s *Store) DeleteIntent(id common.Hash) error {
	if err := s.kv.Delete(intentKey(id)); err != nil {
		return fmt.Errorf("delete intent %s: %w", id.Hex(), err)
	}
	return nil
}

func (s *Store) PutFulfillment(rec FulfillmentRecord) error {
	if err := s.kv.SetAny(fulfillmentKey(rec.Index), rec); err != nil {
		return fmt.Errorf("write fulfillment %s: %w", rec.Index.Hex(), err)
	}
	return nil
}

func (s *Store) Fulfillment(index common.Hash) (FulfillmentRecord, bool, error) {
	var rec FulfillmentRecord
	found, err := s.kv.GetAny(fulfillmentKey(index), &rec)
	if err != nil {
		return FulfillmentRecord{}, false, fmt.Errorf("read fulfillment %s: %w", index.Hex(), err)
	}
	if !found {
		return FulfillmentRecord{}, false, nil
	}
	return rec, true, nil
}

func (s *Store) PutSettlement(rec SettlementRecord) error {
	if err := s.kv.SetAny(settlementKey(rec.Index), rec); err != nil {
		return fmt.Errorf("write settlement %s: %w", rec.Index.Hex(), err)
	}
	return nil
}

func (s *Store) Settlement(index common.Hash) (SettlementRecord, bool, error) {
	var rec SettlementRecord
	found, err := s.kv.GetAny(settlementKey(index), &rec)
	if err != nil {
		return SettlementRecord{}, false, fmt.Errorf("read settlement %s: %w", index.Hex(), err)
	}
	if !found {
		return SettlementRecord{}, false, nil
	}
	return rec, true, nil
}

func (s *Store) DeleteSettlement(index common.Hash) error {
	if err := s.kv.Delete(settlementKey(index)); err != nil {
		return fmt.Errorf("delete settlement %s: %w", index.Hex(), err)
	}
	return nil
}

func intentKey(id common.Hash) string {
	return "ledger/intents/" + strings.ToLower(id.Hex())
}

func fulfillmentKey(index common.Hash) string {
	return "ledger/fulfillments/" + strings.ToLower(index.Hex())
}

func settlementKey(index common.Hash) string {
	return "ledger/settlements/" + strings.ToLower(index.Hex())
}
