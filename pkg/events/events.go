// Package events publishes the protocol's observable lifecycle: intents
// initiated and fulfilled at the edges, settlements routed through the hub,
// deliveries reverted by the transport.
package events

import (
	"math/big"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/google/uuid"
)

const (
	TypeIntentInitiated     = "intent_initiated"
	TypeIntentFulfilled     = "intent_fulfilled"
	TypeIntentSettled       = "intent_settled"
	TypeSettlementForwarded = "settlement_forwarded"
	TypeDeliveryReverted    = "delivery_reverted"
)

// Event is the envelope every emission shares. Chain is the chain id of
// the instance that produced the event.
type Event struct {
	ID        string `json:"id"`
	Type      string `json:"type"`
	Chain     uint64 `json:"chain"`
	Data      any    `json:"data"`
	Timestamp int64  `json:"timestamp"`
}

func New(eventType string, chain uint64, data any) Event {
	return Event{
		ID:        uuid.NewString(),
		Type:      eventType,
		Chain:     chain,
		Data:      data,
		Timestamp: time.Now().UTC().Unix(),
	}
}

// Amount renders a big integer for event payloads. Amounts travel as
// decimal strings so consumers never face precision loss.
func Amount(x *big.Int) string {
	if x == nil {
		return "0"
	}
	return x.String()
}

type IntentInitiated struct {
	IntentID    common.Hash    `json:"intent_id"`
	Caller      common.Address `json:"caller"`
	Asset       common.Address `json:"asset"`
	Amount      string         `json:"amount"`
	Tip         string         `json:"tip"`
	TargetChain uint64         `json:"target_chain"`
	Receiver    string         `json:"receiver"`
}

type IntentFulfilled struct {
	IntentID  common.Hash    `json:"intent_id"`
	Index     common.Hash    `json:"index"`
	Asset     common.Address `json:"asset"`
	Amount    string         `json:"amount"`
	Receiver  common.Address `json:"receiver"`
	Fulfiller common.Address `json:"fulfiller"`
}

type IntentSettled struct {
	IntentID     common.Hash    `json:"intent_id"`
	Index        common.Hash    `json:"index"`
	Asset        common.Address `json:"asset"`
	Receiver     common.Address `json:"receiver"`
	Fulfilled    bool           `json:"fulfilled"`
	Fulfiller    common.Address `json:"fulfiller,omitempty"`
	ActualAmount string         `json:"actual_amount"`
	PaidTip      string         `json:"paid_tip"`
}

type SettlementForwarded struct {
	IntentID    common.Hash    `json:"intent_id"`
	OriginChain uint64         `json:"origin_chain"`
	TargetChain uint64         `json:"target_chain"`
	AssetOut    common.Address `json:"asset_out"`
	Amount      string         `json:"amount"`
	Tip         string         `json:"tip"`
	GasFee      string         `json:"gas_fee"`
}

type DeliveryReverted struct {
	MessageID     string         `json:"message_id"`
	RefundAddress common.Address `json:"refund_address"`
	Asset         common.Address `json:"asset"`
	Amount        string         `json:"amount"`
	Cause         string         `json:"cause"`
}
