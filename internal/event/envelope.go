package event

import (
	"time"

	"github.com/google/uuid"
)

// Type discriminates transition event payloads.
type Type int32

const (
	TypeUnknown Type = iota
	TypePositionIncreased
	TypePositionDecreased
	TypePositionLiquidated
	TypeLiquidityAdded
	TypeLiquidityRemoved
	TypeSwapped
	TypeInterestAccrued
	TypeFeeWithdrawn
	TypeTrancheSaturated
)

func (t Type) String() string {
	switch t {
	case TypePositionIncreased:
		return "PositionIncreased"
	case TypePositionDecreased:
		return "PositionDecreased"
	case TypePositionLiquidated:
		return "PositionLiquidated"
	case TypeLiquidityAdded:
		return "LiquidityAdded"
	case TypeLiquidityRemoved:
		return "LiquidityRemoved"
	case TypeSwapped:
		return "Swapped"
	case TypeInterestAccrued:
		return "InterestAccrued"
	case TypeFeeWithdrawn:
		return "FeeWithdrawn"
	case TypeTrancheSaturated:
		return "TrancheSaturated"
	default:
		return "Unknown"
	}
}

// Envelope wraps every emitted transition. Sequence is the ledger's global
// monotonic counter; events describe fully-committed state only.
type Envelope struct {
	Sequence  int64       `json:"sequence"`
	EventID   uuid.UUID   `json:"event_id"`
	Type      Type        `json:"-"`
	TypeName  string      `json:"event_type"`
	Timestamp time.Time   `json:"timestamp"`
	Payload   interface{} `json:"payload"`
}

// New builds an envelope for a payload.
func New(seq int64, t Type, ts time.Time, payload interface{}) Envelope {
	return Envelope{
		Sequence:  seq,
		EventID:   uuid.New(),
		Type:      t,
		TypeName:  t.String(),
		Timestamp: ts,
		Payload:   payload,
	}
}
