package event

import (
	"time"
)

// Type discriminates event payloads in the log.
type Type int32

const (
	TypeUnknown Type = iota
	TypeDeposited
	TypeWithdrawalRequested
	TypeWithdrawalClaimed
	TypeMarketAdded
	TypePositionAdded
	TypePositionReduced
	TypePositionClosed
	TypeOrderCancelled
	TypeOrderFilled
	TypeFundingFeeSettled
	TypeCollateralAdded
	TypeCollateralReduced
	TypePositionLiquidated
	TypeBatchProcessed
	TypeParamsUpdated
)

// Envelope wraps every event in the log.
type Envelope struct {
	// Global monotonic sequence assigned by the engine
	Sequence int64

	// Stable idempotency key from the submitting operation
	IdempotencyKey string

	// Event type discriminator
	EventType Type

	// Market context (nil for global events)
	MarketID *string

	// Versioned input timestamp (NOT wall-clock)
	Timestamp time.Time

	// Upstream sequence for ordering validation
	SourceSequence int64

	// JSON-encoded event payload
	Payload []byte

	// SHA-256 of state AFTER applying this event
	StateHash [32]byte

	// Previous event's state hash (chain integrity)
	PrevHash [32]byte
}

// Event is the interface all event payloads implement.
type Event interface {
	// IdempotencyKey returns the stable dedup key
	IdempotencyKey() string

	// EventType returns the discriminator
	EventType() Type

	// MarketID returns the market context (nil for global events)
	MarketID() *string

	// SourceSequence returns the upstream ordering key
	SourceSequence() int64
}

func (t Type) String() string {
	switch t {
	case TypeDeposited:
		return "Deposited"
	case TypeWithdrawalRequested:
		return "WithdrawalRequested"
	case TypeWithdrawalClaimed:
		return "WithdrawalClaimed"
	case TypeMarketAdded:
		return "MarketAdded"
	case TypePositionAdded:
		return "PositionAdded"
	case TypePositionReduced:
		return "PositionReduced"
	case TypePositionClosed:
		return "PositionClosed"
	case TypeOrderCancelled:
		return "OrderCancelled"
	case TypeOrderFilled:
		return "OrderFilled"
	case TypeFundingFeeSettled:
		return "FundingFeeSettled"
	case TypeCollateralAdded:
		return "CollateralAdded"
	case TypeCollateralReduced:
		return "CollateralReduced"
	case TypePositionLiquidated:
		return "PositionLiquidated"
	case TypeBatchProcessed:
		return "BatchProcessed"
	case TypeParamsUpdated:
		return "ParamsUpdated"
	default:
		return "Unknown"
	}
}
