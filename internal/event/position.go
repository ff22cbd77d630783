// internal/event/position.go
package event

import (
	"time"

	"github.com/google/uuid"
)

type PositionAdded struct {
	OpID      uuid.UUID
	UserID    uuid.UUID
	Market    string // hex market ID
	Size      int64
	Fee       int64
	// CreditUsed is the profit credit consumed toward size+fee.
	CreditUsed int64
	Sequence   int64
	Timestamp  time.Time
}

func (e *PositionAdded) IdempotencyKey() string { return e.OpID.String() }
func (e *PositionAdded) EventType() Type        { return TypePositionAdded }
func (e *PositionAdded) MarketID() *string      { return &e.Market }
func (e *PositionAdded) SourceSequence() int64  { return e.Sequence }

type PositionReduced struct {
	OpID      uuid.UUID
	UserID    uuid.UUID
	Market    string
	Size      int64
	Fee       int64
	Sequence  int64
	Timestamp time.Time
}

func (e *PositionReduced) IdempotencyKey() string { return e.OpID.String() }
func (e *PositionReduced) EventType() Type        { return TypePositionReduced }
func (e *PositionReduced) MarketID() *string      { return &e.Market }
func (e *PositionReduced) SourceSequence() int64  { return e.Sequence }

type PositionClosed struct {
	OpID         uuid.UUID
	UserID       uuid.UUID
	Market       string
	ReturnedSize int64
	Fee          int64
	// Settled outcome of the close.
	Paid           int64 // amount credited to the funding balance
	Profit         int64 // returnedSize - netAfterFee when the user won
	Loss           int64 // netAfterFee - returnedSize when the user lost
	PoolConsumed   int64 // profit portion funded by the loss pool
	CreditDeferred int64 // profit portion deferred as profit credit
	Sequence       int64
	Timestamp      time.Time
}

func (e *PositionClosed) IdempotencyKey() string { return e.OpID.String() }
func (e *PositionClosed) EventType() Type        { return TypePositionClosed }
func (e *PositionClosed) MarketID() *string      { return &e.Market }
func (e *PositionClosed) SourceSequence() int64  { return e.Sequence }

type OrderCancelled struct {
	OpID      uuid.UUID
	UserID    uuid.UUID
	Market    string
	Size      int64
	Fee       int64
	Sequence  int64
	Timestamp time.Time
}

func (e *OrderCancelled) IdempotencyKey() string { return e.OpID.String() }
func (e *OrderCancelled) EventType() Type        { return TypeOrderCancelled }
func (e *OrderCancelled) MarketID() *string      { return &e.Market }
func (e *OrderCancelled) SourceSequence() int64  { return e.Sequence }

type OrderFilled struct {
	OpID      uuid.UUID
	UserID    uuid.UUID
	Market    string
	Fee       int64
	Sequence  int64
	Timestamp time.Time
}

func (e *OrderFilled) IdempotencyKey() string { return e.OpID.String() }
func (e *OrderFilled) EventType() Type        { return TypeOrderFilled }
func (e *OrderFilled) MarketID() *string      { return &e.Market }
func (e *OrderFilled) SourceSequence() int64  { return e.Sequence }

type FundingFeeSettled struct {
	OpID      uuid.UUID
	UserID    uuid.UUID
	Market    string
	Amount    int64
	IsCredit  bool
	Sequence  int64
	Timestamp time.Time
}

func (e *FundingFeeSettled) IdempotencyKey() string { return e.OpID.String() }
func (e *FundingFeeSettled) EventType() Type        { return TypeFundingFeeSettled }
func (e *FundingFeeSettled) MarketID() *string      { return &e.Market }
func (e *FundingFeeSettled) SourceSequence() int64  { return e.Sequence }

type CollateralAdded struct {
	OpID      uuid.UUID
	UserID    uuid.UUID
	Market    string
	Amount    int64
	Sequence  int64
	Timestamp time.Time
}

func (e *CollateralAdded) IdempotencyKey() string { return e.OpID.String() }
func (e *CollateralAdded) EventType() Type        { return TypeCollateralAdded }
func (e *CollateralAdded) MarketID() *string      { return &e.Market }
func (e *CollateralAdded) SourceSequence() int64  { return e.Sequence }

type CollateralReduced struct {
	OpID      uuid.UUID
	UserID    uuid.UUID
	Market    string
	Amount    int64
	Sequence  int64
	Timestamp time.Time
}

func (e *CollateralReduced) IdempotencyKey() string { return e.OpID.String() }
func (e *CollateralReduced) EventType() Type        { return TypeCollateralReduced }
func (e *CollateralReduced) MarketID() *string      { return &e.Market }
func (e *CollateralReduced) SourceSequence() int64  { return e.Sequence }

type PositionLiquidated struct {
	OpID           uuid.UUID
	UserID         uuid.UUID
	Market         string
	AmountReturned int64
	Fee            int64
	Loss           int64 // socialized into the loss pool
	Sequence       int64
	Timestamp      time.Time
}

func (e *PositionLiquidated) IdempotencyKey() string { return e.OpID.String() }
func (e *PositionLiquidated) EventType() Type        { return TypePositionLiquidated }
func (e *PositionLiquidated) MarketID() *string      { return &e.Market }
func (e *PositionLiquidated) SourceSequence() int64  { return e.Sequence }
