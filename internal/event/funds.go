// internal/event/funds.go
package event

import (
	"time"

	"github.com/google/uuid"
)

type Deposited struct {
	OpID      uuid.UUID
	UserID    uuid.UUID
	Amount    int64 // Fixed-point settlement asset
	Sequence  int64
	Timestamp time.Time
}

func (d *Deposited) IdempotencyKey() string { return d.OpID.String() }
func (d *Deposited) EventType() Type        { return TypeDeposited }
func (d *Deposited) MarketID() *string      { return nil }
func (d *Deposited) SourceSequence() int64  { return d.Sequence }

type WithdrawalRequested struct {
	OpID      uuid.UUID
	UserID    uuid.UUID
	Amount    int64
	// PendingTotal is the accumulated pending amount after this request.
	PendingTotal int64
	Sequence     int64
	Timestamp    time.Time
}

func (w *WithdrawalRequested) IdempotencyKey() string { return w.OpID.String() }
func (w *WithdrawalRequested) EventType() Type        { return TypeWithdrawalRequested }
func (w *WithdrawalRequested) MarketID() *string      { return nil }
func (w *WithdrawalRequested) SourceSequence() int64  { return w.Sequence }

type WithdrawalClaimed struct {
	OpID      uuid.UUID
	UserID    uuid.UUID
	Amount    int64
	Sequence  int64
	Timestamp time.Time
}

func (w *WithdrawalClaimed) IdempotencyKey() string { return w.OpID.String() }
func (w *WithdrawalClaimed) EventType() Type        { return TypeWithdrawalClaimed }
func (w *WithdrawalClaimed) MarketID() *string      { return nil }
func (w *WithdrawalClaimed) SourceSequence() int64  { return w.Sequence }
