// internal/event/admin.go
package event

import (
	"time"

	"github.com/google/uuid"
)

type MarketAdded struct {
	OpID      uuid.UUID
	Name      string
	Market    string // derived hex ID
	Sequence  int64
	Timestamp time.Time
}

func (e *MarketAdded) IdempotencyKey() string { return e.OpID.String() }
func (e *MarketAdded) EventType() Type        { return TypeMarketAdded }
func (e *MarketAdded) SourceSequence() int64  { return e.Sequence }

// MarketID is nil until the handler derives the ID from the name.
func (e *MarketAdded) MarketID() *string {
	if e.Market == "" {
		return nil
	}
	return &e.Market
}

// ParamsUpdated records an admin reconfiguration (treasury, operator,
// insurance, settlement asset, withdrawal wait time).
type ParamsUpdated struct {
	OpID      uuid.UUID
	Param     string
	Value     string
	Sequence  int64
	Timestamp time.Time
}

func (e *ParamsUpdated) IdempotencyKey() string { return e.OpID.String() }
func (e *ParamsUpdated) EventType() Type        { return TypeParamsUpdated }
func (e *ParamsUpdated) MarketID() *string      { return nil }
func (e *ParamsUpdated) SourceSequence() int64  { return e.Sequence }

// BatchProcessed summarizes a bulk-process call.
type BatchProcessed struct {
	OpID      uuid.UUID
	Mode      string // "fee" or "non_fee"
	Total     int
	Succeeded int
	Skipped   int
	Sequence  int64
	Timestamp time.Time
}

func (e *BatchProcessed) IdempotencyKey() string { return e.OpID.String() }
func (e *BatchProcessed) EventType() Type        { return TypeBatchProcessed }
func (e *BatchProcessed) MarketID() *string      { return nil }
func (e *BatchProcessed) SourceSequence() int64  { return e.Sequence }
