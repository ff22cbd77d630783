package core

import (
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"

	"marginledger/internal/event"
	"marginledger/internal/ledger"
)

// OpTag names one position operation inside a bulk submission.
type OpTag string

const (
	OpAddPosition      OpTag = "add_position"
	OpReducePosition   OpTag = "reduce_position"
	OpClosePosition    OpTag = "close_position"
	OpCancelOrder      OpTag = "cancel_order"
	OpFillOrder        OpTag = "fill_order"
	OpSettleFundingFee OpTag = "settle_funding_fee"
	OpAddCollateral    OpTag = "add_collateral"
	OpReduceCollateral OpTag = "reduce_collateral"
	OpLiquidate        OpTag = "liquidate"
)

// BatchMode restricts which tags a bulk submission may carry.
type BatchMode string

const (
	// FeeMode covers the order-lifecycle operations that can route fees.
	FeeMode BatchMode = "fee"
	// NonFeeMode covers settlement and collateral maintenance.
	NonFeeMode BatchMode = "non_fee"
)

var feeModeTags = map[OpTag]bool{
	OpAddPosition:    true,
	OpReducePosition: true,
	OpClosePosition:  true,
	OpCancelOrder:    true,
	OpLiquidate:      true,
}

var nonFeeModeTags = map[OpTag]bool{
	OpFillOrder:        true,
	OpSettleFundingFee: true,
	OpAddCollateral:    true,
	OpReduceCollateral: true,
}

// Operation is one entry of a bulk submission. Field use depends on the tag:
// Size carries the position size (add/reduce/cancel) or the returned size
// (close); Amount carries the settlement amount (settle/collateral) or the
// returned amount (liquidate); IsCredit applies to settle_funding_fee only.
type Operation struct {
	Tag      OpTag
	OpID     uuid.UUID
	User     uuid.UUID
	Market   string // hex market ID
	Size     int64
	Fee      int64
	Amount   int64
	IsCredit bool
}

// OpResult reports the outcome of one batch entry.
type OpResult struct {
	Index int
	Tag   OpTag
	OpID  uuid.UUID
	Err   error
	Code  string // "" on success
}

// BatchResult summarizes a processed bulk submission.
type BatchResult struct {
	Mode      BatchMode
	Total     int
	Succeeded int
	Skipped   int
	Results   []OpResult
}

// toEvent converts a batch entry into the typed operation the dispatcher
// understands.
func (o Operation) toEvent(sourceSeq int64, ts time.Time) (event.Event, error) {
	switch o.Tag {
	case OpAddPosition:
		return &event.PositionAdded{OpID: o.OpID, UserID: o.User, Market: o.Market,
			Size: o.Size, Fee: o.Fee, Sequence: sourceSeq, Timestamp: ts}, nil
	case OpReducePosition:
		return &event.PositionReduced{OpID: o.OpID, UserID: o.User, Market: o.Market,
			Size: o.Size, Fee: o.Fee, Sequence: sourceSeq, Timestamp: ts}, nil
	case OpClosePosition:
		return &event.PositionClosed{OpID: o.OpID, UserID: o.User, Market: o.Market,
			ReturnedSize: o.Size, Fee: o.Fee, Sequence: sourceSeq, Timestamp: ts}, nil
	case OpCancelOrder:
		return &event.OrderCancelled{OpID: o.OpID, UserID: o.User, Market: o.Market,
			Size: o.Size, Fee: o.Fee, Sequence: sourceSeq, Timestamp: ts}, nil
	case OpFillOrder:
		return &event.OrderFilled{OpID: o.OpID, UserID: o.User, Market: o.Market,
			Fee: o.Fee, Sequence: sourceSeq, Timestamp: ts}, nil
	case OpSettleFundingFee:
		return &event.FundingFeeSettled{OpID: o.OpID, UserID: o.User, Market: o.Market,
			Amount: o.Amount, IsCredit: o.IsCredit, Sequence: sourceSeq, Timestamp: ts}, nil
	case OpAddCollateral:
		return &event.CollateralAdded{OpID: o.OpID, UserID: o.User, Market: o.Market,
			Amount: o.Amount, Sequence: sourceSeq, Timestamp: ts}, nil
	case OpReduceCollateral:
		return &event.CollateralReduced{OpID: o.OpID, UserID: o.User, Market: o.Market,
			Amount: o.Amount, Sequence: sourceSeq, Timestamp: ts}, nil
	case OpLiquidate:
		return &event.PositionLiquidated{OpID: o.OpID, UserID: o.User, Market: o.Market,
			AmountReturned: o.Amount, Fee: o.Fee, Sequence: sourceSeq, Timestamp: ts}, nil
	default:
		return nil, fmt.Errorf("tag %q: %w", o.Tag, ErrUnknownOperation)
	}
}

// allowedIn reports whether the tag belongs to the batch mode.
func (o Operation) allowedIn(mode BatchMode) bool {
	switch mode {
	case FeeMode:
		return feeModeTags[o.Tag]
	case NonFeeMode:
		return nonFeeModeTags[o.Tag]
	default:
		return false
	}
}

// ProcessBatch runs an ordered bulk submission under the mode's tag
// restriction. The tag/mode pre-scan rejects the whole batch in BOTH
// disciplines; entry execution then follows the configured discipline:
// atomic (default) rolls everything back on the first error, partial skips
// failed entries and commits the rest.
func (e *Engine) ProcessBatch(
	batchOpID uuid.UUID,
	mode BatchMode,
	ops []Operation,
	sourceSeq int64,
	ts time.Time,
) (*BatchResult, error) {
	start := time.Now()

	isDuplicate := e.dedup.IsDuplicate(event.TypeBatchProcessed.String(), batchOpID.String())
	if err := e.sequenceValidator.ValidateSequence("global", sourceSeq, isDuplicate); err != nil {
		if e.metrics != nil {
			switch {
			case errors.Is(err, ErrSequenceGap):
				e.metrics.OpSequenceGap.WithLabelValues("global").Inc()
			case errors.Is(err, ErrOutOfOrder):
				e.metrics.OpOutOfOrder.WithLabelValues("global").Inc()
			}
		}
		return nil, fmt.Errorf("sequence validation failed: %w", err)
	}
	if isDuplicate {
		if e.metrics != nil {
			e.metrics.OpsRejected.WithLabelValues("BatchProcessed", "duplicate").Inc()
		}
		return nil, nil
	}

	if e.metrics != nil {
		e.metrics.BatchSize.Observe(float64(len(ops)))
	}

	// Pre-scan: a tag outside the mode poisons the whole batch before any
	// entry executes, regardless of discipline.
	for i, op := range ops {
		if !op.allowedIn(mode) {
			err := fmt.Errorf("entry %d: tag %q not allowed in %s mode: %w",
				i, op.Tag, mode, ErrUnknownOperation)
			if e.metrics != nil {
				e.metrics.OpsRejected.WithLabelValues("BatchProcessed", ErrorCode(err)).Inc()
				e.metrics.BatchOpsTotal.WithLabelValues(string(mode), "rejected").Inc()
			}
			return nil, err
		}
	}

	var snap *SnapshotState
	atomic := !e.params.PartialBatches
	if atomic {
		snap = e.CaptureSnapshotState()
	}

	result := &BatchResult{
		Mode:    mode,
		Total:   len(ops),
		Results: make([]OpResult, 0, len(ops)),
	}
	outputs := make([]Output, 0, len(ops)+1)

	for i, op := range ops {
		evt, err := op.toEvent(sourceSeq, ts)
		if err == nil {
			var batch *ledger.Batch
			batch, err = e.dispatch(evt)
			if err == nil {
				outputs = append(outputs, e.seal(evt, batch))
				e.postCheckInvariants()
			}
		}

		res := OpResult{Index: i, Tag: op.Tag, OpID: op.OpID}
		if err != nil {
			res.Err = err
			res.Code = ErrorCode(err)
			if atomic {
				// Roll the whole batch back. Nothing was emitted yet, so the
				// restored state is externally invisible.
				e.RestoreFromSnapshotState(snap)
				if e.metrics != nil {
					e.metrics.OpsRejected.WithLabelValues("BatchProcessed", res.Code).Inc()
					e.metrics.BatchRollbacks.Inc()
					e.metrics.BatchOpsTotal.WithLabelValues(string(mode), "rolled_back").Inc()
				}
				return nil, fmt.Errorf("batch entry %d (%s): %w", i, op.Tag, err)
			}
			result.Skipped++
		} else {
			result.Succeeded++
		}
		result.Results = append(result.Results, res)
	}

	// Summary envelope, then emit everything in order.
	summary := &event.BatchProcessed{
		OpID:      batchOpID,
		Mode:      string(mode),
		Total:     result.Total,
		Succeeded: result.Succeeded,
		Skipped:   result.Skipped,
		Sequence:  sourceSeq,
		Timestamp: ts,
	}
	outputs = append(outputs, e.seal(summary, e.emptyBatch(summary)))
	e.postCheckInvariants()

	for _, output := range outputs {
		e.emit(output)
	}

	for _, res := range result.Results {
		if res.Err == nil {
			e.dedup.MarkProcessed(res.Tag.eventType().String(), res.OpID.String())
		}
	}
	e.dedup.MarkProcessed(event.TypeBatchProcessed.String(), batchOpID.String())

	if e.metrics != nil {
		e.metrics.OpsApplied.WithLabelValues("BatchProcessed").Inc()
		e.metrics.OpDuration.WithLabelValues("BatchProcessed").Observe(time.Since(start).Seconds())
		e.metrics.BatchOpsTotal.WithLabelValues(string(mode), "applied").Inc()
		if result.Skipped > 0 {
			e.metrics.BatchSkipped.Add(float64(result.Skipped))
		}
		e.recordGauges()
	}

	return result, nil
}

// ProcessOperation runs one standalone position operation through the
// standard pipeline.
func (e *Engine) ProcessOperation(op Operation, sourceSeq int64, ts time.Time) error {
	evt, err := op.toEvent(sourceSeq, ts)
	if err != nil {
		return err
	}
	return e.Process(evt)
}

// eventType maps a tag to its event discriminator (for dedup keys).
func (t OpTag) eventType() event.Type {
	switch t {
	case OpAddPosition:
		return event.TypePositionAdded
	case OpReducePosition:
		return event.TypePositionReduced
	case OpClosePosition:
		return event.TypePositionClosed
	case OpCancelOrder:
		return event.TypeOrderCancelled
	case OpFillOrder:
		return event.TypeOrderFilled
	case OpSettleFundingFee:
		return event.TypeFundingFeeSettled
	case OpAddCollateral:
		return event.TypeCollateralAdded
	case OpReduceCollateral:
		return event.TypeCollateralReduced
	case OpLiquidate:
		return event.TypePositionLiquidated
	default:
		return event.TypeUnknown
	}
}
