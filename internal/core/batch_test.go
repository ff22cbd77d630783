package core_test

import (
	"errors"
	"testing"

	"github.com/google/uuid"

	"marginledger/internal/core"
	"marginledger/internal/event"
)

func (h *harness) drain() {
	for {
		select {
		case <-h.persist:
		case <-h.proj:
		default:
			return
		}
	}
}

func (h *harness) runBatch(mode core.BatchMode, ops []core.Operation) (*core.BatchResult, error) {
	h.t.Helper()
	return h.engine.ProcessBatch(uuid.New(), mode, ops, h.nextSeq("global"), h.ts())
}

func TestBatchAtomicRollsBackOnFirstError(t *testing.T) {
	h := newHarness(t)
	user := uuid.New()
	h.deposit(user, 1_000)
	mkt := h.addMarket("BTC-PERP")
	h.drain()

	hashBefore := h.engine.StateHash()
	_, err := h.runBatch(core.FeeMode, []core.Operation{
		{Tag: core.OpAddPosition, OpID: uuid.New(), User: user, Market: mkt, Size: 500},
		// Returns more than the market custodies: rejected, poisoning the batch.
		{Tag: core.OpClosePosition, OpID: uuid.New(), User: user, Market: mkt, Size: 600},
	})
	if !errors.Is(err, core.ErrMarketInsolvency) {
		t.Fatalf("err = %v, want ErrMarketInsolvency", err)
	}

	if got := h.engine.FundingBalance(user); got != 1_000 {
		t.Errorf("funding = %d, want 1000 (rollback)", got)
	}
	if got := h.engine.StateHash(); got != hashBefore {
		t.Errorf("state hash changed across rolled-back batch")
	}
	select {
	case output := <-h.persist:
		t.Errorf("rolled-back batch emitted %v", output.Envelope.EventType)
	default:
	}
}

func TestBatchModePreScanPoisonsWholeBatch(t *testing.T) {
	h := newHarness(t)
	user := uuid.New()
	h.deposit(user, 1_000)
	mkt := h.addMarket("BTC-PERP")

	// fill_order belongs to non-fee mode; the valid first entry must not run.
	_, err := h.runBatch(core.FeeMode, []core.Operation{
		{Tag: core.OpAddPosition, OpID: uuid.New(), User: user, Market: mkt, Size: 500},
		{Tag: core.OpFillOrder, OpID: uuid.New(), User: user, Market: mkt, Fee: 10},
	})
	if !errors.Is(err, core.ErrUnknownOperation) {
		t.Fatalf("err = %v, want ErrUnknownOperation", err)
	}
	if got := h.engine.FundingBalance(user); got != 1_000 {
		t.Errorf("funding = %d, want 1000 (pre-scan rejects before execution)", got)
	}

	// Same rejection under the partial discipline.
	h.must(&event.ParamsUpdated{
		OpID: uuid.New(), Param: "partial_batches", Value: "true",
		Sequence: h.nextSeq("global"), Timestamp: h.ts(),
	})
	_, err = h.runBatch(core.NonFeeMode, []core.Operation{
		{Tag: core.OpAddCollateral, OpID: uuid.New(), User: user, Market: mkt, Amount: 100},
		{Tag: core.OpLiquidate, OpID: uuid.New(), User: user, Market: mkt, Amount: 10},
	})
	if !errors.Is(err, core.ErrUnknownOperation) {
		t.Errorf("partial mode err = %v, want ErrUnknownOperation", err)
	}
}

func TestBatchPartialSkipsFailedEntries(t *testing.T) {
	h := newHarness(t)
	user := uuid.New()
	broke := uuid.New()
	h.deposit(user, 1_000)
	mkt := h.addMarket("BTC-PERP")
	h.must(&event.ParamsUpdated{
		OpID: uuid.New(), Param: "partial_batches", Value: "true",
		Sequence: h.nextSeq("global"), Timestamp: h.ts(),
	})

	result, err := h.runBatch(core.FeeMode, []core.Operation{
		{Tag: core.OpAddPosition, OpID: uuid.New(), User: user, Market: mkt, Size: 300},
		{Tag: core.OpClosePosition, OpID: uuid.New(), User: broke, Market: mkt, Size: 10},
		{Tag: core.OpAddPosition, OpID: uuid.New(), User: user, Market: mkt, Size: 200},
	})
	if err != nil {
		t.Fatalf("partial batch: %v", err)
	}
	if result.Succeeded != 2 || result.Skipped != 1 {
		t.Errorf("succeeded=%d skipped=%d, want 2/1", result.Succeeded, result.Skipped)
	}
	if result.Results[1].Code != "INSUFFICIENT_TRADING" {
		t.Errorf("entry 1 code = %q, want INSUFFICIENT_TRADING", result.Results[1].Code)
	}
	if result.Results[0].Code != "" || result.Results[2].Code != "" {
		t.Errorf("successful entries carry codes: %q %q",
			result.Results[0].Code, result.Results[2].Code)
	}
	if got := h.engine.FundingBalance(user); got != 500 {
		t.Errorf("funding = %d, want 500 (both adds applied)", got)
	}
}

func TestBatchDuplicateIsSkipped(t *testing.T) {
	h := newHarness(t)
	user := uuid.New()
	h.deposit(user, 1_000)
	mkt := h.addMarket("BTC-PERP")

	batchID := uuid.New()
	seq := h.nextSeq("global")
	ts := h.ts()
	ops := []core.Operation{
		{Tag: core.OpAddPosition, OpID: uuid.New(), User: user, Market: mkt, Size: 400},
	}
	if _, err := h.engine.ProcessBatch(batchID, core.FeeMode, ops, seq, ts); err != nil {
		t.Fatalf("first batch: %v", err)
	}

	result, err := h.engine.ProcessBatch(batchID, core.FeeMode, ops, seq, ts)
	if err != nil {
		t.Fatalf("duplicate batch: %v", err)
	}
	if result != nil {
		t.Errorf("duplicate batch result = %+v, want nil", result)
	}
	if got := h.engine.FundingBalance(user); got != 600 {
		t.Errorf("funding = %d, want 600 (duplicate must not reapply)", got)
	}
}

func TestBatchEmitsEntriesThenSummary(t *testing.T) {
	h := newHarness(t)
	user := uuid.New()
	h.deposit(user, 1_000)
	mkt := h.addMarket("BTC-PERP")
	h.drain()

	result, err := h.runBatch(core.FeeMode, []core.Operation{
		{Tag: core.OpAddPosition, OpID: uuid.New(), User: user, Market: mkt, Size: 300, Fee: 5},
		{Tag: core.OpAddPosition, OpID: uuid.New(), User: user, Market: mkt, Size: 200, Fee: 5},
	})
	if err != nil {
		t.Fatalf("batch: %v", err)
	}
	if result.Succeeded != 2 {
		t.Fatalf("succeeded = %d, want 2", result.Succeeded)
	}

	types := make([]event.Type, 0, 3)
	for i := 0; i < 3; i++ {
		select {
		case output := <-h.persist:
			types = append(types, output.Envelope.EventType)
		default:
			t.Fatalf("expected 3 outputs, got %d", i)
		}
	}
	if types[0] != event.TypePositionAdded || types[1] != event.TypePositionAdded {
		t.Errorf("entry outputs = %v, want two PositionAdded", types[:2])
	}
	if types[2] != event.TypeBatchProcessed {
		t.Errorf("last output = %v, want BatchProcessed summary", types[2])
	}
}

func TestBatchNonFeeModeOperations(t *testing.T) {
	h := newHarness(t)
	user := uuid.New()
	h.deposit(user, 1_000)
	mkt := h.addMarket("BTC-PERP")
	h.addPosition(user, mkt, 500, 0)

	result, err := h.runBatch(core.NonFeeMode, []core.Operation{
		{Tag: core.OpFillOrder, OpID: uuid.New(), User: user, Market: mkt, Fee: 20},
		{Tag: core.OpSettleFundingFee, OpID: uuid.New(), User: user, Market: mkt, Amount: 30},
		{Tag: core.OpAddCollateral, OpID: uuid.New(), User: user, Market: mkt, Amount: 100},
		{Tag: core.OpReduceCollateral, OpID: uuid.New(), User: user, Market: mkt, Amount: 50},
	})
	if err != nil {
		t.Fatalf("non-fee batch: %v", err)
	}
	if result.Succeeded != 4 {
		t.Errorf("succeeded = %d, want 4", result.Succeeded)
	}
	// 500 - 20 fill - 30 funding + 100 add - 50 reduce
	if got := h.engine.TradingBalance(user, h.mustID(mkt)); got != 500 {
		t.Errorf("trading = %d, want 500", got)
	}
	if got := h.engine.FeeReserve(); got != 30 {
		t.Errorf("fee reserve = %d, want 30", got)
	}
}
