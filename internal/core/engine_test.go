package core_test

import (
	"errors"
	"math"
	"testing"
	"time"

	"github.com/google/uuid"

	"marginledger/internal/core"
	"marginledger/internal/event"
	"marginledger/internal/market"
)

// harness drives an engine with correctly sequenced, versioned inputs.
type harness struct {
	t       *testing.T
	engine  *core.Engine
	persist chan core.Output
	proj    chan core.Output
	seqs    map[string]int64
	now     int64 // versioned clock, epoch microseconds
}

func testParams() core.Params {
	return core.Params{
		Treasury:        "treasury",
		Insurance:       "insurance",
		Operator:        "operator",
		SettlementAsset: "USDC",
		WithdrawalWait:  time.Hour,
	}
}

func newHarness(t *testing.T) *harness {
	t.Helper()
	persist := make(chan core.Output, 4096)
	proj := make(chan core.Output, 4096)
	return &harness{
		t:       t,
		engine:  core.NewEngine(testParams(), 0, persist, proj, nil, nil),
		persist: persist,
		proj:    proj,
		seqs:    make(map[string]int64),
		now:     1_700_000_000_000_000,
	}
}

func (h *harness) nextSeq(partition string) int64 {
	seq := h.seqs[partition]
	h.seqs[partition] = seq + 1
	return seq
}

func (h *harness) ts() time.Time {
	h.now += 1000
	return time.UnixMicro(h.now)
}

func (h *harness) must(evt event.Event) {
	h.t.Helper()
	if err := h.engine.Process(evt); err != nil {
		h.t.Fatalf("process %T: %v", evt, err)
	}
}

func (h *harness) deposit(user uuid.UUID, amount int64) {
	h.t.Helper()
	h.must(&event.Deposited{
		OpID: uuid.New(), UserID: user, Amount: amount,
		Sequence: h.nextSeq("global"), Timestamp: h.ts(),
	})
}

func (h *harness) withdraw(user uuid.UUID, amount int64) *event.WithdrawalRequested {
	h.t.Helper()
	evt := &event.WithdrawalRequested{
		OpID: uuid.New(), UserID: user, Amount: amount,
		Sequence: h.nextSeq("global"), Timestamp: h.ts(),
	}
	h.must(evt)
	return evt
}

func (h *harness) addMarket(name string) string {
	h.t.Helper()
	evt := &event.MarketAdded{
		OpID: uuid.New(), Name: name,
		Sequence: h.nextSeq("global"), Timestamp: h.ts(),
	}
	h.must(evt)
	return evt.Market
}

func (h *harness) addPosition(user uuid.UUID, mkt string, size, fee int64) {
	h.t.Helper()
	h.must(&event.PositionAdded{
		OpID: uuid.New(), UserID: user, Market: mkt, Size: size, Fee: fee,
		Sequence: h.nextSeq("market:" + mkt), Timestamp: h.ts(),
	})
}

func (h *harness) closePosition(user uuid.UUID, mkt string, returned, fee int64) *event.PositionClosed {
	h.t.Helper()
	evt := &event.PositionClosed{
		OpID: uuid.New(), UserID: user, Market: mkt, ReturnedSize: returned, Fee: fee,
		Sequence: h.nextSeq("market:" + mkt), Timestamp: h.ts(),
	}
	h.must(evt)
	return evt
}

func (h *harness) mustID(hexID string) market.ID {
	h.t.Helper()
	id, err := market.ParseID(hexID)
	if err != nil {
		h.t.Fatalf("parse market id %q: %v", hexID, err)
	}
	return id
}

func TestDepositCreditsFundingAndReserve(t *testing.T) {
	h := newHarness(t)
	user := uuid.New()

	h.deposit(user, 1_000)

	if got := h.engine.FundingBalance(user); got != 1_000 {
		t.Errorf("funding balance = %d, want 1000", got)
	}
	if got := h.engine.CustodiedReserve(); got != 1_000 {
		t.Errorf("reserve = %d, want 1000", got)
	}

	output := <-h.persist
	if output.Envelope.EventType != event.TypeDeposited {
		t.Errorf("event type = %v, want Deposited", output.Envelope.EventType)
	}
	if len(output.Batch.Entries) != 1 {
		t.Fatalf("entries = %d, want 1", len(output.Batch.Entries))
	}
	if output.Batch.Entries[0].Amount != 1_000 {
		t.Errorf("entry amount = %d, want 1000", output.Batch.Entries[0].Amount)
	}
}

func TestDepositRejectsNonPositiveAmount(t *testing.T) {
	h := newHarness(t)

	err := h.engine.Process(&event.Deposited{
		OpID: uuid.New(), UserID: uuid.New(), Amount: 0,
		Sequence: h.nextSeq("global"), Timestamp: h.ts(),
	})
	if !errors.Is(err, core.ErrInvalidAmount) {
		t.Errorf("err = %v, want ErrInvalidAmount", err)
	}
}

func TestDuplicateOperationIsSkipped(t *testing.T) {
	h := newHarness(t)
	user := uuid.New()
	opID := uuid.New()

	evt := &event.Deposited{
		OpID: opID, UserID: user, Amount: 500,
		Sequence: h.nextSeq("global"), Timestamp: h.ts(),
	}
	h.must(evt)

	// Redelivery: same op_id, same stale sequence.
	replay := &event.Deposited{
		OpID: opID, UserID: user, Amount: 500,
		Sequence: evt.Sequence, Timestamp: evt.Timestamp,
	}
	if err := h.engine.Process(replay); err != nil {
		t.Fatalf("duplicate replay: %v", err)
	}
	if got := h.engine.FundingBalance(user); got != 500 {
		t.Errorf("funding balance = %d, want 500 (duplicate must not apply)", got)
	}
	if got := h.engine.Sequence(); got != 1 {
		t.Errorf("engine sequence = %d, want 1", got)
	}
}

func TestOutOfOrderNewOperationRejected(t *testing.T) {
	h := newHarness(t)
	user := uuid.New()

	h.deposit(user, 100)
	h.deposit(user, 100)

	// A NEW operation arriving with an already-consumed sequence.
	err := h.engine.Process(&event.Deposited{
		OpID: uuid.New(), UserID: user, Amount: 100,
		Sequence: 0, Timestamp: h.ts(),
	})
	if !errors.Is(err, core.ErrOutOfOrder) {
		t.Fatalf("err = %v, want ErrOutOfOrder", err)
	}
	if got := h.engine.FundingBalance(user); got != 200 {
		t.Errorf("funding balance = %d, want 200", got)
	}
}

func TestSequenceGapRejected(t *testing.T) {
	h := newHarness(t)

	err := h.engine.Process(&event.Deposited{
		OpID: uuid.New(), UserID: uuid.New(), Amount: 100,
		Sequence: 5, Timestamp: h.ts(),
	})
	if !errors.Is(err, core.ErrSequenceGap) {
		t.Fatalf("err = %v, want ErrSequenceGap", err)
	}
}

func TestWithdrawalDelayAndClaim(t *testing.T) {
	h := newHarness(t)
	user := uuid.New()

	h.deposit(user, 1_000)
	h.withdraw(user, 400)

	if got := h.engine.FundingBalance(user); got != 600 {
		t.Errorf("funding balance = %d, want 600", got)
	}
	if got := h.engine.PendingWithdrawal(user).Amount; got != 400 {
		t.Errorf("pending = %d, want 400", got)
	}

	// Claim before the delay elapses.
	err := h.engine.Process(&event.WithdrawalClaimed{
		OpID: uuid.New(), UserID: user,
		Sequence: h.nextSeq("global"), Timestamp: h.ts(),
	})
	if !errors.Is(err, core.ErrWithdrawalLocked) {
		t.Fatalf("early claim err = %v, want ErrWithdrawalLocked", err)
	}

	// Advance past the wait and claim.
	h.now += time.Hour.Microseconds()
	claim := &event.WithdrawalClaimed{
		OpID: uuid.New(), UserID: user,
		Sequence: h.nextSeq("global"), Timestamp: h.ts(),
	}
	h.must(claim)

	if claim.Amount != 400 {
		t.Errorf("claimed amount = %d, want 400", claim.Amount)
	}
	if got := h.engine.CustodiedReserve(); got != 600 {
		t.Errorf("reserve = %d, want 600", got)
	}
	if got := h.engine.PendingWithdrawal(user).Amount; got != 0 {
		t.Errorf("pending after claim = %d, want 0", got)
	}

	// Nothing left to claim.
	err = h.engine.Process(&event.WithdrawalClaimed{
		OpID: uuid.New(), UserID: user,
		Sequence: h.nextSeq("global"), Timestamp: h.ts(),
	})
	if !errors.Is(err, core.ErrWithdrawalLocked) {
		t.Errorf("second claim err = %v, want ErrWithdrawalLocked", err)
	}
}

func TestWithdrawalAccumulationResetsClock(t *testing.T) {
	h := newHarness(t)
	user := uuid.New()

	h.deposit(user, 1_000)
	h.withdraw(user, 300)

	// Second request 30 minutes later joins the batch and resets the clock.
	h.now += (30 * time.Minute).Microseconds()
	evt := h.withdraw(user, 200)
	if evt.PendingTotal != 500 {
		t.Errorf("pending total = %d, want 500", evt.PendingTotal)
	}

	// One hour after the FIRST request is only 30 minutes after the second.
	h.now += (30 * time.Minute).Microseconds()
	err := h.engine.Process(&event.WithdrawalClaimed{
		OpID: uuid.New(), UserID: user,
		Sequence: h.nextSeq("global"), Timestamp: h.ts(),
	})
	if !errors.Is(err, core.ErrWithdrawalLocked) {
		t.Fatalf("claim before reset clock elapsed: err = %v, want ErrWithdrawalLocked", err)
	}

	h.now += (30 * time.Minute).Microseconds()
	claim := &event.WithdrawalClaimed{
		OpID: uuid.New(), UserID: user,
		Sequence: h.nextSeq("global"), Timestamp: h.ts(),
	}
	h.must(claim)
	if claim.Amount != 500 {
		t.Errorf("claimed = %d, want 500", claim.Amount)
	}
}

func TestWithdrawRejectsInsufficientFunding(t *testing.T) {
	h := newHarness(t)
	user := uuid.New()

	h.deposit(user, 100)
	err := h.engine.Process(&event.WithdrawalRequested{
		OpID: uuid.New(), UserID: user, Amount: 200,
		Sequence: h.nextSeq("global"), Timestamp: h.ts(),
	})
	if !errors.Is(err, core.ErrInsufficientFunding) {
		t.Errorf("err = %v, want ErrInsufficientFunding", err)
	}
}

func TestAddMarketRejectsDuplicate(t *testing.T) {
	h := newHarness(t)

	h.addMarket("BTC-PERP")
	err := h.engine.Process(&event.MarketAdded{
		OpID: uuid.New(), Name: "BTC-PERP",
		Sequence: h.nextSeq("global"), Timestamp: h.ts(),
	})
	if !errors.Is(err, core.ErrMarketExists) {
		t.Errorf("err = %v, want ErrMarketExists", err)
	}
}

func TestOperationOnUnknownMarketRejected(t *testing.T) {
	h := newHarness(t)
	user := uuid.New()
	h.deposit(user, 1_000)

	unknown := market.DeriveID("ETH-PERP").String()
	err := h.engine.Process(&event.PositionAdded{
		OpID: uuid.New(), UserID: user, Market: unknown, Size: 100,
		Sequence: h.nextSeq("market:" + unknown), Timestamp: h.ts(),
	})
	if !errors.Is(err, core.ErrMarketNotFound) {
		t.Errorf("err = %v, want ErrMarketNotFound", err)
	}
}

func TestAddPositionLocksCollateral(t *testing.T) {
	h := newHarness(t)
	user := uuid.New()
	h.deposit(user, 1_000)
	mkt := h.addMarket("BTC-PERP")

	h.addPosition(user, mkt, 500, 10)

	if got := h.engine.FundingBalance(user); got != 490 {
		t.Errorf("funding = %d, want 490", got)
	}
	if got := h.engine.TradingBalance(user, h.mustID(mkt)); got != 510 {
		t.Errorf("trading = %d, want 510", got)
	}
}

func TestAddPositionRejectsInsufficientCollateral(t *testing.T) {
	h := newHarness(t)
	user := uuid.New()
	h.deposit(user, 100)
	mkt := h.addMarket("BTC-PERP")

	err := h.engine.Process(&event.PositionAdded{
		OpID: uuid.New(), UserID: user, Market: mkt, Size: 200,
		Sequence: h.nextSeq("market:" + mkt), Timestamp: h.ts(),
	})
	if !errors.Is(err, core.ErrInsufficientFunding) {
		t.Errorf("err = %v, want ErrInsufficientFunding", err)
	}
}

func TestReducePositionReturnsSizeAndRoutesFee(t *testing.T) {
	h := newHarness(t)
	user := uuid.New()
	h.deposit(user, 1_000)
	mkt := h.addMarket("BTC-PERP")
	h.addPosition(user, mkt, 600, 0)

	h.must(&event.PositionReduced{
		OpID: uuid.New(), UserID: user, Market: mkt, Size: 200, Fee: 10,
		Sequence: h.nextSeq("market:" + mkt), Timestamp: h.ts(),
	})

	if got := h.engine.FundingBalance(user); got != 600 {
		t.Errorf("funding = %d, want 600", got)
	}
	if got := h.engine.TradingBalance(user, h.mustID(mkt)); got != 390 {
		t.Errorf("trading = %d, want 390", got)
	}
	// The fee leaves custody for the treasury.
	if got := h.engine.CustodiedReserve(); got != 990 {
		t.Errorf("reserve = %d, want 990", got)
	}

	err := h.engine.Process(&event.PositionReduced{
		OpID: uuid.New(), UserID: user, Market: mkt, Size: 400, Fee: 0,
		Sequence: h.nextSeq("market:" + mkt), Timestamp: h.ts(),
	})
	if !errors.Is(err, core.ErrInsufficientTrading) {
		t.Errorf("err = %v, want ErrInsufficientTrading", err)
	}
}

func TestClosePositionLossSocialized(t *testing.T) {
	h := newHarness(t)
	user := uuid.New()
	h.deposit(user, 1_000)
	mkt := h.addMarket("BTC-PERP")
	h.addPosition(user, mkt, 500, 0)

	evt := h.closePosition(user, mkt, 300, 0)

	if evt.Loss != 200 {
		t.Errorf("loss = %d, want 200", evt.Loss)
	}
	if evt.Paid != 300 {
		t.Errorf("paid = %d, want 300", evt.Paid)
	}
	if got := h.engine.LossPoolBalance(); got != 200 {
		t.Errorf("loss pool = %d, want 200", got)
	}
	if got := h.engine.FundingBalance(user); got != 800 {
		t.Errorf("funding = %d, want 800", got)
	}
}

func TestClosePositionProfitCappedByPool(t *testing.T) {
	h := newHarness(t)
	loser := uuid.New()
	winner := uuid.New()
	holder := uuid.New()
	h.deposit(loser, 1_000)
	h.deposit(winner, 1_000)
	h.deposit(holder, 1_000)
	mkt := h.addMarket("BTC-PERP")

	h.addPosition(loser, mkt, 500, 0)
	h.addPosition(winner, mkt, 500, 0)
	h.addPosition(holder, mkt, 500, 0) // custody backing the winner's payout
	h.closePosition(loser, mkt, 200, 0) // pool = 300

	evt := h.closePosition(winner, mkt, 750, 0)

	if evt.Profit != 250 {
		t.Errorf("profit = %d, want 250", evt.Profit)
	}
	if evt.PoolConsumed != 250 {
		t.Errorf("pool consumed = %d, want 250", evt.PoolConsumed)
	}
	if evt.CreditDeferred != 0 {
		t.Errorf("deferred = %d, want 0", evt.CreditDeferred)
	}
	if evt.Paid != 750 {
		t.Errorf("paid = %d, want 750", evt.Paid)
	}
	if got := h.engine.LossPoolBalance(); got != 50 {
		t.Errorf("loss pool = %d, want 50", got)
	}
}

func TestClosePositionProfitBeyondPoolDeferred(t *testing.T) {
	h := newHarness(t)
	loser := uuid.New()
	winner := uuid.New()
	holder := uuid.New()
	h.deposit(loser, 1_000)
	h.deposit(winner, 1_000)
	h.deposit(holder, 1_000)
	mkt := h.addMarket("BTC-PERP")

	h.addPosition(loser, mkt, 500, 0)
	h.addPosition(winner, mkt, 500, 0)
	h.addPosition(holder, mkt, 500, 0) // keeps the market solvent for deferral
	h.closePosition(loser, mkt, 400, 0) // pool = 100

	evt := h.closePosition(winner, mkt, 700, 0)

	if evt.Profit != 200 {
		t.Errorf("profit = %d, want 200", evt.Profit)
	}
	if evt.PoolConsumed != 100 {
		t.Errorf("pool consumed = %d, want 100", evt.PoolConsumed)
	}
	if evt.CreditDeferred != 100 {
		t.Errorf("deferred = %d, want 100", evt.CreditDeferred)
	}
	if evt.Paid != 600 {
		t.Errorf("paid = %d, want 600 (net 500 + pool 100)", evt.Paid)
	}
	if got := h.engine.ProfitCreditBalance(winner); got != 100 {
		t.Errorf("profit credit = %d, want 100", got)
	}
	if got := h.engine.LossPoolBalance(); got != 0 {
		t.Errorf("loss pool = %d, want 0", got)
	}
}

func TestAddPositionConsumesProfitCredit(t *testing.T) {
	h := newHarness(t)
	loser := uuid.New()
	winner := uuid.New()
	holder := uuid.New()
	h.deposit(loser, 1_000)
	h.deposit(winner, 100)
	h.deposit(holder, 1_000)
	mkt := h.addMarket("BTC-PERP")

	h.addPosition(loser, mkt, 500, 0)
	h.addPosition(winner, mkt, 100, 0)
	h.addPosition(holder, mkt, 500, 0)
	h.closePosition(loser, mkt, 450, 0) // pool = 50
	h.closePosition(winner, mkt, 250, 0) // profit 150: 50 pool, 100 deferred

	if got := h.engine.ProfitCreditBalance(winner); got != 100 {
		t.Fatalf("profit credit = %d, want 100", got)
	}
	fundingBefore := h.engine.FundingBalance(winner) // 100 net + 50 pool = 150
	reserveBefore := h.engine.CustodiedReserve()

	evt := &event.PositionAdded{
		OpID: uuid.New(), UserID: winner, Market: mkt, Size: 200, Fee: 0,
		Sequence: h.nextSeq("market:" + mkt), Timestamp: h.ts(),
	}
	h.must(evt)

	if evt.CreditUsed != 200-fundingBefore {
		t.Errorf("credit used = %d, want %d", evt.CreditUsed, 200-fundingBefore)
	}
	if got := h.engine.FundingBalance(winner); got != 0 {
		t.Errorf("funding = %d, want 0", got)
	}
	if got := h.engine.ProfitCreditBalance(winner); got != 100-evt.CreditUsed {
		t.Errorf("remaining credit = %d, want %d", got, 100-evt.CreditUsed)
	}
	// Consumed credit becomes fresh custody.
	if got := h.engine.CustodiedReserve(); got != reserveBefore+evt.CreditUsed {
		t.Errorf("reserve = %d, want %d", got, reserveBefore+evt.CreditUsed)
	}
}

func TestClosePositionInsolvencyBounds(t *testing.T) {
	h := newHarness(t)
	user := uuid.New()
	h.deposit(user, 1_000)
	mkt := h.addMarket("BTC-PERP")
	h.addPosition(user, mkt, 500, 0)

	// Return exceeding the aggregate trading reserve.
	err := h.engine.Process(&event.PositionClosed{
		OpID: uuid.New(), UserID: user, Market: mkt, ReturnedSize: 600,
		Sequence: h.nextSeq("market:" + mkt), Timestamp: h.ts(),
	})
	if !errors.Is(err, core.ErrMarketInsolvency) {
		t.Fatalf("err = %v, want ErrMarketInsolvency", err)
	}
	if got := h.engine.TradingBalance(user, h.mustID(mkt)); got != 500 {
		t.Errorf("trading = %d, want 500 (rejected close must not mutate)", got)
	}

	// A profit the pool cannot cover with no residual collateral behind it.
	err = h.engine.Process(&event.PositionClosed{
		OpID: uuid.New(), UserID: user, Market: mkt, ReturnedSize: 500,
		Fee: 0, Sequence: h.nextSeq("market:" + mkt), Timestamp: h.ts(),
	})
	if err != nil {
		t.Fatalf("break-even close should pass: %v", err)
	}
}

func TestLiquidationSocializesLossAndPaysInsurance(t *testing.T) {
	h := newHarness(t)
	user := uuid.New()
	h.deposit(user, 1_000)
	mkt := h.addMarket("BTC-PERP")
	h.addPosition(user, mkt, 500, 0)

	evt := &event.PositionLiquidated{
		OpID: uuid.New(), UserID: user, Market: mkt, AmountReturned: 100, Fee: 50,
		Sequence: h.nextSeq("market:" + mkt), Timestamp: h.ts(),
	}
	h.must(evt)

	if evt.Loss != 350 {
		t.Errorf("loss = %d, want 350", evt.Loss)
	}
	if got := h.engine.LossPoolBalance(); got != 350 {
		t.Errorf("loss pool = %d, want 350", got)
	}
	if got := h.engine.FundingBalance(user); got != 600 {
		t.Errorf("funding = %d, want 600", got)
	}
	// Insurance fee leaves custody.
	if got := h.engine.CustodiedReserve(); got != 950 {
		t.Errorf("reserve = %d, want 950", got)
	}
}

func TestLiquidationRequiresResidualLoss(t *testing.T) {
	h := newHarness(t)
	user := uuid.New()
	h.deposit(user, 1_000)
	mkt := h.addMarket("BTC-PERP")
	h.addPosition(user, mkt, 500, 0)

	// returned+fee covering the whole balance is a close, not a liquidation
	err := h.engine.Process(&event.PositionLiquidated{
		OpID: uuid.New(), UserID: user, Market: mkt, AmountReturned: 450, Fee: 50,
		Sequence: h.nextSeq("market:" + mkt), Timestamp: h.ts(),
	})
	if !errors.Is(err, core.ErrInsufficientTrading) {
		t.Errorf("err = %v, want ErrInsufficientTrading", err)
	}
}

func TestFillOrderRoutesFeeToTreasury(t *testing.T) {
	h := newHarness(t)
	user := uuid.New()
	h.deposit(user, 1_000)
	mkt := h.addMarket("BTC-PERP")
	h.addPosition(user, mkt, 500, 0)

	h.must(&event.OrderFilled{
		OpID: uuid.New(), UserID: user, Market: mkt, Fee: 25,
		Sequence: h.nextSeq("market:" + mkt), Timestamp: h.ts(),
	})

	if got := h.engine.TradingBalance(user, h.mustID(mkt)); got != 475 {
		t.Errorf("trading = %d, want 475", got)
	}
	if got := h.engine.CustodiedReserve(); got != 975 {
		t.Errorf("reserve = %d, want 975", got)
	}

	// A free fill is meaningless; the operation requires a fee.
	err := h.engine.Process(&event.OrderFilled{
		OpID: uuid.New(), UserID: user, Market: mkt, Fee: 0,
		Sequence: h.nextSeq("market:" + mkt), Timestamp: h.ts(),
	})
	if !errors.Is(err, core.ErrInvalidAmount) {
		t.Errorf("err = %v, want ErrInvalidAmount", err)
	}
}

func TestCancelOrderRefundsEverything(t *testing.T) {
	h := newHarness(t)
	user := uuid.New()
	h.deposit(user, 1_000)
	mkt := h.addMarket("BTC-PERP")
	h.addPosition(user, mkt, 500, 10)

	h.must(&event.OrderCancelled{
		OpID: uuid.New(), UserID: user, Market: mkt, Size: 500, Fee: 10,
		Sequence: h.nextSeq("market:" + mkt), Timestamp: h.ts(),
	})

	if got := h.engine.FundingBalance(user); got != 1_000 {
		t.Errorf("funding = %d, want 1000 (cancel refunds fee too)", got)
	}
	if got := h.engine.TradingBalance(user, h.mustID(mkt)); got != 0 {
		t.Errorf("trading = %d, want 0", got)
	}
}

func TestFundingFeeSettlementRoundTrip(t *testing.T) {
	h := newHarness(t)
	payer := uuid.New()
	receiver := uuid.New()
	h.deposit(payer, 1_000)
	h.deposit(receiver, 1_000)
	mkt := h.addMarket("BTC-PERP")
	h.addPosition(payer, mkt, 500, 0)
	h.addPosition(receiver, mkt, 500, 0)

	// A credit before anything was collected must fail.
	err := h.engine.Process(&event.FundingFeeSettled{
		OpID: uuid.New(), UserID: receiver, Market: mkt, Amount: 40, IsCredit: true,
		Sequence: h.nextSeq("market:" + mkt), Timestamp: h.ts(),
	})
	if !errors.Is(err, core.ErrInsufficientReserve) {
		t.Fatalf("err = %v, want ErrInsufficientReserve", err)
	}

	h.must(&event.FundingFeeSettled{
		OpID: uuid.New(), UserID: payer, Market: mkt, Amount: 40,
		Sequence: h.nextSeq("market:" + mkt), Timestamp: h.ts(),
	})
	if got := h.engine.FeeReserve(); got != 40 {
		t.Errorf("fee reserve = %d, want 40", got)
	}

	h.must(&event.FundingFeeSettled{
		OpID: uuid.New(), UserID: receiver, Market: mkt, Amount: 40, IsCredit: true,
		Sequence: h.nextSeq("market:" + mkt), Timestamp: h.ts(),
	})
	if got := h.engine.FeeReserve(); got != 0 {
		t.Errorf("fee reserve = %d, want 0", got)
	}
	if got := h.engine.TradingBalance(receiver, h.mustID(mkt)); got != 540 {
		t.Errorf("receiver trading = %d, want 540", got)
	}
}

func TestCollateralAddAndReduce(t *testing.T) {
	h := newHarness(t)
	user := uuid.New()
	h.deposit(user, 1_000)
	mkt := h.addMarket("BTC-PERP")
	h.addPosition(user, mkt, 500, 0)

	h.must(&event.CollateralAdded{
		OpID: uuid.New(), UserID: user, Market: mkt, Amount: 200,
		Sequence: h.nextSeq("market:" + mkt), Timestamp: h.ts(),
	})
	if got := h.engine.TradingBalance(user, h.mustID(mkt)); got != 700 {
		t.Errorf("trading = %d, want 700", got)
	}

	h.must(&event.CollateralReduced{
		OpID: uuid.New(), UserID: user, Market: mkt, Amount: 300,
		Sequence: h.nextSeq("market:" + mkt), Timestamp: h.ts(),
	})
	if got := h.engine.FundingBalance(user); got != 600 {
		t.Errorf("funding = %d, want 600", got)
	}

	err := h.engine.Process(&event.CollateralReduced{
		OpID: uuid.New(), UserID: user, Market: mkt, Amount: 9_999,
		Sequence: h.nextSeq("market:" + mkt), Timestamp: h.ts(),
	})
	if !errors.Is(err, core.ErrInsufficientTrading) {
		t.Errorf("err = %v, want ErrInsufficientTrading", err)
	}
}

func TestParamsUpdateWithdrawalWait(t *testing.T) {
	h := newHarness(t)
	user := uuid.New()
	h.deposit(user, 1_000)

	h.must(&event.ParamsUpdated{
		OpID: uuid.New(), Param: "withdrawal_wait", Value: "1ms",
		Sequence: h.nextSeq("global"), Timestamp: h.ts(),
	})

	h.withdraw(user, 100)
	h.now += time.Second.Microseconds()
	claim := &event.WithdrawalClaimed{
		OpID: uuid.New(), UserID: user,
		Sequence: h.nextSeq("global"), Timestamp: h.ts(),
	}
	h.must(claim)
	if claim.Amount != 100 {
		t.Errorf("claimed = %d, want 100", claim.Amount)
	}
}

func TestParamsUpdateRejectsUnknownAndMalformed(t *testing.T) {
	h := newHarness(t)

	cases := []struct{ param, value string }{
		{"no_such_param", "x"},
		{"withdrawal_wait", "soon"},
		{"withdrawal_wait", "-1h"},
		{"partial_batches", "yes"},
	}
	for _, tc := range cases {
		err := h.engine.Process(&event.ParamsUpdated{
			OpID: uuid.New(), Param: tc.param, Value: tc.value,
			Sequence: h.nextSeq("global"), Timestamp: h.ts(),
		})
		if !errors.Is(err, core.ErrInvalidAmount) {
			t.Errorf("param %q value %q: err = %v, want ErrInvalidAmount", tc.param, tc.value, err)
		}
	}
}

func TestStateHashDeterminism(t *testing.T) {
	run := func() [32]byte {
		h := newHarness(t)
		user := uuid.MustParse("550e8400-e29b-41d4-a716-446655440000")
		opIDs := []uuid.UUID{
			uuid.MustParse("00000000-0000-0000-0000-000000000001"),
			uuid.MustParse("00000000-0000-0000-0000-000000000002"),
			uuid.MustParse("00000000-0000-0000-0000-000000000003"),
		}

		h.must(&event.Deposited{OpID: opIDs[0], UserID: user, Amount: 1_000,
			Sequence: h.nextSeq("global"), Timestamp: h.ts()})
		mktEvt := &event.MarketAdded{OpID: opIDs[1], Name: "BTC-PERP",
			Sequence: h.nextSeq("global"), Timestamp: h.ts()}
		h.must(mktEvt)
		h.must(&event.PositionAdded{OpID: opIDs[2], UserID: user, Market: mktEvt.Market, Size: 400,
			Sequence: h.nextSeq("market:" + mktEvt.Market), Timestamp: h.ts()})

		return h.engine.StateHash()
	}

	first := run()
	second := run()
	if first != second {
		t.Errorf("identical input streams produced different state hashes:\n%x\n%x", first, second)
	}
}

func TestTotalBalanceIncludesProfitCredit(t *testing.T) {
	h := newHarness(t)
	loser := uuid.New()
	winner := uuid.New()
	holder := uuid.New()
	h.deposit(loser, 1_000)
	h.deposit(winner, 500)
	h.deposit(holder, 1_000)
	mkt := h.addMarket("BTC-PERP")

	h.addPosition(loser, mkt, 500, 0)
	h.addPosition(winner, mkt, 500, 0)
	h.addPosition(holder, mkt, 500, 0)
	h.closePosition(loser, mkt, 480, 0) // pool = 20
	h.closePosition(winner, mkt, 580, 0) // profit 80: pool 20, deferred 60

	// paid 520, remaining funding 0+520, credit 60
	if got := h.engine.TotalBalance(winner); got != 580 {
		t.Errorf("total balance = %d, want 580 (includes deferred credit)", got)
	}
}

// loggedOpsChecker reports a key as processed when it is present in the
// backing set, the way the Postgres lookup reads the event log.
type loggedOpsChecker struct {
	keys map[string]bool
}

func (c *loggedOpsChecker) IsDuplicate(opKind, opID string) (bool, error) {
	return c.keys[opKind+":"+opID], nil
}

func TestRestartReplayRebuildsState(t *testing.T) {
	h := newHarness(t)
	user := uuid.New()

	h.deposit(user, 1_000)
	mkt := h.addMarket("BTC-PERP")
	h.addPosition(user, mkt, 600, 0)
	h.deposit(user, 250)

	wantHash := h.engine.StateHash()
	wantSeq := h.engine.Sequence()

	var logged []core.Output
	checker := &loggedOpsChecker{keys: make(map[string]bool)}
	for len(h.persist) > 0 {
		out := <-h.persist
		logged = append(logged, out)
		checker.keys[out.Envelope.EventType.String()+":"+out.Envelope.IdempotencyKey] = true
	}

	restarted := core.NewEngine(testParams(), 0, nil, nil, nil, nil)
	for _, out := range logged {
		evt, err := event.Decode(out.Envelope.EventType.String(), out.Envelope.Payload)
		if err != nil {
			t.Fatalf("decode %s: %v", out.Envelope.EventType, err)
		}
		if err := restarted.Process(evt); err != nil {
			t.Fatalf("replay %s at seq %d: %v", out.Envelope.EventType, out.Envelope.Sequence, err)
		}
	}

	if got := restarted.Sequence(); got != wantSeq {
		t.Errorf("sequence after replay = %d, want %d", got, wantSeq)
	}
	if got := restarted.StateHash(); got != wantHash {
		t.Errorf("state hash after replay = %x, want %x", got, wantHash)
	}
	if got := restarted.FundingBalance(user); got != 650 {
		t.Errorf("funding balance after replay = %d, want 650", got)
	}

	// With the event-log tier attached post-replay, a redelivered operation
	// is absorbed without touching state.
	restarted.AttachDedupDB(checker)
	redelivered, err := event.Decode(logged[0].Envelope.EventType.String(), logged[0].Envelope.Payload)
	if err != nil {
		t.Fatalf("decode redelivery: %v", err)
	}
	if err := restarted.Process(redelivered); err != nil {
		t.Fatalf("redelivery: %v", err)
	}
	if got := restarted.Sequence(); got != wantSeq {
		t.Errorf("sequence after redelivery = %d, want %d", got, wantSeq)
	}
	if got := restarted.FundingBalance(user); got != 650 {
		t.Errorf("funding balance after redelivery = %d, want 650", got)
	}
}

func TestDedupDBTierAttachesAfterReplay(t *testing.T) {
	user := uuid.New()
	deposit := func() *event.Deposited {
		return &event.Deposited{
			OpID: uuid.MustParse("3f1c0a52-8a52-4a7e-9a50-07a3a792f2a1"), UserID: user,
			Amount: 500, Sequence: 0, Timestamp: time.UnixMicro(1_700_000_000_000_000),
		}
	}
	checker := &loggedOpsChecker{keys: map[string]bool{
		event.TypeDeposited.String() + ":" + deposit().IdempotencyKey(): true,
	}}

	// A logged key reads as a duplicate through the DB tier, so an engine
	// holding the tier from the start cannot apply the log.
	attached := core.NewEngine(testParams(), 0, nil, nil, checker, nil)
	if err := attached.Process(deposit()); err != nil {
		t.Fatalf("process with attached tier: %v", err)
	}
	if got := attached.FundingBalance(user); got != 0 {
		t.Errorf("funding with attached tier = %d, want 0 (skipped as duplicate)", got)
	}
	if got := attached.Sequence(); got != 0 {
		t.Errorf("sequence with attached tier = %d, want 0", got)
	}

	// Replaying with the tier detached applies the event; attaching it
	// afterwards still catches the redelivery.
	replaying := core.NewEngine(testParams(), 0, nil, nil, nil, nil)
	if err := replaying.Process(deposit()); err != nil {
		t.Fatalf("replay with detached tier: %v", err)
	}
	if got := replaying.FundingBalance(user); got != 500 {
		t.Fatalf("funding after replay = %d, want 500", got)
	}

	replaying.AttachDedupDB(checker)
	if err := replaying.Process(deposit()); err != nil {
		t.Fatalf("redelivery: %v", err)
	}
	if got := replaying.FundingBalance(user); got != 500 {
		t.Errorf("funding after redelivery = %d, want 500", got)
	}
	if got := replaying.Sequence(); got != 1 {
		t.Errorf("sequence after redelivery = %d, want 1", got)
	}
}

func TestMarketAddedSequencedOnGlobalPartition(t *testing.T) {
	h := newHarness(t)
	h.deposit(uuid.New(), 100)

	// A logged MarketAdded carries the derived ID in its payload. It must
	// consume the same global slot the live submission consumed.
	evt := &event.MarketAdded{
		OpID: uuid.New(), Name: "ETH-PERP", Market: market.DeriveID("ETH-PERP").String(),
		Sequence: h.nextSeq("global"), Timestamp: h.ts(),
	}
	if err := h.engine.Process(evt); err != nil {
		t.Fatalf("market add with derived id: %v", err)
	}

	h.deposit(uuid.New(), 100)
}

func TestAddPositionCreditOverflowRejected(t *testing.T) {
	h := newHarness(t)
	winner := uuid.New()
	backer := uuid.New()

	h.deposit(winner, 100)
	h.deposit(backer, math.MaxInt64-100)
	mkt := h.addMarket("BTC-PERP")
	h.addPosition(winner, mkt, 100, 0)
	h.addPosition(backer, mkt, math.MaxInt64-100, 0)

	// Nothing in the loss pool: the whole profit defers as credit.
	h.closePosition(winner, mkt, math.MaxInt64, 0)
	if got := h.engine.ProfitCreditBalance(winner); got != math.MaxInt64-100 {
		t.Fatalf("profit credit = %d, want %d", got, int64(math.MaxInt64-100))
	}
	if got := h.engine.CustodiedReserve(); got != math.MaxInt64 {
		t.Fatalf("reserve = %d, want MaxInt64", got)
	}

	// Consuming that credit would push the reserve past MaxInt64.
	evt := &event.PositionAdded{
		OpID: uuid.New(), UserID: winner, Market: mkt, Size: math.MaxInt64, Fee: 0,
		Sequence: h.nextSeq("market:" + mkt), Timestamp: h.ts(),
	}
	err := h.engine.Process(evt)
	if !errors.Is(err, core.ErrInvalidAmount) {
		t.Fatalf("err = %v, want ErrInvalidAmount", err)
	}
	if got := h.engine.FundingBalance(winner); got != 100 {
		t.Errorf("funding = %d, want 100 (untouched)", got)
	}
	if got := h.engine.ProfitCreditBalance(winner); got != math.MaxInt64-100 {
		t.Errorf("profit credit = %d, want %d (untouched)", got, int64(math.MaxInt64-100))
	}
	if got := h.engine.CustodiedReserve(); got != math.MaxInt64 {
		t.Errorf("reserve = %d, want MaxInt64 (untouched)", got)
	}
}
