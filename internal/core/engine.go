package core

import (
	"encoding/json"
	"errors"
	"fmt"
	"sort"
	"time"

	"github.com/google/uuid"

	"marginledger/internal/event"
	"marginledger/internal/ledger"
	checked "marginledger/internal/math"
	"marginledger/internal/market"
	"marginledger/internal/observability"
	"marginledger/internal/state"
	"marginledger/internal/vault"
)

// Params holds the operator-tunable ledger parameters. All of them are
// updatable at runtime through a ParamsUpdated operation.
type Params struct {
	Treasury        string
	Insurance       string
	Operator        string
	SettlementAsset string
	WithdrawalWait  time.Duration
	PartialBatches  bool
}

// Engine is the single-threaded ledger processor. All state mutation happens
// here, one operation at a time, fed from the ingestion shell.
type Engine struct {
	params   Params
	sequence int64
	hasher   *StateHasher

	registry     *market.Registry
	funding      *vault.FundingVault
	trading      *vault.TradingVault
	pending      *state.PendingWithdrawalQueue
	lossPool     *state.LossPool
	profitCredit *state.ProfitCreditBook
	sinks        *state.CollateralSinks

	// reserve is the custodied settlement-asset amount. It grows on deposits
	// and profit-credit consumption, and shrinks on claims and external fee
	// routing (treasury, insurance).
	reserve int64

	validator         *ledger.InvariantValidator
	dedup             *OpDeduper
	sequenceValidator *SequenceValidator
	metrics           *observability.Metrics

	persistChan    chan<- Output
	projectionChan chan<- Output
}

// Output carries one processed operation to the persistence and projection
// workers.
type Output struct {
	Envelope *event.Envelope
	Batch    *ledger.Batch
}

func NewEngine(
	params Params,
	startSequence int64,
	persistChan, projectionChan chan<- Output,
	dbChecker DBDedupChecker,
	metrics *observability.Metrics,
) *Engine {
	e := &Engine{
		params:            params,
		sequence:          startSequence,
		hasher:            NewStateHasher(),
		registry:          market.NewRegistry(),
		funding:           vault.NewFundingVault(),
		trading:           vault.NewTradingVault(),
		pending:           state.NewPendingWithdrawalQueue(),
		lossPool:          state.NewLossPool(),
		profitCredit:      state.NewProfitCreditBook(),
		sinks:             state.NewCollateralSinks(),
		dedup:             NewOpDeduper(1_000_000, dbChecker, metrics),
		sequenceValidator: NewSequenceValidator(),
		metrics:           metrics,
		persistChan:       persistChan,
		projectionChan:    projectionChan,
	}
	e.validator = ledger.NewInvariantValidator(e)
	return e
}

// AttachDedupDB plugs the event-log dedup tier into the engine. It must be
// called only after startup replay: with the tier attached, every event
// already in the log reads as a duplicate and replay would apply nothing.
func (e *Engine) AttachDedupDB(dbChecker DBDedupChecker) {
	e.dedup.AttachDB(dbChecker)
}

// --- ledger.Books ---

func (e *Engine) CustodiedReserve() int64 { return e.reserve }
func (e *Engine) FundingReserve() int64   { return e.funding.Reserve() }
func (e *Engine) TradingReserve() int64   { return e.trading.Reserve() }
func (e *Engine) PendingTotal() int64     { return e.pending.Total() }
func (e *Engine) LossPoolBalance() int64  { return e.lossPool.Balance() }
func (e *Engine) FeeReserve() int64       { return e.sinks.FeeReserve() }

// Process is the main processing pipeline for a single operation.
func (e *Engine) Process(op event.Event) error {
	start := time.Now()
	opType := op.EventType().String()
	opID := op.IdempotencyKey()

	// Step 1: Idempotency check (two-tier)
	isDuplicate := e.dedup.IsDuplicate(opType, opID)

	// Step 2: Source-sequence validation
	partition := e.getPartition(op)
	if err := e.sequenceValidator.ValidateSequence(partition, op.SourceSequence(), isDuplicate); err != nil {
		if e.metrics != nil {
			switch {
			case errors.Is(err, ErrSequenceGap):
				e.metrics.OpSequenceGap.WithLabelValues(partition).Inc()
			case errors.Is(err, ErrOutOfOrder):
				e.metrics.OpOutOfOrder.WithLabelValues(partition).Inc()
			}
		}
		return fmt.Errorf("sequence validation failed: %w", err)
	}

	// If duplicate, skip processing
	if isDuplicate {
		if e.metrics != nil {
			e.metrics.OpsRejected.WithLabelValues(opType, "duplicate").Inc()
		}
		return nil
	}

	// Step 3: Dispatch. Handlers validate fully before mutating, so an error
	// here means no state changed.
	batch, err := e.dispatch(op)
	if err != nil {
		if e.metrics != nil {
			e.metrics.OpsRejected.WithLabelValues(opType, ErrorCode(err)).Inc()
		}
		return err
	}

	// Steps 4-7: seal, post-check, emit, mark processed
	output := e.seal(op, batch)
	e.postCheckInvariants()
	e.emit(output)
	e.dedup.MarkProcessed(opType, opID)

	if e.metrics != nil {
		e.metrics.OpsApplied.WithLabelValues(opType).Inc()
		e.metrics.OpDuration.WithLabelValues(opType).Observe(time.Since(start).Seconds())
		for _, entry := range batch.Entries {
			e.metrics.EntriesTotal.WithLabelValues(entry.EntryType.String()).Inc()
		}
		e.recordGauges()
	}

	return nil
}

// seal computes the state hash and wraps the operation into an envelope.
// Consumes one engine sequence.
func (e *Engine) seal(op event.Event, batch *ledger.Batch) Output {
	prevHash := e.hasher.GetPrevHash()
	stateDigest := e.computeStateDigest(batch)
	stateHash := e.hasher.ComputeHash(e.sequence, stateDigest)

	payload, err := json.Marshal(op)
	if err != nil {
		panic(fmt.Sprintf("FATAL: cannot marshal %s payload: %v", op.EventType(), err))
	}

	envelope := &event.Envelope{
		Sequence:       e.sequence,
		IdempotencyKey: op.IdempotencyKey(),
		EventType:      op.EventType(),
		MarketID:       op.MarketID(),
		Timestamp:      e.getOpTimestamp(op),
		SourceSequence: op.SourceSequence(),
		Payload:        payload,
		StateHash:      stateHash,
		PrevHash:       prevHash,
	}

	e.sequence++

	return Output{Envelope: envelope, Batch: batch}
}

// postCheckInvariants validates conservation after every mutating call.
// A violation means the ledger is corrupted and the process must not
// continue emitting state.
func (e *Engine) postCheckInvariants() {
	if err := e.validator.ValidateConservation(); err != nil {
		panic(fmt.Sprintf("FATAL: invariant violated: %v", err))
	}
	if err := e.validator.ValidateNonNegative(); err != nil {
		panic(fmt.Sprintf("FATAL: invariant violated: %v", err))
	}
}

// emit sends the output to the persistence and projection workers.
// Persist channel uses a BLOCKING send (backpressure, no event loss);
// projection channel is non-blocking with drop (projections rebuild from
// the event log if they fall behind).
func (e *Engine) emit(output Output) {
	if e.persistChan != nil {
		select {
		case e.persistChan <- output:
		default:
			if e.metrics != nil {
				e.metrics.PersistBackpressure.Inc()
			}
			e.persistChan <- output
		}
	}

	if e.projectionChan != nil {
		select {
		case e.projectionChan <- output:
		default:
			// Dropped; projection catches up via rebuild
		}
	}
}

func (e *Engine) recordGauges() {
	e.metrics.CoreSequence.Set(float64(e.sequence))
	e.metrics.LossPoolGauge.Set(float64(e.lossPool.Balance()))
	e.metrics.ProfitCreditGauge.Set(float64(e.profitCredit.Total()))
	e.metrics.ReserveGauge.Set(float64(e.reserve))
	e.metrics.PendingGauge.Set(float64(e.pending.Total()))
}

// getPartition determines the partition key for sequence validation.
func (e *Engine) getPartition(op event.Event) string {
	// MarketAdded derives its market ID inside the handler, so the sealed
	// payload carries an ID the live submission did not have. Both forms
	// sequence on the global partition.
	if _, ok := op.(*event.MarketAdded); ok {
		return "global"
	}
	if marketID := op.MarketID(); marketID != nil {
		return fmt.Sprintf("market:%s", *marketID)
	}
	return "global"
}

// getOpTimestamp extracts the versioned timestamp from the operation.
// The engine never calls time.Now() for state: all timestamps are inputs.
func (e *Engine) getOpTimestamp(op event.Event) time.Time {
	switch o := op.(type) {
	case *event.Deposited:
		return o.Timestamp
	case *event.WithdrawalRequested:
		return o.Timestamp
	case *event.WithdrawalClaimed:
		return o.Timestamp
	case *event.MarketAdded:
		return o.Timestamp
	case *event.PositionAdded:
		return o.Timestamp
	case *event.PositionReduced:
		return o.Timestamp
	case *event.PositionClosed:
		return o.Timestamp
	case *event.OrderCancelled:
		return o.Timestamp
	case *event.OrderFilled:
		return o.Timestamp
	case *event.FundingFeeSettled:
		return o.Timestamp
	case *event.CollateralAdded:
		return o.Timestamp
	case *event.CollateralReduced:
		return o.Timestamp
	case *event.PositionLiquidated:
		return o.Timestamp
	case *event.BatchProcessed:
		return o.Timestamp
	case *event.ParamsUpdated:
		return o.Timestamp
	default:
		panic(fmt.Sprintf("FATAL: getOpTimestamp called with unhandled type %T", op))
	}
}

func (e *Engine) dispatch(op event.Event) (*ledger.Batch, error) {
	switch o := op.(type) {
	case *event.Deposited:
		return e.handleDeposit(o)
	case *event.WithdrawalRequested:
		return e.handleWithdraw(o)
	case *event.WithdrawalClaimed:
		return e.handleClaim(o)
	case *event.MarketAdded:
		return e.handleAddMarket(o)
	case *event.PositionAdded:
		return e.handleAddPosition(o)
	case *event.PositionReduced:
		return e.handleReducePosition(o)
	case *event.PositionClosed:
		return e.handleClosePosition(o)
	case *event.OrderCancelled:
		return e.handleCancelOrder(o)
	case *event.OrderFilled:
		return e.handleFillOrder(o)
	case *event.FundingFeeSettled:
		return e.handleSettleFundingFee(o)
	case *event.CollateralAdded:
		return e.handleAddCollateral(o)
	case *event.CollateralReduced:
		return e.handleReduceCollateral(o)
	case *event.PositionLiquidated:
		return e.handleLiquidate(o)
	case *event.ParamsUpdated:
		return e.handleParamsUpdate(o)
	case *event.BatchProcessed:
		// Batch summaries are state-only. They reach dispatch during replay;
		// live batches go through ProcessBatch.
		return e.emptyBatch(o), nil
	default:
		return nil, fmt.Errorf("unknown operation type %T: %w", op, ErrUnknownOperation)
	}
}

// --- Handlers ---
// Every handler validates the whole operation before the first mutation, so
// any returned error means the ledger is untouched.

func (e *Engine) handleDeposit(op *event.Deposited) (*ledger.Batch, error) {
	if op.Amount <= 0 {
		return nil, fmt.Errorf("deposit amount %d: %w", op.Amount, ErrInvalidAmount)
	}
	newReserve, ok := checked.CheckedAdd(e.reserve, op.Amount)
	if !ok {
		return nil, fmt.Errorf("deposit amount %d overflows reserve: %w", op.Amount, ErrInvalidAmount)
	}

	if err := e.funding.Deposit(op.UserID, op.Amount); err != nil {
		return nil, err
	}
	e.reserve = newReserve

	return e.newBatch(op, []entrySpec{{
		debit:  ledger.FundingAccount(op.UserID),
		credit: ledger.ExternalAccount(ledger.SubTypeReserve),
		amount: op.Amount,
		typ:    ledger.EntryTypeDeposit,
	}}), nil
}

func (e *Engine) handleWithdraw(op *event.WithdrawalRequested) (*ledger.Batch, error) {
	if op.Amount <= 0 {
		return nil, fmt.Errorf("withdraw amount %d: %w", op.Amount, ErrInvalidAmount)
	}
	if e.funding.Balance(op.UserID) < op.Amount {
		return nil, fmt.Errorf("withdraw: have=%d, need=%d: %w",
			e.funding.Balance(op.UserID), op.Amount, ErrInsufficientFunding)
	}

	if err := e.funding.Withdraw(op.UserID, op.Amount); err != nil {
		return nil, err
	}
	e.pending.Accumulate(op.UserID, op.Amount, op.Timestamp.UnixMicro())
	op.PendingTotal = e.pending.Get(op.UserID).Amount

	return e.newBatch(op, []entrySpec{{
		debit:  ledger.PendingAccount(op.UserID),
		credit: ledger.FundingAccount(op.UserID),
		amount: op.Amount,
		typ:    ledger.EntryTypeWithdrawalPending,
	}}), nil
}

func (e *Engine) handleClaim(op *event.WithdrawalClaimed) (*ledger.Batch, error) {
	now := op.Timestamp.UnixMicro()
	if !e.pending.Claimable(op.UserID, now, e.params.WithdrawalWait.Microseconds()) {
		p := e.pending.Get(op.UserID)
		return nil, fmt.Errorf("claim: pending=%d requested_at=%d now=%d wait=%s: %w",
			p.Amount, p.RequestedAt, now, e.params.WithdrawalWait, ErrWithdrawalLocked)
	}

	amount := e.pending.Clear(op.UserID)
	e.reserve -= amount
	op.Amount = amount

	return e.newBatch(op, []entrySpec{{
		debit:  ledger.ExternalAccount(ledger.SubTypeReserve),
		credit: ledger.PendingAccount(op.UserID),
		amount: amount,
		typ:    ledger.EntryTypeWithdrawalClaim,
	}}), nil
}

func (e *Engine) handleAddMarket(op *event.MarketAdded) (*ledger.Batch, error) {
	id, err := e.registry.Add(op.Name)
	if err != nil {
		return nil, fmt.Errorf("add market %q: %w", op.Name, ErrMarketExists)
	}
	op.Market = id.String()

	// State-only operation: no ledger entries, but the envelope still lands
	// in the event log.
	return e.emptyBatch(op), nil
}

func (e *Engine) handleAddPosition(op *event.PositionAdded) (*ledger.Batch, error) {
	mkt, err := e.requireMarket(op.Market)
	if err != nil {
		return nil, err
	}
	if op.Size <= 0 || op.Fee < 0 {
		return nil, fmt.Errorf("add position size=%d fee=%d: %w", op.Size, op.Fee, ErrInvalidAmount)
	}

	required, ok := checked.CheckedAdd(op.Size, op.Fee)
	if !ok {
		return nil, fmt.Errorf("add position size=%d fee=%d: %w", op.Size, op.Fee, ErrInvalidAmount)
	}
	fundingBal := e.funding.Balance(op.UserID)
	creditBal := e.profitCredit.Balance(op.UserID)
	if available, ok := checked.CheckedAdd(fundingBal, creditBal); !ok || available < required {
		return nil, fmt.Errorf("add position: funding=%d credit=%d need=%d: %w",
			fundingBal, creditBal, required, ErrInsufficientFunding)
	}

	// Credit is consumed only for the shortfall beyond the funding balance.
	fromFunding := required
	var creditUsed int64
	if fundingBal < required {
		fromFunding = fundingBal
		creditUsed = required - fundingBal
	}
	newReserve := e.reserve
	if creditUsed > 0 {
		var ok bool
		if newReserve, ok = checked.CheckedAdd(e.reserve, creditUsed); !ok {
			return nil, fmt.Errorf("add position credit=%d overflows reserve %d: %w",
				creditUsed, e.reserve, ErrInvalidAmount)
		}
	}

	if fromFunding > 0 {
		if err := e.funding.Withdraw(op.UserID, fromFunding); err != nil {
			return nil, err
		}
	}
	if creditUsed > 0 {
		e.profitCredit.Consume(op.UserID, creditUsed)
		// Spent credit settles against the reserve: the deferred claim is
		// realized as fresh custodied value locked into the position.
		e.reserve = newReserve
	}
	if err := e.trading.Deposit(op.UserID, mkt, required); err != nil {
		return nil, err
	}
	op.CreditUsed = creditUsed

	specs := make([]entrySpec, 0, 2)
	if fromFunding > 0 {
		specs = append(specs, entrySpec{
			debit:  ledger.TradingAccount(op.UserID, mkt),
			credit: ledger.FundingAccount(op.UserID),
			amount: fromFunding,
			typ:    ledger.EntryTypePositionAdd,
		})
	}
	if creditUsed > 0 {
		specs = append(specs, entrySpec{
			debit:  ledger.TradingAccount(op.UserID, mkt),
			credit: ledger.ProfitCreditAccount(op.UserID),
			amount: creditUsed,
			typ:    ledger.EntryTypeProfitCreditSpend,
		})
	}
	return e.newBatch(op, specs), nil
}

func (e *Engine) handleReducePosition(op *event.PositionReduced) (*ledger.Batch, error) {
	mkt, err := e.requireMarket(op.Market)
	if err != nil {
		return nil, err
	}
	if op.Size <= 0 || op.Fee < 0 {
		return nil, fmt.Errorf("reduce position size=%d fee=%d: %w", op.Size, op.Fee, ErrInvalidAmount)
	}

	required := op.Size + op.Fee
	if e.trading.Balance(op.UserID, mkt) < required {
		return nil, fmt.Errorf("reduce position: have=%d, need=%d: %w",
			e.trading.Balance(op.UserID, mkt), required, ErrInsufficientTrading)
	}

	if err := e.trading.Withdraw(op.UserID, mkt, required); err != nil {
		return nil, err
	}
	if err := e.funding.Deposit(op.UserID, op.Size); err != nil {
		return nil, err
	}
	if op.Fee > 0 {
		e.sinks.RouteTreasury(op.Fee)
		e.reserve -= op.Fee
	}

	specs := []entrySpec{{
		debit:  ledger.FundingAccount(op.UserID),
		credit: ledger.TradingAccount(op.UserID, mkt),
		amount: op.Size,
		typ:    ledger.EntryTypePositionReduce,
	}}
	if op.Fee > 0 {
		specs = append(specs, entrySpec{
			debit:  ledger.ExternalAccount(ledger.SubTypeTreasury),
			credit: ledger.TradingAccount(op.UserID, mkt),
			amount: op.Fee,
			typ:    ledger.EntryTypeFeeTreasury,
		})
	}
	return e.newBatch(op, specs), nil
}

// handleClosePosition settles the position's entire trading balance.
// Profit is paid only out of the loss pool; uncovered profit is deferred as
// profit credit. Losses are socialized into the pool.
func (e *Engine) handleClosePosition(op *event.PositionClosed) (*ledger.Batch, error) {
	mkt, err := e.requireMarket(op.Market)
	if err != nil {
		return nil, err
	}
	if op.ReturnedSize < 0 || op.Fee < 0 {
		return nil, fmt.Errorf("close position returned=%d fee=%d: %w",
			op.ReturnedSize, op.Fee, ErrInvalidAmount)
	}

	balance := e.trading.Balance(op.UserID, mkt)
	if balance < op.Fee || balance == 0 {
		return nil, fmt.Errorf("close position: have=%d, fee=%d: %w",
			balance, op.Fee, ErrInsufficientTrading)
	}

	// Solvency bound: the exchange must be able to honor the return out of
	// custodied position collateral.
	if op.ReturnedSize+op.Fee > e.trading.Reserve() {
		return nil, fmt.Errorf("close position: returned+fee=%d exceeds trading reserve %d: %w",
			op.ReturnedSize+op.Fee, e.trading.Reserve(), ErrMarketInsolvency)
	}

	netAfterFee := balance - op.Fee

	var paid, profit, loss, poolConsumed, deferred int64
	if op.ReturnedSize >= netAfterFee {
		profit = op.ReturnedSize - netAfterFee
		poolConsumed = profit
		if pool := e.lossPool.Balance(); poolConsumed > pool {
			poolConsumed = pool
		}
		paid = netAfterFee + poolConsumed
		deferred = profit - poolConsumed
	} else {
		loss = netAfterFee - op.ReturnedSize
		paid = op.ReturnedSize
	}

	// Second solvency bound: after settlement, custodied position collateral
	// plus the pool must still cover every outstanding deferred claim.
	tradingAfter := e.trading.Reserve() - balance
	poolAfter := e.lossPool.Balance() - poolConsumed + loss
	creditAfter := e.profitCredit.Total() + deferred
	if tradingAfter+poolAfter < creditAfter {
		return nil, fmt.Errorf("close position: trading=%d + pool=%d < outstanding credit=%d: %w",
			tradingAfter, poolAfter, creditAfter, ErrMarketInsolvency)
	}

	if err := e.trading.Withdraw(op.UserID, mkt, balance); err != nil {
		return nil, err
	}
	if paid > 0 {
		if err := e.funding.Deposit(op.UserID, paid); err != nil {
			return nil, err
		}
	}
	if poolConsumed > 0 {
		e.lossPool.Consume(poolConsumed)
	}
	if loss > 0 {
		e.lossPool.Fund(loss)
	}
	if deferred > 0 {
		e.profitCredit.Credit(op.UserID, deferred)
	}
	if op.Fee > 0 {
		e.sinks.RouteTreasury(op.Fee)
		e.reserve -= op.Fee
	}

	op.Paid = paid
	op.Profit = profit
	op.Loss = loss
	op.PoolConsumed = poolConsumed
	op.CreditDeferred = deferred

	specs := make([]entrySpec, 0, 4)
	if fromTrading := minInt64(paid, netAfterFee); fromTrading > 0 {
		specs = append(specs, entrySpec{
			debit:  ledger.FundingAccount(op.UserID),
			credit: ledger.TradingAccount(op.UserID, mkt),
			amount: fromTrading,
			typ:    ledger.EntryTypePositionCloseReturn,
		})
	}
	if poolConsumed > 0 {
		specs = append(specs, entrySpec{
			debit:  ledger.FundingAccount(op.UserID),
			credit: ledger.SystemAccount(ledger.SubTypeLossPool),
			amount: poolConsumed,
			typ:    ledger.EntryTypeProfitPayout,
		})
	}
	if deferred > 0 {
		specs = append(specs, entrySpec{
			debit:  ledger.ProfitCreditAccount(op.UserID),
			credit: ledger.ExternalAccount(ledger.SubTypeReserve),
			amount: deferred,
			typ:    ledger.EntryTypeProfitDeferred,
		})
	}
	if loss > 0 {
		specs = append(specs, entrySpec{
			debit:  ledger.SystemAccount(ledger.SubTypeLossPool),
			credit: ledger.TradingAccount(op.UserID, mkt),
			amount: loss,
			typ:    ledger.EntryTypeLossSocialized,
		})
	}
	if op.Fee > 0 {
		specs = append(specs, entrySpec{
			debit:  ledger.ExternalAccount(ledger.SubTypeTreasury),
			credit: ledger.TradingAccount(op.UserID, mkt),
			amount: op.Fee,
			typ:    ledger.EntryTypeFeeTreasury,
		})
	}
	return e.newBatch(op, specs), nil
}

func (e *Engine) handleCancelOrder(op *event.OrderCancelled) (*ledger.Batch, error) {
	mkt, err := e.requireMarket(op.Market)
	if err != nil {
		return nil, err
	}
	if op.Size <= 0 || op.Fee < 0 {
		return nil, fmt.Errorf("cancel order size=%d fee=%d: %w", op.Size, op.Fee, ErrInvalidAmount)
	}

	// Cancellation is a full refund: the reserved fee goes back to the user,
	// not to treasury.
	refund := op.Size + op.Fee
	if e.trading.Balance(op.UserID, mkt) < refund {
		return nil, fmt.Errorf("cancel order: have=%d, need=%d: %w",
			e.trading.Balance(op.UserID, mkt), refund, ErrInsufficientTrading)
	}

	if err := e.trading.Withdraw(op.UserID, mkt, refund); err != nil {
		return nil, err
	}
	if err := e.funding.Deposit(op.UserID, refund); err != nil {
		return nil, err
	}

	return e.newBatch(op, []entrySpec{{
		debit:  ledger.FundingAccount(op.UserID),
		credit: ledger.TradingAccount(op.UserID, mkt),
		amount: refund,
		typ:    ledger.EntryTypeOrderCancel,
	}}), nil
}

func (e *Engine) handleFillOrder(op *event.OrderFilled) (*ledger.Batch, error) {
	mkt, err := e.requireMarket(op.Market)
	if err != nil {
		return nil, err
	}
	if op.Fee <= 0 {
		return nil, fmt.Errorf("fill order fee=%d: %w", op.Fee, ErrInvalidAmount)
	}
	if e.trading.Balance(op.UserID, mkt) < op.Fee {
		return nil, fmt.Errorf("fill order: have=%d, fee=%d: %w",
			e.trading.Balance(op.UserID, mkt), op.Fee, ErrInsufficientTrading)
	}

	if err := e.trading.Withdraw(op.UserID, mkt, op.Fee); err != nil {
		return nil, err
	}
	e.sinks.RouteTreasury(op.Fee)
	e.reserve -= op.Fee

	return e.newBatch(op, []entrySpec{{
		debit:  ledger.ExternalAccount(ledger.SubTypeTreasury),
		credit: ledger.TradingAccount(op.UserID, mkt),
		amount: op.Fee,
		typ:    ledger.EntryTypeOrderFill,
	}}), nil
}

func (e *Engine) handleSettleFundingFee(op *event.FundingFeeSettled) (*ledger.Batch, error) {
	mkt, err := e.requireMarket(op.Market)
	if err != nil {
		return nil, err
	}
	if op.Amount <= 0 {
		return nil, fmt.Errorf("settle funding fee amount=%d: %w", op.Amount, ErrInvalidAmount)
	}

	if op.IsCredit {
		// Funding paid to the user, out of the collected-fee reserve.
		if e.sinks.FeeReserve() < op.Amount {
			return nil, fmt.Errorf("settle funding fee: reserve=%d, need=%d: %w",
				e.sinks.FeeReserve(), op.Amount, ErrInsufficientReserve)
		}
		e.sinks.DrawFeeReserve(op.Amount)
		if err := e.trading.Deposit(op.UserID, mkt, op.Amount); err != nil {
			return nil, err
		}
		return e.newBatch(op, []entrySpec{{
			debit:  ledger.TradingAccount(op.UserID, mkt),
			credit: ledger.SystemAccount(ledger.SubTypeFeeReserve),
			amount: op.Amount,
			typ:    ledger.EntryTypeFundingCredit,
		}}), nil
	}

	// Funding owed by the user, collected into the fee reserve.
	if e.trading.Balance(op.UserID, mkt) < op.Amount {
		return nil, fmt.Errorf("settle funding fee: have=%d, need=%d: %w",
			e.trading.Balance(op.UserID, mkt), op.Amount, ErrInsufficientTrading)
	}
	if err := e.trading.Withdraw(op.UserID, mkt, op.Amount); err != nil {
		return nil, err
	}
	e.sinks.FundFeeReserve(op.Amount)

	return e.newBatch(op, []entrySpec{{
		debit:  ledger.SystemAccount(ledger.SubTypeFeeReserve),
		credit: ledger.TradingAccount(op.UserID, mkt),
		amount: op.Amount,
		typ:    ledger.EntryTypeFundingDebit,
	}}), nil
}

func (e *Engine) handleAddCollateral(op *event.CollateralAdded) (*ledger.Batch, error) {
	mkt, err := e.requireMarket(op.Market)
	if err != nil {
		return nil, err
	}
	if op.Amount <= 0 {
		return nil, fmt.Errorf("add collateral amount=%d: %w", op.Amount, ErrInvalidAmount)
	}
	if e.funding.Balance(op.UserID) < op.Amount {
		return nil, fmt.Errorf("add collateral: have=%d, need=%d: %w",
			e.funding.Balance(op.UserID), op.Amount, ErrInsufficientFunding)
	}

	if err := e.funding.Withdraw(op.UserID, op.Amount); err != nil {
		return nil, err
	}
	if err := e.trading.Deposit(op.UserID, mkt, op.Amount); err != nil {
		return nil, err
	}

	return e.newBatch(op, []entrySpec{{
		debit:  ledger.TradingAccount(op.UserID, mkt),
		credit: ledger.FundingAccount(op.UserID),
		amount: op.Amount,
		typ:    ledger.EntryTypeCollateralAdd,
	}}), nil
}

func (e *Engine) handleReduceCollateral(op *event.CollateralReduced) (*ledger.Batch, error) {
	mkt, err := e.requireMarket(op.Market)
	if err != nil {
		return nil, err
	}
	if op.Amount <= 0 {
		return nil, fmt.Errorf("reduce collateral amount=%d: %w", op.Amount, ErrInvalidAmount)
	}
	if e.trading.Balance(op.UserID, mkt) < op.Amount {
		return nil, fmt.Errorf("reduce collateral: have=%d, need=%d: %w",
			e.trading.Balance(op.UserID, mkt), op.Amount, ErrInsufficientTrading)
	}

	if err := e.trading.Withdraw(op.UserID, mkt, op.Amount); err != nil {
		return nil, err
	}
	if err := e.funding.Deposit(op.UserID, op.Amount); err != nil {
		return nil, err
	}

	return e.newBatch(op, []entrySpec{{
		debit:  ledger.FundingAccount(op.UserID),
		credit: ledger.TradingAccount(op.UserID, mkt),
		amount: op.Amount,
		typ:    ledger.EntryTypeCollateralReduce,
	}}), nil
}

// handleLiquidate unwinds the position's entire balance: the residual after
// the returned amount and the liquidation fee is socialized into the loss
// pool. The fee is routed to the insurance fund, never treasury.
func (e *Engine) handleLiquidate(op *event.PositionLiquidated) (*ledger.Batch, error) {
	mkt, err := e.requireMarket(op.Market)
	if err != nil {
		return nil, err
	}
	if op.AmountReturned < 0 || op.Fee < 0 {
		return nil, fmt.Errorf("liquidate returned=%d fee=%d: %w",
			op.AmountReturned, op.Fee, ErrInvalidAmount)
	}

	balance := e.trading.Balance(op.UserID, mkt)
	if balance <= op.AmountReturned+op.Fee {
		return nil, fmt.Errorf("liquidate: have=%d, returned+fee=%d: %w",
			balance, op.AmountReturned+op.Fee, ErrInsufficientTrading)
	}
	loss := balance - op.AmountReturned - op.Fee

	if err := e.trading.Withdraw(op.UserID, mkt, balance); err != nil {
		return nil, err
	}
	if op.AmountReturned > 0 {
		if err := e.funding.Deposit(op.UserID, op.AmountReturned); err != nil {
			return nil, err
		}
	}
	e.lossPool.Fund(loss)
	if op.Fee > 0 {
		e.sinks.RouteInsurance(op.Fee)
		e.reserve -= op.Fee
	}
	op.Loss = loss

	specs := make([]entrySpec, 0, 3)
	if op.AmountReturned > 0 {
		specs = append(specs, entrySpec{
			debit:  ledger.FundingAccount(op.UserID),
			credit: ledger.TradingAccount(op.UserID, mkt),
			amount: op.AmountReturned,
			typ:    ledger.EntryTypeLiquidationReturn,
		})
	}
	specs = append(specs, entrySpec{
		debit:  ledger.SystemAccount(ledger.SubTypeLossPool),
		credit: ledger.TradingAccount(op.UserID, mkt),
		amount: loss,
		typ:    ledger.EntryTypeLiquidationLoss,
	})
	if op.Fee > 0 {
		specs = append(specs, entrySpec{
			debit:  ledger.ExternalAccount(ledger.SubTypeInsurance),
			credit: ledger.TradingAccount(op.UserID, mkt),
			amount: op.Fee,
			typ:    ledger.EntryTypeFeeInsurance,
		})
	}
	return e.newBatch(op, specs), nil
}

func (e *Engine) handleParamsUpdate(op *event.ParamsUpdated) (*ledger.Batch, error) {
	switch op.Param {
	case "treasury":
		e.params.Treasury = op.Value
	case "insurance":
		e.params.Insurance = op.Value
	case "operator":
		e.params.Operator = op.Value
	case "settlement_asset":
		e.params.SettlementAsset = op.Value
	case "withdrawal_wait":
		d, err := time.ParseDuration(op.Value)
		if err != nil || d < 0 {
			return nil, fmt.Errorf("params update withdrawal_wait=%q: %w", op.Value, ErrInvalidAmount)
		}
		e.params.WithdrawalWait = d
	case "partial_batches":
		switch op.Value {
		case "true":
			e.params.PartialBatches = true
		case "false":
			e.params.PartialBatches = false
		default:
			return nil, fmt.Errorf("params update partial_batches=%q: %w", op.Value, ErrInvalidAmount)
		}
	default:
		return nil, fmt.Errorf("params update: unknown param %q: %w", op.Param, ErrInvalidAmount)
	}

	return e.emptyBatch(op), nil
}

// --- Helpers ---

func (e *Engine) requireMarket(hexID string) (market.ID, error) {
	id, err := market.ParseID(hexID)
	if err != nil {
		return market.ID{}, fmt.Errorf("market %q: %w", hexID, ErrMarketNotFound)
	}
	if !e.registry.Exists(id) {
		return market.ID{}, fmt.Errorf("market %q: %w", hexID, ErrMarketNotFound)
	}
	return id, nil
}

type entrySpec struct {
	debit  ledger.AccountKey
	credit ledger.AccountKey
	amount int64
	typ    ledger.EntryType
}

func (e *Engine) newBatch(op event.Event, specs []entrySpec) *ledger.Batch {
	batchID := uuid.New()
	ts := e.getOpTimestamp(op).UnixMicro()
	batch := &ledger.Batch{
		BatchID:   batchID,
		OpRef:     op.IdempotencyKey(),
		Sequence:  e.sequence,
		Timestamp: ts,
		Entries:   make([]ledger.Entry, 0, len(specs)),
	}

	for _, s := range specs {
		batch.Entries = append(batch.Entries, ledger.Entry{
			EntryID:   uuid.New(),
			BatchID:   batchID,
			OpRef:     op.IdempotencyKey(),
			Sequence:  e.sequence,
			Debit:     s.debit,
			Credit:    s.credit,
			Amount:    s.amount,
			EntryType: s.typ,
			Timestamp: ts,
		})
	}

	if len(batch.Entries) > 0 {
		if err := batch.Validate(); err != nil {
			panic(fmt.Sprintf("FATAL: malformed batch: %v", err))
		}
	}
	return batch
}

func (e *Engine) emptyBatch(op event.Event) *ledger.Batch {
	return &ledger.Batch{
		BatchID:   uuid.New(),
		OpRef:     op.IdempotencyKey(),
		Sequence:  e.sequence,
		Timestamp: e.getOpTimestamp(op).UnixMicro(),
		Entries:   []ledger.Entry{},
	}
}

// accountBalance reads the current balance behind a ledger account key.
func (e *Engine) accountBalance(key ledger.AccountKey) int64 {
	switch key.Scope {
	case ledger.AccountScopeUser:
		switch key.SubType {
		case ledger.SubTypeFunding:
			return e.funding.Balance(key.User)
		case ledger.SubTypeTrading:
			return e.trading.Balance(key.User, key.Market)
		case ledger.SubTypePendingWithdrawal:
			return e.pending.Get(key.User).Amount
		case ledger.SubTypeProfitCredit:
			return e.profitCredit.Balance(key.User)
		}
	case ledger.AccountScopeSystem:
		switch key.SubType {
		case ledger.SubTypeLossPool:
			return e.lossPool.Balance()
		case ledger.SubTypeFeeReserve:
			return e.sinks.FeeReserve()
		}
	case ledger.AccountScopeExternal:
		switch key.SubType {
		case ledger.SubTypeReserve:
			return e.reserve
		case ledger.SubTypeTreasury:
			return e.sinks.TreasuryTotal()
		case ledger.SubTypeInsurance:
			return e.sinks.InsuranceTotal()
		}
	}
	return 0
}

// computeStateDigest creates canonical bytes over the accounts the batch
// touched, post-application.
func (e *Engine) computeStateDigest(batch *ledger.Batch) []byte {
	affected := make(map[ledger.AccountKey]bool)
	if batch != nil {
		for _, entry := range batch.Entries {
			affected[entry.Debit] = true
			affected[entry.Credit] = true
		}
	}

	accounts := make([]ledger.AccountKey, 0, len(affected))
	for key := range affected {
		accounts = append(accounts, key)
	}
	sort.Slice(accounts, func(i, j int) bool {
		return accounts[i].AccountPath() < accounts[j].AccountPath()
	})

	digest := make([]byte, 0, len(accounts)*64)
	for _, key := range accounts {
		path := key.AccountPath()
		digest = append(digest, byte(len(path)))
		digest = append(digest, []byte(path)...)
		digest = appendInt64LE(digest, e.accountBalance(key))
	}
	return digest
}

func appendInt64LE(buf []byte, v int64) []byte {
	return append(buf,
		byte(v),
		byte(v>>8),
		byte(v>>16),
		byte(v>>24),
		byte(v>>32),
		byte(v>>40),
		byte(v>>48),
		byte(v>>56),
	)
}

func minInt64(a, b int64) int64 {
	if a < b {
		return a
	}
	return b
}

// --- Read surface for the query service and tests ---

func (e *Engine) Params() Params { return e.params }

func (e *Engine) Sequence() int64 { return e.sequence }

func (e *Engine) StateHash() [32]byte { return e.hasher.GetPrevHash() }

func (e *Engine) FundingBalance(user uuid.UUID) int64 { return e.funding.Balance(user) }

func (e *Engine) TradingBalance(user uuid.UUID, mkt market.ID) int64 {
	return e.trading.Balance(user, mkt)
}

// TotalBalance is the user's full claim on the system: funding plus trading
// across all registered markets, pending withdrawals, and deferred profit
// credit.
func (e *Engine) TotalBalance(user uuid.UUID) int64 {
	return e.funding.Balance(user) +
		e.trading.TotalBalance(user, e.registry.All()) +
		e.pending.Get(user).Amount +
		e.profitCredit.Balance(user)
}

func (e *Engine) ProfitCreditBalance(user uuid.UUID) int64 {
	return e.profitCredit.Balance(user)
}

func (e *Engine) PendingWithdrawal(user uuid.UUID) state.PendingWithdrawal {
	return e.pending.Get(user)
}

func (e *Engine) Markets() *market.Registry { return e.registry }
