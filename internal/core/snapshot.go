package core

import (
	"github.com/google/uuid"

	"marginledger/internal/market"
	"marginledger/internal/state"
	"marginledger/internal/vault"
)

// SnapshotState holds the full serializable engine state. It serves two
// callers: the persistence snapshot manager (startup recovery) and the
// batch dispatcher (atomic rollback).
type SnapshotState struct {
	Sequence  int64
	StateHash [32]byte

	Reserve         int64
	Markets         []MarketEntry
	FundingBalances map[uuid.UUID]int64
	TradingBalances map[vault.TradingKey]int64
	Pending         map[uuid.UUID]state.PendingWithdrawal
	LossPool        int64
	ProfitCredits   map[uuid.UUID]int64
	TreasuryTotal   int64
	InsuranceTotal  int64
	FeeReserve      int64

	Params          Params
	SequenceState   map[string]int64
	IdempotencyKeys []string
}

// MarketEntry preserves registry insertion order across snapshots.
type MarketEntry struct {
	ID   market.ID
	Name string
}

// CaptureSnapshotState copies the current engine state.
func (e *Engine) CaptureSnapshotState() *SnapshotState {
	markets := make([]MarketEntry, 0, e.registry.Len())
	for _, id := range e.registry.All() {
		name, _ := e.registry.Name(id)
		markets = append(markets, MarketEntry{ID: id, Name: name})
	}

	return &SnapshotState{
		Sequence:        e.sequence,
		StateHash:       e.hasher.GetPrevHash(),
		Reserve:         e.reserve,
		Markets:         markets,
		FundingBalances: e.funding.Snapshot(),
		TradingBalances: e.trading.Snapshot(),
		Pending:         e.pending.Snapshot(),
		LossPool:        e.lossPool.Balance(),
		ProfitCredits:   e.profitCredit.Snapshot(),
		TreasuryTotal:   e.sinks.TreasuryTotal(),
		InsuranceTotal:  e.sinks.InsuranceTotal(),
		FeeReserve:      e.sinks.FeeReserve(),
		Params:          e.params,
		SequenceState:   e.sequenceValidator.AllPartitions(),
		IdempotencyKeys: e.dedup.Keys(),
	}
}

// RestoreFromSnapshotState replaces the engine state with the snapshot.
// The registry is rebuilt rather than patched so a rollback also discards
// markets that never existed at capture time.
func (e *Engine) RestoreFromSnapshotState(snap *SnapshotState) {
	e.sequence = snap.Sequence
	e.hasher.SetPrevHash(snap.StateHash)
	e.reserve = snap.Reserve

	registry := market.NewRegistry()
	for _, m := range snap.Markets {
		registry.Restore(m.ID, m.Name)
	}
	e.registry = registry

	e.funding.Restore(snap.FundingBalances)
	e.trading.Restore(snap.TradingBalances)
	e.pending.Restore(snap.Pending)
	e.lossPool.Restore(snap.LossPool)
	e.profitCredit.Restore(snap.ProfitCredits)
	e.sinks.Restore(snap.TreasuryTotal, snap.InsuranceTotal, snap.FeeReserve)
	e.params = snap.Params

	e.sequenceValidator = NewSequenceValidator()
	for partition, next := range snap.SequenceState {
		e.sequenceValidator.RestorePartition(partition, next)
	}

	e.dedup.Warm(snap.IdempotencyKeys)
}
