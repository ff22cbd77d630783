package state

import (
	"github.com/google/uuid"
)

// PendingWithdrawal is a user's accumulated withdrawal awaiting the delay.
type PendingWithdrawal struct {
	Amount      int64
	RequestedAt int64 // epoch microseconds of the most recent request
}

// PendingWithdrawalQueue tracks one outstanding pending-withdrawal batch per
// user. Additional withdrawals before a claim accumulate into the same
// pending amount and reset the delay clock.
// Not thread-safe; only accessed from the single-threaded engine.
type PendingWithdrawalQueue struct {
	pending map[uuid.UUID]PendingWithdrawal
	total   int64
}

func NewPendingWithdrawalQueue() *PendingWithdrawalQueue {
	return &PendingWithdrawalQueue{
		pending: make(map[uuid.UUID]PendingWithdrawal),
	}
}

// Accumulate adds amount to the user's pending batch and resets the clock.
func (q *PendingWithdrawalQueue) Accumulate(user uuid.UUID, amount int64, now int64) {
	p := q.pending[user]
	p.Amount += amount
	p.RequestedAt = now
	q.pending[user] = p
	q.total += amount
}

// Get returns the user's pending batch.
func (q *PendingWithdrawalQueue) Get(user uuid.UUID) PendingWithdrawal {
	return q.pending[user]
}

// Claimable reports whether the delay has elapsed for the user's batch.
func (q *PendingWithdrawalQueue) Claimable(user uuid.UUID, now int64, waitMicros int64) bool {
	p, ok := q.pending[user]
	if !ok || p.Amount == 0 {
		return false
	}
	return now >= p.RequestedAt+waitMicros
}

// Clear zeroes the user's pending batch and returns the claimed amount.
func (q *PendingWithdrawalQueue) Clear(user uuid.UUID) int64 {
	p := q.pending[user]
	delete(q.pending, user)
	q.total -= p.Amount
	return p.Amount
}

// Total returns the aggregate pending amount across all users.
func (q *PendingWithdrawalQueue) Total() int64 {
	return q.total
}

// Snapshot returns a copy of all pending batches.
func (q *PendingWithdrawalQueue) Snapshot() map[uuid.UUID]PendingWithdrawal {
	out := make(map[uuid.UUID]PendingWithdrawal, len(q.pending))
	for k, p := range q.pending {
		out[k] = p
	}
	return out
}

// Restore replaces the queue contents (snapshot recovery).
func (q *PendingWithdrawalQueue) Restore(pending map[uuid.UUID]PendingWithdrawal) {
	q.pending = make(map[uuid.UUID]PendingWithdrawal, len(pending))
	q.total = 0
	for k, p := range pending {
		q.pending[k] = p
		q.total += p.Amount
	}
}
