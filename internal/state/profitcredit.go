package state

import "github.com/google/uuid"

// ProfitCreditBook records, per user, realized profit the loss pool could not
// cover at close time. Credits are additive and never cleared automatically;
// they are consumed only when a user applies them toward opening a position.
// Not thread-safe; only accessed from the single-threaded engine.
type ProfitCreditBook struct {
	credits map[uuid.UUID]int64
	total   int64
}

func NewProfitCreditBook() *ProfitCreditBook {
	return &ProfitCreditBook{
		credits: make(map[uuid.UUID]int64),
	}
}

// Credit records deferred profit owed to the user.
func (b *ProfitCreditBook) Credit(user uuid.UUID, amount int64) {
	if amount <= 0 {
		return
	}
	b.credits[user] += amount
	b.total += amount
}

// Consume draws up to amount from the user's credit and returns the amount
// actually drawn.
func (b *ProfitCreditBook) Consume(user uuid.UUID, amount int64) int64 {
	drawn := amount
	if drawn > b.credits[user] {
		drawn = b.credits[user]
	}
	b.credits[user] -= drawn
	b.total -= drawn
	if b.credits[user] == 0 {
		delete(b.credits, user)
	}
	return drawn
}

// Balance returns the user's outstanding credit.
func (b *ProfitCreditBook) Balance(user uuid.UUID) int64 {
	return b.credits[user]
}

// Total returns the aggregate outstanding credit across all users.
func (b *ProfitCreditBook) Total() int64 {
	return b.total
}

// Snapshot returns a copy of all credits.
func (b *ProfitCreditBook) Snapshot() map[uuid.UUID]int64 {
	out := make(map[uuid.UUID]int64, len(b.credits))
	for k, c := range b.credits {
		out[k] = c
	}
	return out
}

// Restore replaces the book contents (snapshot recovery).
func (b *ProfitCreditBook) Restore(credits map[uuid.UUID]int64) {
	b.credits = make(map[uuid.UUID]int64, len(credits))
	b.total = 0
	for k, c := range credits {
		b.credits[k] = c
		b.total += c
	}
}
