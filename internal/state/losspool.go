package state

import "fmt"

// LossPool is the shared accumulator of realized losses. It funds winners'
// realized profit and never goes negative.
// Not thread-safe; only accessed from the single-threaded engine.
type LossPool struct {
	balance int64
}

func NewLossPool() *LossPool {
	return &LossPool{}
}

// Balance returns the current pool balance.
func (p *LossPool) Balance() int64 {
	return p.balance
}

// Fund adds a realized loss to the pool.
func (p *LossPool) Fund(amount int64) {
	if amount < 0 {
		panic(fmt.Sprintf("FATAL: loss pool funded with negative amount %d", amount))
	}
	p.balance += amount
}

// Consume draws up to amount from the pool, bounded so the pool never goes
// negative. Returns the amount actually drawn.
func (p *LossPool) Consume(amount int64) int64 {
	if amount < 0 {
		panic(fmt.Sprintf("FATAL: loss pool consume with negative amount %d", amount))
	}
	drawn := amount
	if drawn > p.balance {
		drawn = p.balance
	}
	p.balance -= drawn
	return drawn
}

// Restore sets the pool balance (snapshot recovery).
func (p *LossPool) Restore(balance int64) {
	p.balance = balance
}
