package vault

import (
	"errors"
	"fmt"
	"math"

	"github.com/google/uuid"

	"marginledger/internal/market"
)

// ErrInsufficientBalance is returned when a debit exceeds the ledger entry.
var ErrInsufficientBalance = errors.New("insufficient balance")

// ErrOverflow is returned when a credit would overflow the ledger entry.
var ErrOverflow = errors.New("balance overflow")

// FundingVault is the per-user ledger of free collateral.
// Not thread-safe; only accessed from the single-threaded engine.
type FundingVault struct {
	balances map[uuid.UUID]int64
	total    int64
}

func NewFundingVault() *FundingVault {
	return &FundingVault{
		balances: make(map[uuid.UUID]int64),
	}
}

// Deposit credits the user's funding balance.
func (v *FundingVault) Deposit(user uuid.UUID, amount int64) error {
	if amount <= 0 {
		return fmt.Errorf("funding deposit amount must be positive, got %d", amount)
	}
	if err := checkedAdd(v.balances[user], amount); err != nil {
		return fmt.Errorf("funding deposit for %s: %w", user, err)
	}
	v.balances[user] += amount
	v.total += amount
	return nil
}

// Withdraw debits exactly amount from the user's funding balance.
func (v *FundingVault) Withdraw(user uuid.UUID, amount int64) error {
	if amount <= 0 {
		return fmt.Errorf("funding withdraw amount must be positive, got %d", amount)
	}
	if v.balances[user] < amount {
		return fmt.Errorf("funding withdraw for %s: have=%d, need=%d: %w",
			user, v.balances[user], amount, ErrInsufficientBalance)
	}
	v.balances[user] -= amount
	v.total -= amount
	return nil
}

// Balance returns the user's funding balance. Unknown users hold zero.
func (v *FundingVault) Balance(user uuid.UUID) int64 {
	return v.balances[user]
}

// Reserve returns the aggregate funding balance across all users.
func (v *FundingVault) Reserve() int64 {
	return v.total
}

// Snapshot returns a copy of all balances.
func (v *FundingVault) Snapshot() map[uuid.UUID]int64 {
	out := make(map[uuid.UUID]int64, len(v.balances))
	for k, b := range v.balances {
		out[k] = b
	}
	return out
}

// Restore replaces the vault contents (snapshot recovery).
func (v *FundingVault) Restore(balances map[uuid.UUID]int64) {
	v.balances = make(map[uuid.UUID]int64, len(balances))
	v.total = 0
	for k, b := range balances {
		v.balances[k] = b
		v.total += b
	}
}

// TradingKey identifies a (user, market) trading balance.
type TradingKey struct {
	User   uuid.UUID
	Market market.ID
}

// TradingVault is the per-(user, market) ledger of position-locked collateral.
// Not thread-safe; only accessed from the single-threaded engine.
type TradingVault struct {
	balances map[TradingKey]int64
	total    int64
}

func NewTradingVault() *TradingVault {
	return &TradingVault{
		balances: make(map[TradingKey]int64),
	}
}

// Deposit credits the (user, market) trading balance.
func (v *TradingVault) Deposit(user uuid.UUID, mkt market.ID, amount int64) error {
	if amount <= 0 {
		return fmt.Errorf("trading deposit amount must be positive, got %d", amount)
	}
	key := TradingKey{User: user, Market: mkt}
	if err := checkedAdd(v.balances[key], amount); err != nil {
		return fmt.Errorf("trading deposit for %s in %s: %w", user, mkt, err)
	}
	v.balances[key] += amount
	v.total += amount
	return nil
}

// Withdraw debits exactly amount from the (user, market) trading balance.
func (v *TradingVault) Withdraw(user uuid.UUID, mkt market.ID, amount int64) error {
	if amount <= 0 {
		return fmt.Errorf("trading withdraw amount must be positive, got %d", amount)
	}
	key := TradingKey{User: user, Market: mkt}
	if v.balances[key] < amount {
		return fmt.Errorf("trading withdraw for %s in %s: have=%d, need=%d: %w",
			user, mkt, v.balances[key], amount, ErrInsufficientBalance)
	}
	v.balances[key] -= amount
	v.total -= amount
	return nil
}

// Balance returns the (user, market) trading balance.
func (v *TradingVault) Balance(user uuid.UUID, mkt market.ID) int64 {
	return v.balances[TradingKey{User: user, Market: mkt}]
}

// TotalBalance sums the user's trading balances across the given markets.
func (v *TradingVault) TotalBalance(user uuid.UUID, markets []market.ID) int64 {
	var sum int64
	for _, m := range markets {
		sum += v.balances[TradingKey{User: user, Market: m}]
	}
	return sum
}

// Reserve returns the aggregate trading balance across all keys.
func (v *TradingVault) Reserve() int64 {
	return v.total
}

// Snapshot returns a copy of all balances.
func (v *TradingVault) Snapshot() map[TradingKey]int64 {
	out := make(map[TradingKey]int64, len(v.balances))
	for k, b := range v.balances {
		out[k] = b
	}
	return out
}

// Restore replaces the vault contents (snapshot recovery).
func (v *TradingVault) Restore(balances map[TradingKey]int64) {
	v.balances = make(map[TradingKey]int64, len(balances))
	v.total = 0
	for k, b := range balances {
		v.balances[k] = b
		v.total += b
	}
}

func checkedAdd(balance, amount int64) error {
	if balance > math.MaxInt64-amount {
		return ErrOverflow
	}
	return nil
}
