package ledger

import (
	"fmt"
)

// Books exposes the aggregate balances the conservation invariant binds.
type Books interface {
	// CustodiedReserve is the settlement-asset amount the system holds.
	CustodiedReserve() int64
	FundingReserve() int64
	TradingReserve() int64
	PendingTotal() int64
	LossPoolBalance() int64
	FeeReserve() int64
}

// InvariantValidator checks the conservation invariant against the books.
//
// The custodied reserve must equal the sum of every attributed ledger entry
// plus the two unattributed pools physically retained in custody: the loss
// pool (realized losses not yet paid to winners) and the collected
// funding-fee reserve. Profit credit is a deferred, unbacked claim and is
// deliberately excluded from the equality.
type InvariantValidator struct {
	books Books
}

func NewInvariantValidator(books Books) *InvariantValidator {
	return &InvariantValidator{books: books}
}

// ValidateConservation verifies the reserve equality. A violation means the
// ledger is corrupted; callers treat it as fatal.
func (v *InvariantValidator) ValidateConservation() error {
	reserve := v.books.CustodiedReserve()
	attributed := v.books.FundingReserve() + v.books.TradingReserve() + v.books.PendingTotal()
	retained := v.books.LossPoolBalance() + v.books.FeeReserve()

	if reserve != attributed+retained {
		return fmt.Errorf(
			"conservation violated: reserve=%d, funding=%d + trading=%d + pending=%d + loss_pool=%d + fee_reserve=%d = %d",
			reserve, v.books.FundingReserve(), v.books.TradingReserve(), v.books.PendingTotal(),
			v.books.LossPoolBalance(), v.books.FeeReserve(), attributed+retained)
	}

	return nil
}

// ValidateNonNegative verifies the pools that must never go negative.
func (v *InvariantValidator) ValidateNonNegative() error {
	if lp := v.books.LossPoolBalance(); lp < 0 {
		return fmt.Errorf("loss pool is negative: %d", lp)
	}
	if fr := v.books.FeeReserve(); fr < 0 {
		return fmt.Errorf("funding-fee reserve is negative: %d", fr)
	}
	return nil
}
