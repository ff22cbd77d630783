package query

import (
	"github.com/google/uuid"
)

// BalanceResponse reports a user's collateral across all accounts. All
// figures come from the balance projection, so AsOfSequence tells
// callers how fresh they are relative to the event log.
type BalanceResponse struct {
	UserID uuid.UUID `json:"user_id"`

	FundingBalance    int64           `json:"funding_balance"`
	TradingBalances   []MarketBalance `json:"trading_balances"`
	TradingTotal      int64           `json:"trading_total"`
	PendingWithdrawal int64           `json:"pending_withdrawal"`
	ProfitCredit      int64           `json:"profit_credit"`

	// TotalBalance includes the profit credit claim even though it is
	// not yet backed by custody.
	TotalBalance int64 `json:"total_balance"`

	AsOfSequence int64 `json:"as_of_sequence"`
}

// MarketBalance is a user's locked collateral in one market.
type MarketBalance struct {
	MarketID string `json:"market_id"`
	Balance  int64  `json:"balance"`
}

// SystemResponse reports the shared accumulator and custody accounts.
type SystemResponse struct {
	LossPool     int64 `json:"loss_pool"`
	FeeReserve   int64 `json:"fee_reserve"`
	Treasury     int64 `json:"treasury"`
	Insurance    int64 `json:"insurance"`
	Reserve      int64 `json:"reserve"`
	AsOfSequence int64 `json:"as_of_sequence"`
}
