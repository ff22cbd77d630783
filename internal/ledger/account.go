package ledger

import (
	"fmt"

	"github.com/google/uuid"

	"marginledger/internal/market"
)

// AccountScope is the top-level account namespace.
type AccountScope uint8

const (
	AccountScopeUser AccountScope = iota
	AccountScopeSystem
	AccountScopeExternal
)

// AccountSubType identifies the account purpose within a scope.
type AccountSubType uint8

const (
	// User sub-types
	SubTypeFunding AccountSubType = iota
	SubTypeTrading
	SubTypePendingWithdrawal
	SubTypeProfitCredit

	// System sub-types
	SubTypeLossPool
	SubTypeFeeReserve

	// External sub-types
	SubTypeReserve
	SubTypeTreasury
	SubTypeInsurance
)

// AccountKey identifies a ledger account for audit entries. The balances
// themselves live in the vaults and engine state; entries record how value
// moved between accounts.
type AccountKey struct {
	Scope   AccountScope
	User    uuid.UUID // zero for system/external accounts
	Market  market.ID // set only for trading accounts
	SubType AccountSubType
}

// FundingAccount keys a user's free-collateral account.
func FundingAccount(user uuid.UUID) AccountKey {
	return AccountKey{Scope: AccountScopeUser, User: user, SubType: SubTypeFunding}
}

// TradingAccount keys a user's locked-collateral account in one market.
func TradingAccount(user uuid.UUID, mkt market.ID) AccountKey {
	return AccountKey{Scope: AccountScopeUser, User: user, Market: mkt, SubType: SubTypeTrading}
}

// PendingAccount keys a user's pending-withdrawal account.
func PendingAccount(user uuid.UUID) AccountKey {
	return AccountKey{Scope: AccountScopeUser, User: user, SubType: SubTypePendingWithdrawal}
}

// ProfitCreditAccount keys a user's deferred-profit claim account.
func ProfitCreditAccount(user uuid.UUID) AccountKey {
	return AccountKey{Scope: AccountScopeUser, User: user, SubType: SubTypeProfitCredit}
}

// SystemAccount keys a system accumulator (loss pool, fee reserve).
func SystemAccount(subType AccountSubType) AccountKey {
	return AccountKey{Scope: AccountScopeSystem, SubType: subType}
}

// ExternalAccount keys a custody boundary (reserve, treasury, insurance).
func ExternalAccount(subType AccountSubType) AccountKey {
	return AccountKey{Scope: AccountScopeExternal, SubType: subType}
}

// AccountPath returns the string representation for storage and logging.
func (k AccountKey) AccountPath() string {
	switch k.Scope {
	case AccountScopeUser:
		if k.SubType == SubTypeTrading {
			return fmt.Sprintf("user:%s:trading:%s", k.User, k.Market)
		}
		return fmt.Sprintf("user:%s:%s", k.User, k.subTypeName())
	case AccountScopeSystem:
		return fmt.Sprintf("system:%s", k.subTypeName())
	case AccountScopeExternal:
		return fmt.Sprintf("external:%s", k.subTypeName())
	}
	return "unknown"
}

func (k AccountKey) subTypeName() string {
	switch k.SubType {
	case SubTypeFunding:
		return "funding"
	case SubTypeTrading:
		return "trading"
	case SubTypePendingWithdrawal:
		return "pending_withdrawal"
	case SubTypeProfitCredit:
		return "profit_credit"
	case SubTypeLossPool:
		return "loss_pool"
	case SubTypeFeeReserve:
		return "fee_reserve"
	case SubTypeReserve:
		return "reserve"
	case SubTypeTreasury:
		return "treasury"
	case SubTypeInsurance:
		return "insurance"
	default:
		return "unknown"
	}
}
