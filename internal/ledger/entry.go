package ledger

import (
	"fmt"

	"github.com/google/uuid"
)

// EntryType classifies a ledger entry by the operation that produced it.
type EntryType int32

const (
	EntryTypeDeposit EntryType = iota
	EntryTypeWithdrawalPending
	EntryTypeWithdrawalClaim
	EntryTypePositionAdd
	EntryTypePositionReduce
	EntryTypePositionCloseReturn
	EntryTypeProfitPayout
	EntryTypeProfitDeferred
	EntryTypeProfitCreditSpend
	EntryTypeLossSocialized
	EntryTypeFeeTreasury
	EntryTypeFeeInsurance
	EntryTypeOrderCancel
	EntryTypeOrderFill
	EntryTypeFundingCredit
	EntryTypeFundingDebit
	EntryTypeCollateralAdd
	EntryTypeCollateralReduce
	EntryTypeLiquidationReturn
	EntryTypeLiquidationLoss
)

var entryTypeNames = map[EntryType]string{
	EntryTypeDeposit:             "deposit",
	EntryTypeWithdrawalPending:   "withdrawal_pending",
	EntryTypeWithdrawalClaim:     "withdrawal_claim",
	EntryTypePositionAdd:         "position_add",
	EntryTypePositionReduce:      "position_reduce",
	EntryTypePositionCloseReturn: "position_close_return",
	EntryTypeProfitPayout:        "profit_payout",
	EntryTypeProfitDeferred:      "profit_deferred",
	EntryTypeProfitCreditSpend:   "profit_credit_spend",
	EntryTypeLossSocialized:      "loss_socialized",
	EntryTypeFeeTreasury:         "fee_treasury",
	EntryTypeFeeInsurance:        "fee_insurance",
	EntryTypeOrderCancel:         "order_cancel",
	EntryTypeOrderFill:           "order_fill",
	EntryTypeFundingCredit:       "funding_credit",
	EntryTypeFundingDebit:        "funding_debit",
	EntryTypeCollateralAdd:       "collateral_add",
	EntryTypeCollateralReduce:    "collateral_reduce",
	EntryTypeLiquidationReturn:   "liquidation_return",
	EntryTypeLiquidationLoss:     "liquidation_loss",
}

func (t EntryType) String() string {
	if name, ok := entryTypeNames[t]; ok {
		return name
	}
	return fmt.Sprintf("entry_type_%d", int32(t))
}

// Entry is a single double-entry record: a positive amount moving from the
// credit account to the debit account.
type Entry struct {
	EntryID   uuid.UUID
	BatchID   uuid.UUID
	OpRef     string // idempotency key of the source operation
	Sequence  int64
	Debit     AccountKey
	Credit    AccountKey
	Amount    int64 // always positive
	EntryType EntryType
	Timestamp int64 // epoch microseconds, versioned input
}

// Batch groups the entries produced by one operation.
type Batch struct {
	BatchID   uuid.UUID
	OpRef     string
	Sequence  int64
	Timestamp int64
	Entries   []Entry
}

// Validate ensures the batch is well-formed. Each entry is a balanced
// transfer by construction, so there is no separate debits-equal-credits
// check; multi-leg operations use multiple entries under one batch.
func (b *Batch) Validate() error {
	if len(b.Entries) == 0 {
		return fmt.Errorf("batch %s is empty", b.BatchID)
	}

	for _, e := range b.Entries {
		if e.Amount <= 0 {
			return fmt.Errorf("entry %s has non-positive amount: %d", e.EntryID, e.Amount)
		}
		if e.BatchID != b.BatchID {
			return fmt.Errorf("entry %s has mismatched batch_id", e.EntryID)
		}
		if e.Debit == e.Credit {
			return fmt.Errorf("entry %s has same debit and credit account", e.EntryID)
		}
	}

	return nil
}
