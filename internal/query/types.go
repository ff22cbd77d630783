package query

import "time"

// LedgerEntryRecord is one double-entry row from the audit log.
type LedgerEntryRecord struct {
	EntryID       string `json:"entry_id"`
	BatchID       string `json:"batch_id"`
	OpRef         string `json:"op_ref"`
	Sequence      int64  `json:"sequence"`
	DebitAccount  string `json:"debit_account"`
	CreditAccount string `json:"credit_account"`
	Amount        int64  `json:"amount"`
	EntryType     int32  `json:"entry_type"`
	Timestamp     int64  `json:"timestamp"`
}

// EventRecord is one sealed event from the log, payload included.
type EventRecord struct {
	Sequence       int64     `json:"sequence"`
	EventType      string    `json:"event_type"`
	IdempotencyKey string    `json:"idempotency_key"`
	MarketID       string    `json:"market_id,omitempty"`
	Payload        []byte    `json:"payload"`
	Timestamp      time.Time `json:"timestamp"`
}

// IntegrityReport is the result of an integrity verification run over
// the persisted event log and balance projection.
type IntegrityReport struct {
	IsHealthy       bool    `json:"is_healthy"`
	HashChainBreaks []int64 `json:"hash_chain_breaks,omitempty"`

	// Imbalance is the sum of every projected account balance. Double
	// entry bookkeeping with external custody accounts makes this zero
	// for a healthy ledger.
	Imbalance int64 `json:"imbalance"`
}
