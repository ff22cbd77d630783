package query

import (
	"context"
	"database/sql"
	"fmt"

	"github.com/google/uuid"
)

// Service provides read-only access to the projection tables and the
// persisted event log. It never touches engine state; every response
// carries the projection watermark as AsOfSequence so callers can
// reason about freshness.
type Service struct {
	db *sql.DB
}

func NewService(db *sql.DB) *Service {
	return &Service{db: db}
}

// GetBalance returns a user's collateral balances across funding,
// trading, pending withdrawal, and profit credit accounts.
func (s *Service) GetBalance(ctx context.Context, userID uuid.UUID) (*BalanceResponse, error) {
	asOfSeq, err := s.getWatermark(ctx)
	if err != nil {
		return nil, fmt.Errorf("watermark: %w", err)
	}

	funding, err := s.getProjectedBalance(ctx, fmt.Sprintf("user:%s:funding", userID))
	if err != nil {
		return nil, err
	}

	pending, err := s.getProjectedBalance(ctx, fmt.Sprintf("user:%s:pending_withdrawal", userID))
	if err != nil {
		return nil, err
	}

	credit, err := s.getProjectedBalance(ctx, fmt.Sprintf("user:%s:profit_credit", userID))
	if err != nil {
		return nil, err
	}

	trading, tradingTotal, err := s.getTradingBalances(ctx, userID)
	if err != nil {
		return nil, err
	}

	return &BalanceResponse{
		UserID:            userID,
		FundingBalance:    funding,
		TradingBalances:   trading,
		TradingTotal:      tradingTotal,
		PendingWithdrawal: pending,
		ProfitCredit:      credit,
		TotalBalance:      funding + tradingTotal + pending + credit,
		AsOfSequence:      asOfSeq,
	}, nil
}

// GetSystemAccounts returns the shared accumulators and custody
// boundary accounts. The reserve is reported as a positive custody
// figure even though the projection tracks it as the negative
// counterweight of all inflows.
func (s *Service) GetSystemAccounts(ctx context.Context) (*SystemResponse, error) {
	asOfSeq, err := s.getWatermark(ctx)
	if err != nil {
		return nil, fmt.Errorf("watermark: %w", err)
	}

	lossPool, err := s.getProjectedBalance(ctx, "system:loss_pool")
	if err != nil {
		return nil, err
	}
	feeReserve, err := s.getProjectedBalance(ctx, "system:fee_reserve")
	if err != nil {
		return nil, err
	}
	treasury, err := s.getProjectedBalance(ctx, "external:treasury")
	if err != nil {
		return nil, err
	}
	insurance, err := s.getProjectedBalance(ctx, "external:insurance")
	if err != nil {
		return nil, err
	}
	reserve, err := s.getProjectedBalance(ctx, "external:reserve")
	if err != nil {
		return nil, err
	}

	return &SystemResponse{
		LossPool:     lossPool,
		FeeReserve:   feeReserve,
		Treasury:     treasury,
		Insurance:    insurance,
		Reserve:      -reserve,
		AsOfSequence: asOfSeq,
	}, nil
}

// GetLedgerHistory returns a user's ledger entries newest first, with
// cursor pagination on sequence.
func (s *Service) GetLedgerHistory(
	ctx context.Context,
	userID uuid.UUID,
	limit int,
	beforeSequence *int64,
) ([]LedgerEntryRecord, error) {
	accountPrefix := fmt.Sprintf("user:%s:%%", userID)

	query := `
		SELECT entry_id, batch_id, op_ref, sequence,
		       debit_account, credit_account, amount, entry_type, timestamp
		FROM margin.ledger_entries
		WHERE (debit_account LIKE $1 OR credit_account LIKE $1)
	`
	args := []interface{}{accountPrefix}
	argIdx := 2

	if beforeSequence != nil {
		query += fmt.Sprintf(" AND sequence < $%d", argIdx)
		args = append(args, *beforeSequence)
		argIdx++
	}

	query += " ORDER BY sequence DESC, entry_id"
	query += fmt.Sprintf(" LIMIT $%d", argIdx)
	args = append(args, limit)

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var entries []LedgerEntryRecord
	for rows.Next() {
		var e LedgerEntryRecord
		if err := rows.Scan(
			&e.EntryID, &e.BatchID, &e.OpRef, &e.Sequence,
			&e.DebitAccount, &e.CreditAccount, &e.Amount, &e.EntryType, &e.Timestamp,
		); err != nil {
			return nil, err
		}
		entries = append(entries, e)
	}

	return entries, rows.Err()
}

// GetEvents returns sealed events newest first, optionally filtered by
// market, with cursor pagination on sequence.
func (s *Service) GetEvents(
	ctx context.Context,
	marketID *string,
	limit int,
	beforeSequence *int64,
) ([]EventRecord, error) {
	query := `
		SELECT sequence, event_type, idempotency_key,
		       COALESCE(market_id, ''), payload, timestamp
		FROM margin.events
		WHERE TRUE
	`
	var args []interface{}
	argIdx := 1

	if marketID != nil {
		query += fmt.Sprintf(" AND market_id = $%d", argIdx)
		args = append(args, *marketID)
		argIdx++
	}

	if beforeSequence != nil {
		query += fmt.Sprintf(" AND sequence < $%d", argIdx)
		args = append(args, *beforeSequence)
		argIdx++
	}

	query += " ORDER BY sequence DESC"
	query += fmt.Sprintf(" LIMIT $%d", argIdx)
	args = append(args, limit)

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var events []EventRecord
	for rows.Next() {
		var e EventRecord
		if err := rows.Scan(
			&e.Sequence, &e.EventType, &e.IdempotencyKey, &e.MarketID,
			&e.Payload, &e.Timestamp,
		); err != nil {
			return nil, err
		}
		events = append(events, e)
	}

	return events, rows.Err()
}

// VerifyIntegrity checks hash chain continuity over the persisted
// event log and the global balance sum over the projection.
func (s *Service) VerifyIntegrity(ctx context.Context) (*IntegrityReport, error) {
	report := &IntegrityReport{}

	rows, err := s.db.QueryContext(ctx, `
		SELECT e1.sequence
		FROM margin.events e1
		JOIN margin.events e2 ON e2.sequence = e1.sequence - 1
		WHERE e1.prev_hash != e2.state_hash
		ORDER BY e1.sequence
		LIMIT 10
	`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	for rows.Next() {
		var seq int64
		if err := rows.Scan(&seq); err != nil {
			return nil, err
		}
		report.HashChainBreaks = append(report.HashChainBreaks, seq)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}

	if err := s.db.QueryRowContext(ctx, `
		SELECT COALESCE(SUM(balance), 0) FROM margin.account_balances
	`).Scan(&report.Imbalance); err != nil {
		return nil, err
	}

	report.IsHealthy = len(report.HashChainBreaks) == 0 && report.Imbalance == 0
	return report, nil
}

// --- helpers ---

func (s *Service) getWatermark(ctx context.Context) (int64, error) {
	var seq int64
	err := s.db.QueryRowContext(ctx, `
		SELECT last_seq FROM margin.projection_state WHERE projection = 'account_balances'
	`).Scan(&seq)
	if err == sql.ErrNoRows {
		return 0, nil
	}
	return seq, err
}

func (s *Service) getProjectedBalance(ctx context.Context, accountPath string) (int64, error) {
	var balance int64
	err := s.db.QueryRowContext(ctx, `
		SELECT balance FROM margin.account_balances WHERE account_path = $1
	`, accountPath).Scan(&balance)
	if err == sql.ErrNoRows {
		return 0, nil
	}
	return balance, err
}

func (s *Service) getTradingBalances(ctx context.Context, userID uuid.UUID) ([]MarketBalance, int64, error) {
	prefix := fmt.Sprintf("user:%s:trading:%%", userID)
	rows, err := s.db.QueryContext(ctx, `
		SELECT account_path, balance
		FROM margin.account_balances
		WHERE account_path LIKE $1 AND balance != 0
		ORDER BY account_path
	`, prefix)
	if err != nil {
		return nil, 0, err
	}
	defer rows.Close()

	cut := len(fmt.Sprintf("user:%s:trading:", userID))

	var balances []MarketBalance
	var total int64
	for rows.Next() {
		var path string
		var balance int64
		if err := rows.Scan(&path, &balance); err != nil {
			return nil, 0, err
		}
		balances = append(balances, MarketBalance{MarketID: path[cut:], Balance: balance})
		total += balance
	}

	return balances, total, rows.Err()
}
