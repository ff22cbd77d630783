package projection

import (
	"context"
	"database/sql"
	"fmt"

	"github.com/rs/zerolog"

	"marginledger/internal/observability"
)

// Output mirrors the sealed event data the projection worker consumes.
// The orchestrator bridges between core.Output and this to avoid an
// import cycle.
type Output struct {
	Sequence  int64
	EventType string
	MarketID  *string
	Entries   []EntryChange
	Timestamp int64
}

// EntryChange is the balance-affecting part of one ledger entry. A
// positive amount moves from the credit account to the debit account.
type EntryChange struct {
	DebitAccount  string
	CreditAccount string
	Amount        int64
	EntryType     int32
}

// Worker updates the account balance projection from sealed events.
// The projection channel is non-blocking with drop on the engine side;
// missed events are recovered by rebuilding from the event log.
type Worker struct {
	db        *sql.DB
	inputChan <-chan Output
	metrics   *observability.Metrics
	log       zerolog.Logger
	lastSeq   int64
}

func NewWorker(db *sql.DB, inputChan <-chan Output, metrics *observability.Metrics) *Worker {
	return &Worker{
		db:        db,
		inputChan: inputChan,
		metrics:   metrics,
		log:       observability.NewLogger("projection"),
	}
}

// Run consumes outputs until the context is cancelled or the channel
// closes. Projection failures are logged and skipped: the balances
// table is eventually consistent and can be rebuilt from margin.events.
func (w *Worker) Run(ctx context.Context) error {
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()

		case output, ok := <-w.inputChan:
			if !ok {
				return nil
			}

			if err := w.apply(ctx, output); err != nil {
				w.log.Warn().
					Int64("sequence", output.Sequence).
					Err(err).
					Msg("projection update failed, will rebuild from event log")
				continue
			}

			w.lastSeq = output.Sequence
		}
	}
}

// LastSequence returns the highest sequence applied to the projection
// in this process. It reflects in-memory progress, not the database
// watermark.
func (w *Worker) LastSequence() int64 {
	return w.lastSeq
}

func (w *Worker) apply(ctx context.Context, output Output) error {
	tx, err := w.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer tx.Rollback()

	for _, entry := range output.Entries {
		if err := w.applyEntry(ctx, tx, entry, output.Sequence); err != nil {
			return fmt.Errorf("balance projection: %w", err)
		}
	}

	if _, err := tx.ExecContext(ctx, `
		INSERT INTO margin.projection_state (projection, last_seq, updated_at)
		VALUES ('account_balances', $1, NOW())
		ON CONFLICT (projection) DO UPDATE SET last_seq = $1, updated_at = NOW()
	`, output.Sequence); err != nil {
		return fmt.Errorf("watermark update: %w", err)
	}

	return tx.Commit()
}

func (w *Worker) applyEntry(ctx context.Context, tx *sql.Tx, entry EntryChange, seq int64) error {
	// Debit account receives the amount.
	if _, err := tx.ExecContext(ctx, `
		INSERT INTO margin.account_balances (account_path, balance, as_of_seq)
		VALUES ($1, $2, $3)
		ON CONFLICT (account_path)
		DO UPDATE SET balance = margin.account_balances.balance + $2, as_of_seq = $3
	`, entry.DebitAccount, entry.Amount, seq); err != nil {
		return err
	}

	// Credit account gives it up.
	if _, err := tx.ExecContext(ctx, `
		INSERT INTO margin.account_balances (account_path, balance, as_of_seq)
		VALUES ($1, -$2, $3)
		ON CONFLICT (account_path)
		DO UPDATE SET balance = margin.account_balances.balance - $2, as_of_seq = $3
	`, entry.CreditAccount, entry.Amount, seq); err != nil {
		return err
	}

	return nil
}

// Rebuild replays the full entry log into a fresh balance projection.
// It runs in one transaction so readers never observe a half-built
// table.
func (w *Worker) Rebuild(ctx context.Context) error {
	tx, err := w.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer tx.Rollback()

	if _, err := tx.ExecContext(ctx, `DELETE FROM margin.account_balances`); err != nil {
		return fmt.Errorf("clear balances: %w", err)
	}

	if _, err := tx.ExecContext(ctx, `
		INSERT INTO margin.account_balances (account_path, balance, as_of_seq)
		SELECT account_path, SUM(delta), MAX(sequence)
		FROM (
			SELECT debit_account AS account_path, amount AS delta, sequence FROM margin.ledger_entries
			UNION ALL
			SELECT credit_account, -amount, sequence FROM margin.ledger_entries
		) changes
		GROUP BY account_path
	`); err != nil {
		return fmt.Errorf("rebuild balances: %w", err)
	}

	var maxSeq sql.NullInt64
	if err := tx.QueryRowContext(ctx, `SELECT MAX(sequence) FROM margin.ledger_entries`).Scan(&maxSeq); err != nil {
		return fmt.Errorf("rebuild watermark: %w", err)
	}

	if _, err := tx.ExecContext(ctx, `
		INSERT INTO margin.projection_state (projection, last_seq, updated_at)
		VALUES ('account_balances', $1, NOW())
		ON CONFLICT (projection) DO UPDATE SET last_seq = $1, updated_at = NOW()
	`, maxSeq.Int64); err != nil {
		return fmt.Errorf("watermark update: %w", err)
	}

	if err := tx.Commit(); err != nil {
		return err
	}

	w.log.Info().Int64("last_seq", maxSeq.Int64).Msg("balance projection rebuilt from ledger entries")
	return nil
}
