package projection

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"EqualisLedger/internal/observability"
	"EqualisLedger/internal/persistence"

	"github.com/rs/zerolog"
)

// ProjectionOutput is what projection workers consume. The orchestrator
// builds it from core.CoreOutput.
type ProjectionOutput struct {
	Sequence  int64
	EventType string
	PoolID    uint32
	Journals  []persistence.JournalRow
	Timestamp int64
}

const watermarkName = "main"

// ProjectionWorker updates projection tables from processed events. Its
// channel is fed with non-blocking sends; if it falls behind, outputs are
// dropped and the tables are rebuilt from the event log.
type ProjectionWorker struct {
	db        *sql.DB
	inputChan <-chan ProjectionOutput
	fees      *FeeHistoryProjection
	metrics   *observability.Metrics
	logger    zerolog.Logger
	lastSeq   int64
}

// NewProjectionWorker builds a worker. db may be nil to maintain only the
// in-memory fee history.
func NewProjectionWorker(db *sql.DB, inputChan <-chan ProjectionOutput, fees *FeeHistoryProjection, metrics *observability.Metrics) *ProjectionWorker {
	return &ProjectionWorker{
		db:        db,
		inputChan: inputChan,
		fees:      fees,
		metrics:   metrics,
		logger:    observability.NewLogger("projection"),
		lastSeq:   -1,
	}
}

// Run starts the projection worker loop.
func (pw *ProjectionWorker) Run(ctx context.Context) error {
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()

		case output, ok := <-pw.inputChan:
			if !ok {
				return nil
			}

			start := time.Now()
			if err := pw.processOutput(ctx, output); err != nil {
				// Projections are eventually consistent; keep going.
				pw.logger.Warn().Err(err).Int64("sequence", output.Sequence).Msg("projection update failed")
			}
			if pw.metrics != nil {
				pw.metrics.ProjectionUpdateDur.WithLabelValues("balances").Observe(time.Since(start).Seconds())
			}
			pw.lastSeq = output.Sequence
		}
	}
}

// LastSequence is the last output the worker consumed.
func (pw *ProjectionWorker) LastSequence() int64 {
	return pw.lastSeq
}

func (pw *ProjectionWorker) processOutput(ctx context.Context, output ProjectionOutput) error {
	feeEntries, err := FeeEntriesFrom(output)
	if err != nil {
		return fmt.Errorf("fee entries: %w", err)
	}
	if pw.fees != nil {
		for _, e := range feeEntries {
			pw.fees.AddEntry(e)
		}
	}
	if pw.db == nil {
		return nil
	}

	tx, err := pw.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer tx.Rollback()

	for _, j := range output.Journals {
		if err := updateBalanceProjection(ctx, tx, j); err != nil {
			return fmt.Errorf("balance projection: %w", err)
		}
	}

	for _, e := range feeEntries {
		if _, err := tx.ExecContext(ctx, `
			INSERT INTO projections.fee_history (journal_id, sequence, pool_id, asset, destination, amount, timestamp)
			VALUES ($1, $2, $3, $4, $5, $6, $7)
			ON CONFLICT (journal_id) DO NOTHING
		`, e.JournalID, e.Sequence, int64(e.PoolID), e.Asset, e.Destination, e.Amount.Dec(), e.Timestamp); err != nil {
			return fmt.Errorf("fee history: %w", err)
		}
	}

	if _, err := tx.ExecContext(ctx, `
		INSERT INTO projections.watermark (projection, last_sequence, updated_at)
		VALUES ($1, $2, NOW())
		ON CONFLICT (projection) DO UPDATE SET last_sequence = $2, updated_at = NOW()
	`, watermarkName, output.Sequence); err != nil {
		return fmt.Errorf("watermark update: %w", err)
	}

	return tx.Commit()
}

// updateBalanceProjection applies one journal: debits add, credits subtract.
func updateBalanceProjection(ctx context.Context, tx *sql.Tx, j persistence.JournalRow) error {
	if _, err := tx.ExecContext(ctx, `
		INSERT INTO projections.balances (account_path, pool_id, asset, balance, last_sequence)
		VALUES ($1, $2, $3, $4::NUMERIC, $5)
		ON CONFLICT (account_path)
		DO UPDATE SET balance = projections.balances.balance + $4::NUMERIC, last_sequence = $5, updated_at = NOW()
	`, j.DebitAccount, j.PoolID, j.Asset, j.Amount, j.Sequence); err != nil {
		return err
	}

	if _, err := tx.ExecContext(ctx, `
		INSERT INTO projections.balances (account_path, pool_id, asset, balance, last_sequence)
		VALUES ($1, $2, $3, -($4::NUMERIC), $5)
		ON CONFLICT (account_path)
		DO UPDATE SET balance = projections.balances.balance - $4::NUMERIC, last_sequence = $5, updated_at = NOW()
	`, j.CreditAccount, j.PoolID, j.Asset, j.Amount, j.Sequence); err != nil {
		return err
	}

	return nil
}

// RebuildProjections rebuilds every projection table from the journal.
func RebuildProjections(ctx context.Context, db *sql.DB) error {
	logger := observability.NewLogger("projection")

	tx, err := db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer tx.Rollback()

	for _, stmt := range []string{
		`TRUNCATE projections.balances`,
		`TRUNCATE projections.fee_history`,
		`DELETE FROM projections.watermark WHERE projection = 'main'`,
	} {
		if _, err := tx.ExecContext(ctx, stmt); err != nil {
			return fmt.Errorf("truncate failed: %w", err)
		}
	}

	if _, err := tx.ExecContext(ctx, `
		INSERT INTO projections.balances (account_path, pool_id, asset, balance, last_sequence)
		SELECT account_path, MIN(pool_id), MIN(asset), SUM(delta), MAX(sequence)
		FROM (
			SELECT debit_account AS account_path, pool_id, asset, amount AS delta, sequence
			FROM event_log.journal
			UNION ALL
			SELECT credit_account, pool_id, asset, -amount, sequence
			FROM event_log.journal
		) legs
		GROUP BY account_path
	`); err != nil {
		return fmt.Errorf("rebuild balances: %w", err)
	}

	if _, err := tx.ExecContext(ctx, `
		INSERT INTO projections.fee_history (journal_id, sequence, pool_id, asset, destination, amount, timestamp)
		SELECT journal_id, sequence, pool_id, asset,
		       CASE journal_type
		           WHEN 'fee_treasury' THEN 'treasury'
		           WHEN 'fee_yield' THEN 'yield_reserve'
		           ELSE 'manager'
		       END,
		       amount, timestamp
		FROM event_log.journal
		WHERE journal_type IN ('fee_treasury', 'fee_yield', 'fee_manager')
	`); err != nil {
		return fmt.Errorf("rebuild fee history: %w", err)
	}

	if _, err := tx.ExecContext(ctx, `
		INSERT INTO projections.watermark (projection, last_sequence, updated_at)
		SELECT 'main', COALESCE(MAX(sequence), -1), NOW() FROM event_log.events
	`); err != nil {
		return fmt.Errorf("rebuild watermark: %w", err)
	}

	if err := tx.Commit(); err != nil {
		return err
	}
	logger.Info().Msg("projection rebuild complete")
	return nil
}
