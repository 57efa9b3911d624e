package query

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"EqualisLedger/internal/observability"

	"github.com/shopspring/decimal"
)

// QueryService provides read-only access to the projection tables and the
// journal. Every response carries as_of_sequence, the projection watermark
// at the time of the read.
type QueryService struct {
	db      *sql.DB
	metrics *observability.Metrics
}

func NewQueryService(db *sql.DB, metrics *observability.Metrics) *QueryService {
	return &QueryService{db: db, metrics: metrics}
}

func (qs *QueryService) observe(endpoint string, start time.Time, err error) {
	if qs.metrics == nil {
		return
	}
	qs.metrics.QueryRequests.WithLabelValues(endpoint).Inc()
	qs.metrics.QueryDuration.WithLabelValues(endpoint).Observe(time.Since(start).Seconds())
	if err != nil {
		qs.metrics.QueryErrors.WithLabelValues(endpoint, "db").Inc()
	}
}

// GetAccountBalance returns the projected balance of one journal account.
// An account that never moved reads as zero.
func (qs *QueryService) GetAccountBalance(ctx context.Context, accountPath string) (resp *AccountBalanceResponse, err error) {
	start := time.Now()
	defer func() { qs.observe("account_balance", start, err) }()

	asOfSeq, err := qs.getWatermark(ctx)
	if err != nil {
		return nil, fmt.Errorf("watermark: %w", err)
	}

	resp = &AccountBalanceResponse{AccountPath: accountPath, AsOfSequence: asOfSeq}
	var balance string
	err = qs.db.QueryRowContext(ctx, `
		SELECT pool_id, asset, balance::text, last_sequence
		FROM projections.balances
		WHERE account_path = $1
	`, accountPath).Scan(&resp.PoolID, &resp.Asset, &balance, &resp.LastSequence)
	if errors.Is(err, sql.ErrNoRows) {
		return resp, nil
	}
	if err != nil {
		return nil, err
	}
	if resp.Balance, err = decimal.NewFromString(balance); err != nil {
		return nil, fmt.Errorf("balance %s: %w", accountPath, err)
	}
	return resp, nil
}

// GetPoolBalances returns every projected account of a pool ordered by path.
func (qs *QueryService) GetPoolBalances(ctx context.Context, poolID uint32) (out []AccountBalanceResponse, err error) {
	start := time.Now()
	defer func() { qs.observe("pool_balances", start, err) }()

	asOfSeq, err := qs.getWatermark(ctx)
	if err != nil {
		return nil, fmt.Errorf("watermark: %w", err)
	}

	rows, err := qs.db.QueryContext(ctx, `
		SELECT account_path, pool_id, asset, balance::text, last_sequence
		FROM projections.balances
		WHERE pool_id = $1
		ORDER BY account_path
	`, int64(poolID))
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	for rows.Next() {
		var b AccountBalanceResponse
		var balance string
		if err := rows.Scan(&b.AccountPath, &b.PoolID, &b.Asset, &balance, &b.LastSequence); err != nil {
			return nil, err
		}
		if b.Balance, err = decimal.NewFromString(balance); err != nil {
			return nil, fmt.Errorf("balance %s: %w", b.AccountPath, err)
		}
		b.AsOfSequence = asOfSeq
		out = append(out, b)
	}
	return out, rows.Err()
}

// GetFeeHistory returns routed fee legs for a pool, newest first. Pass a
// beforeSequence to page backwards.
func (qs *QueryService) GetFeeHistory(
	ctx context.Context,
	poolID uint32,
	limit int,
	beforeSequence *int64,
) (history []FeeHistoryResponse, err error) {
	start := time.Now()
	defer func() { qs.observe("fee_history", start, err) }()

	asOfSeq, err := qs.getWatermark(ctx)
	if err != nil {
		return nil, err
	}

	query := `
		SELECT journal_id, sequence, pool_id, asset, destination, amount::text, timestamp
		FROM projections.fee_history
		WHERE pool_id = $1
	`
	args := []interface{}{int64(poolID)}
	argIdx := 2

	if beforeSequence != nil {
		query += fmt.Sprintf(" AND sequence < $%d", argIdx)
		args = append(args, *beforeSequence)
		argIdx++
	}

	query += " ORDER BY sequence DESC, journal_id"
	query += fmt.Sprintf(" LIMIT $%d", argIdx)
	args = append(args, clampLimit(limit))

	rows, err := qs.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	for rows.Next() {
		var h FeeHistoryResponse
		h.AsOfSequence = asOfSeq
		if err := rows.Scan(
			&h.JournalID, &h.Sequence, &h.PoolID, &h.Asset,
			&h.Destination, &h.Amount, &h.Timestamp,
		); err != nil {
			return nil, err
		}
		history = append(history, h)
	}
	return history, rows.Err()
}

// GetJournalHistory returns journal entries touching any account under
// accountPrefix (for example "position:<key>:" or "pool:3:"), newest first.
func (qs *QueryService) GetJournalHistory(
	ctx context.Context,
	accountPrefix string,
	limit int,
	beforeSequence *int64,
) (entries []JournalHistoryEntry, err error) {
	start := time.Now()
	defer func() { qs.observe("journal_history", start, err) }()

	query := `
		SELECT journal_id, batch_id, event_ref, sequence, pool_id,
		       debit_account, credit_account, asset, amount::text, journal_type, timestamp
		FROM event_log.journal
		WHERE (debit_account LIKE $1 OR credit_account LIKE $1)
	`
	args := []interface{}{escapeLike(accountPrefix) + "%"}
	argIdx := 2

	if beforeSequence != nil {
		query += fmt.Sprintf(" AND sequence < $%d", argIdx)
		args = append(args, *beforeSequence)
		argIdx++
	}

	query += " ORDER BY sequence DESC, journal_id"
	query += fmt.Sprintf(" LIMIT $%d", argIdx)
	args = append(args, clampLimit(limit))

	rows, err := qs.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	for rows.Next() {
		var e JournalHistoryEntry
		if err := rows.Scan(
			&e.JournalID, &e.BatchID, &e.EventRef, &e.Sequence, &e.PoolID,
			&e.DebitAccount, &e.CreditAccount, &e.Asset, &e.Amount,
			&e.JournalType, &e.Timestamp,
		); err != nil {
			return nil, err
		}
		entries = append(entries, e)
	}
	return entries, rows.Err()
}

// --- Admin APIs ---

// VerifyIntegrity checks hash chain continuity in the event log, that the
// projected balances of every asset sum to zero, and that no pool has fee
// clearing left unrouted.
func (qs *QueryService) VerifyIntegrity(ctx context.Context) (report *IntegrityReport, err error) {
	start := time.Now()
	defer func() { qs.observe("verify_integrity", start, err) }()

	report = &IntegrityReport{}

	rows, err := qs.db.QueryContext(ctx, `
		SELECT e1.sequence
		FROM event_log.events e1
		JOIN event_log.events e2 ON e2.sequence = e1.sequence - 1
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

	balanceRows, err := qs.db.QueryContext(ctx, `
		SELECT asset, SUM(balance)::text
		FROM projections.balances
		GROUP BY asset
		HAVING SUM(balance) != 0
		ORDER BY asset
	`)
	if err != nil {
		return nil, err
	}
	defer balanceRows.Close()

	for balanceRows.Next() {
		var asset, total string
		if err := balanceRows.Scan(&asset, &total); err != nil {
			return nil, err
		}
		imbalance, err := decimal.NewFromString(total)
		if err != nil {
			return nil, fmt.Errorf("imbalance %s: %w", asset, err)
		}
		report.UnbalancedAssets = append(report.UnbalancedAssets, UnbalancedAsset{
			Asset:     asset,
			Imbalance: imbalance,
		})
	}
	if err := balanceRows.Err(); err != nil {
		return nil, err
	}

	clearingRows, err := qs.db.QueryContext(ctx, `
		SELECT pool_id
		FROM projections.balances
		WHERE account_path LIKE 'pool:%:fee\_clearing' AND balance != 0
		ORDER BY pool_id
	`)
	if err != nil {
		return nil, err
	}
	defer clearingRows.Close()

	for clearingRows.Next() {
		var poolID uint32
		if err := clearingRows.Scan(&poolID); err != nil {
			return nil, err
		}
		report.UnroutedPools = append(report.UnroutedPools, poolID)
	}
	if err := clearingRows.Err(); err != nil {
		return nil, err
	}

	report.IsHealthy = len(report.HashChainBreaks) == 0 &&
		len(report.UnbalancedAssets) == 0 &&
		len(report.UnroutedPools) == 0
	return report, nil
}

// Watermark is the last sequence applied to the projections, or -1.
func (qs *QueryService) Watermark(ctx context.Context) (int64, error) {
	return qs.getWatermark(ctx)
}

// --- helpers ---

const maxPageSize = 500

func clampLimit(limit int) int {
	if limit <= 0 || limit > maxPageSize {
		return maxPageSize
	}
	return limit
}

func escapeLike(s string) string {
	out := make([]byte, 0, len(s))
	for i := 0; i < len(s); i++ {
		switch s[i] {
		case '%', '_', '\\':
			out = append(out, '\\')
		}
		out = append(out, s[i])
	}
	return string(out)
}

func (qs *QueryService) getWatermark(ctx context.Context) (int64, error) {
	var seq int64
	err := qs.db.QueryRowContext(ctx, `
		SELECT last_sequence FROM projections.watermark WHERE projection = 'main'
	`).Scan(&seq)
	if errors.Is(err, sql.ErrNoRows) {
		return -1, nil
	}
	return seq, err
}
