package postgres

import (
	"context"
	"fmt"
	"time"

	"github.com/MichaelWalker-git/aws-marketplace-integration/internal/domain/usage"

	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"
)

// UsageRepository is the pgx-backed usage record store. All state
// transitions are conditional updates keyed on the expected prior state;
// the claim-then-verify pattern is the only concurrency control.
type UsageRepository struct {
	pool *pgxpool.Pool
}

func NewUsageRepository(pool *pgxpool.Pool) *UsageRepository {
	return &UsageRepository{pool: pool}
}

const recordColumns = `
	customer_identifier,
	create_timestamp,
	metering_pending,
	dimension,
	quantity,
	status,
	processing_started_at,
	retry_count,
	COALESCE(error_message, ''),
	last_failed_at,
	created_at,
	updated_at
`

func (r *UsageRepository) Create(ctx context.Context, rec *usage.Record) error {
	const sql = `
		INSERT INTO usage_records (
			customer_identifier, create_timestamp, metering_pending,
			dimension, quantity, status, retry_count, created_at, updated_at
		)
		VALUES ($1, $2, $3, $4, $5, $6, 0, NOW(), NOW())
	`

	var executor interface {
		Exec(ctx context.Context, sql string, arguments ...any) (pgconn.CommandTag, error)
	} = r.pool

	if tx := GetTx(ctx); tx != nil {
		executor = tx
	}

	_, err := executor.Exec(ctx, sql,
		rec.CustomerIdentifier, rec.CreateTimestamp, usage.MeteringPendingYes,
		rec.Dimension, rec.Quantity, usage.StatusPending)
	if err != nil {
		return fmt.Errorf("insert usage record: %w", err)
	}

	return nil
}

// FetchPendingBatch claims up to limit pending records. The claim is a
// conditional update: only rows still metering_pending='true' transition to
// 'processing'. SKIP LOCKED keeps concurrent scanner invocations from
// blocking on each other's claims; a row another worker took first is simply
// absent from the result, never an error.
func (r *UsageRepository) FetchPendingBatch(ctx context.Context, limit int) ([]*usage.Record, error) {
	const sql = `
		WITH claimed AS (
			SELECT customer_identifier, create_timestamp
			FROM usage_records
			WHERE metering_pending = 'true'
			ORDER BY create_timestamp ASC
			LIMIT $1
			FOR UPDATE SKIP LOCKED
		)
		UPDATE usage_records u
		SET metering_pending = 'processing',
		    status = 'processing',
		    processing_started_at = NOW(),
		    updated_at = NOW()
		FROM claimed c
		WHERE u.customer_identifier = c.customer_identifier
		  AND u.create_timestamp = c.create_timestamp
		  AND u.metering_pending = 'true'
		RETURNING ` + recordColumns

	rows, err := r.pool.Query(ctx, sql, limit)
	if err != nil {
		return nil, fmt.Errorf("claim pending batch: %w", err)
	}
	defer rows.Close()

	var records []*usage.Record
	for rows.Next() {
		rec := &usage.Record{}
		if err := rows.Scan(
			&rec.CustomerIdentifier, &rec.CreateTimestamp, &rec.MeteringPending,
			&rec.Dimension, &rec.Quantity, &rec.Status, &rec.ProcessingStartedAt,
			&rec.RetryCount, &rec.ErrorMessage, &rec.LastFailedAt,
			&rec.CreatedAt, &rec.UpdatedAt,
		); err != nil {
			return nil, fmt.Errorf("scan usage record: %w", err)
		}
		records = append(records, rec)
	}

	return records, nil
}

// ResetClaim rolls claimed records back to pending so the next cycle retries
// them. Used when enqueueing a claimed batch fails.
func (r *UsageRepository) ResetClaim(ctx context.Context, keys []usage.Key) error {
	if len(keys) == 0 {
		return nil
	}

	const sql = `
		UPDATE usage_records
		SET metering_pending = 'true',
		    status = 'pending',
		    processing_started_at = NULL,
		    updated_at = NOW()
		WHERE (customer_identifier, create_timestamp) IN (
			SELECT * FROM unnest($1::text[], $2::bigint[])
		)
		  AND metering_pending = 'processing'
	`

	customers := make([]string, len(keys))
	timestamps := make([]int64, len(keys))
	for i, k := range keys {
		customers[i] = k.CustomerIdentifier
		timestamps[i] = k.CreateTimestamp
	}

	if _, err := r.pool.Exec(ctx, sql, customers, timestamps); err != nil {
		return fmt.Errorf("reset claim: %w", err)
	}
	return nil
}

// MarkCompleted finalizes a record. Conditional on 'processing': a record
// already finalized elsewhere surfaces as ErrConditionFailed.
func (r *UsageRepository) MarkCompleted(ctx context.Context, key usage.Key, reportedAt time.Time) error {
	const sql = `
		UPDATE usage_records
		SET metering_pending = 'false',
		    status = 'completed',
		    processing_started_at = NULL,
		    updated_at = $3
		WHERE customer_identifier = $1
		  AND create_timestamp = $2
		  AND metering_pending = 'processing'
	`

	tag, err := r.pool.Exec(ctx, sql, key.CustomerIdentifier, key.CreateTimestamp, reportedAt)
	if err != nil {
		return fmt.Errorf("mark completed: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return usage.ErrConditionFailed
	}
	return nil
}

// MarkFailed records a failure and bumps retry_count. metering_pending is
// deliberately left untouched: a billing-rejected record must not silently
// reappear as billable, so returning it to pending is an operator call.
func (r *UsageRepository) MarkFailed(ctx context.Context, key usage.Key, errMsg string, failedAt time.Time) error {
	const sql = `
		UPDATE usage_records
		SET status = 'failed',
		    retry_count = retry_count + 1,
		    error_message = $3,
		    last_failed_at = $4,
		    updated_at = NOW()
		WHERE customer_identifier = $1
		  AND create_timestamp = $2
	`

	tag, err := r.pool.Exec(ctx, sql, key.CustomerIdentifier, key.CreateTimestamp, errMsg, failedAt)
	if err != nil {
		return fmt.Errorf("mark failed: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return usage.ErrConditionFailed
	}
	return nil
}

// ReclaimStuck resets records stuck in processing past the timeout. A
// processing row with no claim timestamp is inconsistent and reclaimed too.
func (r *UsageRepository) ReclaimStuck(ctx context.Context, olderThan time.Time) (int, error) {
	const sql = `
		UPDATE usage_records
		SET metering_pending = 'true',
		    status = 'timeout_reset',
		    processing_started_at = NULL,
		    updated_at = NOW()
		WHERE metering_pending = 'processing'
		  AND (processing_started_at IS NULL OR processing_started_at < $1)
	`

	tag, err := r.pool.Exec(ctx, sql, olderThan)
	if err != nil {
		return 0, fmt.Errorf("reclaim stuck records: %w", err)
	}
	return int(tag.RowsAffected()), nil
}

// CountPending reports the pending backlog, for the operator tool.
func (r *UsageRepository) CountPending(ctx context.Context) (int, error) {
	var n int
	err := r.pool.QueryRow(ctx,
		`SELECT COUNT(*) FROM usage_records WHERE metering_pending = 'true'`).Scan(&n)
	if err != nil {
		return 0, fmt.Errorf("count pending: %w", err)
	}
	return n, nil
}

// ListRecent returns the newest records, for the operator tool.
func (r *UsageRepository) ListRecent(ctx context.Context, limit int) ([]*usage.Record, error) {
	rows, err := r.pool.Query(ctx,
		`SELECT `+recordColumns+` FROM usage_records ORDER BY updated_at DESC LIMIT $1`, limit)
	if err != nil {
		return nil, fmt.Errorf("list recent records: %w", err)
	}
	defer rows.Close()

	var records []*usage.Record
	for rows.Next() {
		rec := &usage.Record{}
		if err := rows.Scan(
			&rec.CustomerIdentifier, &rec.CreateTimestamp, &rec.MeteringPending,
			&rec.Dimension, &rec.Quantity, &rec.Status, &rec.ProcessingStartedAt,
			&rec.RetryCount, &rec.ErrorMessage, &rec.LastFailedAt,
			&rec.CreatedAt, &rec.UpdatedAt,
		); err != nil {
			return nil, fmt.Errorf("scan usage record: %w", err)
		}
		records = append(records, rec)
	}

	return records, nil
}
