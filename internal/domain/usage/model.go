package usage

import (
	"context"
	"errors"
	"fmt"
	"math"
	"time"
)

// MeteringPending mirrors the legacy index attribute on the usage table.
// Stored as strings so existing rows stay readable.
type MeteringPending string

const (
	MeteringPendingYes        MeteringPending = "true"
	MeteringPendingProcessing MeteringPending = "processing"
	MeteringPendingNo         MeteringPending = "false"
)

type Status string

const (
	StatusPending      Status = "pending"
	StatusProcessing   Status = "processing"
	StatusCompleted    Status = "completed"
	StatusFailed       Status = "failed"
	StatusTimeoutReset Status = "timeout_reset"
)

// ErrConditionFailed is returned by conditional store updates when the row
// was no longer in the expected state (lost optimistic race). Callers skip
// the record; this is not a failure.
var ErrConditionFailed = errors.New("conditional update: state changed")

// Record is one billable usage event. (CustomerIdentifier, CreateTimestamp)
// uniquely identifies a record and is never reused.
type Record struct {
	CustomerIdentifier  string          `json:"customer_identifier"`
	CreateTimestamp     int64           `json:"create_timestamp"`
	MeteringPending     MeteringPending `json:"metering_pending"`
	Dimension           string          `json:"dimension"`
	Quantity            int64           `json:"quantity"`
	Status              Status          `json:"status"`
	ProcessingStartedAt *time.Time      `json:"processing_started_at,omitempty"`
	RetryCount          int             `json:"retry_count"`
	ErrorMessage        string          `json:"error_message,omitempty"`
	LastFailedAt        *time.Time      `json:"last_failed_at,omitempty"`
	CreatedAt           time.Time       `json:"created_at"`
	UpdatedAt           time.Time       `json:"updated_at"`
}

// Key identifies a record in the store.
type Key struct {
	CustomerIdentifier string `json:"customer_identifier"`
	CreateTimestamp    int64  `json:"create_timestamp"`
}

func (r *Record) Key() Key {
	return Key{CustomerIdentifier: r.CustomerIdentifier, CreateTimestamp: r.CreateTimestamp}
}

// CorrelationKey ties a record to its queue message and billing API result.
func (r *Record) CorrelationKey() string {
	return fmt.Sprintf("%s::%s::%d", r.CustomerIdentifier, r.Dimension, r.CreateTimestamp)
}

// Validate applies the reporter's admission rules. A record failing here is
// marked failed without ever reaching the billing API.
func (r *Record) Validate() error {
	if r.CustomerIdentifier == "" {
		return errors.New("missing customer identifier")
	}
	if r.CreateTimestamp <= 0 {
		return errors.New("missing create timestamp")
	}
	if r.Dimension == "" {
		return errors.New("missing dimension")
	}
	if r.Quantity <= 0 {
		return fmt.Errorf("quantity must be positive, got %d", r.Quantity)
	}
	if r.Quantity > math.MaxInt32 {
		return fmt.Errorf("quantity %d exceeds the metering API limit", r.Quantity)
	}
	return nil
}

// Claimed reports whether the record carries a consistent processing claim.
// A processing row without a claim timestamp is treated as pending.
func (r *Record) Claimed() bool {
	return r.MeteringPending == MeteringPendingProcessing && r.ProcessingStartedAt != nil
}

type Repository interface {
	Create(ctx context.Context, rec *Record) error
	// FetchPendingBatch claims up to limit pending records, transitioning each
	// to processing with a fresh claim timestamp. Rows claimed by a concurrent
	// worker are skipped, not returned as errors.
	FetchPendingBatch(ctx context.Context, limit int) ([]*Record, error)
	// ResetClaim rolls claimed records back to pending, clearing claim fields.
	ResetClaim(ctx context.Context, keys []Key) error
	// MarkCompleted finalizes a record; only valid from processing.
	MarkCompleted(ctx context.Context, key Key, reportedAt time.Time) error
	// MarkFailed records a delivery failure and bumps retry_count. It does not
	// return the record to pending; reprocessing failed records is an
	// operational decision.
	MarkFailed(ctx context.Context, key Key, errMsg string, failedAt time.Time) error
	// ReclaimStuck resets records left in processing longer than the timeout.
	ReclaimStuck(ctx context.Context, olderThan time.Time) (int, error)
}
