package billing

import (
	"context"
	"errors"

	"github.com/MichaelWalker-git/aws-marketplace-integration/internal/domain/usage"
)

// BatchLimit is the billing API's hard cap per submission.
const BatchLimit = 25

// ThrottlingError marks a rate-limit response from the billing API. Only
// errors of this class are retried.
type ThrottlingError struct {
	Err error
}

func (e *ThrottlingError) Error() string {
	return "billing api throttled: " + e.Err.Error()
}

func (e *ThrottlingError) Unwrap() error { return e.Err }

// IsThrottling reports whether err (anywhere in its chain) is a throttle.
func IsThrottling(err error) bool {
	var te *ThrottlingError
	return errors.As(err, &te)
}

// ResultStatus is the per-record outcome reported by the billing API.
type ResultStatus string

const (
	// StatusSuccess means the record was metered.
	StatusSuccess ResultStatus = "Success"
	// StatusDuplicate means the API had already accepted an identical record.
	// Treated as success: the charge exists, resubmitting would double-bill.
	StatusDuplicate ResultStatus = "DuplicateRecord"
	// StatusCustomerNotSubscribed is terminal for the record.
	StatusCustomerNotSubscribed ResultStatus = "CustomerNotSubscribed"
)

// Accepted is one record the API processed, successfully or not.
type Accepted struct {
	CorrelationKey string
	Status         ResultStatus
	MeteringID     string
}

// Unprocessed is a record the API did not process at all.
type Unprocessed struct {
	CorrelationKey string
	ErrorCode      string
	ErrorMessage   string
}

// BatchResult is the interpreted response of one bulk submission.
type BatchResult struct {
	Accepted    []Accepted
	Unprocessed []Unprocessed
}

// Client submits usage batches to the marketplace metering API.
type Client interface {
	// SubmitBatch sends up to BatchLimit records in one call. A *ThrottlingError
	// signals a retryable rate limit for the whole batch.
	SubmitBatch(ctx context.Context, records []*usage.Record) (*BatchResult, error)
}

// CustomerResolver exchanges a marketplace registration token for the
// buyer's identity. Used by the registration service, not the pipeline.
type CustomerResolver interface {
	ResolveCustomer(ctx context.Context, registrationToken string) (*Customer, error)
}

// Customer is the resolved marketplace buyer.
type Customer struct {
	CustomerIdentifier   string
	ProductCode          string
	CustomerAWSAccountID string
}
