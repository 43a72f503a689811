package marketplace

import (
	"context"
	"errors"
	"fmt"
	"math"
	"time"

	"github.com/MichaelWalker-git/aws-marketplace-integration/internal/domain/billing"
	"github.com/MichaelWalker-git/aws-marketplace-integration/internal/domain/usage"

	"github.com/aws/aws-sdk-go-v2/aws"
	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/service/marketplacemetering"
	"github.com/aws/aws-sdk-go-v2/service/marketplacemetering/types"
	"github.com/aws/smithy-go"
)

type Config struct {
	Region      string
	ProductCode string
}

// Client wraps the AWS Marketplace Metering API. Implements billing.Client
// and billing.CustomerResolver.
type Client struct {
	api         *marketplacemetering.Client
	productCode string
}

func NewClient(ctx context.Context, cfg Config) (*Client, error) {
	awsCfg, err := awsconfig.LoadDefaultConfig(ctx, awsconfig.WithRegion(cfg.Region))
	if err != nil {
		return nil, fmt.Errorf("load aws config: %w", err)
	}

	return &Client{
		api:         marketplacemetering.NewFromConfig(awsCfg),
		productCode: cfg.ProductCode,
	}, nil
}

// SubmitBatch sends one BatchMeterUsage call. The API caps batches at 25
// records; larger input is a caller bug.
func (c *Client) SubmitBatch(ctx context.Context, records []*usage.Record) (*billing.BatchResult, error) {
	if len(records) == 0 {
		return &billing.BatchResult{}, nil
	}
	if len(records) > billing.BatchLimit {
		return nil, fmt.Errorf("batch of %d exceeds metering api limit %d", len(records), billing.BatchLimit)
	}

	input := &marketplacemetering.BatchMeterUsageInput{
		ProductCode:  aws.String(c.productCode),
		UsageRecords: make([]types.UsageRecord, 0, len(records)),
	}
	// Index API echoes by (customer, dimension, timestamp) to our keys.
	byCorrelation := make(map[string]*usage.Record, len(records))
	for _, rec := range records {
		if rec.Quantity > math.MaxInt32 {
			return nil, fmt.Errorf("record %s: quantity %d does not fit the metering api", rec.CorrelationKey(), rec.Quantity)
		}
		byCorrelation[rec.CorrelationKey()] = rec
		input.UsageRecords = append(input.UsageRecords, types.UsageRecord{
			CustomerIdentifier: aws.String(rec.CustomerIdentifier),
			Dimension:          aws.String(rec.Dimension),
			Quantity:           aws.Int32(int32(rec.Quantity)),
			Timestamp:          aws.Time(time.UnixMilli(rec.CreateTimestamp).UTC()),
		})
	}

	out, err := c.api.BatchMeterUsage(ctx, input)
	if err != nil {
		if isThrottle(err) {
			return nil, &billing.ThrottlingError{Err: err}
		}
		return nil, fmt.Errorf("batch meter usage: %w", err)
	}

	result := &billing.BatchResult{}
	for _, res := range out.Results {
		key := correlationKey(res.UsageRecord)
		result.Accepted = append(result.Accepted, billing.Accepted{
			CorrelationKey: key,
			Status:         resultStatus(res.Status),
			MeteringID:     aws.ToString(res.MeteringRecordId),
		})
	}
	for _, rec := range out.UnprocessedRecords {
		result.Unprocessed = append(result.Unprocessed, billing.Unprocessed{
			CorrelationKey: correlationKey(&rec),
			ErrorCode:      "UnprocessedRecord",
			ErrorMessage:   "metering api returned record as unprocessed",
		})
	}

	// Records the API mentioned nowhere count as unprocessed; silence is not
	// acceptance when money is involved.
	mentioned := make(map[string]struct{}, len(result.Accepted)+len(result.Unprocessed))
	for _, a := range result.Accepted {
		mentioned[a.CorrelationKey] = struct{}{}
	}
	for _, u := range result.Unprocessed {
		mentioned[u.CorrelationKey] = struct{}{}
	}
	for key := range byCorrelation {
		if _, ok := mentioned[key]; !ok {
			result.Unprocessed = append(result.Unprocessed, billing.Unprocessed{
				CorrelationKey: key,
				ErrorCode:      "MissingFromResponse",
				ErrorMessage:   "record absent from metering api response",
			})
		}
	}

	return result, nil
}

// ResolveCustomer exchanges the buyer's registration token for their
// marketplace identity.
func (c *Client) ResolveCustomer(ctx context.Context, registrationToken string) (*billing.Customer, error) {
	out, err := c.api.ResolveCustomer(ctx, &marketplacemetering.ResolveCustomerInput{
		RegistrationToken: aws.String(registrationToken),
	})
	if err != nil {
		if isThrottle(err) {
			return nil, &billing.ThrottlingError{Err: err}
		}
		return nil, fmt.Errorf("resolve customer: %w", err)
	}

	return &billing.Customer{
		CustomerIdentifier:   aws.ToString(out.CustomerIdentifier),
		ProductCode:          aws.ToString(out.ProductCode),
		CustomerAWSAccountID: aws.ToString(out.CustomerAWSAccountId),
	}, nil
}

func correlationKey(rec *types.UsageRecord) string {
	if rec == nil {
		return ""
	}
	ts := int64(0)
	if rec.Timestamp != nil {
		ts = rec.Timestamp.UnixMilli()
	}
	return fmt.Sprintf("%s::%s::%d", aws.ToString(rec.CustomerIdentifier), aws.ToString(rec.Dimension), ts)
}

func resultStatus(s types.UsageRecordResultStatus) billing.ResultStatus {
	switch s {
	case types.UsageRecordResultStatusSuccess:
		return billing.StatusSuccess
	case types.UsageRecordResultStatusDuplicateRecord:
		return billing.StatusDuplicate
	case types.UsageRecordResultStatusCustomerNotSubscribed:
		return billing.StatusCustomerNotSubscribed
	default:
		return billing.ResultStatus(s)
	}
}

func isThrottle(err error) bool {
	var apiErr smithy.APIError
	if errors.As(err, &apiErr) {
		switch apiErr.ErrorCode() {
		case "ThrottlingException", "TooManyRequestsException", "RequestLimitExceeded":
			return true
		}
	}
	var throttled *types.ThrottlingException
	return errors.As(err, &throttled)
}
