package event

import (
	"encoding/json"
	"fmt"
	"time"

	"github.com/MichaelWalker-git/aws-marketplace-integration/internal/domain/usage"
)

// MeteringMessage is the envelope published to the delivery topic.
// OriginalRecord carries the full store row so the reporter can reconcile
// without a read-back.
type MeteringMessage struct {
	ID                 string       `json:"id"`
	CustomerIdentifier string       `json:"customer_identifier"`
	Timestamp          int64        `json:"timestamp"`
	Dimension          string       `json:"dimension"`
	Quantity           int64        `json:"quantity"`
	DedupKey           string       `json:"dedup_key"`
	EnqueuedAt         time.Time    `json:"enqueued_at"`
	OriginalRecord     usage.Record `json:"original_record"`
}

// NewMeteringMessage wraps a claimed record. The nonce is minted per enqueue
// attempt so a rolled-back and re-enqueued record is not suppressed by
// queue-side dedup.
func NewMeteringMessage(rec *usage.Record, nonce string, enqueuedAt time.Time) MeteringMessage {
	return MeteringMessage{
		ID:                 nonce,
		CustomerIdentifier: rec.CustomerIdentifier,
		Timestamp:          rec.CreateTimestamp,
		Dimension:          rec.Dimension,
		Quantity:           rec.Quantity,
		DedupKey:           fmt.Sprintf("%s::%d::%s", rec.CustomerIdentifier, rec.CreateTimestamp, nonce),
		EnqueuedAt:         enqueuedAt,
		OriginalRecord:     *rec,
	}
}

func (m MeteringMessage) Marshal() ([]byte, error) {
	b, err := json.Marshal(m)
	if err != nil {
		return nil, fmt.Errorf("marshal metering message: %w", err)
	}
	return b, nil
}
