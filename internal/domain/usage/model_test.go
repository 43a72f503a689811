package usage

import (
	"math"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

func TestValidate(t *testing.T) {
	valid := Record{
		CustomerIdentifier: "cust-1",
		CreateTimestamp:    1000,
		Dimension:          "api-calls",
		Quantity:           5,
	}

	tests := []struct {
		name    string
		mutate  func(r *Record)
		wantErr bool
	}{
		{"valid", func(r *Record) {}, false},
		{"missing customer", func(r *Record) { r.CustomerIdentifier = "" }, true},
		{"missing timestamp", func(r *Record) { r.CreateTimestamp = 0 }, true},
		{"missing dimension", func(r *Record) { r.Dimension = "" }, true},
		{"zero quantity", func(r *Record) { r.Quantity = 0 }, true},
		{"negative quantity", func(r *Record) { r.Quantity = -1 }, true},
		{"quantity at api limit", func(r *Record) { r.Quantity = math.MaxInt32 }, false},
		{"quantity above api limit", func(r *Record) { r.Quantity = math.MaxInt32 + 1 }, true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			rec := valid
			tt.mutate(&rec)
			err := rec.Validate()
			if tt.wantErr {
				assert.Error(t, err)
			} else {
				assert.NoError(t, err)
			}
		})
	}
}

func TestCorrelationKey(t *testing.T) {
	rec := Record{CustomerIdentifier: "cust-1", Dimension: "api-calls", CreateTimestamp: 1000}
	assert.Equal(t, "cust-1::api-calls::1000", rec.CorrelationKey())
}

func TestClaimed(t *testing.T) {
	now := time.Now()

	rec := Record{MeteringPending: MeteringPendingProcessing, ProcessingStartedAt: &now}
	assert.True(t, rec.Claimed())

	// processing without a claim timestamp is inconsistent: treat as pending
	rec.ProcessingStartedAt = nil
	assert.False(t, rec.Claimed())

	rec = Record{MeteringPending: MeteringPendingYes}
	assert.False(t, rec.Claimed())
}
