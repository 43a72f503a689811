package scanner

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/MichaelWalker-git/aws-marketplace-integration/internal/config"
	"github.com/MichaelWalker-git/aws-marketplace-integration/internal/domain/usage"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

type fakeRepo struct {
	pending []*usage.Record

	reclaimCount int
	reclaimErr   error
	reclaimCalls int

	fetchErr   error
	fetchCalls int

	resetKeys []usage.Key
	resetErr  error
}

func (f *fakeRepo) Create(ctx context.Context, rec *usage.Record) error { return nil }

func (f *fakeRepo) FetchPendingBatch(ctx context.Context, limit int) ([]*usage.Record, error) {
	f.fetchCalls++
	if f.fetchErr != nil {
		return nil, f.fetchErr
	}
	n := limit
	if n > len(f.pending) {
		n = len(f.pending)
	}
	batch := f.pending[:n]
	f.pending = f.pending[n:]
	now := time.Now()
	for _, rec := range batch {
		rec.MeteringPending = usage.MeteringPendingProcessing
		rec.ProcessingStartedAt = &now
	}
	return batch, nil
}

func (f *fakeRepo) ResetClaim(ctx context.Context, keys []usage.Key) error {
	if f.resetErr != nil {
		return f.resetErr
	}
	f.resetKeys = append(f.resetKeys, keys...)
	return nil
}

func (f *fakeRepo) MarkCompleted(ctx context.Context, key usage.Key, reportedAt time.Time) error {
	return nil
}

func (f *fakeRepo) MarkFailed(ctx context.Context, key usage.Key, errMsg string, failedAt time.Time) error {
	return nil
}

func (f *fakeRepo) ReclaimStuck(ctx context.Context, olderThan time.Time) (int, error) {
	f.reclaimCalls++
	return f.reclaimCount, f.reclaimErr
}

type fakeQueue struct {
	failFor map[string]bool
	sent    []string // keys in send order
}

func (q *fakeQueue) SendMessage(ctx context.Context, key, value []byte) error {
	if q.failFor[string(key)] {
		return errors.New("broker unavailable")
	}
	q.sent = append(q.sent, string(key))
	return nil
}

func testCfg() config.Scanner {
	return config.Scanner{
		BatchSize:          25,
		MaxRecordsPerCycle: 500,
		Interval:           time.Minute,
		SafetyMargin:       30 * time.Second,
		ReclaimTimeout:     30 * time.Minute,
	}
}

func pendingRecord(customer string, ts int64) *usage.Record {
	return &usage.Record{
		CustomerIdentifier: customer,
		CreateTimestamp:    ts,
		MeteringPending:    usage.MeteringPendingYes,
		Dimension:          "api-calls",
		Quantity:           5,
		Status:             usage.StatusPending,
	}
}

func TestCycle_ClaimsAndPublishes(t *testing.T) {
	repo := &fakeRepo{pending: []*usage.Record{
		pendingRecord("cust-1", 1000),
		pendingRecord("cust-2", 2000),
	}}
	queue := &fakeQueue{}
	s := New(testCfg(), repo, queue, zap.NewNop())

	stats, err := s.Cycle(context.Background())
	require.NoError(t, err)

	assert.Equal(t, 2, stats.Attempted)
	assert.Equal(t, 2, stats.Published)
	assert.Equal(t, 0, stats.Failed)
	assert.Equal(t, []string{"cust-1", "cust-2"}, queue.sent)
	assert.Empty(t, repo.resetKeys)
	assert.Equal(t, 1, repo.reclaimCalls, "reclaim sweep runs before the scan")
}

func TestCycle_PublishFailureRollsBackOnlyFailedRecords(t *testing.T) {
	repo := &fakeRepo{pending: []*usage.Record{
		pendingRecord("cust-1", 1000),
		pendingRecord("cust-2", 2000),
		pendingRecord("cust-3", 3000),
	}}
	queue := &fakeQueue{failFor: map[string]bool{"cust-2": true}}
	s := New(testCfg(), repo, queue, zap.NewNop())

	stats, err := s.Cycle(context.Background())
	require.NoError(t, err, "partial publish failures must not abort the cycle")

	assert.Equal(t, 3, stats.Attempted)
	assert.Equal(t, 2, stats.Published)
	assert.Equal(t, 1, stats.Failed)
	require.Len(t, repo.resetKeys, 1)
	assert.Equal(t, usage.Key{CustomerIdentifier: "cust-2", CreateTimestamp: 2000}, repo.resetKeys[0])
}

func TestCycle_StoreQueryFailureIsFatal(t *testing.T) {
	repo := &fakeRepo{fetchErr: errors.New("store down")}
	s := New(testCfg(), repo, &fakeQueue{}, zap.NewNop())

	_, err := s.Cycle(context.Background())
	assert.Error(t, err)
}

func TestCycle_RespectsPerCycleCap(t *testing.T) {
	repo := &fakeRepo{}
	for i := 0; i < 100; i++ {
		repo.pending = append(repo.pending, pendingRecord("cust-1", int64(i+1)))
	}
	cfg := testCfg()
	cfg.BatchSize = 10
	cfg.MaxRecordsPerCycle = 30
	s := New(cfg, repo, &fakeQueue{}, zap.NewNop())

	stats, err := s.Cycle(context.Background())
	require.NoError(t, err)

	assert.Equal(t, 30, stats.Attempted)
	assert.Equal(t, 3, repo.fetchCalls)
	assert.Len(t, repo.pending, 70)
}

func TestCycle_StopsWhenBudgetBelowSafetyMargin(t *testing.T) {
	repo := &fakeRepo{pending: []*usage.Record{pendingRecord("cust-1", 1000)}}
	cfg := testCfg()
	cfg.SafetyMargin = time.Hour

	ctx, cancel := context.WithTimeout(context.Background(), time.Minute)
	defer cancel()

	s := New(cfg, repo, &fakeQueue{}, zap.NewNop())
	stats, err := s.Cycle(ctx)
	require.NoError(t, err)

	assert.Equal(t, 0, stats.Attempted)
	assert.Equal(t, 0, repo.fetchCalls)
	assert.Equal(t, 1, repo.reclaimCalls, "reclaim still runs when the scan is skipped")
}

func TestCycle_ReclaimFailureIsSwallowed(t *testing.T) {
	repo := &fakeRepo{
		reclaimErr: errors.New("store hiccup"),
		pending:    []*usage.Record{pendingRecord("cust-1", 1000)},
	}
	s := New(testCfg(), repo, &fakeQueue{}, zap.NewNop())

	stats, err := s.Cycle(context.Background())
	require.NoError(t, err)

	assert.Equal(t, 0, stats.Reclaimed)
	assert.Equal(t, 1, stats.Published, "scan proceeds despite reclaim failure")
}

func TestCycle_ReportsReclaimedCount(t *testing.T) {
	repo := &fakeRepo{reclaimCount: 4}
	s := New(testCfg(), repo, &fakeQueue{}, zap.NewNop())

	stats, err := s.Cycle(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 4, stats.Reclaimed)
}
