package scanner

import (
	"context"
	"time"

	"github.com/MichaelWalker-git/aws-marketplace-integration/internal/config"
	"github.com/MichaelWalker-git/aws-marketplace-integration/internal/domain/event"
	"github.com/MichaelWalker-git/aws-marketplace-integration/internal/domain/usage"

	"github.com/google/uuid"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"go.uber.org/zap"
)

var (
	recordsPublished = promauto.NewCounter(prometheus.CounterOpts{
		Name: "scanner_records_published_total",
		Help: "The total number of claimed records published to the delivery topic",
	})
	publishErrors = promauto.NewCounter(prometheus.CounterOpts{
		Name: "scanner_publish_errors_total",
		Help: "The total number of failed publish attempts",
	})
	recordsReclaimed = promauto.NewCounter(prometheus.CounterOpts{
		Name: "scanner_records_reclaimed_total",
		Help: "The total number of stuck records reset to pending",
	})
)

// Queue is the delivery channel the scanner publishes claimed records onto.
type Queue interface {
	SendMessage(ctx context.Context, key, value []byte) error
}

// ScanStats summarizes one scan cycle.
type ScanStats struct {
	Reclaimed int
	Attempted int
	Published int
	Failed    int
}

// Scanner claims pending usage records in batches and forwards them to the
// delivery queue. Safe to run concurrently with other invocations: the
// store's conditional claim is the only coordination.
type Scanner struct {
	cfg   config.Scanner
	repo  usage.Repository
	queue Queue
	log   *zap.Logger

	now func() time.Time
}

func New(cfg config.Scanner, repo usage.Repository, queue Queue, log *zap.Logger) *Scanner {
	return &Scanner{
		cfg:   cfg,
		repo:  repo,
		queue: queue,
		log:   log,
		now:   time.Now,
	}
}

// Run drives cycles on a ticker until ctx is cancelled. Each cycle gets its
// own deadline so a slow store cannot bleed into the next tick.
func (s *Scanner) Run(ctx context.Context) error {
	ticker := time.NewTicker(s.cfg.Interval)
	defer ticker.Stop()

	s.log.Info("scanner started",
		zap.Duration("interval", s.cfg.Interval),
		zap.Int("batch_size", s.cfg.BatchSize))

	for {
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
			cycleCtx, cancel := context.WithTimeout(ctx, s.cfg.Interval)
			stats, err := s.Cycle(cycleCtx)
			cancel()
			if err != nil {
				s.log.Error("scan cycle failed", zap.Error(err))
				continue
			}
			if stats.Attempted > 0 || stats.Reclaimed > 0 {
				s.log.Info("scan cycle finished",
					zap.Int("reclaimed", stats.Reclaimed),
					zap.Int("attempted", stats.Attempted),
					zap.Int("published", stats.Published),
					zap.Int("failed", stats.Failed))
			}
		}
	}
}

// Cycle runs the reclaim sweep, then claims and publishes pending records
// until the index is exhausted, the per-cycle cap is hit, or the remaining
// time budget drops below the safety margin. Partial failures never abort
// the cycle; only a store query failure does.
func (s *Scanner) Cycle(ctx context.Context) (ScanStats, error) {
	var stats ScanStats

	stats.Reclaimed = s.reclaim(ctx)

	for stats.Attempted < s.cfg.MaxRecordsPerCycle {
		if !s.withinBudget(ctx) {
			s.log.Warn("stopping scan early, time budget exhausted",
				zap.Duration("safety_margin", s.cfg.SafetyMargin))
			break
		}

		limit := s.cfg.BatchSize
		if remaining := s.cfg.MaxRecordsPerCycle - stats.Attempted; remaining < limit {
			limit = remaining
		}

		batch, err := s.repo.FetchPendingBatch(ctx, limit)
		if err != nil {
			// Total inability to query the store ends the cycle.
			return stats, err
		}
		if len(batch) == 0 {
			break
		}

		published, failed := s.publishBatch(ctx, batch)
		stats.Attempted += len(batch)
		stats.Published += published
		stats.Failed += failed
	}

	return stats, nil
}

// reclaim is the stuck-record sweep. Best-effort: failures are logged and
// swallowed so cleanup can never abort the main scan.
func (s *Scanner) reclaim(ctx context.Context) int {
	cutoff := s.now().Add(-s.cfg.ReclaimTimeout)
	n, err := s.repo.ReclaimStuck(ctx, cutoff)
	if err != nil {
		s.log.Error("reclaim sweep failed", zap.Error(err))
		return 0
	}
	if n > 0 {
		recordsReclaimed.Add(float64(n))
		s.log.Warn("reset stuck records to pending",
			zap.Int("count", n),
			zap.Time("cutoff", cutoff))
	}
	return n
}

// publishBatch enqueues claimed records, keyed by customer so the queue's
// hash balancer keeps per-customer order. Records that fail to publish are
// rolled back to pending for the next cycle.
func (s *Scanner) publishBatch(ctx context.Context, batch []*usage.Record) (published, failed int) {
	var rollback []usage.Key

	for _, rec := range batch {
		msg := event.NewMeteringMessage(rec, uuid.NewString(), s.now())
		value, err := msg.Marshal()
		if err != nil {
			s.log.Error("failed to marshal record",
				zap.String("correlation_key", rec.CorrelationKey()),
				zap.Error(err))
			publishErrors.Inc()
			rollback = append(rollback, rec.Key())
			failed++
			continue
		}

		sendCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
		err = s.queue.SendMessage(sendCtx, []byte(rec.CustomerIdentifier), value)
		cancel()

		if err != nil {
			s.log.Error("failed to publish record",
				zap.String("correlation_key", rec.CorrelationKey()),
				zap.Error(err))
			publishErrors.Inc()
			rollback = append(rollback, rec.Key())
			failed++
			continue
		}

		recordsPublished.Inc()
		published++
	}

	if len(rollback) > 0 {
		if err := s.repo.ResetClaim(ctx, rollback); err != nil {
			// Leave the rows to the reclaim sweep.
			s.log.Error("failed to roll back claims",
				zap.Int("count", len(rollback)),
				zap.Error(err))
		}
	}

	return published, failed
}

// withinBudget checks the remaining time against the safety margin.
func (s *Scanner) withinBudget(ctx context.Context) bool {
	deadline, ok := ctx.Deadline()
	if !ok {
		return true
	}
	return time.Until(deadline) > s.cfg.SafetyMargin
}
