package reporter

import (
	"context"
	"encoding/json"
	"errors"
	"time"

	"github.com/MichaelWalker-git/aws-marketplace-integration/internal/config"
	"github.com/MichaelWalker-git/aws-marketplace-integration/internal/domain/billing"
	"github.com/MichaelWalker-git/aws-marketplace-integration/internal/domain/event"
	"github.com/MichaelWalker-git/aws-marketplace-integration/internal/domain/usage"
	"github.com/MichaelWalker-git/aws-marketplace-integration/internal/retry"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/segmentio/kafka-go"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"
)

var (
	recordsCompleted = promauto.NewCounter(prometheus.CounterOpts{
		Name: "reporter_records_completed_total",
		Help: "The total number of records the billing API accepted",
	})
	recordsFailed = promauto.NewCounter(prometheus.CounterOpts{
		Name: "reporter_records_failed_total",
		Help: "The total number of records marked failed",
	})
	validationFailures = promauto.NewCounter(prometheus.CounterOpts{
		Name: "reporter_validation_failures_total",
		Help: "The total number of records rejected before submission",
	})
	dedupSkips = promauto.NewCounter(prometheus.CounterOpts{
		Name: "reporter_dedup_skips_total",
		Help: "The total number of redelivered messages suppressed by the dedup window",
	})
	dlqMessages = promauto.NewCounter(prometheus.CounterOpts{
		Name: "reporter_dlq_messages_total",
		Help: "The total number of messages diverted to the dead-letter topic",
	})
	batchDuration = promauto.NewHistogram(prometheus.HistogramOpts{
		Name:    "reporter_batch_duration_seconds",
		Help:    "Time taken to process one delivery batch",
		Buckets: []float64{0.1, 0.5, 1, 2, 5, 10},
	})
)

// Consumer is the delivery queue's receive side. Messages are fetched and
// acknowledged independently.
type Consumer interface {
	FetchMessage(ctx context.Context) (kafka.Message, error)
	CommitMessages(ctx context.Context, msgs ...kafka.Message) error
}

// Publisher is the dead-letter sink.
type Publisher interface {
	SendMessage(ctx context.Context, key, value []byte) error
}

// Deduper suppresses redelivered messages within a bounded window.
type Deduper interface {
	Seen(ctx context.Context, key string) (bool, error)
}

// Reporter drains metering messages from the delivery queue, submits them in
// bulk to the billing API, and reconciles the usage store with the
// per-record outcome.
type Reporter struct {
	cfg    config.Reporter
	repo   usage.Repository
	client billing.Client
	dedup  Deduper
	dlq    Publisher
	log    *zap.Logger

	now   func() time.Time
	sleep func(ctx context.Context, d time.Duration)
}

func New(cfg config.Reporter, repo usage.Repository, client billing.Client, dedup Deduper, dlq Publisher, log *zap.Logger) *Reporter {
	return &Reporter{
		cfg:    cfg,
		repo:   repo,
		client: client,
		dedup:  dedup,
		dlq:    dlq,
		log:    log,
		now:    time.Now,
		sleep: func(ctx context.Context, d time.Duration) {
			t := time.NewTimer(d)
			defer t.Stop()
			select {
			case <-ctx.Done():
			case <-t.C:
			}
		},
	}
}

// Run consumes the delivery topic until ctx is cancelled.
func (r *Reporter) Run(ctx context.Context, consumer Consumer) error {
	r.log.Info("billing reporter started",
		zap.Int("batch_size", r.cfg.BatchSize),
		zap.Duration("batch_linger", r.cfg.BatchLinger))

	for {
		msgs, err := r.fetchBatch(ctx, consumer)
		if err != nil {
			if ctx.Err() != nil {
				return nil
			}
			r.log.Error("failed to fetch messages", zap.Error(err))
			r.sleep(ctx, time.Second)
			continue
		}
		if len(msgs) == 0 {
			continue
		}

		started := r.now()
		r.HandleBatch(ctx, consumer, msgs)
		batchDuration.Observe(r.now().Sub(started).Seconds())
	}
}

// fetchBatch accumulates up to BatchSize messages, waiting at most the
// linger window after the first one. 25 is the billing API's bulk limit, so
// there is no point gathering more.
func (r *Reporter) fetchBatch(ctx context.Context, consumer Consumer) ([]kafka.Message, error) {
	first, err := consumer.FetchMessage(ctx)
	if err != nil {
		return nil, err
	}
	msgs := []kafka.Message{first}

	lingerCtx, cancel := context.WithTimeout(ctx, r.cfg.BatchLinger)
	defer cancel()

	for len(msgs) < r.cfg.BatchSize {
		msg, err := consumer.FetchMessage(lingerCtx)
		if err != nil {
			break // linger expired or fetch failed; process what we have
		}
		msgs = append(msgs, msg)
	}

	return msgs, nil
}

// envelope pairs a queue message with its decoded body.
type envelope struct {
	msg    kafka.Message
	body   event.MeteringMessage
	record *usage.Record
}

// HandleBatch processes one batch to a terminal disposition: every message
// ends up committed, and poison messages additionally land on the DLQ.
// Billing submission failures are retried with backoff up to MaxDeliveries
// before the batch is diverted.
func (r *Reporter) HandleBatch(ctx context.Context, consumer Consumer, msgs []kafka.Message) {
	admitted, resolved := r.admit(ctx, msgs)

	var submitErr error
	if len(admitted) > 0 {
		for attempt := 0; ; attempt++ {
			submitErr = r.submitAndReconcile(ctx, admitted)
			if submitErr == nil {
				break
			}
			r.log.Error("batch submission failed",
				zap.Int("attempt", attempt+1),
				zap.Int("records", len(admitted)),
				zap.Error(submitErr))
			if attempt >= r.cfg.MaxDeliveries {
				r.divertToDLQ(ctx, admitted)
				break
			}
			r.sleep(ctx, time.Duration(1<<attempt)*time.Second)
			if ctx.Err() != nil {
				// Mid-flight deadline: leave claimed rows to the reclaim sweep.
				return
			}
		}
	}

	all := make([]kafka.Message, 0, len(msgs))
	all = append(all, resolved...)
	for _, env := range admitted {
		all = append(all, env.msg)
	}
	if err := consumer.CommitMessages(ctx, all...); err != nil {
		r.log.Error("failed to commit messages", zap.Error(err))
	}
}

// admit parses, validates, and dedups incoming messages. Returns the
// envelopes to submit, plus messages already resolved (poison, invalid, or
// duplicate) that only need committing.
func (r *Reporter) admit(ctx context.Context, msgs []kafka.Message) (admitted []*envelope, resolved []kafka.Message) {
	for _, msg := range msgs {
		var body event.MeteringMessage
		if err := json.Unmarshal(msg.Value, &body); err != nil {
			r.log.Error("unparseable message, diverting to dlq",
				zap.Int64("offset", msg.Offset),
				zap.Error(err))
			r.sendToDLQ(ctx, msg.Key, msg.Value)
			resolved = append(resolved, msg)
			continue
		}

		rec := body.OriginalRecord
		rec.CustomerIdentifier = body.CustomerIdentifier
		rec.CreateTimestamp = body.Timestamp
		rec.Dimension = body.Dimension
		rec.Quantity = body.Quantity

		if err := rec.Validate(); err != nil {
			// Terminal: mark failed by correlation key, never contact the API.
			validationFailures.Inc()
			r.log.Warn("invalid record, marking failed",
				zap.String("correlation_key", rec.CorrelationKey()),
				zap.Error(err))
			r.markFailed(ctx, rec.Key(), "validation: "+err.Error())
			resolved = append(resolved, msg)
			continue
		}

		if body.DedupKey != "" {
			seen, err := r.dedup.Seen(ctx, body.DedupKey)
			if err != nil {
				// Dedup is an optimization; the billing API's own duplicate
				// detection is the backstop. Proceed.
				r.log.Warn("dedup check failed", zap.Error(err))
			} else if seen {
				dedupSkips.Inc()
				resolved = append(resolved, msg)
				continue
			}
		}

		admitted = append(admitted, &envelope{msg: msg, body: body, record: &rec})
	}

	return admitted, resolved
}

// submitAndReconcile sends one bulk request and writes each record's outcome
// back to the store. Throttling is retried with exponential backoff inside
// the shared controller; any other submission error surfaces as the batch's
// failure. Store-update failures never mask a completed submission.
func (r *Reporter) submitAndReconcile(ctx context.Context, batch []*envelope) error {
	records := make([]*usage.Record, len(batch))
	byKey := make(map[string]*usage.Record, len(batch))
	for i, env := range batch {
		records[i] = env.record
		byKey[env.record.CorrelationKey()] = env.record
	}

	var result *billing.BatchResult
	policy := retry.Policy{MaxAttempts: r.cfg.MaxAttempts, BaseDelay: r.cfg.RetryBase}
	err := retry.Do(ctx, policy, billing.IsThrottling, func(ctx context.Context) error {
		var submitErr error
		result, submitErr = r.client.SubmitBatch(ctx, records)
		return submitErr
	})
	if err != nil {
		return err
	}

	r.reconcile(ctx, byKey, result)
	return nil
}

// reconcile fans out one store update per record and waits for all of them;
// a failed update never cancels the siblings. The external charge has
// already happened, so update errors are logged and swallowed, not
// propagated.
func (r *Reporter) reconcile(ctx context.Context, byKey map[string]*usage.Record, result *billing.BatchResult) {
	type update struct {
		rec       *usage.Record
		completed bool
		errMsg    string
	}

	var updates []update
	for _, acc := range result.Accepted {
		rec, ok := byKey[acc.CorrelationKey]
		if !ok {
			r.log.Warn("billing result for unknown record",
				zap.String("correlation_key", acc.CorrelationKey))
			continue
		}
		switch acc.Status {
		case billing.StatusSuccess, billing.StatusDuplicate:
			// A duplicate response means the charge already exists: success.
			updates = append(updates, update{rec: rec, completed: true})
		default:
			updates = append(updates, update{rec: rec, errMsg: string(acc.Status)})
		}
	}
	for _, un := range result.Unprocessed {
		rec, ok := byKey[un.CorrelationKey]
		if !ok {
			r.log.Warn("unprocessed result for unknown record",
				zap.String("correlation_key", un.CorrelationKey))
			continue
		}
		updates = append(updates, update{rec: rec, errMsg: un.ErrorCode + ": " + un.ErrorMessage})
	}

	g, gctx := errgroup.WithContext(ctx)
	for _, u := range updates {
		u := u
		g.Go(func() error {
			if u.completed {
				r.markCompleted(gctx, u.rec.Key())
			} else {
				r.markFailed(gctx, u.rec.Key(), u.errMsg)
			}
			return nil // outcomes are handled per record, never across tasks
		})
	}
	_ = g.Wait()
}

func (r *Reporter) markCompleted(ctx context.Context, key usage.Key) {
	if err := r.repo.MarkCompleted(ctx, key, r.now()); err != nil {
		if errors.Is(err, usage.ErrConditionFailed) {
			// Another worker finalized it first; the money side is settled.
			r.log.Debug("record already finalized",
				zap.String("customer", key.CustomerIdentifier),
				zap.Int64("timestamp", key.CreateTimestamp))
			return
		}
		r.log.Error("failed to mark record completed",
			zap.String("customer", key.CustomerIdentifier),
			zap.Int64("timestamp", key.CreateTimestamp),
			zap.Error(err))
		return
	}
	recordsCompleted.Inc()
}

func (r *Reporter) markFailed(ctx context.Context, key usage.Key, errMsg string) {
	if err := r.repo.MarkFailed(ctx, key, errMsg, r.now()); err != nil {
		r.log.Error("failed to mark record failed",
			zap.String("customer", key.CustomerIdentifier),
			zap.Int64("timestamp", key.CreateTimestamp),
			zap.Error(err))
		return
	}
	recordsFailed.Inc()
}

func (r *Reporter) divertToDLQ(ctx context.Context, batch []*envelope) {
	for _, env := range batch {
		r.sendToDLQ(ctx, env.msg.Key, env.msg.Value)
	}
}

func (r *Reporter) sendToDLQ(ctx context.Context, key, value []byte) {
	if err := r.dlq.SendMessage(ctx, key, value); err != nil {
		r.log.Error("failed to publish to dlq", zap.Error(err))
		return
	}
	dlqMessages.Inc()
}
