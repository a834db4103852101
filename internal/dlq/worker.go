package dlq

import (
	"context"
	"encoding/json"
	"fmt"
	"math"
	"time"

	"go.uber.org/zap"

	"github.com/hadrian-labs/gatewaycore/internal/metrics"
	"github.com/hadrian-labs/gatewaycore/internal/models"
)

// RetryConfig controls the worker's backoff schedule and batching.
type RetryConfig struct {
	Interval         time.Duration
	InitialDelay     time.Duration
	MaxDelay         time.Duration
	BackoffMultiplier float64
	MaxRetries       int
	BatchSize        int
	PruneEnabled     bool
	// RetainFor is the retention the backends prune against; each backend
	// is built with its own copy and the Worker does not read this field.
	RetainFor time.Duration
}

func DefaultRetryConfig() RetryConfig {
	return RetryConfig{
		Interval:          30 * time.Second,
		InitialDelay:      10 * time.Second,
		MaxDelay:          10 * time.Minute,
		BackoffMultiplier: 2.0,
		MaxRetries:        10,
		BatchSize:         50,
		PruneEnabled:      true,
	}
}

// UsageLogSink persists a usage record that previously failed to commit.
// Implemented by internal/usagebuffer's database flush path.
type UsageLogSink interface {
	PersistUsageRecord(ctx context.Context, record models.UsageRecord) error
}

// Worker polls the queue on Interval, retrying entries whose backoff has
// elapsed and dispatching them by EntryType. Unknown entry types are
// skipped without mutating their retry state, so a future release that
// knows how to handle them can still find them.
type Worker struct {
	queue        DeadLetterQueue
	sink         UsageLogSink
	cfg          RetryConfig
	logger       *zap.Logger
	backendLabel string
}

func NewWorker(queue DeadLetterQueue, sink UsageLogSink, cfg RetryConfig, backendLabel string, logger *zap.Logger) *Worker {
	return &Worker{queue: queue, sink: sink, cfg: cfg, backendLabel: backendLabel, logger: logger.Named("dlq.worker")}
}

// Run blocks, processing batches on cfg.Interval until ctx is canceled.
func (w *Worker) Run(ctx context.Context) {
	ticker := time.NewTicker(w.cfg.Interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if err := w.processBatch(ctx); err != nil {
				w.logger.Error("dlq batch processing failed", zap.Error(err))
			}
			if w.cfg.PruneEnabled {
				if n, err := w.queue.Prune(ctx); err != nil {
					w.logger.Error("dlq prune failed", zap.Error(err))
				} else if n > 0 {
					w.logger.Info("pruned expired dlq entries", zap.Int64("count", n))
				}
			}
			if depth, err := w.queue.Len(ctx); err == nil {
				metrics.SetDlqDepth(w.backendLabel, int(depth))
			}
		}
	}
}

func (w *Worker) processBatch(ctx context.Context) error {
	page, err := w.queue.List(ctx, ListParams{Limit: w.cfg.BatchSize})
	if err != nil {
		return fmt.Errorf("listing dlq entries: %w", err)
	}

	now := time.Now()
	for _, entry := range page.Entries {
		if entry.RetryCount >= w.cfg.MaxRetries {
			continue
		}
		if !w.isReadyForRetry(entry, now) {
			continue
		}
		w.processEntry(ctx, entry)
	}

	return nil
}

// isReadyForRetry reports whether enough time has passed since the entry's
// reference time (last retry, or creation if never retried) to attempt
// another delivery, per an exponential backoff capped at MaxDelay.
func (w *Worker) isReadyForRetry(entry Entry, now time.Time) bool {
	delay := w.backoffDelay(entry.RetryCount)
	return now.Sub(entry.ReferenceTime()) >= delay
}

func (w *Worker) backoffDelay(retryCount int) time.Duration {
	multiplier := math.Pow(w.cfg.BackoffMultiplier, float64(retryCount))
	delay := time.Duration(float64(w.cfg.InitialDelay) * multiplier)
	if delay > w.cfg.MaxDelay {
		delay = w.cfg.MaxDelay
	}
	return delay
}

func (w *Worker) processEntry(ctx context.Context, entry Entry) {
	var err error
	switch entry.EntryType {
	case EntryTypeUsageLog:
		err = w.processUsageLogEntry(ctx, entry)
	default:
		w.logger.Warn("skipping dlq entry with unknown type",
			zap.String("id", entry.ID.String()),
			zap.String("entry_type", string(entry.EntryType)))
		return
	}

	if err != nil {
		metrics.RecordDlqRetry(string(entry.EntryType), "failure")
		w.logger.Warn("dlq entry retry failed",
			zap.String("id", entry.ID.String()),
			zap.Int("retry_count", entry.RetryCount),
			zap.Error(err))
		if markErr := w.queue.MarkRetried(ctx, entry.ID, err.Error()); markErr != nil {
			w.logger.Error("failed to record dlq retry attempt", zap.Error(markErr))
		}
		return
	}

	metrics.RecordDlqRetry(string(entry.EntryType), "success")
	if removeErr := w.queue.Remove(ctx, entry.ID); removeErr != nil {
		w.logger.Error("failed to remove delivered dlq entry", zap.Error(removeErr))
	}
}

func (w *Worker) processUsageLogEntry(ctx context.Context, entry Entry) error {
	var record models.UsageRecord
	if err := json.Unmarshal(entry.Payload, &record); err != nil {
		return fmt.Errorf("unmarshaling usage record payload: %w", err)
	}
	return w.sink.PersistUsageRecord(ctx, record)
}
