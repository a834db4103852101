// Package usagebuffer implements the bounded, periodically-flushed buffer
// that sits between the admission pipeline's hot path and the usage
// database. Producers never block on a database write; the buffer drops
// its oldest entry rather than apply backpressure once it is completely
// full, and redirects to the dead-letter queue when the database itself
// is unavailable.
package usagebuffer

import (
	"context"
	"encoding/json"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/hadrian-labs/gatewaycore/internal/dlq"
	"github.com/hadrian-labs/gatewaycore/internal/metrics"
	"github.com/hadrian-labs/gatewaycore/internal/models"
)

// Sink persists a batch of usage records to their primary store.
type Sink interface {
	PersistBatch(ctx context.Context, records []models.UsageRecord) error
}

// Config controls buffer sizing and flush cadence. MaxSize is the soft
// threshold that triggers an immediate flush; MaxPendingEntries is the
// hard cap beyond which the oldest buffered entry is dropped to make room
// for the newest one. Per the design this is always 10x MaxSize unless
// explicitly overridden.
type Config struct {
	MaxSize           int
	MaxPendingEntries int
	FlushInterval     time.Duration
}

func (c Config) withDefaults() Config {
	if c.MaxSize <= 0 {
		c.MaxSize = 500
	}
	if c.MaxPendingEntries <= 0 {
		c.MaxPendingEntries = c.MaxSize * 10
	}
	if c.FlushInterval <= 0 {
		c.FlushInterval = 5 * time.Second
	}
	return c
}

type Buffer struct {
	cfg    Config
	sink   Sink
	dlq    dlq.DeadLetterQueue
	logger *zap.Logger

	mu      sync.Mutex
	pending []models.UsageRecord

	flushSignal chan struct{}

	droppedCount int64
}

func New(cfg Config, sink Sink, deadLetter dlq.DeadLetterQueue, logger *zap.Logger) *Buffer {
	cfg = cfg.withDefaults()
	return &Buffer{
		cfg:         cfg,
		sink:        sink,
		dlq:         deadLetter,
		logger:      logger.Named("usagebuffer"),
		pending:     make([]models.UsageRecord, 0, cfg.MaxSize),
		flushSignal: make(chan struct{}, 1),
	}
}

// Record enqueues a usage record without blocking. If the buffer is at
// MaxPendingEntries, the oldest record is dropped to admit the new one.
// Reaching MaxSize requests (but does not force) an immediate flush.
func (b *Buffer) Record(record models.UsageRecord) {
	b.mu.Lock()
	if len(b.pending) >= b.cfg.MaxPendingEntries {
		b.pending = b.pending[1:]
		b.droppedCount++
		metrics.RecordUsageBufferDropped()
		b.logger.Warn("usage buffer full, dropping oldest entry",
			zap.Int("max_pending_entries", b.cfg.MaxPendingEntries))
	}
	b.pending = append(b.pending, record)
	shouldFlush := len(b.pending) >= b.cfg.MaxSize
	b.mu.Unlock()

	if shouldFlush {
		select {
		case b.flushSignal <- struct{}{}:
		default:
		}
	}
}

// DroppedCount returns the number of records dropped due to overflow
// since the buffer was created.
func (b *Buffer) DroppedCount() int64 {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.droppedCount
}

// Run blocks, flushing on FlushInterval or whenever MaxSize is reached,
// until ctx is canceled. A final flush is attempted on shutdown so
// in-flight records aren't silently lost.
func (b *Buffer) Run(ctx context.Context) {
	ticker := time.NewTicker(b.cfg.FlushInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			b.flush(context.Background())
			return
		case <-ticker.C:
			b.flush(ctx)
		case <-b.flushSignal:
			b.flush(ctx)
		}
	}
}

func (b *Buffer) flush(ctx context.Context) {
	b.mu.Lock()
	if len(b.pending) == 0 {
		b.mu.Unlock()
		return
	}
	batch := b.pending
	b.pending = make([]models.UsageRecord, 0, b.cfg.MaxSize)
	b.mu.Unlock()

	flushStart := time.Now()
	err := b.sink.PersistBatch(ctx, batch)
	metrics.RecordUsageBufferFlush(time.Since(flushStart).Seconds())
	if err != nil {
		b.logger.Error("usage batch persist failed, redirecting to dead-letter queue",
			zap.Int("count", len(batch)), zap.Error(err))
		b.redirectToDlq(ctx, batch)
	}
}

// redirectToDlq writes one dead-letter entry per record, so the retry
// worker can replay them individually instead of replaying an entire
// failed batch as a unit.
func (b *Buffer) redirectToDlq(ctx context.Context, batch []models.UsageRecord) {
	for _, record := range batch {
		payload, err := json.Marshal(record)
		if err != nil {
			b.logger.Error("failed to marshal usage record for dlq", zap.Error(err))
			continue
		}
		if _, err := b.dlq.Push(ctx, dlq.EntryTypeUsageLog, payload); err != nil {
			b.logger.Error("failed to push usage record to dlq",
				zap.String("request_id", record.RequestID), zap.Error(err))
		}
	}
}
