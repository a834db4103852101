package dlq

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"
)

// redisEntry is the JSON representation stored per dead-letter entry.
// Kept separate from Entry so the wire format can evolve independently.
type redisEntry struct {
	ID          uuid.UUID  `json:"id"`
	EntryType   EntryType  `json:"entry_type"`
	Payload     []byte     `json:"payload"`
	CreatedAt   time.Time  `json:"created_at"`
	LastRetryAt *time.Time `json:"last_retry_at,omitempty"`
	RetryCount  int        `json:"retry_count"`
	LastError   string     `json:"last_error,omitempty"`
}

func (r redisEntry) toEntry() Entry {
	return Entry{
		ID:          r.ID,
		EntryType:   r.EntryType,
		Payload:     r.Payload,
		CreatedAt:   r.CreatedAt,
		LastRetryAt: r.LastRetryAt,
		RetryCount:  r.RetryCount,
		LastError:   r.LastError,
	}
}

const (
	redisKeyPrefix = "dlq:entry:"
	redisIndexKey  = "dlq:index"
)

// RedisDlq is a Redis-backed DeadLetterQueue. Entries are stored as JSON
// blobs keyed by id, with a sorted set keyed on creation time providing
// the ordering List() walks for keyset pagination. It trades the SQL
// backend's durability guarantees for a dependency-light deployment that
// doesn't need a Postgres connection just to hold retry state.
type RedisDlq struct {
	client    *redis.Client
	logger    *zap.Logger
	retainFor time.Duration
}

func NewRedisDlq(client *redis.Client, retainFor time.Duration, logger *zap.Logger) *RedisDlq {
	return &RedisDlq{client: client, logger: logger.Named("dlq.redis"), retainFor: retainFor}
}

func entryKey(id uuid.UUID) string {
	return redisKeyPrefix + id.String()
}

// indexScore orders by (created_at, id) with millisecond precision plus a
// fractional tiebreak derived from the id, since ZSET scores carry a
// single float64 dimension.
func indexScore(createdAtMillis int64, id uuid.UUID) float64 {
	return float64(createdAtMillis) + tiebreak(id)
}

func tiebreak(id uuid.UUID) float64 {
	var v uint32
	for _, b := range id[:4] {
		v = v<<8 | uint32(b)
	}
	return float64(v) / float64(1<<32)
}

func (d *RedisDlq) Push(ctx context.Context, entryType EntryType, payload []byte) (uuid.UUID, error) {
	id := uuid.New()
	now := time.Now().UTC()
	row := redisEntry{ID: id, EntryType: entryType, Payload: payload, CreatedAt: now}

	raw, err := json.Marshal(row)
	if err != nil {
		return uuid.Nil, fmt.Errorf("marshaling dlq entry: %w", err)
	}

	pipe := d.client.TxPipeline()
	pipe.Set(ctx, entryKey(id), raw, 0)
	pipe.ZAdd(ctx, redisIndexKey, redis.Z{Score: indexScore(truncateToMillis(now), id), Member: id.String()})
	if _, err := pipe.Exec(ctx); err != nil {
		return uuid.Nil, fmt.Errorf("pushing dlq entry: %w", err)
	}
	return id, nil
}

func (d *RedisDlq) Get(ctx context.Context, id uuid.UUID) (*Entry, error) {
	raw, err := d.client.Get(ctx, entryKey(id)).Bytes()
	if err == redis.Nil {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("fetching dlq entry: %w", err)
	}
	var row redisEntry
	if err := json.Unmarshal(raw, &row); err != nil {
		return nil, fmt.Errorf("decoding dlq entry: %w", err)
	}
	e := row.toEntry()
	return &e, nil
}

func (d *RedisDlq) Pop(ctx context.Context, id uuid.UUID) (*Entry, error) {
	entry, err := d.Get(ctx, id)
	if err != nil || entry == nil {
		return entry, err
	}
	if err := d.Remove(ctx, id); err != nil {
		return nil, err
	}
	return entry, nil
}

func (d *RedisDlq) Remove(ctx context.Context, id uuid.UUID) error {
	pipe := d.client.TxPipeline()
	pipe.Del(ctx, entryKey(id))
	pipe.ZRem(ctx, redisIndexKey, id.String())
	if _, err := pipe.Exec(ctx); err != nil {
		return fmt.Errorf("removing dlq entry: %w", err)
	}
	return nil
}

func (d *RedisDlq) MarkRetried(ctx context.Context, id uuid.UUID, retryErr string) error {
	raw, err := d.client.Get(ctx, entryKey(id)).Bytes()
	if err == redis.Nil {
		return fmt.Errorf("dlq entry %s not found", id)
	}
	if err != nil {
		return fmt.Errorf("fetching dlq entry for retry: %w", err)
	}
	var row redisEntry
	if err := json.Unmarshal(raw, &row); err != nil {
		return fmt.Errorf("decoding dlq entry: %w", err)
	}

	now := time.Now().UTC()
	row.RetryCount++
	row.LastRetryAt = &now
	row.LastError = retryErr

	updated, err := json.Marshal(row)
	if err != nil {
		return fmt.Errorf("marshaling retried dlq entry: %w", err)
	}
	if err := d.client.Set(ctx, entryKey(id), updated, 0).Err(); err != nil {
		return fmt.Errorf("saving retried dlq entry: %w", err)
	}
	return nil
}

func (d *RedisDlq) List(ctx context.Context, params ListParams) (*ListResult, error) {
	limit := params.Limit
	if limit <= 0 {
		limit = 50
	}

	ids, err := d.windowIDs(ctx, params, limit)
	if err != nil {
		return nil, err
	}

	hasMore := len(ids) > limit
	if hasMore {
		if params.Cursor != nil && params.Direction == Backward {
			// Backward ids are newest-first; keep the ones closest to the cursor.
			ids = ids[len(ids)-limit:]
		} else {
			ids = ids[:limit]
		}
	}

	entries := make([]Entry, 0, len(ids))
	for _, idStr := range ids {
		id, err := uuid.Parse(idStr)
		if err != nil {
			continue
		}
		entry, err := d.Get(ctx, id)
		if err != nil {
			return nil, err
		}
		if entry == nil {
			continue // raced with a concurrent Remove; index will self-heal on next Prune
		}
		if params.EntryType != nil && entry.EntryType != *params.EntryType {
			continue
		}
		entries = append(entries, *entry)
	}

	result := &ListResult{Entries: entries, HasMore: hasMore}
	if len(entries) > 0 {
		first := NewCursor(entries[0].CreatedAt, entries[0].ID).Encode()
		last := NewCursor(entries[len(entries)-1].CreatedAt, entries[len(entries)-1].ID).Encode()
		result.Cursors = PageCursors{Next: &last, Prev: &first}
	}
	return result, nil
}

// windowIDs fetches limit+1 member ids in (created_at DESC, id DESC)
// order relative to the cursor, walking the index in the direction
// requested. Entry-type filtering happens after the fact in List, so the
// caller over-fetches to account for the possibility that filtered-out
// entries still need to be skipped within the window.
func (d *RedisDlq) windowIDs(ctx context.Context, params ListParams, limit int) ([]string, error) {
	count := int64(limit + 1)
	if params.EntryType != nil {
		count = int64(limit+1) * 4 // heuristic over-fetch for post-filtering
	}

	if params.Cursor == nil {
		return d.client.ZRevRangeByScore(ctx, redisIndexKey, &redis.ZRangeBy{
			Min: "-inf", Max: "+inf", Count: count,
		}).Result()
	}

	cursorScore := indexScore(params.Cursor.CreatedAtMillis, params.Cursor.ID)
	switch params.Direction {
	case Forward:
		return d.client.ZRevRangeByScore(ctx, redisIndexKey, &redis.ZRangeBy{
			Max: fmt.Sprintf("(%f", cursorScore), Min: "-inf", Count: count,
		}).Result()
	default: // Backward
		ids, err := d.client.ZRangeByScore(ctx, redisIndexKey, &redis.ZRangeBy{
			Min: fmt.Sprintf("(%f", cursorScore), Max: "+inf", Count: count,
		}).Result()
		if err != nil {
			return nil, err
		}
		for i, j := 0, len(ids)-1; i < j; i, j = i+1, j-1 {
			ids[i], ids[j] = ids[j], ids[i]
		}
		return ids, nil
	}
}

func (d *RedisDlq) Len(ctx context.Context) (int64, error) {
	n, err := d.client.ZCard(ctx, redisIndexKey).Result()
	if err != nil {
		return 0, fmt.Errorf("counting dlq entries: %w", err)
	}
	return n, nil
}

func (d *RedisDlq) IsEmpty(ctx context.Context) (bool, error) {
	n, err := d.Len(ctx)
	return n == 0, err
}

func (d *RedisDlq) Prune(ctx context.Context) (int64, error) {
	if d.retainFor <= 0 {
		return 0, nil
	}
	cutoff := time.Now().Add(-d.retainFor)
	ids, err := d.client.ZRangeByScore(ctx, redisIndexKey, &redis.ZRangeBy{
		Min: "-inf", Max: fmt.Sprintf("%f", indexScore(truncateToMillis(cutoff), uuid.Nil)),
	}).Result()
	if err != nil {
		return 0, fmt.Errorf("scanning dlq entries for prune: %w", err)
	}

	var removed int64
	for _, idStr := range ids {
		id, err := uuid.Parse(idStr)
		if err != nil {
			continue
		}
		if err := d.Remove(ctx, id); err != nil {
			d.logger.Warn("failed to prune dlq entry", zap.String("id", idStr), zap.Error(err))
			continue
		}
		removed++
	}
	return removed, nil
}

func (d *RedisDlq) Clear(ctx context.Context) error {
	ids, err := d.client.ZRange(ctx, redisIndexKey, 0, -1).Result()
	if err != nil {
		return fmt.Errorf("listing dlq entries to clear: %w", err)
	}
	pipe := d.client.TxPipeline()
	for _, idStr := range ids {
		pipe.Del(ctx, redisKeyPrefix+idStr)
	}
	pipe.Del(ctx, redisIndexKey)
	if _, err := pipe.Exec(ctx); err != nil {
		return fmt.Errorf("clearing dlq entries: %w", err)
	}
	return nil
}
