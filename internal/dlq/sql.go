package dlq

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"
	"gorm.io/gorm"
)

// sqlEntry is the GORM row for a dead-letter entry. Kept separate from
// the public Entry type so the storage representation (payload as raw
// bytes, nullable retry fields) can evolve independently of the wire type.
type sqlEntry struct {
	ID          uuid.UUID  `gorm:"type:uuid;primaryKey"`
	EntryType   string     `gorm:"index;not null"`
	Payload     []byte     `gorm:"type:bytea;not null"`
	CreatedAt   time.Time  `gorm:"index;not null"`
	LastRetryAt *time.Time
	RetryCount  int `gorm:"default:0"`
	LastError   string
}

func (sqlEntry) TableName() string { return "dlq_entries" }

func (r sqlEntry) toEntry() Entry {
	return Entry{
		ID:          r.ID,
		EntryType:   EntryType(r.EntryType),
		Payload:     r.Payload,
		CreatedAt:   r.CreatedAt,
		LastRetryAt: r.LastRetryAt,
		RetryCount:  r.RetryCount,
		LastError:   r.LastError,
	}
}

// SqlDlq is a Postgres-backed DeadLetterQueue using the same GORM
// connection as the rest of the gateway's persistence layer.
type SqlDlq struct {
	db        *gorm.DB
	logger    *zap.Logger
	retainFor time.Duration
}

func NewSqlDlq(db *gorm.DB, retainFor time.Duration, logger *zap.Logger) (*SqlDlq, error) {
	if err := db.AutoMigrate(&sqlEntry{}); err != nil {
		return nil, fmt.Errorf("migrating dlq_entries table: %w", err)
	}
	return &SqlDlq{db: db, logger: logger.Named("dlq.sql"), retainFor: retainFor}, nil
}

func (d *SqlDlq) Push(ctx context.Context, entryType EntryType, payload []byte) (uuid.UUID, error) {
	row := sqlEntry{
		ID:        uuid.New(),
		EntryType: string(entryType),
		Payload:   payload,
		CreatedAt: time.Now().UTC(),
	}
	if err := d.db.WithContext(ctx).Create(&row).Error; err != nil {
		return uuid.Nil, fmt.Errorf("inserting dlq entry: %w", err)
	}
	return row.ID, nil
}

func (d *SqlDlq) Pop(ctx context.Context, id uuid.UUID) (*Entry, error) {
	entry, err := d.Get(ctx, id)
	if err != nil || entry == nil {
		return entry, err
	}
	if err := d.Remove(ctx, id); err != nil {
		return nil, err
	}
	return entry, nil
}

func (d *SqlDlq) Get(ctx context.Context, id uuid.UUID) (*Entry, error) {
	var row sqlEntry
	err := d.db.WithContext(ctx).First(&row, "id = ?", id).Error
	if err == gorm.ErrRecordNotFound {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("fetching dlq entry: %w", err)
	}
	e := row.toEntry()
	return &e, nil
}

func (d *SqlDlq) Remove(ctx context.Context, id uuid.UUID) error {
	if err := d.db.WithContext(ctx).Delete(&sqlEntry{}, "id = ?", id).Error; err != nil {
		return fmt.Errorf("removing dlq entry: %w", err)
	}
	return nil
}

func (d *SqlDlq) MarkRetried(ctx context.Context, id uuid.UUID, retryErr string) error {
	now := time.Now().UTC()
	result := d.db.WithContext(ctx).Model(&sqlEntry{}).Where("id = ?", id).Updates(map[string]interface{}{
		"retry_count":   gorm.Expr("retry_count + 1"),
		"last_retry_at": now,
		"last_error":    retryErr,
	})
	if result.Error != nil {
		return fmt.Errorf("marking dlq entry retried: %w", result.Error)
	}
	if result.RowsAffected == 0 {
		return fmt.Errorf("dlq entry %s not found", id)
	}
	return nil
}

func (d *SqlDlq) List(ctx context.Context, params ListParams) (*ListResult, error) {
	limit := params.Limit
	if limit <= 0 {
		limit = 50
	}

	query := d.db.WithContext(ctx).Model(&sqlEntry{})
	if params.EntryType != nil {
		query = query.Where("entry_type = ?", string(*params.EntryType))
	}

	ordering := "created_at DESC, id DESC"
	if params.Cursor != nil {
		cursorTime := time.UnixMilli(params.Cursor.CreatedAtMillis).UTC()
		switch params.Direction {
		case Forward:
			query = query.Where(
				"(created_at < ?) OR (created_at = ? AND id < ?)",
				cursorTime, cursorTime, params.Cursor.ID,
			)
		default: // Backward
			query = query.Where(
				"(created_at > ?) OR (created_at = ? AND id > ?)",
				cursorTime, cursorTime, params.Cursor.ID,
			)
			ordering = "created_at ASC, id ASC"
		}
	}

	var rows []sqlEntry
	if err := query.Order(ordering).Limit(limit + 1).Find(&rows).Error; err != nil {
		return nil, fmt.Errorf("listing dlq entries: %w", err)
	}

	hasMore := len(rows) > limit
	if hasMore {
		rows = rows[:limit]
	}

	if params.Cursor != nil && params.Direction == Backward {
		for i, j := 0, len(rows)-1; i < j; i, j = i+1, j-1 {
			rows[i], rows[j] = rows[j], rows[i]
		}
	}

	entries := make([]Entry, len(rows))
	for i, r := range rows {
		entries[i] = r.toEntry()
	}

	result := &ListResult{Entries: entries, HasMore: hasMore}
	if len(entries) > 0 {
		first := NewCursor(entries[0].CreatedAt, entries[0].ID).Encode()
		last := NewCursor(entries[len(entries)-1].CreatedAt, entries[len(entries)-1].ID).Encode()
		result.Cursors = PageCursors{Next: &last, Prev: &first}
	}

	return result, nil
}

func (d *SqlDlq) Len(ctx context.Context) (int64, error) {
	var count int64
	if err := d.db.WithContext(ctx).Model(&sqlEntry{}).Count(&count).Error; err != nil {
		return 0, fmt.Errorf("counting dlq entries: %w", err)
	}
	return count, nil
}

func (d *SqlDlq) IsEmpty(ctx context.Context) (bool, error) {
	n, err := d.Len(ctx)
	return n == 0, err
}

func (d *SqlDlq) Prune(ctx context.Context) (int64, error) {
	if d.retainFor <= 0 {
		return 0, nil
	}
	cutoff := time.Now().Add(-d.retainFor)
	result := d.db.WithContext(ctx).Where("created_at < ?", cutoff).Delete(&sqlEntry{})
	if result.Error != nil {
		return 0, fmt.Errorf("pruning dlq entries: %w", result.Error)
	}
	return result.RowsAffected, nil
}

func (d *SqlDlq) Clear(ctx context.Context) error {
	if err := d.db.WithContext(ctx).Where("1 = 1").Delete(&sqlEntry{}).Error; err != nil {
		return fmt.Errorf("clearing dlq entries: %w", err)
	}
	return nil
}
