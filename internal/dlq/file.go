package dlq

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"
)

// FileConfig configures the file-backed DeadLetterQueue.
type FileConfig struct {
	Dir          string
	MaxFiles     int
	RetainFor    time.Duration
}

// FileDlq stores one JSON file per entry under Dir and keeps an in-memory
// index for listing without re-reading every file on every request. The
// index is rebuilt by scanning Dir on construction, so the queue survives
// process restarts.
type FileDlq struct {
	mu     sync.Mutex
	cfg    FileConfig
	logger *zap.Logger
	index  map[uuid.UUID]*Entry
}

func NewFileDlq(cfg FileConfig, logger *zap.Logger) (*FileDlq, error) {
	if cfg.MaxFiles <= 0 {
		cfg.MaxFiles = 10_000
	}
	if err := os.MkdirAll(cfg.Dir, 0o755); err != nil {
		return nil, fmt.Errorf("creating dlq directory: %w", err)
	}

	d := &FileDlq{
		cfg:    cfg,
		logger: logger.Named("dlq.file"),
		index:  make(map[uuid.UUID]*Entry),
	}

	if err := d.loadIndex(); err != nil {
		return nil, err
	}

	return d, nil
}

func (d *FileDlq) loadIndex() error {
	entries, err := os.ReadDir(d.cfg.Dir)
	if err != nil {
		return fmt.Errorf("scanning dlq directory: %w", err)
	}

	for _, de := range entries {
		if de.IsDir() || filepath.Ext(de.Name()) != ".json" {
			continue
		}
		path := filepath.Join(d.cfg.Dir, de.Name())
		data, err := os.ReadFile(path)
		if err != nil {
			d.logger.Warn("skipping unreadable dlq file", zap.String("path", path), zap.Error(err))
			continue
		}
		var entry Entry
		if err := json.Unmarshal(data, &entry); err != nil {
			d.logger.Warn("skipping malformed dlq file", zap.String("path", path), zap.Error(err))
			continue
		}
		d.index[entry.ID] = &entry
	}

	return nil
}

func (d *FileDlq) entryPath(id uuid.UUID) string {
	return filepath.Join(d.cfg.Dir, id.String()+".json")
}

func (d *FileDlq) writeEntry(entry *Entry) error {
	data, err := json.Marshal(entry)
	if err != nil {
		return fmt.Errorf("marshaling dlq entry: %w", err)
	}
	return os.WriteFile(d.entryPath(entry.ID), data, 0o644)
}

func (d *FileDlq) Push(ctx context.Context, entryType EntryType, payload []byte) (uuid.UUID, error) {
	d.mu.Lock()
	defer d.mu.Unlock()

	entry := &Entry{
		ID:        uuid.New(),
		EntryType: entryType,
		Payload:   payload,
		CreatedAt: time.Now().UTC(),
	}

	if err := d.writeEntry(entry); err != nil {
		return uuid.Nil, err
	}
	d.index[entry.ID] = entry

	d.enforceMaxFilesLocked()

	return entry.ID, nil
}

// enforceMaxFilesLocked deletes the oldest entries until the index is
// within MaxFiles. Callers must hold d.mu.
func (d *FileDlq) enforceMaxFilesLocked() {
	if len(d.index) <= d.cfg.MaxFiles {
		return
	}

	ordered := d.sortedLocked()
	excess := len(ordered) - d.cfg.MaxFiles
	// ordered is newest-first; the oldest are at the tail.
	for i := len(ordered) - excess; i < len(ordered); i++ {
		id := ordered[i].ID
		if err := os.Remove(d.entryPath(id)); err != nil && !os.IsNotExist(err) {
			d.logger.Warn("failed evicting dlq file", zap.String("id", id.String()), zap.Error(err))
		}
		delete(d.index, id)
	}
}

// sortedLocked returns all entries ordered by (created_at DESC, id DESC).
// Callers must hold d.mu.
func (d *FileDlq) sortedLocked() []*Entry {
	out := make([]*Entry, 0, len(d.index))
	for _, e := range d.index {
		out = append(out, e)
	}
	sort.Slice(out, func(i, j int) bool {
		if !out[i].CreatedAt.Equal(out[j].CreatedAt) {
			return out[i].CreatedAt.After(out[j].CreatedAt)
		}
		return out[i].ID.String() > out[j].ID.String()
	})
	return out
}

func (d *FileDlq) Pop(ctx context.Context, id uuid.UUID) (*Entry, error) {
	d.mu.Lock()
	defer d.mu.Unlock()

	entry, ok := d.index[id]
	if !ok {
		return nil, nil
	}
	if err := os.Remove(d.entryPath(id)); err != nil && !os.IsNotExist(err) {
		return nil, fmt.Errorf("removing dlq file: %w", err)
	}
	delete(d.index, id)

	return entry, nil
}

func (d *FileDlq) Get(ctx context.Context, id uuid.UUID) (*Entry, error) {
	d.mu.Lock()
	defer d.mu.Unlock()

	entry, ok := d.index[id]
	if !ok {
		return nil, nil
	}
	cp := *entry
	return &cp, nil
}

func (d *FileDlq) Remove(ctx context.Context, id uuid.UUID) error {
	d.mu.Lock()
	defer d.mu.Unlock()

	if _, ok := d.index[id]; !ok {
		return nil
	}
	if err := os.Remove(d.entryPath(id)); err != nil && !os.IsNotExist(err) {
		return fmt.Errorf("removing dlq file: %w", err)
	}
	delete(d.index, id)
	return nil
}

func (d *FileDlq) MarkRetried(ctx context.Context, id uuid.UUID, retryErr string) error {
	d.mu.Lock()
	defer d.mu.Unlock()

	entry, ok := d.index[id]
	if !ok {
		return fmt.Errorf("dlq entry %s not found", id)
	}

	now := time.Now().UTC()
	entry.RetryCount++
	entry.LastRetryAt = &now
	entry.LastError = retryErr

	return d.writeEntry(entry)
}

// List filters the in-memory index by entry type (if set), orders it by
// (created_at DESC, id DESC), and slices the window relative to the
// cursor. Forward advances to entries strictly after the cursor in that
// order (i.e. older); Backward selects entries strictly before the cursor
// (newer), keeps the Limit entries closest to it, and returns them
// newest-first. HasMore reports whether the window held more than Limit
// entries.
func (d *FileDlq) List(ctx context.Context, params ListParams) (*ListResult, error) {
	d.mu.Lock()
	ordered := d.sortedLocked()
	d.mu.Unlock()

	if params.EntryType != nil {
		filtered := ordered[:0:0]
		for _, e := range ordered {
			if e.EntryType == *params.EntryType {
				filtered = append(filtered, e)
			}
		}
		ordered = filtered
	}

	limit := params.Limit
	if limit <= 0 {
		limit = 50
	}

	var window []*Entry
	switch {
	case params.Cursor == nil:
		window = ordered
	case params.Direction == Forward:
		for _, e := range ordered {
			c := NewCursor(e.CreatedAt, e.ID)
			if params.Cursor.Before(c) {
				window = append(window, e)
			}
		}
	default: // Backward
		var rev []*Entry
		for _, e := range ordered {
			c := NewCursor(e.CreatedAt, e.ID)
			if c.Before(*params.Cursor) {
				rev = append(rev, e)
			}
		}
		// rev is still newest-first among the "newer than cursor" set;
		// a backward page wants the ones closest to the cursor first,
		// so take from the tail and reverse back to newest-first order.
		for i := len(rev) - 1; i >= 0; i-- {
			window = append(window, rev[i])
		}
	}

	hasMore := len(window) > limit
	page := window
	if len(page) > limit {
		page = page[:limit]
	}
	if params.Direction == Backward {
		// Re-reverse to newest-first for display, keyset already applied above.
		reversed := make([]*Entry, len(page))
		for i, e := range page {
			reversed[len(page)-1-i] = e
		}
		page = reversed
	}

	entries := make([]Entry, len(page))
	for i, e := range page {
		entries[i] = *e
	}

	result := &ListResult{Entries: entries, HasMore: hasMore}
	if len(entries) > 0 {
		first := NewCursor(entries[0].CreatedAt, entries[0].ID).Encode()
		last := NewCursor(entries[len(entries)-1].CreatedAt, entries[len(entries)-1].ID).Encode()
		result.Cursors = PageCursors{Next: &last, Prev: &first}
	}

	return result, nil
}

func (d *FileDlq) Len(ctx context.Context) (int64, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	return int64(len(d.index)), nil
}

func (d *FileDlq) IsEmpty(ctx context.Context) (bool, error) {
	n, err := d.Len(ctx)
	return n == 0, err
}

func (d *FileDlq) Prune(ctx context.Context) (int64, error) {
	if d.cfg.RetainFor <= 0 {
		return 0, nil
	}

	d.mu.Lock()
	defer d.mu.Unlock()

	cutoff := time.Now().Add(-d.cfg.RetainFor)
	var pruned int64
	for id, e := range d.index {
		if e.CreatedAt.Before(cutoff) {
			if err := os.Remove(d.entryPath(id)); err != nil && !os.IsNotExist(err) {
				d.logger.Warn("failed pruning dlq file", zap.String("id", id.String()), zap.Error(err))
				continue
			}
			delete(d.index, id)
			pruned++
		}
	}

	return pruned, nil
}

func (d *FileDlq) Clear(ctx context.Context) error {
	d.mu.Lock()
	defer d.mu.Unlock()

	for id := range d.index {
		if err := os.Remove(d.entryPath(id)); err != nil && !os.IsNotExist(err) {
			return fmt.Errorf("clearing dlq file: %w", err)
		}
	}
	d.index = make(map[uuid.UUID]*Entry)
	return nil
}
