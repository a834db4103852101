package dlq

import (
	"encoding/base64"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/google/uuid"
)

// Direction selects which side of a cursor a page is fetched relative to.
type Direction int

const (
	Forward Direction = iota
	Backward
)

// Cursor positions a page of DLQ entries ordered by (created_at DESC, id
// DESC). It encodes as base64 URL-safe, no padding, of
// "<created_at_ms>:<uuid>".
type Cursor struct {
	CreatedAtMillis int64
	ID              uuid.UUID
}

func NewCursor(createdAt time.Time, id uuid.UUID) Cursor {
	return Cursor{CreatedAtMillis: truncateToMillis(createdAt), ID: id}
}

func truncateToMillis(t time.Time) int64 {
	return t.UnixNano() / int64(time.Millisecond)
}

func (c Cursor) Encode() string {
	raw := fmt.Sprintf("%d:%s", c.CreatedAtMillis, c.ID.String())
	return base64.RawURLEncoding.EncodeToString([]byte(raw))
}

func DecodeCursor(s string) (Cursor, error) {
	raw, err := base64.RawURLEncoding.DecodeString(s)
	if err != nil {
		return Cursor{}, fmt.Errorf("decoding cursor: %w", err)
	}
	parts := strings.SplitN(string(raw), ":", 2)
	if len(parts) != 2 {
		return Cursor{}, fmt.Errorf("malformed cursor %q", s)
	}
	ms, err := strconv.ParseInt(parts[0], 10, 64)
	if err != nil {
		return Cursor{}, fmt.Errorf("malformed cursor timestamp %q: %w", parts[0], err)
	}
	id, err := uuid.Parse(parts[1])
	if err != nil {
		return Cursor{}, fmt.Errorf("malformed cursor id %q: %w", parts[1], err)
	}
	return Cursor{CreatedAtMillis: ms, ID: id}, nil
}

// Before reports whether c sorts strictly before other in (created_at DESC,
// id DESC) order, i.e. c is newer than other, with equal timestamps broken
// by the greater id.
func (c Cursor) Before(other Cursor) bool {
	if c.CreatedAtMillis != other.CreatedAtMillis {
		return c.CreatedAtMillis > other.CreatedAtMillis
	}
	return c.ID.String() > other.ID.String()
}

// PageCursors carries the cursors a list response hands back for
// continuing pagination in either direction.
type PageCursors struct {
	Next *string
	Prev *string
}

// ListParams selects a window of entries relative to an optional cursor.
type ListParams struct {
	Cursor    *Cursor
	Direction Direction
	Limit     int
	EntryType *EntryType
}

// ListResult is one page of entries plus the cursors to continue from.
type ListResult struct {
	Entries []Entry
	HasMore bool
	Cursors PageCursors
}
