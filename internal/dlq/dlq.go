// Package dlq implements the dead-letter queue the gateway redirects
// otherwise-lost writes into: usage records that failed to commit to the
// database, and anything else a caller wraps as an Entry. Entries are
// retried on a backoff schedule by the Worker and are listable via
// keyset pagination for operator visibility.
package dlq

import (
	"context"

	"github.com/google/uuid"
	"github.com/hadrian-labs/gatewaycore/internal/models"
)

type EntryType = models.DlqEntryType
type Entry = models.DlqEntry

const EntryTypeUsageLog = models.DlqEntryUsageLog

// DeadLetterQueue is the storage interface every backend (file, SQL,
// Redis) implements identically so the retry Worker and admin listing
// handler are backend-agnostic.
type DeadLetterQueue interface {
	// Push stores a new entry and returns its assigned ID.
	Push(ctx context.Context, entryType EntryType, payload []byte) (uuid.UUID, error)

	// Pop removes and returns the entry with the given ID, if present.
	Pop(ctx context.Context, id uuid.UUID) (*Entry, error)

	// Get returns the entry with the given ID without removing it.
	Get(ctx context.Context, id uuid.UUID) (*Entry, error)

	// Remove deletes the entry with the given ID. Not an error if absent.
	Remove(ctx context.Context, id uuid.UUID) error

	// MarkRetried increments an entry's retry count, records the error
	// from the latest attempt, and stamps LastRetryAt.
	MarkRetried(ctx context.Context, id uuid.UUID, retryErr string) error

	// List returns a page of entries ordered by (created_at DESC, id DESC).
	List(ctx context.Context, params ListParams) (*ListResult, error)

	// Len returns the total number of stored entries.
	Len(ctx context.Context) (int64, error)

	// IsEmpty reports whether Len is zero.
	IsEmpty(ctx context.Context) (bool, error)

	// Prune removes entries older than the backend's configured retention,
	// returning the count removed.
	Prune(ctx context.Context) (int64, error)

	// Clear removes every entry. Used only by tests and operator tooling.
	Clear(ctx context.Context) error
}
