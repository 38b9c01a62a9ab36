// Package store provides key-scoped persistence of plan and task records
// with optimistic versioning. All writes are compare-and-swap against an
// expected version; callers observing ErrVersionConflict must re-read and
// reapply their mutation. The version check is the only serialization
// mechanism between concurrent result deliveries for the same record.
package store

import "context"

// Kind scopes record keys by record type.
type Kind string

const (
	// KindPlan scopes plan records.
	KindPlan Kind = "plan"
	// KindTask scopes task records.
	KindTask Kind = "task"
	// KindGroup scopes delegation group records.
	KindGroup Kind = "group"
)

// IsValid returns true if the kind is known.
func (k Kind) IsValid() bool {
	switch k {
	case KindPlan, KindTask, KindGroup:
		return true
	default:
		return false
	}
}

// Ref locates a record by kind and key. Correlation indexes resolve to a
// Ref rather than the record itself so a single lookup table can point at
// either plans or tasks.
type Ref struct {
	Kind Kind   `json:"kind"`
	Key  string `json:"key"`
}

// Store is the persistence contract the orchestration engine runs on.
//
// Put with expectedVersion 0 creates the record and fails with
// ErrVersionConflict if it already exists; any other expectedVersion
// updates the record only if its current version matches. Versions are
// opaque monotonically increasing values assigned by the store.
type Store interface {
	// Put writes a record under (kind, key), compare-and-swapped against
	// expectedVersion, and returns the new version.
	Put(ctx context.Context, kind Kind, key string, value []byte, expectedVersion uint64) (uint64, error)

	// Get reads a record and its current version.
	Get(ctx context.Context, kind Kind, key string) ([]byte, uint64, error)

	// Delete removes a record. Deleting a missing record is not an error.
	Delete(ctx context.Context, kind Kind, key string) error

	// IndexCorrelation registers ref as the owner of a correlation id.
	// Correlation ids are never reused; re-indexing an existing id is an
	// error surfaced as ErrVersionConflict.
	IndexCorrelation(ctx context.Context, correlationID string, ref Ref) error

	// FindByCorrelation resolves a correlation id to the record that
	// issued it, or ErrNotFound.
	FindByCorrelation(ctx context.Context, correlationID string) (Ref, error)

	// IndexSubtask registers parent as the owner of a sub-task
	// correlation id issued on its behalf.
	IndexSubtask(ctx context.Context, subtaskCorrelationID string, parent Ref) error

	// FindBySubtask resolves a sub-task correlation id to the parent
	// record awaiting it, or ErrNotFound.
	FindBySubtask(ctx context.Context, subtaskCorrelationID string) (Ref, error)

	// RemoveCorrelation drops a correlation index entry. Used on
	// finalization per retention policy.
	RemoveCorrelation(ctx context.Context, correlationID string) error
}
