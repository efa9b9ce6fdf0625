package caravan

import (
	"context"
	"time"
)

// SnapshotStore abstracts snapshot persistence. Implementations live in
// store/sqlite, store/postgres, store/libsql, and store/memory; anything
// satisfying the interface works.
//
// Load returns (nil, nil) when no snapshot exists for the ID. Save
// overwrites any existing snapshot for the same ID.
type SnapshotStore interface {
	Save(ctx context.Context, workflowID string, snap Snapshot) error
	Load(ctx context.Context, workflowID string) (*Snapshot, error)
	Delete(ctx context.Context, workflowID string) error
	List(ctx context.Context, q ListQuery) ([]SnapshotInfo, error)

	// --- Lifecycle ---
	Init(ctx context.Context) error
	Close() error
}

// ListQuery filters List results. Zero value lists everything.
type ListQuery struct {
	// Prefix restricts results to workflow IDs with this prefix.
	Prefix string
	// Limit caps the number of results; 0 means no cap.
	Limit int
}

// SnapshotInfo is a List result row.
type SnapshotInfo struct {
	WorkflowID string    `json:"workflow_id"`
	Steps      int       `json:"steps"`
	UpdatedAt  time.Time `json:"updated_at"`
}

// WorkflowLock is the cross-process mutual exclusion capability. Stores
// that implement it are probed by the run loop with a type assertion;
// stores that do not still work, guarded only by the in-process gate.
//
// TryAcquire grants a lease on workflowID for ttl and returns an opaque
// owner token, or "" when another live lease holds the ID. An expired
// lease may be taken over. Release removes the lease only when token
// matches the current holder; releasing a lost lease is a no-op.
type WorkflowLock interface {
	TryAcquire(ctx context.Context, workflowID string, ttl time.Duration) (token string, err error)
	Release(ctx context.Context, workflowID, token string) error
}

// SnapshotClearer is an optional capability: drop every snapshot.
type SnapshotClearer interface {
	Clear(ctx context.Context) error
}

// BatchDeleter is an optional capability: delete several snapshots in
// one round trip.
type BatchDeleter interface {
	DeleteMany(ctx context.Context, workflowIDs []string) error
}

// PageLister is an optional capability: offset/limit pagination for
// stores with many snapshots.
type PageLister interface {
	ListPage(ctx context.Context, offset, limit int) ([]SnapshotInfo, error)
}
