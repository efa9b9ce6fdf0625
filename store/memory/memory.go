// Package memory implements caravan's snapshot store, workflow lock,
// and approval store in process memory. Nothing survives a restart;
// it exists for tests, examples, and runs that only need suspension
// plumbing within a single process.
package memory

import (
	"context"
	"encoding/json"
	"fmt"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/nevindra/caravan"
)

// Store keeps snapshots, leases, and approvals in maps guarded by one
// mutex. Snapshots are deep-copied on the way in and out so callers
// cannot alias the stored state.
type Store struct {
	mu        sync.Mutex
	snapshots map[string]snapshotRecord
	leases    map[string]lease
	approvals map[string]caravan.Approval
}

type snapshotRecord struct {
	snap      caravan.Snapshot
	updatedAt time.Time
}

type lease struct {
	token   string
	expires time.Time
}

var _ caravan.SnapshotStore = (*Store)(nil)
var _ caravan.WorkflowLock = (*Store)(nil)
var _ caravan.ApprovalStore = (*Store)(nil)
var _ caravan.SnapshotClearer = (*Store)(nil)
var _ caravan.BatchDeleter = (*Store)(nil)
var _ caravan.PageLister = (*Store)(nil)

// New creates an empty in-memory store.
func New() *Store {
	return &Store{
		snapshots: make(map[string]snapshotRecord),
		leases:    make(map[string]lease),
		approvals: make(map[string]caravan.Approval),
	}
}

// Init is a no-op; the maps are ready at construction.
func (s *Store) Init(ctx context.Context) error { return nil }

// Close is a no-op.
func (s *Store) Close() error { return nil }

// Save stores a deep copy of the snapshot for workflowID.
func (s *Store) Save(ctx context.Context, workflowID string, snap caravan.Snapshot) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.snapshots[workflowID] = snapshotRecord{snap: snap.Clone(), updatedAt: time.Now()}
	return nil
}

// Load returns a deep copy of the snapshot, or (nil, nil) when none exists.
func (s *Store) Load(ctx context.Context, workflowID string) (*caravan.Snapshot, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	rec, ok := s.snapshots[workflowID]
	if !ok {
		return nil, nil
	}
	snap := rec.snap.Clone()
	return &snap, nil
}

// Delete removes the snapshot for workflowID. Missing IDs are a no-op.
func (s *Store) Delete(ctx context.Context, workflowID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.snapshots, workflowID)
	return nil
}

// List returns snapshot metadata, most recently updated first.
func (s *Store) List(ctx context.Context, q caravan.ListQuery) ([]caravan.SnapshotInfo, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	infos := s.collectInfos(q.Prefix)
	if q.Limit > 0 && len(infos) > q.Limit {
		infos = infos[:q.Limit]
	}
	return infos, nil
}

// ListPage returns snapshot metadata with offset/limit pagination.
func (s *Store) ListPage(ctx context.Context, offset, limit int) ([]caravan.SnapshotInfo, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	infos := s.collectInfos("")
	if offset >= len(infos) {
		return nil, nil
	}
	infos = infos[offset:]
	if limit > 0 && len(infos) > limit {
		infos = infos[:limit]
	}
	return infos, nil
}

// collectInfos builds the sorted info list. Caller holds the mutex.
func (s *Store) collectInfos(prefix string) []caravan.SnapshotInfo {
	var infos []caravan.SnapshotInfo
	for id, rec := range s.snapshots {
		if prefix != "" && !strings.HasPrefix(id, prefix) {
			continue
		}
		infos = append(infos, caravan.SnapshotInfo{
			WorkflowID: id,
			Steps:      len(rec.snap.Steps),
			UpdatedAt:  rec.updatedAt,
		})
	}
	sort.Slice(infos, func(i, j int) bool {
		if !infos[i].UpdatedAt.Equal(infos[j].UpdatedAt) {
			return infos[i].UpdatedAt.After(infos[j].UpdatedAt)
		}
		return infos[i].WorkflowID < infos[j].WorkflowID
	})
	return infos
}

// DeleteMany removes several snapshots at once.
func (s *Store) DeleteMany(ctx context.Context, workflowIDs []string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, id := range workflowIDs {
		delete(s.snapshots, id)
	}
	return nil
}

// Clear removes every snapshot.
func (s *Store) Clear(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.snapshots = make(map[string]snapshotRecord)
	return nil
}

// TryAcquire grants a lease on workflowID for ttl, taking over expired
// leases. Returns "" when another live lease holds the ID.
func (s *Store) TryAcquire(ctx context.Context, workflowID string, ttl time.Duration) (string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	now := time.Now()
	if l, ok := s.leases[workflowID]; ok && l.expires.After(now) {
		return "", nil
	}
	token := caravan.NewID()
	s.leases[workflowID] = lease{token: token, expires: now.Add(ttl)}
	return token, nil
}

// Release removes the lease only when token still owns it.
func (s *Store) Release(ctx context.Context, workflowID, token string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if l, ok := s.leases[workflowID]; ok && l.token == token {
		delete(s.leases, workflowID)
	}
	return nil
}

// GetApproval returns a copy of the record for key, or (nil, nil) when
// none exists. A pending record whose expiry has passed is flipped to
// expired on read.
func (s *Store) GetApproval(ctx context.Context, key string) (*caravan.Approval, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	a, ok := s.approvals[key]
	if !ok {
		return nil, nil
	}
	if a.Lapsed(time.Now()) {
		a.State = caravan.ApprovalExpired
		a.UpdatedAt = time.Now()
		s.approvals[key] = a
	}
	out := copyApproval(a)
	return &out, nil
}

// CreateApproval inserts a pending record for key. Creating a key that
// already exists is an error.
func (s *Store) CreateApproval(ctx context.Context, key string, req caravan.ApprovalRequest) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.approvals[key]; ok {
		return fmt.Errorf("create approval: %q already exists", key)
	}
	now := time.Now()
	s.approvals[key] = caravan.Approval{
		Key:       key,
		State:     caravan.ApprovalPending,
		Metadata:  copyMetadata(req.Metadata),
		CreatedAt: now,
		UpdatedAt: now,
		ExpiresAt: req.ExpiresAt,
	}
	return nil
}

// GrantApproval moves a pending record to approved with the granted value.
func (s *Store) GrantApproval(ctx context.Context, key string, value any, grantedBy string) error {
	data, err := json.Marshal(value)
	if err != nil {
		return fmt.Errorf("encode approval value: %w", err)
	}
	return s.decide("grant approval", key, func(a *caravan.Approval) {
		a.State = caravan.ApprovalApproved
		a.Value = data
		a.GrantedBy = grantedBy
	})
}

// RejectApproval moves a pending record to rejected.
func (s *Store) RejectApproval(ctx context.Context, key, reason, rejectedBy string) error {
	return s.decide("reject approval", key, func(a *caravan.Approval) {
		a.State = caravan.ApprovalRejected
		a.Reason = reason
		a.GrantedBy = rejectedBy
	})
}

// EditApproval grants a pending record with a modified value, keeping
// the original for audit.
func (s *Store) EditApproval(ctx context.Context, key string, original, edited any, editedBy string) error {
	origData, err := json.Marshal(original)
	if err != nil {
		return fmt.Errorf("encode original value: %w", err)
	}
	editData, err := json.Marshal(edited)
	if err != nil {
		return fmt.Errorf("encode edited value: %w", err)
	}
	return s.decide("edit approval", key, func(a *caravan.Approval) {
		a.State = caravan.ApprovalEdited
		a.OriginalValue = origData
		a.EditedValue = editData
		a.GrantedBy = editedBy
	})
}

// CancelApproval removes the record for key. Missing keys are a no-op.
func (s *Store) CancelApproval(ctx context.Context, key string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.approvals, key)
	return nil
}

// ListPendingApprovals returns live pending records whose key starts
// with prefix, oldest first.
func (s *Store) ListPendingApprovals(ctx context.Context, prefix string) ([]caravan.Approval, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	now := time.Now()
	var out []caravan.Approval
	for key, a := range s.approvals {
		if a.State != caravan.ApprovalPending || a.Lapsed(now) {
			continue
		}
		if prefix != "" && !strings.HasPrefix(key, prefix) {
			continue
		}
		out = append(out, copyApproval(a))
	}
	sort.Slice(out, func(i, j int) bool {
		if !out[i].CreatedAt.Equal(out[j].CreatedAt) {
			return out[i].CreatedAt.Before(out[j].CreatedAt)
		}
		return out[i].Key < out[j].Key
	})
	return out, nil
}

// decide applies a state change to a pending record.
func (s *Store) decide(op, key string, apply func(*caravan.Approval)) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	a, ok := s.approvals[key]
	if !ok {
		return fmt.Errorf("%s: approval %q not found", op, key)
	}
	if a.State != caravan.ApprovalPending {
		return fmt.Errorf("%s: approval %q already %s", op, key, a.State)
	}
	apply(&a)
	a.UpdatedAt = time.Now()
	s.approvals[key] = a
	return nil
}

func copyApproval(a caravan.Approval) caravan.Approval {
	out := a
	out.Value = append(json.RawMessage(nil), a.Value...)
	out.OriginalValue = append(json.RawMessage(nil), a.OriginalValue...)
	out.EditedValue = append(json.RawMessage(nil), a.EditedValue...)
	out.Metadata = copyMetadata(a.Metadata)
	return out
}

func copyMetadata(md map[string]any) map[string]any {
	if md == nil {
		return nil
	}
	out := make(map[string]any, len(md))
	for k, v := range md {
		out[k] = v
	}
	return out
}
