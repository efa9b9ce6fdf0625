package caravan

import (
	"context"
	"fmt"
	"sync"
	"time"
)

// memStore is an in-memory SnapshotStore with failure injection, shared
// across the engine tests. The bundled store/memory package is the real
// implementation; tests in this package need their own copy to avoid an
// import cycle.
type memStore struct {
	mu        sync.Mutex
	snaps     map[string]Snapshot
	saves     int
	deletes   int
	saveErr   error
	loadErr   error
	deleteErr error
}

func newMemStore() *memStore {
	return &memStore{snaps: make(map[string]Snapshot)}
}

func (s *memStore) Save(_ context.Context, workflowID string, snap Snapshot) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.saveErr != nil {
		return s.saveErr
	}
	s.snaps[workflowID] = snap.Clone()
	s.saves++
	return nil
}

func (s *memStore) Load(_ context.Context, workflowID string) (*Snapshot, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.loadErr != nil {
		return nil, s.loadErr
	}
	snap, ok := s.snaps[workflowID]
	if !ok {
		return nil, nil
	}
	out := snap.Clone()
	return &out, nil
}

func (s *memStore) Delete(_ context.Context, workflowID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.deleteErr != nil {
		return s.deleteErr
	}
	delete(s.snaps, workflowID)
	s.deletes++
	return nil
}

func (s *memStore) List(_ context.Context, q ListQuery) ([]SnapshotInfo, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []SnapshotInfo
	for id, snap := range s.snaps {
		if q.Prefix != "" && len(id) >= len(q.Prefix) && id[:len(q.Prefix)] != q.Prefix {
			continue
		}
		out = append(out, SnapshotInfo{WorkflowID: id, Steps: len(snap.Steps)})
	}
	if q.Limit > 0 && len(out) > q.Limit {
		out = out[:q.Limit]
	}
	return out, nil
}

func (s *memStore) Init(context.Context) error { return nil }
func (s *memStore) Close() error               { return nil }

func (s *memStore) saveCount() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.saves
}

func (s *memStore) has(workflowID string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	_, ok := s.snaps[workflowID]
	return ok
}

func (s *memStore) snapshot(workflowID string) *Snapshot {
	s.mu.Lock()
	defer s.mu.Unlock()
	snap, ok := s.snaps[workflowID]
	if !ok {
		return nil
	}
	out := snap.Clone()
	return &out
}

// lockStore adds a scriptable WorkflowLock to memStore.
type lockStore struct {
	*memStore
	lmu        sync.Mutex
	holders    map[string]string
	acquires   int
	releases   int
	denyAll    bool
	acquireErr error
}

func newLockStore() *lockStore {
	return &lockStore{memStore: newMemStore(), holders: make(map[string]string)}
}

func (s *lockStore) TryAcquire(_ context.Context, workflowID string, _ time.Duration) (string, error) {
	s.lmu.Lock()
	defer s.lmu.Unlock()
	if s.acquireErr != nil {
		return "", s.acquireErr
	}
	s.acquires++
	if s.denyAll {
		return "", nil
	}
	if _, held := s.holders[workflowID]; held {
		return "", nil
	}
	token := fmt.Sprintf("token-%d", s.acquires)
	s.holders[workflowID] = token
	return token, nil
}

func (s *lockStore) Release(_ context.Context, workflowID, token string) error {
	s.lmu.Lock()
	defer s.lmu.Unlock()
	s.releases++
	if s.holders[workflowID] == token {
		delete(s.holders, workflowID)
	}
	return nil
}

func (s *lockStore) held(workflowID string) bool {
	s.lmu.Lock()
	defer s.lmu.Unlock()
	_, ok := s.holders[workflowID]
	return ok
}

// eventLog collects emitted events for assertions.
type eventLog struct {
	mu     sync.Mutex
	events []Event
}

func (l *eventLog) sink() EventSink {
	return func(ev Event) {
		l.mu.Lock()
		defer l.mu.Unlock()
		l.events = append(l.events, ev)
	}
}

func (l *eventLog) all() []Event {
	l.mu.Lock()
	defer l.mu.Unlock()
	return append([]Event(nil), l.events...)
}

func (l *eventLog) count(t EventType) int {
	l.mu.Lock()
	defer l.mu.Unlock()
	n := 0
	for _, ev := range l.events {
		if ev.Type == t {
			n++
		}
	}
	return n
}

func (l *eventLog) first(t EventType) (Event, bool) {
	l.mu.Lock()
	defer l.mu.Unlock()
	for _, ev := range l.events {
		if ev.Type == t {
			return ev, true
		}
	}
	return Event{}, false
}

// approvalsMap is a minimal in-memory ApprovalStore for root-package
// tests (the real one lives in store/memory).
type approvalsMap struct {
	mu      sync.Mutex
	records map[string]Approval
	getErr  error
}

func newApprovalsMap() *approvalsMap {
	return &approvalsMap{records: make(map[string]Approval)}
}

func (s *approvalsMap) GetApproval(_ context.Context, key string) (*Approval, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.getErr != nil {
		return nil, s.getErr
	}
	a, ok := s.records[key]
	if !ok {
		return nil, nil
	}
	if a.Lapsed(time.Now()) {
		a.State = ApprovalExpired
		s.records[key] = a
	}
	out := a
	return &out, nil
}

func (s *approvalsMap) CreateApproval(_ context.Context, key string, req ApprovalRequest) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.records[key]; ok {
		return fmt.Errorf("approval %q already exists", key)
	}
	now := time.Now()
	s.records[key] = Approval{Key: key, State: ApprovalPending, Metadata: req.Metadata, CreatedAt: now, UpdatedAt: now, ExpiresAt: req.ExpiresAt}
	return nil
}

func (s *approvalsMap) GrantApproval(_ context.Context, key string, value any, grantedBy string) error {
	return s.decide(key, func(a *Approval) {
		a.State = ApprovalApproved
		a.Value = marshalAny(value)
		a.GrantedBy = grantedBy
	})
}

func (s *approvalsMap) RejectApproval(_ context.Context, key, reason, rejectedBy string) error {
	return s.decide(key, func(a *Approval) {
		a.State = ApprovalRejected
		a.Reason = reason
		a.GrantedBy = rejectedBy
	})
}

func (s *approvalsMap) EditApproval(_ context.Context, key string, original, edited any, editedBy string) error {
	return s.decide(key, func(a *Approval) {
		a.State = ApprovalEdited
		a.OriginalValue = marshalAny(original)
		a.EditedValue = marshalAny(edited)
		a.GrantedBy = editedBy
	})
}

func (s *approvalsMap) CancelApproval(_ context.Context, key string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.records, key)
	return nil
}

func (s *approvalsMap) ListPendingApprovals(_ context.Context, prefix string) ([]Approval, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []Approval
	for key, a := range s.records {
		if a.State != ApprovalPending || a.Lapsed(time.Now()) {
			continue
		}
		if prefix != "" && (len(key) < len(prefix) || key[:len(prefix)] != prefix) {
			continue
		}
		out = append(out, a)
	}
	return out, nil
}

func (s *approvalsMap) decide(key string, apply func(*Approval)) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	a, ok := s.records[key]
	if !ok {
		return fmt.Errorf("approval %q not found", key)
	}
	if a.State != ApprovalPending {
		return fmt.Errorf("approval %q already %s", key, a.State)
	}
	apply(&a)
	a.UpdatedAt = time.Now()
	s.records[key] = a
	return nil
}

func (s *approvalsMap) state(key string) ApprovalState {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.records[key].State
}

// fakeTracer records started spans.
type fakeTracer struct {
	mu    sync.Mutex
	spans []*fakeSpan
}

type fakeSpan struct {
	name   string
	attrs  []SpanAttr
	err    error
	events []string
	ended  bool
}

func (t *fakeTracer) Start(ctx context.Context, name string, attrs ...SpanAttr) (context.Context, Span) {
	sp := &fakeSpan{name: name, attrs: attrs}
	t.mu.Lock()
	t.spans = append(t.spans, sp)
	t.mu.Unlock()
	return ctx, sp
}

func (t *fakeTracer) named(name string) []*fakeSpan {
	t.mu.Lock()
	defer t.mu.Unlock()
	var out []*fakeSpan
	for _, sp := range t.spans {
		if sp.name == name {
			out = append(out, sp)
		}
	}
	return out
}

func (s *fakeSpan) SetAttr(attrs ...SpanAttr)      { s.attrs = append(s.attrs, attrs...) }
func (s *fakeSpan) Event(name string, _ ...SpanAttr) { s.events = append(s.events, name) }
func (s *fakeSpan) Error(err error)                { s.err = err }
func (s *fakeSpan) End()                           { s.ended = true }

// notifierLog records NotifyPending calls.
type notifierLog struct {
	mu    sync.Mutex
	calls []Approval
	err   error
}

func (n *notifierLog) NotifyPending(_ context.Context, a Approval) error {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.calls = append(n.calls, a)
	return n.err
}

func (n *notifierLog) count() int {
	n.mu.Lock()
	defer n.mu.Unlock()
	return len(n.calls)
}
