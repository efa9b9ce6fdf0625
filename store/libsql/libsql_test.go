package libsql

import (
	"context"
	"encoding/json"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/nevindra/caravan"
)

func testStore(t *testing.T) *Store {
	t.Helper()
	s := New(filepath.Join(t.TempDir(), "test.db"))
	if err := s.Init(context.Background()); err != nil {
		t.Fatalf("Init: %v", err)
	}
	return s
}

func testSnapshot(id string, keys ...string) caravan.Snapshot {
	snap := caravan.Snapshot{WorkflowID: id}
	for _, key := range keys {
		snap.SetStep(caravan.SnapshotStep{
			Key:         key,
			Result:      caravan.StepResult{OK: true, Value: json.RawMessage(`"v"`)},
			CompletedAt: time.Now(),
		})
	}
	return snap
}

func TestSnapshotRoundTrip(t *testing.T) {
	ctx := context.Background()
	s := testStore(t)

	if got, err := s.Load(ctx, "ghost"); err != nil || got != nil {
		t.Fatalf("missing load = %+v, %v", got, err)
	}

	if err := s.Save(ctx, "wf", testSnapshot("wf", "a", "b")); err != nil {
		t.Fatal(err)
	}
	got, err := s.Load(ctx, "wf")
	if err != nil {
		t.Fatal(err)
	}
	if got.WorkflowID != "wf" || len(got.Steps) != 2 {
		t.Errorf("loaded = %+v", got)
	}

	if err := s.Delete(ctx, "wf"); err != nil {
		t.Fatal(err)
	}
	if got, _ := s.Load(ctx, "wf"); got != nil {
		t.Error("snapshot survived delete")
	}
}

// Each call opens its own connection; state must still be shared
// through the file.
func TestPerCallConnectionsShareState(t *testing.T) {
	ctx := context.Background()
	s := testStore(t)

	for i, id := range []string{"order-1", "order-2", "billing-1"} {
		if err := s.Save(ctx, id, testSnapshot(id)); err != nil {
			t.Fatalf("save %d: %v", i, err)
		}
	}

	infos, err := s.List(ctx, caravan.ListQuery{Prefix: "order-"})
	if err != nil {
		t.Fatal(err)
	}
	if len(infos) != 2 {
		t.Errorf("prefix matches = %d, want 2", len(infos))
	}

	if err := s.Clear(ctx); err != nil {
		t.Fatal(err)
	}
	if infos, _ := s.List(ctx, caravan.ListQuery{}); len(infos) != 0 {
		t.Errorf("after Clear: %+v", infos)
	}
}

func TestLease(t *testing.T) {
	ctx := context.Background()
	s := testStore(t)

	token, err := s.TryAcquire(ctx, "wf", time.Minute)
	if err != nil {
		t.Fatal(err)
	}
	if token == "" {
		t.Fatal("first acquire should grant")
	}
	if second, _ := s.TryAcquire(ctx, "wf", time.Minute); second != "" {
		t.Error("second acquire should be rejected while held")
	}
	if err := s.Release(ctx, "wf", token); err != nil {
		t.Fatal(err)
	}
	if again, _ := s.TryAcquire(ctx, "wf", time.Minute); again == "" {
		t.Error("acquire after release should grant")
	}
}

func TestLeaseExpiryTakeover(t *testing.T) {
	ctx := context.Background()
	s := testStore(t)

	first, _ := s.TryAcquire(ctx, "wf", 5*time.Millisecond)
	if first == "" {
		t.Fatal("first acquire failed")
	}
	time.Sleep(20 * time.Millisecond)

	second, err := s.TryAcquire(ctx, "wf", time.Minute)
	if err != nil {
		t.Fatal(err)
	}
	if second == "" || second == first {
		t.Errorf("takeover token = %q (first %q)", second, first)
	}
}

func TestApprovals(t *testing.T) {
	ctx := context.Background()
	s := testStore(t)

	if err := s.CreateApproval(ctx, "gate", caravan.ApprovalRequest{Metadata: map[string]any{"amount": 250}}); err != nil {
		t.Fatal(err)
	}
	if err := s.CreateApproval(ctx, "gate", caravan.ApprovalRequest{}); err == nil {
		t.Error("duplicate create should fail")
	}

	a, err := s.GetApproval(ctx, "gate")
	if err != nil || a == nil {
		t.Fatalf("get = %v", err)
	}
	if a.State != caravan.ApprovalPending || a.Metadata["amount"] != float64(250) {
		t.Errorf("record = %+v", a)
	}

	if err := s.GrantApproval(ctx, "gate", 200, "boss"); err != nil {
		t.Fatal(err)
	}
	a, _ = s.GetApproval(ctx, "gate")
	if a.State != caravan.ApprovalApproved || string(a.Value) != "200" {
		t.Errorf("record = %+v", a)
	}

	err = s.RejectApproval(ctx, "gate", "late", "boss")
	if err == nil || !strings.Contains(err.Error(), "already approved") {
		t.Errorf("reject after grant = %v", err)
	}

	err = s.GrantApproval(ctx, "ghost", nil, "boss")
	if err == nil || !strings.Contains(err.Error(), "not found") {
		t.Errorf("missing grant = %v", err)
	}
}

func TestLazyExpiry(t *testing.T) {
	ctx := context.Background()
	s := testStore(t)

	req := caravan.ApprovalRequest{ExpiresAt: time.Now().Add(-time.Second)}
	if err := s.CreateApproval(ctx, "gate", req); err != nil {
		t.Fatal(err)
	}

	a, err := s.GetApproval(ctx, "gate")
	if err != nil {
		t.Fatal(err)
	}
	if a.State != caravan.ApprovalExpired {
		t.Errorf("state = %q, want expired on read", a.State)
	}

	pending, _ := s.ListPendingApprovals(ctx, "")
	if len(pending) != 0 {
		t.Errorf("pending = %+v, want none", pending)
	}
}

// TestRemoteTurso exercises the remote wire path against a real Turso
// database. Set CARAVAN_TEST_TURSO_URL (and _TOKEN) to run it.
func TestRemoteTurso(t *testing.T) {
	url := os.Getenv("CARAVAN_TEST_TURSO_URL")
	if url == "" {
		t.Skip("CARAVAN_TEST_TURSO_URL not set")
	}
	ctx := context.Background()
	s := NewRemote(url, os.Getenv("CARAVAN_TEST_TURSO_TOKEN"))
	if err := s.Init(ctx); err != nil {
		t.Fatalf("Init: %v", err)
	}

	id := "remote-" + caravan.NewID()
	if err := s.Save(ctx, id, testSnapshot(id, "a")); err != nil {
		t.Fatal(err)
	}
	defer s.Delete(ctx, id)

	got, err := s.Load(ctx, id)
	if err != nil || got == nil || len(got.Steps) != 1 {
		t.Fatalf("loaded = %+v, %v", got, err)
	}
}
