package postgres

import (
	"context"
	"encoding/json"
	"os"
	"strings"
	"testing"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/nevindra/caravan"
)

// testStore connects to the database named by CARAVAN_TEST_POSTGRES_URL
// and wipes the workflow tables. Tests are skipped when the variable is
// unset, so the suite stays runnable without a server.
func testStore(t *testing.T) *Store {
	t.Helper()
	url := os.Getenv("CARAVAN_TEST_POSTGRES_URL")
	if url == "" {
		t.Skip("CARAVAN_TEST_POSTGRES_URL not set")
	}

	ctx := context.Background()
	pool, err := pgxpool.New(ctx, url)
	if err != nil {
		t.Fatalf("pool: %v", err)
	}
	t.Cleanup(pool.Close)

	s := New(pool)
	if err := s.Init(ctx); err != nil {
		t.Fatalf("Init: %v", err)
	}
	for _, table := range []string{"workflow_snapshots", "workflow_leases", "workflow_approvals"} {
		if _, err := pool.Exec(ctx, "DELETE FROM "+table); err != nil {
			t.Fatalf("wipe %s: %v", table, err)
		}
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
	s := testStore(t)
	ctx := context.Background()

	if got, err := s.Load(ctx, "ghost"); err != nil || got != nil {
		t.Fatalf("missing load = %+v, %v", got, err)
	}

	snap := testSnapshot("wf", "a", "b")
	snap.Metadata = map[string]any{"version": 2}
	if err := s.Save(ctx, "wf", snap); err != nil {
		t.Fatal(err)
	}
	got, err := s.Load(ctx, "wf")
	if err != nil {
		t.Fatal(err)
	}
	if got.WorkflowID != "wf" || len(got.Steps) != 2 {
		t.Errorf("loaded = %+v", got)
	}
	if v, ok := got.Version(); !ok || v != 2 {
		t.Errorf("version = %d (%v)", v, ok)
	}

	// Upsert replaces wholesale.
	if err := s.Save(ctx, "wf", testSnapshot("wf", "a")); err != nil {
		t.Fatal(err)
	}
	got, _ = s.Load(ctx, "wf")
	if len(got.Steps) != 1 {
		t.Errorf("steps after overwrite = %d, want 1", len(got.Steps))
	}

	if err := s.Delete(ctx, "wf"); err != nil {
		t.Fatal(err)
	}
	if got, _ := s.Load(ctx, "wf"); got != nil {
		t.Error("snapshot survived delete")
	}
}

func TestListPagingAndBatchDelete(t *testing.T) {
	s := testStore(t)
	ctx := context.Background()

	for _, id := range []string{"order-1", "order-2", "billing-1"} {
		if err := s.Save(ctx, id, testSnapshot(id, "a")); err != nil {
			t.Fatal(err)
		}
		time.Sleep(5 * time.Millisecond)
	}

	infos, err := s.List(ctx, caravan.ListQuery{})
	if err != nil {
		t.Fatal(err)
	}
	if len(infos) != 3 || infos[0].WorkflowID != "billing-1" {
		t.Errorf("list = %+v", infos)
	}

	infos, _ = s.List(ctx, caravan.ListQuery{Prefix: "order-", Limit: 1})
	if len(infos) != 1 || !strings.HasPrefix(infos[0].WorkflowID, "order-") {
		t.Errorf("filtered = %+v", infos)
	}

	page, err := s.ListPage(ctx, 1, 1)
	if err != nil {
		t.Fatal(err)
	}
	if len(page) != 1 || page[0].WorkflowID != "order-2" {
		t.Errorf("page = %+v", page)
	}

	if err := s.DeleteMany(ctx, []string{"order-1", "order-2"}); err != nil {
		t.Fatal(err)
	}
	infos, _ = s.List(ctx, caravan.ListQuery{})
	if len(infos) != 1 || infos[0].WorkflowID != "billing-1" {
		t.Errorf("after DeleteMany: %+v", infos)
	}

	if err := s.Clear(ctx); err != nil {
		t.Fatal(err)
	}
	if infos, _ = s.List(ctx, caravan.ListQuery{}); len(infos) != 0 {
		t.Errorf("after Clear: %+v", infos)
	}
}

func TestLease(t *testing.T) {
	s := testStore(t)
	ctx := context.Background()

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

	if err := s.Release(ctx, "wf", "stale"); err != nil {
		t.Fatal(err)
	}
	if again, _ := s.TryAcquire(ctx, "wf", time.Minute); again != "" {
		t.Error("stale release freed the lease")
	}

	if err := s.Release(ctx, "wf", token); err != nil {
		t.Fatal(err)
	}
	if again, _ := s.TryAcquire(ctx, "wf", time.Minute); again == "" {
		t.Error("acquire after release should grant")
	}
}

func TestLeaseExpiryTakeover(t *testing.T) {
	s := testStore(t)
	ctx := context.Background()

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

func TestApprovalLifecycle(t *testing.T) {
	s := testStore(t)
	ctx := context.Background()

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

	if err := s.GrantApproval(ctx, "gate", map[string]int{"amount": 200}, "boss"); err != nil {
		t.Fatal(err)
	}
	a, _ = s.GetApproval(ctx, "gate")
	if a.State != caravan.ApprovalApproved || a.GrantedBy != "boss" {
		t.Errorf("record = %+v", a)
	}

	err = s.GrantApproval(ctx, "gate", nil, "boss")
	if err == nil || !strings.Contains(err.Error(), "already approved") {
		t.Errorf("second grant = %v", err)
	}
	err = s.RejectApproval(ctx, "ghost", "no", "boss")
	if err == nil || !strings.Contains(err.Error(), "not found") {
		t.Errorf("missing reject = %v", err)
	}
}

func TestEditAndExpiry(t *testing.T) {
	s := testStore(t)
	ctx := context.Background()

	if err := s.CreateApproval(ctx, "edit-me", caravan.ApprovalRequest{}); err != nil {
		t.Fatal(err)
	}
	if err := s.EditApproval(ctx, "edit-me", 500, 200, "boss"); err != nil {
		t.Fatal(err)
	}
	a, _ := s.GetApproval(ctx, "edit-me")
	if a.State != caravan.ApprovalEdited || string(a.OriginalValue) != "500" || string(a.EditedValue) != "200" {
		t.Errorf("record = %+v", a)
	}

	if err := s.CreateApproval(ctx, "lapsed", caravan.ApprovalRequest{ExpiresAt: time.Now().Add(-time.Second)}); err != nil {
		t.Fatal(err)
	}
	a, err := s.GetApproval(ctx, "lapsed")
	if err != nil {
		t.Fatal(err)
	}
	if a.State != caravan.ApprovalExpired {
		t.Errorf("state = %q, want expired on read", a.State)
	}
}

func TestListPendingApprovals(t *testing.T) {
	s := testStore(t)
	ctx := context.Background()

	if err := s.CreateApproval(ctx, "payout/2", caravan.ApprovalRequest{}); err != nil {
		t.Fatal(err)
	}
	time.Sleep(5 * time.Millisecond)
	if err := s.CreateApproval(ctx, "payout/1", caravan.ApprovalRequest{}); err != nil {
		t.Fatal(err)
	}
	if err := s.CreateApproval(ctx, "refund/1", caravan.ApprovalRequest{}); err != nil {
		t.Fatal(err)
	}
	if err := s.CreateApproval(ctx, "payout/lapsed", caravan.ApprovalRequest{ExpiresAt: time.Now().Add(-time.Second)}); err != nil {
		t.Fatal(err)
	}

	pending, err := s.ListPendingApprovals(ctx, "payout/")
	if err != nil {
		t.Fatal(err)
	}
	if len(pending) != 2 {
		t.Fatalf("pending = %d, want 2 (lapsed excluded)", len(pending))
	}
	if pending[0].Key != "payout/2" || pending[1].Key != "payout/1" {
		t.Errorf("order = %s, %s", pending[0].Key, pending[1].Key)
	}
}
