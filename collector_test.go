package caravan

import (
	"context"
	"errors"
	"testing"
)

// --- ResumeCollector tests ---

func TestResumeCollectorRecordsOutcomes(t *testing.T) {
	e := New()
	col := NewResumeCollector()

	_, err := Execute(context.Background(), e, "wf", func(ctx context.Context, w *Workflow) (int, error) {
		a, _ := Step(ctx, w, "a", func(context.Context) (int, error) { return 1, nil })
		b, _ := Step(ctx, w, "b", func(context.Context) (int, error) { return 2, nil })
		return a + b, nil
	}, WithRunEvents(col.Sink()))
	if err != nil {
		t.Fatal(err)
	}

	steps := col.State().Steps()
	if len(steps) != 2 {
		t.Fatalf("collected = %d steps, want 2", len(steps))
	}
	if steps[0].Key != "a" || steps[1].Key != "b" {
		t.Errorf("keys = %s, %s", steps[0].Key, steps[1].Key)
	}
	if !steps[0].Result.OK || string(steps[0].Result.Value) != "1" {
		t.Errorf("step a = %+v", steps[0].Result)
	}
}

func TestResumeCollectorStorelessResume(t *testing.T) {
	e := New()
	executions := 0
	boom := errors.New("later step fails")

	fn := func(ctx context.Context, w *Workflow) (int, error) {
		v, err := Step(ctx, w, "expensive", func(context.Context) (int, error) {
			executions++
			return 9, nil
		})
		if err != nil {
			return 0, err
		}
		if _, err := Step(ctx, w, "fragile", func(context.Context) (int, error) {
			return 0, boom
		}); err != nil {
			return 0, err
		}
		return v, nil
	}

	col := NewResumeCollector()
	if _, err := Execute(context.Background(), e, "wf", fn, WithRunEvents(col.Sink())); err == nil {
		t.Fatal("first run should fail")
	}
	if executions != 1 {
		t.Fatalf("executions = %d", executions)
	}

	// No store is configured, so resume rides entirely on the collected
	// state; the completed step replays, the failed one re-executes after
	// dropping its outcome.
	rs := col.State().WithoutStep("fragile")
	passFn := func(ctx context.Context, w *Workflow) (int, error) {
		v, err := Step(ctx, w, "expensive", func(context.Context) (int, error) {
			executions++
			return 9, nil
		})
		if err != nil {
			return 0, err
		}
		if _, err := Step(ctx, w, "fragile", func(context.Context) (int, error) {
			return 1, nil
		}); err != nil {
			return 0, err
		}
		return v, nil
	}
	v, err := Execute(context.Background(), e, "wf", passFn, WithResumeState(rs))
	if err != nil {
		t.Fatalf("resumed run: %v", err)
	}
	if executions != 1 {
		t.Errorf("expensive step re-executed: %d", executions)
	}
	if v != 9 {
		t.Errorf("value = %d, want the replayed 9", v)
	}
}

func TestResumeCollectorUpserts(t *testing.T) {
	col := NewResumeCollector()
	sink := col.Sink()

	res1, _ := okResult(1)
	res2, _ := okResult(2)
	sink(Event{Type: EventStepComplete, StepKey: "a", Result: &res1})
	sink(Event{Type: EventStepCacheHit, StepKey: "a", Result: &res2})

	steps := col.State().Steps()
	if len(steps) != 1 {
		t.Fatalf("steps = %d, want 1", len(steps))
	}
	if string(steps[0].Result.Value) != "2" {
		t.Errorf("value = %s, want the later outcome", steps[0].Result.Value)
	}
}

func TestResumeCollectorIgnoresOtherEvents(t *testing.T) {
	col := NewResumeCollector()
	sink := col.Sink()

	res, _ := okResult(1)
	sink(Event{Type: EventWorkflowStart})
	sink(Event{Type: EventStepStart, StepKey: "a"})
	sink(Event{Type: EventPersistSuccess, StepKey: "a", Result: &res})
	sink(Event{Type: EventStepComplete, StepKey: "a"}) // no result attached

	if got := len(col.State().Steps()); got != 0 {
		t.Errorf("collected = %d, want 0", got)
	}
}

// --- ApprovalCollector tests ---

func TestApprovalCollectorLoop(t *testing.T) {
	e := New()
	fn := func(ctx context.Context, w *Workflow) (int, error) {
		validated, err := Step(ctx, w, "validate", func(context.Context) (int, error) { return 100, nil })
		if err != nil {
			return 0, err
		}
		granted, err := ApprovalStep[int](ctx, w, "signoff", func(context.Context) (ApprovalStatus, error) {
			return ApprovalStatus{State: ApprovalPending, Reason: "manager"}, nil
		})
		if err != nil {
			return 0, err
		}
		return validated + granted, nil
	}

	col := NewApprovalCollector()
	_, err := Execute(context.Background(), e, "wf", fn, WithRunEvents(col.Sink()))
	var pending *ErrPendingApproval
	if !errors.As(err, &pending) {
		t.Fatalf("first run = %v, want pending", err)
	}
	if !col.HasPending() {
		t.Fatal("collector should see the suspension")
	}

	gates := col.Pending()
	if len(gates) != 1 {
		t.Fatalf("pending gates = %d, want 1", len(gates))
	}
	if gates[0].StepKey != "signoff" || gates[0].Reason != "manager" {
		t.Errorf("gate = %+v", gates[0])
	}

	if err := col.InjectApproval("signoff", 50); err != nil {
		t.Fatal(err)
	}
	if col.HasPending() {
		t.Error("injection should clear the pending state")
	}

	v, err := Execute(context.Background(), e, "wf", fn, WithResumeState(col.State()))
	if err != nil {
		t.Fatalf("resumed run: %v", err)
	}
	if v != 150 {
		t.Errorf("value = %d, want 150", v)
	}
}

func TestApprovalCollectorInjectUnknownStep(t *testing.T) {
	col := NewApprovalCollector()
	if err := col.InjectApproval("ghost", 1); !errors.Is(err, ErrStepNotRecorded) {
		t.Errorf("error = %v, want ErrStepNotRecorded", err)
	}
}

func TestApprovalCollectorPendingHook(t *testing.T) {
	e := New()
	col := NewApprovalCollector()

	var hook Hook
	fn := func(ctx context.Context, w *Workflow) (string, error) {
		h, err := CreateHook(ctx, w, "cb")
		if err != nil {
			return "", err
		}
		hook = h
		return AwaitHook[string](ctx, w, h)
	}

	_, err := Execute(context.Background(), e, "wf", fn, WithRunEvents(col.Sink()))
	var pendingHook *ErrPendingHook
	if !errors.As(err, &pendingHook) {
		t.Fatalf("first run = %v, want pending hook", err)
	}
	if !col.HasPending() {
		t.Error("pending hooks count as pending")
	}
	if got := col.Pending(); len(got) != 0 {
		t.Errorf("Pending() = %d gates, want 0 (hooks resolve via WithHookResult)", len(got))
	}

	rs, err := col.State().WithHookResult(hook.ID, "callback payload")
	if err != nil {
		t.Fatal(err)
	}
	v, err := Execute(context.Background(), e, "wf", fn, WithResumeState(rs))
	if err != nil {
		t.Fatalf("resumed run: %v", err)
	}
	if v != "callback payload" {
		t.Errorf("value = %q", v)
	}
}
