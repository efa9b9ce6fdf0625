package caravan

import (
	"context"
	"errors"
	"strings"
	"testing"
	"time"
)

// --- Terminal outcomes and the snapshot lifecycle ---

func TestExecuteSuccessDeletesSnapshot(t *testing.T) {
	store := newMemStore()
	e := New(WithStore(store))

	v, err := Execute(context.Background(), e, "wf", func(ctx context.Context, w *Workflow) (int, error) {
		a, _ := Step(ctx, w, "a", func(context.Context) (int, error) { return 1, nil })
		b, _ := Step(ctx, w, "b", func(context.Context) (int, error) { return 2, nil })
		return a + b, nil
	})
	if err != nil {
		t.Fatal(err)
	}
	if v != 3 {
		t.Errorf("result = %d, want 3", v)
	}
	if store.has("wf") {
		t.Error("successful run should delete its snapshot")
	}
	// One checkpoint per keyed step.
	if store.saveCount() != 2 {
		t.Errorf("checkpoints = %d, want 2", store.saveCount())
	}
}

func TestExecuteFailureRetainsSnapshot(t *testing.T) {
	store := newMemStore()
	e := New(WithStore(store))

	_, err := Execute(context.Background(), e, "wf", func(ctx context.Context, w *Workflow) (int, error) {
		if _, err := Step(ctx, w, "a", func(context.Context) (int, error) { return 1, nil }); err != nil {
			return 0, err
		}
		return Step(ctx, w, "b", func(context.Context) (int, error) {
			return 0, errors.New("boom")
		})
	})
	if err == nil {
		t.Fatal("want error")
	}
	snap := store.snapshot("wf")
	if snap == nil {
		t.Fatal("failed run should retain its snapshot")
	}
	if len(snap.Steps) != 2 {
		t.Errorf("snapshot steps = %d, want 2 (success and failure both recorded)", len(snap.Steps))
	}
	if got, _ := snap.Step("a"); !got.Result.OK {
		t.Error("step a should be recorded Ok")
	}
	if got, _ := snap.Step("b"); got.Result.OK {
		t.Error("step b should be recorded as failed")
	}
}

func TestExecuteSnapshotMetadata(t *testing.T) {
	store := newMemStore()
	e := New(WithStore(store))

	_, _ = Execute(context.Background(), e, "wf", func(ctx context.Context, w *Workflow) (int, error) {
		if _, err := Step(ctx, w, "first", func(context.Context) (int, error) { return 1, nil }); err != nil {
			return 0, err
		}
		return Step(ctx, w, "second", func(context.Context) (int, error) {
			return 0, errors.New("stop")
		})
	}, WithVersion(4), WithRunMetadata(map[string]any{"tenant": "acme"}))

	snap := store.snapshot("wf")
	if snap == nil {
		t.Fatal("no snapshot")
	}
	if v, ok := snap.Version(); !ok || v != 4 {
		t.Errorf("recorded version = %d (%v), want 4", v, ok)
	}
	if snap.LastStepKey() != "second" {
		t.Errorf("last step key = %q, want second", snap.LastStepKey())
	}
	if snap.Metadata["tenant"] != "acme" {
		t.Errorf("metadata tenant = %v, want acme", snap.Metadata["tenant"])
	}
}

func TestExecuteWorkflowFnErrorWithoutSteps(t *testing.T) {
	store := newMemStore()
	e := New(WithStore(store))
	boom := errors.New("invalid input")

	_, err := Execute(context.Background(), e, "wf", func(ctx context.Context, w *Workflow) (int, error) {
		return 0, boom
	})
	if !errors.Is(err, boom) {
		t.Errorf("error = %v, want boom", err)
	}
	// No keyed step completed, so nothing was checkpointed.
	if store.has("wf") {
		t.Error("no snapshot should exist when no step was recorded")
	}
}

func TestExecuteWorkflowFnPanic(t *testing.T) {
	e := New()

	_, err := Execute(context.Background(), e, "wf", func(ctx context.Context, w *Workflow) (int, error) {
		panic("misbehaving workflow")
	})
	var ue *ErrUnexpected
	if !errors.As(err, &ue) {
		t.Fatalf("error = %T (%v), want *ErrUnexpected", err, err)
	}
	if ue.Thrown != "misbehaving workflow" {
		t.Errorf("Thrown = %v", ue.Thrown)
	}
}

func TestExecuteCheckpointFailOpen(t *testing.T) {
	store := newMemStore()
	store.saveErr = errors.New("disk full")
	e := New(WithStore(store))
	log := &eventLog{}

	v, err := Execute(context.Background(), e, "wf", func(ctx context.Context, w *Workflow) (int, error) {
		return Step(ctx, w, "work", func(context.Context) (int, error) { return 42, nil })
	}, WithRunEvents(log.sink()))
	if err != nil {
		t.Fatalf("checkpoint failures must not fail the run: %v", err)
	}
	if v != 42 {
		t.Errorf("result = %d, want 42", v)
	}
	if got := log.count(EventPersistError); got != 1 {
		t.Errorf("persist_error events = %d, want 1", got)
	}
}

func TestExecuteLoadFailure(t *testing.T) {
	store := newMemStore()
	store.loadErr = errors.New("connection reset")
	e := New(WithStore(store))

	_, err := Execute(context.Background(), e, "wf", func(ctx context.Context, w *Workflow) (int, error) {
		return 1, nil
	})
	var pe *ErrPersistence
	if !errors.As(err, &pe) || pe.Op != "load" {
		t.Fatalf("error = %v, want ErrPersistence load", err)
	}
}

func TestExecuteDeleteFailureOnSuccess(t *testing.T) {
	store := newMemStore()
	store.deleteErr = errors.New("locked")
	e := New(WithStore(store))

	_, err := Execute(context.Background(), e, "wf", func(ctx context.Context, w *Workflow) (int, error) {
		return Step(ctx, w, "work", func(context.Context) (int, error) { return 1, nil })
	})
	var pe *ErrPersistence
	if !errors.As(err, &pe) || pe.Op != "delete" {
		t.Fatalf("error = %v, want ErrPersistence delete", err)
	}
}

// --- Resume ---

func TestExecuteResumeSkipsCompletedSteps(t *testing.T) {
	store := newMemStore()
	e := New(WithStore(store))
	executions := map[string]int{}
	attempt := 0

	fn := func(ctx context.Context, w *Workflow) (string, error) {
		for _, key := range []string{"reserve", "charge", "ship"} {
			if _, err := Step(ctx, w, key, func(context.Context) (string, error) {
				executions[key]++
				if key == "ship" && attempt == 1 {
					return "", errors.New("carrier offline")
				}
				return key + "-done", nil
			}); err != nil {
				return "", err
			}
		}
		return "complete", nil
	}

	attempt = 1
	if _, err := Execute(context.Background(), e, "order", fn); err == nil {
		t.Fatal("first attempt should fail at ship")
	}
	if err := ClearStep(context.Background(), store, "order", "ship"); err != nil {
		t.Fatal(err)
	}

	attempt = 2
	v, err := Execute(context.Background(), e, "order", fn)
	if err != nil {
		t.Fatalf("second attempt: %v", err)
	}
	if v != "complete" {
		t.Errorf("result = %q, want complete", v)
	}
	if executions["reserve"] != 1 || executions["charge"] != 1 {
		t.Errorf("completed steps re-executed: %v", executions)
	}
	if executions["ship"] != 2 {
		t.Errorf("ship executed %d times, want 2", executions["ship"])
	}
	if store.has("order") {
		t.Error("snapshot should be deleted after the successful resume")
	}
}

func TestExecuteWithResumeState(t *testing.T) {
	e := New()
	ran := false

	rs, err := NewResumeState().WithStep("expensive", "precomputed")
	if err != nil {
		t.Fatal(err)
	}
	v, err := Execute(context.Background(), e, "wf", func(ctx context.Context, w *Workflow) (string, error) {
		return Step(ctx, w, "expensive", func(context.Context) (string, error) {
			ran = true
			return "fresh", nil
		})
	}, WithResumeState(rs))
	if err != nil {
		t.Fatal(err)
	}
	if ran {
		t.Error("primed step should replay, not execute")
	}
	if v != "precomputed" {
		t.Errorf("value = %q, want precomputed", v)
	}
}

func TestExecuteResumeStateOverlaysSnapshot(t *testing.T) {
	store := newMemStore()
	e := New(WithStore(store))

	// Record a failure, then overlay it with an Ok outcome for one run.
	fn := func(ctx context.Context, w *Workflow) (string, error) {
		return Step(ctx, w, "gate", func(context.Context) (string, error) {
			return "", errors.New("denied")
		})
	}
	if _, err := Execute(context.Background(), e, "wf", fn); err == nil {
		t.Fatal("first run should fail")
	}

	rs, _ := NewResumeState().WithStep("gate", "granted")
	v, err := Execute(context.Background(), e, "wf", fn, WithResumeState(rs))
	if err != nil {
		t.Fatalf("overlay run: %v", err)
	}
	if v != "granted" {
		t.Errorf("value = %q, want granted", v)
	}
}

// --- Concurrency gates ---

func TestExecuteInProcessGate(t *testing.T) {
	e := New()

	_, err := Execute(context.Background(), e, "wf", func(ctx context.Context, w *Workflow) (int, error) {
		// A nested run of the same ID must be rejected while this one holds
		// the slot.
		_, nested := Execute(ctx, e, "wf", func(ctx context.Context, w *Workflow) (int, error) {
			return 0, nil
		})
		var ce *ErrConcurrentExecution
		if !errors.As(nested, &ce) {
			t.Errorf("nested error = %v, want *ErrConcurrentExecution", nested)
		} else if ce.Reason != ReasonInProcess {
			t.Errorf("Reason = %q, want %q", ce.Reason, ReasonInProcess)
		}
		return 1, nil
	})
	if err != nil {
		t.Fatal(err)
	}

	// The slot is released once the run finishes.
	if _, err := Execute(context.Background(), e, "wf", func(ctx context.Context, w *Workflow) (int, error) {
		return 2, nil
	}); err != nil {
		t.Errorf("run after release failed: %v", err)
	}
}

func TestExecuteDifferentIDsRunConcurrently(t *testing.T) {
	e := New()
	release := make(chan struct{})
	started := make(chan struct{})

	go func() {
		_, _ = Execute(context.Background(), e, "wf-1", func(ctx context.Context, w *Workflow) (int, error) {
			close(started)
			<-release
			return 1, nil
		})
	}()
	<-started

	done := make(chan error, 1)
	go func() {
		_, err := Execute(context.Background(), e, "wf-2", func(ctx context.Context, w *Workflow) (int, error) {
			return 2, nil
		})
		done <- err
	}()

	select {
	case err := <-done:
		if err != nil {
			t.Errorf("wf-2 failed: %v", err)
		}
	case <-time.After(2 * time.Second):
		t.Error("wf-2 blocked behind an unrelated workflow ID")
	}
	close(release)
}

func TestExecuteLeaseAcquireAndRelease(t *testing.T) {
	store := newLockStore()
	e := New(WithStore(store))

	_, err := Execute(context.Background(), e, "wf", func(ctx context.Context, w *Workflow) (int, error) {
		if !store.held("wf") {
			t.Error("lease should be held during the run")
		}
		return 1, nil
	})
	if err != nil {
		t.Fatal(err)
	}
	if store.held("wf") {
		t.Error("lease should be released after the run")
	}
	if store.releases != 1 {
		t.Errorf("releases = %d, want 1", store.releases)
	}
}

func TestExecuteLeaseHeldElsewhere(t *testing.T) {
	store := newLockStore()
	store.denyAll = true
	e := New(WithStore(store))

	_, err := Execute(context.Background(), e, "wf", func(ctx context.Context, w *Workflow) (int, error) {
		return 1, nil
	})
	var ce *ErrConcurrentExecution
	if !errors.As(err, &ce) {
		t.Fatalf("error = %v, want *ErrConcurrentExecution", err)
	}
	if ce.Reason != ReasonCrossProcess {
		t.Errorf("Reason = %q, want %q", ce.Reason, ReasonCrossProcess)
	}
}

func TestExecuteLeaseAcquireError(t *testing.T) {
	store := newLockStore()
	store.acquireErr = errors.New("db down")
	e := New(WithStore(store))

	_, err := Execute(context.Background(), e, "wf", func(ctx context.Context, w *Workflow) (int, error) {
		return 1, nil
	})
	var pe *ErrPersistence
	if !errors.As(err, &pe) || pe.Op != "acquire" {
		t.Fatalf("error = %v, want ErrPersistence acquire", err)
	}
}

func TestExecuteAllowConcurrentSkipsGates(t *testing.T) {
	store := newLockStore()
	store.denyAll = true
	e := New(WithStore(store))

	v, err := Execute(context.Background(), e, "wf", func(ctx context.Context, w *Workflow) (int, error) {
		return 7, nil
	}, AllowConcurrent())
	if err != nil {
		t.Fatalf("AllowConcurrent run failed: %v", err)
	}
	if v != 7 {
		t.Errorf("result = %d, want 7", v)
	}
	if store.acquires != 0 {
		t.Errorf("lease acquires = %d, want 0", store.acquires)
	}
}

// --- Version handling ---

func failedRunWithVersion(t *testing.T, e *Engine, id string, version int) {
	t.Helper()
	_, err := Execute(context.Background(), e, id, func(ctx context.Context, w *Workflow) (int, error) {
		if _, err := Step(ctx, w, "work", func(context.Context) (int, error) { return 1, nil }); err != nil {
			return 0, err
		}
		return 0, errors.New("keep the snapshot")
	}, WithVersion(version))
	if err == nil {
		t.Fatal("setup run should fail")
	}
}

func TestExecuteVersionMismatchFails(t *testing.T) {
	store := newMemStore()
	e := New(WithStore(store))
	failedRunWithVersion(t, e, "wf", 1)

	_, err := Execute(context.Background(), e, "wf", func(ctx context.Context, w *Workflow) (int, error) {
		return 1, nil
	}, WithVersion(2))
	var vm *ErrVersionMismatch
	if !errors.As(err, &vm) {
		t.Fatalf("error = %v, want *ErrVersionMismatch", err)
	}
	if vm.Stored != 1 || vm.Requested != 2 {
		t.Errorf("mismatch = stored %d requested %d, want 1 and 2", vm.Stored, vm.Requested)
	}
}

func TestExecuteVersionMismatchClear(t *testing.T) {
	store := newMemStore()
	e := New(WithStore(store))
	failedRunWithVersion(t, e, "wf", 1)
	ran := false

	v, err := Execute(context.Background(), e, "wf", func(ctx context.Context, w *Workflow) (int, error) {
		return Step(ctx, w, "work", func(context.Context) (int, error) {
			ran = true
			return 99, nil
		})
	}, WithVersion(2), OnVersionMismatch(MismatchClear))
	if err != nil {
		t.Fatal(err)
	}
	if !ran {
		t.Error("cleared snapshot should not replay; the step must execute fresh")
	}
	if v != 99 {
		t.Errorf("result = %d, want 99", v)
	}
}

func TestExecuteVersionMigration(t *testing.T) {
	store := newMemStore()
	e := New(WithStore(store))
	failedRunWithVersion(t, e, "wf", 1)
	ran := false

	v, err := Execute(context.Background(), e, "wf", func(ctx context.Context, w *Workflow) (int, error) {
		return Step(ctx, w, "work-v2", func(context.Context) (int, error) {
			ran = true
			return 0, nil
		})
	}, WithVersion(2), WithMigration(func(old Snapshot) (*Snapshot, error) {
		// Rename the recorded step for the new step sequence.
		migrated := old.Clone()
		for i, st := range migrated.Steps {
			if st.Key == "work" {
				migrated.Steps[i].Key = "work-v2"
			}
		}
		return &migrated, nil
	}))
	if err != nil {
		t.Fatal(err)
	}
	if ran {
		t.Error("migrated step should replay, not execute")
	}
	if v != 1 {
		t.Errorf("result = %d, want the migrated value 1", v)
	}
}

func TestExecuteVersionMigrationError(t *testing.T) {
	store := newMemStore()
	e := New(WithStore(store))
	failedRunWithVersion(t, e, "wf", 1)

	_, err := Execute(context.Background(), e, "wf", func(ctx context.Context, w *Workflow) (int, error) {
		return 1, nil
	}, WithVersion(3), WithMigration(func(Snapshot) (*Snapshot, error) {
		return nil, errors.New("cannot map v1 state")
	}))
	if err == nil {
		t.Fatal("want migration error")
	}
	if got := err.Error(); !strings.Contains(got, "migrate workflow") || !strings.Contains(got, "version 1") {
		t.Errorf("error = %q, want migrate context", got)
	}
}

func TestExecuteSameVersionReplays(t *testing.T) {
	store := newMemStore()
	e := New(WithStore(store))
	failedRunWithVersion(t, e, "wf", 3)
	ran := false

	v, err := Execute(context.Background(), e, "wf", func(ctx context.Context, w *Workflow) (int, error) {
		return Step(ctx, w, "work", func(context.Context) (int, error) {
			ran = true
			return 50, nil
		})
	}, WithVersion(3))
	if err != nil {
		t.Fatal(err)
	}
	if ran {
		t.Error("matching version should replay the snapshot")
	}
	if v != 1 {
		t.Errorf("result = %d, want the recorded 1", v)
	}
}

// --- Cancellation ---

func TestExecutePreCancelledContext(t *testing.T) {
	store := newMemStore()
	e := New(WithStore(store))
	ran := false

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	_, err := Execute(ctx, e, "wf", func(ctx context.Context, w *Workflow) (int, error) {
		ran = true
		return 1, nil
	})
	var cErr *ErrWorkflowCancelled
	if !errors.As(err, &cErr) {
		t.Fatalf("error = %T (%v), want *ErrWorkflowCancelled", err, err)
	}
	if ran {
		t.Error("workflow function should not run under a cancelled context")
	}
	if store.saveCount() != 0 {
		t.Error("nothing should be persisted")
	}
}

func TestExecuteLateCancellationRetainsSnapshot(t *testing.T) {
	store := newMemStore()
	e := New(WithStore(store))

	ctx, cancel := context.WithCancel(context.Background())
	_, err := Execute(ctx, e, "wf", func(ctx context.Context, w *Workflow) (int, error) {
		v, err := Step(ctx, w, "work", func(context.Context) (int, error) { return 1, nil })
		if err != nil {
			return 0, err
		}
		// The signal lands after all work completed.
		cancel()
		return v, nil
	})
	var cErr *ErrWorkflowCancelled
	if !errors.As(err, &cErr) {
		t.Fatalf("error = %T (%v), want *ErrWorkflowCancelled", err, err)
	}
	if cErr.LastStepKey != "work" {
		t.Errorf("LastStepKey = %q, want work", cErr.LastStepKey)
	}
	if !store.has("wf") {
		t.Error("late cancellation should retain the snapshot for inspection")
	}
}

func TestExecuteCancellationReasonFromCause(t *testing.T) {
	e := New()

	ctx, cancel := context.WithCancelCause(context.Background())
	cancel(errors.New("deploy rollout"))
	_, err := Execute(ctx, e, "wf", func(ctx context.Context, w *Workflow) (int, error) {
		return 1, nil
	})
	var cErr *ErrWorkflowCancelled
	if !errors.As(err, &cErr) {
		t.Fatal(err)
	}
	if cErr.Reason != "deploy rollout" {
		t.Errorf("Reason = %q, want the cancel cause", cErr.Reason)
	}
}

// --- Lifecycle hooks ---

func TestExecuteBeforeStartHook(t *testing.T) {
	store := newMemStore()
	var sawPrior *Snapshot
	hookCalls := 0
	e := New(WithStore(store), WithBeforeStart(func(ctx context.Context, workflowID string, prior *Snapshot) error {
		hookCalls++
		sawPrior = prior
		return nil
	}))

	failedRunWithVersion(t, e, "wf", 1)
	if hookCalls != 1 {
		t.Fatalf("hook calls = %d, want 1", hookCalls)
	}
	if sawPrior != nil {
		t.Error("first run should see no prior snapshot")
	}

	_, _ = Execute(context.Background(), e, "wf", func(ctx context.Context, w *Workflow) (int, error) {
		return 1, nil
	})
	if hookCalls != 2 {
		t.Fatalf("hook calls = %d, want 2", hookCalls)
	}
	if sawPrior == nil {
		t.Error("second run should see the retained snapshot")
	}
}

func TestExecuteBeforeStartHookErrorAbortsRun(t *testing.T) {
	ran := false
	e := New(WithBeforeStart(func(context.Context, string, *Snapshot) error {
		return errors.New("maintenance window")
	}))
	log := &eventLog{}

	_, err := Execute(context.Background(), e, "wf", func(ctx context.Context, w *Workflow) (int, error) {
		ran = true
		return 1, nil
	}, WithRunEvents(log.sink()))
	if err == nil || !strings.Contains(err.Error(), "before-start hook") || !strings.Contains(err.Error(), "maintenance window") {
		t.Fatalf("error = %v, want wrapped hook error", err)
	}
	if ran {
		t.Error("workflow function should not run after a hook abort")
	}
	if log.count(EventHookBeforeStartError) != 1 {
		t.Error("missing hook_before_start_error event")
	}
}

func TestExecuteAfterStepHook(t *testing.T) {
	var seen []string
	e := New(WithAfterStep(func(ctx context.Context, workflowID string, step SnapshotStep) error {
		seen = append(seen, step.Key)
		if step.Key == "b" {
			return errors.New("audit sink down")
		}
		return nil
	}))
	log := &eventLog{}

	v, err := Execute(context.Background(), e, "wf", func(ctx context.Context, w *Workflow) (int, error) {
		Step(ctx, w, "a", func(context.Context) (int, error) { return 1, nil })
		Step(ctx, w, "b", func(context.Context) (int, error) { return 2, nil })
		return Step(ctx, w, "c", func(context.Context) (int, error) { return 3, nil })
	}, WithRunEvents(log.sink()))
	if err != nil {
		t.Fatalf("hook errors must not fail the run: %v", err)
	}
	if v != 3 {
		t.Errorf("result = %d, want 3", v)
	}
	if len(seen) != 3 {
		t.Errorf("hook saw %v, want all three steps", seen)
	}
	if log.count(EventHookAfterStepError) != 1 {
		t.Error("missing hook_after_step_error event for the b failure")
	}
}

func TestExecuteHookPanicIsContained(t *testing.T) {
	e := New(WithAfterStep(func(context.Context, string, SnapshotStep) error {
		panic("hook bug")
	}))

	v, err := Execute(context.Background(), e, "wf", func(ctx context.Context, w *Workflow) (int, error) {
		return Step(ctx, w, "work", func(context.Context) (int, error) { return 5, nil })
	})
	if err != nil {
		t.Fatalf("hook panic must not fail the run: %v", err)
	}
	if v != 5 {
		t.Errorf("result = %d, want 5", v)
	}
}

// --- Events and tracing ---

func TestExecuteEventSequenceOnSuccess(t *testing.T) {
	store := newMemStore()
	e := New(WithStore(store))
	log := &eventLog{}

	_, err := Execute(context.Background(), e, "wf", func(ctx context.Context, w *Workflow) (int, error) {
		return Step(ctx, w, "only", func(context.Context) (int, error) { return 1, nil })
	}, WithRunEvents(log.sink()))
	if err != nil {
		t.Fatal(err)
	}

	want := []EventType{
		EventWorkflowStart,
		EventStepCacheMiss,
		EventStepStart,
		EventStepComplete,
		EventPersistSuccess,
		EventWorkflowSuccess,
	}
	events := log.all()
	if len(events) != len(want) {
		t.Fatalf("event count = %d (%v), want %d", len(events), eventTypes(events), len(want))
	}
	for i, ev := range events {
		if ev.Type != want[i] {
			t.Errorf("event[%d] = %q, want %q", i, ev.Type, want[i])
		}
		if ev.WorkflowID != "wf" {
			t.Errorf("event[%d] workflow id = %q, want wf", i, ev.WorkflowID)
		}
	}
}

func TestExecuteCacheHitEvent(t *testing.T) {
	store := newMemStore()
	e := New(WithStore(store))
	fn := func(ctx context.Context, w *Workflow) (int, error) {
		if _, err := Step(ctx, w, "done", func(context.Context) (int, error) { return 1, nil }); err != nil {
			return 0, err
		}
		return 0, errors.New("retain")
	}
	if _, err := Execute(context.Background(), e, "wf", fn); err == nil {
		t.Fatal("setup run should fail")
	}

	log := &eventLog{}
	_, _ = Execute(context.Background(), e, "wf", fn, WithRunEvents(log.sink()))
	ev, ok := log.first(EventStepCacheHit)
	if !ok {
		t.Fatal("no step_cache_hit event on the resumed run")
	}
	if ev.StepKey != "done" {
		t.Errorf("cache hit step = %q, want done", ev.StepKey)
	}
	if ev.Result == nil || !ev.Result.OK {
		t.Error("cache hit should carry the recorded Ok result")
	}
}

func TestExecuteEngineAndRunSinksBothReceive(t *testing.T) {
	engineLog := &eventLog{}
	runLog := &eventLog{}
	e := New(WithEventSink(engineLog.sink()))

	_, _ = Execute(context.Background(), e, "wf", func(ctx context.Context, w *Workflow) (int, error) {
		return 1, nil
	}, WithRunEvents(runLog.sink()))

	if engineLog.count(EventWorkflowSuccess) != 1 {
		t.Error("engine sink missed the terminal event")
	}
	if runLog.count(EventWorkflowSuccess) != 1 {
		t.Error("run sink missed the terminal event")
	}
}

func TestExecuteSinkPanicDoesNotKillRun(t *testing.T) {
	e := New(WithEventSink(func(Event) { panic("bad sink") }))

	v, err := Execute(context.Background(), e, "wf", func(ctx context.Context, w *Workflow) (int, error) {
		return Step(ctx, w, "work", func(context.Context) (int, error) { return 11, nil })
	})
	if err != nil {
		t.Fatalf("sink panic must not fail the run: %v", err)
	}
	if v != 11 {
		t.Errorf("result = %d, want 11", v)
	}
}

func TestExecuteTracerSpans(t *testing.T) {
	tr := &fakeTracer{}
	e := New(WithTracer(tr))

	_, err := Execute(context.Background(), e, "wf", func(ctx context.Context, w *Workflow) (int, error) {
		return Step(ctx, w, "work", func(context.Context) (int, error) { return 1, nil })
	})
	if err != nil {
		t.Fatal(err)
	}

	runs := tr.named("workflow.run")
	if len(runs) != 1 {
		t.Fatalf("workflow.run spans = %d, want 1", len(runs))
	}
	if !runs[0].ended {
		t.Error("run span not ended")
	}
	steps := tr.named("workflow.step")
	if len(steps) != 1 {
		t.Fatalf("workflow.step spans = %d, want 1", len(steps))
	}
	if !steps[0].ended {
		t.Error("step span not ended")
	}
}

func TestExecuteTracerSpanError(t *testing.T) {
	tr := &fakeTracer{}
	e := New(WithTracer(tr))

	_, _ = Execute(context.Background(), e, "wf", func(ctx context.Context, w *Workflow) (int, error) {
		return Step(ctx, w, "fails", func(context.Context) (int, error) {
			return 0, errors.New("boom")
		})
	})

	steps := tr.named("workflow.step")
	if len(steps) != 1 || steps[0].err == nil {
		t.Error("step span should record the failure")
	}
	runs := tr.named("workflow.run")
	if len(runs) != 1 || runs[0].err == nil {
		t.Error("run span should record the terminal error")
	}
}

// --- helpers ---

func eventTypes(events []Event) []EventType {
	out := make([]EventType, len(events))
	for i, ev := range events {
		out[i] = ev.Type
	}
	return out
}
