package caravan

import (
	"context"
	"errors"
	"fmt"
	"time"
)

var (
	// ErrNoSnapshot is returned by the injection helpers when the
	// workflow has no stored snapshot.
	ErrNoSnapshot = errors.New("no snapshot")
	// ErrStepNotRecorded is returned when injecting into a step key the
	// snapshot does not contain.
	ErrStepNotRecorded = errors.New("step not recorded")
)

// ResumeState is a runtime projection of a snapshot: recorded step
// outcomes that pre-populate the replay cache of the next run, used for
// storeless resume and for approval/hook injection. Values are
// immutable; the With methods return modified copies.
type ResumeState struct {
	steps []SnapshotStep
}

// NewResumeState returns an empty resume state.
func NewResumeState() ResumeState { return ResumeState{} }

// ResumeStateFromSnapshot projects a snapshot into a resume state.
func ResumeStateFromSnapshot(snap Snapshot) ResumeState {
	return ResumeState{steps: append([]SnapshotStep(nil), snap.Steps...)}
}

// Steps returns the recorded outcomes in order.
func (rs ResumeState) Steps() []SnapshotStep {
	return append([]SnapshotStep(nil), rs.steps...)
}

func (rs ResumeState) withStep(step SnapshotStep) ResumeState {
	out := ResumeState{steps: append([]SnapshotStep(nil), rs.steps...)}
	for i, st := range out.steps {
		if st.Key == step.Key {
			out.steps[i] = step
			return out
		}
	}
	out.steps = append(out.steps, step)
	return out
}

// WithStep returns a copy with an Ok outcome recorded for key,
// overwriting any previous outcome under that key.
func (rs ResumeState) WithStep(key string, value any) (ResumeState, error) {
	res, err := okResult(value)
	if err != nil {
		return rs, fmt.Errorf("resume value for step %q: %w", key, err)
	}
	return rs.withStep(SnapshotStep{Key: key, Result: res, CompletedAt: time.Now()}), nil
}

// WithApproval returns a copy where the approval step's pending outcome
// is overwritten with Ok(value). The next run replays the approval as
// granted and proceeds past the gate.
func (rs ResumeState) WithApproval(stepKey string, value any) (ResumeState, error) {
	return rs.WithStep(stepKey, value)
}

// WithHookResult returns a copy where the hook's pending outcome is
// overwritten with Ok(value).
func (rs ResumeState) WithHookResult(hookID string, value any) (ResumeState, error) {
	return rs.WithStep(hookStepKey(hookID), value)
}

// WithoutStep returns a copy with the outcome under key removed, so the
// next run executes the step fresh instead of replaying it. Gated steps
// with a store-backed check resume this way: clear the entry after the
// grant and the re-run check finds the decision.
func (rs ResumeState) WithoutStep(key string) ResumeState {
	out := ResumeState{steps: make([]SnapshotStep, 0, len(rs.steps))}
	for _, st := range rs.steps {
		if st.Key != key {
			out.steps = append(out.steps, st)
		}
	}
	return out
}

// InjectApproval overwrites the recorded outcome of stepKey in the
// stored snapshot with Ok(value). A cached PendingApproval replays
// forever by itself; this is how an operator (or the approval UI)
// clears the gate before rerunning the workflow.
func InjectApproval(ctx context.Context, store SnapshotStore, workflowID, stepKey string, value any) error {
	return injectValue(ctx, store, workflowID, stepKey, value)
}

// InjectHookResult overwrites the hook's recorded pending outcome in
// the stored snapshot with Ok(value).
func InjectHookResult(ctx context.Context, store SnapshotStore, workflowID, hookID string, value any) error {
	return injectValue(ctx, store, workflowID, hookStepKey(hookID), value)
}

func injectValue(ctx context.Context, store SnapshotStore, workflowID, stepKey string, value any) error {
	snap, err := store.Load(ctx, workflowID)
	if err != nil {
		return &ErrPersistence{Op: "load", Err: err}
	}
	if snap == nil {
		return fmt.Errorf("workflow %q: %w", workflowID, ErrNoSnapshot)
	}
	if _, ok := snap.Step(stepKey); !ok {
		return fmt.Errorf("workflow %q step %q: %w", workflowID, stepKey, ErrStepNotRecorded)
	}
	res, err := okResult(value)
	if err != nil {
		return &ErrPersistence{Op: "encode", Err: fmt.Errorf("step %q: %w", stepKey, err)}
	}
	snap.SetStep(SnapshotStep{Key: stepKey, Result: res, CompletedAt: time.Now()})
	if err := store.Save(ctx, workflowID, *snap); err != nil {
		return &ErrPersistence{Op: "save", Err: err}
	}
	return nil
}

// ClearStep removes the recorded outcome of stepKey from the stored
// snapshot, forcing the next run to execute that step again. This is
// the resume path for gated steps whose check consults an
// ApprovalStore: grant the approval, clear the entry, rerun.
func ClearStep(ctx context.Context, store SnapshotStore, workflowID, stepKey string) error {
	snap, err := store.Load(ctx, workflowID)
	if err != nil {
		return &ErrPersistence{Op: "load", Err: err}
	}
	if snap == nil {
		return fmt.Errorf("workflow %q: %w", workflowID, ErrNoSnapshot)
	}
	if _, ok := snap.Step(stepKey); !ok {
		return fmt.Errorf("workflow %q step %q: %w", workflowID, stepKey, ErrStepNotRecorded)
	}
	kept := snap.Steps[:0]
	for _, st := range snap.Steps {
		if st.Key != stepKey {
			kept = append(kept, st)
		}
	}
	snap.Steps = kept
	if err := store.Save(ctx, workflowID, *snap); err != nil {
		return &ErrPersistence{Op: "save", Err: err}
	}
	return nil
}
