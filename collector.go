package caravan

import (
	"errors"
	"fmt"
	"sync"
	"time"
)

// ResumeCollector mirrors step outcomes from run events so callers
// without a SnapshotStore can rebuild a ResumeState for the next run.
// Subscribe its Sink with WithRunEvents (or EngineOptions.Sink), run the
// workflow, then feed State() back via WithResumeState.
type ResumeCollector struct {
	mu    sync.Mutex
	steps []SnapshotStep
	index map[string]int
}

// NewResumeCollector returns an empty collector.
func NewResumeCollector() *ResumeCollector {
	return &ResumeCollector{index: make(map[string]int)}
}

// Sink returns the event sink to subscribe. It records step_complete
// and step_cache_hit outcomes; all other events pass through untouched.
func (c *ResumeCollector) Sink() EventSink {
	return func(ev Event) {
		if ev.Result == nil {
			return
		}
		switch ev.Type {
		case EventStepComplete, EventStepCacheHit:
			c.record(SnapshotStep{Key: ev.StepKey, Result: *ev.Result, Meta: ev.Meta, CompletedAt: ev.Time})
		}
	}
}

func (c *ResumeCollector) record(step SnapshotStep) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if i, ok := c.index[step.Key]; ok {
		c.steps[i] = step
		return
	}
	c.index[step.Key] = len(c.steps)
	c.steps = append(c.steps, step)
}

// State returns the collected outcomes as a ResumeState.
func (c *ResumeCollector) State() ResumeState {
	c.mu.Lock()
	defer c.mu.Unlock()
	return ResumeState{steps: append([]SnapshotStep(nil), c.steps...)}
}

// PendingApproval is an approval gate observed in a suspended state.
type PendingApproval struct {
	StepKey  string
	Reason   string
	Metadata map[string]any
}

// ApprovalCollector is a ResumeCollector that also surfaces pending
// approval gates and lets the caller grant them in place, covering the
// storeless suspend/approve/resume loop end to end:
//
//	col := caravan.NewApprovalCollector()
//	_, err := caravan.Execute(ctx, e, id, fn, caravan.WithRunEvents(col.Sink()))
//	if col.HasPending() {
//		for _, p := range col.Pending() {
//			col.InjectApproval(p.StepKey, decideValue(p))
//		}
//		_, err = caravan.Execute(ctx, e, id, fn,
//			caravan.WithResumeState(col.State()))
//	}
type ApprovalCollector struct {
	ResumeCollector
}

// NewApprovalCollector returns an empty collector.
func NewApprovalCollector() *ApprovalCollector {
	c := &ApprovalCollector{}
	c.index = make(map[string]int)
	return c
}

// HasPending reports whether any collected outcome is a pending
// approval or hook.
func (c *ApprovalCollector) HasPending() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	for _, st := range c.steps {
		if isPending(st.Result) {
			return true
		}
	}
	return false
}

// Pending returns the approval gates currently suspended, in recording
// order. Pending hooks are not included; use HookFromID plus
// WithHookResult for those.
func (c *ApprovalCollector) Pending() []PendingApproval {
	c.mu.Lock()
	defer c.mu.Unlock()
	var out []PendingApproval
	for _, st := range c.steps {
		if st.Result.OK || len(st.Result.Error) == 0 {
			continue
		}
		var pending *ErrPendingApproval
		if errors.As(decodeErr(st.Result), &pending) {
			out = append(out, PendingApproval{
				StepKey:  pending.StepKey,
				Reason:   pending.Reason,
				Metadata: pending.Metadata,
			})
		}
	}
	return out
}

// InjectApproval overwrites the collected outcome of stepKey with
// Ok(value), the in-memory analogue of the store-backed InjectApproval.
func (c *ApprovalCollector) InjectApproval(stepKey string, value any) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	i, ok := c.index[stepKey]
	if !ok {
		return fmt.Errorf("step %q: %w", stepKey, ErrStepNotRecorded)
	}
	res, err := okResult(value)
	if err != nil {
		return fmt.Errorf("approval value for step %q: %w", stepKey, err)
	}
	c.steps[i] = SnapshotStep{Key: stepKey, Result: res, CompletedAt: time.Now()}
	return nil
}

func isPending(res StepResult) bool {
	if res.OK || len(res.Error) == 0 {
		return false
	}
	err := decodeErr(res)
	var pa *ErrPendingApproval
	var ph *ErrPendingHook
	return errors.As(err, &pa) || errors.As(err, &ph)
}
