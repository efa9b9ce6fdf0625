package caravan

import (
	"fmt"
	"time"
)

// Concurrency rejection reasons reported by ErrConcurrentExecution.
const (
	// ReasonInProcess means the same Engine already has an active run
	// for the workflow ID.
	ReasonInProcess = "in-process"
	// ReasonCrossProcess means another process holds the workflow lease.
	ReasonCrossProcess = "cross-process"
)

// StepError is a domain error with a stable code and an optional
// structured cause. Step errors survive snapshot round-trips: a replayed
// failure carries the same code, message, and cause as the original.
type StepError struct {
	Code    string
	Message string
	Cause   any
}

func (e *StepError) Error() string {
	if e.Code == "" {
		return e.Message
	}
	return fmt.Sprintf("%s: %s", e.Code, e.Message)
}

// ErrVersionMismatch is returned when a stored snapshot was written by a
// different workflow version and no clear/migrate policy is configured.
type ErrVersionMismatch struct {
	WorkflowID string
	Stored     int
	Requested  int
}

func (e *ErrVersionMismatch) Error() string {
	return fmt.Sprintf("workflow %q: snapshot version %d, requested %d", e.WorkflowID, e.Stored, e.Requested)
}

// ErrConcurrentExecution is returned when a run is rejected because the
// workflow ID is already executing, either in this process or under a
// lease held by another process.
type ErrConcurrentExecution struct {
	WorkflowID string
	Reason     string
}

func (e *ErrConcurrentExecution) Error() string {
	return fmt.Sprintf("workflow %q already running (%s)", e.WorkflowID, e.Reason)
}

// ErrPersistence wraps a store failure that the run loop cannot proceed
// past: snapshot load, lease acquire, final delete, or value encoding.
// Checkpoint writes are fail-open and never produce this error.
type ErrPersistence struct {
	Op  string
	Err error
}

func (e *ErrPersistence) Error() string {
	return fmt.Sprintf("snapshot %s failed: %v", e.Op, e.Err)
}

func (e *ErrPersistence) Unwrap() error { return e.Err }

// ErrWorkflowCancelled is returned when the run context is cancelled
// before the workflow reaches a terminal result. LastStepKey names the
// last keyed step that completed before the signal was observed, empty
// when cancellation hit before any keyed step finished.
type ErrWorkflowCancelled struct {
	WorkflowID  string
	Reason      string
	LastStepKey string
}

func (e *ErrWorkflowCancelled) Error() string {
	if e.LastStepKey == "" {
		return fmt.Sprintf("workflow %q cancelled: %s", e.WorkflowID, e.Reason)
	}
	return fmt.Sprintf("workflow %q cancelled after step %q: %s", e.WorkflowID, e.LastStepKey, e.Reason)
}

// ErrUnexpected wraps a panic that escaped a step or the workflow
// function. Thrown holds the recovered value.
type ErrUnexpected struct {
	Thrown any
}

func (e *ErrUnexpected) Error() string {
	return fmt.Sprintf("unexpected workflow failure: %v", e.Thrown)
}

// ErrStepTimeout is returned (and cached) when a StepWithTimeout deadline
// elapses before the operation completes.
type ErrStepTimeout struct {
	Key     string
	Timeout time.Duration
}

func (e *ErrStepTimeout) Error() string {
	return fmt.Sprintf("step %q timed out after %s", e.Key, e.Timeout)
}

// ErrPendingApproval suspends a run: the step recorded it in the
// snapshot and the workflow returned. The run resumes past the gate once
// an approval value is injected for StepKey.
type ErrPendingApproval struct {
	StepKey  string
	Reason   string
	Metadata map[string]any
}

func (e *ErrPendingApproval) Error() string {
	if e.Reason == "" {
		return fmt.Sprintf("step %q awaiting approval", e.StepKey)
	}
	return fmt.Sprintf("step %q awaiting approval: %s", e.StepKey, e.Reason)
}

// ErrPendingHook suspends a run until an external callback delivers a
// result for HookID.
type ErrPendingHook struct {
	HookID  string
	StepKey string
}

func (e *ErrPendingHook) Error() string {
	return fmt.Sprintf("hook %q awaiting result", e.HookID)
}

// ErrApprovalRejected is returned (and cached) when an approval check
// reports the request was rejected or expired.
type ErrApprovalRejected struct {
	Key    string
	Reason string
}

func (e *ErrApprovalRejected) Error() string {
	if e.Reason == "" {
		return fmt.Sprintf("approval %q rejected", e.Key)
	}
	return fmt.Sprintf("approval %q rejected: %s", e.Key, e.Reason)
}
