package caravan

import (
	"context"
	"errors"
	"fmt"
	"sync/atomic"
	"time"
)

// RunState represents the execution state of a started run.
type RunState int32

const (
	// RunPending indicates the run has been started but Execute has not begun.
	RunPending RunState = iota
	// RunRunning indicates Execute is in progress.
	RunRunning
	// RunCompleted indicates Execute finished successfully.
	RunCompleted
	// RunFailed indicates Execute returned an error.
	RunFailed
	// RunCancelled indicates the run was cancelled via Cancel() or parent context.
	RunCancelled
	// RunSuspended indicates the run stopped on a pending approval or
	// hook and is waiting for injection before the next attempt.
	RunSuspended
)

// String returns the state name.
func (s RunState) String() string {
	switch s {
	case RunPending:
		return "pending"
	case RunRunning:
		return "running"
	case RunCompleted:
		return "completed"
	case RunFailed:
		return "failed"
	case RunCancelled:
		return "cancelled"
	case RunSuspended:
		return "suspended"
	default:
		return "unknown"
	}
}

// IsTerminal reports whether the state is a final state
// (completed, failed, cancelled, or suspended).
func (s RunState) IsTerminal() bool {
	return s == RunCompleted || s == RunFailed || s == RunCancelled || s == RunSuspended
}

// RunHandle tracks a background workflow run.
// All methods are safe for concurrent use.
type RunHandle[T any] struct {
	workflowID string
	state      atomic.Int32
	result     T
	err        error
	done       chan struct{}
	cancel     context.CancelFunc
}

// Start launches Execute(ctx, e, workflowID, fn, opts...) in a
// background goroutine. Returns immediately with a handle for tracking,
// awaiting, and cancelling. The parent ctx controls the run's lifetime,
// so cancelling it cancels the run.
func Start[T any](ctx context.Context, e *Engine, workflowID string, fn WorkflowFunc[T], opts ...RunOption) *RunHandle[T] {
	logger := e.logger

	ctx, cancel := context.WithCancel(ctx)
	h := &RunHandle[T]{
		workflowID: workflowID,
		done:       make(chan struct{}),
		cancel:     cancel,
	}
	h.state.Store(int32(RunPending))

	logger.Info("workflow started in background", "workflow_id", workflowID)

	go func() {
		defer cancel() // release context resources on completion
		defer func() {
			if p := recover(); p != nil {
				logger.Error("background run panic", "workflow_id", workflowID, "panic", fmt.Sprintf("%v", p))
				var zero T
				h.result = zero
				h.err = &ErrUnexpected{Thrown: p}
				h.state.Store(int32(RunFailed))
				close(h.done)
			}
		}()
		h.state.Store(int32(RunRunning))
		start := time.Now()
		result, err := Execute(ctx, e, workflowID, fn, opts...)

		// Write result/err before close(done). The channel close is the
		// happens-before barrier: all readers (<-h.done in Await, State,
		// Result) are guaranteed to see these writes after the close.
		h.result = result
		h.err = err
		switch {
		case err == nil:
			h.state.Store(int32(RunCompleted))
			logger.Info("background run completed", "workflow_id", workflowID, "duration", time.Since(start))
		case isSuspension(err):
			h.state.Store(int32(RunSuspended))
			logger.Info("background run suspended", "workflow_id", workflowID, "duration", time.Since(start), "error", err)
		case isRunCancelled(err) || ctx.Err() != nil:
			h.state.Store(int32(RunCancelled))
			logger.Info("background run cancelled", "workflow_id", workflowID, "duration", time.Since(start))
		default:
			h.state.Store(int32(RunFailed))
			logger.Error("background run failed", "workflow_id", workflowID, "error", err, "duration", time.Since(start))
		}
		close(h.done)
	}()

	return h
}

func isSuspension(err error) bool {
	var pa *ErrPendingApproval
	var ph *ErrPendingHook
	return errors.As(err, &pa) || errors.As(err, &ph)
}

func isRunCancelled(err error) bool {
	var c *ErrWorkflowCancelled
	return errors.As(err, &c) || isCancelClass(err)
}

// WorkflowID returns the workflow identifier the handle tracks.
func (h *RunHandle[T]) WorkflowID() string { return h.workflowID }

// State returns the current execution state.
// If the state is terminal, State blocks until Done() is closed (nanoseconds)
// to guarantee that Result() returns valid data when State().IsTerminal() is true.
func (h *RunHandle[T]) State() RunState {
	s := RunState(h.state.Load())
	if s.IsTerminal() {
		<-h.done
	}
	return s
}

// Done returns a channel closed when the run finishes (any terminal state).
// Composable with select for multiplexing multiple handles.
func (h *RunHandle[T]) Done() <-chan struct{} { return h.done }

// Await blocks until the run completes or ctx is cancelled.
// Returns the run's result and error on completion.
// Returns a zero value and ctx.Err() if ctx is cancelled before completion.
func (h *RunHandle[T]) Await(ctx context.Context) (T, error) {
	select {
	case <-h.done:
		return h.result, h.err
	case <-ctx.Done():
		var zero T
		return zero, ctx.Err()
	}
}

// Result returns the result and error. Only meaningful after Done() is closed.
// Before completion, returns a zero value and nil error.
func (h *RunHandle[T]) Result() (T, error) {
	select {
	case <-h.done:
		return h.result, h.err
	default:
		var zero T
		return zero, nil
	}
}

// Cancel requests cancellation. Non-blocking.
// The run receives a cancelled context. State transitions to RunCancelled
// once Execute returns.
func (h *RunHandle[T]) Cancel() { h.cancel() }
