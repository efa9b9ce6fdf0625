package caravan

import (
	"context"
	"errors"
	"fmt"
	"time"
)

const defaultLockTTL = time.Minute

// MismatchPolicy decides what happens when a stored snapshot was
// written by a different workflow version.
type MismatchPolicy int

const (
	// MismatchFail aborts the run with ErrVersionMismatch (default).
	MismatchFail MismatchPolicy = iota
	// MismatchClear deletes the stale snapshot and starts fresh.
	MismatchClear
)

type runConfig struct {
	version         int
	mismatchPolicy  MismatchPolicy
	migrate         func(Snapshot) (*Snapshot, error)
	allowConcurrent bool
	lockTTL         time.Duration
	resume          ResumeState
	sink            EventSink
	metadata        map[string]any
}

// RunOption configures a single Execute call.
type RunOption func(*runConfig)

// WithVersion sets the workflow-logic version recorded in every
// checkpoint (default: 1). Bump it when the step sequence changes shape
// so stale snapshots are caught instead of replayed into the wrong code.
func WithVersion(v int) RunOption {
	return func(c *runConfig) { c.version = v }
}

// OnVersionMismatch sets the policy for snapshots recorded under a
// different version. WithMigration overrides this.
func OnVersionMismatch(p MismatchPolicy) RunOption {
	return func(c *runConfig) { c.mismatchPolicy = p }
}

// WithMigration resolves version mismatches by mapping the stale
// snapshot into one usable by the current code. The returned snapshot
// is used wholesale as the prior state; returning nil starts fresh. An
// error aborts the run.
func WithMigration(fn func(old Snapshot) (*Snapshot, error)) RunOption {
	return func(c *runConfig) { c.migrate = fn }
}

// AllowConcurrent skips the in-process gate and the cross-process
// lease for this run. Intended for read-only replays and tests.
func AllowConcurrent() RunOption {
	return func(c *runConfig) { c.allowConcurrent = true }
}

// WithLockTTL sets the lease duration requested from the WorkflowLock
// (default: 1m). Runs outliving the TTL risk a concurrent takeover;
// size it above the worst-case run time.
func WithLockTTL(d time.Duration) RunOption {
	return func(c *runConfig) { c.lockTTL = d }
}

// WithResumeState pre-populates the replay cache, overlaying any
// snapshot loaded from the store. Injected approval and hook values
// enter the run this way when no store is configured.
func WithResumeState(rs ResumeState) RunOption {
	return func(c *runConfig) { c.resume = rs }
}

// WithRunEvents registers an event sink for this run only.
func WithRunEvents(sink EventSink) RunOption {
	return func(c *runConfig) { c.sink = sink }
}

// WithRunMetadata merges extra fields into the snapshot metadata of
// every checkpoint.
func WithRunMetadata(md map[string]any) RunOption {
	return func(c *runConfig) { c.metadata = md }
}

// Execute runs fn durably under workflowID.
//
// The run takes the in-process slot and, when the store supports it, a
// cross-process lease; loads and version-checks any prior snapshot;
// primes the replay cache; executes fn; checkpoints after every keyed
// step; and classifies the terminal outcome. Success deletes the
// snapshot. Error, suspension, and cancellation retain it, so the next
// Execute with the same ID resumes where this one stopped.
//
//	order, err := caravan.Execute(ctx, engine, "order-1042", processOrder)
//	var pending *caravan.ErrPendingApproval
//	if errors.As(err, &pending) {
//		notifyApprover(pending)
//	}
func Execute[T any](ctx context.Context, e *Engine, workflowID string, fn WorkflowFunc[T], opts ...RunOption) (T, error) {
	var zero T
	cfg := runConfig{version: 1, lockTTL: defaultLockTTL}
	for _, opt := range opts {
		opt(&cfg)
	}
	logger := e.logger
	emit := func(ev Event) {
		safeEmit(logger, e.sink, ev)
		safeEmit(logger, cfg.sink, ev)
	}

	// 1. In-process gate.
	if !cfg.allowConcurrent {
		if !e.reserve(workflowID) {
			return zero, &ErrConcurrentExecution{WorkflowID: workflowID, Reason: ReasonInProcess}
		}
		defer e.unreserve(workflowID)
	}

	var span Span
	if e.tracer != nil {
		ctx, span = e.tracer.Start(ctx, "workflow.run",
			StringAttr("workflow.id", workflowID),
			IntAttr("workflow.version", cfg.version))
	}
	started := time.Now()
	finish := func(v T, err error) (T, error) {
		terminal := Event{WorkflowID: workflowID, Time: time.Now(), Duration: time.Since(started)}
		var cancelled *ErrWorkflowCancelled
		switch {
		case err == nil:
			terminal.Type = EventWorkflowSuccess
			logger.Info("workflow succeeded", "workflow_id", workflowID, "duration", time.Since(started))
		case errors.As(err, &cancelled):
			terminal.Type = EventWorkflowCancelled
			terminal.Err = err.Error()
			logger.Info("workflow cancelled", "workflow_id", workflowID, "last_step", cancelled.LastStepKey)
		default:
			terminal.Type = EventWorkflowError
			terminal.Err = err.Error()
			logger.Warn("workflow failed", "workflow_id", workflowID, "error", err)
		}
		emit(terminal)
		if span != nil {
			if err != nil {
				span.Error(err)
			}
			span.End()
		}
		return v, err
	}

	if ctx.Err() != nil {
		return finish(zero, &ErrWorkflowCancelled{WorkflowID: workflowID, Reason: cancelReason(ctx)})
	}

	// 2. Cross-process lease.
	if e.lock != nil && !cfg.allowConcurrent {
		token, err := e.lock.TryAcquire(ctx, workflowID, cfg.lockTTL)
		if err != nil {
			return finish(zero, &ErrPersistence{Op: "acquire", Err: err})
		}
		if token == "" {
			return finish(zero, &ErrConcurrentExecution{WorkflowID: workflowID, Reason: ReasonCrossProcess})
		}
		logger.Debug("lease acquired", "workflow_id", workflowID, "ttl", cfg.lockTTL)
		defer func() {
			if rerr := e.lock.Release(context.WithoutCancel(ctx), workflowID, token); rerr != nil {
				logger.Warn("lease release failed", "workflow_id", workflowID, "error", rerr)
			}
		}()
	}

	// 3. Prior snapshot.
	var prior *Snapshot
	if e.store != nil {
		snap, err := e.store.Load(ctx, workflowID)
		if err != nil {
			return finish(zero, &ErrPersistence{Op: "load", Err: err})
		}
		prior = snap
	}

	// 4. Version check.
	if prior != nil {
		if stored, ok := prior.Version(); ok && stored != cfg.version {
			switch {
			case cfg.migrate != nil:
				migrated, err := cfg.migrate(*prior)
				if err != nil {
					return finish(zero, fmt.Errorf("migrate workflow %q from version %d: %w", workflowID, stored, err))
				}
				prior = migrated
			case cfg.mismatchPolicy == MismatchClear:
				if err := e.store.Delete(ctx, workflowID); err != nil {
					logger.Warn("clearing stale snapshot failed", "workflow_id", workflowID, "error", err)
				}
				prior = nil
			default:
				return finish(zero, &ErrVersionMismatch{WorkflowID: workflowID, Stored: stored, Requested: cfg.version})
			}
		}
	}

	// 5. Prime the executor.
	var checkpoint func(context.Context, Snapshot) error
	if e.store != nil {
		store := e.store
		checkpoint = func(ctx context.Context, snap Snapshot) error {
			// Completed work is checkpointed even when the run is being
			// cancelled; the signal stops future steps, not the record
			// of finished ones.
			return store.Save(context.WithoutCancel(ctx), workflowID, snap)
		}
	}
	w := newWorkflow(workflowID, cfg.version, prior, cfg.resume, logger, e.tracer, emit, checkpoint, e.afterStep, cfg.metadata)

	// 6. Before-start hook.
	if e.beforeStart != nil {
		emit(Event{Type: EventHookBeforeStart, WorkflowID: workflowID, Time: time.Now()})
		if err := safeHook(func() error { return e.beforeStart(ctx, workflowID, prior) }); err != nil {
			emit(Event{Type: EventHookBeforeStartError, WorkflowID: workflowID, Time: time.Now(), Err: err.Error()})
			return finish(zero, fmt.Errorf("before-start hook: %w", err))
		}
	}

	// 7. Run.
	emit(Event{Type: EventWorkflowStart, WorkflowID: workflowID, Time: time.Now()})
	logger.Info("workflow started", "workflow_id", workflowID, "version", cfg.version, "resumed_steps", len(w.steps))
	v, fnErr := runWorkflowFn(ctx, w, fn)

	// 8. Terminal classification. A recorded step failure dominates
	// whatever the workflow function returned, including cancellation.
	if exitErr := w.exitErr(); exitErr != nil {
		return finish(zero, exitErr)
	}
	if fnErr != nil {
		if ctx.Err() != nil {
			return finish(zero, &ErrWorkflowCancelled{WorkflowID: workflowID, Reason: cancelReason(ctx), LastStepKey: w.lastStepKey()})
		}
		return finish(zero, fnErr)
	}
	if ctx.Err() != nil {
		// Late cancellation: the work finished but the caller asked to
		// stop, so the state is retained for inspection.
		return finish(zero, &ErrWorkflowCancelled{WorkflowID: workflowID, Reason: cancelReason(ctx), LastStepKey: w.lastStepKey()})
	}

	// 9. Clean success deletes the snapshot.
	if e.store != nil {
		if err := e.store.Delete(context.WithoutCancel(ctx), workflowID); err != nil {
			return finish(zero, &ErrPersistence{Op: "delete", Err: err})
		}
	}
	return finish(v, nil)
}

// runWorkflowFn invokes fn with panic recovery.
func runWorkflowFn[T any](ctx context.Context, w *Workflow, fn WorkflowFunc[T]) (v T, err error) {
	defer func() {
		if p := recover(); p != nil {
			err = &ErrUnexpected{Thrown: p}
		}
	}()
	return fn(ctx, w)
}

func cancelReason(ctx context.Context) string {
	if cause := context.Cause(ctx); cause != nil {
		return cause.Error()
	}
	return "context cancelled"
}
