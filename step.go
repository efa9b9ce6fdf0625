package caravan

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"
)

// Workflow is the per-run executor handle passed to workflow functions.
// It carries the replay cache and records keyed step outcomes; the run
// loop owns it and the Workflow holds only a checkpoint closure back,
// never a reference to the loop.
//
// Methods and the package-level step functions are safe for concurrent
// use, which Parallel and Race rely on.
type Workflow struct {
	id         string
	version    int
	logger     *slog.Logger
	tracer     Tracer
	emit       EventSink
	checkpoint func(context.Context, Snapshot) error
	afterStep  AfterStepHook

	mu       sync.Mutex
	steps    []SnapshotStep
	index    map[string]int
	baseMeta map[string]any
	runMeta  map[string]any
	lastStep string
	exit     *exitState
}

// WorkflowFunc is a workflow body: ordinary Go code that calls the step
// functions with the Workflow handle it receives.
type WorkflowFunc[T any] func(ctx context.Context, w *Workflow) (T, error)

// exitState poisons a run after the first keyed step failure or an
// observed cancellation. Later keyed steps replay from cache but never
// execute fresh work.
type exitState struct {
	err       error
	meta      *StepFailureMeta
	cancelled bool
}

func (x *exitState) terminalErr() error { return x.err }

// newWorkflow primes the executor from a prior snapshot (may be nil)
// and a resume-state overlay.
func newWorkflow(id string, version int, prior *Snapshot, resume ResumeState, logger *slog.Logger, tracer Tracer, emit EventSink, checkpoint func(context.Context, Snapshot) error, afterStep AfterStepHook, runMeta map[string]any) *Workflow {
	w := &Workflow{
		id:         id,
		version:    version,
		logger:     logger,
		tracer:     tracer,
		emit:       emit,
		checkpoint: checkpoint,
		afterStep:  afterStep,
		index:      make(map[string]int),
		runMeta:    runMeta,
	}
	if w.logger == nil {
		w.logger = nopLogger
	}
	if w.emit == nil {
		w.emit = func(Event) {}
	}
	if prior != nil {
		p := prior.Clone()
		w.steps = p.Steps
		w.baseMeta = p.Metadata
		w.lastStep = prior.LastStepKey()
		for i, st := range w.steps {
			w.index[st.Key] = i
		}
	}
	for _, st := range resume.steps {
		w.upsertLocked(st)
	}
	return w
}

// ID returns the run's workflow identifier.
func (w *Workflow) ID() string { return w.id }

// Snapshot returns the current merged snapshot: prior steps plus every
// outcome recorded so far, in completion order.
func (w *Workflow) Snapshot() Snapshot {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.snapshotLocked()
}

func (w *Workflow) snapshotLocked() Snapshot {
	meta := make(map[string]any, len(w.baseMeta)+len(w.runMeta)+2)
	for k, v := range w.baseMeta {
		meta[k] = v
	}
	for k, v := range w.runMeta {
		meta[k] = v
	}
	meta[metaVersion] = w.version
	if w.lastStep != "" {
		meta[metaLastStepKey] = w.lastStep
	}
	return Snapshot{
		WorkflowID: w.id,
		Steps:      append([]SnapshotStep(nil), w.steps...),
		Metadata:   meta,
	}
}

func (w *Workflow) upsertLocked(step SnapshotStep) {
	if i, ok := w.index[step.Key]; ok {
		w.steps[i] = step
		return
	}
	w.index[step.Key] = len(w.steps)
	w.steps = append(w.steps, step)
}

// lastStepKey reports the most recently completed (executed or replayed)
// keyed step.
func (w *Workflow) lastStepKey() string {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.lastStep
}

// exitErr reports the armed terminal error, nil while the run is healthy.
func (w *Workflow) exitErr() error {
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.exit == nil {
		return nil
	}
	return w.exit.err
}

func (w *Workflow) exitCancelled() bool {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.exit != nil && w.exit.cancelled
}

// markCancelled arms cancellation as the pending terminal state. An
// already-recorded step failure dominates: the flag then only affects
// the error returned to the current caller, not the terminal result.
func (w *Workflow) markCancelled(ctx context.Context) error {
	reason := cancelReason(ctx)
	w.mu.Lock()
	defer w.mu.Unlock()
	cErr := &ErrWorkflowCancelled{WorkflowID: w.id, Reason: reason, LastStepKey: w.lastStep}
	if w.exit == nil {
		w.exit = &exitState{err: cErr, cancelled: true}
	}
	return cErr
}

// --- Step configuration ---

type stepConfig struct {
	key      string
	name     string
	uncached bool
}

// StepOption configures a single step call.
type StepOption func(*stepConfig)

// WithName overrides the display name used in events and spans.
// Defaults to the step key.
func WithName(name string) StepOption {
	return func(c *stepConfig) { c.name = name }
}

// Uncached disables memoization for this step: it executes on every
// run, its outcome is never recorded, and its errors do not poison the
// run. Useful for volatile reads and compensation probes.
func Uncached() StepOption {
	return func(c *stepConfig) { c.uncached = true }
}

func newStepConfig(key string, opts []StepOption) stepConfig {
	cfg := stepConfig{key: key, name: key}
	for _, opt := range opts {
		opt(&cfg)
	}
	return cfg
}

// --- Keyed step lifecycle ---

// enterKeyed resolves the pre-execution phase of a keyed step.
// Order matters: cache lookup first (replay is side-effect free and must
// stay deterministic even inside Parallel), then the early-exit gate,
// then the cancellation boundary check.
//
// Returns a non-nil hit for a cached Ok, a non-nil error for a replayed
// failure / armed exit / cancellation, or (nil, nil) on a cache miss
// that may execute.
func (w *Workflow) enterKeyed(ctx context.Context, cfg stepConfig) (*SnapshotStep, error) {
	w.mu.Lock()
	if i, ok := w.index[cfg.key]; ok {
		entry := w.steps[i]
		w.lastStep = cfg.key
		var replayErr error
		if !entry.Result.OK {
			replayErr = decodeErr(entry.Result)
			if w.exit == nil {
				w.exit = &exitState{err: replayErr, meta: entry.Meta}
			}
		}
		w.mu.Unlock()
		w.emit(Event{Type: EventStepCacheHit, WorkflowID: w.id, Time: time.Now(), StepKey: cfg.key, Name: cfg.name, Result: &entry.Result, Meta: entry.Meta})
		w.logger.Debug("step replayed", "workflow_id", w.id, "step", cfg.key, "ok", entry.Result.OK)
		if replayErr != nil {
			return nil, replayErr
		}
		return &entry, nil
	}
	if w.exit != nil {
		err := w.exit.terminalErr()
		w.mu.Unlock()
		return nil, err
	}
	w.mu.Unlock()
	if ctx.Err() != nil {
		return nil, w.markCancelled(ctx)
	}
	now := time.Now()
	w.emit(Event{Type: EventStepCacheMiss, WorkflowID: w.id, Time: now, StepKey: cfg.key, Name: cfg.name})
	w.emit(Event{Type: EventStepStart, WorkflowID: w.id, Time: now, StepKey: cfg.key, Name: cfg.name})
	return nil, nil
}

// recordOutcome classifies, records, and checkpoints an executed step.
// It returns the error the step call should surface to the workflow
// function (nil on success).
func (w *Workflow) recordOutcome(ctx context.Context, cfg stepConfig, started time.Time, v any, err error, meta *StepFailureMeta) error {
	if err != nil && isCancelClass(err) && ctx.Err() != nil {
		return w.markCancelled(ctx)
	}

	var entry SnapshotStep
	if err == nil {
		res, encErr := okResult(v)
		if encErr != nil {
			return &ErrPersistence{Op: "encode", Err: fmt.Errorf("step %q: %w", cfg.key, encErr)}
		}
		entry = SnapshotStep{Key: cfg.key, Result: res, CompletedAt: time.Now()}
	} else {
		entry = SnapshotStep{Key: cfg.key, Result: errResult(err), Meta: meta, CompletedAt: time.Now()}
	}

	w.mu.Lock()
	w.upsertLocked(entry)
	w.lastStep = cfg.key
	if err != nil && w.exit == nil {
		w.exit = &exitState{err: err, meta: meta}
	}
	snap := w.snapshotLocked()
	w.mu.Unlock()

	w.emit(Event{Type: EventStepComplete, WorkflowID: w.id, Time: time.Now(), StepKey: cfg.key, Name: cfg.name, Duration: time.Since(started), Result: &entry.Result, Meta: meta})
	w.persist(ctx, snap)
	w.runAfterStep(ctx, entry)
	return err
}

// persist checkpoints the merged snapshot. Checkpoint failures are
// fail-open: the run continues on its in-memory state.
func (w *Workflow) persist(ctx context.Context, snap Snapshot) {
	if w.checkpoint == nil {
		return
	}
	if err := w.checkpoint(ctx, snap); err != nil {
		w.logger.Warn("checkpoint failed", "workflow_id", w.id, "error", err)
		w.emit(Event{Type: EventPersistError, WorkflowID: w.id, Time: time.Now(), StepKey: snap.LastStepKey(), Err: err.Error()})
		return
	}
	w.emit(Event{Type: EventPersistSuccess, WorkflowID: w.id, Time: time.Now(), StepKey: snap.LastStepKey()})
}

func (w *Workflow) runAfterStep(ctx context.Context, entry SnapshotStep) {
	if w.afterStep == nil {
		return
	}
	w.emit(Event{Type: EventHookAfterStep, WorkflowID: w.id, Time: time.Now(), StepKey: entry.Key})
	if err := safeHook(func() error { return w.afterStep(ctx, w.id, entry) }); err != nil {
		w.logger.Warn("after-step hook failed", "workflow_id", w.id, "step", entry.Key, "error", err)
		w.emit(Event{Type: EventHookAfterStepError, WorkflowID: w.id, Time: time.Now(), StepKey: entry.Key, Err: err.Error()})
	}
}

// safeHook runs fn, converting a panic into an error.
func safeHook(fn func() error) (err error) {
	defer func() {
		if p := recover(); p != nil {
			err = fmt.Errorf("hook panic: %v", p)
		}
	}()
	return fn()
}

// isCancelClass reports whether err is a context cancellation error.
func isCancelClass(err error) bool {
	return errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded)
}

// resultMeta builds failure meta for an error returned by an operation.
func resultMeta(err error) *StepFailureMeta {
	m := &StepFailureMeta{Origin: OriginResult}
	var se *StepError
	if errors.As(err, &se) && se.Cause != nil {
		m.ResultCause = marshalAny(se.Cause)
	}
	return m
}

// keyedStep drives the shared lifecycle of every cached step variant:
// replay, early-exit and cancellation gates, traced execution, outcome
// recording, checkpoint. exec returns the value, the classified error,
// and failure meta for the error case.
func keyedStep[T any](ctx context.Context, w *Workflow, cfg stepConfig, exec func(context.Context) (T, error, *StepFailureMeta)) (T, error) {
	var zero T
	hit, err := w.enterKeyed(ctx, cfg)
	if err != nil {
		return zero, err
	}
	if hit != nil {
		return decodeValue[T](*hit)
	}

	execCtx := ctx
	var span Span
	if w.tracer != nil {
		execCtx, span = w.tracer.Start(ctx, "workflow.step",
			StringAttr("workflow.id", w.id),
			StringAttr("step.key", cfg.key))
	}
	started := time.Now()
	v, opErr, meta := exec(execCtx)
	surface := w.recordOutcome(ctx, cfg, started, v, opErr, meta)
	if span != nil {
		if surface != nil {
			span.Error(surface)
		}
		span.End()
	}
	if surface != nil {
		return zero, surface
	}
	return v, nil
}

// decodeValue unmarshals a cached Ok value into the caller's type.
func decodeValue[T any](entry SnapshotStep) (T, error) {
	var v T
	if len(entry.Result.Value) == 0 {
		return v, nil
	}
	if err := json.Unmarshal(entry.Result.Value, &v); err != nil {
		return v, &ErrPersistence{Op: "decode", Err: fmt.Errorf("step %q: %w", entry.Key, err)}
	}
	return v, nil
}

// uncachedStep executes with events but without memoization. Panics are
// not recovered here; they surface to the run loop as ErrUnexpected.
func uncachedStep[T any](ctx context.Context, w *Workflow, cfg stepConfig, fn func(context.Context) (T, error)) (T, error) {
	now := time.Now()
	w.emit(Event{Type: EventStepStart, WorkflowID: w.id, Time: now, StepKey: "", Name: cfg.name})
	v, err := fn(ctx)
	ev := Event{Type: EventStepComplete, WorkflowID: w.id, Time: time.Now(), Name: cfg.name, Duration: time.Since(now)}
	if err != nil {
		ev.Err = err.Error()
	}
	w.emit(ev)
	return v, err
}

// --- Step variants ---

// Step executes fn once per key and replays the recorded outcome on
// every later call with the same key, within a run and across resumed
// runs. A returned error is recorded with Origin=OriginResult; a panic
// is recovered, wrapped as *ErrUnexpected, and recorded with
// Origin=OriginThrow. After the first keyed failure the run is
// terminating: later keyed steps replay from cache but never execute.
//
//	user, err := caravan.Step(ctx, w, "fetch-user", func(ctx context.Context) (User, error) {
//		return userAPI.Fetch(ctx, userID)
//	})
func Step[T any](ctx context.Context, w *Workflow, key string, fn func(context.Context) (T, error), opts ...StepOption) (T, error) {
	cfg := newStepConfig(key, opts)
	if cfg.uncached {
		return uncachedStep(ctx, w, cfg, fn)
	}
	return keyedStep(ctx, w, cfg, func(ctx context.Context) (v T, err error, meta *StepFailureMeta) {
		defer func() {
			if p := recover(); p != nil {
				err = &ErrUnexpected{Thrown: p}
				meta = &StepFailureMeta{Origin: OriginThrow, Thrown: marshalAny(p)}
			}
		}()
		v, err = fn(ctx)
		if err != nil {
			meta = resultMeta(err)
		}
		return v, err, meta
	})
}

// StepTry wraps an operation that cannot return an error and can only
// fail by panicking. A panic is mapped by onPanic to a typed error and
// recorded with Origin=OriginThrow plus the thrown value. For a fixed
// error, pass a mapper that ignores its argument. onPanic returning nil
// falls back to *ErrUnexpected.
func StepTry[T any](ctx context.Context, w *Workflow, key string, fn func(context.Context) T, onPanic func(thrown any) error, opts ...StepOption) (T, error) {
	cfg := newStepConfig(key, opts)
	return keyedStep(ctx, w, cfg, func(ctx context.Context) (v T, err error, meta *StepFailureMeta) {
		defer func() {
			if p := recover(); p != nil {
				if onPanic != nil {
					err = onPanic(p)
				}
				if err == nil {
					err = &ErrUnexpected{Thrown: p}
				}
				meta = &StepFailureMeta{Origin: OriginThrow, Thrown: marshalAny(p)}
			}
		}()
		v = fn(ctx)
		return v, nil, nil
	})
}

// StepFromResult executes fn and maps a returned error through mapErr
// into the domain error that gets recorded and surfaced. The original
// pre-mapping error is preserved in meta for observability. Panics are
// handled like Step.
func StepFromResult[T any](ctx context.Context, w *Workflow, key string, fn func(context.Context) (T, error), mapErr func(error) error, opts ...StepOption) (T, error) {
	cfg := newStepConfig(key, opts)
	return keyedStep(ctx, w, cfg, func(ctx context.Context) (v T, err error, meta *StepFailureMeta) {
		defer func() {
			if p := recover(); p != nil {
				err = &ErrUnexpected{Thrown: p}
				meta = &StepFailureMeta{Origin: OriginThrow, Thrown: marshalAny(p)}
			}
		}()
		v, err = fn(ctx)
		if err != nil {
			orig := err
			if mapErr != nil {
				if mapped := mapErr(orig); mapped != nil {
					err = mapped
				}
			}
			meta = &StepFailureMeta{Origin: OriginResult, ResultCause: errResult(orig).Error}
		}
		return v, err, meta
	})
}

// Sleep is a durable delay: once the wait completes and is recorded,
// resumed runs skip it. A cancellation during the wait is not recorded,
// so the resumed run waits again.
func Sleep(ctx context.Context, w *Workflow, key string, d time.Duration, opts ...StepOption) error {
	cfg := newStepConfig(key, opts)
	if cfg.uncached {
		_, err := uncachedStep(ctx, w, cfg, func(ctx context.Context) (struct{}, error) {
			return struct{}{}, sleepCtx(ctx, d)
		})
		return err
	}
	_, err := keyedStep(ctx, w, cfg, func(ctx context.Context) (struct{}, error, *StepFailureMeta) {
		if err := sleepCtx(ctx, d); err != nil {
			return struct{}{}, err, nil
		}
		return struct{}{}, nil, nil
	})
	return err
}

// StepWithTimeout executes fn under a derived deadline. When the
// deadline elapses first, the step records *ErrStepTimeout with
// Origin=OriginThrow; the timeout replays like any other failure. An
// outer cancellation is classified as workflow cancellation instead and
// is not recorded.
func StepWithTimeout[T any](ctx context.Context, w *Workflow, key string, timeout time.Duration, fn func(context.Context) (T, error), opts ...StepOption) (T, error) {
	cfg := newStepConfig(key, opts)
	return keyedStep(ctx, w, cfg, func(runCtx context.Context) (v T, err error, meta *StepFailureMeta) {
		defer func() {
			if p := recover(); p != nil {
				err = &ErrUnexpected{Thrown: p}
				meta = &StepFailureMeta{Origin: OriginThrow, Thrown: marshalAny(p)}
			}
		}()
		tctx, cancel := context.WithTimeout(runCtx, timeout)
		defer cancel()
		v, err = fn(tctx)
		if err == nil {
			return v, nil, nil
		}
		if isCancelClass(err) && runCtx.Err() == nil && tctx.Err() != nil {
			err = &ErrStepTimeout{Key: cfg.key, Timeout: timeout}
			meta = &StepFailureMeta{Origin: OriginThrow}
			return v, err, meta
		}
		meta = resultMeta(err)
		return v, err, meta
	})
}

// StepRetry executes fn with in-step retries on a RetrySchedule. Only
// the final outcome is recorded and cached; failed attempts emit
// step_retry events. Cancellation during an attempt or a backoff wait
// ends the run and is not recorded. A panic aborts the retry loop and
// is recorded like a Step panic.
func StepRetry[T any](ctx context.Context, w *Workflow, key string, fn func(context.Context) (T, error), sched RetrySchedule, opts ...StepOption) (T, error) {
	cfg := newStepConfig(key, opts)
	s := sched.withDefaults()
	return keyedStep(ctx, w, cfg, func(ctx context.Context) (v T, err error, meta *StepFailureMeta) {
		defer func() {
			if p := recover(); p != nil {
				err = &ErrUnexpected{Thrown: p}
				meta = &StepFailureMeta{Origin: OriginThrow, Thrown: marshalAny(p)}
			}
		}()
		var last error
		for i := 0; i < s.MaxAttempts; i++ {
			v, err = fn(ctx)
			if err == nil {
				return v, nil, nil
			}
			if isCancelClass(err) && ctx.Err() != nil {
				return v, err, nil
			}
			last = err
			if !s.retryable(err) {
				break
			}
			if i == s.MaxAttempts-1 {
				break
			}
			w.logger.Warn("retrying step",
				"workflow_id", w.id,
				"step", cfg.key,
				"attempt", i+1,
				"max_attempts", s.MaxAttempts,
				"error", err)
			w.emit(Event{Type: EventStepRetry, WorkflowID: w.id, Time: time.Now(), StepKey: cfg.key, Name: cfg.name, Attempt: i + 1, Err: err.Error()})
			if serr := sleepCtx(ctx, s.delay(i)); serr != nil {
				return v, serr, nil
			}
		}
		err = last
		meta = resultMeta(err)
		return v, err, meta
	})
}
