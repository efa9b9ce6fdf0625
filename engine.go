package caravan

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
)

// Engine executes workflow functions durably. Construct one with New,
// share it across runs; all methods are safe for concurrent use.
//
// The engine enforces single execution per workflow ID twice over: an
// in-process active set, and a cross-process lease when the configured
// store implements WorkflowLock.
type Engine struct {
	store       SnapshotStore
	lock        WorkflowLock
	logger      *slog.Logger
	tracer      Tracer
	sink        EventSink
	beforeStart BeforeStartHook
	afterStep   AfterStepHook

	mu     sync.Mutex
	active map[string]struct{}
}

// BeforeStartHook runs after the concurrency gate, lease, and version
// check, immediately before the workflow function. A non-nil error
// aborts the run.
type BeforeStartHook func(ctx context.Context, workflowID string, prior *Snapshot) error

// AfterStepHook runs after each keyed step outcome has been recorded and
// checkpointed. Errors are emitted as hook_after_step_error events and
// otherwise ignored.
type AfterStepHook func(ctx context.Context, workflowID string, step SnapshotStep) error

// EngineOption configures an Engine.
type EngineOption func(*Engine)

// WithStore sets the snapshot store. When the store also implements
// WorkflowLock, runs additionally take a cross-process lease. A nil
// store (the default) keeps runs purely in memory: no checkpoints, no
// lease; resume then relies on WithResumeState.
func WithStore(s SnapshotStore) EngineOption {
	return func(e *Engine) { e.store = s }
}

// WithLogger sets the structured logger for run lifecycle, checkpoint
// failures, and lease handling. Defaults to a no-op logger.
func WithLogger(l *slog.Logger) EngineOption {
	return func(e *Engine) { e.logger = l }
}

// WithTracer sets the tracer for run and step spans. The observer
// package provides an OTEL-backed implementation.
func WithTracer(t Tracer) EngineOption {
	return func(e *Engine) { e.tracer = t }
}

// WithEventSink registers an engine-wide event sink receiving every
// event of every run.
func WithEventSink(sink EventSink) EngineOption {
	return func(e *Engine) { e.sink = sink }
}

// WithBeforeStart registers a hook invoked before each workflow
// function starts.
func WithBeforeStart(h BeforeStartHook) EngineOption {
	return func(e *Engine) { e.beforeStart = h }
}

// WithAfterStep registers a hook invoked after each recorded step.
func WithAfterStep(h AfterStepHook) EngineOption {
	return func(e *Engine) { e.afterStep = h }
}

// New creates an Engine.
//
//	store := sqlite.New("workflows.db")
//	engine := caravan.New(caravan.WithStore(store), caravan.WithLogger(logger))
func New(opts ...EngineOption) *Engine {
	e := &Engine{active: make(map[string]struct{})}
	for _, opt := range opts {
		opt(e)
	}
	if e.logger == nil {
		e.logger = nopLogger
	}
	if e.store != nil {
		if l, ok := e.store.(WorkflowLock); ok {
			e.lock = l
		}
	}
	return e
}

// Store returns the configured snapshot store, nil when none.
func (e *Engine) Store() SnapshotStore { return e.store }

// reserve claims the in-process slot for a workflow ID.
func (e *Engine) reserve(workflowID string) bool {
	e.mu.Lock()
	defer e.mu.Unlock()
	if _, ok := e.active[workflowID]; ok {
		return false
	}
	e.active[workflowID] = struct{}{}
	return true
}

func (e *Engine) unreserve(workflowID string) {
	e.mu.Lock()
	defer e.mu.Unlock()
	delete(e.active, workflowID)
}

var nopLogger = slog.New(discardHandler{})

type discardHandler struct{}

func (discardHandler) Enabled(context.Context, slog.Level) bool  { return false }
func (discardHandler) Handle(context.Context, slog.Record) error { return nil }
func (d discardHandler) WithAttrs([]slog.Attr) slog.Handler      { return d }
func (d discardHandler) WithGroup(string) slog.Handler           { return d }

// safeEmit invokes sink with panic recovery so a misbehaving consumer
// cannot kill a run.
func safeEmit(logger *slog.Logger, sink EventSink, ev Event) {
	if sink == nil {
		return
	}
	defer func() {
		if p := recover(); p != nil {
			logger.Error("event sink panic", "event", string(ev.Type), "panic", fmt.Sprintf("%v", p))
		}
	}()
	sink(ev)
}
