package caravan

import "time"

// EventType identifies the kind of lifecycle event.
type EventType string

const (
	// EventWorkflowStart signals a run has passed the concurrency gate and
	// version check and is about to execute the workflow function.
	EventWorkflowStart EventType = "workflow_start"
	// EventWorkflowSuccess signals a clean terminal result; the snapshot
	// has been deleted.
	EventWorkflowSuccess EventType = "workflow_success"
	// EventWorkflowError signals a failed terminal result; the snapshot is
	// retained for resume.
	EventWorkflowError EventType = "workflow_error"
	// EventWorkflowCancelled signals the run context was cancelled before
	// a terminal result.
	EventWorkflowCancelled EventType = "workflow_cancelled"

	// EventStepStart signals a keyed step is about to execute (cache miss).
	EventStepStart EventType = "step_start"
	// EventStepComplete carries the recorded outcome of an executed step.
	EventStepComplete EventType = "step_complete"
	// EventStepCacheHit signals a keyed step replayed a recorded outcome
	// without executing.
	EventStepCacheHit EventType = "step_cache_hit"
	// EventStepCacheMiss signals a keyed step found no recorded outcome.
	EventStepCacheMiss EventType = "step_cache_miss"
	// EventStepRetry carries a failed attempt inside StepRetry before the
	// final outcome is recorded.
	EventStepRetry EventType = "step_retry"

	// EventPersistSuccess signals a checkpoint write completed.
	EventPersistSuccess EventType = "persist_success"
	// EventPersistError signals a checkpoint write failed; the run
	// continues (fail-open).
	EventPersistError EventType = "persist_error"

	// EventHookBeforeStart / EventHookAfterStep bracket user lifecycle
	// hooks; the _error variants carry hook failures.
	EventHookBeforeStart      EventType = "hook_before_start"
	EventHookBeforeStartError EventType = "hook_before_start_error"
	EventHookAfterStep        EventType = "hook_after_step"
	EventHookAfterStepError   EventType = "hook_after_step_error"
)

// Event is a typed lifecycle event emitted during a run. Sinks receive
// every event of the run in emission order, on the run's goroutine.
type Event struct {
	// Type identifies the event kind.
	Type EventType `json:"type"`
	// WorkflowID is the run's workflow identifier.
	WorkflowID string `json:"workflow_id"`
	// Time is the emission timestamp.
	Time time.Time `json:"time"`
	// StepKey is the cache key (step events only).
	StepKey string `json:"step_key,omitempty"`
	// Name is the step's display name; equals StepKey unless overridden.
	Name string `json:"name,omitempty"`
	// Duration is the executed step's wall time (step_complete only).
	Duration time.Duration `json:"duration,omitempty"`
	// Attempt is the failed attempt number (step_retry only, 1-based).
	Attempt int `json:"attempt,omitempty"`
	// Result carries the recorded outcome (step_complete, step_cache_hit).
	Result *StepResult `json:"result,omitempty"`
	// Meta carries failure classification when Result is an error.
	Meta *StepFailureMeta `json:"meta,omitempty"`
	// Err carries the error text for error-class events.
	Err string `json:"error,omitempty"`
}

// EventSink receives lifecycle events. Sinks must not block; a sink
// panic is recovered and logged, never propagated into the run.
type EventSink func(Event)
