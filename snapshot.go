package caravan

import (
	"encoding/json"
	"time"
)

// FailureOrigin classifies how a step failed.
type FailureOrigin string

const (
	// OriginResult means the operation returned an error.
	OriginResult FailureOrigin = "result"
	// OriginThrow means the operation panicked (or a timeout/mapped panic
	// was recorded as if thrown).
	OriginThrow FailureOrigin = "throw"
)

// Metadata keys the run loop maintains on every checkpoint.
const (
	metaVersion     = "version"
	metaLastStepKey = "last_step_key"
)

// StepResult is the serialized outcome of a completed step. Exactly one
// of Value or Error is set. Cause rides alongside Error and holds the
// structured cause of a StepError, when present.
type StepResult struct {
	OK    bool            `json:"ok"`
	Value json.RawMessage `json:"value,omitempty"`
	Error json.RawMessage `json:"error,omitempty"`
	Cause json.RawMessage `json:"cause,omitempty"`
}

// StepFailureMeta records how a failure happened so a replay can surface
// the identical error. Origin distinguishes returned errors from panics;
// ResultCause preserves the pre-mapping error of StepFromResult; Thrown
// preserves the recovered panic value of StepTry and plain Step panics.
type StepFailureMeta struct {
	Origin      FailureOrigin   `json:"origin"`
	ResultCause json.RawMessage `json:"result_cause,omitempty"`
	Thrown      json.RawMessage `json:"thrown,omitempty"`
}

// SnapshotStep is one recorded step outcome inside a snapshot.
type SnapshotStep struct {
	Key         string           `json:"key"`
	Result      StepResult       `json:"result"`
	Meta        *StepFailureMeta `json:"meta,omitempty"`
	CompletedAt time.Time        `json:"completed_at"`
}

// Snapshot is the persisted state of a workflow run: every recorded step
// outcome in completion order, plus run metadata (version, last step
// key, caller-supplied fields). A snapshot written after step N contains
// steps 1..N; resuming from it replays those steps and executes the rest.
type Snapshot struct {
	WorkflowID string         `json:"workflow_id"`
	Steps      []SnapshotStep `json:"steps"`
	Metadata   map[string]any `json:"metadata,omitempty"`
}

// Step returns the recorded outcome for key, if present.
func (s *Snapshot) Step(key string) (SnapshotStep, bool) {
	for _, st := range s.Steps {
		if st.Key == key {
			return st, true
		}
	}
	return SnapshotStep{}, false
}

// SetStep upserts a step outcome: an existing key is overwritten in
// place (order preserved), a new key is appended.
func (s *Snapshot) SetStep(step SnapshotStep) {
	for i, st := range s.Steps {
		if st.Key == step.Key {
			s.Steps[i] = step
			return
		}
	}
	s.Steps = append(s.Steps, step)
}

// Clone returns a copy with its own steps slice and metadata map.
// Raw JSON payloads are shared; treat them as immutable.
func (s *Snapshot) Clone() Snapshot {
	out := Snapshot{WorkflowID: s.WorkflowID}
	if s.Steps != nil {
		out.Steps = make([]SnapshotStep, len(s.Steps))
		copy(out.Steps, s.Steps)
	}
	if s.Metadata != nil {
		out.Metadata = make(map[string]any, len(s.Metadata))
		for k, v := range s.Metadata {
			out.Metadata[k] = v
		}
	}
	return out
}

// Version reports the workflow version recorded in metadata. JSON
// decoding turns numbers into float64, so all numeric shapes are
// accepted. ok is false when no version was recorded.
func (s *Snapshot) Version() (version int, ok bool) {
	if s.Metadata == nil {
		return 0, false
	}
	switch v := s.Metadata[metaVersion].(type) {
	case int:
		return v, true
	case int64:
		return int(v), true
	case float64:
		return int(v), true
	case json.Number:
		i, err := v.Int64()
		if err != nil {
			return 0, false
		}
		return int(i), true
	default:
		return 0, false
	}
}

// LastStepKey reports the last keyed step recorded before the snapshot
// was written, empty when no keyed step had completed.
func (s *Snapshot) LastStepKey() string {
	if s.Metadata == nil {
		return ""
	}
	if k, ok := s.Metadata[metaLastStepKey].(string); ok {
		return k
	}
	return ""
}
