package caravan

import (
	"encoding/json"
	"fmt"
	"time"
)

// Stable codes for engine signal errors. A cached failure round-trips
// through JSON and must decode back to the same typed error so callers
// can keep matching with errors.As after a replay.
const (
	codePendingApproval  = "PENDING_APPROVAL"
	codePendingHook      = "PENDING_HOOK"
	codeApprovalRejected = "APPROVAL_REJECTED"
	codeStepTimeout      = "STEP_TIMEOUT"
	codeUnexpected       = "UNEXPECTED"
)

// errEnvelope is the wire form of a recorded step error.
type errEnvelope struct {
	Code     string          `json:"code,omitempty"`
	Message  string          `json:"message,omitempty"`
	Cause    json.RawMessage `json:"cause,omitempty"`
	StepKey  string          `json:"step_key,omitempty"`
	HookID   string          `json:"hook_id,omitempty"`
	Reason   string          `json:"reason,omitempty"`
	Metadata map[string]any  `json:"metadata,omitempty"`
	Timeout  time.Duration   `json:"timeout,omitempty"`
	Thrown   json.RawMessage `json:"thrown,omitempty"`
}

// marshalAny encodes v, falling back to its string form when v is not
// JSON-marshalable (panic values can be anything).
func marshalAny(v any) json.RawMessage {
	if v == nil {
		return nil
	}
	data, err := json.Marshal(v)
	if err != nil {
		data, _ = json.Marshal(fmt.Sprintf("%v", v))
	}
	return data
}

func unmarshalAny(raw json.RawMessage) any {
	if len(raw) == 0 {
		return nil
	}
	var v any
	if err := json.Unmarshal(raw, &v); err != nil {
		return string(raw)
	}
	return v
}

// okResult encodes a step value. The error reports values the cache
// cannot hold; callers surface it as ErrPersistence{Op: "encode"}.
func okResult(v any) (StepResult, error) {
	data, err := json.Marshal(v)
	if err != nil {
		return StepResult{}, err
	}
	return StepResult{OK: true, Value: data}, nil
}

// errResult encodes a step error into the envelope form.
func errResult(err error) StepResult {
	env := errEnvelope{}
	var cause json.RawMessage
	switch e := err.(type) {
	case *ErrPendingApproval:
		env.Code = codePendingApproval
		env.StepKey = e.StepKey
		env.Reason = e.Reason
		env.Metadata = e.Metadata
	case *ErrPendingHook:
		env.Code = codePendingHook
		env.HookID = e.HookID
		env.StepKey = e.StepKey
	case *ErrApprovalRejected:
		env.Code = codeApprovalRejected
		env.StepKey = e.Key
		env.Reason = e.Reason
	case *ErrStepTimeout:
		env.Code = codeStepTimeout
		env.StepKey = e.Key
		env.Timeout = e.Timeout
	case *ErrUnexpected:
		env.Code = codeUnexpected
		env.Message = fmt.Sprintf("%v", e.Thrown)
		env.Thrown = marshalAny(e.Thrown)
	case *StepError:
		env.Code = e.Code
		env.Message = e.Message
		env.Cause = marshalAny(e.Cause)
		cause = env.Cause
	default:
		env.Message = err.Error()
	}
	data, _ := json.Marshal(env)
	return StepResult{Error: data, Cause: cause}
}

// DecodeStepError reconstructs the typed error recorded in res, for
// snapshot consumers outside the run loop (dashboards, approval UIs,
// the observer sink). Returns nil when res is Ok or carries no error.
func DecodeStepError(res StepResult) error {
	if res.OK || len(res.Error) == 0 {
		return nil
	}
	return decodeErr(res)
}

// decodeErr reconstructs the recorded error. Engine signals come back as
// their own types; everything else comes back as a *StepError carrying
// the original code, message, and cause.
func decodeErr(res StepResult) error {
	var env errEnvelope
	if err := json.Unmarshal(res.Error, &env); err != nil {
		return &StepError{Message: string(res.Error)}
	}
	switch env.Code {
	case codePendingApproval:
		return &ErrPendingApproval{StepKey: env.StepKey, Reason: env.Reason, Metadata: env.Metadata}
	case codePendingHook:
		return &ErrPendingHook{HookID: env.HookID, StepKey: env.StepKey}
	case codeApprovalRejected:
		return &ErrApprovalRejected{Key: env.StepKey, Reason: env.Reason}
	case codeStepTimeout:
		return &ErrStepTimeout{Key: env.StepKey, Timeout: env.Timeout}
	case codeUnexpected:
		return &ErrUnexpected{Thrown: unmarshalAny(env.Thrown)}
	default:
		return &StepError{Code: env.Code, Message: env.Message, Cause: unmarshalAny(env.Cause)}
	}
}
