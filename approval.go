package caravan

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"
)

// ApprovalState is the lifecycle state of an approval record.
type ApprovalState string

const (
	// ApprovalPending means the request awaits a decision.
	ApprovalPending ApprovalState = "pending"
	// ApprovalApproved means the request was granted; Value carries the
	// granted payload.
	ApprovalApproved ApprovalState = "approved"
	// ApprovalRejected means the request was denied; Reason explains why.
	ApprovalRejected ApprovalState = "rejected"
	// ApprovalExpired means the request's ExpiresAt passed while pending.
	ApprovalExpired ApprovalState = "expired"
	// ApprovalEdited means the request was granted with a modified value;
	// OriginalValue and EditedValue record both for audit. Checks treat
	// edited as approved with the edited value.
	ApprovalEdited ApprovalState = "edited"
)

// Approval is a persisted approval record keyed by step key.
type Approval struct {
	Key           string          `json:"key"`
	State         ApprovalState   `json:"state"`
	Value         json.RawMessage `json:"value,omitempty"`
	OriginalValue json.RawMessage `json:"original_value,omitempty"`
	EditedValue   json.RawMessage `json:"edited_value,omitempty"`
	Reason        string          `json:"reason,omitempty"`
	GrantedBy     string          `json:"granted_by,omitempty"`
	Metadata      map[string]any  `json:"metadata,omitempty"`
	CreatedAt     time.Time       `json:"created_at"`
	UpdatedAt     time.Time       `json:"updated_at"`
	// ExpiresAt bounds how long the request may stay pending. Zero means
	// no expiry.
	ExpiresAt time.Time `json:"expires_at,omitzero"`
}

// Lapsed reports whether a pending approval's expiry has passed at now.
// Expiry is lazy: stores convert lapsed records to ApprovalExpired on
// read instead of running a sweeper.
func (a *Approval) Lapsed(now time.Time) bool {
	return a.State == ApprovalPending && !a.ExpiresAt.IsZero() && now.After(a.ExpiresAt)
}

// ApprovalRequest carries optional fields for CreateApproval.
type ApprovalRequest struct {
	// Metadata is shown to approvers (gated steps record the operation
	// args here).
	Metadata map[string]any
	// ExpiresAt bounds the pending window. Zero means no expiry.
	ExpiresAt time.Time
}

// ApprovalStore persists approval records for human-in-the-loop steps.
// store/memory, store/sqlite, store/postgres, and store/libsql all
// implement it alongside SnapshotStore.
//
// GetApproval returns (nil, nil) when no record exists. CreateApproval
// of an existing key is an error; decisions on a missing key are too.
type ApprovalStore interface {
	GetApproval(ctx context.Context, key string) (*Approval, error)
	CreateApproval(ctx context.Context, key string, req ApprovalRequest) error
	GrantApproval(ctx context.Context, key string, value any, grantedBy string) error
	RejectApproval(ctx context.Context, key, reason, rejectedBy string) error
	EditApproval(ctx context.Context, key string, original, edited any, editedBy string) error
	CancelApproval(ctx context.Context, key string) error
	ListPendingApprovals(ctx context.Context, prefix string) ([]Approval, error)
}

// ApprovalStatus is the answer an ApprovalCheck gives the workflow.
type ApprovalStatus struct {
	State ApprovalState
	// Value carries the granted payload for approved/edited states.
	Value json.RawMessage
	// Reason explains a rejection, or why the request is still pending.
	Reason string
}

// ApprovalCheck asks an external decision source whether a suspension
// point may proceed. CheckStore adapts an ApprovalStore; custom checks
// can call anything (a ticket system, a feature flag, a human).
type ApprovalCheck func(ctx context.Context) (ApprovalStatus, error)

// Pending builds an ApprovalStatus for a still-undecided request.
func Pending() ApprovalStatus { return ApprovalStatus{State: ApprovalPending} }

// Approved builds an ApprovalStatus granting value. The error reports
// values that cannot be serialized.
func Approved(value any) (ApprovalStatus, error) {
	data, err := json.Marshal(value)
	if err != nil {
		return ApprovalStatus{}, fmt.Errorf("approval value: %w", err)
	}
	return ApprovalStatus{State: ApprovalApproved, Value: data}, nil
}

// Rejected builds an ApprovalStatus denying the request.
func Rejected(reason string) ApprovalStatus {
	return ApprovalStatus{State: ApprovalRejected, Reason: reason}
}

// ApprovalStep is a keyed step that suspends the workflow until check
// reports a decision.
//
// Pending records *ErrPendingApproval, which becomes the run's terminal
// error; the snapshot retains it, and every rerun replays it until a
// value is injected (InjectApproval, ResumeState.WithApproval) or the
// entry is cleared so the check runs again (ClearStep). Approved and
// edited decode the granted value into T. Rejected and expired record
// *ErrApprovalRejected.
//
//	amount, err := caravan.ApprovalStep[Budget](ctx, w, "cfo-signoff",
//		caravan.CheckStore(approvals, "cfo-signoff"))
func ApprovalStep[T any](ctx context.Context, w *Workflow, key string, check ApprovalCheck, opts ...StepOption) (T, error) {
	return Step(ctx, w, key, func(ctx context.Context) (T, error) {
		var zero T
		status, err := check(ctx)
		if err != nil {
			return zero, err
		}
		switch status.State {
		case ApprovalApproved, ApprovalEdited:
			return decodeApprovalValue[T](key, status.Value)
		case ApprovalRejected:
			return zero, &ErrApprovalRejected{Key: key, Reason: status.Reason}
		case ApprovalExpired:
			return zero, &ErrApprovalRejected{Key: key, Reason: "expired"}
		default:
			return zero, &ErrPendingApproval{StepKey: key, Reason: status.Reason}
		}
	}, opts...)
}

func decodeApprovalValue[T any](key string, raw json.RawMessage) (T, error) {
	var v T
	if len(raw) == 0 {
		return v, nil
	}
	if err := json.Unmarshal(raw, &v); err != nil {
		var zero T
		return zero, &ErrPersistence{Op: "decode", Err: fmt.Errorf("approval %q value: %w", key, err)}
	}
	return v, nil
}

// CheckStore adapts an ApprovalStore to an ApprovalCheck. The first
// check auto-creates the pending record (carrying req metadata/expiry)
// so approvers can find it; later checks report the record's state.
// Edited records count as approved with the edited value.
func CheckStore(store ApprovalStore, key string, req ...ApprovalRequest) ApprovalCheck {
	var create ApprovalRequest
	if len(req) > 0 {
		create = req[0]
	}
	return func(ctx context.Context) (ApprovalStatus, error) {
		a, err := store.GetApproval(ctx, key)
		if err != nil {
			return ApprovalStatus{}, fmt.Errorf("approval %q: %w", key, err)
		}
		if a == nil {
			if err := store.CreateApproval(ctx, key, create); err != nil {
				return ApprovalStatus{}, fmt.Errorf("approval %q: %w", key, err)
			}
			return Pending(), nil
		}
		if a.Lapsed(time.Now()) {
			return ApprovalStatus{State: ApprovalExpired}, nil
		}
		switch a.State {
		case ApprovalApproved:
			return ApprovalStatus{State: ApprovalApproved, Value: a.Value}, nil
		case ApprovalEdited:
			return ApprovalStatus{State: ApprovalEdited, Value: a.EditedValue}, nil
		case ApprovalRejected:
			return ApprovalStatus{State: ApprovalRejected, Reason: a.Reason}, nil
		case ApprovalExpired:
			return ApprovalStatus{State: ApprovalExpired}, nil
		default:
			return Pending(), nil
		}
	}
}

// GateOptions configures GatedStep. A is the operation's argument type.
type GateOptions[A any] struct {
	// Key is the step key (also the approval record key).
	Key string
	// Description is shown to approvers.
	Description string
	// RequiresApproval decides per call whether the gate applies. Nil
	// gates every call.
	RequiresApproval func(args A) bool
	// Check consults the decision source once the gate applies. Nil
	// means the gate always suspends until the step entry is injected
	// or cleared.
	Check ApprovalCheck
	// Metadata is merged into the pending error's metadata.
	Metadata map[string]any
}

// GatedFunc is an operation wrapped by GatedStep.
type GatedFunc[A, T any] func(ctx context.Context, w *Workflow, args A) (T, error)

// GatedStep wraps op with a pre-execution approval gate: the operation
// does not run until someone has seen its arguments and said yes.
//
// When RequiresApproval(args) is false the gate is bypassed and op runs
// as a plain keyed step. Otherwise the pending error's metadata records
// the serialized args, the description, and gated_operation=true so
// approval UIs can show exactly what would execute. An approved (or
// edited) decision decodes back into A, so approvers may amend the args
// before op runs with them. Rejection records *ErrApprovalRejected and
// op never runs.
//
// Because the pending outcome is cached like any step failure, resuming
// a store-backed gate requires clearing the entry (ClearStep) after the
// grant so the check re-runs; see the package docs.
func GatedStep[A, T any](opts GateOptions[A], op func(ctx context.Context, args A) (T, error)) GatedFunc[A, T] {
	return func(ctx context.Context, w *Workflow, args A) (T, error) {
		if opts.RequiresApproval != nil && !opts.RequiresApproval(args) {
			return Step(ctx, w, opts.Key, func(ctx context.Context) (T, error) {
				return op(ctx, args)
			})
		}
		return Step(ctx, w, opts.Key, func(ctx context.Context) (T, error) {
			var zero T
			status := Pending()
			if opts.Check != nil {
				var err error
				status, err = opts.Check(ctx)
				if err != nil {
					return zero, err
				}
			}
			switch status.State {
			case ApprovalApproved, ApprovalEdited:
				final := args
				if len(status.Value) > 0 {
					if err := json.Unmarshal(status.Value, &final); err != nil {
						return zero, &ErrPersistence{Op: "decode", Err: fmt.Errorf("gated step %q args: %w", opts.Key, err)}
					}
				}
				return op(ctx, final)
			case ApprovalRejected:
				return zero, &ErrApprovalRejected{Key: opts.Key, Reason: status.Reason}
			case ApprovalExpired:
				return zero, &ErrApprovalRejected{Key: opts.Key, Reason: "expired"}
			default:
				return zero, &ErrPendingApproval{
					StepKey:  opts.Key,
					Reason:   opts.Description,
					Metadata: gateMetadata(opts.Description, opts.Metadata, args),
				}
			}
		})
	}
}

// gateMetadata builds the pending error's metadata. Args are normalized
// through JSON so the first emission and every snapshot replay carry the
// identical shape.
func gateMetadata(description string, extra map[string]any, args any) map[string]any {
	md := make(map[string]any, len(extra)+3)
	for k, v := range extra {
		md[k] = v
	}
	md["gated_operation"] = true
	if description != "" {
		md["description"] = description
	}
	md["args"] = unmarshalAny(marshalAny(args))
	return md
}

// Notifier delivers pending-approval notifications to an external
// channel (chat, email, a ticket queue). Implementations live outside
// this module.
type Notifier interface {
	NotifyPending(ctx context.Context, approval Approval) error
}

// RunWithApprovals executes fn and, when the run suspends on a pending
// approval, ensures the ApprovalStore record exists and notifies n
// exactly once (a record that already existed was already announced).
// The run's result is returned unchanged; notification failures are
// logged and swallowed.
func RunWithApprovals[T any](ctx context.Context, e *Engine, workflowID string, fn WorkflowFunc[T], approvals ApprovalStore, n Notifier, opts ...RunOption) (T, error) {
	v, err := Execute(ctx, e, workflowID, fn, opts...)

	var pending *ErrPendingApproval
	if !errors.As(err, &pending) {
		return v, err
	}

	existing, gerr := approvals.GetApproval(ctx, pending.StepKey)
	if gerr != nil {
		e.logger.Warn("approval lookup failed", "workflow_id", workflowID, "step", pending.StepKey, "error", gerr)
		return v, err
	}
	if existing != nil {
		return v, err
	}
	if cerr := approvals.CreateApproval(ctx, pending.StepKey, ApprovalRequest{Metadata: pending.Metadata}); cerr != nil {
		e.logger.Warn("approval create failed", "workflow_id", workflowID, "step", pending.StepKey, "error", cerr)
		return v, err
	}
	if n == nil {
		return v, err
	}
	created, gerr := approvals.GetApproval(ctx, pending.StepKey)
	if gerr != nil || created == nil {
		e.logger.Warn("approval readback failed", "workflow_id", workflowID, "step", pending.StepKey, "error", gerr)
		return v, err
	}
	if nerr := n.NotifyPending(ctx, *created); nerr != nil {
		e.logger.Warn("approval notification failed", "workflow_id", workflowID, "step", pending.StepKey, "error", nerr)
	}
	return v, err
}
