package caravan

import "context"

// Hook identifies an external-callback suspension point. The workflow
// sends the ID to an outside system and suspends on AwaitHook; the
// outside system later delivers a value through InjectHookResult (or
// ResumeState.WithHookResult) and the rerun proceeds.
type Hook struct {
	ID      string `json:"id"`
	StepKey string `json:"step_key"`
}

func hookStepKey(id string) string { return "hook:" + id }

// HookFromID rebuilds the handle for a known hook identifier, for
// callers that persisted only the ID.
func HookFromID(id string) Hook {
	return Hook{ID: id, StepKey: hookStepKey(id)}
}

// CreateHook allocates a hook with a stable identifier. The identifier
// is itself recorded as a keyed step under key, so a resumed run sees
// the same hook instead of minting a fresh one and orphaning the
// injected result.
func CreateHook(ctx context.Context, w *Workflow, key string) (Hook, error) {
	id, err := Step(ctx, w, key, func(context.Context) (string, error) {
		return NewID(), nil
	})
	if err != nil {
		return Hook{}, err
	}
	return HookFromID(id), nil
}

// AwaitHook suspends the workflow on h: the first run records
// *ErrPendingHook under the hook's step key and every rerun replays it
// until a result is injected. After injection the cached value decodes
// into T and execution proceeds.
func AwaitHook[T any](ctx context.Context, w *Workflow, h Hook, opts ...StepOption) (T, error) {
	return Step(ctx, w, h.StepKey, func(context.Context) (T, error) {
		var zero T
		return zero, &ErrPendingHook{HookID: h.ID, StepKey: h.StepKey}
	}, opts...)
}
