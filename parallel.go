package caravan

import (
	"context"
	"errors"
	"sort"
	"time"

	"golang.org/x/sync/errgroup"
)

// Operation is a child operation for Parallel and Race. Values must be
// JSON-marshalable; on replay they decode to generic JSON shapes
// (map[string]any, []any, float64, string, bool).
type Operation func(ctx context.Context) (any, error)

// RaceResult reports the winning child of a Race.
type RaceResult struct {
	Winner string `json:"winner"`
	Value  any    `json:"value,omitempty"`
}

// Parallel runs the named operations concurrently. Each child is a
// keyed step under "scope/name", so the replay cache stays unambiguous
// and resumed runs re-execute only the children that never completed.
// The first child error cancels the siblings; the scope's error is
// chosen deterministically (name order, cancellations last) so reruns
// settle on the same terminal error.
func Parallel(ctx context.Context, w *Workflow, scope string, ops map[string]Operation) (map[string]any, error) {
	names := make([]string, 0, len(ops))
	for name := range ops {
		names = append(names, name)
	}
	sort.Strings(names)

	results := make([]any, len(names))
	errs := make([]error, len(names))

	g, gctx := errgroup.WithContext(ctx)
	for i, name := range names {
		op := ops[name]
		g.Go(func() error {
			v, err := Step[any](gctx, w, scope+"/"+name, op)
			results[i] = v
			errs[i] = err
			return err
		})
	}
	_ = g.Wait()

	if chosen := pickErr(errs); chosen != nil {
		w.settleExit(chosen)
		return nil, chosen
	}
	out := make(map[string]any, len(names))
	for i, name := range names {
		out[name] = results[i]
	}
	return out, nil
}

// pickErr selects the scope's error: the first non-cancellation error
// in name order, falling back to the first cancellation when nothing
// else failed.
func pickErr(errs []error) error {
	var cancel error
	for _, err := range errs {
		if err == nil {
			continue
		}
		var c *ErrWorkflowCancelled
		if errors.As(err, &c) {
			if cancel == nil {
				cancel = err
			}
			continue
		}
		return err
	}
	return cancel
}

// settleExit replaces an armed sibling error with the deterministic
// scope choice. Cancellation terminals and errors armed before the
// scope ran are left alone.
func (w *Workflow) settleExit(chosen error) {
	var c *ErrWorkflowCancelled
	if errors.As(chosen, &c) {
		return
	}
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.exit == nil || w.exit.cancelled {
		return
	}
	w.exit.err = chosen
}

// Race runs the named operations concurrently and resolves to the first
// one that settles, success or failure. Losers are cancelled and
// nothing of theirs is recorded. The scope key caches the winner's name
// and the winner's outcome is cached under its child key, so a resumed
// run re-resolves to the same winner without re-racing.
func Race(ctx context.Context, w *Workflow, scope string, ops map[string]Operation) (RaceResult, error) {
	cfg := newStepConfig(scope, nil)

	hit, err := w.enterKeyed(ctx, cfg)
	if err != nil {
		return RaceResult{}, err
	}
	if hit != nil {
		tag, derr := decodeValue[RaceResult](*hit)
		if derr != nil {
			return RaceResult{}, derr
		}
		return raceReplay(ctx, w, scope, tag.Winner, ops)
	}

	names := make([]string, 0, len(ops))
	for name := range ops {
		names = append(names, name)
	}
	sort.Strings(names)

	type settled struct {
		name string
		v    any
		err  error
	}
	raceCtx, cancel := context.WithCancel(ctx)
	defer cancel()
	ch := make(chan settled, len(names))
	now := time.Now()
	for _, name := range names {
		op := ops[name]
		childCfg := newStepConfig(scope+"/"+name, nil)
		w.emit(Event{Type: EventStepCacheMiss, WorkflowID: w.id, Time: now, StepKey: childCfg.key, Name: childCfg.name})
		w.emit(Event{Type: EventStepStart, WorkflowID: w.id, Time: now, StepKey: childCfg.key, Name: childCfg.name})
		go func() {
			v, err := runOperation(raceCtx, op)
			ch <- settled{name: name, v: v, err: err}
		}()
	}

	started := time.Now()
	first := <-ch
	cancel()
	// Losers drain into the buffered channel on their own; waiting here
	// would hang on an operation that ignores its context.

	if first.err != nil && isCancelClass(first.err) && ctx.Err() != nil {
		return RaceResult{}, w.markCancelled(ctx)
	}

	childCfg := newStepConfig(scope+"/"+first.name, nil)
	var meta *StepFailureMeta
	if first.err != nil {
		if ue, ok := first.err.(*ErrUnexpected); ok {
			meta = &StepFailureMeta{Origin: OriginThrow, Thrown: marshalAny(ue.Thrown)}
		} else {
			meta = resultMeta(first.err)
		}
	}
	childErr := w.recordOutcome(ctx, childCfg, started, first.v, first.err, meta)
	scopeErr := w.recordOutcome(ctx, cfg, started, RaceResult{Winner: first.name}, nil, nil)
	if scopeErr != nil {
		return RaceResult{}, scopeErr
	}
	if childErr != nil {
		return RaceResult{Winner: first.name}, childErr
	}
	return RaceResult{Winner: first.name, Value: first.v}, nil
}

// raceReplay resolves a race whose winner is already recorded. If the
// winner's own outcome is missing (crash between the two writes), only
// the winner re-executes.
func raceReplay(ctx context.Context, w *Workflow, scope, winner string, ops map[string]Operation) (RaceResult, error) {
	op, ok := ops[winner]
	if !ok {
		return RaceResult{}, &ErrPersistence{Op: "decode", Err: errors.New("race " + scope + ": recorded winner " + winner + " not among operations")}
	}
	v, err := Step[any](ctx, w, scope+"/"+winner, op)
	if err != nil {
		return RaceResult{Winner: winner}, err
	}
	return RaceResult{Winner: winner, Value: v}, nil
}

// runOperation executes op with panic recovery.
func runOperation(ctx context.Context, op Operation) (v any, err error) {
	defer func() {
		if p := recover(); p != nil {
			err = &ErrUnexpected{Thrown: p}
		}
	}()
	return op(ctx)
}
