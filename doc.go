// Package caravan is a durable workflow execution engine for Go.
//
// Workflows are plain functions whose effectful operations run as keyed
// steps. Every completed step is checkpointed to a snapshot store, so a
// rerun of the same workflow ID replays recorded outcomes instead of
// re-executing work: a crash, deploy, or suspension picks up exactly
// where the last run stopped. Success deletes the snapshot; failure
// retains it for resume.
//
// # Quick Start
//
//	store := sqlite.New("workflows.db")
//	defer store.Close()
//	engine := caravan.New(caravan.WithStore(store))
//
//	order, err := caravan.Execute(ctx, engine, "order-1042",
//		func(ctx context.Context, w *caravan.Workflow) (Order, error) {
//			payment, err := caravan.Step(ctx, w, "charge", func(ctx context.Context) (Payment, error) {
//				return charge(ctx, cart)
//			})
//			if err != nil {
//				return Order{}, err
//			}
//			return caravan.Step(ctx, w, "fulfill", func(ctx context.Context) (Order, error) {
//				return fulfill(ctx, payment)
//			})
//		})
//
// Rerunning after a crash replays "charge" from the snapshot and only
// executes "fulfill". Human-in-the-loop pauses work the same way:
// [ApprovalStep] and [AwaitHook] record a pending outcome that suspends
// the run, [InjectApproval] or [InjectHookResult] overwrite it with the
// granted value, and the next Execute proceeds past the gate.
//
// # Core Interfaces
//
// The root package defines the contracts that all components implement:
//
//   - [SnapshotStore] — checkpoint persistence (Save, Load, Delete, List)
//   - [WorkflowLock] — cross-process lease for single-writer runs
//   - [ApprovalStore] — approval record lifecycle for suspended gates
//   - [EventSink] — run/step lifecycle event callbacks
//   - [Tracer] — span hooks for distributed tracing
//   - [Notifier] — pending-approval delivery to external channels
//
// # Included Implementations
//
// Storage: store/sqlite (local), store/postgres (pgx pool),
// store/libsql (Turso/remote), store/memory (tests and ephemeral runs).
// Observability: observer (OpenTelemetry traces, metrics, logs).
//
// See the cmd/workflow_example directory for a complete reference
// application.
package caravan
