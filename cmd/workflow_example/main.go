// Command workflow_example runs an expense reimbursement workflow end
// to end: the first run suspends on a manager approval, the decision is
// recorded and injected, and the second run resumes past the gate and
// completes. Snapshots live in the configured store, so the two runs
// could just as well be separate processes.
package main

import (
	"context"
	"errors"
	"fmt"
	"log"
	"os"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/nevindra/caravan"
	"github.com/nevindra/caravan/internal/config"
	"github.com/nevindra/caravan/observer"
	"github.com/nevindra/caravan/store/libsql"
	"github.com/nevindra/caravan/store/memory"
	"github.com/nevindra/caravan/store/postgres"
	"github.com/nevindra/caravan/store/sqlite"
)

// Expense is the workflow input.
type Expense struct {
	ID     string  `json:"id"`
	Payee  string  `json:"payee"`
	Amount float64 `json:"amount"`
}

// Receipt is the workflow result.
type Receipt struct {
	ExpenseID string  `json:"expense_id"`
	PaidTo    string  `json:"paid_to"`
	Amount    float64 `json:"amount"`
	Reference string  `json:"reference"`
}

func main() {
	ctx := context.Background()

	// 1. Load config
	cfg := config.Load(os.Getenv("CARAVAN_CONFIG"))

	// 2. Observer (opt-in via config)
	var observerOpts []caravan.EngineOption
	if cfg.Observer.Enabled {
		inst, shutdown, err := observer.Init(ctx)
		if err != nil {
			log.Fatalf(" [observer] init failed: %v", err)
		}
		defer shutdown(ctx)
		observerOpts = append(observerOpts,
			caravan.WithTracer(observer.NewTracer()),
			caravan.WithEventSink(observer.EventSink(inst)))
		log.Println(" [observer] OTEL observability enabled")
	}

	// 3. Create store
	store, approvals, closeStore, err := openStore(ctx, cfg)
	if err != nil {
		log.Fatalf(" [store] open failed: %v", err)
	}
	defer closeStore()
	if err := store.Init(ctx); err != nil {
		log.Fatalf(" [store] init failed: %v", err)
	}

	// 4. Build engine
	engine := caravan.New(append(observerOpts, caravan.WithStore(store))...)

	expense := Expense{ID: "exp-2041", Payee: "acme fabrication", Amount: 1840.00}
	workflowID := "expense/" + expense.ID
	fn := reimburse(expense)

	// 5. First run: suspends on the manager approval.
	_, err = caravan.RunWithApprovals(ctx, engine, workflowID, fn, approvals, consoleNotifier{},
		caravan.WithVersion(cfg.Engine.Version),
		caravan.WithLockTTL(cfg.Engine.LockTTL()))
	var pending *caravan.ErrPendingApproval
	if !errors.As(err, &pending) {
		log.Fatalf("expected a pending approval, got: %v", err)
	}
	log.Printf("run suspended: step %q awaits approval (%s)", pending.StepKey, pending.Reason)

	queue, err := approvals.ListPendingApprovals(ctx, "")
	if err != nil {
		log.Fatalf(" [approvals] list failed: %v", err)
	}
	for _, a := range queue {
		log.Printf("pending approval %q created %s", a.Key, a.CreatedAt.Format(time.RFC3339))
	}

	// 6. The manager signs off. Recording the grant keeps the audit
	// trail; injecting the value overwrites the cached pending outcome
	// so the next run proceeds past the gate.
	if err := approvals.GrantApproval(ctx, pending.StepKey, expense.Amount, "manager@example.com"); err != nil {
		log.Fatalf(" [approvals] grant failed: %v", err)
	}
	if err := caravan.InjectApproval(ctx, store, workflowID, pending.StepKey, expense.Amount); err != nil {
		log.Fatalf(" [approvals] inject failed: %v", err)
	}
	log.Printf("approval %q granted and injected", pending.StepKey)

	// 7. Second run: validation replays from the snapshot, the approval
	// replays as granted, and only the payout executes.
	receipt, err := caravan.Execute(ctx, engine, workflowID, fn,
		caravan.WithVersion(cfg.Engine.Version),
		caravan.WithLockTTL(cfg.Engine.LockTTL()))
	if err != nil {
		log.Fatalf("resumed run failed: %v", err)
	}
	log.Printf("expense %s paid to %s: $%.2f (ref %s)", receipt.ExpenseID, receipt.PaidTo, receipt.Amount, receipt.Reference)

	// 8. Success deleted the snapshot; the ID is free to reuse.
	snap, err := store.Load(ctx, workflowID)
	if err != nil {
		log.Fatalf(" [store] load failed: %v", err)
	}
	if snap == nil {
		log.Printf("snapshot for %q deleted after success", workflowID)
	}
}

// reimburse builds the workflow function: validate, wait for a manager
// decision, then pay out with retries.
func reimburse(expense Expense) caravan.WorkflowFunc[Receipt] {
	return func(ctx context.Context, w *caravan.Workflow) (Receipt, error) {
		amount, err := caravan.Step(ctx, w, "validate", func(ctx context.Context) (float64, error) {
			if expense.Amount <= 0 {
				return 0, fmt.Errorf("expense %s: amount must be positive", expense.ID)
			}
			log.Printf("validated expense %s for $%.2f", expense.ID, expense.Amount)
			return expense.Amount, nil
		})
		if err != nil {
			return Receipt{}, err
		}

		// The check never decides on its own: the run stays suspended
		// until an operator injects the approved amount. RunWithApprovals
		// materializes the approval record and pings the notifier.
		approved, err := caravan.ApprovalStep[float64](ctx, w, "approve/"+expense.ID,
			func(ctx context.Context) (caravan.ApprovalStatus, error) {
				return caravan.ApprovalStatus{
					State:  caravan.ApprovalPending,
					Reason: fmt.Sprintf("manager signoff for $%.2f to %s", amount, expense.Payee),
				}, nil
			})
		if err != nil {
			return Receipt{}, err
		}

		return caravan.StepRetry(ctx, w, "payout", func(ctx context.Context) (Receipt, error) {
			ref := caravan.NewID()
			log.Printf("paying $%.2f to %s (ref %s)", approved, expense.Payee, ref)
			return Receipt{
				ExpenseID: expense.ID,
				PaidTo:    expense.Payee,
				Amount:    approved,
				Reference: ref,
			}, nil
		}, caravan.RetrySchedule{
			MaxAttempts: 3,
			Strategy:    caravan.BackoffExponential,
			BaseDelay:   2 * time.Second,
		})
	}
}

// openStore builds the configured backend. Every bundled store
// implements both the snapshot and approval interfaces. The returned
// func releases whatever the backend holds open.
func openStore(ctx context.Context, cfg config.Config) (caravan.SnapshotStore, caravan.ApprovalStore, func() error, error) {
	switch cfg.Database.Driver {
	case "sqlite", "":
		s := sqlite.New(cfg.Database.Path)
		return s, s, s.Close, nil
	case "memory":
		s := memory.New()
		return s, s, s.Close, nil
	case "libsql":
		if cfg.Database.TursoURL != "" {
			s := libsql.NewRemote(cfg.Database.TursoURL, cfg.Database.TursoToken)
			return s, s, s.Close, nil
		}
		s := libsql.New(cfg.Database.Path)
		return s, s, s.Close, nil
	case "postgres":
		pool, err := pgxpool.New(ctx, cfg.Database.PostgresURL)
		if err != nil {
			return nil, nil, nil, fmt.Errorf("postgres pool: %w", err)
		}
		s := postgres.New(pool)
		return s, s, func() error { pool.Close(); return nil }, nil
	default:
		return nil, nil, nil, fmt.Errorf("unknown database driver %q", cfg.Database.Driver)
	}
}

// consoleNotifier logs pending approvals; a real deployment would page
// a channel or open a ticket.
type consoleNotifier struct{}

func (consoleNotifier) NotifyPending(ctx context.Context, a caravan.Approval) error {
	log.Printf("approval needed: %s (requested %s)", a.Key, a.CreatedAt.Format(time.RFC3339))
	return nil
}
