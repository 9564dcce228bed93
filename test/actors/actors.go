package actors

import (
	"context"
	"errors"
	"fmt"
	"math/rand"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"

	"assetflow/audit"
	"assetflow/ledger"
	"assetflow/workflow"
)

// Scanner runs full audit sessions against the shared manager: open, a
// burst of random scans (repeats included, so duplicates occur), close.
// Losing the open race to a sibling scanner is expected under contention.
func Scanner(ctx context.Context, manager *audit.Manager, serials []string, stop <-chan struct{}) error {
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-stop:
			return nil
		default:
		}

		session, err := manager.Open(ctx)
		if err != nil {
			if errors.Is(err, audit.ErrSessionOpen) {
				time.Sleep(time.Duration(10+rand.Intn(30)) * time.Millisecond)
				continue
			}
			return fmt.Errorf("scanner open: %w", err)
		}

		burst := 1 + rand.Intn(2*len(serials))
		for i := 0; i < burst; i++ {
			serial := serials[rand.Intn(len(serials))]
			if _, err := manager.Scan(ctx, session.ID, serial); err != nil {
				if errors.Is(err, audit.ErrSessionClosed) {
					break
				}
				return fmt.Errorf("scanner scan: %w", err)
			}
		}

		if _, err := manager.Close(ctx); err != nil && !errors.Is(err, audit.ErrSessionClosed) {
			return fmt.Errorf("scanner close: %w", err)
		}
		time.Sleep(time.Duration(20+rand.Intn(40)) * time.Millisecond)
	}
}

// Approver discovers pending approvals and resolves them through the
// scheduler. Contention outcomes (already resolved, role mismatch,
// approval swept to expired) are expected, not failures.
func Approver(ctx context.Context, pool *pgxpool.Pool, scheduler *workflow.Scheduler, principal string, stop <-chan struct{}) error {
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-stop:
			return nil
		default:
		}

		var id string
		if err := pool.QueryRow(ctx, `SELECT id FROM movement_approvals WHERE status='pending' ORDER BY random() LIMIT 1`).Scan(&id); err != nil {
			time.Sleep(time.Duration(30+rand.Intn(50)) * time.Millisecond)
			continue
		}

		decision := workflow.DecisionApprove
		if rand.Intn(3) == 0 {
			decision = workflow.DecisionReject
		}
		if _, err := scheduler.ResolveApproval(ctx, id, principal, decision); err != nil {
			switch {
			case errors.Is(err, workflow.ErrAlreadyResolved),
				errors.Is(err, workflow.ErrRoleMismatch),
				errors.Is(err, workflow.ErrApprovalNotFound):
				// lost the race
			case ctx.Err() != nil:
				return ctx.Err()
			default:
				return fmt.Errorf("approver resolve: %w", err)
			}
		}
		time.Sleep(time.Duration(20+rand.Intn(40)) * time.Millisecond)
	}
}

// Corrector applies random idempotency-keyed status corrections so loans
// keep moving under the monitor's feet. Invalid transitions are the
// ledger doing its job.
func Corrector(ctx context.Context, port ledger.Port, loanIDs []string, stop <-chan struct{}) error {
	statuses := []ledger.LoanStatus{ledger.LoanReturned, ledger.LoanOverdue, ledger.LoanSold, ledger.LoanActive}
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-stop:
			return nil
		default:
		}

		_, err := port.ApplyCorrection(ctx, ledger.CorrectionParams{
			LoanID:         loanIDs[rand.Intn(len(loanIDs))],
			NewStatus:      statuses[rand.Intn(len(statuses))],
			Reason:         "stress correction",
			ActorID:        "stress-corrector",
			IdempotencyKey: fmt.Sprintf("stress-%d", rand.Int63()),
		})
		if err != nil {
			switch {
			case errors.Is(err, ledger.ErrInvalidTransition),
				errors.Is(err, ledger.ErrLoanNotFound):
			case ctx.Err() != nil:
				return ctx.Err()
			default:
				return fmt.Errorf("corrector apply: %w", err)
			}
		}
		time.Sleep(time.Duration(30+rand.Intn(60)) * time.Millisecond)
	}
}

// Desyncer flips inventory rows out from under live loans with raw SQL,
// manufacturing the divergences the monitor exists to catch.
func Desyncer(ctx context.Context, pool *pgxpool.Pool, stop <-chan struct{}) error {
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-stop:
			return nil
		default:
		}

		_, err := pool.Exec(ctx, `
            UPDATE inventory_items SET status='in_store', updated_at=now()
            WHERE id IN (
                SELECT item_id FROM loans WHERE status IN ('active','overdue')
                ORDER BY random() LIMIT 1
            )`)
		if err != nil && ctx.Err() != nil {
			return ctx.Err()
		}
		time.Sleep(time.Duration(100+rand.Intn(150)) * time.Millisecond)
	}
}
