package ledger

import (
	"context"
	"errors"
	"fmt"
	"os"
	"testing"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"
)

// TestApplyCorrection_Integration connects to a real PostgreSQL via
// DATABASE_URL and verifies the correction transaction end to end,
// including inventory realignment, event append and idempotent replay.
func TestApplyCorrection_Integration(t *testing.T) {
	dsn := os.Getenv("DATABASE_URL")
	if dsn == "" {
		t.Skip("DATABASE_URL is empty; set it to a live PostgreSQL to run integration test")
	}

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	pool, err := pgxpool.New(ctx, dsn)
	if err != nil {
		t.Fatalf("connect pool: %v", err)
	}
	defer pool.Close()

	if !tableExists(ctx, t, pool, "loans") || !tableExists(ctx, t, pool, "inventory_items") || !tableExists(ctx, t, pool, "ledger_events") {
		t.Skip("database schema missing; apply migrations/ first")
	}

	suffix := time.Now().UnixNano()
	itemID := fmt.Sprintf("itest-item-%d", suffix)
	loanID := fmt.Sprintf("itest-loan-%d", suffix)

	if _, err := pool.Exec(ctx,
		`INSERT INTO inventory_items (id, serial, status) VALUES ($1, $2, 'loaned')`,
		itemID, fmt.Sprintf("ITEST-%d", suffix)); err != nil {
		t.Fatalf("seed inventory: %v", err)
	}
	if _, err := pool.Exec(ctx,
		`INSERT INTO loans (id, item_id, status) VALUES ($1, $2, 'active')`,
		loanID, itemID); err != nil {
		t.Fatalf("seed loan: %v", err)
	}

	t.Cleanup(func() {
		ctx2, cancel2 := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel2()
		pool.Exec(ctx2, `DELETE FROM ledger_events WHERE loan_id = $1`, loanID)
		pool.Exec(ctx2, `DELETE FROM correction_keys WHERE key LIKE $1`, fmt.Sprintf("itest-%d%%", suffix))
		pool.Exec(ctx2, `DELETE FROM loans WHERE id = $1`, loanID)
		pool.Exec(ctx2, `DELETE FROM inventory_items WHERE id = $1`, itemID)
	})

	repo := NewPGLedger(pool)
	params := CorrectionParams{
		LoanID:         loanID,
		NewStatus:      LoanReturned,
		Reason:         "integration correction",
		ActorID:        "itest",
		IdempotencyKey: fmt.Sprintf("itest-%d-return", suffix),
	}

	corrected, err := repo.ApplyCorrection(ctx, params)
	if err != nil {
		t.Fatalf("apply correction: %v", err)
	}
	if corrected.Status != LoanReturned {
		t.Fatalf("expected returned loan, got %s", corrected.Status)
	}
	if corrected.ReturnedAt == nil {
		t.Fatal("expected returned_at to be set")
	}

	var itemStatus string
	if err := pool.QueryRow(ctx, `SELECT status FROM inventory_items WHERE id = $1`, itemID).Scan(&itemStatus); err != nil {
		t.Fatalf("verify inventory: %v", err)
	}
	if itemStatus != string(ItemInStore) {
		t.Fatalf("expected inventory realigned to in_store, got %s", itemStatus)
	}

	var eventCount int
	if err := pool.QueryRow(ctx, `SELECT COUNT(*) FROM ledger_events WHERE loan_id = $1 AND type = 'LOAN_CORRECTED'`, loanID).Scan(&eventCount); err != nil {
		t.Fatalf("verify events: %v", err)
	}
	if eventCount != 1 {
		t.Fatalf("expected 1 correction event, got %d", eventCount)
	}

	// Replaying the same idempotency key is a no-op returning current state.
	replayed, err := repo.ApplyCorrection(ctx, params)
	if err != nil {
		t.Fatalf("apply correction (replay): %v", err)
	}
	if replayed.Status != LoanReturned {
		t.Fatalf("replay changed state: %s", replayed.Status)
	}
	if err := pool.QueryRow(ctx, `SELECT COUNT(*) FROM ledger_events WHERE loan_id = $1`, loanID).Scan(&eventCount); err != nil {
		t.Fatalf("re-verify events: %v", err)
	}
	if eventCount != 1 {
		t.Fatalf("expected events to remain 1 after replay, got %d", eventCount)
	}

	// sold is terminal; correcting past it must be rejected.
	if _, err := repo.ApplyCorrection(ctx, CorrectionParams{
		LoanID:         loanID,
		NewStatus:      LoanSold,
		Reason:         "integration sale",
		ActorID:        "itest",
		IdempotencyKey: fmt.Sprintf("itest-%d-sell", suffix),
	}); err != nil {
		t.Fatalf("apply correction (sell): %v", err)
	}
	_, err = repo.ApplyCorrection(ctx, CorrectionParams{
		LoanID:    loanID,
		NewStatus: LoanActive,
		Reason:    "integration revert",
		ActorID:   "itest",
	})
	if !errors.Is(err, ErrInvalidTransition) {
		t.Fatalf("expected ErrInvalidTransition out of sold, got %v", err)
	}
}

func tableExists(ctx context.Context, t *testing.T, pool *pgxpool.Pool, name string) bool {
	t.Helper()
	var exists bool
	err := pool.QueryRow(ctx, `SELECT EXISTS (SELECT 1 FROM information_schema.tables WHERE table_schema = 'public' AND table_name = $1)`, name).Scan(&exists)
	if err != nil {
		t.Fatalf("check table %s: %v", name, err)
	}
	return exists
}
