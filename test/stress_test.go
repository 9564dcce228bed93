package test

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"io"
	"math/rand"
	"os"
	"os/exec"
	"testing"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"assetflow/audit"
	"assetflow/identity"
	"assetflow/ledger"
	"assetflow/monitor"
	"assetflow/notify"
	"assetflow/sla"
	"assetflow/test/actors"
	"assetflow/test/chaos"
	"assetflow/test/infra"
	"assetflow/test/oracles"
	"assetflow/workflow"
)

var (
	flDuration    = flag.Duration("duration", 90*time.Second, "how long to run stress")
	flConcurrency = flag.Int("concurrency", 4, "number of concurrent actors per kind")
	flSeed        = flag.Int64("seed", time.Now().UnixNano(), "random seed")
	flDSN         = flag.String("dsn", "", "existing Postgres DSN to reuse (avoids Docker)")
	flChaos       = flag.Bool("chaos", false, "randomly kill database backends during the run")
)

func seedRNG(seed int64) { rand.Seed(seed) }

func TestReconciliationConcurrency(t *testing.T) {
	flag.Parse()
	seed := *flSeed
	seedRNG(seed)

	var (
		pgC        *infra.PGContainer
		dsn        string
		err        error
		usedShared bool
	)
	ctx, cancel := context.WithTimeout(context.Background(), *flDuration+60*time.Second)
	defer cancel()

	switch {
	case *flDSN != "":
		dsn = *flDSN
		usedShared = true
		pgC = &infra.PGContainer{}
	case os.Getenv("STRESS_TEST_PG_DSN") != "":
		dsn = os.Getenv("STRESS_TEST_PG_DSN")
		usedShared = true
		pgC = &infra.PGContainer{}
	default:
		if dockerAvailable(ctx) {
			pgC, dsn, err = infra.StartPostgres(ctx, "")
			if err != nil {
				t.Fatalf("start postgres: %v", err)
			}
		} else {
			dsn, err = infra.InitLocalDatabase(ctx)
			if err != nil {
				t.Skipf("no Docker and no local PostgreSQL: %v", err)
			}
			pgC = &infra.PGContainer{}
		}
	}
	defer pgC.Terminate(context.Background())

	pool, teardown, err := infra.ApplyMigrations(ctx, dsn, usedShared)
	if err != nil {
		t.Fatalf("apply migrations: %v", err)
	}
	defer pool.Close()
	defer func() {
		if err := teardown(context.Background()); err != nil {
			t.Logf("teardown warning: %v", err)
		}
	}()

	seedData := mustSeed(t, ctx, pool)

	logger := zap.NewNop()
	notifier := notify.NewLogger(logger)
	ledgerPort := ledger.NewPGLedger(pool)

	tracker := sla.NewTracker(sla.NewPGStore(pool), notifier, 3, 500*time.Millisecond, logger)

	action := func(ctx context.Context, instance workflow.Instance, step workflow.StepDefinition) error {
		_, err := ledgerPort.ApplyCorrection(ctx, ledger.CorrectionParams{
			LoanID:         instance.LoanID,
			NewStatus:      ledger.LoanReturned,
			Reason:         "automated realignment: " + instance.ReasonID,
			ActorID:        "engine",
			IdempotencyKey: fmt.Sprintf("%s:%d", instance.ID, step.Seq),
		})
		if errors.Is(err, ledger.ErrInvalidTransition) {
			// A corrector got there first; the realignment goal is moot.
			return nil
		}
		return err
	}

	scheduler := workflow.NewScheduler(
		workflow.NewPGStore(pool),
		workflow.NewPGDefinitions(pool),
		tracker,
		identity.Static{"mgr": identity.RoleStoreManager, "root": identity.RoleAdmin, "op": identity.RoleOperator},
		notifier,
		action,
		logger,
	)

	mon := monitor.New(ledgerPort, notifier, monitor.NewPGHistory(pool, nil), monitor.Config{
		WarningAt:  1,
		CriticalAt: 3,
		OnNew: func(ctx context.Context, fact monitor.Inconsistency) {
			// concurrent polls may race instance creation; losing is fine
			_, _ = scheduler.Start(ctx, string(fact.Kind), fact.LoanID)
		},
	}, logger)

	g, ctx2 := errgroup.WithContext(ctx)
	runCtx, cancelRun := context.WithCancel(ctx2)
	stop := make(chan struct{})

	// One manager shared by every scanner: the single-open-session
	// invariant is the manager's to enforce, the oracle only observes it.
	manager := audit.NewManager(ledgerPort, audit.NewPGStore(pool), nil, nil, logger)
	for i := 0; i < *flConcurrency; i++ {
		g.Go(func() error { return actors.Scanner(ctx2, manager, seedData.serials, stop) })
		g.Go(func() error { return actors.Corrector(ctx2, ledgerPort, seedData.loanIDs, stop) })
	}
	g.Go(func() error { return actors.Approver(ctx2, pool, scheduler, "mgr", stop) })
	g.Go(func() error { return actors.Approver(ctx2, pool, scheduler, "root", stop) })
	g.Go(func() error { return actors.Desyncer(ctx2, pool, stop) })

	g.Go(func() error { return monitor.NewRunner(mon, 300*time.Millisecond, logger).Run(runCtx) })
	g.Go(func() error { return tracker.Run(runCtx, 300*time.Millisecond) })
	g.Go(func() error { return scheduler.RunExpiry(runCtx, 300*time.Millisecond) })

	if *flChaos {
		go chaos.TerminateRandomBackend(ctx2, pool, stop)
	}

	deadline := time.Now().Add(*flDuration)
	ticker := time.NewTicker(2 * time.Second)
	defer ticker.Stop()

	var failed bool
loop:
	for time.Now().Before(deadline) {
		select {
		case <-ctx.Done():
			break loop
		case <-ticker.C:
			name, row, err := oracles.Run(ctx2, pool)
			if err != nil {
				if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
					break loop
				}
				t.Fatalf("oracle error: %v", err)
			}
			if name != "" {
				failed = true
				dumpRecent(t, ctx2, pool)
				t.Fatalf("Oracle %s failed. First row: %s (seed=%d)", name, row, seed)
			}
		}
	}

	close(stop)
	cancelRun()
	if err := g.Wait(); err != nil && !failed {
		if !errors.Is(err, context.Canceled) && !errors.Is(err, context.DeadlineExceeded) {
			t.Fatalf("actors errored: %v", err)
		}
	}
}

func dockerAvailable(ctx context.Context) bool {
	if _, err := exec.LookPath("docker"); err != nil {
		return false
	}
	c := exec.CommandContext(ctx, "docker", "info")
	c.Stdout = io.Discard
	c.Stderr = io.Discard
	return c.Run() == nil
}

type seedIDs struct {
	serials []string
	loanIDs []string
}

func mustSeed(t *testing.T, ctx context.Context, pool *pgxpool.Pool) seedIDs {
	t.Helper()
	var s seedIDs

	for i := 0; i < 10; i++ {
		itemID := fmt.Sprintf("item-%d", i)
		serial := fmt.Sprintf("IMEI-%04d", i)
		status := "in_store"
		if i < 5 {
			status = "loaned"
		}
		if _, err := pool.Exec(ctx,
			`INSERT INTO inventory_items (id, serial, status) VALUES ($1, $2, $3)`,
			itemID, serial, status); err != nil {
			t.Fatalf("seed inventory: %v", err)
		}
		s.serials = append(s.serials, serial)

		if i < 5 {
			loanID := fmt.Sprintf("loan-%d", i)
			if _, err := pool.Exec(ctx,
				`INSERT INTO loans (id, item_id, status) VALUES ($1, $2, 'active')`,
				loanID, itemID); err != nil {
				t.Fatalf("seed loan: %v", err)
			}
			s.loanIDs = append(s.loanIDs, loanID)
		}
	}

	reasons := []string{
		"loan_active_item_not_loaned",
		"loan_returned_item_still_loaned",
		"loan_sold_item_not_sold",
		"loan_item_missing_from_inventory",
	}
	for _, reason := range reasons {
		if _, err := pool.Exec(ctx,
			`INSERT INTO workflow_reasons (id, label, timeout_seconds) VALUES ($1, $1, 2)`,
			reason); err != nil {
			t.Fatalf("seed reason: %v", err)
		}
		if _, err := pool.Exec(ctx, `
            INSERT INTO workflow_steps (reason_id, seq, type, required_role, timeout_seconds, message) VALUES
                ($1, 1, 'notification', '', 0, 'discrepancy flagged'),
                ($1, 2, 'approval', 'store_manager', 2, ''),
                ($1, 3, 'auto_action', '', 0, '')`,
			reason); err != nil {
			t.Fatalf("seed steps: %v", err)
		}
	}

	return s
}

func dumpRecent(t *testing.T, ctx context.Context, pool *pgxpool.Pool) {
	t.Helper()
	type dump struct {
		name string
		sql  string
	}
	dumps := []dump{
		{"audit_sessions", `SELECT id, status, opened_at, closed_at, scan_count FROM audit_sessions ORDER BY opened_at DESC LIMIT 20`},
		{"audit_scans", `SELECT id, session_id, serial, kind FROM audit_scans ORDER BY id DESC LIMIT 50`},
		{"workflow_instances", `SELECT id, reason_id, loan_id, current_step, status FROM workflow_instances ORDER BY created_at DESC LIMIT 50`},
		{"movement_approvals", `SELECT id, instance_id, step_seq, status, approved_by, expires_at FROM movement_approvals ORDER BY created_at DESC LIMIT 50`},
		{"sla_tracking", `SELECT id, instance_id, status, escalation_level, last_notified_at FROM sla_tracking ORDER BY sla_start_time DESC LIMIT 50`},
		{"inconsistency_events", `SELECT id, loan_id, item_id, kind, detected_at FROM inconsistency_events ORDER BY id DESC LIMIT 50`},
	}
	for _, d := range dumps {
		rows, err := pool.Query(ctx, d.sql)
		if err != nil {
			t.Logf("dump %s error: %v", d.name, err)
			continue
		}
		cols := rows.FieldDescriptions()
		t.Logf("-- %s --", d.name)
		for rows.Next() {
			vals, _ := rows.Values()
			buf := make([]any, 0, len(vals))
			for i := range vals {
				buf = append(buf, fmt.Sprintf("%s=%v", string(cols[i].Name), vals[i]))
			}
			t.Logf("%s", buf)
		}
		rows.Close()
	}
}
