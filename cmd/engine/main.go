package main

import (
	"context"
	"errors"
	"fmt"
	"log"
	"os"
	"os/signal"
	"syscall"

	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"assetflow/audit"
	"assetflow/cache"
	"assetflow/config"
	"assetflow/db"
	"assetflow/identity"
	"assetflow/ledger"
	"assetflow/logging"
	"assetflow/monitor"
	"assetflow/notify"
	"assetflow/realtime"
	"assetflow/sla"
	"assetflow/workflow"
)

// correctionForReason maps a discrepancy reason to the loan status an
// auto_action step realigns the ledger to. Reasons absent here have no
// automated correction and their auto steps are no-ops.
var correctionForReason = map[string]ledger.LoanStatus{
	string(monitor.KindReturnedStillOut): ledger.LoanReturned,
	string(monitor.KindSoldNotSold):      ledger.LoanSold,
}

func main() {
	cfg, err := config.Load()
	if err != nil {
		log.Fatalf("load config: %v", err)
	}
	logger, err := logging.New(cfg.Log.Level, cfg.Log.Format)
	if err != nil {
		log.Fatalf("bootstrap logger: %v", err)
	}
	defer func() { _ = logger.Sync() }()

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	pool, err := db.NewPool(ctx, cfg.DatabaseURL, db.PoolLimits{
		MaxConns:        int32(cfg.DB.MaxConns),
		MinConns:        int32(cfg.DB.MinConns),
		MaxConnLifetime: cfg.DB.MaxConnLifetime,
		MaxConnIdleTime: cfg.DB.MaxConnIdleTime,
	})
	if err != nil {
		logger.Fatal("bootstrap database pool", zap.Error(err))
	}
	defer pool.Close()

	rdb := redis.NewClient(&redis.Options{
		Addr:     cfg.Redis.Addr,
		Password: cfg.Redis.Password,
		DB:       cfg.Redis.DB,
	})
	defer func() { _ = rdb.Close() }()

	notifier := notify.NewRedisPublisher(rdb, logger)
	broker := realtime.NewRedis(rdb, logger)
	ledgerPort := ledger.NewPGLedger(pool)

	tracker := sla.NewTracker(sla.NewPGStore(pool), notifier,
		cfg.SLA.EscalationMax, cfg.SLA.RenotifyInterval, logger)

	action := func(ctx context.Context, instance workflow.Instance, step workflow.StepDefinition) error {
		status, ok := correctionForReason[instance.ReasonID]
		if !ok {
			return nil
		}
		_, err := ledgerPort.ApplyCorrection(ctx, ledger.CorrectionParams{
			LoanID:         instance.LoanID,
			NewStatus:      status,
			Reason:         "automated realignment: " + instance.ReasonID,
			ActorID:        "engine",
			IdempotencyKey: fmt.Sprintf("%s:%d", instance.ID, step.Seq),
		})
		return err
	}

	scheduler := workflow.NewScheduler(
		workflow.NewPGStore(pool),
		workflow.NewPGDefinitions(pool),
		tracker,
		identity.NewTokenResolver(cfg.JWTSecret),
		notifier,
		action,
		logger,
	)

	historyPages := cache.New[string, []monitor.Inconsistency](cfg.Cache.MaxSize, cfg.Cache.MaxAge)
	mon := monitor.New(ledgerPort, notifier, monitor.NewPGHistory(pool, historyPages), monitor.Config{
		WarningAt:  cfg.Monitor.WarningAt,
		CriticalAt: cfg.Monitor.CriticalAt,
		OnNew: func(ctx context.Context, fact monitor.Inconsistency) {
			if _, err := scheduler.Start(ctx, string(fact.Kind), fact.LoanID); err != nil {
				logger.Warn("start workflow for inconsistency",
					zap.String("loan_id", fact.LoanID),
					zap.String("kind", string(fact.Kind)),
					zap.Error(err))
			}
		},
	}, logger)
	runner := monitor.NewRunner(mon, cfg.Monitor.PollInterval, logger)

	scanPages := cache.New[string, []audit.ScanResult](cfg.Cache.MaxSize, cfg.Cache.MaxAge)
	auditManager := audit.NewManager(ledgerPort, audit.NewPGStore(pool), broker, scanPages, logger)

	scans := &scanFeed{broker: broker, manager: auditManager, logger: logger}
	approvals := &approvalFeed{broker: broker, scheduler: scheduler, logger: logger}

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error { return runner.Run(gctx) })
	g.Go(func() error { return tracker.Run(gctx, cfg.SLA.TickInterval) })
	g.Go(func() error { return scheduler.RunExpiry(gctx, cfg.SLA.TickInterval) })
	g.Go(func() error { return scans.run(gctx) })
	g.Go(func() error { return approvals.run(gctx) })

	logger.Info("engine running")
	if err := g.Wait(); err != nil && !errors.Is(err, context.Canceled) {
		logger.Fatal("engine stopped", zap.Error(err))
	}
	logger.Info("engine shut down")
}
