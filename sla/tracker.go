package sla

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"assetflow/notify"
)

// Tracker owns deadline clocks for running workflow instances: overdue
// detection, bounded escalation, and periodic re-notification.
type Tracker struct {
	store            Store
	notifier         notify.Notifier
	escalationMax    int
	renotifyInterval time.Duration
	logger           *zap.Logger

	idGenerator func() string
	now         func() time.Time
}

func NewTracker(store Store, notifier notify.Notifier, escalationMax int, renotifyInterval time.Duration, logger *zap.Logger) *Tracker {
	if escalationMax <= 0 {
		escalationMax = 5
	}
	if renotifyInterval <= 0 {
		renotifyInterval = time.Hour
	}
	return &Tracker{
		store:            store,
		notifier:         notifier,
		escalationMax:    escalationMax,
		renotifyInterval: renotifyInterval,
		logger:           logger,
		idGenerator:      func() string { return uuid.NewString() },
		now:              time.Now,
	}
}

func (t *Tracker) WithClock(now func() time.Time) *Tracker {
	t.now = now
	return t
}

func (t *Tracker) WithIDGenerator(gen func() string) *Tracker {
	t.idGenerator = gen
	return t
}

// Start opens a tracking row with the deadline window of the triggering
// reason.
func (t *Tracker) Start(ctx context.Context, loanID, reasonID, instanceID string, window time.Duration) (Tracking, error) {
	if window <= 0 {
		return Tracking{}, fmt.Errorf("sla: non-positive deadline window")
	}
	startAt := t.now()
	tracking := Tracking{
		ID:                  t.idGenerator(),
		LoanID:              loanID,
		ReasonID:            reasonID,
		InstanceID:          instanceID,
		StartAt:             startAt,
		EstimatedCompletion: startAt.Add(window),
		Status:              StatusActive,
	}
	return t.store.Create(ctx, tracking)
}

// Tick re-evaluates every unresolved tracking row against the current
// clock: active rows past deadline become overdue at escalation level 1;
// rows already overdue escalate again only once per re-notification
// interval and never past the configured cap.
func (t *Tracker) Tick(ctx context.Context) error {
	now := t.now()
	unresolved, err := t.store.ListUnresolved(ctx)
	if err != nil {
		return fmt.Errorf("sla: tick list: %w", err)
	}

	for _, tracking := range unresolved {
		switch tracking.Status {
		case StatusActive:
			if !now.After(tracking.EstimatedCompletion) {
				continue
			}
			updated, err := t.store.MarkOverdue(ctx, tracking.ID, 1, now)
			if err != nil {
				t.logger.Error("sla: mark overdue", zap.String("tracking_id", tracking.ID), zap.Error(err))
				continue
			}
			t.escalationNotice(ctx, updated)
		case StatusOverdue:
			if tracking.EscalationLevel >= t.escalationMax {
				continue
			}
			if tracking.LastNotifiedAt != nil && now.Sub(*tracking.LastNotifiedAt) < t.renotifyInterval {
				continue
			}
			updated, err := t.store.Escalate(ctx, tracking.ID, tracking.EscalationLevel+1, now)
			if err != nil {
				t.logger.Error("sla: escalate", zap.String("tracking_id", tracking.ID), zap.Error(err))
				continue
			}
			t.escalationNotice(ctx, updated)
		}
	}
	return nil
}

// Complete resolves a tracking row on explicit workflow completion,
// halting escalation regardless of elapsed time.
func (t *Tracker) Complete(ctx context.Context, instanceID string) error {
	return t.resolve(ctx, instanceID, StatusCompleted)
}

// Cancel resolves a tracking row when its workflow instance cancels.
func (t *Tracker) Cancel(ctx context.Context, instanceID string) error {
	return t.resolve(ctx, instanceID, StatusCancelled)
}

func (t *Tracker) resolve(ctx context.Context, instanceID string, status Status) error {
	tracking, err := t.store.GetByInstance(ctx, instanceID)
	if err != nil {
		return err
	}
	if tracking.resolved() {
		return ErrAlreadyResolved
	}
	if _, err := t.store.Resolve(ctx, tracking.ID, status); err != nil {
		return err
	}
	t.logger.Info("sla tracking resolved",
		zap.String("tracking_id", tracking.ID),
		zap.String("instance_id", instanceID),
		zap.String("status", string(status)))
	return nil
}

// Run ticks until ctx is cancelled; callers typically hand it to an
// errgroup next to the consistency monitor's runner.
func (t *Tracker) Run(ctx context.Context, interval time.Duration) error {
	if interval <= 0 {
		interval = 30 * time.Second
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	t.logger.Info("sla tracker running", zap.Duration("interval", interval))
	for {
		select {
		case <-ctx.Done():
			t.logger.Info("sla tracker stopped")
			return ctx.Err()
		case <-ticker.C:
			if err := t.Tick(ctx); err != nil {
				t.logger.Warn("sla tick failed", zap.Error(err))
			}
		}
	}
}

func (t *Tracker) escalationNotice(ctx context.Context, tracking Tracking) {
	if t.notifier == nil {
		return
	}
	severity := notify.SeverityWarning
	if tracking.EscalationLevel > 1 {
		severity = notify.SeverityCritical
	}
	t.notifier.Notify(ctx, severity, "workflow past deadline", map[string]any{
		"tracking_id":      tracking.ID,
		"loan_id":          tracking.LoanID,
		"reason_id":        tracking.ReasonID,
		"escalation_level": tracking.EscalationLevel,
	})
}
