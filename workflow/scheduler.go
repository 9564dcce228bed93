package workflow

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"assetflow/identity"
	"assetflow/notify"
	"assetflow/sla"
)

var (
	// ErrRoleMismatch rejects a decision from a principal whose role does
	// not satisfy the step's required role. No state changes.
	ErrRoleMismatch = errors.New("workflow: role not permitted for this approval")
	// ErrNoSteps rejects starting a workflow for a reason with no steps.
	ErrNoSteps = errors.New("workflow: reason has no steps")
)

// ActionFn executes one auto_action step's external effect. A non-nil
// error leaves the instance on that step; the host owns retries.
type ActionFn func(ctx context.Context, instance Instance, step StepDefinition) error

// Scheduler orchestrates workflow execution: it creates instances for
// flagged discrepancies, walks their steps, gates approvals by role, and
// expires approvals whose deadline lapses without a decision.
type Scheduler struct {
	store    Store
	defs     DefinitionSource
	sla      *sla.Tracker
	roles    identity.Resolver
	notifier notify.Notifier
	action   ActionFn
	logger   *zap.Logger

	idGenerator func() string
	now         func() time.Time
}

func NewScheduler(store Store, defs DefinitionSource, tracker *sla.Tracker, roles identity.Resolver, notifier notify.Notifier, action ActionFn, logger *zap.Logger) *Scheduler {
	return &Scheduler{
		store:       store,
		defs:        defs,
		sla:         tracker,
		roles:       roles,
		notifier:    notifier,
		action:      action,
		logger:      logger,
		idGenerator: func() string { return uuid.NewString() },
		now:         time.Now,
	}
}

func (s *Scheduler) WithClock(now func() time.Time) *Scheduler {
	s.now = now
	return s
}

func (s *Scheduler) WithIDGenerator(gen func() string) *Scheduler {
	s.idGenerator = gen
	return s
}

// Start creates a workflow instance for a flagged discrepancy and runs it
// until the first approval gate (or to completion when no gate exists).
func (s *Scheduler) Start(ctx context.Context, reasonID, loanID string) (Instance, error) {
	if reasonID == "" {
		return Instance{}, fmt.Errorf("workflow: missing reason id")
	}
	if loanID == "" {
		return Instance{}, fmt.Errorf("workflow: missing loan id")
	}

	reason, err := s.defs.Reason(ctx, reasonID)
	if err != nil {
		return Instance{}, err
	}
	steps, err := s.defs.StepsFor(ctx, reasonID)
	if err != nil {
		return Instance{}, err
	}
	if len(steps) == 0 {
		return Instance{}, ErrNoSteps
	}

	instance, err := s.store.CreateInstance(ctx, Instance{
		ID:       s.idGenerator(),
		ReasonID: reasonID,
		LoanID:   loanID,
	})
	if err != nil {
		return Instance{}, err
	}

	if s.sla != nil {
		if _, err := s.sla.Start(ctx, loanID, reasonID, instance.ID, reason.Timeout); err != nil {
			// Do not strand a running instance without a deadline clock.
			if _, ferr := s.store.FinishInstance(ctx, instance.ID, InstanceCancelled); ferr != nil {
				s.logger.Error("workflow: cancel instance after sla failure",
					zap.String("instance_id", instance.ID), zap.Error(ferr))
			}
			return Instance{}, fmt.Errorf("workflow: start sla tracking: %w", err)
		}
	}

	s.logger.Info("workflow started",
		zap.String("instance_id", instance.ID),
		zap.String("reason_id", reasonID),
		zap.String("loan_id", loanID))
	return s.runFrom(ctx, instance, steps, 1)
}

// runFrom executes steps starting at seq until the instance blocks on an
// approval, fails an auto action, or completes.
func (s *Scheduler) runFrom(ctx context.Context, instance Instance, steps []StepDefinition, seq int) (Instance, error) {
	for seq <= len(steps) {
		step := steps[seq-1]
		updated, err := s.store.SetInstanceStep(ctx, instance.ID, seq)
		if err != nil {
			return instance, err
		}
		instance = updated

		switch step.Type {
		case StepNotification:
			s.notifyStep(ctx, instance, step)
			seq++
		case StepAutoAction:
			if s.action == nil {
				return instance, fmt.Errorf("workflow: no action handler for step %d of %s", seq, instance.ReasonID)
			}
			if err := s.action(ctx, instance, step); err != nil {
				// The instance stays on this step; the host retries.
				return instance, fmt.Errorf("workflow: auto action step %d: %w", seq, err)
			}
			seq++
		case StepApproval:
			approval := Approval{
				ID:           s.idGenerator(),
				LoanID:       instance.LoanID,
				InstanceID:   instance.ID,
				StepSeq:      seq,
				RequiredRole: step.RequiredRole,
				ExpiresAt:    s.now().Add(step.Timeout),
			}
			if _, err := s.store.CreateApproval(ctx, approval); err != nil {
				return instance, err
			}
			s.logger.Info("approval pending",
				zap.String("instance_id", instance.ID),
				zap.Int("step", seq),
				zap.String("required_role", string(step.RequiredRole)))
			return instance, nil
		default:
			return instance, fmt.Errorf("workflow: unknown step type %q", step.Type)
		}
	}
	return s.complete(ctx, instance)
}

// ResolveApproval applies a role-gated decision to a pending approval.
// Resolving an already-terminal approval is a state no-op reported as
// ErrAlreadyResolved.
func (s *Scheduler) ResolveApproval(ctx context.Context, approvalID, principal string, decision Decision) (Approval, error) {
	if decision != DecisionApprove && decision != DecisionReject {
		return Approval{}, fmt.Errorf("workflow: invalid decision %q", decision)
	}

	approval, err := s.store.GetApproval(ctx, approvalID)
	if err != nil {
		return Approval{}, err
	}
	if approval.terminal() {
		return approval, ErrAlreadyResolved
	}

	role, err := s.roles.CurrentRole(ctx, principal)
	if err != nil {
		return Approval{}, fmt.Errorf("workflow: resolve role: %w", err)
	}
	if !RoleAllowed(role, approval.RequiredRole) {
		return Approval{}, fmt.Errorf("%w: have %s, need %s", ErrRoleMismatch, role, approval.RequiredRole)
	}

	status := ApprovalApproved
	var approvedBy *string
	if decision == DecisionApprove {
		approvedBy = &principal
	} else {
		status = ApprovalRejected
	}

	resolved, err := s.store.ResolveApproval(ctx, approvalID, status, approvedBy)
	if err != nil {
		// Lost a race with a concurrent resolver or the expiry sweep.
		return resolved, err
	}

	if err := s.afterApproval(ctx, resolved); err != nil {
		return resolved, err
	}
	return resolved, nil
}

// ExpireDue transitions every pending approval past its deadline to
// expired and applies the fallback policy. Returns how many expired.
func (s *Scheduler) ExpireDue(ctx context.Context) (int, error) {
	due, err := s.store.ListExpiredPending(ctx, s.now())
	if err != nil {
		return 0, err
	}

	expired := 0
	for _, approval := range due {
		resolved, err := s.store.ResolveApproval(ctx, approval.ID, ApprovalExpired, nil)
		if err != nil {
			if errors.Is(err, ErrAlreadyResolved) {
				continue
			}
			return expired, err
		}
		expired++
		s.logger.Info("approval expired",
			zap.String("approval_id", resolved.ID),
			zap.String("instance_id", resolved.InstanceID))
		if err := s.afterApproval(ctx, resolved); err != nil {
			return expired, err
		}
	}
	return expired, nil
}

// RunExpiry sweeps on an interval until ctx is cancelled.
func (s *Scheduler) RunExpiry(ctx context.Context, interval time.Duration) error {
	if interval <= 0 {
		interval = 30 * time.Second
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
			if _, err := s.ExpireDue(ctx); err != nil {
				s.logger.Warn("approval expiry sweep failed", zap.Error(err))
			}
		}
	}
}

// afterApproval advances, reroutes, or cancels the instance once its
// gating approval reached a terminal state.
func (s *Scheduler) afterApproval(ctx context.Context, approval Approval) error {
	instance, err := s.store.GetInstance(ctx, approval.InstanceID)
	if err != nil {
		return err
	}
	if instance.Status != InstanceRunning {
		// A terminal instance never transitions again.
		return nil
	}
	steps, err := s.defs.StepsFor(ctx, instance.ReasonID)
	if err != nil {
		return err
	}
	if approval.StepSeq < 1 || approval.StepSeq > len(steps) {
		// The step definitions shrank under a live approval; there is no
		// step to resume from, so the instance cancels.
		s.logger.Warn("approval references missing step",
			zap.String("instance_id", instance.ID),
			zap.Int("step", approval.StepSeq),
			zap.Int("steps", len(steps)))
		return s.cancel(ctx, instance, approval.Status)
	}

	if approval.Status == ApprovalApproved {
		_, err := s.runFrom(ctx, instance, steps, approval.StepSeq+1)
		return err
	}

	// Rejected or expired: route to the step's fallback when the
	// definition names one, otherwise cancel the instance.
	step := steps[approval.StepSeq-1]
	if step.FallbackSeq != nil && *step.FallbackSeq >= 1 && *step.FallbackSeq <= len(steps) {
		_, err := s.runFrom(ctx, instance, steps, *step.FallbackSeq)
		return err
	}
	return s.cancel(ctx, instance, approval.Status)
}

func (s *Scheduler) complete(ctx context.Context, instance Instance) (Instance, error) {
	finished, err := s.store.FinishInstance(ctx, instance.ID, InstanceCompleted)
	if err != nil {
		return instance, err
	}
	if s.sla != nil {
		if err := s.sla.Complete(ctx, instance.ID); err != nil && !errors.Is(err, sla.ErrAlreadyResolved) {
			s.logger.Error("workflow: complete sla tracking", zap.String("instance_id", instance.ID), zap.Error(err))
		}
	}
	s.logger.Info("workflow completed", zap.String("instance_id", instance.ID))
	return finished, nil
}

func (s *Scheduler) cancel(ctx context.Context, instance Instance, cause ApprovalStatus) error {
	if _, err := s.store.FinishInstance(ctx, instance.ID, InstanceCancelled); err != nil {
		return err
	}
	if s.sla != nil {
		if err := s.sla.Cancel(ctx, instance.ID); err != nil && !errors.Is(err, sla.ErrAlreadyResolved) {
			s.logger.Error("workflow: cancel sla tracking", zap.String("instance_id", instance.ID), zap.Error(err))
		}
	}
	if s.notifier != nil {
		s.notifier.Notify(ctx, notify.SeverityWarning, "workflow cancelled", map[string]any{
			"instance_id": instance.ID,
			"loan_id":     instance.LoanID,
			"cause":       string(cause),
		})
	}
	return nil
}

func (s *Scheduler) notifyStep(ctx context.Context, instance Instance, step StepDefinition) {
	if s.notifier == nil {
		return
	}
	message := step.Message
	if message == "" {
		message = "workflow step reached"
	}
	s.notifier.Notify(ctx, notify.SeverityInfo, message, map[string]any{
		"instance_id": instance.ID,
		"loan_id":     instance.LoanID,
		"reason_id":   instance.ReasonID,
		"step":        step.Seq,
	})
}

// RoleAllowed is the single decision point for approval gating: exact
// role match, with admin permitted everywhere.
func RoleAllowed(actual, required identity.Role) bool {
	return actual == required || actual == identity.RoleAdmin
}
