package main

import (
	"context"
	"fmt"

	"go.uber.org/zap"

	"assetflow/audit"
	"assetflow/realtime"
	"assetflow/workflow"
)

// Command scopes. Operator front-ends publish commands here; results and
// live state flow back over the per-session audit scopes and the
// notification channel.
const (
	scanCommandScope     = "audit:commands"
	approvalCommandScope = "workflow:commands"
)

const (
	commandOpenSession  = "open_session"
	commandScan         = "scan"
	commandCloseSession = "close_session"

	commandResolveApproval = "resolve_approval"
)

// scanFeed consumes audit commands from the broker and drives the session
// manager. Command failures are logged, never fatal: a bad scan must not
// take the feed down.
type scanFeed struct {
	broker  realtime.Broker
	manager *audit.Manager
	logger  *zap.Logger
}

func (f *scanFeed) run(ctx context.Context) error {
	events, stop, err := f.broker.Subscribe(ctx, scanCommandScope)
	if err != nil {
		return fmt.Errorf("subscribe %s: %w", scanCommandScope, err)
	}
	defer stop()

	f.logger.Info("scan feed running", zap.String("scope", scanCommandScope))
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case event, ok := <-events:
			if !ok {
				return nil
			}
			f.handle(ctx, event)
		}
	}
}

func (f *scanFeed) handle(ctx context.Context, event realtime.Event) {
	switch event.Type {
	case commandOpenSession:
		if _, err := f.manager.Open(ctx); err != nil {
			f.logger.Warn("open audit session", zap.Error(err))
		}
	case commandScan:
		sessionID, _ := event.Payload["session_id"].(string)
		serial, _ := event.Payload["serial"].(string)
		if _, err := f.manager.Scan(ctx, sessionID, serial); err != nil {
			f.logger.Warn("append scan",
				zap.String("session_id", sessionID),
				zap.String("serial", serial),
				zap.Error(err))
		}
	case commandCloseSession:
		if _, err := f.manager.Close(ctx); err != nil {
			f.logger.Warn("close audit session", zap.Error(err))
		}
	default:
		f.logger.Debug("unknown audit command", zap.String("type", event.Type))
	}
}

// approvalFeed consumes approval decisions. The token travels as the
// principal; the scheduler's identity resolver verifies it and extracts
// the role.
type approvalFeed struct {
	broker    realtime.Broker
	scheduler *workflow.Scheduler
	logger    *zap.Logger
}

func (f *approvalFeed) run(ctx context.Context) error {
	events, stop, err := f.broker.Subscribe(ctx, approvalCommandScope)
	if err != nil {
		return fmt.Errorf("subscribe %s: %w", approvalCommandScope, err)
	}
	defer stop()

	f.logger.Info("approval feed running", zap.String("scope", approvalCommandScope))
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case event, ok := <-events:
			if !ok {
				return nil
			}
			f.handle(ctx, event)
		}
	}
}

func (f *approvalFeed) handle(ctx context.Context, event realtime.Event) {
	if event.Type != commandResolveApproval {
		f.logger.Debug("unknown workflow command", zap.String("type", event.Type))
		return
	}
	approvalID, _ := event.Payload["approval_id"].(string)
	token, _ := event.Payload["token"].(string)
	decision, _ := event.Payload["decision"].(string)

	if _, err := f.scheduler.ResolveApproval(ctx, approvalID, token, workflow.Decision(decision)); err != nil {
		f.logger.Warn("resolve approval",
			zap.String("approval_id", approvalID),
			zap.String("decision", decision),
			zap.Error(err))
	}
}
