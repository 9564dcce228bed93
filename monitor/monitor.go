package monitor

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"go.uber.org/zap"

	"assetflow/ledger"
	"assetflow/notify"
)

// Kind names one divergence rule between the loan and inventory ledgers.
type Kind string

const (
	KindActiveNotLoaned  Kind = "loan_active_item_not_loaned"
	KindReturnedStillOut Kind = "loan_returned_item_still_loaned"
	KindSoldNotSold      Kind = "loan_sold_item_not_sold"
	KindItemMissing      Kind = "loan_item_missing_from_inventory"
)

// Inconsistency is a derived fact: it exists only while the divergence
// condition holds and is recomputed each poll, never mutated.
type Inconsistency struct {
	LoanID     string
	ItemID     string
	Kind       Kind
	DetectedAt time.Time
}

func (i Inconsistency) key() string {
	return i.LoanID + "|" + i.ItemID + "|" + string(i.Kind)
}

// DivergenceFn is the pluggable reconciliation rule: given a loan and its
// linked inventory record, report whether and how they disagree.
type DivergenceFn func(loan ledger.LoanRecord, item ledger.InventoryRecord) (Kind, bool)

// DefaultDivergence implements the standard rule table.
func DefaultDivergence(loan ledger.LoanRecord, item ledger.InventoryRecord) (Kind, bool) {
	switch loan.Status {
	case ledger.LoanActive, ledger.LoanOverdue:
		if item.Status != ledger.ItemLoaned {
			return KindActiveNotLoaned, true
		}
	case ledger.LoanReturned:
		if item.Status == ledger.ItemLoaned {
			return KindReturnedStillOut, true
		}
	case ledger.LoanSold:
		if item.Status != ledger.ItemSold {
			return KindSoldNotSold, true
		}
	}
	return "", false
}

// Severity tiers the current inconsistency count.
type Severity string

const (
	SeverityOK       Severity = "ok"
	SeverityWarning  Severity = "warning"
	SeverityCritical Severity = "critical"
)

// HistoryWriter records each newly observed inconsistency into an
// append-only log.
type HistoryWriter interface {
	Record(ctx context.Context, fact Inconsistency) error
}

// Config parameterises one Monitor instance.
type Config struct {
	Divergence DivergenceFn
	WarningAt  int
	CriticalAt int
	// OnNew is invoked once per newly detected inconsistency, after the
	// notification fires. The workflow scheduler hangs off this hook.
	OnNew func(ctx context.Context, fact Inconsistency)
}

// Monitor detects divergence between the two ledgers. It owns its own
// previous-snapshot state so multiple monitor scopes can run independently.
type Monitor struct {
	mu         sync.Mutex
	ledger     ledger.Port
	notifier   notify.Notifier
	history    HistoryWriter
	divergence DivergenceFn
	warningAt  int
	criticalAt int
	onNew      func(ctx context.Context, fact Inconsistency)
	logger     *zap.Logger
	now        func() time.Time

	prev    map[string]Inconsistency
	lastErr error
}

func New(port ledger.Port, notifier notify.Notifier, history HistoryWriter, cfg Config, logger *zap.Logger) *Monitor {
	divergence := cfg.Divergence
	if divergence == nil {
		divergence = DefaultDivergence
	}
	warningAt := cfg.WarningAt
	if warningAt <= 0 {
		warningAt = 1
	}
	criticalAt := cfg.CriticalAt
	if criticalAt <= warningAt {
		criticalAt = warningAt + 2
	}
	return &Monitor{
		ledger:     port,
		notifier:   notifier,
		history:    history,
		divergence: divergence,
		warningAt:  warningAt,
		criticalAt: criticalAt,
		onNew:      cfg.OnNew,
		logger:     logger,
		now:        time.Now,
		prev:       map[string]Inconsistency{},
	}
}

func (m *Monitor) WithClock(now func() time.Time) *Monitor {
	m.now = now
	return m
}

// Poll computes the current inconsistency set and notifies once for every
// fact absent from the immediately preceding snapshot. A failed fetch
// leaves the previous snapshot untouched and surfaces the error.
func (m *Monitor) Poll(ctx context.Context) ([]Inconsistency, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	current, err := m.compute(ctx)
	if err != nil {
		m.lastErr = err
		m.logger.Warn("monitor poll failed, snapshot retained", zap.Error(err))
		return nil, err
	}
	m.lastErr = nil

	facts := make([]Inconsistency, 0, len(current))
	for key, fact := range current {
		facts = append(facts, fact)
		if _, known := m.prev[key]; known {
			continue
		}
		m.handleNew(ctx, fact, len(current))
	}
	m.prev = current
	return facts, nil
}

func (m *Monitor) compute(ctx context.Context) (map[string]Inconsistency, error) {
	loans, err := m.ledger.GetActiveLoans(ctx)
	if err != nil {
		return nil, fmt.Errorf("monitor: fetch active loans: %w", err)
	}

	detectedAt := m.now()
	current := map[string]Inconsistency{}
	for _, loan := range loans {
		item, err := m.ledger.GetInventory(ctx, loan.ItemID)
		if err != nil {
			if errors.Is(err, ledger.ErrItemNotFound) {
				fact := Inconsistency{LoanID: loan.ID, ItemID: loan.ItemID, Kind: KindItemMissing, DetectedAt: detectedAt}
				current[fact.key()] = fact
				continue
			}
			return nil, fmt.Errorf("monitor: fetch inventory %s: %w", loan.ItemID, err)
		}
		if kind, diverged := m.divergence(loan, item); diverged {
			fact := Inconsistency{LoanID: loan.ID, ItemID: loan.ItemID, Kind: kind, DetectedAt: detectedAt}
			current[fact.key()] = fact
		}
	}
	return current, nil
}

func (m *Monitor) handleNew(ctx context.Context, fact Inconsistency, total int) {
	if m.history != nil {
		if err := m.history.Record(ctx, fact); err != nil {
			m.logger.Error("monitor: record inconsistency history", zap.Error(err))
		}
	}
	if m.notifier != nil {
		m.notifier.Notify(ctx, severityToNotify(m.Severity(total)),
			"ledger inconsistency detected",
			map[string]any{
				"loan_id": fact.LoanID,
				"item_id": fact.ItemID,
				"kind":    string(fact.Kind),
			})
	}
	if m.onNew != nil {
		m.onNew(ctx, fact)
	}
	m.logger.Info("new inconsistency",
		zap.String("loan_id", fact.LoanID),
		zap.String("item_id", fact.ItemID),
		zap.String("kind", string(fact.Kind)))
}

// Severity tiers a count against the configured thresholds.
func (m *Monitor) Severity(count int) Severity {
	switch {
	case count >= m.criticalAt:
		return SeverityCritical
	case count >= m.warningAt:
		return SeverityWarning
	default:
		return SeverityOK
	}
}

// LastError reports the most recent poll failure, or nil after a clean
// poll. Hosts surface it as a stale-data indicator, not a blocking error.
func (m *Monitor) LastError() error {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.lastErr
}

func severityToNotify(s Severity) notify.Severity {
	switch s {
	case SeverityCritical:
		return notify.SeverityCritical
	case SeverityWarning:
		return notify.SeverityWarning
	default:
		return notify.SeverityInfo
	}
}
