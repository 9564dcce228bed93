package sla

import (
	"context"
	"errors"
	"fmt"
	"testing"
	"time"

	"go.uber.org/zap"

	"assetflow/notify"
)

type memStore struct {
	rows map[string]Tracking
}

func newMemStore() *memStore {
	return &memStore{rows: map[string]Tracking{}}
}

func (m *memStore) Create(_ context.Context, tracking Tracking) (Tracking, error) {
	m.rows[tracking.ID] = tracking
	return tracking, nil
}

func (m *memStore) GetByInstance(_ context.Context, instanceID string) (Tracking, error) {
	for _, t := range m.rows {
		if t.InstanceID == instanceID {
			return t, nil
		}
	}
	return Tracking{}, ErrTrackingNotFound
}

func (m *memStore) ListUnresolved(context.Context) ([]Tracking, error) {
	out := []Tracking{}
	for _, t := range m.rows {
		if !t.resolved() {
			out = append(out, t)
		}
	}
	return out, nil
}

func (m *memStore) MarkOverdue(_ context.Context, id string, level int, notifiedAt time.Time) (Tracking, error) {
	t, ok := m.rows[id]
	if !ok || t.Status != StatusActive {
		return Tracking{}, ErrTrackingNotFound
	}
	t.Status = StatusOverdue
	t.EscalationLevel = level
	t.LastNotifiedAt = &notifiedAt
	m.rows[id] = t
	return t, nil
}

func (m *memStore) Escalate(_ context.Context, id string, level int, notifiedAt time.Time) (Tracking, error) {
	t, ok := m.rows[id]
	if !ok || t.Status != StatusOverdue || level <= t.EscalationLevel {
		return Tracking{}, ErrTrackingNotFound
	}
	t.EscalationLevel = level
	t.LastNotifiedAt = &notifiedAt
	m.rows[id] = t
	return t, nil
}

func (m *memStore) Resolve(_ context.Context, id string, status Status) (Tracking, error) {
	t, ok := m.rows[id]
	if !ok {
		return Tracking{}, ErrTrackingNotFound
	}
	if t.resolved() {
		return Tracking{}, ErrAlreadyResolved
	}
	t.Status = status
	m.rows[id] = t
	return t, nil
}

type countingNotifier struct {
	notices int
}

func (c *countingNotifier) Notify(context.Context, notify.Severity, string, map[string]any) {
	c.notices++
}

func testTracker(store Store, notifier notify.Notifier, clock *time.Time) *Tracker {
	n := 0
	return NewTracker(store, notifier, 3, time.Hour, zap.NewNop()).
		WithClock(func() time.Time { return *clock }).
		WithIDGenerator(func() string {
			n++
			return fmt.Sprintf("tracking-%d", n)
		})
}

func TestTickMarksOverdueAtDeadline(t *testing.T) {
	store := newMemStore()
	notifier := &countingNotifier{}
	clock := time.Date(2025, 6, 1, 9, 0, 0, 0, time.UTC)
	tracker := testTracker(store, notifier, &clock)

	tracking, err := tracker.Start(context.Background(), "loan-1", "lost_device", "inst-1", 24*time.Hour)
	if err != nil {
		t.Fatalf("start: %v", err)
	}

	// Before the deadline: nothing happens.
	clock = clock.Add(23 * time.Hour)
	if err := tracker.Tick(context.Background()); err != nil {
		t.Fatalf("tick: %v", err)
	}
	if got := store.rows[tracking.ID]; got.Status != StatusActive || got.EscalationLevel != 0 {
		t.Fatalf("expected still active at level 0, got %s level %d", got.Status, got.EscalationLevel)
	}

	// Past the deadline: overdue, level 0 -> 1, one notification.
	clock = clock.Add(2 * time.Hour)
	if err := tracker.Tick(context.Background()); err != nil {
		t.Fatalf("tick: %v", err)
	}
	got := store.rows[tracking.ID]
	if got.Status != StatusOverdue || got.EscalationLevel != 1 {
		t.Errorf("expected overdue level 1, got %s level %d", got.Status, got.EscalationLevel)
	}
	if notifier.notices != 1 {
		t.Errorf("expected one escalation notice, got %d", notifier.notices)
	}
}

func TestEscalationRespectsRenotifyIntervalAndCap(t *testing.T) {
	store := newMemStore()
	notifier := &countingNotifier{}
	clock := time.Date(2025, 6, 1, 9, 0, 0, 0, time.UTC)
	tracker := testTracker(store, notifier, &clock)

	tracking, err := tracker.Start(context.Background(), "loan-1", "lost_device", "inst-1", time.Hour)
	if err != nil {
		t.Fatalf("start: %v", err)
	}

	clock = clock.Add(2 * time.Hour)
	_ = tracker.Tick(context.Background()) // -> overdue, level 1

	// A tick within the renotify interval must not escalate again.
	clock = clock.Add(10 * time.Minute)
	_ = tracker.Tick(context.Background())
	if got := store.rows[tracking.ID].EscalationLevel; got != 1 {
		t.Errorf("expected level still 1 inside renotify interval, got %d", got)
	}

	// Levels climb once per interval, then freeze at the cap of 3.
	for i := 0; i < 10; i++ {
		clock = clock.Add(time.Hour)
		_ = tracker.Tick(context.Background())
	}
	if got := store.rows[tracking.ID].EscalationLevel; got != 3 {
		t.Errorf("expected escalation capped at 3, got %d", got)
	}
	if notifier.notices != 3 {
		t.Errorf("expected 3 notices (levels 1..3), got %d", notifier.notices)
	}
}

func TestEscalationNeverDecreasesWhileOverdue(t *testing.T) {
	store := newMemStore()
	clock := time.Date(2025, 6, 1, 9, 0, 0, 0, time.UTC)
	tracker := testTracker(store, &countingNotifier{}, &clock)

	tracking, _ := tracker.Start(context.Background(), "loan-1", "r", "inst-1", time.Hour)

	last := 0
	for i := 0; i < 8; i++ {
		clock = clock.Add(90 * time.Minute)
		_ = tracker.Tick(context.Background())
		level := store.rows[tracking.ID].EscalationLevel
		if level < last {
			t.Fatalf("escalation decreased from %d to %d", last, level)
		}
		last = level
	}
}

func TestCompleteFreezesEscalation(t *testing.T) {
	store := newMemStore()
	notifier := &countingNotifier{}
	clock := time.Date(2025, 6, 1, 9, 0, 0, 0, time.UTC)
	tracker := testTracker(store, notifier, &clock)

	tracking, _ := tracker.Start(context.Background(), "loan-1", "r", "inst-1", time.Hour)

	clock = clock.Add(2 * time.Hour)
	_ = tracker.Tick(context.Background())

	if err := tracker.Complete(context.Background(), "inst-1"); err != nil {
		t.Fatalf("complete: %v", err)
	}

	frozen := store.rows[tracking.ID].EscalationLevel
	for i := 0; i < 5; i++ {
		clock = clock.Add(2 * time.Hour)
		_ = tracker.Tick(context.Background())
	}
	got := store.rows[tracking.ID]
	if got.Status != StatusCompleted {
		t.Errorf("expected completed, got %s", got.Status)
	}
	if got.EscalationLevel != frozen {
		t.Errorf("expected escalation frozen at %d, got %d", frozen, got.EscalationLevel)
	}
}

func TestCompleteBeforeDeadline(t *testing.T) {
	store := newMemStore()
	clock := time.Date(2025, 6, 1, 9, 0, 0, 0, time.UTC)
	tracker := testTracker(store, &countingNotifier{}, &clock)

	tracking, _ := tracker.Start(context.Background(), "loan-1", "r", "inst-1", 24*time.Hour)

	if err := tracker.Complete(context.Background(), "inst-1"); err != nil {
		t.Fatalf("complete: %v", err)
	}
	if got := store.rows[tracking.ID]; got.Status != StatusCompleted || got.EscalationLevel != 0 {
		t.Errorf("expected completed at level 0, got %s level %d", got.Status, got.EscalationLevel)
	}
}

func TestResolveTerminalRowSurfacesAlreadyResolved(t *testing.T) {
	store := newMemStore()
	clock := time.Date(2025, 6, 1, 9, 0, 0, 0, time.UTC)
	tracker := testTracker(store, &countingNotifier{}, &clock)

	if _, err := tracker.Start(context.Background(), "loan-1", "r", "inst-1", time.Hour); err != nil {
		t.Fatalf("start: %v", err)
	}
	if err := tracker.Complete(context.Background(), "inst-1"); err != nil {
		t.Fatalf("complete: %v", err)
	}
	if err := tracker.Complete(context.Background(), "inst-1"); !errors.Is(err, ErrAlreadyResolved) {
		t.Errorf("expected ErrAlreadyResolved, got %v", err)
	}
}

func TestStartRejectsNonPositiveWindow(t *testing.T) {
	store := newMemStore()
	clock := time.Now()
	tracker := testTracker(store, &countingNotifier{}, &clock)

	if _, err := tracker.Start(context.Background(), "loan-1", "r", "inst-1", 0); err == nil {
		t.Errorf("expected validation error for zero window")
	}
}
