package audit

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"assetflow/cache"
	"assetflow/ledger"
	"assetflow/realtime"
)

var (
	// ErrSessionOpen rejects opening a second concurrent session.
	ErrSessionOpen = errors.New("audit: a session is already open")
	// ErrSessionClosed rejects scans that do not reference the currently
	// open session.
	ErrSessionClosed = errors.New("audit: session closed")
)

// EventScanAppended and EventSessionClosed are the realtime event types
// live operator views consume.
const (
	EventSessionOpened = "session_opened"
	EventScanAppended  = "scan_appended"
	EventSessionClosed = "session_closed"
)

// Manager owns the audit lifecycle: at most one open session, an expected
// snapshot frozen at open, append-only scans, and the not_found sweep at
// close.
type Manager struct {
	mu     sync.Mutex
	ledger ledger.Port
	store  Store
	events realtime.Publisher
	pages  *cache.Cache[string, []ScanResult]
	logger *zap.Logger

	idGenerator func() string
	now         func() time.Time

	active *liveSession
}

type liveSession struct {
	session  Session
	snapshot map[string]ledger.InventoryRecord
	seen     map[string]struct{}
	counts   map[ResultKind]int

	// notFound records which missing serials already have a persisted
	// not_found row, so a Close retried after a write failure does not
	// append them twice.
	notFound map[string]struct{}
}

func NewManager(port ledger.Port, store Store, events realtime.Publisher, pages *cache.Cache[string, []ScanResult], logger *zap.Logger) *Manager {
	if events == nil {
		events = realtime.Discard{}
	}
	return &Manager{
		ledger:      port,
		store:       store,
		events:      events,
		pages:       pages,
		logger:      logger,
		idGenerator: func() string { return uuid.NewString() },
		now:         time.Now,
	}
}

func (m *Manager) WithClock(now func() time.Time) *Manager {
	m.now = now
	return m
}

func (m *Manager) WithIDGenerator(gen func() string) *Manager {
	m.idGenerator = gen
	return m
}

// Open starts a new audit session, freezing the inventory snapshot so the
// expected set does not move mid-audit.
func (m *Manager) Open(ctx context.Context) (Session, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.active != nil {
		return Session{}, ErrSessionOpen
	}

	snapshot, err := m.ledger.GetItemSnapshot(ctx)
	if err != nil {
		return Session{}, fmt.Errorf("audit: snapshot inventory: %w", err)
	}

	session := Session{
		ID:       m.idGenerator(),
		OpenedAt: m.now(),
		Status:   SessionOpen,
	}
	created, err := m.store.CreateSession(ctx, session)
	if err != nil {
		return Session{}, err
	}

	m.active = &liveSession{
		session:  created,
		snapshot: snapshot,
		seen:     make(map[string]struct{}),
		counts:   make(map[ResultKind]int),
		notFound: make(map[string]struct{}),
	}

	m.publish(ctx, created.ID, realtime.Event{
		Type:    EventSessionOpened,
		Payload: map[string]any{"session_id": created.ID, "expected": len(expectedSerials(snapshot))},
	})
	m.logger.Info("audit session opened",
		zap.String("session_id", created.ID),
		zap.Int("snapshot_size", len(snapshot)))
	return created, nil
}

// Scan classifies one physical scan against the frozen snapshot and
// appends the immutable result. Scans that do not reference the currently
// open session fail rather than being silently dropped.
func (m *Manager) Scan(ctx context.Context, sessionID, serial string) (ScanResult, error) {
	if serial == "" {
		return ScanResult{}, fmt.Errorf("audit: empty serial")
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	if m.active == nil || m.active.session.ID != sessionID {
		return ScanResult{}, ErrSessionClosed
	}

	kind := Classify(serial, m.active.snapshot, m.active.seen)
	m.active.seen[serial] = struct{}{}

	result := ScanResult{
		SessionID: sessionID,
		Serial:    serial,
		Kind:      kind,
		ScannedAt: m.now(),
	}
	appended, err := m.store.AppendScan(ctx, result)
	if err != nil {
		return ScanResult{}, err
	}
	m.active.counts[kind]++
	m.active.session.ScanCount++

	m.publish(ctx, sessionID, realtime.Event{
		Type: EventScanAppended,
		Payload: map[string]any{
			"session_id": sessionID,
			"serial":     serial,
			"kind":       string(kind),
		},
	})
	return appended, nil
}

// Close freezes the session: every expected serial never scanned gets a
// not_found result, the session row is closed, and subscribers are told.
func (m *Manager) Close(ctx context.Context) (Summary, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.active == nil {
		return Summary{}, ErrSessionClosed
	}
	live := m.active

	missing := []string{}
	for _, serial := range expectedSerials(live.snapshot) {
		if _, scanned := live.seen[serial]; !scanned {
			missing = append(missing, serial)
		}
	}

	closedAt := m.now()
	for _, serial := range missing {
		if _, done := live.notFound[serial]; done {
			continue
		}
		result := ScanResult{
			SessionID: live.session.ID,
			Serial:    serial,
			Kind:      NotFound,
			ScannedAt: closedAt,
		}
		if _, err := m.store.AppendScan(ctx, result); err != nil {
			return Summary{}, err
		}
		live.notFound[serial] = struct{}{}
		live.counts[NotFound]++
		live.session.ScanCount++
	}

	closed, err := m.store.CloseSession(ctx, live.session.ID, closedAt, live.session.ScanCount)
	if err != nil {
		return Summary{}, err
	}
	m.active = nil

	m.publish(ctx, closed.ID, realtime.Event{
		Type: EventSessionClosed,
		Payload: map[string]any{
			"session_id": closed.ID,
			"scan_count": closed.ScanCount,
			"not_found":  len(missing),
		},
	})
	m.logger.Info("audit session closed",
		zap.String("session_id", closed.ID),
		zap.Int("scan_count", closed.ScanCount),
		zap.Int("not_found", len(missing)))

	return Summary{Session: closed, Counts: live.counts, NotFound: missing}, nil
}

// ScanPage reads one page of a session's scan log through the bounded
// TTL cache. Cache entries are never authoritative for writes; a live
// view should follow the realtime events instead.
func (m *Manager) ScanPage(ctx context.Context, sessionID string, page, pageSize int) ([]ScanResult, error) {
	key := fmt.Sprintf("%s:%d:%d", sessionID, page, pageSize)
	if m.pages != nil {
		if cached, ok := m.pages.Get(key); ok {
			return cached, nil
		}
	}
	results, _, err := m.store.ListScans(ctx, sessionID, page, pageSize)
	if err != nil {
		return nil, err
	}
	if m.pages != nil {
		m.pages.Set(key, results)
	}
	return results, nil
}

func (m *Manager) publish(ctx context.Context, sessionID string, event realtime.Event) {
	scope := "audit:" + sessionID
	if err := m.events.Publish(ctx, scope, event); err != nil {
		m.logger.Warn("audit: publish realtime event", zap.String("scope", scope), zap.Error(err))
	}
}

func expectedSerials(snapshot map[string]ledger.InventoryRecord) []string {
	serials := make([]string, 0, len(snapshot))
	for serial, item := range snapshot {
		if item.Status == ledger.ItemInStore {
			serials = append(serials, serial)
		}
	}
	return serials
}
