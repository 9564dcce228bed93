package audit

import "time"

// SessionStatus is the lifecycle state of a physical audit.
type SessionStatus string

const (
	SessionOpen   SessionStatus = "open"
	SessionClosed SessionStatus = "closed"
)

// ResultKind classifies one physical scan against the expected ledger state.
type ResultKind string

const (
	// FoundExpected: the asset was expected in store and is in store.
	FoundExpected ResultKind = "found_expected"
	// UnexpectedPresent: the scanned serial is unknown to the ledger snapshot.
	UnexpectedPresent ResultKind = "unexpected_present"
	// Duplicate: the serial was already scanned in this session.
	Duplicate ResultKind = "duplicate"
	// StatusIncongruent: the ledger says the asset should not be physically
	// present (loaned or sold) yet it was scanned in the store.
	StatusIncongruent ResultKind = "status_incongruent"
	// NotFound: the asset was expected in store but never scanned. Assigned
	// at session close, not at scan time.
	NotFound ResultKind = "not_found"
)

// Session mirrors the audit_sessions table.
type Session struct {
	ID        string
	OpenedAt  time.Time
	ClosedAt  *time.Time
	Status    SessionStatus
	ScanCount int
}

// ScanResult is one immutable classified scan within a session.
type ScanResult struct {
	ID        int64
	SessionID string
	Serial    string
	Kind      ResultKind
	ScannedAt time.Time
}

// Summary aggregates a closed session.
type Summary struct {
	Session  Session
	Counts   map[ResultKind]int
	NotFound []string
}
