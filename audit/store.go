package audit

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
)

// ErrSessionNotFound is returned when no session row exists for the identifier.
var ErrSessionNotFound = errors.New("audit: session not found")

// Store persists sessions and their append-only scan results.
type Store interface {
	CreateSession(ctx context.Context, session Session) (Session, error)
	CloseSession(ctx context.Context, id string, closedAt time.Time, scanCount int) (Session, error)
	AppendScan(ctx context.Context, result ScanResult) (ScanResult, error)
	ListScans(ctx context.Context, sessionID string, page, pageSize int) ([]ScanResult, int, error)
}

// PGStore is the Postgres-backed Store.
type PGStore struct {
	pool *pgxpool.Pool
}

func NewPGStore(pool *pgxpool.Pool) *PGStore {
	return &PGStore{pool: pool}
}

func (s *PGStore) CreateSession(ctx context.Context, session Session) (Session, error) {
	const query = `
        INSERT INTO audit_sessions (id, opened_at, status)
        VALUES ($1, $2, 'open')
        RETURNING id, opened_at, closed_at, status, scan_count
    `
	var rec Session
	err := s.pool.QueryRow(ctx, query, session.ID, session.OpenedAt).
		Scan(&rec.ID, &rec.OpenedAt, &rec.ClosedAt, &rec.Status, &rec.ScanCount)
	if err != nil {
		return Session{}, fmt.Errorf("audit: insert session: %w", err)
	}
	return rec, nil
}

func (s *PGStore) CloseSession(ctx context.Context, id string, closedAt time.Time, scanCount int) (Session, error) {
	const query = `
        UPDATE audit_sessions
        SET status = 'closed', closed_at = $2, scan_count = $3
        WHERE id = $1 AND status = 'open'
        RETURNING id, opened_at, closed_at, status, scan_count
    `
	var rec Session
	err := s.pool.QueryRow(ctx, query, id, closedAt, scanCount).
		Scan(&rec.ID, &rec.OpenedAt, &rec.ClosedAt, &rec.Status, &rec.ScanCount)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return Session{}, ErrSessionNotFound
		}
		return Session{}, fmt.Errorf("audit: close session: %w", err)
	}
	return rec, nil
}

func (s *PGStore) AppendScan(ctx context.Context, result ScanResult) (ScanResult, error) {
	const query = `
        INSERT INTO audit_scans (session_id, serial, kind, scanned_at)
        VALUES ($1, $2, $3, $4)
        RETURNING id, session_id, serial, kind, scanned_at
    `
	var rec ScanResult
	err := s.pool.QueryRow(ctx, query, result.SessionID, result.Serial, result.Kind, result.ScannedAt).
		Scan(&rec.ID, &rec.SessionID, &rec.Serial, &rec.Kind, &rec.ScannedAt)
	if err != nil {
		return ScanResult{}, fmt.Errorf("audit: append scan: %w", err)
	}
	return rec, nil
}

func (s *PGStore) ListScans(ctx context.Context, sessionID string, page, pageSize int) ([]ScanResult, int, error) {
	if page <= 0 {
		page = 1
	}
	if pageSize <= 0 || pageSize > 200 {
		pageSize = 50
	}

	const query = `
        SELECT id, session_id, serial, kind, scanned_at
        FROM audit_scans
        WHERE session_id = $1
        ORDER BY id ASC
        LIMIT $2 OFFSET $3
    `
	rows, err := s.pool.Query(ctx, query, sessionID, pageSize, (page-1)*pageSize)
	if err != nil {
		return nil, 0, fmt.Errorf("audit: list scans: %w", err)
	}
	defer rows.Close()

	results := []ScanResult{}
	for rows.Next() {
		var rec ScanResult
		if err := rows.Scan(&rec.ID, &rec.SessionID, &rec.Serial, &rec.Kind, &rec.ScannedAt); err != nil {
			return nil, 0, fmt.Errorf("audit: scan row: %w", err)
		}
		results = append(results, rec)
	}
	if err := rows.Err(); err != nil {
		return nil, 0, fmt.Errorf("audit: iterate scans: %w", err)
	}

	var total int
	if err := s.pool.QueryRow(ctx, `SELECT COUNT(*) FROM audit_scans WHERE session_id=$1`, sessionID).Scan(&total); err != nil {
		return nil, 0, fmt.Errorf("audit: count scans: %w", err)
	}
	return results, total, nil
}
