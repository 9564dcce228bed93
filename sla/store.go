package sla

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
)

var (
	// ErrTrackingNotFound is returned when no tracking row exists.
	ErrTrackingNotFound = errors.New("sla: tracking not found")
	// ErrAlreadyResolved signals a resolve against a terminal row.
	ErrAlreadyResolved = errors.New("sla: tracking already resolved")
)

// Store persists SLA tracking rows.
type Store interface {
	Create(ctx context.Context, tracking Tracking) (Tracking, error)
	GetByInstance(ctx context.Context, instanceID string) (Tracking, error)
	ListUnresolved(ctx context.Context) ([]Tracking, error)
	MarkOverdue(ctx context.Context, id string, level int, notifiedAt time.Time) (Tracking, error)
	Escalate(ctx context.Context, id string, level int, notifiedAt time.Time) (Tracking, error)
	Resolve(ctx context.Context, id string, status Status) (Tracking, error)
}

const trackingColumns = `id, loan_id, reason_id, instance_id, sla_start_time, estimated_completion, status, escalation_level, last_notified_at`

// PGStore is the Postgres-backed Store.
type PGStore struct {
	pool *pgxpool.Pool
}

func NewPGStore(pool *pgxpool.Pool) *PGStore {
	return &PGStore{pool: pool}
}

func scanTracking(row pgx.Row) (Tracking, error) {
	var rec Tracking
	err := row.Scan(&rec.ID, &rec.LoanID, &rec.ReasonID, &rec.InstanceID, &rec.StartAt,
		&rec.EstimatedCompletion, &rec.Status, &rec.EscalationLevel, &rec.LastNotifiedAt)
	return rec, err
}

func (s *PGStore) Create(ctx context.Context, tracking Tracking) (Tracking, error) {
	query := `
        INSERT INTO sla_tracking (id, loan_id, reason_id, instance_id, sla_start_time, estimated_completion, status, escalation_level)
        VALUES ($1, $2, $3, $4, $5, $6, 'active', 0)
        RETURNING ` + trackingColumns
	rec, err := scanTracking(s.pool.QueryRow(ctx, query,
		tracking.ID, tracking.LoanID, tracking.ReasonID, tracking.InstanceID,
		tracking.StartAt, tracking.EstimatedCompletion))
	if err != nil {
		return Tracking{}, fmt.Errorf("sla: insert tracking: %w", err)
	}
	return rec, nil
}

func (s *PGStore) GetByInstance(ctx context.Context, instanceID string) (Tracking, error) {
	query := `SELECT ` + trackingColumns + ` FROM sla_tracking WHERE instance_id = $1`
	rec, err := scanTracking(s.pool.QueryRow(ctx, query, instanceID))
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return Tracking{}, ErrTrackingNotFound
		}
		return Tracking{}, fmt.Errorf("sla: query tracking: %w", err)
	}
	return rec, nil
}

func (s *PGStore) ListUnresolved(ctx context.Context) ([]Tracking, error) {
	query := `
        SELECT ` + trackingColumns + `
        FROM sla_tracking
        WHERE status IN ('active','overdue')
        ORDER BY estimated_completion ASC
    `
	rows, err := s.pool.Query(ctx, query)
	if err != nil {
		return nil, fmt.Errorf("sla: list unresolved: %w", err)
	}
	defer rows.Close()

	out := []Tracking{}
	for rows.Next() {
		rec, err := scanTracking(rows)
		if err != nil {
			return nil, fmt.Errorf("sla: scan tracking: %w", err)
		}
		out = append(out, rec)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("sla: iterate tracking: %w", err)
	}
	return out, nil
}

func (s *PGStore) MarkOverdue(ctx context.Context, id string, level int, notifiedAt time.Time) (Tracking, error) {
	query := `
        UPDATE sla_tracking
        SET status = 'overdue', escalation_level = $2, last_notified_at = $3
        WHERE id = $1 AND status = 'active'
        RETURNING ` + trackingColumns
	rec, err := scanTracking(s.pool.QueryRow(ctx, query, id, level, notifiedAt))
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return Tracking{}, ErrTrackingNotFound
		}
		return Tracking{}, fmt.Errorf("sla: mark overdue: %w", err)
	}
	return rec, nil
}

func (s *PGStore) Escalate(ctx context.Context, id string, level int, notifiedAt time.Time) (Tracking, error) {
	// The guard keeps escalation monotone even under concurrent ticks.
	query := `
        UPDATE sla_tracking
        SET escalation_level = $2, last_notified_at = $3
        WHERE id = $1 AND status = 'overdue' AND escalation_level < $2
        RETURNING ` + trackingColumns
	rec, err := scanTracking(s.pool.QueryRow(ctx, query, id, level, notifiedAt))
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return Tracking{}, ErrTrackingNotFound
		}
		return Tracking{}, fmt.Errorf("sla: escalate: %w", err)
	}
	return rec, nil
}

func (s *PGStore) Resolve(ctx context.Context, id string, status Status) (Tracking, error) {
	query := `
        UPDATE sla_tracking
        SET status = $2
        WHERE id = $1 AND status IN ('active','overdue')
        RETURNING ` + trackingColumns
	rec, err := scanTracking(s.pool.QueryRow(ctx, query, id, status))
	if err == nil {
		return rec, nil
	}
	if !errors.Is(err, pgx.ErrNoRows) {
		return Tracking{}, fmt.Errorf("sla: resolve: %w", err)
	}

	var current Status
	if err := s.pool.QueryRow(ctx, `SELECT status FROM sla_tracking WHERE id=$1`, id).Scan(&current); err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return Tracking{}, ErrTrackingNotFound
		}
		return Tracking{}, fmt.Errorf("sla: resolve fetch: %w", err)
	}
	return Tracking{}, ErrAlreadyResolved
}
