package workflow

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
)

var (
	// ErrInstanceNotFound is returned when no instance row exists.
	ErrInstanceNotFound = errors.New("workflow: instance not found")
	// ErrInstanceTerminal rejects transitions on completed/cancelled instances.
	ErrInstanceTerminal = errors.New("workflow: instance already terminal")
	// ErrApprovalNotFound is returned when no approval row exists.
	ErrApprovalNotFound = errors.New("workflow: approval not found")
	// ErrAlreadyResolved signals a decision against a terminal approval.
	// The resolution is an idempotent no-op; the sentinel is for caller
	// visibility only.
	ErrAlreadyResolved = errors.New("workflow: approval already resolved")
)

// Store persists workflow instances and movement approvals.
type Store interface {
	CreateInstance(ctx context.Context, instance Instance) (Instance, error)
	GetInstance(ctx context.Context, id string) (Instance, error)
	SetInstanceStep(ctx context.Context, id string, step int) (Instance, error)
	FinishInstance(ctx context.Context, id string, status InstanceStatus) (Instance, error)

	CreateApproval(ctx context.Context, approval Approval) (Approval, error)
	GetApproval(ctx context.Context, id string) (Approval, error)
	ResolveApproval(ctx context.Context, id string, status ApprovalStatus, approvedBy *string) (Approval, error)
	// ListExpiredPending returns pending approvals strictly past their
	// deadline; a resolution arriving at exactly expires_at still wins.
	ListExpiredPending(ctx context.Context, now time.Time) ([]Approval, error)
}

const (
	instanceColumns = `id, reason_id, loan_id, current_step, status, created_at, updated_at`
	approvalColumns = `id, loan_id, instance_id, step_seq, required_role, status, approved_by, expires_at, created_at`
)

// PGStore is the Postgres-backed Store.
type PGStore struct {
	pool *pgxpool.Pool
}

func NewPGStore(pool *pgxpool.Pool) *PGStore {
	return &PGStore{pool: pool}
}

func scanInstance(row pgx.Row) (Instance, error) {
	var rec Instance
	err := row.Scan(&rec.ID, &rec.ReasonID, &rec.LoanID, &rec.CurrentStep, &rec.Status, &rec.CreatedAt, &rec.UpdatedAt)
	return rec, err
}

func scanApproval(row pgx.Row) (Approval, error) {
	var rec Approval
	err := row.Scan(&rec.ID, &rec.LoanID, &rec.InstanceID, &rec.StepSeq, &rec.RequiredRole, &rec.Status, &rec.ApprovedBy, &rec.ExpiresAt, &rec.CreatedAt)
	return rec, err
}

func (s *PGStore) CreateInstance(ctx context.Context, instance Instance) (Instance, error) {
	query := `
        INSERT INTO workflow_instances (id, reason_id, loan_id, current_step, status)
        VALUES ($1, $2, $3, 0, 'running')
        RETURNING ` + instanceColumns
	rec, err := scanInstance(s.pool.QueryRow(ctx, query, instance.ID, instance.ReasonID, instance.LoanID))
	if err != nil {
		return Instance{}, fmt.Errorf("workflow: insert instance: %w", err)
	}
	return rec, nil
}

func (s *PGStore) GetInstance(ctx context.Context, id string) (Instance, error) {
	query := `SELECT ` + instanceColumns + ` FROM workflow_instances WHERE id = $1`
	rec, err := scanInstance(s.pool.QueryRow(ctx, query, id))
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return Instance{}, ErrInstanceNotFound
		}
		return Instance{}, fmt.Errorf("workflow: query instance: %w", err)
	}
	return rec, nil
}

func (s *PGStore) SetInstanceStep(ctx context.Context, id string, step int) (Instance, error) {
	query := `
        UPDATE workflow_instances
        SET current_step = $2, updated_at = now()
        WHERE id = $1 AND status = 'running'
        RETURNING ` + instanceColumns
	rec, err := scanInstance(s.pool.QueryRow(ctx, query, id, step))
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return s.instanceConflict(ctx, id)
		}
		return Instance{}, fmt.Errorf("workflow: set instance step: %w", err)
	}
	return rec, nil
}

func (s *PGStore) FinishInstance(ctx context.Context, id string, status InstanceStatus) (Instance, error) {
	query := `
        UPDATE workflow_instances
        SET status = $2, updated_at = now()
        WHERE id = $1 AND status = 'running'
        RETURNING ` + instanceColumns
	rec, err := scanInstance(s.pool.QueryRow(ctx, query, id, status))
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return s.instanceConflict(ctx, id)
		}
		return Instance{}, fmt.Errorf("workflow: finish instance: %w", err)
	}
	return rec, nil
}

func (s *PGStore) instanceConflict(ctx context.Context, id string) (Instance, error) {
	var status InstanceStatus
	if err := s.pool.QueryRow(ctx, `SELECT status FROM workflow_instances WHERE id=$1`, id).Scan(&status); err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return Instance{}, ErrInstanceNotFound
		}
		return Instance{}, fmt.Errorf("workflow: instance conflict fetch: %w", err)
	}
	return Instance{}, ErrInstanceTerminal
}

func (s *PGStore) CreateApproval(ctx context.Context, approval Approval) (Approval, error) {
	query := `
        INSERT INTO movement_approvals (id, loan_id, instance_id, step_seq, required_role, status, expires_at)
        VALUES ($1, $2, $3, $4, $5, 'pending', $6)
        RETURNING ` + approvalColumns
	rec, err := scanApproval(s.pool.QueryRow(ctx, query,
		approval.ID, approval.LoanID, approval.InstanceID, approval.StepSeq, approval.RequiredRole, approval.ExpiresAt))
	if err != nil {
		return Approval{}, fmt.Errorf("workflow: insert approval: %w", err)
	}
	return rec, nil
}

func (s *PGStore) GetApproval(ctx context.Context, id string) (Approval, error) {
	query := `SELECT ` + approvalColumns + ` FROM movement_approvals WHERE id = $1`
	rec, err := scanApproval(s.pool.QueryRow(ctx, query, id))
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return Approval{}, ErrApprovalNotFound
		}
		return Approval{}, fmt.Errorf("workflow: query approval: %w", err)
	}
	return rec, nil
}

// ResolveApproval flips a pending approval to a terminal status. The
// WHERE guard makes concurrent resolutions race-safe: the loser observes
// ErrAlreadyResolved instead of overwriting the winner.
func (s *PGStore) ResolveApproval(ctx context.Context, id string, status ApprovalStatus, approvedBy *string) (Approval, error) {
	query := `
        UPDATE movement_approvals
        SET status = $2, approved_by = $3
        WHERE id = $1 AND status = 'pending'
        RETURNING ` + approvalColumns
	rec, err := scanApproval(s.pool.QueryRow(ctx, query, id, status, approvedBy))
	if err == nil {
		return rec, nil
	}
	if !errors.Is(err, pgx.ErrNoRows) {
		return Approval{}, fmt.Errorf("workflow: resolve approval: %w", err)
	}

	existing, err := s.GetApproval(ctx, id)
	if err != nil {
		return Approval{}, err
	}
	return existing, ErrAlreadyResolved
}

func (s *PGStore) ListExpiredPending(ctx context.Context, now time.Time) ([]Approval, error) {
	query := `
        SELECT ` + approvalColumns + `
        FROM movement_approvals
        WHERE status = 'pending' AND expires_at < $1
        ORDER BY expires_at ASC
    `
	rows, err := s.pool.Query(ctx, query, now)
	if err != nil {
		return nil, fmt.Errorf("workflow: list expired approvals: %w", err)
	}
	defer rows.Close()

	out := []Approval{}
	for rows.Next() {
		rec, err := scanApproval(rows)
		if err != nil {
			return nil, fmt.Errorf("workflow: scan approval: %w", err)
		}
		out = append(out, rec)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("workflow: iterate approvals: %w", err)
	}
	return out, nil
}
