package workflow

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
)

// ErrReasonUnknown is returned for a reason id with no definition.
var ErrReasonUnknown = errors.New("workflow: unknown reason")

// DefinitionSource supplies reason metadata and ordered step definitions.
// It is externally owned; the scheduler only reads it.
type DefinitionSource interface {
	Reason(ctx context.Context, reasonID string) (Reason, error)
	StepsFor(ctx context.Context, reasonID string) ([]StepDefinition, error)
}

// PGDefinitions reads definitions from the workflow_reasons and
// workflow_steps tables.
type PGDefinitions struct {
	pool *pgxpool.Pool
}

func NewPGDefinitions(pool *pgxpool.Pool) *PGDefinitions {
	return &PGDefinitions{pool: pool}
}

func (d *PGDefinitions) Reason(ctx context.Context, reasonID string) (Reason, error) {
	const query = `SELECT id, label, timeout_seconds FROM workflow_reasons WHERE id = $1`
	var rec Reason
	var timeoutSeconds int64
	err := d.pool.QueryRow(ctx, query, reasonID).Scan(&rec.ID, &rec.Label, &timeoutSeconds)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return Reason{}, ErrReasonUnknown
		}
		return Reason{}, fmt.Errorf("workflow: query reason: %w", err)
	}
	rec.Timeout = time.Duration(timeoutSeconds) * time.Second
	return rec, nil
}

func (d *PGDefinitions) StepsFor(ctx context.Context, reasonID string) ([]StepDefinition, error) {
	const query = `
        SELECT reason_id, seq, type, required_role, timeout_seconds, fallback_seq, message
        FROM workflow_steps
        WHERE reason_id = $1
        ORDER BY seq ASC
    `
	rows, err := d.pool.Query(ctx, query, reasonID)
	if err != nil {
		return nil, fmt.Errorf("workflow: list steps: %w", err)
	}
	defer rows.Close()

	steps := []StepDefinition{}
	for rows.Next() {
		var step StepDefinition
		var timeoutSeconds int64
		if err := rows.Scan(&step.ReasonID, &step.Seq, &step.Type, &step.RequiredRole, &timeoutSeconds, &step.FallbackSeq, &step.Message); err != nil {
			return nil, fmt.Errorf("workflow: scan step: %w", err)
		}
		step.Timeout = time.Duration(timeoutSeconds) * time.Second
		steps = append(steps, step)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("workflow: iterate steps: %w", err)
	}
	return steps, nil
}

// StaticDefinitions serves definitions from memory. Tests and hosts with
// code-defined workflows use it.
type StaticDefinitions struct {
	Reasons map[string]Reason
	Steps   map[string][]StepDefinition
}

func (s StaticDefinitions) Reason(_ context.Context, reasonID string) (Reason, error) {
	reason, ok := s.Reasons[reasonID]
	if !ok {
		return Reason{}, ErrReasonUnknown
	}
	return reason, nil
}

func (s StaticDefinitions) StepsFor(_ context.Context, reasonID string) ([]StepDefinition, error) {
	return s.Steps[reasonID], nil
}
