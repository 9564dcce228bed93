package ledger

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"
)

// ErrDuplicateCorrection signals the idempotency insert hit an existing key.
var ErrDuplicateCorrection = errors.New("ledger: duplicate correction key")

// PGLedger implements Port over Postgres.
type PGLedger struct {
	pool *pgxpool.Pool
}

func NewPGLedger(pool *pgxpool.Pool) *PGLedger {
	return &PGLedger{pool: pool}
}

func (l *PGLedger) GetActiveLoans(ctx context.Context) ([]LoanRecord, error) {
	const query = `
        SELECT id, item_id, status, issued_at, returned_at, corrected_by, correction_reason
        FROM loans
        WHERE status IN ('active','overdue')
        ORDER BY issued_at ASC
    `
	rows, err := l.pool.Query(ctx, query)
	if err != nil {
		return nil, fmt.Errorf("ledger: list active loans: %w", err)
	}
	defer rows.Close()

	loans := []LoanRecord{}
	for rows.Next() {
		var rec LoanRecord
		if err := rows.Scan(&rec.ID, &rec.ItemID, &rec.Status, &rec.IssuedAt, &rec.ReturnedAt, &rec.CorrectedBy, &rec.CorrectionReason); err != nil {
			return nil, fmt.Errorf("ledger: scan loan: %w", err)
		}
		loans = append(loans, rec)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("ledger: iterate loans: %w", err)
	}
	return loans, nil
}

func (l *PGLedger) GetInventory(ctx context.Context, itemID string) (InventoryRecord, error) {
	const query = `
        SELECT id, serial, status, last_seen_at
        FROM inventory_items
        WHERE id = $1
    `
	var rec InventoryRecord
	err := l.pool.QueryRow(ctx, query, itemID).Scan(&rec.ID, &rec.Serial, &rec.Status, &rec.LastSeenAt)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return InventoryRecord{}, ErrItemNotFound
		}
		return InventoryRecord{}, fmt.Errorf("ledger: query inventory: %w", err)
	}
	return rec, nil
}

func (l *PGLedger) GetItemSnapshot(ctx context.Context) (map[string]InventoryRecord, error) {
	const query = `
        SELECT id, serial, status, last_seen_at
        FROM inventory_items
        WHERE status <> 'archived'
    `
	rows, err := l.pool.Query(ctx, query)
	if err != nil {
		return nil, fmt.Errorf("ledger: list in-store items: %w", err)
	}
	defer rows.Close()

	set := make(map[string]InventoryRecord)
	for rows.Next() {
		var rec InventoryRecord
		if err := rows.Scan(&rec.ID, &rec.Serial, &rec.Status, &rec.LastSeenAt); err != nil {
			return nil, fmt.Errorf("ledger: scan item: %w", err)
		}
		set[rec.Serial] = rec
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("ledger: iterate items: %w", err)
	}
	return set, nil
}

// ApplyCorrection moves a loan to the corrected status and realigns the
// linked inventory row inside one transaction, appending an immutable
// ledger event. Retries carrying the same idempotency key are no-ops.
func (l *PGLedger) ApplyCorrection(ctx context.Context, params CorrectionParams) (LoanRecord, error) {
	if params.LoanID == "" {
		return LoanRecord{}, fmt.Errorf("ledger: correction missing loan id")
	}
	if params.Reason == "" {
		return LoanRecord{}, fmt.Errorf("ledger: correction missing reason")
	}

	tx, err := l.pool.Begin(ctx)
	if err != nil {
		return LoanRecord{}, fmt.Errorf("ledger: begin tx: %w", err)
	}
	defer tx.Rollback(ctx)

	if params.IdempotencyKey != "" {
		if err := insertIdempotencyKey(ctx, tx, params.IdempotencyKey); err != nil {
			if errors.Is(err, ErrDuplicateCorrection) {
				return l.getLoan(ctx, params.LoanID)
			}
			return LoanRecord{}, err
		}
	}

	var current LoanStatus
	var itemID string
	if err := tx.QueryRow(ctx, `SELECT status, item_id FROM loans WHERE id=$1 FOR UPDATE`, params.LoanID).
		Scan(&current, &itemID); err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return LoanRecord{}, ErrLoanNotFound
		}
		return LoanRecord{}, fmt.Errorf("ledger: lock loan: %w", err)
	}

	if !validTransition(current, params.NewStatus) {
		return LoanRecord{}, fmt.Errorf("%w: %s -> %s", ErrInvalidTransition, current, params.NewStatus)
	}

	var rec LoanRecord
	const updateSQL = `
        UPDATE loans
        SET status = $1,
            returned_at = CASE WHEN $1 = 'returned' THEN now() ELSE returned_at END,
            corrected_by = $2,
            correction_reason = $3,
            updated_at = now()
        WHERE id = $4
        RETURNING id, item_id, status, issued_at, returned_at, corrected_by, correction_reason
    `
	var actor any
	if params.ActorID != "" {
		actor = params.ActorID
	}
	if err := tx.QueryRow(ctx, updateSQL, params.NewStatus, actor, params.Reason, params.LoanID).
		Scan(&rec.ID, &rec.ItemID, &rec.Status, &rec.IssuedAt, &rec.ReturnedAt, &rec.CorrectedBy, &rec.CorrectionReason); err != nil {
		return LoanRecord{}, fmt.Errorf("ledger: update loan: %w", err)
	}

	if _, err := tx.Exec(ctx, `UPDATE inventory_items SET status=$1, updated_at=now() WHERE id=$2`,
		itemStatusFor(params.NewStatus), itemID); err != nil {
		return LoanRecord{}, fmt.Errorf("ledger: realign inventory: %w", err)
	}

	payload := map[string]any{
		"previous_status": current,
		"next_status":     params.NewStatus,
		"reason":          params.Reason,
	}
	if err := appendEvent(ctx, tx, params.LoanID, "LOAN_CORRECTED", params.ActorID, payload); err != nil {
		return LoanRecord{}, err
	}

	if err := tx.Commit(ctx); err != nil {
		return LoanRecord{}, fmt.Errorf("ledger: commit correction: %w", err)
	}
	return rec, nil
}

func (l *PGLedger) getLoan(ctx context.Context, loanID string) (LoanRecord, error) {
	const query = `
        SELECT id, item_id, status, issued_at, returned_at, corrected_by, correction_reason
        FROM loans WHERE id = $1
    `
	var rec LoanRecord
	err := l.pool.QueryRow(ctx, query, loanID).
		Scan(&rec.ID, &rec.ItemID, &rec.Status, &rec.IssuedAt, &rec.ReturnedAt, &rec.CorrectedBy, &rec.CorrectionReason)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return LoanRecord{}, ErrLoanNotFound
		}
		return LoanRecord{}, fmt.Errorf("ledger: fetch loan: %w", err)
	}
	return rec, nil
}

func insertIdempotencyKey(ctx context.Context, tx pgx.Tx, key string) error {
	_, err := tx.Exec(ctx, `INSERT INTO correction_keys (key) VALUES ($1)`, key)
	if err != nil {
		var pgErr *pgconn.PgError
		if errors.As(err, &pgErr) && pgErr.Code == "23505" {
			return ErrDuplicateCorrection
		}
		return fmt.Errorf("ledger: insert correction key: %w", err)
	}
	return nil
}

func appendEvent(ctx context.Context, tx pgx.Tx, loanID, eventType, actorID string, payload map[string]any) error {
	body, err := json.Marshal(payload)
	if err != nil {
		return fmt.Errorf("ledger: marshal event payload: %w", err)
	}
	var actor any
	if actorID != "" {
		actor = actorID
	}
	const q = `INSERT INTO ledger_events (loan_id, type, payload, actor_id) VALUES ($1, $2, $3::jsonb, $4)`
	if _, err := tx.Exec(ctx, q, loanID, eventType, body, actor); err != nil {
		return fmt.Errorf("ledger: append event: %w", err)
	}
	return nil
}
