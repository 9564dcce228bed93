package monitor

import (
	"context"
	"fmt"

	"github.com/jackc/pgx/v5/pgxpool"

	"assetflow/cache"
)

// PGHistory persists observed inconsistency facts as an append-only log.
// The live set stays derived per poll; this log is the queryable record
// of what was observed and when.
type PGHistory struct {
	pool  *pgxpool.Pool
	pages *cache.Cache[string, []Inconsistency]
}

func NewPGHistory(pool *pgxpool.Pool, pages *cache.Cache[string, []Inconsistency]) *PGHistory {
	return &PGHistory{pool: pool, pages: pages}
}

func (h *PGHistory) Record(ctx context.Context, fact Inconsistency) error {
	const query = `
        INSERT INTO inconsistency_events (loan_id, item_id, kind, detected_at)
        VALUES ($1, $2, $3, $4)
    `
	if _, err := h.pool.Exec(ctx, query, fact.LoanID, fact.ItemID, fact.Kind, fact.DetectedAt); err != nil {
		return fmt.Errorf("monitor: insert inconsistency event: %w", err)
	}
	return nil
}

// Page reads one page of the history log, newest first, through the
// bounded TTL cache when one is wired.
func (h *PGHistory) Page(ctx context.Context, page, pageSize int) ([]Inconsistency, error) {
	if page <= 0 {
		page = 1
	}
	if pageSize <= 0 || pageSize > 200 {
		pageSize = 50
	}

	key := fmt.Sprintf("history:%d:%d", page, pageSize)
	if h.pages != nil {
		if cached, ok := h.pages.Get(key); ok {
			return cached, nil
		}
	}

	const query = `
        SELECT loan_id, item_id, kind, detected_at
        FROM inconsistency_events
        ORDER BY detected_at DESC, id DESC
        LIMIT $1 OFFSET $2
    `
	rows, err := h.pool.Query(ctx, query, pageSize, (page-1)*pageSize)
	if err != nil {
		return nil, fmt.Errorf("monitor: list history: %w", err)
	}
	defer rows.Close()

	facts := []Inconsistency{}
	for rows.Next() {
		var fact Inconsistency
		if err := rows.Scan(&fact.LoanID, &fact.ItemID, &fact.Kind, &fact.DetectedAt); err != nil {
			return nil, fmt.Errorf("monitor: scan history row: %w", err)
		}
		facts = append(facts, fact)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("monitor: iterate history: %w", err)
	}

	if h.pages != nil {
		h.pages.Set(key, facts)
	}
	return facts, nil
}
