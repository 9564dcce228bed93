package oracles

import (
	"context"
	"fmt"

	"github.com/jackc/pgx/v5/pgxpool"
)

type Oracle struct {
	Name string
	SQL  string
}

func All() []Oracle {
	return []Oracle{
		{
			Name: "O1_single_open_session",
			SQL: `SELECT COUNT(*) FROM audit_sessions
                  WHERE status = 'open' HAVING COUNT(*) > 1`,
		},
		{
			Name: "O2_closed_session_shape",
			SQL: `SELECT id FROM audit_sessions
                  WHERE status = 'closed' AND closed_at IS NULL`,
		},
		{
			Name: "O3_scan_repeat_classification",
			SQL: `SELECT session_id, serial FROM audit_scans
                  WHERE kind NOT IN ('duplicate','not_found')
                  GROUP BY session_id, serial HAVING COUNT(*) > 1`,
		},
		{
			Name: "O4_escalation_bounds",
			SQL: `SELECT id FROM sla_tracking
                  WHERE escalation_level < 0
                     OR (status = 'active' AND escalation_level <> 0)
                     OR (escalation_level > 0 AND last_notified_at IS NULL)`,
		},
		{
			Name: "O5_approval_terminal_shape",
			SQL: `SELECT id FROM movement_approvals
                  WHERE (status = 'approved' AND approved_by IS NULL)
                     OR (status <> 'approved' AND approved_by IS NOT NULL)`,
		},
		{
			Name: "O6_no_pending_under_terminal_instance",
			SQL: `SELECT a.id FROM movement_approvals a
                  JOIN workflow_instances i ON i.id = a.instance_id
                  WHERE a.status = 'pending' AND i.status <> 'running'`,
		},
		{
			Name: "O7_instance_step_bounds",
			SQL: `SELECT i.id FROM workflow_instances i
                  WHERE i.current_step < 0
                     OR i.current_step > (SELECT COALESCE(MAX(seq), 0)
                                          FROM workflow_steps s
                                          WHERE s.reason_id = i.reason_id)`,
		},
		{
			Name: "O8_sold_loans_stay_sold",
			SQL: `SELECT e.loan_id FROM ledger_events e
                  JOIN ledger_events later
                    ON later.loan_id = e.loan_id AND later.id > e.id
                  WHERE e.type = 'LOAN_CORRECTED'
                    AND e.payload->>'next_status' = 'sold'
                    AND later.type = 'LOAN_CORRECTED'
                    AND later.payload->>'next_status' <> 'sold'`,
		},
	}
}

// Run executes all oracles and returns the first failure (name and a
// sample row) or an empty name when every invariant holds.
func Run(ctx context.Context, pool *pgxpool.Pool) (string, string, error) {
	for _, o := range All() {
		rows, err := pool.Query(ctx, o.SQL)
		if err != nil {
			return o.Name, "", fmt.Errorf("oracle %s: %w", o.Name, err)
		}
		has := rows.Next()
		if has {
			vals, err := rows.Values()
			rows.Close()
			if err != nil {
				return o.Name, "", err
			}
			return o.Name, fmt.Sprintf("%v", vals), nil
		}
		rows.Close()
	}
	return "", "", nil
}
