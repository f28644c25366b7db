package store

import (
	"context"
	"fmt"
)

// Admin reset flips work orphaned by a crashed process to a terminal state.
// Runs and reviews become failed, cycles become failed, pending CI checks are
// deleted outright since a fresh poll recreates them.

const ResetReason = "reset by admin"

// ResetTables lists the tables the admin reset operates on, in reset order.
var ResetTables = []string{"runs", "reviews", "cycle-states", "ci-checks"}

// StuckRow describes one non-terminal record eligible for reset.
type StuckRow struct {
	Table  string
	ID     string
	TaskID string
	Status string
}

// FindStuck returns the non-terminal rows of one table without changing them.
func (s *Postgres) FindStuck(ctx context.Context, table string) ([]StuckRow, error) {
	query, ok := stuckQueries[table]
	if !ok {
		return nil, fmt.Errorf("unknown reset table %q", table)
	}
	rows, err := s.pool.Query(ctx, query)
	if err != nil {
		return nil, fmt.Errorf("find stuck %s: %w", table, err)
	}
	defer rows.Close()

	var out []StuckRow
	for rows.Next() {
		row := StuckRow{Table: table}
		if err := rows.Scan(&row.ID, &row.TaskID, &row.Status); err != nil {
			return nil, fmt.Errorf("scan stuck %s: %w", table, err)
		}
		out = append(out, row)
	}
	return out, rows.Err()
}

// ResetStuck flips the non-terminal rows of one table and returns how many
// it touched.
func (s *Postgres) ResetStuck(ctx context.Context, table string) (int64, error) {
	if table == "ci-checks" {
		tag, err := s.pool.Exec(ctx, `DELETE FROM forge_ci_checks WHERE result = 'pending'`)
		if err != nil {
			return 0, fmt.Errorf("reset stuck ci-checks: %w", err)
		}
		return tag.RowsAffected(), nil
	}
	query, ok := resetQueries[table]
	if !ok {
		return 0, fmt.Errorf("unknown reset table %q", table)
	}
	tag, err := s.pool.Exec(ctx, query, ResetReason)
	if err != nil {
		return 0, fmt.Errorf("reset stuck %s: %w", table, err)
	}
	return tag.RowsAffected(), nil
}

var stuckQueries = map[string]string{
	"runs":         `SELECT id, task_id, status FROM forge_runs WHERE status IN ('queued', 'running') ORDER BY created_at`,
	"reviews":      `SELECT id, task_id, status FROM forge_reviews WHERE status IN ('queued', 'running') ORDER BY created_at`,
	"cycle-states": `SELECT task_id, task_id, phase FROM forge_cycle_states WHERE phase NOT IN ('completed', 'failed') ORDER BY started_at`,
	"ci-checks":    `SELECT id, task_id, result FROM forge_ci_checks WHERE result = 'pending' ORDER BY created_at`,
}

var resetQueries = map[string]string{
	"runs": `UPDATE forge_runs
		SET status = 'failed', error = $1, completed_at = now()
		WHERE status IN ('queued', 'running')`,
	"reviews": `UPDATE forge_reviews
		SET status = 'failed', error = $1, completed_at = now()
		WHERE status IN ('queued', 'running')`,
	"cycle-states": `UPDATE forge_cycle_states
		SET phase = 'failed', error = $1, last_activity_at = now()
		WHERE phase NOT IN ('completed', 'failed')`,
}
