package store

import (
	"context"
	"database/sql"
	"fmt"

	"github.com/repairtrack/engine/internal/domain"
)

// TransitionRepo handles the append-only structured transition log.
type TransitionRepo struct{}

// AppendTx inserts a transition within an existing transaction.
func (r *TransitionRepo) AppendTx(ctx context.Context, tx *sql.Tx, t domain.Transition) error {
	const q = `INSERT INTO transitions (id, job_id, from_state, to_state, actor_id, actor_name, note, occurred_at)
VALUES (?, ?, ?, ?, ?, ?, ?, ?)`
	_, err := tx.ExecContext(ctx, q,
		t.ID,
		t.JobID,
		string(t.FromState),
		string(t.ToState),
		t.ActorID,
		t.ActorName,
		t.Note,
		toUnix(t.OccurredAt),
	)
	if err != nil {
		return fmt.Errorf("append transition: %w", err)
	}
	return nil
}

// ListByJob returns a job's transitions oldest first.
func (r *TransitionRepo) ListByJob(ctx context.Context, db *sql.DB, jobID string) ([]domain.Transition, error) {
	const q = `SELECT id, job_id, from_state, to_state, actor_id, actor_name, note, occurred_at
FROM transitions
WHERE job_id = ?
ORDER BY occurred_at ASC, rowid ASC`

	rows, err := db.QueryContext(ctx, q, jobID)
	if err != nil {
		return nil, fmt.Errorf("list transitions: %w", err)
	}
	defer rows.Close()

	var out []domain.Transition
	for rows.Next() {
		var t domain.Transition
		var from, to string
		var at int64
		if err := rows.Scan(&t.ID, &t.JobID, &from, &to, &t.ActorID, &t.ActorName, &t.Note, &at); err != nil {
			return nil, fmt.Errorf("scan transition: %w", err)
		}
		t.FromState = domain.WorkflowState(from)
		t.ToState = domain.WorkflowState(to)
		t.OccurredAt = fromUnix(at)
		out = append(out, t)
	}
	return out, rows.Err()
}
