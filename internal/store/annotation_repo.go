package store

import (
	"context"
	"database/sql"
	"fmt"

	"github.com/repairtrack/engine/internal/domain"
)

// AnnotationRepo stores free-text job annotations, including the legacy
// "Status changed to: X" notes older deployments wrote instead of a transition log.
type AnnotationRepo struct{}

// AppendTx inserts an annotation within an existing transaction.
func (r *AnnotationRepo) AppendTx(ctx context.Context, tx *sql.Tx, a domain.Annotation) error {
	const q = `INSERT INTO annotations (id, job_id, text, actor_id, actor_name, occurred_at)
VALUES (?, ?, ?, ?, ?, ?)`
	_, err := tx.ExecContext(ctx, q, a.ID, a.JobID, a.Text, a.ActorID, a.ActorName, toUnix(a.OccurredAt))
	if err != nil {
		return fmt.Errorf("append annotation: %w", err)
	}
	return nil
}

// Record inserts a standalone annotation.
func (r *AnnotationRepo) Record(ctx context.Context, db *sql.DB, a domain.Annotation) error {
	tx, err := db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin tx: %w", err)
	}
	defer tx.Rollback()
	if err := r.AppendTx(ctx, tx, a); err != nil {
		return err
	}
	return tx.Commit()
}

// ListByJob returns a job's annotations newest first.
func (r *AnnotationRepo) ListByJob(ctx context.Context, db *sql.DB, jobID string) ([]domain.Annotation, error) {
	const q = `SELECT id, job_id, text, actor_id, actor_name, occurred_at
FROM annotations
WHERE job_id = ?
ORDER BY occurred_at DESC, rowid DESC`

	rows, err := db.QueryContext(ctx, q, jobID)
	if err != nil {
		return nil, fmt.Errorf("list annotations: %w", err)
	}
	defer rows.Close()

	var out []domain.Annotation
	for rows.Next() {
		var a domain.Annotation
		var at int64
		if err := rows.Scan(&a.ID, &a.JobID, &a.Text, &a.ActorID, &a.ActorName, &at); err != nil {
			return nil, fmt.Errorf("scan annotation: %w", err)
		}
		a.OccurredAt = fromUnix(at)
		out = append(out, a)
	}
	return out, rows.Err()
}
