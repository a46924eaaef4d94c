package store

import (
	"context"
	"database/sql"
	"fmt"

	"github.com/repairtrack/engine/internal/domain"
)

// NotificationRepo keeps a durable record of dispatched notifications. It
// satisfies notify.Recorder. Read state is not persisted; it lives in the
// dispatcher.
type NotificationRepo struct {
	DB *sql.DB
}

// SaveNotification inserts n.
func (r *NotificationRepo) SaveNotification(ctx context.Context, n domain.Notification) error {
	const q = `INSERT INTO notifications (id, job_id, state, severity, title, message, created_at)
VALUES (?, ?, ?, ?, ?, ?, ?)`
	_, err := r.DB.ExecContext(ctx, q,
		n.ID,
		n.JobID,
		string(n.State),
		string(n.Severity),
		n.Title,
		n.Message,
		toUnix(n.CreatedAt),
	)
	if err != nil {
		return fmt.Errorf("save notification: %w", err)
	}
	return nil
}

// ListByJob returns a job's notifications newest first.
func (r *NotificationRepo) ListByJob(ctx context.Context, jobID string) ([]domain.Notification, error) {
	const q = `SELECT id, job_id, state, severity, title, message, created_at
FROM notifications
WHERE job_id = ?
ORDER BY created_at DESC, rowid DESC`

	rows, err := r.DB.QueryContext(ctx, q, jobID)
	if err != nil {
		return nil, fmt.Errorf("list notifications: %w", err)
	}
	defer rows.Close()

	var out []domain.Notification
	for rows.Next() {
		var n domain.Notification
		var state, severity string
		var at int64
		if err := rows.Scan(&n.ID, &n.JobID, &state, &severity, &n.Title, &n.Message, &at); err != nil {
			return nil, fmt.Errorf("scan notification: %w", err)
		}
		n.State = domain.WorkflowState(state)
		n.Severity = domain.Severity(severity)
		n.CreatedAt = fromUnix(at)
		out = append(out, n)
	}
	return out, rows.Err()
}
