package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/repairtrack/engine/internal/domain"
)

// ChecklistResultRepo persists checklist snapshots, one row per job and
// template. It satisfies checklist.ResultStore.
type ChecklistResultRepo struct {
	DB   *sql.DB
	Jobs *JobRepo
}

// NewChecklistResultRepo creates a ChecklistResultRepo on db.
func NewChecklistResultRepo(db *sql.DB) *ChecklistResultRepo {
	return &ChecklistResultRepo{DB: db, Jobs: &JobRepo{}}
}

// UpsertChecklistResult writes snap and the job's last-known checklist in one
// transaction. A non-nil current is consulted just before commit; when it
// reports false the transaction rolls back with ErrStaleSave.
func (r *ChecklistResultRepo) UpsertChecklistResult(ctx context.Context, snap domain.ChecklistSnapshot, current func() bool) error {
	body, err := json.Marshal(snap)
	if err != nil {
		return fmt.Errorf("marshal snapshot: %w", err)
	}

	tx, err := r.DB.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin tx: %w", err)
	}
	defer tx.Rollback()

	if err := r.SaveTx(ctx, tx, snap, string(body)); err != nil {
		return err
	}
	if err := r.Jobs.SetLastChecklistTx(ctx, tx, snap.JobID, string(body)); err != nil {
		return err
	}
	if current != nil && !current() {
		return domain.ErrStaleSave
	}
	return tx.Commit()
}

// SaveTx upserts a snapshot row within an existing transaction.
func (r *ChecklistResultRepo) SaveTx(ctx context.Context, tx *sql.Tx, snap domain.ChecklistSnapshot, body string) error {
	var completedAt int64
	if snap.CompletedAt != nil {
		completedAt = toUnix(*snap.CompletedAt)
	}

	const q = `INSERT INTO checklist_results (job_id, template_id, overall_status, can_proceed, snapshot_json, completed_at, saved_at)
VALUES (?, ?, ?, ?, ?, ?, ?)
ON CONFLICT(job_id, template_id) DO UPDATE SET
	overall_status = excluded.overall_status,
	can_proceed = excluded.can_proceed,
	snapshot_json = excluded.snapshot_json,
	completed_at = excluded.completed_at,
	saved_at = excluded.saved_at`
	_, err := tx.ExecContext(ctx, q,
		snap.JobID,
		snap.TemplateID,
		string(snap.OverallStatus),
		snap.Progress.CanProceed,
		body,
		completedAt,
		toUnix(snap.TakenAt),
	)
	if err != nil {
		return fmt.Errorf("save checklist result: %w", err)
	}
	return nil
}

// GetLatest returns the most recently saved snapshot for a job, or nil if the
// job has none.
func (r *ChecklistResultRepo) GetLatest(ctx context.Context, jobID string) (*domain.ChecklistSnapshot, error) {
	const q = `SELECT snapshot_json FROM checklist_results
WHERE job_id = ?
ORDER BY saved_at DESC, rowid DESC
LIMIT 1`

	var body string
	err := r.DB.QueryRowContext(ctx, q, jobID).Scan(&body)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, nil
		}
		return nil, fmt.Errorf("get latest checklist result: %w", err)
	}

	var snap domain.ChecklistSnapshot
	if err := json.Unmarshal([]byte(body), &snap); err != nil {
		return nil, fmt.Errorf("unmarshal snapshot: %w", err)
	}
	return &snap, nil
}
