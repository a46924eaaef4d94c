package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"

	"github.com/repairtrack/engine/internal/domain"
)

// JobRepo handles persistence for Job records.
type JobRepo struct{}

// CreateTx inserts a new job within an existing transaction.
func (r *JobRepo) CreateTx(ctx context.Context, tx *sql.Tx, job domain.Job) error {
	const q = `INSERT INTO jobs (job_id, current_state, state_entered_at, assignee, version, created_at)
VALUES (?, ?, ?, ?, ?, ?)`
	_, err := tx.ExecContext(ctx, q,
		job.ID,
		string(job.CurrentState),
		toUnix(job.StateEnteredAt),
		job.Assignee,
		job.Version,
		toUnix(job.CreatedAt),
	)
	if err != nil {
		if strings.Contains(err.Error(), "UNIQUE") {
			return domain.Detail(domain.ErrDuplicateJob, "%s", job.ID)
		}
		return fmt.Errorf("create job: %w", err)
	}
	return nil
}

// UpdateStateTx moves a job to a new state using optimistic locking.
// The update only succeeds if the stored version matches job.Version.
func (r *JobRepo) UpdateStateTx(ctx context.Context, tx *sql.Tx, job domain.Job) error {
	const q = `UPDATE jobs SET
		current_state = ?,
		state_entered_at = ?,
		assignee = ?,
		version = version + 1
	WHERE job_id = ? AND version = ?`

	res, err := tx.ExecContext(ctx, q,
		string(job.CurrentState),
		toUnix(job.StateEnteredAt),
		job.Assignee,
		job.ID,
		job.Version,
	)
	if err != nil {
		return fmt.Errorf("update job state: %w", err)
	}

	n, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("check rows affected: %w", err)
	}
	if n == 0 {
		return domain.ErrOptimisticLock
	}
	return nil
}

// SetLastChecklistTx records the job's last-known checklist snapshot.
func (r *JobRepo) SetLastChecklistTx(ctx context.Context, tx *sql.Tx, jobID, snapshotJSON string) error {
	res, err := tx.ExecContext(ctx, `UPDATE jobs SET last_checklist_json = ? WHERE job_id = ?`, snapshotJSON, jobID)
	if err != nil {
		return fmt.Errorf("set last checklist: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("check rows affected: %w", err)
	}
	if n == 0 {
		return domain.Detail(domain.ErrJobNotFound, "%s", jobID)
	}
	return nil
}

// GetByID retrieves a job by its ID.
func (r *JobRepo) GetByID(ctx context.Context, db *sql.DB, jobID string) (*domain.Job, error) {
	const q = `SELECT job_id, current_state, state_entered_at, assignee, version, created_at
FROM jobs WHERE job_id = ?`

	var j domain.Job
	var state string
	var entered, created int64
	err := db.QueryRowContext(ctx, q, jobID).Scan(&j.ID, &state, &entered, &j.Assignee, &j.Version, &created)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, domain.ErrJobNotFound
		}
		return nil, fmt.Errorf("get job: %w", err)
	}
	j.CurrentState = domain.WorkflowState(state)
	j.StateEnteredAt = fromUnix(entered)
	j.CreatedAt = fromUnix(created)
	return &j, nil
}

// List returns all jobs ordered by creation time.
func (r *JobRepo) List(ctx context.Context, db *sql.DB) ([]domain.Job, error) {
	const q = `SELECT job_id, current_state, state_entered_at, assignee, version, created_at
FROM jobs ORDER BY created_at ASC, job_id ASC`

	rows, err := db.QueryContext(ctx, q)
	if err != nil {
		return nil, fmt.Errorf("list jobs: %w", err)
	}
	defer rows.Close()

	var jobs []domain.Job
	for rows.Next() {
		var j domain.Job
		var state string
		var entered, created int64
		if err := rows.Scan(&j.ID, &state, &entered, &j.Assignee, &j.Version, &created); err != nil {
			return nil, fmt.Errorf("scan job: %w", err)
		}
		j.CurrentState = domain.WorkflowState(state)
		j.StateEnteredAt = fromUnix(entered)
		j.CreatedAt = fromUnix(created)
		jobs = append(jobs, j)
	}
	return jobs, rows.Err()
}
