package repo

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"time"

	"github.com/LeventeLantos/bulk-dispatch/internal/model"
)

type PostgresJobRepo struct {
	db *sql.DB
}

func NewPostgresJobRepo(db *sql.DB) *PostgresJobRepo {
	return &PostgresJobRepo{db: db}
}

func (r *PostgresJobRepo) Save(ctx context.Context, job *model.Job) error {
	handles, err := json.Marshal(job.IdentityHandles)
	if err != nil {
		return err
	}
	errorLog, err := json.Marshal(job.ErrorLog)
	if err != nil {
		return err
	}

	_, err = r.db.ExecContext(ctx, `
		INSERT INTO jobs (
			id, name, template_id, recipient_set_id, identity_handles,
			status, total_targets, sent_count, success_count, failed_count,
			skipped_count, next_target, identity_cursor,
			created_at, started_at, completed_at, scheduled_at, error_log
		) VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11,$12,$13,$14,$15,$16,$17,$18)
		ON CONFLICT (id) DO UPDATE SET
			name = EXCLUDED.name,
			status = EXCLUDED.status,
			total_targets = EXCLUDED.total_targets,
			sent_count = EXCLUDED.sent_count,
			success_count = EXCLUDED.success_count,
			failed_count = EXCLUDED.failed_count,
			skipped_count = EXCLUDED.skipped_count,
			next_target = EXCLUDED.next_target,
			identity_cursor = EXCLUDED.identity_cursor,
			started_at = EXCLUDED.started_at,
			completed_at = EXCLUDED.completed_at,
			scheduled_at = EXCLUDED.scheduled_at,
			error_log = EXCLUDED.error_log
	`,
		job.ID, job.Name, job.TemplateID, job.RecipientSetID, handles,
		string(job.Status), job.TotalTargets, job.SentCount, job.SuccessCount,
		job.FailedCount, job.SkippedCount, job.NextTarget, job.IdentityCursor,
		job.CreatedAt, nullTime(job.StartedAt), nullTime(job.CompletedAt),
		nullTime(job.ScheduledAt), errorLog,
	)
	return err
}

func (r *PostgresJobRepo) Get(ctx context.Context, id string) (*model.Job, error) {
	row := r.db.QueryRowContext(ctx, jobSelect+` WHERE id = $1`, id)
	job, err := scanJob(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	return job, err
}

func (r *PostgresJobRepo) List(ctx context.Context) ([]model.Job, error) {
	rows, err := r.db.QueryContext(ctx, jobSelect+` ORDER BY created_at DESC`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []model.Job
	for rows.Next() {
		job, err := scanJob(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, *job)
	}
	return out, rows.Err()
}

func (r *PostgresJobRepo) Delete(ctx context.Context, id string) error {
	res, err := r.db.ExecContext(ctx, `DELETE FROM jobs WHERE id = $1`, id)
	if err != nil {
		return err
	}
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		return ErrNotFound
	}
	return nil
}

func (r *PostgresJobRepo) ListDueScheduled(ctx context.Context, now time.Time) ([]model.Job, error) {
	rows, err := r.db.QueryContext(ctx, jobSelect+`
		WHERE status = 'pending'
		  AND scheduled_at IS NOT NULL
		  AND scheduled_at <= $1
		ORDER BY scheduled_at ASC
	`, now)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []model.Job
	for rows.Next() {
		job, err := scanJob(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, *job)
	}
	return out, rows.Err()
}

func (r *PostgresJobRepo) MarkInterrupted(ctx context.Context) (int64, error) {
	res, err := r.db.ExecContext(ctx, `
		UPDATE jobs SET status = 'paused' WHERE status = 'running'
	`)
	if err != nil {
		return 0, err
	}
	return res.RowsAffected()
}

const jobSelect = `
	SELECT id, name, template_id, recipient_set_id, identity_handles,
	       status, total_targets, sent_count, success_count, failed_count,
	       skipped_count, next_target, identity_cursor,
	       created_at, started_at, completed_at, scheduled_at, error_log
	FROM jobs`

type rowScanner interface {
	Scan(dest ...any) error
}

func scanJob(row rowScanner) (*model.Job, error) {
	var j model.Job
	var status string
	var handles, errorLog []byte
	var startedAt, completedAt, scheduledAt sql.NullTime

	if err := row.Scan(
		&j.ID, &j.Name, &j.TemplateID, &j.RecipientSetID, &handles,
		&status, &j.TotalTargets, &j.SentCount, &j.SuccessCount,
		&j.FailedCount, &j.SkippedCount, &j.NextTarget, &j.IdentityCursor,
		&j.CreatedAt, &startedAt, &completedAt, &scheduledAt, &errorLog,
	); err != nil {
		return nil, err
	}

	j.Status = model.JobStatus(status)
	if err := json.Unmarshal(handles, &j.IdentityHandles); err != nil {
		return nil, err
	}
	if len(errorLog) > 0 {
		if err := json.Unmarshal(errorLog, &j.ErrorLog); err != nil {
			return nil, err
		}
	}
	if startedAt.Valid {
		t := startedAt.Time
		j.StartedAt = &t
	}
	if completedAt.Valid {
		t := completedAt.Time
		j.CompletedAt = &t
	}
	if scheduledAt.Valid {
		t := scheduledAt.Time
		j.ScheduledAt = &t
	}
	return &j, nil
}

func nullTime(t *time.Time) sql.NullTime {
	if t == nil {
		return sql.NullTime{}
	}
	return sql.NullTime{Time: *t, Valid: true}
}
