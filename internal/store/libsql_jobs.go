package store

import (
	"context"
	"database/sql"
	"fmt"
	"strings"

	"github.com/rendis/attendflow/pkg/schema"
)

const jobColumns = `id, school_id, cron_expression, enabled, last_run_at, next_run_at, last_run_status, created_at`

func (s *LibSQLStore) CreateEvaluationJob(ctx context.Context, job *EvaluationJob) error {
	if job.CreatedAt.IsZero() {
		job.CreatedAt = s.now()
	}
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO evaluation_jobs (`+jobColumns+`) VALUES (?, ?, ?, ?, ?, ?, ?, ?)`,
		job.ID, job.SchoolID, job.CronExpression, boolInt(job.Enabled),
		nullMs(job.LastRunAt), nullMs(job.NextRunAt), nullStr(job.LastRunStatus), ms(job.CreatedAt),
	)
	if err != nil && strings.Contains(err.Error(), "UNIQUE") {
		return schema.NewErrorf(schema.ErrCodeConflict, "evaluation job %q already exists", job.ID)
	}
	return err
}

func (s *LibSQLStore) GetEvaluationJob(ctx context.Context, id string) (*EvaluationJob, error) {
	job, err := scanJob(s.db.QueryRowContext(ctx, `SELECT `+jobColumns+` FROM evaluation_jobs WHERE id = ?`, id))
	if err == sql.ErrNoRows {
		return nil, storeNotFound("evaluation job", id)
	}
	return job, err
}

func (s *LibSQLStore) UpdateEvaluationJob(ctx context.Context, id string, update EvaluationJobUpdate) error {
	var sets []string
	var args []any

	if update.Enabled != nil {
		sets = append(sets, "enabled = ?")
		args = append(args, boolInt(*update.Enabled))
	}
	if update.LastRunAt != nil {
		sets = append(sets, "last_run_at = ?")
		args = append(args, ms(*update.LastRunAt))
	}
	if update.NextRunAt != nil {
		sets = append(sets, "next_run_at = ?")
		args = append(args, ms(*update.NextRunAt))
	}
	if update.LastRunStatus != "" {
		sets = append(sets, "last_run_status = ?")
		args = append(args, update.LastRunStatus)
	}
	if len(sets) == 0 {
		return nil
	}
	args = append(args, id)

	query := fmt.Sprintf("UPDATE evaluation_jobs SET %s WHERE id = ?", strings.Join(sets, ", "))
	res, err := s.db.ExecContext(ctx, query, args...)
	if err != nil {
		return err
	}
	return checkRowsAffected(res, "evaluation job", id)
}

func (s *LibSQLStore) ListEvaluationJobs(ctx context.Context, filter EvaluationJobFilter) ([]*EvaluationJob, error) {
	var where []string
	var args []any
	if filter.Enabled != nil {
		where = append(where, "enabled = ?")
		args = append(args, boolInt(*filter.Enabled))
	}
	if filter.SchoolID != "" {
		where = append(where, "school_id = ?")
		args = append(args, filter.SchoolID)
	}
	query := `SELECT ` + jobColumns + ` FROM evaluation_jobs`
	if len(where) > 0 {
		query += " WHERE " + strings.Join(where, " AND ")
	}
	query += " ORDER BY created_at, id"
	if filter.Limit > 0 {
		query += " LIMIT ?"
		args = append(args, filter.Limit)
	}

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []*EvaluationJob
	for rows.Next() {
		job, err := scanJob(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, job)
	}
	return out, rows.Err()
}

func (s *LibSQLStore) DeleteEvaluationJob(ctx context.Context, id string) error {
	res, err := s.db.ExecContext(ctx, `DELETE FROM evaluation_jobs WHERE id = ?`, id)
	if err != nil {
		return err
	}
	return checkRowsAffected(res, "evaluation job", id)
}

func scanJob(sc scanner) (*EvaluationJob, error) {
	job := &EvaluationJob{}
	var enabled int
	var lastRun, nextRun sql.NullInt64
	var status sql.NullString
	var created int64
	if err := sc.Scan(&job.ID, &job.SchoolID, &job.CronExpression, &enabled, &lastRun, &nextRun, &status, &created); err != nil {
		return nil, err
	}
	job.Enabled = enabled == 1
	job.LastRunAt = msPtr(lastRun)
	job.NextRunAt = msPtr(nextRun)
	job.LastRunStatus = status.String
	job.CreatedAt = fromMs(created)
	return job, nil
}
