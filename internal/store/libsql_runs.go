package store

import (
	"context"
	"database/sql"
	"fmt"
	"strings"
	"time"

	"github.com/rendis/attendflow/pkg/schema"
)

const runColumns = `id, playbook_id, instance_id, student_id, guardian_id, tenant_id, trigger_event_id, status,
	triggered_at, current_step_order, next_step_due_at, stop_reason, created_at, updated_at`

// CreateRunIfAbsent inserts run unless a run already exists for the same trigger
// event or an ACTIVE run exists for (instance, playbook). In that case the existing
// run is returned with created=false.
func (s *LibSQLStore) CreateRunIfAbsent(ctx context.Context, run *Run) (*Run, bool, error) {
	now := s.now()
	if run.CreatedAt.IsZero() {
		run.CreatedAt = now
	}
	run.UpdatedAt = now
	if run.Status == "" {
		run.Status = schema.StatusActive
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, false, fmt.Errorf("begin tx: %w", err)
	}
	defer tx.Rollback()

	res, err := tx.ExecContext(ctx,
		`INSERT OR IGNORE INTO playbook_runs (`+runColumns+`)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		run.ID, run.PlaybookID, run.InstanceID, run.StudentID, run.GuardianID, run.TenantID, run.TriggerEventID,
		string(run.Status), ms(run.TriggeredAt), run.CurrentStepOrder, nullMs(run.NextStepDueAt),
		nullStr(string(run.StopReason)), ms(run.CreatedAt), ms(run.UpdatedAt),
	)
	if err != nil {
		return nil, false, fmt.Errorf("insert run: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return nil, false, err
	}
	if n == 1 {
		if err := tx.Commit(); err != nil {
			return nil, false, fmt.Errorf("commit run: %w", err)
		}
		return run, true, nil
	}

	existing, err := scanRun(tx.QueryRowContext(ctx,
		`SELECT `+runColumns+` FROM playbook_runs
		 WHERE (playbook_id = ? AND trigger_event_id = ?)
		    OR (instance_id = ? AND playbook_id = ? AND status = 'ACTIVE')
		 ORDER BY CASE WHEN trigger_event_id = ? THEN 0 ELSE 1 END
		 LIMIT 1`,
		run.PlaybookID, run.TriggerEventID, run.InstanceID, run.PlaybookID, run.TriggerEventID,
	))
	if err == sql.ErrNoRows {
		return nil, false, schema.NewErrorf(schema.ErrCodeConflict, "run %q conflicts with an existing id", run.ID)
	}
	if err != nil {
		return nil, false, err
	}
	return existing, false, nil
}

func (s *LibSQLStore) GetRun(ctx context.Context, id string) (*Run, error) {
	run, err := scanRun(s.db.QueryRowContext(ctx, `SELECT `+runColumns+` FROM playbook_runs WHERE id = ?`, id))
	if err == sql.ErrNoRows {
		return nil, storeNotFound("run", id)
	}
	return run, err
}

func (s *LibSQLStore) ListRuns(ctx context.Context, filter RunFilter) ([]*Run, error) {
	var where []string
	var args []any
	if filter.InstanceID != "" {
		where = append(where, "instance_id = ?")
		args = append(args, filter.InstanceID)
	}
	if filter.PlaybookID != "" {
		where = append(where, "playbook_id = ?")
		args = append(args, filter.PlaybookID)
	}
	if filter.StudentID != "" {
		where = append(where, "student_id = ?")
		args = append(args, filter.StudentID)
	}
	if filter.Status != nil {
		where = append(where, "status = ?")
		args = append(args, string(*filter.Status))
	}
	query := `SELECT ` + runColumns + ` FROM playbook_runs`
	if len(where) > 0 {
		query += " WHERE " + strings.Join(where, " AND ")
	}
	query += " ORDER BY created_at DESC, id"
	if filter.Limit > 0 {
		query += " LIMIT ?"
		args = append(args, filter.Limit)
	}
	return s.queryRuns(ctx, query, args...)
}

// ListDueRuns returns ACTIVE runs whose next step is due at or before now, oldest first.
func (s *LibSQLStore) ListDueRuns(ctx context.Context, now time.Time, limit int) ([]*Run, error) {
	query := `SELECT ` + runColumns + ` FROM playbook_runs
		WHERE status = 'ACTIVE' AND next_step_due_at IS NOT NULL AND next_step_due_at <= ?
		ORDER BY next_step_due_at, id`
	args := []any{ms(now)}
	if limit > 0 {
		query += " LIMIT ?"
		args = append(args, limit)
	}
	return s.queryRuns(ctx, query, args...)
}

func (s *LibSQLStore) queryRuns(ctx context.Context, query string, args ...any) ([]*Run, error) {
	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []*Run
	for rows.Next() {
		run, err := scanRun(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, run)
	}
	return out, rows.Err()
}

// CommitRunStep applies one runner step atomically: the run update guarded by
// (status=ACTIVE, current_step_order=ExpectedStepOrder), then the optional outbox
// entry (no-op on an existing key) and the optional execution log row.
func (s *LibSQLStore) CommitRunStep(ctx context.Context, c RunCommit) error {
	at := msOrNow(c.At, s.now())

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin tx: %w", err)
	}
	defer tx.Rollback()

	res, err := tx.ExecContext(ctx,
		`UPDATE playbook_runs
		 SET status = ?, current_step_order = ?, next_step_due_at = ?, stop_reason = COALESCE(?, stop_reason), updated_at = ?
		 WHERE id = ? AND status = 'ACTIVE' AND current_step_order = ?`,
		string(c.Status), c.StepOrder, nullMs(c.NextStepDueAt), nullStr(string(c.StopReason)), at,
		c.RunID, c.ExpectedStepOrder,
	)
	if err != nil {
		return fmt.Errorf("update run: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		return schema.NewErrorf(schema.ErrCodeInvalidTransition,
			"run %q is no longer ACTIVE at step order %d", c.RunID, c.ExpectedStepOrder).WithRun(c.RunID)
	}

	if c.Outbox != nil {
		if _, err := s.insertOutbox(ctx, tx, c.Outbox); err != nil {
			return err
		}
	}
	if c.Log != nil {
		if err := s.insertExecutionLog(ctx, tx, c.Log); err != nil {
			return err
		}
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit run step: %w", err)
	}
	return nil
}

func scanRun(sc scanner) (*Run, error) {
	r := &Run{}
	var status string
	var triggered, created, updated int64
	var due sql.NullInt64
	var stop sql.NullString
	if err := sc.Scan(&r.ID, &r.PlaybookID, &r.InstanceID, &r.StudentID, &r.GuardianID, &r.TenantID,
		&r.TriggerEventID, &status, &triggered, &r.CurrentStepOrder, &due, &stop, &created, &updated); err != nil {
		return nil, err
	}
	r.Status = schema.Status(status)
	r.TriggeredAt = fromMs(triggered)
	r.NextStepDueAt = msPtr(due)
	r.StopReason = schema.StopReason(stop.String)
	r.CreatedAt = fromMs(created)
	r.UpdatedAt = fromMs(updated)
	return r, nil
}

// --- Execution logs ---

const execLogColumns = `id, run_id, step_id, step_order, channel, idempotency_key, status, skip_reason,
	scheduled_for, executed_at, created_at`

func (s *LibSQLStore) AppendExecutionLog(ctx context.Context, log *ExecutionLog) error {
	return s.insertExecutionLog(ctx, s.db, log)
}

func (s *LibSQLStore) insertExecutionLog(ctx context.Context, ex execer, log *ExecutionLog) error {
	if log.CreatedAt.IsZero() {
		log.CreatedAt = s.now()
	}
	_, err := ex.ExecContext(ctx,
		`INSERT INTO playbook_execution_logs (run_id, step_id, step_order, channel, idempotency_key, status,
		   skip_reason, scheduled_for, executed_at, created_at)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		log.RunID, log.StepID, log.StepOrder, nullStr(string(log.Channel)), log.IdempotencyKey, string(log.Status),
		nullStr(log.SkipReason), nullMs(log.ScheduledFor), nullMs(log.ExecutedAt), ms(log.CreatedAt),
	)
	if err != nil {
		return fmt.Errorf("insert execution log: %w", err)
	}
	return nil
}

// LatestExecutionLog returns the most recent log row for the idempotency key.
func (s *LibSQLStore) LatestExecutionLog(ctx context.Context, idempotencyKey string) (*ExecutionLog, error) {
	l, err := scanExecLog(s.db.QueryRowContext(ctx,
		`SELECT `+execLogColumns+` FROM playbook_execution_logs WHERE idempotency_key = ? ORDER BY id DESC LIMIT 1`,
		idempotencyKey,
	))
	if err == sql.ErrNoRows {
		return nil, storeNotFound("execution log", idempotencyKey)
	}
	return l, err
}

func (s *LibSQLStore) ListExecutionLogs(ctx context.Context, runID string) ([]*ExecutionLog, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT `+execLogColumns+` FROM playbook_execution_logs WHERE run_id = ? ORDER BY id`, runID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []*ExecutionLog
	for rows.Next() {
		l, err := scanExecLog(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, l)
	}
	return out, rows.Err()
}

func scanExecLog(sc scanner) (*ExecutionLog, error) {
	l := &ExecutionLog{}
	var channel, skip sql.NullString
	var status string
	var scheduled, executed sql.NullInt64
	var created int64
	if err := sc.Scan(&l.ID, &l.RunID, &l.StepID, &l.StepOrder, &channel, &l.IdempotencyKey, &status,
		&skip, &scheduled, &executed, &created); err != nil {
		return nil, err
	}
	l.Channel = schema.Channel(channel.String)
	l.Status = schema.LogStatus(status)
	l.SkipReason = skip.String
	l.ScheduledFor = msPtr(scheduled)
	l.ExecutedAt = msPtr(executed)
	l.CreatedAt = fromMs(created)
	return l, nil
}
