package store

import (
	"context"
	"database/sql"
	"fmt"
	"strings"

	"github.com/rendis/attendflow/pkg/schema"
)

const instanceColumns = `id, tenant_id, school_id, student_id, rule_set_id, current_stage_id, status,
	started_at, last_transition_at, closed_reason, updated_at`

// CreateInstanceIfAbsent inserts inst unless an ACTIVE instance already exists for
// (student, rule set). When inserted, entered is appended in the same transaction.
// The returned bool reports whether a new instance was created.
func (s *LibSQLStore) CreateInstanceIfAbsent(ctx context.Context, inst *Instance, entered *Event) (*Instance, bool, error) {
	now := s.now()
	if inst.StartedAt.IsZero() {
		inst.StartedAt = now
	}
	if inst.LastTransitionAt.IsZero() {
		inst.LastTransitionAt = inst.StartedAt
	}
	inst.UpdatedAt = now
	if inst.Status == "" {
		inst.Status = schema.StatusActive
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, false, fmt.Errorf("begin tx: %w", err)
	}
	defer tx.Rollback()

	res, err := tx.ExecContext(ctx,
		`INSERT OR IGNORE INTO intervention_instances (`+instanceColumns+`)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		inst.ID, inst.TenantID, inst.SchoolID, inst.StudentID, inst.RuleSetID, inst.CurrentStageID,
		string(inst.Status), ms(inst.StartedAt), ms(inst.LastTransitionAt), nullStr(inst.ClosedReason), ms(inst.UpdatedAt),
	)
	if err != nil {
		return nil, false, fmt.Errorf("insert instance: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return nil, false, err
	}
	if n == 0 {
		existing, err := scanInstance(tx.QueryRowContext(ctx,
			`SELECT `+instanceColumns+` FROM intervention_instances
			 WHERE student_id = ? AND rule_set_id = ? AND status = 'ACTIVE'`,
			inst.StudentID, inst.RuleSetID,
		))
		if err == sql.ErrNoRows {
			return nil, false, schema.NewErrorf(schema.ErrCodeConflict,
				"instance %q conflicts with an existing id", inst.ID)
		}
		if err != nil {
			return nil, false, err
		}
		return existing, false, nil
	}

	if entered != nil {
		entered.InstanceID = inst.ID
		if err := s.appendEventTx(ctx, tx, entered); err != nil {
			return nil, false, err
		}
	}
	if err := tx.Commit(); err != nil {
		return nil, false, fmt.Errorf("commit instance: %w", err)
	}
	return inst, true, nil
}

func (s *LibSQLStore) GetInstance(ctx context.Context, id string) (*Instance, error) {
	inst, err := scanInstance(s.db.QueryRowContext(ctx,
		`SELECT `+instanceColumns+` FROM intervention_instances WHERE id = ?`, id))
	if err == sql.ErrNoRows {
		return nil, storeNotFound("instance", id)
	}
	return inst, err
}

func (s *LibSQLStore) ListInstances(ctx context.Context, filter InstanceFilter) ([]*Instance, error) {
	var where []string
	var args []any
	if filter.SchoolID != "" {
		where = append(where, "school_id = ?")
		args = append(args, filter.SchoolID)
	}
	if filter.StudentID != "" {
		where = append(where, "student_id = ?")
		args = append(args, filter.StudentID)
	}
	if filter.RuleSetID != "" {
		where = append(where, "rule_set_id = ?")
		args = append(args, filter.RuleSetID)
	}
	if filter.Status != nil {
		where = append(where, "status = ?")
		args = append(args, string(*filter.Status))
	}
	query := `SELECT ` + instanceColumns + ` FROM intervention_instances`
	if len(where) > 0 {
		query += " WHERE " + strings.Join(where, " AND ")
	}
	query += " ORDER BY started_at, id"
	if filter.Limit > 0 {
		query += " LIMIT ?"
		args = append(args, filter.Limit)
	}

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []*Instance
	for rows.Next() {
		inst, err := scanInstance(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, inst)
	}
	return out, rows.Err()
}

// TransitionInstance applies tr only if the instance is still at (FromStatus, FromStageID).
// A lost compare-and-swap returns an INVALID_TRANSITION error.
func (s *LibSQLStore) TransitionInstance(ctx context.Context, tr InstanceTransition) error {
	at := msOrNow(tr.At, s.now())

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin tx: %w", err)
	}
	defer tx.Rollback()

	res, err := tx.ExecContext(ctx,
		`UPDATE intervention_instances
		 SET status = ?, current_stage_id = ?, last_transition_at = ?, closed_reason = COALESCE(?, closed_reason), updated_at = ?
		 WHERE id = ? AND status = ? AND current_stage_id = ?`,
		string(tr.ToStatus), tr.ToStageID, at, nullStr(tr.Reason), at,
		tr.InstanceID, string(tr.FromStatus), tr.FromStageID,
	)
	if err != nil {
		return fmt.Errorf("update instance: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		var exists int
		err := tx.QueryRowContext(ctx, `SELECT 1 FROM intervention_instances WHERE id = ?`, tr.InstanceID).Scan(&exists)
		if err == sql.ErrNoRows {
			return storeNotFound("instance", tr.InstanceID)
		}
		return schema.NewErrorf(schema.ErrCodeInvalidTransition,
			"instance %q is no longer %s at stage %q", tr.InstanceID, tr.FromStatus, tr.FromStageID)
	}

	if tr.Event != nil {
		tr.Event.InstanceID = tr.InstanceID
		if tr.Event.CreatedAt.IsZero() {
			tr.Event.CreatedAt = fromMs(at)
		}
		if err := s.appendEventTx(ctx, tx, tr.Event); err != nil {
			return err
		}
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit transition: %w", err)
	}
	return nil
}

func scanInstance(sc scanner) (*Instance, error) {
	inst := &Instance{}
	var status string
	var started, last, updated int64
	var reason sql.NullString
	if err := sc.Scan(&inst.ID, &inst.TenantID, &inst.SchoolID, &inst.StudentID, &inst.RuleSetID,
		&inst.CurrentStageID, &status, &started, &last, &reason, &updated); err != nil {
		return nil, err
	}
	inst.Status = schema.Status(status)
	inst.StartedAt = fromMs(started)
	inst.LastTransitionAt = fromMs(last)
	inst.ClosedReason = reason.String
	inst.UpdatedAt = fromMs(updated)
	return inst, nil
}
