package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	_ "github.com/tursodatabase/go-libsql"

	"github.com/rendis/attendflow/pkg/schema"
)

var _ Store = (*LibSQLStore)(nil)

// LibSQLStore implements the Store interface using libSQL (embedded SQLite fork).
type LibSQLStore struct {
	db  *sql.DB
	now func() time.Time
}

// NewLibSQLStore opens a libSQL database at the given path and returns a Store.
// The path should be a file URI, e.g. "file:/path/to/attendflow.db".
func NewLibSQLStore(dbPath string) (*LibSQLStore, error) {
	db, err := sql.Open("libsql", dbPath)
	if err != nil {
		return nil, fmt.Errorf("open libsql: %w", err)
	}
	// One connection serialises writers, which makes every compare-and-swap
	// statement below atomic with respect to this process.
	db.SetMaxOpenConns(1)

	// Some PRAGMAs return rows so we use QueryRow.
	pragmas := []string{
		"PRAGMA journal_mode=WAL",
		"PRAGMA synchronous=NORMAL",
		"PRAGMA busy_timeout=5000",
		"PRAGMA foreign_keys=ON",
		"PRAGMA temp_store=MEMORY",
	}
	for _, p := range pragmas {
		var result string
		_ = db.QueryRow(p).Scan(&result)
	}

	return &LibSQLStore{db: db, now: func() time.Time { return time.Now().UTC() }}, nil
}

// DB returns the underlying *sql.DB.
func (s *LibSQLStore) DB() *sql.DB { return s.db }

// Close closes the database.
func (s *LibSQLStore) Close() error { return s.db.Close() }

// Migrate runs all pending database migrations.
func (s *LibSQLStore) Migrate(ctx context.Context) error {
	return runMigrations(ctx, s.db)
}

// Vacuum runs VACUUM on the database.
func (s *LibSQLStore) Vacuum(ctx context.Context) error {
	_, err := s.db.ExecContext(ctx, "VACUUM")
	return err
}

// --- Rule sets ---

// UpsertRuleSet stores a rule set and replaces its stages.
func (s *LibSQLStore) UpsertRuleSet(ctx context.Context, rs *schema.RuleSet) error {
	conds, err := marshalRawList(rs.Conditions)
	if err != nil {
		return fmt.Errorf("marshal conditions: %w", err)
	}
	now := ms(s.now())

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin tx: %w", err)
	}
	defer tx.Rollback()

	if _, err := tx.ExecContext(ctx,
		`INSERT INTO rule_sets (id, tenant_id, school_id, name, active, conditions, created_at, updated_at)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?)
		 ON CONFLICT(id) DO UPDATE SET tenant_id=excluded.tenant_id, school_id=excluded.school_id,
		   name=excluded.name, active=excluded.active, conditions=excluded.conditions, updated_at=excluded.updated_at`,
		rs.ID, rs.TenantID, rs.SchoolID, rs.Name, boolInt(rs.Active), conds, now, now,
	); err != nil {
		return fmt.Errorf("upsert rule set: %w", err)
	}
	if _, err := tx.ExecContext(ctx, `DELETE FROM stages WHERE rule_set_id = ?`, rs.ID); err != nil {
		return fmt.Errorf("clear stages: %w", err)
	}
	for _, st := range rs.Stages {
		stop, err := marshalRawList(st.StopConditions)
		if err != nil {
			return fmt.Errorf("marshal stop conditions: %w", err)
		}
		esc, err := marshalRawList(st.EscalationConditions)
		if err != nil {
			return fmt.Errorf("marshal escalation conditions: %w", err)
		}
		if _, err := tx.ExecContext(ctx,
			`INSERT INTO stages (id, rule_set_id, stage_order, stage_type, days_before_next, stop_conditions, escalation_conditions)
			 VALUES (?, ?, ?, ?, ?, ?, ?)`,
			st.ID, rs.ID, st.Order, string(st.Type), nullInt(st.DaysBeforeNext), stop, esc,
		); err != nil {
			return fmt.Errorf("insert stage %q: %w", st.ID, err)
		}
	}
	return tx.Commit()
}

func (s *LibSQLStore) GetRuleSet(ctx context.Context, id string) (*schema.RuleSet, error) {
	rs := &schema.RuleSet{}
	var active int
	var conds string
	err := s.db.QueryRowContext(ctx,
		`SELECT id, tenant_id, school_id, name, active, conditions FROM rule_sets WHERE id = ?`, id,
	).Scan(&rs.ID, &rs.TenantID, &rs.SchoolID, &rs.Name, &active, &conds)
	if err == sql.ErrNoRows {
		return nil, storeNotFound("rule set", id)
	}
	if err != nil {
		return nil, err
	}
	rs.Active = active == 1
	if rs.Conditions, err = unmarshalRawList(conds); err != nil {
		return nil, fmt.Errorf("unmarshal conditions: %w", err)
	}
	if rs.Stages, err = s.loadStages(ctx, rs.ID); err != nil {
		return nil, err
	}
	return rs, nil
}

func (s *LibSQLStore) ListRuleSets(ctx context.Context, filter RuleSetFilter) ([]*schema.RuleSet, error) {
	var where []string
	var args []any
	if filter.TenantID != "" {
		where = append(where, "tenant_id = ?")
		args = append(args, filter.TenantID)
	}
	if filter.SchoolID != "" {
		where = append(where, "school_id = ?")
		args = append(args, filter.SchoolID)
	}
	if filter.ActiveOnly {
		where = append(where, "active = 1")
	}
	query := `SELECT id, tenant_id, school_id, name, active, conditions FROM rule_sets`
	if len(where) > 0 {
		query += " WHERE " + strings.Join(where, " AND ")
	}
	query += " ORDER BY id"

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	var out []*schema.RuleSet
	for rows.Next() {
		rs := &schema.RuleSet{}
		var active int
		var conds string
		if err := rows.Scan(&rs.ID, &rs.TenantID, &rs.SchoolID, &rs.Name, &active, &conds); err != nil {
			rows.Close()
			return nil, err
		}
		rs.Active = active == 1
		if rs.Conditions, err = unmarshalRawList(conds); err != nil {
			rows.Close()
			return nil, fmt.Errorf("unmarshal conditions of %q: %w", rs.ID, err)
		}
		out = append(out, rs)
	}
	if err := rows.Err(); err != nil {
		rows.Close()
		return nil, err
	}
	rows.Close()

	// Stages are loaded after the cursor is closed: the pool holds one connection.
	for _, rs := range out {
		if rs.Stages, err = s.loadStages(ctx, rs.ID); err != nil {
			return nil, err
		}
	}
	return out, nil
}

func (s *LibSQLStore) loadStages(ctx context.Context, ruleSetID string) ([]schema.Stage, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT id, rule_set_id, stage_order, stage_type, days_before_next, stop_conditions, escalation_conditions
		 FROM stages WHERE rule_set_id = ? ORDER BY stage_order`, ruleSetID,
	)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var stages []schema.Stage
	for rows.Next() {
		var st schema.Stage
		var typ string
		var days sql.NullInt64
		var stop, esc sql.NullString
		if err := rows.Scan(&st.ID, &st.RuleSetID, &st.Order, &typ, &days, &stop, &esc); err != nil {
			return nil, err
		}
		st.Type = schema.StageType(typ)
		if days.Valid {
			d := int(days.Int64)
			st.DaysBeforeNext = &d
		}
		if st.StopConditions, err = unmarshalRawList(stop.String); err != nil {
			return nil, fmt.Errorf("unmarshal stop conditions of stage %q: %w", st.ID, err)
		}
		if st.EscalationConditions, err = unmarshalRawList(esc.String); err != nil {
			return nil, fmt.Errorf("unmarshal escalation conditions of stage %q: %w", st.ID, err)
		}
		stages = append(stages, st)
	}
	return stages, rows.Err()
}

// --- Playbook definitions ---

func (s *LibSQLStore) UpsertPlaybook(ctx context.Context, pb *schema.PlaybookDefinition) error {
	steps, err := json.Marshal(pb.Steps)
	if err != nil {
		return fmt.Errorf("marshal steps: %w", err)
	}
	now := ms(s.now())
	var threshold any
	if pb.AttendanceImprovementThreshold != nil {
		threshold = *pb.AttendanceImprovementThreshold
	}
	_, err = s.db.ExecContext(ctx,
		`INSERT INTO playbook_definitions (id, tenant_id, name, trigger_stage_type, active, escalation_after_days,
		   attendance_improvement_threshold, steps, created_at, updated_at)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		 ON CONFLICT(id) DO UPDATE SET tenant_id=excluded.tenant_id, name=excluded.name,
		   trigger_stage_type=excluded.trigger_stage_type, active=excluded.active,
		   escalation_after_days=excluded.escalation_after_days,
		   attendance_improvement_threshold=excluded.attendance_improvement_threshold,
		   steps=excluded.steps, updated_at=excluded.updated_at`,
		pb.ID, pb.TenantID, pb.Name, string(pb.TriggerStageType), boolInt(pb.Active),
		nullInt(pb.EscalationAfterDays), threshold, string(steps), now, now,
	)
	return err
}

const playbookColumns = `id, tenant_id, name, trigger_stage_type, active, escalation_after_days, attendance_improvement_threshold, steps`

func (s *LibSQLStore) GetPlaybook(ctx context.Context, id string) (*schema.PlaybookDefinition, error) {
	row := s.db.QueryRowContext(ctx, `SELECT `+playbookColumns+` FROM playbook_definitions WHERE id = ?`, id)
	pb, err := scanPlaybook(row)
	if err == sql.ErrNoRows {
		return nil, storeNotFound("playbook", id)
	}
	return pb, err
}

func (s *LibSQLStore) ListPlaybooks(ctx context.Context, filter PlaybookFilter) ([]*schema.PlaybookDefinition, error) {
	var where []string
	var args []any
	if filter.TenantID != "" {
		where = append(where, "tenant_id = ?")
		args = append(args, filter.TenantID)
	}
	if filter.TriggerStageType != "" {
		where = append(where, "trigger_stage_type = ?")
		args = append(args, string(filter.TriggerStageType))
	}
	if filter.ActiveOnly {
		where = append(where, "active = 1")
	}
	query := `SELECT ` + playbookColumns + ` FROM playbook_definitions`
	if len(where) > 0 {
		query += " WHERE " + strings.Join(where, " AND ")
	}
	query += " ORDER BY id"

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []*schema.PlaybookDefinition
	for rows.Next() {
		pb, err := scanPlaybook(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, pb)
	}
	return out, rows.Err()
}

func scanPlaybook(sc scanner) (*schema.PlaybookDefinition, error) {
	pb := &schema.PlaybookDefinition{}
	var trigger, steps string
	var active int
	var escDays sql.NullInt64
	var threshold sql.NullFloat64
	if err := sc.Scan(&pb.ID, &pb.TenantID, &pb.Name, &trigger, &active, &escDays, &threshold, &steps); err != nil {
		return nil, err
	}
	pb.TriggerStageType = schema.StageType(trigger)
	pb.Active = active == 1
	if escDays.Valid {
		d := int(escDays.Int64)
		pb.EscalationAfterDays = &d
	}
	if threshold.Valid {
		v := threshold.Float64
		pb.AttendanceImprovementThreshold = &v
	}
	if err := json.Unmarshal([]byte(steps), &pb.Steps); err != nil {
		return nil, fmt.Errorf("unmarshal steps of playbook %q: %w", pb.ID, err)
	}
	return pb, nil
}

// --- Helpers ---

// scanner is satisfied by *sql.Row and *sql.Rows.
type scanner interface {
	Scan(dest ...any) error
}

// execer is satisfied by *sql.DB and *sql.Tx.
type execer interface {
	ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
}

// querier is satisfied by *sql.DB and *sql.Tx.
type querier interface {
	QueryContext(ctx context.Context, query string, args ...any) (*sql.Rows, error)
}

func storeNotFound(resource, id string) *schema.Error {
	return schema.NewErrorf(schema.ErrCodeNotFound, "%s %q not found", resource, id)
}

func checkRowsAffected(res sql.Result, resource, id string) error {
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		return storeNotFound(resource, id)
	}
	return nil
}

func ms(t time.Time) int64 {
	return t.UTC().UnixMilli()
}

func fromMs(v int64) time.Time {
	return time.UnixMilli(v).UTC()
}

func msOrNow(t time.Time, now time.Time) int64 {
	if t.IsZero() {
		return ms(now)
	}
	return ms(t)
}

func nullMs(t *time.Time) any {
	if t == nil {
		return nil
	}
	return ms(*t)
}

func msPtr(n sql.NullInt64) *time.Time {
	if !n.Valid {
		return nil
	}
	t := fromMs(n.Int64)
	return &t
}

func nullInt(v *int) any {
	if v == nil {
		return nil
	}
	return *v
}

func nullStr(s string) any {
	if s == "" {
		return nil
	}
	return s
}

func boolInt(b bool) int {
	if b {
		return 1
	}
	return 0
}

func rawOrNil(ns sql.NullString) json.RawMessage {
	if !ns.Valid || ns.String == "" {
		return nil
	}
	return json.RawMessage(ns.String)
}

func marshalRawList(list []json.RawMessage) (string, error) {
	if len(list) == 0 {
		return "[]", nil
	}
	b, err := json.Marshal(list)
	if err != nil {
		return "", err
	}
	return string(b), nil
}

func unmarshalRawList(s string) ([]json.RawMessage, error) {
	if s == "" || s == "[]" {
		return nil, nil
	}
	var out []json.RawMessage
	if err := json.Unmarshal([]byte(s), &out); err != nil {
		return nil, err
	}
	return out, nil
}

func dateKey(t time.Time) string {
	return t.UTC().Format(schema.DateLayout)
}
