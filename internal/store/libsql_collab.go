package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"time"

	"github.com/rendis/attendflow/pkg/schema"
)

// --- Attendance aggregates ---

func (s *LibSQLStore) UpsertDailySummary(ctx context.Context, sum *schema.AttendanceSummary) error {
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO attendance_summaries (student_id, school_id, summary_date, attendance_percent,
		   consecutive_absence_days, total_absence_days_ytd)
		 VALUES (?, ?, ?, ?, ?, ?)
		 ON CONFLICT(student_id, summary_date) DO UPDATE SET school_id = excluded.school_id,
		   attendance_percent = excluded.attendance_percent,
		   consecutive_absence_days = excluded.consecutive_absence_days,
		   total_absence_days_ytd = excluded.total_absence_days_ytd`,
		sum.StudentID, sum.SchoolID, dateKey(sum.Date), sum.AttendancePercent,
		sum.ConsecutiveAbsenceDays, sum.TotalAbsenceDaysYTD,
	)
	return err
}

// GetDailySummary returns the student's latest aggregate dated on or before asOf.
func (s *LibSQLStore) GetDailySummary(ctx context.Context, studentID string, asOf time.Time) (*schema.AttendanceSummary, error) {
	sum, err := scanSummary(s.db.QueryRowContext(ctx,
		`SELECT student_id, school_id, summary_date, attendance_percent, consecutive_absence_days, total_absence_days_ytd
		 FROM attendance_summaries WHERE student_id = ? AND summary_date <= ?
		 ORDER BY summary_date DESC LIMIT 1`,
		studentID, dateKey(asOf),
	))
	if err == sql.ErrNoRows {
		return nil, storeNotFound("attendance summary", studentID)
	}
	return sum, err
}

// ListDailySummaries returns, for every student whose latest aggregate on or
// before asOf belongs to schoolID, that aggregate. Ordered by student id.
func (s *LibSQLStore) ListDailySummaries(ctx context.Context, schoolID string, asOf time.Time) ([]*schema.AttendanceSummary, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT a.student_id, a.school_id, a.summary_date, a.attendance_percent, a.consecutive_absence_days, a.total_absence_days_ytd
		 FROM attendance_summaries a
		 WHERE a.school_id = ? AND a.summary_date = (
		   SELECT MAX(b.summary_date) FROM attendance_summaries b
		   WHERE b.student_id = a.student_id AND b.summary_date <= ?)
		 ORDER BY a.student_id`,
		schoolID, dateKey(asOf),
	)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []*schema.AttendanceSummary
	for rows.Next() {
		sum, err := scanSummary(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, sum)
	}
	return out, rows.Err()
}

func scanSummary(sc scanner) (*schema.AttendanceSummary, error) {
	sum := &schema.AttendanceSummary{}
	var date string
	if err := sc.Scan(&sum.StudentID, &sum.SchoolID, &date, &sum.AttendancePercent,
		&sum.ConsecutiveAbsenceDays, &sum.TotalAbsenceDaysYTD); err != nil {
		return nil, err
	}
	d, err := time.Parse(schema.DateLayout, date)
	if err != nil {
		return nil, fmt.Errorf("parse summary date %q: %w", date, err)
	}
	sum.Date = d
	return sum, nil
}

// --- Guardians and replies ---

// UpsertGuardian stores g. When primary is set, any other primary guardian of the
// same student is demoted.
func (s *LibSQLStore) UpsertGuardian(ctx context.Context, g *schema.Guardian, primary bool) error {
	channels, err := json.Marshal(g.Channels)
	if err != nil {
		return fmt.Errorf("marshal channels: %w", err)
	}
	if g.Channels == nil {
		channels = []byte("[]")
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin tx: %w", err)
	}
	defer tx.Rollback()

	if primary {
		if _, err := tx.ExecContext(ctx,
			`UPDATE guardians SET is_primary = 0 WHERE student_id = ? AND id <> ?`, g.StudentID, g.ID); err != nil {
			return fmt.Errorf("demote guardians: %w", err)
		}
	}
	if _, err := tx.ExecContext(ctx,
		`INSERT INTO guardians (id, student_id, name, phone, email, channels, is_primary) VALUES (?, ?, ?, ?, ?, ?, ?)
		 ON CONFLICT(id) DO UPDATE SET student_id = excluded.student_id, name = excluded.name, phone = excluded.phone,
		   email = excluded.email, channels = excluded.channels, is_primary = excluded.is_primary`,
		g.ID, g.StudentID, nullStr(g.Name), nullStr(g.Phone), nullStr(g.Email), string(channels), boolInt(primary),
	); err != nil {
		return fmt.Errorf("upsert guardian: %w", err)
	}
	return tx.Commit()
}

// ResolvePrimaryGuardian returns the student's primary guardian, falling back to
// any guardian on record.
func (s *LibSQLStore) ResolvePrimaryGuardian(ctx context.Context, studentID string) (*schema.Guardian, error) {
	g := &schema.Guardian{}
	var name, phone, email sql.NullString
	var channels string
	err := s.db.QueryRowContext(ctx,
		`SELECT id, student_id, name, phone, email, channels FROM guardians
		 WHERE student_id = ? ORDER BY is_primary DESC, id LIMIT 1`, studentID,
	).Scan(&g.ID, &g.StudentID, &name, &phone, &email, &channels)
	if err == sql.ErrNoRows {
		return nil, storeNotFound("guardian for student", studentID)
	}
	if err != nil {
		return nil, err
	}
	g.Name, g.Phone, g.Email = name.String, phone.String, email.String
	if err := json.Unmarshal([]byte(channels), &g.Channels); err != nil {
		return nil, fmt.Errorf("unmarshal guardian channels: %w", err)
	}
	return g, nil
}

func (s *LibSQLStore) RecordGuardianReply(ctx context.Context, reply *GuardianReply) error {
	if reply.ReceivedAt.IsZero() {
		reply.ReceivedAt = s.now()
	}
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO guardian_replies (guardian_id, channel, received_at) VALUES (?, ?, ?)`,
		reply.GuardianID, nullStr(string(reply.Channel)), ms(reply.ReceivedAt),
	)
	return err
}

// HasGuardianRepliedSince reports whether a reply was received strictly after since.
func (s *LibSQLStore) HasGuardianRepliedSince(ctx context.Context, guardianID string, since time.Time) (bool, error) {
	var exists int
	err := s.db.QueryRowContext(ctx,
		`SELECT EXISTS(SELECT 1 FROM guardian_replies WHERE guardian_id = ? AND received_at > ?)`,
		guardianID, ms(since),
	).Scan(&exists)
	return exists == 1, err
}

// --- Case management ---

// IsCaseClosed reports whether the intervention instance backing a case is no
// longer ACTIVE. A case with no instance on record counts as closed.
func (s *LibSQLStore) IsCaseClosed(ctx context.Context, caseID string) (bool, error) {
	var status string
	err := s.db.QueryRowContext(ctx, `SELECT status FROM intervention_instances WHERE id = ?`, caseID).Scan(&status)
	if err == sql.ErrNoRows {
		return true, nil
	}
	if err != nil {
		return false, err
	}
	return schema.Status(status) != schema.StatusActive, nil
}

// Escalate records the escalation. A second escalation for the same run is a no-op.
func (s *LibSQLStore) Escalate(ctx context.Context, e schema.Escalation) error {
	if e.RaisedAt.IsZero() {
		e.RaisedAt = s.now()
	}
	_, err := s.db.ExecContext(ctx,
		`INSERT OR IGNORE INTO escalations (run_id, playbook_id, instance_id, student_id, reason, raised_at)
		 VALUES (?, ?, ?, ?, ?, ?)`,
		e.RunID, e.PlaybookID, e.InstanceID, e.StudentID, e.Reason, ms(e.RaisedAt),
	)
	if err != nil {
		return fmt.Errorf("record escalation: %w", err)
	}
	return nil
}

func (s *LibSQLStore) ListEscalations(ctx context.Context, limit int) ([]*schema.Escalation, error) {
	query := `SELECT run_id, playbook_id, instance_id, student_id, reason, raised_at FROM escalations ORDER BY raised_at DESC, run_id`
	var args []any
	if limit > 0 {
		query += " LIMIT ?"
		args = append(args, limit)
	}
	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []*schema.Escalation
	for rows.Next() {
		e := &schema.Escalation{}
		var raised int64
		if err := rows.Scan(&e.RunID, &e.PlaybookID, &e.InstanceID, &e.StudentID, &e.Reason, &raised); err != nil {
			return nil, err
		}
		e.RaisedAt = fromMs(raised)
		out = append(out, e)
	}
	return out, rows.Err()
}
