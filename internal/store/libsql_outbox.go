package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/rendis/attendflow/pkg/schema"
)

const outboxColumns = `id, entry_type, payload, idempotency_key, status, attempts, next_attempt_at,
	last_error, claimed_by, claimed_at, created_at, updated_at`

// EnqueueOutbox inserts entry as PENDING. An existing idempotency key makes the
// call a no-op and created is false.
func (s *LibSQLStore) EnqueueOutbox(ctx context.Context, entry *OutboxEntry) (bool, error) {
	return s.insertOutbox(ctx, s.db, entry)
}

func (s *LibSQLStore) insertOutbox(ctx context.Context, ex execer, e *OutboxEntry) (bool, error) {
	now := s.now()
	if e.ID == "" {
		e.ID = uuid.New().String()
	}
	if e.CreatedAt.IsZero() {
		e.CreatedAt = now
	}
	if e.NextAttemptAt.IsZero() {
		e.NextAttemptAt = e.CreatedAt
	}
	e.UpdatedAt = now
	e.Status = schema.OutboxPending
	payload := string(e.Payload)
	if payload == "" {
		payload = "{}"
	}

	res, err := ex.ExecContext(ctx,
		`INSERT OR IGNORE INTO outbox_entries (id, entry_type, payload, idempotency_key, status, attempts,
		   next_attempt_at, created_at, updated_at)
		 VALUES (?, ?, ?, ?, ?, 0, ?, ?, ?)`,
		e.ID, e.Type, payload, e.IdempotencyKey, string(e.Status), ms(e.NextAttemptAt), ms(e.CreatedAt), ms(e.UpdatedAt),
	)
	if err != nil {
		return false, fmt.Errorf("insert outbox entry: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, err
	}
	return n == 1, nil
}

func (s *LibSQLStore) GetOutbox(ctx context.Context, id string) (*OutboxEntry, error) {
	e, err := scanOutbox(s.db.QueryRowContext(ctx, `SELECT `+outboxColumns+` FROM outbox_entries WHERE id = ?`, id))
	if err == sql.ErrNoRows {
		return nil, storeNotFound("outbox entry", id)
	}
	return e, err
}

func (s *LibSQLStore) GetOutboxByKey(ctx context.Context, idempotencyKey string) (*OutboxEntry, error) {
	e, err := scanOutbox(s.db.QueryRowContext(ctx,
		`SELECT `+outboxColumns+` FROM outbox_entries WHERE idempotency_key = ?`, idempotencyKey))
	if err == sql.ErrNoRows {
		return nil, storeNotFound("outbox entry", idempotencyKey)
	}
	return e, err
}

func (s *LibSQLStore) ListOutbox(ctx context.Context, filter OutboxFilter) ([]*OutboxEntry, error) {
	query := `SELECT ` + outboxColumns + ` FROM outbox_entries`
	var args []any
	if filter.Status != nil {
		query += " WHERE status = ?"
		args = append(args, string(*filter.Status))
	}
	query += " ORDER BY created_at, id"
	if filter.Limit > 0 {
		query += " LIMIT ?"
		args = append(args, filter.Limit)
	}
	return s.queryOutbox(ctx, s.db, query, args...)
}

// ClaimDueOutbox moves up to limit PENDING entries due at or before now to
// PROCESSING under claimer and returns them.
func (s *LibSQLStore) ClaimDueOutbox(ctx context.Context, now time.Time, limit int, claimer string) ([]*OutboxEntry, error) {
	if limit <= 0 {
		limit = 1
	}
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, fmt.Errorf("begin tx: %w", err)
	}
	defer tx.Rollback()

	due, err := s.queryOutbox(ctx, tx,
		`SELECT `+outboxColumns+` FROM outbox_entries
		 WHERE status = 'PENDING' AND next_attempt_at <= ?
		 ORDER BY next_attempt_at, created_at, id LIMIT ?`,
		ms(now), limit,
	)
	if err != nil {
		return nil, err
	}

	claimed := make([]*OutboxEntry, 0, len(due))
	for _, e := range due {
		res, err := tx.ExecContext(ctx,
			`UPDATE outbox_entries SET status = 'PROCESSING', claimed_by = ?, claimed_at = ?, updated_at = ?
			 WHERE id = ? AND status = 'PENDING'`,
			claimer, ms(now), ms(now), e.ID,
		)
		if err != nil {
			return nil, fmt.Errorf("claim outbox entry %s: %w", e.ID, err)
		}
		if n, _ := res.RowsAffected(); n == 0 {
			continue
		}
		claimedAt := now.UTC()
		e.Status = schema.OutboxProcessing
		e.ClaimedBy = claimer
		e.ClaimedAt = &claimedAt
		e.UpdatedAt = claimedAt
		claimed = append(claimed, e)
	}
	if err := tx.Commit(); err != nil {
		return nil, fmt.Errorf("commit claim: %w", err)
	}
	return claimed, nil
}

// CompleteOutbox marks the entry COMPLETED and moves its SCHEDULED execution log
// rows to SENT.
func (s *LibSQLStore) CompleteOutbox(ctx context.Context, id string, at time.Time) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin tx: %w", err)
	}
	defer tx.Rollback()

	key, err := outboxKey(ctx, tx, id)
	if err != nil {
		return err
	}
	res, err := tx.ExecContext(ctx,
		`UPDATE outbox_entries SET status = 'COMPLETED', claimed_by = NULL, claimed_at = NULL, last_error = NULL, updated_at = ?
		 WHERE id = ? AND status IN ('PENDING', 'PROCESSING')`,
		ms(at), id,
	)
	if err != nil {
		return fmt.Errorf("complete outbox entry: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return schema.NewErrorf(schema.ErrCodeInvalidTransition, "outbox entry %q is already terminal", id)
	}
	if _, err := tx.ExecContext(ctx,
		`UPDATE playbook_execution_logs SET status = 'SENT', executed_at = ?
		 WHERE idempotency_key = ? AND status = 'SCHEDULED'`,
		ms(at), key,
	); err != nil {
		return fmt.Errorf("mark execution log sent: %w", err)
	}
	return tx.Commit()
}

// RescheduleOutbox returns a claimed entry to PENDING with a new attempt count
// and next attempt time.
func (s *LibSQLStore) RescheduleOutbox(ctx context.Context, id string, attempts int, nextAttemptAt time.Time, lastError string, at time.Time) error {
	res, err := s.db.ExecContext(ctx,
		`UPDATE outbox_entries SET status = 'PENDING', attempts = ?, next_attempt_at = ?, last_error = ?,
		   claimed_by = NULL, claimed_at = NULL, updated_at = ?
		 WHERE id = ? AND status IN ('PENDING', 'PROCESSING')`,
		attempts, ms(nextAttemptAt), nullStr(lastError), ms(at), id,
	)
	if err != nil {
		return fmt.Errorf("reschedule outbox entry: %w", err)
	}
	return checkRowsAffected(res, "pending outbox entry", id)
}

// DeadLetterOutbox marks the entry FAILED, records a dead letter and moves the
// linked SCHEDULED execution log rows to FAILED in one transaction. Calling it
// again for the same entry returns the existing dead letter.
func (s *LibSQLStore) DeadLetterOutbox(ctx context.Context, id string, attempts int, reason string, at time.Time) (*DeadLetter, error) {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, fmt.Errorf("begin tx: %w", err)
	}
	defer tx.Rollback()

	entry, err := scanOutbox(tx.QueryRowContext(ctx, `SELECT `+outboxColumns+` FROM outbox_entries WHERE id = ?`, id))
	if err == sql.ErrNoRows {
		return nil, storeNotFound("outbox entry", id)
	}
	if err != nil {
		return nil, err
	}

	res, err := tx.ExecContext(ctx,
		`UPDATE outbox_entries SET status = 'FAILED', attempts = ?, last_error = ?, claimed_by = NULL, claimed_at = NULL, updated_at = ?
		 WHERE id = ? AND status IN ('PENDING', 'PROCESSING')`,
		attempts, nullStr(reason), ms(at), id,
	)
	if err != nil {
		return nil, fmt.Errorf("fail outbox entry: %w", err)
	}
	if n, err := res.RowsAffected(); err != nil {
		return nil, err
	} else if n == 0 {
		// Already terminal: a repeat dead-lettering returns the existing row,
		// anything else (COMPLETED by a concurrent claimer) is refused.
		existing, err := scanDeadLetter(tx.QueryRowContext(ctx,
			`SELECT `+deadLetterColumns+` FROM dead_letters WHERE outbox_id = ?`, id))
		if err == nil {
			return existing, nil
		}
		if err != sql.ErrNoRows {
			return nil, fmt.Errorf("read dead letter: %w", err)
		}
		return nil, schema.NewErrorf(schema.ErrCodeInvalidTransition,
			"outbox entry %q is %s, not dead-lettered", id, entry.Status)
	}

	dl := &DeadLetter{
		ID:             uuid.New().String(),
		OutboxID:       entry.ID,
		Type:           entry.Type,
		Payload:        entry.Payload,
		IdempotencyKey: entry.IdempotencyKey,
		Reason:         reason,
		Attempts:       attempts,
		FailedAt:       at.UTC(),
	}
	if _, err := tx.ExecContext(ctx,
		`INSERT OR IGNORE INTO dead_letters (id, outbox_id, entry_type, payload, idempotency_key, reason, attempts, failed_at)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?)`,
		dl.ID, dl.OutboxID, dl.Type, string(dl.Payload), dl.IdempotencyKey, dl.Reason, dl.Attempts, ms(dl.FailedAt),
	); err != nil {
		return nil, fmt.Errorf("insert dead letter: %w", err)
	}
	if _, err := tx.ExecContext(ctx,
		`UPDATE playbook_execution_logs SET status = 'FAILED', executed_at = ?
		 WHERE idempotency_key = ? AND status = 'SCHEDULED'`,
		ms(at), entry.IdempotencyKey,
	); err != nil {
		return nil, fmt.Errorf("mark execution log failed: %w", err)
	}

	stored, err := scanDeadLetter(tx.QueryRowContext(ctx,
		`SELECT `+deadLetterColumns+` FROM dead_letters WHERE outbox_id = ?`, id))
	if err != nil {
		return nil, fmt.Errorf("read dead letter: %w", err)
	}
	if stored.ID == dl.ID {
		payload, _ := json.Marshal(map[string]any{
			"outbox_id":       entry.ID,
			"idempotency_key": entry.IdempotencyKey,
			"reason":          reason,
			"attempts":        attempts,
		})
		if err := s.appendEventTx(ctx, tx, &Event{
			Type:      schema.EventOutboxDeadLettered,
			Payload:   payload,
			CreatedAt: at,
		}); err != nil {
			return nil, err
		}
	}
	if err := tx.Commit(); err != nil {
		return nil, fmt.Errorf("commit dead letter: %w", err)
	}
	return stored, nil
}

// RequeueStaleOutbox returns PROCESSING entries claimed before claimedBefore to PENDING.
func (s *LibSQLStore) RequeueStaleOutbox(ctx context.Context, claimedBefore time.Time, at time.Time) (int, error) {
	res, err := s.db.ExecContext(ctx,
		`UPDATE outbox_entries SET status = 'PENDING', claimed_by = NULL, claimed_at = NULL, updated_at = ?
		 WHERE status = 'PROCESSING' AND claimed_at < ?`,
		ms(at), ms(claimedBefore),
	)
	if err != nil {
		return 0, fmt.Errorf("requeue stale outbox entries: %w", err)
	}
	n, err := res.RowsAffected()
	return int(n), err
}

func (s *LibSQLStore) queryOutbox(ctx context.Context, q querier, query string, args ...any) ([]*OutboxEntry, error) {
	rows, err := q.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []*OutboxEntry
	for rows.Next() {
		e, err := scanOutbox(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, e)
	}
	return out, rows.Err()
}

func outboxKey(ctx context.Context, tx *sql.Tx, id string) (string, error) {
	var key string
	err := tx.QueryRowContext(ctx, `SELECT idempotency_key FROM outbox_entries WHERE id = ?`, id).Scan(&key)
	if err == sql.ErrNoRows {
		return "", storeNotFound("outbox entry", id)
	}
	return key, err
}

func scanOutbox(sc scanner) (*OutboxEntry, error) {
	e := &OutboxEntry{}
	var status, payload string
	var next, created, updated int64
	var lastErr, claimedBy sql.NullString
	var claimedAt sql.NullInt64
	if err := sc.Scan(&e.ID, &e.Type, &payload, &e.IdempotencyKey, &status, &e.Attempts, &next,
		&lastErr, &claimedBy, &claimedAt, &created, &updated); err != nil {
		return nil, err
	}
	e.Payload = json.RawMessage(payload)
	e.Status = schema.OutboxStatus(status)
	e.NextAttemptAt = fromMs(next)
	e.LastError = lastErr.String
	e.ClaimedBy = claimedBy.String
	e.ClaimedAt = msPtr(claimedAt)
	e.CreatedAt = fromMs(created)
	e.UpdatedAt = fromMs(updated)
	return e, nil
}

// --- Dead letters ---

const deadLetterColumns = `id, outbox_id, entry_type, payload, idempotency_key, reason, attempts, failed_at, replayed_at`

func (s *LibSQLStore) GetDeadLetter(ctx context.Context, id string) (*DeadLetter, error) {
	dl, err := scanDeadLetter(s.db.QueryRowContext(ctx, `SELECT `+deadLetterColumns+` FROM dead_letters WHERE id = ?`, id))
	if err == sql.ErrNoRows {
		return nil, storeNotFound("dead letter", id)
	}
	return dl, err
}

func (s *LibSQLStore) ListDeadLetters(ctx context.Context, filter DeadLetterFilter) ([]*DeadLetter, error) {
	query := `SELECT ` + deadLetterColumns + ` FROM dead_letters`
	var args []any
	if filter.Replayed != nil {
		if *filter.Replayed {
			query += " WHERE replayed_at IS NOT NULL"
		} else {
			query += " WHERE replayed_at IS NULL"
		}
	}
	query += " ORDER BY failed_at DESC, id"
	if filter.Limit > 0 {
		query += " LIMIT ?"
		args = append(args, filter.Limit)
	}

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []*DeadLetter
	for rows.Next() {
		dl, err := scanDeadLetter(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, dl)
	}
	return out, rows.Err()
}

// MarkDeadLetterReplayed records the replay marker. A dead letter that was
// already replayed keeps its first marker and yields a CONFLICT error.
func (s *LibSQLStore) MarkDeadLetterReplayed(ctx context.Context, id string, at time.Time) error {
	res, err := s.db.ExecContext(ctx,
		`UPDATE dead_letters SET replayed_at = ? WHERE id = ? AND replayed_at IS NULL`, ms(at), id)
	if err != nil {
		return fmt.Errorf("mark dead letter replayed: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		if _, err := s.GetDeadLetter(ctx, id); err != nil {
			return err
		}
		return schema.NewErrorf(schema.ErrCodeConflict, "dead letter %q already replayed", id)
	}
	return nil
}

func scanDeadLetter(sc scanner) (*DeadLetter, error) {
	dl := &DeadLetter{}
	var payload string
	var failed int64
	var replayed sql.NullInt64
	if err := sc.Scan(&dl.ID, &dl.OutboxID, &dl.Type, &payload, &dl.IdempotencyKey, &dl.Reason,
		&dl.Attempts, &failed, &replayed); err != nil {
		return nil, err
	}
	dl.Payload = json.RawMessage(payload)
	dl.FailedAt = fromMs(failed)
	dl.ReplayedAt = msPtr(replayed)
	return dl, nil
}
