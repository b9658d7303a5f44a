package store

import (
	"context"
	"database/sql"
	"fmt"
	"strings"
)

// AppendEvent appends an event to the log. The assigned id is written back to event.ID.
func (s *LibSQLStore) AppendEvent(ctx context.Context, event *Event) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin tx: %w", err)
	}
	defer tx.Rollback()

	if err := s.appendEventTx(ctx, tx, event); err != nil {
		return err
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit event: %w", err)
	}
	return nil
}

// appendEventTx inserts the event inside tx and reads back its rowid.
func (s *LibSQLStore) appendEventTx(ctx context.Context, tx *sql.Tx, event *Event) error {
	if event.CreatedAt.IsZero() {
		event.CreatedAt = s.now()
	}
	if _, err := tx.ExecContext(ctx,
		`INSERT INTO events (event_type, instance_id, run_id, payload, created_at) VALUES (?, ?, ?, ?, ?)`,
		event.Type, nullStr(event.InstanceID), nullStr(event.RunID), nullRaw(event.Payload), ms(event.CreatedAt),
	); err != nil {
		return fmt.Errorf("insert event: %w", err)
	}
	if err := tx.QueryRowContext(ctx, `SELECT last_insert_rowid()`).Scan(&event.ID); err != nil {
		return fmt.Errorf("read event id: %w", err)
	}
	return nil
}

// ListEvents returns events with id > filter.AfterID in ascending id order.
func (s *LibSQLStore) ListEvents(ctx context.Context, filter EventFilter) ([]*Event, error) {
	where := []string{"id > ?"}
	args := []any{filter.AfterID}
	if len(filter.Types) > 0 {
		ph := make([]string, len(filter.Types))
		for i, t := range filter.Types {
			ph[i] = "?"
			args = append(args, t)
		}
		where = append(where, "event_type IN ("+strings.Join(ph, ",")+")")
	}
	query := `SELECT id, event_type, instance_id, run_id, payload, created_at FROM events WHERE ` +
		strings.Join(where, " AND ") + ` ORDER BY id ASC`
	if filter.Limit > 0 {
		query += " LIMIT ?"
		args = append(args, filter.Limit)
	}

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var events []*Event
	for rows.Next() {
		e := &Event{}
		var instanceID, runID, payload sql.NullString
		var created int64
		if err := rows.Scan(&e.ID, &e.Type, &instanceID, &runID, &payload, &created); err != nil {
			return nil, err
		}
		e.InstanceID = instanceID.String
		e.RunID = runID.String
		e.Payload = rawOrNil(payload)
		e.CreatedAt = fromMs(created)
		events = append(events, e)
	}
	return events, rows.Err()
}

// GetCursor returns the last event id consumed by the named reader, or 0.
func (s *LibSQLStore) GetCursor(ctx context.Context, name string) (int64, error) {
	var id int64
	err := s.db.QueryRowContext(ctx, `SELECT last_event_id FROM runner_cursors WHERE name = ?`, name).Scan(&id)
	if err == sql.ErrNoRows {
		return 0, nil
	}
	return id, err
}

// SetCursor moves the named cursor forward. It never moves backwards.
func (s *LibSQLStore) SetCursor(ctx context.Context, name string, eventID int64) error {
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO runner_cursors (name, last_event_id, updated_at) VALUES (?, ?, ?)
		 ON CONFLICT(name) DO UPDATE SET last_event_id = MAX(runner_cursors.last_event_id, excluded.last_event_id),
		   updated_at = excluded.updated_at`,
		name, eventID, ms(s.now()),
	)
	return err
}

func nullRaw(b []byte) any {
	if len(b) == 0 {
		return nil
	}
	return string(b)
}
