package db

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"time"
)

// Event is one entry of the append-only task log.
type Event struct {
	ID        int64
	Timestamp time.Time
	Kind      string
	TaskID    *int64
	Message   string
	JSON      string
}

// RecordEvent appends an event. taskID may be nil for service-level events.
func (s *Store) RecordEvent(ctx context.Context, kind string, taskID *int64, msg string, payload string) error {
	if s == nil || s.DB == nil {
		return errors.New("db store is nil")
	}
	kind = strings.TrimSpace(kind)
	if kind == "" {
		return errors.New("event kind is required")
	}
	_, err := s.DB.ExecContext(ctx, `INSERT INTO events (ts, kind, task_id, msg, json) VALUES (?, ?, ?, ?, ?)`,
		formatTime(time.Now().UTC()), kind, nullInt64(taskID), nullIfEmpty(msg), nullIfEmpty(payload))
	if err != nil {
		return fmt.Errorf("insert event: %w", err)
	}
	return nil
}

// ListEventsByTask returns up to limit events for a task with id > afterID,
// oldest first.
func (s *Store) ListEventsByTask(ctx context.Context, taskID int64, afterID int64, limit int) ([]Event, error) {
	if s == nil || s.DB == nil {
		return nil, errors.New("db store is nil")
	}
	if taskID <= 0 {
		return nil, errors.New("task id must be positive")
	}
	if limit <= 0 {
		return nil, errors.New("limit must be positive")
	}
	rows, err := s.DB.QueryContext(ctx, `SELECT id, ts, kind, task_id, msg, json
		FROM events WHERE task_id = ? AND id > ? ORDER BY id ASC LIMIT ?`, taskID, afterID, limit)
	if err != nil {
		return nil, fmt.Errorf("list events: %w", err)
	}
	defer rows.Close()
	var out []Event
	for rows.Next() {
		ev, err := scanEventRow(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, ev)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate events: %w", err)
	}
	return out, nil
}

func scanEventRow(scanner interface{ Scan(dest ...any) error }) (Event, error) {
	var ev Event
	var ts string
	var taskID sql.NullInt64
	var msg sql.NullString
	var jsonPayload sql.NullString
	if err := scanner.Scan(&ev.ID, &ts, &ev.Kind, &taskID, &msg, &jsonPayload); err != nil {
		return Event{}, err
	}
	if ts != "" {
		parsed, err := parseTime(ts)
		if err != nil {
			return Event{}, fmt.Errorf("parse event ts: %w", err)
		}
		ev.Timestamp = parsed
	}
	if taskID.Valid {
		value := taskID.Int64
		ev.TaskID = &value
	}
	if msg.Valid {
		ev.Message = msg.String
	}
	if jsonPayload.Valid {
		ev.JSON = jsonPayload.String
	}
	return ev, nil
}
