package db

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/patternservice/patternd/internal/models"
)

const taskColumns = `id, kind, resource_id, status, details_json, created_at, updated_at`

// CreateTask inserts a task and returns its id. An empty status means Initiated.
func (s *Store) CreateTask(ctx context.Context, task models.Task) (int64, error) {
	if s == nil || s.DB == nil {
		return 0, errors.New("db store is nil")
	}
	if !task.Kind.Valid() {
		return 0, fmt.Errorf("unknown task kind %q", task.Kind)
	}
	if task.ResourceID <= 0 {
		return 0, errors.New("task resource id is required")
	}
	if task.Status == "" {
		task.Status = models.TaskInitiated
	}
	if !task.Status.Valid() {
		return 0, fmt.Errorf("%w: %q", models.ErrUnknownTaskStatus, task.Status)
	}
	createdAt, updatedAt := timestamps(task.CreatedAt, task.UpdatedAt)
	res, err := s.DB.ExecContext(ctx, `INSERT INTO tasks (kind, resource_id, status, details_json, created_at, updated_at)
		VALUES (?, ?, ?, ?, ?, ?)`,
		string(task.Kind),
		task.ResourceID,
		string(task.Status),
		nullIfEmpty(string(task.Details)),
		createdAt,
		updatedAt,
	)
	if err != nil {
		return 0, fmt.Errorf("insert task: %w", err)
	}
	id, err := res.LastInsertId()
	if err != nil {
		return 0, fmt.Errorf("task id: %w", err)
	}
	return id, nil
}

// GetTask loads a task by id.
func (s *Store) GetTask(ctx context.Context, id int64) (models.Task, error) {
	if s == nil || s.DB == nil {
		return models.Task{}, errors.New("db store is nil")
	}
	row := s.DB.QueryRowContext(ctx, `SELECT `+taskColumns+` FROM tasks WHERE id = ?`, id)
	return scanTaskRow(row)
}

// ListTasks returns all tasks ordered by id.
func (s *Store) ListTasks(ctx context.Context) ([]models.Task, error) {
	if s == nil || s.DB == nil {
		return nil, errors.New("db store is nil")
	}
	return s.queryTasks(ctx, `SELECT `+taskColumns+` FROM tasks ORDER BY id`)
}

// ListTasksByStatus returns tasks currently in status, oldest first.
func (s *Store) ListTasksByStatus(ctx context.Context, status models.TaskStatus) ([]models.Task, error) {
	if s == nil || s.DB == nil {
		return nil, errors.New("db store is nil")
	}
	if !status.Valid() {
		return nil, fmt.Errorf("%w: %q", models.ErrUnknownTaskStatus, status)
	}
	return s.queryTasks(ctx, `SELECT `+taskColumns+` FROM tasks WHERE status = ? ORDER BY id`, string(status))
}

// UpdateTaskState moves a task from one status to another, replacing its
// details in the same statement. It reports false when the task was not in
// the expected status. Missing tasks return sql.ErrNoRows.
func (s *Store) UpdateTaskState(ctx context.Context, id int64, from, to models.TaskStatus, details []byte) (bool, error) {
	if s == nil || s.DB == nil {
		return false, errors.New("db store is nil")
	}
	if !from.Valid() || !to.Valid() {
		return false, fmt.Errorf("%w: %q -> %q", models.ErrUnknownTaskStatus, from, to)
	}
	updatedAt := formatTime(time.Now().UTC())
	res, err := s.DB.ExecContext(ctx, `UPDATE tasks SET status = ?, details_json = ?, updated_at = ? WHERE id = ? AND status = ?`,
		string(to), nullIfEmpty(string(details)), updatedAt, id, string(from))
	if err != nil {
		return false, fmt.Errorf("update task %d: %w", id, err)
	}
	affected, err := res.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("rows affected task %d: %w", id, err)
	}
	if affected > 0 {
		return true, nil
	}
	var exists int
	err = s.DB.QueryRowContext(ctx, `SELECT 1 FROM tasks WHERE id = ?`, id).Scan(&exists)
	if errors.Is(err, sql.ErrNoRows) {
		return false, sql.ErrNoRows
	}
	if err != nil {
		return false, fmt.Errorf("lookup task %d: %w", id, err)
	}
	return false, nil
}

func (s *Store) queryTasks(ctx context.Context, query string, args ...any) ([]models.Task, error) {
	rows, err := s.DB.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("list tasks: %w", err)
	}
	defer rows.Close()
	var out []models.Task
	for rows.Next() {
		task, err := scanTaskRow(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, task)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate tasks: %w", err)
	}
	return out, nil
}

func scanTaskRow(scanner interface{ Scan(dest ...any) error }) (models.Task, error) {
	var task models.Task
	var kind string
	var status string
	var details sql.NullString
	var createdAt string
	var updatedAt string
	if err := scanner.Scan(&task.ID, &kind, &task.ResourceID, &status, &details, &createdAt, &updatedAt); err != nil {
		return models.Task{}, err
	}
	task.Kind = models.TaskKind(kind)
	parsedStatus, err := models.ParseTaskStatus(status)
	if err != nil {
		return models.Task{}, err
	}
	task.Status = parsedStatus
	if details.Valid && details.String != "" {
		task.Details = []byte(details.String)
	}
	if task.CreatedAt, err = parseTime(createdAt); err != nil {
		return models.Task{}, fmt.Errorf("parse created_at: %w", err)
	}
	if task.UpdatedAt, err = parseTime(updatedAt); err != nil {
		return models.Task{}, fmt.Errorf("parse updated_at: %w", err)
	}
	return task, nil
}
