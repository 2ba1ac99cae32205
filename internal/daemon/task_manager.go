package daemon

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"log"
	"time"

	"github.com/patternservice/patternd/internal/db"
	"github.com/patternservice/patternd/internal/failure"
	"github.com/patternservice/patternd/internal/models"
)

var (
	ErrTaskNotFound          = errors.New("task not found")
	ErrInvalidTaskTransition = errors.New("invalid task status transition")
)

// TaskManager enforces task status transitions. Status and details are
// always written together by one compare-and-swap update.
type TaskManager struct {
	store    *db.Store
	logger   *log.Logger
	metrics  *Metrics
	redactor *Redactor
	now      func() time.Time
}

// NewTaskManager builds a task manager with defaults.
func NewTaskManager(store *db.Store, logger *log.Logger) *TaskManager {
	if logger == nil {
		logger = log.Default()
	}
	return &TaskManager{
		store:  store,
		logger: logger,
		now:    time.Now,
	}
}

// WithMetrics wires optional Prometheus metrics.
func (m *TaskManager) WithMetrics(metrics *Metrics) *TaskManager {
	if m == nil {
		return m
	}
	m.metrics = metrics
	return m
}

// WithRedactor scrubs failure messages before they are stored.
func (m *TaskManager) WithRedactor(redactor *Redactor) *TaskManager {
	if m == nil {
		return m
	}
	m.redactor = redactor
	return m
}

// Create inserts an Initiated task whose details name the resource it drives.
func (m *TaskManager) Create(ctx context.Context, kind models.TaskKind, resourceID int64) (models.Task, error) {
	if m == nil || m.store == nil {
		return models.Task{}, errors.New("task manager not configured")
	}
	details, err := json.Marshal(map[string]any{"model": kind.ModelName(), "id": resourceID})
	if err != nil {
		return models.Task{}, fmt.Errorf("encode task details: %w", err)
	}
	now := m.now().UTC()
	task := models.Task{
		Kind:       kind,
		ResourceID: resourceID,
		Status:     models.TaskInitiated,
		Details:    details,
		CreatedAt:  now,
		UpdatedAt:  now,
	}
	id, err := m.store.CreateTask(ctx, task)
	if err != nil {
		return models.Task{}, err
	}
	task.ID = id
	m.record(ctx, task.ID, EventKindTaskInitiated, fmt.Sprintf("%s %d", kind.ModelName(), resourceID), details)
	m.metrics.IncTaskStatus(kind, models.TaskInitiated)
	return task, nil
}

// Transition validates status, then moves the task to it with details
// replacing the previous payload. Unknown statuses are rejected before any
// read or write.
func (m *TaskManager) Transition(ctx context.Context, id int64, status string, details any) error {
	target, err := models.ParseTaskStatus(status)
	if err != nil {
		return failure.Wrap(failure.KindValidation, "", err)
	}
	if m == nil || m.store == nil {
		return errors.New("task manager not configured")
	}
	payload, err := json.Marshal(details)
	if err != nil {
		return fmt.Errorf("encode task %d details: %w", id, err)
	}
	task, err := m.store.GetTask(ctx, id)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return ErrTaskNotFound
		}
		return fmt.Errorf("load task %d: %w", id, err)
	}
	current := task.Status
	if !models.CanTransitionTask(current, target) {
		return fmt.Errorf("%w: %s -> %s", ErrInvalidTaskTransition, current, target)
	}
	updated, err := m.store.UpdateTaskState(ctx, id, current, target, payload)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return ErrTaskNotFound
		}
		return err
	}
	if !updated {
		return fmt.Errorf("%w: %s -> %s (status changed concurrently)", ErrInvalidTaskTransition, current, target)
	}
	m.applied(ctx, task, target, details, payload)
	return nil
}

// Claim moves an Initiated task to Running. It reports false, without
// error, when the task has already left Initiated, so only one worker ever
// runs a task.
func (m *TaskManager) Claim(ctx context.Context, id int64, info string) (bool, error) {
	if m == nil || m.store == nil {
		return false, errors.New("task manager not configured")
	}
	task, err := m.store.GetTask(ctx, id)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return false, ErrTaskNotFound
		}
		return false, fmt.Errorf("load task %d: %w", id, err)
	}
	if task.Status != models.TaskInitiated {
		return false, nil
	}
	details := map[string]any{"info": info}
	payload, err := json.Marshal(details)
	if err != nil {
		return false, fmt.Errorf("encode task %d details: %w", id, err)
	}
	updated, err := m.store.UpdateTaskState(ctx, id, models.TaskInitiated, models.TaskRunning, payload)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return false, ErrTaskNotFound
		}
		return false, err
	}
	if !updated {
		return false, nil
	}
	m.applied(ctx, task, models.TaskRunning, details, payload)
	return true, nil
}

func (m *TaskManager) applied(ctx context.Context, task models.Task, target models.TaskStatus, details any, payload []byte) {
	m.record(ctx, task.ID, taskEventKind(target), eventMessage(details), payload)
	m.metrics.IncTaskStatus(task.Kind, target)
	if target.Terminal() && !task.CreatedAt.IsZero() {
		m.metrics.ObserveTaskDuration(task.Kind, target, m.now().UTC().Sub(task.CreatedAt))
	}
}

// MarkRunning reports the step about to execute.
func (m *TaskManager) MarkRunning(ctx context.Context, id int64, info string) error {
	return m.Transition(ctx, id, string(models.TaskRunning), map[string]any{"info": info})
}

// MarkCompleted finishes a task successfully.
func (m *TaskManager) MarkCompleted(ctx context.Context, id int64, info string) error {
	return m.Transition(ctx, id, string(models.TaskCompleted), map[string]any{"info": info})
}

// MarkFailed finishes a task with cause's message and failure kind.
func (m *TaskManager) MarkFailed(ctx context.Context, id int64, cause error) error {
	if cause == nil {
		cause = errors.New("unknown error")
	}
	return m.Transition(ctx, id, string(models.TaskFailed), map[string]any{
		"error": m.redact(cause.Error()),
		"kind":  string(failure.KindOf(cause)),
	})
}

func (m *TaskManager) redact(text string) string {
	if m == nil {
		return text
	}
	return m.redactor.Redact(text)
}

func (m *TaskManager) record(ctx context.Context, taskID int64, kind EventKind, msg string, payload []byte) {
	if err := m.store.RecordEvent(ctx, string(kind), &taskID, msg, string(payload)); err != nil {
		m.logger.Printf("task %d: record %s event: %v", taskID, kind, err)
	}
}

func eventMessage(details any) string {
	fields, ok := details.(map[string]any)
	if !ok {
		return ""
	}
	for _, key := range []string{"error", "info"} {
		if text, ok := fields[key].(string); ok {
			return text
		}
	}
	return ""
}
