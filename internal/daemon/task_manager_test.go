package daemon

import (
	"context"
	"errors"
	"testing"

	promtestutil "github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/patternservice/patternd/internal/failure"
	"github.com/patternservice/patternd/internal/models"
)

func newTestTaskManager(t *testing.T) (*TaskManager, *Metrics) {
	t.Helper()
	metrics := NewMetrics()
	return NewTaskManager(newTestStore(t), quietLogger()).WithMetrics(metrics), metrics
}

func TestTaskManagerCreate(t *testing.T) {
	tm, metrics := newTestTaskManager(t)
	ctx := context.Background()

	task, err := tm.Create(ctx, models.TaskKindPatternInstance, 7)
	require.NoError(t, err)
	assert.NotZero(t, task.ID)

	stored := mustGetTask(t, tm.store, task.ID)
	assert.Equal(t, models.TaskInitiated, stored.Status)
	assert.Equal(t, models.TaskKindPatternInstance, stored.Kind)
	assert.Equal(t, int64(7), stored.ResourceID)
	assert.Equal(t, map[string]any{"model": "PatternInstance", "id": float64(7)}, taskDetails(t, stored))

	events, err := tm.store.ListEventsByTask(ctx, task.ID, 0, 10)
	require.NoError(t, err)
	require.Len(t, events, 1)
	assert.Equal(t, string(EventKindTaskInitiated), events[0].Kind)
	assert.Equal(t, float64(1), promtestutil.ToFloat64(metrics.taskStatusTotal.WithLabelValues("pattern_instance", "Initiated")))
}

func TestTaskManagerTransitionRejectsUnknownStatus(t *testing.T) {
	tm, _ := newTestTaskManager(t)

	// The task does not exist: an unknown status must fail before any lookup.
	err := tm.Transition(context.Background(), 999, "Paused", map[string]any{"info": "x"})
	require.Error(t, err)
	assert.ErrorIs(t, err, models.ErrUnknownTaskStatus)
	assert.NotErrorIs(t, err, ErrTaskNotFound)
	assert.Equal(t, failure.KindValidation, failure.KindOf(err))

	for _, status := range []string{"running", "RUNNING", " Running", ""} {
		err := tm.Transition(context.Background(), 999, status, nil)
		assert.ErrorIs(t, err, models.ErrUnknownTaskStatus, "status %q", status)
	}
}

func TestTaskManagerTransitionMissingTask(t *testing.T) {
	tm, _ := newTestTaskManager(t)
	err := tm.Transition(context.Background(), 999, "Running", map[string]any{"info": "x"})
	assert.ErrorIs(t, err, ErrTaskNotFound)
}

func TestTaskManagerLifecycle(t *testing.T) {
	tm, metrics := newTestTaskManager(t)
	ctx := context.Background()
	task, err := tm.Create(ctx, models.TaskKindPattern, 1)
	require.NoError(t, err)

	claimed, err := tm.Claim(ctx, task.ID, "Processing pattern")
	require.NoError(t, err)
	assert.True(t, claimed)
	require.NoError(t, tm.MarkRunning(ctx, task.ID, "Downloading collection"))

	stored := mustGetTask(t, tm.store, task.ID)
	assert.Equal(t, models.TaskRunning, stored.Status)
	assert.Equal(t, map[string]any{"info": "Downloading collection"}, taskDetails(t, stored))

	require.NoError(t, tm.MarkCompleted(ctx, task.ID, "Pattern processed successfully"))
	stored = mustGetTask(t, tm.store, task.ID)
	assert.Equal(t, models.TaskCompleted, stored.Status)
	assert.Equal(t, map[string]any{"info": "Pattern processed successfully"}, taskDetails(t, stored))

	err = tm.MarkRunning(ctx, task.ID, "again")
	assert.ErrorIs(t, err, ErrInvalidTaskTransition)
	err = tm.MarkFailed(ctx, task.ID, errors.New("late"))
	assert.ErrorIs(t, err, ErrInvalidTaskTransition)
	assert.Equal(t, models.TaskCompleted, mustGetTask(t, tm.store, task.ID).Status)

	events, err := tm.store.ListEventsByTask(ctx, task.ID, 0, 10)
	require.NoError(t, err)
	kinds := make([]string, 0, len(events))
	for _, ev := range events {
		kinds = append(kinds, ev.Kind)
	}
	assert.Equal(t, []string{"task.initiated", "task.running", "task.running", "task.completed"}, kinds)
	assert.Equal(t, "Pattern processed successfully", events[3].Message)

	assert.Equal(t, float64(2), promtestutil.ToFloat64(metrics.taskStatusTotal.WithLabelValues("pattern", "Running")))
	assert.Equal(t, 1, promtestutil.CollectAndCount(metrics.taskDurationSeconds))
}

func TestTaskManagerTransitionRejectsInitiated(t *testing.T) {
	tm, _ := newTestTaskManager(t)
	ctx := context.Background()
	task, err := tm.Create(ctx, models.TaskKindPattern, 1)
	require.NoError(t, err)

	err = tm.Transition(ctx, task.ID, "Initiated", map[string]any{"info": "reset"})
	assert.ErrorIs(t, err, ErrInvalidTaskTransition)
}

func TestTaskManagerClaimOnlyOnce(t *testing.T) {
	tm, _ := newTestTaskManager(t)
	ctx := context.Background()
	task, err := tm.Create(ctx, models.TaskKindPattern, 1)
	require.NoError(t, err)

	first, err := tm.Claim(ctx, task.ID, "Processing pattern")
	require.NoError(t, err)
	second, err := tm.Claim(ctx, task.ID, "Processing pattern")
	require.NoError(t, err)
	assert.True(t, first)
	assert.False(t, second)

	_, err = tm.Claim(ctx, 999, "x")
	assert.ErrorIs(t, err, ErrTaskNotFound)
}

func TestTaskManagerMarkFailedDetails(t *testing.T) {
	tm, _ := newTestTaskManager(t)
	redactor := NewRedactor(nil)
	redactor.AddValues("hunter2-secret")
	tm.WithRedactor(redactor)
	ctx := context.Background()
	task, err := tm.Create(ctx, models.TaskKindPatternInstance, 3)
	require.NoError(t, err)

	cause := failure.Wrap(failure.KindTransport, "post project", errors.New("401 for user admin password=hunter2-secret"))
	require.NoError(t, tm.MarkFailed(ctx, task.ID, cause))

	stored := mustGetTask(t, tm.store, task.ID)
	assert.Equal(t, models.TaskFailed, stored.Status)
	details := taskDetails(t, stored)
	assert.Equal(t, "transport", details["kind"])
	assert.NotContains(t, details["error"], "hunter2-secret")
	assert.Contains(t, details["error"], "post project")
	assert.Contains(t, details["error"], redactedValue)
}

func TestTaskManagerMarkFailedNilCause(t *testing.T) {
	tm, _ := newTestTaskManager(t)
	ctx := context.Background()
	task, err := tm.Create(ctx, models.TaskKindPattern, 1)
	require.NoError(t, err)

	require.NoError(t, tm.MarkFailed(ctx, task.ID, nil))
	assert.Equal(t, "unknown error", taskDetails(t, mustGetTask(t, tm.store, task.ID))["error"])
}
