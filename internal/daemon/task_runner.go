package daemon

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"log"
	"runtime/debug"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"

	"github.com/patternservice/patternd/internal/collection"
	"github.com/patternservice/patternd/internal/controller"
	"github.com/patternservice/patternd/internal/db"
	"github.com/patternservice/patternd/internal/failure"
	"github.com/patternservice/patternd/internal/models"
	"github.com/patternservice/patternd/internal/provision"
)

// Task details reported by the runners.
const (
	infoProcessingPattern  = "Processing pattern"
	infoPatternDone        = "Pattern processed successfully"
	infoProcessingInstance = "Processing pattern instance"
	infoInstanceDone       = "PatternInstance processed successfully"
	errDefinitionNotFound  = "Pattern definition not found."
)

var tracer = otel.Tracer("github.com/patternservice/patternd/internal/daemon")

// TaskRunner executes one task end to end: the collection fetch for pattern
// tasks, provisioning for pattern instance tasks. Every error ends in a
// Failed transition.
type TaskRunner struct {
	store   *db.Store
	tasks   *TaskManager
	fetcher *collection.Fetcher
	client  *controller.Client
	sync    controller.SyncOptions
	logger  *log.Logger
}

// NewTaskRunner wires a runner. client opens one session per instance task.
func NewTaskRunner(store *db.Store, tasks *TaskManager, fetcher *collection.Fetcher, client *controller.Client, sync controller.SyncOptions, logger *log.Logger) *TaskRunner {
	if logger == nil {
		logger = log.Default()
	}
	return &TaskRunner{
		store:   store,
		tasks:   tasks,
		fetcher: fetcher,
		client:  client,
		sync:    sync,
		logger:  logger,
	}
}

// Run executes the task if it is still Initiated. Tasks already claimed by
// another worker, or finished, are skipped. The returned error is the cause
// recorded on the task, or a failure to record it.
func (r *TaskRunner) Run(ctx context.Context, taskID int64) (err error) {
	if r == nil || r.store == nil || r.tasks == nil {
		return errors.New("task runner not configured")
	}
	task, err := r.store.GetTask(ctx, taskID)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return ErrTaskNotFound
		}
		return fmt.Errorf("load task %d: %w", taskID, err)
	}
	if task.Status != models.TaskInitiated {
		r.logger.Printf("task %d: status %s, skipping", task.ID, task.Status)
		return nil
	}

	ctx, span := tracer.Start(ctx, "task.Run")
	span.SetAttributes(
		attribute.Int64("task.id", task.ID),
		attribute.String("task.kind", string(task.Kind)),
		attribute.Int64("task.resource_id", task.ResourceID),
	)
	defer func() {
		if err != nil {
			span.RecordError(err)
			span.SetStatus(codes.Error, err.Error())
		}
		span.End()
	}()
	// A panic after the claim must still end the task, or it stays Running.
	defer func() {
		if rec := recover(); rec != nil {
			r.logger.Printf("task %d: panic: %v\n%s", task.ID, rec, debug.Stack())
			err = r.fail(context.WithoutCancel(ctx), task, failure.New(failure.KindInternal, fmt.Sprint(rec)))
		}
	}()

	switch task.Kind {
	case models.TaskKindPattern:
		return r.runPattern(ctx, task)
	case models.TaskKindPatternInstance:
		return r.runInstance(ctx, task)
	default:
		return r.fail(ctx, task, failure.Newf(failure.KindValidation, "unknown task kind %q", task.Kind))
	}
}

func (r *TaskRunner) runPattern(ctx context.Context, task models.Task) error {
	claimed, err := r.tasks.Claim(ctx, task.ID, infoProcessingPattern)
	if err != nil || !claimed {
		return err
	}
	pattern, err := r.store.GetPattern(ctx, task.ResourceID)
	if err != nil {
		return r.fail(ctx, task, lookupError("pattern", task.ResourceID, err))
	}
	if r.fetcher == nil {
		return r.fail(ctx, task, errors.New("collection fetcher unavailable"))
	}
	fetched, err := r.fetcher.LoadDefinition(ctx, pattern.CollectionName, pattern.CollectionVersion, pattern.PatternName)
	if err != nil {
		if errors.Is(err, collection.ErrDefinitionNotFound) {
			r.logger.Printf("task %d: could not find pattern definition: %v", task.ID, err)
			err = failure.New(failure.KindNotFound, errDefinitionNotFound)
		}
		return r.fail(ctx, task, err)
	}
	if err := r.store.UpdatePatternDefinition(ctx, pattern.ID, fetched.Definition, fetched.URI); err != nil {
		return r.fail(ctx, task, err)
	}
	return r.complete(ctx, task, infoPatternDone)
}

func (r *TaskRunner) runInstance(ctx context.Context, task models.Task) error {
	claimed, err := r.tasks.Claim(ctx, task.ID, infoProcessingInstance)
	if err != nil || !claimed {
		return err
	}
	inst, err := r.store.GetPatternInstance(ctx, task.ResourceID)
	if err != nil {
		return r.fail(ctx, task, lookupError("pattern instance", task.ResourceID, err))
	}
	pattern, err := r.store.GetPattern(ctx, inst.PatternID)
	if err != nil {
		return r.fail(ctx, task, lookupError("pattern", inst.PatternID, err))
	}
	if r.client == nil {
		return r.fail(ctx, task, errors.New("controller client unavailable"))
	}

	session := r.client.NewSession()
	defer session.Close()
	prov := &provision.Provisioner{
		Session:        session,
		Labels:         r.store,
		ControllerHost: r.client.Host(),
		Sync:           r.sync,
		Report: func(ctx context.Context, info string) error {
			return r.tasks.MarkRunning(ctx, task.ID, info)
		},
		Logger: r.logger,
	}
	res, err := prov.Provision(ctx, inst, pattern)
	if err != nil {
		return r.fail(ctx, task, err)
	}
	state := db.InstanceState{
		ProjectID:   res.ProjectID,
		EEID:        res.EEID,
		LabelIDs:    res.LabelIDs(),
		Automations: res.Automations,
	}
	if err := r.store.SaveInstanceState(ctx, inst.ID, state); err != nil {
		return r.fail(ctx, task, fmt.Errorf("save instance %d state: %w", inst.ID, err))
	}
	return r.complete(ctx, task, infoInstanceDone)
}

func (r *TaskRunner) complete(ctx context.Context, task models.Task, info string) error {
	if err := r.tasks.MarkCompleted(ctx, task.ID, info); err != nil {
		r.logger.Printf("task %d: mark completed: %v", task.ID, err)
		return err
	}
	r.logger.Printf("task %d: %s", task.ID, info)
	return nil
}

func (r *TaskRunner) fail(ctx context.Context, task models.Task, cause error) error {
	r.logger.Printf("task %d failed (%s): %s", task.ID, failure.KindOf(cause), r.tasks.redact(cause.Error()))
	if err := r.tasks.MarkFailed(ctx, task.ID, cause); err != nil {
		r.logger.Printf("task %d: mark failed: %v", task.ID, err)
	}
	return cause
}

func lookupError(what string, id int64, err error) error {
	if errors.Is(err, sql.ErrNoRows) {
		return failure.Newf(failure.KindNotFound, "%s %d not found", what, id)
	}
	return fmt.Errorf("load %s %d: %w", what, id, err)
}
