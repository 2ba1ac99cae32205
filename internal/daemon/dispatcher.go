package daemon

import (
	"context"
	"errors"
	"log"
	"runtime/debug"
	"sync"
	"time"

	"github.com/patternservice/patternd/internal/models"
)

const (
	defaultWorkers   = 4
	defaultQueueSize = 256
)

// ErrDispatcherStopped is returned by Submit after Stop.
var ErrDispatcherStopped = errors.New("task dispatcher stopped")

// TaskExecutor runs one task to a terminal status.
type TaskExecutor interface {
	Run(ctx context.Context, taskID int64) error
}

// PendingTaskLister finds tasks left Initiated by a previous process.
type PendingTaskLister interface {
	ListTasksByStatus(ctx context.Context, status models.TaskStatus) ([]models.Task, error)
}

// Dispatcher feeds task IDs to a fixed pool of workers. A task runs
// entirely on the worker that dequeues it. Running tasks do not observe
// shutdown; Stop waits for them.
type Dispatcher struct {
	exec    TaskExecutor
	pending PendingTaskLister
	workers int
	queue   chan int64
	done    chan struct{}
	logger  *log.Logger
	metrics *Metrics

	rescanEvery time.Duration
	now         func() time.Time

	startOnce sync.Once
	stopOnce  sync.Once
	wg        sync.WaitGroup
}

// NewDispatcher builds a dispatcher. Non-positive sizes take defaults.
func NewDispatcher(exec TaskExecutor, pending PendingTaskLister, workers, queueSize int, logger *log.Logger) *Dispatcher {
	if workers <= 0 {
		workers = defaultWorkers
	}
	if queueSize <= 0 {
		queueSize = defaultQueueSize
	}
	if logger == nil {
		logger = log.Default()
	}
	return &Dispatcher{
		exec:    exec,
		pending: pending,
		workers: workers,
		queue:   make(chan int64, queueSize),
		done:    make(chan struct{}),
		logger:  logger,
		now:     time.Now,
	}
}

// WithRescan makes the dispatcher look for Initiated tasks every interval,
// not only at start. A task qualifies once it has been idle for a full
// interval, which covers submissions that failed after the task was stored.
func (d *Dispatcher) WithRescan(every time.Duration) *Dispatcher {
	if d == nil {
		return d
	}
	d.rescanEvery = every
	return d
}

// WithMetrics wires optional Prometheus metrics.
func (d *Dispatcher) WithMetrics(metrics *Metrics) *Dispatcher {
	if d == nil {
		return d
	}
	d.metrics = metrics
	return d
}

// Start launches the workers and re-enqueues Initiated tasks. Workers stop
// taking new tasks when ctx is done or Stop is called.
func (d *Dispatcher) Start(ctx context.Context) {
	if d == nil {
		return
	}
	d.startOnce.Do(func() {
		runCtx := context.WithoutCancel(ctx)
		for i := 0; i < d.workers; i++ {
			d.wg.Add(1)
			go d.worker(ctx, runCtx)
		}
		if d.pending != nil {
			d.wg.Add(1)
			go func() {
				defer d.wg.Done()
				d.requeue(ctx, time.Time{})
			}()
		}
		if d.pending != nil && d.rescanEvery > 0 {
			d.wg.Add(1)
			go d.rescan(ctx)
		}
	})
}

// Submit enqueues a task, blocking while the queue is full.
func (d *Dispatcher) Submit(ctx context.Context, taskID int64) error {
	if d == nil {
		return errors.New("task dispatcher not configured")
	}
	select {
	case <-d.done:
		return ErrDispatcherStopped
	default:
	}
	select {
	case d.queue <- taskID:
		d.metrics.SetQueueDepth(len(d.queue))
		return nil
	case <-d.done:
		return ErrDispatcherStopped
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Stop refuses new submissions and waits for in-flight tasks. Queued tasks
// stay Initiated in the store and are picked up on the next Start.
func (d *Dispatcher) Stop() {
	if d == nil {
		return
	}
	d.stopOnce.Do(func() { close(d.done) })
	d.wg.Wait()
}

func (d *Dispatcher) worker(ctx, runCtx context.Context) {
	defer d.wg.Done()
	for {
		select {
		case <-ctx.Done():
			return
		case <-d.done:
			return
		case id := <-d.queue:
			d.metrics.SetQueueDepth(len(d.queue))
			d.runOne(runCtx, id)
		}
	}
}

func (d *Dispatcher) runOne(ctx context.Context, taskID int64) {
	defer func() {
		if rec := recover(); rec != nil {
			d.logger.Printf("task %d: panic: %v\n%s", taskID, rec, debug.Stack())
		}
	}()
	if err := d.exec.Run(ctx, taskID); err != nil {
		d.logger.Printf("task %d: %v", taskID, err)
	}
}

func (d *Dispatcher) rescan(ctx context.Context) {
	defer d.wg.Done()
	ticker := time.NewTicker(d.rescanEvery)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-d.done:
			return
		case <-ticker.C:
			d.requeue(ctx, d.now().Add(-d.rescanEvery))
		}
	}
}

// requeue submits Initiated tasks last updated before idleSince. The zero
// time selects all of them.
func (d *Dispatcher) requeue(ctx context.Context, idleSince time.Time) {
	all, err := d.pending.ListTasksByStatus(ctx, models.TaskInitiated)
	if err != nil {
		d.logger.Printf("patternd: list initiated tasks: %v", err)
		return
	}
	var tasks []models.Task
	for _, task := range all {
		if idleSince.IsZero() || task.UpdatedAt.Before(idleSince) {
			tasks = append(tasks, task)
		}
	}
	if len(tasks) > 0 {
		d.logger.Printf("patternd: re-enqueueing %d initiated tasks", len(tasks))
	}
	for _, task := range tasks {
		if err := d.Submit(ctx, task.ID); err != nil {
			d.logger.Printf("patternd: re-enqueue task %d: %v", task.ID, err)
			return
		}
	}
}
