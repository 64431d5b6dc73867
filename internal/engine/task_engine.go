// internal/engine/task_engine.go
package engine

import (
	"context"
	"errors"
	"fmt"
	"runtime/debug"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/xkilldash9x/quoteflow/internal/config"
)

var (
	// ErrNotRunning is returned by Submit before Start or after Stop.
	ErrNotRunning = errors.New("task engine is not running")
)

// Task is one unit of blocking work, typically a portal run for a session.
type Task struct {
	ID        string
	Kind      string
	SessionID string
	Run       func(ctx context.Context) error
}

type job struct {
	task Task
	done chan error
}

// TaskEngine runs tasks on a fixed pool of workers fed by a bounded queue.
type TaskEngine struct {
	cfg    config.Interface
	logger *zap.Logger
	wg     sync.WaitGroup
	queue  chan job

	// stateLock protects the running state and the queue lifecycle.
	stateLock sync.RWMutex
	isRunning bool
	cancel    context.CancelFunc
}

// New creates a new TaskEngine.
func New(cfg config.Interface, logger *zap.Logger) (*TaskEngine, error) {
	if cfg == nil {
		return nil, errors.New("config cannot be nil")
	}
	if logger == nil {
		return nil, errors.New("logger cannot be nil")
	}
	return &TaskEngine{
		cfg:    cfg,
		logger: logger.With(zap.String("component", "task_engine")),
	}, nil
}

// Start launches the worker pool. Tasks run under a context derived from ctx,
// so canceling ctx aborts every in-flight run.
func (e *TaskEngine) Start(ctx context.Context) {
	e.stateLock.Lock()
	defer e.stateLock.Unlock()
	if e.isRunning {
		e.logger.Warn("TaskEngine.Start called, but engine is already running.")
		return
	}

	concurrency := e.cfg.Engine().WorkerConcurrency
	if concurrency <= 0 {
		concurrency = 4
	}
	queueSize := e.cfg.Engine().QueueSize
	if queueSize < 0 {
		queueSize = 0
	}

	runCtx, cancel := context.WithCancel(ctx)
	e.cancel = cancel
	e.queue = make(chan job, queueSize)
	e.isRunning = true

	e.logger.Info("Starting task engine worker pool", zap.Int("concurrency", concurrency), zap.Int("queue_size", queueSize))
	for i := 0; i < concurrency; i++ {
		e.wg.Add(1)
		go e.runWorker(runCtx, i+1, e.queue)
	}
}

// Submit queues task and blocks until it has run. If ctx ends first, Submit
// returns ctx.Err(); a task that already started keeps running to completion.
func (e *TaskEngine) Submit(ctx context.Context, task Task) error {
	if task.Run == nil {
		return fmt.Errorf("task %s has no body", task.ID)
	}
	j := job{task: task, done: make(chan error, 1)}

	e.stateLock.RLock()
	if !e.isRunning {
		e.stateLock.RUnlock()
		return ErrNotRunning
	}
	select {
	case e.queue <- j:
		e.stateLock.RUnlock()
	case <-ctx.Done():
		e.stateLock.RUnlock()
		return ctx.Err()
	}

	select {
	case err := <-j.done:
		return err
	case <-ctx.Done():
		e.logger.Warn("Caller stopped waiting for task.", zap.String("task_id", task.ID), zap.Error(ctx.Err()))
		return ctx.Err()
	}
}

// Stop closes the queue and waits for queued and running tasks to finish.
// If ctx ends first, in-flight tasks are canceled.
func (e *TaskEngine) Stop(ctx context.Context) {
	e.stateLock.Lock()
	if !e.isRunning {
		e.stateLock.Unlock()
		return
	}
	e.isRunning = false
	close(e.queue)
	cancel := e.cancel
	e.stateLock.Unlock()

	e.logger.Info("Stopping task engine... waiting for workers to finish.")
	stopped := make(chan struct{})
	go func() {
		e.wg.Wait()
		close(stopped)
	}()
	select {
	case <-stopped:
	case <-ctx.Done():
		e.logger.Warn("Shutdown deadline reached, canceling in-flight tasks.")
		cancel()
		<-stopped
	}
	cancel()
	e.logger.Info("Task engine stopped gracefully.")
}

// runWorker is the main loop for a single worker goroutine.
func (e *TaskEngine) runWorker(ctx context.Context, workerID int, queue <-chan job) {
	defer e.wg.Done()
	logger := e.logger.With(zap.Int("worker_id", workerID))
	logger.Debug("Worker goroutine started")

	for j := range queue {
		j.done <- e.process(ctx, j.task, logger)
	}
	logger.Debug("Task queue closed and drained, worker shutting down gracefully.")
}

// process executes a single task under the configured run timeout.
func (e *TaskEngine) process(ctx context.Context, task Task, logger *zap.Logger) (err error) {
	logger = logger.With(zap.String("task_id", task.ID), zap.String("task_kind", task.Kind), zap.String("session_id", task.SessionID))
	if err := ctx.Err(); err != nil {
		logger.Warn("Context cancelled before task processing started", zap.Error(err))
		return err
	}

	timeout := e.cfg.Engine().RunTimeout
	if timeout <= 0 {
		timeout = 15 * time.Minute
	}
	taskCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	defer func() {
		if r := recover(); r != nil {
			logger.Error("Task panicked.", zap.Any("panic", r), zap.ByteString("stack", debug.Stack()))
			err = fmt.Errorf("task %s panicked: %v", task.ID, r)
		}
	}()

	start := time.Now()
	logger.Info("Processing task")
	err = task.Run(taskCtx)
	switch {
	case err == nil:
		logger.Info("Task finished.", zap.Duration("duration", time.Since(start)))
	case errors.Is(err, context.DeadlineExceeded):
		logger.Warn("Task processing timed out.", zap.Duration("timeout", timeout), zap.Error(err))
	case errors.Is(err, context.Canceled):
		logger.Warn("Task processing was cancelled.", zap.Error(err))
	default:
		logger.Info("Task finished with error.", zap.Duration("duration", time.Since(start)), zap.Error(err))
	}
	return err
}
