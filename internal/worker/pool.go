// Package worker runs the execution side of the engine: a pool of workers
// that claim tasks, invoke the executor registered for the operation kind,
// and report the outcome back. Workers are stateless; a crashed worker's
// claim is recovered by the sweeper.
package worker

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"

	"github.com/basket/quoteflow/internal/engine"
	"github.com/basket/quoteflow/internal/persistence"
	"github.com/basket/quoteflow/internal/retry"
	"github.com/basket/quoteflow/internal/shared"
)

// Executor performs the side effect for one operation kind. The returned
// fingerprint is the durable proof of the outcome (message id, reservation
// id, hash of the response).
type Executor interface {
	Execute(ctx context.Context, task persistence.Task) (fingerprint string, err error)
}

// ExecutorFunc adapts a function to the Executor interface.
type ExecutorFunc func(ctx context.Context, task persistence.Task) (string, error)

func (f ExecutorFunc) Execute(ctx context.Context, task persistence.Task) (string, error) {
	return f(ctx, task)
}

// Registry maps operation kinds to executors.
type Registry struct {
	mu        sync.RWMutex
	executors map[string]Executor
}

func NewRegistry() *Registry {
	return &Registry{executors: map[string]Executor{}}
}

func (r *Registry) Register(operationKind string, ex Executor) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.executors[operationKind] = ex
}

func (r *Registry) Get(operationKind string) (Executor, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	ex, ok := r.executors[operationKind]
	return ex, ok
}

// Config holds the dependencies for the pool.
type Config struct {
	Engine   *engine.Engine
	Registry *Registry
	Logger   *slog.Logger
	// WorkerCount defaults to 4.
	WorkerCount int
	// PollInterval is the idle wait between claim attempts; defaults to 250ms.
	PollInterval time.Duration
	// TaskTimeout bounds one execution attempt; defaults to 5 minutes. It
	// should stay well under the engine's claim timeout so a slow executor
	// fails its own attempt before the sweeper presumes the worker dead.
	TaskTimeout time.Duration
}

// Pool is a set of claim-execute-settle workers.
type Pool struct {
	engine   *engine.Engine
	registry *Registry
	logger   *slog.Logger
	config   Config
	poolID   string

	once sync.Once
	wg   sync.WaitGroup

	activeTasks atomic.Int32
	lastError   atomic.Pointer[string]
}

// New creates a pool. The registry must hold an executor for every operation
// kind the deployment enqueues; a claimed task with no executor fails as a
// validation error.
func New(cfg Config) *Pool {
	if cfg.WorkerCount <= 0 {
		cfg.WorkerCount = 4
	}
	if cfg.PollInterval <= 0 {
		cfg.PollInterval = 250 * time.Millisecond
	}
	if cfg.TaskTimeout <= 0 {
		cfg.TaskTimeout = 5 * time.Minute
	}
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	if cfg.Registry == nil {
		cfg.Registry = NewRegistry()
	}
	return &Pool{
		engine:   cfg.Engine,
		registry: cfg.Registry,
		logger:   logger,
		config:   cfg,
		poolID:   uuid.NewString()[:8],
	}
}

// Start launches the workers. Idempotent; subsequent calls are no-ops.
func (p *Pool) Start(ctx context.Context) {
	p.once.Do(func() {
		for i := 0; i < p.config.WorkerCount; i++ {
			workerID := fmt.Sprintf("worker-%s-%d", p.poolID, i)
			p.wg.Add(1)
			go func() {
				defer p.wg.Done()
				p.run(ctx, workerID)
			}()
		}
		p.logger.Info("worker pool started",
			"workers", p.config.WorkerCount,
			"poll_interval", p.config.PollInterval.String(),
		)
	})
}

// Wait blocks until all workers have exited.
func (p *Pool) Wait() {
	p.wg.Wait()
}

// Drain waits for workers to finish in-flight tasks, up to timeout. Tasks
// still running after the timeout keep their claims; the sweeper reclaims
// them after the claim timeout, consuming a retry attempt.
func (p *Pool) Drain(timeout time.Duration) {
	done := make(chan struct{})
	go func() {
		p.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
		p.logger.Info("worker pool drained cleanly")
	case <-time.After(timeout):
		p.logger.Warn("worker pool drain timeout; sweeper will reclaim in-flight tasks",
			"timeout", timeout.String(),
			"active_tasks", p.activeTasks.Load(),
		)
	}
}

// ActiveTasks reports the number of in-flight executions.
func (p *Pool) ActiveTasks() int32 {
	return p.activeTasks.Load()
}

// LastError returns the most recent worker error message, for the status surface.
func (p *Pool) LastError() string {
	if msg := p.lastError.Load(); msg != nil {
		return *msg
	}
	return ""
}

func (p *Pool) run(ctx context.Context, workerID string) {
	ticker := time.NewTicker(p.config.PollInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		default:
		}

		claimCtx := shared.WithCorrelationID(ctx, shared.NewCorrelationID())
		task, err := p.engine.Claim(claimCtx, workerID)
		if err != nil {
			p.setLastError(err)
		}
		if err != nil || task == nil {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				continue
			}
		}
		p.execute(claimCtx, workerID, *task)
	}
}

func (p *Pool) execute(ctx context.Context, workerID string, task persistence.Task) {
	p.activeTasks.Add(1)
	defer p.activeTasks.Add(-1)

	taskCtx, cancel := context.WithTimeout(ctx, p.config.TaskTimeout)
	defer cancel()

	// Settlement must survive shutdown: a finished side effect with an
	// unrecorded outcome would re-run after the sweeper reclaims the task.
	settleCtx := shared.WithCorrelationID(context.Background(), shared.CorrelationID(ctx))

	executor, ok := p.registry.Get(task.OperationKind)
	if !ok {
		err := fmt.Errorf("no executor registered for operation kind %q", task.OperationKind)
		p.setLastError(err)
		p.fail(settleCtx, task.ID, workerID, err, retry.ErrorClassValidation)
		return
	}

	p.logger.Debug("executing task",
		"task_id", task.ID,
		"operation_kind", task.OperationKind,
		"worker_id", workerID,
		"attempt", task.RetryCount+1,
	)

	fingerprint, err := executor.Execute(taskCtx, task)
	if err != nil {
		class := retry.ErrorClass("")
		var classified *retry.ClassifiedError
		if errors.As(err, &classified) {
			class = classified.Class
		} else if errors.Is(taskCtx.Err(), context.DeadlineExceeded) {
			class = retry.ErrorClassTimeout
			err = fmt.Errorf("execution timeout after %s: %w", p.config.TaskTimeout, err)
		}
		p.setLastError(err)
		p.fail(settleCtx, task.ID, workerID, err, class)
		return
	}

	if _, err := p.engine.Complete(settleCtx, task.ID, workerID, fingerprint); err != nil {
		p.setLastError(err)
	}
}

func (p *Pool) fail(ctx context.Context, taskID, workerID string, cause error, class retry.ErrorClass) {
	if _, err := p.engine.Fail(ctx, taskID, workerID, cause, class); err != nil {
		p.setLastError(err)
	}
}

func (p *Pool) setLastError(err error) {
	if err == nil {
		return
	}
	msg := err.Error()
	p.lastError.Store(&msg)
}
