// Package workers runs bounded batches of work on a fixed goroutine pool.
// Predictor fan-out and strategy backtests share one pool so a slow model
// cannot starve the process of goroutines.
package workers

import (
	"context"
	"fmt"
	"runtime"
	"sync"
	"sync/atomic"
	"time"

	"go.uber.org/zap"
)

// Task is a unit of work. The context carries the pool's per-task timeout.
type Task func(ctx context.Context) error

// PoolConfig configures the worker pool.
type PoolConfig struct {
	Name            string        `json:"name"`
	NumWorkers      int           `json:"numWorkers" validate:"gte=1"`
	QueueSize       int           `json:"queueSize" validate:"gte=1"`
	TaskTimeout     time.Duration `json:"taskTimeout" validate:"gt=0"`
	ShutdownTimeout time.Duration `json:"shutdownTimeout" validate:"gt=0"`
}

// DefaultPoolConfig returns a pool sized to the machine.
func DefaultPoolConfig(name string) PoolConfig {
	return PoolConfig{
		Name:            name,
		NumWorkers:      runtime.NumCPU(),
		QueueSize:       256,
		TaskTimeout:     30 * time.Second,
		ShutdownTimeout: 10 * time.Second,
	}
}

// PoolStats contains pool counters.
type PoolStats struct {
	TasksSubmitted int64 `json:"tasksSubmitted"`
	TasksCompleted int64 `json:"tasksCompleted"`
	TasksFailed    int64 `json:"tasksFailed"`
	PanicRecovered int64 `json:"panicRecovered"`
	QueueLength    int   `json:"queueLength"`
}

type job struct {
	task Task
	done chan<- error
}

// Pool manages a fixed set of worker goroutines.
type Pool struct {
	logger *zap.Logger
	config PoolConfig

	jobs    chan job
	wg      sync.WaitGroup
	running atomic.Bool
	ctx     context.Context
	cancel  context.CancelFunc

	submitted atomic.Int64
	completed atomic.Int64
	failed    atomic.Int64
	panics    atomic.Int64
}

// NewPool creates a stopped pool.
func NewPool(logger *zap.Logger, config PoolConfig) *Pool {
	if config.NumWorkers < 1 {
		config.NumWorkers = 1
	}
	if config.QueueSize < 1 {
		config.QueueSize = 1
	}
	ctx, cancel := context.WithCancel(context.Background())
	return &Pool{
		logger: logger.Named("workers").With(zap.String("pool", config.Name)),
		config: config,
		jobs:   make(chan job, config.QueueSize),
		ctx:    ctx,
		cancel: cancel,
	}
}

// Start launches the workers.
func (p *Pool) Start() {
	if p.running.Swap(true) {
		return
	}
	p.logger.Info("Starting worker pool", zap.Int("workers", p.config.NumWorkers), zap.Int("queueSize", p.config.QueueSize))
	for i := 0; i < p.config.NumWorkers; i++ {
		p.wg.Add(1)
		go p.worker()
	}
}

func (p *Pool) worker() {
	defer p.wg.Done()
	for {
		select {
		case <-p.ctx.Done():
			return
		case j := <-p.jobs:
			err := p.execute(j.task)
			if j.done != nil {
				j.done <- err
			}
		}
	}
}

func (p *Pool) execute(task Task) (err error) {
	ctx, cancel := context.WithTimeout(p.ctx, p.config.TaskTimeout)
	defer cancel()
	defer func() {
		if r := recover(); r != nil {
			p.panics.Add(1)
			p.logger.Error("Worker recovered from panic", zap.Any("panic", r))
			err = &PanicError{Recovered: r}
		}
		if err != nil {
			p.failed.Add(1)
		} else {
			p.completed.Add(1)
		}
	}()
	return task(ctx)
}

// Submit queues a task without waiting for it. It fails when the queue is
// full or the pool is stopped.
func (p *Pool) Submit(task Task) error {
	if !p.running.Load() {
		return ErrPoolStopped
	}
	select {
	case p.jobs <- job{task: task}:
		p.submitted.Add(1)
		return nil
	default:
		return ErrQueueFull
	}
}

// Stop cancels in-flight tasks and waits for the workers to exit.
func (p *Pool) Stop() error {
	if !p.running.Swap(false) {
		return nil
	}
	p.cancel()

	done := make(chan struct{})
	go func() {
		p.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
		p.logger.Info("Worker pool stopped")
		return nil
	case <-time.After(p.config.ShutdownTimeout):
		p.logger.Warn("Worker pool shutdown timed out", zap.Duration("timeout", p.config.ShutdownTimeout))
		return ErrShutdownTimeout
	}
}

// Stats returns current pool counters.
func (p *Pool) Stats() PoolStats {
	return PoolStats{
		TasksSubmitted: p.submitted.Load(),
		TasksCompleted: p.completed.Load(),
		TasksFailed:    p.failed.Load(),
		PanicRecovered: p.panics.Load(),
		QueueLength:    len(p.jobs),
	}
}

// Run executes tasks and waits for all of them. errs[i] is the result of
// tasks[i]. A nil or stopped pool runs the tasks inline, in order.
func Run(ctx context.Context, p *Pool, tasks []Task) []error {
	errs := make([]error, len(tasks))
	if p == nil || !p.running.Load() {
		for i, t := range tasks {
			errs[i] = runInline(ctx, t)
		}
		return errs
	}

	results := make([]chan error, len(tasks))
	for i, t := range tasks {
		ch := make(chan error, 1)
		results[i] = ch
		select {
		case p.jobs <- job{task: bind(ctx, t), done: ch}:
			p.submitted.Add(1)
		case <-ctx.Done():
			ch <- ctx.Err()
		case <-p.ctx.Done():
			ch <- ErrPoolStopped
		}
	}
	for i, ch := range results {
		select {
		case errs[i] = <-ch:
		case <-p.ctx.Done():
			errs[i] = ErrPoolStopped
		}
	}
	return errs
}

// bind cancels the task's context when the caller's context ends.
func bind(ctx context.Context, t Task) Task {
	return func(tctx context.Context) error {
		tctx, cancel := context.WithCancel(tctx)
		defer cancel()
		stop := context.AfterFunc(ctx, cancel)
		defer stop()
		return t(tctx)
	}
}

func runInline(ctx context.Context, t Task) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = &PanicError{Recovered: r}
		}
	}()
	return t(ctx)
}

// Errors
var (
	ErrPoolStopped     = &PoolError{Message: "pool is stopped"}
	ErrQueueFull       = &PoolError{Message: "task queue is full"}
	ErrShutdownTimeout = &PoolError{Message: "shutdown timed out"}
)

// PoolError represents a pool error.
type PoolError struct {
	Message string
}

func (e *PoolError) Error() string { return e.Message }

// PanicError wraps a recovered panic.
type PanicError struct {
	Recovered any
}

func (e *PanicError) Error() string {
	return fmt.Sprintf("task panicked: %v", e.Recovered)
}
