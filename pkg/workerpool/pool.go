// Package workerpool runs tasks on a fixed set of workers and hands each
// result back to the goroutine that submitted it. The dose recorder uses it
// to cap how many commands hit the event store at once.
package workerpool

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"go.uber.org/zap"
)

// ErrPoolClosed is returned when submitting to a stopped pool
var ErrPoolClosed = errors.New("pool is shutting down")

// Task is one call through the pool
type Task struct {
	ID      string
	Payload interface{}
	// Context bounds the task's attempts and retry waits
	Context context.Context

	reply chan *Result
}

// Result is what the worker function returned for the last attempt
type Result struct {
	TaskID   string
	Success  bool
	Error    error
	Data     interface{}
	Attempts int
}

// WorkerFunc handles a task. A nil result counts as success.
type WorkerFunc func(ctx context.Context, task *Task) *Result

// Config sizes the pool and its retry policy
type Config struct {
	Workers   int
	QueueSize int
	// MaxRetries is the number of attempts after the first
	MaxRetries int
	// RetryDelay grows linearly with the attempt number
	RetryDelay              time.Duration
	GracefulShutdownTimeout time.Duration
	// Retryable reports whether a failed attempt is tried again. Nil means
	// every failure is.
	Retryable func(err error) bool
}

// DefaultConfig returns defaults sized for the dose recorder
func DefaultConfig() Config {
	return Config{
		Workers:                 16,
		QueueSize:               1024,
		MaxRetries:              3,
		RetryDelay:              200 * time.Millisecond,
		GracefulShutdownTimeout: 30 * time.Second,
	}
}

// Pool is a bounded set of workers fed from one queue
type Pool struct {
	config Config
	fn     WorkerFunc
	logger *zap.Logger

	queue chan *Task
	wg    sync.WaitGroup

	// mu guards closed so SubmitWait never sends on a closed queue
	mu       sync.RWMutex
	closed   bool
	stopOnce sync.Once

	ctx    context.Context
	cancel context.CancelFunc

	submitted int64
	completed int64
	failed    int64
	retried   int64
	busy      int64
	queued    int64
}

// New creates a pool; call Start before submitting
func New(cfg Config, fn WorkerFunc, logger *zap.Logger) (*Pool, error) {
	if fn == nil {
		return nil, fmt.Errorf("worker function is required")
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	def := DefaultConfig()
	if cfg.Workers <= 0 {
		cfg.Workers = def.Workers
	}
	if cfg.QueueSize <= 0 {
		cfg.QueueSize = def.QueueSize
	}

	ctx, cancel := context.WithCancel(context.Background())
	return &Pool{
		config: cfg,
		fn:     fn,
		logger: logger,
		queue:  make(chan *Task, cfg.QueueSize),
		ctx:    ctx,
		cancel: cancel,
	}, nil
}

// Start launches the workers
func (p *Pool) Start() {
	for i := 0; i < p.config.Workers; i++ {
		p.wg.Add(1)
		go p.run(i)
	}
	p.logger.Info("worker pool started",
		zap.Int("workers", p.config.Workers),
		zap.Int("queue_size", p.config.QueueSize))
}

// SubmitWait queues task, blocking while the queue is full, and waits for
// its result. ctx bounds both the wait for a queue slot and the wait for
// the result.
func (p *Pool) SubmitWait(ctx context.Context, task *Task) (*Result, error) {
	task.reply = make(chan *Result, 1)
	if err := p.enqueue(ctx, task); err != nil {
		return nil, err
	}

	select {
	case <-ctx.Done():
		return nil, ctx.Err()
	case result := <-task.reply:
		return result, nil
	}
}

func (p *Pool) enqueue(ctx context.Context, task *Task) error {
	p.mu.RLock()
	defer p.mu.RUnlock()
	if p.closed {
		return ErrPoolClosed
	}

	select {
	case p.queue <- task:
		atomic.AddInt64(&p.submitted, 1)
		atomic.AddInt64(&p.queued, 1)
		return nil
	case <-ctx.Done():
		return ctx.Err()
	case <-p.ctx.Done():
		return ErrPoolClosed
	}
}

// Stop refuses new tasks and waits for queued ones to finish, up to
// GracefulShutdownTimeout. Calling it again is a no-op.
func (p *Pool) Stop() error {
	var err error
	p.stopOnce.Do(func() {
		p.logger.Info("stopping worker pool")

		// Release blocked enqueue calls so the write lock can be taken
		p.cancel()

		p.mu.Lock()
		p.closed = true
		close(p.queue)
		p.mu.Unlock()

		drained := make(chan struct{})
		go func() {
			p.wg.Wait()
			close(drained)
		}()

		select {
		case <-drained:
			p.logger.Info("worker pool stopped")
		case <-time.After(p.config.GracefulShutdownTimeout):
			err = fmt.Errorf("worker pool shutdown timed out after %s", p.config.GracefulShutdownTimeout)
			p.logger.Warn("worker pool shutdown timed out")
		}
	})
	return err
}

func (p *Pool) run(worker int) {
	defer p.wg.Done()

	for task := range p.queue {
		atomic.AddInt64(&p.queued, -1)
		atomic.AddInt64(&p.busy, 1)
		result := p.attempt(worker, task)
		atomic.AddInt64(&p.busy, -1)
		task.reply <- result
	}
}

// attempt calls the worker function until it succeeds, the error is not
// retryable, MaxRetries is spent or the task context ends
func (p *Pool) attempt(worker int, task *Task) *Result {
	ctx := task.Context
	if ctx == nil {
		ctx = context.Background()
	}

	var result *Result
	n := 0
	for {
		if err := ctx.Err(); err != nil {
			result = &Result{Error: err}
			break
		}

		n++
		result = p.fn(ctx, task)
		if result == nil {
			result = &Result{Success: true}
		}
		if result.Success || n > p.config.MaxRetries || !p.retryable(result.Error) {
			break
		}

		atomic.AddInt64(&p.retried, 1)
		p.logger.Debug("retrying task",
			zap.String("task_id", task.ID),
			zap.Int("attempt", n),
			zap.Error(result.Error))

		wait := time.NewTimer(p.config.RetryDelay * time.Duration(n))
		select {
		case <-ctx.Done():
			wait.Stop()
		case <-wait.C:
		}
	}
	result.TaskID = task.ID
	result.Attempts = n

	if result.Success {
		atomic.AddInt64(&p.completed, 1)
	} else {
		atomic.AddInt64(&p.failed, 1)
		p.logger.Warn("task failed",
			zap.String("task_id", task.ID),
			zap.Int("worker", worker),
			zap.Int("attempts", n),
			zap.Error(result.Error))
	}
	return result
}

func (p *Pool) retryable(err error) bool {
	return p.config.Retryable == nil || p.config.Retryable(err)
}

// Stats holds pool counters
type Stats struct {
	TasksSubmitted int64
	TasksCompleted int64
	TasksFailed    int64
	TasksRetried   int64
	BusyWorkers    int64
	QueueDepth     int64
	QueueCapacity  int
	Workers        int
}

// Stats returns a snapshot of the counters
func (p *Pool) Stats() Stats {
	return Stats{
		TasksSubmitted: atomic.LoadInt64(&p.submitted),
		TasksCompleted: atomic.LoadInt64(&p.completed),
		TasksFailed:    atomic.LoadInt64(&p.failed),
		TasksRetried:   atomic.LoadInt64(&p.retried),
		BusyWorkers:    atomic.LoadInt64(&p.busy),
		QueueDepth:     atomic.LoadInt64(&p.queued),
		QueueCapacity:  p.config.QueueSize,
		Workers:        p.config.Workers,
	}
}

// IsHealthy reports whether the queue is below 90% of capacity
func (p *Pool) IsHealthy() bool {
	s := p.Stats()
	return float64(s.QueueDepth)/float64(s.QueueCapacity) < 0.9
}
