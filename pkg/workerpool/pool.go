// Package workerpool provides a bounded worker pool for background fan-out
// work. The engine uses it to dispatch audit events off the interaction
// path so a slow broker never delays a mode change.
package workerpool

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"go.uber.org/zap"
)

// Task is a unit of background work.
type Task struct {
	ID      string
	Payload interface{}
}

// WorkerFunc processes one task. A returned error triggers retry with
// backoff up to MaxRetries.
type WorkerFunc func(ctx context.Context, task *Task) error

// Config holds worker pool configuration
type Config struct {
	// Workers is the number of concurrent workers
	Workers int
	// QueueSize is the size of the task queue
	QueueSize int
	// MaxRetries is the maximum number of retries for failed tasks
	MaxRetries int
	// RetryDelay is the base delay between retries
	RetryDelay time.Duration
	// GracefulShutdownTimeout bounds Stop
	GracefulShutdownTimeout time.Duration
}

// DefaultConfig returns defaults sized for audit fan-out, which is low
// volume and latency tolerant.
func DefaultConfig() Config {
	return Config{
		Workers:                 4,
		QueueSize:               256,
		MaxRetries:              3,
		RetryDelay:              100 * time.Millisecond,
		GracefulShutdownTimeout: 10 * time.Second,
	}
}

// Pool manages a fixed set of workers draining a bounded queue. Submit is
// non-blocking; a full queue drops the task and reports the error to the
// caller rather than backpressuring the interaction path.
type Pool struct {
	config     Config
	workerFunc WorkerFunc
	logger     *zap.Logger

	// mu orders Submit against Stop's close of taskChan so a late Submit
	// errors instead of sending on a closed channel.
	mu       sync.Mutex
	stopped  bool
	taskChan chan *Task
	wg       sync.WaitGroup

	ctx    context.Context
	cancel context.CancelFunc

	tasksSubmitted int64
	tasksCompleted int64
	tasksFailed    int64
	tasksDropped   int64
}

// New creates a new worker pool
func New(cfg Config, fn WorkerFunc, logger *zap.Logger) (*Pool, error) {
	if fn == nil {
		return nil, fmt.Errorf("worker function is required")
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	if cfg.Workers <= 0 {
		cfg.Workers = DefaultConfig().Workers
	}
	if cfg.QueueSize <= 0 {
		cfg.QueueSize = DefaultConfig().QueueSize
	}

	ctx, cancel := context.WithCancel(context.Background())

	return &Pool{
		config:     cfg,
		workerFunc: fn,
		logger:     logger,
		taskChan:   make(chan *Task, cfg.QueueSize),
		ctx:        ctx,
		cancel:     cancel,
	}, nil
}

// Start launches all workers
func (p *Pool) Start() {
	for i := 0; i < p.config.Workers; i++ {
		p.wg.Add(1)
		go p.worker(i)
	}
	p.logger.Info("worker pool started",
		zap.Int("workers", p.config.Workers),
		zap.Int("queue_size", p.config.QueueSize))
}

// Submit enqueues a task without blocking. It fails when the pool is
// stopping or the queue is full.
func (p *Pool) Submit(task *Task) error {
	p.mu.Lock()
	defer p.mu.Unlock()

	if p.stopped {
		return fmt.Errorf("pool is shutting down")
	}

	select {
	case p.taskChan <- task:
		atomic.AddInt64(&p.tasksSubmitted, 1)
		return nil
	default:
		atomic.AddInt64(&p.tasksDropped, 1)
		return fmt.Errorf("task queue is full")
	}
}

// Stop drains in-flight tasks and shuts the pool down, bounded by
// GracefulShutdownTimeout. Safe to call more than once.
func (p *Pool) Stop() error {
	p.mu.Lock()
	if p.stopped {
		p.mu.Unlock()
		return nil
	}
	p.stopped = true
	p.cancel()
	close(p.taskChan)
	p.mu.Unlock()

	p.logger.Info("stopping worker pool")

	done := make(chan struct{})
	go func() {
		p.wg.Wait()
		close(done)
	}()

	select {
	case <-done:
		p.logger.Info("worker pool stopped gracefully")
	case <-time.After(p.config.GracefulShutdownTimeout):
		p.logger.Warn("worker pool shutdown timed out")
	}
	return nil
}

func (p *Pool) worker(id int) {
	defer p.wg.Done()

	for task := range p.taskChan {
		p.processTask(id, task)
	}
}

// processTask runs a task with linear backoff between attempts. The pool
// context, not a per-task context, bounds retries so shutdown is prompt.
func (p *Pool) processTask(workerID int, task *Task) {
	var lastErr error

	for attempt := 0; attempt <= p.config.MaxRetries; attempt++ {
		if attempt > 0 {
			select {
			case <-p.ctx.Done():
				atomic.AddInt64(&p.tasksFailed, 1)
				p.logger.Warn("task abandoned at shutdown",
					zap.String("task_id", task.ID),
					zap.Error(lastErr))
				return
			case <-time.After(p.config.RetryDelay * time.Duration(attempt)):
			}
		}

		lastErr = p.workerFunc(p.ctx, task)
		if lastErr == nil {
			atomic.AddInt64(&p.tasksCompleted, 1)
			return
		}

		p.logger.Debug("task attempt failed",
			zap.String("task_id", task.ID),
			zap.Int("attempt", attempt+1),
			zap.Error(lastErr))
	}

	atomic.AddInt64(&p.tasksFailed, 1)
	p.logger.Error("task failed",
		zap.String("task_id", task.ID),
		zap.Int("worker_id", workerID),
		zap.Error(lastErr))
}

// Stats is a snapshot of pool counters.
type Stats struct {
	TasksSubmitted int64
	TasksCompleted int64
	TasksFailed    int64
	TasksDropped   int64
	QueueDepth     int
	QueueCapacity  int
	Workers        int
}

// Stats returns current pool statistics
func (p *Pool) Stats() Stats {
	return Stats{
		TasksSubmitted: atomic.LoadInt64(&p.tasksSubmitted),
		TasksCompleted: atomic.LoadInt64(&p.tasksCompleted),
		TasksFailed:    atomic.LoadInt64(&p.tasksFailed),
		TasksDropped:   atomic.LoadInt64(&p.tasksDropped),
		QueueDepth:     len(p.taskChan),
		QueueCapacity:  p.config.QueueSize,
		Workers:        p.config.Workers,
	}
}

// IsHealthy reports whether the queue has headroom.
func (p *Pool) IsHealthy() bool {
	stats := p.Stats()
	return float64(stats.QueueDepth)/float64(stats.QueueCapacity) < 0.9
}
