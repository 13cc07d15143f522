package workerpool

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/kbr-scylla/scylladb-sub001/internal/errors"
	"go.uber.org/zap"
)

// Priority orders queued tasks; high priority tasks are always taken first
type Priority int

const (
	PriorityNormal Priority = iota
	PriorityHigh
)

// Task represents a unit of work to be executed
type Task struct {
	ID       string
	Priority Priority
	Fn       func(context.Context) error
}

// WorkerPool runs tasks on a bounded set of goroutines. Every task receives the
// pool context, which is cancelled by Stop.
type WorkerPool struct {
	name       string
	maxWorkers int
	queueSize  int
	high       chan Task
	normal     chan Task
	logger     *zap.Logger

	ctx      context.Context
	cancel   context.CancelFunc
	wg       sync.WaitGroup
	stopOnce sync.Once
	stopChan chan struct{}

	activeWorkers  atomic.Int32
	totalTasks     atomic.Uint64
	completedTasks atomic.Uint64
	failedTasks    atomic.Uint64
	rejectedTasks  atomic.Uint64
}

// Config holds worker pool configuration
type Config struct {
	Name       string
	MaxWorkers int
	QueueSize  int
	Logger     *zap.Logger
}

// NewWorkerPool creates a worker pool and starts its workers
func NewWorkerPool(cfg *Config) *WorkerPool {
	if cfg.MaxWorkers <= 0 {
		cfg.MaxWorkers = 2
	}
	if cfg.QueueSize <= 0 {
		cfg.QueueSize = 64
	}
	if cfg.Logger == nil {
		cfg.Logger = zap.NewNop()
	}

	ctx, cancel := context.WithCancel(context.Background())
	pool := &WorkerPool{
		name:       cfg.Name,
		maxWorkers: cfg.MaxWorkers,
		queueSize:  cfg.QueueSize,
		high:       make(chan Task, cfg.QueueSize),
		normal:     make(chan Task, cfg.QueueSize),
		logger:     cfg.Logger,
		ctx:        ctx,
		cancel:     cancel,
		stopChan:   make(chan struct{}),
	}

	for i := 0; i < pool.maxWorkers; i++ {
		pool.wg.Add(1)
		go pool.worker(i)
	}

	pool.logger.Info("Worker pool started",
		zap.String("name", pool.name),
		zap.Int("max_workers", pool.maxWorkers),
		zap.Int("queue_size", pool.queueSize))

	return pool
}

func (p *WorkerPool) worker(id int) {
	defer p.wg.Done()

	for {
		// Drain high priority work before looking at the normal queue
		select {
		case task := <-p.high:
			p.executeTask(id, task)
			continue
		default:
		}

		select {
		case <-p.stopChan:
			p.logger.Debug("Worker stopping",
				zap.String("pool", p.name),
				zap.Int("worker_id", id))
			return
		case task := <-p.high:
			p.executeTask(id, task)
		case task := <-p.normal:
			p.executeTask(id, task)
		}
	}
}

func (p *WorkerPool) executeTask(workerID int, task Task) {
	p.activeWorkers.Add(1)
	defer p.activeWorkers.Add(-1)

	start := time.Now()
	err := p.safeExecute(task)
	duration := time.Since(start)

	if err != nil {
		p.failedTasks.Add(1)
		p.logger.Warn("Task failed",
			zap.String("pool", p.name),
			zap.Int("worker_id", workerID),
			zap.String("task_id", task.ID),
			zap.Duration("duration", duration),
			zap.Error(err))
		return
	}
	p.completedTasks.Add(1)
	p.logger.Debug("Task completed",
		zap.String("pool", p.name),
		zap.Int("worker_id", workerID),
		zap.String("task_id", task.ID),
		zap.Duration("duration", duration))
}

// safeExecute executes a task with panic recovery
func (p *WorkerPool) safeExecute(task Task) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = errors.InternalError(fmt.Sprintf("task %s panicked: %v", task.ID, r), nil)
			p.logger.Error("Task panic recovered",
				zap.String("pool", p.name),
				zap.String("task_id", task.ID),
				zap.Any("panic", r))
		}
	}()
	return task.Fn(p.ctx)
}

func (p *WorkerPool) queue(priority Priority) chan Task {
	if priority == PriorityHigh {
		return p.high
	}
	return p.normal
}

// Submit queues a task without blocking. It fails when the queue is full or the
// pool is stopped.
func (p *WorkerPool) Submit(task Task) error {
	select {
	case <-p.stopChan:
		p.rejectedTasks.Add(1)
		return errors.Unavailable(fmt.Sprintf("worker pool %s is stopped", p.name), nil)
	default:
	}

	select {
	case p.queue(task.Priority) <- task:
		p.totalTasks.Add(1)
		return nil
	default:
		p.rejectedTasks.Add(1)
		return errors.Unavailable(fmt.Sprintf("worker pool %s queue is full", p.name), nil)
	}
}

// SubmitWithContext blocks until the task is queued, the context is done or the
// pool stops
func (p *WorkerPool) SubmitWithContext(ctx context.Context, task Task) error {
	select {
	case <-p.stopChan:
		p.rejectedTasks.Add(1)
		return errors.Unavailable(fmt.Sprintf("worker pool %s is stopped", p.name), nil)
	case <-ctx.Done():
		p.rejectedTasks.Add(1)
		return ctx.Err()
	case p.queue(task.Priority) <- task:
		p.totalTasks.Add(1)
		return nil
	}
}

// Stop cancels the pool context and waits for running tasks to return. Queued
// tasks that have not started are dropped.
func (p *WorkerPool) Stop(timeout time.Duration) error {
	var err error
	p.stopOnce.Do(func() {
		p.logger.Info("Stopping worker pool", zap.String("name", p.name))
		close(p.stopChan)
		p.cancel()

		done := make(chan struct{})
		go func() {
			p.wg.Wait()
			close(done)
		}()

		select {
		case <-done:
			p.logger.Info("Worker pool stopped", zap.String("name", p.name))
		case <-time.After(timeout):
			err = errors.Unavailable(fmt.Sprintf("worker pool %s stop timed out after %v", p.name, timeout), nil)
			p.logger.Warn("Worker pool stop timeout", zap.String("name", p.name))
		}
	})
	return err
}

// Stats returns current worker pool statistics
func (p *WorkerPool) Stats() Stats {
	return Stats{
		Name:           p.name,
		MaxWorkers:     p.maxWorkers,
		ActiveWorkers:  int(p.activeWorkers.Load()),
		QueueSize:      p.queueSize,
		QueuedTasks:    len(p.high) + len(p.normal),
		TotalTasks:     p.totalTasks.Load(),
		CompletedTasks: p.completedTasks.Load(),
		FailedTasks:    p.failedTasks.Load(),
		RejectedTasks:  p.rejectedTasks.Load(),
	}
}

// Stats represents worker pool statistics
type Stats struct {
	Name           string
	MaxWorkers     int
	ActiveWorkers  int
	QueueSize      int
	QueuedTasks    int
	TotalTasks     uint64
	CompletedTasks uint64
	FailedTasks    uint64
	RejectedTasks  uint64
}

// WorkerUtilization returns the worker utilization as a percentage
func (s Stats) WorkerUtilization() float64 {
	if s.MaxWorkers == 0 {
		return 0
	}
	return (float64(s.ActiveWorkers) / float64(s.MaxWorkers)) * 100.0
}

// SuccessRate returns the task success rate as a percentage
func (s Stats) SuccessRate() float64 {
	done := s.CompletedTasks + s.FailedTasks
	if done == 0 {
		return 100.0
	}
	return (float64(s.CompletedTasks) / float64(done)) * 100.0
}
