// Package workerpool runs queued tasks on a fixed number of goroutines
package workerpool

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"go.uber.org/zap"
)

// Task is a unit of work. ID is used only for logging.
type Task struct {
	ID string
	Fn func(context.Context) error
}

// Config holds worker pool configuration
type Config struct {
	Name       string
	MaxWorkers int
	QueueSize  int
	Logger     *zap.Logger
	// OnQueueChange, when set, is called with the queue length after every
	// enqueue and dequeue.
	OnQueueChange func(queued int)
	// OnDone, when set, is called with the outcome of every task.
	OnDone func(task Task, err error)
}

// WorkerPool manages a bounded pool of goroutines for executing tasks.
// Tasks run with the context given to New, which is cancelled by Stop.
type WorkerPool struct {
	name      string
	workers   int
	queueSize int
	taskQueue chan Task
	logger    *zap.Logger

	onQueueChange func(int)
	onDone        func(Task, error)

	ctx     context.Context
	cancel  context.CancelFunc
	wg      sync.WaitGroup
	pending sync.WaitGroup
	stopped chan struct{}
	stop    sync.Once

	active    int32
	submitted uint64
	completed uint64
	failed    uint64
	rejected  uint64
}

// New starts a worker pool
func New(ctx context.Context, cfg Config) *WorkerPool {
	if cfg.MaxWorkers <= 0 {
		cfg.MaxWorkers = 4
	}
	if cfg.QueueSize <= 0 {
		cfg.QueueSize = 100
	}
	if cfg.Logger == nil {
		cfg.Logger = zap.NewNop()
	}

	ctx, cancel := context.WithCancel(ctx)
	p := &WorkerPool{
		name:          cfg.Name,
		workers:       cfg.MaxWorkers,
		queueSize:     cfg.QueueSize,
		taskQueue:     make(chan Task, cfg.QueueSize),
		logger:        cfg.Logger,
		onQueueChange: cfg.OnQueueChange,
		onDone:        cfg.OnDone,
		ctx:           ctx,
		cancel:        cancel,
		stopped:       make(chan struct{}),
	}

	for i := 0; i < p.workers; i++ {
		p.wg.Add(1)
		go p.worker(i)
	}

	p.logger.Info("Worker pool started",
		zap.String("name", p.name),
		zap.Int("max_workers", p.workers),
		zap.Int("queue_size", p.queueSize))

	return p
}

func (p *WorkerPool) worker(id int) {
	defer p.wg.Done()

	for {
		select {
		case <-p.ctx.Done():
			return
		case task := <-p.taskQueue:
			p.queueChanged()
			p.execute(id, task)
			p.pending.Done()
		}
	}
}

func (p *WorkerPool) execute(workerID int, task Task) {
	atomic.AddInt32(&p.active, 1)
	defer atomic.AddInt32(&p.active, -1)

	start := time.Now()
	err := p.safeExecute(task)

	if err != nil {
		atomic.AddUint64(&p.failed, 1)
		p.logger.Warn("Task failed",
			zap.String("pool", p.name),
			zap.Int("worker_id", workerID),
			zap.String("task_id", task.ID),
			zap.Duration("duration", time.Since(start)),
			zap.Error(err))
	} else {
		atomic.AddUint64(&p.completed, 1)
		p.logger.Debug("Task completed",
			zap.String("pool", p.name),
			zap.String("task_id", task.ID),
			zap.Duration("duration", time.Since(start)))
	}
	if p.onDone != nil {
		p.onDone(task, err)
	}
}

// safeExecute turns a panicking task into an error
func (p *WorkerPool) safeExecute(task Task) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("task panicked: %v", r)
			p.logger.Error("Task panic recovered",
				zap.String("pool", p.name),
				zap.String("task_id", task.ID),
				zap.Any("panic", r))
		}
	}()
	return task.Fn(p.ctx)
}

func (p *WorkerPool) queueChanged() {
	if p.onQueueChange != nil {
		p.onQueueChange(len(p.taskQueue))
	}
}

// TrySubmit enqueues a task without blocking. Returns false if the queue
// is full or the pool is stopped.
func (p *WorkerPool) TrySubmit(task Task) bool {
	select {
	case <-p.stopped:
		atomic.AddUint64(&p.rejected, 1)
		return false
	default:
	}

	p.pending.Add(1)
	select {
	case p.taskQueue <- task:
		atomic.AddUint64(&p.submitted, 1)
		p.queueChanged()
		return true
	default:
		p.pending.Done()
		atomic.AddUint64(&p.rejected, 1)
		return false
	}
}

// Submit enqueues a task, blocking until there is room, ctx is done or the
// pool stops.
func (p *WorkerPool) Submit(ctx context.Context, task Task) error {
	select {
	case <-p.stopped:
		atomic.AddUint64(&p.rejected, 1)
		return fmt.Errorf("worker pool '%s' is stopped", p.name)
	default:
	}

	p.pending.Add(1)
	select {
	case <-p.stopped:
		p.pending.Done()
		atomic.AddUint64(&p.rejected, 1)
		return fmt.Errorf("worker pool '%s' is stopped", p.name)
	case <-ctx.Done():
		p.pending.Done()
		atomic.AddUint64(&p.rejected, 1)
		return ctx.Err()
	case p.taskQueue <- task:
		atomic.AddUint64(&p.submitted, 1)
		p.queueChanged()
		return nil
	}
}

// Wait blocks until every accepted task has finished or ctx is done.
// Tasks still queued when the pool stops are never run, so Wait must not be
// called after Stop.
func (p *WorkerPool) Wait(ctx context.Context) error {
	done := make(chan struct{})
	go func() {
		p.pending.Wait()
		close(done)
	}()
	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Stop cancels running tasks and waits up to timeout for workers to exit.
// Queued tasks are dropped.
func (p *WorkerPool) Stop(timeout time.Duration) error {
	var err error
	p.stop.Do(func() {
		p.logger.Info("Stopping worker pool", zap.String("name", p.name))
		close(p.stopped)
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
			err = fmt.Errorf("worker pool '%s' stop timeout after %v", p.name, timeout)
			p.logger.Warn("Worker pool stop timeout", zap.String("name", p.name))
		}
	})
	return err
}

// Stats represents worker pool statistics
type Stats struct {
	Name           string `json:"name"`
	MaxWorkers     int    `json:"max_workers"`
	ActiveWorkers  int    `json:"active_workers"`
	QueueSize      int    `json:"queue_size"`
	QueuedTasks    int    `json:"queued_tasks"`
	TotalTasks     uint64 `json:"total_tasks"`
	CompletedTasks uint64 `json:"completed_tasks"`
	FailedTasks    uint64 `json:"failed_tasks"`
	RejectedTasks  uint64 `json:"rejected_tasks"`
}

// Stats returns current worker pool statistics
func (p *WorkerPool) Stats() Stats {
	return Stats{
		Name:           p.name,
		MaxWorkers:     p.workers,
		ActiveWorkers:  int(atomic.LoadInt32(&p.active)),
		QueueSize:      p.queueSize,
		QueuedTasks:    len(p.taskQueue),
		TotalTasks:     atomic.LoadUint64(&p.submitted),
		CompletedTasks: atomic.LoadUint64(&p.completed),
		FailedTasks:    atomic.LoadUint64(&p.failed),
		RejectedTasks:  atomic.LoadUint64(&p.rejected),
	}
}

// QueueUtilization returns the queue utilization as a percentage
func (s Stats) QueueUtilization() float64 {
	if s.QueueSize == 0 {
		return 0
	}
	return (float64(s.QueuedTasks) / float64(s.QueueSize)) * 100.0
}

// SuccessRate returns the task success rate as a percentage
func (s Stats) SuccessRate() float64 {
	finished := s.CompletedTasks + s.FailedTasks
	if finished == 0 {
		return 100.0
	}
	return (float64(s.CompletedTasks) / float64(finished)) * 100.0
}
