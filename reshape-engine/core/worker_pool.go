package core

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"
)

var (
	// ErrPoolClosed is returned when submitting to a pool that is shut down.
	ErrPoolClosed = errors.New("worker pool is shut down")
	// ErrQueueFull is returned when the task queue has no free slot.
	ErrQueueFull = errors.New("task queue is full")
)

// TaskFunc is the work carried by a Task.
type TaskFunc func(ctx context.Context) (any, error)

// Task represents a unit of work for the worker pool.
type Task struct {
	ID        string
	Ctx       context.Context
	Run       TaskFunc
	CreatedAt time.Time

	done chan *Result
}

// NewTask creates a task bound to ctx.
func NewTask(ctx context.Context, id string, fn TaskFunc) *Task {
	if ctx == nil {
		ctx = context.Background()
	}
	return &Task{
		ID:        id,
		Ctx:       ctx,
		Run:       fn,
		CreatedAt: time.Now(),
		done:      make(chan *Result, 1),
	}
}

// Wait blocks until the task has a result or ctx is done.
func (t *Task) Wait(ctx context.Context) (*Result, error) {
	select {
	case <-ctx.Done():
		return nil, ctx.Err()
	case result := <-t.done:
		return result, nil
	}
}

// Result represents the outcome of a task.
type Result struct {
	TaskID   string
	Success  bool
	Data     any
	Error    error
	Duration time.Duration
	WorkerID int
}

// PoolStats contains worker pool statistics.
type PoolStats struct {
	Name        string  `json:"name"`
	Workers     int     `json:"workers"`
	Active      int64   `json:"active"`
	Completed   int64   `json:"completed"`
	Failed      int64   `json:"failed"`
	Pending     int     `json:"pending"`
	SuccessRate float64 `json:"success_rate"`
}

// WorkerPool runs tasks on a fixed set of goroutines.
type WorkerPool struct {
	name     string
	workers  int
	taskChan chan *Task
	wg       sync.WaitGroup

	active    int64
	completed int64
	failed    int64

	ctx     context.Context
	cancel  context.CancelFunc
	running bool
	mu      sync.RWMutex
}

// NewWorkerPool creates a pool of workers goroutines whose queue holds up to
// queueSize pending tasks. Non-positive values fall back to one worker and a
// queue of 100 slots per worker.
func NewWorkerPool(name string, workers, queueSize int) *WorkerPool {
	if workers <= 0 {
		workers = 1
	}
	if queueSize <= 0 {
		queueSize = workers * 100
	}

	ctx, cancel := context.WithCancel(context.Background())

	pool := &WorkerPool{
		name:     name,
		workers:  workers,
		taskChan: make(chan *Task, queueSize),
		ctx:      ctx,
		cancel:   cancel,
		running:  true,
	}

	for i := 0; i < workers; i++ {
		pool.wg.Add(1)
		go pool.worker(i)
	}

	return pool
}

func (p *WorkerPool) worker(id int) {
	defer p.wg.Done()

	for task := range p.taskChan {
		select {
		case <-p.ctx.Done():
			p.finish(task, &Result{TaskID: task.ID, WorkerID: id, Error: ErrPoolClosed})
			continue
		default:
		}
		p.processTask(id, task)
	}
}

func (p *WorkerPool) processTask(workerID int, task *Task) {
	atomic.AddInt64(&p.active, 1)
	defer atomic.AddInt64(&p.active, -1)

	start := time.Now()
	result := &Result{
		TaskID:   task.ID,
		WorkerID: workerID,
	}

	// One panicking task must not take the pool down.
	defer func() {
		if r := recover(); r != nil {
			result.Success = false
			result.Error = fmt.Errorf("panic in task %s: %s", task.ID, panicToString(r))
			result.Duration = time.Since(start)
			p.finish(task, result)
		}
	}()

	if err := task.Ctx.Err(); err != nil {
		result.Error = err
		result.Duration = time.Since(start)
		p.finish(task, result)
		return
	}

	if task.Run == nil {
		result.Error = errors.New("no task function defined")
	} else {
		result.Data, result.Error = task.Run(task.Ctx)
		result.Success = result.Error == nil
	}
	result.Duration = time.Since(start)

	p.finish(task, result)
}

func (p *WorkerPool) finish(task *Task, result *Result) {
	if result.Success {
		atomic.AddInt64(&p.completed, 1)
	} else {
		atomic.AddInt64(&p.failed, 1)
	}
	// done has capacity one and receives exactly one result.
	task.done <- result
}

func panicToString(r any) string {
	switch v := r.(type) {
	case string:
		return v
	case error:
		return v.Error()
	default:
		return fmt.Sprintf("%v", v)
	}
}

// Submit queues a task without blocking.
func (p *WorkerPool) Submit(task *Task) error {
	if task.done == nil {
		task.done = make(chan *Result, 1)
	}
	if task.Ctx == nil {
		task.Ctx = context.Background()
	}

	p.mu.RLock()
	defer p.mu.RUnlock()

	if !p.running {
		return ErrPoolClosed
	}

	select {
	case p.taskChan <- task:
		return nil
	default:
		return ErrQueueFull
	}
}

// SubmitAndWait queues a task and waits for its result until ctx is done.
func (p *WorkerPool) SubmitAndWait(ctx context.Context, task *Task) (*Result, error) {
	if err := p.Submit(task); err != nil {
		return nil, err
	}
	return task.Wait(ctx)
}

// GetStats returns current worker pool statistics.
func (p *WorkerPool) GetStats() PoolStats {
	completed := atomic.LoadInt64(&p.completed)
	failed := atomic.LoadInt64(&p.failed)
	total := completed + failed

	var successRate float64
	if total > 0 {
		successRate = float64(completed) / float64(total) * 100
	}

	return PoolStats{
		Name:        p.name,
		Workers:     p.workers,
		Active:      atomic.LoadInt64(&p.active),
		Completed:   completed,
		Failed:      failed,
		Pending:     len(p.taskChan),
		SuccessRate: successRate,
	}
}

// stop marks the pool as closed and closes the queue. It reports false if the
// pool was already stopped.
func (p *WorkerPool) stop() bool {
	p.mu.Lock()
	defer p.mu.Unlock()

	if !p.running {
		return false
	}
	p.running = false
	close(p.taskChan)
	return true
}

// Shutdown stops accepting tasks and waits for queued tasks to finish.
func (p *WorkerPool) Shutdown() {
	if !p.stop() {
		return
	}
	p.wg.Wait()
	p.cancel()
}

// ShutdownWithTimeout is Shutdown bounded by timeout. Tasks still queued when
// the timeout expires fail with ErrPoolClosed instead of running.
func (p *WorkerPool) ShutdownWithTimeout(timeout time.Duration) error {
	if !p.stop() {
		return nil
	}

	done := make(chan struct{})
	go func() {
		p.wg.Wait()
		close(done)
	}()

	select {
	case <-done:
		p.cancel()
		return nil
	case <-time.After(timeout):
		p.cancel()
		return errors.New("shutdown timeout")
	}
}

// IsRunning returns true if the pool is still accepting tasks.
func (p *WorkerPool) IsRunning() bool {
	p.mu.RLock()
	defer p.mu.RUnlock()
	return p.running
}
