package core

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"
)

func TestNewWorkerPool(t *testing.T) {
	pool := NewWorkerPool("test", 4, 0)
	defer pool.Shutdown()

	stats := pool.GetStats()
	if stats.Workers != 4 {
		t.Errorf("Expected 4 workers, got %d", stats.Workers)
	}
	if stats.Name != "test" {
		t.Errorf("Expected name 'test', got %s", stats.Name)
	}
	if !pool.IsRunning() {
		t.Error("New pool should be running")
	}
}

func TestWorkerPoolSubmitAndWait(t *testing.T) {
	pool := NewWorkerPool("test", 2, 0)
	defer pool.Shutdown()

	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()

	task := NewTask(ctx, "task-1", func(ctx context.Context) (any, error) {
		return 42, nil
	})

	result, err := pool.SubmitAndWait(ctx, task)
	if err != nil {
		t.Fatalf("SubmitAndWait failed: %v", err)
	}
	if !result.Success {
		t.Errorf("Task should succeed, got %v", result.Error)
	}
	if result.TaskID != "task-1" {
		t.Errorf("Expected task ID 'task-1', got %s", result.TaskID)
	}
	if result.Data.(int) != 42 {
		t.Errorf("Expected 42, got %v", result.Data)
	}
}

func TestWorkerPoolSubmitWithError(t *testing.T) {
	pool := NewWorkerPool("test", 2, 0)
	defer pool.Shutdown()

	expectedErr := errors.New("task failed")
	task := NewTask(context.Background(), "task-error", func(ctx context.Context) (any, error) {
		return nil, expectedErr
	})

	result, err := pool.SubmitAndWait(context.Background(), task)
	if err != nil {
		t.Fatalf("SubmitAndWait failed: %v", err)
	}
	if result.Success {
		t.Error("Task should have failed")
	}
	if !errors.Is(result.Error, expectedErr) {
		t.Errorf("Expected %v, got %v", expectedErr, result.Error)
	}

	if stats := pool.GetStats(); stats.Failed != 1 {
		t.Errorf("Expected 1 failed, got %d", stats.Failed)
	}
}

func TestWorkerPoolPanicRecovery(t *testing.T) {
	pool := NewWorkerPool("test", 1, 0)
	defer pool.Shutdown()

	task := NewTask(context.Background(), "boom", func(ctx context.Context) (any, error) {
		panic("boom")
	})

	result, err := pool.SubmitAndWait(context.Background(), task)
	if err != nil {
		t.Fatalf("SubmitAndWait failed: %v", err)
	}
	if result.Success || result.Error == nil || !strings.Contains(result.Error.Error(), "boom") {
		t.Errorf("Expected panic error, got %+v", result)
	}

	// The worker survives the panic.
	next := NewTask(context.Background(), "after", func(ctx context.Context) (any, error) {
		return "ok", nil
	})
	result, err = pool.SubmitAndWait(context.Background(), next)
	if err != nil || !result.Success {
		t.Fatalf("Task after panic failed: %v %+v", err, result)
	}
}

func TestWorkerPoolCancelledTask(t *testing.T) {
	pool := NewWorkerPool("test", 1, 0)
	defer pool.Shutdown()

	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	var ran int32
	task := NewTask(ctx, "cancelled", func(ctx context.Context) (any, error) {
		atomic.StoreInt32(&ran, 1)
		return nil, nil
	})

	if err := pool.Submit(task); err != nil {
		t.Fatalf("Submit failed: %v", err)
	}
	result, err := task.Wait(context.Background())
	if err != nil {
		t.Fatalf("Wait failed: %v", err)
	}
	if !errors.Is(result.Error, context.Canceled) {
		t.Errorf("Expected context.Canceled, got %v", result.Error)
	}
	if atomic.LoadInt32(&ran) != 0 {
		t.Error("Cancelled task should not run")
	}
}

func TestWorkerPoolConcurrency(t *testing.T) {
	pool := NewWorkerPool("test", 8, 0)
	defer pool.Shutdown()

	numTasks := 100
	tasks := make([]*Task, numTasks)
	for i := range tasks {
		i := i
		tasks[i] = NewTask(context.Background(), fmt.Sprintf("task-%d", i), func(ctx context.Context) (any, error) {
			time.Sleep(time.Millisecond)
			return i, nil
		})
		if err := pool.Submit(tasks[i]); err != nil {
			t.Fatalf("Submit %d failed: %v", i, err)
		}
	}

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	for i, task := range tasks {
		result, err := task.Wait(ctx)
		if err != nil {
			t.Fatalf("Timeout waiting for task %d: %v", i, err)
		}
		if result.Data.(int) != i {
			t.Errorf("Task %d got result %v", i, result.Data)
		}
	}

	if stats := pool.GetStats(); stats.Completed != int64(numTasks) {
		t.Errorf("Expected %d completed, got %d", numTasks, stats.Completed)
	}
}

func TestWorkerPoolQueueFull(t *testing.T) {
	pool := NewWorkerPool("test", 1, 1)

	release := make(chan struct{})
	started := make(chan struct{})
	blocker := NewTask(context.Background(), "blocker", func(ctx context.Context) (any, error) {
		close(started)
		<-release
		return nil, nil
	})
	if err := pool.Submit(blocker); err != nil {
		t.Fatalf("Submit failed: %v", err)
	}
	<-started

	queued := NewTask(context.Background(), "queued", func(ctx context.Context) (any, error) { return nil, nil })
	if err := pool.Submit(queued); err != nil {
		t.Fatalf("Submit failed: %v", err)
	}

	overflow := NewTask(context.Background(), "overflow", func(ctx context.Context) (any, error) { return nil, nil })
	if err := pool.Submit(overflow); !errors.Is(err, ErrQueueFull) {
		t.Errorf("Expected ErrQueueFull, got %v", err)
	}

	close(release)
	pool.Shutdown()

	result, err := queued.Wait(context.Background())
	if err != nil || !result.Success {
		t.Errorf("Queued task should run before shutdown completes: %v %+v", err, result)
	}
}

func TestWorkerPoolShutdown(t *testing.T) {
	pool := NewWorkerPool("test", 4, 0)

	task := NewTask(context.Background(), "task-1", func(ctx context.Context) (any, error) {
		time.Sleep(10 * time.Millisecond)
		return nil, nil
	})
	_ = pool.Submit(task)

	pool.Shutdown()
	pool.Shutdown()

	if pool.IsRunning() {
		t.Error("Pool should not be running after shutdown")
	}

	err := pool.Submit(NewTask(context.Background(), "late", nil))
	if !errors.Is(err, ErrPoolClosed) {
		t.Errorf("Expected ErrPoolClosed, got %v", err)
	}
}

func TestWorkerPoolShutdownWithTimeout(t *testing.T) {
	pool := NewWorkerPool("test", 1, 0)

	release := make(chan struct{})
	defer close(release)
	started := make(chan struct{})
	slow := NewTask(context.Background(), "slow", func(ctx context.Context) (any, error) {
		close(started)
		<-release
		return nil, nil
	})
	_ = pool.Submit(slow)
	<-started

	if err := pool.ShutdownWithTimeout(20 * time.Millisecond); err == nil {
		t.Error("Expected shutdown timeout")
	}
	if err := pool.ShutdownWithTimeout(time.Second); err != nil {
		t.Errorf("Second shutdown should be a no-op, got %v", err)
	}
}

func TestWorkerPoolStats(t *testing.T) {
	pool := NewWorkerPool("stats-test", 2, 0)
	defer pool.Shutdown()

	var wg sync.WaitGroup
	submit := func(id string, err error) {
		task := NewTask(context.Background(), id, func(ctx context.Context) (any, error) {
			return nil, err
		})
		if e := pool.Submit(task); e != nil {
			t.Fatalf("Submit failed: %v", e)
		}
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, _ = task.Wait(context.Background())
		}()
	}

	for i := 0; i < 5; i++ {
		submit(fmt.Sprintf("ok-%d", i), nil)
	}
	for i := 0; i < 3; i++ {
		submit(fmt.Sprintf("fail-%d", i), errors.New("fail"))
	}
	wg.Wait()

	stats := pool.GetStats()
	if stats.Completed != 5 {
		t.Errorf("Expected 5 completed, got %d", stats.Completed)
	}
	if stats.Failed != 3 {
		t.Errorf("Expected 3 failed, got %d", stats.Failed)
	}
	if stats.SuccessRate != 62.5 {
		t.Errorf("Expected success rate 62.5, got %f", stats.SuccessRate)
	}
}

func BenchmarkWorkerPoolThroughput(b *testing.B) {
	pool := NewWorkerPool("throughput", 16, b.N+1)
	defer pool.Shutdown()

	tasks := make([]*Task, b.N)
	b.ResetTimer()

	for i := 0; i < b.N; i++ {
		tasks[i] = NewTask(context.Background(), fmt.Sprintf("task-%d", i), func(ctx context.Context) (any, error) {
			return nil, nil
		})
		_ = pool.Submit(tasks[i])
	}
	for _, task := range tasks {
		_, _ = task.Wait(context.Background())
	}
}
