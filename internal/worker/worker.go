// ============================================================================
// NumGate Worker - Task Execution Unit
// ============================================================================
//
// Package: internal/worker
// File: worker.go
// Function: Work unit that calls the executor, each Worker runs in an independent goroutine
//
// How it works:
//   Each Worker is an independent goroutine that continuously executes the following loop:
//   1. Receive task from taskCh (blocking wait)
//   2. Call the executor with the task's context
//   3. Send result to resultCh
//   4. Repeat above process until taskCh is closed
//
// Execution Model:
//   ┌─────────────────────────────────────┐
//   │  Worker Goroutine                   │
//   │  ┌──────────────────────────────┐   │
//   │  │ for task := range taskCh     │   │
//   │  │   ├─ recover() guard         │   │
//   │  │   ├─ executor.Execute(task)  │   │
//   │  │   └─ send result to resultCh │   │
//   │  └──────────────────────────────┘   │
//   └─────────────────────────────────────┘
//
// Error Handling:
//   - Executor error: returned as-is in Result.Error
//   - Executor panic: recovered and wrapped in ErrExecutorPanic
//   - A panicking executor never takes the worker goroutine down with it
//
// Cancellation:
//   Task.Ctx is owned by the caller. Cancellation is cooperative: an executor
//   that ignores its context keeps the worker busy until it returns.
//
// ============================================================================

package worker

import (
	"context"
	"errors"
	"fmt"
	"time"
)

// ErrExecutorPanic wraps a value recovered from a panicking executor
var ErrExecutorPanic = errors.New("executor panicked")

// Worker represents a work execution unit
// Each Worker runs in an independent goroutine, receives tasks from task channel and executes them
type Worker struct {
	id       int           // Worker unique identifier, used for logging and debugging
	taskCh   <-chan Task   // Task channel (read-only), receives tasks to execute
	resultCh chan<- Result // Result channel (write-only), sends task execution results
	executor Executor      // External computation collaborator
}

// newWorker creates a new Worker instance
func newWorker(id int, taskCh <-chan Task, resultCh chan<- Result, executor Executor) *Worker {
	return &Worker{
		id:       id,
		taskCh:   taskCh,
		resultCh: resultCh,
		executor: executor,
	}
}

// Run is the main loop of Worker, receives tasks from task channel and executes them
// Every task produces exactly one Result; the send blocks so no result is lost.
func (w *Worker) Run() {
	for task := range w.taskCh {
		start := time.Now()

		ctx := task.Ctx
		if ctx == nil {
			ctx = context.Background()
		}

		value, err := w.execute(ctx, task)

		w.resultCh <- Result{
			JobID:    task.ID,
			Value:    value,
			Error:    err,
			Duration: time.Since(start),
		}
	}
}

// execute calls the executor and converts a panic into an error
func (w *Worker) execute(ctx context.Context, task Task) (value interface{}, err error) {
	defer func() {
		if r := recover(); r != nil {
			value = nil
			err = fmt.Errorf("%w: %v", ErrExecutorPanic, r)
			logger().Error("Executor panic recovered", "worker", w.id, "jobID", task.ID, "kind", task.Kind, "panic", r)
		}
	}()

	// An already cancelled task (e.g. cancelled while queued) is not started
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	return w.executor.Execute(ctx, task.Kind, task.Params)
}
