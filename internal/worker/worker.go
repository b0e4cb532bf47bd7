// ============================================================================
// Raksha-Sync Worker - Task Execution Unit
// ============================================================================
//
// Package: internal/worker
// File: worker.go
// Function: Work unit that executes tasks, each Worker runs in its own goroutine
//
// How it works:
//   1. Receive task from taskCh (or stop when stopCh closes)
//   2. Run the Executor with a per-task timeout
//   3. Send result to resultCh
//
// Timeout Control:
//   Each task gets its own context.WithTimeout derived from the pool context;
//   Executor implementations must honor ctx.Done().
//
// ============================================================================

package worker

import (
	"context"
	"time"
)

// Worker represents a work execution unit
type Worker struct {
	id       int           // Worker unique identifier, used for logging and debugging
	exec     Executor      // Executes task logic
	taskCh   <-chan Task   // Task channel (read-only)
	resultCh chan<- Result // Result channel (write-only)
	stopCh   <-chan struct{}
}

func newWorker(id int, exec Executor, taskCh <-chan Task, resultCh chan<- Result, stopCh <-chan struct{}) *Worker {
	return &Worker{
		id:       id,
		exec:     exec,
		taskCh:   taskCh,
		resultCh: resultCh,
		stopCh:   stopCh,
	}
}

// Run is the main loop of Worker
func (w *Worker) Run(ctx context.Context) {
	for {
		select {
		case <-w.stopCh:
			return
		case task := <-w.taskCh:
			result := w.run(ctx, task)

			select {
			case w.resultCh <- result:
			case <-w.stopCh:
				return
			}
		}
	}
}

func (w *Worker) run(ctx context.Context, task Task) Result {
	start := time.Now()

	taskCtx, cancel := ctx, context.CancelFunc(func() {})
	if task.Timeout > 0 {
		taskCtx, cancel = context.WithTimeout(ctx, task.Timeout)
	}
	err := w.exec.Execute(taskCtx, task)
	cancel()

	return Result{
		TaskID:   task.ID,
		Target:   task.Target,
		Success:  err == nil,
		Error:    err,
		Duration: time.Since(start),
	}
}
