// ============================================================================
// Worker - task execution unit
// ============================================================================
//
// Each Worker is a goroutine looping over the shared task channel:
//   1. receive a task (blocking)
//   2. run it under its own timeout context
//   3. hand the Result to the pool
//
// A panicking task becomes a failed Result; the worker keeps running.
// ============================================================================

package worker

import (
	"context"
	"fmt"
	"runtime/debug"
	"time"
)

// Worker runs tasks from the pool's task channel.
type Worker struct {
	id       int
	taskCh   <-chan Task
	resultCh chan<- Result
	stopCh   <-chan struct{}
}

func newWorker(id int, taskCh <-chan Task, resultCh chan<- Result, stopCh <-chan struct{}) *Worker {
	return &Worker{id: id, taskCh: taskCh, resultCh: resultCh, stopCh: stopCh}
}

// Run processes tasks until the task channel is closed.
func (w *Worker) Run() {
	for task := range w.taskCh {
		start := time.Now()
		value, err := w.execute(task)
		result := Result{
			TaskID:   task.ID,
			Value:    value,
			Err:      err,
			Duration: time.Since(start),
			Worker:   w.id,
			Tag:      task.Tag,
		}

		select {
		case w.resultCh <- result:
		case <-w.stopCh:
			log.Warn("pool stopped, dropping result", "worker", w.id, "task", task.ID)
		}
	}
}

func (w *Worker) execute(task Task) (value any, err error) {
	ctx := context.Background()
	if task.Timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, task.Timeout)
		defer cancel()
	}

	defer func() {
		if p := recover(); p != nil {
			log.Error("task panicked", "worker", w.id, "task", task.ID, "panic", p, "stack", string(debug.Stack()))
			value, err = nil, fmt.Errorf("%w: %v", ErrTaskPanicked, p)
		}
	}()

	if task.Run == nil {
		return nil, ErrNoRun
	}
	value, err = task.Run(ctx)
	if err == nil && ctx.Err() != nil {
		// the task ignored its context but overran
		err = ctx.Err()
	}
	return value, err
}
