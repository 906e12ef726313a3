package worker

import (
	"context"
	"time"
)

// Task is one unit of work for the pool.
type Task struct {
	ID      string
	Run     func(ctx context.Context) (any, error)
	Timeout time.Duration // zero means no limit
	// Tag is handed back untouched in the Result, typically the message the
	// task was created for.
	Tag any
}

// Result is the outcome of one Task.
type Result struct {
	TaskID   string
	Value    any
	Err      error
	Duration time.Duration
	Worker   int
	Tag      any
}

// Success reports whether the task returned without error.
func (r Result) Success() bool { return r.Err == nil }
