// Package scheduler is the watcher's view of the compute cluster: look up
// job states, put jobs on hold, and count jobs per state.
package scheduler

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strconv"
)

var log = slog.Default()

var (
	ErrInvalidJobID = errors.New("scheduler: invalid job id")
	ErrNoBackend    = errors.New("scheduler: unknown backend")
)

// JobID identifies a cluster job.
type JobID int64

func (id JobID) String() string { return strconv.FormatInt(int64(id), 10) }

// ParseJobID accepts the decimal form of a positive id.
func ParseJobID(s string) (JobID, error) {
	n, err := strconv.ParseInt(s, 10, 64)
	if err != nil || n <= 0 {
		return 0, fmt.Errorf("%w: %q", ErrInvalidJobID, s)
	}
	return JobID(n), nil
}

// State is a job state, numbered like HTCondor's JobStatus.
type State int

const (
	StateUnknown   State = 0
	StateIdle      State = 1
	StateRunning   State = 2
	StateRemoved   State = 3
	StateCompleted State = 4
	StateHeld      State = 5
)

func (s State) String() string {
	switch s {
	case StateIdle:
		return "idle"
	case StateRunning:
		return "running"
	case StateRemoved:
		return "removed"
	case StateCompleted:
		return "completed"
	case StateHeld:
		return "held"
	default:
		return "unknown"
	}
}

// Finished reports whether the job will not run any more.
func (s State) Finished() bool {
	return s == StateRemoved || s == StateCompleted
}

// Status is the scheduler's answer for one job. A job the scheduler no
// longer knows about is reported with Found false.
type Status struct {
	ID    JobID
	State State
	Found bool
}

// Active reports whether the job still needs watching.
func (s Status) Active() bool {
	return s.Found && !s.State.Finished()
}

// Scheduler is a cluster backend.
type Scheduler interface {
	Status(ctx context.Context, id JobID) (Status, error)
	// Hold suspends jobs without removing them.
	Hold(ctx context.Context, ids []JobID, reason string) error
	// Summary counts known jobs per state.
	Summary(ctx context.Context) (map[State]int, error)
}

// Open returns the named backend: "kubernetes" (the default) or "memory".
func Open(backend, kubeconfig, namespace string) (Scheduler, error) {
	switch backend {
	case "kubernetes", "":
		client, err := ConnectKubernetes(kubeconfig)
		if err != nil {
			return nil, err
		}
		log.Info("watching kubernetes jobs", "namespace", namespace)
		return NewKubernetes(client, namespace), nil
	case "memory":
		return NewMemory(), nil
	default:
		return nil, fmt.Errorf("%w: %q", ErrNoBackend, backend)
	}
}
