package scheduler

import (
	"context"
	"sync"
)

// Memory is an in-process scheduler for tests and simulation. Jobs are
// created and moved between states by the caller.
type Memory struct {
	mu    sync.Mutex
	jobs  map[JobID]State
	holds map[JobID]string
}

// NewMemory returns an empty scheduler.
func NewMemory() *Memory {
	return &Memory{jobs: make(map[JobID]State), holds: make(map[JobID]string)}
}

// Set creates or updates a job.
func (m *Memory) Set(id JobID, s State) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.jobs[id] = s
}

// Forget drops a job, as a scheduler does after its history expires.
func (m *Memory) Forget(id JobID) {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.jobs, id)
}

// HoldReason returns the reason given when id was held.
func (m *Memory) HoldReason(id JobID) (string, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	r, ok := m.holds[id]
	return r, ok
}

func (m *Memory) Status(_ context.Context, id JobID) (Status, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	s, ok := m.jobs[id]
	return Status{ID: id, State: s, Found: ok}, nil
}

func (m *Memory) Hold(_ context.Context, ids []JobID, reason string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, id := range ids {
		if s, ok := m.jobs[id]; ok && !s.Finished() {
			m.jobs[id] = StateHeld
			m.holds[id] = reason
		}
	}
	return nil
}

func (m *Memory) Summary(context.Context) (map[State]int, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make(map[State]int)
	for _, s := range m.jobs {
		out[s]++
	}
	return out, nil
}
