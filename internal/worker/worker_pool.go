// ============================================================================
// Worker Pool - concurrent task executor
// ============================================================================
//
// Package: internal/worker
//
// A fixed set of Worker goroutines shares one buffered task channel and one
// buffered result channel. Services use it for work that may run in
// parallel while their bus handler stays serial: the handler submits and
// returns, a collector goroutine reads results and settles messages.
//
//   handler --Submit()--> taskCh --> Worker 1..n --> resultCh --> collector
//
// Lifecycle:
//   1. NewPool(buffer)  - create channels
//   2. Start(n)         - launch n workers
//   3. Submit(task)     - queue a task; blocks while the buffer is full
//   4. ReceiveResult()  - read one result
//   5. Stop()           - stop accepting tasks, let workers drain, close results
//
// Stop closes stopCh before taking the write lock, so a Submit blocked on a
// full buffer returns ErrPoolClosed instead of racing the channel close.
// ============================================================================

package worker

import (
	"errors"
	"log/slog"
	"sync"
)

var log = slog.Default()

var (
	ErrPoolClosed         = errors.New("worker: pool is closed")
	ErrPoolNotStarted     = errors.New("worker: pool not started")
	ErrPoolAlreadyStarted = errors.New("worker: pool already started")
	ErrTaskPanicked       = errors.New("worker: task panicked")
	ErrNoRun              = errors.New("worker: task has no Run function")
)

// Pool manages a fixed number of workers.
type Pool struct {
	workers  []*Worker
	taskCh   chan Task
	resultCh chan Result
	stopCh   chan struct{}
	stopOnce sync.Once
	wg       sync.WaitGroup

	mu      sync.RWMutex
	started bool
	stopped bool
}

// NewPool creates a pool whose task and result channels hold bufferSize
// entries.
func NewPool(bufferSize int) *Pool {
	return &Pool{
		taskCh:   make(chan Task, bufferSize),
		resultCh: make(chan Result, bufferSize),
		stopCh:   make(chan struct{}),
	}
}

// Start launches workerCount workers.
func (p *Pool) Start(workerCount int) error {
	p.mu.Lock()
	defer p.mu.Unlock()

	if p.started {
		return ErrPoolAlreadyStarted
	}
	if p.stopped {
		return ErrPoolClosed
	}
	if workerCount < 1 {
		workerCount = 1
	}

	for i := 0; i < workerCount; i++ {
		w := newWorker(i, p.taskCh, p.resultCh, p.stopCh)
		p.workers = append(p.workers, w)
		p.wg.Add(1)
		go func(w *Worker) {
			defer p.wg.Done()
			w.Run()
		}(w)
	}
	p.started = true
	log.Debug("worker pool started", "workers", workerCount)
	return nil
}

// Submit queues a task.
func (p *Pool) Submit(task Task) error {
	p.mu.RLock()
	defer p.mu.RUnlock()
	if !p.started {
		return ErrPoolNotStarted
	}
	if p.stopped {
		return ErrPoolClosed
	}

	select {
	case p.taskCh <- task:
		return nil
	case <-p.stopCh:
		return ErrPoolClosed
	}
}

// ReceiveResult blocks until a result is available or the pool has stopped
// and drained.
func (p *Pool) ReceiveResult() (Result, error) {
	result, ok := <-p.resultCh
	if !ok {
		return Result{}, ErrPoolClosed
	}
	return result, nil
}

// Results exposes the result channel. It is closed once Stop returns.
func (p *Pool) Results() <-chan Result { return p.resultCh }

// Stop refuses new tasks, waits for the workers to finish what is queued
// and closes the result channel. Results nobody reads during shutdown are
// dropped.
func (p *Pool) Stop() {
	p.stopOnce.Do(func() {
		close(p.stopCh)

		p.mu.Lock()
		wasStarted := p.started
		p.stopped = true
		close(p.taskCh)
		p.mu.Unlock()

		if wasStarted {
			p.wg.Wait()
		}
		close(p.resultCh)
		log.Debug("worker pool stopped")
	})
}

// GetWorkerCount returns the number of workers.
func (p *Pool) GetWorkerCount() int {
	p.mu.RLock()
	defer p.mu.RUnlock()
	return len(p.workers)
}

// IsStarted reports whether Start has been called.
func (p *Pool) IsStarted() bool {
	p.mu.RLock()
	defer p.mu.RUnlock()
	return p.started
}

// Pending returns the number of queued tasks not yet picked up.
func (p *Pool) Pending() int { return len(p.taskCh) }
