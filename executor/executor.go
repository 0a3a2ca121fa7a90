// Package executor runs tasks sequenced per bucket.
//
// Tasks submitted for the same bucket execute one at a time in submission
// order; tasks for distinct buckets run concurrently up to a global worker
// cap. Merge diff application relies on both properties: writes into one
// bucket must not reorder, while independent merges should overlap.
package executor

import (
	"context"
	"errors"
	"sync"

	"golang.org/x/sync/semaphore"

	"github.com/hupe1980/bucketgo/model"
)

// ErrClosed is returned when submitting to a closed executor.
var ErrClosed = errors.New("executor: closed")

// Task is one unit of work.
type Task func()

// Executor sequences tasks per bucket under a global concurrency cap.
type Executor struct {
	mu      sync.Mutex
	stripes map[model.Bucket]*stripe
	closed  bool

	sem *semaphore.Weighted
	wg  sync.WaitGroup
}

type stripe struct {
	tasks   []Task
	running bool
}

// New creates an executor with the given worker cap. A cap below 1 defaults
// to 1.
func New(workers int64) *Executor {
	if workers < 1 {
		workers = 1
	}
	return &Executor{
		stripes: make(map[model.Bucket]*stripe),
		sem:     semaphore.NewWeighted(workers),
	}
}

// Submit enqueues task behind every task already submitted for b.
func (e *Executor) Submit(b model.Bucket, task Task) error {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.closed {
		return ErrClosed
	}
	s, ok := e.stripes[b]
	if !ok {
		s = &stripe{}
		e.stripes[b] = s
	}
	s.tasks = append(s.tasks, task)
	e.wg.Add(1)
	if !s.running {
		s.running = true
		go e.run(s)
	}
	return nil
}

func (e *Executor) run(s *stripe) {
	for {
		e.mu.Lock()
		if len(s.tasks) == 0 {
			s.running = false
			e.mu.Unlock()
			return
		}
		task := s.tasks[0]
		s.tasks = s.tasks[1:]
		e.mu.Unlock()

		_ = e.sem.Acquire(context.Background(), 1)
		task()
		e.sem.Release(1)
		e.wg.Done()
	}
}

// Drain blocks until every task submitted so far has finished. It is the
// write barrier merges take before computing diffs.
func (e *Executor) Drain() {
	e.wg.Wait()
}

// Close drains and rejects further submissions.
func (e *Executor) Close() {
	e.mu.Lock()
	e.closed = true
	e.mu.Unlock()
	e.wg.Wait()
}
