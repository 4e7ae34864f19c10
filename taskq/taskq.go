// Copyright 2025 The LevelDB-Go and Pebble Authors. All rights reserved. Use
// of this source code is governed by a BSD-style license that can be found in
// the LICENSE file.

// Package taskq implements a fixed-size pool of workers fed from a bounded
// queue. Every dispatched task is assigned a TaskID from a monotonically
// increasing sequence, and callers can wait not only for a particular task
// but for that task together with every task dispatched before it, no matter
// in which order the workers happen to finish them.
package taskq

import (
	"context"
	"runtime/pprof"
	"sync"

	"github.com/cockroachdb/blockdiff/internal/base"
	"github.com/cockroachdb/errors"
	"github.com/google/btree"
)

// TaskID identifies a dispatched task. IDs start at 1 and increase by one
// per successful dispatch; the zero TaskID is never assigned.
type TaskID uint64

// ErrClosed is returned when dispatching to a closed queue.
var ErrClosed = errors.Mark(errors.New("taskq: closed"), base.ErrClosed)

// ErrQueueFull is returned by TryDispatch when the queue buffer is full.
var ErrQueueFull = errors.New("taskq: queue full")

// Options configures a Queue.
type Options struct {
	// MaxQueued bounds the number of dispatched tasks that have not yet been
	// picked up by a worker. Dispatch blocks while the bound is reached.
	MaxQueued int
	// Logger is used for lifecycle messages.
	Logger base.Logger
}

// EnsureDefaults fills in zero fields.
func (o *Options) EnsureDefaults() {
	if o.MaxQueued <= 0 {
		o.MaxQueued = 1024
	}
	if o.Logger == nil {
		o.Logger = base.NoopLogger{}
	}
}

// Metrics is a snapshot of a queue's counters.
type Metrics struct {
	Dispatched  uint64
	Completed   uint64
	Outstanding int
}

type task struct {
	id TaskID
	fn func()
}

// Queue is a pool of workers executing dispatched functions.
type Queue struct {
	name string
	opts Options

	tasksCh chan task
	// waitGroup is used to wait for the worker goroutines to exit.
	waitGroup sync.WaitGroup

	// closeMu is held for reading while sending on tasksCh so that Close can
	// close the channel without racing a blocked Dispatch.
	closeMu sync.RWMutex
	closed  bool

	mu struct {
		sync.Mutex
		lastID    TaskID
		completed uint64
		// outstanding holds the IDs of dispatched tasks that have not
		// completed. Its minimum decides WaitID.
		outstanding *btree.BTreeG[TaskID]
		cond        sync.Cond
	}
}

// New starts a queue with the given number of workers. The queue must be
// Close()d.
func New(name string, workers int, opts Options) *Queue {
	opts.EnsureDefaults()
	if workers <= 0 {
		workers = 1
	}
	q := &Queue{
		name:    name,
		opts:    opts,
		tasksCh: make(chan task, opts.MaxQueued),
	}
	q.mu.outstanding = btree.NewG(16, func(a, b TaskID) bool { return a < b })
	q.mu.cond.L = &q.mu.Mutex

	labels := pprof.Labels("taskq", name)
	q.waitGroup.Add(workers)
	for i := 0; i < workers; i++ {
		go func() {
			pprof.Do(context.Background(), labels, func(context.Context) {
				q.worker()
			})
		}()
	}
	q.opts.Logger.Infof("taskq %s: started %d workers", name, workers)
	return q
}

// Name returns the name the queue was created with.
func (q *Queue) Name() string {
	return q.name
}

// Dispatch queues fn for execution and returns its TaskID. It blocks while
// the queue buffer is full.
func (q *Queue) Dispatch(fn func()) (TaskID, error) {
	return q.dispatch(fn, true /* block */)
}

// TryDispatch is like Dispatch but returns ErrQueueFull instead of blocking.
func (q *Queue) TryDispatch(fn func()) (TaskID, error) {
	return q.dispatch(fn, false /* block */)
}

func (q *Queue) dispatch(fn func(), block bool) (TaskID, error) {
	q.closeMu.RLock()
	defer q.closeMu.RUnlock()
	if q.closed {
		return 0, ErrClosed
	}

	// Sends happen under mu, so a worker that picks the task up immediately
	// cannot report it complete before its ID is registered as outstanding,
	// and the channel order matches the ID order.
	q.mu.Lock()
	defer q.mu.Unlock()
	for {
		id := q.mu.lastID + 1
		select {
		case q.tasksCh <- task{id: id, fn: fn}:
			q.mu.lastID = id
			q.mu.outstanding.ReplaceOrInsert(id)
			return id, nil
		default:
		}
		if !block {
			return 0, ErrQueueFull
		}
		// Let workers make progress (they need mu to report completion)
		// while we wait for buffer space. Another dispatcher may claim the
		// next ID in the meantime, so the ID is recomputed on every attempt.
		q.mu.cond.Wait()
	}
}

func (q *Queue) worker() {
	defer q.waitGroup.Done()
	for t := range q.tasksCh {
		// Taking a task frees buffer space; wake any blocked dispatcher.
		q.mu.Lock()
		q.mu.cond.Broadcast()
		q.mu.Unlock()

		t.fn()

		q.mu.Lock()
		q.mu.outstanding.Delete(t.id)
		q.mu.completed++
		q.mu.cond.Broadcast()
		q.mu.Unlock()
	}
}

// Wait blocks until every task dispatched before the call has completed.
// Tasks dispatched during the call are not waited for.
func (q *Queue) Wait() {
	q.mu.Lock()
	defer q.mu.Unlock()
	q.waitIDLocked(q.mu.lastID)
}

// WaitID blocks until the task with the given ID and every task dispatched
// before it have completed. An ID that has not been assigned yet is treated
// as the most recently assigned one.
func (q *Queue) WaitID(id TaskID) {
	q.mu.Lock()
	defer q.mu.Unlock()
	q.waitIDLocked(min(id, q.mu.lastID))
}

func (q *Queue) waitIDLocked(id TaskID) {
	for {
		lowest, ok := q.mu.outstanding.Min()
		if !ok || lowest > id {
			return
		}
		q.mu.cond.Wait()
	}
}

// Metrics returns a snapshot of the queue counters.
func (q *Queue) Metrics() Metrics {
	q.mu.Lock()
	defer q.mu.Unlock()
	return Metrics{
		Dispatched:  uint64(q.mu.lastID),
		Completed:   q.mu.completed,
		Outstanding: q.mu.outstanding.Len(),
	}
}

// Close waits for all dispatched tasks to complete and stops the workers.
// Dispatching after Close returns ErrClosed. Close must not be called from a
// task.
func (q *Queue) Close() {
	q.closeMu.Lock()
	if q.closed {
		q.closeMu.Unlock()
		return
	}
	q.closed = true
	close(q.tasksCh)
	q.closeMu.Unlock()
	q.waitGroup.Wait()
	q.opts.Logger.Infof("taskq %s: closed after %d tasks", q.name, q.Metrics().Completed)
}
