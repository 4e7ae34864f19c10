// Copyright 2025 The LevelDB-Go and Pebble Authors. All rights reserved. Use
// of this source code is governed by a BSD-style license that can be found in
// the LICENSE file.

package taskq

import (
	"fmt"
	"slices"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/cockroachdb/blockdiff/internal/base"
	"github.com/cockroachdb/crlib/testutils/leaktest"
	"github.com/cockroachdb/errors"
	"github.com/stretchr/testify/require"
)

func TestSingle(t *testing.T) {
	defer leaktest.AfterTest(t)()
	q := New("single", 1, Options{})
	defer q.Close()

	var flag atomic.Bool
	id, err := q.Dispatch(func() { flag.Store(true) })
	require.NoError(t, err)
	require.Equal(t, TaskID(1), id)
	q.Wait()
	require.True(t, flag.Load())
}

// TestMultipleQueues dispatches two dependent tasks to each of several
// single-worker queues; a single worker runs its tasks in dispatch order.
func TestMultipleQueues(t *testing.T) {
	defer leaktest.AfterTest(t)()
	const queues = 8
	var qs []*Queue
	flags := make([]int, queues)
	for i := 0; i < queues; i++ {
		q := New(fmt.Sprintf("multiple/%d", i), 1, Options{})
		qs = append(qs, q)
		flags[i] = i
		_, err := q.Dispatch(func() { flags[i] *= 2 })
		require.NoError(t, err)
		_, err = q.Dispatch(func() { flags[i] += 1 })
		require.NoError(t, err)
	}
	for i, q := range qs {
		q.Wait()
		q.Close()
		require.Equal(t, i*2+1, flags[i])
	}
}

func TestWaitAll(t *testing.T) {
	defer leaktest.AfterTest(t)()
	q := New("wait", 4, Options{})
	defer q.Close()

	var count atomic.Int64
	for n := 1; n <= 1024; n *= 2 {
		count.Store(0)
		for j := 0; j < n; j++ {
			_, err := q.Dispatch(func() { count.Add(1) })
			require.NoError(t, err)
		}
		q.Wait()
		require.Equal(t, int64(n), count.Load())
	}
	m := q.Metrics()
	require.Equal(t, uint64(2047), m.Dispatched)
	require.Equal(t, uint64(2047), m.Completed)
	require.Equal(t, 0, m.Outstanding)
}

// waitReturns reports whether fn returns within d.
func waitReturns(fn func(), d time.Duration) (returned func() bool) {
	done := make(chan struct{})
	go func() {
		fn()
		close(done)
	}()
	select {
	case <-done:
		return func() bool { return true }
	case <-time.After(d):
		return func() bool {
			<-done
			return false
		}
	}
}

// TestWaitIDOrdering checks that WaitID waits for every task dispatched
// before the given one, even when later tasks finish first.
func TestWaitIDOrdering(t *testing.T) {
	defer leaktest.AfterTest(t)()
	q := New("order", 3, Options{})
	defer q.Close()

	gate := make(chan struct{})
	var mu sync.Mutex
	var order []TaskID
	record := func(id TaskID) {
		mu.Lock()
		defer mu.Unlock()
		order = append(order, id)
	}
	completed := func() []TaskID {
		mu.Lock()
		defer mu.Unlock()
		return slices.Sorted(slices.Values(order))
	}

	for i := 1; i <= 8; i++ {
		id := TaskID(i)
		fn := func() { record(id) }
		if i == 2 {
			fn = func() {
				<-gate
				record(id)
			}
		}
		got, err := q.Dispatch(fn)
		require.NoError(t, err)
		require.Equal(t, id, got)
	}

	q.WaitID(1)
	require.Contains(t, completed(), TaskID(1))

	// Task 2 is blocked, so waiting for 3 must block even once 3 itself has
	// run on another worker.
	blocked := waitReturns(func() { q.WaitID(3) }, 50*time.Millisecond)
	require.NotContains(t, completed(), TaskID(2))
	close(gate)
	blocked()
	require.Subset(t, completed(), []TaskID{1, 2, 3})

	q.WaitID(8)
	require.Equal(t, []TaskID{1, 2, 3, 4, 5, 6, 7, 8}, completed())

	// Waiting for an ID that was never assigned does not hang.
	q.WaitID(100)
}

func TestTryDispatchFull(t *testing.T) {
	defer leaktest.AfterTest(t)()
	q := New("full", 1, Options{MaxQueued: 1})
	defer q.Close()

	started := make(chan struct{})
	gate := make(chan struct{})
	_, err := q.Dispatch(func() {
		close(started)
		<-gate
	})
	require.NoError(t, err)
	<-started

	// The worker is busy; one task fits in the buffer.
	_, err = q.TryDispatch(func() {})
	require.NoError(t, err)
	_, err = q.TryDispatch(func() {})
	require.True(t, errors.Is(err, ErrQueueFull))

	close(gate)
	q.Wait()
	require.Equal(t, uint64(2), q.Metrics().Completed)
}

func TestConcurrentDispatch(t *testing.T) {
	defer leaktest.AfterTest(t)()
	q := New("concurrent", 2, Options{MaxQueued: 4})
	defer q.Close()

	const dispatchers, perDispatcher = 8, 100
	var wg sync.WaitGroup
	ids := make([][]TaskID, dispatchers)
	for i := 0; i < dispatchers; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for j := 0; j < perDispatcher; j++ {
				id, err := q.Dispatch(func() {})
				if err != nil {
					panic(err)
				}
				ids[i] = append(ids[i], id)
			}
		}()
	}
	wg.Wait()
	q.Wait()

	var all []TaskID
	for _, s := range ids {
		require.True(t, slices.IsSorted(s))
		all = append(all, s...)
	}
	slices.Sort(all)
	for i, id := range all {
		require.Equal(t, TaskID(i+1), id)
	}
}

func TestDispatchAfterClose(t *testing.T) {
	defer leaktest.AfterTest(t)()
	q := New("closed", 1, Options{})
	q.Close()
	q.Close()
	_, err := q.Dispatch(func() {})
	require.True(t, errors.Is(err, ErrClosed))
	require.True(t, errors.Is(err, base.ErrClosed))
}
