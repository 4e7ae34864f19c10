// Copyright 2025 The LevelDB-Go and Pebble Authors. All rights reserved. Use
// of this source code is governed by a BSD-style license that can be found in
// the LICENSE file.

package main

import (
	"fmt"
	"io"
	"slices"
	"sync"
	"time"

	"github.com/cockroachdb/blockdiff/taskq"
	"github.com/cockroachdb/errors"
	"github.com/spf13/cobra"
)

var taskqConfig struct {
	workers int
	tasks   int
	slow    uint64
	delay   time.Duration
	waitFor uint64
}

var taskqCmd = &cobra.Command{
	Use:   "taskq",
	Short: "demonstrate ordered waits on a task queue",
	Long: `
Dispatches tasks to a queue in which one task is slow, then waits for a task
ID in the middle and for the last one, printing which tasks had completed
when each wait returned. A wait for an ID returns only once every task with
a smaller or equal ID has completed.
`,
	Args: cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		return runTaskqDemo(cmd.OutOrStdout(), taskqConfig.workers, taskqConfig.tasks,
			taskq.TaskID(taskqConfig.slow), taskq.TaskID(taskqConfig.waitFor), taskqConfig.delay)
	},
}

func init() {
	taskqCmd.Flags().IntVar(&taskqConfig.workers, "workers", 3, "number of workers")
	taskqCmd.Flags().IntVar(&taskqConfig.tasks, "tasks", 8, "number of tasks")
	taskqCmd.Flags().Uint64Var(&taskqConfig.slow, "slow", 2, "ID of the slow task")
	taskqCmd.Flags().Uint64Var(&taskqConfig.waitFor, "wait-for", 3, "ID to wait for first")
	taskqCmd.Flags().DurationVar(&taskqConfig.delay, "delay", 100*time.Millisecond, "how long the slow task runs")
}

func runTaskqDemo(
	w io.Writer, workers, tasks int, slow, waitFor taskq.TaskID, delay time.Duration,
) error {
	if tasks <= 0 || waitFor == 0 || int(waitFor) > tasks {
		return errors.Newf("--wait-for (%d) must be in [1, %d]", waitFor, tasks)
	}
	q := taskq.New("demo", workers, taskq.Options{})
	defer q.Close()

	var mu sync.Mutex
	var done []taskq.TaskID
	snapshot := func() []taskq.TaskID {
		mu.Lock()
		defer mu.Unlock()
		return slices.Sorted(slices.Values(done))
	}

	for i := 1; i <= tasks; i++ {
		id := taskq.TaskID(i)
		if _, err := q.Dispatch(func() {
			if id == slow {
				time.Sleep(delay)
			}
			mu.Lock()
			defer mu.Unlock()
			done = append(done, id)
		}); err != nil {
			return err
		}
	}

	q.WaitID(waitFor)
	fmt.Fprintf(w, "WaitID(%d): completed %v\n", waitFor, snapshot()[:waitFor])
	q.WaitID(taskq.TaskID(tasks))
	fmt.Fprintf(w, "WaitID(%d): completed %v\n", tasks, snapshot())
	m := q.Metrics()
	fmt.Fprintf(w, "dispatched %d completed %d outstanding %d\n", m.Dispatched, m.Completed, m.Outstanding)
	return nil
}
