// Copyright 2025 The LevelDB-Go and Pebble Authors. All rights reserved. Use
// of this source code is governed by a BSD-style license that can be found in
// the LICENSE file.

// blkdiff exercises txg block diffs: it runs the reconciliation workload
// against an in-memory volume, replays interval scripts against a rangeset,
// and demonstrates ordered waits on a task queue.
package main

import (
	"log"
	"os"

	"github.com/spf13/cobra"
)

var rootCmd = &cobra.Command{
	Use:   "blkdiff [command] (flags)",
	Short: "txg block diff verification tool",
	Long:  ``,
}

func main() {
	log.SetFlags(0)

	cobra.EnableCommandSorting = false
	rootCmd.AddCommand(
		txgDiffCmd,
		mtreeCmd,
		taskqCmd,
	)

	if err := rootCmd.Execute(); err != nil {
		// Cobra has already printed the error message.
		os.Exit(1)
	}
}
