// Copyright 2025 The LevelDB-Go and Pebble Authors. All rights reserved. Use
// of this source code is governed by a BSD-style license that can be found in
// the LICENSE file.

package main

import (
	"fmt"
	"io"
	"os"
	"strconv"
	"strings"

	"github.com/cockroachdb/blockdiff/internal/offsetmap"
	"github.com/cockroachdb/blockdiff/rangeset"
	"github.com/cockroachdb/crlib/crstrings"
	"github.com/cockroachdb/errors"
	"github.com/dustin/go-humanize"
	"github.com/pmezard/go-difflib/difflib"
	"github.com/spf13/cobra"
)

var mtreeConfig struct {
	blockSize uint64
	backend   string
	strict    bool
	expect    string
}

var mtreeCmd = &cobra.Command{
	Use:   "mtree <script>",
	Short: "replay an interval script against a rangeset",
	Long: `
Replays a script of interval operations, one per line:

  insert <offset> <length>
  delete <offset> <length>
  find <offset>
  count
  print

Numbers are byte counts ("4096", "64KiB") or, with a bare B suffix, a
multiple of --block-size ("3B"). Lines starting with # are ignored.
Use "-" to read the script from stdin.

With --expect, the output is compared against a previously recorded
transcript and a unified diff is printed on mismatch.
`,
	Args: cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		var data []byte
		var err error
		if args[0] == "-" {
			data, err = io.ReadAll(cmd.InOrStdin())
		} else {
			data, err = os.ReadFile(args[0])
		}
		if err != nil {
			return err
		}
		kind, err := offsetmap.ParseKind(mtreeConfig.backend)
		if err != nil {
			return err
		}
		var out strings.Builder
		failures := runScript(&out, string(data), mtreeConfig.blockSize, kind)
		if _, err := io.WriteString(cmd.OutOrStdout(), out.String()); err != nil {
			return err
		}
		if mtreeConfig.expect != "" {
			want, err := os.ReadFile(mtreeConfig.expect)
			if err != nil {
				return err
			}
			if diff := transcriptDiff(string(want), out.String()); diff != "" {
				fmt.Fprint(cmd.ErrOrStderr(), diff)
				return errors.Newf("output does not match %s", mtreeConfig.expect)
			}
		}
		if failures > 0 && mtreeConfig.strict {
			return errors.Newf("%d operations failed", failures)
		}
		return nil
	},
}

func init() {
	mtreeCmd.Flags().Uint64Var(
		&mtreeConfig.blockSize, "block-size", 4096, "size of a block for the B suffix")
	mtreeCmd.Flags().StringVar(
		&mtreeConfig.backend, "backend", offsetmap.BTree.String(), "ordered map backend (btree, tidwall)")
	mtreeCmd.Flags().BoolVar(
		&mtreeConfig.strict, "strict", false, "exit with an error if any operation fails")
	mtreeCmd.Flags().StringVar(
		&mtreeConfig.expect, "expect", "", "compare the output against this transcript file")
}

// transcriptDiff returns a unified diff between the expected and actual
// replay output, or "" if they match.
func transcriptDiff(want, got string) string {
	if want == got {
		return ""
	}
	diff, err := difflib.GetUnifiedDiffString(difflib.UnifiedDiff{
		A:        difflib.SplitLines(want),
		B:        difflib.SplitLines(got),
		FromFile: "expected",
		ToFile:   "actual",
		Context:  3,
	})
	if err != nil {
		return fmt.Sprintf("diff failed: %v\n", err)
	}
	return diff
}

// runScript replays script against a new set, writing one line per
// operation result to w. It returns the number of operations that failed.
func runScript(w io.Writer, script string, blockSize uint64, kind offsetmap.Kind) (failures int) {
	s := rangeset.NewWithBackend(kind)
	lineNum := 0
	for line := range crstrings.LinesSeq(script) {
		lineNum++
		line = strings.TrimSpace(line)
		if line == "" || strings.HasPrefix(line, "#") {
			continue
		}
		if err := runScriptLine(w, s, line, blockSize); err != nil {
			fmt.Fprintf(w, "%d: %s: %v\n", lineNum, line, err)
			failures++
		}
	}
	return failures
}

func runScriptLine(w io.Writer, s *rangeset.Set, line string, blockSize uint64) error {
	fields := strings.Fields(line)
	args := make([]uint64, len(fields)-1)
	for i, f := range fields[1:] {
		n, err := parseScriptNumber(f, blockSize)
		if err != nil {
			return err
		}
		args[i] = n
	}
	wantArgs := func(n int) error {
		if len(args) != n {
			return errors.Newf("%s takes %d arguments", fields[0], n)
		}
		return nil
	}

	switch fields[0] {
	case "insert", "delete":
		if err := wantArgs(2); err != nil {
			return err
		}
		op := s.Insert
		if fields[0] == "delete" {
			op = s.Delete
		}
		if err := op(args[0], args[1]); err != nil {
			return err
		}
		fmt.Fprintf(w, "%s %s: ok\n", fields[0], rangeset.Interval{Offset: args[0], Length: args[1]})
	case "find":
		if err := wantArgs(1); err != nil {
			return err
		}
		if l, ok := s.FindExact(args[0]); ok {
			fmt.Fprintf(w, "find %d: length %d\n", args[0], l)
		} else {
			fmt.Fprintf(w, "find %d: not found\n", args[0])
		}
	case "count":
		if err := wantArgs(0); err != nil {
			return err
		}
		fmt.Fprintf(w, "count: %d\n", s.Count())
	case "print":
		if err := wantArgs(0); err != nil {
			return err
		}
		fmt.Fprint(w, s.String())
		if s.Count() == 0 {
			fmt.Fprintln(w)
		}
	default:
		return errors.Newf("unknown operation %q", fields[0])
	}
	return nil
}

func parseScriptNumber(s string, blockSize uint64) (uint64, error) {
	if b, ok := strings.CutSuffix(s, "B"); ok {
		if n, err := strconv.ParseUint(b, 10, 64); err == nil {
			return n * blockSize, nil
		}
	}
	n, err := humanize.ParseBytes(s)
	if err != nil {
		return 0, errors.Wrapf(err, "invalid number %q", s)
	}
	return n, nil
}
