// Copyright 2025 The LevelDB-Go and Pebble Authors. All rights reserved. Use
// of this source code is governed by a BSD-style license that can be found in
// the LICENSE file.

package main

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"os"
	"os/signal"
	"time"

	"github.com/cockroachdb/blockdiff"
	"github.com/cockroachdb/blockdiff/diffcheck"
	"github.com/cockroachdb/blockdiff/internal/base"
	"github.com/cockroachdb/blockdiff/internal/compression"
	"github.com/cockroachdb/errors"
	"github.com/dustin/go-humanize"
	"github.com/guptarohit/asciigraph"
	"github.com/olekukonko/tablewriter"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"
)

var txgDiffCmd = &cobra.Command{
	Use:   "txg-diff",
	Short: "run the txg diff reconciliation workload",
	Long: `
Runs passes of block writes against a fresh in-memory volume. Each pass
records its writes between two synced txgs, computes the block diff between
them and checks that deleting every recorded write drains the diff.
`,
	Args: cobra.NoArgs,
	RunE: runTxgDiff,
}

func init() {
	addTxgDiffFlags(txgDiffCmd)
}

func addTxgDiffFlags(cmd *cobra.Command) {
	f := cmd.Flags()
	f.String("config", "", "YAML file with flag values; flags given on the command line take precedence")
	f.String("size", "64MiB", "volume size")
	f.Int("block-size", 4096, "volume block size")
	f.String("compression", "snappy", "block compression (none, snappy, minlz, zstd)")
	f.Duration("txg-timeout", 5*time.Second, "interval between periodic txg syncs")
	f.String("dirty-data-sync", "16MiB", "dirty data in the open txg that triggers a sync")
	f.String("write-rate", "0", "write bandwidth limit per second (0 means unlimited)")
	f.Bool("verify", false, "verify compressed blocks as they are synced")
	f.Int("iterations", 16, "number of passes (0 means no limit)")
	f.Int("writes-per-txg", 256, "block writes per pass")
	f.IntP("concurrency", "c", 4, "number of concurrent writers")
	f.DurationP("duration", "d", 0, "the duration to run (0 means no limit)")
	f.Uint64("seed", uint64(time.Now().UnixNano()), "random seed")
	f.String("metrics-addr", "", "serve prometheus metrics on this address while running")
	f.Bool("plot", false, "plot the mean write latency of each pass")
	f.BoolP("verbose", "v", false, "log every txg sync")
}

func runTxgDiff(cmd *cobra.Command, args []string) error {
	cfg, err := loadTxgDiffConfig(cmd)
	if err != nil {
		return err
	}
	stdout := cmd.OutOrStdout()

	opts := cfg.volumeOptions()
	if cfg.Verbose {
		l := blockdiff.MakeLoggingEventListener(opts.Logger)
		opts.EventListener = &l
	}
	vol, err := blockdiff.Open(opts)
	if err != nil {
		return err
	}
	defer func() { _ = vol.Close() }()

	ctx, cancel := signal.NotifyContext(cmd.Context(), os.Interrupt)
	defer cancel()
	g, ctx := errgroup.WithContext(ctx)

	var srv *http.Server
	if cfg.MetricsAddr != "" {
		reg := prometheus.NewRegistry()
		reg.MustRegister(vol.Collectors()...)
		srv = &http.Server{
			Addr:              cfg.MetricsAddr,
			Handler:           promhttp.HandlerFor(reg, promhttp.HandlerOpts{}),
			ReadHeaderTimeout: 10 * time.Second,
		}
		g.Go(func() error {
			if err := srv.ListenAndServe(); !errors.Is(err, http.ErrServerClosed) {
				return errors.Wrap(err, "metrics server")
			}
			return nil
		})
	}

	var report diffcheck.Report
	g.Go(func() error {
		if srv != nil {
			defer func() {
				shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
				defer cancel()
				_ = srv.Shutdown(shutdownCtx)
			}()
		}
		var err error
		report, err = diffcheck.Run(ctx, vol, cfg.workloadConfig())
		return err
	})
	runErr := g.Wait()

	printReport(stdout, &report, vol.Metrics(), cfg.Plot)
	return runErr
}

func printReport(w io.Writer, report *diffcheck.Report, m blockdiff.Metrics, plot bool) {
	if len(report.Passes) > 0 {
		tbl := tablewriter.NewWriter(w)
		tbl.SetHeader([]string{"Pass", "From", "To", "Writes", "Intervals", "Duration", "Mean write"})
		for i, p := range report.Passes {
			tbl.Append([]string{
				fmt.Sprintf("%d", i),
				fmt.Sprintf("%d", uint64(p.From)),
				fmt.Sprintf("%d", uint64(p.To)),
				fmt.Sprintf("%d", p.Writes),
				fmt.Sprintf("%d", p.Intervals),
				p.Duration.Round(time.Microsecond).String(),
				p.MeanWriteLatency.Round(time.Microsecond).String(),
			})
		}
		tbl.Render()
	}
	fmt.Fprintf(w, "\nwrote %s in %d passes\n", humanize.IBytes(report.Bytes), len(report.Passes))
	fmt.Fprint(w, report.String())
	fmt.Fprint(w, m.String())

	if plot && len(report.Passes) > 0 {
		values := make([]float64, len(report.Passes))
		for i, p := range report.Passes {
			values[i] = float64(p.MeanWriteLatency.Microseconds())
		}
		fmt.Fprintln(w)
		fmt.Fprintln(w, asciigraph.Plot(values,
			asciigraph.Height(10),
			asciigraph.Caption("mean write latency per pass (µs)")))
	}
}

// txgDiffConfig holds the resolved txg-diff settings.
type txgDiffConfig struct {
	Size          int64
	BlockSize     int
	Compression   compression.Algorithm
	TxgTimeout    time.Duration
	DirtyDataSync int64
	WriteRate     int64
	Verify        bool

	Iterations   int
	WritesPerTxg int
	Concurrency  int
	Duration     time.Duration
	Seed         uint64

	MetricsAddr string
	Plot        bool
	Verbose     bool
}

func (c *txgDiffConfig) volumeOptions() *blockdiff.Options {
	alg := c.Compression
	return &blockdiff.Options{
		BlockSize:        c.BlockSize,
		Size:             c.Size,
		Compression:      func() compression.Algorithm { return alg },
		TxgTimeout:       c.TxgTimeout,
		DirtyDataSync:    c.DirtyDataSync,
		WriteBytesPerSec: c.WriteRate,
		VerifyOnSync:     c.Verify,
		Logger:           base.DefaultLogger{},
	}
}

func (c *txgDiffConfig) workloadConfig() diffcheck.Config {
	cfg := diffcheck.Config{
		Iterations:   c.Iterations,
		WritesPerTxg: c.WritesPerTxg,
		Concurrency:  c.Concurrency,
		Duration:     c.Duration,
		Seed:         c.Seed,
	}
	if c.Verbose {
		cfg.Logger = base.DefaultLogger{}
	}
	return cfg
}
