// Copyright 2025 The LevelDB-Go and Pebble Authors. All rights reserved. Use
// of this source code is governed by a BSD-style license that can be found in
// the LICENSE file.

// Package diffcheck implements a verification workload for txg block diffs.
// Each pass records a batch of writes between two synced txg marks, asks the
// volume for the diff between the marks, and reconciles the diff against the
// recorded writes: deleting every write from the diff must leave it empty.
package diffcheck

import (
	"context"
	"fmt"
	"math/rand/v2"
	"strings"
	"sync"
	"time"

	"github.com/HdrHistogram/hdrhistogram-go"
	"github.com/cockroachdb/blockdiff"
	"github.com/cockroachdb/blockdiff/internal/base"
	"github.com/cockroachdb/blockdiff/rangeset"
	"github.com/cockroachdb/blockdiff/taskq"
	"github.com/cockroachdb/crlib/crtime"
	"github.com/cockroachdb/errors"
)

// ErrUnreconciled is returned when a diff still holds intervals after every
// recorded write has been deleted from it: the diff reported a range that
// was never written.
var ErrUnreconciled = errors.New("diffcheck: diff not exhausted by recorded writes")

// Volume is the subset of *blockdiff.Volume used by the workload.
type Volume interface {
	BlockSize() int
	Size() int64
	Write(ctx context.Context, p []byte, offset int64) error
	WaitSynced(ctx context.Context, txg blockdiff.Txg) error
	LastSyncedTxg() blockdiff.Txg
	BlockDiff(from, to blockdiff.Txg) (*rangeset.Set, error)
}

var _ Volume = (*blockdiff.Volume)(nil)

// Config configures Run.
type Config struct {
	// Iterations bounds the number of passes. Zero means no bound.
	Iterations int
	// WritesPerTxg is the number of block writes issued in each pass.
	WritesPerTxg int
	// Concurrency is the number of workers issuing writes.
	Concurrency int
	// Duration bounds the running time. Zero means no bound. A pass that has
	// started always completes.
	Duration time.Duration
	// Seed seeds the offset and payload generator.
	Seed uint64
	// Logger receives a line per pass.
	Logger base.Logger
}

// EnsureDefaults fills in unset fields.
func (c *Config) EnsureDefaults() {
	if c.WritesPerTxg <= 0 {
		c.WritesPerTxg = 64
	}
	if c.Concurrency <= 0 {
		c.Concurrency = 4
	}
	if c.Logger == nil {
		c.Logger = base.NoopLogger{}
	}
}

// Validate checks the configuration.
func (c *Config) Validate() error {
	if c.Iterations <= 0 && c.Duration <= 0 {
		return errors.New("diffcheck: one of Iterations or Duration must be set")
	}
	if c.Iterations < 0 || c.Duration < 0 {
		return errors.Newf("diffcheck: negative bound (iterations %d, duration %s)", c.Iterations, c.Duration)
	}
	return nil
}

// WriteLog records the ranges written during a pass. It is safe for
// concurrent use.
type WriteLog struct {
	mu     sync.Mutex
	writes []rangeset.Interval
}

// Record appends a write.
func (l *WriteLog) Record(offset, length uint64) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.writes = append(l.writes, rangeset.Interval{Offset: offset, Length: length})
}

// Writes returns the recorded writes in recording order.
func (l *WriteLog) Writes() []rangeset.Interval {
	l.mu.Lock()
	defer l.mu.Unlock()
	return append([]rangeset.Interval(nil), l.writes...)
}

// Len returns the number of recorded writes.
func (l *WriteLog) Len() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return len(l.writes)
}

// Reset discards every recorded write.
func (l *WriteLog) Reset() {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.writes = l.writes[:0]
}

// Reconcile deletes every write from set. A write the set does not cover
// surfaces rangeset.ErrUncoveredRange; intervals left over afterwards
// surface ErrUnreconciled. Either way set is left partially drained.
func Reconcile(set *rangeset.Set, writes []rangeset.Interval) error {
	for _, w := range writes {
		if err := set.Delete(w.Offset, w.Length); err != nil {
			return errors.Wrapf(err, "reconciling write %s", w)
		}
	}
	if n := set.Count(); n != 0 {
		return errors.Wrapf(ErrUnreconciled, "%d intervals left:\n%s", n, set)
	}
	return nil
}

// Pass describes one reconciled pass.
type Pass struct {
	From, To blockdiff.Txg
	Writes   int
	// Intervals is the number of intervals in the diff before
	// reconciliation.
	Intervals int
	Duration  time.Duration
	// MeanWriteLatency is the mean latency of the pass's writes.
	MeanWriteLatency time.Duration
}

// Report summarizes a run.
type Report struct {
	Passes  []Pass
	Writes  int
	Bytes   uint64
	Elapsed time.Duration
	// WriteLatency holds write latencies in microseconds.
	WriteLatency *hdrhistogram.Histogram
}

func newLatencyHistogram() *hdrhistogram.Histogram {
	return hdrhistogram.New(1, (10 * time.Second).Microseconds(), 3)
}

// String formats the report summary.
func (r *Report) String() string {
	var buf strings.Builder
	fmt.Fprintf(&buf, "passes=%d writes=%d bytes=%d elapsed=%s\n",
		len(r.Passes), r.Writes, r.Bytes, r.Elapsed.Round(time.Millisecond))
	if r.WriteLatency != nil && r.WriteLatency.TotalCount() > 0 {
		h := r.WriteLatency
		fmt.Fprintf(&buf, "write latency: mean=%.1fµs p50=%dµs p95=%dµs p99=%dµs max=%dµs\n",
			h.Mean(), h.ValueAtQuantile(50), h.ValueAtQuantile(95), h.ValueAtQuantile(99), h.Max())
	}
	return buf.String()
}

// Run executes the workload against vol until cfg's bounds are reached, ctx
// is canceled, or a pass fails to reconcile. The returned report covers the
// passes that completed.
func Run(ctx context.Context, vol Volume, cfg Config) (Report, error) {
	cfg.EnsureDefaults()
	if err := cfg.Validate(); err != nil {
		return Report{}, err
	}
	blockSize := uint64(vol.BlockSize())
	numBlocks := uint64(vol.Size()) / blockSize
	if uint64(cfg.WritesPerTxg) > numBlocks {
		return Report{}, errors.Newf("diffcheck: %d writes per txg exceed the volume's %d blocks",
			cfg.WritesPerTxg, numBlocks)
	}

	r := &runner{
		vol:       vol,
		cfg:       cfg,
		blockSize: blockSize,
		numBlocks: numBlocks,
		rng:       rand.New(rand.NewPCG(cfg.Seed, cfg.Seed^0x9e3779b97f4a7c15)),
		q: taskq.New("diffcheck", cfg.Concurrency, taskq.Options{
			MaxQueued: cfg.WritesPerTxg,
			Logger:    cfg.Logger,
		}),
	}
	defer r.q.Close()

	report := Report{WriteLatency: newLatencyHistogram()}
	start := crtime.NowMono()
	for i := 0; cfg.Iterations == 0 || i < cfg.Iterations; i++ {
		if cfg.Duration > 0 && start.Elapsed() >= cfg.Duration {
			break
		}
		if err := ctx.Err(); err != nil {
			report.Elapsed = start.Elapsed()
			return report, err
		}
		pass, hist, err := r.runPass(ctx)
		if err != nil {
			report.Elapsed = start.Elapsed()
			return report, errors.Wrapf(err, "pass %d", i)
		}
		cfg.Logger.Infof("pass %d: diff (%s, %s] %d writes %d intervals in %s",
			i, pass.From, pass.To, pass.Writes, pass.Intervals, pass.Duration)
		report.Passes = append(report.Passes, pass)
		report.Writes += pass.Writes
		report.Bytes += uint64(pass.Writes) * blockSize
		report.WriteLatency.Merge(hist)
	}
	report.Elapsed = start.Elapsed()
	return report, nil
}

type runner struct {
	vol       Volume
	cfg       Config
	blockSize uint64
	numBlocks uint64
	rng       *rand.Rand
	q         *taskq.Queue
}

// pickBlocks returns n distinct block indexes. Distinct indexes keep each
// recorded write a separate range in the log, so every write can be deleted
// from the diff exactly once.
func (r *runner) pickBlocks(n int) []uint64 {
	seen := make(map[uint64]struct{}, n)
	out := make([]uint64, 0, n)
	for len(out) < n {
		idx := r.rng.Uint64N(r.numBlocks)
		if _, ok := seen[idx]; ok {
			continue
		}
		seen[idx] = struct{}{}
		out = append(out, idx)
	}
	return out
}

func (r *runner) runPass(ctx context.Context) (Pass, *hdrhistogram.Histogram, error) {
	start := crtime.NowMono()
	if err := r.vol.WaitSynced(ctx, 0); err != nil {
		return Pass{}, nil, err
	}
	first := r.vol.LastSyncedTxg()

	var log WriteLog
	var mu struct {
		sync.Mutex
		err  error
		hist *hdrhistogram.Histogram
	}
	mu.hist = newLatencyHistogram()
	for _, idx := range r.pickBlocks(r.cfg.WritesPerTxg) {
		buf := make([]byte, r.blockSize)
		for i := 0; i < len(buf); i += 8 {
			v := r.rng.Uint64()
			for j := 0; j < 8 && i+j < len(buf); j++ {
				buf[i+j] = byte(v >> (8 * j))
			}
		}
		offset := idx * r.blockSize
		log.Record(offset, r.blockSize)
		if _, err := r.q.Dispatch(func() {
			writeStart := crtime.NowMono()
			err := r.vol.Write(ctx, buf, int64(offset))
			elapsed := writeStart.Elapsed()
			mu.Lock()
			defer mu.Unlock()
			if err != nil && mu.err == nil {
				mu.err = errors.Wrapf(err, "write at %d", offset)
			}
			_ = mu.hist.RecordValue(max(elapsed.Microseconds(), 1))
		}); err != nil {
			return Pass{}, nil, err
		}
	}
	r.q.Wait()
	if mu.err != nil {
		return Pass{}, nil, mu.err
	}

	if err := r.vol.WaitSynced(ctx, 0); err != nil {
		return Pass{}, nil, err
	}
	last := r.vol.LastSyncedTxg()
	set, err := r.vol.BlockDiff(first, last)
	if err != nil {
		return Pass{}, nil, err
	}
	pass := Pass{
		From:             first,
		To:               last,
		Writes:           log.Len(),
		Intervals:        set.Count(),
		MeanWriteLatency: time.Duration(mu.hist.Mean() * float64(time.Microsecond)),
	}
	if err := Reconcile(set, log.Writes()); err != nil {
		return Pass{}, nil, errors.Wrapf(err, "diff (%s, %s]", first, last)
	}
	pass.Duration = start.Elapsed()
	return pass, mu.hist, nil
}
