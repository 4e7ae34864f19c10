// Copyright 2025 The LevelDB-Go and Pebble Authors. All rights reserved. Use
// of this source code is governed by a BSD-style license that can be found in
// the LICENSE file.

package blockdiff

import (
	"bytes"
	"context"
	"fmt"
	"math/rand/v2"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/cockroachdb/blockdiff/internal/base"
	"github.com/cockroachdb/blockdiff/internal/compression"
	"github.com/cockroachdb/blockdiff/rangeset"
	"github.com/cockroachdb/crlib/testutils/leaktest"
	"github.com/cockroachdb/errors"
	"github.com/prometheus/client_golang/prometheus"
	dto "github.com/prometheus/client_model/go"
	"github.com/stretchr/testify/require"
)

const testBlockSize = 4096

// testOptions returns options for a small volume whose txgs only sync on
// demand.
func testOptions(alg compression.Algorithm) *Options {
	opts := &Options{
		BlockSize:   testBlockSize,
		Size:        1 << 20,
		Compression: func() compression.Algorithm { return alg },
		Logger:      base.NoopLogger{},
	}
	opts.private.disableTimer = true
	return opts
}

func openTestVolume(t *testing.T, opts *Options) *Volume {
	t.Helper()
	v, err := Open(opts)
	require.NoError(t, err)
	t.Cleanup(func() {
		if err := v.Close(); err != nil && !errors.Is(err, ErrClosed) {
			t.Error(err)
		}
	})
	return v
}

func compressiblePayload(n int, seed byte) []byte {
	p := make([]byte, n)
	for i := range p {
		p[i] = seed + byte(i/128)
	}
	return p
}

func TestOptionsValidate(t *testing.T) {
	opts := (&Options{}).EnsureDefaults()
	require.NoError(t, opts.Validate())
	require.Equal(t, defaultBlockSize, opts.BlockSize)
	require.Equal(t, compression.Snappy, opts.Compression())
	require.Contains(t, opts.String(), "compression=snappy")

	bad := &Options{
		BlockSize:   3000,
		Compression: func() compression.Algorithm { return compression.Algorithm(17) },
	}
	bad.EnsureDefaults()
	err := bad.Validate()
	require.Error(t, err)
	require.Contains(t, err.Error(), "BlockSize (3000) must be a power of two")
	require.Contains(t, err.Error(), "Compression (unknown(17)) is not supported")

	bad = &Options{BlockSize: 4096, Size: 4097}
	bad.EnsureDefaults()
	require.ErrorContains(t, bad.Validate(), "must be a positive multiple of BlockSize")

	_, err = Open(&Options{BlockSize: 100})
	require.Error(t, err)
}

func TestWriteRead(t *testing.T) {
	t.Cleanup(leaktest.AfterTest(t))
	for _, alg := range compression.Algorithms {
		t.Run(alg.String(), func(t *testing.T) {
			v := openTestVolume(t, testOptions(alg))
			ctx := context.Background()

			// An unaligned write spanning three blocks.
			p := compressiblePayload(2*testBlockSize+100, 'a')
			const off = testBlockSize/2 + 7
			require.NoError(t, v.Write(ctx, p, off))

			check := func() {
				got := make([]byte, len(p))
				require.NoError(t, v.Read(got, off))
				require.Equal(t, p, got)
				// The bytes around the write are still zero.
				head := make([]byte, off)
				require.NoError(t, v.Read(head, 0))
				require.Equal(t, make([]byte, off), head)
			}
			check()
			require.NoError(t, v.WaitSynced(ctx, 0))
			check()

			// Overwrite part of a synced block; the rest of the block is kept.
			require.NoError(t, v.Write(ctx, []byte("xyz"), off+10))
			copy(p[10:], "xyz")
			check()
			require.NoError(t, v.WaitSynced(ctx, 0))
			check()
			require.Equal(t, 3, v.Metrics().Blocks)
		})
	}
}

func TestOutOfRange(t *testing.T) {
	t.Cleanup(leaktest.AfterTest(t))
	v := openTestVolume(t, testOptions(compression.None))
	ctx := context.Background()
	size := v.Size()

	require.NoError(t, v.Write(ctx, []byte{1}, size-1))
	for _, off := range []int64{size, size - 1, -1} {
		err := v.Write(ctx, []byte{1, 2}, off)
		require.True(t, errors.Is(err, ErrOutOfRange), "offset %d: %v", off, err)
		err = v.Read(make([]byte, 2), off)
		require.True(t, errors.Is(err, ErrOutOfRange), "offset %d: %v", off, err)
	}
	// Empty accesses at the end are allowed.
	require.NoError(t, v.Write(ctx, nil, size))
	require.NoError(t, v.Read(nil, size))
}

func TestBlockDiff(t *testing.T) {
	t.Cleanup(leaktest.AfterTest(t))
	v := openTestVolume(t, testOptions(compression.Snappy))
	ctx := context.Background()
	writeBlock := func(idx int64) {
		require.NoError(t, v.Write(ctx, compressiblePayload(testBlockSize, byte(idx)), idx*testBlockSize))
	}

	require.NoError(t, v.WaitSynced(ctx, 0))
	t0 := v.LastSyncedTxg()
	require.Equal(t, Txg(1), t0)

	// Out of order, so the diff has to coalesce a middle block into both
	// neighbours.
	for _, idx := range []int64{0, 2, 1, 7} {
		writeBlock(idx)
	}
	require.NoError(t, v.WaitSynced(ctx, 0))
	t1 := v.LastSyncedTxg()

	writeBlock(10)
	writeBlock(8)
	require.NoError(t, v.WaitSynced(ctx, 0))
	t2 := v.LastSyncedTxg()
	require.Equal(t, t0+2, t2)

	diff := func(from, to Txg) string {
		s, err := v.BlockDiff(from, to)
		require.NoError(t, err)
		return strings.TrimSpace(s.String())
	}
	require.Equal(t, "[0, 12288)\n[28672, 32768)", diff(t0, t1))
	require.Equal(t, "[32768, 36864)\n[40960, 45056)", diff(t1, t2))
	require.Equal(t, "[0, 12288)\n[28672, 36864)\n[40960, 45056)", diff(t0, t2))
	require.Equal(t, "<empty>", diff(t2, t2))
	require.Equal(t, "<empty>", diff(0, t0))

	_, err := v.BlockDiff(t2, t1)
	require.True(t, errors.Is(err, ErrInvalidTxgRange), "%v", err)
	_, err = v.BlockDiff(t0, t2+1)
	require.True(t, errors.Is(err, ErrTxgNotSynced), "%v", err)

	// Rewriting a block moves its birth txg forward.
	writeBlock(1)
	require.NoError(t, v.WaitSynced(ctx, 0))
	t3 := v.LastSyncedTxg()
	require.Equal(t, "[0, 4096)\n[8192, 12288)\n[28672, 32768)", diff(t0, t1))
	require.Equal(t, "[4096, 8192)", diff(t2, t3))
}

// TestDiffReconciles writes random blocks from several goroutines and checks
// that deleting every write from the diff drains it.
func TestDiffReconciles(t *testing.T) {
	t.Cleanup(leaktest.AfterTest(t))
	v := openTestVolume(t, testOptions(compression.MinLZ))
	ctx := context.Background()
	require.NoError(t, v.WaitSynced(ctx, 0))
	from := v.LastSyncedTxg()

	rng := rand.New(rand.NewPCG(0, uint64(time.Now().UnixNano())))
	numBlocks := v.Size() / testBlockSize
	perm := rng.Perm(int(numBlocks))[:100]

	var wg sync.WaitGroup
	for w := 0; w < 4; w++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for i := w; i < len(perm); i += 4 {
				p := compressiblePayload(testBlockSize, byte(i))
				if err := v.Write(ctx, p, int64(perm[i])*testBlockSize); err != nil {
					t.Error(err)
				}
			}
		}()
	}
	wg.Wait()
	require.NoError(t, v.WaitSynced(ctx, 0))
	set, err := v.BlockDiff(from, v.LastSyncedTxg())
	require.NoError(t, err)
	require.Equal(t, uint64(len(perm))*testBlockSize, set.Bytes())

	for _, idx := range perm {
		require.NoError(t, set.Delete(uint64(idx)*testBlockSize, testBlockSize))
	}
	require.Equal(t, 0, set.Count())
	require.True(t, errors.Is(set.Delete(0, testBlockSize), rangeset.ErrUncoveredRange))
}

func TestCorruptBlock(t *testing.T) {
	t.Cleanup(leaktest.AfterTest(t))
	v := openTestVolume(t, testOptions(compression.Zstd))
	ctx := context.Background()
	require.NoError(t, v.Write(ctx, compressiblePayload(testBlockSize, 'q'), testBlockSize))
	require.NoError(t, v.WaitSynced(ctx, 0))

	v.mu.Lock()
	b, ok := v.mu.blocks.Get(1)
	require.True(t, ok)
	b.data[len(b.data)/2] ^= 0xff
	v.mu.Unlock()

	err := v.Read(make([]byte, 10), testBlockSize)
	require.True(t, base.IsCorruptionError(err), "%v", err)
	// A partial write needs the old contents, so it fails too and leaves the
	// volume untouched.
	err = v.Write(ctx, []byte("abc"), testBlockSize)
	require.True(t, base.IsCorruptionError(err), "%v", err)
	require.Equal(t, uint64(0), v.Metrics().DirtyBytes)

	// Other blocks are unaffected.
	require.NoError(t, v.Read(make([]byte, testBlockSize), 0))
}

func TestVerifyOnSync(t *testing.T) {
	t.Cleanup(leaktest.AfterTest(t))
	var mu sync.Mutex
	var bgErrs []error
	opts := testOptions(compression.Snappy)
	opts.VerifyOnSync = true
	opts.EventListener = &EventListener{
		BackgroundError: func(err error) {
			mu.Lock()
			defer mu.Unlock()
			bgErrs = append(bgErrs, err)
		},
	}
	// Break the encoded length so the block cannot round trip.
	opts.private.testingMutateStored = func(stored []byte) { stored[0] ^= 0xff }
	v := openTestVolume(t, opts)
	ctx := context.Background()

	p := compressiblePayload(testBlockSize, 'v')
	require.NoError(t, v.Write(ctx, p, 0))
	require.NoError(t, v.WaitSynced(ctx, 0))

	mu.Lock()
	require.Len(t, bgErrs, 1)
	require.True(t, base.IsCorruptionError(bgErrs[0]), "%v", bgErrs[0])
	mu.Unlock()

	// The block was stored uncompressed instead.
	got := make([]byte, testBlockSize)
	require.NoError(t, v.Read(got, 0))
	require.Equal(t, p, got)
	m := v.Metrics()
	require.Equal(t, uint64(1), m.BackgroundErrors)
	require.Equal(t, m.LogicalBytes, m.StoredBytes)
}

func TestWaitSyncedEmpty(t *testing.T) {
	t.Cleanup(leaktest.AfterTest(t))
	v := openTestVolume(t, testOptions(compression.None))
	ctx := context.Background()

	require.Equal(t, Txg(0), v.LastSyncedTxg())
	require.Equal(t, Txg(1), v.OpenTxg())
	require.NoError(t, v.WaitSynced(ctx, 0))
	require.Equal(t, Txg(1), v.LastSyncedTxg())
	require.Equal(t, Txg(2), v.OpenTxg())

	// Waiting for a txg that is not open yet syncs until it is reached.
	require.NoError(t, v.WaitSynced(ctx, 4))
	require.Equal(t, Txg(4), v.LastSyncedTxg())

	// Already synced.
	require.NoError(t, v.WaitSynced(ctx, 2))

	canceled, cancel := context.WithCancel(ctx)
	cancel()
	err := v.WaitSynced(canceled, 100)
	require.True(t, errors.Is(err, context.Canceled), "%v", err)
}

func TestSyncTriggers(t *testing.T) {
	t.Cleanup(leaktest.AfterTest(t))

	t.Run("dirty-data", func(t *testing.T) {
		opts := testOptions(compression.None)
		opts.DirtyDataSync = 2 * testBlockSize
		v := openTestVolume(t, opts)
		require.NoError(t, v.Write(context.Background(), make([]byte, 2*testBlockSize), 0))
		require.Eventually(t, func() bool { return v.LastSyncedTxg() == 1 }, 10*time.Second, time.Millisecond)
	})

	t.Run("timeout", func(t *testing.T) {
		opts := testOptions(compression.None)
		opts.private.disableTimer = false
		opts.TxgTimeout = 5 * time.Millisecond
		v := openTestVolume(t, opts)
		require.NoError(t, v.Write(context.Background(), []byte{1}, 0))
		require.Eventually(t, func() bool { return v.LastSyncedTxg() == 1 }, 10*time.Second, time.Millisecond)
		// Idle timeouts do not advance the txg.
		time.Sleep(50 * time.Millisecond)
		require.Equal(t, Txg(1), v.LastSyncedTxg())
	})
}

func TestClose(t *testing.T) {
	t.Cleanup(leaktest.AfterTest(t))
	v, err := Open(testOptions(compression.Snappy))
	require.NoError(t, err)
	ctx := context.Background()
	require.NoError(t, v.Write(ctx, []byte("dirty"), 0))
	require.NoError(t, v.Close())

	// Close synced the dirty data.
	m := v.Metrics()
	require.Equal(t, Txg(1), m.SyncedTxg)
	require.Equal(t, 1, m.Blocks)

	require.True(t, errors.Is(v.Close(), ErrClosed))
	require.True(t, errors.Is(v.Write(ctx, []byte{1}, 0), ErrClosed))
	require.True(t, errors.Is(v.Read(make([]byte, 1), 0), ErrClosed))
	require.True(t, errors.Is(v.WaitSynced(ctx, 0), ErrClosed))
	_, err = v.BlockDiff(0, 1)
	require.True(t, errors.Is(err, ErrClosed))
}

func TestWritePacing(t *testing.T) {
	t.Cleanup(leaktest.AfterTest(t))
	opts := testOptions(compression.None)
	opts.WriteBytesPerSec = 64 << 10
	v := openTestVolume(t, opts)

	// The first 64 KiB are covered by the burst; the next 16 KiB wait for
	// roughly a quarter of a second.
	start := time.Now()
	buf := make([]byte, testBlockSize)
	for i := 0; i < 20; i++ {
		require.NoError(t, v.Write(context.Background(), buf, int64(i)*testBlockSize))
	}
	require.GreaterOrEqual(t, time.Since(start), 100*time.Millisecond)

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Millisecond)
	defer cancel()
	err := v.Write(ctx, make([]byte, 128<<10), 0)
	require.True(t, errors.Is(err, context.DeadlineExceeded), "%v", err)
}

func histogramCount(t *testing.T, c prometheus.Collector) uint64 {
	t.Helper()
	metric := &dto.Metric{}
	require.NoError(t, c.(prometheus.Histogram).Write(metric))
	return metric.GetHistogram().GetSampleCount()
}

func TestMetrics(t *testing.T) {
	t.Cleanup(leaktest.AfterTest(t))
	var synced []TxgSyncInfo
	var mu sync.Mutex
	opts := testOptions(compression.Snappy)
	opts.EventListener = &EventListener{
		TxgSynced: func(info TxgSyncInfo) {
			mu.Lock()
			defer mu.Unlock()
			synced = append(synced, info)
		},
	}
	v := openTestVolume(t, opts)
	ctx := context.Background()
	for i := 0; i < 5; i++ {
		require.NoError(t, v.Write(ctx, compressiblePayload(testBlockSize, byte(i)), int64(i)*testBlockSize))
	}
	require.NoError(t, v.WaitSynced(ctx, 0))

	reg := prometheus.NewRegistry()
	for _, c := range v.Collectors() {
		require.NoError(t, reg.Register(c))
	}
	require.Equal(t, uint64(5), histogramCount(t, v.metrics.writeLatency))
	require.Equal(t, uint64(1), histogramCount(t, v.metrics.syncLatency))

	m := v.Metrics()
	require.Equal(t, 5, m.Blocks)
	require.Equal(t, uint64(5*testBlockSize), m.LogicalBytes)
	require.Less(t, m.StoredBytes, m.LogicalBytes)
	require.Greater(t, m.CompressionRatio(), 1.0)
	require.Contains(t, m.String(), "txg: open 2 synced 1 (1 syncs)")

	mu.Lock()
	defer mu.Unlock()
	require.Len(t, synced, 1)
	require.Equal(t, Txg(1), synced[0].Txg)
	require.Equal(t, 5, synced[0].Blocks)
	require.Equal(t, SyncRequested, synced[0].Reason)
	require.Equal(t, m.StoredBytes, synced[0].CompressedBytes)
}

type recordingLogger struct {
	mu  sync.Mutex
	buf bytes.Buffer
}

func (l *recordingLogger) Infof(format string, args ...interface{}) {
	l.mu.Lock()
	defer l.mu.Unlock()
	fmt.Fprintf(&l.buf, format+"\n", args...)
}

func (l *recordingLogger) Errorf(format string, args ...interface{}) {
	l.Infof(format, args...)
}

func (l *recordingLogger) Fatalf(format string, args ...interface{}) {
	panic(fmt.Sprintf(format, args...))
}

func (l *recordingLogger) String() string {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.buf.String()
}

func TestLoggingEventListener(t *testing.T) {
	logger := &recordingLogger{}
	l := MakeLoggingEventListener(logger)
	l.TxgSynced(TxgSyncInfo{
		Txg:             7,
		Blocks:          3,
		Bytes:           3 * testBlockSize,
		CompressedBytes: 1024,
		Duration:        1500 * time.Millisecond,
		Reason:          SyncTimeout,
	})
	l.BackgroundError(errors.New("boom"))
	require.Equal(t,
		"[txg 7] synced 3 blocks (12 KiB, 1.0 KiB stored) on timeout in 1.500s\n"+
			"background error: boom\n",
		logger.String())

	var calls int
	tee := TeeEventListener(l, EventListener{TxgSynced: func(TxgSyncInfo) { calls++ }})
	tee.TxgSynced(TxgSyncInfo{Txg: 8, Reason: SyncClose})
	require.Equal(t, 1, calls)
	require.Contains(t, logger.String(), "[txg 8] synced 0 blocks (0 B, 0 B stored) on close")
}
