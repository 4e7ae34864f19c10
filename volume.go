// Copyright 2025 The LevelDB-Go and Pebble Authors. All rights reserved. Use
// of this source code is governed by a BSD-style license that can be found in
// the LICENSE file.

// Package blockdiff implements an in-memory copy-on-write block volume that
// groups writes into transaction groups (txgs) and can report, for any two
// synced txgs, the set of byte ranges written between them.
//
// Writes land in the open txg. A background syncer periodically quiesces the
// open txg, compresses and checksums its dirty blocks, and stamps each with
// the txg as its birth txg. BlockDiff(from, to) returns every block whose
// birth txg is in (from, to] as a coalesced rangeset.Set.
package blockdiff

import (
	"context"
	"runtime/pprof"
	"sync"

	"github.com/cockroachdb/blockdiff/internal/base"
	"github.com/cockroachdb/crlib/crtime"
	"github.com/cockroachdb/errors"
	"github.com/cockroachdb/swiss"
	"github.com/prometheus/client_golang/prometheus"
)

// ErrClosed is returned by operations on a closed Volume.
var ErrClosed = base.ErrClosed

// ErrOutOfRange is returned by Read and Write when the accessed range extends
// past the end of the volume.
var ErrOutOfRange = errors.New("blockdiff: access beyond end of volume")

// Volume is an in-memory copy-on-write block volume. All methods are safe for
// concurrent use.
type Volume struct {
	opts      *Options
	blockSize uint64
	size      uint64
	pacer     *writePacer
	metrics   volumeMetrics

	// syncReqCh carries on-demand sync requests to the syncer. It has a
	// buffer of one; concurrent requests coalesce.
	syncReqCh chan SyncReason
	closeCh   chan struct{}
	wg        sync.WaitGroup

	mu struct {
		sync.Mutex
		closed bool

		openTxg   Txg
		syncedTxg Txg
		// syncedCh is closed and replaced each time syncedTxg advances.
		syncedCh   chan struct{}
		txgsSynced uint64
		// syncRequested is set by WaitSynced so that the next sync advances
		// the txg even if it has no dirty data.
		syncRequested bool

		// dirty holds the full contents of every block written in the open
		// txg.
		dirty      *swiss.Map[uint64, []byte]
		dirtyBytes uint64
		// quiescing holds the dirty blocks of the txg being synced, until
		// they are installed in blocks. Its buffers are immutable.
		quiescing *swiss.Map[uint64, []byte]

		blocks           swiss.Map[uint64, *block]
		logicalBytes     uint64
		storedBytes      uint64
		backgroundErrors uint64
	}
}

// Open creates a zero-filled volume. The first open txg is 1; no txg has
// been synced yet.
func Open(opts *Options) (*Volume, error) {
	o := &Options{}
	if opts != nil {
		*o = *opts
	}
	o.EnsureDefaults()
	if err := o.Validate(); err != nil {
		return nil, err
	}
	v := &Volume{
		opts:      o,
		blockSize: uint64(o.BlockSize),
		size:      uint64(o.Size),
		pacer:     newWritePacer(o.WriteBytesPerSec),
		metrics:   makeVolumeMetrics(),
		syncReqCh: make(chan SyncReason, 1),
		closeCh:   make(chan struct{}),
	}
	v.mu.openTxg = 1
	v.mu.syncedCh = make(chan struct{})
	v.mu.dirty = newDirtyMap()
	v.mu.blocks.Init(0)

	v.wg.Add(1)
	go pprof.Do(context.Background(), pprof.Labels("blockdiff", "txg-sync"), func(context.Context) {
		v.syncLoop()
	})
	return v, nil
}

func newDirtyMap() *swiss.Map[uint64, []byte] {
	m := &swiss.Map[uint64, []byte]{}
	m.Init(0)
	return m
}

// BlockSize returns the block size of the volume.
func (v *Volume) BlockSize() int {
	return int(v.blockSize)
}

// Size returns the logical size of the volume in bytes.
func (v *Volume) Size() int64 {
	return int64(v.size)
}

func (v *Volume) checkBounds(op string, n int, offset int64) error {
	if offset < 0 || uint64(offset) > v.size || uint64(n) > v.size-uint64(offset) {
		return errors.Wrapf(ErrOutOfRange, "%s of %d bytes at offset %d (volume size %d)",
			errors.Safe(op), n, offset, v.size)
	}
	return nil
}

// Write writes p at offset. The write becomes part of the open txg; it is
// visible to Read immediately and to BlockDiff once that txg is synced.
// Partial blocks are read, modified and rewritten whole.
func (v *Volume) Write(ctx context.Context, p []byte, offset int64) error {
	if err := v.checkBounds("write", len(p), offset); err != nil {
		return err
	}
	if len(p) == 0 {
		return nil
	}
	start := crtime.NowMono()
	written := len(p)
	if err := v.pacer.wait(ctx, written); err != nil {
		return err
	}

	v.mu.Lock()
	if v.mu.closed {
		v.mu.Unlock()
		return ErrClosed
	}
	// Fetch every block before modifying any so that a corrupt block fails
	// the write without applying part of it.
	first := uint64(offset) / v.blockSize
	last := (uint64(offset) + uint64(len(p)) - 1) / v.blockSize
	bufs := make([][]byte, 0, last-first+1)
	for idx := first; idx <= last; idx++ {
		buf, err := v.dirtyBlockLocked(idx)
		if err != nil {
			v.mu.Unlock()
			return err
		}
		bufs = append(bufs, buf)
	}
	within := uint64(offset) % v.blockSize
	for _, buf := range bufs {
		n := copy(buf[within:], p)
		p = p[n:]
		within = 0
	}
	pressure := v.mu.dirtyBytes >= uint64(v.opts.DirtyDataSync)
	v.mu.Unlock()

	if pressure {
		v.requestSync(SyncDirtyData)
	}
	v.metrics.bytesWritten.Add(float64(written))
	v.metrics.writeLatency.Observe(start.Elapsed().Seconds())
	return nil
}

// dirtyBlockLocked returns the open txg's buffer for block idx, copying the
// block's current contents into a new buffer if the block is not yet dirty.
func (v *Volume) dirtyBlockLocked(idx uint64) ([]byte, error) {
	if buf, ok := v.mu.dirty.Get(idx); ok {
		return buf, nil
	}
	buf := make([]byte, v.blockSize)
	if err := v.readCommittedLocked(idx, buf); err != nil {
		return nil, err
	}
	v.mu.dirty.Put(idx, buf)
	v.mu.dirtyBytes += v.blockSize
	return buf, nil
}

// readCommittedLocked fills dst with the contents of block idx as of the end
// of the most recently quiesced txg. dst must be zeroed.
func (v *Volume) readCommittedLocked(idx uint64, dst []byte) error {
	if v.mu.quiescing != nil {
		if buf, ok := v.mu.quiescing.Get(idx); ok {
			copy(dst, buf)
			return nil
		}
	}
	if b, ok := v.mu.blocks.Get(idx); ok {
		return b.decode(idx, dst)
	}
	// Never written.
	return nil
}

// Read reads len(p) bytes at offset, including writes in the open txg.
func (v *Volume) Read(p []byte, offset int64) error {
	if err := v.checkBounds("read", len(p), offset); err != nil {
		return err
	}
	v.mu.Lock()
	defer v.mu.Unlock()
	if v.mu.closed {
		return ErrClosed
	}
	var scratch []byte
	for off := uint64(offset); len(p) > 0; {
		idx, within := off/v.blockSize, off%v.blockSize
		var src []byte
		if buf, ok := v.mu.dirty.Get(idx); ok {
			src = buf
		} else {
			if scratch == nil {
				scratch = make([]byte, v.blockSize)
			} else {
				clear(scratch)
			}
			if err := v.readCommittedLocked(idx, scratch); err != nil {
				return err
			}
			src = scratch
		}
		n := copy(p, src[within:])
		p = p[n:]
		off += uint64(n)
	}
	return nil
}

// OpenTxg returns the txg currently accepting writes.
func (v *Volume) OpenTxg() Txg {
	v.mu.Lock()
	defer v.mu.Unlock()
	return v.mu.openTxg
}

// LastSyncedTxg returns the most recently synced txg, or zero if none has
// been synced.
func (v *Volume) LastSyncedTxg() Txg {
	v.mu.Lock()
	defer v.mu.Unlock()
	return v.mu.syncedTxg
}

// WaitSynced blocks until txg has been synced. A txg of zero waits for the
// txg that is open at the time of the call, so every write that returned
// before the call is synced when WaitSynced returns.
func (v *Volume) WaitSynced(ctx context.Context, txg Txg) error {
	v.mu.Lock()
	if txg == 0 {
		txg = v.mu.openTxg
	}
	for v.mu.syncedTxg < txg {
		if v.mu.closed {
			v.mu.Unlock()
			return ErrClosed
		}
		if err := ctx.Err(); err != nil {
			v.mu.Unlock()
			return err
		}
		ch := v.mu.syncedCh
		v.mu.syncRequested = true
		v.mu.Unlock()
		v.requestSync(SyncRequested)
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ch:
		}
		v.mu.Lock()
	}
	v.mu.Unlock()
	return nil
}

func (v *Volume) requestSync(reason SyncReason) {
	select {
	case v.syncReqCh <- reason:
	default:
	}
}

// Metrics returns a snapshot of the volume's state.
func (v *Volume) Metrics() Metrics {
	v.mu.Lock()
	defer v.mu.Unlock()
	return Metrics{
		OpenTxg:          v.mu.openTxg,
		SyncedTxg:        v.mu.syncedTxg,
		TxgsSynced:       v.mu.txgsSynced,
		DirtyBytes:       v.mu.dirtyBytes,
		Blocks:           v.mu.blocks.Len(),
		LogicalBytes:     v.mu.logicalBytes,
		StoredBytes:      v.mu.storedBytes,
		BackgroundErrors: v.mu.backgroundErrors,
	}
}

// Collectors returns the prometheus collectors for the volume's write and
// sync latency histograms and byte counters. Callers register them with a
// registry of their choosing.
func (v *Volume) Collectors() []prometheus.Collector {
	return v.metrics.collectors()
}

// Close syncs any dirty data and stops the syncer. Operations after Close
// return ErrClosed.
func (v *Volume) Close() error {
	v.mu.Lock()
	if v.mu.closed {
		v.mu.Unlock()
		return ErrClosed
	}
	v.mu.closed = true
	v.mu.Unlock()

	close(v.closeCh)
	v.wg.Wait()

	// Wake any WaitSynced callers that the final sync did not satisfy.
	v.mu.Lock()
	close(v.mu.syncedCh)
	v.mu.syncedCh = make(chan struct{})
	v.mu.Unlock()
	return nil
}
