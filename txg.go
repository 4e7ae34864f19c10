// Copyright 2025 The LevelDB-Go and Pebble Authors. All rights reserved. Use
// of this source code is governed by a BSD-style license that can be found in
// the LICENSE file.

package blockdiff

import (
	"time"

	"github.com/cockroachdb/blockdiff/internal/compression"
	"github.com/cockroachdb/blockdiff/internal/invariants"
	"github.com/cockroachdb/crlib/crtime"
	"github.com/cockroachdb/errors"
)

// syncLoop runs on the syncer goroutine until Close. It is the only caller of
// syncTxg, so at most one txg is quiescing at a time.
func (v *Volume) syncLoop() {
	defer v.wg.Done()

	var tick <-chan time.Time
	if !v.opts.private.disableTimer {
		t := time.NewTicker(v.opts.TxgTimeout)
		defer t.Stop()
		tick = t.C
	}
	for {
		select {
		case <-v.closeCh:
			v.syncTxg(SyncClose)
			return
		case <-tick:
			v.syncTxg(SyncTimeout)
		case reason := <-v.syncReqCh:
			v.syncTxg(reason)
		}
	}
}

// syncTxg quiesces the open txg, opens the next one and writes out the
// quiesced txg's dirty blocks. A txg with no dirty data is only synced when
// WaitSynced asked for it, so that idle volumes do not churn through txgs.
func (v *Volume) syncTxg(reason SyncReason) {
	start := crtime.NowMono()

	v.mu.Lock()
	if v.mu.dirty.Len() == 0 && !v.mu.syncRequested {
		v.mu.Unlock()
		return
	}
	v.mu.syncRequested = false
	txg := v.mu.openTxg
	quiesced := v.mu.dirty
	v.mu.quiescing = quiesced
	v.mu.dirty = newDirtyMap()
	v.mu.dirtyBytes = 0
	v.mu.openTxg++
	v.mu.Unlock()

	// Compression happens without holding mu. Writers to the new open txg
	// copy quiesced buffers rather than modifying them.
	alg := v.opts.Compression()
	enc := blockEncoder{
		txg:        txg,
		compressor: compression.GetCompressor(alg),
		verify:     v.opts.VerifyOnSync,
		mutate:     v.opts.private.testingMutateStored,
		onVerifyFailure: func(err error) {
			v.reportBackgroundError(err)
		},
	}
	defer enc.compressor.Close()

	type encoded struct {
		idx uint64
		b   *block
	}
	out := make([]encoded, 0, quiesced.Len())
	info := TxgSyncInfo{Txg: txg, Reason: reason}
	quiesced.All(func(idx uint64, data []byte) bool {
		b := enc.encode(idx, data)
		out = append(out, encoded{idx: idx, b: b})
		info.Blocks++
		info.Bytes += uint64(len(data))
		info.CompressedBytes += uint64(len(b.data))
		return true
	})

	v.mu.Lock()
	for _, e := range out {
		if old, ok := v.mu.blocks.Get(e.idx); ok {
			if invariants.Enabled && old.birth >= txg {
				panic(errors.AssertionFailedf("block %d born in %s overwritten by %s", e.idx, old.birth, txg))
			}
			v.mu.logicalBytes = invariants.SafeSub(v.mu.logicalBytes, v.blockSize)
			v.mu.storedBytes = invariants.SafeSub(v.mu.storedBytes, uint64(len(old.data)))
		}
		v.mu.blocks.Put(e.idx, e.b)
		v.mu.logicalBytes += v.blockSize
		v.mu.storedBytes += uint64(len(e.b.data))
	}
	v.mu.quiescing = nil
	v.mu.syncedTxg = txg
	v.mu.txgsSynced++
	close(v.mu.syncedCh)
	v.mu.syncedCh = make(chan struct{})
	v.mu.Unlock()

	info.Duration = start.Elapsed()
	v.metrics.syncLatency.Observe(info.Duration.Seconds())
	v.metrics.blocksSynced.Add(float64(info.Blocks))
	v.metrics.bytesStored.Add(float64(info.CompressedBytes))
	v.opts.EventListener.TxgSynced(info)
}

func (v *Volume) reportBackgroundError(err error) {
	v.mu.Lock()
	v.mu.backgroundErrors++
	v.mu.Unlock()
	v.metrics.backgroundErr.Inc()
	v.opts.EventListener.BackgroundError(err)
}
