// Copyright 2025 The LevelDB-Go and Pebble Authors. All rights reserved. Use
// of this source code is governed by a BSD-style license that can be found in
// the LICENSE file.

package blockdiff

import (
	"fmt"

	"github.com/cockroachdb/redact"
	"github.com/dustin/go-humanize"
	"github.com/prometheus/client_golang/prometheus"
)

// Latency buckets, in seconds.
var (
	writeLatencyBuckets = prometheus.ExponentialBucketsRange(1e-6, 1, 16)
	syncLatencyBuckets  = prometheus.ExponentialBucketsRange(1e-5, 10, 16)
)

// volumeMetrics holds the prometheus collectors owned by a Volume.
type volumeMetrics struct {
	writeLatency  prometheus.Histogram
	syncLatency   prometheus.Histogram
	blocksSynced  prometheus.Counter
	bytesWritten  prometheus.Counter
	bytesStored   prometheus.Counter
	backgroundErr prometheus.Counter
}

func makeVolumeMetrics() volumeMetrics {
	return volumeMetrics{
		writeLatency: prometheus.NewHistogram(prometheus.HistogramOpts{
			Namespace: "blockdiff",
			Name:      "write_latency_seconds",
			Help:      "Latency of Volume.Write calls, including pacing.",
			Buckets:   writeLatencyBuckets,
		}),
		syncLatency: prometheus.NewHistogram(prometheus.HistogramOpts{
			Namespace: "blockdiff",
			Name:      "txg_sync_latency_seconds",
			Help:      "Time from quiescing a txg to it becoming synced.",
			Buckets:   syncLatencyBuckets,
		}),
		blocksSynced: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "blockdiff",
			Name:      "blocks_synced_total",
			Help:      "Blocks written out by txg syncs.",
		}),
		bytesWritten: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "blockdiff",
			Name:      "bytes_written_total",
			Help:      "Bytes accepted by Volume.Write.",
		}),
		bytesStored: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "blockdiff",
			Name:      "bytes_stored_total",
			Help:      "Compressed bytes produced by txg syncs.",
		}),
		backgroundErr: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "blockdiff",
			Name:      "background_errors_total",
			Help:      "Errors reported to EventListener.BackgroundError.",
		}),
	}
}

func (m *volumeMetrics) collectors() []prometheus.Collector {
	return []prometheus.Collector{
		m.writeLatency, m.syncLatency, m.blocksSynced, m.bytesWritten, m.bytesStored, m.backgroundErr,
	}
}

// Metrics holds a point in time snapshot of a volume's state.
type Metrics struct {
	// OpenTxg is the txg currently accepting writes.
	OpenTxg Txg
	// SyncedTxg is the most recently synced txg.
	SyncedTxg Txg
	// TxgsSynced counts syncs since Open.
	TxgsSynced uint64
	// DirtyBytes is the logical size of the blocks dirtied in the open txg.
	DirtyBytes uint64
	// Blocks is the number of allocated (ever synced) blocks.
	Blocks int
	// LogicalBytes and StoredBytes are the uncompressed and compressed sizes
	// of the allocated blocks.
	LogicalBytes uint64
	StoredBytes  uint64
	// BackgroundErrors counts errors reported to the event listener.
	BackgroundErrors uint64
}

// CompressionRatio returns LogicalBytes/StoredBytes, or 0 when nothing is
// stored.
func (m *Metrics) CompressionRatio() float64 {
	if m.StoredBytes == 0 {
		return 0
	}
	return float64(m.LogicalBytes) / float64(m.StoredBytes)
}

// String pretty-prints the metrics.
func (m *Metrics) String() string {
	return redact.StringWithoutMarkers(m)
}

// SafeFormat implements redact.SafeFormatter.
func (m *Metrics) SafeFormat(w redact.SafePrinter, _ rune) {
	w.Printf("txg: open %d synced %d (%d syncs)\n",
		redact.SafeUint(m.OpenTxg), redact.SafeUint(m.SyncedTxg), redact.Safe(m.TxgsSynced))
	w.Printf("dirty: %s\n", redact.Safe(humanize.IBytes(m.DirtyBytes)))
	w.Printf("blocks: %d logical %s stored %s ratio %s\n",
		redact.Safe(m.Blocks),
		redact.Safe(humanize.IBytes(m.LogicalBytes)),
		redact.Safe(humanize.IBytes(m.StoredBytes)),
		redact.Safe(fmt.Sprintf("%.2f", m.CompressionRatio())))
	w.Printf("background errors: %d\n", redact.Safe(m.BackgroundErrors))
}
