// Copyright 2025 The LevelDB-Go and Pebble Authors. All rights reserved. Use
// of this source code is governed by a BSD-style license that can be found in
// the LICENSE file.

package blockdiff

import (
	"time"

	"github.com/cockroachdb/redact"
	"github.com/dustin/go-humanize"
)

// TxgSyncInfo contains the info for a txg sync event.
type TxgSyncInfo struct {
	Txg Txg
	// Blocks is the number of blocks written in the txg.
	Blocks int
	// Bytes is the logical size of the blocks written.
	Bytes uint64
	// CompressedBytes is the stored size of the blocks written.
	CompressedBytes uint64
	// Duration is the time spent syncing, from quiesce to the txg becoming
	// visible to BlockDiff.
	Duration time.Duration
	// Reason describes what triggered the sync.
	Reason SyncReason
}

func (i TxgSyncInfo) String() string {
	return redact.StringWithoutMarkers(i)
}

// SafeFormat implements redact.SafeFormatter.
func (i TxgSyncInfo) SafeFormat(w redact.SafePrinter, _ rune) {
	w.Printf("[%s] synced %d blocks (%s, %s stored) on %s in %.3fs",
		i.Txg, redact.Safe(i.Blocks),
		redact.Safe(humanize.IBytes(i.Bytes)), redact.Safe(humanize.IBytes(i.CompressedBytes)),
		i.Reason, redact.Safe(i.Duration.Seconds()))
}

// SyncReason identifies what caused a txg to be synced.
type SyncReason uint8

const (
	// SyncTimeout is a periodic sync after Options.TxgTimeout.
	SyncTimeout SyncReason = iota
	// SyncDirtyData is an early sync because the open txg exceeded
	// Options.DirtyDataSync.
	SyncDirtyData
	// SyncRequested is a sync requested by WaitSynced.
	SyncRequested
	// SyncClose is the final sync performed by Close.
	SyncClose
)

var syncReasonNames = [...]string{
	SyncTimeout:   "timeout",
	SyncDirtyData: "dirty data",
	SyncRequested: "request",
	SyncClose:     "close",
}

// SafeFormat implements redact.SafeFormatter.
func (r SyncReason) SafeFormat(w redact.SafePrinter, _ rune) {
	if int(r) < len(syncReasonNames) {
		w.SafeString(redact.SafeString(syncReasonNames[r]))
		return
	}
	w.Printf("SyncReason(%d)", redact.SafeUint(r))
}

func (r SyncReason) String() string {
	return redact.StringWithoutMarkers(r)
}

// EventListener contains a set of functions that will be invoked when
// various volume events occur.
type EventListener struct {
	// BackgroundError is invoked whenever an error occurs during a background
	// operation such as a txg sync.
	BackgroundError func(error)

	// TxgSynced is invoked after a txg has been synced.
	TxgSynced func(TxgSyncInfo)
}

// EnsureDefaults ensures that background error events are logged to the
// specified logger if a handler for those events hasn't been otherwise
// specified. Ensure all handlers are non-nil so that we don't have to check
// for nil-ness before invoking.
func (l *EventListener) EnsureDefaults(logger Logger) {
	if l.BackgroundError == nil {
		if logger != nil {
			l.BackgroundError = func(err error) {
				logger.Errorf("background error: %s", err)
			}
		} else {
			l.BackgroundError = func(error) {}
		}
	}
	if l.TxgSynced == nil {
		l.TxgSynced = func(info TxgSyncInfo) {}
	}
}

// MakeLoggingEventListener creates an EventListener that logs all events to
// the specified logger.
func MakeLoggingEventListener(logger Logger) EventListener {
	if logger == nil {
		logger = DefaultLogger{}
	}
	return EventListener{
		BackgroundError: func(err error) {
			logger.Errorf("background error: %s", err)
		},
		TxgSynced: func(info TxgSyncInfo) {
			logger.Infof("%s", info)
		},
	}
}

// TeeEventListener wraps two EventListeners, forwarding all events to both.
func TeeEventListener(a, b EventListener) EventListener {
	a.EnsureDefaults(nil)
	b.EnsureDefaults(nil)
	return EventListener{
		BackgroundError: func(err error) {
			a.BackgroundError(err)
			b.BackgroundError(err)
		},
		TxgSynced: func(info TxgSyncInfo) {
			a.TxgSynced(info)
			b.TxgSynced(info)
		},
	}
}
