// Copyright 2025 The LevelDB-Go and Pebble Authors. All rights reserved. Use
// of this source code is governed by a BSD-style license that can be found in
// the LICENSE file.

package blockdiff

import (
	"fmt"
	"slices"
	"strings"
	"time"

	"github.com/cockroachdb/blockdiff/internal/base"
	"github.com/cockroachdb/blockdiff/internal/compression"
	"github.com/cockroachdb/errors"
	"github.com/dustin/go-humanize"
)

const (
	defaultBlockSize     = 4096
	defaultSize          = 64 << 20 // 64 MiB
	defaultTxgTimeout    = 5 * time.Second
	defaultDirtyDataSync = 16 << 20 // 16 MiB
)

// Logger defines an interface for writing log messages.
type Logger = base.Logger

// DefaultLogger logs to the Go stdlib logs.
type DefaultLogger = base.DefaultLogger

// Txg is a transaction group number.
type Txg = base.Txg

// Options holds the optional parameters for configuring a Volume. The zero
// value is usable after EnsureDefaults.
type Options struct {
	// BlockSize is the allocation and diff granularity of the volume. It must
	// be a power of two.
	BlockSize int

	// Size is the logical size of the volume in bytes. It must be a positive
	// multiple of BlockSize.
	Size int64

	// Compression returns the algorithm used for blocks as they are synced.
	// It is consulted once per txg, so the algorithm may change while the
	// volume is open. Defaults to snappy.
	Compression func() compression.Algorithm

	// TxgTimeout is the interval at which the open txg is synced if it holds
	// any dirty data.
	TxgTimeout time.Duration

	// DirtyDataSync is the amount of dirty data in the open txg that triggers
	// an early sync.
	DirtyDataSync int64

	// WriteBytesPerSec limits the rate at which Write accepts data. Zero
	// disables pacing.
	WriteBytesPerSec int64

	// VerifyOnSync decompresses every block after compressing it during sync
	// and checks it against the original contents. A block that fails the
	// check is stored uncompressed and reported to
	// EventListener.BackgroundError.
	VerifyOnSync bool

	// Logger used to write log messages.
	Logger Logger

	// EventListener provides hooks for volume events. Unset hooks default to
	// logging where appropriate.
	EventListener *EventListener

	// private options, only set by tests.
	private struct {
		// disableTimer stops the syncer from syncing on its timer. Syncs
		// still happen on demand and on dirty data pressure.
		disableTimer bool
		// testingMutateStored is called on the stored bytes of each block
		// after compression and before verification.
		testingMutateStored func(stored []byte)
	}
}

// EnsureDefaults ensures that the default values for all options are set if
// a valid value was not already specified. Returns the new options.
func (o *Options) EnsureDefaults() *Options {
	if o == nil {
		o = &Options{}
	}
	if o.BlockSize <= 0 {
		o.BlockSize = defaultBlockSize
	}
	if o.Size <= 0 {
		o.Size = defaultSize
	}
	if o.Compression == nil {
		o.Compression = func() compression.Algorithm { return compression.Snappy }
	}
	if o.TxgTimeout <= 0 {
		o.TxgTimeout = defaultTxgTimeout
	}
	if o.DirtyDataSync <= 0 {
		o.DirtyDataSync = defaultDirtyDataSync
	}
	if o.Logger == nil {
		o.Logger = DefaultLogger{}
	}
	if o.EventListener == nil {
		o.EventListener = &EventListener{}
	}
	o.EventListener.EnsureDefaults(o.Logger)
	return o
}

// Validate verifies that the options are mutually consistent. For example,
// the volume size must be a multiple of the block size.
func (o *Options) Validate() error {
	var buf strings.Builder
	if o.BlockSize <= 0 || o.BlockSize&(o.BlockSize-1) != 0 {
		fmt.Fprintf(&buf, "BlockSize (%d) must be a power of two\n", o.BlockSize)
	} else if o.Size <= 0 || o.Size%int64(o.BlockSize) != 0 {
		fmt.Fprintf(&buf, "Size (%s) must be a positive multiple of BlockSize (%d)\n",
			humanize.IBytes(uint64(max(o.Size, 0))), o.BlockSize)
	}
	if o.Compression != nil {
		if a := o.Compression(); !slices.Contains(compression.Algorithms, a) {
			fmt.Fprintf(&buf, "Compression (%s) is not supported\n", a)
		}
	}
	if o.TxgTimeout <= 0 {
		fmt.Fprintf(&buf, "TxgTimeout (%s) must be > 0\n", o.TxgTimeout)
	}
	if o.WriteBytesPerSec < 0 {
		fmt.Fprintf(&buf, "WriteBytesPerSec (%d) must be >= 0\n", o.WriteBytesPerSec)
	}
	if buf.Len() == 0 {
		return nil
	}
	return errors.New(buf.String())
}

// String returns a textual description of the options, one per line.
func (o *Options) String() string {
	var buf strings.Builder
	fmt.Fprintf(&buf, "[Volume]\n")
	fmt.Fprintf(&buf, "  block_size=%d\n", o.BlockSize)
	fmt.Fprintf(&buf, "  size=%d\n", o.Size)
	if o.Compression != nil {
		fmt.Fprintf(&buf, "  compression=%s\n", o.Compression())
	}
	fmt.Fprintf(&buf, "  txg_timeout=%s\n", o.TxgTimeout)
	fmt.Fprintf(&buf, "  dirty_data_sync=%d\n", o.DirtyDataSync)
	fmt.Fprintf(&buf, "  write_bytes_per_sec=%d\n", o.WriteBytesPerSec)
	fmt.Fprintf(&buf, "  verify_on_sync=%t\n", o.VerifyOnSync)
	return buf.String()
}
