// Copyright 2025 The LevelDB-Go and Pebble Authors. All rights reserved. Use
// of this source code is governed by a BSD-style license that can be found in
// the LICENSE file.

package blockdiff

import (
	"bytes"

	"github.com/cespare/xxhash/v2"
	"github.com/cockroachdb/blockdiff/internal/base"
	"github.com/cockroachdb/blockdiff/internal/compression"
	"github.com/cockroachdb/errors"
)

// block is a synced block. Blocks are immutable once installed: a later write
// to the same block index produces a new block with a later birth txg.
type block struct {
	birth     Txg
	algorithm compression.Algorithm
	// checksum is the xxhash64 of data.
	checksum uint64
	data     []byte
}

// decode verifies the block's checksum and decompresses it into dst, which
// must be exactly one block long.
func (b *block) decode(idx uint64, dst []byte) error {
	if sum := xxhash.Sum64(b.data); sum != b.checksum {
		return base.CorruptionErrorf("blockdiff: block %d born in %s: checksum mismatch %016x != %016x",
			errors.Safe(idx), b.birth, errors.Safe(sum), errors.Safe(b.checksum))
	}
	d := compression.GetDecompressor(b.algorithm)
	defer d.Close()
	n, err := d.DecompressedLen(b.data)
	if err != nil {
		return errors.Wrapf(err, "block %d", errors.Safe(idx))
	}
	if n != len(dst) {
		return base.CorruptionErrorf("blockdiff: block %d decompresses to %d bytes, want %d",
			errors.Safe(idx), errors.Safe(n), errors.Safe(len(dst)))
	}
	if err := d.DecompressInto(dst, b.data); err != nil {
		return errors.Wrapf(err, "block %d", errors.Safe(idx))
	}
	return nil
}

// blockEncoder turns the dirty buffers of one txg into blocks.
type blockEncoder struct {
	txg        Txg
	compressor compression.Compressor
	verify     bool
	mutate     func([]byte)
	// onVerifyFailure is called when a compressed block does not round trip.
	onVerifyFailure func(error)
}

// encode compresses data, falling back to storing it uncompressed when
// compression does not shrink it or when verification fails. data must not be
// modified afterwards; an uncompressed block shares it.
func (e *blockEncoder) encode(idx uint64, data []byte) *block {
	alg := e.compressor.Algorithm()
	stored := e.compressor.Compress(nil, data)
	if e.mutate != nil {
		e.mutate(stored)
	}
	if len(stored) >= len(data) {
		alg, stored = compression.None, data
	} else if e.verify {
		got, err := compression.Decompress(alg, stored)
		if err == nil && !bytes.Equal(got, data) {
			err = base.CorruptionErrorf("blockdiff: %s block %d does not round trip", alg, errors.Safe(idx))
		}
		if err != nil {
			e.onVerifyFailure(errors.Wrapf(err, "verifying %s", e.txg))
			alg, stored = compression.None, data
		}
	}
	return &block{
		birth:     e.txg,
		algorithm: alg,
		checksum:  xxhash.Sum64(stored),
		data:      stored,
	}
}
