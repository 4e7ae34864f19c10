// Copyright 2025 The LevelDB-Go and Pebble Authors. All rights reserved. Use
// of this source code is governed by a BSD-style license that can be found in
// the LICENSE file.

package blockdiff

import (
	"github.com/cockroachdb/blockdiff/rangeset"
	"github.com/cockroachdb/errors"
)

// ErrInvalidTxgRange is returned by BlockDiff when from is greater than to.
var ErrInvalidTxgRange = errors.New("blockdiff: invalid txg range")

// ErrTxgNotSynced is returned by BlockDiff when to has not been synced.
var ErrTxgNotSynced = errors.New("blockdiff: txg not synced")

// BlockDiff returns the byte ranges of every block whose birth txg is in
// (from, to]. Blocks are inserted one at a time, so adjacent blocks are
// coalesced into a single interval.
//
// Only the most recent write to a block is retained, so a block written in
// (from, to] and rewritten after to is not reported. Callers that need an
// exact diff must take it before the volume moves past to.
func (v *Volume) BlockDiff(from, to Txg) (*rangeset.Set, error) {
	if from > to {
		return nil, errors.Wrapf(ErrInvalidTxgRange, "(%s, %s]", from, to)
	}
	v.mu.Lock()
	defer v.mu.Unlock()
	if v.mu.closed {
		return nil, ErrClosed
	}
	if to > v.mu.syncedTxg {
		return nil, errors.Wrapf(ErrTxgNotSynced, "%s (last synced %s)", to, v.mu.syncedTxg)
	}

	set := rangeset.New()
	var err error
	v.mu.blocks.All(func(idx uint64, b *block) bool {
		if b.birth <= from || b.birth > to {
			return true
		}
		err = set.Insert(idx*v.blockSize, v.blockSize)
		return err == nil
	})
	if err != nil {
		return nil, errors.Wrapf(err, "diff (%s, %s]", from, to)
	}
	return set, nil
}
