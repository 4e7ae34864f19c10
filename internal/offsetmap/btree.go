// Copyright 2025 The LevelDB-Go and Pebble Authors. All rights reserved. Use
// of this source code is governed by a BSD-style license that can be found in
// the LICENSE file.

package offsetmap

import (
	"iter"

	"github.com/cockroachdb/blockdiff/internal/invariants"
	"github.com/cockroachdb/errors"
	"github.com/google/btree"
)

// btreeDegree keeps nodes small enough that a Set of a few thousand
// intervals stays within a handful of levels.
const btreeDegree = 16

type entry struct {
	offset uint64
	length uint64
}

func entryLess(a, b entry) bool { return a.offset < b.offset }

type btreeMap struct {
	tree *btree.BTreeG[entry]
}

var _ Map = (*btreeMap)(nil)

// NewBTree returns a Map backed by github.com/google/btree.
func NewBTree() Map {
	return &btreeMap{tree: btree.NewG(btreeDegree, entryLess)}
}

func (m *btreeMap) Get(offset uint64) (uint64, bool) {
	e, ok := m.tree.Get(entry{offset: offset})
	return e.length, ok
}

func (m *btreeMap) Prev(offset uint64) (uint64, uint64, bool) {
	pivot, ok := prevPivot(offset)
	if !ok {
		return 0, 0, false
	}
	var found entry
	var ok2 bool
	m.tree.DescendLessOrEqual(entry{offset: pivot}, func(e entry) bool {
		found, ok2 = e, true
		return false
	})
	return found.offset, found.length, ok2
}

func (m *btreeMap) Next(offset uint64) (uint64, uint64, bool) {
	pivot, ok := nextPivot(offset)
	if !ok {
		return 0, 0, false
	}
	var found entry
	var ok2 bool
	m.tree.AscendGreaterOrEqual(entry{offset: pivot}, func(e entry) bool {
		found, ok2 = e, true
		return false
	})
	return found.offset, found.length, ok2
}

func (m *btreeMap) Set(offset, length uint64) {
	if old, replaced := m.tree.ReplaceOrInsert(entry{offset: offset, length: length}); replaced && invariants.Enabled {
		panic(errors.AssertionFailedf("offsetmap: duplicate offset %d (old length %d)", offset, old.length))
	}
}

func (m *btreeMap) Delete(offset uint64) bool {
	_, ok := m.tree.Delete(entry{offset: offset})
	return ok
}

func (m *btreeMap) Len() int { return m.tree.Len() }

func (m *btreeMap) All() iter.Seq2[uint64, uint64] {
	return func(yield func(uint64, uint64) bool) {
		m.tree.Ascend(func(e entry) bool {
			return yield(e.offset, e.length)
		})
	}
}

func (m *btreeMap) Clear() { m.tree.Clear(false /* addNodesToFreelist */) }
