// Copyright 2025 The LevelDB-Go and Pebble Authors. All rights reserved. Use
// of this source code is governed by a BSD-style license that can be found in
// the LICENSE file.

package offsetmap

import (
	"iter"

	"github.com/cockroachdb/blockdiff/internal/invariants"
	"github.com/cockroachdb/errors"
	"github.com/tidwall/btree"
)

type tidwallMap struct {
	tree btree.Map[uint64, uint64]
}

var _ Map = (*tidwallMap)(nil)

// NewTidwall returns a Map backed by github.com/tidwall/btree.
func NewTidwall() Map {
	return &tidwallMap{}
}

func (m *tidwallMap) Get(offset uint64) (uint64, bool) {
	return m.tree.Get(offset)
}

func (m *tidwallMap) Prev(offset uint64) (uint64, uint64, bool) {
	pivot, ok := prevPivot(offset)
	if !ok {
		return 0, 0, false
	}
	var k, v uint64
	var found bool
	m.tree.Descend(pivot, func(key, value uint64) bool {
		k, v, found = key, value, true
		return false
	})
	return k, v, found
}

func (m *tidwallMap) Next(offset uint64) (uint64, uint64, bool) {
	pivot, ok := nextPivot(offset)
	if !ok {
		return 0, 0, false
	}
	var k, v uint64
	var found bool
	m.tree.Ascend(pivot, func(key, value uint64) bool {
		k, v, found = key, value, true
		return false
	})
	return k, v, found
}

func (m *tidwallMap) Set(offset, length uint64) {
	if old, replaced := m.tree.Set(offset, length); replaced && invariants.Enabled {
		panic(errors.AssertionFailedf("offsetmap: duplicate offset %d (old length %d)", offset, old))
	}
}

func (m *tidwallMap) Delete(offset uint64) bool {
	_, ok := m.tree.Delete(offset)
	return ok
}

func (m *tidwallMap) Len() int { return m.tree.Len() }

func (m *tidwallMap) All() iter.Seq2[uint64, uint64] {
	return func(yield func(uint64, uint64) bool) {
		m.tree.Scan(yield)
	}
}

func (m *tidwallMap) Clear() { m.tree = btree.Map[uint64, uint64]{} }
