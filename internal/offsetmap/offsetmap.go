// Copyright 2025 The LevelDB-Go and Pebble Authors. All rights reserved. Use
// of this source code is governed by a BSD-style license that can be found in
// the LICENSE file.

// Package offsetmap provides an ordered map from a 64-bit start offset to a
// 64-bit length, with strict predecessor and successor queries. It is the
// storage primitive underneath rangeset.Set; it knows nothing about interval
// semantics and never merges or splits entries.
package offsetmap

import (
	"fmt"
	"iter"
	"math"

	"github.com/cockroachdb/errors"
)

// Map is an ordered map keyed by offset. All operations are logarithmic in
// the number of entries. A Map is not safe for concurrent use.
type Map interface {
	// Get returns the length stored under exactly offset.
	Get(offset uint64) (length uint64, ok bool)
	// Prev returns the entry with the greatest offset strictly less than the
	// given offset. The given offset need not be present.
	Prev(offset uint64) (prevOffset, length uint64, ok bool)
	// Next returns the entry with the least offset strictly greater than the
	// given offset. The given offset need not be present.
	Next(offset uint64) (nextOffset, length uint64, ok bool)
	// Set inserts an entry. The offset must not already be present.
	Set(offset, length uint64)
	// Delete removes the entry with the given offset, reporting whether it
	// was present.
	Delete(offset uint64) bool
	// Len returns the number of entries.
	Len() int
	// All iterates over (offset, length) pairs in ascending offset order. The
	// map must not be mutated during iteration.
	All() iter.Seq2[uint64, uint64]
	// Clear removes all entries.
	Clear()
}

// Kind identifies a Map implementation.
type Kind uint8

const (
	// BTree is backed by github.com/google/btree.
	BTree Kind = iota
	// Tidwall is backed by github.com/tidwall/btree.
	Tidwall
)

// Kinds lists every implementation, for tests that exercise all of them.
var Kinds = []Kind{BTree, Tidwall}

// String implements fmt.Stringer.
func (k Kind) String() string {
	switch k {
	case BTree:
		return "btree"
	case Tidwall:
		return "tidwall"
	default:
		return fmt.Sprintf("Kind(%d)", uint8(k))
	}
}

// ParseKind is the inverse of Kind.String.
func ParseKind(s string) (Kind, error) {
	for _, k := range Kinds {
		if k.String() == s {
			return k, nil
		}
	}
	return 0, errors.Newf("unknown offset map kind %q", s)
}

// New returns an empty Map of the given kind.
func New(kind Kind) Map {
	switch kind {
	case BTree:
		return NewBTree()
	case Tidwall:
		return NewTidwall()
	default:
		panic(errors.AssertionFailedf("offsetmap: unknown kind %d", kind))
	}
}

// prevPivot and nextPivot turn a strict neighbour query into an inclusive
// one. ok is false when no key can satisfy the strict bound.
func prevPivot(offset uint64) (pivot uint64, ok bool) {
	if offset == 0 {
		return 0, false
	}
	return offset - 1, true
}

func nextPivot(offset uint64) (pivot uint64, ok bool) {
	if offset == math.MaxUint64 {
		return 0, false
	}
	return offset + 1, true
}
