// Copyright 2025 The LevelDB-Go and Pebble Authors. All rights reserved. Use
// of this source code is governed by a BSD-style license that can be found in
// the LICENSE file.

// Package rangeset implements a coalescing set of byte ranges keyed by start
// offset. It records which ranges of a volume were written between two
// transaction group marks: inserting a range merges it with any range it
// touches or overlaps, and deleting a range splits the single interval that
// covers it.
//
// Every stored interval is non-empty, and any two stored intervals are
// disjoint and separated by at least one byte. Lookups are by exact start
// offset only: once an insert merges an interval into a neighbour that starts
// earlier, the old start offset is no longer findable.
package rangeset

import (
	"iter"
	"math"
	"strings"

	"github.com/cockroachdb/blockdiff/internal/invariants"
	"github.com/cockroachdb/blockdiff/internal/offsetmap"
	"github.com/cockroachdb/errors"
)

// ErrInvalidRange is returned when an operation is passed a zero-length
// range, or a range whose end does not fit in 64 bits.
var ErrInvalidRange = errors.New("rangeset: invalid range")

// ErrUncoveredRange is returned by Delete when the requested range is not
// fully contained in a single stored interval.
var ErrUncoveredRange = errors.New("rangeset: range not covered by a single interval")

// Set is a coalescing interval set.
//
// Set is not safe for concurrent use.
type Set struct {
	m offsetmap.Map
}

// New returns an empty Set backed by the default ordered map.
func New() *Set {
	return NewWithBackend(offsetmap.BTree)
}

// NewWithBackend returns an empty Set backed by the given ordered map
// implementation.
func NewWithBackend(kind offsetmap.Kind) *Set {
	return &Set{m: offsetmap.New(kind)}
}

func checkRange(op string, offset, length uint64) error {
	if length == 0 {
		return errors.Wrapf(ErrInvalidRange, "%s: zero-length range at offset %d", op, offset)
	}
	if offset > math.MaxUint64-length {
		return errors.Wrapf(ErrInvalidRange, "%s: range at offset %d with length %d overflows", op, offset, length)
	}
	return nil
}

// Insert adds [offset, offset+length) to the set, merging it with every
// stored interval it touches or overlaps. Inserting a range that is already
// contained in a stored interval does not modify the set.
func (s *Set) Insert(offset, length uint64) error {
	if err := checkRange("insert", offset, length); err != nil {
		return err
	}
	start, end := offset, offset+length

	// An interval starting exactly at offset is the left boundary with zero
	// distance; otherwise the nearest interval before offset may reach it.
	if l, ok := s.m.Get(offset); ok {
		if end <= offset+l {
			return nil
		}
		s.m.Delete(offset)
	} else if lo, l, ok := s.m.Prev(offset); ok && lo+l >= offset {
		if end <= lo+l {
			return nil
		}
		s.m.Delete(lo)
		start = lo
	}

	// Absorb intervals to the right that start at or before the new end. For
	// block-sized writes this is at most one interval; a longer range may
	// swallow several.
	for {
		ro, rl, ok := s.m.Next(offset)
		if !ok || ro > end {
			break
		}
		s.m.Delete(ro)
		end = max(end, ro+rl)
	}

	s.m.Set(start, end-start)
	s.maybeCheckInvariants()
	return nil
}

// Delete removes [offset, offset+length) from the set. The range must be
// fully covered by one stored interval: either the interval starting exactly
// at offset, or the nearest interval starting before it. Whatever remains of
// that interval on either side of the deleted range is kept. If the range is
// not covered, Delete returns an error wrapping ErrUncoveredRange and leaves
// the set unchanged.
func (s *Set) Delete(offset, length uint64) error {
	if err := checkRange("delete", offset, length); err != nil {
		return err
	}
	end := offset + length

	if l, ok := s.m.Get(offset); ok {
		if l < length {
			return errors.Wrapf(ErrUncoveredRange, "delete %s: interval %s is shorter",
				Interval{offset, length}, Interval{offset, l})
		}
		s.m.Delete(offset)
		if l > length {
			s.m.Set(end, l-length)
		}
		s.maybeCheckInvariants()
		return nil
	}

	co, cl, ok := s.m.Prev(offset)
	if !ok {
		return errors.Wrapf(ErrUncoveredRange, "delete %s: no interval starts at or before it",
			Interval{offset, length})
	}
	cEnd := co + cl
	if cEnd < end {
		return errors.Wrapf(ErrUncoveredRange, "delete %s: nearest interval %s ends first",
			Interval{offset, length}, Interval{co, cl})
	}
	// The remainders cannot touch any other interval, so they are stored
	// directly rather than merged.
	s.m.Delete(co)
	s.m.Set(co, offset-co)
	if cEnd > end {
		s.m.Set(end, cEnd-end)
	}
	s.maybeCheckInvariants()
	return nil
}

// FindExact returns the length of the interval whose start offset is exactly
// offset. It is not a containment query: an offset inside an interval, or the
// former start of an interval that has since been merged into an earlier one,
// is not found.
func (s *Set) FindExact(offset uint64) (length uint64, ok bool) {
	return s.m.Get(offset)
}

// Count returns the number of stored intervals.
func (s *Set) Count() int {
	return s.m.Len()
}

// Empty returns true if the set holds no intervals.
func (s *Set) Empty() bool {
	return s.m.Len() == 0
}

// Bytes returns the total number of bytes covered by the set.
func (s *Set) Bytes() uint64 {
	var n uint64
	for _, l := range s.m.All() {
		n += l
	}
	return n
}

// All iterates over the stored intervals in ascending offset order. The
// yielded values are copies; the set must not be mutated during iteration.
func (s *Set) All() iter.Seq[Interval] {
	return func(yield func(Interval) bool) {
		for off, l := range s.m.All() {
			if !yield(Interval{Offset: off, Length: l}) {
				return
			}
		}
	}
}

// Clear removes every interval.
func (s *Set) Clear() {
	s.m.Clear()
}

// String prints one interval per line, or "<empty>".
func (s *Set) String() string {
	var buf strings.Builder
	for i := range s.All() {
		buf.WriteString(i.String())
		buf.WriteByte('\n')
	}
	if buf.Len() == 0 {
		return "<empty>"
	}
	return buf.String()
}

// CheckInvariants verifies that every interval is non-empty and that no two
// intervals touch or overlap.
func (s *Set) CheckInvariants() error {
	var prev Interval
	first := true
	for cur := range s.All() {
		if cur.Length == 0 {
			return errors.AssertionFailedf("rangeset: zero-length interval at offset %d", cur.Offset)
		}
		if cur.Offset > math.MaxUint64-cur.Length {
			return errors.AssertionFailedf("rangeset: interval at offset %d with length %d overflows",
				cur.Offset, cur.Length)
		}
		if !first && prev.End() >= cur.Offset {
			return errors.AssertionFailedf("rangeset: intervals %s and %s touch or overlap", prev, cur)
		}
		prev, first = cur, false
	}
	return nil
}

func (s *Set) maybeCheckInvariants() {
	if invariants.Enabled {
		if err := s.CheckInvariants(); err != nil {
			panic(err)
		}
	}
}
