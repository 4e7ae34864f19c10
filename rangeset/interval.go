// Copyright 2025 The LevelDB-Go and Pebble Authors. All rights reserved. Use
// of this source code is governed by a BSD-style license that can be found in
// the LICENSE file.

package rangeset

import "github.com/cockroachdb/redact"

// Interval is the half-open byte range [Offset, Offset+Length).
type Interval struct {
	Offset uint64
	Length uint64
}

// End returns the exclusive end of the interval.
func (i Interval) End() uint64 {
	return i.Offset + i.Length
}

// Contains returns true if o lies entirely within i.
func (i Interval) Contains(o Interval) bool {
	return i.Offset <= o.Offset && o.End() <= i.End()
}

// String implements fmt.Stringer.
func (i Interval) String() string {
	return redact.StringWithoutMarkers(i)
}

// SafeFormat implements redact.SafeFormatter.
func (i Interval) SafeFormat(w redact.SafePrinter, _ rune) {
	w.Printf("[%d, %d)", redact.SafeUint(i.Offset), redact.SafeUint(i.End()))
}
