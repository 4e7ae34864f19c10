// Copyright 2025 The LevelDB-Go and Pebble Authors. All rights reserved. Use
// of this source code is governed by a BSD-style license that can be found in
// the LICENSE file.

package base

import "github.com/cockroachdb/redact"

// Txg is a transaction group number. Txgs are assigned in increasing order
// starting at 1; zero is never a valid synced txg and is used by callers to
// mean "the currently open txg".
type Txg uint64

// String implements fmt.Stringer.
func (t Txg) String() string {
	return redact.StringWithoutMarkers(t)
}

// SafeFormat implements redact.SafeFormatter.
func (t Txg) SafeFormat(w redact.SafePrinter, _ rune) {
	w.Printf("txg %d", redact.SafeUint(t))
}
