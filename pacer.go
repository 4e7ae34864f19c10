// Copyright 2025 The LevelDB-Go and Pebble Authors. All rights reserved. Use
// of this source code is governed by a BSD-style license that can be found in
// the LICENSE file.

package blockdiff

import (
	"context"
	"sync"
	"time"

	"github.com/cockroachdb/tokenbucket"
)

// writePacer limits the rate at which a volume accepts written bytes. A nil
// *writePacer does not pace.
type writePacer struct {
	mu    sync.Mutex
	burst tokenbucket.Tokens
	tb    tokenbucket.TokenBucket
}

func newWritePacer(bytesPerSec int64) *writePacer {
	if bytesPerSec <= 0 {
		return nil
	}
	p := &writePacer{burst: tokenbucket.Tokens(bytesPerSec)}
	p.tb.Init(tokenbucket.TokensPerSecond(bytesPerSec), p.burst)
	return p
}

// wait blocks until n bytes may be written. Requests larger than the burst
// are fulfilled in burst-sized pieces.
func (p *writePacer) wait(ctx context.Context, n int) error {
	if p == nil {
		return nil
	}
	remaining := tokenbucket.Tokens(n)
	for remaining > 0 {
		want := min(remaining, p.burst)
		p.mu.Lock()
		ok, d := p.tb.TryToFulfill(want)
		p.mu.Unlock()
		if ok {
			remaining -= want
			continue
		}
		t := time.NewTimer(d)
		select {
		case <-ctx.Done():
			t.Stop()
			return ctx.Err()
		case <-t.C:
		}
	}
	return nil
}
