// Copyright 2025 The LevelDB-Go and Pebble Authors. All rights reserved. Use
// of this source code is governed by a BSD-style license that can be found in
// the LICENSE file.

package compression

import (
	"encoding/binary"

	"github.com/cockroachdb/blockdiff/internal/base"
)

// defaultZstdLevel matches the zstd command line default.
const defaultZstdLevel = 3

// Zstd payloads are prefixed with a uvarint holding the decompressed length,
// since neither zstd library exposes it cheaply for arbitrary frames.

func zstdDecompressedLen(b []byte) (int, error) {
	n, prefixLen := binary.Uvarint(b)
	if prefixLen <= 0 {
		return 0, base.CorruptionErrorf("blockdiff: zstd block has invalid length prefix")
	}
	return int(n), nil
}

func zstdPayload(src []byte) ([]byte, error) {
	_, prefixLen := binary.Uvarint(src)
	if prefixLen <= 0 {
		return nil, base.CorruptionErrorf("blockdiff: zstd block has invalid length prefix")
	}
	src = src[prefixLen:]
	if len(src) == 0 {
		return nil, base.CorruptionErrorf("blockdiff: empty zstd payload")
	}
	return src, nil
}
