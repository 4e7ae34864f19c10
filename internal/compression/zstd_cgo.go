// Copyright 2025 The LevelDB-Go and Pebble Authors. All rights reserved. Use
// of this source code is governed by a BSD-style license that can be found in
// the LICENSE file.

//go:build cgo

package compression

import (
	"encoding/binary"
	"sync"

	"github.com/DataDog/zstd"
	"github.com/cockroachdb/blockdiff/internal/base"
	"github.com/cockroachdb/errors"
)

// UseStandardZstdLib indicates whether the zstd implementation is the
// official facebook/zstd library. Tests that depend on the exact compressed
// bytes check it.
const UseStandardZstdLib = true

type zstdCompressor struct {
	level int
	ctx   zstd.Ctx
}

var _ Compressor = (*zstdCompressor)(nil)

var zstdCompressorPool = sync.Pool{
	New: func() any {
		return &zstdCompressor{ctx: zstd.NewCtx()}
	},
}

func getZstdCompressor(level int) *zstdCompressor {
	z := zstdCompressorPool.Get().(*zstdCompressor)
	z.level = level
	return z
}

func (z *zstdCompressor) Algorithm() Algorithm { return Zstd }

func (z *zstdCompressor) Compress(dst, src []byte) []byte {
	// Size the buffer from CompressBound so the library writes in place after
	// the length prefix.
	bound := zstd.CompressBound(len(src))
	if cap(dst) < binary.MaxVarintLen64+bound {
		dst = make([]byte, binary.MaxVarintLen64, binary.MaxVarintLen64+bound)
	}
	dst = dst[:binary.MaxVarintLen64]
	prefixLen := binary.PutUvarint(dst, uint64(len(src)))
	result, err := z.ctx.CompressLevel(dst[prefixLen:prefixLen+bound], src, z.level)
	if err != nil {
		panic(errors.Wrap(err, "zstd compression"))
	}
	if len(result) > 0 && &result[0] != &dst[prefixLen] {
		panic(errors.AssertionFailedf("zstd allocated a new buffer despite CompressBound"))
	}
	return dst[:prefixLen+len(result)]
}

func (z *zstdCompressor) Close() {
	zstdCompressorPool.Put(z)
}

type zstdDecompressor struct {
	ctx zstd.Ctx
}

var _ Decompressor = (*zstdDecompressor)(nil)

var zstdDecompressorPool = sync.Pool{
	New: func() any {
		return &zstdDecompressor{ctx: zstd.NewCtx()}
	},
}

func getZstdDecompressor() *zstdDecompressor {
	return zstdDecompressorPool.Get().(*zstdDecompressor)
}

func (z *zstdDecompressor) DecompressedLen(b []byte) (int, error) {
	return zstdDecompressedLen(b)
}

func (z *zstdDecompressor) DecompressInto(dst, src []byte) error {
	src, err := zstdPayload(src)
	if err != nil {
		return err
	}
	n, err := z.ctx.DecompressInto(dst, src)
	if err != nil {
		return base.MarkCorruptionError(err)
	}
	if n != len(dst) {
		return base.CorruptionErrorf("blockdiff: zstd block decompressed to %d bytes, want %d", n, len(dst))
	}
	return nil
}

func (z *zstdDecompressor) Close() {
	zstdDecompressorPool.Put(z)
}
