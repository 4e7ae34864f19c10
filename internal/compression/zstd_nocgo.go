// Copyright 2025 The LevelDB-Go and Pebble Authors. All rights reserved. Use
// of this source code is governed by a BSD-style license that can be found in
// the LICENSE file.

//go:build !cgo

package compression

import (
	"encoding/binary"
	"sync"

	"github.com/cockroachdb/blockdiff/internal/base"
	"github.com/cockroachdb/errors"
	"github.com/klauspost/compress/zstd"
)

// UseStandardZstdLib indicates whether the zstd implementation is the
// official facebook/zstd library. Tests that depend on the exact compressed
// bytes check it.
const UseStandardZstdLib = false

type zstdCompressor struct {
	enc *zstd.Encoder
}

var _ Compressor = (*zstdCompressor)(nil)

// Encoders are only used through EncodeAll, which is safe for concurrent use,
// so one encoder is shared per level.
var zstdEncoders sync.Map // int -> *zstd.Encoder

func getZstdCompressor(level int) *zstdCompressor {
	if enc, ok := zstdEncoders.Load(level); ok {
		return &zstdCompressor{enc: enc.(*zstd.Encoder)}
	}
	enc, err := zstd.NewWriter(nil,
		zstd.WithEncoderLevel(zstd.EncoderLevelFromZstd(level)),
		zstd.WithEncoderConcurrency(1))
	if err != nil {
		panic(errors.Wrap(err, "zstd encoder"))
	}
	actual, _ := zstdEncoders.LoadOrStore(level, enc)
	return &zstdCompressor{enc: actual.(*zstd.Encoder)}
}

func (z *zstdCompressor) Algorithm() Algorithm { return Zstd }

func (z *zstdCompressor) Compress(dst, src []byte) []byte {
	dst = append(dst[:0], make([]byte, binary.MaxVarintLen64)...)
	prefixLen := binary.PutUvarint(dst, uint64(len(src)))
	return z.enc.EncodeAll(src, dst[:prefixLen])
}

func (z *zstdCompressor) Close() {}

type zstdDecompressor struct {
	dec *zstd.Decoder
}

var _ Decompressor = zstdDecompressor{}

var zstdDecoder = sync.OnceValue(func() *zstd.Decoder {
	dec, err := zstd.NewReader(nil, zstd.WithDecoderConcurrency(0))
	if err != nil {
		panic(errors.Wrap(err, "zstd decoder"))
	}
	return dec
})

func getZstdDecompressor() zstdDecompressor {
	return zstdDecompressor{dec: zstdDecoder()}
}

func (zstdDecompressor) DecompressedLen(b []byte) (int, error) {
	return zstdDecompressedLen(b)
}

func (z zstdDecompressor) DecompressInto(dst, src []byte) error {
	src, err := zstdPayload(src)
	if err != nil {
		return err
	}
	result, err := z.dec.DecodeAll(src, dst[:0])
	if err != nil {
		return base.MarkCorruptionError(err)
	}
	if len(result) != len(dst) || (len(result) > 0 && &result[0] != &dst[0]) {
		return base.CorruptionErrorf("blockdiff: decompressed into unexpected buffer: %p != %p",
			errors.Safe(result), errors.Safe(dst))
	}
	return nil
}

func (zstdDecompressor) Close() {}
