// Copyright 2025 The LevelDB-Go and Pebble Authors. All rights reserved. Use
// of this source code is governed by a BSD-style license that can be found in
// the LICENSE file.

// Package compression implements the block compression algorithms available
// to a volume. Every algorithm produces a self-describing payload: the
// decompressed length can be recovered from the compressed bytes alone.
package compression

import (
	"strings"

	"github.com/cockroachdb/errors"
	"github.com/cockroachdb/redact"
)

// Algorithm identifies a compression algorithm. The numeric values are stored
// alongside each compressed block and must not change.
type Algorithm uint8

const (
	None Algorithm = iota
	Snappy
	MinLZ
	Zstd
	numAlgorithms
)

// Algorithms lists every supported algorithm.
var Algorithms = []Algorithm{None, Snappy, MinLZ, Zstd}

var algorithmNames = [numAlgorithms]string{
	None:   "none",
	Snappy: "snappy",
	MinLZ:  "minlz",
	Zstd:   "zstd",
}

// String implements fmt.Stringer.
func (a Algorithm) String() string {
	return redact.StringWithoutMarkers(a)
}

// SafeFormat implements redact.SafeFormatter.
func (a Algorithm) SafeFormat(w redact.SafePrinter, _ rune) {
	if a < numAlgorithms {
		w.SafeString(redact.SafeString(algorithmNames[a]))
		return
	}
	w.Printf("unknown(%d)", redact.SafeUint(a))
}

// ParseAlgorithm parses the string form of an Algorithm. Parsing is case
// insensitive.
func ParseAlgorithm(s string) (Algorithm, error) {
	for a, name := range algorithmNames {
		if strings.EqualFold(s, name) {
			return Algorithm(a), nil
		}
	}
	return None, errors.Newf("unknown compression algorithm %q", s)
}

// Compressor compresses blocks. Compressors obtained from GetCompressor must
// be closed when no longer needed; a Compressor is not safe for concurrent
// use.
type Compressor interface {
	Algorithm() Algorithm
	// Compress appends the compressed form of src to dst[:0], reusing the
	// capacity of dst when possible, and returns the result.
	Compress(dst, src []byte) []byte
	Close()
}

// Decompressor decompresses blocks produced by the matching Compressor.
type Decompressor interface {
	// DecompressedLen returns the length of the block encoded in b.
	DecompressedLen(b []byte) (int, error)
	// DecompressInto decompresses src into dst, which must have exactly the
	// length returned by DecompressedLen.
	DecompressInto(dst, src []byte) error
	Close()
}

// GetCompressor returns a Compressor for the given algorithm.
func GetCompressor(a Algorithm) Compressor {
	switch a {
	case None:
		return noopCompressor{}
	case Snappy:
		return snappyCompressor{}
	case MinLZ:
		return minlzCompressorFastest
	case Zstd:
		return getZstdCompressor(defaultZstdLevel)
	default:
		panic(errors.AssertionFailedf("invalid compression algorithm %d", a))
	}
}

// GetDecompressor returns a Decompressor for the given algorithm.
func GetDecompressor(a Algorithm) Decompressor {
	switch a {
	case None:
		return noopDecompressor{}
	case Snappy:
		return snappyDecompressor{}
	case MinLZ:
		return minlzDecompressor{}
	case Zstd:
		return getZstdDecompressor()
	default:
		panic(errors.AssertionFailedf("invalid compression algorithm %d", a))
	}
}

// Decompress decompresses b into a newly allocated buffer.
func Decompress(a Algorithm, b []byte) ([]byte, error) {
	if a >= numAlgorithms {
		return nil, errors.Newf("invalid compression algorithm %d", a)
	}
	d := GetDecompressor(a)
	defer d.Close()
	n, err := d.DecompressedLen(b)
	if err != nil {
		return nil, err
	}
	buf := make([]byte, n)
	if err := d.DecompressInto(buf, b); err != nil {
		return nil, err
	}
	return buf, nil
}
