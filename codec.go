// Copyright 2020 Cosmos Nicolaou. All rights reserved.
// Use of this source code is governed by the Apache-2.0
// license that can be found in the LICENSE file.

package blockshard

import (
	"bytes"
	"fmt"
	"io"

	"github.com/klauspost/compress/flate"
)

// DefaultCompressionLevel is passed to the underlying DEFLATE codec
// when no explicit level is requested.
const DefaultCompressionLevel = flate.DefaultCompression

// CodecBound returns a safe upper bound on the compressed size of n
// bytes of input, the Go equivalent of the opaque codec's
// codec_bound(n) from spec.md section 6. The formula matches zlib's
// conventional compressBound (n + n/1000 + 12, integer division), which is
// what original_source/utility.hpp relies on via its own
// compressBound/mz_compressBound calls; DEFLATE can expand
// incompressible input by a small, bounded amount and this guarantees
// the destination buffer is always large enough in one shot.
func CodecBound(n int64) int64 {
	if n < 0 {
		n = 0
	}
	return n + n/1000 + 12
}

// CompressBlock compresses src and returns an owned buffer trimmed to
// the actual compressed length, per spec.md section 4.C. It allocates
// its output buffer sized by CodecBound and fails with a CodecFailed
// error rather than leaving any partial state if the codec rejects the
// input.
func CompressBlock(src []byte, level int) ([]byte, error) {
	var buf bytes.Buffer
	buf.Grow(int(CodecBound(int64(len(src)))))
	w, err := flate.NewWriter(&buf, level)
	if err != nil {
		return nil, newError(CodecFailed, "", fmt.Errorf("create deflate writer: %w", err))
	}
	if _, err := w.Write(src); err != nil {
		return nil, newError(CodecFailed, "", fmt.Errorf("deflate write: %w", err))
	}
	if err := w.Close(); err != nil {
		return nil, newError(CodecFailed, "", fmt.Errorf("deflate close: %w", err))
	}
	return buf.Bytes(), nil
}

// DecompressBlock decompresses exactly one block into a caller-owned
// region of length at most expectedMax, returning the actual number of
// bytes written. It fails with a CodecFailed error if the codec
// rejects src or produces more than expectedMax bytes, which would
// indicate a corrupt container rather than a valid block boundary.
func DecompressBlock(dst []byte, src []byte, expectedMax int) (int, error) {
	r := flate.NewReader(bytes.NewReader(src))
	defer r.Close()
	n := 0
	for n < len(dst) {
		m, err := r.Read(dst[n:])
		n += m
		if err == io.EOF {
			return n, nil
		}
		if err != nil {
			return 0, newError(CodecFailed, "", fmt.Errorf("inflate: %w", err))
		}
	}
	// dst was exactly filled; confirm the stream is also exhausted so a
	// corrupt block that decompresses to more than expectedMax bytes is
	// surfaced as a failure rather than silently truncated.
	var extra [1]byte
	if m, err := r.Read(extra[:]); m > 0 || err != io.EOF {
		return 0, newError(CodecFailed, "", fmt.Errorf("block expanded past expected max of %d bytes", expectedMax))
	}
	return n, nil
}
