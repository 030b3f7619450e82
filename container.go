// Copyright 2020 Cosmos Nicolaou. All rights reserved.
// Use of this source code is governed by the Apache-2.0
// license that can be found in the LICENSE file.

package blockshard

import (
	"encoding/binary"
	"fmt"
)

// WordSize is the width, in bytes, of each integer field in a
// container header: the uncompressed size, the block count, and each
// entry of the block-length index. It corresponds to the native
// pointer width (W) in spec.md's container layout; little-endian
// uint64 is used regardless of host architecture so that containers
// are portable across machines, which the original C++ implementation
// (which used native size_t) did not guarantee.
const WordSize = 8

// MaxBlockCount bounds the block_count field decoded from a header,
// guarding against a corrupt or adversarial header claiming an
// unreasonable number of blocks before any allocation is attempted.
const MaxBlockCount = 1 << 32

// EncodeHeader emits the container header and block-length index
// described in spec.md section 3:
//
//	uncompressed_size : W
//	block_count       : W
//	block_len[0..block_count] : W each
//
// The caller is responsible for appending the concatenated block
// payloads, in block order, immediately after the returned bytes.
func EncodeHeader(uncompressedSize int64, blockLens []int64) ([]byte, error) {
	if uncompressedSize < 0 {
		return nil, newError(MalformedHeader, "", fmt.Errorf("negative uncompressed size %d", uncompressedSize))
	}
	var total int64
	for _, l := range blockLens {
		if l < 0 {
			return nil, newError(MalformedHeader, "", fmt.Errorf("negative block length %d", l))
		}
		next := total + l
		if next < total {
			return nil, newError(MalformedHeader, "", fmt.Errorf("block length index overflows"))
		}
		total = next
	}
	buf := make([]byte, WordSize*(2+len(blockLens)))
	binary.LittleEndian.PutUint64(buf[0:], uint64(uncompressedSize))
	binary.LittleEndian.PutUint64(buf[WordSize:], uint64(len(blockLens)))
	for i, l := range blockLens {
		off := WordSize * (2 + i)
		binary.LittleEndian.PutUint64(buf[off:], uint64(l))
	}
	return buf, nil
}

// Header is the decoded result of DecodeHeader.
type Header struct {
	UncompressedSize int64
	BlockCount       int
	BlockLens        []int64
	// PayloadOffset is (2+BlockCount)*WordSize, the byte offset within
	// the original slice passed to DecodeHeader at which the
	// concatenated compressed block payloads begin.
	PayloadOffset int64
}

// DecodeHeader reads the header and block-length index from the start
// of buf. It fails with a MalformedHeader error if buf is shorter than
// two words, if the declared block count exceeds MaxBlockCount, or if
// the declared payload does not fit within the remainder of buf.
func DecodeHeader(buf []byte) (Header, error) {
	if len(buf) < 2*WordSize {
		return Header{}, newError(MalformedHeader, "", fmt.Errorf("header truncated: have %d bytes, need at least %d", len(buf), 2*WordSize))
	}
	uncompressedSize := binary.LittleEndian.Uint64(buf[0:])
	blockCount := binary.LittleEndian.Uint64(buf[WordSize:])
	if blockCount > MaxBlockCount {
		return Header{}, newError(MalformedHeader, "", fmt.Errorf("block count %d exceeds sanity limit %d", blockCount, MaxBlockCount))
	}
	headerWords := 2 + blockCount
	headerBytes := headerWords * WordSize
	if headerBytes > uint64(len(buf)) {
		return Header{}, newError(MalformedHeader, "", fmt.Errorf("block index truncated: need %d bytes, have %d", headerBytes, len(buf)))
	}
	lens := make([]int64, blockCount)
	var payloadLen uint64
	for i := range lens {
		off := WordSize * (2 + i)
		l := binary.LittleEndian.Uint64(buf[off:])
		lens[i] = int64(l)
		payloadLen += l
	}
	if headerBytes+payloadLen > uint64(len(buf)) {
		return Header{}, newError(MalformedHeader, "", fmt.Errorf("declared payload of %d bytes does not fit in remaining %d bytes", payloadLen, uint64(len(buf))-headerBytes))
	}
	return Header{
		UncompressedSize: int64(uncompressedSize),
		BlockCount:       int(blockCount),
		BlockLens:        lens,
		PayloadOffset:    int64(headerBytes),
	}, nil
}
