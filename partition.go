// Copyright 2020 Cosmos Nicolaou. All rights reserved.
// Use of this source code is governed by the Apache-2.0
// license that can be found in the LICENSE file.

package blockshard

// BlockRange describes one block of a partitioned byte range: the
// block's index within the file, its byte offset, and its length.
// Every length equals the configured block size except possibly the
// last, which is size mod blockSize when that remainder is non-zero.
type BlockRange struct {
	Index  int
	Offset int64
	Length int64
}

// Partition splits size bytes into BlockRange values of at most
// blockSize bytes each. It is deterministic and stateless: the same
// (size, blockSize) pair always yields the same sequence, which is
// what lets decompression re-derive block boundaries from the header
// alone rather than from any out-of-band information.
func Partition(size int64, blockSize int64) []BlockRange {
	if size == 0 {
		return nil
	}
	n := BlockCount(size, blockSize)
	blocks := make([]BlockRange, n)
	var offset int64
	for i := 0; i < n; i++ {
		length := blockSize
		if remaining := size - offset; remaining < length {
			length = remaining
		}
		blocks[i] = BlockRange{Index: i, Offset: offset, Length: length}
		offset += length
	}
	return blocks
}

// BlockCount returns ceil(size / blockSize), the number of blocks
// spec.md requires for a file of the given size, with the convention
// that a zero-byte file has zero blocks.
func BlockCount(size int64, blockSize int64) int {
	if size <= 0 {
		return 0
	}
	return int((size + blockSize - 1) / blockSize)
}

// Scanner pulls BlockRange values one at a time, mirroring the pull
// style of the teacher package's bzip2 block Scanner: callers drive it
// with repeated calls to Scan rather than receiving a pre-built slice,
// which keeps the dispatcher (pipeline.go) from needing to hold the
// full partition in memory for very large files.
type Scanner struct {
	size, blockSize, offset int64
	index, total            int
	done                    bool
	block                   BlockRange
}

// NewScanner returns a Scanner over a byte range of the given size,
// split into blocks of at most blockSize bytes.
func NewScanner(size, blockSize int64) *Scanner {
	return &Scanner{
		size:      size,
		blockSize: blockSize,
		total:     BlockCount(size, blockSize),
	}
}

// Scan advances to the next block and reports whether one is
// available.
func (s *Scanner) Scan() bool {
	if s.done || s.index >= s.total {
		s.done = true
		return false
	}
	length := s.blockSize
	if remaining := s.size - s.offset; remaining < length {
		length = remaining
	}
	s.block = BlockRange{Index: s.index, Offset: s.offset, Length: length}
	s.offset += length
	s.index++
	return true
}

// Block returns the block most recently produced by Scan.
func (s *Scanner) Block() BlockRange { return s.block }
