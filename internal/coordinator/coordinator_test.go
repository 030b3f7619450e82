// Copyright 2020 Cosmos Nicolaou. All rights reserved.
// Use of this source code is governed by the Apache-2.0
// license that can be found in the LICENSE file.

package coordinator

import "testing"

func TestCompressionShardRangesCoverWholeFile(t *testing.T) {
	const blockSize = 1024
	for _, tc := range []struct {
		fileSize int64
		workers  int
	}{
		{0, 4},
		{1, 4},
		{blockSize, 4},
		{blockSize * 10, 3},
		{blockSize*10 + 7, 3},
		{blockSize*7 + 500, 8}, // more workers than full blocks
	} {
		ranges := CompressionShardRanges(tc.fileSize, blockSize, tc.workers)
		if len(ranges) != tc.workers {
			t.Fatalf("fileSize=%d workers=%d: got %d ranges", tc.fileSize, tc.workers, len(ranges))
		}
		var prevEnd int64
		for j, r := range ranges {
			if r.Start != prevEnd {
				t.Errorf("fileSize=%d workers=%d shard %d: start %d != previous end %d", tc.fileSize, tc.workers, j, r.Start, prevEnd)
			}
			if r.End < r.Start {
				t.Errorf("fileSize=%d workers=%d shard %d: end %d < start %d", tc.fileSize, tc.workers, j, r.End, r.Start)
			}
			prevEnd = r.End
		}
		if prevEnd != tc.fileSize {
			t.Errorf("fileSize=%d workers=%d: shards cover %d bytes, want %d", tc.fileSize, tc.workers, prevEnd, tc.fileSize)
		}
	}
}

func TestCompressionShardRangesFullBlocksOnlyExceptLast(t *testing.T) {
	const blockSize = 100
	ranges := CompressionShardRanges(10*blockSize+37, blockSize, 4)
	for j, r := range ranges[:len(ranges)-1] {
		if r.Len()%blockSize != 0 {
			t.Errorf("shard %d length %d is not a multiple of blockSize before the trailing partial block", j, r.Len())
		}
	}
}

func TestDecompressionSplitCoversAllBlocks(t *testing.T) {
	for _, tc := range []struct {
		blockCount, workers int
	}{
		{0, 4}, {1, 4}, {7, 3}, {100, 8}, {5, 5}, {5, 7},
	} {
		counts := DecompressionSplit(tc.blockCount, tc.workers)
		if len(counts) != tc.workers {
			t.Fatalf("blockCount=%d workers=%d: got %d counts", tc.blockCount, tc.workers, len(counts))
		}
		var total int
		for _, c := range counts {
			total += c
		}
		if total != tc.blockCount {
			t.Errorf("blockCount=%d workers=%d: counts sum to %d", tc.blockCount, tc.workers, total)
		}
		// The first blockCount mod workers entries take one extra block.
		rem := tc.blockCount % tc.workers
		for j, c := range counts {
			want := tc.blockCount / tc.workers
			if j < rem {
				want++
			}
			if c != want {
				t.Errorf("blockCount=%d workers=%d shard %d: got %d, want %d", tc.blockCount, tc.workers, j, c, want)
			}
		}
	}
}
