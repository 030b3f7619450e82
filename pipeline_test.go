// Copyright 2020 Cosmos Nicolaou. All rights reserved.
// Use of this source code is governed by the Apache-2.0
// license that can be found in the LICENSE file.

package blockshard

import (
	"bytes"
	"context"
	"math/rand"
	"testing"
)

func compressWithConcurrency(t *testing.T, data []byte, blockSize int64, concurrency int) ([]byte, []int64) {
	t.Helper()
	ctx := context.Background()
	pipe := NewPipeline(ctx, Compress, Concurrency(concurrency), BlockSize(blockSize), CompressionLevel(DefaultCompressionLevel))
	pipe.SubmitCompress(0, data, blockSize)
	res := <-pipe.Results()
	pipe.Finish()
	if res.Err != nil {
		t.Fatalf("compress: %v", res.Err)
	}
	return res.Payload, res.BlockLens
}

func decompressWithConcurrency(t *testing.T, payload []byte, blockLens []int64, blockSize int64, concurrency int) []byte {
	t.Helper()
	ctx := context.Background()
	expected := make([]int, len(blockLens))
	for i := range expected {
		expected[i] = int(blockSize)
	}
	pipe := NewPipeline(ctx, Decompress, Concurrency(concurrency))
	pipe.SubmitDecompress(0, payload, blockLens, expected)
	res := <-pipe.Results()
	pipe.Finish()
	if res.Err != nil {
		t.Fatalf("decompress: %v", res.Err)
	}
	return res.Payload
}

func TestPipelineRoundTripBoundarySizes(t *testing.T) {
	const B = 4096
	r := rand.New(rand.NewSource(3))
	for _, size := range []int64{0, 1, B - 1, B, B + 1, 2 * B, 2*B - 1, 100 * B} {
		data := make([]byte, size)
		r.Read(data)
		payload, lens := compressWithConcurrency(t, data, B, 4)
		if got := BlockCount(size, B); got != len(lens) {
			t.Fatalf("size %d: got %d block lens, want %d", size, len(lens), got)
		}
		if len(lens) == 0 {
			continue
		}
		got := decompressWithConcurrency(t, payload, lens, B, 4)
		// The last block's expected length may be shorter than B; trim
		// to the true uncompressed size before comparing, mirroring how
		// job.go trims against the container header's uncompressed_size.
		if int64(len(got)) > size {
			got = got[:size]
		}
		if !bytes.Equal(got, data) {
			t.Fatalf("size %d: round trip mismatch", size)
		}
	}
}

func TestPipelineIndependenceOfParallelism(t *testing.T) {
	const B = 4096
	r := rand.New(rand.NewSource(4))
	data := make([]byte, 50*B+123)
	r.Read(data)

	basePayload, baseLens := compressWithConcurrency(t, data, B, 1)
	for _, k := range []int{2, 4, 8} {
		payload, lens := compressWithConcurrency(t, data, B, k)
		if !bytes.Equal(payload, basePayload) {
			t.Errorf("concurrency %d: payload differs from concurrency 1", k)
		}
		if len(lens) != len(baseLens) {
			t.Fatalf("concurrency %d: got %d block lens, want %d", k, len(lens), len(baseLens))
		}
		for i := range lens {
			if lens[i] != baseLens[i] {
				t.Errorf("concurrency %d: block %d length %d != %d", k, i, lens[i], baseLens[i])
			}
		}
	}
}

func TestPipelineDeterminism(t *testing.T) {
	const B = 2048
	r := rand.New(rand.NewSource(5))
	data := make([]byte, 10*B)
	r.Read(data)
	p1, l1 := compressWithConcurrency(t, data, B, 4)
	p2, l2 := compressWithConcurrency(t, data, B, 4)
	if !bytes.Equal(p1, p2) {
		t.Error("two runs with the same concurrency produced different payloads")
	}
	for i := range l1 {
		if l1[i] != l2[i] {
			t.Errorf("block %d length differs across runs: %d vs %d", i, l1[i], l2[i])
		}
	}
}

func TestPipelineMultipleShardsIndependentFailure(t *testing.T) {
	const B = 1024
	ctx := context.Background()
	pipe := NewPipeline(ctx, Decompress, Concurrency(2))

	good := make([]byte, B)
	compressed, err := CompressBlock(good, DefaultCompressionLevel)
	if err != nil {
		t.Fatal(err)
	}

	pipe.SubmitDecompress(0, compressed, []int64{int64(len(compressed))}, []int{B})
	pipe.SubmitDecompress(1, []byte("not a valid deflate stream"), []int64{26}, []int{B})

	results := map[int]ShardResult{}
	for i := 0; i < 2; i++ {
		r := <-pipe.Results()
		results[r.ShardID] = r
	}
	pipe.Finish()

	if results[0].Err != nil {
		t.Errorf("shard 0 should have succeeded, got %v", results[0].Err)
	}
	if results[1].Err == nil {
		t.Errorf("shard 1 should have failed")
	}
}
