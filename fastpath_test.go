// Copyright 2020 Cosmos Nicolaou. All rights reserved.
// Use of this source code is governed by the Apache-2.0
// license that can be found in the LICENSE file.

package blockshard

import (
	"bytes"
	"math/rand"
	"testing"
)

func TestSmallFileRoundTrip(t *testing.T) {
	r := rand.New(rand.NewSource(2))
	for _, size := range []int{0, 1, 10, 4096} {
		data := make([]byte, size)
		r.Read(data)
		container, err := CompressSmall(data, DefaultCompressionLevel)
		if err != nil {
			t.Fatalf("size %d: CompressSmall: %v", size, err)
		}
		h, err := DecodeHeader(container)
		if err != nil {
			t.Fatalf("size %d: DecodeHeader: %v", size, err)
		}
		if size == 0 {
			if h.BlockCount != 0 {
				t.Errorf("empty file should have block_count 0, got %d", h.BlockCount)
			}
		} else if h.BlockCount != 1 {
			t.Errorf("size %d: block_count = %d, want 1", size, h.BlockCount)
		}
		got, err := DecompressSmall(container)
		if err != nil {
			t.Fatalf("size %d: DecompressSmall: %v", size, err)
		}
		if !bytes.Equal(got, data) {
			t.Fatalf("size %d: round trip mismatch", size)
		}
	}
}

func TestDecompressSmallRejectsWrongBlockCount(t *testing.T) {
	// Build a container whose header claims 2 blocks and feed it to
	// DecompressSmall, which only accepts block_count == 1.
	buf, err := EncodeHeader(10, []int64{5, 5})
	if err != nil {
		t.Fatal(err)
	}
	buf = append(buf, make([]byte, 10)...)
	if _, err := DecompressSmall(buf); err == nil {
		t.Fatal("expected error for block_count != 1")
	}
}
