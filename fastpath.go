// Copyright 2020 Cosmos Nicolaou. All rights reserved.
// Use of this source code is governed by the Apache-2.0
// license that can be found in the LICENSE file.

package blockshard

import "fmt"

// CompressSmall compresses data that is at most one block in size
// synchronously, on the calling goroutine, using the same container
// format as the parallel path (block_count = 1). It exists because for
// small inputs the cost of crossing the pipeline exceeds the cost of a
// single codec call, per spec.md section 4.E.
func CompressSmall(data []byte, level int) ([]byte, error) {
	if len(data) == 0 {
		return EncodeHeader(0, nil)
	}
	compressed, err := CompressBlock(data, level)
	if err != nil {
		return nil, err
	}
	header, err := EncodeHeader(int64(len(data)), []int64{int64(len(compressed))})
	if err != nil {
		return nil, err
	}
	return append(header, compressed...), nil
}

// DecompressSmall reverses CompressSmall: it decodes the container
// header from container and returns the original bytes.
func DecompressSmall(container []byte) ([]byte, error) {
	h, err := DecodeHeader(container)
	if err != nil {
		return nil, err
	}
	if h.UncompressedSize == 0 {
		return nil, nil
	}
	if h.BlockCount != 1 {
		return nil, newError(MalformedHeader, "", fmt.Errorf("small-file container has block_count=%d, want 1", h.BlockCount))
	}
	payload := container[h.PayloadOffset:]
	if int64(len(payload)) < h.BlockLens[0] {
		return nil, newError(MalformedHeader, "", fmt.Errorf("payload truncated: have %d bytes, need %d", len(payload), h.BlockLens[0]))
	}
	dst := make([]byte, h.UncompressedSize)
	n, err := DecompressBlock(dst, payload[:h.BlockLens[0]], int(h.UncompressedSize))
	if err != nil {
		return nil, err
	}
	return dst[:n], nil
}
