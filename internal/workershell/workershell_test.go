// Copyright 2020 Cosmos Nicolaou. All rights reserved.
// Use of this source code is governed by the Apache-2.0
// license that can be found in the LICENSE file.

package workershell

import (
	"bytes"
	"context"
	"encoding/binary"
	"math/rand"
	"net"
	"testing"
	"time"

	"github.com/cnlab/blockshard"
	"github.com/cnlab/blockshard/internal/transport"
)

// encodeLengthIndex mirrors coordinator.encodeLengthIndex's wire
// format exactly, so this test can stand in for the coordinator side
// of the protocol without importing that package (which would create
// an import cycle back through blockshard's cmd wiring in spirit, even
// though not in fact; keeping workershell's tests self-contained
// mirrors how the coordinator package tests itself without a live
// worker shell).
func encodeLengthIndex(lens []int64) []byte {
	buf := make([]byte, 8*(1+len(lens)))
	binary.LittleEndian.PutUint64(buf[0:], uint64(len(lens)))
	for i, l := range lens {
		binary.LittleEndian.PutUint64(buf[8*(i+1):], uint64(l))
	}
	return buf
}

// decodeReplyBody mirrors coordinator.decodeReplyBody's status
// envelope exactly: every reply a shell sends is prefixed with an
// 8-byte status word, 0 for success.
func decodeReplyBody(buf []byte) (ok bool, body []byte) {
	status := binary.LittleEndian.Uint64(buf[0:])
	return status == 0, buf[8:]
}

func decodeShardReply(buf []byte) (lens []int64, payload []byte) {
	n := binary.LittleEndian.Uint64(buf[0:])
	lens = make([]int64, n)
	for i := range lens {
		lens[i] = int64(binary.LittleEndian.Uint64(buf[8*(i+1):]))
	}
	return lens, buf[8*(1+int(n)):]
}

func newLoopbackPair(t *testing.T) (transport.Transport, transport.Transport) {
	t.Helper()
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatal(err)
	}
	addr := ln.Addr().String()
	ln.Close()

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	t.Cleanup(cancel)

	type result struct {
		tr  transport.Transport
		err error
	}
	coordCh := make(chan result, 1)
	go func() {
		tr, _, err := transport.ListenCoordinator(ctx, addr, 1)
		coordCh <- result{tr, err}
	}()
	workerCh := make(chan result, 1)
	go func() {
		tr, err := transport.DialWorker(ctx, addr, 1, 2)
		workerCh <- result{tr, err}
	}()

	cr := <-coordCh
	if cr.err != nil {
		t.Fatalf("ListenCoordinator: %v", cr.err)
	}
	wr := <-workerCh
	if wr.err != nil {
		t.Fatalf("DialWorker: %v", wr.err)
	}
	return cr.tr, wr.tr
}

func TestShellCompressionShardRoundTrip(t *testing.T) {
	coord, worker := newLoopbackPair(t)
	defer coord.Close()
	defer worker.Close()

	shell := New(worker, Options{BlockSize: 1024, CompressionLevel: blockshard.DefaultCompressionLevel, Concurrency: 2})

	errCh := make(chan error, 1)
	go func() { errCh <- shell.Run(context.Background(), blockshard.Compress) }()

	r := rand.New(rand.NewSource(9))
	data := make([]byte, 3000)
	r.Read(data)

	const fileID = 5
	if err := coord.ISend(1, fileID, data).Wait(); err != nil {
		t.Fatalf("send shard: %v", err)
	}
	reply, _, err := coord.IRecv(1, fileID).Wait()
	if err != nil {
		t.Fatalf("receive reply: %v", err)
	}
	ok, body := decodeReplyBody(reply)
	if !ok {
		t.Fatalf("shard reply reported failure: %s", body)
	}
	lens, payload := decodeShardReply(body)
	if len(lens) != blockshard.BlockCount(int64(len(data)), 1024) {
		t.Fatalf("got %d block lens, want %d", len(lens), blockshard.BlockCount(int64(len(data)), 1024))
	}
	var totalLen int64
	for _, l := range lens {
		totalLen += l
	}
	if int64(len(payload)) != totalLen {
		t.Fatalf("payload length %d != sum of block lens %d", len(payload), totalLen)
	}

	if err := coord.ISend(1, transport.SentinelTag, nil).Wait(); err != nil {
		t.Fatalf("send sentinel: %v", err)
	}
	select {
	case err := <-errCh:
		if err != nil {
			t.Fatalf("Run returned error: %v", err)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("Run did not exit after sentinel")
	}
}

func TestShellDecompressionTwoMessageFraming(t *testing.T) {
	coord, worker := newLoopbackPair(t)
	defer coord.Close()
	defer worker.Close()

	const blockSize = 512
	shell := New(worker, Options{BlockSize: blockSize, Concurrency: 2})

	errCh := make(chan error, 1)
	go func() { errCh <- shell.Run(context.Background(), blockshard.Decompress) }()

	block := make([]byte, blockSize)
	rand.New(rand.NewSource(11)).Read(block)
	compressed, err := blockshard.CompressBlock(block, blockshard.DefaultCompressionLevel)
	if err != nil {
		t.Fatal(err)
	}

	const fileID = 9
	if err := coord.ISend(1, fileID, encodeLengthIndex([]int64{int64(len(compressed))})).Wait(); err != nil {
		t.Fatalf("send length index: %v", err)
	}
	if err := coord.ISend(1, fileID, compressed).Wait(); err != nil {
		t.Fatalf("send payload: %v", err)
	}

	reply, _, err := coord.IRecv(1, fileID).Wait()
	if err != nil {
		t.Fatalf("receive decompressed slice: %v", err)
	}
	ok, got := decodeReplyBody(reply)
	if !ok {
		t.Fatalf("decompression reply reported failure: %s", got)
	}
	if !bytes.Equal(got, block) {
		t.Fatalf("decompressed slice mismatch")
	}

	if err := coord.ISend(1, transport.SentinelTag, nil).Wait(); err != nil {
		t.Fatalf("send sentinel: %v", err)
	}
	select {
	case err := <-errCh:
		if err != nil {
			t.Fatalf("Run returned error: %v", err)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("Run did not exit after sentinel")
	}
}

// TestShellDecompressionCodecFailureContinues verifies that a garbage
// compressed payload for one file is reported back as that file's own
// failure reply rather than killing the worker process: a second,
// valid file sent afterward on the same shell must still round-trip.
func TestShellDecompressionCodecFailureContinues(t *testing.T) {
	coord, worker := newLoopbackPair(t)
	defer coord.Close()
	defer worker.Close()

	const blockSize = 512
	shell := New(worker, Options{BlockSize: blockSize, Concurrency: 2})

	errCh := make(chan error, 1)
	go func() { errCh <- shell.Run(context.Background(), blockshard.Decompress) }()

	const badFileID = 21
	garbage := bytes.Repeat([]byte{0xff}, 32)
	if err := coord.ISend(1, badFileID, encodeLengthIndex([]int64{int64(len(garbage))})).Wait(); err != nil {
		t.Fatalf("send length index: %v", err)
	}
	if err := coord.ISend(1, badFileID, garbage).Wait(); err != nil {
		t.Fatalf("send payload: %v", err)
	}
	badReply, _, err := coord.IRecv(1, badFileID).Wait()
	if err != nil {
		t.Fatalf("receive failure reply: %v", err)
	}
	if ok, body := decodeReplyBody(badReply); ok {
		t.Fatalf("expected failure reply for corrupt payload, got success body of %d bytes", len(body))
	}

	const goodFileID = 22
	block := make([]byte, blockSize)
	rand.New(rand.NewSource(13)).Read(block)
	compressed, err := blockshard.CompressBlock(block, blockshard.DefaultCompressionLevel)
	if err != nil {
		t.Fatal(err)
	}
	if err := coord.ISend(1, goodFileID, encodeLengthIndex([]int64{int64(len(compressed))})).Wait(); err != nil {
		t.Fatalf("send length index: %v", err)
	}
	if err := coord.ISend(1, goodFileID, compressed).Wait(); err != nil {
		t.Fatalf("send payload: %v", err)
	}
	goodReply, _, err := coord.IRecv(1, goodFileID).Wait()
	if err != nil {
		t.Fatalf("receive decompressed slice: %v", err)
	}
	ok, got := decodeReplyBody(goodReply)
	if !ok {
		t.Fatalf("decompression reply reported failure: %s", got)
	}
	if !bytes.Equal(got, block) {
		t.Fatalf("decompressed slice mismatch after a preceding failure")
	}

	if err := coord.ISend(1, transport.SentinelTag, nil).Wait(); err != nil {
		t.Fatalf("send sentinel: %v", err)
	}
	select {
	case err := <-errCh:
		if err != nil {
			t.Fatalf("Run returned error: %v", err)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("Run did not exit after sentinel")
	}
}

func TestReceiveFileSizes(t *testing.T) {
	coord, worker := newLoopbackPair(t)
	defer coord.Close()
	defer worker.Close()

	sizes := []int64{100, 0, 999999}
	buf := make([]byte, 8*(1+len(sizes)))
	binary.LittleEndian.PutUint64(buf[0:], uint64(len(sizes)))
	for i, s := range sizes {
		binary.LittleEndian.PutUint64(buf[8*(i+1):], uint64(s))
	}

	const sizeVectorTag = ^uint64(0) - 2
	if err := coord.ISend(1, sizeVectorTag, buf).Wait(); err != nil {
		t.Fatalf("send size vector: %v", err)
	}
	got, err := ReceiveFileSizes(worker)
	if err != nil {
		t.Fatalf("ReceiveFileSizes: %v", err)
	}
	if len(got) != len(sizes) {
		t.Fatalf("got %d sizes, want %d", len(got), len(sizes))
	}
	for i := range sizes {
		if got[i] != sizes[i] {
			t.Errorf("size %d: got %d, want %d", i, got[i], sizes[i])
		}
	}
}
