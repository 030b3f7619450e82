// Copyright 2020 Cosmos Nicolaou. All rights reserved.
// Use of this source code is governed by the Apache-2.0
// license that can be found in the LICENSE file.

// Package workershell implements the per-process receive loop
// described in spec.md section 4.G: each worker process receives
// shards from the coordinator, drives the intra-node pipeline on
// them, and sends the results back.
package workershell

import (
	"context"
	"encoding/binary"
	"fmt"

	"github.com/cnlab/blockshard"
	"github.com/cnlab/blockshard/internal/logging"
	"github.com/cnlab/blockshard/internal/transport"
)

const coordinatorRank = 0

// sizeVectorTag must match coordinator.sizeVectorTag; see that
// constant's comment for why it is reserved rather than 0.
const sizeVectorTag uint64 = ^uint64(0) - 2

// ReceiveFileSizes blocks for the coordinator's broadcast file-size
// vector (spec.md section 4.G step 1) and returns it.
func ReceiveFileSizes(t transport.Transport) ([]int64, error) {
	data, _, err := t.IRecv(coordinatorRank, sizeVectorTag).Wait()
	if err != nil {
		return nil, fmt.Errorf("receive file-size vector: %w", err)
	}
	if len(data) < 8 {
		return nil, fmt.Errorf("file-size vector truncated: %d bytes", len(data))
	}
	n := binary.LittleEndian.Uint64(data[0:])
	if uint64(len(data)) < 8*(1+n) {
		return nil, fmt.Errorf("file-size vector truncated: have %d bytes, want %d", len(data), 8*(1+n))
	}
	sizes := make([]int64, n)
	for i := range sizes {
		sizes[i] = int64(binary.LittleEndian.Uint64(data[8*(i+1):]))
	}
	return sizes, nil
}

func encodeShardReply(blockLens []int64, payload []byte) []byte {
	buf := make([]byte, 8*(1+len(blockLens))+len(payload))
	binary.LittleEndian.PutUint64(buf[0:], uint64(len(blockLens)))
	for i, l := range blockLens {
		binary.LittleEndian.PutUint64(buf[8*(i+1):], uint64(l))
	}
	copy(buf[8*(1+len(blockLens)):], payload)
	return buf
}

// replyStatusOK/replyStatusError tag every reply this shell sends back
// to the coordinator with whether the shard succeeded, so a single
// block's CodecFailed can be reported as that one file's failure
// instead of the worker process exiting; coordinator.decodeReplyBody
// must match this envelope exactly.
const (
	replyStatusOK    uint64 = 0
	replyStatusError uint64 = 1
)

func encodeSuccessReply(body []byte) []byte {
	buf := make([]byte, 8+len(body))
	binary.LittleEndian.PutUint64(buf[0:], replyStatusOK)
	copy(buf[8:], body)
	return buf
}

func encodeFailureReply(cause error) []byte {
	msg := []byte(cause.Error())
	buf := make([]byte, 8+len(msg))
	binary.LittleEndian.PutUint64(buf[0:], replyStatusError)
	copy(buf[8:], msg)
	return buf
}

// decodeLengthIndex parses the length-only message described by
// encodeLengthIndex in the coordinator package: a block count
// followed by that many block-length words, nothing else.
func decodeLengthIndex(buf []byte) ([]int64, error) {
	if len(buf) < 8 {
		return nil, fmt.Errorf("length index too short: %d bytes", len(buf))
	}
	n := binary.LittleEndian.Uint64(buf[0:])
	want := 8 * (1 + int(n))
	if len(buf) != want {
		return nil, fmt.Errorf("length index has %d bytes, want %d", len(buf), want)
	}
	lens := make([]int64, n)
	for i := range lens {
		lens[i] = int64(binary.LittleEndian.Uint64(buf[8*(i+1):]))
	}
	return lens, nil
}

// Options configures a Shell.
type Options struct {
	BlockSize        int64
	CompressionLevel int
	Concurrency      int
}

// Shell runs one worker process's receive loop against a Transport,
// per spec.md section 4.G.
type Shell struct {
	t    transport.Transport
	opts Options

	// pendingBlockLens holds the decompression length-index message
	// for a file once received, keyed by file id (tag), until its
	// matching payload message arrives. Per spec.md section 9's design
	// note, which message kind is next expected is tracked explicitly
	// rather than inferred from the bytes themselves.
	pendingBlockLens map[uint64][]int64
}

// New creates a Shell bound to t.
func New(t transport.Transport, opts Options) *Shell {
	return &Shell{t: t, opts: opts, pendingBlockLens: make(map[uint64][]int64)}
}

// Run drives the probe loop from spec.md section 4.G step 2 until the
// end-of-job sentinel arrives. mode selects whether incoming shard
// tags are treated as compression shards or decompression slices; a
// single worker process only ever runs one mode for the duration of a
// job, per the coordinator/worker-shell protocol split in section 4.F.
func (s *Shell) Run(ctx context.Context, mode blockshard.Mode) error {
	for {
		env, err := s.t.Probe(coordinatorRank, transport.AnyTag)
		if err != nil {
			return fmt.Errorf("probe: %w", err)
		}
		if env.Tag == transport.SentinelTag {
			s.t.IRecv(coordinatorRank, transport.SentinelTag).Wait()
			return nil
		}
		if mode == blockshard.Compress {
			if err := s.handleCompressionShard(ctx, env.Tag); err != nil {
				return err
			}
			continue
		}
		if err := s.handleDecompressionMessage(ctx, env.Tag); err != nil {
			return err
		}
	}
}

// handleCompressionShard runs one file's shard through the codec and
// replies with its result. A codec failure on this shard is reported
// to the coordinator as this file's failure (encodeFailureReply) and
// the probe loop keeps running, so one bad block only fails the file
// it belongs to rather than terminating the worker process and, via
// the shared inbox's close-on-disconnect, every other file currently
// in flight on other workers.
func (s *Shell) handleCompressionShard(ctx context.Context, fileID uint64) error {
	data, _, err := s.t.IRecv(coordinatorRank, fileID).Wait()
	if err != nil {
		return fmt.Errorf("receive shard for file %d: %w", fileID, err)
	}
	logging.Tracef(1, "worker: received shard for file %d (%d bytes)", fileID, len(data))
	pipe := blockshard.NewPipeline(ctx, blockshard.Compress,
		blockshard.Concurrency(s.opts.Concurrency),
		blockshard.CompressionLevel(s.opts.CompressionLevel))
	pipe.SubmitCompress(0, data, s.opts.BlockSize)
	res := <-pipe.Results()
	pipe.Finish()
	if res.Err != nil {
		logging.Tracef(0, "worker: shard for file %d failed: %v", fileID, res.Err)
		return s.t.ISend(coordinatorRank, fileID, encodeFailureReply(res.Err)).Wait()
	}
	reply := encodeSuccessReply(encodeShardReply(res.BlockLens, res.Payload))
	return s.t.ISend(coordinatorRank, fileID, reply).Wait()
}

// handleDecompressionMessage implements spec.md section 4.G's
// decompression tag handling: the first message for a file carries
// its block-length sub-index (recognized because no length index is
// yet pending for that file id), the second carries the compressed
// payload those lengths describe. As in handleCompressionShard, a
// codec failure on the decompressed slice is reported back as this
// file's failure rather than returned up through Run.
func (s *Shell) handleDecompressionMessage(ctx context.Context, fileID uint64) error {
	data, _, err := s.t.IRecv(coordinatorRank, fileID).Wait()
	if err != nil {
		return fmt.Errorf("receive decompression message for file %d: %w", fileID, err)
	}

	lens, pending := s.pendingBlockLens[fileID]
	if !pending {
		// No length index is pending for this file yet, so this
		// message must be it; stash it and wait for the payload
		// message that follows on the same (source, tag) channel.
		idx, err := decodeLengthIndex(data)
		if err != nil {
			return fmt.Errorf("decode length index for file %d: %w", fileID, err)
		}
		s.pendingBlockLens[fileID] = idx
		return nil
	}
	delete(s.pendingBlockLens, fileID)

	expected := make([]int, len(lens))
	for i := range expected {
		expected[i] = int(s.opts.BlockSize)
	}
	pipe := blockshard.NewPipeline(ctx, blockshard.Decompress, blockshard.Concurrency(s.opts.Concurrency))
	pipe.SubmitDecompress(0, data, lens, expected)
	res := <-pipe.Results()
	pipe.Finish()
	if res.Err != nil {
		logging.Tracef(0, "worker: decompression slice for file %d failed: %v", fileID, res.Err)
		return s.t.ISend(coordinatorRank, fileID, encodeFailureReply(res.Err)).Wait()
	}
	return s.t.ISend(coordinatorRank, fileID, encodeSuccessReply(res.Payload)).Wait()
}
