// Copyright 2020 Cosmos Nicolaou. All rights reserved.
// Use of this source code is governed by the Apache-2.0
// license that can be found in the LICENSE file.

// Package coordinator implements the rank-0 side of the inter-node
// split described in spec.md sections 4.F and 4.F': it shards one
// file's blocks across worker processes, drives the asynchronous
// sends and receives, and assembles the resulting container. Its
// counterpart, the per-worker receive loop, lives in
// github.com/cnlab/blockshard/internal/workershell.
package coordinator

import (
	"context"
	"encoding/binary"
	"fmt"

	"github.com/cnlab/blockshard"
	"github.com/cnlab/blockshard/internal/logging"
	"github.com/cnlab/blockshard/internal/transport"
)

// sizeVectorTag carries the broadcast file-size vector; it is sent
// once, before any per-file tags, so it is given a tag value outside
// the range any real file id will ever take (file ids are dense from
// 0, so this is reserved alongside transport.SentinelTag and
// transport.AnyTag at the top of the tag space).
const sizeVectorTag uint64 = ^uint64(0) - 2

// ByteRange is a half-open [Start, End) byte range within a file.
type ByteRange struct {
	Start int64
	End   int64
}

func (r ByteRange) Len() int64 { return r.End - r.Start }

// shardRankCount returns how many shards a file's blocks are split
// into: one per worker process, plus the coordinator itself when it
// participates (spec.md section 9's "workingMaster" supplement).
func shardRankCount(world int, participates bool) int {
	if participates {
		return world
	}
	return world - 1
}

// shardRank returns the transport rank that owns shard j.
func shardRank(j int, participates bool) int {
	if participates {
		return j
	}
	return j + 1
}

// CompressionShardRanges implements the shard boundary formula from
// spec.md section 4.F step 2: full blocks are split as evenly as
// possible across w shards, and the trailing partial block (if any)
// is appended to the last non-empty shard.
func CompressionShardRanges(fileSize, blockSize int64, w int) []ByteRange {
	fullBlocks := fileSize / blockSize
	bounds := make([]int64, w+1)
	for j := 0; j <= w; j++ {
		bounds[j] = fullBlocks * int64(j) / int64(w) * blockSize
	}
	ranges := make([]ByteRange, w)
	for j := 0; j < w; j++ {
		ranges[j] = ByteRange{Start: bounds[j], End: bounds[j+1]}
	}
	trailing := fileSize - fullBlocks*blockSize
	if trailing > 0 {
		last := w - 1
		for last > 0 && ranges[last].Start == ranges[last].End {
			last--
		}
		ranges[last].End += trailing
		for k := last + 1; k < w; k++ {
			ranges[k] = ByteRange{Start: ranges[last].End, End: ranges[last].End}
		}
	}
	return ranges
}

// DecompressionSplit implements the block-count division from spec.md
// section 4.F' step 2: the first block_count mod w workers each take
// one extra block.
func DecompressionSplit(blockCount, w int) []int {
	counts := make([]int, w)
	base := blockCount / w
	rem := blockCount % w
	for j := 0; j < w; j++ {
		counts[j] = base
		if j < rem {
			counts[j]++
		}
	}
	return counts
}

// Options configures a Coordinator.
type Options struct {
	BlockSize               int64
	CompressionLevel        int
	Concurrency             int
	CoordinatorParticipates bool
}

// Coordinator drives one job's shard/gather protocol over a transport.
type Coordinator struct {
	t    transport.Transport
	opts Options
}

// New creates a Coordinator bound to t.
func New(t transport.Transport, opts Options) *Coordinator {
	return &Coordinator{t: t, opts: opts}
}

func encodeSizeVector(sizes []int64) []byte {
	buf := make([]byte, 8*(1+len(sizes)))
	binary.LittleEndian.PutUint64(buf[0:], uint64(len(sizes)))
	for i, s := range sizes {
		binary.LittleEndian.PutUint64(buf[8*(i+1):], uint64(s))
	}
	return buf
}

// BroadcastFileSizes sends the enumerated file-size vector to every
// worker process, per spec.md section 4.F step 1 / 4.F' step 1.
func (c *Coordinator) BroadcastFileSizes(sizes []int64) error {
	buf := encodeSizeVector(sizes)
	world := c.t.WorldSize()
	ops := make([]transport.SendOp, 0, world-1)
	for r := 1; r < world; r++ {
		ops = append(ops, c.t.ISend(r, sizeVectorTag, buf))
	}
	for _, op := range ops {
		if err := op.Wait(); err != nil {
			return fmt.Errorf("broadcast file sizes: %w", err)
		}
	}
	return nil
}

// EndJob sends the end-of-job sentinel to every worker process, per
// spec.md section 4.F step 6.
func (c *Coordinator) EndJob() error {
	world := c.t.WorldSize()
	ops := make([]transport.SendOp, 0, world-1)
	for r := 1; r < world; r++ {
		ops = append(ops, c.t.ISend(r, transport.SentinelTag, nil))
	}
	for _, op := range ops {
		if err := op.Wait(); err != nil {
			return fmt.Errorf("send end-of-job sentinel: %w", err)
		}
	}
	return nil
}

// encodeLengthIndex encodes the decompression length-index message
// from spec.md section 4.G: a block count followed by that many
// block-length words, with no trailing payload. It is always followed
// on the wire by a second message carrying exactly
// sum(blockLens) bytes of compressed payload; the worker shell tells
// the two kinds apart by protocol position, not by content, per the
// framing design note in spec.md section 9.
func encodeLengthIndex(blockLens []int64) []byte {
	buf := make([]byte, 8*(1+len(blockLens)))
	binary.LittleEndian.PutUint64(buf[0:], uint64(len(blockLens)))
	for i, l := range blockLens {
		binary.LittleEndian.PutUint64(buf[8*(i+1):], uint64(l))
	}
	return buf
}

// replyStatusOK/replyStatusError must match workershell's
// encodeSuccessReply/encodeFailureReply exactly: every reply a worker
// sends back is wrapped in this status envelope so that a single
// shard's codec failure surfaces as that file's error rather than the
// worker dying and, via the shared transport inbox, taking every other
// in-flight file down with it.
const (
	replyStatusOK    uint64 = 0
	replyStatusError uint64 = 1
)

// decodeReplyBody strips a worker reply's status envelope, returning
// an error (built from the worker's reported failure message) if the
// shard failed instead of succeeding.
func decodeReplyBody(buf []byte) ([]byte, error) {
	if len(buf) < 8 {
		return nil, fmt.Errorf("reply envelope too short: %d bytes", len(buf))
	}
	status := binary.LittleEndian.Uint64(buf[0:])
	switch status {
	case replyStatusOK:
		return buf[8:], nil
	case replyStatusError:
		return nil, fmt.Errorf("worker reported failure: %s", buf[8:])
	default:
		return nil, fmt.Errorf("reply envelope has unknown status %d", status)
	}
}

// decodeShardReply parses the per-shard compression reply body
// described in spec.md section 4.F step 4 (after decodeReplyBody has
// stripped the status envelope): a block count, that many
// block-length words, then the concatenated compressed payloads. See
// workershell.encodeShardReply for the encoding side.
func decodeShardReply(buf []byte) (blockLens []int64, payload []byte, err error) {
	if len(buf) < 8 {
		return nil, nil, fmt.Errorf("shard reply too short: %d bytes", len(buf))
	}
	n := binary.LittleEndian.Uint64(buf[0:])
	headerLen := 8 * (1 + int(n))
	if len(buf) < headerLen {
		return nil, nil, fmt.Errorf("shard reply header truncated: have %d bytes, want %d", len(buf), headerLen)
	}
	blockLens = make([]int64, n)
	for i := range blockLens {
		blockLens[i] = int64(binary.LittleEndian.Uint64(buf[8*(i+1):]))
	}
	return blockLens, buf[headerLen:], nil
}

// CompressFile shards fileData (the memory-mapped contents of one
// file) across worker processes, gathers their compressed replies,
// and returns the finished container bytes (header plus payload, per
// container.go). fileID is used as the message tag for this file.
func (c *Coordinator) CompressFile(ctx context.Context, fileID int, fileData []byte) ([]byte, error) {
	world := c.t.WorldSize()
	numShards := shardRankCount(world, c.opts.CoordinatorParticipates)
	if numShards <= 0 {
		return nil, fmt.Errorf("coordinator: no workers available for file %d", fileID)
	}
	ranges := CompressionShardRanges(int64(len(fileData)), c.opts.BlockSize, numShards)

	type reply struct {
		blockLens []int64
		payload   []byte
	}
	replies := make([]reply, numShards)

	sendOps := make([]transport.SendOp, 0, numShards)
	recvOps := make([]transport.RecvOp, 0, numShards)
	recvIdx := make([]int, 0, numShards)

	var localPipeline *blockshard.Pipeline
	for j, rng := range ranges {
		if rng.Len() == 0 {
			continue
		}
		rank := shardRank(j, c.opts.CoordinatorParticipates)
		if c.opts.CoordinatorParticipates && rank == 0 {
			if localPipeline == nil {
				localPipeline = blockshard.NewPipeline(ctx, blockshard.Compress,
					blockshard.Concurrency(c.opts.Concurrency),
					blockshard.CompressionLevel(c.opts.CompressionLevel))
			}
			localPipeline.SubmitCompress(j, fileData[rng.Start:rng.End], c.opts.BlockSize)
			res := <-localPipeline.Results()
			if res.Err != nil {
				return nil, res.Err
			}
			replies[j] = reply{blockLens: res.BlockLens, payload: res.Payload}
			continue
		}
		logging.Tracef(1, "coordinator: sending shard %d of file %d to rank %d (%d bytes)", j, fileID, rank, rng.Len())
		sendOps = append(sendOps, c.t.ISend(rank, uint64(fileID), fileData[rng.Start:rng.End]))
		recvOps = append(recvOps, c.t.IRecv(rank, uint64(fileID)))
		recvIdx = append(recvIdx, j)
	}
	if localPipeline != nil {
		localPipeline.Finish()
	}
	for _, op := range sendOps {
		if err := op.Wait(); err != nil {
			return nil, fmt.Errorf("send shard of file %d: %w", fileID, err)
		}
	}
	for k, op := range recvOps {
		payload, _, err := op.Wait()
		if err != nil {
			return nil, fmt.Errorf("receive shard reply for file %d: %w", fileID, err)
		}
		body, err := decodeReplyBody(payload)
		if err != nil {
			return nil, fmt.Errorf("shard %d of file %d: %w", recvIdx[k], fileID, err)
		}
		blockLens, shardPayload, err := decodeShardReply(body)
		if err != nil {
			return nil, fmt.Errorf("decode shard reply for file %d: %w", fileID, err)
		}
		replies[recvIdx[k]] = reply{blockLens: blockLens, payload: shardPayload}
	}

	var allLens []int64
	var totalPayload int64
	for _, r := range replies {
		allLens = append(allLens, r.blockLens...)
		totalPayload += int64(len(r.payload))
	}
	header, err := blockshard.EncodeHeader(int64(len(fileData)), allLens)
	if err != nil {
		return nil, err
	}
	out := make([]byte, 0, int64(len(header))+totalPayload)
	out = append(out, header...)
	for _, r := range replies {
		out = append(out, r.payload...)
	}
	return out, nil
}

// DecompressFile reverses CompressFile: given a file's decoded
// container header and its compressed payload bytes, it splits the
// block-length index across worker processes per spec.md section
// 4.F' step 2, gathers their decompressed byte ranges, and returns the
// reconstructed file contents trimmed to uncompressed_size.
func (c *Coordinator) DecompressFile(ctx context.Context, fileID int, h blockshard.Header, payload []byte) ([]byte, error) {
	world := c.t.WorldSize()
	numShards := shardRankCount(world, c.opts.CoordinatorParticipates)
	if numShards <= 0 {
		return nil, fmt.Errorf("coordinator: no workers available for file %d", fileID)
	}
	counts := DecompressionSplit(h.BlockCount, numShards)

	out := make([]byte, int64(h.BlockCount)*c.opts.BlockSize)

	type slice struct {
		blockStart int
		blockLens  []int64
	}
	slices := make([]slice, numShards)
	blockOff := 0
	for j, n := range counts {
		lens := h.BlockLens[blockOff : blockOff+n]
		slices[j] = slice{blockStart: blockOff, blockLens: lens}
		blockOff += n
	}

	type pending struct {
		blockStart int
	}
	var localPipeline *blockshard.Pipeline
	sendOps := make([]transport.SendOp, 0, numShards)
	recvOps := make([]transport.RecvOp, 0, numShards)
	recvMeta := make([]pending, 0, numShards)

	var payloadOff int64
	for j, n := range counts {
		lens := slices[j].blockLens
		var shardBytes int64
		for _, l := range lens {
			shardBytes += l
		}
		shardPayload := payload[payloadOff : payloadOff+shardBytes]
		payloadOff += shardBytes
		if n == 0 {
			continue
		}
		rank := shardRank(j, c.opts.CoordinatorParticipates)
		if c.opts.CoordinatorParticipates && rank == 0 {
			if localPipeline == nil {
				localPipeline = blockshard.NewPipeline(ctx, blockshard.Decompress,
					blockshard.Concurrency(c.opts.Concurrency))
			}
			expected := make([]int, n)
			for i := range expected {
				expected[i] = int(c.opts.BlockSize)
			}
			localPipeline.SubmitDecompress(j, shardPayload, lens, expected)
			res := <-localPipeline.Results()
			if res.Err != nil {
				return nil, res.Err
			}
			copy(out[int64(slices[j].blockStart)*c.opts.BlockSize:], res.Payload)
			continue
		}
		sendOps = append(sendOps, c.t.ISend(rank, uint64(fileID), encodeLengthIndex(lens)))
		sendOps = append(sendOps, c.t.ISend(rank, uint64(fileID), shardPayload))
		recvOps = append(recvOps, c.t.IRecv(rank, uint64(fileID)))
		recvMeta = append(recvMeta, pending{blockStart: slices[j].blockStart})
	}
	if localPipeline != nil {
		localPipeline.Finish()
	}
	for _, op := range sendOps {
		if err := op.Wait(); err != nil {
			return nil, fmt.Errorf("send decompression slice for file %d: %w", fileID, err)
		}
	}
	for k, op := range recvOps {
		data, _, err := op.Wait()
		if err != nil {
			return nil, fmt.Errorf("receive decompressed slice for file %d: %w", fileID, err)
		}
		body, err := decodeReplyBody(data)
		if err != nil {
			return nil, fmt.Errorf("decompression slice %d of file %d: %w", k, fileID, err)
		}
		meta := recvMeta[k]
		copy(out[int64(meta.blockStart)*c.opts.BlockSize:], body)
	}

	if int64(len(out)) > h.UncompressedSize {
		out = out[:h.UncompressedSize]
	}
	return out, nil
}
