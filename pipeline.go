// Copyright 2020 Cosmos Nicolaou. All rights reserved.
// Use of this source code is governed by the Apache-2.0
// license that can be found in the LICENSE file.

package blockshard

import (
	"context"
	"runtime"
	"sync"
	"sync/atomic"
	"time"

	"github.com/cnlab/blockshard/internal/logging"
)

// Mode selects whether a Pipeline compresses or decompresses its
// input shards.
type Mode int

const (
	// Compress runs the pipeline's codec workers in compress mode.
	Compress Mode = iota
	// Decompress runs the pipeline's codec workers in decompress mode.
	Decompress
)

type pipelineOpts struct {
	concurrency int
	level       int
	blockSize   int64
	progressCh  chan<- Progress
}

// PipelineOption configures a Pipeline, mirroring the teacher
// package's DecompressorOption pattern.
type PipelineOption func(*pipelineOpts)

// Concurrency sets the number of codec worker goroutines.
func Concurrency(n int) PipelineOption {
	return func(o *pipelineOpts) { o.concurrency = n }
}

// CompressionLevel sets the DEFLATE level used when the pipeline runs
// in Compress mode; it is ignored in Decompress mode.
func CompressionLevel(level int) PipelineOption {
	return func(o *pipelineOpts) { o.level = level }
}

// BlockSize sets the configured block size B.
func BlockSize(b int64) PipelineOption {
	return func(o *pipelineOpts) { o.blockSize = b }
}

// SendProgress sets the channel progress updates are sent over. The
// channel is never closed by the Pipeline; the caller owns it.
func SendProgress(ch chan<- Progress) PipelineOption {
	return func(o *pipelineOpts) { o.progressCh = ch }
}

// Progress reports on a single block that has just been gathered, in
// the order blocks complete (not necessarily block order), mirroring
// the teacher's own Progress type. Consumed is
// the number of input bytes the block accounted for (raw bytes in
// Compress mode, compressed bytes in Decompress mode), which is what a
// progress bar driven off a job's discovered file sizes should
// accumulate against, regardless of mode; Produced is the number of
// output bytes the block yielded.
type Progress struct {
	ShardID  int
	Block    int
	Duration time.Duration
	Consumed int
	Produced int
}

// ShardResult is the output of processing one shard: its container
// fragment (block-length sub-index followed by concatenated block
// payloads, per spec.md section 4.D) and, on failure, the error that
// aborted it.
type ShardResult struct {
	ShardID   int
	BlockLens []int64
	Payload   []byte
	Err       error
}

type blockTask struct {
	shardID    int
	blockIndex int
	blockCount int
	input      []byte
	output     []byte
	expected   int // expected decompressed length; 0 in compress mode

	err      error
	result   []byte
	duration time.Duration
}

func (t *blockTask) run(level int, mode Mode) {
	start := time.Now()
	if mode == Compress {
		t.result, t.err = CompressBlock(t.input, level)
	} else {
		dst := make([]byte, t.expected)
		n, err := DecompressBlock(dst, t.input, t.expected)
		t.result, t.err = dst[:n], err
	}
	t.duration = time.Since(start)
}

// shardState tracks the in-flight completion of a single shard: the
// block buffer described in spec.md section 3 (two parallel arrays
// indexed by block number, written once per block and read only after
// the completion counter reaches the block count).
type shardState struct {
	shardID    int
	blockCount int
	ptrs       [][]byte
	lens       []int64
	done       int64 // atomic
	firstErr   atomic.Value
}

func newShardState(shardID, blockCount int) *shardState {
	return &shardState{
		shardID:    shardID,
		blockCount: blockCount,
		ptrs:       make([][]byte, blockCount),
		lens:       make([]int64, blockCount),
	}
}

// Pipeline is the three-stage dataflow graph from spec.md section
// 4.D: a dispatcher, a pool of codec workers, and a single gatherer
// that assembles each shard's container fragment on the transition of
// that shard's completion counter to its block count.
//
// A codec failure on one block fails only the shard that contains it;
// other in-flight shards are unaffected, per the failure semantics in
// spec.md section 4.D.
type Pipeline struct {
	mode  Mode
	level int

	workCh chan *blockTask
	doneCh chan *blockTask
	workWg sync.WaitGroup
	doneWg sync.WaitGroup

	progressCh chan<- Progress
	resultCh   chan ShardResult

	mu     sync.Mutex
	states map[int]*shardState
}

// NewPipeline creates and starts a Pipeline. Callers submit shards
// with SubmitCompress or SubmitDecompress and must call Finish exactly once when no more shards
// will be submitted; Finish drains outstanding work and closes the
// channel returned by Results.
func NewPipeline(ctx context.Context, mode Mode, opts ...PipelineOption) *Pipeline {
	o := pipelineOpts{
		concurrency: runtime.GOMAXPROCS(-1),
		level:       DefaultCompressionLevel,
		blockSize:   2 << 20,
	}
	for _, fn := range opts {
		fn(&o)
	}
	p := &Pipeline{
		mode:       mode,
		level:      o.level,
		workCh:     make(chan *blockTask, o.concurrency),
		doneCh:     make(chan *blockTask, o.concurrency),
		progressCh: o.progressCh,
		resultCh:   make(chan ShardResult, 1),
		states:     make(map[int]*shardState),
	}
	p.workWg.Add(o.concurrency)
	for i := 0; i < o.concurrency; i++ {
		go func() {
			defer p.workWg.Done()
			p.worker(ctx)
		}()
	}
	p.doneWg.Add(1)
	go func() {
		defer p.doneWg.Done()
		p.gather(ctx)
	}()
	return p
}

func (p *Pipeline) worker(ctx context.Context) {
	for {
		select {
		case t, ok := <-p.workCh:
			if !ok {
				return
			}
			logging.Tracef(2, "codec worker: shard %d block %d/%d", t.shardID, t.blockIndex, t.blockCount)
			t.run(p.level, p.mode)
			select {
			case p.doneCh <- t:
			case <-ctx.Done():
				return
			}
		case <-ctx.Done():
			return
		}
	}
}

// SubmitCompress partitions shard's raw bytes into blocks of at most
// blockSize bytes and feeds one compression task per block to the
// worker pool. The pipeline must have been created with Mode Compress.
func (p *Pipeline) SubmitCompress(shardID int, shard []byte, blockSize int64) {
	blockCount := BlockCount(int64(len(shard)), blockSize)
	state := newShardState(shardID, blockCount)
	p.registerShard(state)
	sc := NewScanner(int64(len(shard)), blockSize)
	for sc.Scan() {
		b := sc.Block()
		p.dispatch(&blockTask{
			shardID:    shardID,
			blockIndex: b.Index,
			blockCount: blockCount,
			input:      shard[b.Offset : b.Offset+b.Length],
		})
	}
	if blockCount == 0 {
		p.completeEmptyShard(state)
	}
}

// SubmitDecompress feeds one decompression task per block to the
// worker pool. compressed is the shard's concatenated compressed
// payload; blockLens gives each block's compressed length in order,
// and expectedLens gives each block's decompressed length in order
// (the last entry is ordinarily shorter than blockSize). The pipeline
// must have been created with Mode Decompress.
func (p *Pipeline) SubmitDecompress(shardID int, compressed []byte, blockLens []int64, expectedLens []int) {
	state := newShardState(shardID, len(blockLens))
	p.registerShard(state)
	var off int64
	for i, l := range blockLens {
		p.dispatch(&blockTask{
			shardID:    shardID,
			blockIndex: i,
			blockCount: len(blockLens),
			input:      compressed[off : off+l],
			expected:   expectedLens[i],
		})
		off += l
	}
	if len(blockLens) == 0 {
		p.completeEmptyShard(state)
	}
}

func (p *Pipeline) registerShard(state *shardState) {
	p.mu.Lock()
	p.states[state.shardID] = state
	p.mu.Unlock()
}

func (p *Pipeline) dispatch(t *blockTask) {
	p.workCh <- t
}

func (p *Pipeline) completeEmptyShard(state *shardState) {
	p.resultCh <- ShardResult{ShardID: state.shardID, BlockLens: nil, Payload: nil}
}

// gather receives completed tasks in arbitrary order, stores each at
// its block index in that shard's parallel arrays (never mutating a
// block belonging to a different shard), and on the transition of a
// shard's completion counter to its block count, assembles and emits
// that shard's ShardResult.
func (p *Pipeline) gather(ctx context.Context) {
	for {
		select {
		case t, ok := <-p.doneCh:
			if !ok {
				return
			}
			p.record(t)
		case <-ctx.Done():
			return
		}
	}
}

func (p *Pipeline) record(t *blockTask) {
	p.mu.Lock()
	state := p.states[t.shardID]
	p.mu.Unlock()

	if t.err != nil {
		state.firstErr.Store(t.err)
	} else {
		state.ptrs[t.blockIndex] = t.result
		state.lens[t.blockIndex] = int64(len(t.result))
	}

	if p.progressCh != nil {
		p.progressCh <- Progress{
			ShardID:  t.shardID,
			Block:    t.blockIndex,
			Duration: t.duration,
			Consumed: len(t.input),
			Produced: len(t.result),
		}
	}

	done := atomic.AddInt64(&state.done, 1)
	if done != int64(state.blockCount) {
		return
	}

	p.mu.Lock()
	delete(p.states, t.shardID)
	p.mu.Unlock()

	if errv := state.firstErr.Load(); errv != nil {
		p.resultCh <- ShardResult{ShardID: state.shardID, Err: errv.(error)}
		return
	}

	lens := state.lens
	var total int64
	for _, l := range lens {
		total += l
	}
	payload := make([]byte, 0, total)
	for _, b := range state.ptrs {
		payload = append(payload, b...)
	}
	p.resultCh <- ShardResult{ShardID: state.shardID, BlockLens: lens, Payload: payload}
}

// Results returns the channel shard results are delivered on, one per
// shard submitted, in arbitrary shard order (per spec.md section 4.D,
// "across files, completion order is unspecified").
func (p *Pipeline) Results() <-chan ShardResult { return p.resultCh }

// Finish waits for all outstanding work to complete and shuts the
// pipeline down. It must be called exactly once, after every shard
// that will ever be submitted has been submitted.
func (p *Pipeline) Finish() {
	close(p.workCh)
	p.workWg.Wait()
	close(p.doneCh)
	p.doneWg.Wait()
	close(p.resultCh)
}
