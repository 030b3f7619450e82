// Copyright 2020 Cosmos Nicolaou. All rights reserved.
// Use of this source code is governed by the Apache-2.0
// license that can be found in the LICENSE file.

package blockshard

import (
	"context"
	"io"
	"os"
	"path/filepath"
	"strconv"
	"strings"

	"cloudeng.io/errors"
	"github.com/google/uuid"
	"github.com/grailbio/base/file"

	"github.com/cnlab/blockshard/internal/logging"
	"github.com/cnlab/blockshard/internal/mmapfile"
)

// ContainerSuffix is appended to compressed files and stripped (with
// disambiguation, see disambiguate) on decompression.
const ContainerSuffix = ".miniz"

// DefaultBlockSize is the block size B used when a job does not
// override it, per spec.md section 6's "typical default 2 MiB".
const DefaultBlockSize int64 = 2 << 20

// FileDescriptor describes one input file discovered by Walk: its
// path relative to the walk root (used to preserve directory
// structure in the output), its absolute path, and its byte size.
// Per spec.md section 3, a descriptor is created at enumeration time
// and is otherwise immutable; the small-file and parallel paths both
// take a FileDescriptor by value through the functions below rather
// than mutating shared state.
type FileDescriptor struct {
	ID      int
	RelPath string
	AbsPath string
	Size    int64
}

// Walk enumerates the regular files under root (root may itself be a
// single file). On decompression (mode == Decompress) only files
// carrying ContainerSuffix are kept, matching spec.md section 4.H's
// "filters by suffix (skip non-.miniz on decompression)".
func Walk(root string, mode Mode) ([]FileDescriptor, error) {
	abs, err := filepath.Abs(root)
	if err != nil {
		return nil, newError(IoFailed, root, err)
	}
	root = abs
	info, err := os.Stat(root)
	if err != nil {
		return nil, newError(IoFailed, root, err)
	}
	var out []FileDescriptor
	if !info.IsDir() {
		if mode == Decompress && !strings.HasSuffix(root, ContainerSuffix) {
			return nil, nil
		}
		out = append(out, FileDescriptor{RelPath: filepath.Base(root), AbsPath: root, Size: info.Size()})
		return assignIDs(out), nil
	}
	err = filepath.WalkDir(root, func(path string, d os.DirEntry, err error) error {
		if err != nil {
			return err
		}
		if d.IsDir() {
			return nil
		}
		if mode == Decompress && !strings.HasSuffix(path, ContainerSuffix) {
			return nil
		}
		rel, err := filepath.Rel(root, path)
		if err != nil {
			return err
		}
		fi, err := d.Info()
		if err != nil {
			return err
		}
		out = append(out, FileDescriptor{RelPath: rel, AbsPath: path, Size: fi.Size()})
		return nil
	})
	if err != nil {
		return nil, newError(IoFailed, root, err)
	}
	return assignIDs(out), nil
}

func assignIDs(files []FileDescriptor) []FileDescriptor {
	for i := range files {
		files[i].ID = i
	}
	return files
}

// OutputPath computes where a file's processed bytes are written,
// relative to outRoot: MODE c|C appends ContainerSuffix; MODE d|D
// strips it and applies disambiguate's numeric-suffix rule when the
// target already exists.
func OutputPath(outRoot string, fd FileDescriptor, mode Mode) (string, error) {
	target := filepath.Join(outRoot, fd.RelPath)
	if mode == Compress {
		return target + ContainerSuffix, nil
	}
	target = strings.TrimSuffix(target, ContainerSuffix)
	return disambiguate(target)
}

// disambiguate implements spec.md section 9's preserved-as-is quirk:
// a numeric suffix is inserted just before the *first* dot in the
// base name (not the last), matching original_source/MPI_minizip.cpp,
// or appended if the name has no dot at all.
func disambiguate(path string) (string, error) {
	if _, err := os.Stat(path); os.IsNotExist(err) {
		return path, nil
	}
	dir, base := filepath.Split(path)
	dot := strings.Index(base, ".")
	for n := 1; ; n++ {
		var candidate string
		if dot < 0 {
			candidate = base + strconv.Itoa(n)
		} else {
			candidate = base[:dot] + strconv.Itoa(n) + base[dot:]
		}
		full := filepath.Join(dir, candidate)
		if _, err := os.Stat(full); os.IsNotExist(err) {
			return full, nil
		}
	}
}

// JobOptions configures Run.
type JobOptions struct {
	Mode             Mode
	BlockSize        int64
	CompressionLevel int
	Concurrency      int
	InputRoot        string
	OutputRoot       string

	// ProgressCh, if non-nil, receives a Progress update for every
	// block processed on the parallel path, for a CLI progress bar to
	// consume; it is never closed by Run.
	ProgressCh chan<- Progress
}

// JobResult summarizes one file's outcome.
type JobResult struct {
	File FileDescriptor
	Err  error
}

// Run walks InputRoot, routes every discovered file to the small-file
// fast path or the local parallel pipeline (per spec.md section 4.H),
// and writes each file's output under OutputRoot. It returns one
// JobResult per file and an aggregate error that is nil only if every
// file succeeded (the "global success flag ANDed with each file's
// result" from spec.md section 4.H), built with cloudeng.io/errors.M
// the same way the teacher's CLI aggregates per-file failures.
func Run(ctx context.Context, opts JobOptions) ([]JobResult, error) {
	files, err := Walk(opts.InputRoot, opts.Mode)
	if err != nil {
		return nil, err
	}
	jobID := uuid.New()
	logging.Tracef(1, "job %s: %d files discovered under %s", jobID, len(files), opts.InputRoot)

	results := make([]JobResult, 0, len(files))
	errs := errors.M{}
	for _, fd := range files {
		err := runFile(ctx, opts, fd)
		if err != nil {
			logging.Tracef(0, "job %s: %s failed: %v", jobID, fd.RelPath, err)
		}
		results = append(results, JobResult{File: fd, Err: err})
		errs.Append(err)
	}
	return results, errs.Err()
}

func runFile(ctx context.Context, opts JobOptions, fd FileDescriptor) error {
	outPath, err := OutputPath(opts.OutputRoot, fd, opts.Mode)
	if err != nil {
		return newError(IoFailed, fd.AbsPath, err)
	}
	if err := os.MkdirAll(filepath.Dir(outPath), 0o755); err != nil {
		return newError(IoFailed, outPath, err)
	}

	if opts.Mode == Compress {
		return compressFile(ctx, opts, fd, outPath)
	}
	return decompressFile(ctx, opts, fd, outPath)
}

func compressFile(ctx context.Context, opts JobOptions, fd FileDescriptor, outPath string) error {
	mm, err := mmapfile.Open(fd.AbsPath)
	if err != nil {
		return newError(IoFailed, fd.AbsPath, err)
	}
	defer mm.Close()
	data := mm.Bytes()

	var container []byte
	if int64(len(data)) <= opts.BlockSize {
		container, err = CompressSmall(data, opts.CompressionLevel)
		if err != nil {
			return err
		}
	} else {
		container, err = compressParallel(ctx, opts, data)
		if err != nil {
			return err
		}
	}
	return writeFile(outPath, container)
}

func compressParallel(ctx context.Context, opts JobOptions, data []byte) ([]byte, error) {
	pipeOpts := []PipelineOption{
		Concurrency(opts.Concurrency),
		CompressionLevel(opts.CompressionLevel),
		BlockSize(opts.BlockSize),
	}
	if opts.ProgressCh != nil {
		pipeOpts = append(pipeOpts, SendProgress(opts.ProgressCh))
	}
	pipe := NewPipeline(ctx, Compress, pipeOpts...)
	pipe.SubmitCompress(0, data, opts.BlockSize)
	res := <-pipe.Results()
	pipe.Finish()
	if res.Err != nil {
		return nil, res.Err
	}
	header, err := EncodeHeader(int64(len(data)), res.BlockLens)
	if err != nil {
		return nil, err
	}
	return append(header, res.Payload...), nil
}

func decompressFile(ctx context.Context, opts JobOptions, fd FileDescriptor, outPath string) error {
	raw, err := readFile(fd.AbsPath)
	if err != nil {
		return newError(IoFailed, fd.AbsPath, err)
	}

	h, err := DecodeHeader(raw)
	if err != nil {
		return err
	}
	var data []byte
	if h.BlockCount <= 1 {
		data, err = DecompressSmall(raw)
		if err != nil {
			return err
		}
	} else {
		data, err = decompressParallel(ctx, opts, h, raw[h.PayloadOffset:])
		if err != nil {
			return err
		}
	}
	return writeFile(outPath, data)
}

func decompressParallel(ctx context.Context, opts JobOptions, h Header, payload []byte) ([]byte, error) {
	expected := make([]int, h.BlockCount)
	for i := range expected {
		expected[i] = int(opts.BlockSize)
	}
	pipeOpts := []PipelineOption{Concurrency(opts.Concurrency)}
	if opts.ProgressCh != nil {
		pipeOpts = append(pipeOpts, SendProgress(opts.ProgressCh))
	}
	pipe := NewPipeline(ctx, Decompress, pipeOpts...)
	pipe.SubmitDecompress(0, payload, h.BlockLens, expected)
	res := <-pipe.Results()
	pipe.Finish()
	if res.Err != nil {
		return nil, res.Err
	}
	if int64(len(res.Payload)) > h.UncompressedSize {
		return res.Payload[:h.UncompressedSize], nil
	}
	return res.Payload, nil
}

// readFile and writeFile go through github.com/grailbio/base/file,
// which dispatches on the path's scheme (cmd/blockshard registers
// "s3"). Walk, OutputPath (filepath.Join) and the compression path's
// mmapfile.Open work on local paths only, so a job's InputRoot and
// OutputRoot are local paths.
func readFile(path string) ([]byte, error) {
	ctx := context.Background()
	f, err := file.Open(ctx, path)
	if err != nil {
		return nil, err
	}
	defer f.Close(ctx)
	return io.ReadAll(f.Reader(ctx))
}

func writeFile(path string, data []byte) error {
	ctx := context.Background()
	f, err := file.Create(ctx, path)
	if err != nil {
		return newError(IoFailed, path, err)
	}
	if _, err := f.Writer(ctx).Write(data); err != nil {
		f.Close(ctx)
		return newError(IoFailed, path, err)
	}
	if err := f.Close(ctx); err != nil {
		return newError(IoFailed, path, err)
	}
	return nil
}
