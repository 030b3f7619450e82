// Copyright 2020 Cosmos Nicolaou. All rights reserved.
// Use of this source code is governed by the Apache-2.0
// license that can be found in the LICENSE file.

// Command blockshardd is the parallel entry point described in
// spec.md section 6: `blockshardd run MODE path [output-root]`, where
// --concurrency sets the number of codec worker goroutines per
// process. Inter-node launches use this
// corpus's own answer to "the surrounding transport's process-spawning
// convention" (spec.md section 6): --listen starts a coordinator that
// accepts TCP connections from worker processes started with
// --coordinator, or --spawn launches those worker processes itself as
// local subprocesses.
package main

import (
	"context"
	"fmt"
	"os"
	"os/exec"
	"path/filepath"
	"strconv"
	"time"

	"cloudeng.io/cmdutil"
	"cloudeng.io/cmdutil/subcmd"
	"cloudeng.io/errors"
	"github.com/aws/aws-sdk-go/aws/session"
	"github.com/google/uuid"
	"github.com/grailbio/base/file"
	"github.com/grailbio/base/file/s3file"
	"golang.org/x/sync/errgroup"

	blockshard "github.com/cnlab/blockshard"
	"github.com/cnlab/blockshard/internal/coordinator"
	"github.com/cnlab/blockshard/internal/logging"
	"github.com/cnlab/blockshard/internal/mmapfile"
	"github.com/cnlab/blockshard/internal/transport"
	"github.com/cnlab/blockshard/internal/workershell"
)

type runFlags struct {
	Concurrency int    `subcmd:"concurrency,4,'codec worker goroutines per process'"`
	Listen      string `subcmd:"listen,,'run as coordinator, accepting worker connections on this address'"`
	Workers     int    `subcmd:"workers,0,'number of worker processes the coordinator waits for'"`
	Spawn       bool   `subcmd:"spawn,false,'coordinator also os/exec-launches its worker processes locally'"`
	Coordinator string `subcmd:"coordinator,,'run as a worker process, dialing the coordinator at this address'"`
	Rank        int    `subcmd:"rank,0,'this worker process rank, required with --coordinator unless --spawn launched it'"`
	World       int    `subcmd:"world,0,'total rank count (workers+1), required with --coordinator unless --spawn launched it'"`
	Participate bool   `subcmd:"participate,true,'the coordinator also processes a shard itself'"`
	Verbose     bool   `subcmd:"verbose,false,'verbose trace logging'"`
}

var cmdSet *subcmd.CommandSet

func init() {
	runCmd := subcmd.NewCommand("run",
		subcmd.MustRegisterFlagStruct(&runFlags{}, nil, nil),
		runMain, subcmd.AtLeastNArguments(2))
	runCmd.Document(`compress or decompress path across a coordinator process and one or more worker processes: run {c|C|d|D} path [output-root]`)
	cmdSet = subcmd.NewCommandSet(runCmd)
	cmdSet.Document(`parallel, multi-process block compressor/decompressor`)

	file.RegisterImplementation("s3", func() file.Implementation {
		return s3file.NewImplementation(
			s3file.NewDefaultProvider(session.Options{}), s3file.Options{})
	})
}

func main() {
	cmdSet.MustDispatch(context.Background())
}

func modeFromFlag(flag string) (blockshard.Mode, error) {
	switch flag {
	case "c", "C":
		return blockshard.Compress, nil
	case "d", "D":
		return blockshard.Decompress, nil
	default:
		return 0, fmt.Errorf("unrecognized mode %q, want one of c,C,d,D", flag)
	}
}

func runMain(ctx context.Context, values interface{}, args []string) error {
	cl := values.(*runFlags)
	logging.SetLevel(0)
	if cl.Verbose {
		logging.SetLevel(2)
	}
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()
	cmdutil.HandleSignals(cancel, os.Interrupt)

	mode, err := modeFromFlag(args[0])
	if err != nil {
		return err
	}
	path := args[1]
	outRoot := ""
	if len(args) > 2 {
		outRoot = args[2]
	}

	if cl.Coordinator != "" {
		return runWorker(ctx, cl, mode)
	}
	return runCoordinator(ctx, cl, mode, path, outRoot)
}

func runWorker(ctx context.Context, cl *runFlags, mode blockshard.Mode) error {
	if cl.Rank <= 0 {
		return fmt.Errorf("--rank must be set (>0) for a worker process")
	}
	t, err := transport.DialWorker(ctx, cl.Coordinator, cl.Rank, cl.World)
	if err != nil {
		return err
	}
	defer t.Close()

	if _, err := workershell.ReceiveFileSizes(t); err != nil {
		return err
	}
	shell := workershell.New(t, workershell.Options{
		BlockSize:        blockshard.DefaultBlockSize,
		CompressionLevel: blockshard.DefaultCompressionLevel,
		Concurrency:      cl.Concurrency,
	})
	return shell.Run(ctx, mode)
}

func runCoordinator(ctx context.Context, cl *runFlags, mode blockshard.Mode, path, outRoot string) error {
	if cl.Listen == "" {
		return fmt.Errorf("--listen is required for the coordinator process")
	}
	if cl.Workers <= 0 {
		return fmt.Errorf("--workers must be > 0")
	}

	var spawned []*exec.Cmd
	if cl.Spawn {
		self, err := os.Executable()
		if err != nil {
			return err
		}
		for r := 1; r <= cl.Workers; r++ {
			c := exec.CommandContext(ctx, self, "run",
				"--coordinator="+cl.Listen,
				"--rank="+strconv.Itoa(r),
				"--world="+strconv.Itoa(cl.Workers+1),
				"--concurrency="+strconv.Itoa(cl.Concurrency),
				args0(mode), path)
			c.Stdout, c.Stderr = os.Stdout, os.Stderr
			if err := c.Start(); err != nil {
				return fmt.Errorf("spawn worker %d: %w", r, err)
			}
			spawned = append(spawned, c)
		}
	}

	t, _, err := transport.ListenCoordinator(ctx, cl.Listen, cl.Workers)
	if err != nil {
		return err
	}
	defer t.Close()

	jobID := uuid.New()
	start := time.Now()

	files, err := blockshard.Walk(path, mode)
	if err != nil {
		return err
	}
	sizes := make([]int64, len(files))
	for i, fd := range files {
		sizes[i] = fd.Size
	}

	coord := coordinator.New(t, coordinator.Options{
		BlockSize:               blockshard.DefaultBlockSize,
		CompressionLevel:        blockshard.DefaultCompressionLevel,
		Concurrency:             cl.Concurrency,
		CoordinatorParticipates: cl.Participate,
	})
	if err := coord.BroadcastFileSizes(sizes); err != nil {
		return err
	}

	if outRoot == "" {
		outRoot = outputRootFor(path)
	}

	errs := errors.M{}
	var g errgroup.Group
	g.SetLimit(cl.Workers + 1)
	for _, fd := range files {
		fd := fd
		g.Go(func() error {
			err := processFile(ctx, coord, mode, fd, outRoot)
			errs.Append(err)
			if err != nil {
				fmt.Fprintf(os.Stderr, "%s: %v\n", fd.RelPath, err)
			}
			return nil
		})
	}
	g.Wait()

	if err := coord.EndJob(); err != nil {
		return err
	}
	for _, c := range spawned {
		c.Wait()
	}

	logging.Tracef(0, "job %s: elapsed %dms", jobID, time.Since(start).Milliseconds())
	fmt.Fprintf(os.Stderr, "elapsed: %dms\n", time.Since(start).Milliseconds())
	return errs.Err()
}

func processFile(ctx context.Context, coord *coordinator.Coordinator, mode blockshard.Mode, fd blockshard.FileDescriptor, outRoot string) error {
	outPath, err := blockshard.OutputPath(outRoot, fd, mode)
	if err != nil {
		return err
	}
	if mode == blockshard.Compress {
		mm, err := mmapfile.Open(fd.AbsPath)
		if err != nil {
			return err
		}
		defer mm.Close()
		container, err := coord.CompressFile(ctx, fd.ID, mm.Bytes())
		if err != nil {
			return err
		}
		return writeOutput(outPath, container)
	}
	raw, err := os.ReadFile(fd.AbsPath)
	if err != nil {
		return err
	}
	h, err := blockshard.DecodeHeader(raw)
	if err != nil {
		return err
	}
	data, err := coord.DecompressFile(ctx, fd.ID, h, raw[h.PayloadOffset:])
	if err != nil {
		return err
	}
	return writeOutput(outPath, data)
}

func writeOutput(path string, data []byte) error {
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return err
	}
	return os.WriteFile(path, data, 0o644)
}

// outputRootFor writes alongside the input, matching cmd/blockshard's
// sequential CLI: a single input file's output lands next to it rather
// than in the process's working directory.
func outputRootFor(path string) string {
	info, err := os.Stat(path)
	if err == nil && !info.IsDir() {
		return filepath.Dir(path)
	}
	return path
}

func args0(mode blockshard.Mode) string {
	if mode == blockshard.Compress {
		return "c"
	}
	return "d"
}
