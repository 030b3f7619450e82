// Copyright 2020 Cosmos Nicolaou. All rights reserved.
// Use of this source code is governed by the Apache-2.0
// license that can be found in the LICENSE file.

// Command blockshard is the sequential entry point described in
// spec.md section 6: `blockshard MODE path`, where MODE selects
// compression or decompression and path may be a file or a directory
// walked recursively. It runs entirely within one process, using the
// local parallel pipeline (github.com/cnlab/blockshard) for files
// above the block-size threshold.
package main

import (
	"context"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"runtime"
	"time"

	"cloudeng.io/cmdutil"
	"github.com/aws/aws-sdk-go/aws/session"
	"github.com/grailbio/base/file"
	"github.com/grailbio/base/file/s3file"
	"github.com/schollz/progressbar/v2"
	"golang.org/x/crypto/ssh/terminal"

	blockshard "github.com/cnlab/blockshard"
	"github.com/cnlab/blockshard/internal/logging"
)

func init() {
	file.RegisterImplementation("s3", func() file.Implementation {
		return s3file.NewImplementation(
			s3file.NewDefaultProvider(session.Options{}), s3file.Options{})
	})
}

func usageError(msg string) error {
	return fmt.Errorf("usage: blockshard {c|C|d|D} path [output-root]: %s", msg)
}

func modeFromFlag(flag string) (blockshard.Mode, error) {
	switch flag {
	case "c", "C":
		return blockshard.Compress, nil
	case "d", "D":
		return blockshard.Decompress, nil
	default:
		return 0, usageError(fmt.Sprintf("unrecognized mode %q", flag))
	}
}

func main() {
	if err := run(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func run() error {
	if len(os.Args) != 3 && len(os.Args) != 4 {
		return usageError(fmt.Sprintf("got %d arguments, want 2 or 3", len(os.Args)-1))
	}
	mode, err := modeFromFlag(os.Args[1])
	if err != nil {
		return err
	}
	path := os.Args[2]

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	cmdutil.HandleSignals(cancel, os.Interrupt)

	logging.SetLevel(verbosityFromEnv())

	start := time.Now()
	outRoot := outputRootFor(path)
	if len(os.Args) == 4 {
		outRoot = os.Args[3]
	}

	files, err := blockshard.Walk(path, mode)
	if err != nil {
		return err
	}
	var total int64
	for _, fd := range files {
		total += fd.Size
	}

	progressCh, stopBar := startProgressBar(total)
	results, err := blockshard.Run(ctx, blockshard.JobOptions{
		Mode:             mode,
		BlockSize:        blockshard.DefaultBlockSize,
		CompressionLevel: blockshard.DefaultCompressionLevel,
		Concurrency:      runtime.GOMAXPROCS(-1),
		InputRoot:        path,
		OutputRoot:       outRoot,
		ProgressCh:       progressCh,
	})
	stopBar()

	for _, r := range results {
		if r.Err != nil {
			fmt.Fprintf(os.Stderr, "%s: %v\n", r.File.RelPath, r.Err)
		}
	}
	fmt.Fprintf(os.Stderr, "elapsed: %dms\n", time.Since(start).Milliseconds())
	return err
}

// startProgressBar mirrors the teacher CLI's progress-bar wiring: a
// byte-counted bar fed from a channel of per-block Progress updates,
// written to stderr when stdout is a terminal and to stdout otherwise.
func startProgressBar(total int64) (chan blockshard.Progress, func()) {
	if total <= 0 {
		return nil, func() {}
	}
	var w io.Writer = os.Stdout
	if terminal.IsTerminal(int(os.Stdout.Fd())) {
		w = os.Stderr
	}
	bar := progressbar.NewOptions64(total,
		progressbar.OptionSetBytes64(total),
		progressbar.OptionSetWriter(w),
		progressbar.OptionSetPredictTime(true))
	bar.RenderBlank()

	ch := make(chan blockshard.Progress, 64)
	done := make(chan struct{})
	go func() {
		defer close(done)
		for p := range ch {
			bar.Add(p.Consumed)
		}
	}()
	return ch, func() {
		close(ch)
		<-done
		fmt.Fprintln(w)
	}
}

// outputRootFor writes alongside the input: files are deposited in
// the same directory tree they were discovered in, matching spec.md
// section 8's directory-preservation property.
func outputRootFor(path string) string {
	info, err := os.Stat(path)
	if err == nil && !info.IsDir() {
		return filepath.Dir(path)
	}
	return path
}

func verbosityFromEnv() int {
	if os.Getenv("BLOCKSHARD_VERBOSE") != "" {
		return 1
	}
	return 0
}
