// Copyright 2020 Cosmos Nicolaou. All rights reserved.
// Use of this source code is governed by the Apache-2.0
// license that can be found in the LICENSE file.

// Package logging provides the one piece of process-wide state that a
// blockshard job legitimately needs: the verbosity level of the error
// logger. Everything else (file lists, completion counters, the
// success flag) is bundled into per-job values rather than package
// globals.
package logging

import (
	"log"
	"sync/atomic"
)

var level int32

// SetLevel sets the process-wide verbosity level. 0 is silent, higher
// values produce progressively more trace output.
func SetLevel(v int) {
	atomic.StoreInt32(&level, int32(v))
}

// Level returns the current verbosity level.
func Level() int {
	return int(atomic.LoadInt32(&level))
}

// Tracef logs format/args if the current level is at least min.
func Tracef(min int, format string, args ...interface{}) {
	if Level() >= min {
		log.Printf(format, args...)
	}
}
