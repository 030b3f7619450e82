// Copyright 2020 Cosmos Nicolaou. All rights reserved.
// Use of this source code is governed by the Apache-2.0
// license that can be found in the LICENSE file.

// Package transport implements the message-passing contract that
// spec.md section 6 treats as an external collaborator: asynchronous
// send and receive with integer source ranks and non-negative integer
// tags, a probe that reports the next matching envelope without
// dequeueing it, and a wait that completes a posted operation. It is
// realized here over plain TCP connections rather than MPI, since this
// corpus has no MPI bindings; the wire framing is a fixed binary
// header in the same spirit as the container format in container.go.
package transport

import (
	"errors"
)

// AnySource matches a receive or probe against messages from any
// rank, corresponding to MPI_ANY_SOURCE in the original design.
const AnySource = -1

// SentinelTag is the reserved tag value signalling end-of-job to
// worker processes, per spec.md's "Tag MAX is reserved as the
// end-of-job sentinel."
const SentinelTag uint64 = ^uint64(0)

// AnyTag matches a receive or probe against messages with any tag,
// corresponding to MPI_ANY_TAG. Worker processes probe with it to
// learn the next incoming file id (spec.md section 4.G step 2) before
// they know what that id will be. It is reserved the same way
// SentinelTag is and so can never collide with a real file id.
const AnyTag uint64 = ^uint64(0) - 1

// ErrClosed is returned by operations posted against a Transport that
// has been closed.
var ErrClosed = errors.New("transport: closed")

// Envelope describes a message's source and tag, as returned by
// Probe without consuming the message.
type Envelope struct {
	Source int
	Tag    uint64
	Bytes  int
}

// SendOp is a posted asynchronous send; Wait blocks until the send has
// been accepted by the transport.
type SendOp interface {
	Wait() error
}

// RecvOp is a posted asynchronous receive; Wait blocks until the
// matching message has arrived and returns its payload.
type RecvOp interface {
	Wait() ([]byte, Envelope, error)
}

// Transport is the contract a coordinator and its worker processes use
// to exchange shards and their results. A Transport instance
// represents one endpoint's connections to every other rank it talks
// to; Rank 0 is always the coordinator.
type Transport interface {
	// Rank returns this endpoint's rank.
	Rank() int
	// WorldSize returns the total number of ranks, including the
	// coordinator.
	WorldSize() int
	// ISend posts an asynchronous send of data to dest, tagged tag.
	// The caller must not mutate data until the returned SendOp's
	// Wait has returned.
	ISend(dest int, tag uint64, data []byte) SendOp
	// IRecv posts an asynchronous receive matching (source, tag);
	// source may be AnySource.
	IRecv(source int, tag uint64) RecvOp
	// Probe blocks until a message matching (source, tag) is
	// available and returns its envelope without consuming it.
	Probe(source int, tag uint64) (Envelope, error)
	// Close releases all connections held by this Transport.
	Close() error
}
