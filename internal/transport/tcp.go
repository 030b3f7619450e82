// Copyright 2020 Cosmos Nicolaou. All rights reserved.
// Use of this source code is governed by the Apache-2.0
// license that can be found in the LICENSE file.

package transport

import (
	"context"
	"encoding/binary"
	"fmt"
	"io"
	"net"
	"sync"

	"github.com/cenkalti/backoff/v3"
)

// frameHeaderSize is the width, in bytes, of the fixed frame header:
// an 8-byte tag followed by an 8-byte payload length. The source rank
// is not carried on the wire because this transport's topology is a
// star (the coordinator holds one connection per worker, each worker
// holds exactly one connection to the coordinator), so the peer rank
// is always known from which connection a frame arrived on.
const frameHeaderSize = 16

// pendingSend is one queued ISend, waiting to be written to the wire
// by its peerConn's writeLoop goroutine.
type pendingSend struct {
	tag  uint64
	data []byte
	done chan error
}

// peerConn serializes every frame posted to one peer through a single
// writeLoop goroutine draining an ordered channel, so that two sends
// posted to the same peer before either completes still reach the
// socket in post order: the "ordered per (source, tag) channel"
// guarantee the coordinator/worker-shell protocol relies on otherwise
// only held when callers happened to Wait() between sends.
type peerConn struct {
	rank   int
	conn   net.Conn
	sendCh chan *pendingSend

	mu     sync.Mutex
	closed bool
}

func newPeerConn(rank int, conn net.Conn) *peerConn {
	pc := &peerConn{rank: rank, conn: conn, sendCh: make(chan *pendingSend, 64)}
	go pc.writeLoop()
	return pc
}

func (pc *peerConn) writeLoop() {
	for ps := range pc.sendCh {
		ps.done <- pc.writeFrame(ps.tag, ps.data)
	}
}

// enqueue posts a send to this peer's FIFO queue and returns the
// channel its eventual write result will be delivered on.
func (pc *peerConn) enqueue(tag uint64, data []byte) chan error {
	done := make(chan error, 1)
	pc.mu.Lock()
	defer pc.mu.Unlock()
	if pc.closed {
		done <- fmt.Errorf("transport: connection to rank %d closed", pc.rank)
		return done
	}
	pc.sendCh <- &pendingSend{tag: tag, data: data, done: done}
	return done
}

func (pc *peerConn) close() {
	pc.mu.Lock()
	defer pc.mu.Unlock()
	if pc.closed {
		return
	}
	pc.closed = true
	close(pc.sendCh)
}

func (pc *peerConn) writeFrame(tag uint64, data []byte) error {
	header := make([]byte, frameHeaderSize)
	binary.LittleEndian.PutUint64(header[0:], tag)
	binary.LittleEndian.PutUint64(header[8:], uint64(len(data)))
	if _, err := pc.conn.Write(header); err != nil {
		return fmt.Errorf("write frame header to rank %d: %w", pc.rank, err)
	}
	if len(data) > 0 {
		if _, err := pc.conn.Write(data); err != nil {
			return fmt.Errorf("write frame payload to rank %d: %w", pc.rank, err)
		}
	}
	return nil
}

func readLoop(pc *peerConn, ib *inbox) {
	header := make([]byte, frameHeaderSize)
	for {
		if _, err := io.ReadFull(pc.conn, header); err != nil {
			ib.close()
			return
		}
		tag := binary.LittleEndian.Uint64(header[0:])
		length := binary.LittleEndian.Uint64(header[8:])
		payload := make([]byte, length)
		if length > 0 {
			if _, err := io.ReadFull(pc.conn, payload); err != nil {
				ib.close()
				return
			}
		}
		ib.push(frame{source: pc.rank, tag: tag, payload: payload})
	}
}

// tcpTransport is the TCP-framed realization of Transport.
type tcpTransport struct {
	rank   int
	world  int
	peers  map[int]*peerConn
	inbox  *inbox
	closed bool
	mu     sync.Mutex
}

func (t *tcpTransport) Rank() int      { return t.rank }
func (t *tcpTransport) WorldSize() int { return t.world }

func (t *tcpTransport) peer(rank int) (*peerConn, error) {
	t.mu.Lock()
	defer t.mu.Unlock()
	pc, ok := t.peers[rank]
	if !ok {
		return nil, fmt.Errorf("transport: no connection to rank %d", rank)
	}
	return pc, nil
}

type tcpSendOp struct {
	done chan error
}

func (s *tcpSendOp) Wait() error { return <-s.done }

func (t *tcpTransport) ISend(dest int, tag uint64, data []byte) SendOp {
	pc, err := t.peer(dest)
	if err != nil {
		done := make(chan error, 1)
		done <- err
		return &tcpSendOp{done: done}
	}
	return &tcpSendOp{done: pc.enqueue(tag, data)}
}

type tcpRecvOp struct {
	ib     *inbox
	source int
	tag    uint64
}

func (r *tcpRecvOp) Wait() ([]byte, Envelope, error) {
	f, ok := r.ib.take(r.source, r.tag)
	if !ok {
		return nil, Envelope{}, ErrClosed
	}
	return f.payload, Envelope{Source: f.source, Tag: f.tag, Bytes: len(f.payload)}, nil
}

func (t *tcpTransport) IRecv(source int, tag uint64) RecvOp {
	return &tcpRecvOp{ib: t.inbox, source: source, tag: tag}
}

func (t *tcpTransport) Probe(source int, tag uint64) (Envelope, error) {
	f, ok := t.inbox.peek(source, tag)
	if !ok {
		return Envelope{}, ErrClosed
	}
	return Envelope{Source: f.source, Tag: f.tag, Bytes: len(f.payload)}, nil
}

func (t *tcpTransport) Close() error {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.closed {
		return nil
	}
	t.closed = true
	var firstErr error
	for _, pc := range t.peers {
		pc.close()
		if err := pc.conn.Close(); err != nil && firstErr == nil {
			firstErr = err
		}
	}
	t.inbox.close()
	return firstErr
}

// frame is one received, unconsumed message.
type frame struct {
	source  int
	tag     uint64
	payload []byte
}

// inbox holds frames that have arrived but have not yet been matched
// by a Probe/IRecv; it supports matching by (source, tag) where source
// may be AnySource, mirroring MPI's wildcard receive semantics.
type inbox struct {
	mu     sync.Mutex
	cond   *sync.Cond
	queue  []frame
	closed bool
}

func newInbox() *inbox {
	ib := &inbox{}
	ib.cond = sync.NewCond(&ib.mu)
	return ib
}

func (ib *inbox) push(f frame) {
	ib.mu.Lock()
	ib.queue = append(ib.queue, f)
	ib.cond.Broadcast()
	ib.mu.Unlock()
}

func (ib *inbox) match(source int, tag uint64) int {
	for i, f := range ib.queue {
		if (source == AnySource || f.source == source) && (tag == AnyTag || f.tag == tag) {
			return i
		}
	}
	return -1
}

func (ib *inbox) peek(source int, tag uint64) (frame, bool) {
	ib.mu.Lock()
	defer ib.mu.Unlock()
	for {
		if idx := ib.match(source, tag); idx >= 0 {
			return ib.queue[idx], true
		}
		if ib.closed {
			return frame{}, false
		}
		ib.cond.Wait()
	}
}

func (ib *inbox) take(source int, tag uint64) (frame, bool) {
	ib.mu.Lock()
	defer ib.mu.Unlock()
	for {
		if idx := ib.match(source, tag); idx >= 0 {
			f := ib.queue[idx]
			ib.queue = append(ib.queue[:idx], ib.queue[idx+1:]...)
			return f, true
		}
		if ib.closed {
			return frame{}, false
		}
		ib.cond.Wait()
	}
}

func (ib *inbox) close() {
	ib.mu.Lock()
	ib.closed = true
	ib.cond.Broadcast()
	ib.mu.Unlock()
}

// ListenCoordinator starts listening on addr and blocks until
// workerCount workers have connected and identified themselves,
// returning a Transport for rank 0 and the address it listened on.
// That address is returned only after every worker has connected, so
// workers must already know addr (an OS-assigned ":0" port cannot be
// learned through the return value in time). Each worker is expected
// to write its rank as a single little-endian uint64 immediately
// after connecting.
func ListenCoordinator(ctx context.Context, addr string, workerCount int) (Transport, string, error) {
	ln, err := net.Listen("tcp", addr)
	if err != nil {
		return nil, "", fmt.Errorf("listen on %s: %w", addr, err)
	}
	t := &tcpTransport{
		rank:  0,
		world: workerCount + 1,
		peers: make(map[int]*peerConn),
		inbox: newInbox(),
	}
	go func() {
		<-ctx.Done()
		ln.Close()
	}()
	for i := 0; i < workerCount; i++ {
		conn, err := ln.Accept()
		if err != nil {
			ln.Close()
			return nil, "", fmt.Errorf("accept worker %d/%d: %w", i+1, workerCount, err)
		}
		var rankBuf [8]byte
		if _, err := io.ReadFull(conn, rankBuf[:]); err != nil {
			conn.Close()
			ln.Close()
			return nil, "", fmt.Errorf("read handshake from worker %d/%d: %w", i+1, workerCount, err)
		}
		rank := int(binary.LittleEndian.Uint64(rankBuf[:]))
		pc := newPeerConn(rank, conn)
		t.mu.Lock()
		t.peers[rank] = pc
		t.mu.Unlock()
		go readLoop(pc, t.inbox)
	}
	ln.Close()
	return t, ln.Addr().String(), nil
}

// DialWorker connects to the coordinator at addr, announces rank, and
// returns a Transport for that worker. It retries the dial with
// exponential backoff (the coordinator may not be listening yet at
// the instant the worker process starts) until ctx is done or the
// backoff's default maximum elapsed time has passed.
func DialWorker(ctx context.Context, addr string, rank, world int) (Transport, error) {
	var conn net.Conn
	op := func() error {
		c, err := net.Dial("tcp", addr)
		if err != nil {
			return err
		}
		conn = c
		return nil
	}
	bo := backoff.WithContext(backoff.NewExponentialBackOff(), ctx)
	if err := backoff.Retry(op, bo); err != nil {
		return nil, fmt.Errorf("dial coordinator at %s: %w", addr, err)
	}
	var rankBuf [8]byte
	binary.LittleEndian.PutUint64(rankBuf[:], uint64(rank))
	if _, err := conn.Write(rankBuf[:]); err != nil {
		conn.Close()
		return nil, fmt.Errorf("send handshake to coordinator: %w", err)
	}
	pc := newPeerConn(0, conn)
	t := &tcpTransport{
		rank:  rank,
		world: world,
		peers: map[int]*peerConn{0: pc},
		inbox: newInbox(),
	}
	go readLoop(pc, t.inbox)
	return t, nil
}
