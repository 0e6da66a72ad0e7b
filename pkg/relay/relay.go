// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

package relay

import (
	"errors"
	"fmt"
	"io"
	"net"
	"sync"

	perrors "github.com/threefour/omniport/pkg/errors"
)

// DefaultBufferSize is the copy chunk used when none is configured.
const DefaultBufferSize = 8 * 1024

// Direction indicates which way bytes flow through a pump.
type Direction int

const (
	// Upstream represents bytes flowing from client to backend.
	Upstream Direction = iota

	// Downstream represents bytes flowing from backend to client.
	Downstream
)

// String returns a string representation of the direction.
func (d Direction) String() string {
	switch d {
	case Upstream:
		return "upstream"
	case Downstream:
		return "downstream"
	default:
		return "unknown"
	}
}

// Stream is the outcome of one pump.
type Stream struct {
	Bytes int64
	Err   error // nil on a clean end of stream
}

// Result is the outcome of a relay, one Stream per direction.
type Result struct {
	Upstream   Stream
	Downstream Stream
}

// Err returns the first non-benign pump error, if any.
func (r Result) Err() error {
	if !Benign(r.Upstream.Err) {
		return fmt.Errorf("%s: %w", Upstream, r.Upstream.Err)
	}
	if !Benign(r.Downstream.Err) {
		return fmt.Errorf("%s: %w", Downstream, r.Downstream.Err)
	}
	return nil
}

// Benign reports whether a pump error is a normal way for a stream to end:
// the peer closed, the sink was already gone or the idle deadline fired.
func Benign(err error) bool {
	return perrors.IsExpectedClose(err)
}

type closeWriter interface {
	CloseWrite() error
}

// Pair copies bytes between a client and a backend connection.
type Pair struct {
	size int
	pool sync.Pool
}

// New creates a Pair copying in chunks of bufSize bytes.
func New(bufSize int) *Pair {
	if bufSize <= 0 {
		bufSize = DefaultBufferSize
	}
	p := &Pair{size: bufSize}
	p.pool.New = func() any {
		buf := make([]byte, bufSize)
		return &buf
	}
	return p
}

// BufferSize returns the copy chunk size.
func (p *Pair) BufferSize() int {
	return p.size
}

// Run pumps client to backend and backend to client concurrently and
// returns once both pumps ended.
//
// A pump that reaches end of stream half-closes its sink so the far side
// sees EOF, and leaves the opposite pump running. A pump that fails in any
// other way (reset, idle timeout, panic) aborts the session by closing both
// connections, which ends the opposite pump as well. Run does not close the
// connections on a clean finish; that is the caller's teardown.
func (p *Pair) Run(client, backend net.Conn) Result {
	var (
		res Result
		wg  sync.WaitGroup
	)
	abort := sync.OnceFunc(func() {
		client.Close()
		backend.Close()
	})

	wg.Add(2)
	go func() {
		defer wg.Done()
		res.Upstream = p.pump(backend, client, abort)
	}()
	go func() {
		defer wg.Done()
		res.Downstream = p.pump(client, backend, abort)
	}()
	wg.Wait()

	return res
}

func (p *Pair) pump(dst, src net.Conn, abort func()) (s Stream) {
	defer func() {
		if r := recover(); r != nil {
			s.Err = fmt.Errorf("relay panic: %v", r)
			abort()
		}
	}()

	bufPtr := p.pool.Get().(*[]byte)
	defer p.pool.Put(bufPtr)
	buf := *bufPtr

	for {
		nr, rerr := src.Read(buf)
		if nr > 0 {
			nw, werr := dst.Write(buf[:nr])
			s.Bytes += int64(nw)
			if werr == nil && nw != nr {
				werr = io.ErrShortWrite
			}
			if werr != nil {
				s.Err = werr
				abort()
				return s
			}
		}
		if rerr != nil {
			if errors.Is(rerr, io.EOF) {
				halfClose(dst)
				return s
			}
			s.Err = rerr
			abort()
			return s
		}
	}
}

func halfClose(c net.Conn) {
	if cw, ok := c.(closeWriter); ok {
		if err := cw.CloseWrite(); err == nil {
			return
		}
	}
	c.Close()
}
