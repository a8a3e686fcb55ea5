// Copyright (C) 2024  wwhai
//
// This program is free software; you can redistribute it and/or modify
// it under the terms of the GNU General Public License as published by
// the Free Software Foundation; either version 2 of the License, or
// (at your option) any later version.
//
// This program is distributed in the hope that it will be useful,
// but WITHOUT ANY WARRANTY; without even the implied warranty of
// MERCHANTABILITY or FITNESS FOR A PARTICULAR PURPOSE.  See the
// GNU General Public License for more details.
//
// You should have received a copy of the GNU General Public License along
// with this program; if not, see <https://www.gnu.org/licenses/>.

package modbus

import (
	"context"
	"errors"
	"fmt"
	"io"
	"sync"
	"time"
)

// DeadlinePort is a port whose blocking reads and writes can be bounded by
// deadlines, such as the net.Conn of an RTU gateway.
type DeadlinePort interface {
	SetReadDeadline(t time.Time) error
	SetWriteDeadline(t time.Time) error
}

// portIO performs single reads and writes on a port, each bounded by ctx and
// a timeout. A read reporting end of stream returns the bytes it got and a
// nil error.
type portIO interface {
	read(ctx context.Context, buf []byte, timeout time.Duration) (int, error)
	write(ctx context.Context, frame []byte, timeout time.Duration) error
	// discard drops received bytes that no read has asked for yet.
	discard()
	close()
}

func newPortIO(port io.ReadWriter) portIO {
	if d, ok := port.(DeadlinePort); ok {
		return &deadlinePortIO{port: port, deadlines: d}
	}
	return newReaderPortIO(port)
}

func withOpTimeout(ctx context.Context, timeout time.Duration) (context.Context, context.CancelFunc) {
	if timeout > 0 {
		return context.WithTimeout(ctx, timeout)
	}
	return context.WithCancel(ctx)
}

func writeFull(w io.Writer, frame []byte) error {
	written := 0
	for written < len(frame) {
		n, err := w.Write(frame[written:])
		if err != nil {
			return fmt.Errorf("write failed after %d bytes: %w", written, err)
		}
		written += n
	}
	return nil
}

// deadlinePortIO runs every operation on the calling goroutine with the port
// deadline set, so an expired read consumes nothing.
type deadlinePortIO struct {
	port      io.ReadWriter
	deadlines DeadlinePort
}

func (d *deadlinePortIO) read(ctx context.Context, buf []byte, timeout time.Duration) (int, error) {
	ctx, cancel := withOpTimeout(ctx, timeout)
	defer cancel()

	stop := bindDeadline(ctx, d.deadlines.SetReadDeadline)
	n, err := d.port.Read(buf)
	stop()
	if err == nil || errors.Is(err, io.EOF) {
		return n, nil
	}
	return n, ioError(ctx, err)
}

func (d *deadlinePortIO) write(ctx context.Context, frame []byte, timeout time.Duration) error {
	ctx, cancel := withOpTimeout(ctx, timeout)
	defer cancel()

	stop := bindDeadline(ctx, d.deadlines.SetWriteDeadline)
	err := writeFull(d.port, frame)
	stop()
	if err != nil {
		return ioError(ctx, err)
	}
	return nil
}

func (d *deadlinePortIO) discard() {}
func (d *deadlinePortIO) close()   {}

type readResult struct {
	data []byte
	err  error
}

// readerPortIO owns all reads of a port without deadlines. One long-lived
// goroutine performs them, one at a time. A read the caller stopped waiting
// for stays pending, and its bytes go to the next read instead of being lost.
//
// Methods other than close must not be called concurrently.
type readerPortIO struct {
	port     io.ReadWriter
	requests chan chan readResult
	quit     chan struct{}
	quitOnce sync.Once

	pending  chan readResult
	buffered []byte
}

func newReaderPortIO(port io.ReadWriter) *readerPortIO {
	r := &readerPortIO{
		port:     port,
		requests: make(chan chan readResult),
		quit:     make(chan struct{}),
	}
	go r.loop()
	return r
}

func (r *readerPortIO) loop() {
	buf := make([]byte, RTUMaxFrameLength)
	for {
		var result chan readResult
		select {
		case result = <-r.requests:
		case <-r.quit:
			return
		}
		n, err := r.port.Read(buf)
		result <- readResult{data: append([]byte(nil), buf[:n]...), err: err}
	}
}

func (r *readerPortIO) read(ctx context.Context, buf []byte, timeout time.Duration) (int, error) {
	if len(r.buffered) > 0 {
		n := copy(buf, r.buffered)
		r.buffered = r.buffered[n:]
		return n, nil
	}

	ctx, cancel := withOpTimeout(ctx, timeout)
	defer cancel()

	result := r.pending
	if result == nil {
		result = make(chan readResult, 1)
		select {
		case r.requests <- result:
		case <-r.quit:
			return 0, ErrTransportClosed
		case <-ctx.Done():
			return 0, contextError(ctx)
		}
	}

	select {
	case res := <-result:
		r.pending = nil
		n := copy(buf, res.data)
		r.buffered = append(r.buffered, res.data[n:]...)
		if res.err == nil || errors.Is(res.err, io.EOF) {
			return n, nil
		}
		return n, res.err
	case <-ctx.Done():
		r.pending = result
		return 0, contextError(ctx)
	}
}

// write cannot interrupt a blocked port write; on timeout the write goroutine
// finishes on its own.
func (r *readerPortIO) write(ctx context.Context, frame []byte, timeout time.Duration) error {
	ctx, cancel := withOpTimeout(ctx, timeout)
	defer cancel()

	done := make(chan error, 1)
	go func() { done <- writeFull(r.port, frame) }()
	select {
	case err := <-done:
		return err
	case <-ctx.Done():
		return contextError(ctx)
	}
}

func (r *readerPortIO) discard() {
	r.buffered = nil
	if r.pending == nil {
		return
	}
	select {
	case <-r.pending:
		r.pending = nil
	default:
	}
}

func (r *readerPortIO) close() {
	r.quitOnce.Do(func() { close(r.quit) })
}
