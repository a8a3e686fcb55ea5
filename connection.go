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
	"bufio"
	"context"
	"crypto/tls"
	"fmt"
	"io"
	"net"
	"sync"
)

// Stream is a connected byte stream to a peer.
type Stream interface {
	io.Reader
	io.Writer
	io.Closer
}

// StreamFactory opens new streams.
type StreamFactory interface {
	CreateAndConnect(ctx context.Context) (Stream, error)
}

// StreamFactoryFunc adapts a function to StreamFactory.
type StreamFactoryFunc func(ctx context.Context) (Stream, error)

// CreateAndConnect calls f.
func (f StreamFactoryFunc) CreateAndConnect(ctx context.Context) (Stream, error) {
	return f(ctx)
}

// TCPStreamFactory dials TCP, optionally wrapped in TLS.
type TCPStreamFactory struct {
	Address   string
	TLSConfig *tls.Config // nil for plain TCP
	Dialer    net.Dialer
}

// CreateAndConnect dials the address and completes the TLS handshake if configured.
func (f *TCPStreamFactory) CreateAndConnect(ctx context.Context) (Stream, error) {
	conn, err := f.Dialer.DialContext(ctx, "tcp", f.Address)
	if err != nil {
		return nil, fmt.Errorf("failed to dial %s: %w", f.Address, err)
	}
	if f.TLSConfig == nil {
		return conn, nil
	}
	tlsConn := tls.Client(conn, f.TLSConfig)
	if err := tlsConn.HandshakeContext(ctx); err != nil {
		conn.Close()
		return nil, fmt.Errorf("TLS handshake with %s failed: %w", f.Address, err)
	}
	return tlsConn, nil
}

// UDPStreamFactory creates datagram streams, one MBAP frame per datagram.
type UDPStreamFactory struct {
	Address string
	Dialer  net.Dialer
}

// CreateAndConnect dials the UDP address.
func (f *UDPStreamFactory) CreateAndConnect(ctx context.Context) (Stream, error) {
	conn, err := f.Dialer.DialContext(ctx, "udp", f.Address)
	if err != nil {
		return nil, fmt.Errorf("failed to dial %s: %w", f.Address, err)
	}
	return &datagramStream{Conn: conn, r: bufio.NewReaderSize(conn, 2*MaxTCPFrameLength)}, nil
}

// datagramStream buffers whole datagrams so a frame can be read in pieces.
type datagramStream struct {
	net.Conn
	r *bufio.Reader
}

func (s *datagramStream) Read(p []byte) (int, error) {
	return s.r.Read(p)
}

// StreamLease grants use of a stream for one call.
//
// Discard marks the stream as unusable, for example after a timeout left a
// late response in it. Strategies sharing the stream close it and open a new
// one on the next Acquire.
type StreamLease interface {
	Stream() Stream
	Release() error
	Discard()
}

// ConnectionStrategy decides when physical streams are opened and closed.
type ConnectionStrategy interface {
	Acquire(ctx context.Context) (StreamLease, error)
	Close() error
}

type sharedLease struct {
	stream Stream
	owner  *SingletonStreamStrategy
}

func (l sharedLease) Stream() Stream { return l.stream }
func (l sharedLease) Release() error { return nil }
func (l sharedLease) Discard()       { l.owner.drop(l.stream) }

// SingletonStreamStrategy lazily opens one stream and hands it to every
// caller until Close. Only creation is serialized: concurrent calls through
// the same instance interleave their reads and writes, so it is meant for
// one caller at a time. Use ExclusiveStreamStrategy or
// StreamPerRequestStrategy for concurrent callers. A discarded stream is
// closed and replaced on the next Acquire.
type SingletonStreamStrategy struct {
	factory StreamFactory
	mu      sync.Mutex
	stream  Stream
	closed  bool
}

// NewSingletonStreamStrategy creates a strategy around factory.
func NewSingletonStreamStrategy(factory StreamFactory) *SingletonStreamStrategy {
	return &SingletonStreamStrategy{factory: factory}
}

// Acquire returns the shared stream, creating it on first use.
func (s *SingletonStreamStrategy) Acquire(ctx context.Context) (StreamLease, error) {
	stream, err := s.current(ctx)
	if err != nil {
		return nil, err
	}
	return sharedLease{stream: stream, owner: s}, nil
}

func (s *SingletonStreamStrategy) current(ctx context.Context) (Stream, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.closed {
		return nil, ErrTransportClosed
	}
	if s.stream == nil {
		stream, err := s.factory.CreateAndConnect(ctx)
		if err != nil {
			return nil, err
		}
		s.stream = stream
	}
	return s.stream, nil
}

// drop closes stream if it is still the shared one.
func (s *SingletonStreamStrategy) drop(stream Stream) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.stream != stream {
		return
	}
	s.stream.Close()
	s.stream = nil
}

// Close closes the shared stream. Later Acquire calls fail.
func (s *SingletonStreamStrategy) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.closed = true
	if s.stream == nil {
		return nil
	}
	err := s.stream.Close()
	s.stream = nil
	return err
}

// ExclusiveStreamStrategy shares one lazily opened stream like
// SingletonStreamStrategy, but a lease is held for the whole round trip so
// concurrent calls queue instead of interleaving.
type ExclusiveStreamStrategy struct {
	singleton *SingletonStreamStrategy
	turn      chan struct{}
}

// NewExclusiveStreamStrategy creates a strategy around factory.
func NewExclusiveStreamStrategy(factory StreamFactory) *ExclusiveStreamStrategy {
	return &ExclusiveStreamStrategy{
		singleton: NewSingletonStreamStrategy(factory),
		turn:      make(chan struct{}, 1),
	}
}

// Acquire waits for the stream to be free.
func (s *ExclusiveStreamStrategy) Acquire(ctx context.Context) (StreamLease, error) {
	select {
	case s.turn <- struct{}{}:
	case <-ctx.Done():
		return nil, contextError(ctx)
	}
	stream, err := s.singleton.current(ctx)
	if err != nil {
		<-s.turn
		return nil, err
	}
	return &exclusiveLease{stream: stream, turn: s.turn, owner: s.singleton}, nil
}

// Close closes the shared stream.
func (s *ExclusiveStreamStrategy) Close() error {
	return s.singleton.Close()
}

type exclusiveLease struct {
	stream Stream
	turn   chan struct{}
	owner  *SingletonStreamStrategy
	once   sync.Once
}

func (l *exclusiveLease) Stream() Stream { return l.stream }
func (l *exclusiveLease) Discard()       { l.owner.drop(l.stream) }

func (l *exclusiveLease) Release() error {
	l.once.Do(func() { <-l.turn })
	return nil
}

// StreamPerRequestStrategy opens a fresh stream for each call and closes it
// when the call is done.
type StreamPerRequestStrategy struct {
	factory StreamFactory
}

// NewStreamPerRequestStrategy creates a strategy around factory.
func NewStreamPerRequestStrategy(factory StreamFactory) *StreamPerRequestStrategy {
	return &StreamPerRequestStrategy{factory: factory}
}

// Acquire opens a new stream.
func (s *StreamPerRequestStrategy) Acquire(ctx context.Context) (StreamLease, error) {
	stream, err := s.factory.CreateAndConnect(ctx)
	if err != nil {
		return nil, err
	}
	return ownedLease{stream: stream}, nil
}

// Close is a no-op; streams never outlive their call.
func (s *StreamPerRequestStrategy) Close() error {
	return nil
}

type ownedLease struct {
	stream Stream
}

func (l ownedLease) Stream() Stream { return l.stream }
func (l ownedLease) Release() error { return l.stream.Close() }
func (l ownedLease) Discard()       {}
