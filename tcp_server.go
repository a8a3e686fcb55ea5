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
	"net"
	"sync"

	"github.com/rs/zerolog"
	"golang.org/x/sync/errgroup"
)

// TCPServer accepts MBAP connections and routes their requests through a
// ServerNetwork. Requests from one connection are handled in order; separate
// connections are served concurrently.
type TCPServer struct {
	listener net.Listener
	network  *ServerNetwork
	packager *TCPPackager
	logger   zerolog.Logger
	events   EventSink
	onClosed func(remote string)

	mu       sync.Mutex
	conns    map[string]net.Conn
	cancel   context.CancelFunc
	closed   bool
	draining bool
}

// NewTCPServer creates a server on listener. Serve starts accepting.
func NewTCPServer(listener net.Listener, network *ServerNetwork, opts ...Option) *TCPServer {
	o := newOptions(opts)
	return &TCPServer{
		listener: listener,
		network:  network,
		packager: NewTCPPackager(),
		logger:   o.logger.With().Str("component", "tcp_server").Str("listen", listener.Addr().String()).Logger(),
		events:   o.events,
		onClosed: o.onClosed,
		conns:    make(map[string]net.Conn),
	}
}

// Addr returns the listen address.
func (s *TCPServer) Addr() net.Addr {
	return s.listener.Addr()
}

// Serve accepts connections until ctx is done or Close is called, then waits
// for every connection loop to end.
func (s *TCPServer) Serve(ctx context.Context) error {
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return ErrTransportClosed
	}
	s.cancel = cancel
	s.mu.Unlock()

	g, ctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		<-ctx.Done()
		s.listener.Close()
		s.closeConnections()
		return nil
	})
	g.Go(func() error {
		defer cancel()
		for {
			conn, err := s.listener.Accept()
			if err != nil {
				if ctx.Err() != nil || errors.Is(err, net.ErrClosed) {
					return nil
				}
				s.logger.Error().Err(err).Msg("accept failed")
				return fmt.Errorf("accept failed: %w", err)
			}
			if !s.track(conn) {
				continue
			}
			g.Go(func() error {
				s.serveConn(ctx, conn)
				return nil
			})
		}
	})
	return g.Wait()
}

// Close stops accepting and closes every open connection.
func (s *TCPServer) Close() error {
	s.mu.Lock()
	s.closed = true
	cancel := s.cancel
	s.mu.Unlock()

	if cancel != nil {
		cancel()
	}
	err := s.listener.Close()
	if errors.Is(err, net.ErrClosed) {
		return nil
	}
	return err
}

// track registers conn for shutdown. Connections accepted while the server
// is draining are closed right away.
func (s *TCPServer) track(conn net.Conn) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.draining {
		conn.Close()
		return false
	}
	s.conns[conn.RemoteAddr().String()] = conn
	return true
}

func (s *TCPServer) untrack(conn net.Conn) {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.conns, conn.RemoteAddr().String())
}

func (s *TCPServer) closeConnections() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.draining = true
	for _, conn := range s.conns {
		conn.Close()
	}
}

// serveConn reads one frame at a time and fully answers it before reading
// the next. It returns when the peer closes the stream or I/O fails.
func (s *TCPServer) serveConn(ctx context.Context, conn net.Conn) {
	remote := conn.RemoteAddr().String()
	logger := s.logger.With().Str("remote", remote).Logger()
	logger.Info().Msg("connection accepted")
	emit(s.events, Event{Kind: EventConnectionAccepted, Remote: remote})

	defer func() {
		conn.Close()
		s.untrack(conn)
		logger.Info().Msg("connection closed")
		emit(s.events, Event{Kind: EventConnectionClosed, Remote: remote})
		if s.onClosed != nil {
			s.onClosed(remote)
		}
	}()

	for {
		header, request, err := s.packager.ReadFrame(conn)
		if err != nil {
			if ctx.Err() == nil && !errors.Is(err, net.ErrClosed) {
				logger.Warn().Err(err).Msg("failed to read request")
				emit(s.events, Event{Kind: EventError, Remote: remote, Error: err.Error()})
			}
			return
		}
		if request == nil {
			return
		}

		logger.Debug().
			Uint16("tid", header.TransactionID).
			Uint8("unit", request.UnitID).
			Stringer("function", request.PDU.Function).
			Msg("request received")

		backchannel := &backchannelTransport{
			stream:        conn,
			transactionID: header.TransactionID,
			packager:      s.packager,
		}
		if err := s.network.Route(ctx, *request, backchannel); err != nil {
			logger.Warn().Err(err).Msg("failed to answer request")
			emit(s.events, Event{Kind: EventError, Remote: remote, UnitID: request.UnitID, Function: request.PDU.Function, Error: err.Error()})
			return
		}
	}
}

// backchannelTransport answers one inbound request on the connection it
// arrived on, reusing its transaction identifier.
type backchannelTransport struct {
	stream        io.Writer
	transactionID uint16
	packager      *TCPPackager
}

func (b *backchannelTransport) Send(ctx context.Context, response DataUnit) error {
	frame, err := b.packager.Pack(b.transactionID, response)
	if err != nil {
		return err
	}
	stop := bindContext(ctx, b.stream)
	defer stop()
	if _, err := b.stream.Write(frame); err != nil {
		return ioError(ctx, err)
	}
	return nil
}

func (b *backchannelTransport) SendAndReceive(context.Context, DataUnit) (*DataUnit, error) {
	return nil, fmt.Errorf("backchannel only sends responses: %w", errors.ErrUnsupported)
}

func (b *backchannelTransport) Close() error {
	return nil
}
