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
	"fmt"
	"sync/atomic"

	"github.com/rs/zerolog"
)

// IPClientTransport speaks MBAP over streams handed out by a ConnectionStrategy.
//
// Transaction identifiers come from a 16-bit counter owned by the transport.
// After 65536 requests the counter wraps and identifiers are reused.
type IPClientTransport struct {
	strategy      ConnectionStrategy
	packager      *TCPPackager
	logger        zerolog.Logger
	transactionID atomic.Uint32
}

// NewIPClientTransport creates a transport using strategy for its streams.
func NewIPClientTransport(strategy ConnectionStrategy, opts ...Option) *IPClientTransport {
	o := newOptions(opts)
	return &IPClientTransport{
		strategy: strategy,
		packager: NewTCPPackager(),
		logger:   o.logger.With().Str("transport", "tcp").Logger(),
	}
}

// NextTransactionID generates the next transaction ID, wrapping at 65535.
func (t *IPClientTransport) NextTransactionID() uint16 {
	return uint16(t.transactionID.Add(1))
}

// Send writes request without waiting for an answer.
func (t *IPClientTransport) Send(ctx context.Context, request DataUnit) error {
	lease, err := t.strategy.Acquire(ctx)
	if err != nil {
		return fmt.Errorf("failed to acquire stream: %w", err)
	}
	defer lease.Release()

	stop := bindContext(ctx, lease.Stream())
	defer stop()

	if _, err = t.write(ctx, lease.Stream(), request); err != nil {
		lease.Discard()
	}
	return err
}

// SendAndReceive writes request and reads the matching response. A response
// carrying another transaction identifier fails with ErrTransactionMismatch.
// After any failure, or when the peer closed the stream, the stream is
// discarded so a late or partial frame cannot answer the next request.
func (t *IPClientTransport) SendAndReceive(ctx context.Context, request DataUnit) (*DataUnit, error) {
	lease, err := t.strategy.Acquire(ctx)
	if err != nil {
		return nil, fmt.Errorf("failed to acquire stream: %w", err)
	}
	defer lease.Release()

	stream := lease.Stream()
	stop := bindContext(ctx, stream)
	defer stop()

	transactionID, err := t.write(ctx, stream, request)
	if err != nil {
		lease.Discard()
		return nil, err
	}

	header, response, err := t.packager.ReadFrame(stream)
	if err != nil {
		lease.Discard()
		return nil, ioError(ctx, err)
	}
	if response == nil {
		t.logger.Debug().Uint16("tid", transactionID).Msg("stream closed before a response arrived")
		lease.Discard()
		return nil, nil
	}
	if header.TransactionID != transactionID {
		lease.Discard()
		return nil, fmt.Errorf("%w: sent 0x%04X, received 0x%04X", ErrTransactionMismatch, transactionID, header.TransactionID)
	}

	t.logger.Debug().
		Uint16("tid", transactionID).
		Uint8("unit", response.UnitID).
		Stringer("function", response.PDU.Function).
		Hex("data", response.PDU.Data).
		Msg("received response")
	return response, nil
}

func (t *IPClientTransport) write(ctx context.Context, stream Stream, request DataUnit) (uint16, error) {
	transactionID := t.NextTransactionID()
	frame, err := t.packager.Pack(transactionID, request)
	if err != nil {
		return 0, fmt.Errorf("failed to pack PDU: %w", err)
	}

	t.logger.Debug().
		Uint16("tid", transactionID).
		Uint8("unit", request.UnitID).
		Hex("frame", frame).
		Msg("sending request")

	if _, err := stream.Write(frame); err != nil {
		return 0, fmt.Errorf("write failed: %w", ioError(ctx, err))
	}
	return transactionID, nil
}

// Close releases the connection strategy.
func (t *IPClientTransport) Close() error {
	return t.strategy.Close()
}
