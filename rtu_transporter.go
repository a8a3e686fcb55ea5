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
	"encoding/binary"
	"errors"
	"fmt"
	"io"
	"sync"
	"time"

	"github.com/rs/zerolog"
)

// RTU silent interval constants, in microseconds, used above 19200 baud.
const (
	rtuHighBaudCharacterDelay = 750
	rtuHighBaudFrameDelay     = 1750
	rtuMaxTimedBaudRate       = 19200
)

// BufferResetter is implemented by ports that can drop pending bytes.
type BufferResetter interface {
	ResetInputBuffer() error
	ResetOutputBuffer() error
}

// RTUConfig holds configuration parameters for RTU transporter
type RTUConfig struct {
	BaudRate     int
	ReadTimeout  time.Duration
	WriteTimeout time.Duration
}

// DefaultRTUConfig returns default configuration
func DefaultRTUConfig() RTUConfig {
	return RTUConfig{
		BaudRate:     9600,
		ReadTimeout:  1 * time.Second,
		WriteTimeout: 1 * time.Second,
	}
}

// RTUDelays returns the character and frame delay in microseconds for baud.
func RTUDelays(baudRate int) (characterDelay, frameDelay int) {
	if baudRate <= 0 || baudRate > rtuMaxTimedBaudRate {
		return rtuHighBaudCharacterDelay, rtuHighBaudFrameDelay
	}
	return 15_000_000 / baudRate, 35_000_000 / baudRate
}

// RTUFrameDelay is the pause after sending a frame of frameLength bytes,
// rounded down to whole milliseconds.
func RTUFrameDelay(baudRate, frameLength int) time.Duration {
	characterDelay, frameDelay := RTUDelays(baudRate)
	ms := (characterDelay*frameLength + frameDelay) / 1000
	return time.Duration(ms) * time.Millisecond
}

// RTUResponseLength infers the length of the response frame to request.
func RTUResponseLength(request ProtocolDataUnit) int {
	quantity := func() int {
		if len(request.Data) < 4 {
			return 0
		}
		return int(binary.BigEndian.Uint16(request.Data[2:4]))
	}

	switch request.Function {
	case FuncCodeReadCoils, FuncCodeReadDiscreteInputs:
		return RTUMinFrameLength + 1 + PackedLen(quantity())
	case FuncCodeReadHoldingRegisters, FuncCodeReadInputRegisters, FuncCodeReadWriteMultipleRegisters:
		return RTUMinFrameLength + 1 + quantity()*2
	case FuncCodeWriteSingleCoil, FuncCodeWriteSingleRegister,
		FuncCodeWriteMultipleCoils, FuncCodeWriteMultipleRegisters:
		return RTUMinFrameLength + 4
	case FuncCodeMaskWriteRegister:
		return RTUMinFrameLength + 6
	default:
		return RTUMinFrameLength
	}
}

// SerialTransport handles Modbus RTU over any byte port: a serial line or an
// RTU gateway socket. Round trips are serialized since the line is shared.
//
// Ports implementing DeadlinePort are read and written with deadlines. Other
// ports are read by one long-lived goroutine, so a read abandoned on timeout
// never swallows bytes of a later response.
type SerialTransport struct {
	port     io.ReadWriteCloser
	io       portIO
	config   RTUConfig
	packager *RTUPackager
	logger   zerolog.Logger
	mu       sync.Mutex
}

// NewSerialTransport creates a transport over an already opened port.
func NewSerialTransport(port io.ReadWriteCloser, config RTUConfig, opts ...Option) *SerialTransport {
	o := newOptions(opts)
	return &SerialTransport{
		port:     port,
		io:       newPortIO(port),
		config:   config,
		packager: NewRTUPackager(),
		logger:   o.logger.With().Str("transport", "rtu").Logger(),
	}
}

// Send writes the framed request and waits out the silent interval.
func (t *SerialTransport) Send(ctx context.Context, request DataUnit) error {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.send(ctx, request)
}

func (t *SerialTransport) send(ctx context.Context, request DataUnit) error {
	frame, err := t.packager.Pack(request.UnitID, request.PDU)
	if err != nil {
		return fmt.Errorf("failed to pack frame: %w", err)
	}

	// bytes left over from an earlier exchange cannot answer this request
	t.io.discard()

	t.logger.Debug().Hex("frame", frame).Msg("sending request")
	if err := t.io.write(ctx, frame, t.config.WriteTimeout); err != nil {
		t.failed(err)
		return err
	}

	delay := RTUFrameDelay(t.config.BaudRate, len(frame))
	if delay <= 0 {
		return nil
	}
	timer := time.NewTimer(delay)
	defer timer.Stop()
	select {
	case <-timer.C:
		return nil
	case <-ctx.Done():
		return contextError(ctx)
	}
}

// SendAndReceive sends request and reads the response frame. The expected
// length is inferred from the request. A frame that ends early or fails the
// CRC check is dropped and reported as no response. Exception responses keep
// the error flag on their function code.
func (t *SerialTransport) SendAndReceive(ctx context.Context, request DataUnit) (*DataUnit, error) {
	t.mu.Lock()
	defer t.mu.Unlock()

	if err := t.send(ctx, request); err != nil {
		return nil, err
	}

	frame := make([]byte, RTUMaxFrameLength)
	total, err := t.readUntil(ctx, frame, 0, RTUMinFrameLength)
	if err != nil {
		return nil, err
	}
	if total < RTUMinFrameLength {
		t.logger.Debug().Int("bytes", total).Msg("no response")
		return nil, nil
	}

	expected := RTUMinFrameLength
	switch FunctionCode(frame[1]) {
	case request.PDU.Function:
		expected = RTUResponseLength(request.PDU)
		if expected > RTUMaxFrameLength {
			return nil, fmt.Errorf("%w: expected response of %d bytes", ErrInvalidArgument, expected)
		}
	case request.PDU.Function.WithError():
		expected = RTUExceptionFrameLength
	}
	if total, err = t.readUntil(ctx, frame, total, expected); err != nil {
		return nil, err
	}
	if total < expected {
		t.logger.Debug().Hex("frame", frame[:total]).Int("expected", expected).Msg("response ended early")
		return nil, nil
	}

	frame = frame[:total]
	if !t.packager.VerifyCRC(frame) {
		t.logger.Warn().Hex("frame", frame).Msg("dropping response with bad CRC")
		return nil, nil
	}

	t.logger.Debug().Hex("frame", frame).Msg("received response")
	return &DataUnit{
		UnitID: request.UnitID,
		PDU: ProtocolDataUnit{
			Function: FunctionCode(frame[1]),
			Data:     append([]byte{}, frame[2:total-2]...),
		},
	}, nil
}

// readUntil reads into frame until want bytes are held. It stops early,
// without error, when the port delivers nothing.
func (t *SerialTransport) readUntil(ctx context.Context, frame []byte, total, want int) (int, error) {
	for total < want {
		n, err := t.io.read(ctx, frame[total:want], t.config.ReadTimeout)
		if err != nil {
			t.failed(err)
			return total, err
		}
		if n == 0 {
			return total, nil
		}
		total += n
	}
	return total, nil
}

// failed discards the port buffers after an operation timed out or was
// cancelled.
func (t *SerialTransport) failed(err error) {
	if errors.Is(err, ErrTimeout) || errors.Is(err, ErrCancelled) {
		t.discardBuffers()
	}
}

func (t *SerialTransport) discardBuffers() {
	resetter, ok := t.port.(BufferResetter)
	if !ok {
		return
	}
	if err := resetter.ResetInputBuffer(); err != nil {
		t.logger.Warn().Err(err).Msg("failed to discard input buffer")
	}
	if err := resetter.ResetOutputBuffer(); err != nil {
		t.logger.Warn().Err(err).Msg("failed to discard output buffer")
	}
}

// Close closes the underlying port
func (t *SerialTransport) Close() error {
	t.io.close()
	return t.port.Close()
}
