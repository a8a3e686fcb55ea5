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
	"fmt"
)

// MessageSerializer converts the typed request and response of one function
// to and from PDU payload bytes (the bytes after the function code).
type MessageSerializer[Req, Resp any] interface {
	SerializeRequest(req Req) ([]byte, error)
	DeserializeRequest(data []byte) (Req, error)
	SerializeResponse(resp Resp) ([]byte, error)
	DeserializeResponse(data []byte) (Resp, error)
}

// messageSerializer assembles a MessageSerializer from four codec steps.
type messageSerializer[Req, Resp any] struct {
	encodeRequest  func(w *EndianWriter, req Req) error
	decodeRequest  func(r *EndianReader) (Req, error)
	encodeResponse func(w *EndianWriter, resp Resp) error
	decodeResponse func(r *EndianReader) (Resp, error)
}

func (s messageSerializer[Req, Resp]) SerializeRequest(req Req) ([]byte, error) {
	w := NewEndianWriter()
	if err := s.encodeRequest(w, req); err != nil {
		return nil, err
	}
	return w.Bytes(), nil
}

func (s messageSerializer[Req, Resp]) DeserializeRequest(data []byte) (Req, error) {
	return s.decodeRequest(NewEndianReader(data))
}

func (s messageSerializer[Req, Resp]) SerializeResponse(resp Resp) ([]byte, error) {
	w := NewEndianWriter()
	if err := s.encodeResponse(w, resp); err != nil {
		return nil, err
	}
	return w.Bytes(), nil
}

func (s messageSerializer[Req, Resp]) DeserializeResponse(data []byte) (Resp, error) {
	return s.decodeResponse(NewEndianReader(data))
}

// writeByteCount writes the one byte count prefix used by most payloads.
func writeByteCount(w *EndianWriter, n int) error {
	if n > 0xFF {
		return fmt.Errorf("%w: byte count %d does not fit in one byte", ErrInvalidArgument, n)
	}
	return w.WriteByte(byte(n))
}

// readAddressQuantity reads the (address, quantity) pair shared by several
// request and response layouts.
func readAddressQuantity(r *EndianReader) (uint16, uint16, error) {
	address, err := r.ReadUint16()
	if err != nil {
		return 0, 0, err
	}
	quantity, err := r.ReadUint16()
	if err != nil {
		return 0, 0, err
	}
	return address, quantity, nil
}

// readRegisterBlock reads a byte count followed by that many register bytes.
func readRegisterBlock(r *EndianReader) ([]uint16, error) {
	count, err := r.ReadByte()
	if err != nil {
		return nil, err
	}
	if count%2 != 0 {
		return nil, fmt.Errorf("%w: odd register byte count %d", ErrTruncatedData, count)
	}
	return r.ReadUint16s(int(count) / 2)
}

func writeRegisterBlock(w *EndianWriter, registers []uint16) error {
	if err := writeByteCount(w, len(registers)*2); err != nil {
		return err
	}
	w.WriteUint16s(registers)
	return nil
}
