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
	"encoding/binary"
	"fmt"
)

// byteOrder is satisfied by binary.BigEndian and binary.LittleEndian.
type byteOrder interface {
	binary.ByteOrder
	binary.AppendByteOrder
}

// EndianReader reads integers from a byte slice, advancing a cursor.
// Every read fails with ErrTruncatedData when too few bytes remain.
type EndianReader struct {
	data  []byte
	pos   int
	order byteOrder
}

// NewEndianReader creates a big-endian reader over data.
func NewEndianReader(data []byte) *EndianReader {
	return NewEndianReaderWithOrder(data, binary.BigEndian)
}

// NewEndianReaderWithOrder creates a reader with an explicit byte order.
func NewEndianReaderWithOrder(data []byte, order byteOrder) *EndianReader {
	return &EndianReader{data: data, order: order}
}

// Remaining returns the number of unread bytes.
func (r *EndianReader) Remaining() int {
	return len(r.data) - r.pos
}

func (r *EndianReader) need(n int) error {
	if n < 0 || r.Remaining() < n {
		return fmt.Errorf("%w: need %d bytes at offset %d, have %d", ErrTruncatedData, n, r.pos, r.Remaining())
	}
	return nil
}

// ReadByte reads one byte.
func (r *EndianReader) ReadByte() (byte, error) {
	if err := r.need(1); err != nil {
		return 0, err
	}
	b := r.data[r.pos]
	r.pos++
	return b, nil
}

// ReadUint16 reads one 16-bit value.
func (r *EndianReader) ReadUint16() (uint16, error) {
	if err := r.need(2); err != nil {
		return 0, err
	}
	v := r.order.Uint16(r.data[r.pos:])
	r.pos += 2
	return v, nil
}

// ReadUint16s reads n consecutive 16-bit values.
func (r *EndianReader) ReadUint16s(n int) ([]uint16, error) {
	if err := r.need(n * 2); err != nil {
		return nil, err
	}
	values := make([]uint16, n)
	for i := range values {
		values[i] = r.order.Uint16(r.data[r.pos:])
		r.pos += 2
	}
	return values, nil
}

// ReadBytes reads n bytes. The result does not alias the underlying buffer.
func (r *EndianReader) ReadBytes(n int) ([]byte, error) {
	if err := r.need(n); err != nil {
		return nil, err
	}
	b := make([]byte, n)
	copy(b, r.data[r.pos:])
	r.pos += n
	return b, nil
}

// EndianWriter appends integers to a growing buffer.
type EndianWriter struct {
	buf   []byte
	order byteOrder
}

// NewEndianWriter creates a big-endian writer.
func NewEndianWriter() *EndianWriter {
	return NewEndianWriterWithOrder(binary.BigEndian)
}

// NewEndianWriterWithOrder creates a writer with an explicit byte order.
func NewEndianWriterWithOrder(order byteOrder) *EndianWriter {
	return &EndianWriter{order: order}
}

// WriteByte appends one byte. It never fails.
func (w *EndianWriter) WriteByte(b byte) error {
	w.buf = append(w.buf, b)
	return nil
}

// WriteUint16 appends one 16-bit value.
func (w *EndianWriter) WriteUint16(v uint16) {
	w.buf = w.order.AppendUint16(w.buf, v)
}

// WriteUint16s appends each value in order.
func (w *EndianWriter) WriteUint16s(values []uint16) {
	for _, v := range values {
		w.buf = w.order.AppendUint16(w.buf, v)
	}
}

// WriteBytes appends b unchanged.
func (w *EndianWriter) WriteBytes(b []byte) {
	w.buf = append(w.buf, b...)
}

// Len returns the number of bytes written so far.
func (w *EndianWriter) Len() int {
	return len(w.buf)
}

// Bytes returns the written bytes.
func (w *EndianWriter) Bytes() []byte {
	if w.buf == nil {
		return []byte{}
	}
	return w.buf
}
