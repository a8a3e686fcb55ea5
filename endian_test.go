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
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestEndianReader(t *testing.T) {
	r := NewEndianReader([]byte{0x12, 0x34, 0xAB, 0x00, 0x01, 0x00, 0x02, 0xFF})

	v, err := r.ReadUint16()
	require.NoError(t, err)
	assert.Equal(t, uint16(0x1234), v)

	b, err := r.ReadByte()
	require.NoError(t, err)
	assert.Equal(t, byte(0xAB), b)

	values, err := r.ReadUint16s(2)
	require.NoError(t, err)
	assert.Equal(t, []uint16{0x0001, 0x0002}, values)
	assert.Equal(t, 1, r.Remaining())

	_, err = r.ReadUint16()
	assert.ErrorIs(t, err, ErrTruncatedData)
	// a failed read consumes nothing
	assert.Equal(t, 1, r.Remaining())

	raw, err := r.ReadBytes(1)
	require.NoError(t, err)
	assert.Equal(t, []byte{0xFF}, raw)

	_, err = r.ReadByte()
	assert.ErrorIs(t, err, ErrTruncatedData)
}

func TestEndianReaderCopiesBytes(t *testing.T) {
	src := []byte{1, 2, 3}
	raw, err := NewEndianReader(src).ReadBytes(3)
	require.NoError(t, err)
	src[0] = 9
	assert.Equal(t, []byte{1, 2, 3}, raw)
}

func TestEndianWriter(t *testing.T) {
	w := NewEndianWriter()
	assert.Equal(t, []byte{}, w.Bytes())

	require.NoError(t, w.WriteByte(0x02))
	w.WriteUint16(0xCAFE)
	w.WriteUint16s([]uint16{1, 0x0203})
	w.WriteBytes([]byte{0x7F})

	assert.Equal(t, 8, w.Len())
	assert.Equal(t, []byte{0x02, 0xCA, 0xFE, 0x00, 0x01, 0x02, 0x03, 0x7F}, w.Bytes())
}

func TestEndianWriterLittleEndian(t *testing.T) {
	w := NewEndianWriterWithOrder(binary.LittleEndian)
	w.WriteUint16(0x1234)
	assert.Equal(t, []byte{0x34, 0x12}, w.Bytes())

	v, err := NewEndianReaderWithOrder(w.Bytes(), binary.LittleEndian).ReadUint16()
	require.NoError(t, err)
	assert.Equal(t, uint16(0x1234), v)
}

func TestPackBits(t *testing.T) {
	values := []bool{true, false, true, true, false, false, true, true, true, false}
	packed := PackBits(values)
	assert.Equal(t, []byte{0xCD, 0x01}, packed)
	assert.Equal(t, values, UnpackBits(packed, len(values)))

	assert.Equal(t, 0, PackedLen(0))
	assert.Equal(t, 1, PackedLen(8))
	assert.Equal(t, 2, PackedLen(9))
	assert.Equal(t, 250, PackedLen(MaxReadBits))

	// count is clamped to what the bytes can hold
	assert.Len(t, UnpackBits([]byte{0xFF}, 20), 8)
	assert.Equal(t, []bool{}, UnpackBits(nil, 3))
}
