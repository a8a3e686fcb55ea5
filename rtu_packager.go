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

// RTU framing constants
const (
	RTUMinFrameLength       = 4   // unit id + function code + CRC
	RTUExceptionFrameLength = 5   // unit id + function code + exception code + CRC
	RTUMaxFrameLength       = 256 // unit id + 253 byte PDU + CRC
)

// RTUPackager builds and checks RTU frames: unit id, PDU, CRC16 low byte first.
type RTUPackager struct{}

// NewRTUPackager creates a new RTU packager
func NewRTUPackager() *RTUPackager {
	return &RTUPackager{}
}

// Pack creates an RTU frame for pdu addressed to unitID
func (p *RTUPackager) Pack(unitID uint8, pdu ProtocolDataUnit) ([]byte, error) {
	if pdu.Len() > MaxPDULength {
		return nil, fmt.Errorf("PDU too long: %d bytes (max %d)", pdu.Len(), MaxPDULength)
	}

	frame := make([]byte, 0, 1+pdu.Len()+2)
	frame = append(frame, unitID, byte(pdu.Function))
	frame = append(frame, pdu.Data...)

	// CRC is transmitted in little-endian format
	crc := CRC16(frame)
	return append(frame, byte(crc), byte(crc>>8)), nil
}

// VerifyCRC checks the trailing CRC of an RTU frame
func (p *RTUPackager) VerifyCRC(frame []byte) bool {
	if len(frame) < RTUMinFrameLength {
		return false
	}
	dataLen := len(frame) - 2
	received := uint16(frame[dataLen]) | uint16(frame[dataLen+1])<<8
	return CRC16(frame[:dataLen]) == received
}

// Unpack verifies the CRC and splits the frame into unit id and PDU
func (p *RTUPackager) Unpack(frame []byte) (DataUnit, error) {
	if len(frame) < RTUMinFrameLength {
		return DataUnit{}, fmt.Errorf("%w: RTU frame of %d bytes (minimum %d)", ErrTruncatedData, len(frame), RTUMinFrameLength)
	}
	if !p.VerifyCRC(frame) {
		dataLen := len(frame) - 2
		return DataUnit{}, fmt.Errorf("CRC mismatch: calculated=0x%04X, received=0x%02X%02X",
			CRC16(frame[:dataLen]), frame[dataLen+1], frame[dataLen])
	}
	return DataUnit{
		UnitID: frame[0],
		PDU: ProtocolDataUnit{
			Function: FunctionCode(frame[1]),
			Data:     append([]byte{}, frame[2:len(frame)-2]...),
		},
	}, nil
}
