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
	"errors"
	"fmt"
	"io"
)

// Modbus TCP Protocol Constants
const (
	TCPHeaderLength       = 7                              // MBAP header length in bytes
	MaxPDULength          = 253                            // Maximum PDU length
	MaxTCPFrameLength     = TCPHeaderLength + MaxPDULength // Maximum complete frame length
	ProtocolIdentifierTCP = 0x0000                         // Modbus protocol identifier
	DefaultTCPPort        = 502
	DefaultSecureTCPPort  = 802
)

// MbapHeader is the 7 byte Modbus Application Protocol header.
// Length counts the unit identifier plus the PDU bytes.
type MbapHeader struct {
	TransactionID uint16
	ProtocolID    uint16
	Length        uint16
	UnitID        uint8
}

// PDULength returns the number of PDU bytes announced by the header.
func (h MbapHeader) PDULength() int {
	return int(h.Length) - 1
}

// MarshalBinary encodes the header in wire order.
func (h MbapHeader) MarshalBinary() ([]byte, error) {
	b := make([]byte, TCPHeaderLength)
	binary.BigEndian.PutUint16(b[0:2], h.TransactionID)
	binary.BigEndian.PutUint16(b[2:4], h.ProtocolID)
	binary.BigEndian.PutUint16(b[4:6], h.Length)
	b[6] = h.UnitID
	return b, nil
}

// ParseMbapHeader decodes exactly TCPHeaderLength bytes.
func ParseMbapHeader(b []byte) (MbapHeader, error) {
	if len(b) != TCPHeaderLength {
		return MbapHeader{}, fmt.Errorf("%w: MBAP header must be %d bytes, got %d", ErrTruncatedData, TCPHeaderLength, len(b))
	}
	h := MbapHeader{
		TransactionID: binary.BigEndian.Uint16(b[0:2]),
		ProtocolID:    binary.BigEndian.Uint16(b[2:4]),
		Length:        binary.BigEndian.Uint16(b[4:6]),
		UnitID:        b[6],
	}
	if h.ProtocolID != ProtocolIdentifierTCP {
		return MbapHeader{}, fmt.Errorf("invalid protocol identifier: 0x%04X, expected 0x%04X", h.ProtocolID, ProtocolIdentifierTCP)
	}
	return h, nil
}

// TCPPackager handles Modbus TCP packet packing and unpacking.
type TCPPackager struct{}

// NewTCPPackager creates a new TCPPackager.
func NewTCPPackager() *TCPPackager {
	return &TCPPackager{}
}

// Pack packs a data unit into a complete TCP frame: MBAP header + PDU.
func (p *TCPPackager) Pack(transactionID uint16, adu DataUnit) ([]byte, error) {
	if adu.PDU.Len() > MaxPDULength {
		return nil, fmt.Errorf("PDU length %d exceeds maximum %d bytes", adu.PDU.Len(), MaxPDULength)
	}
	header, _ := MbapHeader{
		TransactionID: transactionID,
		ProtocolID:    ProtocolIdentifierTCP,
		Length:        uint16(adu.PDU.Len() + 1),
		UnitID:        adu.UnitID,
	}.MarshalBinary()

	frame := make([]byte, 0, TCPHeaderLength+adu.PDU.Len())
	frame = append(frame, header...)
	return append(frame, adu.PDU.Bytes()...), nil
}

// Unpack unpacks a complete TCP frame into its header and data unit.
func (p *TCPPackager) Unpack(frame []byte) (MbapHeader, DataUnit, error) {
	if len(frame) < TCPHeaderLength {
		return MbapHeader{}, DataUnit{}, fmt.Errorf("%w: TCP frame of %d bytes, minimum %d", ErrTruncatedData, len(frame), TCPHeaderLength)
	}
	header, err := ParseMbapHeader(frame[:TCPHeaderLength])
	if err != nil {
		return MbapHeader{}, DataUnit{}, err
	}
	if header.PDULength() != len(frame)-TCPHeaderLength {
		return MbapHeader{}, DataUnit{}, fmt.Errorf("length field mismatch: header indicates %d, actual frame has %d",
			header.Length, len(frame)-TCPHeaderLength+1)
	}
	pdu, err := ParsePDU(frame[TCPHeaderLength:])
	if err != nil {
		return MbapHeader{}, DataUnit{}, err
	}
	return header, DataUnit{UnitID: header.UnitID, PDU: pdu}, nil
}

// ReadFrame reads one MBAP frame from r. It returns a nil data unit and a
// nil error when the stream ends before a complete frame arrived.
func (p *TCPPackager) ReadFrame(r io.Reader) (MbapHeader, *DataUnit, error) {
	raw := make([]byte, TCPHeaderLength)
	if _, err := io.ReadFull(r, raw); err != nil {
		if isEndOfStream(err) {
			return MbapHeader{}, nil, nil
		}
		return MbapHeader{}, nil, fmt.Errorf("failed to read MBAP header: %w", err)
	}
	header, err := ParseMbapHeader(raw)
	if err != nil {
		return MbapHeader{}, nil, err
	}
	if header.Length < 2 || header.PDULength() > MaxPDULength {
		return MbapHeader{}, nil, fmt.Errorf("invalid length field: %d", header.Length)
	}

	body := make([]byte, header.PDULength())
	if _, err := io.ReadFull(r, body); err != nil {
		if isEndOfStream(err) {
			return MbapHeader{}, nil, nil
		}
		return MbapHeader{}, nil, fmt.Errorf("failed to read PDU (%d bytes): %w", len(body), err)
	}
	pdu, err := ParsePDU(body)
	if err != nil {
		return MbapHeader{}, nil, err
	}
	return header, &DataUnit{UnitID: header.UnitID, PDU: pdu}, nil
}

func isEndOfStream(err error) bool {
	return errors.Is(err, io.EOF) || errors.Is(err, io.ErrUnexpectedEOF)
}
