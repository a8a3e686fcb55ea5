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
	"bytes"
	"errors"
	"testing"
)

func TestTCPPackager_PackUnpack(t *testing.T) {
	p := NewTCPPackager()
	adu := DataUnit{UnitID: 0x01, PDU: ProtocolDataUnit{Function: FuncCodeReadHoldingRegisters, Data: []byte{0x00, 0x00, 0x00, 0x01}}}

	frame, err := p.Pack(0x1234, adu)
	if err != nil {
		t.Fatalf("Pack failed: %v", err)
	}
	want := []byte{0x12, 0x34, 0x00, 0x00, 0x00, 0x06, 0x01, 0x03, 0x00, 0x00, 0x00, 0x01}
	if !bytes.Equal(frame, want) {
		t.Fatalf("Pack = % X, want % X", frame, want)
	}

	header, got, err := p.Unpack(frame)
	if err != nil {
		t.Fatalf("Unpack failed: %v", err)
	}
	if header.TransactionID != 0x1234 {
		t.Errorf("transactionID mismatch: got %04x, want 1234", header.TransactionID)
	}
	if got.UnitID != adu.UnitID {
		t.Errorf("unitID mismatch: got %02x, want %02x", got.UnitID, adu.UnitID)
	}
	if !bytes.Equal(got.PDU.Bytes(), adu.PDU.Bytes()) {
		t.Errorf("PDU mismatch: got %v, want %v", got.PDU, adu.PDU)
	}
}

func TestMbapHeaderRoundTrip(t *testing.T) {
	h := MbapHeader{TransactionID: 0xBEEF, ProtocolID: ProtocolIdentifierTCP, Length: 6, UnitID: 0x11}
	raw, err := h.MarshalBinary()
	if err != nil {
		t.Fatalf("MarshalBinary failed: %v", err)
	}
	if len(raw) != TCPHeaderLength {
		t.Fatalf("header length = %d, want %d", len(raw), TCPHeaderLength)
	}
	parsed, err := ParseMbapHeader(raw)
	if err != nil {
		t.Fatalf("ParseMbapHeader failed: %v", err)
	}
	if parsed != h {
		t.Errorf("round trip = %+v, want %+v", parsed, h)
	}

	for _, n := range []int{0, 6, 8} {
		if _, err := ParseMbapHeader(make([]byte, n)); !errors.Is(err, ErrTruncatedData) {
			t.Errorf("ParseMbapHeader(%d bytes) error = %v, want ErrTruncatedData", n, err)
		}
	}
}

func TestTCPPackager_Pack_Invalid(t *testing.T) {
	p := NewTCPPackager()
	_, err := p.Pack(1, DataUnit{UnitID: 1, PDU: ProtocolDataUnit{Function: FuncCodeWriteMultipleRegisters, Data: make([]byte, MaxPDULength)}})
	if err == nil {
		t.Error("Pack should fail for PDU exceeding max length")
	}
}

func TestTCPPackager_Unpack_Invalid(t *testing.T) {
	p := NewTCPPackager()
	adu := DataUnit{UnitID: 1, PDU: ProtocolDataUnit{Function: FuncCodeReadHoldingRegisters, Data: []byte{0x00}}}

	// Too short
	if _, _, err := p.Unpack([]byte{1, 2, 3}); err == nil {
		t.Error("Unpack should fail for short frame")
	}
	// Invalid protocol ID
	frame, _ := p.Pack(1, adu)
	frame[2] = 0xFF
	frame[3] = 0xFF
	if _, _, err := p.Unpack(frame); err == nil {
		t.Error("Unpack should fail for invalid protocol ID")
	}
	// Invalid length field
	frame, _ = p.Pack(1, adu)
	frame[4] = 0x00
	frame[5] = 0x00
	if _, _, err := p.Unpack(frame); err == nil {
		t.Error("Unpack should fail for zero length field")
	}
}

func TestTCPPackager_ReadFrame(t *testing.T) {
	p := NewTCPPackager()
	first, _ := p.Pack(7, DataUnit{UnitID: 2, PDU: ProtocolDataUnit{Function: FuncCodeWriteSingleRegister, Data: []byte{0x00, 0x01, 0x00, 0x2C}}})
	second, _ := p.Pack(8, DataUnit{UnitID: 2, PDU: NewExceptionPDU(FuncCodeReadCoils, ExceptionIllegalDataAddress)})
	stream := bytes.NewReader(append(first, second...))

	header, adu, err := p.ReadFrame(stream)
	if err != nil || adu == nil {
		t.Fatalf("ReadFrame #1 = %v, %v", adu, err)
	}
	if header.TransactionID != 7 || adu.PDU.Function != FuncCodeWriteSingleRegister {
		t.Errorf("ReadFrame #1 got tid %d function %v", header.TransactionID, adu.PDU.Function)
	}

	header, adu, err = p.ReadFrame(stream)
	if err != nil || adu == nil {
		t.Fatalf("ReadFrame #2 = %v, %v", adu, err)
	}
	if header.TransactionID != 8 || adu.PDU.ExceptionCode() != ExceptionIllegalDataAddress {
		t.Errorf("ReadFrame #2 got tid %d exception %v", header.TransactionID, adu.PDU.ExceptionCode())
	}

	// end of stream yields no frame and no error
	_, adu, err = p.ReadFrame(stream)
	if err != nil || adu != nil {
		t.Errorf("ReadFrame at EOF = %v, %v, want nil, nil", adu, err)
	}

	// a frame cut short mid-PDU is also treated as end of stream
	_, adu, err = p.ReadFrame(bytes.NewReader(first[:len(first)-1]))
	if err != nil || adu != nil {
		t.Errorf("ReadFrame on truncated frame = %v, %v, want nil, nil", adu, err)
	}
}
