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

// FunctionCode identifies a Modbus function.
type FunctionCode uint8

// Supported function codes
const (
	FuncCodeReadCoils                  FunctionCode = 0x01
	FuncCodeReadDiscreteInputs         FunctionCode = 0x02
	FuncCodeReadHoldingRegisters       FunctionCode = 0x03
	FuncCodeReadInputRegisters         FunctionCode = 0x04
	FuncCodeWriteSingleCoil            FunctionCode = 0x05
	FuncCodeWriteSingleRegister        FunctionCode = 0x06
	FuncCodeWriteMultipleCoils         FunctionCode = 0x0F
	FuncCodeWriteMultipleRegisters     FunctionCode = 0x10
	FuncCodeMaskWriteRegister          FunctionCode = 0x16
	FuncCodeReadWriteMultipleRegisters FunctionCode = 0x17
	FuncCodeReadFIFOQueue              FunctionCode = 0x18
)

// FunctionErrorFlag is set on the function code of an exception response.
const FunctionErrorFlag FunctionCode = 0x80

// Quantity limits per request, from the Modbus application protocol.
const (
	MaxReadBits           = 2000
	MaxWriteBits          = 1968
	MaxReadRegisters      = 125
	MaxWriteRegisters     = 123
	MaxReadWriteRegisters = 121
	MaxFIFOCount          = 31
)

// UnitBroadcast addresses every unit. Broadcast requests are never answered.
const UnitBroadcast uint8 = 0

var functionNames = map[FunctionCode]string{
	FuncCodeReadCoils:                  "ReadCoils",
	FuncCodeReadDiscreteInputs:         "ReadDiscreteInputs",
	FuncCodeReadHoldingRegisters:       "ReadHoldingRegisters",
	FuncCodeReadInputRegisters:         "ReadInputRegisters",
	FuncCodeWriteSingleCoil:            "WriteSingleCoil",
	FuncCodeWriteSingleRegister:        "WriteSingleRegister",
	FuncCodeWriteMultipleCoils:         "WriteMultipleCoils",
	FuncCodeWriteMultipleRegisters:     "WriteMultipleRegisters",
	FuncCodeMaskWriteRegister:          "MaskWriteRegister",
	FuncCodeReadWriteMultipleRegisters: "ReadWriteMultipleRegisters",
	FuncCodeReadFIFOQueue:              "ReadFIFOQueue",
}

// String returns the function name, or its hex value for unknown codes.
func (f FunctionCode) String() string {
	if name, ok := functionNames[f.WithoutError()]; ok {
		if f.IsError() {
			return name + "(error)"
		}
		return name
	}
	return fmt.Sprintf("0x%02X", uint8(f))
}

// IsError reports whether the error flag is set.
func (f FunctionCode) IsError() bool {
	return f&FunctionErrorFlag != 0
}

// WithError returns f with the error flag set.
func (f FunctionCode) WithError() FunctionCode {
	return f | FunctionErrorFlag
}

// WithoutError returns f with the error flag cleared.
func (f FunctionCode) WithoutError() FunctionCode {
	return f &^ FunctionErrorFlag
}

// ProtocolDataUnit is a function code plus its function specific payload.
type ProtocolDataUnit struct {
	Function FunctionCode
	Data     []byte
}

// NewExceptionPDU builds the exception response for function.
func NewExceptionPDU(function FunctionCode, code ExceptionCode) ProtocolDataUnit {
	return ProtocolDataUnit{
		Function: function.WithError(),
		Data:     []byte{byte(code)},
	}
}

// ParsePDU splits raw bytes into function code and payload.
func ParsePDU(b []byte) (ProtocolDataUnit, error) {
	if len(b) == 0 {
		return ProtocolDataUnit{}, fmt.Errorf("%w: empty PDU", ErrTruncatedData)
	}
	pdu := ProtocolDataUnit{
		Function: FunctionCode(b[0]),
		Data:     append([]byte(nil), b[1:]...),
	}
	if pdu.Function.IsError() && len(pdu.Data) != 1 {
		return ProtocolDataUnit{}, fmt.Errorf("%w: exception PDU carries %d bytes", ErrTruncatedData, len(pdu.Data))
	}
	return pdu, nil
}

// IsException reports whether p is an exception response.
func (p ProtocolDataUnit) IsException() bool {
	return p.Function.IsError()
}

// ExceptionCode returns the carried exception code, or 0 if p is not an
// exception response.
func (p ProtocolDataUnit) ExceptionCode() ExceptionCode {
	if !p.IsException() || len(p.Data) == 0 {
		return 0
	}
	return ExceptionCode(p.Data[0])
}

// Len returns the encoded length of p.
func (p ProtocolDataUnit) Len() int {
	return 1 + len(p.Data)
}

// Bytes encodes p as function code followed by payload.
func (p ProtocolDataUnit) Bytes() []byte {
	b := make([]byte, 0, p.Len())
	b = append(b, byte(p.Function))
	return append(b, p.Data...)
}

// DataUnit is a PDU addressed to a unit.
type DataUnit struct {
	UnitID uint8
	PDU    ProtocolDataUnit
}

// IsBroadcast reports whether u is addressed to every unit.
func (u DataUnit) IsBroadcast() bool {
	return u.UnitID == UnitBroadcast
}
