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

// Coil values as they appear on the wire for Write Single Coil.
const (
	CoilOn  uint16 = 0xFF00
	CoilOff uint16 = 0x0000
)

// ReadBitsRequest is the request of Read Coils and Read Discrete Inputs.
type ReadBitsRequest struct {
	StartingAddress uint16
	Quantity        uint16
}

// ReadBitsResponse carries packed bit status, LSB first.
type ReadBitsResponse struct {
	Status []byte
}

// Values unpacks the first quantity bits.
func (r ReadBitsResponse) Values(quantity uint16) []bool {
	return UnpackBits(r.Status, int(quantity))
}

// ReadRegistersRequest is the request of Read Holding Registers and
// Read Input Registers.
type ReadRegistersRequest struct {
	StartingAddress uint16
	Quantity        uint16
}

// ReadRegistersResponse is shared by every function answering with a byte
// count and a register block.
type ReadRegistersResponse struct {
	Registers []uint16
}

// WriteSingleCoilRequest switches one coil.
type WriteSingleCoilRequest struct {
	Address uint16
	Value   bool
}

// WriteSingleCoilResponse echoes the request.
type WriteSingleCoilResponse = WriteSingleCoilRequest

// WriteSingleRegisterRequest writes one holding register.
type WriteSingleRegisterRequest struct {
	Address uint16
	Value   uint16
}

// WriteSingleRegisterResponse echoes the request.
type WriteSingleRegisterResponse = WriteSingleRegisterRequest

// WriteMultipleCoilsRequest writes consecutive coils.
type WriteMultipleCoilsRequest struct {
	StartingAddress uint16
	Values          []bool
}

// WriteMultipleRegistersRequest writes consecutive holding registers.
type WriteMultipleRegistersRequest struct {
	StartingAddress uint16
	Registers       []uint16
}

// WriteMultipleResponse acknowledges a multiple coil or register write.
type WriteMultipleResponse struct {
	StartingAddress uint16
	Quantity        uint16
}

// MaskWriteRegisterRequest modifies a holding register with an AND and an OR mask.
type MaskWriteRegisterRequest struct {
	ReferenceAddress uint16
	AndMask          uint16
	OrMask           uint16
}

// MaskWriteRegisterResponse echoes the request.
type MaskWriteRegisterResponse = MaskWriteRegisterRequest

// Apply computes the new register value from current.
func (m MaskWriteRegisterRequest) Apply(current uint16) uint16 {
	return (current & m.AndMask) | (m.OrMask &^ m.AndMask)
}

// ReadWriteMultipleRegistersRequest writes a block of registers, then reads one.
type ReadWriteMultipleRegistersRequest struct {
	ReadStartingAddress  uint16
	ReadQuantity         uint16
	WriteStartingAddress uint16
	WriteRegisters       []uint16
}

// ReadFIFOQueueRequest addresses a FIFO queue by its pointer register.
type ReadFIFOQueueRequest struct {
	PointerAddress uint16
}

// ReadFIFOQueueResponse carries the queued values, oldest first.
type ReadFIFOQueueResponse struct {
	Values []uint16
}

var readBitsSerializer = messageSerializer[ReadBitsRequest, ReadBitsResponse]{
	encodeRequest: func(w *EndianWriter, req ReadBitsRequest) error {
		w.WriteUint16(req.StartingAddress)
		w.WriteUint16(req.Quantity)
		return nil
	},
	decodeRequest: func(r *EndianReader) (ReadBitsRequest, error) {
		address, quantity, err := readAddressQuantity(r)
		return ReadBitsRequest{StartingAddress: address, Quantity: quantity}, err
	},
	encodeResponse: func(w *EndianWriter, resp ReadBitsResponse) error {
		if err := writeByteCount(w, len(resp.Status)); err != nil {
			return err
		}
		w.WriteBytes(resp.Status)
		return nil
	},
	decodeResponse: func(r *EndianReader) (ReadBitsResponse, error) {
		count, err := r.ReadByte()
		if err != nil {
			return ReadBitsResponse{}, err
		}
		status, err := r.ReadBytes(int(count))
		return ReadBitsResponse{Status: status}, err
	},
}

var readRegistersSerializer = messageSerializer[ReadRegistersRequest, ReadRegistersResponse]{
	encodeRequest: func(w *EndianWriter, req ReadRegistersRequest) error {
		w.WriteUint16(req.StartingAddress)
		w.WriteUint16(req.Quantity)
		return nil
	},
	decodeRequest: func(r *EndianReader) (ReadRegistersRequest, error) {
		address, quantity, err := readAddressQuantity(r)
		return ReadRegistersRequest{StartingAddress: address, Quantity: quantity}, err
	},
	encodeResponse: func(w *EndianWriter, resp ReadRegistersResponse) error {
		return writeRegisterBlock(w, resp.Registers)
	},
	decodeResponse: func(r *EndianReader) (ReadRegistersResponse, error) {
		registers, err := readRegisterBlock(r)
		return ReadRegistersResponse{Registers: registers}, err
	},
}

func encodeSingleCoil(w *EndianWriter, m WriteSingleCoilRequest) error {
	w.WriteUint16(m.Address)
	if m.Value {
		w.WriteUint16(CoilOn)
	} else {
		w.WriteUint16(CoilOff)
	}
	return nil
}

func decodeSingleCoil(r *EndianReader) (WriteSingleCoilRequest, error) {
	address, value, err := readAddressQuantity(r)
	if err != nil {
		return WriteSingleCoilRequest{}, err
	}
	switch value {
	case CoilOn:
		return WriteSingleCoilRequest{Address: address, Value: true}, nil
	case CoilOff:
		return WriteSingleCoilRequest{Address: address, Value: false}, nil
	default:
		return WriteSingleCoilRequest{}, fmt.Errorf("coil value 0x%04X: %w", value, ExceptionIllegalDataValue)
	}
}

var writeSingleCoilSerializer = messageSerializer[WriteSingleCoilRequest, WriteSingleCoilResponse]{
	encodeRequest:  encodeSingleCoil,
	decodeRequest:  decodeSingleCoil,
	encodeResponse: encodeSingleCoil,
	decodeResponse: decodeSingleCoil,
}

func encodeSingleRegister(w *EndianWriter, m WriteSingleRegisterRequest) error {
	w.WriteUint16(m.Address)
	w.WriteUint16(m.Value)
	return nil
}

func decodeSingleRegister(r *EndianReader) (WriteSingleRegisterRequest, error) {
	address, value, err := readAddressQuantity(r)
	return WriteSingleRegisterRequest{Address: address, Value: value}, err
}

var writeSingleRegisterSerializer = messageSerializer[WriteSingleRegisterRequest, WriteSingleRegisterResponse]{
	encodeRequest:  encodeSingleRegister,
	decodeRequest:  decodeSingleRegister,
	encodeResponse: encodeSingleRegister,
	decodeResponse: decodeSingleRegister,
}

func encodeWriteMultipleResponse(w *EndianWriter, resp WriteMultipleResponse) error {
	w.WriteUint16(resp.StartingAddress)
	w.WriteUint16(resp.Quantity)
	return nil
}

func decodeWriteMultipleResponse(r *EndianReader) (WriteMultipleResponse, error) {
	address, quantity, err := readAddressQuantity(r)
	return WriteMultipleResponse{StartingAddress: address, Quantity: quantity}, err
}

var writeMultipleCoilsSerializer = messageSerializer[WriteMultipleCoilsRequest, WriteMultipleResponse]{
	encodeRequest: func(w *EndianWriter, req WriteMultipleCoilsRequest) error {
		if len(req.Values) > 0xFFFF {
			return fmt.Errorf("%w: %d coils", ErrInvalidArgument, len(req.Values))
		}
		w.WriteUint16(req.StartingAddress)
		w.WriteUint16(uint16(len(req.Values)))
		packed := PackBits(req.Values)
		if err := writeByteCount(w, len(packed)); err != nil {
			return err
		}
		w.WriteBytes(packed)
		return nil
	},
	decodeRequest: func(r *EndianReader) (WriteMultipleCoilsRequest, error) {
		address, quantity, err := readAddressQuantity(r)
		if err != nil {
			return WriteMultipleCoilsRequest{}, err
		}
		count, err := r.ReadByte()
		if err != nil {
			return WriteMultipleCoilsRequest{}, err
		}
		if int(count) != PackedLen(int(quantity)) {
			return WriteMultipleCoilsRequest{}, fmt.Errorf("byte count %d for %d coils: %w", count, quantity, ExceptionIllegalDataValue)
		}
		packed, err := r.ReadBytes(int(count))
		if err != nil {
			return WriteMultipleCoilsRequest{}, err
		}
		return WriteMultipleCoilsRequest{StartingAddress: address, Values: UnpackBits(packed, int(quantity))}, nil
	},
	encodeResponse: encodeWriteMultipleResponse,
	decodeResponse: decodeWriteMultipleResponse,
}

var writeMultipleRegistersSerializer = messageSerializer[WriteMultipleRegistersRequest, WriteMultipleResponse]{
	encodeRequest: func(w *EndianWriter, req WriteMultipleRegistersRequest) error {
		w.WriteUint16(req.StartingAddress)
		w.WriteUint16(uint16(len(req.Registers)))
		return writeRegisterBlock(w, req.Registers)
	},
	decodeRequest: func(r *EndianReader) (WriteMultipleRegistersRequest, error) {
		address, quantity, err := readAddressQuantity(r)
		if err != nil {
			return WriteMultipleRegistersRequest{}, err
		}
		registers, err := readRegisterBlock(r)
		if err != nil {
			return WriteMultipleRegistersRequest{}, err
		}
		if len(registers) != int(quantity) {
			return WriteMultipleRegistersRequest{}, fmt.Errorf("%d registers announced, %d sent: %w", quantity, len(registers), ExceptionIllegalDataValue)
		}
		return WriteMultipleRegistersRequest{StartingAddress: address, Registers: registers}, nil
	},
	encodeResponse: encodeWriteMultipleResponse,
	decodeResponse: decodeWriteMultipleResponse,
}

func encodeMaskWrite(w *EndianWriter, m MaskWriteRegisterRequest) error {
	w.WriteUint16(m.ReferenceAddress)
	w.WriteUint16(m.AndMask)
	w.WriteUint16(m.OrMask)
	return nil
}

func decodeMaskWrite(r *EndianReader) (MaskWriteRegisterRequest, error) {
	values, err := r.ReadUint16s(3)
	if err != nil {
		return MaskWriteRegisterRequest{}, err
	}
	return MaskWriteRegisterRequest{ReferenceAddress: values[0], AndMask: values[1], OrMask: values[2]}, nil
}

var maskWriteRegisterSerializer = messageSerializer[MaskWriteRegisterRequest, MaskWriteRegisterResponse]{
	encodeRequest:  encodeMaskWrite,
	decodeRequest:  decodeMaskWrite,
	encodeResponse: encodeMaskWrite,
	decodeResponse: decodeMaskWrite,
}

var readWriteMultipleRegistersSerializer = messageSerializer[ReadWriteMultipleRegistersRequest, ReadRegistersResponse]{
	encodeRequest: func(w *EndianWriter, req ReadWriteMultipleRegistersRequest) error {
		w.WriteUint16(req.ReadStartingAddress)
		w.WriteUint16(req.ReadQuantity)
		w.WriteUint16(req.WriteStartingAddress)
		w.WriteUint16(uint16(len(req.WriteRegisters)))
		return writeRegisterBlock(w, req.WriteRegisters)
	},
	decodeRequest: func(r *EndianReader) (ReadWriteMultipleRegistersRequest, error) {
		header, err := r.ReadUint16s(4)
		if err != nil {
			return ReadWriteMultipleRegistersRequest{}, err
		}
		registers, err := readRegisterBlock(r)
		if err != nil {
			return ReadWriteMultipleRegistersRequest{}, err
		}
		if len(registers) != int(header[3]) {
			return ReadWriteMultipleRegistersRequest{}, fmt.Errorf("%d registers announced, %d sent: %w", header[3], len(registers), ExceptionIllegalDataValue)
		}
		return ReadWriteMultipleRegistersRequest{
			ReadStartingAddress:  header[0],
			ReadQuantity:         header[1],
			WriteStartingAddress: header[2],
			WriteRegisters:       registers,
		}, nil
	},
	encodeResponse: func(w *EndianWriter, resp ReadRegistersResponse) error {
		return writeRegisterBlock(w, resp.Registers)
	},
	decodeResponse: func(r *EndianReader) (ReadRegistersResponse, error) {
		registers, err := readRegisterBlock(r)
		return ReadRegistersResponse{Registers: registers}, err
	},
}

var readFIFOQueueSerializer = messageSerializer[ReadFIFOQueueRequest, ReadFIFOQueueResponse]{
	encodeRequest: func(w *EndianWriter, req ReadFIFOQueueRequest) error {
		w.WriteUint16(req.PointerAddress)
		return nil
	},
	decodeRequest: func(r *EndianReader) (ReadFIFOQueueRequest, error) {
		pointer, err := r.ReadUint16()
		return ReadFIFOQueueRequest{PointerAddress: pointer}, err
	},
	encodeResponse: func(w *EndianWriter, resp ReadFIFOQueueResponse) error {
		// byte count covers the fifo count field and the values
		byteCount := 2 + 2*len(resp.Values)
		if byteCount > 0xFFFF {
			return fmt.Errorf("%w: %d queued values", ErrInvalidArgument, len(resp.Values))
		}
		w.WriteUint16(uint16(byteCount))
		w.WriteUint16(uint16(len(resp.Values)))
		w.WriteUint16s(resp.Values)
		return nil
	},
	decodeResponse: func(r *EndianReader) (ReadFIFOQueueResponse, error) {
		byteCount, fifoCount, err := readAddressQuantity(r)
		if err != nil {
			return ReadFIFOQueueResponse{}, err
		}
		if int(byteCount) != 2+2*int(fifoCount) {
			return ReadFIFOQueueResponse{}, fmt.Errorf("%w: byte count %d for %d queued values", ErrTruncatedData, byteCount, fifoCount)
		}
		values, err := r.ReadUint16s(int(fifoCount))
		return ReadFIFOQueueResponse{Values: values}, err
	},
}

// ReadBitsSerializer handles Read Coils and Read Discrete Inputs.
func ReadBitsSerializer() MessageSerializer[ReadBitsRequest, ReadBitsResponse] {
	return readBitsSerializer
}

// ReadRegistersSerializer handles Read Holding Registers and Read Input Registers.
func ReadRegistersSerializer() MessageSerializer[ReadRegistersRequest, ReadRegistersResponse] {
	return readRegistersSerializer
}

// WriteSingleCoilSerializer handles Write Single Coil.
func WriteSingleCoilSerializer() MessageSerializer[WriteSingleCoilRequest, WriteSingleCoilResponse] {
	return writeSingleCoilSerializer
}

// WriteSingleRegisterSerializer handles Write Single Register.
func WriteSingleRegisterSerializer() MessageSerializer[WriteSingleRegisterRequest, WriteSingleRegisterResponse] {
	return writeSingleRegisterSerializer
}

// WriteMultipleCoilsSerializer handles Write Multiple Coils.
func WriteMultipleCoilsSerializer() MessageSerializer[WriteMultipleCoilsRequest, WriteMultipleResponse] {
	return writeMultipleCoilsSerializer
}

// WriteMultipleRegistersSerializer handles Write Multiple Registers.
func WriteMultipleRegistersSerializer() MessageSerializer[WriteMultipleRegistersRequest, WriteMultipleResponse] {
	return writeMultipleRegistersSerializer
}

// MaskWriteRegisterSerializer handles Mask Write Register.
func MaskWriteRegisterSerializer() MessageSerializer[MaskWriteRegisterRequest, MaskWriteRegisterResponse] {
	return maskWriteRegisterSerializer
}

// ReadWriteMultipleRegistersSerializer handles Read/Write Multiple Registers.
func ReadWriteMultipleRegistersSerializer() MessageSerializer[ReadWriteMultipleRegistersRequest, ReadRegistersResponse] {
	return readWriteMultipleRegistersSerializer
}

// ReadFIFOQueueSerializer handles Read FIFO Queue.
func ReadFIFOQueueSerializer() MessageSerializer[ReadFIFOQueueRequest, ReadFIFOQueueResponse] {
	return readFIFOQueueSerializer
}
