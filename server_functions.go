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
)

// BasicServerFunctions returns the built-in functions operating on storage.
func BasicServerFunctions(storage *DeviceStorage) []ServerFunction {
	fns := []ServerFunction{
		NewServerFunction(FuncCodeReadCoils, ReadBitsSerializer(), readBits(storage.Coils)),
		NewServerFunction(FuncCodeReadDiscreteInputs, ReadBitsSerializer(), readBits(storage.DiscreteInputs)),
		NewServerFunction(FuncCodeReadHoldingRegisters, ReadRegistersSerializer(), readRegisters(storage.HoldingRegisters)),
		NewServerFunction(FuncCodeReadInputRegisters, ReadRegistersSerializer(), readRegisters(storage.InputRegisters)),
		NewServerFunction(FuncCodeWriteSingleCoil, WriteSingleCoilSerializer(), writeSingleCoil(storage.Coils)),
		NewServerFunction(FuncCodeWriteSingleRegister, WriteSingleRegisterSerializer(), writeSingleRegister(storage.HoldingRegisters)),
		NewServerFunction(FuncCodeWriteMultipleCoils, WriteMultipleCoilsSerializer(), writeMultipleCoils(storage.Coils)),
		NewServerFunction(FuncCodeWriteMultipleRegisters, WriteMultipleRegistersSerializer(), writeMultipleRegisters(storage.HoldingRegisters)),
		NewServerFunction(FuncCodeMaskWriteRegister, MaskWriteRegisterSerializer(), maskWriteRegister(storage.HoldingRegisters)),
		NewServerFunction(FuncCodeReadWriteMultipleRegisters, ReadWriteMultipleRegistersSerializer(), readWriteMultipleRegisters(storage.HoldingRegisters)),
	}
	if storage.FIFO != nil {
		fns = append(fns, NewServerFunction(FuncCodeReadFIFOQueue, ReadFIFOQueueSerializer(), readFIFOQueue(storage.FIFO)))
	}
	return fns
}

func checkQuantity(quantity, limit int) error {
	if quantity < 1 || quantity > limit {
		return fmt.Errorf("quantity %d outside 1..%d: %w", quantity, limit, ExceptionIllegalDataValue)
	}
	return nil
}

func readBits(store PointStorage[bool]) func(context.Context, ReadBitsRequest) (ReadBitsResponse, error) {
	return func(_ context.Context, req ReadBitsRequest) (ReadBitsResponse, error) {
		if err := checkQuantity(int(req.Quantity), MaxReadBits); err != nil {
			return ReadBitsResponse{}, err
		}
		values, err := store.ReadPoints(req.StartingAddress, req.Quantity)
		if err != nil {
			return ReadBitsResponse{}, err
		}
		return ReadBitsResponse{Status: PackBits(values)}, nil
	}
}

func readRegisters(store PointStorage[uint16]) func(context.Context, ReadRegistersRequest) (ReadRegistersResponse, error) {
	return func(_ context.Context, req ReadRegistersRequest) (ReadRegistersResponse, error) {
		if err := checkQuantity(int(req.Quantity), MaxReadRegisters); err != nil {
			return ReadRegistersResponse{}, err
		}
		registers, err := store.ReadPoints(req.StartingAddress, req.Quantity)
		if err != nil {
			return ReadRegistersResponse{}, err
		}
		return ReadRegistersResponse{Registers: registers}, nil
	}
}

func writeSingleCoil(store PointStorage[bool]) func(context.Context, WriteSingleCoilRequest) (WriteSingleCoilResponse, error) {
	return func(_ context.Context, req WriteSingleCoilRequest) (WriteSingleCoilResponse, error) {
		if err := store.WritePoints(req.Address, []bool{req.Value}); err != nil {
			return WriteSingleCoilResponse{}, err
		}
		return req, nil
	}
}

func writeSingleRegister(store PointStorage[uint16]) func(context.Context, WriteSingleRegisterRequest) (WriteSingleRegisterResponse, error) {
	return func(_ context.Context, req WriteSingleRegisterRequest) (WriteSingleRegisterResponse, error) {
		if err := store.WritePoints(req.Address, []uint16{req.Value}); err != nil {
			return WriteSingleRegisterResponse{}, err
		}
		return req, nil
	}
}

func writeMultipleCoils(store PointStorage[bool]) func(context.Context, WriteMultipleCoilsRequest) (WriteMultipleResponse, error) {
	return func(_ context.Context, req WriteMultipleCoilsRequest) (WriteMultipleResponse, error) {
		if err := checkQuantity(len(req.Values), MaxWriteBits); err != nil {
			return WriteMultipleResponse{}, err
		}
		if err := store.WritePoints(req.StartingAddress, req.Values); err != nil {
			return WriteMultipleResponse{}, err
		}
		return WriteMultipleResponse{StartingAddress: req.StartingAddress, Quantity: uint16(len(req.Values))}, nil
	}
}

func writeMultipleRegisters(store PointStorage[uint16]) func(context.Context, WriteMultipleRegistersRequest) (WriteMultipleResponse, error) {
	return func(_ context.Context, req WriteMultipleRegistersRequest) (WriteMultipleResponse, error) {
		if err := checkQuantity(len(req.Registers), MaxWriteRegisters); err != nil {
			return WriteMultipleResponse{}, err
		}
		if err := store.WritePoints(req.StartingAddress, req.Registers); err != nil {
			return WriteMultipleResponse{}, err
		}
		return WriteMultipleResponse{StartingAddress: req.StartingAddress, Quantity: uint16(len(req.Registers))}, nil
	}
}

func maskWriteRegister(store PointStorage[uint16]) func(context.Context, MaskWriteRegisterRequest) (MaskWriteRegisterResponse, error) {
	return func(_ context.Context, req MaskWriteRegisterRequest) (MaskWriteRegisterResponse, error) {
		current, err := store.ReadPoints(req.ReferenceAddress, 1)
		if err != nil {
			return MaskWriteRegisterResponse{}, err
		}
		if err := store.WritePoints(req.ReferenceAddress, []uint16{req.Apply(current[0])}); err != nil {
			return MaskWriteRegisterResponse{}, err
		}
		return req, nil
	}
}

// The write is performed before the read.
func readWriteMultipleRegisters(store PointStorage[uint16]) func(context.Context, ReadWriteMultipleRegistersRequest) (ReadRegistersResponse, error) {
	return func(_ context.Context, req ReadWriteMultipleRegistersRequest) (ReadRegistersResponse, error) {
		if err := checkQuantity(int(req.ReadQuantity), MaxReadRegisters); err != nil {
			return ReadRegistersResponse{}, err
		}
		if err := checkQuantity(len(req.WriteRegisters), MaxReadWriteRegisters); err != nil {
			return ReadRegistersResponse{}, err
		}
		if err := store.WritePoints(req.WriteStartingAddress, req.WriteRegisters); err != nil {
			return ReadRegistersResponse{}, err
		}
		registers, err := store.ReadPoints(req.ReadStartingAddress, req.ReadQuantity)
		if err != nil {
			return ReadRegistersResponse{}, err
		}
		return ReadRegistersResponse{Registers: registers}, nil
	}
}

func readFIFOQueue(fifo *FIFOStorage) func(context.Context, ReadFIFOQueueRequest) (ReadFIFOQueueResponse, error) {
	return func(_ context.Context, req ReadFIFOQueueRequest) (ReadFIFOQueueResponse, error) {
		values, err := fifo.Read(req.PointerAddress)
		if err != nil {
			return ReadFIFOQueueResponse{}, err
		}
		return ReadFIFOQueueResponse{Values: values}, nil
	}
}
