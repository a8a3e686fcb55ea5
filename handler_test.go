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
	"errors"
	"fmt"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func readRegistersPDU(address, quantity uint16) ProtocolDataUnit {
	data, _ := ReadRegistersSerializer().SerializeRequest(ReadRegistersRequest{StartingAddress: address, Quantity: quantity})
	return ProtocolDataUnit{Function: FuncCodeReadHoldingRegisters, Data: data}
}

func failingReadRegisters(err error) ServerFunction {
	return NewServerFunction(FuncCodeReadHoldingRegisters, ReadRegistersSerializer(),
		func(context.Context, ReadRegistersRequest) (ReadRegistersResponse, error) {
			return ReadRegistersResponse{}, err
		})
}

func TestServerUnknownFunction(t *testing.T) {
	server := NewServer(1, NewFunctionTableBuilder().Build())
	resp := server.Process(context.Background(), ProtocolDataUnit{Function: 0x41, Data: []byte{0x00}})
	assert.Equal(t, []byte{0xC1, byte(ExceptionIllegalFunction)}, resp.Bytes())
}

func TestServerExceptionMapping(t *testing.T) {
	cases := []struct {
		name string
		err  error
		want ExceptionCode
	}{
		{"exception passes through", ExceptionIllegalDataAddress, ExceptionIllegalDataAddress},
		{"wrapped exception passes through", fmt.Errorf("busy: %w", ExceptionServerDeviceBusy), ExceptionServerDeviceBusy},
		{"other errors become device failure", errors.New("disk on fire"), ExceptionServerDeviceFailure},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			table := NewFunctionTableBuilder().Register(failingReadRegisters(tc.err)).Build()
			resp := NewServer(1, table).Process(context.Background(), readRegistersPDU(0, 1))
			assert.True(t, resp.IsException())
			assert.Equal(t, FuncCodeReadHoldingRegisters.WithError(), resp.Function)
			assert.Equal(t, tc.want, resp.ExceptionCode())
		})
	}
}

func TestServerRecoversPanic(t *testing.T) {
	fn := NewServerFunction(FuncCodeReadHoldingRegisters, ReadRegistersSerializer(),
		func(context.Context, ReadRegistersRequest) (ReadRegistersResponse, error) {
			panic("boom")
		})
	server := NewServer(1, NewFunctionTableBuilder().Register(fn).Build())
	resp := server.Process(context.Background(), readRegistersPDU(0, 1))
	assert.Equal(t, ExceptionServerDeviceFailure, resp.ExceptionCode())
}

func TestServerTruncatedRequest(t *testing.T) {
	server := NewBasicServer(1, NewDeviceStorage(), nil)
	resp := server.Process(context.Background(), ProtocolDataUnit{Function: FuncCodeReadHoldingRegisters, Data: []byte{0x00}})
	assert.Equal(t, ExceptionIllegalDataValue, resp.ExceptionCode())
}

func TestFunctionTableBuilder(t *testing.T) {
	first := failingReadRegisters(ExceptionAcknowledge)
	second := failingReadRegisters(ExceptionServerDeviceBusy)
	b := NewFunctionTableBuilder().Register(first, second)
	table := b.Build()

	fn, ok := table.Lookup(FuncCodeReadHoldingRegisters)
	require.True(t, ok)
	assert.Same(t, second, fn)

	// later registrations do not leak into tables already built
	b.Register(NewServerFunction(FuncCodeReadCoils, ReadBitsSerializer(),
		func(context.Context, ReadBitsRequest) (ReadBitsResponse, error) { return ReadBitsResponse{}, nil }))
	_, ok = table.Lookup(FuncCodeReadCoils)
	assert.False(t, ok)
	assert.Equal(t, []FunctionCode{FuncCodeReadCoils, FuncCodeReadHoldingRegisters}, b.Build().Codes())
}

func TestBasicServerOverride(t *testing.T) {
	storage := NewDeviceStorage()
	require.NoError(t, storage.HoldingRegisters.WritePoints(0, []uint16{7}))

	server := NewBasicServer(1, storage, []ServerFunction{failingReadRegisters(ExceptionServerDeviceBusy)})
	resp := server.Process(context.Background(), readRegistersPDU(0, 1))
	assert.Equal(t, ExceptionServerDeviceBusy, resp.ExceptionCode())

	// the rest of the built-ins stay in place
	data, _ := WriteSingleRegisterSerializer().SerializeRequest(WriteSingleRegisterRequest{Address: 1, Value: 9})
	resp = server.Process(context.Background(), ProtocolDataUnit{Function: FuncCodeWriteSingleRegister, Data: data})
	assert.False(t, resp.IsException())
	assert.Equal(t, data, resp.Data)
}

func TestBasicServerFunctions(t *testing.T) {
	ctx := context.Background()
	storage := NewDeviceStorage()
	server := NewBasicServer(1, storage, nil)

	process := func(code FunctionCode, data []byte) ProtocolDataUnit {
		return server.Process(ctx, ProtocolDataUnit{Function: code, Data: data})
	}

	t.Run("write then read registers", func(t *testing.T) {
		data, _ := WriteMultipleRegistersSerializer().SerializeRequest(WriteMultipleRegistersRequest{StartingAddress: 10, Registers: []uint16{1, 2, 3}})
		resp := process(FuncCodeWriteMultipleRegisters, data)
		require.False(t, resp.IsException())
		assert.Equal(t, []byte{0x00, 0x0A, 0x00, 0x03}, resp.Data)

		resp = server.Process(ctx, readRegistersPDU(9, 5))
		require.False(t, resp.IsException())
		decoded, err := ReadRegistersSerializer().DeserializeResponse(resp.Data)
		require.NoError(t, err)
		assert.Equal(t, []uint16{0, 1, 2, 3, 0}, decoded.Registers)
	})

	t.Run("coils", func(t *testing.T) {
		data, _ := WriteSingleCoilSerializer().SerializeRequest(WriteSingleCoilRequest{Address: 2, Value: true})
		require.False(t, process(FuncCodeWriteSingleCoil, data).IsException())

		data, _ = ReadBitsSerializer().SerializeRequest(ReadBitsRequest{StartingAddress: 0, Quantity: 4})
		resp := process(FuncCodeReadCoils, data)
		require.False(t, resp.IsException())
		assert.Equal(t, []byte{0x01, 0x04}, resp.Data)
	})

	t.Run("quantity limits", func(t *testing.T) {
		resp := server.Process(ctx, readRegistersPDU(0, 0))
		assert.Equal(t, ExceptionIllegalDataValue, resp.ExceptionCode())
		resp = server.Process(ctx, readRegistersPDU(0, MaxReadRegisters+1))
		assert.Equal(t, ExceptionIllegalDataValue, resp.ExceptionCode())
	})

	t.Run("address overflow", func(t *testing.T) {
		resp := server.Process(ctx, readRegistersPDU(0xFFF0, 0x20))
		assert.Equal(t, ExceptionIllegalDataAddress, resp.ExceptionCode())
	})

	t.Run("mask write", func(t *testing.T) {
		require.NoError(t, storage.HoldingRegisters.WritePoints(4, []uint16{0x0012}))
		data, _ := MaskWriteRegisterSerializer().SerializeRequest(MaskWriteRegisterRequest{ReferenceAddress: 4, AndMask: 0x00F2, OrMask: 0x0025})
		resp := process(FuncCodeMaskWriteRegister, data)
		require.False(t, resp.IsException())
		assert.Equal(t, data, resp.Data)

		values, err := storage.HoldingRegisters.ReadPoints(4, 1)
		require.NoError(t, err)
		assert.Equal(t, []uint16{0x0017}, values)
	})

	t.Run("read write multiple writes first", func(t *testing.T) {
		data, _ := ReadWriteMultipleRegistersSerializer().SerializeRequest(ReadWriteMultipleRegistersRequest{
			ReadStartingAddress:  20,
			ReadQuantity:         2,
			WriteStartingAddress: 21,
			WriteRegisters:       []uint16{0xAAAA},
		})
		resp := process(FuncCodeReadWriteMultipleRegisters, data)
		require.False(t, resp.IsException())
		decoded, err := ReadRegistersSerializer().DeserializeResponse(resp.Data)
		require.NoError(t, err)
		assert.Equal(t, []uint16{0, 0xAAAA}, decoded.Registers)
	})

	t.Run("fifo", func(t *testing.T) {
		storage.FIFO.Set(0x04DE, []uint16{0x01B8, 0x1284})
		data, _ := ReadFIFOQueueSerializer().SerializeRequest(ReadFIFOQueueRequest{PointerAddress: 0x04DE})
		resp := process(FuncCodeReadFIFOQueue, data)
		require.False(t, resp.IsException())
		assert.Equal(t, []byte{0x00, 0x06, 0x00, 0x02, 0x01, 0xB8, 0x12, 0x84}, resp.Data)

		storage.FIFO.Set(0x04DF, make([]uint16, MaxFIFOCount+1))
		data, _ = ReadFIFOQueueSerializer().SerializeRequest(ReadFIFOQueueRequest{PointerAddress: 0x04DF})
		assert.Equal(t, ExceptionIllegalDataValue, process(FuncCodeReadFIFOQueue, data).ExceptionCode())
	})
}
