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
	"io"
)

// ModbusApi defines the interface for Modbus client operations.
type ModbusApi interface {
	SetLogger(io.Writer) // SetLogger sets the logger for the client
	Close() error
	// Bit access
	ReadCoils(ctx context.Context, unitID uint8, startAddress, quantity uint16) ([]bool, error)
	ReadDiscreteInputs(ctx context.Context, unitID uint8, startAddress, quantity uint16) ([]bool, error)
	WriteSingleCoil(ctx context.Context, unitID uint8, address uint16, value bool) error
	WriteMultipleCoils(ctx context.Context, unitID uint8, startAddress uint16, values []bool) error
	// Register access
	ReadHoldingRegisters(ctx context.Context, unitID uint8, startAddress, quantity uint16) ([]uint16, error)
	ReadInputRegisters(ctx context.Context, unitID uint8, startAddress, quantity uint16) ([]uint16, error)
	WriteSingleRegister(ctx context.Context, unitID uint8, address, value uint16) error
	WriteMultipleRegisters(ctx context.Context, unitID uint8, startAddress uint16, values []uint16) error
	MaskWriteRegister(ctx context.Context, unitID uint8, address, andMask, orMask uint16) error
	ReadWriteMultipleRegisters(ctx context.Context, unitID uint8, readAddress, readQuantity, writeAddress uint16, values []uint16) ([]uint16, error)
	ReadFIFOQueue(ctx context.Context, unitID uint8, pointerAddress uint16) ([]uint16, error)
}

var _ ModbusApi = (*Client)(nil)
