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
	"slices"

	"github.com/rs/zerolog"
)

// ServerFunction executes one function code on a server.
// Process receives and returns PDU payloads without the function code.
type ServerFunction interface {
	FunctionCode() FunctionCode
	Process(ctx context.Context, data []byte) ([]byte, error)
}

type serverFunction[Req, Resp any] struct {
	code       FunctionCode
	serializer MessageSerializer[Req, Resp]
	handle     func(ctx context.Context, req Req) (Resp, error)
}

// NewServerFunction binds a typed handler to a function code through its serializer.
// A handler may return an ExceptionCode (or an error wrapping one) to answer
// with that exception.
func NewServerFunction[Req, Resp any](code FunctionCode, serializer MessageSerializer[Req, Resp], handle func(ctx context.Context, req Req) (Resp, error)) ServerFunction {
	return &serverFunction[Req, Resp]{code: code, serializer: serializer, handle: handle}
}

func (f *serverFunction[Req, Resp]) FunctionCode() FunctionCode {
	return f.code
}

func (f *serverFunction[Req, Resp]) Process(ctx context.Context, data []byte) ([]byte, error) {
	req, err := f.serializer.DeserializeRequest(data)
	if err != nil {
		if errors.Is(err, ErrTruncatedData) {
			return nil, fmt.Errorf("%w: %w", ExceptionIllegalDataValue, err)
		}
		return nil, err
	}
	resp, err := f.handle(ctx, req)
	if err != nil {
		return nil, err
	}
	return f.serializer.SerializeResponse(resp)
}

// FunctionTable is an immutable function code to implementation map.
type FunctionTable struct {
	functions map[FunctionCode]ServerFunction
}

// Lookup returns the implementation registered for code.
func (t FunctionTable) Lookup(code FunctionCode) (ServerFunction, bool) {
	fn, ok := t.functions[code]
	return fn, ok
}

// Codes returns the registered function codes in ascending order.
func (t FunctionTable) Codes() []FunctionCode {
	codes := make([]FunctionCode, 0, len(t.functions))
	for code := range t.functions {
		codes = append(codes, code)
	}
	slices.Sort(codes)
	return codes
}

// FunctionTableBuilder collects server functions. Registering a code twice
// keeps the latest registration.
type FunctionTableBuilder struct {
	functions map[FunctionCode]ServerFunction
}

// NewFunctionTableBuilder creates an empty builder.
func NewFunctionTableBuilder() *FunctionTableBuilder {
	return &FunctionTableBuilder{functions: make(map[FunctionCode]ServerFunction)}
}

// Register adds fns, replacing earlier entries with the same code.
func (b *FunctionTableBuilder) Register(fns ...ServerFunction) *FunctionTableBuilder {
	for _, fn := range fns {
		b.functions[fn.FunctionCode()] = fn
	}
	return b
}

// Build returns a table that later Register calls do not affect.
func (b *FunctionTableBuilder) Build() FunctionTable {
	functions := make(map[FunctionCode]ServerFunction, len(b.functions))
	for code, fn := range b.functions {
		functions[code] = fn
	}
	return FunctionTable{functions: functions}
}

// ModbusServer answers requests addressed to one unit.
type ModbusServer interface {
	UnitID() uint8
	Process(ctx context.Context, request ProtocolDataUnit) ProtocolDataUnit
}

// Server dispatches PDUs to its function table.
type Server struct {
	unitID    uint8
	functions FunctionTable
	logger    zerolog.Logger
}

// NewServer creates a server for unitID.
func NewServer(unitID uint8, functions FunctionTable, opts ...Option) *Server {
	o := newOptions(opts)
	return &Server{
		unitID:    unitID,
		functions: functions,
		logger:    o.logger.With().Uint8("unit", unitID).Logger(),
	}
}

// NewBasicServer creates a server with the built-in functions over storage.
// overrides replace built-ins with the same function code.
func NewBasicServer(unitID uint8, storage *DeviceStorage, overrides []ServerFunction, opts ...Option) *Server {
	table := NewFunctionTableBuilder().
		Register(BasicServerFunctions(storage)...).
		Register(overrides...).
		Build()
	return NewServer(unitID, table, opts...)
}

// UnitID returns the unit identifier the server answers to.
func (s *Server) UnitID() uint8 {
	return s.unitID
}

// Process executes request and returns the response PDU. Failures never
// escape: an unknown function maps to IllegalFunction, a returned
// ExceptionCode is passed through, anything else maps to ServerDeviceFailure.
func (s *Server) Process(ctx context.Context, request ProtocolDataUnit) (response ProtocolDataUnit) {
	fn, ok := s.functions.Lookup(request.Function)
	if !ok {
		s.logger.Debug().Stringer("function", request.Function).Msg("unsupported function")
		return NewExceptionPDU(request.Function, ExceptionIllegalFunction)
	}

	defer func() {
		if r := recover(); r != nil {
			s.logger.Error().Interface("panic", r).Stringer("function", request.Function).Msg("function implementation panicked")
			response = NewExceptionPDU(request.Function, ExceptionServerDeviceFailure)
		}
	}()

	data, err := fn.Process(ctx, request.Data)
	if err != nil {
		if code, ok := asExceptionCode(err); ok {
			s.logger.Debug().Err(err).Stringer("function", request.Function).Msg("function raised exception")
			return NewExceptionPDU(request.Function, code)
		}
		s.logger.Error().Err(err).Stringer("function", request.Function).Msg("function failed")
		return NewExceptionPDU(request.Function, ExceptionServerDeviceFailure)
	}
	return ProtocolDataUnit{Function: request.Function, Data: data}
}
