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
	"io"

	"github.com/rs/zerolog"
)

// ClientFunction registers the codec a client uses for one function code.
type ClientFunction interface {
	FunctionCode() FunctionCode
}

// TypedClientFunction is a ClientFunction with its message types.
type TypedClientFunction[Req, Resp any] interface {
	ClientFunction
	Serializer() MessageSerializer[Req, Resp]
}

type clientFunction[Req, Resp any] struct {
	code       FunctionCode
	serializer MessageSerializer[Req, Resp]
}

// NewClientFunction binds serializer to code.
func NewClientFunction[Req, Resp any](code FunctionCode, serializer MessageSerializer[Req, Resp]) TypedClientFunction[Req, Resp] {
	return clientFunction[Req, Resp]{code: code, serializer: serializer}
}

func (f clientFunction[Req, Resp]) FunctionCode() FunctionCode { return f.code }
func (f clientFunction[Req, Resp]) Serializer() MessageSerializer[Req, Resp] { return f.serializer }

// BasicClientFunctions returns the codecs of every supported function code.
func BasicClientFunctions() []ClientFunction {
	return []ClientFunction{
		NewClientFunction(FuncCodeReadCoils, ReadBitsSerializer()),
		NewClientFunction(FuncCodeReadDiscreteInputs, ReadBitsSerializer()),
		NewClientFunction(FuncCodeReadHoldingRegisters, ReadRegistersSerializer()),
		NewClientFunction(FuncCodeReadInputRegisters, ReadRegistersSerializer()),
		NewClientFunction(FuncCodeWriteSingleCoil, WriteSingleCoilSerializer()),
		NewClientFunction(FuncCodeWriteSingleRegister, WriteSingleRegisterSerializer()),
		NewClientFunction(FuncCodeWriteMultipleCoils, WriteMultipleCoilsSerializer()),
		NewClientFunction(FuncCodeWriteMultipleRegisters, WriteMultipleRegistersSerializer()),
		NewClientFunction(FuncCodeMaskWriteRegister, MaskWriteRegisterSerializer()),
		NewClientFunction(FuncCodeReadWriteMultipleRegisters, ReadWriteMultipleRegistersSerializer()),
		NewClientFunction(FuncCodeReadFIFOQueue, ReadFIFOQueueSerializer()),
	}
}

// Client executes typed requests over a ClientTransport.
type Client struct {
	transport ClientTransport
	functions map[FunctionCode]ClientFunction
	logger    zerolog.Logger
}

// NewClient creates a client over transport. Codecs passed with
// WithClientFunctions override the built-in ones.
func NewClient(transport ClientTransport, opts ...Option) *Client {
	o := newOptions(opts)
	c := &Client{
		transport: transport,
		functions: make(map[FunctionCode]ClientFunction),
		logger:    o.logger,
	}
	for _, fn := range BasicClientFunctions() {
		c.functions[fn.FunctionCode()] = fn
	}
	for _, fn := range o.clientFunctions {
		c.functions[fn.FunctionCode()] = fn
	}
	return c
}

// SetLogger sets the logger for the client. Call it before issuing requests.
func (c *Client) SetLogger(w io.Writer) {
	c.logger = NewComponentLogger(w, "client")
}

// Transport returns the underlying transport.
func (c *Client) Transport() ClientTransport {
	return c.transport
}

// Close closes the transport.
func (c *Client) Close() error {
	return c.transport.Close()
}

// Execute sends req to unitID using the codec registered for code.
//
// A broadcast returns after sending with a nil response. A nil response with
// a nil error also means the transport got no usable answer. An exception
// response fails with *ModbusError.
func Execute[Req, Resp any](ctx context.Context, c *Client, code FunctionCode, unitID uint8, req Req) (*Resp, error) {
	fn, ok := c.functions[code]
	if !ok {
		return nil, fmt.Errorf("%w: %v", ErrUnregisteredFunction, code)
	}
	typed, ok := fn.(TypedClientFunction[Req, Resp])
	if !ok {
		return nil, fmt.Errorf("%w: function %v is registered with other message types", ErrInvalidArgument, code)
	}

	data, err := typed.Serializer().SerializeRequest(req)
	if err != nil {
		return nil, fmt.Errorf("failed to serialize %v request: %w", code, err)
	}
	request := DataUnit{UnitID: unitID, PDU: ProtocolDataUnit{Function: code, Data: data}}

	if request.IsBroadcast() {
		c.logger.Debug().Stringer("function", code).Msg("broadcasting request")
		return nil, c.transport.Send(ctx, request)
	}

	response, err := c.transport.SendAndReceive(ctx, request)
	if err != nil {
		return nil, err
	}
	if response == nil {
		c.logger.Debug().Stringer("function", code).Uint8("unit", unitID).Msg("no response")
		return nil, nil
	}
	if response.PDU.IsException() {
		return nil, &ModbusError{Function: code, Exception: response.PDU.ExceptionCode()}
	}
	if response.PDU.Function != code {
		return nil, fmt.Errorf("unexpected function in response: got %v, want %v", response.PDU.Function, code)
	}

	resp, err := typed.Serializer().DeserializeResponse(response.PDU.Data)
	if err != nil {
		return nil, fmt.Errorf("failed to decode %v response: %w", code, err)
	}
	return &resp, nil
}

func checkRequestQuantity(quantity, limit int) error {
	if quantity < 1 || quantity > limit {
		return fmt.Errorf("%w: quantity %d outside 1..%d", ErrInvalidArgument, quantity, limit)
	}
	return nil
}

func (c *Client) readBits(ctx context.Context, code FunctionCode, unitID uint8, startAddress, quantity uint16) ([]bool, error) {
	if err := checkRequestQuantity(int(quantity), MaxReadBits); err != nil {
		return nil, err
	}
	resp, err := Execute[ReadBitsRequest, ReadBitsResponse](ctx, c, code, unitID, ReadBitsRequest{StartingAddress: startAddress, Quantity: quantity})
	if err != nil || resp == nil {
		return nil, err
	}
	return resp.Values(quantity), nil
}

func (c *Client) readRegisters(ctx context.Context, code FunctionCode, unitID uint8, startAddress, quantity uint16) ([]uint16, error) {
	if err := checkRequestQuantity(int(quantity), MaxReadRegisters); err != nil {
		return nil, err
	}
	resp, err := Execute[ReadRegistersRequest, ReadRegistersResponse](ctx, c, code, unitID, ReadRegistersRequest{StartingAddress: startAddress, Quantity: quantity})
	if err != nil || resp == nil {
		return nil, err
	}
	return resp.Registers, nil
}

// ReadCoils reads multiple coils
func (c *Client) ReadCoils(ctx context.Context, unitID uint8, startAddress, quantity uint16) ([]bool, error) {
	return c.readBits(ctx, FuncCodeReadCoils, unitID, startAddress, quantity)
}

// ReadDiscreteInputs reads multiple discrete inputs
func (c *Client) ReadDiscreteInputs(ctx context.Context, unitID uint8, startAddress, quantity uint16) ([]bool, error) {
	return c.readBits(ctx, FuncCodeReadDiscreteInputs, unitID, startAddress, quantity)
}

// ReadHoldingRegisters reads multiple holding registers
func (c *Client) ReadHoldingRegisters(ctx context.Context, unitID uint8, startAddress, quantity uint16) ([]uint16, error) {
	return c.readRegisters(ctx, FuncCodeReadHoldingRegisters, unitID, startAddress, quantity)
}

// ReadInputRegisters reads multiple input registers
func (c *Client) ReadInputRegisters(ctx context.Context, unitID uint8, startAddress, quantity uint16) ([]uint16, error) {
	return c.readRegisters(ctx, FuncCodeReadInputRegisters, unitID, startAddress, quantity)
}

// WriteSingleCoil writes a single coil
func (c *Client) WriteSingleCoil(ctx context.Context, unitID uint8, address uint16, value bool) error {
	_, err := Execute[WriteSingleCoilRequest, WriteSingleCoilResponse](ctx, c, FuncCodeWriteSingleCoil, unitID,
		WriteSingleCoilRequest{Address: address, Value: value})
	return err
}

// WriteSingleRegister writes a single register
func (c *Client) WriteSingleRegister(ctx context.Context, unitID uint8, address, value uint16) error {
	_, err := Execute[WriteSingleRegisterRequest, WriteSingleRegisterResponse](ctx, c, FuncCodeWriteSingleRegister, unitID,
		WriteSingleRegisterRequest{Address: address, Value: value})
	return err
}

// WriteMultipleCoils writes multiple coils
func (c *Client) WriteMultipleCoils(ctx context.Context, unitID uint8, startAddress uint16, values []bool) error {
	if err := checkRequestQuantity(len(values), MaxWriteBits); err != nil {
		return err
	}
	_, err := Execute[WriteMultipleCoilsRequest, WriteMultipleResponse](ctx, c, FuncCodeWriteMultipleCoils, unitID,
		WriteMultipleCoilsRequest{StartingAddress: startAddress, Values: values})
	return err
}

// WriteMultipleRegisters writes multiple registers
func (c *Client) WriteMultipleRegisters(ctx context.Context, unitID uint8, startAddress uint16, values []uint16) error {
	if err := checkRequestQuantity(len(values), MaxWriteRegisters); err != nil {
		return err
	}
	_, err := Execute[WriteMultipleRegistersRequest, WriteMultipleResponse](ctx, c, FuncCodeWriteMultipleRegisters, unitID,
		WriteMultipleRegistersRequest{StartingAddress: startAddress, Registers: values})
	return err
}

// MaskWriteRegister applies andMask and orMask to a holding register
func (c *Client) MaskWriteRegister(ctx context.Context, unitID uint8, address, andMask, orMask uint16) error {
	_, err := Execute[MaskWriteRegisterRequest, MaskWriteRegisterResponse](ctx, c, FuncCodeMaskWriteRegister, unitID,
		MaskWriteRegisterRequest{ReferenceAddress: address, AndMask: andMask, OrMask: orMask})
	return err
}

// ReadWriteMultipleRegisters writes values at writeAddress, then reads
// readQuantity registers from readAddress, in one transaction
func (c *Client) ReadWriteMultipleRegisters(ctx context.Context, unitID uint8, readAddress, readQuantity, writeAddress uint16, values []uint16) ([]uint16, error) {
	if err := checkRequestQuantity(int(readQuantity), MaxReadRegisters); err != nil {
		return nil, err
	}
	if err := checkRequestQuantity(len(values), MaxReadWriteRegisters); err != nil {
		return nil, err
	}
	resp, err := Execute[ReadWriteMultipleRegistersRequest, ReadRegistersResponse](ctx, c, FuncCodeReadWriteMultipleRegisters, unitID,
		ReadWriteMultipleRegistersRequest{
			ReadStartingAddress:  readAddress,
			ReadQuantity:         readQuantity,
			WriteStartingAddress: writeAddress,
			WriteRegisters:       values,
		})
	if err != nil || resp == nil {
		return nil, err
	}
	return resp.Registers, nil
}

// ReadFIFOQueue reads the FIFO queue behind pointerAddress
func (c *Client) ReadFIFOQueue(ctx context.Context, unitID uint8, pointerAddress uint16) ([]uint16, error) {
	resp, err := Execute[ReadFIFOQueueRequest, ReadFIFOQueueResponse](ctx, c, FuncCodeReadFIFOQueue, unitID,
		ReadFIFOQueueRequest{PointerAddress: pointerAddress})
	if err != nil || resp == nil {
		return nil, err
	}
	return resp.Values, nil
}
