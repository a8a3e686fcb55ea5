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
)

// Local failures. These never travel on the wire.
var (
	ErrTruncatedData        = errors.New("modbus: truncated data")
	ErrTransactionMismatch  = errors.New("modbus: transaction identifier mismatch")
	ErrTimeout              = errors.New("modbus: timeout")
	ErrCancelled            = errors.New("modbus: cancelled")
	ErrInvalidArgument      = errors.New("modbus: invalid argument")
	ErrTransportClosed      = errors.New("modbus: transport closed")
	ErrUnregisteredFunction = errors.New("modbus: function code not registered")
)

// ExceptionCode is the single byte carried by an exception response.
// It implements error so function implementations can return it directly.
type ExceptionCode uint8

// Standard exception codes
const (
	ExceptionIllegalFunction                    ExceptionCode = 0x01
	ExceptionIllegalDataAddress                 ExceptionCode = 0x02
	ExceptionIllegalDataValue                   ExceptionCode = 0x03
	ExceptionServerDeviceFailure                ExceptionCode = 0x04
	ExceptionAcknowledge                        ExceptionCode = 0x05
	ExceptionServerDeviceBusy                   ExceptionCode = 0x06
	ExceptionMemoryParityError                  ExceptionCode = 0x08
	ExceptionGatewayPathUnavailable             ExceptionCode = 0x0A
	ExceptionGatewayTargetDeviceFailedToRespond ExceptionCode = 0x0B
)

var exceptionMessages = map[ExceptionCode]string{
	ExceptionIllegalFunction:                    "illegal function",
	ExceptionIllegalDataAddress:                 "illegal data address",
	ExceptionIllegalDataValue:                   "illegal data value",
	ExceptionServerDeviceFailure:                "server device failure",
	ExceptionAcknowledge:                        "acknowledge",
	ExceptionServerDeviceBusy:                   "server device busy",
	ExceptionMemoryParityError:                  "memory parity error",
	ExceptionGatewayPathUnavailable:             "gateway path unavailable",
	ExceptionGatewayTargetDeviceFailedToRespond: "gateway target device failed to respond",
}

// Error implements error.
func (e ExceptionCode) Error() string {
	if msg, ok := exceptionMessages[e]; ok {
		return msg
	}
	return fmt.Sprintf("exception 0x%02X", uint8(e))
}

// ModbusError is returned by client calls that were answered with an
// exception response.
type ModbusError struct {
	Function  FunctionCode
	Exception ExceptionCode
}

// Error implements error.
func (e *ModbusError) Error() string {
	return fmt.Sprintf("modbus: function %v failed: %v", e.Function, e.Exception)
}

// Unwrap exposes the exception code to errors.Is and errors.As.
func (e *ModbusError) Unwrap() error {
	return e.Exception
}

// asExceptionCode extracts an exception code from err, if there is one.
func asExceptionCode(err error) (ExceptionCode, bool) {
	var code ExceptionCode
	if errors.As(err, &code) {
		return code, true
	}
	return 0, false
}

// contextError maps the state of ctx onto ErrTimeout or ErrCancelled.
// It returns nil while ctx is still live.
func contextError(ctx context.Context) error {
	switch err := ctx.Err(); {
	case err == nil:
		return nil
	case errors.Is(err, context.DeadlineExceeded):
		return errors.Join(ErrTimeout, err)
	default:
		return errors.Join(ErrCancelled, err)
	}
}
