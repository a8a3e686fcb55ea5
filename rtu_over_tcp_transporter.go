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
	"net"
)

// NewRTUOverTCPTransport speaks RTU framing over a socket, as used by
// serial-to-Ethernet gateways running in transparent mode.
func NewRTUOverTCPTransport(conn net.Conn, config RTUConfig, opts ...Option) *SerialTransport {
	return NewSerialTransport(conn, config, opts...)
}

// DialRTUOverTCP connects to a gateway at address and returns an RTU transport over it.
func DialRTUOverTCP(ctx context.Context, address string, config RTUConfig, opts ...Option) (*SerialTransport, error) {
	var dialer net.Dialer
	conn, err := dialer.DialContext(ctx, "tcp", address)
	if err != nil {
		return nil, fmt.Errorf("failed to dial RTU gateway %s: %w", address, err)
	}
	return NewRTUOverTCPTransport(conn, config, opts...), nil
}
