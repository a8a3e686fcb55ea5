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
	"log"
	"net"
	"os"
	"testing"
	"time"

	gbmodbus "github.com/goburrow/modbus"
	modbus_server "github.com/hootrhino/mbserver"
	"github.com/hootrhino/mbserver/store"
	svmodbus "github.com/simonvetter/modbus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// Third-party clients talking to TCPServer.

func TestInteropGoburrowClient(t *testing.T) {
	server, _ := startTestTCPServer(t)

	handler := gbmodbus.NewTCPClientHandler(server.Addr().String())
	handler.SlaveId = 1
	handler.Timeout = 2 * time.Second
	require.NoError(t, handler.Connect())
	defer handler.Close()
	client := gbmodbus.NewClient(handler)

	_, err := client.WriteSingleRegister(0, 44)
	require.NoError(t, err)
	raw, err := client.ReadHoldingRegisters(0, 2)
	require.NoError(t, err)
	assert.Equal(t, []byte{0x00, 0x2C, 0x00, 0x00}, raw)

	_, err = client.WriteMultipleCoils(0, 3, []byte{0x05})
	require.NoError(t, err)
	raw, err = client.ReadCoils(0, 3)
	require.NoError(t, err)
	assert.Equal(t, []byte{0x05}, raw)

	// exceptions come back as goburrow's ModbusError
	_, err = client.ReadHoldingRegisters(0xFFF0, 0x20)
	require.Error(t, err)
	var me *gbmodbus.ModbusError
	if assert.ErrorAs(t, err, &me) {
		assert.Equal(t, byte(ExceptionIllegalDataAddress), me.ExceptionCode)
	}
}

func TestInteropSimonvetterClient(t *testing.T) {
	server, _ := startTestTCPServer(t)

	client, err := svmodbus.NewClient(&svmodbus.ClientConfiguration{
		URL:     "tcp://" + server.Addr().String(),
		Timeout: 2 * time.Second,
	})
	require.NoError(t, err)
	require.NoError(t, client.Open())
	defer client.Close()
	require.NoError(t, client.SetUnitId(1))

	require.NoError(t, client.WriteRegister(3, 0x1234))
	require.NoError(t, client.WriteRegisters(4, []uint16{0x0001, 0x0002}))
	values, err := client.ReadRegisters(3, 3, svmodbus.HOLDING_REGISTER)
	require.NoError(t, err)
	assert.Equal(t, []uint16{0x1234, 0x0001, 0x0002}, values)
}

// Client talking to a third-party server.

func freeLoopbackAddress(t *testing.T) string {
	t.Helper()
	listener, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	address := listener.Addr().String()
	require.NoError(t, listener.Close())
	return address
}

func waitForListener(t *testing.T, address string) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for {
		conn, err := net.DialTimeout("tcp", address, 100*time.Millisecond)
		if err == nil {
			conn.Close()
			return
		}
		if time.Now().After(deadline) {
			t.Skipf("reference server not reachable on %s: %v", address, err)
		}
		time.Sleep(20 * time.Millisecond)
	}
}

func TestInteropMbserver(t *testing.T) {
	server := modbus_server.NewServer(store.NewInMemoryStore(), 1)
	server.SetErrorHandler(func(err error) {
		log.Printf("Modbus server error: %v", err)
	})
	server.SetLogger(os.Stdout)

	sampleHoldingRegisters := make([]uint16, 10)
	for i := range sampleHoldingRegisters {
		sampleHoldingRegisters[i] = 0xABCD
	}
	require.NoError(t, server.SetHoldingRegisters(sampleHoldingRegisters))

	address := freeLoopbackAddress(t)
	started := make(chan error, 1)
	go func() { started <- server.Start(address) }()
	select {
	case err := <-started:
		if err != nil {
			t.Skipf("cannot start reference server on %s: %v", address, err)
		}
	case <-time.After(200 * time.Millisecond):
	}
	t.Cleanup(server.Stop)
	waitForListener(t, address)

	client := dialTestClient(t, address)
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	for i := range 2 {
		registers, err := client.ReadHoldingRegisters(ctx, 1, uint16(i), 1)
		require.NoError(t, err)
		assert.Equal(t, []uint16{0xABCD}, registers)
	}
}
