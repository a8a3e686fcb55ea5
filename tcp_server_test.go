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
	"net"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// startTestTCPServer serves unit 1 from fresh in-memory storage on a
// loopback port and stops the server when the test ends.
func startTestTCPServer(t *testing.T, opts ...Option) (*TCPServer, *DeviceStorage) {
	t.Helper()
	listener, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)

	storage := NewDeviceStorage()
	network := NewServerNetwork(opts...)
	require.True(t, network.AddServer(NewBasicServer(1, storage, nil, opts...)))
	server := NewTCPServer(listener, network, opts...)

	done := make(chan error, 1)
	go func() { done <- server.Serve(context.Background()) }()
	t.Cleanup(func() {
		server.Close()
		select {
		case <-done:
		case <-time.After(2 * time.Second):
			t.Error("server did not stop")
		}
	})
	return server, storage
}

func dialTestClient(t *testing.T, address string) *Client {
	t.Helper()
	transport := NewIPClientTransport(NewSingletonStreamStrategy(&TCPStreamFactory{Address: address}))
	client := NewClient(transport)
	t.Cleanup(func() { client.Close() })
	return client
}

func TestTCPServerEndToEnd(t *testing.T) {
	server, storage := startTestTCPServer(t)
	client := dialTestClient(t, server.Addr().String())
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	require.NoError(t, client.WriteSingleRegister(ctx, 1, 0, 44))
	registers, err := client.ReadHoldingRegisters(ctx, 1, 0, 5)
	require.NoError(t, err)
	assert.Equal(t, []uint16{44, 0, 0, 0, 0}, registers)

	require.NoError(t, client.WriteMultipleCoils(ctx, 1, 3, []bool{true, false, true}))
	coils, err := client.ReadCoils(ctx, 1, 2, 5)
	require.NoError(t, err)
	assert.Equal(t, []bool{false, true, false, true, false}, coils)

	require.NoError(t, storage.InputRegisters.WritePoints(7, []uint16{0xBEEF}))
	inputs, err := client.ReadInputRegisters(ctx, 1, 7, 1)
	require.NoError(t, err)
	assert.Equal(t, []uint16{0xBEEF}, inputs)

	require.NoError(t, client.MaskWriteRegister(ctx, 1, 0, 0x00F0, 0x0003))
	registers, err = client.ReadWriteMultipleRegisters(ctx, 1, 0, 2, 1, []uint16{9})
	require.NoError(t, err)
	assert.Equal(t, []uint16{(44 & 0x00F0) | 0x0003, 9}, registers)

	storage.FIFO.Set(0x04DE, []uint16{0x01B8, 0x1284})
	queue, err := client.ReadFIFOQueue(ctx, 1, 0x04DE)
	require.NoError(t, err)
	assert.Equal(t, []uint16{0x01B8, 0x1284}, queue)

	_, err = client.ReadHoldingRegisters(ctx, 1, 0xFFF0, 0x20)
	var me *ModbusError
	require.True(t, errors.As(err, &me), "got %v", err)
	assert.Equal(t, ExceptionIllegalDataAddress, me.Exception)
	assert.Equal(t, FuncCodeReadHoldingRegisters, me.Function)
}

func TestTCPServerIgnoresUnknownUnit(t *testing.T) {
	server, _ := startTestTCPServer(t)
	client := dialTestClient(t, server.Addr().String())

	ctx, cancel := context.WithTimeout(context.Background(), 100*time.Millisecond)
	defer cancel()
	_, err := client.ReadHoldingRegisters(ctx, 9, 0, 1)
	assert.ErrorIs(t, err, ErrTimeout)
}

func TestTCPServerBroadcast(t *testing.T) {
	server, storage := startTestTCPServer(t)
	client := dialTestClient(t, server.Addr().String())
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	require.NoError(t, client.WriteSingleRegister(ctx, UnitBroadcast, 2, 77))
	// the next unicast is answered only after the broadcast was processed
	registers, err := client.ReadHoldingRegisters(ctx, 1, 2, 1)
	require.NoError(t, err)
	assert.Equal(t, []uint16{77}, registers)

	values, err := storage.HoldingRegisters.ReadPoints(2, 1)
	require.NoError(t, err)
	assert.Equal(t, []uint16{77}, values)
}

func TestTCPServerConcurrentConnections(t *testing.T) {
	server, _ := startTestTCPServer(t)
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	var wg sync.WaitGroup
	for i := 0; i < 8; i++ {
		client := dialTestClient(t, server.Addr().String())
		wg.Add(1)
		go func(address uint16) {
			defer wg.Done()
			for n := uint16(0); n < 10; n++ {
				if err := client.WriteSingleRegister(ctx, 1, address, n); err != nil {
					t.Errorf("write %d: %v", address, err)
					return
				}
				registers, err := client.ReadHoldingRegisters(ctx, 1, address, 1)
				if err != nil || len(registers) != 1 || registers[0] != n {
					t.Errorf("read %d: %v %v", address, registers, err)
					return
				}
			}
		}(uint16(100 + i))
	}
	wg.Wait()
}

func TestTCPServerConnectionEvents(t *testing.T) {
	closed := make(chan string, 1)
	sink := &recordingSink{}
	server, _ := startTestTCPServer(t,
		WithConnectionClosedHandler(func(remote string) { closed <- remote }),
		WithEventSink(sink),
	)

	conn, err := net.Dial("tcp", server.Addr().String())
	require.NoError(t, err)
	local := conn.LocalAddr().String()
	require.NoError(t, conn.Close())

	select {
	case remote := <-closed:
		assert.Equal(t, local, remote)
	case <-time.After(2 * time.Second):
		t.Fatal("connection closed handler was not called")
	}
	assert.Contains(t, sink.Kinds(), EventConnectionAccepted)
	assert.Contains(t, sink.Kinds(), EventConnectionClosed)
}

func TestTCPServerServeAfterClose(t *testing.T) {
	listener, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	server := NewTCPServer(listener, NewServerNetwork())
	require.NoError(t, server.Close())
	assert.ErrorIs(t, server.Serve(context.Background()), ErrTransportClosed)
}

func TestTCPServerStopsOnContext(t *testing.T) {
	listener, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	server := NewTCPServer(listener, NewServerNetwork())

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- server.Serve(ctx) }()

	conn, err := net.Dial("tcp", server.Addr().String())
	require.NoError(t, err)
	defer conn.Close()

	cancel()
	select {
	case err := <-done:
		assert.NoError(t, err)
	case <-time.After(2 * time.Second):
		t.Fatal("Serve did not return after cancel")
	}
}
