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
	"sync"

	"github.com/rs/zerolog"
	"golang.org/x/sync/errgroup"
)

// ServerNetwork routes data units to the server registered for their unit.
// It is safe to add and remove servers while routing.
type ServerNetwork struct {
	mu      sync.RWMutex
	servers map[uint8]ModbusServer
	logger  zerolog.Logger
	events  EventSink
}

// NewServerNetwork creates an empty network.
func NewServerNetwork(opts ...Option) *ServerNetwork {
	o := newOptions(opts)
	return &ServerNetwork{
		servers: make(map[uint8]ModbusServer),
		logger:  o.logger.With().Str("component", "server_network").Logger(),
		events:  o.events,
	}
}

// AddServer registers server. It reports false when the unit is taken or
// is the broadcast address.
func (n *ServerNetwork) AddServer(server ModbusServer) bool {
	unit := server.UnitID()
	if unit == UnitBroadcast {
		return false
	}
	n.mu.Lock()
	defer n.mu.Unlock()

	if _, exists := n.servers[unit]; exists {
		return false
	}
	n.servers[unit] = server
	return true
}

// RemoveServer unregisters the server for unit, reporting whether one existed.
func (n *ServerNetwork) RemoveServer(unit uint8) bool {
	n.mu.Lock()
	defer n.mu.Unlock()

	if _, exists := n.servers[unit]; !exists {
		return false
	}
	delete(n.servers, unit)
	return true
}

// Server returns the server registered for unit.
func (n *ServerNetwork) Server(unit uint8) (ModbusServer, bool) {
	n.mu.RLock()
	defer n.mu.RUnlock()
	server, ok := n.servers[unit]
	return server, ok
}

func (n *ServerNetwork) snapshot() []ModbusServer {
	n.mu.RLock()
	defer n.mu.RUnlock()
	servers := make([]ModbusServer, 0, len(n.servers))
	for _, s := range n.servers {
		servers = append(servers, s)
	}
	return servers
}

// Route processes request. A broadcast runs on every server and is never
// answered. A unicast is answered over backchannel by the addressed server;
// requests for unknown units are dropped without an answer.
func (n *ServerNetwork) Route(ctx context.Context, request DataUnit, backchannel ClientTransport) error {
	if request.IsBroadcast() {
		g, gctx := errgroup.WithContext(ctx)
		for _, server := range n.snapshot() {
			g.Go(func() error {
				response := server.Process(gctx, request.PDU)
				n.dispatched(server.UnitID(), request.PDU.Function, response)
				return nil
			})
		}
		return g.Wait()
	}

	server, ok := n.Server(request.UnitID)
	if !ok {
		n.logger.Warn().Uint8("unit", request.UnitID).Stringer("function", request.PDU.Function).Msg("no server for unit, dropping request")
		emit(n.events, Event{Kind: EventRequestDropped, UnitID: request.UnitID, Function: request.PDU.Function})
		return nil
	}

	response := server.Process(ctx, request.PDU)
	n.dispatched(request.UnitID, request.PDU.Function, response)
	if err := backchannel.Send(ctx, DataUnit{UnitID: request.UnitID, PDU: response}); err != nil {
		return fmt.Errorf("failed to send response to unit %d request: %w", request.UnitID, err)
	}
	return nil
}

func (n *ServerNetwork) dispatched(unit uint8, function FunctionCode, response ProtocolDataUnit) {
	emit(n.events, Event{
		Kind:      EventFunctionDispatched,
		UnitID:    unit,
		Function:  function,
		Exception: response.ExceptionCode(),
	})
}
