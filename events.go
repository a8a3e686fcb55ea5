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
	"time"

	"github.com/rs/zerolog"
)

// EventKind names a server telemetry event.
type EventKind string

const (
	EventConnectionAccepted EventKind = "connection_accepted"
	EventConnectionClosed   EventKind = "connection_closed"
	EventFunctionDispatched EventKind = "function_dispatched"
	EventRequestDropped     EventKind = "request_dropped"
	EventError              EventKind = "error"
)

// Event is one structured telemetry record.
type Event struct {
	Kind      EventKind     `json:"kind"`
	Time      time.Time     `json:"time"`
	Remote    string        `json:"remote,omitempty"`
	UnitID    uint8         `json:"unit_id,omitempty"`
	Function  FunctionCode  `json:"function,omitempty"`
	Exception ExceptionCode `json:"exception,omitempty"`
	Error     string        `json:"error,omitempty"`
}

// EventSink receives telemetry events. Emit must be safe for concurrent use.
type EventSink interface {
	Emit(event Event)
}

type nopEventSink struct{}

func (nopEventSink) Emit(Event) {}

// LogEventSink writes events to a zerolog logger.
type LogEventSink struct {
	Logger zerolog.Logger
}

// Emit logs event at debug level, or warn level for errors and drops.
func (s LogEventSink) Emit(event Event) {
	e := s.Logger.Debug()
	switch event.Kind {
	case EventError, EventRequestDropped:
		e = s.Logger.Warn()
	}
	if event.Remote != "" {
		e = e.Str("remote", event.Remote)
	}
	if event.Function != 0 {
		e = e.Stringer("function", event.Function).Uint8("unit", event.UnitID)
	}
	if event.Exception != 0 {
		e = e.Str("exception", event.Exception.Error())
	}
	if event.Error != "" {
		e = e.Str("error", event.Error)
	}
	e.Time("at", event.Time).Msg(string(event.Kind))
}

// MultiEventSink forwards every event to each sink in order.
type MultiEventSink []EventSink

// Emit implements EventSink.
func (m MultiEventSink) Emit(event Event) {
	for _, sink := range m {
		sink.Emit(event)
	}
}

func emit(sink EventSink, event Event) {
	if event.Time.IsZero() {
		event.Time = time.Now()
	}
	sink.Emit(event)
}
