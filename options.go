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
	"github.com/rs/zerolog"
)

// Option configures clients, transports and servers. Options that do not
// apply to a component are ignored by it.
type Option func(*options)

type options struct {
	logger          zerolog.Logger
	events          EventSink
	onClosed        func(remote string)
	clientFunctions []ClientFunction
}

func newOptions(opts []Option) options {
	o := options{
		logger: zerolog.Nop(),
		events: nopEventSink{},
	}
	for _, opt := range opts {
		opt(&o)
	}
	return o
}

// WithLogger sets the structured logger.
func WithLogger(logger zerolog.Logger) Option {
	return func(o *options) {
		o.logger = logger
	}
}

// WithEventSink sets where server telemetry events go.
func WithEventSink(sink EventSink) Option {
	return func(o *options) {
		if sink != nil {
			o.events = sink
		}
	}
}

// WithConnectionClosedHandler is called by a TCPServer with the remote
// address of every connection it stops serving.
func WithConnectionClosedHandler(fn func(remote string)) Option {
	return func(o *options) {
		o.onClosed = fn
	}
}

// WithClientFunctions registers client codecs on top of the built-in ones.
// A later registration for the same function code wins.
func WithClientFunctions(fns ...ClientFunction) Option {
	return func(o *options) {
		o.clientFunctions = append(o.clientFunctions, fns...)
	}
}
