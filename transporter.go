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
	"os"
	"time"
)

// ClientTransport defines the common interface for the Modbus communication modes.
//
// SendAndReceive returns a nil data unit and a nil error when the peer closed
// the stream, or sent a corrupted frame, before a full response arrived.
type ClientTransport interface {
	Send(ctx context.Context, request DataUnit) error
	SendAndReceive(ctx context.Context, request DataUnit) (*DataUnit, error)
	Close() error
}

type deadliner interface {
	SetDeadline(t time.Time) error
}

var aLongTimeAgo = time.Unix(1, 0)

// bindContext makes blocking I/O on stream return once ctx is done, for
// streams that support deadlines. The returned function must be called when
// the I/O has completed.
func bindContext(ctx context.Context, stream any) (stop func()) {
	d, ok := stream.(deadliner)
	if !ok {
		return func() {}
	}
	return bindDeadline(ctx, d.SetDeadline)
}

// bindDeadline applies the deadline of ctx through setDeadline and moves it
// into the past when ctx is cancelled.
func bindDeadline(ctx context.Context, setDeadline func(time.Time) error) (stop func()) {
	if deadline, ok := ctx.Deadline(); ok {
		_ = setDeadline(deadline)
	}
	interrupted := make(chan struct{})
	stopInterrupt := context.AfterFunc(ctx, func() {
		_ = setDeadline(aLongTimeAgo)
		close(interrupted)
	})
	return func() {
		if !stopInterrupt() {
			<-interrupted
		}
		_ = setDeadline(time.Time{})
	}
}

// ioError prefers the context state over the raw I/O error, so an
// interrupted read surfaces as ErrTimeout or ErrCancelled.
func ioError(ctx context.Context, err error) error {
	if cerr := contextError(ctx); cerr != nil {
		return cerr
	}
	// the stream deadline can fire a moment before ctx reports done
	if _, ok := ctx.Deadline(); ok && errors.Is(err, os.ErrDeadlineExceeded) {
		return errors.Join(ErrTimeout, err)
	}
	return err
}
