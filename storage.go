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
	"fmt"
	"sync"
)

// PointStorage reads and writes one table of points (coils, discrete inputs,
// holding or input registers).
type PointStorage[T any] interface {
	ReadPoints(start, count uint16) ([]T, error)
	WritePoints(start uint16, values []T) error
}

func checkPointRange(start uint16, count int) error {
	if int(start)+count > 0xFFFF {
		return fmt.Errorf("points %d+%d out of range: %w", start, count, ExceptionIllegalDataAddress)
	}
	return nil
}

// SparsePointStorage keeps only written points; unwritten points read as the
// zero value.
type SparsePointStorage[T any] struct {
	mu     sync.RWMutex
	points map[uint16]T
}

// NewSparsePointStorage creates an empty store.
func NewSparsePointStorage[T any]() *SparsePointStorage[T] {
	return &SparsePointStorage[T]{points: make(map[uint16]T)}
}

// ReadPoints returns count points starting at start.
func (s *SparsePointStorage[T]) ReadPoints(start, count uint16) ([]T, error) {
	if err := checkPointRange(start, int(count)); err != nil {
		return nil, err
	}
	s.mu.RLock()
	defer s.mu.RUnlock()

	values := make([]T, count)
	for i := range values {
		values[i] = s.points[start+uint16(i)]
	}
	return values, nil
}

// WritePoints stores values starting at start.
func (s *SparsePointStorage[T]) WritePoints(start uint16, values []T) error {
	if err := checkPointRange(start, len(values)); err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	for i, v := range values {
		s.points[start+uint16(i)] = v
	}
	return nil
}

// HookedPointStorage wraps a store with optional hooks. Before hooks run
// ahead of the operation and may veto it by returning an error; after hooks
// observe the outcome of a successful operation.
type HookedPointStorage[T any] struct {
	Inner       PointStorage[T]
	BeforeRead  func(start, count uint16) error
	AfterRead   func(start uint16, values []T)
	BeforeWrite func(start uint16, values []T) error
	AfterWrite  func(start uint16, values []T)
}

// ReadPoints runs the read hooks around Inner.ReadPoints.
func (h *HookedPointStorage[T]) ReadPoints(start, count uint16) ([]T, error) {
	if h.BeforeRead != nil {
		if err := h.BeforeRead(start, count); err != nil {
			return nil, err
		}
	}
	values, err := h.Inner.ReadPoints(start, count)
	if err != nil {
		return nil, err
	}
	if h.AfterRead != nil {
		h.AfterRead(start, values)
	}
	return values, nil
}

// WritePoints runs the write hooks around Inner.WritePoints.
func (h *HookedPointStorage[T]) WritePoints(start uint16, values []T) error {
	if h.BeforeWrite != nil {
		if err := h.BeforeWrite(start, values); err != nil {
			return err
		}
	}
	if err := h.Inner.WritePoints(start, values); err != nil {
		return err
	}
	if h.AfterWrite != nil {
		h.AfterWrite(start, values)
	}
	return nil
}

// FIFOStorage holds the FIFO queues served by Read FIFO Queue, keyed by
// pointer address.
type FIFOStorage struct {
	mu     sync.RWMutex
	queues map[uint16][]uint16
}

// NewFIFOStorage creates an empty set of queues.
func NewFIFOStorage() *FIFOStorage {
	return &FIFOStorage{queues: make(map[uint16][]uint16)}
}

// Set replaces the queue at pointer.
func (f *FIFOStorage) Set(pointer uint16, values []uint16) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.queues[pointer] = append([]uint16(nil), values...)
}

// Read returns a copy of the queue at pointer. An unknown queue is empty.
func (f *FIFOStorage) Read(pointer uint16) ([]uint16, error) {
	f.mu.RLock()
	defer f.mu.RUnlock()

	queue := f.queues[pointer]
	if len(queue) > MaxFIFOCount {
		return nil, fmt.Errorf("queue at %d holds %d values: %w", pointer, len(queue), ExceptionIllegalDataValue)
	}
	return append([]uint16{}, queue...), nil
}

// DeviceStorage is the data model of one unit.
type DeviceStorage struct {
	Coils            PointStorage[bool]
	DiscreteInputs   PointStorage[bool]
	HoldingRegisters PointStorage[uint16]
	InputRegisters   PointStorage[uint16]
	FIFO             *FIFOStorage
}

// NewDeviceStorage creates a device backed by sparse in-memory stores.
func NewDeviceStorage() *DeviceStorage {
	return &DeviceStorage{
		Coils:            NewSparsePointStorage[bool](),
		DiscreteInputs:   NewSparsePointStorage[bool](),
		HoldingRegisters: NewSparsePointStorage[uint16](),
		InputRegisters:   NewSparsePointStorage[uint16](),
		FIFO:             NewFIFOStorage(),
	}
}
