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

import "fmt"

const crcPolynomial = 0xA001 // 0x8005 reflected

// CRC16 calculates the Modbus CRC16 checksum: initial value 0xFFFF,
// reflected polynomial 0xA001, no final xor. An empty input yields 0xFFFF.
func CRC16(data []byte) uint16 {
	crc := uint16(0xFFFF)
	for _, b := range data {
		crc ^= uint16(b)
		for i := 0; i < 8; i++ {
			if (crc & 0x0001) != 0 {
				crc >>= 1
				crc ^= crcPolynomial
			} else {
				crc >>= 1
			}
		}
	}
	return crc
}

// CalculateCRC is CRC16 with argument checking: a nil buffer is rejected,
// an empty one is not.
func CalculateCRC(data []byte) (uint16, error) {
	if data == nil {
		return 0, fmt.Errorf("%w: nil buffer", ErrInvalidArgument)
	}
	return CRC16(data), nil
}
