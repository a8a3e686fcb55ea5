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

// PackedLen returns the number of bytes needed to hold count bits.
func PackedLen(count int) int {
	return (count + 7) / 8
}

// PackBits packs values LSB first: bit i lives in byte i/8 at position i%8.
// Unused trailing bits of the last byte are zero.
func PackBits(values []bool) []byte {
	packed := make([]byte, PackedLen(len(values)))
	for i, v := range values {
		if v {
			packed[i/8] |= 1 << uint(i%8)
		}
	}
	return packed
}

// UnpackBits is the inverse of PackBits, truncated to count values.
func UnpackBits(packed []byte, count int) []bool {
	if limit := len(packed) * 8; count > limit {
		count = limit
	}
	if count < 0 {
		count = 0
	}
	values := make([]bool, count)
	for i := range values {
		values[i] = packed[i/8]&(1<<uint(i%8)) != 0
	}
	return values
}
