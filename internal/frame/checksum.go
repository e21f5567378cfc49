// go-iso7816
// Copyright (c) 2025 The Zaparoo Project Contributors.
// SPDX-License-Identifier: LGPL-3.0-or-later
//
// This file is part of go-iso7816.
//
// go-iso7816 is free software; you can redistribute it and/or
// modify it under the terms of the GNU Lesser General Public
// License as published by the Free Software Foundation; either
// version 3 of the License, or (at your option) any later version.
//
// go-iso7816 is distributed in the hope that it will be useful,
// but WITHOUT ANY WARRANTY; without even the implied warranty of
// MERCHANTABILITY or FITNESS FOR A PARTICULAR PURPOSE.  See the GNU
// Lesser General Public License for more details.
//
// You should have received a copy of the GNU Lesser General Public License
// along with go-iso7816; if not, write to the Free Software Foundation,
// Inc., 51 Franklin Street, Fifth Floor, Boston, MA  02110-1301, USA.

package frame

// XOR returns the exclusive-or of all bytes in data
func XOR(data []byte) byte {
	var x byte
	for _, b := range data {
		x ^= b
	}
	return x
}

// ValidateTCK reports whether the ATR bytes following TS, check byte
// included, XOR to zero
func ValidateTCK(afterTS []byte) bool {
	return len(afterTS) > 0 && XOR(afterTS) == 0
}

// Inverse converts a character between direct and inverse convention as seen
// by a UART decoding in direct convention: the bit order is reversed and the
// levels are complemented. Inverse is its own inverse.
func Inverse(b byte) byte {
	b = ^b
	b = (b&0xF0)>>4 | (b&0x0F)<<4
	b = (b&0xCC)>>2 | (b&0x33)<<2
	b = (b&0xAA)>>1 | (b&0x55)<<1
	return b
}
