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

// Package frame provides T=0 character-level constants and helpers shared by
// the session engine and the channel backends
package frame

// Initial character values
const (
	TSDirect  = 0x3B // Direct convention as read by a direct-convention UART
	TSInverse = 0x3F // Inverse convention once decoded

	// TSInverseRaw is how an inverse-convention TS looks to a UART that is
	// still decoding in direct convention
	TSInverseRaw = 0x03
)

// TPDU framing
const (
	HeaderLength  = 5    // CLA INS P1 P2 P3
	NullProcedure = 0x60 // Card asks for more time
)

// Reset timing from ISO/IEC 7816-3, in card clock cycles unless noted
const (
	ResetHoldCycles     = 400   // Minimum RST low time
	ATRFirstByteCycles  = 40000 // Latest first ATR character after RST release
	InitialWaitingEtu   = 9600  // Initial waiting time between ATR characters
	MinCharacterGuard   = 12    // Minimum T=0 character duration in etu
	WaitingTimeFactor   = 960   // WT = WI * 960 * Fi cycles
	DefaultWaitingIndex = 10    // WI when TC2 is absent
)
