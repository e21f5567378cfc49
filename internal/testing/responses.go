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

package testing

// Answers to reset seen on real and synthetic cards
var (
	// ATRMinimal is TS and T0 only
	ATRMinimal = []byte{0x3B, 0x00}
	// ATRT0Historical offers T=0 implicitly with TA1=14 and one historical byte
	ATRT0Historical = []byte{0x3B, 0x11, 0x14, 0x50}
	// ATRGuardTime carries TA1=11 and TC1=05 with three historical bytes
	ATRGuardTime = []byte{0x3B, 0x53, 0x11, 0x05, 0x41, 0x42, 0x43}
	// ATRWaitingInteger sets WI=20 through TC2
	ATRWaitingInteger = []byte{0x3B, 0x82, 0x40, 0x14, 0x01, 0x02}
	// ATRDualProtocol offers T=0 and T=1 and so carries TCK
	ATRDualProtocol = []byte{0x3B, 0x80, 0x80, 0x01, 0x01}
	// ATRSpecificMode pins the card to T=0 with TA1 Fi=512 Di=32
	ATRSpecificMode = []byte{0x3B, 0x90, 0x96, 0x10, 0x00}
	// ATRT1Only offers T=1 alone
	ATRT1Only = []byte{0x3B, 0x81, 0x01, 0x55, 0xD5}
	// ATRInverse is an inverse convention ATR with TS as a direct receiver sees it
	ATRInverse = []byte{0x03, 0x00}
)

// WithTCK appends the check byte that makes T0..TCK XOR to zero
func WithTCK(atr []byte) []byte {
	var tck byte
	for _, b := range atr[1:] {
		tck ^= b
	}
	out := append([]byte(nil), atr...)
	return append(out, tck)
}

// BuildATR assembles an ATR from T0, the interface bytes in wire order and
// the historical bytes. K in T0 is filled from historical.
func BuildATR(t0 byte, interfaceBytes, historical []byte) []byte {
	atr := []byte{0x3B, t0&0xF0 | byte(len(historical))&0x0F}
	atr = append(atr, interfaceBytes...)
	return append(atr, historical...)
}

// Header builds a command header
func Header(cla, ins, p1, p2, p3 byte) []byte {
	return []byte{cla, ins, p1, p2, p3}
}

// StatusOK is SW1 SW2 for normal processing
var StatusOK = []byte{0x90, 0x00}
