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

// Package tty provides a Channel for serial smartcard readers driven through
// raw Linux termios. Unlike the uart package it asks the kernel to mark
// characters received with bad parity (PARMRK), so a parity error on a byte
// sent by the card is reported for that byte and the error signal can be
// raised.
package tty

// markedByte is one character recovered from a PARMRK stream
type markedByte struct {
	value     byte
	parityErr bool
}

const (
	markIdle = iota
	markEscape
	markError
)

// markDecoder unpacks the input stream of a tty opened with PARMRK set and
// IGNPAR and ISTRIP clear. The kernel then delivers 0xFF 0xFF for a literal
// 0xFF and 0xFF 0x00 X for a character X received with a parity or framing
// error. A break reads as 0xFF 0x00 0x00.
type markDecoder struct {
	state int
}

// feed consumes one raw byte and reports whether it completed a character
func (d *markDecoder) feed(b byte) (markedByte, bool) {
	switch d.state {
	case markEscape:
		switch b {
		case 0xFF:
			d.state = markIdle
			return markedByte{value: 0xFF}, true
		case 0x00:
			d.state = markError
			return markedByte{}, false
		default:
			// not produced by the line discipline; keep the byte
			d.state = markIdle
			return markedByte{value: b}, true
		}
	case markError:
		d.state = markIdle
		return markedByte{value: b, parityErr: true}, true
	default:
		if b == 0xFF {
			d.state = markEscape
			return markedByte{}, false
		}
		return markedByte{value: b}, true
	}
}

func (d *markDecoder) reset() {
	d.state = markIdle
}
