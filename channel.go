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

package iso7816

import (
	"context"
	"time"
)

// Channel is the half-duplex, parity-checked contact interface to the card.
// Implementations own the electrical details (I/O line, RST, CLK, VCC); the
// session drives it one character at a time and never concurrently.
type Channel interface {
	// SendByte transmits one character and waits out the guard time. It
	// returns an error wrapping ErrParity when the card signalled a parity
	// error for that character.
	SendByte(ctx context.Context, b byte) error

	// ReceiveByte waits at most timeout for one character. It returns an
	// error wrapping ErrReadTimeout when nothing arrived and ErrParity when a
	// character arrived with bad parity.
	ReceiveByte(ctx context.Context, timeout time.Duration) (byte, error)

	// SignalError drives the error signal for the last received character so
	// the card repeats it
	SignalError() error

	// Flush discards any buffered input and output
	Flush() error

	// SetPower switches VCC
	SetPower(on bool) error

	// SetClock starts or stops the card clock
	SetClock(on bool) error

	// SetReset drives RST; asserted means held low
	SetReset(asserted bool) error

	// Configure applies baud divisor and guard time
	Configure(timing Timing) error

	// IsConnected returns true if the channel is open
	IsConnected() bool

	// Type returns the channel type
	Type() ChannelType

	// Close releases the channel
	Close() error
}

// ChannelType represents the kind of contact interface
type ChannelType string

const (
	// ChannelUART is a serial smartcard reader driven through a portable serial library
	ChannelUART ChannelType = "uart"
	// ChannelTTY is a serial smartcard reader driven through raw Linux termios
	ChannelTTY ChannelType = "tty"
	// ChannelMock is a simulated card for testing
	ChannelMock ChannelType = "mock"
)

// PortNamer is implemented by channels that can name their underlying port
// for error messages
type PortNamer interface {
	PortName() string
}

func portName(ch Channel) string {
	if n, ok := ch.(PortNamer); ok {
		return n.PortName()
	}
	return string(ch.Type())
}
