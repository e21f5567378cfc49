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
	"fmt"
	"time"

	"periph.io/x/conn/v3/physic"
)

// Protocol is the ISO 7816-3 transmission protocol number
type Protocol int

const (
	ProtocolT0 Protocol = 0
	ProtocolT1 Protocol = 1
)

// ClockSource selects who drives the card clock
type ClockSource int

const (
	// ClockSourceInternal means the channel starts and stops CLK
	ClockSourceInternal ClockSource = iota
	// ClockSourceExternal means CLK is supplied by the reader and runs freely
	ClockSourceExternal
)

// Parity is the character parity
type Parity int

const (
	ParityEven Parity = iota
	ParityOdd
)

// BitOrder is the order data bits travel on the I/O line
type BitOrder int

const (
	// LSBFirst is the direct convention
	LSBFirst BitOrder = iota
	// MSBFirst is the inverse convention
	MSBFirst
)

// Defaults matching a 9600 baud link at Fi/Di = 372/1
const (
	DefaultClockFrequency     = 3571200 * physic.Hertz
	DefaultMaxIterations      = 3
	DefaultTimeGuard          = 5
	DefaultTransferTimeout    = 5 * time.Second
	DefaultPowerStabilization = 10 * time.Millisecond

	// MaxIterationsLimit is the largest per-character repetition count the
	// error-signal mechanism supports
	MaxIterationsLimit = 7
)

// SessionConfig contains the link parameters for a Session. It is validated
// once by New and copied; later changes to the caller's value have no effect.
type SessionConfig struct {
	// ClockFrequency is the card clock
	ClockFrequency physic.Frequency
	// TransferTimeout bounds one complete command/response exchange
	TransferTimeout time.Duration
	// ReadSlack is added to every computed per-character deadline to absorb
	// host and reader latency
	ReadSlack time.Duration
	// PowerStabilization is the delay between VCC on and clock start
	PowerStabilization time.Duration
	Protocol           Protocol
	ClockSource        ClockSource
	CharLength         int
	Parity             Parity
	StopBits           int
	BitOrder           BitOrder
	// MaxIterations is the number of repetitions allowed per character on
	// parity error, 0..7
	MaxIterations int
	// Fi and Di are the transmission factors used until an ATR says otherwise
	Fi int
	Di int
	// TimeGuard is the extra guard time N in etu; 255 means the minimum
	TimeGuard int
	// InhibitNACK stops the host from signalling parity errors on received
	// characters, so a bad character fails the exchange at once
	InhibitNACK bool
	// DisableSuccessiveNACK suppresses the error signal on the character that
	// exhausts MaxIterations
	DisableSuccessiveNACK bool
	// ResetOnAbort warm-resets the card after any transfer that fails once
	// the header went out: cancellation, timeout, parity exhaustion or a
	// protocol violation
	ResetOnAbort bool
}

// DefaultSessionConfig returns the configuration used by the firmware
// example: 8E2, 3 iterations, time guard 5, 9600 baud at 372/1.
func DefaultSessionConfig() *SessionConfig {
	return &SessionConfig{
		Protocol:           ProtocolT0,
		ClockSource:        ClockSourceInternal,
		CharLength:         8,
		Parity:             ParityEven,
		StopBits:           2,
		BitOrder:           LSBFirst,
		MaxIterations:      DefaultMaxIterations,
		ClockFrequency:     DefaultClockFrequency,
		Fi:                 DefaultFi,
		Di:                 DefaultDi,
		TimeGuard:          DefaultTimeGuard,
		TransferTimeout:    DefaultTransferTimeout,
		PowerStabilization: DefaultPowerStabilization,
		ResetOnAbort:       true,
	}
}

// Validate checks the configuration and returns an error wrapping ErrConfig
func (c *SessionConfig) Validate() error {
	if c.Protocol != ProtocolT0 {
		return &LinkError{
			Op:   "config",
			Err:  fmt.Errorf("%w: T=%d", ErrUnsupportedProtocol, c.Protocol),
			Type: ErrorTypePermanent,
		}
	}
	if c.CharLength != 8 {
		return NewConfigError("character length", fmt.Sprintf("%d bits, T=0 uses 8", c.CharLength))
	}
	if c.Parity != ParityEven {
		return NewConfigError("parity", "T=0 uses even parity")
	}
	if c.StopBits != 2 {
		return NewConfigError("stop bits", fmt.Sprintf("%d, T=0 uses 2", c.StopBits))
	}
	if c.ClockSource != ClockSourceInternal && c.ClockSource != ClockSourceExternal {
		return NewConfigError("clock source", fmt.Sprintf("%d", c.ClockSource))
	}
	if c.BitOrder != LSBFirst && c.BitOrder != MSBFirst {
		return NewConfigError("bit order", fmt.Sprintf("%d", c.BitOrder))
	}
	if c.MaxIterations < 0 || c.MaxIterations > MaxIterationsLimit {
		return NewConfigError("max iterations", fmt.Sprintf("%d not in 0..%d", c.MaxIterations, MaxIterationsLimit))
	}
	if c.TransferTimeout <= 0 {
		return NewConfigError("transfer timeout", "must be positive")
	}
	if c.ReadSlack < 0 {
		return NewConfigError("read slack", "must not be negative")
	}
	if c.PowerStabilization < 0 {
		return NewConfigError("power stabilization", "must not be negative")
	}
	if _, err := DeriveTiming(c.Fi, c.Di, c.ClockFrequency, c.TimeGuard); err != nil {
		return err
	}
	return nil
}

// convention is the coding the card is expected to use before TS is seen
func (c *SessionConfig) convention() Convention {
	if c.BitOrder == MSBFirst {
		return ConventionInverse
	}
	return ConventionDirect
}
