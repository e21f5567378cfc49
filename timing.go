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

	"github.com/ZaparooProject/go-iso7816/internal/frame"
	"periph.io/x/conn/v3/physic"
)

// Default transmission parameters used until the ATR says otherwise
const (
	DefaultFi = 372
	DefaultDi = 1
)

// Card clock limits accepted by DeriveTiming
const (
	MinClockFrequency = 1 * physic.MegaHertz
	MaxClockFrequency = 20 * physic.MegaHertz
)

// fiTable maps the TA1 high nibble to Fi; zero entries are RFU
var fiTable = [16]int{372, 372, 558, 744, 1116, 1488, 1860, 0, 0, 512, 768, 1024, 1536, 2048, 0, 0}

// diTable maps the TA1 low nibble to Di; zero entries are RFU
var diTable = [16]int{0, 1, 2, 4, 8, 16, 32, 64, 12, 20, 0, 0, 0, 0, 0, 0}

// FiFromIndex returns the clock rate conversion integer for a TA1 high nibble
func FiFromIndex(index byte) (int, bool) {
	fi := fiTable[index&0x0F]
	return fi, fi != 0
}

// DiFromIndex returns the baud rate adjustment integer for a TA1 low nibble
func DiFromIndex(index byte) (int, bool) {
	di := diTable[index&0x0F]
	return di, di != 0
}

func validFi(fi int) bool {
	for _, v := range fiTable {
		if v != 0 && v == fi {
			return true
		}
	}
	return false
}

func validDi(di int) bool {
	for _, v := range diTable {
		if v != 0 && v == di {
			return true
		}
	}
	return false
}

// Timing holds the link parameters derived from Fi, Di and the card clock.
// BaudDivisor is the number of card clock cycles per etu. Convention is set
// by the session once TS is known; DeriveTiming leaves it direct.
type Timing struct {
	Clock          physic.Frequency
	Convention     Convention
	Fi             int
	Di             int
	BaudDivisor    int
	GuardTimeEtu   int
	GuardTimeTicks int
}

// DeriveTiming converts Fi/Di, the card clock and the extra guard time N (in
// etu, from TC1 or the session config) into link timing. N=255 selects the
// 12 etu minimum character duration that T=0 mandates.
func DeriveTiming(fi, di int, clock physic.Frequency, timeGuardEtu int) (Timing, error) {
	if !validFi(fi) {
		return Timing{}, NewConfigError("Fi", fmt.Sprintf("%d is not a standard value", fi))
	}
	if !validDi(di) {
		return Timing{}, NewConfigError("Di", fmt.Sprintf("%d is not a standard value", di))
	}
	if clock < MinClockFrequency || clock > MaxClockFrequency {
		return Timing{}, NewConfigError("clock frequency", fmt.Sprintf("%s out of range", clock))
	}
	if timeGuardEtu < 0 || timeGuardEtu > 255 {
		return Timing{}, NewConfigError("time guard", fmt.Sprintf("%d out of range", timeGuardEtu))
	}

	divisor := (fi + di/2) / di
	if divisor < 1 {
		return Timing{}, NewConfigError("Fi/Di", fmt.Sprintf("%d/%d yields no usable divisor", fi, di))
	}

	guard := frame.MinCharacterGuard
	if timeGuardEtu != 255 {
		guard += timeGuardEtu
	}

	return Timing{
		Clock:          clock,
		Fi:             fi,
		Di:             di,
		BaudDivisor:    divisor,
		GuardTimeEtu:   guard,
		GuardTimeTicks: guard * divisor,
	}, nil
}

// DefaultTiming returns the timing a card uses right after reset
func DefaultTiming(clock physic.Frequency, timeGuardEtu int) (Timing, error) {
	return DeriveTiming(DefaultFi, DefaultDi, clock, timeGuardEtu)
}

func (t Timing) hertz() int64 {
	return int64(t.Clock / physic.Hertz)
}

// Cycles converts a number of card clock cycles to wall time, rounding up
func (t Timing) Cycles(n int) time.Duration {
	hz := t.hertz()
	if hz <= 0 || n <= 0 {
		return 0
	}
	ns := (int64(n)*int64(time.Second) + hz - 1) / hz
	return time.Duration(ns)
}

// Etus converts a number of elementary time units to wall time
func (t Timing) Etus(n int) time.Duration {
	return t.Cycles(n * t.BaudDivisor)
}

// ETU returns the duration of one elementary time unit
func (t Timing) ETU() time.Duration {
	return t.Etus(1)
}

// BaudRate returns the line rate in bits per second
func (t Timing) BaudRate() int {
	if t.BaudDivisor == 0 {
		return 0
	}
	return int(t.hertz() / int64(t.BaudDivisor))
}

// GuardTime returns the minimum delay between the leading edges of two
// consecutive characters
func (t Timing) GuardTime() time.Duration {
	return t.Cycles(t.GuardTimeTicks)
}

// WorkWaitingTime returns the maximum delay between the leading edges of two
// consecutive characters from the card, for waiting integer wi
func (t Timing) WorkWaitingTime(wi int) time.Duration {
	if wi <= 0 {
		wi = frame.DefaultWaitingIndex
	}
	return t.Cycles(wi * frame.WaitingTimeFactor * t.Fi)
}

func (t Timing) String() string {
	return fmt.Sprintf("Fi=%d Di=%d clock=%s divisor=%d baud=%d guard=%detu %s",
		t.Fi, t.Di, t.Clock, t.BaudDivisor, t.BaudRate(), t.GuardTimeEtu, t.Convention)
}
