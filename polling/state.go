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

package polling

import (
	"time"

	iso7816 "github.com/ZaparooProject/go-iso7816"
)

// CardDetectionState is the monitor's view of the card slot
type CardDetectionState int

const (
	// StateEmpty means no card in the slot
	StateEmpty CardDetectionState = iota
	// StateActive means a card is present and answered its reset
	StateActive
	// StateMute means a card is present but its reset failed
	StateMute
)

func (s CardDetectionState) String() string {
	switch s {
	case StateEmpty:
		return "empty"
	case StateActive:
		return "active"
	case StateMute:
		return "mute"
	default:
		return "unknown"
	}
}

// CardState tracks the card in the slot
type CardState struct {
	InsertedAt     time.Time
	ATR            *iso7816.ATR
	LastError      error
	DetectionState CardDetectionState
	Present        bool
	// pending switch readings that disagree with Present
	streak int
}

// observe feeds one switch reading and reports whether Present flipped.
// A change needs debounce consecutive agreeing readings.
func (cs *CardState) observe(present bool, debounce int) bool {
	if present == cs.Present {
		cs.streak = 0
		return false
	}
	cs.streak++
	if cs.streak < max(debounce, 1) {
		return false
	}
	cs.streak = 0
	cs.Present = present
	return true
}

// TransitionToActive records a card that answered with atr
func (cs *CardState) TransitionToActive(atr *iso7816.ATR) {
	cs.DetectionState = StateActive
	cs.InsertedAt = time.Now()
	cs.ATR = atr
	cs.LastError = nil
}

// TransitionToMute records a card whose reset failed with err
func (cs *CardState) TransitionToMute(err error) {
	cs.DetectionState = StateMute
	cs.InsertedAt = time.Now()
	cs.ATR = nil
	cs.LastError = err
}

// removalFailed keeps the card counted as present after a removal could not
// power down the contacts, so the next reading retries it
func (cs *CardState) removalFailed(err error) {
	cs.Present = true
	cs.LastError = err
	cs.streak = 0
}

// TransitionToEmpty resets the state after removal
func (cs *CardState) TransitionToEmpty() {
	cs.DetectionState = StateEmpty
	cs.Present = false
	cs.InsertedAt = time.Time{}
	cs.ATR = nil
	cs.LastError = nil
	cs.streak = 0
}
