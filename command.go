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

	"github.com/ZaparooProject/go-iso7816/internal/frame"
)

// Case is the T=0 command case, which decides the direction of the data phase
type Case int

const (
	// Case1 carries no data: P3 is zero
	Case1 Case = 1
	// Case2 sends P3 data bytes from the host to the card
	Case2 Case = 2
	// Case3 receives P3 data bytes from the card
	Case3 Case = 3
)

func (c Case) String() string {
	switch c {
	case Case1:
		return "case 1 (no data)"
	case Case2:
		return "case 2 (data to card)"
	case Case3:
		return "case 3 (data from card)"
	default:
		return fmt.Sprintf("case %d", int(c))
	}
}

// Command is one T=0 command: the five byte header plus the outgoing data for
// Case 2. For Case 3, P3 is the number of bytes expected from the card.
type Command struct {
	Data []byte
	CLA  byte
	INS  byte
	P1   byte
	P2   byte
	P3   byte
}

// NewCommand builds a command. With data it is Case 2 and P3 is len(data);
// without data, p3 selects Case 1 (zero) or Case 3.
func NewCommand(cla, ins, p1, p2, p3 byte, data []byte) *Command {
	if len(data) > 0 {
		p3 = byte(len(data))
	}
	return &Command{CLA: cla, INS: ins, P1: p1, P2: p2, P3: p3, Data: data}
}

// ParseCommand builds a command from raw bytes: a 4 byte header (P3 taken as
// zero), a 5 byte header, or a 5 byte header followed by exactly P3 data bytes.
func ParseCommand(raw []byte) (*Command, error) {
	switch {
	case len(raw) == frame.HeaderLength-1:
		return &Command{CLA: raw[0], INS: raw[1], P1: raw[2], P2: raw[3]}, nil
	case len(raw) < frame.HeaderLength-1:
		return nil, fmt.Errorf("%w: command too short: %d bytes", ErrInvalidParameter, len(raw))
	}

	cmd := &Command{CLA: raw[0], INS: raw[1], P1: raw[2], P2: raw[3], P3: raw[4]}
	if len(raw) > frame.HeaderLength {
		cmd.Data = append([]byte(nil), raw[frame.HeaderLength:]...)
	}
	if err := cmd.Validate(); err != nil {
		return nil, err
	}
	return cmd, nil
}

// Case returns the command case
func (c *Command) Case() Case {
	switch {
	case len(c.Data) > 0:
		return Case2
	case c.P3 == 0:
		return Case1
	default:
		return Case3
	}
}

// Validate checks the command can be carried by T=0
func (c *Command) Validate() error {
	if c.INS&0xF0 == 0x60 || c.INS&0xF0 == 0x90 {
		return fmt.Errorf("%w: INS %02X collides with procedure bytes", ErrInvalidParameter, c.INS)
	}
	if len(c.Data) > 0 && len(c.Data) != int(c.P3) {
		return fmt.Errorf("%w: P3 is %d but %d data bytes given", ErrInvalidParameter, c.P3, len(c.Data))
	}
	if len(c.Data) > 255 {
		return fmt.Errorf("%w: %d data bytes exceed a short command", ErrInvalidParameter, len(c.Data))
	}
	return nil
}

// Header returns CLA INS P1 P2 P3
func (c *Command) Header() [frame.HeaderLength]byte {
	return [frame.HeaderLength]byte{c.CLA, c.INS, c.P1, c.P2, c.P3}
}

func (c *Command) String() string {
	h := c.Header()
	if len(c.Data) == 0 {
		return fmt.Sprintf("% X (%s)", h[:], c.Case())
	}
	return fmt.Sprintf("% X | % X (%s)", h[:], c.Data, c.Case())
}

// Response is the card's answer to one command. SW1 and SW2 are passed
// through without interpretation.
type Response struct {
	Data []byte
	SW1  byte
	SW2  byte
}

// StatusWord returns SW1 and SW2 as one value
func (r *Response) StatusWord() uint16 {
	return uint16(r.SW1)<<8 | uint16(r.SW2)
}

func (r *Response) String() string {
	return fmt.Sprintf("data=[% X] SW=%02X%02X", r.Data, r.SW1, r.SW2)
}
