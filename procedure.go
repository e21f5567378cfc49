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

// ProcedureByte is a byte sent by the card after the command header. It is
// one of NullProcedure, AckProcedure or StatusProcedure.
type ProcedureByte interface {
	procedure()
	fmt.Stringer
}

// NullProcedure asks the host to keep waiting
type NullProcedure struct{}

// AckProcedure tells the host to move data. Single means one byte only
// (complemented INS); otherwise all remaining bytes.
type AckProcedure struct {
	Value  byte
	Single bool
}

// StatusProcedure carries SW1; SW2 follows
type StatusProcedure struct {
	SW1 byte
}

func (NullProcedure) procedure()   {}
func (AckProcedure) procedure()    {}
func (StatusProcedure) procedure() {}

func (NullProcedure) String() string { return "NULL" }

func (a AckProcedure) String() string {
	if a.Single {
		return fmt.Sprintf("ACK %02X (one byte)", a.Value)
	}
	return fmt.Sprintf("ACK %02X (all bytes)", a.Value)
}

func (s StatusProcedure) String() string { return fmt.Sprintf("SW1 %02X", s.SW1) }

// ClassifyProcedure interprets b as received after a header carrying ins
func ClassifyProcedure(b, ins byte) ProcedureByte {
	switch b {
	case frame.NullProcedure:
		return NullProcedure{}
	case ins:
		return AckProcedure{Value: b}
	case ^ins:
		return AckProcedure{Value: b, Single: true}
	default:
		return StatusProcedure{SW1: b}
	}
}
