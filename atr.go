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
	"errors"
	"fmt"
	"strings"

	"github.com/ZaparooProject/go-iso7816/internal/frame"
)

// MaxATRLength bounds the captured answer to reset
const MaxATRLength = 55

// maxInterfaceGroups bounds the TDi chain walk
const maxInterfaceGroups = 16

// Convention is the bit encoding announced by TS
type Convention int

const (
	ConventionDirect Convention = iota
	ConventionInverse
)

func (c Convention) String() string {
	if c == ConventionInverse {
		return "inverse"
	}
	return "direct"
}

// PresenceMask flags which interface bytes of a group are present
type PresenceMask byte

const (
	PresentTA PresenceMask = 1 << iota
	PresentTB
	PresentTC
	PresentTD
)

// InterfaceBytes is one TAi/TBi/TCi/TDi group. Protocol is the protocol the
// group applies to: 0 for the global group 1, otherwise the value announced
// by the previous TD.
type InterfaceBytes struct {
	Index    int
	Protocol int
	Present  PresenceMask
	TA       byte
	TB       byte
	TC       byte
	TD       byte
}

// Has reports whether the interface bytes in mask are all present
func (g InterfaceBytes) Has(mask PresenceMask) bool {
	return g.Present&mask == mask
}

// ATR is a decoded answer to reset
type ATR struct {
	raw        []byte
	Groups     []InterfaceBytes
	Historical []byte
	Convention Convention
	T0         byte
	TCK        byte
	HasTCK     bool
}

// atrLayout is the result of scanning ATR bytes without validating the check byte
type atrLayout struct {
	groups     []InterfaceBytes
	histStart  int
	histCount  int
	total      int
	convention Convention
	needsTCK   bool
}

// scanATR walks the structure of raw. It fails with ErrATRTruncated when raw
// ends before the structure does, in which case the returned layout still
// carries the minimum total length known so far.
func scanATR(raw []byte) (atrLayout, error) {
	var layout atrLayout

	if len(raw) == 0 {
		layout.total = 1
		return layout, fmt.Errorf("%w: missing TS", ErrATRTruncated)
	}

	switch raw[0] {
	case frame.TSDirect:
		layout.convention = ConventionDirect
	case frame.TSInverse:
		layout.convention = ConventionInverse
	default:
		return layout, fmt.Errorf("%w: invalid TS %02X", ErrMalformedATR, raw[0])
	}

	if len(raw) < 2 {
		layout.total = 2
		return layout, fmt.Errorf("%w: missing T0", ErrATRTruncated)
	}

	t0 := raw[1]
	layout.histCount = int(t0 & 0x0F)
	presence := PresenceMask(t0 >> 4)
	pos := 2
	protocol := 0

	for i := 1; ; i++ {
		if i > maxInterfaceGroups {
			return layout, fmt.Errorf("%w: more than %d interface groups", ErrMalformedATR, maxInterfaceGroups)
		}

		group := InterfaceBytes{Index: i, Protocol: protocol, Present: presence}
		for _, field := range []struct {
			mask PresenceMask
			dst  *byte
		}{
			{PresentTA, &group.TA},
			{PresentTB, &group.TB},
			{PresentTC, &group.TC},
			{PresentTD, &group.TD},
		} {
			if presence&field.mask == 0 {
				continue
			}
			if pos >= len(raw) {
				layout.total = pos + 1
				return layout, fmt.Errorf("%w: interface bytes of group %d", ErrATRTruncated, i)
			}
			*field.dst = raw[pos]
			pos++
		}
		layout.groups = append(layout.groups, group)

		if !group.Has(PresentTD) {
			break
		}
		protocol = int(group.TD & 0x0F)
		if protocol != 0 {
			layout.needsTCK = true
		}
		presence = PresenceMask(group.TD >> 4)
	}

	layout.histStart = pos
	layout.total = pos + layout.histCount
	if layout.needsTCK {
		layout.total++
	}
	if layout.total > MaxATRLength {
		return layout, fmt.Errorf("%w: declared length %d exceeds %d", ErrMalformedATR, layout.total, MaxATRLength)
	}
	if len(raw) < layout.total {
		return layout, fmt.Errorf("%w: have %d of %d bytes", ErrATRTruncated, len(raw), layout.total)
	}

	return layout, nil
}

// DecodeATR parses a complete answer to reset. It is a pure function of raw.
func DecodeATR(raw []byte) (*ATR, error) {
	if len(raw) > MaxATRLength {
		return nil, fmt.Errorf("%w: %d bytes exceeds %d", ErrMalformedATR, len(raw), MaxATRLength)
	}

	layout, err := scanATR(raw)
	if err != nil {
		return nil, err
	}
	if len(raw) > layout.total {
		return nil, fmt.Errorf("%w: %d trailing bytes", ErrMalformedATR, len(raw)-layout.total)
	}

	atr := &ATR{
		raw:        append([]byte(nil), raw...),
		Convention: layout.convention,
		T0:         raw[1],
		Groups:     layout.groups,
		Historical: append([]byte{}, raw[layout.histStart:layout.histStart+layout.histCount]...),
	}

	if layout.needsTCK {
		atr.HasTCK = true
		atr.TCK = raw[layout.total-1]
		if !frame.ValidateTCK(raw[1:layout.total]) {
			return nil, fmt.Errorf("%w: TCK %02X, bytes XOR to %02X",
				ErrATRChecksum, atr.TCK, frame.XOR(raw[1:layout.total]))
		}
	}

	return atr, nil
}

// atrComplete reports whether buf holds a structurally complete ATR.
// Errors other than truncation are final.
func atrComplete(buf []byte) (bool, error) {
	layout, err := scanATR(buf)
	if err != nil {
		if errors.Is(err, ErrATRTruncated) {
			return false, nil
		}
		return false, err
	}
	return len(buf) >= layout.total, nil
}

// Bytes returns a copy of the raw ATR
func (a *ATR) Bytes() []byte {
	return append([]byte(nil), a.raw...)
}

// Group returns interface group i (1-based)
func (a *ATR) Group(i int) (InterfaceBytes, bool) {
	if i < 1 || i > len(a.Groups) {
		return InterfaceBytes{}, false
	}
	return a.Groups[i-1], true
}

// Fi returns the clock rate conversion integer from TA1
func (a *ATR) Fi() (int, bool) {
	g, ok := a.Group(1)
	if !ok || !g.Has(PresentTA) {
		return 0, false
	}
	return FiFromIndex(g.TA >> 4)
}

// Di returns the baud rate adjustment integer from TA1
func (a *ATR) Di() (int, bool) {
	g, ok := a.Group(1)
	if !ok || !g.Has(PresentTA) {
		return 0, false
	}
	return DiFromIndex(g.TA & 0x0F)
}

// ExtraGuardTime returns N from TC1
func (a *ATR) ExtraGuardTime() (int, bool) {
	g, ok := a.Group(1)
	if !ok || !g.Has(PresentTC) {
		return 0, false
	}
	return int(g.TC), true
}

// WaitingInteger returns WI from TC2
func (a *ATR) WaitingInteger() (int, bool) {
	g, ok := a.Group(2)
	if !ok || !g.Has(PresentTC) {
		return 0, false
	}
	return int(g.TC), true
}

// SpecificMode returns the protocol from TA2 and whether the card uses the
// TA1 parameters implicitly (b5 of TA2 cleared)
func (a *ATR) SpecificMode() (protocol int, useTA1 bool, ok bool) {
	g, found := a.Group(2)
	if !found || !g.Has(PresentTA) {
		return 0, false, false
	}
	return int(g.TA & 0x0F), g.TA&0x10 == 0, true
}

// Protocols lists the protocols the card offers, in announcement order
func (a *ATR) Protocols() []int {
	var protocols []int
	seen := make(map[int]bool)
	for _, g := range a.Groups {
		if !g.Has(PresentTD) {
			continue
		}
		p := int(g.TD & 0x0F)
		if p == 15 || seen[p] {
			continue
		}
		seen[p] = true
		protocols = append(protocols, p)
	}
	if len(protocols) == 0 {
		return []int{0}
	}
	return protocols
}

// Offers reports whether the card announced protocol T=p
func (a *ATR) Offers(p int) bool {
	for _, v := range a.Protocols() {
		if v == p {
			return true
		}
	}
	return false
}

// String renders the ATR field by field
func (a *ATR) String() string {
	var sb strings.Builder
	_, _ = fmt.Fprintf(&sb, "ATR: % X\n", a.raw)
	_, _ = fmt.Fprintf(&sb, "  TS  = %02X (%s convention)\n", a.raw[0], a.Convention)
	_, _ = fmt.Fprintf(&sb, "  T0  = %02X (K=%d)\n", a.T0, len(a.Historical))
	for _, g := range a.Groups {
		for _, f := range []struct {
			name string
			mask PresenceMask
			val  byte
		}{
			{"TA", PresentTA, g.TA},
			{"TB", PresentTB, g.TB},
			{"TC", PresentTC, g.TC},
			{"TD", PresentTD, g.TD},
		} {
			if g.Has(f.mask) {
				_, _ = fmt.Fprintf(&sb, "  %s%d = %02X\n", f.name, g.Index, f.val)
			}
		}
	}
	if fi, ok := a.Fi(); ok {
		di, _ := a.Di()
		_, _ = fmt.Fprintf(&sb, "  Fi=%d Di=%d\n", fi, di)
	}
	_, _ = fmt.Fprintf(&sb, "  Protocols: %v\n", a.Protocols())
	if len(a.Historical) > 0 {
		_, _ = fmt.Fprintf(&sb, "  Historical: % X\n", a.Historical)
	}
	if a.HasTCK {
		_, _ = fmt.Fprintf(&sb, "  TCK = %02X\n", a.TCK)
	}
	return sb.String()
}
