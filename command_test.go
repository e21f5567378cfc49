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
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestParseCommand(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name     string
		raw      []byte
		wantData []byte
		wantP3   byte
		wantCase Case
	}{
		{name: "four byte header", raw: []byte{0x00, 0x10, 0x00, 0x00}, wantCase: Case1},
		{name: "case 1", raw: []byte{0x00, 0x10, 0x00, 0x00, 0x00}, wantCase: Case1},
		{name: "case 3", raw: []byte{0x00, 0x20, 0x00, 0x00, 0x02}, wantCase: Case3, wantP3: 2},
		{
			name:     "case 2",
			raw:      []byte{0x00, 0x30, 0x00, 0x00, 0x02, 0x0A, 0x0B},
			wantCase: Case2,
			wantP3:   2,
			wantData: []byte{0x0A, 0x0B},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			cmd, err := ParseCommand(tt.raw)
			require.NoError(t, err)
			assert.Equal(t, tt.wantCase, cmd.Case())
			assert.Equal(t, tt.wantP3, cmd.P3)
			assert.Equal(t, tt.wantData, cmd.Data)
		})
	}
}

func TestParseCommandRejects(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name string
		raw  []byte
	}{
		{name: "too short", raw: []byte{0x00, 0x10, 0x00}},
		{name: "data shorter than P3", raw: []byte{0x00, 0x30, 0x00, 0x00, 0x03, 0x0A}},
		{name: "data longer than P3", raw: []byte{0x00, 0x30, 0x00, 0x00, 0x01, 0x0A, 0x0B}},
		{name: "INS 6X", raw: []byte{0x00, 0x61, 0x00, 0x00, 0x00}},
		{name: "INS 9X", raw: []byte{0x00, 0x9F, 0x00, 0x00, 0x00}},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			_, err := ParseCommand(tt.raw)
			assert.ErrorIs(t, err, ErrInvalidParameter)
		})
	}
}

func TestNewCommand(t *testing.T) {
	t.Parallel()

	cmd := NewCommand(0x00, 0xD6, 0x00, 0x00, 0xFF, []byte{1, 2, 3})
	assert.Equal(t, byte(3), cmd.P3)
	assert.Equal(t, Case2, cmd.Case())
	assert.Equal(t, [5]byte{0x00, 0xD6, 0x00, 0x00, 0x03}, cmd.Header())
	require.NoError(t, cmd.Validate())

	get := NewCommand(0x00, 0xB0, 0x00, 0x00, 0x10, nil)
	assert.Equal(t, Case3, get.Case())
	assert.Equal(t, "00 B0 00 00 10 (case 3 (data from card))", get.String())
}

func TestResponseStatusWord(t *testing.T) {
	t.Parallel()

	resp := &Response{SW1: 0x6A, SW2: 0x82}
	assert.Equal(t, uint16(0x6A82), resp.StatusWord())
	assert.Equal(t, "data=[] SW=6A82", resp.String())
}

func TestClassifyProcedure(t *testing.T) {
	t.Parallel()

	const ins = 0xA4
	tests := []struct {
		want ProcedureByte
		name string
		b    byte
	}{
		{name: "null", b: 0x60, want: NullProcedure{}},
		{name: "ack all", b: ins, want: AckProcedure{Value: ins}},
		{name: "ack one", b: ^byte(ins), want: AckProcedure{Value: 0x5B, Single: true}},
		{name: "normal status", b: 0x90, want: StatusProcedure{SW1: 0x90}},
		{name: "warning status", b: 0x61, want: StatusProcedure{SW1: 0x61}},
		{name: "other byte reported as SW1", b: 0x12, want: StatusProcedure{SW1: 0x12}},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			got := ClassifyProcedure(tt.b, ins)
			assert.Equal(t, tt.want, got)
			assert.NotEmpty(t, got.String())
		})
	}
}
