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
	"strings"
	"testing"

	testutil "github.com/ZaparooProject/go-iso7816/internal/testing"
	"github.com/google/go-cmp/cmp"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestDecodeATR(t *testing.T) {
	t.Parallel()
	tests := getDecodeATRTestCases()

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()

			atr, err := DecodeATR(tt.raw)
			require.NoError(t, err)

			if diff := cmp.Diff(tt.groups, atr.Groups); diff != "" {
				t.Errorf("interface groups mismatch (-want +got):\n%s", diff)
			}
			if diff := cmp.Diff(tt.historical, atr.Historical); diff != "" {
				t.Errorf("historical bytes mismatch (-want +got):\n%s", diff)
			}
			assert.Equal(t, tt.protocols, atr.Protocols())
			assert.Equal(t, tt.hasTCK, atr.HasTCK)
			assert.Equal(t, tt.raw, atr.Bytes())
		})
	}
}

func getDecodeATRTestCases() []struct {
	name       string
	raw        []byte
	groups     []InterfaceBytes
	historical []byte
	protocols  []int
	hasTCK     bool
} {
	return []struct {
		name       string
		raw        []byte
		groups     []InterfaceBytes
		historical []byte
		protocols  []int
		hasTCK     bool
	}{
		{
			name:       "minimal",
			raw:        testutil.ATRMinimal,
			groups:     []InterfaceBytes{{Index: 1}},
			historical: []byte{},
			protocols:  []int{0},
		},
		{
			name:       "TA1 and one historical byte",
			raw:        testutil.ATRT0Historical,
			groups:     []InterfaceBytes{{Index: 1, Present: PresentTA, TA: 0x14}},
			historical: []byte{0x50},
			protocols:  []int{0},
		},
		{
			name:       "TA1 and TC1",
			raw:        testutil.ATRGuardTime,
			groups:     []InterfaceBytes{{Index: 1, Present: PresentTA | PresentTC, TA: 0x11, TC: 0x05}},
			historical: []byte{0x41, 0x42, 0x43},
			protocols:  []int{0},
		},
		{
			name: "TC2 waiting integer",
			raw:  testutil.ATRWaitingInteger,
			groups: []InterfaceBytes{
				{Index: 1, Present: PresentTD, TD: 0x40},
				{Index: 2, Present: PresentTC, TC: 0x14},
			},
			historical: []byte{0x01, 0x02},
			protocols:  []int{0},
		},
		{
			name: "T=0 and T=1 with TCK",
			raw:  testutil.ATRDualProtocol,
			groups: []InterfaceBytes{
				{Index: 1, Present: PresentTD, TD: 0x80},
				{Index: 2, Present: PresentTD, TD: 0x01},
				{Index: 3, Protocol: 1},
			},
			historical: []byte{},
			protocols:  []int{0, 1},
			hasTCK:     true,
		},
		{
			name: "specific mode",
			raw:  testutil.ATRSpecificMode,
			groups: []InterfaceBytes{
				{Index: 1, Present: PresentTA | PresentTD, TA: 0x96, TD: 0x10},
				{Index: 2, Present: PresentTA, TA: 0x00},
			},
			historical: []byte{},
			protocols:  []int{0},
		},
		{
			name: "T=1 only",
			raw:  testutil.ATRT1Only,
			groups: []InterfaceBytes{
				{Index: 1, Present: PresentTD, TD: 0x01},
				{Index: 2, Protocol: 1},
			},
			historical: []byte{0x55},
			protocols:  []int{1},
			hasTCK:     true,
		},
	}
}

func TestDecodeATRErrors(t *testing.T) {
	t.Parallel()

	tests := []struct {
		want error
		name string
		raw  []byte
	}{
		{name: "empty", raw: nil, want: ErrATRTruncated},
		{name: "TS only", raw: []byte{0x3B}, want: ErrATRTruncated},
		{name: "bad TS", raw: []byte{0x3A, 0x00}, want: ErrMalformedATR},
		{name: "missing interface byte", raw: []byte{0x3B, 0x10}, want: ErrATRTruncated},
		{name: "missing historical bytes", raw: []byte{0x3B, 0x02, 0x01}, want: ErrATRTruncated},
		{name: "missing TCK", raw: []byte{0x3B, 0x80, 0x01}, want: ErrATRTruncated},
		{name: "trailing byte", raw: []byte{0x3B, 0x00, 0x00}, want: ErrMalformedATR},
		{name: "bad TCK", raw: []byte{0x3B, 0x80, 0x80, 0x01, 0x02}, want: ErrATRChecksum},
		{name: "too long", raw: append([]byte{0x3B, 0x0F}, make([]byte, 60)...), want: ErrMalformedATR},
		{
			name: "endless TD chain",
			raw:  append([]byte{0x3B, 0x80}, repeatByte(0x80, 20)...),
			want: ErrMalformedATR,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			atr, err := DecodeATR(tt.raw)
			assert.Nil(t, atr)
			assert.ErrorIs(t, err, tt.want)
		})
	}
}

func repeatByte(b byte, n int) []byte {
	out := make([]byte, n)
	for i := range out {
		out[i] = b
	}
	return out
}

func TestDecodeATRBadTSNeverPanics(t *testing.T) {
	t.Parallel()

	for ts := 0; ts < 256; ts++ {
		if ts == 0x3B || ts == 0x3F {
			continue
		}
		for _, t0 := range []byte{0x00, 0x0F, 0xF0, 0xFF} {
			raw := append([]byte{byte(ts), t0}, repeatByte(0xFF, 20)...)
			assert.NotPanics(t, func() {
				_, err := DecodeATR(raw)
				assert.ErrorIs(t, err, ErrMalformedATR)
			})
		}
	}
}

func TestDecodeATRIsDeterministic(t *testing.T) {
	t.Parallel()

	raw := testutil.WithTCK(testutil.BuildATR(0xD0, []byte{0x96, 0x81, 0x01}, []byte{0x80, 0x73}))
	first, err := DecodeATR(raw)
	require.NoError(t, err)
	raw2 := append([]byte(nil), raw...)
	second, err := DecodeATR(raw2)
	require.NoError(t, err)

	assert.Equal(t, first, second)

	// the decoded view does not alias the input
	raw2[len(raw2)-3] = 0x00
	assert.Equal(t, byte(0x80), second.Historical[0])
}

func TestATRAccessors(t *testing.T) {
	t.Parallel()

	atr, err := DecodeATR(testutil.ATRGuardTime)
	require.NoError(t, err)

	fi, ok := atr.Fi()
	assert.True(t, ok)
	assert.Equal(t, 372, fi)
	di, ok := atr.Di()
	assert.True(t, ok)
	assert.Equal(t, 1, di)
	n, ok := atr.ExtraGuardTime()
	assert.True(t, ok)
	assert.Equal(t, 5, n)
	_, ok = atr.WaitingInteger()
	assert.False(t, ok)
	_, _, ok = atr.SpecificMode()
	assert.False(t, ok)

	wi, err := DecodeATR(testutil.ATRWaitingInteger)
	require.NoError(t, err)
	v, ok := wi.WaitingInteger()
	assert.True(t, ok)
	assert.Equal(t, 20, v)
	_, ok = wi.Fi()
	assert.False(t, ok)

	specific, err := DecodeATR(testutil.ATRSpecificMode)
	require.NoError(t, err)
	proto, implicit, ok := specific.SpecificMode()
	assert.True(t, ok)
	assert.Equal(t, 0, proto)
	assert.True(t, implicit)
	fi, _ = specific.Fi()
	di, _ = specific.Di()
	assert.Equal(t, 512, fi)
	assert.Equal(t, 32, di)
}

func TestATRConventionAndDump(t *testing.T) {
	t.Parallel()

	inverse, err := DecodeATR([]byte{0x3F, 0x00})
	require.NoError(t, err)
	assert.Equal(t, ConventionInverse, inverse.Convention)

	atr, err := DecodeATR(testutil.ATRDualProtocol)
	require.NoError(t, err)
	assert.Equal(t, ConventionDirect, atr.Convention)

	dump := atr.String()
	assert.True(t, strings.HasPrefix(dump, "ATR: 3B 80 80 01 01"))
	assert.Contains(t, dump, "TD1 = 80")
	assert.Contains(t, dump, "TD2 = 01")
	assert.Contains(t, dump, "Protocols: [0 1]")
	assert.Contains(t, dump, "TCK = 01")
}

func TestATRComplete(t *testing.T) {
	t.Parallel()

	raw := testutil.ATRWaitingInteger
	for n := 0; n < len(raw); n++ {
		done, err := atrComplete(raw[:n])
		require.NoError(t, err, "prefix %d", n)
		assert.False(t, done, "prefix %d", n)
	}
	done, err := atrComplete(raw)
	require.NoError(t, err)
	assert.True(t, done)

	_, err = atrComplete([]byte{0x42})
	assert.ErrorIs(t, err, ErrMalformedATR)
}
