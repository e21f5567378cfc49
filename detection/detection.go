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

// Package detection finds serial ports that may host a smartcard reader
package detection

import (
	"sort"
	"strings"
)

// Port describes one candidate reader port
type Port struct {
	Path         string
	VIDPID       string
	Product      string
	SerialNumber string
	USB          bool
}

// Options filters candidate ports
type Options struct {
	Blocklist   []string
	IgnorePaths []string
	// USBOnly drops ports that are not USB serial bridges
	USBOnly bool
}

// DefaultOptions returns the options used when none are given
func DefaultOptions() Options {
	return Options{
		Blocklist: DefaultBlocklist(),
	}
}

// knownBridges are the USB serial chips found in Phoenix and smartmouse
// style readers
var knownBridges = map[string]string{
	"0403:6001": "FTDI FT232R",
	"0403:6015": "FTDI FT231X",
	"067B:2303": "Prolific PL2303",
	"10C4:EA60": "Silicon Labs CP210x",
	"1A86:7523": "WCH CH340",
}

// Bridge names the USB serial chip of p, if known
func (p Port) Bridge() string {
	return knownBridges[strings.ToUpper(p.VIDPID)]
}

// Filter applies opts to ports and orders the result with known reader
// bridges first, then by path
func Filter(ports []Port, opts Options) []Port {
	var out []Port
	for _, p := range ports {
		if IsPathIgnored(p.Path, opts.IgnorePaths) {
			continue
		}
		if IsBlocked(p.VIDPID, opts.Blocklist) {
			continue
		}
		if opts.USBOnly && !p.USB {
			continue
		}
		out = append(out, p)
	}

	sort.SliceStable(out, func(i, j int) bool {
		ki, kj := out[i].Bridge() != "", out[j].Bridge() != ""
		if ki != kj {
			return ki
		}
		return out[i].Path < out[j].Path
	})
	return out
}
