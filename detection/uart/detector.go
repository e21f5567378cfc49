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

// Package uart lists serial ports through go.bug.st/serial/enumerator
package uart

import (
	"context"
	"fmt"

	"github.com/ZaparooProject/go-iso7816/detection"
	"go.bug.st/serial"
	"go.bug.st/serial/enumerator"
)

// ListPorts returns the filtered candidate reader ports. Without USB
// details from the enumerator it falls back to bare port names.
func ListPorts(ctx context.Context, opts detection.Options) ([]detection.Port, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	details, err := enumerator.GetDetailedPortsList()
	if err == nil {
		return detection.Filter(fromDetails(details), opts), nil
	}

	names, listErr := serial.GetPortsList()
	if listErr != nil {
		return nil, fmt.Errorf("failed to list serial ports: %w", listErr)
	}
	ports := make([]detection.Port, 0, len(names))
	for _, name := range names {
		ports = append(ports, detection.Port{Path: name})
	}
	return detection.Filter(ports, opts), nil
}

func fromDetails(details []*enumerator.PortDetails) []detection.Port {
	ports := make([]detection.Port, 0, len(details))
	for _, d := range details {
		if d == nil {
			continue
		}
		p := detection.Port{
			Path:         d.Name,
			USB:          d.IsUSB,
			Product:      d.Product,
			SerialNumber: d.SerialNumber,
		}
		if d.IsUSB {
			p.VIDPID = detection.FormatVIDPID(d.VID, d.PID)
		}
		ports = append(ports, p)
	}
	return ports
}
