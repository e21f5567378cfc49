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

// Command t0ctl drives a T=0 smartcard through a serial reader.
//
// Usage:
//
//	t0ctl [--debug] [--config file.yaml] <command> [options]
//
// Commands:
//   - atr decode <hex>: decode an Answer-to-Reset
//   - atr pcsc: read the ATR of a card in a PC/SC reader and decode it
//   - reset: cold reset the card and show the negotiated timing
//   - send: cold reset, then exchange one command
//   - ports: list serial ports that may host a reader
package main

import (
	"errors"
	"fmt"
	"os"

	iso7816 "github.com/ZaparooProject/go-iso7816"
	"github.com/urfave/cli/v2"
)

func main() {
	app := &cli.App{
		Name:  "t0ctl",
		Usage: "ISO 7816-3 T=0 card link tool",
		Flags: []cli.Flag{
			&cli.BoolFlag{Name: "debug", Usage: "Enable protocol debug output"},
			&cli.StringFlag{Name: "config", Aliases: []string{"c"}, Usage: "YAML configuration file", EnvVars: []string{"T0CTL_CONFIG"}},
		},
		Before: func(c *cli.Context) error {
			if c.Bool("debug") {
				iso7816.SetDebugEnabled(true)
			}
			return nil
		},
		ExitErrHandler: exitErrHandler,
		Commands: []*cli.Command{
			atrCommand(),
			resetCommand(),
			sendCommand(),
			portsCommand(),
		},
	}

	if err := app.Run(os.Args); err != nil {
		os.Exit(1)
	}
}

// exitErrHandler maps link errors to exit codes: 2 for a missing or silent
// card, 3 for a card that broke protocol, 1 otherwise
func exitErrHandler(_ *cli.Context, err error) {
	if err == nil {
		return
	}

	var exitCoder cli.ExitCoder
	if errors.As(err, &exitCoder) {
		if msg := exitCoder.Error(); msg != "" {
			fmt.Fprintln(os.Stderr, msg)
		}
		os.Exit(exitCoder.ExitCode())
	}

	fmt.Fprintf(os.Stderr, "Error: %v\n", err)
	switch {
	case errors.Is(err, iso7816.ErrNoCardResponse), errors.Is(err, iso7816.ErrCardTimeout):
		os.Exit(2)
	case errors.Is(err, iso7816.ErrProtocolViolation), errors.Is(err, iso7816.ErrParityExhausted),
		errors.Is(err, iso7816.ErrMalformedATR), errors.Is(err, iso7816.ErrATRChecksum):
		os.Exit(3)
	default:
		os.Exit(1)
	}
}
