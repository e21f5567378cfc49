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

package main

import (
	"encoding/hex"
	"errors"
	"fmt"
	"strings"

	iso7816 "github.com/ZaparooProject/go-iso7816"
	"github.com/ZaparooProject/go-iso7816/detection"
	detectuart "github.com/ZaparooProject/go-iso7816/detection/uart"
	"github.com/ZaparooProject/go-iso7816/transport/uart"
	"github.com/ebfe/scard"
	"github.com/urfave/cli/v2"
)

// presets are the reader firmware's built-in test commands, one per case
var presets = map[int][]byte{
	1: {0x00, 0x10, 0x00, 0x00},
	2: {0x00, 0x20, 0x00, 0x00, 0x02},
	3: {0x00, 0x30, 0x00, 0x00, 0x02, 0x0A, 0x0B},
}

func linkFlags() []cli.Flag {
	return []cli.Flag{
		&cli.StringFlag{Name: "port", Aliases: []string{"p"}, Usage: "Serial device path (e.g. /dev/ttyUSB0 or COM3)"},
		&cli.StringFlag{Name: "backend", Usage: "Channel backend: uart or tty (Linux only)"},
		&cli.StringFlag{Name: "clock", Usage: "Card clock frequency (e.g. 3.5712MHz)"},
		&cli.StringFlag{Name: "reset-pin", Usage: "GPIO pin driving RST instead of RTS"},
		&cli.StringFlag{Name: "power-pin", Usage: "GPIO pin switching VCC instead of DTR"},
		&cli.BoolFlag{Name: "invert-reset", Usage: "RTS high holds RST low"},
		&cli.BoolFlag{Name: "no-echo", Usage: "Reader has separate RX and TX lines"},
	}
}

// settings loads the config file and lays command line flags over it
func settings(c *cli.Context) (*fileConfig, error) {
	fc, err := loadConfig(c.String("config"))
	if err != nil {
		return nil, err
	}
	for name, dst := range map[string]*string{
		"port":      &fc.Port,
		"backend":   &fc.Backend,
		"clock":     &fc.Clock,
		"reset-pin": &fc.ResetPin,
		"power-pin": &fc.PowerPin,
	} {
		if c.IsSet(name) {
			*dst = c.String(name)
		}
	}
	if c.IsSet("invert-reset") {
		fc.InvertReset = c.Bool("invert-reset")
	}
	if c.IsSet("no-echo") {
		fc.NoEcho = c.Bool("no-echo")
	}
	return fc, nil
}

func openChannel(fc *fileConfig) (iso7816.Channel, error) {
	if fc.Port == "" {
		return nil, errors.New("no port given; use --port or run 'ports'")
	}
	switch strings.ToLower(fc.Backend) {
	case "", "uart":
		var opts []uart.Option
		if fc.ResetPin != "" {
			opts = append(opts, uart.WithResetPin(fc.ResetPin))
		}
		if fc.PowerPin != "" {
			opts = append(opts, uart.WithPowerPin(fc.PowerPin))
		}
		if fc.InvertReset {
			opts = append(opts, uart.WithInvertedReset())
		}
		if fc.NoEcho {
			opts = append(opts, uart.WithoutEcho())
		}
		t, err := uart.New(fc.Port, opts...)
		if err != nil {
			return nil, err
		}
		return t, nil
	case "tty":
		return openTTY(fc)
	default:
		return nil, fmt.Errorf("unknown backend %q", fc.Backend)
	}
}

// openSession opens the channel and cold resets the card
func openSession(c *cli.Context) (*iso7816.Session, error) {
	fc, err := settings(c)
	if err != nil {
		return nil, err
	}
	cfg, err := fc.sessionConfig()
	if err != nil {
		return nil, err
	}
	ch, err := openChannel(fc)
	if err != nil {
		return nil, err
	}
	session, err := iso7816.New(ch, cfg)
	if err != nil {
		_ = ch.Close()
		return nil, err
	}
	if _, err := session.ColdReset(c.Context); err != nil {
		_ = session.Close()
		return nil, err
	}
	return session, nil
}

func parseHex(s string) ([]byte, error) {
	s = strings.NewReplacer(" ", "", ":", "", "-", "").Replace(s)
	b, err := hex.DecodeString(s)
	if err != nil {
		return nil, fmt.Errorf("invalid hex %q: %w", s, err)
	}
	return b, nil
}

func atrCommand() *cli.Command {
	return &cli.Command{
		Name:  "atr",
		Usage: "Decode Answer-to-Reset bytes",
		Subcommands: []*cli.Command{
			{
				Name:      "decode",
				Usage:     "Decode an ATR given in hex",
				ArgsUsage: "<hex>",
				Action: func(c *cli.Context) error {
					if c.NArg() == 0 {
						return cli.Exit("missing ATR hex", 1)
					}
					raw, err := parseHex(strings.Join(c.Args().Slice(), ""))
					if err != nil {
						return err
					}
					return printATR(c, raw)
				},
			},
			{
				Name:  "pcsc",
				Usage: "Read the ATR from a PC/SC reader",
				Flags: []cli.Flag{
					&cli.IntFlag{Name: "reader", Usage: "Reader index from the PC/SC reader list"},
				},
				Action: func(c *cli.Context) error {
					raw, err := readPCSCATR(c.Int("reader"))
					if err != nil {
						return err
					}
					return printATR(c, raw)
				},
			},
		},
	}
}

func printATR(c *cli.Context, raw []byte) error {
	atr, err := iso7816.DecodeATR(raw)
	if err != nil {
		return err
	}
	_, _ = fmt.Fprint(c.App.Writer, atr.String())
	return nil
}

// readPCSCATR connects to a PC/SC reader and returns the card's ATR
func readPCSCATR(index int) ([]byte, error) {
	ctx, err := scard.EstablishContext()
	if err != nil {
		return nil, fmt.Errorf("failed to establish PC/SC context: %w", err)
	}
	defer func() { _ = ctx.Release() }()

	readers, err := ctx.ListReaders()
	if err != nil {
		return nil, fmt.Errorf("failed to list readers: %w", err)
	}
	if index < 0 || index >= len(readers) {
		return nil, fmt.Errorf("reader %d not found (%d available)", index, len(readers))
	}

	card, err := ctx.Connect(readers[index], scard.ShareShared, scard.ProtocolAny)
	if err != nil {
		return nil, fmt.Errorf("failed to connect to %s: %w", readers[index], err)
	}
	defer func() { _ = card.Disconnect(scard.LeaveCard) }()

	status, err := card.Status()
	if err != nil {
		return nil, fmt.Errorf("failed to get card status: %w", err)
	}
	return status.Atr, nil
}

func resetCommand() *cli.Command {
	return &cli.Command{
		Name:  "reset",
		Usage: "Cold reset the card and show the ATR and negotiated timing",
		Flags: append(linkFlags(),
			&cli.BoolFlag{Name: "warm", Usage: "Follow the cold reset with a warm reset"},
		),
		Action: func(c *cli.Context) error {
			session, err := openSession(c)
			if err != nil {
				return err
			}
			defer func() { _ = session.Close() }()

			if c.Bool("warm") {
				if _, err := session.WarmReset(c.Context); err != nil {
					return err
				}
			}
			out := c.App.Writer
			_, _ = fmt.Fprint(out, session.ATR().String())
			_, _ = fmt.Fprintf(out, "Timing: %s\n", session.Timing())
			return nil
		},
	}
}

func sendCommand() *cli.Command {
	return &cli.Command{
		Name:      "send",
		Usage:     "Reset the card and exchange one command",
		ArgsUsage: "[command hex]",
		Flags: append(linkFlags(),
			&cli.IntFlag{Name: "preset", Usage: "Built-in test command: 1, 2 or 3"},
		),
		Action: func(c *cli.Context) error {
			raw, err := commandBytes(c)
			if err != nil {
				return err
			}
			cmd, err := iso7816.ParseCommand(raw)
			if err != nil {
				return err
			}

			session, err := openSession(c)
			if err != nil {
				return err
			}
			defer func() { _ = session.Close() }()

			resp, err := session.Transfer(c.Context, cmd)
			if err != nil {
				return err
			}
			out := c.App.Writer
			_, _ = fmt.Fprintf(out, "> %s\n", cmd)
			_, _ = fmt.Fprintf(out, "< %s\n", resp)
			stats := session.Stats()
			_, _ = fmt.Fprintf(out, "parity retries=%d error signals=%d null bytes=%d\n",
				stats.ParityRetries, stats.ErrorSignals, stats.NullBytes)
			return nil
		},
	}
}

func commandBytes(c *cli.Context) ([]byte, error) {
	if c.IsSet("preset") {
		raw, ok := presets[c.Int("preset")]
		if !ok {
			return nil, cli.Exit(fmt.Sprintf("unknown preset %d", c.Int("preset")), 1)
		}
		return raw, nil
	}
	if c.NArg() == 0 {
		return nil, cli.Exit("give a command in hex or --preset", 1)
	}
	return parseHex(strings.Join(c.Args().Slice(), ""))
}

func portsCommand() *cli.Command {
	return &cli.Command{
		Name:  "ports",
		Usage: "List serial ports that may host a reader",
		Flags: []cli.Flag{
			&cli.BoolFlag{Name: "usb-only", Usage: "Only list USB serial bridges"},
			&cli.StringSliceFlag{Name: "ignore", Usage: "Port path to skip (repeatable)"},
		},
		Action: func(c *cli.Context) error {
			fc, err := loadConfig(c.String("config"))
			if err != nil {
				return err
			}
			opts := detection.DefaultOptions()
			opts.USBOnly = c.Bool("usb-only")
			opts.IgnorePaths = append(fc.IgnorePaths, c.StringSlice("ignore")...)

			ports, err := detectuart.ListPorts(c.Context, opts)
			if err != nil {
				return err
			}
			out := c.App.Writer
			if len(ports) == 0 {
				_, _ = fmt.Fprintln(out, "no serial ports found")
				return nil
			}
			for _, p := range ports {
				_, _ = fmt.Fprintf(out, "%s\t%s\t%s\t%s\n", p.Path, p.VIDPID, p.Bridge(), p.Product)
			}
			return nil
		},
	}
}
