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

// Package uart provides a Channel for serial smartcard readers of the Phoenix
// and smartmouse family, driven through go.bug.st/serial.
//
// These readers wire the card I/O line to both RX and TX, so every
// transmitted character is echoed back. A card that signals a parity error
// pulls the line low during the echo's stop bits, which shows up as a
// corrupted or missing echo.
package uart

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	iso7816 "github.com/ZaparooProject/go-iso7816"
	"github.com/ZaparooProject/go-iso7816/internal/frame"
	"go.bug.st/serial"
	"periph.io/x/conn/v3/gpio"
	"periph.io/x/conn/v3/gpio/gpioreg"
	"periph.io/x/host/v3"
)

// echoSlack is added to the character time when waiting for an echo
const echoSlack = 20 * time.Millisecond

var hostOnce = sync.OnceValue(func() error {
	_, err := host.Init()
	return err
})

// Option configures a Transport
type Option func(*Transport) error

// WithPowerPin switches card VCC through a GPIO pin instead of DTR
func WithPowerPin(name string) Option {
	return func(t *Transport) error {
		pin, err := lookupPin(name)
		if err != nil {
			return err
		}
		t.powerPin = pin
		return nil
	}
}

// WithResetPin drives RST through a GPIO pin instead of RTS
func WithResetPin(name string) Option {
	return func(t *Transport) error {
		pin, err := lookupPin(name)
		if err != nil {
			return err
		}
		t.resetPin = pin
		return nil
	}
}

// WithInvertedReset flips the RTS level that holds RST low. Readers differ.
func WithInvertedReset() Option {
	return func(t *Transport) error {
		t.invertRTS = true
		return nil
	}
}

// WithoutEcho is for readers with separate RX and TX lines. Parity errors
// signalled by the card can then not be detected.
func WithoutEcho() Option {
	return func(t *Transport) error {
		t.echo = false
		return nil
	}
}

func lookupPin(name string) (gpio.PinIO, error) {
	if err := hostOnce(); err != nil {
		return nil, fmt.Errorf("failed to initialize periph host: %w", err)
	}
	pin := gpioreg.ByName(name)
	if pin == nil {
		return nil, fmt.Errorf("GPIO pin %q not found", name)
	}
	return pin, nil
}

// Transport implements iso7816.Channel over a serial port
type Transport struct {
	port      serial.Port
	powerPin  gpio.PinIO
	resetPin  gpio.PinIO
	portName  string
	timing    iso7816.Timing
	mu        sync.Mutex
	echo      bool
	invertRTS bool
}

// New opens portName at the initial 9600 baud, 8E2
func New(portName string, opts ...Option) (*Transport, error) {
	t := &Transport{
		portName: portName,
		echo:     true,
	}
	for _, opt := range opts {
		if err := opt(t); err != nil {
			return nil, err
		}
	}

	timing, err := iso7816.DefaultTiming(iso7816.DefaultClockFrequency, iso7816.DefaultTimeGuard)
	if err != nil {
		return nil, err
	}

	// power off, RST held low until the first reset
	mode := modeFor(timing)
	mode.InitialStatusBits = &serial.ModemOutputBits{RTS: t.invertRTS}

	port, err := serial.Open(portName, mode)
	if err != nil {
		return nil, fmt.Errorf("failed to open serial port %s: %w", portName, err)
	}
	t.port = port
	t.timing = timing

	return t, nil
}

// modeFor returns the serial mode for timing. An inverse convention card
// seen through a direct UART has its parity inverted as well as its bits.
func modeFor(timing iso7816.Timing) *serial.Mode {
	parity := serial.EvenParity
	if timing.Convention == iso7816.ConventionInverse {
		parity = serial.OddParity
	}
	return &serial.Mode{
		BaudRate: timing.BaudRate(),
		DataBits: 8,
		Parity:   parity,
		StopBits: serial.TwoStopBits,
	}
}

// encode maps a character to its line form
func (t *Transport) encode(b byte) byte {
	if t.timing.Convention == iso7816.ConventionInverse {
		return frame.Inverse(b)
	}
	return b
}

// decode is the reverse of encode
func (t *Transport) decode(b byte) byte {
	if t.timing.Convention == iso7816.ConventionInverse {
		return frame.Inverse(b)
	}
	return b
}

func (t *Transport) open() (serial.Port, error) {
	if t.port == nil {
		return nil, iso7816.ErrChannelClosed
	}
	return t.port, nil
}

// Configure switches the line rate and coding
func (t *Transport) Configure(timing iso7816.Timing) error {
	t.mu.Lock()
	defer t.mu.Unlock()

	port, err := t.open()
	if err != nil {
		return err
	}
	if err := port.SetMode(modeFor(timing)); err != nil {
		return fmt.Errorf("%w: set mode %d baud: %w", iso7816.ErrChannelIO, timing.BaudRate(), err)
	}
	t.timing = timing
	debugf("uart %s: %s", t.portName, timing)
	return nil
}

// SendByte writes b and checks its echo
func (t *Transport) SendByte(ctx context.Context, b byte) error {
	if err := ctx.Err(); err != nil {
		return err
	}

	t.mu.Lock()
	defer t.mu.Unlock()

	port, err := t.open()
	if err != nil {
		return err
	}

	wire := t.encode(b)
	if _, err := port.Write([]byte{wire}); err != nil {
		return fmt.Errorf("%w: write: %w", iso7816.ErrChannelIO, err)
	}

	if t.echo {
		echo, ok, err := t.readOne(port, t.timing.Etus(t.timing.GuardTimeEtu)+echoSlack)
		if err != nil {
			return err
		}
		if !ok {
			return fmt.Errorf("%w: no echo for %02X", iso7816.ErrParity, b)
		}
		if echo != wire {
			return fmt.Errorf("%w: echo %02X for %02X", iso7816.ErrParity, echo, wire)
		}
	} else if err := port.Drain(); err != nil {
		return fmt.Errorf("%w: drain: %w", iso7816.ErrChannelIO, err)
	}

	// the UART frame covers 12 etu; the rest of the guard time is ours to wait
	if extra := t.timing.GuardTimeEtu - 12; extra > 0 {
		time.Sleep(t.timing.Etus(extra))
	}
	return nil
}

// ReceiveByte reads one character. This backend cannot see parity errors;
// see the tty package for a reader that can.
func (t *Transport) ReceiveByte(ctx context.Context, timeout time.Duration) (byte, error) {
	if err := ctx.Err(); err != nil {
		return 0, err
	}
	if deadline, ok := ctx.Deadline(); ok {
		timeout = min(timeout, time.Until(deadline))
	}

	t.mu.Lock()
	defer t.mu.Unlock()

	port, err := t.open()
	if err != nil {
		return 0, err
	}

	b, ok, err := t.readOne(port, timeout)
	if err != nil {
		return 0, err
	}
	if !ok {
		if ctxErr := ctx.Err(); ctxErr != nil {
			return 0, ctxErr
		}
		return 0, iso7816.ErrReadTimeout
	}
	return t.decode(b), nil
}

func (*Transport) readOne(port serial.Port, timeout time.Duration) (byte, bool, error) {
	if timeout <= 0 {
		return 0, false, nil
	}
	if err := port.SetReadTimeout(timeout); err != nil {
		return 0, false, fmt.Errorf("%w: set read timeout: %w", iso7816.ErrChannelIO, err)
	}
	buf := make([]byte, 1)
	n, err := port.Read(buf)
	if err != nil {
		return 0, false, fmt.Errorf("%w: read: %w", iso7816.ErrChannelIO, err)
	}
	return buf[0], n == 1, nil
}

// SignalError holds the line low for one etu
func (t *Transport) SignalError() error {
	t.mu.Lock()
	defer t.mu.Unlock()

	port, err := t.open()
	if err != nil {
		return err
	}
	if err := port.Break(t.timing.ETU()); err != nil {
		return fmt.Errorf("%w: break: %w", iso7816.ErrChannelIO, err)
	}
	return nil
}

// Flush discards both serial buffers
func (t *Transport) Flush() error {
	t.mu.Lock()
	defer t.mu.Unlock()

	port, err := t.open()
	if err != nil {
		return err
	}
	return errors.Join(port.ResetInputBuffer(), port.ResetOutputBuffer())
}

// SetPower switches VCC through the power pin, or DTR without one
func (t *Transport) SetPower(on bool) error {
	if t.powerPin != nil {
		return t.powerPin.Out(gpio.Level(on))
	}

	t.mu.Lock()
	defer t.mu.Unlock()
	port, err := t.open()
	if err != nil {
		return err
	}
	return port.SetDTR(on)
}

// SetClock is a no-op: these readers clock the card from their own crystal
func (t *Transport) SetClock(on bool) error {
	debugf("uart %s: clock %t (reader supplied)", t.portName, on)
	return nil
}

// SetReset drives RST through the reset pin, or RTS without one
func (t *Transport) SetReset(asserted bool) error {
	if t.resetPin != nil {
		return t.resetPin.Out(gpio.Level(!asserted))
	}

	t.mu.Lock()
	defer t.mu.Unlock()
	port, err := t.open()
	if err != nil {
		return err
	}
	return port.SetRTS(asserted == t.invertRTS)
}

// CardPresent reports the reader's card detect switch, wired to DCD
func (t *Transport) CardPresent() (bool, error) {
	t.mu.Lock()
	defer t.mu.Unlock()

	port, err := t.open()
	if err != nil {
		return false, err
	}
	bits, err := port.GetModemStatusBits()
	if err != nil {
		return false, fmt.Errorf("%w: modem status: %w", iso7816.ErrChannelIO, err)
	}
	return bits.DCD, nil
}

// PortName returns the serial port path
func (t *Transport) PortName() string {
	return t.portName
}

// IsConnected returns true if the port is open
func (t *Transport) IsConnected() bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.port != nil
}

// Type returns the channel type
func (*Transport) Type() iso7816.ChannelType {
	return iso7816.ChannelUART
}

// Close closes the serial port
func (t *Transport) Close() error {
	t.mu.Lock()
	defer t.mu.Unlock()

	if t.port == nil {
		return nil
	}
	err := t.port.Close()
	t.port = nil
	if err != nil {
		return fmt.Errorf("failed to close serial port: %w", err)
	}
	return nil
}

func debugf(format string, args ...any) {
	iso7816.Logger().Debugf(format, args...)
}

var _ iso7816.Channel = (*Transport)(nil)
