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

//go:build linux

package tty

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	iso7816 "github.com/ZaparooProject/go-iso7816"
	"github.com/ZaparooProject/go-iso7816/internal/frame"
	"golang.org/x/sys/unix"
)

// echoSlack is added to the character time when waiting for an echo
const echoSlack = 20 * time.Millisecond

// Option configures a Transport
type Option func(*Transport)

// WithInvertedReset flips the RTS level that holds RST low
func WithInvertedReset() Option {
	return func(t *Transport) {
		t.invertRTS = true
	}
}

// WithoutEcho is for readers with separate RX and TX lines
func WithoutEcho() Option {
	return func(t *Transport) {
		t.echo = false
	}
}

// Transport implements iso7816.Channel over a raw Linux tty
type Transport struct {
	portName  string
	timing    iso7816.Timing
	dec       markDecoder
	fd        int
	mu        sync.Mutex
	echo      bool
	invertRTS bool
	// the break we raised for an error signal reads back as a marked 0x00
	dropBreak bool
}

// New opens portName non-blocking and puts it in raw 8E2 mode at the
// initial 9600 baud, with VCC off and RST asserted
func New(portName string, opts ...Option) (*Transport, error) {
	t := &Transport{
		portName: portName,
		fd:       -1,
		echo:     true,
	}
	for _, opt := range opts {
		opt(t)
	}

	timing, err := iso7816.DefaultTiming(iso7816.DefaultClockFrequency, iso7816.DefaultTimeGuard)
	if err != nil {
		return nil, err
	}

	fd, err := unix.Open(portName, unix.O_RDWR|unix.O_NOCTTY|unix.O_NONBLOCK|unix.O_CLOEXEC, 0)
	if err != nil {
		return nil, fmt.Errorf("failed to open %s: %w", portName, err)
	}
	t.fd = fd

	if err := t.Configure(timing); err != nil {
		_ = unix.Close(fd)
		return nil, err
	}
	if err := errors.Join(t.SetPower(false), t.SetReset(true)); err != nil {
		_ = unix.Close(fd)
		return nil, err
	}
	return t, nil
}

// rawTermios rewrites tio for character-at-a-time card I/O at timing's rate
func rawTermios(tio *unix.Termios, timing iso7816.Timing) {
	tio.Iflag &^= unix.IGNBRK | unix.BRKINT | unix.IGNPAR | unix.ISTRIP |
		unix.INLCR | unix.IGNCR | unix.ICRNL | unix.IXON | unix.IXOFF
	tio.Iflag |= unix.INPCK | unix.PARMRK
	tio.Oflag &^= unix.OPOST
	tio.Lflag &^= unix.ECHO | unix.ECHONL | unix.ICANON | unix.ISIG | unix.IEXTEN

	tio.Cflag &^= unix.CBAUD | unix.CSIZE | unix.PARODD | unix.CRTSCTS
	tio.Cflag |= unix.BOTHER | unix.CS8 | unix.PARENB | unix.CSTOPB | unix.CREAD | unix.CLOCAL
	if timing.Convention == iso7816.ConventionInverse {
		// inverted bits flip the parity sense as seen by a direct UART
		tio.Cflag |= unix.PARODD
	}

	baud := uint32(timing.BaudRate())
	tio.Ispeed = baud
	tio.Ospeed = baud

	tio.Cc[unix.VMIN] = 0
	tio.Cc[unix.VTIME] = 0
}

func (t *Transport) open() error {
	if t.fd < 0 {
		return iso7816.ErrChannelClosed
	}
	return nil
}

func (t *Transport) encode(b byte) byte {
	if t.timing.Convention == iso7816.ConventionInverse {
		return frame.Inverse(b)
	}
	return b
}

// Configure programs the line rate with TCSETS2 so that any divisor the
// card negotiates can be set, not just the standard rates
func (t *Transport) Configure(timing iso7816.Timing) error {
	t.mu.Lock()
	defer t.mu.Unlock()

	if err := t.open(); err != nil {
		return err
	}
	tio, err := unix.IoctlGetTermios(t.fd, unix.TCGETS2)
	if err != nil {
		return fmt.Errorf("%w: TCGETS2: %w", iso7816.ErrChannelIO, err)
	}
	rawTermios(tio, timing)
	if err := unix.IoctlSetTermios(t.fd, unix.TCSETS2, tio); err != nil {
		return fmt.Errorf("%w: TCSETS2 %d baud: %w", iso7816.ErrChannelIO, timing.BaudRate(), err)
	}
	t.timing = timing
	t.dec.reset()
	iso7816.Logger().Debugf("tty %s: %s", t.portName, timing)
	return nil
}

// SendByte writes b and checks its echo
func (t *Transport) SendByte(ctx context.Context, b byte) error {
	if err := ctx.Err(); err != nil {
		return err
	}

	t.mu.Lock()
	defer t.mu.Unlock()

	if err := t.open(); err != nil {
		return err
	}

	wire := t.encode(b)
	if err := t.write(wire); err != nil {
		return err
	}

	if t.echo {
		echo, ok, err := t.readMarked(time.Now().Add(t.timing.Etus(t.timing.GuardTimeEtu) + echoSlack))
		if err != nil {
			return err
		}
		switch {
		case !ok:
			return fmt.Errorf("%w: no echo for %02X", iso7816.ErrParity, b)
		case echo.parityErr:
			return fmt.Errorf("%w: error signal on %02X", iso7816.ErrParity, b)
		case echo.value != wire:
			return fmt.Errorf("%w: echo %02X for %02X", iso7816.ErrParity, echo.value, wire)
		}
	} else if err := unix.IoctlSetInt(t.fd, unix.TCSBRK, 1); err != nil {
		// TCSBRK with a non-zero argument is tcdrain
		return fmt.Errorf("%w: drain: %w", iso7816.ErrChannelIO, err)
	}

	if extra := t.timing.GuardTimeEtu - 12; extra > 0 {
		time.Sleep(t.timing.Etus(extra))
	}
	return nil
}

func (t *Transport) write(b byte) error {
	buf := []byte{b}
	for {
		n, err := unix.Write(t.fd, buf)
		switch {
		case errors.Is(err, unix.EINTR) || errors.Is(err, unix.EAGAIN):
			continue
		case err != nil:
			return fmt.Errorf("%w: write: %w", iso7816.ErrChannelIO, err)
		case n == 1:
			return nil
		}
	}
}

// ReceiveByte reads one character, reporting ErrParity for a character the
// kernel marked
func (t *Transport) ReceiveByte(ctx context.Context, timeout time.Duration) (byte, error) {
	if err := ctx.Err(); err != nil {
		return 0, err
	}
	deadline := time.Now().Add(timeout)
	if ctxDeadline, ok := ctx.Deadline(); ok && ctxDeadline.Before(deadline) {
		deadline = ctxDeadline
	}

	t.mu.Lock()
	defer t.mu.Unlock()

	if err := t.open(); err != nil {
		return 0, err
	}

	for {
		mb, ok, err := t.readMarked(deadline)
		if err != nil {
			return 0, err
		}
		if !ok {
			if ctxErr := ctx.Err(); ctxErr != nil {
				return 0, ctxErr
			}
			return 0, iso7816.ErrReadTimeout
		}
		if t.dropBreak {
			t.dropBreak = false
			if mb.parityErr && mb.value == 0 {
				continue
			}
		}

		value := mb.value
		if t.timing.Convention == iso7816.ConventionInverse {
			value = frame.Inverse(value)
		}
		if mb.parityErr {
			return value, fmt.Errorf("%w: received %02X", iso7816.ErrParity, value)
		}
		return value, nil
	}
}

// readMarked polls until one decoded character is available or deadline
// passes. ok is false on timeout.
func (t *Transport) readMarked(deadline time.Time) (markedByte, bool, error) {
	buf := make([]byte, 1)
	for {
		remaining := time.Until(deadline)
		if remaining <= 0 {
			return markedByte{}, false, nil
		}
		ms := int((remaining + time.Millisecond - 1) / time.Millisecond)

		fds := []unix.PollFd{{Fd: int32(t.fd), Events: unix.POLLIN}}
		n, err := unix.Poll(fds, ms)
		if errors.Is(err, unix.EINTR) {
			continue
		}
		if err != nil {
			return markedByte{}, false, fmt.Errorf("%w: poll: %w", iso7816.ErrChannelIO, err)
		}
		if n == 0 {
			continue
		}

		n, err = unix.Read(t.fd, buf)
		if errors.Is(err, unix.EAGAIN) || errors.Is(err, unix.EINTR) {
			continue
		}
		if err != nil {
			return markedByte{}, false, fmt.Errorf("%w: read: %w", iso7816.ErrChannelIO, err)
		}
		if n == 0 {
			continue
		}
		if mb, ok := t.dec.feed(buf[0]); ok {
			return mb, true, nil
		}
	}
}

// SignalError holds the I/O line low for one etu
func (t *Transport) SignalError() error {
	t.mu.Lock()
	defer t.mu.Unlock()

	if err := t.open(); err != nil {
		return err
	}
	if err := unix.IoctlSetInt(t.fd, unix.TIOCSBRK, 0); err != nil {
		return fmt.Errorf("%w: TIOCSBRK: %w", iso7816.ErrChannelIO, err)
	}
	time.Sleep(t.timing.ETU())
	if err := unix.IoctlSetInt(t.fd, unix.TIOCCBRK, 0); err != nil {
		return fmt.Errorf("%w: TIOCCBRK: %w", iso7816.ErrChannelIO, err)
	}
	t.dropBreak = t.echo
	return nil
}

// Flush discards queued input and output
func (t *Transport) Flush() error {
	t.mu.Lock()
	defer t.mu.Unlock()

	if err := t.open(); err != nil {
		return err
	}
	if err := unix.IoctlSetInt(t.fd, unix.TCFLSH, unix.TCIOFLUSH); err != nil {
		return fmt.Errorf("%w: flush: %w", iso7816.ErrChannelIO, err)
	}
	t.dec.reset()
	t.dropBreak = false
	return nil
}

func (t *Transport) setModem(bit int, on bool) error {
	t.mu.Lock()
	defer t.mu.Unlock()

	if err := t.open(); err != nil {
		return err
	}
	req := uint(unix.TIOCMBIC)
	if on {
		req = unix.TIOCMBIS
	}
	if err := unix.IoctlSetPointerInt(t.fd, req, bit); err != nil {
		return fmt.Errorf("%w: modem bits %#x: %w", iso7816.ErrChannelIO, bit, err)
	}
	return nil
}

// SetPower switches VCC through DTR
func (t *Transport) SetPower(on bool) error {
	return t.setModem(unix.TIOCM_DTR, on)
}

// SetClock is a no-op: the reader clocks the card
func (*Transport) SetClock(bool) error {
	return nil
}

// SetReset drives RST through RTS
func (t *Transport) SetReset(asserted bool) error {
	return t.setModem(unix.TIOCM_RTS, asserted == t.invertRTS)
}

// CardPresent reports the card detect switch, wired to DCD
func (t *Transport) CardPresent() (bool, error) {
	t.mu.Lock()
	defer t.mu.Unlock()

	if err := t.open(); err != nil {
		return false, err
	}
	bits, err := unix.IoctlGetInt(t.fd, unix.TIOCMGET)
	if err != nil {
		return false, fmt.Errorf("%w: TIOCMGET: %w", iso7816.ErrChannelIO, err)
	}
	return bits&unix.TIOCM_CD != 0, nil
}

// PortName returns the device path
func (t *Transport) PortName() string {
	return t.portName
}

// IsConnected returns true if the device is open
func (t *Transport) IsConnected() bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.fd >= 0
}

// Type returns the channel type
func (*Transport) Type() iso7816.ChannelType {
	return iso7816.ChannelTTY
}

// Close closes the device
func (t *Transport) Close() error {
	t.mu.Lock()
	defer t.mu.Unlock()

	if t.fd < 0 {
		return nil
	}
	err := unix.Close(t.fd)
	t.fd = -1
	if err != nil {
		return fmt.Errorf("failed to close %s: %w", t.portName, err)
	}
	return nil
}

var _ iso7816.Channel = (*Transport)(nil)
