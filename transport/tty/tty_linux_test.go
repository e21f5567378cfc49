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
	"testing"
	"time"

	iso7816 "github.com/ZaparooProject/go-iso7816"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"golang.org/x/sys/unix"
)

func TestRawTermios(t *testing.T) {
	t.Parallel()

	timing, err := iso7816.DeriveTiming(512, 32, iso7816.DefaultClockFrequency, 0)
	require.NoError(t, err)

	tio := &unix.Termios{
		Iflag: unix.ICRNL | unix.IXON | unix.IGNPAR,
		Oflag: unix.OPOST,
		Lflag: unix.ICANON | unix.ECHO | unix.ISIG,
		Cflag: unix.CRTSCTS | unix.PARODD | unix.B9600,
	}
	tio.Cc[unix.VMIN] = 1
	rawTermios(tio, timing)

	assert.Equal(t, uint32(unix.INPCK|unix.PARMRK), tio.Iflag)
	assert.Zero(t, tio.Oflag&unix.OPOST)
	assert.Zero(t, tio.Lflag&(unix.ICANON|unix.ECHO|unix.ISIG))
	assert.Zero(t, tio.Cflag&(unix.CRTSCTS|unix.PARODD))
	assert.Equal(t, uint32(unix.BOTHER), tio.Cflag&unix.CBAUD)
	assert.NotZero(t, tio.Cflag&unix.PARENB)
	assert.NotZero(t, tio.Cflag&unix.CSTOPB)
	assert.Equal(t, uint32(unix.CS8), tio.Cflag&unix.CSIZE)
	assert.Equal(t, uint32(timing.BaudRate()), tio.Ospeed)
	assert.Equal(t, tio.Ospeed, tio.Ispeed)
	assert.Zero(t, tio.Cc[unix.VMIN])
	assert.Zero(t, tio.Cc[unix.VTIME])

	timing.Convention = iso7816.ConventionInverse
	rawTermios(tio, timing)
	assert.NotZero(t, tio.Cflag&unix.PARODD)
}

func TestClosedTransport(t *testing.T) {
	t.Parallel()

	transport := &Transport{portName: "/dev/ttyS0", fd: -1}

	assert.Equal(t, "/dev/ttyS0", transport.PortName())
	assert.Equal(t, iso7816.ChannelTTY, transport.Type())
	assert.False(t, transport.IsConnected())
	require.NoError(t, transport.Close())

	require.ErrorIs(t, transport.SendByte(context.Background(), 0x00), iso7816.ErrChannelClosed)
	_, err := transport.ReceiveByte(context.Background(), time.Millisecond)
	require.ErrorIs(t, err, iso7816.ErrChannelClosed)
	require.ErrorIs(t, transport.Flush(), iso7816.ErrChannelClosed)
	require.ErrorIs(t, transport.SignalError(), iso7816.ErrChannelClosed)
	require.ErrorIs(t, transport.SetReset(true), iso7816.ErrChannelClosed)
	_, err = transport.CardPresent()
	require.ErrorIs(t, err, iso7816.ErrChannelClosed)
}

func TestNewMissingDevice(t *testing.T) {
	t.Parallel()

	_, err := New("/dev/does-not-exist-iso7816")
	require.Error(t, err)
	assert.ErrorIs(t, err, unix.ENOENT)
}

func TestCancelledContext(t *testing.T) {
	t.Parallel()

	transport := &Transport{portName: "/dev/ttyS0", fd: -1}
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	require.ErrorIs(t, transport.SendByte(ctx, 0x00), context.Canceled)
	_, err := transport.ReceiveByte(ctx, time.Second)
	require.ErrorIs(t, err, context.Canceled)
}
