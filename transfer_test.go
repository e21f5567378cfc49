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
	"bytes"
	"context"
	"errors"
	"testing"
	"time"

	testutil "github.com/ZaparooProject/go-iso7816/internal/testing"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestConfig() *SessionConfig {
	cfg := DefaultSessionConfig()
	cfg.PowerStabilization = 0
	return cfg
}

// newActiveSession returns a session whose card has answered a cold reset,
// with the mock log cleared
func newActiveSession(t *testing.T, mock *MockChannel, opts ...Option) *Session {
	t.Helper()

	s, err := New(mock, newTestConfig(), opts...)
	require.NoError(t, err)
	_, err = s.ColdReset(context.Background())
	require.NoError(t, err)
	mock.ClearLog()
	return s
}

func TestTransferCase1(t *testing.T) {
	t.Parallel()

	mock := NewMockChannel(testutil.ATRMinimal).
		Script(0x10, &CardScript{SW1: 0x90, SW2: 0x00})
	s := newActiveSession(t, mock)

	resp, err := s.Transfer(context.Background(), &Command{CLA: 0x00, INS: 0x10})
	require.NoError(t, err)
	assert.Empty(t, resp.Data)
	assert.Equal(t, byte(0x90), resp.SW1)
	assert.Equal(t, byte(0x00), resp.SW2)

	assert.Equal(t, []byte{0x00, 0x10, 0x00, 0x00, 0x00}, mock.Sent)
	assert.Equal(t, testutil.StatusOK, mock.Received)
}

func TestTransferCase2WireLog(t *testing.T) {
	t.Parallel()

	mock := NewMockChannel(testutil.ATRMinimal).
		Script(0x20, &CardScript{SW1: 0x90, SW2: 0x00})
	s := newActiveSession(t, mock)

	cmd, err := ParseCommand([]byte{0x00, 0x20, 0x00, 0x00, 0x02, 0x0A, 0x0B})
	require.NoError(t, err)

	resp, err := s.Transfer(context.Background(), cmd)
	require.NoError(t, err)
	assert.Empty(t, resp.Data)
	assert.Equal(t, uint16(0x9000), resp.StatusWord())

	// header(5) + data(2) out, ACK + SW1 + SW2 in
	assert.Equal(t, []byte{0x00, 0x20, 0x00, 0x00, 0x02, 0x0A, 0x0B}, mock.Sent)
	assert.Equal(t, []byte{0x20, 0x90, 0x00}, mock.Received)
	require.Len(t, mock.CardData, 1)
	assert.Equal(t, []byte{0x0A, 0x0B}, mock.CardData[0])
}

func TestTransferCase3(t *testing.T) {
	t.Parallel()

	mock := NewMockChannel(testutil.ATRMinimal).
		Script(0xB0, &CardScript{Out: []byte{0x11, 0x22}, SW1: 0x90, SW2: 0x00})
	s := newActiveSession(t, mock)

	resp, err := s.Transfer(context.Background(), NewCommand(0x00, 0xB0, 0x00, 0x00, 0x02, nil))
	require.NoError(t, err)
	assert.Equal(t, []byte{0x11, 0x22}, resp.Data)
	assert.Equal(t, uint16(0x9000), resp.StatusWord())
	assert.Equal(t, []byte{0xB0, 0x11, 0x22, 0x90, 0x00}, mock.Received)
}

func TestTransferSingleByteAcks(t *testing.T) {
	t.Parallel()

	t.Run("data out", func(t *testing.T) {
		t.Parallel()
		mock := NewMockChannel(testutil.ATRMinimal).
			Script(0xD6, &CardScript{Ack: AckEach, SW1: 0x90, SW2: 0x00})
		s := newActiveSession(t, mock)

		resp, err := s.Transfer(context.Background(), NewCommand(0x00, 0xD6, 0x00, 0x00, 0, []byte{1, 2, 3}))
		require.NoError(t, err)
		assert.Equal(t, uint16(0x9000), resp.StatusWord())
		assert.Equal(t, []byte{0x29, 0x29, 0x29, 0x90, 0x00}, mock.Received)
		assert.Equal(t, []byte{1, 2, 3}, mock.CardData[0])
	})

	t.Run("data in", func(t *testing.T) {
		t.Parallel()
		mock := NewMockChannel(testutil.ATRMinimal).
			Script(0xB0, &CardScript{Ack: AckEach, Out: []byte{0xAA, 0xBB}, SW1: 0x90, SW2: 0x00})
		s := newActiveSession(t, mock)

		resp, err := s.Transfer(context.Background(), NewCommand(0x00, 0xB0, 0x00, 0x00, 2, nil))
		require.NoError(t, err)
		assert.Equal(t, []byte{0xAA, 0xBB}, resp.Data)
	})
}

func TestTransferNullBytes(t *testing.T) {
	t.Parallel()

	mock := NewMockChannel(testutil.ATRMinimal).
		Script(0xB0, &CardScript{
			Out:               []byte{0x01},
			Nulls:             2,
			NullsBeforeStatus: 1,
			SW1:               0x90,
			SW2:               0x00,
		})
	s := newActiveSession(t, mock)

	resp, err := s.Transfer(context.Background(), NewCommand(0x00, 0xB0, 0x00, 0x00, 1, nil))
	require.NoError(t, err)
	assert.Equal(t, []byte{0x01}, resp.Data)
	assert.Equal(t, []byte{0x60, 0x60, 0xB0, 0x01, 0x60, 0x90, 0x00}, mock.Received)
	assert.Equal(t, uint64(3), s.Stats().NullBytes)
}

func TestTransferStatusPassThrough(t *testing.T) {
	t.Parallel()

	mock := NewMockChannel(testutil.ATRMinimal).
		Script(0xB0, &CardScript{Ack: AckNone, SW1: 0x6C, SW2: 0x10})
	s := newActiveSession(t, mock)

	resp, err := s.Transfer(context.Background(), NewCommand(0x00, 0xB0, 0x00, 0x00, 0x20, nil))
	require.NoError(t, err)
	assert.Empty(t, resp.Data)
	assert.Equal(t, uint16(0x6C10), resp.StatusWord())

	resp, err = s.Transfer(context.Background(), NewCommand(0x00, 0x44, 0x00, 0x00, 0, nil))
	require.NoError(t, err)
	assert.Equal(t, uint16(0x6D00), resp.StatusWord())
}

func TestTransferHeaderParityRetry(t *testing.T) {
	t.Parallel()

	mock := NewMockChannel(testutil.ATRMinimal).
		Script(0x20, &CardScript{SW1: 0x90, SW2: 0x00})
	s := newActiveSession(t, mock)
	mock.SendFaults[2] = 1

	cmd := NewCommand(0x80, 0x20, 0x11, 0x22, 0, []byte{0x0A, 0x0B})
	resp, err := s.Transfer(context.Background(), cmd)
	require.NoError(t, err)
	assert.Equal(t, uint16(0x9000), resp.StatusWord())

	// exactly one retransmission of the third header byte
	assert.Equal(t, []byte{0x80, 0x20, 0x11, 0x11, 0x22, 0x02, 0x0A, 0x0B}, mock.Sent)
	assert.Equal(t, uint64(1), s.Stats().ParityRetries)
}

func TestTransferHeaderParityExhausted(t *testing.T) {
	t.Parallel()

	for _, maxIterations := range []int{0, 1, 3, 7} {
		mock := NewMockChannel(testutil.ATRMinimal).
			Script(0x20, &CardScript{SW1: 0x90, SW2: 0x00})
		s := newActiveSession(t, mock, WithMaxIterations(maxIterations))
		mock.SendFaults[2] = AlwaysFail

		_, err := s.Transfer(context.Background(), NewCommand(0x80, 0x20, 0x11, 0x22, 0, []byte{0x0A}))
		require.ErrorIs(t, err, ErrParityExhausted, "max iterations %d", maxIterations)
		assert.True(t, IsRetryable(err))

		// the first attempt plus MaxIterations repeats, then nothing more
		assert.Equal(t, maxIterations+1, bytes.Count(mock.Sent, []byte{0x11}), "max iterations %d", maxIterations)
		assert.Len(t, mock.Sent, 2+maxIterations+1)
		assert.Equal(t, uint64(maxIterations), s.Stats().ParityRetries)
	}
}

func TestTransferDataOutParityRetry(t *testing.T) {
	t.Parallel()

	mock := NewMockChannel(testutil.ATRMinimal).
		Script(0x20, &CardScript{SW1: 0x90, SW2: 0x00})
	s := newActiveSession(t, mock)
	// second data byte, after the five header bytes
	mock.SendFaults[6] = 2

	_, err := s.Transfer(context.Background(), NewCommand(0x00, 0x20, 0x00, 0x00, 0, []byte{0x0A, 0x0B}))
	require.NoError(t, err)
	assert.Equal(t, []byte{0x00, 0x20, 0x00, 0x00, 0x02, 0x0A, 0x0B, 0x0B, 0x0B}, mock.Sent)
	assert.Equal(t, []byte{0x0A, 0x0B}, mock.CardData[0])
}

func TestTransferDataInParity(t *testing.T) {
	t.Parallel()

	t.Run("repeated after error signal", func(t *testing.T) {
		t.Parallel()
		mock := NewMockChannel(testutil.ATRMinimal).
			Script(0xB0, &CardScript{Out: []byte{0x11, 0x22}, SW1: 0x90, SW2: 0x00})
		s := newActiveSession(t, mock)
		mock.ReceiveFaults[1] = 1

		resp, err := s.Transfer(context.Background(), NewCommand(0x00, 0xB0, 0x00, 0x00, 2, nil))
		require.NoError(t, err)
		assert.Equal(t, []byte{0x11, 0x22}, resp.Data)
		assert.Equal(t, 1, mock.SignalErrors)
		assert.Equal(t, uint64(1), s.Stats().ErrorSignals)
	})

	tests := []struct {
		name        string
		inhibit     bool
		noSuccesive bool
		wantSignals int
	}{
		{name: "every error signalled", wantSignals: DefaultMaxIterations + 1},
		{name: "successive NACK disabled", noSuccesive: true, wantSignals: DefaultMaxIterations},
		{name: "NACK inhibited", inhibit: true, wantSignals: 0},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()

			cfg := newTestConfig()
			cfg.InhibitNACK = tt.inhibit
			cfg.DisableSuccessiveNACK = tt.noSuccesive
			mock := NewMockChannel(testutil.ATRMinimal).
				Script(0xB0, &CardScript{Out: []byte{0x11, 0x22}, SW1: 0x90, SW2: 0x00})
			s, err := New(mock, cfg)
			require.NoError(t, err)
			_, err = s.ColdReset(context.Background())
			require.NoError(t, err)
			mock.ReceiveFaults[2] = AlwaysFail

			_, err = s.Transfer(context.Background(), NewCommand(0x00, 0xB0, 0x00, 0x00, 2, nil))
			require.ErrorIs(t, err, ErrParityExhausted)
			assert.Equal(t, tt.wantSignals, mock.SignalErrors)
		})
	}
}

func TestTransferNullForeverTimesOut(t *testing.T) {
	t.Parallel()

	mock := NewMockChannel(testutil.ATRMinimal).
		Script(0xB0, &CardScript{NullForever: true})
	mock.ByteDelay = time.Millisecond
	s := newActiveSession(t, mock, WithTransferTimeout(50*time.Millisecond))

	start := time.Now()
	_, err := s.Transfer(context.Background(), NewCommand(0x00, 0xB0, 0x00, 0x00, 2, nil))
	require.ErrorIs(t, err, ErrCardTimeout)
	assert.Equal(t, ErrorTypeTimeout, GetErrorType(err))
	assert.Less(t, time.Since(start), time.Second)

	// nothing but the header went out
	assert.Len(t, mock.Sent, 5)
	assert.Positive(t, s.Stats().NullBytes)
}

func TestTransferSilentCard(t *testing.T) {
	t.Parallel()

	mock := NewMockChannel(testutil.ATRMinimal).
		Script(0xB0, &CardScript{Raw: []byte{}})
	s := newActiveSession(t, mock)

	_, err := s.Transfer(context.Background(), NewCommand(0x00, 0xB0, 0x00, 0x00, 2, nil))
	require.ErrorIs(t, err, ErrCardTimeout)
}

func TestTransferProtocolViolations(t *testing.T) {
	t.Parallel()

	tests := []struct {
		cmd    *Command
		name   string
		answer []byte
	}{
		{
			name:   "ACK on case 1",
			cmd:    NewCommand(0x00, 0x10, 0x00, 0x00, 0, nil),
			answer: []byte{0x10, 0x90, 0x00},
		},
		{
			name:   "single ACK on case 1",
			cmd:    NewCommand(0x00, 0x10, 0x00, 0x00, 0, nil),
			answer: []byte{0xEF, 0x90, 0x00},
		},
		{
			name:   "ACK after all bytes moved",
			cmd:    NewCommand(0x00, 0x10, 0x00, 0x00, 1, nil),
			answer: []byte{0x10, 0x55, 0x10, 0x90, 0x00},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			mock := NewMockChannel(testutil.ATRMinimal).
				Script(0x10, &CardScript{Raw: tt.answer})
			s := newActiveSession(t, mock)

			_, err := s.Transfer(context.Background(), tt.cmd)
			require.ErrorIs(t, err, ErrProtocolViolation)
			assert.False(t, IsRetryable(err))
		})
	}
}

func TestTransferRejectsBeforeSending(t *testing.T) {
	t.Parallel()

	mock := NewMockChannel(testutil.ATRMinimal)
	s := newActiveSession(t, mock)

	_, err := s.Transfer(context.Background(), NewCommand(0x00, 0x6A, 0x00, 0x00, 0, nil))
	require.ErrorIs(t, err, ErrInvalidParameter)

	_, err = s.Transfer(context.Background(), &Command{INS: 0x20, P3: 3, Data: []byte{1}})
	require.ErrorIs(t, err, ErrInvalidParameter)

	_, err = s.Transfer(context.Background(), nil)
	require.ErrorIs(t, err, ErrInvalidParameter)

	assert.Empty(t, mock.Sent)
}

func TestTransferRequiresActivation(t *testing.T) {
	t.Parallel()

	mock := NewMockChannel(testutil.ATRMinimal)
	s, err := New(mock, newTestConfig())
	require.NoError(t, err)

	_, err = s.Transfer(context.Background(), NewCommand(0x00, 0x10, 0x00, 0x00, 0, nil))
	require.ErrorIs(t, err, ErrNotActivated)
	assert.Empty(t, mock.Sent)
}

func TestTransferCancelledResetsCard(t *testing.T) {
	t.Parallel()

	mock := NewMockChannel(testutil.ATRMinimal).
		Script(0xB0, &CardScript{Raw: []byte{}}).
		Script(0x10, &CardScript{SW1: 0x90, SW2: 0x00})
	mock.BlockOnEmpty = true
	s := newActiveSession(t, mock)

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()

	_, err := s.Transfer(ctx, NewCommand(0x00, 0xB0, 0x00, 0x00, 2, nil))
	require.ErrorIs(t, err, ErrCardTimeout)
	assert.True(t, errors.Is(err, context.DeadlineExceeded))

	stats := s.Stats()
	assert.Equal(t, uint64(1), stats.Aborts)
	assert.Equal(t, uint64(2), stats.Resets)
	assert.Contains(t, mock.Events, "reset true")
	assert.Contains(t, mock.Events, "reset false")
	require.NotNil(t, s.ATR())

	resp, err := s.Transfer(context.Background(), NewCommand(0x00, 0x10, 0x00, 0x00, 0, nil))
	require.NoError(t, err)
	assert.Equal(t, uint16(0x9000), resp.StatusWord())
}

func TestTransferCancelledWithoutReset(t *testing.T) {
	t.Parallel()

	mock := NewMockChannel(testutil.ATRMinimal).
		Script(0xB0, &CardScript{Raw: []byte{}})
	mock.BlockOnEmpty = true
	s := newActiveSession(t, mock, WithResetOnAbort(false))

	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	_, err := s.Transfer(ctx, NewCommand(0x00, 0xB0, 0x00, 0x00, 2, nil))
	require.ErrorIs(t, err, ErrCardTimeout)
	require.ErrorIs(t, err, context.Canceled)
	assert.Empty(t, mock.Events)
	assert.Empty(t, mock.Sent)
}

// lateCardMock answers INS 30 with NULLs past a short transfer deadline and
// then 6A82, and INS 10 with 9000
func lateCardMock() *MockChannel {
	mock := NewMockChannel(testutil.ATRMinimal).
		Script(0x30, &CardScript{Nulls: 60, SW1: 0x6A, SW2: 0x82}).
		Script(0x10, &CardScript{SW1: 0x90, SW2: 0x00})
	mock.ByteDelay = time.Millisecond
	return mock
}

func TestTransferAfterDeadlineResetsCard(t *testing.T) {
	t.Parallel()

	mock := lateCardMock()
	s := newActiveSession(t, mock, WithTransferTimeout(20*time.Millisecond))

	_, err := s.Transfer(context.Background(), NewCommand(0x00, 0x30, 0x00, 0x00, 0, nil))
	require.ErrorIs(t, err, ErrCardTimeout)

	stats := s.Stats()
	assert.Equal(t, uint64(1), stats.Aborts)
	assert.Equal(t, uint64(2), stats.Resets)
	require.NotNil(t, s.ATR())

	resp, err := s.Transfer(context.Background(), NewCommand(0x00, 0x10, 0x00, 0x00, 0, nil))
	require.NoError(t, err)
	assert.Equal(t, uint16(0x9000), resp.StatusWord())
}

func TestTransferFlushesLateAnswer(t *testing.T) {
	t.Parallel()

	mock := lateCardMock()
	s := newActiveSession(t, mock, WithTransferTimeout(20*time.Millisecond), WithResetOnAbort(false))

	_, err := s.Transfer(context.Background(), NewCommand(0x00, 0x30, 0x00, 0x00, 0, nil))
	require.ErrorIs(t, err, ErrCardTimeout)
	assert.NotContains(t, mock.Events, "reset true")
	require.NotNil(t, s.ATR())

	// the rest of the NULLs and 6A82 are still queued
	mock.ClearLog()
	resp, err := s.Transfer(context.Background(), NewCommand(0x00, 0x10, 0x00, 0x00, 0, nil))
	require.NoError(t, err)
	assert.Equal(t, uint16(0x9000), resp.StatusWord())
	assert.Equal(t, []string{"flush"}, mock.Events)
	assert.Equal(t, testutil.StatusOK, mock.Received)
}

func TestTransferAfterDataInParityExhausted(t *testing.T) {
	t.Parallel()

	for _, resetOnAbort := range []bool{true, false} {
		mock := NewMockChannel(testutil.ATRMinimal).
			Script(0xB0, &CardScript{Out: []byte{0x11, 0x22}, SW1: 0x6A, SW2: 0x82}).
			Script(0x10, &CardScript{SW1: 0x90, SW2: 0x00})
		s := newActiveSession(t, mock, WithResetOnAbort(resetOnAbort))
		mock.ReceiveFaults[2] = AlwaysFail

		_, err := s.Transfer(context.Background(), NewCommand(0x00, 0xB0, 0x00, 0x00, 2, nil))
		require.ErrorIs(t, err, ErrParityExhausted, "reset on abort %t", resetOnAbort)

		delete(mock.ReceiveFaults, 2)
		resp, err := s.Transfer(context.Background(), NewCommand(0x00, 0x10, 0x00, 0x00, 0, nil))
		require.NoError(t, err, "reset on abort %t", resetOnAbort)
		assert.Equal(t, uint16(0x9000), resp.StatusWord(), "reset on abort %t", resetOnAbort)
	}
}

func TestTransferBusy(t *testing.T) {
	t.Parallel()

	mock := NewMockChannel(testutil.ATRMinimal)
	s := newActiveSession(t, mock)
	s.busy.Store(true)

	_, err := s.Transfer(context.Background(), NewCommand(0x00, 0x10, 0x00, 0x00, 0, nil))
	require.ErrorIs(t, err, ErrBusy)
	assert.True(t, IsRetryable(err))

	_, err = s.WarmReset(context.Background())
	require.ErrorIs(t, err, ErrBusy)
}

func TestPhaseString(t *testing.T) {
	t.Parallel()

	assert.Equal(t, "send header", PhaseSendHeader.String())
	assert.Equal(t, "await procedure byte", PhaseAwaitProcedure.String())
	assert.Equal(t, "data out", PhaseDataOut.String())
	assert.Equal(t, "data in", PhaseDataIn.String())
	assert.Equal(t, "complete", PhaseComplete.String())
}
