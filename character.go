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
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/ZaparooProject/go-iso7816/internal/retry"
	"go.uber.org/atomic"
)

// linkStats counts link events across the life of a session
type linkStats struct {
	transfers     atomic.Uint64
	resets        atomic.Uint64
	parityRetries atomic.Uint64
	errorSignals  atomic.Uint64
	nullBytes     atomic.Uint64
	aborts        atomic.Uint64
}

// Stats is a snapshot of session counters
type Stats struct {
	Transfers     uint64
	Resets        uint64
	ParityRetries uint64
	ErrorSignals  uint64
	NullBytes     uint64
	Aborts        uint64
}

func (s *linkStats) snapshot() Stats {
	return Stats{
		Transfers:     s.transfers.Load(),
		Resets:        s.resets.Load(),
		ParityRetries: s.parityRetries.Load(),
		ErrorSignals:  s.errorSignals.Load(),
		NullBytes:     s.nullBytes.Load(),
		Aborts:        s.aborts.Load(),
	}
}

// timeoutFunc yields the wait allowed for the next character, or an error
// when no more waiting is allowed
type timeoutFunc func() (time.Duration, error)

// charIO moves single characters with the per-character repetition budget.
// Each character position gets MaxIterations retries of its own.
type charIO struct {
	ch    Channel
	cfg   *SessionConfig
	stats *linkStats
	op    string
	port  string
}

// send transmits b, repeating it while the card signals a parity error.
// before runs ahead of every attempt and can veto it.
func (c *charIO) send(ctx context.Context, b byte, pos int, before func() error) error {
	_, err := retry.WithRetry(retry.Config{
		Description: fmt.Sprintf("%s: send byte %d", c.op, pos),
		MaxRetries:  c.cfg.MaxIterations,
		OnRetry: func(attempt int) error {
			c.stats.parityRetries.Inc()
			debugf("%s: card rejected byte %d (%02X), repeat %d/%d", c.op, pos, b, attempt, c.cfg.MaxIterations)
			return nil
		},
		OnRetryFailed: func() error {
			return NewParityExhaustedError(c.op, c.port, pos)
		},
	}, func() (struct{}, bool, error) {
		if before != nil {
			if err := before(); err != nil {
				return struct{}{}, false, err
			}
		}
		err := c.ch.SendByte(ctx, b)
		switch {
		case err == nil:
			return struct{}{}, false, nil
		case errors.Is(err, ErrParity):
			return struct{}{}, true, nil
		default:
			return struct{}{}, false, fmt.Errorf("send byte %d: %w", pos, err)
		}
	})
	return err
}

// receive reads one character. On a parity error it drives the error signal
// so the card repeats the character, unless NACK is inhibited. Timeouts and
// channel failures are returned as-is for the caller to classify.
func (c *charIO) receive(ctx context.Context, pos int, timeout timeoutFunc) (byte, error) {
	attempt := 0
	return retry.WithRetry(retry.Config{
		Description: fmt.Sprintf("%s: receive byte %d", c.op, pos),
		MaxRetries:  c.cfg.MaxIterations,
		OnRetry: func(n int) error {
			c.stats.parityRetries.Inc()
			debugf("%s: parity error on byte %d, repeat %d/%d", c.op, pos, n, c.cfg.MaxIterations)
			return nil
		},
		OnRetryFailed: func() error {
			return NewParityExhaustedError(c.op, c.port, pos)
		},
	}, func() (byte, bool, error) {
		attempt++
		wait, err := timeout()
		if err != nil {
			return 0, false, err
		}

		b, err := c.ch.ReceiveByte(ctx, wait)
		if err == nil {
			return b, false, nil
		}
		if !errors.Is(err, ErrParity) {
			return 0, false, fmt.Errorf("receive byte %d: %w", pos, err)
		}

		if c.cfg.InhibitNACK {
			return 0, false, NewParityExhaustedError(c.op, c.port, pos)
		}
		last := attempt > c.cfg.MaxIterations
		if !last || !c.cfg.DisableSuccessiveNACK {
			c.stats.errorSignals.Inc()
			if sigErr := c.ch.SignalError(); sigErr != nil {
				return 0, false, fmt.Errorf("signal error on byte %d: %w", pos, sigErr)
			}
		}
		return 0, true, nil
	})
}
