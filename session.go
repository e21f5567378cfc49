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

	"go.uber.org/atomic"
)

// Session is one card link: it owns the channel, the configuration and the
// ATR of the last reset.
//
// Thread Safety: Session is meant for use from a single goroutine. Overlapping
// resets or transfers are refused with ErrBusy rather than interleaved on the
// wire.
type Session struct {
	ch     Channel
	config *SessionConfig
	seq    *resetSequencer
	atr    *ATR
	stats  linkStats
	timing Timing
	wi     int
	busy   atomic.Bool
}

// New creates a session on ch. A nil cfg selects DefaultSessionConfig. The
// configuration is copied, options are applied to the copy, and the result is
// validated.
func New(ch Channel, cfg *SessionConfig, opts ...Option) (*Session, error) {
	if ch == nil {
		return nil, fmt.Errorf("%w: nil channel", ErrInvalidParameter)
	}
	if cfg == nil {
		cfg = DefaultSessionConfig()
	}
	own := *cfg

	s := &Session{
		ch:     ch,
		config: &own,
	}

	for _, opt := range opts {
		if err := opt(s); err != nil {
			return nil, err
		}
	}

	if err := s.config.Validate(); err != nil {
		return nil, err
	}

	timing, err := DeriveTiming(s.config.Fi, s.config.Di, s.config.ClockFrequency, s.config.TimeGuard)
	if err != nil {
		return nil, err
	}
	s.timing = timing
	s.seq = newResetSequencer(ch, s.config, &s.stats)

	return s, nil
}

// Config returns a copy of the session configuration
func (s *Session) Config() SessionConfig {
	return *s.config
}

// ATR returns the answer to the last successful reset, or nil
func (s *Session) ATR() *ATR {
	return s.atr
}

// Timing returns the link timing in force
func (s *Session) Timing() Timing {
	return s.timing
}

// Stats returns a snapshot of the session counters
func (s *Session) Stats() Stats {
	return s.stats.snapshot()
}

// Channel returns the underlying channel
func (s *Session) Channel() Channel {
	return s.ch
}

func (s *Session) acquire(op string) error {
	if !s.busy.CompareAndSwap(false, true) {
		return NewLinkError(op, portName(s.ch), ErrBusy, ErrorTypeTransient)
	}
	return nil
}

func (s *Session) release() {
	s.busy.Store(false)
}

// ColdReset powers the card up, or cycles its power, and reads the ATR. On
// success the link switches to the timing the ATR announces.
func (s *Session) ColdReset(ctx context.Context) (*ATR, error) {
	if err := s.acquire("cold reset"); err != nil {
		return nil, err
	}
	defer s.release()

	return s.reset(ctx, s.seq.cold)
}

// WarmReset pulses RST on a powered card and reads the ATR again. It fails
// with ErrNotActivated when the card was never reset.
func (s *Session) WarmReset(ctx context.Context) (*ATR, error) {
	if err := s.acquire("warm reset"); err != nil {
		return nil, err
	}
	defer s.release()

	return s.reset(ctx, s.seq.warm)
}

func (s *Session) reset(ctx context.Context, sequence func(context.Context) (*ATR, error)) (*ATR, error) {
	s.stats.resets.Inc()
	s.atr = nil

	atr, err := sequence(ctx)
	if err != nil {
		return nil, err
	}
	if err := s.activate(atr); err != nil {
		return nil, err
	}
	s.atr = atr
	return atr, nil
}

// activate applies the parameters announced by atr to the link
func (s *Session) activate(atr *ATR) error {
	port := portName(s.ch)
	if !atr.Offers(int(ProtocolT0)) {
		return NewLinkError("reset", port,
			fmt.Errorf("%w: card offers %v", ErrUnsupportedProtocol, atr.Protocols()), ErrorTypePermanent)
	}

	fi, di := s.config.Fi, s.config.Di
	if proto, implicit, ok := atr.SpecificMode(); ok {
		if proto != int(ProtocolT0) {
			return NewLinkError("reset", port,
				fmt.Errorf("%w: card fixed to T=%d", ErrUnsupportedProtocol, proto), ErrorTypePermanent)
		}
		if implicit {
			f, fok := atr.Fi()
			d, dok := atr.Di()
			if fok && dok {
				fi, di = f, d
			}
		}
	}

	n := s.config.TimeGuard
	if tc1, ok := atr.ExtraGuardTime(); ok {
		n = tc1
	}

	timing, err := DeriveTiming(fi, di, s.config.ClockFrequency, n)
	if err != nil {
		return err
	}
	timing.Convention = atr.Convention

	wi := 0
	if v, ok := atr.WaitingInteger(); ok && v > 0 {
		wi = v
	}

	if err := s.ch.Configure(timing); err != nil {
		return NewLinkError("reset", port, fmt.Errorf("configure: %w", err), ErrorTypePermanent)
	}
	s.timing = timing
	s.wi = wi
	debugf("session: %s, WWT %v", timing, timing.WorkWaitingTime(wi))
	return nil
}

// Transfer sends cmd and returns the card's response. SW1 and SW2 are
// returned as received.
func (s *Session) Transfer(ctx context.Context, cmd *Command) (*Response, error) {
	if cmd == nil {
		return nil, fmt.Errorf("%w: nil command", ErrInvalidParameter)
	}
	if err := cmd.Validate(); err != nil {
		return nil, err
	}
	if err := s.acquire("transfer"); err != nil {
		return nil, err
	}
	defer s.release()

	port := portName(s.ch)
	if s.atr == nil {
		return nil, NewLinkError("transfer", port, ErrNotActivated, ErrorTypePermanent)
	}

	s.stats.transfers.Inc()
	io := &charIO{ch: s.ch, cfg: s.config, stats: &s.stats, op: "transfer", port: port}
	x := newExchange(io, cmd, s.timing, s.wi, time.Now().Add(s.config.TransferTimeout))

	debugf("transfer: %s", cmd)
	resp, err := x.run(ctx)
	if err != nil {
		// the card may still be mid-exchange; without a warm reset the
		// next header only finds a flushed line
		if x.started && s.config.ResetOnAbort {
			s.recover(port)
		}
		return nil, err
	}
	debugf("transfer: %s", resp)
	return resp, nil
}

// recover warm-resets the card after a failed exchange so the next
// command starts from a known state
func (s *Session) recover(port string) {
	s.stats.aborts.Inc()
	ctx, cancel := context.WithTimeout(context.Background(), s.config.TransferTimeout)
	defer cancel()

	if _, err := s.reset(ctx, s.seq.warm); err != nil {
		debugf("transfer: warm reset after abort on %s failed: %v", port, err)
	}
}

// Deactivate asserts RST, stops the clock and removes power, leaving the
// channel open for a later ColdReset. It is a no-op on an idle card.
func (s *Session) Deactivate() error {
	if err := s.acquire("deactivate"); err != nil {
		return err
	}
	defer s.release()

	return s.deactivate()
}

func (s *Session) deactivate() error {
	s.atr = nil
	if s.seq.state() == stateIdle {
		return nil
	}
	return s.seq.deactivate()
}

// Close deactivates the card and closes the channel
func (s *Session) Close() error {
	var errs []error
	if err := s.deactivate(); err != nil {
		errs = append(errs, err)
	}
	if err := s.ch.Close(); err != nil {
		errs = append(errs, fmt.Errorf("close channel: %w", err))
	}
	return errors.Join(errs...)
}
