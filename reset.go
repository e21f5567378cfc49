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

	"github.com/ZaparooProject/go-iso7816/internal/frame"
	"github.com/looplab/fsm"
)

// Reset sequencer states
const (
	stateIdle         = "idle"
	stateVccStable    = "vcc_stable"
	stateClockStarted = "clock_started"
	stateRstAsserted  = "rst_asserted"
	stateRstReleased  = "rst_released"
	stateATRWindow    = "atr_window_open"
	stateATRCaptured  = "atr_captured"
	stateATRTimeout   = "atr_timeout"
)

// Reset sequencer events
const (
	eventPowerOn    = "power_on"
	eventStartClock = "start_clock"
	eventAssertRST  = "assert_rst"
	eventReleaseRST = "release_rst"
	eventOpenWindow = "open_window"
	eventCapture    = "capture"
	eventTimeout    = "timeout"
	eventPowerOff   = "power_off"
)

// resetSequencer drives the activation and reset pins of a channel through
// the cold and warm reset sequences and captures the answer to reset.
type resetSequencer struct {
	fsm  *fsm.FSM
	ch   Channel
	cfg  *SessionConfig
	io   *charIO
	port string
}

func newResetSequencer(ch Channel, cfg *SessionConfig, stats *linkStats) *resetSequencer {
	rs := &resetSequencer{
		ch:   ch,
		cfg:  cfg,
		port: portName(ch),
	}
	rs.io = &charIO{ch: ch, cfg: cfg, stats: stats, op: "reset", port: rs.port}

	activated := []string{stateATRCaptured, stateATRTimeout}
	rs.fsm = fsm.NewFSM(
		stateIdle,
		fsm.Events{
			{Name: eventPowerOn, Src: []string{stateIdle}, Dst: stateVccStable},
			{Name: eventStartClock, Src: []string{stateVccStable}, Dst: stateClockStarted},
			{Name: eventAssertRST, Src: append([]string{stateClockStarted}, activated...), Dst: stateRstAsserted},
			{Name: eventReleaseRST, Src: []string{stateRstAsserted}, Dst: stateRstReleased},
			{Name: eventOpenWindow, Src: []string{stateRstReleased}, Dst: stateATRWindow},
			{Name: eventCapture, Src: []string{stateATRWindow}, Dst: stateATRCaptured},
			{Name: eventTimeout, Src: []string{stateATRWindow}, Dst: stateATRTimeout},
			{Name: eventPowerOff, Src: []string{
				stateVccStable, stateClockStarted, stateRstAsserted, stateRstReleased,
				stateATRWindow, stateATRCaptured, stateATRTimeout,
			}, Dst: stateIdle},
		},
		fsm.Callbacks{
			"enter_state": func(_ context.Context, e *fsm.Event) {
				debugf("reset: %s -> %s (%s)", e.Src, e.Dst, e.Event)
			},
		},
	)
	return rs
}

// state returns the current sequencer state
func (rs *resetSequencer) state() string {
	return rs.fsm.Current()
}

// activated reports whether the card has been through a reset since power on
func (rs *resetSequencer) activated() bool {
	return rs.fsm.Is(stateATRCaptured) || rs.fsm.Is(stateATRTimeout)
}

func (rs *resetSequencer) event(name string) error {
	if err := rs.fsm.Event(context.Background(), name); err != nil {
		return fmt.Errorf("reset sequencer %s in state %s: %w", name, rs.state(), err)
	}
	return nil
}

func (rs *resetSequencer) pinError(step string, err error) error {
	rs.abort()
	return NewLinkError("reset", rs.port, fmt.Errorf("%s: %w", step, err), ErrorTypePermanent)
}

// cold powers the card up from scratch. An already powered card is
// deactivated first.
func (rs *resetSequencer) cold(ctx context.Context) (*ATR, error) {
	if !rs.fsm.Is(stateIdle) {
		if err := rs.deactivate(); err != nil {
			return nil, err
		}
	}

	timing, err := rs.prepare()
	if err != nil {
		return nil, err
	}

	if err := rs.ch.SetReset(true); err != nil {
		return nil, rs.pinError("assert RST", err)
	}
	if err := rs.ch.SetPower(true); err != nil {
		return nil, rs.pinError("power on", err)
	}
	if err := rs.event(eventPowerOn); err != nil {
		return nil, err
	}
	if err := sleepContext(ctx, rs.cfg.PowerStabilization); err != nil {
		rs.abort()
		return nil, NewLinkError("reset", rs.port, err, ErrorTypeTimeout)
	}

	if rs.cfg.ClockSource == ClockSourceInternal {
		if err := rs.ch.SetClock(true); err != nil {
			return nil, rs.pinError("start clock", err)
		}
	}
	if err := rs.event(eventStartClock); err != nil {
		return nil, err
	}
	if err := rs.event(eventAssertRST); err != nil {
		return nil, err
	}

	return rs.releaseAndCapture(ctx, timing)
}

// warm pulses RST on an already activated card
func (rs *resetSequencer) warm(ctx context.Context) (*ATR, error) {
	if !rs.activated() {
		return nil, NewLinkError("warm reset", rs.port,
			fmt.Errorf("%w: state %s", ErrNotActivated, rs.state()), ErrorTypePermanent)
	}

	timing, err := rs.prepare()
	if err != nil {
		return nil, err
	}

	if err := rs.ch.SetReset(true); err != nil {
		return nil, rs.pinError("assert RST", err)
	}
	if err := rs.event(eventAssertRST); err != nil {
		return nil, err
	}

	return rs.releaseAndCapture(ctx, timing)
}

// prepare returns the link to the configured initial timing so the ATR can be read
func (rs *resetSequencer) prepare() (Timing, error) {
	timing, err := DeriveTiming(rs.cfg.Fi, rs.cfg.Di, rs.cfg.ClockFrequency, rs.cfg.TimeGuard)
	if err != nil {
		return Timing{}, err
	}
	timing.Convention = rs.cfg.convention()
	if err := rs.ch.Configure(timing); err != nil {
		return Timing{}, NewLinkError("reset", rs.port, fmt.Errorf("configure: %w", err), ErrorTypePermanent)
	}
	if err := rs.ch.Flush(); err != nil {
		return Timing{}, NewLinkError("reset", rs.port, fmt.Errorf("flush: %w", err), ErrorTypePermanent)
	}
	return timing, nil
}

func (rs *resetSequencer) releaseAndCapture(ctx context.Context, timing Timing) (*ATR, error) {
	if err := sleepContext(ctx, timing.Cycles(frame.ResetHoldCycles)); err != nil {
		rs.abort()
		return nil, NewLinkError("reset", rs.port, err, ErrorTypeTimeout)
	}
	if err := rs.ch.SetReset(false); err != nil {
		return nil, rs.pinError("release RST", err)
	}
	if err := rs.event(eventReleaseRST); err != nil {
		return nil, err
	}
	if err := rs.event(eventOpenWindow); err != nil {
		return nil, err
	}

	raw, err := rs.capture(ctx, timing)
	if err != nil {
		if evErr := rs.event(eventTimeout); evErr != nil {
			debugln("reset:", evErr)
		}
		return nil, err
	}

	atr, err := DecodeATR(raw)
	if err != nil {
		if evErr := rs.event(eventTimeout); evErr != nil {
			debugln("reset:", evErr)
		}
		return nil, NewLinkError("reset", rs.port, err, ErrorTypePermanent)
	}
	if err := rs.event(eventCapture); err != nil {
		return nil, err
	}
	debugf("reset: ATR % X", raw)
	return atr, nil
}

// capture reads ATR characters into a bounded buffer until the structure
// is complete
func (rs *resetSequencer) capture(ctx context.Context, timing Timing) ([]byte, error) {
	var buf [MaxATRLength]byte
	n := 0

	first := timing.Cycles(frame.ATRFirstByteCycles) + rs.cfg.ReadSlack
	next := timing.Etus(frame.InitialWaitingEtu) + rs.cfg.ReadSlack

	for n < len(buf) {
		wait := next
		if n == 0 {
			wait = first
		}
		b, err := rs.io.receive(ctx, n, func() (time.Duration, error) {
			if err := ctx.Err(); err != nil {
				return 0, err
			}
			return wait, nil
		})
		if err != nil {
			return nil, rs.captureError(ctx, buf[:n], err)
		}

		if n == 0 && b == frame.TSInverseRaw && timing.Convention == ConventionDirect {
			// inverse convention TS seen through a direct-coded receiver
			timing.Convention = ConventionInverse
			if err := rs.ch.Configure(timing); err != nil {
				return nil, NewLinkError("reset", rs.port, fmt.Errorf("configure: %w", err), ErrorTypePermanent)
			}
			b = frame.TSInverse
		}

		buf[n] = b
		n++

		done, err := atrComplete(buf[:n])
		if err != nil {
			return nil, NewLinkError("reset", rs.port, err, ErrorTypePermanent)
		}
		if done {
			return append([]byte(nil), buf[:n]...), nil
		}
	}

	return nil, NewLinkError("reset", rs.port,
		fmt.Errorf("%w: no end after %d bytes", ErrATRTruncated, MaxATRLength), ErrorTypePermanent)
}

func (rs *resetSequencer) captureError(ctx context.Context, captured []byte, err error) error {
	if ctxErr := ctx.Err(); ctxErr != nil {
		return NewLinkError("reset", rs.port, fmt.Errorf("%w: %w", ErrNoCardResponse, ctxErr), ErrorTypeTimeout)
	}
	if !errors.Is(err, ErrReadTimeout) {
		var le *LinkError
		if errors.As(err, &le) {
			return err
		}
		return NewLinkError("reset", rs.port, err, ErrorTypePermanent)
	}
	if len(captured) == 0 {
		return NewLinkError("reset", rs.port, ErrNoCardResponse, ErrorTypeTimeout)
	}

	_, decodeErr := DecodeATR(captured)
	if decodeErr == nil {
		decodeErr = ErrATRTruncated
	}
	debugf("reset: ATR stopped after %d bytes: % X", len(captured), captured)
	return NewLinkError("reset", rs.port, decodeErr, ErrorTypePermanent)
}

// deactivate runs the release sequence: RST low, clock stop, power off
func (rs *resetSequencer) deactivate() error {
	var errs []error
	if err := rs.ch.SetReset(true); err != nil {
		errs = append(errs, fmt.Errorf("assert RST: %w", err))
	}
	if rs.cfg.ClockSource == ClockSourceInternal {
		if err := rs.ch.SetClock(false); err != nil {
			errs = append(errs, fmt.Errorf("stop clock: %w", err))
		}
	}
	if err := rs.ch.SetPower(false); err != nil {
		errs = append(errs, fmt.Errorf("power off: %w", err))
	}
	if !rs.fsm.Is(stateIdle) {
		if err := rs.event(eventPowerOff); err != nil {
			errs = append(errs, err)
		}
	}
	if len(errs) > 0 {
		return NewLinkError("deactivate", rs.port, errors.Join(errs...), ErrorTypePermanent)
	}
	return nil
}

// abort powers the card down after a failed step, logging secondary errors
func (rs *resetSequencer) abort() {
	if err := rs.deactivate(); err != nil {
		debugln("reset: deactivate after failure:", err)
	}
}

func sleepContext(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return ctx.Err()
	}
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}
