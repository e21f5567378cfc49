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
)

// Phase is the step of a T=0 exchange the engine is in
type Phase int

const (
	PhaseSendHeader Phase = iota
	PhaseAwaitProcedure
	PhaseDataOut
	PhaseDataIn
	PhaseComplete
)

func (p Phase) String() string {
	switch p {
	case PhaseSendHeader:
		return "send header"
	case PhaseAwaitProcedure:
		return "await procedure byte"
	case PhaseDataOut:
		return "data out"
	case PhaseDataIn:
		return "data in"
	case PhaseComplete:
		return "complete"
	default:
		return fmt.Sprintf("phase %d", int(p))
	}
}

// exchange runs one command through the T=0 procedure. It is used once.
type exchange struct {
	io       *charIO
	cmd      *Command
	deadline time.Time
	data     []byte
	wwt      time.Duration
	slack    time.Duration
	phase    Phase
	// started is set once the line is flushed for this command
	started  bool
	moved    int
	sent     int
	received int
}

func newExchange(io *charIO, cmd *Command, timing Timing, wi int, deadline time.Time) *exchange {
	x := &exchange{
		io:       io,
		cmd:      cmd,
		deadline: deadline,
		wwt:      timing.WorkWaitingTime(wi),
		slack:    io.cfg.ReadSlack,
	}
	if cmd.Case() == Case3 {
		x.data = make([]byte, 0, int(cmd.P3))
	}
	return x
}

func (x *exchange) run(ctx context.Context) (*Response, error) {
	x.phase = PhaseSendHeader
	if err := ctx.Err(); err != nil {
		return nil, x.classify(ctx, err)
	}
	// a card that answered after an earlier exchange gave up may still
	// have characters queued
	if err := x.io.ch.Flush(); err != nil {
		return nil, NewLinkError("transfer", x.io.port, fmt.Errorf("flush: %w", err), ErrorTypePermanent)
	}
	x.started = true

	header := x.cmd.Header()
	for _, b := range header {
		if err := x.send(ctx, b); err != nil {
			return nil, x.classify(ctx, err)
		}
	}
	debugf("transfer: header % X sent", header)

	x.phase = PhaseAwaitProcedure
	resp, err := retry.UntilDeadline(ctx, x.deadline, func() (*Response, bool, error) {
		b, err := x.receive(ctx)
		if err != nil {
			return nil, false, err
		}

		switch p := ClassifyProcedure(b, x.cmd.INS).(type) {
		case NullProcedure:
			x.io.stats.nullBytes.Inc()
			debugln("transfer: NULL, card asks for more time")
			return nil, true, nil
		case AckProcedure:
			if err := x.acknowledge(ctx, p); err != nil {
				return nil, false, err
			}
			x.phase = PhaseAwaitProcedure
			return nil, true, nil
		case StatusProcedure:
			sw2, err := x.receive(ctx)
			if err != nil {
				return nil, false, err
			}
			x.phase = PhaseComplete
			return &Response{Data: x.data, SW1: p.SW1, SW2: sw2}, false, nil
		default:
			return nil, false, x.violation(fmt.Sprintf("unclassified procedure byte %02X", b))
		}
	})
	if err != nil {
		return nil, x.classify(ctx, err)
	}
	return resp, nil
}

// acknowledge moves the bytes an ACK asks for
func (x *exchange) acknowledge(ctx context.Context, ack AckProcedure) error {
	if x.cmd.Case() == Case1 {
		return x.violation(fmt.Sprintf("%s on a command without data", ack))
	}
	remaining := int(x.cmd.P3) - x.moved
	if remaining <= 0 {
		return x.violation(fmt.Sprintf("%s after all %d bytes moved", ack, x.cmd.P3))
	}

	n := remaining
	if ack.Single {
		n = 1
	}

	if x.cmd.Case() == Case2 {
		x.phase = PhaseDataOut
		for i := 0; i < n; i++ {
			if err := x.send(ctx, x.cmd.Data[x.moved]); err != nil {
				return err
			}
			x.moved++
		}
		return nil
	}

	x.phase = PhaseDataIn
	for i := 0; i < n; i++ {
		b, err := x.receive(ctx)
		if err != nil {
			return err
		}
		x.data = append(x.data, b)
		x.moved++
	}
	return nil
}

func (x *exchange) send(ctx context.Context, b byte) error {
	pos := x.sent
	err := x.io.send(ctx, b, pos, func() error {
		if err := ctx.Err(); err != nil {
			return err
		}
		if !time.Now().Before(x.deadline) {
			return retry.ErrDeadline
		}
		return nil
	})
	if err != nil {
		return err
	}
	x.sent++
	return nil
}

func (x *exchange) receive(ctx context.Context) (byte, error) {
	pos := x.received
	b, err := x.io.receive(ctx, pos, x.byteTimeout(ctx))
	if err != nil {
		return 0, err
	}
	x.received++
	return b, nil
}

// byteTimeout is the work waiting time plus slack, cut short by the overall deadline
func (x *exchange) byteTimeout(ctx context.Context) timeoutFunc {
	return func() (time.Duration, error) {
		if err := ctx.Err(); err != nil {
			return 0, err
		}
		left := time.Until(x.deadline)
		if left <= 0 {
			return 0, retry.ErrDeadline
		}
		return min(x.wwt+x.slack, left), nil
	}
}

func (x *exchange) violation(detail string) error {
	return NewProtocolViolationError("transfer", x.io.port, fmt.Sprintf("%s: %s", x.phase, detail))
}

// classify turns engine failures into link errors
func (x *exchange) classify(ctx context.Context, err error) error {
	var le *LinkError
	switch {
	case ctx.Err() != nil:
		return NewTimeoutError("transfer", x.io.port, fmt.Errorf("in %s: %w", x.phase, ctx.Err()))
	case errors.Is(err, retry.ErrDeadline):
		return NewTimeoutError("transfer", x.io.port, fmt.Errorf("transfer deadline passed in %s", x.phase))
	case errors.Is(err, ErrReadTimeout):
		return NewTimeoutError("transfer", x.io.port,
			fmt.Errorf("no character within %v in %s", x.wwt+x.slack, x.phase))
	case errors.As(err, &le):
		return err
	default:
		return NewLinkError("transfer", x.io.port, fmt.Errorf("%s: %w", x.phase, err), ErrorTypePermanent)
	}
}
