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
	"fmt"
	"sync"
	"time"

	"github.com/ZaparooProject/go-iso7816/internal/frame"
)

// AckMode selects how a simulated card acknowledges a data phase
type AckMode int

const (
	// AckAll answers with INS and moves every byte in one go
	AckAll AckMode = iota
	// AckEach answers with the complement of INS before every byte
	AckEach
	// AckNone skips the data phase and answers with the status bytes
	AckNone
)

// AlwaysFail as a fault count makes a byte position fail on every attempt
const AlwaysFail = -1

// CardScript is how a simulated card answers one INS
type CardScript struct {
	// Out is the data the card returns; nil means the card expects P3
	// bytes from the host when P3 is non-zero
	Out []byte
	// Raw replaces the whole answer after the header with these bytes
	Raw []byte
	// Nulls is the number of NULL bytes before the first procedure byte
	Nulls int
	// NullsBeforeStatus is the number of NULL bytes between the data phase
	// and SW1
	NullsBeforeStatus int
	Ack               AckMode
	// NullForever keeps the card answering NULL
	NullForever bool
	SW1         byte
	SW2         byte
}

// MockChannel is a simulated T=0 card behind a Channel. It answers resets
// with ATR and commands with Scripts, and records the wire traffic.
type MockChannel struct {
	// Scripts maps INS to the card behaviour; unknown INS get 6D00
	Scripts map[byte]*CardScript
	// SendFaults maps the index of a host byte within the current exchange
	// to the number of times the card rejects it
	SendFaults map[int]int
	// ReceiveFaults maps the index of a card byte within the current
	// exchange to the number of times it arrives with bad parity
	ReceiveFaults map[int]int
	// ATRFaults is ReceiveFaults for the characters of the ATR
	ATRFaults map[int]int

	// PowerErr fails SetPower(true)
	PowerErr error

	ATR []byte

	// Sent is every byte the host transmitted, repeats included
	Sent []byte
	// Received is every byte delivered to the host, repeats included
	Received []byte
	// CardData collects the data bytes the card accepted per command
	CardData [][]byte
	// Events records pin and configuration activity in order
	Events []string
	// Timings records every Configure call
	Timings []Timing

	queue   []byte
	header  []byte
	current *CardScript

	// ByteDelay is slept before every delivered byte
	ByteDelay time.Duration

	SignalErrors int

	txIndex    int
	rxIndex    int
	atrIndex   int
	awaitData  int
	inATR      int
	mu         sync.Mutex
	powered    bool
	rstLow     bool
	answered   bool
	faulted    bool
	closed     bool
	absent     bool
	// BlockOnEmpty makes ReceiveByte wait out its timeout, or the context,
	// when the card has nothing to say
	BlockOnEmpty bool
}

// NewMockChannel creates a simulated card that answers resets with atr
func NewMockChannel(atr []byte) *MockChannel {
	return &MockChannel{
		ATR:           append([]byte(nil), atr...),
		Scripts:       make(map[byte]*CardScript),
		SendFaults:    make(map[int]int),
		ReceiveFaults: make(map[int]int),
		ATRFaults:     make(map[int]int),
	}
}

// Script registers the behaviour for ins and returns the mock for chaining
func (m *MockChannel) Script(ins byte, script *CardScript) *MockChannel {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.Scripts[ins] = script
	return m
}

func (m *MockChannel) event(format string, args ...any) {
	m.Events = append(m.Events, fmt.Sprintf(format, args...))
}

// SendByte delivers b to the simulated card
func (m *MockChannel) SendByte(_ context.Context, b byte) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.closed {
		return ErrChannelClosed
	}
	m.Sent = append(m.Sent, b)

	if m.header == nil && m.awaitData == 0 {
		// first byte of a new exchange
		m.txIndex = 0
		m.rxIndex = 0
	}

	if n := m.SendFaults[m.txIndex]; n != 0 {
		if n > 0 {
			m.SendFaults[m.txIndex] = n - 1
		}
		return fmt.Errorf("mock: byte %d: %w", m.txIndex, ErrParity)
	}
	m.txIndex++

	if !m.answered {
		return nil
	}

	if m.awaitData > 0 {
		m.acceptData(b)
		return nil
	}

	m.header = append(m.header, b)
	if len(m.header) == frame.HeaderLength {
		m.answerHeader()
	}
	return nil
}

func (m *MockChannel) answerHeader() {
	ins, p3 := m.header[1], m.header[4]
	script, ok := m.Scripts[ins]
	if !ok {
		m.header = nil
		m.queue = append(m.queue, 0x6D, 0x00)
		return
	}
	m.current = script

	for i := 0; i < script.Nulls; i++ {
		m.queue = append(m.queue, frame.NullProcedure)
	}
	if script.NullForever || script.Raw != nil {
		m.queue = append(m.queue, script.Raw...)
		m.header = nil
		return
	}

	switch {
	case script.Ack == AckNone || (p3 == 0 && script.Out == nil):
		m.finish()
	case script.Out != nil:
		for i := 0; i < int(p3) && i < len(script.Out); i++ {
			if script.Ack == AckEach {
				m.queue = append(m.queue, ^ins)
			} else if i == 0 {
				m.queue = append(m.queue, ins)
			}
			m.queue = append(m.queue, script.Out[i])
		}
		m.finish()
	default:
		m.awaitData = int(p3)
		m.CardData = append(m.CardData, nil)
		if script.Ack == AckEach {
			m.queue = append(m.queue, ^ins)
		} else {
			m.queue = append(m.queue, ins)
		}
	}
}

func (m *MockChannel) acceptData(b byte) {
	last := len(m.CardData) - 1
	m.CardData[last] = append(m.CardData[last], b)
	m.awaitData--
	if m.awaitData > 0 {
		if m.current.Ack == AckEach {
			m.queue = append(m.queue, ^m.header[1])
		}
		return
	}
	m.finish()
}

func (m *MockChannel) finish() {
	for i := 0; i < m.current.NullsBeforeStatus; i++ {
		m.queue = append(m.queue, frame.NullProcedure)
	}
	m.queue = append(m.queue, m.current.SW1, m.current.SW2)
	m.header = nil
	m.current = nil
}

// ReceiveByte returns the next byte the card sends
func (m *MockChannel) ReceiveByte(ctx context.Context, timeout time.Duration) (byte, error) {
	m.mu.Lock()
	if m.closed {
		m.mu.Unlock()
		return 0, ErrChannelClosed
	}

	if m.faulted {
		// the host accepted a bad character, so the card moves on
		m.faulted = false
		m.pop()
	}

	nullForever := m.current != nil && m.current.NullForever
	if len(m.queue) == 0 && !nullForever {
		block := m.BlockOnEmpty
		m.mu.Unlock()
		if block {
			if err := sleepContext(ctx, timeout); err != nil {
				return 0, err
			}
		}
		return 0, ErrReadTimeout
	}
	delay := m.ByteDelay
	m.mu.Unlock()

	if delay > 0 {
		if err := sleepContext(ctx, delay); err != nil {
			return 0, err
		}
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	if len(m.queue) == 0 {
		m.Received = append(m.Received, frame.NullProcedure)
		return frame.NullProcedure, nil
	}

	b := m.queue[0]
	faults := m.ReceiveFaults
	index := m.rxIndex
	if m.inATR > 0 {
		faults = m.ATRFaults
		index = m.atrIndex
	}
	if n := faults[index]; n != 0 {
		if n > 0 {
			faults[index] = n - 1
		}
		m.faulted = true
		return 0, fmt.Errorf("mock: byte %d: %w", index, ErrParity)
	}

	m.pop()
	m.Received = append(m.Received, b)
	return b, nil
}

// pop removes the head of the queue and advances the position counters
func (m *MockChannel) pop() {
	m.queue = m.queue[1:]
	if m.inATR > 0 {
		m.inATR--
		m.atrIndex++
		return
	}
	m.rxIndex++
}

// SignalError makes the card repeat the character it just sent
func (m *MockChannel) SignalError() error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.SignalErrors++
	m.faulted = false
	return nil
}

// Flush discards anything the card has queued
func (m *MockChannel) Flush() error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.queue = nil
	m.inATR = 0
	m.faulted = false
	m.event("flush")
	return nil
}

// SetPower switches the simulated VCC
func (m *MockChannel) SetPower(on bool) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if on && m.PowerErr != nil {
		return m.PowerErr
	}
	m.powered = on
	if !on {
		m.answered = false
		m.queue = nil
		m.inATR = 0
	}
	m.event("power %t", on)
	return nil
}

// SetClock switches the simulated clock
func (m *MockChannel) SetClock(on bool) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.event("clock %t", on)
	return nil
}

// SetReset drives RST. Releasing it on a powered card queues the ATR.
func (m *MockChannel) SetReset(asserted bool) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.event("reset %t", asserted)

	wasLow := m.rstLow
	m.rstLow = asserted
	if asserted || !wasLow || !m.powered || m.absent {
		if asserted {
			m.answered = false
		}
		return nil
	}

	m.queue = append([]byte(nil), m.ATR...)
	m.inATR = len(m.ATR)
	m.atrIndex = 0
	m.header = nil
	m.current = nil
	m.awaitData = 0
	m.faulted = false
	m.answered = len(m.ATR) > 0
	return nil
}

// Configure records the timing
func (m *MockChannel) Configure(timing Timing) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.Timings = append(m.Timings, timing)
	m.event("configure %d/%d", timing.Fi, timing.Di)
	return nil
}

// IsConnected returns true until Close
func (m *MockChannel) IsConnected() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return !m.closed
}

// Type returns ChannelMock
func (*MockChannel) Type() ChannelType {
	return ChannelMock
}

// Close marks the channel closed
func (m *MockChannel) Close() error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.closed = true
	return nil
}

// SetPresent inserts or removes the simulated card. A removed card does not
// answer resets.
func (m *MockChannel) SetPresent(present bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.absent = !present
	if !present {
		m.queue = nil
		m.answered = false
	}
}

// CardPresent reports the simulated card detect switch
func (m *MockChannel) CardPresent() (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.closed {
		return false, ErrChannelClosed
	}
	return !m.absent, nil
}

// Powered reports the simulated VCC state
func (m *MockChannel) Powered() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.powered
}

// ClearLog forgets recorded traffic, keeping card state
func (m *MockChannel) ClearLog() {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.Sent = nil
	m.Received = nil
	m.Events = nil
	m.SignalErrors = 0
}
