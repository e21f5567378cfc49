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

// Package polling watches a reader's card detect switch and activates cards
// as they are inserted.
package polling

import (
	"context"
	"errors"
	"fmt"
	"time"

	iso7816 "github.com/ZaparooProject/go-iso7816"
)

// ErrNoCardDetect is returned when the session's channel has no card
// detect switch
var ErrNoCardDetect = errors.New("channel cannot report card presence")

// PresenceDetector is implemented by channels wired to a card detect switch
type PresenceDetector interface {
	CardPresent() (bool, error)
}

// Config holds monitor settings
type Config struct {
	// PollInterval is the time between switch readings
	PollInterval time.Duration
	// Debounce is the number of consecutive readings needed to accept a change
	Debounce int
}

// DefaultConfig returns the default monitor settings
func DefaultConfig() *Config {
	return &Config{
		PollInterval: 250 * time.Millisecond,
		Debounce:     2,
	}
}

// Monitor cold resets a card when it is inserted and deactivates the
// contacts when it is removed
type Monitor struct {
	session        *iso7816.Session
	detector       PresenceDetector
	config         *Config
	OnCardInserted func(atr *iso7816.ATR)
	OnCardRemoved  func()
	OnResetFailed  func(err error)
	state          CardState
}

// NewMonitor creates a monitor for session. The session's channel must
// implement PresenceDetector.
func NewMonitor(session *iso7816.Session, config *Config) (*Monitor, error) {
	detector, ok := session.Channel().(PresenceDetector)
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrNoCardDetect, session.Channel().Type())
	}
	if config == nil {
		config = DefaultConfig()
	}
	return &Monitor{
		session:  session,
		detector: detector,
		config:   config,
	}, nil
}

// Start polls until ctx is done
func (m *Monitor) Start(ctx context.Context) error {
	ticker := time.NewTicker(m.config.PollInterval)
	defer ticker.Stop()

	for {
		m.poll(ctx)

		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
		}
	}
}

// GetState returns the current card state
func (m *Monitor) GetState() CardState {
	return m.state
}

// poll takes one switch reading and acts on a debounced change
func (m *Monitor) poll(ctx context.Context) {
	present, err := m.detector.CardPresent()
	if err != nil {
		iso7816.Logger().Debugf("polling: card detect: %v", err)
		// a reader that stopped answering has lost the card as well
		present = false
	}

	if !m.state.observe(present, m.config.Debounce) {
		return
	}
	if present {
		m.handleInsertion(ctx)
		return
	}
	m.handleRemoval()
}

func (m *Monitor) handleInsertion(ctx context.Context) {
	atr, err := m.session.ColdReset(ctx)
	if err != nil {
		m.state.TransitionToMute(err)
		if m.OnResetFailed != nil {
			m.OnResetFailed(err)
		}
		return
	}
	m.state.TransitionToActive(atr)
	if m.OnCardInserted != nil {
		m.OnCardInserted(atr)
	}
}

func (m *Monitor) handleRemoval() {
	if err := m.session.Deactivate(); err != nil {
		// the contacts are still powered; retry on the next poll
		iso7816.Logger().Debugf("polling: deactivate after removal: %v", err)
		m.state.removalFailed(err)
		return
	}
	m.state.TransitionToEmpty()
	if m.OnCardRemoved != nil {
		m.OnCardRemoved()
	}
}
