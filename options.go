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

import "time"

// Option is a functional option for configuring a Session
type Option func(*Session) error

// WithTransferTimeout sets the overall deadline of one Transfer
func WithTransferTimeout(timeout time.Duration) Option {
	return func(s *Session) error {
		if timeout <= 0 {
			return NewConfigError("transfer timeout", "must be positive")
		}
		s.config.TransferTimeout = timeout
		return nil
	}
}

// WithMaxIterations sets the per-character parity retry budget
func WithMaxIterations(n int) Option {
	return func(s *Session) error {
		if n < 0 || n > MaxIterationsLimit {
			return NewConfigError("max iterations", "out of range")
		}
		s.config.MaxIterations = n
		return nil
	}
}

// WithReadSlack adds a latency allowance to every per-character deadline
func WithReadSlack(slack time.Duration) Option {
	return func(s *Session) error {
		if slack < 0 {
			return NewConfigError("read slack", "must not be negative")
		}
		s.config.ReadSlack = slack
		return nil
	}
}

// WithResetOnAbort controls whether a failed transfer warm-resets the card
func WithResetOnAbort(enabled bool) Option {
	return func(s *Session) error {
		s.config.ResetOnAbort = enabled
		return nil
	}
}
