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

// Package retry provides the bounded retry loops used by the T=0 engine
package retry

import (
	"context"
	"errors"
	"time"
)

// ErrRetriesExhausted is returned when an operation kept asking for a retry
// and no OnRetryFailed hook supplied a more specific error
var ErrRetriesExhausted = errors.New("retries exhausted")

// ErrDeadline is returned by UntilDeadline when the deadline passes first
var ErrDeadline = errors.New("deadline reached")

// Operation represents a function that can be retried
// Returns: data, shouldRetry, error
// - data: the result if successful
// - shouldRetry: true if the operation should be retried
// - error: any permanent error that should stop retries
type Operation[T any] func() (T, bool, error)

// Config configures retry behavior
type Config struct {
	OnRetry       func(attempt int) error
	OnRetryFailed func() error
	Description   string
	MaxRetries    int
	RetryDelay    time.Duration
}

// WithRetry runs operation once and then up to MaxRetries more times while it
// asks for a retry. The operation runs at most MaxRetries+1 times.
func WithRetry[T any](config Config, operation Operation[T]) (T, error) {
	var zero T

	for attempt := 0; attempt <= config.MaxRetries; attempt++ {
		result, shouldRetry, err := operation()
		if err != nil {
			return zero, err
		}

		if !shouldRetry {
			return result, nil
		}

		if attempt >= config.MaxRetries {
			break
		}

		if config.OnRetry != nil {
			if err := config.OnRetry(attempt + 1); err != nil {
				return zero, err
			}
		}

		if config.RetryDelay > 0 {
			time.Sleep(config.RetryDelay)
		}
	}

	return handleRetriesExhausted[T](config)
}

func handleRetriesExhausted[T any](config Config) (T, error) {
	var zero T

	if config.OnRetryFailed != nil {
		if failErr := config.OnRetryFailed(); failErr != nil {
			return zero, failErr
		}
	}

	return zero, ErrRetriesExhausted
}

// UntilDeadline repeats operation while it asks to go again and the deadline
// has not passed. The context is checked before every attempt.
func UntilDeadline[T any](ctx context.Context, deadline time.Time, operation Operation[T]) (T, error) {
	var zero T

	for time.Now().Before(deadline) {
		if err := ctx.Err(); err != nil {
			return zero, err
		}

		result, again, err := operation()
		if err != nil {
			return zero, err
		}

		if !again {
			return result, nil
		}
	}

	return zero, ErrDeadline
}
