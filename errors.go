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
	"errors"
	"fmt"
)

// Session and configuration errors
var (
	ErrConfig              = errors.New("invalid session configuration")
	ErrUnsupportedProtocol = fmt.Errorf("%w: unsupported protocol", ErrConfig)
	ErrInvalidParameter    = errors.New("invalid parameter")
	ErrNotActivated        = errors.New("card not activated")
	ErrBusy                = errors.New("channel busy with another exchange")
)

// Reset and ATR errors
var (
	ErrNoCardResponse = errors.New("no answer to reset")
	ErrMalformedATR   = errors.New("malformed ATR")
	ErrATRTruncated   = fmt.Errorf("%w: truncated", ErrMalformedATR)
	ErrATRChecksum    = errors.New("ATR check byte mismatch")
)

// Transfer errors
var (
	ErrParityExhausted   = errors.New("parity retries exhausted")
	ErrCardTimeout       = errors.New("card timeout")
	ErrProtocolViolation = errors.New("T=0 protocol violation")
)

// Channel errors, returned by Channel implementations
var (
	ErrParity        = errors.New("character parity error")
	ErrReadTimeout   = errors.New("channel read timeout")
	ErrChannelClosed = errors.New("channel closed")
	ErrChannelIO     = errors.New("channel I/O failure")
)

// ErrorType classifies link errors for retry decisions
type ErrorType int

const (
	// ErrorTypePermanent indicates an error that will not go away by retrying
	ErrorTypePermanent ErrorType = iota
	// ErrorTypeTransient indicates an error that may clear on a retried exchange or reset
	ErrorTypeTransient
	// ErrorTypeTimeout indicates the card did not answer in time
	ErrorTypeTimeout
)

func (t ErrorType) String() string {
	switch t {
	case ErrorTypeTransient:
		return "transient"
	case ErrorTypeTimeout:
		return "timeout"
	case ErrorTypePermanent:
		return "permanent"
	default:
		return "unknown"
	}
}

// LinkError is the structured error returned by session operations.
type LinkError struct {
	Err       error
	Op        string
	Port      string
	Type      ErrorType
	Retryable bool
}

func (e *LinkError) Error() string {
	if e.Port != "" {
		return fmt.Sprintf("%s on %s: %v", e.Op, e.Port, e.Err)
	}
	return fmt.Sprintf("%s: %v", e.Op, e.Err)
}

func (e *LinkError) Unwrap() error {
	return e.Err
}

// NewLinkError creates a link error; retryability follows the error type
func NewLinkError(op, port string, err error, errType ErrorType) *LinkError {
	return &LinkError{
		Op:        op,
		Port:      port,
		Err:       err,
		Type:      errType,
		Retryable: errType != ErrorTypePermanent,
	}
}

// NewConfigError reports an invalid SessionConfig field
func NewConfigError(field, reason string) *LinkError {
	return &LinkError{
		Op:   "config",
		Err:  fmt.Errorf("%w: %s %s", ErrConfig, field, reason),
		Type: ErrorTypePermanent,
	}
}

// NewTimeoutError reports a card that stopped answering; cause says where
func NewTimeoutError(op, port string, cause error) *LinkError {
	err := ErrCardTimeout
	if cause != nil {
		err = fmt.Errorf("%w: %w", ErrCardTimeout, cause)
	}
	return &LinkError{
		Op:        op,
		Port:      port,
		Err:       err,
		Type:      ErrorTypeTimeout,
		Retryable: true,
	}
}

// NewParityExhaustedError reports a character that kept failing parity
func NewParityExhaustedError(op, port string, position int) *LinkError {
	return &LinkError{
		Op:        op,
		Port:      port,
		Err:       fmt.Errorf("%w at byte %d", ErrParityExhausted, position),
		Type:      ErrorTypeTransient,
		Retryable: true,
	}
}

// NewProtocolViolationError reports a card response inconsistent with the command
func NewProtocolViolationError(op, port, detail string) *LinkError {
	return &LinkError{
		Op:   op,
		Port: port,
		Err:  fmt.Errorf("%w: %s", ErrProtocolViolation, detail),
		Type: ErrorTypePermanent,
	}
}

// IsRetryable reports whether err may succeed on a retried exchange or a fresh reset
func IsRetryable(err error) bool {
	if err == nil {
		return false
	}

	var le *LinkError
	if errors.As(err, &le) {
		return le.Retryable
	}

	switch {
	case errors.Is(err, ErrNoCardResponse),
		errors.Is(err, ErrParityExhausted),
		errors.Is(err, ErrCardTimeout),
		errors.Is(err, ErrReadTimeout),
		errors.Is(err, ErrParity):
		return true
	default:
		return false
	}
}

// GetErrorType returns the classification of err
func GetErrorType(err error) ErrorType {
	if err == nil {
		return ErrorTypePermanent
	}

	var le *LinkError
	if errors.As(err, &le) {
		return le.Type
	}

	switch {
	case errors.Is(err, ErrCardTimeout), errors.Is(err, ErrReadTimeout), errors.Is(err, ErrNoCardResponse):
		return ErrorTypeTimeout
	case errors.Is(err, ErrParityExhausted), errors.Is(err, ErrParity):
		return ErrorTypeTransient
	default:
		return ErrorTypePermanent
	}
}
