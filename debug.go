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
	"sync"

	"go.uber.org/zap"
)

var (
	logMu  sync.RWMutex
	logger = zap.NewNop().Sugar()
)

// SetDebugEnabled switches protocol debug output on or off.
// Enabling installs a zap development logger writing to stderr.
func SetDebugEnabled(enabled bool) {
	if !enabled {
		SetLogger(nil)
		return
	}
	l, err := zap.NewDevelopment()
	if err != nil {
		return
	}
	SetLogger(l)
}

// SetLogger routes debug output to l. A nil logger silences it.
func SetLogger(l *zap.Logger) {
	logMu.Lock()
	defer logMu.Unlock()
	if l == nil {
		logger = zap.NewNop().Sugar()
		return
	}
	logger = l.Named("iso7816").Sugar()
}

// Logger returns the logger used for debug output, for use by channel backends
func Logger() *zap.SugaredLogger {
	logMu.RLock()
	defer logMu.RUnlock()
	return logger
}

func debugf(format string, args ...any) {
	Logger().Debugf(format, args...)
}

func debugln(args ...any) {
	Logger().Debugln(args...)
}
