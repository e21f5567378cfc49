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

package main

import (
	"fmt"
	"os"
	"regexp"
	"time"

	iso7816 "github.com/ZaparooProject/go-iso7816"
	"gopkg.in/yaml.v3"
	"periph.io/x/conn/v3/physic"
)

// fileConfig is the YAML configuration file layout
type fileConfig struct {
	MaxIterations   *int          `yaml:"max_iterations"`
	ResetOnAbort    *bool         `yaml:"reset_on_abort"`
	Port            string        `yaml:"port"`
	Backend         string        `yaml:"backend"`
	Clock           string        `yaml:"clock"`
	ResetPin        string        `yaml:"reset_pin"`
	PowerPin        string        `yaml:"power_pin"`
	IgnorePaths     []string      `yaml:"ignore_paths"`
	TransferTimeout time.Duration `yaml:"transfer_timeout"`
	Fi              int           `yaml:"fi"`
	Di              int           `yaml:"di"`
	TimeGuard       *int          `yaml:"time_guard"`
	InvertReset     bool          `yaml:"invert_reset"`
	NoEcho          bool          `yaml:"no_echo"`
	InhibitNACK     bool          `yaml:"inhibit_nack"`
}

// envVarPattern matches ${VAR} and ${VAR:-default}
var envVarPattern = regexp.MustCompile(`\$\{([A-Za-z_][A-Za-z0-9_]*)(?::-([^}]*))?\}`)

// expandEnv substitutes environment variables. Unset variables without a
// default expand to the empty string.
func expandEnv(input string) string {
	return envVarPattern.ReplaceAllStringFunc(input, func(match string) string {
		groups := envVarPattern.FindStringSubmatch(match)
		if value, ok := os.LookupEnv(groups[1]); ok && value != "" {
			return value
		}
		return groups[2]
	})
}

// loadConfig reads path. An empty path yields an empty configuration.
func loadConfig(path string) (*fileConfig, error) {
	if path == "" {
		return &fileConfig{}, nil
	}
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, fmt.Errorf("config file not found: %s", path)
		}
		return nil, fmt.Errorf("cannot read config file %q: %w", path, err)
	}

	var cfg fileConfig
	if err := yaml.Unmarshal([]byte(expandEnv(string(data))), &cfg); err != nil {
		return nil, fmt.Errorf("invalid YAML in %s: %w", path, err)
	}
	return &cfg, nil
}

// sessionConfig builds the link configuration from defaults and fc
func (fc *fileConfig) sessionConfig() (*iso7816.SessionConfig, error) {
	cfg := iso7816.DefaultSessionConfig()

	if fc.Clock != "" {
		var f physic.Frequency
		if err := f.Set(fc.Clock); err != nil {
			return nil, fmt.Errorf("clock %q: %w", fc.Clock, err)
		}
		cfg.ClockFrequency = f
	}
	if fc.TransferTimeout != 0 {
		cfg.TransferTimeout = fc.TransferTimeout
	}
	if fc.MaxIterations != nil {
		cfg.MaxIterations = *fc.MaxIterations
	}
	if fc.ResetOnAbort != nil {
		cfg.ResetOnAbort = *fc.ResetOnAbort
	}
	if fc.TimeGuard != nil {
		cfg.TimeGuard = *fc.TimeGuard
	}
	if fc.Fi != 0 {
		cfg.Fi = fc.Fi
	}
	if fc.Di != 0 {
		cfg.Di = fc.Di
	}
	cfg.InhibitNACK = fc.InhibitNACK

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}
