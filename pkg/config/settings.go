// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

// Package config holds the settings that control resource acquisition, and loads build descriptors written in HCL.
//
// Settings are plain values passed explicitly to every operation: there are no global switches.
package config

import (
	"fmt"
	"strings"

	"github.com/pkg/errors"
)

// Mode selects a build variant, and the default Settings.
type Mode string

const (
	Debug   Mode = "debug"
	Release Mode = "release"
)

// ParseMode parses "debug" or "release", case-insensitive.
func ParseMode(s string) (Mode, error) {
	switch mode := Mode(strings.ToLower(strings.TrimSpace(s))); mode {
	case Debug, Release:
		return mode, nil
	default:
		return "", errors.Errorf("invalid mode %q, valid values are %q and %q", s, Debug, Release)
	}
}

// Settings control diagnostics and caching.
type Settings struct {
	// DisplayPlatformInfo logs the attributes of every enumerated platform.
	DisplayPlatformInfo bool

	// DisplayDeviceInfo logs the attributes of every enumerated device.
	DisplayDeviceInfo bool

	// EnableBinaryCaching loads programs from, and stores them to, the binary cache.
	EnableBinaryCaching bool

	// ForceSource always builds programs from source, even if a valid cached binary exists.
	// Freshly compiled binaries are still stored if EnableBinaryCaching is set.
	ForceSource bool
}

// DebugSettings displays all information, and always builds from source.
func DebugSettings() Settings {
	return Settings{
		DisplayPlatformInfo: true,
		DisplayDeviceInfo:   true,
		EnableBinaryCaching: true,
		ForceSource:         true,
	}
}

// ReleaseSettings is quiet, and uses cached binaries when valid.
func ReleaseSettings() Settings {
	return Settings{EnableBinaryCaching: true}
}

// DefaultSettings returns the default settings for the mode.
func DefaultSettings(mode Mode) Settings {
	if mode == Debug {
		return DebugSettings()
	}
	return ReleaseSettings()
}

// String implements fmt.Stringer.
func (s Settings) String() string {
	return fmt.Sprintf("display_platform_info=%t, display_device_info=%t, enable_binary_caching=%t, force_source=%t",
		s.DisplayPlatformInfo, s.DisplayDeviceInfo, s.EnableBinaryCaching, s.ForceSource)
}
