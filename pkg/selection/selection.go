// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

// Package selection chooses one platform and a set of its devices, among the conformant platforms, using a
// pluggable Strategy.
//
// Selecting nothing is a valid outcome (see Selection.IsNone), not an error: the host may simply have no
// usable resource.
package selection

import (
	"slices"

	"github.com/gomlx/kernelforge/backends"
	"github.com/gomlx/kernelforge/pkg/device"
	"github.com/pkg/errors"
	"k8s.io/klog/v2"
)

// Selection is either None, or a platform with a non-empty list of its devices.
type Selection struct {
	platform backends.Platform
	devices  []backends.Device
	valid    bool
}

// None returns the empty Selection.
func None() Selection {
	return Selection{}
}

// Of returns a Selection of the platform and devices. An empty device list yields None.
func Of(platform backends.Platform, devices []backends.Device) Selection {
	if len(devices) == 0 {
		return None()
	}
	return Selection{platform: platform, devices: slices.Clone(devices), valid: true}
}

// IsNone returns whether nothing was selected.
func (s Selection) IsNone() bool {
	return !s.valid
}

// Platform returns the selected platform, and false if nothing was selected.
func (s Selection) Platform() (backends.Platform, bool) {
	return s.platform, s.valid
}

// Devices returns the selected devices. It is empty if nothing was selected.
func (s Selection) Devices() []backends.Device {
	return slices.Clone(s.devices)
}

// Strategy chooses among conformant platforms.
//
// Implementations must return errors from lower layers unchanged, and None (with a nil error) if no platform
// qualifies.
type Strategy interface {
	Select(backend backends.Backend, platforms []backends.Platform) (Selection, error)
}

// StrategyFunc adapts a function to the Strategy interface.
type StrategyFunc func(backend backends.Backend, platforms []backends.Platform) (Selection, error)

// Select implements Strategy.
func (fn StrategyFunc) Select(backend backends.Backend, platforms []backends.Platform) (Selection, error) {
	return fn(backend, platforms)
}

// Select applies the strategy to the conformant platforms.
func Select(backend backends.Backend, strategy Strategy, platforms []backends.Platform) (Selection, error) {
	s, err := strategy.Select(backend, platforms)
	if err != nil {
		return None(), err
	}
	if p, ok := s.Platform(); ok {
		klog.V(1).Infof("selected platform %d with %d devices", p, len(s.devices))
	} else {
		klog.V(1).Infof("no platform selected among %d conformant platforms", len(platforms))
	}
	return s, nil
}

// MostGPUs selects the platform with the largest number of conformant devices (GPUs by default), and all of
// those devices.
//
// Ties are resolved in favour of the first platform reaching the maximum.
type MostGPUs struct {
	// Devices requirements, if zero value device.DefaultRequirements is used.
	Devices device.Requirements

	Options device.Options
}

// Select implements Strategy.
func (m MostGPUs) Select(backend backends.Backend, platforms []backends.Platform) (Selection, error) {
	requirements := m.Devices
	if requirements.Class == 0 {
		requirements = device.DefaultRequirements
	}
	var (
		bestPlatform backends.Platform
		bestDevices  []backends.Device
	)
	for _, platform := range platforms {
		devices, err := device.Conformant(backend, platform, requirements, m.Options)
		if err != nil {
			return None(), err
		}
		if len(devices) > len(bestDevices) {
			bestPlatform, bestDevices = platform, devices
		}
	}
	return Of(bestPlatform, bestDevices), nil
}

// MostComputeUnits selects the platform whose conformant devices have the largest sum of compute units, and all
// of those devices. Ties are resolved in favour of the first platform.
type MostComputeUnits struct {
	Devices device.Requirements
	Options device.Options
}

// Select implements Strategy.
func (m MostComputeUnits) Select(backend backends.Backend, platforms []backends.Platform) (Selection, error) {
	requirements := m.Devices
	if requirements.Class == 0 {
		requirements = device.DefaultRequirements
	}
	var (
		bestPlatform backends.Platform
		bestDevices  []backends.Device
		bestUnits    uint64
	)
	for _, platform := range platforms {
		devices, err := device.Conformant(backend, platform, requirements, m.Options)
		if err != nil {
			return None(), err
		}
		var units uint64
		for _, d := range devices {
			u, err := backend.DeviceUint(d, backends.DeviceMaxComputeUnits)
			if err != nil {
				return None(), errors.WithMessagef(err, "query compute units of device %d", d)
			}
			units += u
		}
		if len(devices) > 0 && (bestDevices == nil || units > bestUnits) {
			bestPlatform, bestDevices, bestUnits = platform, devices, units
		}
	}
	return Of(bestPlatform, bestDevices), nil
}

// Pinned selects explicitly the platform with the given name, and the conformant devices with the given names,
// in the order given. If DeviceNames is empty, all conformant devices of the platform are selected.
//
// If the platform is not found, or any of the named devices is missing or not conformant, nothing is selected.
type Pinned struct {
	PlatformName string
	DeviceNames  []string

	// Devices requirements, if zero value device.DefaultRequirements is used.
	Devices device.Requirements
	Options device.Options
}

// Select implements Strategy.
func (p Pinned) Select(backend backends.Backend, platforms []backends.Platform) (Selection, error) {
	requirements := p.Devices
	if requirements.Class == 0 {
		requirements = device.DefaultRequirements
	}
	for _, platform := range platforms {
		name, err := backend.PlatformInfo(platform, backends.PlatformName)
		if err != nil {
			return None(), errors.WithMessagef(err, "query name of platform %d", platform)
		}
		if name != p.PlatformName {
			continue
		}
		devices, err := device.Conformant(backend, platform, requirements, p.Options)
		if err != nil {
			return None(), err
		}
		if len(p.DeviceNames) == 0 {
			return Of(platform, devices), nil
		}
		byName := make(map[string]backends.Device, len(devices))
		for _, d := range devices {
			deviceName, err := backend.DeviceInfo(d, backends.DeviceName)
			if err != nil {
				return None(), errors.WithMessagef(err, "query name of device %d", d)
			}
			if _, found := byName[deviceName]; !found {
				byName[deviceName] = d
			}
		}
		selected := make([]backends.Device, 0, len(p.DeviceNames))
		for _, deviceName := range p.DeviceNames {
			d, found := byName[deviceName]
			if !found {
				klog.Warningf("pinned device %q not found among the conformant devices of platform %q",
					deviceName, p.PlatformName)
				return None(), nil
			}
			selected = append(selected, d)
		}
		return Of(platform, selected), nil
	}
	return None(), nil
}

// Strategy names accepted by ByName.
const (
	MostGPUsName         = "most_gpus"
	MostComputeUnitsName = "most_compute_units"
)

// ByName returns the strategy with the given name, configured with the device requirements and options.
// An empty name returns MostGPUs.
func ByName(name string, requirements device.Requirements, options device.Options) (Strategy, error) {
	switch name {
	case "", MostGPUsName:
		return MostGPUs{Devices: requirements, Options: options}, nil
	case MostComputeUnitsName:
		return MostComputeUnits{Devices: requirements, Options: options}, nil
	default:
		return nil, errors.Errorf("unknown selection strategy %q, valid values are %q and %q",
			name, MostGPUsName, MostComputeUnitsName)
	}
}
