// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

// Package device enumerates the devices of a platform and filters them by conformance requirements.
package device

import (
	"fmt"
	"strings"

	"github.com/dustin/go-humanize"
	"github.com/gomlx/kernelforge/backends"
	"github.com/gomlx/kernelforge/pkg/failures"
	"github.com/pkg/errors"
	"k8s.io/klog/v2"
)

// Requirements a device must satisfy to be conformant. Treat as read-only.
type Requirements struct {
	// Class of device required. A device is conformant if it has any of the bits of Class.
	Class backends.DeviceClass
}

// DefaultRequirements accepts GPUs only.
var DefaultRequirements = Requirements{Class: backends.DeviceClassGPU}

// Options for the enumeration functions.
type Options struct {
	// DisplayInfo logs the general information of every enumerated device.
	DisplayInfo bool
}

// All returns every device of the platform, in the backend's order.
func All(backend backends.Backend, platform backends.Platform) ([]backends.Device, error) {
	devices, err := backend.Devices(platform)
	if err != nil {
		return nil, failures.New(failures.Enumeration, err, "enumerate devices of platform %d", platform)
	}
	return devices, nil
}

// Class returns the class of the device.
func Class(backend backends.Backend, device backends.Device) (backends.DeviceClass, error) {
	deviceType, err := backend.DeviceUint(device, backends.DeviceType)
	if err != nil {
		return 0, errors.WithMessagef(err, "query type of device %d", device)
	}
	return backends.DeviceClass(deviceType), nil
}

// IsConformant returns whether the device satisfies the requirements.
func (r Requirements) IsConformant(backend backends.Backend, device backends.Device) (bool, error) {
	class, err := Class(backend, device)
	if err != nil {
		return false, err
	}
	return class&r.Class != 0, nil
}

// Conformant returns the devices of the platform that satisfy the requirements, preserving the backend's order.
func Conformant(backend backends.Backend, platform backends.Platform, r Requirements, options Options) ([]backends.Device, error) {
	devices, err := All(backend, platform)
	if err != nil {
		return nil, err
	}
	conformant := make([]backends.Device, 0, len(devices))
	for _, device := range devices {
		if options.DisplayInfo {
			info, err := Describe(backend, device)
			if err != nil {
				return nil, failures.New(failures.Enumeration, err, "describe device %d", device)
			}
			klog.Infof("Device %d of platform %d:\n%s", device, platform, info)
		}
		ok, err := r.IsConformant(backend, device)
		if err != nil {
			return nil, failures.New(failures.Enumeration, err, "check device %d conformance", device)
		}
		if ok {
			conformant = append(conformant, device)
		}
	}
	return conformant, nil
}

// Info holds the general information of a device.
type Info struct {
	Class                                backends.DeviceClass
	Name, Vendor, Version, DriverVersion string
	ComputeUnits                         uint64
	WorkItemDimensions                   uint64
	VectorWidthInt, VectorWidthLong      uint64
	VectorWidthFloat, VectorWidthDouble  uint64
	GlobalMemSize                        uint64
	HostUnifiedMemory                    bool
}

// Describe queries the general information of the device.
func Describe(backend backends.Backend, device backends.Device) (Info, error) {
	var info Info
	class, err := Class(backend, device)
	if err != nil {
		return Info{}, err
	}
	info.Class = class

	strs := []struct {
		attr  backends.DeviceAttribute
		value *string
	}{
		{backends.DeviceName, &info.Name},
		{backends.DeviceVendor, &info.Vendor},
		{backends.DeviceVersion, &info.Version},
		{backends.DriverVersion, &info.DriverVersion},
	}
	for _, field := range strs {
		if *field.value, err = backend.DeviceInfo(device, field.attr); err != nil {
			return Info{}, errors.WithMessagef(err, "query %s of device %d", field.attr, device)
		}
	}

	var hostUnified uint64
	scalars := []struct {
		attr  backends.DeviceAttribute
		value *uint64
	}{
		{backends.DeviceMaxComputeUnits, &info.ComputeUnits},
		{backends.DeviceMaxWorkItemDimensions, &info.WorkItemDimensions},
		{backends.DevicePreferredVectorWidthInt, &info.VectorWidthInt},
		{backends.DevicePreferredVectorWidthLong, &info.VectorWidthLong},
		{backends.DevicePreferredVectorWidthFloat, &info.VectorWidthFloat},
		{backends.DevicePreferredVectorWidthDouble, &info.VectorWidthDouble},
		{backends.DeviceGlobalMemSize, &info.GlobalMemSize},
		{backends.DeviceHostUnifiedMemory, &hostUnified},
	}
	for _, field := range scalars {
		if *field.value, err = backend.DeviceUint(device, field.attr); err != nil {
			return Info{}, errors.WithMessagef(err, "query %s of device %d", field.attr, device)
		}
	}
	info.HostUnifiedMemory = hostUnified != 0
	return info, nil
}

// String implements fmt.Stringer, one attribute per line.
func (info Info) String() string {
	var sb strings.Builder
	fmt.Fprintf(&sb, "%s: %s\n", backends.DeviceType, info.Class)
	fmt.Fprintf(&sb, "%s: %s\n", backends.DeviceName, info.Name)
	fmt.Fprintf(&sb, "%s: %s\n", backends.DeviceVendor, info.Vendor)
	fmt.Fprintf(&sb, "%s: %s / %s\n", backends.DeviceVersion, info.Version, info.DriverVersion)
	fmt.Fprintf(&sb, "%s: %d\n", backends.DeviceMaxComputeUnits, info.ComputeUnits)
	fmt.Fprintf(&sb, "%s: %d\n", backends.DeviceMaxWorkItemDimensions, info.WorkItemDimensions)
	fmt.Fprintf(&sb, "PREFERRED_VECTOR_WIDTH (int/long/float/double): %d/%d/%d/%d\n",
		info.VectorWidthInt, info.VectorWidthLong, info.VectorWidthFloat, info.VectorWidthDouble)
	fmt.Fprintf(&sb, "%s: %s\n", backends.DeviceGlobalMemSize, humanize.IBytes(info.GlobalMemSize))
	fmt.Fprintf(&sb, "%s: %t", backends.DeviceHostUnifiedMemory, info.HostUnifiedMemory)
	return sb.String()
}
