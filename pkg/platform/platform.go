// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

// Package platform enumerates the platforms of a backend and filters them by conformance requirements.
package platform

import (
	"fmt"
	"slices"
	"strings"

	"github.com/gomlx/kernelforge/backends"
	"github.com/gomlx/kernelforge/pkg/failures"
	"github.com/pkg/errors"
	"k8s.io/klog/v2"
)

// Requirements a platform must satisfy to be conformant. Treat as read-only.
type Requirements struct {
	// Profile the platform must report, e.g.: "FULL_PROFILE".
	Profile string

	// Names is an optional allow-list of platform names. If empty, any name is accepted.
	Names []string
}

const (
	FullProfile = "FULL_PROFILE"

	NvidiaPlatformName = "NVIDIA CUDA"
	AMDPlatformName    = "AMD Accelerated Parallel Processing"
)

var (
	// DefaultRequirements accepts any platform with the full profile.
	DefaultRequirements = Requirements{Profile: FullProfile}

	// VendorRequirements accepts only NVIDIA and AMD platforms with the full profile.
	VendorRequirements = Requirements{Profile: FullProfile, Names: []string{NvidiaPlatformName, AMDPlatformName}}
)

// Options for the enumeration functions.
type Options struct {
	// DisplayInfo logs the attributes of every enumerated platform.
	DisplayInfo bool
}

// All returns every platform of the backend, in the backend's order.
func All(backend backends.Backend) ([]backends.Platform, error) {
	platforms, err := backend.Platforms()
	if err != nil {
		return nil, failures.New(failures.Enumeration, err, "enumerate platforms")
	}
	return platforms, nil
}

// IsConformant returns whether the platform satisfies the requirements.
func (r Requirements) IsConformant(backend backends.Backend, platform backends.Platform) (bool, error) {
	profile, err := backend.PlatformInfo(platform, backends.PlatformProfile)
	if err != nil {
		return false, errors.WithMessagef(err, "query profile of platform %d", platform)
	}
	if profile != r.Profile {
		return false, nil
	}
	if len(r.Names) == 0 {
		return true, nil
	}
	name, err := backend.PlatformInfo(platform, backends.PlatformName)
	if err != nil {
		return false, errors.WithMessagef(err, "query name of platform %d", platform)
	}
	return slices.Contains(r.Names, name), nil
}

// Conformant returns the platforms of the backend that satisfy the requirements, preserving the backend's order.
func Conformant(backend backends.Backend, r Requirements, options Options) ([]backends.Platform, error) {
	platforms, err := All(backend)
	if err != nil {
		return nil, err
	}
	conformant := make([]backends.Platform, 0, len(platforms))
	for _, platform := range platforms {
		if options.DisplayInfo {
			info, err := Describe(backend, platform)
			if err != nil {
				return nil, failures.New(failures.Enumeration, err, "describe platform %d", platform)
			}
			klog.Infof("Platform %d:\n%s", platform, info)
		}
		ok, err := r.IsConformant(backend, platform)
		if err != nil {
			return nil, failures.New(failures.Enumeration, err, "check platform %d conformance", platform)
		}
		if !ok {
			klog.V(1).Infof("platform %d is not conformant to %+v", platform, r)
			continue
		}
		conformant = append(conformant, platform)
	}
	return conformant, nil
}

// Info holds the attributes of a platform.
type Info struct {
	Profile, Version, Name, Vendor string
	Extensions                     []string
}

// Describe queries every attribute of the platform.
func Describe(backend backends.Backend, platform backends.Platform) (Info, error) {
	var info Info
	fields := []struct {
		attr  backends.PlatformAttribute
		value *string
	}{
		{backends.PlatformProfile, &info.Profile},
		{backends.PlatformVersion, &info.Version},
		{backends.PlatformName, &info.Name},
		{backends.PlatformVendor, &info.Vendor},
	}
	for _, field := range fields {
		value, err := backend.PlatformInfo(platform, field.attr)
		if err != nil {
			return Info{}, errors.WithMessagef(err, "query %s of platform %d", field.attr, platform)
		}
		*field.value = value
	}
	extensions, err := backend.PlatformInfo(platform, backends.PlatformExtensions)
	if err != nil {
		return Info{}, errors.WithMessagef(err, "query %s of platform %d", backends.PlatformExtensions, platform)
	}
	info.Extensions = strings.Fields(extensions)
	return info, nil
}

// String implements fmt.Stringer, one attribute per line.
func (info Info) String() string {
	var sb strings.Builder
	fmt.Fprintf(&sb, "%s: %s\n", backends.PlatformProfile, info.Profile)
	fmt.Fprintf(&sb, "%s: %s\n", backends.PlatformVersion, info.Version)
	fmt.Fprintf(&sb, "%s: %s\n", backends.PlatformName, info.Name)
	fmt.Fprintf(&sb, "%s: %s\n", backends.PlatformVendor, info.Vendor)
	fmt.Fprintf(&sb, "%s: %s", backends.PlatformExtensions, strings.Join(info.Extensions, " "))
	return sb.String()
}
