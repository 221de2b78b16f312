// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

// Package execution creates execution contexts: a platform plus a non-empty list of its devices, on which
// programs are built and kernels created.
package execution

import (
	"fmt"
	"slices"

	"github.com/gomlx/kernelforge/backends"
	"github.com/gomlx/kernelforge/pkg/device"
	"github.com/gomlx/kernelforge/pkg/failures"
	"github.com/gomlx/kernelforge/pkg/platform"
	"github.com/gomlx/kernelforge/pkg/selection"
	"github.com/pkg/errors"
	"k8s.io/klog/v2"
)

// Context owns a backend context. It must be released with Release.
type Context struct {
	backend  backends.Backend
	platform backends.Platform
	devices  []backends.Device
	handle   backends.Context
	released bool
}

// Create a context for the given platform and devices.
//
// An empty device list or a combination the backend rejects returns a failures.ContextCreation error.
func Create(backend backends.Backend, p backends.Platform, devices []backends.Device) (*Context, error) {
	if len(devices) == 0 {
		return nil, failures.New(failures.ContextCreation, errors.New("empty device list"),
			"create context on platform %d", p)
	}
	handle, err := backend.CreateContext(p, devices)
	if err != nil {
		return nil, failures.New(failures.ContextCreation, err,
			"create context on platform %d with %d devices", p, len(devices))
	}
	klog.V(1).Infof("created context %d on platform %d with devices %v", handle, p, devices)
	return &Context{
		backend:  backend,
		platform: p,
		devices:  slices.Clone(devices),
		handle:   handle,
	}, nil
}

// Devices returns the devices of the context, as reported by the backend.
func (c *Context) Devices() ([]backends.Device, error) {
	if c.released {
		return nil, errors.Errorf("context %d already released", c.handle)
	}
	devices, err := c.backend.ContextDevices(c.handle)
	if err != nil {
		return nil, errors.WithMessagef(err, "query devices of context %d", c.handle)
	}
	return devices, nil
}

// Platform returns the platform the context was created on.
func (c *Context) Platform() backends.Platform { return c.platform }

// Backend returns the backend owning the context.
func (c *Context) Backend() backends.Backend { return c.backend }

// Handle returns the backend handle of the context.
func (c *Context) Handle() backends.Context { return c.handle }

// String implements fmt.Stringer.
func (c *Context) String() string {
	return fmt.Sprintf("context %d (platform %d, devices %v)", c.handle, c.platform, c.devices)
}

// Release the backend context. It is a no-op if already released.
func (c *Context) Release() error {
	if c == nil || c.released {
		return nil
	}
	c.released = true
	if err := c.backend.ReleaseContext(c.handle); err != nil {
		return errors.WithMessagef(err, "release context %d", c.handle)
	}
	return nil
}

// Request describes how to acquire a context.
type Request struct {
	// Platforms requirements. If zero value, platform.DefaultRequirements is used.
	Platforms platform.Requirements

	// PlatformOptions control the enumeration of platforms.
	PlatformOptions platform.Options

	// Strategy to select among conformant platforms. If nil, selection.MostGPUs with
	// device.DefaultRequirements is used.
	Strategy selection.Strategy
}

// Acquire enumerates the conformant platforms, applies the strategy and creates a context for the selection.
//
// If nothing is selected it returns ok == false and a nil error.
func Acquire(backend backends.Backend, request Request) (ctx *Context, ok bool, err error) {
	requirements := request.Platforms
	if requirements.Profile == "" && len(requirements.Names) == 0 {
		requirements = platform.DefaultRequirements
	}
	strategy := request.Strategy
	if strategy == nil {
		strategy = selection.MostGPUs{Devices: device.DefaultRequirements}
	}
	platforms, err := platform.Conformant(backend, requirements, request.PlatformOptions)
	if err != nil {
		return nil, false, err
	}
	s, err := selection.Select(backend, strategy, platforms)
	if err != nil {
		return nil, false, err
	}
	p, ok := s.Platform()
	if !ok {
		klog.Warningf("No platform was selected among %d conformant platforms.", len(platforms))
		return nil, false, nil
	}
	ctx, err = Create(backend, p, s.Devices())
	if err != nil {
		return nil, false, err
	}
	return ctx, true, nil
}
