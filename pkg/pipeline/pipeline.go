// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

// Package pipeline acquires every resource needed to run kernels: an execution context on the selected platform
// and devices, a program built for all of them, and the requested kernels.
package pipeline

import (
	"github.com/gomlx/kernelforge/backends"
	"github.com/gomlx/kernelforge/pkg/bincache"
	"github.com/gomlx/kernelforge/pkg/config"
	"github.com/gomlx/kernelforge/pkg/execution"
	"github.com/gomlx/kernelforge/pkg/kernels"
	"github.com/gomlx/kernelforge/pkg/platform"
	"github.com/gomlx/kernelforge/pkg/program"
	"github.com/pkg/errors"
	"k8s.io/klog/v2"
)

// Resources acquired by Acquire. They must be released with Release.
type Resources struct {
	Context *execution.Context
	Program *program.Program

	// Kernels[i] is the entry point KernelNames[i].
	Kernels     []backends.Kernel
	KernelNames []string
}

// Descriptor converts the program part of the plan.
func Descriptor(plan *config.Plan) program.Descriptor {
	desc := program.Descriptor{
		SourceRoot:  plan.Program.SourceRoot,
		SourceFiles: plan.Program.SourceFiles,
		Options:     plan.Program.Options,
		BinaryRoot:  plan.Program.BinaryRoot,
		BinaryName:  plan.Program.BinaryName,
	}
	if plan.Program.DeviceIdentity != "" {
		desc.Identity = bincache.FixedIdentity(plan.Program.DeviceIdentity)
	}
	return desc
}

// Acquire runs the plan: it selects the platform and devices and creates a context, builds the program and creates
// the kernels.
//
// If no platform was selected it returns ok == false and a nil error. On failure, every resource already acquired
// is released.
func Acquire(backend backends.Backend, plan *config.Plan) (*Resources, bool, error) {
	strategy, err := plan.NewStrategy()
	if err != nil {
		return nil, false, err
	}
	ctx, ok, err := execution.Acquire(backend, execution.Request{
		Platforms:       plan.Platforms,
		PlatformOptions: platform.Options{DisplayInfo: plan.Settings.DisplayPlatformInfo},
		Strategy:        strategy,
	})
	if err != nil {
		return nil, false, errors.WithMessage(err, "acquiring execution context")
	}
	if !ok {
		return nil, false, nil
	}
	resources := &Resources{Context: ctx}
	releaseOnError := func(err error) {
		if releaseErr := resources.Release(); releaseErr != nil {
			klog.Warningf("failed to release partially acquired resources after %v: %+v", err, releaseErr)
		}
	}

	resources.Program, err = program.Build(ctx, Descriptor(plan), plan.Settings)
	if err != nil {
		releaseOnError(err)
		return nil, false, errors.WithMessagef(err, "building program %q", plan.Program.Name)
	}
	resources.Kernels, err = kernels.Create(resources.Program, plan.Program.Kernels)
	if err != nil {
		releaseOnError(err)
		return nil, false, errors.WithMessagef(err, "creating kernels of program %q", plan.Program.Name)
	}
	resources.KernelNames = append([]string(nil), plan.Program.Kernels...)
	klog.V(1).Infof("acquired %s, program built from %s, %d kernels", ctx, resources.Program.Provenance(),
		len(resources.Kernels))
	return resources, true, nil
}

// Release kernels, program and context, in this order. It returns the first error, after attempting to release
// everything.
func (r *Resources) Release() error {
	if r == nil {
		return nil
	}
	var firstErr error
	keep := func(err error) {
		if err != nil && firstErr == nil {
			firstErr = err
		}
	}
	if r.Program != nil {
		keep(kernels.Release(r.Program.Context().Backend(), r.Kernels))
		r.Kernels = nil
		keep(r.Program.Release())
	}
	keep(r.Context.Release())
	return firstErr
}
