// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

// Package kernels resolves named entry points of a built program into kernels.
package kernels

import (
	"fmt"

	"github.com/gomlx/kernelforge/backends"
	"github.com/gomlx/kernelforge/pkg/failures"
	"github.com/gomlx/kernelforge/pkg/program"
	"github.com/pkg/errors"
	"k8s.io/klog/v2"
)

// NameError reports the entry point that could not be resolved.
type NameError struct {
	Index int
	Name  string
	Err   error
}

// Error implements error.
func (e *NameError) Error() string {
	return fmt.Sprintf("kernel #%d %q: %v", e.Index, e.Name, e.Err)
}

// Unwrap returns the backend error.
func (e *NameError) Unwrap() error { return e.Err }

// Create one kernel per name, in order: kernels[i] is the entry point names[i].
//
// On the first failure, the kernels already created are released, and a failures.KernelCreation error wrapping a
// *NameError is returned.
func Create(p *program.Program, names []string) ([]backends.Kernel, error) {
	backend := p.Context().Backend()
	kernels := make([]backends.Kernel, 0, len(names))
	for ii, name := range names {
		kernel, err := backend.CreateKernel(p.Handle(), name)
		if err != nil {
			if releaseErr := Release(backend, kernels); releaseErr != nil {
				klog.Warningf("failed to release kernels after failure: %+v", releaseErr)
			}
			return nil, failures.New(failures.KernelCreation, &NameError{Index: ii, Name: name, Err: err},
				"create kernels of program %d", p.Handle())
		}
		klog.V(2).Infof("created kernel %q of program %d", name, p.Handle())
		kernels = append(kernels, kernel)
	}
	return kernels, nil
}

// Release the kernels. It attempts to release all of them, and returns the first error.
func Release(backend backends.Backend, kernels []backends.Kernel) error {
	var firstErr error
	for _, kernel := range kernels {
		if err := backend.ReleaseKernel(kernel); err != nil && firstErr == nil {
			firstErr = errors.WithMessagef(err, "release kernel %d", kernel)
		}
	}
	return firstErr
}
