// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

package program

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/gomlx/kernelforge/backends"
	"github.com/gomlx/kernelforge/backends/simulated"
	"github.com/gomlx/kernelforge/pkg/config"
	"github.com/gomlx/kernelforge/pkg/execution"
	"github.com/gomlx/kernelforge/pkg/failures"
	"github.com/pkg/errors"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const saxpySource = `__kernel void saxpy(const float a, __global const float *x, __global float *y) {
	const int i = get_global_id(0);
	y[i] += a * x[i];
}
`

// setup returns a simulated backend with one platform with the given number of GPUs, and a descriptor whose
// sources are in a temporary directory.
func setup(t *testing.T, numGPUs int) (*simulated.Backend, []backends.Device, Descriptor) {
	var gpus []simulated.DeviceSpec
	for ii := range numGPUs {
		gpus = append(gpus, simulated.GPUSpec("NVIDIA Corporation", []string{"Quadro P1000", "RTX 4090", "A100"}[ii], 5))
	}
	backend := simulated.NewWithTopology(simulated.Topology{Platforms: []simulated.PlatformSpec{
		simulated.NewPlatformSpec("NVIDIA CUDA", gpus...),
	}})
	platforms, err := backend.Platforms()
	require.NoError(t, err)
	devices, err := backend.Devices(platforms[0])
	require.NoError(t, err)

	root := t.TempDir()
	sourceRoot := filepath.Join(root, "OpenCL Source")
	require.NoError(t, os.MkdirAll(sourceRoot, 0o755))
	require.NoError(t, os.WriteFile(filepath.Join(sourceRoot, "saxpy.cl"), []byte(saxpySource), 0o644))
	return backend, devices, Descriptor{
		SourceRoot:  sourceRoot,
		SourceFiles: []string{"saxpy.cl"},
		Options:     "-Werror -cl-std=CL2.0",
		BinaryRoot:  filepath.Join(root, "OpenCL Binaries"),
		BinaryName:  "saxpy_OpenClBinary_Release.cl.bin",
	}
}

func newContext(t *testing.T, backend *simulated.Backend, devices ...backends.Device) *execution.Context {
	platforms, err := backend.Platforms()
	require.NoError(t, err)
	ctx, err := execution.Create(backend, platforms[0], devices)
	require.NoError(t, err)
	t.Cleanup(func() { require.NoError(t, ctx.Release()) })
	return ctx
}

func build(t *testing.T, ctx *execution.Context, desc Descriptor, settings config.Settings) *Program {
	p, err := Build(ctx, desc, settings)
	require.NoError(t, err)
	t.Cleanup(func() { require.NoError(t, p.Release()) })
	return p
}

func cachedPaths(t *testing.T, p *Program, devices []backends.Device) []string {
	require.NotNil(t, p.Cache())
	var paths []string
	for _, device := range devices {
		path, err := p.Cache().Path(device)
		require.NoError(t, err)
		paths = append(paths, path)
	}
	return paths
}

func TestRoundTrip(t *testing.T) {
	backend, devices, desc := setup(t, 2)
	ctx := newContext(t, backend, devices...)

	p := build(t, ctx, desc, config.ReleaseSettings())
	assert.Equal(t, FromSource, p.Provenance())
	assert.Equal(t, []State{Init, BinaryAttempt, BuildFromSource, Compiling, Succeeded, Persisting}, p.Trace())
	for _, path := range cachedPaths(t, p, devices) {
		assert.FileExists(t, path)
	}
	assert.Equal(t, 1, backend.Stats().SourceCompilations)

	p = build(t, ctx, desc, config.ReleaseSettings())
	assert.Equal(t, FromBinary, p.Provenance())
	assert.Equal(t, []State{Init, BinaryAttempt, BuildFromBinary, Compiling, Succeeded}, p.Trace())
	stats := backend.Stats()
	assert.Equal(t, 1, stats.SourceCompilations)
	assert.Equal(t, 1, stats.BinaryBuilds)
	_, err := backend.CreateKernel(p.Handle(), "saxpy")
	require.NoError(t, err)
}

func TestUnanimity(t *testing.T) {
	backend, devices, desc := setup(t, 2)

	// Populate the cache only for the first device.
	p := build(t, newContext(t, backend, devices[0]), desc, config.ReleaseSettings())
	require.Equal(t, FromSource, p.Provenance())
	paths := cachedPaths(t, p, devices)
	assert.FileExists(t, paths[0])
	assert.NoFileExists(t, paths[1])

	// A cache hit for one of two devices builds both from source, and fills the cache for both.
	p = build(t, newContext(t, backend, devices...), desc, config.ReleaseSettings())
	assert.Equal(t, FromSource, p.Provenance())
	assert.Equal(t, []State{Init, BinaryAttempt, BuildFromSource, Compiling, Succeeded, Persisting}, p.Trace())
	assert.Equal(t, 2, backend.Stats().SourceCompilations)
	assert.Equal(t, 0, backend.Stats().BinaryPrograms)
	assert.FileExists(t, paths[1])

	p = build(t, newContext(t, backend, devices...), desc, config.ReleaseSettings())
	assert.Equal(t, FromBinary, p.Provenance())
	assert.Equal(t, 2, backend.Stats().SourceCompilations)
}

func TestCorruptBinary(t *testing.T) {
	backend, devices, desc := setup(t, 2)
	ctx := newContext(t, backend, devices...)
	p := build(t, ctx, desc, config.ReleaseSettings())
	paths := cachedPaths(t, p, devices)

	// Swap binaries between devices: both are well-formed, but for the wrong device.
	first, err := os.ReadFile(paths[0])
	require.NoError(t, err)
	second, err := os.ReadFile(paths[1])
	require.NoError(t, err)
	require.NoError(t, os.WriteFile(paths[0], second, 0o644))
	require.NoError(t, os.WriteFile(paths[1], []byte("garbage"), 0o644))

	p = build(t, ctx, desc, config.ReleaseSettings())
	assert.Equal(t, FromSource, p.Provenance())
	assert.Equal(t, []State{Init, BinaryAttempt, BuildFromBinary, BuildFromSource, Compiling, Succeeded, Persisting},
		p.Trace())
	assert.Equal(t, 2, backend.Stats().SourceCompilations)

	// The cache was repaired.
	repaired, err := os.ReadFile(paths[0])
	require.NoError(t, err)
	assert.Equal(t, first, repaired)
	p = build(t, ctx, desc, config.ReleaseSettings())
	assert.Equal(t, FromBinary, p.Provenance())
}

func TestCacheReadErrorFallsBack(t *testing.T) {
	backend, devices, desc := setup(t, 2)
	ctx := newContext(t, backend, devices...)
	p := build(t, ctx, desc, config.ReleaseSettings())
	paths := cachedPaths(t, p, devices)

	// A directory in place of the second device's binary makes reading it fail with an I/O error.
	require.NoError(t, os.Remove(paths[1]))
	require.NoError(t, os.Mkdir(paths[1], 0o755))

	p, err := Build(ctx, desc, config.ReleaseSettings())
	require.NoError(t, err)
	t.Cleanup(func() { require.NoError(t, p.Release()) })
	assert.Equal(t, FromSource, p.Provenance())
	assert.Equal(t, []State{Init, BinaryAttempt, BuildFromSource, Compiling, Succeeded, Persisting}, p.Trace())
	assert.Equal(t, 2, backend.Stats().SourceCompilations)
	assert.Equal(t, 0, backend.Stats().BinaryPrograms)
	assert.DirExists(t, paths[1])
	_, err = backend.CreateKernel(p.Handle(), "saxpy")
	require.NoError(t, err)
}

func TestForceSourceAndNoCaching(t *testing.T) {
	backend, devices, desc := setup(t, 1)
	ctx := newContext(t, backend, devices...)
	build(t, ctx, desc, config.ReleaseSettings())

	settings := config.ReleaseSettings()
	settings.ForceSource = true
	p := build(t, ctx, desc, settings)
	assert.Equal(t, FromSource, p.Provenance())
	assert.Equal(t, []State{Init, BuildFromSource, Compiling, Succeeded, Persisting}, p.Trace())

	p = build(t, ctx, desc, config.DebugSettings())
	assert.Equal(t, FromSource, p.Provenance())
	assert.Equal(t, 3, backend.Stats().SourceCompilations)

	// Caching disabled: nothing is read or written.
	noCacheDesc := desc
	noCacheDesc.BinaryRoot = filepath.Join(t.TempDir(), "unused")
	p = build(t, ctx, noCacheDesc, config.Settings{})
	assert.Nil(t, p.Cache())
	assert.Equal(t, []State{Init, BuildFromSource, Compiling, Succeeded}, p.Trace())
	assert.NoDirExists(t, noCacheDesc.BinaryRoot)

	noCacheDesc.BinaryName = ""
	p = build(t, ctx, noCacheDesc, config.ReleaseSettings())
	assert.Nil(t, p.Cache())
}

func TestPersistFailureIsolation(t *testing.T) {
	backend, devices, desc := setup(t, 1)
	ctx := newContext(t, backend, devices...)
	blocker := filepath.Join(t.TempDir(), "not-a-dir")
	require.NoError(t, os.WriteFile(blocker, []byte("x"), 0o644))
	desc.BinaryRoot = filepath.Join(blocker, "OpenCL Binaries")

	p := build(t, ctx, desc, config.ReleaseSettings())
	assert.Equal(t, FromSource, p.Provenance())
	assert.Equal(t, []State{Init, BinaryAttempt, BuildFromSource, Compiling, Succeeded, Persisting}, p.Trace())
	_, err := backend.CreateKernel(p.Handle(), "saxpy")
	require.NoError(t, err)
}

func TestSourceReadFailure(t *testing.T) {
	backend, devices, desc := setup(t, 1)
	ctx := newContext(t, backend, devices...)
	desc.SourceFiles = []string{"saxpy.cl", "missing.cl"}
	_, err := Build(ctx, desc, config.ReleaseSettings())
	require.Error(t, err)
	assert.True(t, failures.Is(err, failures.SourceRead))
	assert.Contains(t, err.Error(), "missing.cl")
	assert.Equal(t, 0, backend.Stats().SourceCompilations)
	assert.Equal(t, 0, backend.NumPrograms())

	desc.SourceFiles = nil
	desc.SourceRoot = t.TempDir()
	_, err = Build(ctx, desc, config.ReleaseSettings())
	assert.True(t, failures.Is(err, failures.SourceRead))
}

func TestSourceDirectoryListing(t *testing.T) {
	backend, devices, desc := setup(t, 1)
	ctx := newContext(t, backend, devices...)
	require.NoError(t, os.WriteFile(filepath.Join(desc.SourceRoot, "axpby.cl"),
		[]byte("__kernel void axpby(float a, float b) {}\n"), 0o644))
	desc.SourceFiles = nil
	p := build(t, ctx, desc, config.Settings{})
	for _, name := range []string{"axpby", "saxpy"} {
		_, err := backend.CreateKernel(p.Handle(), name)
		require.NoError(t, err, "kernel %q", name)
	}
}

func TestBuildFailure(t *testing.T) {
	backend, devices, desc := setup(t, 2)
	ctx := newContext(t, backend, devices...)
	require.NoError(t, backend.SetRejectBuilds(devices[1], true))

	_, err := Build(ctx, desc, config.ReleaseSettings())
	require.Error(t, err)
	assert.True(t, failures.Is(err, failures.Build))
	require.ErrorIs(t, err, backends.ErrBuildProgramFailure)
	var buildErr *BuildError
	require.True(t, errors.As(err, &buildErr))
	require.Len(t, buildErr.Logs, 1)
	assert.Equal(t, devices[1], buildErr.Logs[0].Device)
	assert.Equal(t, "RTX 4090", buildErr.Logs[0].Name)
	assert.Equal(t, backends.BuildError, buildErr.Logs[0].Status)
	assert.Contains(t, buildErr.Logs[0].Log, "refuses to build")
	assert.Equal(t, 0, backend.NumPrograms())

	// Nothing was cached.
	assert.NoDirExists(t, desc.BinaryRoot)

	// Source errors fail every device, each with its own log.
	require.NoError(t, backend.SetRejectBuilds(devices[1], false))
	require.NoError(t, os.WriteFile(filepath.Join(desc.SourceRoot, "saxpy.cl"),
		[]byte("#error missing semicolon\n"+saxpySource), 0o644))
	_, err = Build(ctx, desc, config.ReleaseSettings())
	require.True(t, errors.As(err, &buildErr))
	require.Len(t, buildErr.Logs, 2)
	for ii, log := range buildErr.Logs {
		assert.Equal(t, devices[ii], log.Device)
		assert.Contains(t, log.Log, "missing semicolon")
	}
	assert.Equal(t, 2, backend.Stats().FailedBuilds)
}
