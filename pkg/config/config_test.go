// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

package config

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/gomlx/kernelforge/backends"
	"github.com/gomlx/kernelforge/pkg/platform"
	"github.com/gomlx/kernelforge/pkg/selection"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestSettings(t *testing.T) {
	debug := DebugSettings()
	assert.True(t, debug.DisplayPlatformInfo)
	assert.True(t, debug.DisplayDeviceInfo)
	assert.True(t, debug.EnableBinaryCaching)
	assert.True(t, debug.ForceSource)
	assert.Equal(t, Settings{EnableBinaryCaching: true}, ReleaseSettings())
	assert.Equal(t, debug, DefaultSettings(Debug))

	mode, err := ParseMode(" Release ")
	require.NoError(t, err)
	assert.Equal(t, Release, mode)
	_, err = ParseMode("profile")
	require.Error(t, err)
}

func TestDefaultPlan(t *testing.T) {
	plan := DefaultPlan("/work", Release)
	assert.Equal(t, "/work/OpenCL Source", plan.Program.SourceRoot)
	assert.Equal(t, "/work/OpenCL Binaries", plan.Program.BinaryRoot)
	assert.Equal(t, "saxpy_OpenClBinary_Release.cl.bin", plan.Program.BinaryName)
	assert.Equal(t, "-Werror -cl-std=CL2.0", plan.Program.Options)
	plan = DefaultPlan("/work", Debug)
	assert.Equal(t, "saxpy_OpenClBinary_Debug.cl.bin", plan.Program.BinaryName)
	assert.Contains(t, plan.Program.Options, "-D DEBUG")
	assert.True(t, plan.Settings.ForceSource)
}

func TestLoadExample(t *testing.T) {
	configPath := filepath.Join("..", "..", "examples", "saxpy", "saxpy.hcl")
	configDir, err := filepath.Abs(filepath.Dir(configPath))
	require.NoError(t, err)

	for _, mode := range []Mode{Debug, Release} {
		plan, err := Load(configPath, mode)
		require.NoError(t, err)
		assert.Equal(t, DefaultPlan(configDir, mode), plan, "mode=%s", mode)
	}
}

func writeDescriptor(t *testing.T, contents string) string {
	path := filepath.Join(t.TempDir(), "build.hcl")
	require.NoError(t, os.WriteFile(path, []byte(contents), 0o644))
	return path
}

func TestLoad(t *testing.T) {
	path := writeDescriptor(t, `
platform {
  names = ["NVIDIA CUDA", "AMD Accelerated Parallel Processing"]
}
device {
  class = "gpu|accelerator"
}
strategy = "most_compute_units"
backend  = "simulated:NVIDIA CUDA=gpu*2"
settings {
  display_device_info = true
  force_source        = mode == "debug"
}
program "blas" {
  source_root     = "/src/${mode}"
  binary_root     = "cache"
  device_identity = "QuadroP1000"
  variant "release" {
    options     = "-cl-std=CL2.0"
    binary_name = "blas_${mode}.bin"
  }
  variant "debug" {
    options = "-g"
  }
}
`)
	plan, err := Load(path, Release)
	require.NoError(t, err)
	assert.Equal(t, platform.Requirements{Profile: platform.FullProfile,
		Names: []string{platform.NvidiaPlatformName, platform.AMDPlatformName}}, plan.Platforms)
	assert.Equal(t, backends.DeviceClassGPU|backends.DeviceClassAccelerator, plan.Devices.Class)
	assert.Equal(t, Settings{DisplayDeviceInfo: true, EnableBinaryCaching: true}, plan.Settings)
	assert.Equal(t, "/src/release", plan.Program.SourceRoot)
	assert.Empty(t, plan.Program.SourceFiles)
	assert.Equal(t, filepath.Join(filepath.Dir(path), "cache"), plan.Program.BinaryRoot)
	assert.Equal(t, "blas_release.bin", plan.Program.BinaryName)
	assert.Equal(t, "QuadroP1000", plan.Program.DeviceIdentity)
	assert.Equal(t, "simulated:NVIDIA CUDA=gpu*2", plan.Backend)
	strategy, err := plan.NewStrategy()
	require.NoError(t, err)
	assert.IsType(t, selection.MostComputeUnits{}, strategy)

	plan, err = Load(path, Debug)
	require.NoError(t, err)
	assert.True(t, plan.Settings.ForceSource)
	assert.Equal(t, "-g", plan.Program.Options)
	assert.Empty(t, plan.Program.BinaryName)
}

func TestLoadErrors(t *testing.T) {
	for name, contents := range map[string]string{
		"syntax":           `program "x" {`,
		"missing program":  `strategy = "most_gpus"`,
		"unknown strategy": `strategy = "random"` + "\n" + `program "x" { source_root = "s" }`,
		"unknown class":    `device { class = "fpga" }` + "\n" + `program "x" { source_root = "s" }`,
		"missing variant":  `program "x" { source_root = "s" }`,
		"unknown variable": `program "x" { source_root = var.root }`,
	} {
		_, err := Load(writeDescriptor(t, contents), Release)
		require.Error(t, err, "case %q", name)
	}
	_, err := Load(filepath.Join(t.TempDir(), "missing.hcl"), Release)
	require.ErrorIs(t, err, os.ErrNotExist)
	assert.Contains(t, err.Error(), "not found")
}
