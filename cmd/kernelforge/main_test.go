package main

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/gomlx/kernelforge/backends"
	"github.com/gomlx/kernelforge/backends/simulated"
	"github.com/gomlx/kernelforge/pkg/config"
	"github.com/gomlx/kernelforge/pkg/failures"
	"github.com/gomlx/kernelforge/pkg/pipeline"
	"github.com/pkg/errors"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLoadPlan(t *testing.T) {
	*flagConfig = filepath.Join("..", "..", "examples", "saxpy", "saxpy.hcl")
	*flagMode = "debug"
	defer func() { *flagConfig, *flagMode = "", string(config.Release) }()
	plan, err := loadPlan()
	require.NoError(t, err)
	assert.Equal(t, config.Debug, plan.Mode)
	assert.Equal(t, "saxpy_OpenClBinary_Debug.cl.bin", plan.Program.BinaryName)

	*flagMode = "profile"
	_, err = loadPlan()
	require.Error(t, err)
}

func TestNewBackendFromDescriptor(t *testing.T) {
	if _, found := os.LookupEnv(backends.KERNELFORGE_BACKEND); found {
		t.Skipf("$%s is set, it takes precedence over the descriptor", backends.KERNELFORGE_BACKEND)
	}
	defer func(saved string) { backends.DefaultConfig = saved }(backends.DefaultConfig)
	plan := config.DefaultPlan(t.TempDir(), config.Release)
	plan.Backend = "simulated:Custom Platform=gpu*3"
	backend, err := newBackend(plan)
	require.NoError(t, err)
	defer backend.Finalize()
	assert.Equal(t, plan.Backend, backends.DefaultConfig)
	platforms, err := backend.Platforms()
	require.NoError(t, err)
	require.Len(t, platforms, 1)
	name, err := backend.PlatformInfo(platforms[0], backends.PlatformName)
	require.NoError(t, err)
	assert.Equal(t, "Custom Platform", name)
	devices, err := backend.Devices(platforms[0])
	require.NoError(t, err)
	assert.Len(t, devices, 3)
}

func TestExitCode(t *testing.T) {
	buildErr := failures.New(failures.Build, errors.New("syntax error"), "build program %q", "saxpy")
	assert.Equal(t, exitPipelineFailure, exitCode(errors.WithMessage(buildErr, "acquire")))
	assert.Equal(t, exitPipelineFailure, exitCode(failures.New(failures.Enumeration, nil, "enumerate platforms")))
	assert.Equal(t, exitFailure, exitCode(failures.New(failures.CachePersist, nil, "store binary")))
	assert.Equal(t, exitFailure, exitCode(errors.New("unclassified")))
}

func TestReports(t *testing.T) {
	backend := simulated.New("NVIDIA CUDA=gpu*2;Portable Computing Language=cpu").(*simulated.Backend)
	listTopology(backend)

	plan, err := config.Load(filepath.Join("..", "..", "examples", "saxpy", "saxpy.hcl"), config.Release)
	require.NoError(t, err)
	plan.Program.BinaryRoot = t.TempDir()
	resources, ok, err := pipeline.Acquire(backend, plan)
	require.NoError(t, err)
	require.True(t, ok)
	defer func() { require.NoError(t, resources.Release()) }()
	reportResources(backend, plan, resources)

	entries, err := os.ReadDir(plan.Program.BinaryRoot)
	require.NoError(t, err)
	assert.NotEmpty(t, entries)
}
