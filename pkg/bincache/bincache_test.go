// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

package bincache

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/gomlx/kernelforge/backends"
	"github.com/gomlx/kernelforge/backends/simulated"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestDerivePath(t *testing.T) {
	id := Identity{Vendor: "NVIDIA Corporation", UniqueID: "QuadroP1000"}
	want := filepath.Join("cache", "NVIDIA Corporation", "QuadroP1000", "saxpy.bin")
	for range 3 {
		assert.Equal(t, want, DerivePath("cache", id, "saxpy.bin"))
	}

	// Each of vendor, unique id and file name is exactly one path component.
	assert.Equal(t, filepath.Join("cache", "A%2FB", "%", "..%2Fx%2Fy"),
		DerivePath("cache", Identity{Vendor: "A/B", UniqueID: ""}, "../x/y"))
	got := DerivePath("cache", Identity{Vendor: "A\\B", UniqueID: ".."}, "x/y")
	assert.Equal(t, filepath.Join("cache", "A%5CB", "%2E%2E", "x%2Fy"), got)
}

func TestDerivePathDistinct(t *testing.T) {
	names := []string{"", "%", "_", ".", "..", "__", "%2E", "%2E%2E", "A/B", "A_B", "A%2FB", "A\\B", "A%5CB", "a\x00b"}
	seen := make(map[string]string, len(names))
	for _, name := range names {
		component := escapeComponent(name)
		assert.NotContains(t, component, "/", "name %q", name)
		assert.NotContains(t, component, "\\", "name %q", name)
		assert.NotEqual(t, ".", component, "name %q", name)
		assert.NotEqual(t, "..", component, "name %q", name)
		if previous, found := seen[component]; found {
			t.Errorf("names %q and %q both map to %q", previous, name, component)
		}
		seen[component] = name
	}
	assert.NotEqual(t, DerivePath("cache", Identity{Vendor: "A/B", UniqueID: "x"}, "f"),
		DerivePath("cache", Identity{Vendor: "A_B", UniqueID: "x"}, "f"))
}

func TestIdentity(t *testing.T) {
	backend := simulated.New("P=gpu*2,cpu").(*simulated.Backend)
	platforms, err := backend.Platforms()
	require.NoError(t, err)
	devices, err := backend.Devices(platforms[0])
	require.NoError(t, err)

	id0, err := AttributesIdentity(backend, devices[0])
	require.NoError(t, err)
	id0Again, err := AttributesIdentity(backend, devices[0])
	require.NoError(t, err)
	assert.Equal(t, id0, id0Again)
	assert.Equal(t, "P", id0.Vendor)
	assert.Len(t, id0.UniqueID, 16)

	// Different device names yield different identities.
	id1, err := AttributesIdentity(backend, devices[1])
	require.NoError(t, err)
	id2, err := AttributesIdentity(backend, devices[2])
	require.NoError(t, err)
	assert.NotEqual(t, id0, id1)
	assert.NotEqual(t, id1, id2)

	fixed, err := FixedIdentity("QuadroP1000")(backend, devices[2])
	require.NoError(t, err)
	assert.Equal(t, Identity{Vendor: "P", UniqueID: "QuadroP1000"}, fixed)

	_, err = AttributesIdentity(backend, backends.Device(9999))
	require.ErrorIs(t, err, backends.ErrInvalidHandle)
}

func TestLoadAndStore(t *testing.T) {
	backend := simulated.NewWithTopology(simulated.DefaultTopology())
	platforms, err := backend.Platforms()
	require.NoError(t, err)
	devices, err := backend.Devices(platforms[0])
	require.NoError(t, err)
	device := devices[0]

	cache := New(backend, t.TempDir(), "saxpy_OpenClBinary_Release.cl.bin")
	cache.Identity = FixedIdentity("QuadroP1000")
	path, err := cache.Path(device)
	require.NoError(t, err)
	assert.Equal(t, filepath.Join(cache.Root, "NVIDIA Corporation", "QuadroP1000", cache.FileName), path)

	// Absent.
	binary, found, err := cache.TryLoad(device)
	require.NoError(t, err)
	assert.False(t, found)
	assert.Nil(t, binary)

	// Store creates the directories, and overwrites with shorter content.
	require.NoError(t, cache.Store(device, []byte("a much longer first binary")))
	require.NoError(t, cache.Store(device, []byte("second")))
	binary, found, err = cache.TryLoad(device)
	require.NoError(t, err)
	assert.True(t, found)
	assert.Equal(t, "second", string(binary))

	// A directory in place of the file is an I/O error, not an absence.
	otherCache := New(backend, cache.Root, "dir.bin")
	otherCache.Identity = cache.Identity
	otherPath, err := otherCache.Path(device)
	require.NoError(t, err)
	require.NoError(t, os.MkdirAll(otherPath, 0o755))
	_, found, err = otherCache.TryLoad(device)
	require.Error(t, err)
	assert.False(t, found)
}

func TestStoreFailure(t *testing.T) {
	backend := simulated.NewWithTopology(simulated.DefaultTopology())
	platforms, err := backend.Platforms()
	require.NoError(t, err)
	devices, err := backend.Devices(platforms[0])
	require.NoError(t, err)

	// A cache root under a regular file can't be created, even when running as root.
	blocker := filepath.Join(t.TempDir(), "not-a-dir")
	require.NoError(t, os.WriteFile(blocker, []byte("x"), 0o644))
	cache := New(backend, filepath.Join(blocker, "cache"), "saxpy.bin")
	require.Error(t, cache.Store(devices[0], []byte("binary")))
	_, found, err := cache.TryLoad(devices[0])
	require.Error(t, err)
	assert.False(t, found)
}
