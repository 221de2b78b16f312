package backends

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestDeviceClass(t *testing.T) {
	assert.Equal(t, "gpu", DeviceClassGPU.String())
	assert.Equal(t, "cpu|gpu", (DeviceClassCPU | DeviceClassGPU).String())
	assert.Equal(t, "none", DeviceClass(0).String())

	c, err := ParseDeviceClass("GPU")
	require.NoError(t, err)
	assert.Equal(t, DeviceClassGPU, c)
	c, err = ParseDeviceClass("cpu | accelerator")
	require.NoError(t, err)
	assert.Equal(t, DeviceClassCPU|DeviceClassAccelerator, c)
	_, err = ParseDeviceClass("tpu")
	require.Error(t, err)
}

func TestAttributeNames(t *testing.T) {
	assert.Equal(t, "PROFILE", PlatformProfile.String())
	assert.Equal(t, "GLOBAL_MEM_SIZE", DeviceGlobalMemSize.String())
	assert.Equal(t, "DeviceAttribute(99)", DeviceAttribute(99).String())
	assert.True(t, DeviceVendor.IsString())
	assert.False(t, DeviceMaxComputeUnits.IsString())
}

func TestRegistry(t *testing.T) {
	// Save and restore the registry, so other tests are not affected.
	savedConstructors, savedFirst := registeredConstructors, firstRegistered
	defer func() { registeredConstructors, firstRegistered = savedConstructors, savedFirst }()
	registeredConstructors = make(map[string]Constructor)
	firstRegistered = ""

	require.Panics(t, func() { NewWithConfig("") })
	_, err := TryNew("whatever:config")
	require.Error(t, err)

	var gotConfig string
	Register("first", func(config string) Backend {
		gotConfig = config
		return nil
	})
	Register("second", func(config string) Backend {
		gotConfig = "second/" + config
		return nil
	})
	assert.Equal(t, []string{"first", "second"}, Available())

	NewWithConfig("a=b")
	assert.Equal(t, "a=b", gotConfig)
	NewWithConfig("second:x:y")
	assert.Equal(t, "second/x:y", gotConfig)
	require.Panics(t, func() { NewWithConfig("third:") })

	t.Setenv(KERNELFORGE_BACKEND, "second:from-env")
	New()
	assert.Equal(t, "second/from-env", gotConfig)
	_, err = TryNew("")
	require.NoError(t, err)
	assert.Equal(t, "second/from-env", gotConfig)
}
