package simulated

import (
	"strconv"
	"strings"

	"github.com/gomlx/kernelforge/backends"
	"github.com/pkg/errors"
)

// Topology describes the platforms and devices the simulated backend exposes.
type Topology struct {
	Platforms []PlatformSpec

	// FailPlatformEnumeration makes Backend.Platforms fail.
	FailPlatformEnumeration bool
}

// PlatformSpec describes one simulated platform.
type PlatformSpec struct {
	Name, Vendor, Profile, Version string
	Extensions                     []string
	Devices                        []DeviceSpec

	// FailDeviceEnumeration makes Backend.Devices fail for this platform.
	FailDeviceEnumeration bool
}

// DeviceSpec describes one simulated device.
type DeviceSpec struct {
	Name, Vendor, Version, DriverVersion string
	Class                                backends.DeviceClass
	ComputeUnits                         uint64
	GlobalMemSize                        uint64
	HostUnifiedMemory                    bool

	// RejectBuilds makes every build for this device fail, with a device specific build log.
	RejectBuilds bool
}

const (
	// FullProfile is the profile string of a conformant platform.
	FullProfile = "FULL_PROFILE"

	// EmbeddedProfile is the profile string of a platform that implements a subset of the API.
	EmbeddedProfile = "EMBEDDED_PROFILE"
)

// Well known vendor strings, keyed by platform name.
var knownVendors = map[string]string{
	"NVIDIA CUDA":                         "NVIDIA Corporation",
	"AMD Accelerated Parallel Processing": "Advanced Micro Devices, Inc.",
	"Intel(R) OpenCL":                     "Intel(R) Corporation",
	"Portable Computing Language":         "The pocl project",
}

// DefaultTopology is one NVIDIA platform with one GPU.
func DefaultTopology() Topology {
	return Topology{Platforms: []PlatformSpec{
		NewPlatformSpec("NVIDIA CUDA", GPUSpec("NVIDIA Corporation", "Quadro P1000", 5)),
	}}
}

// NewPlatformSpec returns a FULL_PROFILE platform with the given devices. The vendor is derived from the
// platform name for well known platforms.
func NewPlatformSpec(name string, devices ...DeviceSpec) PlatformSpec {
	vendor, found := knownVendors[name]
	if !found {
		vendor = name
	}
	return PlatformSpec{
		Name:       name,
		Vendor:     vendor,
		Profile:    FullProfile,
		Version:    "OpenCL 3.0 simulated",
		Extensions: []string{"cl_khr_global_int32_base_atomics", "cl_khr_fp64"},
		Devices:    devices,
	}
}

// GPUSpec returns a GPU device spec.
func GPUSpec(vendor, name string, computeUnits uint64) DeviceSpec {
	return DeviceSpec{
		Name:          name,
		Vendor:        vendor,
		Version:       "OpenCL 3.0",
		DriverVersion: "1.0.0",
		Class:         backends.DeviceClassGPU,
		ComputeUnits:  computeUnits,
		GlobalMemSize: 4 << 30,
	}
}

// CPUSpec returns a CPU device spec.
func CPUSpec(vendor, name string, computeUnits uint64) DeviceSpec {
	return DeviceSpec{
		Name:              name,
		Vendor:            vendor,
		Version:           "OpenCL 3.0",
		DriverVersion:     "1.0.0",
		Class:             backends.DeviceClassCPU,
		ComputeUnits:      computeUnits,
		GlobalMemSize:     16 << 30,
		HostUnifiedMemory: true,
	}
}

// ParseTopology parses a topology configuration of the form
//
//	<platform name>=<class>*<count>[,<class>*<count>...][;<platform name>=...]
//
// E.g.: "NVIDIA CUDA=gpu*2;AMD Accelerated Parallel Processing=gpu*3,cpu*1". A "*<count>" omitted means 1.
// An empty configuration returns DefaultTopology.
func ParseTopology(config string) (Topology, error) {
	config = strings.TrimSpace(config)
	if config == "" {
		return DefaultTopology(), nil
	}
	var topology Topology
	for _, platformConfig := range strings.Split(config, ";") {
		platformConfig = strings.TrimSpace(platformConfig)
		if platformConfig == "" {
			continue
		}
		name, devicesConfig, _ := strings.Cut(platformConfig, "=")
		name = strings.TrimSpace(name)
		if name == "" {
			return Topology{}, errors.Errorf("missing platform name in %q", platformConfig)
		}
		platformSpec := NewPlatformSpec(name)
		for _, deviceConfig := range strings.Split(devicesConfig, ",") {
			deviceConfig = strings.TrimSpace(deviceConfig)
			if deviceConfig == "" {
				continue
			}
			className, countStr, hasCount := strings.Cut(deviceConfig, "*")
			class, err := backends.ParseDeviceClass(className)
			if err != nil {
				return Topology{}, errors.WithMessagef(err, "platform %q", name)
			}
			count := 1
			if hasCount {
				count, err = strconv.Atoi(strings.TrimSpace(countStr))
				if err != nil || count < 0 {
					return Topology{}, errors.Errorf("invalid device count %q for platform %q", countStr, name)
				}
			}
			for range count {
				idx := len(platformSpec.Devices)
				deviceName := name + " " + class.String() + " #" + strconv.Itoa(idx)
				var spec DeviceSpec
				if class == backends.DeviceClassCPU {
					spec = CPUSpec(platformSpec.Vendor, deviceName, 8)
				} else {
					spec = GPUSpec(platformSpec.Vendor, deviceName, 16)
					spec.Class = class
				}
				platformSpec.Devices = append(platformSpec.Devices, spec)
			}
		}
		topology.Platforms = append(topology.Platforms, platformSpec)
	}
	return topology, nil
}
