// Package backends defines the interface a compute runtime (OpenCL-like: platforms exposing devices, programs
// compiled from source or loaded from binaries, kernels created by entry-point name) needs to implement to be
// used by kernelforge.
//
// Backends register themselves during initialization with Register, and are created with New or NewWithConfig.
//
// Unlike the higher level packages, backend constructors are expected to throw (panic) with a stack trace on
// configuration errors. See package github.com/gomlx/exceptions. Use TryNew to get an error instead.
package backends

import (
	"maps"
	"os"
	"slices"
	"strings"

	"github.com/gomlx/exceptions"
	"github.com/pkg/errors"
)

// Backend is the API that needs to be implemented by a kernelforge backend.
//
// All methods are synchronous. Handles returned by the backend are only meaningful to the backend that
// created them.
type Backend interface {
	// Name returns the short name of the backend. E.g.: "simulated".
	Name() string

	// Description is a longer description of the Backend that can be used to pretty-print.
	Description() string

	// TopologyInterface enumerates platforms and devices and queries their attributes.
	TopologyInterface

	// ContextInterface creates and queries execution contexts.
	ContextInterface

	// ProgramInterface creates, builds and queries programs and their kernels.
	ProgramInterface

	// Finalize releases all the associated resources immediately, and makes the backend invalid.
	Finalize()
}

// TopologyInterface is the sub-interface of Backend that enumerates the available hardware.
type TopologyInterface interface {
	// Platforms lists every platform, in a backend defined order.
	Platforms() ([]Platform, error)

	// PlatformInfo returns the string value of a platform attribute.
	PlatformInfo(platform Platform, attr PlatformAttribute) (string, error)

	// Devices lists every device (of any class) of the platform, in a backend defined order.
	Devices(platform Platform) ([]Device, error)

	// DeviceInfo returns the string value of a string valued device attribute.
	DeviceInfo(device Device, attr DeviceAttribute) (string, error)

	// DeviceUint returns the value of a scalar device attribute.
	DeviceUint(device Device, attr DeviceAttribute) (uint64, error)
}

// ContextInterface is the sub-interface of Backend that manages execution contexts.
type ContextInterface interface {
	// CreateContext binds the platform and the given devices. The devices must belong to the platform.
	CreateContext(platform Platform, devices []Device) (Context, error)

	// ContextDevices returns the devices of the context, in the order given at creation.
	ContextDevices(context Context) ([]Device, error)

	// ReleaseContext frees the context. Using it afterward is an error.
	ReleaseContext(context Context) error
}

// ProgramInterface is the sub-interface of Backend that manages programs and kernels.
type ProgramInterface interface {
	// CreateProgramWithSource creates a program for all devices of the context from the concatenation
	// of the given sources, in the given order.
	CreateProgramWithSource(context Context, sources []string) (Program, error)

	// CreateProgramWithBinary creates a program from one binary per device. The statuses are reported
	// per device, in the order of devices. If any binary is rejected, it returns an error matching
	// ErrInvalidBinary along with the statuses, and no program is created.
	CreateProgramWithBinary(context Context, devices []Device, binaries [][]byte) (Program, []BinaryStatus, error)

	// BuildProgram compiles (for source programs) or links (for binary programs) the program for the given
	// devices, with an opaque options string. A compilation failure for any device returns an error matching
	// ErrBuildProgramFailure; details are then available per device with ProgramBuildStatus and ProgramBuildLog.
	BuildProgram(program Program, devices []Device, options string) error

	// ProgramBuildStatus returns the build status of the program for one device.
	ProgramBuildStatus(program Program, device Device) (BuildStatus, error)

	// ProgramBuildLog returns the build log of the program for one device.
	ProgramBuildLog(program Program, device Device) (string, error)

	// ProgramDevices returns the devices the program is associated with.
	ProgramDevices(program Program) ([]Device, error)

	// ProgramBinaries returns one compiled binary per device, in the order of ProgramDevices.
	ProgramBinaries(program Program) ([][]byte, error)

	// ReleaseProgram frees the program.
	ReleaseProgram(program Program) error

	// CreateKernel creates a kernel for the named entry point of a built program.
	// It returns an error matching ErrInvalidKernelName if there is no such entry point.
	CreateKernel(program Program, name string) (Kernel, error)

	// ReleaseKernel frees the kernel.
	ReleaseKernel(kernel Kernel) error
}

// Constructor takes a config string (optionally empty) and returns a Backend.
type Constructor func(config string) Backend

var (
	registeredConstructors = make(map[string]Constructor)
	firstRegistered        string
)

// Register backend with the given name, and a default constructor that takes as input a configuration string that is
// passed along to the backend constructor.
//
// To be safe, call Register during initialization of a package.
func Register(name string, constructor Constructor) {
	if len(registeredConstructors) == 0 {
		firstRegistered = name
	}
	registeredConstructors[name] = constructor
}

// Available returns the names of the registered backends, sorted.
func Available() []string {
	return slices.Sorted(maps.Keys(registeredConstructors))
}

// DefaultConfig is the name of the default backend configuration to use if specified.
//
// See NewWithConfig for the format of the configuration string.
var DefaultConfig string

// KERNELFORGE_BACKEND is the environment variable with the default backend configuration to use.
//
// The format of config is "<backend_name>:<backend_configuration>".
// The "<backend_name>" is the name of a registered backend (e.g.: "simulated") and
// "<backend_configuration>" is backend specific (e.g.: for the simulated backend, the topology to emulate).
const KERNELFORGE_BACKEND = "KERNELFORGE_BACKEND"

// New returns a new default Backend.
//
// The default is:
//
// 1. The environment KERNELFORGE_BACKEND is used as a configuration if defined.
// 2. Next the variable DefaultConfig is used as a configuration if defined.
// 3. The first registered backend is used with an empty configuration.
//
// It panics if no backend was registered.
func New() Backend {
	config, found := os.LookupEnv(KERNELFORGE_BACKEND)
	if found {
		return NewWithConfig(config)
	}
	if DefaultConfig != "" {
		return NewWithConfig(DefaultConfig)
	}
	return NewWithConfig("")
}

// NewWithConfig takes a configuration string formatted as "<backend_name>:<backend_configuration>".
//
// The "<backend_name>" is the name of a registered backend (e.g.: "simulated") and
// "<backend_configuration>" is backend specific. If there is no ":" the whole string is passed
// as configuration to the first registered backend.
func NewWithConfig(config string) Backend {
	if len(registeredConstructors) == 0 {
		exceptions.Panicf(`no registered backends for kernelforge -- maybe import the simulated one with import _ "github.com/gomlx/kernelforge/backends/simulated"?`)
	}
	backendName := firstRegistered
	backendConfig := config
	if idx := strings.Index(config, ":"); idx != -1 {
		backendName = config[:idx]
		backendConfig = config[idx+1:]
	}
	constructor, found := registeredConstructors[backendName]
	if !found {
		exceptions.Panicf("can't find backend %q for configuration %q given, registered backends: %q",
			backendName, config, Available())
	}
	return constructor(backendConfig)
}

// TryNew is like NewWithConfig, but returns an error instead of panicking.
// An empty config behaves like New.
func TryNew(config string) (backend Backend, err error) {
	err = exceptions.TryCatch[error](func() {
		if config == "" {
			backend = New()
			return
		}
		backend = NewWithConfig(config)
	})
	if err != nil {
		return nil, errors.WithMessagef(err, "failed to create backend for configuration %q", config)
	}
	return backend, nil
}
