// Package simulated implements a pure Go, in-memory compute backend for kernelforge.
//
// It emulates a configurable topology of platforms and devices, and a toy compiler: programs are the
// concatenation of their sources, entry points are declared as "__kernel void <name>(", and a line starting
// with "#error" fails the build. Compiled binaries are tied to the device they were compiled for, so loading
// them on a different device is rejected, as a real driver would.
//
// It is used by the tests and by the command line tool when no hardware backend is linked in.
package simulated

import (
	"fmt"
	"strings"
	"sync"
	"sync/atomic"

	"github.com/gomlx/exceptions"
	"github.com/gomlx/kernelforge/backends"
	"github.com/pkg/errors"
)

// BackendName to be used in KERNELFORGE_BACKEND to specify this backend.
const BackendName = "simulated"

// Registers New() as the default constructor for the "simulated" backend.
func init() {
	backends.Register(BackendName, New)
}

// New constructs a new simulated Backend. The config is parsed with ParseTopology.
//
// It panics if the configuration is invalid.
func New(config string) backends.Backend {
	topology, err := ParseTopology(config)
	if err != nil {
		panic(errors.WithMessagef(err, "backend %q", BackendName))
	}
	return NewWithTopology(topology)
}

// Stats counts the work done by the simulated backend.
type Stats struct {
	SourcePrograms, BinaryPrograms int
	SourceCompilations             int
	BinaryBuilds                   int
	FailedBuilds                   int
	KernelsCreated                 int
}

type platformState struct {
	spec    PlatformSpec
	devices []backends.Device
}

type deviceState struct {
	spec     DeviceSpec
	platform backends.Platform
}

type contextState struct {
	platform backends.Platform
	devices  []backends.Device
}

type programState struct {
	context    backends.Context
	devices    []backends.Device
	fromSource bool
	source     string
	binaries   map[backends.Device][]byte
	status     map[backends.Device]backends.BuildStatus
	logs       map[backends.Device]string
	entries    []string
	built      bool
}

type kernelState struct {
	program backends.Program
	name    string
}

// Backend implements the backends.Backend interface.
type Backend struct {
	mu         sync.Mutex
	finalized  atomic.Bool
	failEnum   bool
	nextHandle uint64
	stats      Stats

	platformOrder []backends.Platform
	platforms     map[backends.Platform]*platformState
	devices       map[backends.Device]*deviceState
	contexts      map[backends.Context]*contextState
	programs      map[backends.Program]*programState
	kernels       map[backends.Kernel]*kernelState
}

// Compile-time check that simulated.Backend implements backends.Backend.
var _ backends.Backend = &Backend{}

// NewWithTopology creates a Backend emulating the given topology.
func NewWithTopology(topology Topology) *Backend {
	b := &Backend{
		platforms: make(map[backends.Platform]*platformState),
		devices:   make(map[backends.Device]*deviceState),
		contexts:  make(map[backends.Context]*contextState),
		programs:  make(map[backends.Program]*programState),
		kernels:   make(map[backends.Kernel]*kernelState),
		failEnum:  topology.FailPlatformEnumeration,
	}
	for _, platformSpec := range topology.Platforms {
		platform := backends.Platform(b.newHandle())
		pState := &platformState{spec: platformSpec}
		for _, deviceSpec := range platformSpec.Devices {
			device := backends.Device(b.newHandle())
			b.devices[device] = &deviceState{spec: deviceSpec, platform: platform}
			pState.devices = append(pState.devices, device)
		}
		b.platforms[platform] = pState
		b.platformOrder = append(b.platformOrder, platform)
	}
	return b
}

// newHandle returns a fresh handle value. Handles are never 0.
func (b *Backend) newHandle() uint64 {
	b.nextHandle++
	return b.nextHandle
}

// AssertValid will panic if the backend is not valid: if it's nil or has already been finalized.
func (b *Backend) AssertValid() {
	if b == nil {
		exceptions.Panicf("%q backend is nil", BackendName)
	}
	if b.finalized.Load() {
		exceptions.Panicf("%q backend has already been finalized", BackendName)
	}
}

// Name returns the short name of the backend.
func (b *Backend) Name() string {
	return BackendName
}

// Description is a longer description of the Backend that can be used to pretty-print.
func (b *Backend) Description() string {
	b.mu.Lock()
	defer b.mu.Unlock()
	return fmt.Sprintf("Simulated compute backend (%d platforms, %d devices)", len(b.platforms), len(b.devices))
}

// Finalize releases all the associated resources immediately, and makes the backend invalid.
func (b *Backend) Finalize() {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.finalized.Store(true)
	clear(b.contexts)
	clear(b.programs)
	clear(b.kernels)
}

// Stats returns a copy of the work counters.
func (b *Backend) Stats() Stats {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.stats
}

// SetRejectBuilds changes, after creation, whether builds for the given device fail.
func (b *Backend) SetRejectBuilds(device backends.Device, reject bool) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	d, found := b.devices[device]
	if !found {
		return errors.Wrapf(backends.ErrInvalidHandle, "device %d", device)
	}
	d.spec.RejectBuilds = reject
	return nil
}

// Platforms implements backends.TopologyInterface.
func (b *Backend) Platforms() ([]backends.Platform, error) {
	b.AssertValid()
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.failEnum {
		return nil, errors.Errorf("backend %q: platform enumeration failed", BackendName)
	}
	return append([]backends.Platform(nil), b.platformOrder...), nil
}

// PlatformInfo implements backends.TopologyInterface.
func (b *Backend) PlatformInfo(platform backends.Platform, attr backends.PlatformAttribute) (string, error) {
	b.AssertValid()
	b.mu.Lock()
	defer b.mu.Unlock()
	p, found := b.platforms[platform]
	if !found {
		return "", errors.Wrapf(backends.ErrInvalidHandle, "platform %d", platform)
	}
	switch attr {
	case backends.PlatformProfile:
		return p.spec.Profile, nil
	case backends.PlatformVersion:
		return p.spec.Version, nil
	case backends.PlatformName:
		return p.spec.Name, nil
	case backends.PlatformVendor:
		return p.spec.Vendor, nil
	case backends.PlatformExtensions:
		return strings.Join(p.spec.Extensions, " "), nil
	default:
		return "", errors.Wrapf(backends.ErrInvalidValue, "platform attribute %s", attr)
	}
}

// Devices implements backends.TopologyInterface.
func (b *Backend) Devices(platform backends.Platform) ([]backends.Device, error) {
	b.AssertValid()
	b.mu.Lock()
	defer b.mu.Unlock()
	p, found := b.platforms[platform]
	if !found {
		return nil, errors.Wrapf(backends.ErrInvalidHandle, "platform %d", platform)
	}
	if p.spec.FailDeviceEnumeration {
		return nil, errors.Errorf("backend %q: device enumeration failed for platform %q", BackendName, p.spec.Name)
	}
	return append([]backends.Device(nil), p.devices...), nil
}

// DeviceInfo implements backends.TopologyInterface.
func (b *Backend) DeviceInfo(device backends.Device, attr backends.DeviceAttribute) (string, error) {
	b.AssertValid()
	if !attr.IsString() {
		return "", errors.Wrapf(backends.ErrInvalidValue, "device attribute %s is not a string", attr)
	}
	b.mu.Lock()
	defer b.mu.Unlock()
	d, found := b.devices[device]
	if !found {
		return "", errors.Wrapf(backends.ErrInvalidHandle, "device %d", device)
	}
	switch attr {
	case backends.DeviceName:
		return d.spec.Name, nil
	case backends.DeviceVendor:
		return d.spec.Vendor, nil
	case backends.DeviceVersion:
		return d.spec.Version, nil
	case backends.DriverVersion:
		return d.spec.DriverVersion, nil
	default:
		return "", errors.Wrapf(backends.ErrInvalidValue, "device attribute %s is not a string", attr)
	}
}

// DeviceUint implements backends.TopologyInterface.
func (b *Backend) DeviceUint(device backends.Device, attr backends.DeviceAttribute) (uint64, error) {
	b.AssertValid()
	if attr.IsString() {
		return 0, errors.Wrapf(backends.ErrInvalidValue, "device attribute %s is a string, use DeviceInfo", attr)
	}
	b.mu.Lock()
	defer b.mu.Unlock()
	d, found := b.devices[device]
	if !found {
		return 0, errors.Wrapf(backends.ErrInvalidHandle, "device %d", device)
	}
	switch attr {
	case backends.DeviceType:
		return uint64(d.spec.Class), nil
	case backends.DeviceMaxComputeUnits:
		return d.spec.ComputeUnits, nil
	case backends.DeviceMaxWorkItemDimensions:
		return 3, nil
	case backends.DevicePreferredVectorWidthInt, backends.DevicePreferredVectorWidthFloat:
		return 4, nil
	case backends.DevicePreferredVectorWidthLong, backends.DevicePreferredVectorWidthDouble:
		return 2, nil
	case backends.DeviceGlobalMemSize:
		return d.spec.GlobalMemSize, nil
	case backends.DeviceHostUnifiedMemory:
		if d.spec.HostUnifiedMemory {
			return 1, nil
		}
		return 0, nil
	default:
		return 0, errors.Wrapf(backends.ErrInvalidValue, "device attribute %s is not a scalar", attr)
	}
}

// CreateContext implements backends.ContextInterface.
func (b *Backend) CreateContext(platform backends.Platform, devices []backends.Device) (backends.Context, error) {
	b.AssertValid()
	b.mu.Lock()
	defer b.mu.Unlock()
	if _, found := b.platforms[platform]; !found {
		return 0, errors.Wrapf(backends.ErrInvalidHandle, "platform %d", platform)
	}
	if len(devices) == 0 {
		return 0, errors.Wrap(backends.ErrInvalidValue, "context requires at least one device")
	}
	seen := make(map[backends.Device]bool, len(devices))
	for _, device := range devices {
		d, found := b.devices[device]
		if !found {
			return 0, errors.Wrapf(backends.ErrInvalidHandle, "device %d", device)
		}
		if d.platform != platform {
			return 0, errors.Wrapf(backends.ErrInvalidValue, "device %d does not belong to platform %d", device, platform)
		}
		if seen[device] {
			return 0, errors.Wrapf(backends.ErrInvalidValue, "device %d given more than once", device)
		}
		seen[device] = true
	}
	context := backends.Context(b.newHandle())
	b.contexts[context] = &contextState{
		platform: platform,
		devices:  append([]backends.Device(nil), devices...),
	}
	return context, nil
}

// ContextDevices implements backends.ContextInterface.
func (b *Backend) ContextDevices(context backends.Context) ([]backends.Device, error) {
	b.AssertValid()
	b.mu.Lock()
	defer b.mu.Unlock()
	c, found := b.contexts[context]
	if !found {
		return nil, errors.Wrapf(backends.ErrInvalidHandle, "context %d", context)
	}
	return append([]backends.Device(nil), c.devices...), nil
}

// ReleaseContext implements backends.ContextInterface.
func (b *Backend) ReleaseContext(context backends.Context) error {
	b.AssertValid()
	b.mu.Lock()
	defer b.mu.Unlock()
	if _, found := b.contexts[context]; !found {
		return errors.Wrapf(backends.ErrInvalidHandle, "context %d", context)
	}
	delete(b.contexts, context)
	return nil
}

// NumContexts returns the number of live (not released) contexts.
func (b *Backend) NumContexts() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return len(b.contexts)
}

// NumPrograms returns the number of live (not released) programs.
func (b *Backend) NumPrograms() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return len(b.programs)
}

// NumKernels returns the number of live (not released) kernels.
func (b *Backend) NumKernels() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return len(b.kernels)
}

// deviceFingerprint identifies the device a binary was compiled for.
// It must be called with b.mu held.
func (b *Backend) deviceFingerprint(device backends.Device) string {
	d := b.devices[device]
	return strings.Join([]string{d.spec.Vendor, d.spec.Name, d.spec.Version, d.spec.DriverVersion}, "|")
}
