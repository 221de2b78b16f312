package backends

import (
	"fmt"
	"strings"

	"github.com/pkg/errors"
)

// Platform is an opaque handle to a vendor's compute runtime instance. It is owned by the Backend.
type Platform uint64

// Device is an opaque handle to one compute unit (e.g. a GPU) exposed by a Platform.
type Device uint64

// Context is an opaque handle to a bound (platform, device-set) pair.
type Context uint64

// Program is an opaque handle to a program, created from source or from binaries.
type Program uint64

// Kernel is an opaque handle to an entry point of a built Program.
type Kernel uint64

// PlatformAttribute enumerates the string attributes of a Platform.
type PlatformAttribute int

const (
	PlatformProfile PlatformAttribute = iota
	PlatformVersion
	PlatformName
	PlatformVendor
	PlatformExtensions
)

var platformAttributeNames = []string{"PROFILE", "VERSION", "NAME", "VENDOR", "EXTENSIONS"}

// String implements fmt.Stringer.
func (a PlatformAttribute) String() string {
	if a < 0 || int(a) >= len(platformAttributeNames) {
		return fmt.Sprintf("PlatformAttribute(%d)", int(a))
	}
	return platformAttributeNames[a]
}

// DeviceAttribute enumerates the attributes of a Device. Some are strings (see Backend.DeviceInfo), the
// others are scalars (see Backend.DeviceUint).
type DeviceAttribute int

const (
	// DeviceType is a scalar holding a DeviceClass bitmask.
	DeviceType DeviceAttribute = iota
	DeviceName
	DeviceVendor
	DeviceVersion
	DriverVersion
	DeviceMaxComputeUnits
	DeviceMaxWorkItemDimensions
	DevicePreferredVectorWidthInt
	DevicePreferredVectorWidthLong
	DevicePreferredVectorWidthFloat
	DevicePreferredVectorWidthDouble
	DeviceGlobalMemSize
	DeviceHostUnifiedMemory
)

var deviceAttributeNames = []string{
	"TYPE", "NAME", "VENDOR", "VERSION", "DRIVER_VERSION", "MAX_COMPUTE_UNITS", "MAX_WORK_ITEM_DIMENSIONS",
	"PREFERRED_VECTOR_WIDTH_INT", "PREFERRED_VECTOR_WIDTH_LONG", "PREFERRED_VECTOR_WIDTH_FLOAT",
	"PREFERRED_VECTOR_WIDTH_DOUBLE", "GLOBAL_MEM_SIZE", "HOST_UNIFIED_MEMORY",
}

// String implements fmt.Stringer.
func (a DeviceAttribute) String() string {
	if a < 0 || int(a) >= len(deviceAttributeNames) {
		return fmt.Sprintf("DeviceAttribute(%d)", int(a))
	}
	return deviceAttributeNames[a]
}

// IsString returns whether the attribute is string valued.
func (a DeviceAttribute) IsString() bool {
	switch a {
	case DeviceName, DeviceVendor, DeviceVersion, DriverVersion:
		return true
	default:
		return false
	}
}

// DeviceClass is a bitmask of device classes.
type DeviceClass uint64

const (
	DeviceClassDefault     DeviceClass = 1 << 0
	DeviceClassCPU         DeviceClass = 1 << 1
	DeviceClassGPU         DeviceClass = 1 << 2
	DeviceClassAccelerator DeviceClass = 1 << 3
	DeviceClassCustom      DeviceClass = 1 << 4
)

var deviceClassNames = []struct {
	class DeviceClass
	name  string
}{
	{DeviceClassDefault, "default"},
	{DeviceClassCPU, "cpu"},
	{DeviceClassGPU, "gpu"},
	{DeviceClassAccelerator, "accelerator"},
	{DeviceClassCustom, "custom"},
}

// String implements fmt.Stringer. Multiple classes are joined with "|".
func (c DeviceClass) String() string {
	if c == 0 {
		return "none"
	}
	var parts []string
	for _, entry := range deviceClassNames {
		if c&entry.class != 0 {
			parts = append(parts, entry.name)
			c &^= entry.class
		}
	}
	if c != 0 {
		parts = append(parts, fmt.Sprintf("0x%x", uint64(c)))
	}
	return strings.Join(parts, "|")
}

// ParseDeviceClass parses one class name ("cpu", "gpu", "accelerator", "custom", "default") or several
// joined by "|".
func ParseDeviceClass(s string) (DeviceClass, error) {
	var c DeviceClass
	for _, part := range strings.Split(s, "|") {
		part = strings.ToLower(strings.TrimSpace(part))
		found := false
		for _, entry := range deviceClassNames {
			if entry.name == part {
				c |= entry.class
				found = true
				break
			}
		}
		if !found {
			return 0, errors.Errorf("unknown device class %q in %q", part, s)
		}
	}
	return c, nil
}

// BuildStatus is the per-device build status of a Program.
type BuildStatus int

const (
	BuildNone BuildStatus = iota
	BuildSuccess
	BuildError
	BuildInProgress
)

// String implements fmt.Stringer.
func (s BuildStatus) String() string {
	switch s {
	case BuildNone:
		return "none"
	case BuildSuccess:
		return "success"
	case BuildError:
		return "error"
	case BuildInProgress:
		return "in-progress"
	default:
		return fmt.Sprintf("BuildStatus(%d)", int(s))
	}
}

// BinaryStatus is the per-device status of loading a program binary.
type BinaryStatus int

const (
	BinarySuccess BinaryStatus = iota
	BinaryInvalid
)

// String implements fmt.Stringer.
func (s BinaryStatus) String() string {
	switch s {
	case BinarySuccess:
		return "success"
	case BinaryInvalid:
		return "invalid"
	default:
		return fmt.Sprintf("BinaryStatus(%d)", int(s))
	}
}

// Errors backends return (possibly wrapped) so callers can distinguish the failure with errors.Is.
var (
	ErrInvalidHandle       = errors.New("invalid handle")
	ErrInvalidValue        = errors.New("invalid value")
	ErrInvalidBinary       = errors.New("invalid binary")
	ErrBuildProgramFailure = errors.New("build program failure")
	ErrInvalidKernelName   = errors.New("invalid kernel name")
	ErrProgramNotBuilt     = errors.New("program not built")
)
