// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

// Package program builds programs for every device of an execution context, reusing cached binaries when they
// are valid for all of the devices, and compiling from source otherwise.
//
// A build goes through the states:
//
//	Init -> BinaryAttempt -> {BuildFromBinary | BuildFromSource} -> Compiling -> {Succeeded | Failed}
//
// followed by Persisting, for programs compiled from source with binary caching enabled. BinaryAttempt is skipped
// if caching is disabled or source builds are forced.
package program

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/dustin/go-humanize"
	"github.com/gomlx/kernelforge/backends"
	"github.com/gomlx/kernelforge/pkg/bincache"
	"github.com/gomlx/kernelforge/pkg/config"
	"github.com/gomlx/kernelforge/pkg/execution"
	"github.com/gomlx/kernelforge/pkg/failures"
	"github.com/gomlx/kernelforge/pkg/support/fsutil"
	"github.com/pkg/errors"
	"k8s.io/klog/v2"
)

// Descriptor of a program to build.
type Descriptor struct {
	// SourceRoot is the directory of the source files.
	SourceRoot string

	// SourceFiles are read in order from SourceRoot and concatenated by the backend.
	// If empty, every regular file in SourceRoot is used, in lexicographic order.
	SourceFiles []string

	// Options are passed verbatim to the backend compiler.
	Options string

	// BinaryRoot is the root of the binary cache, and BinaryName the file name of the binary for each device.
	// Caching is disabled if either is empty.
	BinaryRoot, BinaryName string

	// Identity of devices for the binary cache. If nil, bincache.AttributesIdentity is used.
	Identity bincache.IdentityFunc
}

// Provenance of a built program.
type Provenance int

const (
	FromSource Provenance = iota
	FromBinary
)

// String implements fmt.Stringer.
func (p Provenance) String() string {
	if p == FromBinary {
		return "binary"
	}
	return "source"
}

// State of the build.
type State int

const (
	Init State = iota
	BinaryAttempt
	BuildFromBinary
	BuildFromSource
	Compiling
	Succeeded
	Failed
	Persisting
)

var stateNames = []string{"Init", "BinaryAttempt", "BuildFromBinary", "BuildFromSource", "Compiling", "Succeeded",
	"Failed", "Persisting"}

// String implements fmt.Stringer.
func (s State) String() string {
	if s < 0 || int(s) >= len(stateNames) {
		return fmt.Sprintf("State(%d)", int(s))
	}
	return stateNames[s]
}

// Program built for every device of an execution context. It must be released with Release.
type Program struct {
	ctx        *execution.Context
	handle     backends.Program
	provenance Provenance
	trace      []State
	cache      *bincache.Cache
	released   bool
}

// Provenance returns whether the program was built from cached binaries or from source.
func (p *Program) Provenance() Provenance { return p.provenance }

// Trace returns the states visited by the build, in order.
func (p *Program) Trace() []State { return append([]State(nil), p.trace...) }

// Handle returns the backend handle of the program.
func (p *Program) Handle() backends.Program { return p.handle }

// Context returns the execution context the program was built for.
func (p *Program) Context() *execution.Context { return p.ctx }

// Cache returns the binary cache used by the build, or nil if caching was disabled.
func (p *Program) Cache() *bincache.Cache { return p.cache }

// Release the backend program. It is a no-op if already released.
func (p *Program) Release() error {
	if p == nil || p.released {
		return nil
	}
	p.released = true
	if err := p.ctx.Backend().ReleaseProgram(p.handle); err != nil {
		return errors.WithMessagef(err, "release program %d", p.handle)
	}
	return nil
}

// DeviceLog is the build outcome of one device.
type DeviceLog struct {
	Device backends.Device
	Name   string
	Status backends.BuildStatus
	Log    string
}

// BuildError holds the build log of every device that failed to build.
type BuildError struct {
	Logs []DeviceLog
	Err  error
}

// Error implements error.
func (e *BuildError) Error() string {
	var sb strings.Builder
	fmt.Fprintf(&sb, "build failed for %d device(s)", len(e.Logs))
	if e.Err != nil {
		fmt.Fprintf(&sb, ": %v", e.Err)
	}
	for _, log := range e.Logs {
		fmt.Fprintf(&sb, "\n--- device %d (%s), status %s:\n%s", log.Device, log.Name, log.Status,
			strings.TrimRight(log.Log, "\n"))
	}
	return sb.String()
}

// Unwrap returns the backend error.
func (e *BuildError) Unwrap() error { return e.Err }

// builder holds the state of one Build call.
type builder struct {
	ctx      *execution.Context
	backend  backends.Backend
	desc     Descriptor
	settings config.Settings
	devices  []backends.Device
	program  *Program
}

func (b *builder) transition(state State) {
	b.program.trace = append(b.program.trace, state)
	klog.V(1).Infof("program build for %s: %s", b.ctx, state)
}

// Build the program described by desc for every device of ctx.
//
// Cached binaries are used only if one is available and accepted for every device; otherwise the program is built
// from source. Cache read failures and rejected binaries fall back to the source build, and failures to store
// freshly compiled binaries are only logged.
//
// It returns a failures.SourceRead error if a source can't be read, and a failures.Build error wrapping a
// *BuildError if compilation fails for any device.
func Build(ctx *execution.Context, desc Descriptor, settings config.Settings) (*Program, error) {
	b := &builder{
		ctx:      ctx,
		backend:  ctx.Backend(),
		desc:     desc,
		settings: settings,
		program:  &Program{ctx: ctx},
	}
	b.transition(Init)
	devices, err := ctx.Devices()
	if err != nil {
		b.transition(Failed)
		return nil, err
	}
	b.devices = devices
	if settings.EnableBinaryCaching && desc.BinaryRoot != "" && desc.BinaryName != "" {
		b.program.cache = &bincache.Cache{
			Backend:  b.backend,
			Root:     desc.BinaryRoot,
			FileName: desc.BinaryName,
			Identity: desc.Identity,
		}
	}

	fromBinary := false
	if b.program.cache != nil && !settings.ForceSource {
		b.transition(BinaryAttempt)
		if binaries, ok := b.loadBinaries(); ok {
			b.transition(BuildFromBinary)
			fromBinary = b.createFromBinaries(binaries)
		}
	}
	if !fromBinary {
		b.transition(BuildFromSource)
		if err = b.createFromSource(); err != nil {
			b.transition(Failed)
			return nil, err
		}
	}

	b.transition(Compiling)
	if err = b.compile(); err != nil {
		b.transition(Failed)
		if releaseErr := b.program.Release(); releaseErr != nil {
			klog.Warningf("failed to release program after failed build: %+v", releaseErr)
		}
		return nil, err
	}
	b.transition(Succeeded)
	klog.V(1).Infof("program %d built from %s for %d devices", b.program.handle, b.program.provenance, len(devices))

	if b.program.provenance == FromSource && b.program.cache != nil {
		b.transition(Persisting)
		b.persist()
	}
	return b.program, nil
}

// loadBinaries returns the cached binary of every device, or false if any one is missing or unreadable.
func (b *builder) loadBinaries() ([][]byte, bool) {
	binaries := make([][]byte, 0, len(b.devices))
	for _, device := range b.devices {
		binary, found, err := b.program.cache.TryLoad(device)
		if err != nil {
			klog.Warningf("failed to read cached binary for device %d, building from source: %+v", device, err)
			return nil, false
		}
		if !found {
			klog.V(1).Infof("no cached binary for device %d, building from source", device)
			return nil, false
		}
		binaries = append(binaries, binary)
	}
	return binaries, true
}

// createFromBinaries returns whether the backend accepted the binaries of every device.
func (b *builder) createFromBinaries(binaries [][]byte) bool {
	handle, statuses, err := b.backend.CreateProgramWithBinary(b.ctx.Handle(), b.devices, binaries)
	if err != nil {
		for ii, status := range statuses {
			if status != backends.BinarySuccess {
				klog.Warningf("cached binary for device %d (%s) was rejected: %s", b.devices[ii], b.deviceName(b.devices[ii]), status)
			}
		}
		klog.Warningf("building from source: %v",
			failures.New(failures.CacheCorrupt, err, "create program from %d cached binaries", len(binaries)))
		return false
	}
	b.program.handle = handle
	b.program.provenance = FromBinary
	return true
}

// readSources returns the contents of the source files, in order.
func (b *builder) readSources() ([]string, error) {
	names := b.desc.SourceFiles
	if len(names) == 0 {
		var err error
		names, err = fsutil.ListRegularFiles(b.desc.SourceRoot)
		if err != nil {
			return nil, failures.New(failures.SourceRead, err, "list sources")
		}
		if len(names) == 0 {
			return nil, failures.New(failures.SourceRead, errors.Errorf("no source files in %q", b.desc.SourceRoot),
				"list sources")
		}
	}
	sources := make([]string, 0, len(names))
	for _, name := range names {
		path := filepath.Join(b.desc.SourceRoot, name)
		contents, err := os.ReadFile(path)
		if err != nil {
			return nil, failures.New(failures.SourceRead, errors.WithStack(err), "read source %q", path)
		}
		klog.V(2).Infof("read source %q (%s)", path, humanize.Bytes(uint64(len(contents))))
		sources = append(sources, string(contents))
	}
	return sources, nil
}

func (b *builder) createFromSource() error {
	sources, err := b.readSources()
	if err != nil {
		return err
	}
	handle, err := b.backend.CreateProgramWithSource(b.ctx.Handle(), sources)
	if err != nil {
		return failures.New(failures.Build, err, "create program from %d sources", len(sources))
	}
	b.program.handle = handle
	b.program.provenance = FromSource
	return nil
}

// compile builds the program for all devices and, on failure, collects the log of every failed device.
func (b *builder) compile() error {
	err := b.backend.BuildProgram(b.program.handle, b.devices, b.desc.Options)
	if err == nil {
		return nil
	}
	if !errors.Is(err, backends.ErrBuildProgramFailure) {
		return failures.New(failures.Build, err, "build program %d", b.program.handle)
	}
	buildErr := &BuildError{Err: err}
	for _, device := range b.devices {
		status, statusErr := b.backend.ProgramBuildStatus(b.program.handle, device)
		if statusErr != nil {
			klog.Errorf("failed to query build status of device %d: %+v", device, statusErr)
			continue
		}
		if status == backends.BuildSuccess {
			continue
		}
		log, logErr := b.backend.ProgramBuildLog(b.program.handle, device)
		if logErr != nil {
			log = fmt.Sprintf("<build log unavailable: %v>", logErr)
		}
		name := b.deviceName(device)
		klog.Errorf("build of program %d failed for device %d (%s):\n%s", b.program.handle, device, name, log)
		buildErr.Logs = append(buildErr.Logs, DeviceLog{Device: device, Name: name, Status: status, Log: log})
	}
	return failures.New(failures.Build, buildErr, "build program %d with options %q", b.program.handle, b.desc.Options)
}

// persist stores the binary of every device in the cache. Failures are logged and otherwise ignored.
func (b *builder) persist() {
	programDevices, err := b.backend.ProgramDevices(b.program.handle)
	if err != nil {
		klog.Warningf("%v", failures.New(failures.CachePersist, err, "query program devices"))
		return
	}
	binaries, err := b.backend.ProgramBinaries(b.program.handle)
	if err != nil {
		klog.Warningf("%v", failures.New(failures.CachePersist, err, "retrieve program binaries"))
		return
	}
	for ii, device := range programDevices {
		if ii >= len(binaries) || len(binaries[ii]) == 0 {
			klog.Warningf("%v", failures.ForDevice(failures.CachePersist, errors.New("empty binary"),
				b.deviceName(device), "store binary"))
			continue
		}
		if err := b.program.cache.Store(device, binaries[ii]); err != nil {
			klog.Warningf("%v", failures.ForDevice(failures.CachePersist, err, b.deviceName(device), "store binary"))
			continue
		}
		klog.V(1).Infof("stored %s binary for device %d", humanize.Bytes(uint64(len(binaries[ii]))), device)
	}
}

func (b *builder) deviceName(device backends.Device) string {
	name, err := b.backend.DeviceInfo(device, backends.DeviceName)
	if err != nil {
		return fmt.Sprintf("#%d", device)
	}
	return name
}
