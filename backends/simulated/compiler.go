package simulated

import (
	"bytes"
	"fmt"
	"regexp"
	"slices"
	"strings"

	"github.com/gomlx/kernelforge/backends"
	"github.com/pkg/errors"
)

// binaryMagic starts every binary produced by the simulated compiler.
const binaryMagic = "KFSIMBIN1\n"

var (
	entryPointRegexp = regexp.MustCompile(`(?m)(?:__kernel|kernel)\s+void\s+([A-Za-z_][A-Za-z0-9_]*)\s*\(`)
	errorRegexp      = regexp.MustCompile(`(?m)^\s*#error\s*(.*)$`)
)

// parseEntryPoints returns the kernel entry points declared in the source, in order of declaration.
func parseEntryPoints(source string) []string {
	var entries []string
	for _, match := range entryPointRegexp.FindAllStringSubmatch(source, -1) {
		if !slices.Contains(entries, match[1]) {
			entries = append(entries, match[1])
		}
	}
	return entries
}

// encodeBinary serializes a compiled program for one device.
//
// Format: magic, then "device:<fingerprint>", "options:<options>", "entries:<comma separated>" lines,
// an empty line and finally the source.
func encodeBinary(fingerprint, options string, entries []string, source string) []byte {
	var buf bytes.Buffer
	buf.WriteString(binaryMagic)
	fmt.Fprintf(&buf, "device:%s\n", fingerprint)
	fmt.Fprintf(&buf, "options:%s\n", strings.ReplaceAll(options, "\n", " "))
	fmt.Fprintf(&buf, "entries:%s\n\n", strings.Join(entries, ","))
	buf.WriteString(source)
	return buf.Bytes()
}

// decodeBinary parses a binary produced by encodeBinary.
func decodeBinary(binary []byte) (fingerprint string, entries []string, source string, err error) {
	if !bytes.HasPrefix(binary, []byte(binaryMagic)) {
		err = errors.New("missing binary magic")
		return
	}
	header, body, found := strings.Cut(string(binary[len(binaryMagic):]), "\n\n")
	if !found {
		err = errors.New("truncated binary header")
		return
	}
	source = body
	for _, line := range strings.Split(header, "\n") {
		key, value, _ := strings.Cut(line, ":")
		switch key {
		case "device":
			fingerprint = value
		case "entries":
			if value != "" {
				entries = strings.Split(value, ",")
			}
		}
	}
	if fingerprint == "" {
		err = errors.New("binary without device fingerprint")
	}
	return
}

// CreateProgramWithSource implements backends.ProgramInterface.
func (b *Backend) CreateProgramWithSource(context backends.Context, sources []string) (backends.Program, error) {
	b.AssertValid()
	b.mu.Lock()
	defer b.mu.Unlock()
	c, found := b.contexts[context]
	if !found {
		return 0, errors.Wrapf(backends.ErrInvalidHandle, "context %d", context)
	}
	if len(sources) == 0 {
		return 0, errors.Wrap(backends.ErrInvalidValue, "program requires at least one source")
	}
	program := backends.Program(b.newHandle())
	b.programs[program] = b.newProgramState(context, c.devices, true, strings.Join(sources, ""))
	b.stats.SourcePrograms++
	return program, nil
}

func (b *Backend) newProgramState(context backends.Context, devices []backends.Device, fromSource bool, source string) *programState {
	p := &programState{
		context:    context,
		devices:    append([]backends.Device(nil), devices...),
		fromSource: fromSource,
		source:     source,
		binaries:   make(map[backends.Device][]byte, len(devices)),
		status:     make(map[backends.Device]backends.BuildStatus, len(devices)),
		logs:       make(map[backends.Device]string, len(devices)),
	}
	for _, device := range devices {
		p.status[device] = backends.BuildNone
	}
	return p
}

// CreateProgramWithBinary implements backends.ProgramInterface.
func (b *Backend) CreateProgramWithBinary(context backends.Context, devices []backends.Device, binaries [][]byte) (
	backends.Program, []backends.BinaryStatus, error) {
	b.AssertValid()
	b.mu.Lock()
	defer b.mu.Unlock()
	c, found := b.contexts[context]
	if !found {
		return 0, nil, errors.Wrapf(backends.ErrInvalidHandle, "context %d", context)
	}
	if len(devices) == 0 || len(devices) != len(binaries) {
		return 0, nil, errors.Wrapf(backends.ErrInvalidValue, "%d devices and %d binaries given", len(devices), len(binaries))
	}
	statuses := make([]backends.BinaryStatus, len(devices))
	var (
		source   string
		entries  []string
		rejected int
	)
	for ii, device := range devices {
		if !slices.Contains(c.devices, device) {
			return 0, nil, errors.Wrapf(backends.ErrInvalidValue, "device %d is not part of context %d", device, context)
		}
		fingerprint, binaryEntries, binarySource, err := decodeBinary(binaries[ii])
		if err != nil || fingerprint != b.deviceFingerprint(device) {
			statuses[ii] = backends.BinaryInvalid
			rejected++
			continue
		}
		statuses[ii] = backends.BinarySuccess
		source, entries = binarySource, binaryEntries
	}
	if rejected > 0 {
		return 0, statuses, errors.Wrapf(backends.ErrInvalidBinary, "%d of %d binaries rejected", rejected, len(devices))
	}
	program := backends.Program(b.newHandle())
	p := b.newProgramState(context, devices, false, source)
	p.entries = entries
	for ii, device := range devices {
		p.binaries[device] = slices.Clone(binaries[ii])
	}
	b.programs[program] = p
	b.stats.BinaryPrograms++
	return program, statuses, nil
}

// BuildProgram implements backends.ProgramInterface.
func (b *Backend) BuildProgram(program backends.Program, devices []backends.Device, options string) error {
	b.AssertValid()
	b.mu.Lock()
	defer b.mu.Unlock()
	p, found := b.programs[program]
	if !found {
		return errors.Wrapf(backends.ErrInvalidHandle, "program %d", program)
	}
	if len(devices) == 0 {
		devices = p.devices
	}
	for _, device := range devices {
		if !slices.Contains(p.devices, device) {
			return errors.Wrapf(backends.ErrInvalidValue, "device %d is not associated with program %d", device, program)
		}
	}

	if !p.fromSource {
		// Binaries were already validated at creation: linking only fails if the device rejects all builds.
		b.stats.BinaryBuilds++
	} else {
		b.stats.SourceCompilations++
		p.entries = parseEntryPoints(p.source)
	}
	var sourceErrors []string
	if p.fromSource {
		for _, match := range errorRegexp.FindAllStringSubmatch(p.source, -1) {
			sourceErrors = append(sourceErrors, strings.TrimSpace(match[1]))
		}
	}

	var numFailed int
	for _, device := range devices {
		d := b.devices[device]
		var log strings.Builder
		fmt.Fprintf(&log, "simulated compiler for %q, options %q\n", d.spec.Name, options)
		failed := false
		for _, msg := range sourceErrors {
			fmt.Fprintf(&log, "<source>: error: %s\n", msg)
			failed = true
		}
		if d.spec.RejectBuilds {
			fmt.Fprintf(&log, "<device>: error: %s refuses to build programs\n", d.spec.Name)
			failed = true
		}
		if failed {
			p.status[device] = backends.BuildError
			delete(p.binaries, device)
			numFailed++
		} else {
			p.status[device] = backends.BuildSuccess
			if p.fromSource {
				p.binaries[device] = encodeBinary(b.deviceFingerprint(device), options, p.entries, p.source)
			}
			fmt.Fprintf(&log, "build succeeded, %d entry points\n", len(p.entries))
		}
		p.logs[device] = log.String()
	}
	if numFailed > 0 {
		b.stats.FailedBuilds++
		p.built = false
		return errors.Wrapf(backends.ErrBuildProgramFailure, "program %d failed to build for %d of %d devices",
			program, numFailed, len(devices))
	}
	p.built = true
	return nil
}

// ProgramBuildStatus implements backends.ProgramInterface.
func (b *Backend) ProgramBuildStatus(program backends.Program, device backends.Device) (backends.BuildStatus, error) {
	b.AssertValid()
	b.mu.Lock()
	defer b.mu.Unlock()
	p, found := b.programs[program]
	if !found {
		return backends.BuildNone, errors.Wrapf(backends.ErrInvalidHandle, "program %d", program)
	}
	status, found := p.status[device]
	if !found {
		return backends.BuildNone, errors.Wrapf(backends.ErrInvalidValue, "device %d is not associated with program %d", device, program)
	}
	return status, nil
}

// ProgramBuildLog implements backends.ProgramInterface.
func (b *Backend) ProgramBuildLog(program backends.Program, device backends.Device) (string, error) {
	b.AssertValid()
	b.mu.Lock()
	defer b.mu.Unlock()
	p, found := b.programs[program]
	if !found {
		return "", errors.Wrapf(backends.ErrInvalidHandle, "program %d", program)
	}
	if _, found := p.status[device]; !found {
		return "", errors.Wrapf(backends.ErrInvalidValue, "device %d is not associated with program %d", device, program)
	}
	return p.logs[device], nil
}

// ProgramDevices implements backends.ProgramInterface.
func (b *Backend) ProgramDevices(program backends.Program) ([]backends.Device, error) {
	b.AssertValid()
	b.mu.Lock()
	defer b.mu.Unlock()
	p, found := b.programs[program]
	if !found {
		return nil, errors.Wrapf(backends.ErrInvalidHandle, "program %d", program)
	}
	return append([]backends.Device(nil), p.devices...), nil
}

// ProgramBinaries implements backends.ProgramInterface.
func (b *Backend) ProgramBinaries(program backends.Program) ([][]byte, error) {
	b.AssertValid()
	b.mu.Lock()
	defer b.mu.Unlock()
	p, found := b.programs[program]
	if !found {
		return nil, errors.Wrapf(backends.ErrInvalidHandle, "program %d", program)
	}
	if !p.built {
		return nil, errors.Wrapf(backends.ErrProgramNotBuilt, "program %d", program)
	}
	binaries := make([][]byte, len(p.devices))
	for ii, device := range p.devices {
		binaries[ii] = slices.Clone(p.binaries[device])
	}
	return binaries, nil
}

// ReleaseProgram implements backends.ProgramInterface.
func (b *Backend) ReleaseProgram(program backends.Program) error {
	b.AssertValid()
	b.mu.Lock()
	defer b.mu.Unlock()
	if _, found := b.programs[program]; !found {
		return errors.Wrapf(backends.ErrInvalidHandle, "program %d", program)
	}
	delete(b.programs, program)
	return nil
}

// CreateKernel implements backends.ProgramInterface.
func (b *Backend) CreateKernel(program backends.Program, name string) (backends.Kernel, error) {
	b.AssertValid()
	b.mu.Lock()
	defer b.mu.Unlock()
	p, found := b.programs[program]
	if !found {
		return 0, errors.Wrapf(backends.ErrInvalidHandle, "program %d", program)
	}
	if !p.built {
		return 0, errors.Wrapf(backends.ErrProgramNotBuilt, "program %d", program)
	}
	if !slices.Contains(p.entries, name) {
		return 0, errors.Wrapf(backends.ErrInvalidKernelName, "no entry point %q in program %d", name, program)
	}
	kernel := backends.Kernel(b.newHandle())
	b.kernels[kernel] = &kernelState{program: program, name: name}
	b.stats.KernelsCreated++
	return kernel, nil
}

// ReleaseKernel implements backends.ProgramInterface.
func (b *Backend) ReleaseKernel(kernel backends.Kernel) error {
	b.AssertValid()
	b.mu.Lock()
	defer b.mu.Unlock()
	if _, found := b.kernels[kernel]; !found {
		return errors.Wrapf(backends.ErrInvalidHandle, "kernel %d", kernel)
	}
	delete(b.kernels, kernel)
	return nil
}

// KernelName returns the entry point name of a kernel.
func (b *Backend) KernelName(kernel backends.Kernel) (string, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	k, found := b.kernels[kernel]
	if !found {
		return "", errors.Wrapf(backends.ErrInvalidHandle, "kernel %d", kernel)
	}
	return k.name, nil
}
