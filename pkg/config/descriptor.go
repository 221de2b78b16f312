// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

package config

import (
	"os"
	"path/filepath"
	"slices"

	"github.com/gomlx/kernelforge/backends"
	"github.com/gomlx/kernelforge/pkg/device"
	"github.com/gomlx/kernelforge/pkg/platform"
	"github.com/gomlx/kernelforge/pkg/selection"
	"github.com/gomlx/kernelforge/pkg/support/fsutil"
	"github.com/hashicorp/hcl/v2"
	"github.com/hashicorp/hcl/v2/gohcl"
	"github.com/hashicorp/hcl/v2/hclparse"
	"github.com/pkg/errors"
	"github.com/zclconf/go-cty/cty"
	"k8s.io/klog/v2"
)

// Plan is a fully resolved build descriptor, for one mode.
type Plan struct {
	Mode Mode

	// Backend configuration, used as backends.DefaultConfig if not empty.
	Backend string

	Platforms platform.Requirements
	Devices   device.Requirements

	// Strategy name, see selection.ByName.
	Strategy string

	Settings Settings
	Program  ProgramPlan
}

// ProgramPlan describes the program to build and the kernels to create.
type ProgramPlan struct {
	Name string

	// SourceRoot is absolute. If SourceFiles is empty, every regular file in SourceRoot is used.
	SourceRoot  string
	SourceFiles []string

	// Options for the compiler, for the plan's mode.
	Options string

	// BinaryRoot is absolute, or empty to disable caching. BinaryName is the per-mode file name.
	BinaryRoot, BinaryName string

	// DeviceIdentity, if set, is used as unique id of every device in the binary cache, instead of the hash of
	// its attributes.
	DeviceIdentity string

	Kernels []string
}

// NewStrategy returns the selection strategy of the plan.
func (p *Plan) NewStrategy() (selection.Strategy, error) {
	return selection.ByName(p.Strategy, p.Devices, device.Options{DisplayInfo: p.Settings.DisplayDeviceInfo})
}

// Default source and binary roots, relative to the working directory.
const (
	DefaultSourceRoot = "OpenCL Source"
	DefaultBinaryRoot = "OpenCL Binaries"
)

// DefaultPlan builds the saxpy program from DefaultSourceRoot under baseDir, caching its binaries under
// DefaultBinaryRoot.
func DefaultPlan(baseDir string, mode Mode) *Plan {
	plan := &Plan{
		Mode:      mode,
		Platforms: platform.DefaultRequirements,
		Devices:   device.DefaultRequirements,
		Strategy:  selection.MostGPUsName,
		Settings:  DefaultSettings(mode),
		Program: ProgramPlan{
			Name:       "saxpy",
			SourceRoot: filepath.Join(baseDir, DefaultSourceRoot),
			BinaryRoot: filepath.Join(baseDir, DefaultBinaryRoot),
			Kernels:    []string{"saxpy"},
		},
	}
	if mode == Debug {
		plan.Program.Options = "-D DEBUG -cl-opt-disable -Werror -cl-std=CL2.0 -g"
		plan.Program.BinaryName = "saxpy_OpenClBinary_Debug.cl.bin"
	} else {
		plan.Program.Options = "-Werror -cl-std=CL2.0"
		plan.Program.BinaryName = "saxpy_OpenClBinary_Release.cl.bin"
	}
	return plan
}

// HCL schema of a descriptor file.
type hclDescriptor struct {
	Platform *hclPlatform `hcl:"platform,block"`
	Device   *hclDevice   `hcl:"device,block"`
	Strategy *string      `hcl:"strategy,optional"`
	Backend  string       `hcl:"backend,optional"`
	Settings *hclSettings `hcl:"settings,block"`
	Program  hclProgram   `hcl:"program,block"`
}

type hclPlatform struct {
	Profile *string  `hcl:"profile,optional"`
	Names   []string `hcl:"names,optional"`
}

type hclDevice struct {
	Class string `hcl:"class"`
}

type hclSettings struct {
	DisplayPlatformInfo *bool `hcl:"display_platform_info,optional"`
	DisplayDeviceInfo   *bool `hcl:"display_device_info,optional"`
	EnableBinaryCaching *bool `hcl:"enable_binary_caching,optional"`
	ForceSource         *bool `hcl:"force_source,optional"`
}

type hclProgram struct {
	Name           string       `hcl:"name,label"`
	SourceRoot     string       `hcl:"source_root"`
	Sources        []string     `hcl:"sources,optional"`
	Kernels        []string     `hcl:"kernels,optional"`
	BinaryRoot     string       `hcl:"binary_root,optional"`
	DeviceIdentity string       `hcl:"device_identity,optional"`
	Variants       []hclVariant `hcl:"variant,block"`
}

type hclVariant struct {
	Mode       string `hcl:"mode,label"`
	Options    string `hcl:"options,optional"`
	BinaryName string `hcl:"binary_name,optional"`
}

// evalContext exposes the variables "mode", "cwd" (the process working directory) and "config_dir" (the
// directory of the descriptor file).
func evalContext(configDir string, mode Mode) (*hcl.EvalContext, error) {
	cwd, err := os.Getwd()
	if err != nil {
		return nil, errors.Wrap(err, "failed to get working directory")
	}
	return &hcl.EvalContext{Variables: map[string]cty.Value{
		"mode":       cty.StringVal(string(mode)),
		"cwd":        cty.StringVal(cwd),
		"config_dir": cty.StringVal(configDir),
	}}, nil
}

// Load parses the HCL descriptor in path, and resolves it for the given mode.
//
// Relative paths in the descriptor are relative to the directory of the descriptor file.
func Load(path string, mode Mode) (*Plan, error) {
	path, err := fsutil.ReplaceTildeInDir(path)
	if err != nil {
		return nil, err
	}
	exists, err := fsutil.FileExists(path)
	if err != nil {
		return nil, err
	}
	if !exists {
		return nil, errors.Wrapf(os.ErrNotExist, "build descriptor %q not found", path)
	}
	configDir, err := filepath.Abs(filepath.Dir(path))
	if err != nil {
		return nil, errors.Wrapf(err, "failed to resolve directory of %q", path)
	}
	parser := hclparse.NewParser()
	file, diags := parser.ParseHCLFile(path)
	if diags.HasErrors() {
		return nil, errors.Errorf("failed to parse build descriptor %q: %s", path, diags.Error())
	}
	evalCtx, err := evalContext(configDir, mode)
	if err != nil {
		return nil, err
	}
	var desc hclDescriptor
	diags = gohcl.DecodeBody(file.Body, evalCtx, &desc)
	if diags.HasErrors() {
		return nil, errors.Errorf("failed to decode build descriptor %q: %s", path, diags.Error())
	}
	plan, err := desc.resolve(configDir, mode)
	if err != nil {
		return nil, errors.WithMessagef(err, "build descriptor %q", path)
	}
	klog.V(1).Infof("loaded build descriptor %q for program %q, mode %s", path, plan.Program.Name, mode)
	return plan, nil
}

func (desc *hclDescriptor) resolve(configDir string, mode Mode) (*Plan, error) {
	plan := &Plan{
		Mode:      mode,
		Platforms: platform.DefaultRequirements,
		Devices:   device.DefaultRequirements,
		Strategy:  selection.MostGPUsName,
		Settings:  DefaultSettings(mode),
	}
	if desc.Platform != nil {
		if desc.Platform.Profile != nil {
			plan.Platforms.Profile = *desc.Platform.Profile
		}
		plan.Platforms.Names = slices.Clone(desc.Platform.Names)
	}
	if desc.Device != nil {
		class, err := backends.ParseDeviceClass(desc.Device.Class)
		if err != nil {
			return nil, err
		}
		plan.Devices.Class = class
	}
	if desc.Strategy != nil {
		plan.Strategy = *desc.Strategy
	}
	plan.Backend = desc.Backend
	if _, err := plan.NewStrategy(); err != nil {
		return nil, err
	}
	if s := desc.Settings; s != nil {
		for _, field := range []struct {
			from *bool
			to   *bool
		}{
			{s.DisplayPlatformInfo, &plan.Settings.DisplayPlatformInfo},
			{s.DisplayDeviceInfo, &plan.Settings.DisplayDeviceInfo},
			{s.EnableBinaryCaching, &plan.Settings.EnableBinaryCaching},
			{s.ForceSource, &plan.Settings.ForceSource},
		} {
			if field.from != nil {
				*field.to = *field.from
			}
		}
	}

	program := &desc.Program
	var err error
	plan.Program = ProgramPlan{
		Name:           program.Name,
		SourceFiles:    slices.Clone(program.Sources),
		DeviceIdentity: program.DeviceIdentity,
		Kernels:        slices.Clone(program.Kernels),
	}
	if plan.Program.SourceRoot, err = fsutil.ResolveDir(configDir, program.SourceRoot); err != nil {
		return nil, err
	}
	if plan.Program.SourceRoot == "" {
		return nil, errors.Errorf("program %q: source_root is empty", program.Name)
	}
	if plan.Program.BinaryRoot, err = fsutil.ResolveDir(configDir, program.BinaryRoot); err != nil {
		return nil, err
	}
	idx := slices.IndexFunc(program.Variants, func(v hclVariant) bool { return Mode(v.Mode) == mode })
	if idx == -1 {
		return nil, errors.Errorf("program %q has no variant %q", program.Name, mode)
	}
	plan.Program.Options = program.Variants[idx].Options
	plan.Program.BinaryName = program.Variants[idx].BinaryName
	return plan, nil
}
