package main

import (
	"fmt"
	"os"
	"strings"

	"github.com/charmbracelet/lipgloss"
	"github.com/dustin/go-humanize"
	"github.com/gomlx/kernelforge/backends"
	"github.com/gomlx/kernelforge/pkg/config"
	"github.com/gomlx/kernelforge/pkg/device"
	"github.com/gomlx/kernelforge/pkg/pipeline"
	"github.com/gomlx/kernelforge/pkg/platform"
	"github.com/janpfeifer/must"
	"github.com/pkg/errors"
	"k8s.io/klog/v2"
)

// listTopology prints every platform and device of the backend. Conformant platforms and devices are highlighted.
func listTopology(backend backends.Backend) {
	fmt.Println(titleStyle.Render(fmt.Sprintf("Backend %q: %s", backend.Name(), backend.Description())))
	platforms, err := platform.All(backend)
	if err != nil {
		klog.Errorf("%+v", err)
		return
	}

	platformsTable := newTable([]string{"#", "Name", "Vendor", "Profile", "Version", "Extensions"},
		lipgloss.Right, lipgloss.Left)
	devicesTable := newTable([]string{"Platform", "#", "Name", "Class", "Compute Units", "Global Memory", "Version",
		"Driver"}, lipgloss.Left, lipgloss.Right, lipgloss.Left, lipgloss.Left, lipgloss.Right, lipgloss.Right,
		lipgloss.Left)
	for _, p := range platforms {
		info := must.M1(platform.Describe(backend, p))
		conformant := must.M1(platform.DefaultRequirements.IsConformant(backend, p))
		platformsTable.Row(conformant, fmt.Sprint(p), info.Name, info.Vendor, info.Profile, info.Version,
			strings.Join(info.Extensions, " "))
		devices, err := device.All(backend, p)
		if err != nil {
			klog.Errorf("%+v", err)
			continue
		}
		for _, d := range devices {
			deviceInfo := must.M1(device.Describe(backend, d))
			deviceConformant := conformant && must.M1(device.DefaultRequirements.IsConformant(backend, d))
			devicesTable.Row(deviceConformant, info.Name, fmt.Sprint(d), deviceInfo.Name, deviceInfo.Class.String(),
				humanize.Comma(int64(deviceInfo.ComputeUnits)), humanize.IBytes(deviceInfo.GlobalMemSize),
				deviceInfo.Version, deviceInfo.DriverVersion)
		}
	}
	fmt.Println(titleStyle.Render("Platforms"))
	fmt.Println(platformsTable.Render())
	fmt.Println(titleStyle.Render("Devices"))
	fmt.Println(devicesTable.Render())
}

// reportResources prints the selected platform and devices, the program provenance, the kernels and the binary
// cache entries.
func reportResources(backend backends.Backend, plan *config.Plan, resources *pipeline.Resources) {
	platformName := must.M1(backend.PlatformInfo(resources.Context.Platform(), backends.PlatformName))
	devices := must.M1(resources.Context.Devices())

	fmt.Println(titleStyle.Render("Summary"))
	summary := newTable(nil, lipgloss.Right, lipgloss.Left)
	summary.Row(false, "backend", backend.Name())
	summary.Row(false, "mode", string(plan.Mode))
	summary.Row(false, "platform", platformName)
	summary.Row(false, "# devices", humanize.Comma(int64(len(devices))))
	summary.Row(false, "program", plan.Program.Name)
	summary.Row(false, "options", plan.Program.Options)
	summary.Row(true, "built from", resources.Program.Provenance().String())
	var trace []string
	for _, state := range resources.Program.Trace() {
		trace = append(trace, state.String())
	}
	summary.Row(false, "build states", strings.Join(trace, " → "))
	summary.Row(false, "kernels", strings.Join(resources.KernelNames, ", "))
	fmt.Println(summary.Render())

	cache := resources.Program.Cache()
	if cache == nil {
		fmt.Println(titleStyle.Render("Binary cache disabled"))
		return
	}
	fmt.Println(titleStyle.Render("Binary Cache"))
	cacheTable := newTable([]string{"Device", "Name", "Path", "Size"}, lipgloss.Right, lipgloss.Left,
		lipgloss.Left, lipgloss.Right)
	for _, d := range devices {
		name := must.M1(backend.DeviceInfo(d, backends.DeviceName))
		path, err := cache.Path(d)
		if err != nil {
			klog.Errorf("Failed to derive cache path for device %d: %+v", d, err)
			continue
		}
		size := "missing"
		stat, err := os.Stat(path)
		switch {
		case err == nil:
			size = humanize.Bytes(uint64(stat.Size()))
		case !errors.Is(err, os.ErrNotExist):
			size = "error"
			klog.Warningf("Failed to stat %q: %v", path, err)
		}
		cacheTable.Row(err != nil, fmt.Sprint(d), name, path, size)
	}
	fmt.Println(cacheTable.Render())
}
