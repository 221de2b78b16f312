// kernelforge selects the compute platform and devices of the host, builds a program for them (reusing cached
// binaries when valid for every device) and creates its kernels.
//
// Usage:
//
//	kernelforge -list
//	kernelforge -config examples/saxpy/saxpy.hcl -mode release
//
// Without -config, the saxpy program is built from "OpenCL Source" in the current directory, and its binaries
// cached in "OpenCL Binaries".
package main

import (
	"flag"
	"fmt"
	"os"

	"github.com/charmbracelet/lipgloss"
	"github.com/gomlx/kernelforge/backends"
	_ "github.com/gomlx/kernelforge/backends/default"
	"github.com/gomlx/kernelforge/pkg/config"
	"github.com/gomlx/kernelforge/pkg/failures"
	"github.com/gomlx/kernelforge/pkg/pipeline"
	"github.com/janpfeifer/must"
	"github.com/muesli/termenv"
	"k8s.io/klog/v2"
)

var (
	flagBackend = flag.String("backend", "",
		fmt.Sprintf("Backend configuration, in the form \"<name>:<config>\". Defaults to $%s or the first "+
			"registered backend. Available: %q.", backends.KERNELFORGE_BACKEND, backends.Available()))
	flagConfig = flag.String("config", "", "HCL build descriptor. If empty, the saxpy program in the current "+
		"directory is built.")
	flagMode        = flag.String("mode", string(config.Release), "Build variant: \"debug\" or \"release\".")
	flagList        = flag.Bool("list", false, "List the platforms and devices of the backend, and exit.")
	flagForceSource = flag.Bool("force_source", false, "Always build from source, ignoring cached binaries.")
	flagNoCache     = flag.Bool("no_cache", false, "Disable binary caching: don't read or write cached binaries.")
	flagNoColor     = flag.Bool("no_color", false, "Disable colors in the output.")
)

// Exit codes.
const (
	exitFailure    = 1
	exitNoResource = 2

	// exitPipelineFailure is returned when a stage of the pipeline fails: enumeration, context creation,
	// source reading, compilation or kernel creation.
	exitPipelineFailure = 3
)

func main() {
	klog.InitFlags(nil)
	flag.Parse()
	if len(flag.Args()) > 0 {
		klog.Errorf("Unexpected arguments %q. See 'kernelforge -help'.", flag.Args())
		os.Exit(1)
	}
	output := termenv.NewOutput(os.Stdout)
	if *flagNoColor {
		lipgloss.SetColorProfile(termenv.Ascii)
	} else {
		lipgloss.SetColorProfile(output.Profile)
	}
	os.Exit(run())
}

func run() int {
	var plan *config.Plan
	if !*flagList {
		var err error
		if plan, err = loadPlan(); err != nil {
			klog.Errorf("Failed to load build descriptor: %+v", err)
			return exitFailure
		}
	}
	backend, err := newBackend(plan)
	if err != nil {
		klog.Errorf("Failed to create backend: %+v", err)
		return exitFailure
	}
	defer backend.Finalize()

	if *flagList {
		listTopology(backend)
		return 0
	}

	if *flagForceSource {
		plan.Settings.ForceSource = true
	}
	if *flagNoCache {
		plan.Settings.EnableBinaryCaching = false
	}
	klog.V(1).Infof("Settings: %s", plan.Settings)

	resources, ok, err := pipeline.Acquire(backend, plan)
	if err != nil {
		klog.Errorf("Failed to acquire resources: %+v", err)
		return exitCode(err)
	}
	if !ok {
		fmt.Println(titleStyle.Render("No platform was selected."))
		return exitNoResource
	}
	defer func() {
		if err := resources.Release(); err != nil {
			klog.Errorf("Failed to release resources: %+v", err)
		}
	}()
	reportResources(backend, plan, resources)
	return 0
}

// newBackend creates the backend configured by -backend, or else by $KERNELFORGE_BACKEND, or else by the
// descriptor's backend attribute. The plan can be nil.
func newBackend(plan *config.Plan) (backends.Backend, error) {
	if plan != nil && plan.Backend != "" {
		backends.DefaultConfig = plan.Backend
	}
	return backends.TryNew(*flagBackend)
}

// exitCode for an error returned by pipeline.Acquire.
func exitCode(err error) int {
	e, ok := failures.As(err)
	if !ok || !e.Kind.IsFatal() {
		return exitFailure
	}
	klog.V(1).Infof("Pipeline failed with %s in %q", e.Kind, e.Stage)
	return exitPipelineFailure
}

func loadPlan() (*config.Plan, error) {
	mode, err := config.ParseMode(*flagMode)
	if err != nil {
		return nil, err
	}
	if *flagConfig != "" {
		return config.Load(*flagConfig, mode)
	}
	return config.DefaultPlan(must.M1(os.Getwd()), mode), nil
}
