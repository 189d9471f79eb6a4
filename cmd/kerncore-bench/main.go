// Command kerncore-bench is a demo CLI around the orchestrator core: it
// loads a YAML configuration, discovers devices, runs a benchmark
// kernel chain across them, and prints a performance report. It is an
// outer demo surface, analogous to the teacher's cmd/opencl-demo, not
// part of the core itself.
package main

import (
	"fmt"
	"os"

	"github.com/sirupsen/logrus"
	"github.com/urfave/cli/v2"

	"github.com/eriklupander/kerncore/internal/config"
	"github.com/eriklupander/kerncore/internal/core"
	"github.com/eriklupander/kerncore/internal/ocl"
)

var log = logrus.WithField("component", "kerncore-bench")

var globalFlags = []cli.Flag{
	&cli.StringFlag{
		Name:    "config",
		Aliases: []string{"c"},
		Usage:   "Path to a YAML orchestrator configuration file",
		EnvVars: []string{"KERNCORE_CONFIG"},
	},
	&cli.BoolFlag{
		Name:  "verbose",
		Usage: "Enable debug logging",
	},
}

func main() {
	app := &cli.App{
		Name:  "kerncore-bench",
		Usage: "discover devices and benchmark a kernel chain across them",
		Description: `kerncore-bench exercises the kerncore orchestrator against whatever
OpenCL devices are visible on this host.

Examples:
  kerncore-bench devices
  kerncore-bench --config bench.yaml run`,
		Flags: globalFlags,
		Commands: []*cli.Command{
			runCommand,
			devicesCommand,
		},
		Before: func(c *cli.Context) error {
			if c.Bool("verbose") {
				logrus.SetLevel(logrus.DebugLevel)
			}
			return nil
		},
	}

	if err := app.Run(os.Args); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

func loadConfig(c *cli.Context) (config.Config, error) {
	path := c.String("config")
	if path == "" {
		return config.Defaults(), nil
	}
	return config.Load(path)
}

func discover(cfg config.Config) ([]ocl.Device, error) {
	disc := ocl.NewDiscoverer()
	kinds := config.ParseDeviceFilter(cfg.DeviceTypeFilter)
	return disc.Discover(kinds, cfg.NumGPUToUse)
}

var devicesCommand = &cli.Command{
	Name:  "devices",
	Usage: "list discovered devices and their memory policy",
	Action: func(c *cli.Context) error {
		cfg, err := loadConfig(c)
		if err != nil {
			return err
		}
		devices, err := discover(cfg)
		if err != nil {
			return fmt.Errorf("discover devices: %w", err)
		}
		for i, d := range devices {
			fmt.Printf("[%d] %-24s kind=%-4s memory=%s\n", i, d.Name(), d.Kind(), d.MemoryPolicy())
		}
		return nil
	},
}

const benchKernelSource = `
__kernel void square(__global float* data) {
    int i = get_global_id(0);
    data[i] = data[i] * data[i];
}`

var runCommand = &cli.Command{
	Name:  "run",
	Usage: "run a demo square kernel across discovered devices and print a performance report",
	Flags: []cli.Flag{
		&cli.IntFlag{Name: "global-range", Value: 1 << 20},
		&cli.IntFlag{Name: "iterations", Value: 5},
	},
	Action: func(c *cli.Context) error {
		cfg, err := loadConfig(c)
		if err != nil {
			return err
		}
		devices, err := discover(cfg)
		if err != nil {
			return fmt.Errorf("discover devices: %w", err)
		}
		if len(devices) == 0 {
			return fmt.Errorf("no matching devices found")
		}

		queueCount := 17
		if cfg.MaxCPU == 0 {
			queueCount = 1
		}
		dispatcher := core.New(log, devices, benchKernelSource, []string{"square"}, queueCount)
		defer dispatcher.Close()

		data := make([]float32, c.Int("global-range"))
		for i := range data {
			data[i] = float32(i % 97)
		}
		arrays := []core.ArrayBinding{{Array: &hostFloatArray{name: "data", data: data}, Policy: core.PolicyPartialRead}}

		for i := 0; i < c.Int("iterations"); i++ {
			err := dispatcher.Compute(core.ComputeRequest{
				Kernels:             []string{"square"},
				Arrays:              arrays,
				ElementsPerWorkitem: 1,
				GlobalRange:         len(data),
				ComputeID:           0,
				PipelineEnabled:     cfg.PipelineEnabled,
				PipelineStages:      cfg.PipelineStages,
				PipelineType:        cfg.PipelineDiscipline(),
				LocalRange:          cfg.LocalRange,
			})
			if err != nil {
				log.WithError(err).Warn("compute call failed")
			}
		}

		if code := dispatcher.ErrorCode(); code != 0 {
			fmt.Fprintln(os.Stderr, dispatcher.ErrorMessage())
			return fmt.Errorf("dispatcher reported %d error(s)", code)
		}
		fmt.Print(dispatcher.PerformanceReport(0))
		return nil
	},
}
