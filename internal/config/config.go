// Package config loads orchestrator configuration from YAML, covering
// the knobs of the two inbound constructor variants: device-type
// filter, GPU/CPU device limits, pipeline shape, local range and
// enqueue-mode flags.
package config

import (
	"fmt"
	"os"

	"gopkg.in/yaml.v3"

	"github.com/eriklupander/kerncore/internal/core"
	"github.com/eriklupander/kerncore/internal/ocl"
)

// Config is the orchestrator configuration. Start from Defaults() (Load
// does so) to get the inbound contract's documented defaults; a zero-value
// Config does not carry them (its NumGPUToUse of 0 excludes GPUs and its
// LocalRange is 0).
type Config struct {
	DeviceTypeFilter string `yaml:"deviceTypeFilter"`
	NumGPUToUse      int    `yaml:"numGPUToUse"`
	MaxCPU           int    `yaml:"maxCpu"`

	PipelineEnabled bool   `yaml:"pipelineEnabled"`
	PipelineStages  int    `yaml:"pipelineStages"`
	PipelineType    string `yaml:"pipelineType"` // "event" | "driver"
	LocalRange      int    `yaml:"localRange"`

	EnqueueMode             bool `yaml:"enqueueMode"`
	EnqueueModeAsyncEnable  bool `yaml:"enqueueModeAsyncEnable"`
	FineGrainedQueueControl bool `yaml:"fineGrainedQueueControl"`
}

// Defaults returns a Config matching the inbound contract's documented
// defaults (localRange 256, numGPUToUse -1 meaning "all", MAX_CPU -1
// meaning "logical processors - 1").
func Defaults() Config {
	return Config{
		DeviceTypeFilter: "",
		NumGPUToUse:      -1,
		MaxCPU:           -1,
		PipelineEnabled:  false,
		PipelineStages:   8,
		PipelineType:     "event",
		LocalRange:       core.DefaultLocalRange,
	}
}

// Load reads and parses a YAML configuration file, applying Defaults()
// first so unset fields keep their documented defaults rather than
// YAML's own zero values.
func Load(path string) (Config, error) {
	cfg := Defaults()
	data, err := os.ReadFile(path)
	if err != nil {
		return cfg, fmt.Errorf("config: read %s: %w", path, err)
	}
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return cfg, fmt.Errorf("config: parse %s: %w", path, err)
	}
	return cfg, nil
}

// ParseDeviceFilter exposes ocl.ParseKindSet under the config package's
// Variant-A-compatible name.
func ParseDeviceFilter(filter string) ocl.KindSet {
	return ocl.ParseKindSet(filter)
}

// DeviceKindSet is the Variant B / programmatic equivalent of
// DeviceTypeFilter.
type DeviceKindSet = ocl.KindSet

// PipelineDiscipline maps the YAML pipelineType string onto the core's
// typed discipline, defaulting to EVENT on an unrecognized value.
func (c Config) PipelineDiscipline() core.PipelineDiscipline {
	if c.PipelineType == "driver" {
		return core.PipelineDriver
	}
	return core.PipelineEvent
}

// ResolvedMaxCPU clamps MaxCPU against the number of logical processors
// per the inbound contract: -1 means logical-1, otherwise clamp(MaxCPU,
// 1, logical-1).
func (c Config) ResolvedMaxCPU(logicalProcessors int) int {
	ceiling := logicalProcessors - 1
	if ceiling < 1 {
		ceiling = 1
	}
	if c.MaxCPU < 0 {
		return ceiling
	}
	if c.MaxCPU > ceiling {
		return ceiling
	}
	if c.MaxCPU < 1 {
		return 1
	}
	return c.MaxCPU
}
