package config_test

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/eriklupander/kerncore/internal/config"
	"github.com/eriklupander/kerncore/internal/core"
)

func TestDefaultsMatchInboundContract(t *testing.T) {
	d := config.Defaults()
	assert.Equal(t, core.DefaultLocalRange, d.LocalRange)
	assert.Equal(t, -1, d.NumGPUToUse)
	assert.Equal(t, -1, d.MaxCPU)
}

func TestLoadAppliesDefaultsThenOverrides(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "cfg.yaml")
	require.NoError(t, os.WriteFile(path, []byte("numGPUToUse: 2\npipelineType: driver\n"), 0o644))

	cfg, err := config.Load(path)
	require.NoError(t, err)
	assert.Equal(t, 2, cfg.NumGPUToUse)
	assert.Equal(t, core.DefaultLocalRange, cfg.LocalRange) // untouched field keeps its default
	assert.Equal(t, core.PipelineDriver, cfg.PipelineDiscipline())
}

func TestParseDeviceFilter(t *testing.T) {
	set := config.ParseDeviceFilter("GPU")
	assert.True(t, set.GPU)
	assert.False(t, set.CPU)
}

func TestResolvedMaxCPUClampsRange(t *testing.T) {
	cfg := config.Defaults()
	assert.Equal(t, 7, cfg.ResolvedMaxCPU(8))

	cfg.MaxCPU = 100
	assert.Equal(t, 7, cfg.ResolvedMaxCPU(8))

	cfg.MaxCPU = 3
	assert.Equal(t, 3, cfg.ResolvedMaxCPU(8))
}
