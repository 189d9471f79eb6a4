package pipeline_test

import (
	"testing"

	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/eriklupander/kerncore/internal/core"
	"github.com/eriklupander/kerncore/internal/ocl"
	"github.com/eriklupander/kerncore/internal/ocl/ocltest"
	"github.com/eriklupander/kerncore/internal/pipeline"
	"github.com/eriklupander/kerncore/internal/worker"
)

func newWorker(t *testing.T, queues int) (*worker.DeviceWorker, *ocltest.Device) {
	t.Helper()
	dev := ocltest.NewDevice("fake", ocl.KindGPU)
	w, err := worker.New(logrus.NewEntry(logrus.New()), dev, queues)
	require.NoError(t, err)
	require.NoError(t, w.LoadProgram("kernel void square(...) {}", []string{"square"}))
	return w, dev
}

func TestFeasibleRequiresAlignmentAndStageShape(t *testing.T) {
	assert.True(t, pipeline.Feasible(4096, 8, 64, 0))
	assert.False(t, pipeline.Feasible(100, 4, 64, 0), "globalRange smaller than stages*localRange")
	assert.False(t, pipeline.Feasible(4096, 7, 64, 0), "stage count not a multiple of 4")
	assert.False(t, pipeline.Feasible(4096, 8, 64, 2), "numRepeats>1 disables pipelining")
}

func TestExecuteEventDisciplineIssuesAllSegments(t *testing.T) {
	w, dev := newWorker(t, 17)
	arr := &ocltest.HostArray{NameVal: "a", Data: make([]float32, 4096)}
	bufs := map[string]ocl.Buffer{"a": &ocltest.Buffer{}}

	err := pipeline.Execute(w, pipeline.Run{
		Discipline:          pipeline.Event,
		Stages:              8,
		LocalRange:          64,
		Offset:              0,
		Range:               4096,
		Kernels:             []string{"square"},
		Arrays:              []core.ArrayBinding{{Array: arr, Policy: core.PolicyPartialRead}},
		Buffers:             bufs,
		ElementsPerWorkitem: 1,
	})
	require.NoError(t, err)

	var kernelCalls int
	for _, line := range dev.EnqueueLog {
		if len(line) > 7 && line[:7] == "kernel:" {
			kernelCalls++
		}
	}
	assert.Equal(t, 8, kernelCalls, "one compute issue per segment across both halves")
}

func TestExecuteDriverDisciplineUsesAuxiliaryQueues(t *testing.T) {
	w, dev := newWorker(t, 17)
	arr := &ocltest.HostArray{NameVal: "a", Data: make([]float32, 4096)}
	bufs := map[string]ocl.Buffer{"a": &ocltest.Buffer{}}

	err := pipeline.Execute(w, pipeline.Run{
		Discipline:          pipeline.Driver,
		Stages:              16,
		LocalRange:          64,
		Offset:              0,
		Range:               4096,
		Kernels:             []string{"square"},
		Arrays:              []core.ArrayBinding{{Array: arr, Policy: core.PolicyPartialRead}},
		Buffers:             bufs,
		ElementsPerWorkitem: 1,
	})
	require.NoError(t, err)

	var kernelCalls int
	for _, line := range dev.EnqueueLog {
		if len(line) > 7 && line[:7] == "kernel:" {
			kernelCalls++
		}
	}
	assert.Equal(t, 16, kernelCalls)
}

func TestExecuteRejectsNonMultipleOfFourStages(t *testing.T) {
	w, _ := newWorker(t, 17)
	err := pipeline.Execute(w, pipeline.Run{
		Discipline: pipeline.Driver,
		Stages:     6,
		LocalRange: 64,
		Range:      4096,
		Kernels:    []string{"square"},
	})
	assert.Error(t, err)
}
