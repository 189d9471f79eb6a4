package core_test

import (
	"testing"

	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/eriklupander/kerncore/internal/core"
	"github.com/eriklupander/kerncore/internal/ocl"
	"github.com/eriklupander/kerncore/internal/ocl/ocltest"
)

func TestEnqueueModeDrainsOnExit(t *testing.T) {
	var devices []ocl.Device
	devices = append(devices, ocltest.NewDevice("d0", ocl.KindGPU))
	disp := core.New(logrus.NewEntry(logrus.New()), devices, "kernel void square(...) {}", []string{"square"}, 2)
	require.Zero(t, disp.ErrorCode())

	require.NoError(t, disp.SetEnqueueMode(true))

	arr := &ocltest.HostArray{NameVal: "a", Data: make([]float32, 256)}
	require.NoError(t, disp.Compute(core.ComputeRequest{
		Kernels:     []string{"square"},
		Arrays:      []core.ArrayBinding{{Array: arr, Policy: core.PolicyPartialRead}},
		GlobalRange: 256,
		ComputeID:   1,
		LocalRange:  64,
	}))

	require.NoError(t, disp.SetEnqueueMode(false))
}

func TestFineGrainedQueueControlTracksMarkers(t *testing.T) {
	var devices []ocl.Device
	devices = append(devices, ocltest.NewDevice("d0", ocl.KindGPU))
	disp := core.New(logrus.NewEntry(logrus.New()), devices, "kernel void square(...) {}", []string{"square"}, 2)
	disp.SetFineGrainedQueueControl(true)

	arr := &ocltest.HostArray{NameVal: "a", Data: make([]float32, 256)}
	require.NoError(t, disp.Compute(core.ComputeRequest{
		Kernels:     []string{"square"},
		Arrays:      []core.ArrayBinding{{Array: arr, Policy: core.PolicyPartialRead}},
		GlobalRange: 256,
		ComputeID:   2,
		LocalRange:  64,
	}))

	assert.Equal(t, int64(1), disp.CountMarkers())
	assert.GreaterOrEqual(t, disp.RemainingMarkers(), int64(0))
}

// TestEnqueueModeDrainJoinsMarkerCallbacks is P5: immediately after the
// enqueueMode true->false transition returns, every marker issued during
// the scope must already have its completion callback observed, not just
// its queue finished.
func TestEnqueueModeDrainJoinsMarkerCallbacks(t *testing.T) {
	var devices []ocl.Device
	devices = append(devices, ocltest.NewDevice("d0", ocl.KindGPU))
	disp := core.New(logrus.NewEntry(logrus.New()), devices, "kernel void square(...) {}", []string{"square"}, 2)
	disp.SetFineGrainedQueueControl(true)
	require.NoError(t, disp.SetEnqueueMode(true))

	arr := &ocltest.HostArray{NameVal: "a", Data: make([]float32, 256)}
	for i := 0; i < 5; i++ {
		require.NoError(t, disp.Compute(core.ComputeRequest{
			Kernels:     []string{"square"},
			Arrays:      []core.ArrayBinding{{Array: arr, Policy: core.PolicyPartialRead}},
			GlobalRange: 256,
			ComputeID:   3,
			LocalRange:  64,
		}))
	}

	require.NoError(t, disp.SetEnqueueMode(false))
	assert.Equal(t, int64(5), disp.CountMarkers())
	assert.Equal(t, disp.CountMarkers(), disp.CountMarkerCallbacks(), "P5: countMarkers() == countMarkerCallbacks() immediately after the drain barrier returns")
}
