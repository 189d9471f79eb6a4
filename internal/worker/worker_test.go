package worker_test

import (
	"testing"

	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/eriklupander/kerncore/internal/core"
	"github.com/eriklupander/kerncore/internal/ocl"
	"github.com/eriklupander/kerncore/internal/ocl/ocltest"
	"github.com/eriklupander/kerncore/internal/worker"
)

func newWorker(t *testing.T, queues int) (*worker.DeviceWorker, *ocltest.Device) {
	t.Helper()
	dev := ocltest.NewDevice("fake-gpu-0", ocl.KindGPU)
	w, err := worker.New(logrus.NewEntry(logrus.New()), dev, queues)
	require.NoError(t, err)
	require.NoError(t, w.LoadProgram("kernel void square(...) {}", []string{"square", "barrier"}))
	return w, dev
}

func TestKernelArgumentIsIdempotent(t *testing.T) {
	w, dev := newWorker(t, 4)
	arr := &ocltest.HostArray{NameVal: "a", Data: make([]float32, 16)}
	bufs := map[string]ocl.Buffer{"a": &ocltest.Buffer{}}
	bindings := []core.ArrayBinding{{Array: arr, Policy: core.PolicyPartialRead}}

	require.NoError(t, w.KernelArgument("square", bindings, 1, 0, bufs))
	before := len(dev.EnqueueLog)
	require.NoError(t, w.KernelArgument("square", bindings, 1, 0, bufs))
	assert.Equal(t, before, len(dev.EnqueueLog), "rebinding identical args should be a no-op (P3)")
}

func TestKernelArgumentRebindsOnChange(t *testing.T) {
	w, dev := newWorker(t, 4)
	arr := &ocltest.HostArray{NameVal: "a", Data: make([]float32, 16)}
	bufs := map[string]ocl.Buffer{"a": &ocltest.Buffer{}}

	require.NoError(t, w.KernelArgument("square", []core.ArrayBinding{{Array: arr, Policy: core.PolicyPartialRead}}, 1, 0, bufs))
	before := len(dev.EnqueueLog)
	require.NoError(t, w.KernelArgument("square", []core.ArrayBinding{{Array: arr, Policy: core.PolicyRead}}, 1, 0, bufs))
	assert.Greater(t, len(dev.EnqueueLog), before)
}

func TestWriteToBufferRespectsPolicy(t *testing.T) {
	w, dev := newWorker(t, 1)
	arr := &ocltest.HostArray{NameVal: "a", Data: make([]float32, 16)}
	bufs := map[string]ocl.Buffer{"a": &ocltest.Buffer{}}

	_, err := w.WriteToBuffer(w.PrimaryQueue(), []core.ArrayBinding{{Array: arr, Policy: core.PolicyWrite}}, bufs, 0, 16, 1, true, nil)
	require.NoError(t, err)
	for _, line := range dev.EnqueueLog {
		assert.NotContains(t, line, "write:", "write-policy array must not be transferred host->device")
	}
}

func TestComputeRepeatedWithSyncKernelInsertsBarrierBetweenButNotAfter(t *testing.T) {
	w, dev := newWorker(t, 1)
	_, err := w.ComputeRepeatedWithSyncKernel(w.PrimaryQueue(), "square", 0, 256, 256, 3, "barrier", nil)
	require.NoError(t, err)

	var kernelCalls, barrierCalls int
	for _, line := range dev.EnqueueLog {
		if line == "" {
			continue
		}
		if containsKernel(line, "square") {
			kernelCalls++
		}
		if containsKernel(line, "barrier") {
			barrierCalls++
		}
	}
	assert.Equal(t, 3, kernelCalls)
	assert.Equal(t, 2, barrierCalls, "sync kernel runs between iterations only, not after the last")
}

func containsKernel(line, name string) bool {
	prefix := "kernel:" + name + ":"
	return len(line) >= len(prefix) && line[:len(prefix)] == prefix
}

func TestStartEndBenchMeasuresElapsed(t *testing.T) {
	w, _ := newWorker(t, 1)
	w.StartBench(0)
	elapsed := w.EndBench(0)
	assert.GreaterOrEqual(t, elapsed, 0.0)
	assert.Equal(t, elapsed, w.LastBenchmark(0))
}

func TestEndBenchIgnoresSyncKernelComputeID(t *testing.T) {
	w, _ := newWorker(t, 1)
	w.StartBench(core.SyncKernelComputeID)
	assert.Zero(t, w.EndBench(core.SyncKernelComputeID))
}

func TestMarkerCountsTrackIssuedAndCompleted(t *testing.T) {
	w, _ := newWorker(t, 1)
	require.NoError(t, w.AddMarkerForCounting(w.PrimaryQueue(), nil))
	require.NoError(t, w.AddMarkerForCounting(w.PrimaryQueue(), nil))

	// the completion callback runs on its own goroutine; WaitMarkers joins
	// it so issued == completed is deterministic here rather than racy (P5).
	w.WaitMarkers()
	issued, completed := w.MarkerCounts()
	assert.Equal(t, int64(2), issued)
	assert.Equal(t, int64(2), completed)
}

func TestQueueWrapsModuloOwnedCount(t *testing.T) {
	w, _ := newWorker(t, 4)
	assert.Same(t, w.Queue(0), w.Queue(4))
}

func TestEnsureBufferCachesAcrossCallsAndReallocatesOnSizeChange(t *testing.T) {
	w, _ := newWorker(t, 1)

	buf1, err := w.EnsureBuffer("a", ocl.MemReadWrite, 64)
	require.NoError(t, err)
	buf2, err := w.EnsureBuffer("a", ocl.MemReadWrite, 64)
	require.NoError(t, err)
	assert.Same(t, buf1, buf2, "unchanged size/flags must reuse the cached buffer")

	buf3, err := w.EnsureBuffer("a", ocl.MemReadWrite, 128)
	require.NoError(t, err)
	assert.NotSame(t, buf1, buf3, "a size change must reallocate")
}

func TestEnsureBufferReallocationForcesArgumentRebind(t *testing.T) {
	w, dev := newWorker(t, 1)
	arr := &ocltest.HostArray{NameVal: "a", Data: make([]float32, 16)}
	binding := []core.ArrayBinding{{Array: arr, Policy: core.PolicyPartialRead}}

	buf1, err := w.EnsureBuffer("a", ocl.MemReadWrite, 64)
	require.NoError(t, err)
	require.NoError(t, w.KernelArgument("square", binding, 1, 0, map[string]ocl.Buffer{"a": buf1}))
	before := len(dev.EnqueueLog)

	require.NoError(t, w.KernelArgument("square", binding, 1, 0, map[string]ocl.Buffer{"a": buf1}))
	assert.Equal(t, before, len(dev.EnqueueLog), "same buffer, same bindings: still idempotent (P3)")

	buf2, err := w.EnsureBuffer("a", ocl.MemReadWrite, 128)
	require.NoError(t, err)
	require.NoError(t, w.KernelArgument("square", binding, 1, 0, map[string]ocl.Buffer{"a": buf2}))
	assert.Greater(t, len(dev.EnqueueLog), before, "a reallocated buffer must force a rebind even though name/policy are unchanged")
}
