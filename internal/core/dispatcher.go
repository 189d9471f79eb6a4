package core

import (
	"fmt"
	"strings"
	"sync"

	"github.com/sirupsen/logrus"
	"golang.org/x/sync/errgroup"

	"github.com/eriklupander/kerncore/internal/affinity"
	"github.com/eriklupander/kerncore/internal/balancer"
	"github.com/eriklupander/kerncore/internal/ocl"
	"github.com/eriklupander/kerncore/internal/pipeline"
	"github.com/eriklupander/kerncore/internal/worker"
)

// computeState is the per-compute-id scheduling state owned by the
// dispatcher: ranges, offsets, last benchmark and smoothing history.
type computeState struct {
	ranges     []int
	references []int
	benchmarks []float64
	history    *balancer.History
}

// ComputeRequest bundles one compute(...) call's arguments, mirroring
// the entry point signature in spec §4.4.
type ComputeRequest struct {
	Kernels             []string
	NumRepeats          int
	SyncKernel          string
	Arrays              []ArrayBinding
	ElementsPerWorkitem int
	GlobalRange         int
	ComputeID           int
	GlobalOffset        int
	PipelineEnabled     bool
	PipelineStages      int
	PipelineType        PipelineDiscipline
	LocalRange          int
}

// JobDispatcher is "Cores": the public entry point that pins host
// arrays, consults the load balancer, fans out to per-device workers,
// joins, and reports results.
type JobDispatcher struct {
	log *logrus.Entry

	mu      sync.Mutex // guards states, lastUsedComputeId, registry, the enqueue flags, rrIndex and workers on Close
	workers []*worker.DeviceWorker
	specs   []DeviceSpec

	states            map[int]*computeState
	lastUsedComputeId int

	errs      errorAccumulator
	affinity  *affinity.Refresher
	registry  map[string]any // strong-reference registry, keyed by array name

	enqueueMode             bool
	enqueueModeAsyncEnable  bool
	fineGrainedQueueControl bool
	rrIndex                 int
}

// New constructs a dispatcher over the given devices, compiling
// kernelSource with kernelNames on every device. queueCount is the
// number of command queues to create per device (1 primary + auxiliary,
// per inbound Variant B's computeQueueConcurrency); pass 17 for full
// pipelining capability, 1 when noPipelining is requested.
func New(log *logrus.Entry, devices []ocl.Device, kernelSource string, kernelNames []string, queueCount int) *JobDispatcher {
	d := &JobDispatcher{
		log:               log.WithField("component", "dispatcher"),
		states:            make(map[int]*computeState),
		registry:          make(map[string]any),
		lastUsedComputeId: -1,
	}
	d.affinity = affinity.New(AffinityRefreshPeriod, affinity.ApplyAll())

	if len(devices) == 0 {
		d.errs.record(newError("New", CodeNoDevice, "", 0, ocl.ErrNoDevice))
		d.errs.setInert()
		return d
	}

	for _, dev := range devices {
		w, err := worker.New(d.log, dev, queueCount)
		if err != nil {
			d.errs.record(newError("New", CodeNoDevice, dev.Name(), 0, err))
			d.errs.setInert()
			continue
		}
		if err := w.LoadProgram(kernelSource, kernelNames); err != nil {
			d.errs.record(newError("New", CodeCompile, dev.Name(), 0, err))
			d.errs.setInert()
			continue
		}
		d.workers = append(d.workers, w)
		d.specs = append(d.specs, DeviceSpec{
			Device:       dev,
			Kind:         dev.Kind(),
			MemoryPolicy: dev.MemoryPolicy(),
			QueueCount:   w.QueueCount(),
		})
	}
	return d
}

// NumberOfDevices returns the count of successfully initialized devices.
func (d *JobDispatcher) NumberOfDevices() int { return len(d.workers) }

// DeviceNames returns the name of each successfully initialized device.
func (d *JobDispatcher) DeviceNames() []string {
	names := make([]string, len(d.specs))
	for i, s := range d.specs {
		names[i] = s.Device.Name()
	}
	return names
}

// ErrorCode returns the accumulated error count.
func (d *JobDispatcher) ErrorCode() int { return d.errs.errorCode() }

// ErrorMessage returns the accumulated textual error log.
func (d *JobDispatcher) ErrorMessage() string { return d.errs.allErrors() }

// Benchmarks returns the last observed per-device execution time (ms)
// for computeID.
func (d *JobDispatcher) Benchmarks(computeID int) []float64 {
	d.mu.Lock()
	defer d.mu.Unlock()
	st, ok := d.states[computeID]
	if !ok {
		return nil
	}
	return append([]float64(nil), st.benchmarks...)
}

// PerformanceHistory returns the H x D smoothing ring for computeID.
func (d *JobDispatcher) PerformanceHistory(computeID int) [][]float64 {
	d.mu.Lock()
	defer d.mu.Unlock()
	st, ok := d.states[computeID]
	if !ok || st.history == nil {
		return nil
	}
	return st.history.Snapshot(len(d.workers))
}

// PerformanceReport renders a human-readable per-device report: one
// line per device with index, name, percent share (1 decimal),
// latency ms, and memory policy token, followed by a totals line.
func (d *JobDispatcher) PerformanceReport(computeID int) string {
	d.mu.Lock()
	st, ok := d.states[computeID]
	specs := append([]DeviceSpec(nil), d.specs...)
	d.mu.Unlock()
	if !ok {
		return "no data for compute-id"
	}

	var total int
	for _, r := range st.ranges {
		total += r
	}

	var b strings.Builder
	for i, spec := range specs {
		rng := 0
		if i < len(st.ranges) {
			rng = st.ranges[i]
		}
		lat := 0.0
		if i < len(st.benchmarks) {
			lat = st.benchmarks[i]
		}
		pct := 0.0
		if total > 0 {
			pct = 100 * float64(rng) / float64(total)
		}
		fmt.Fprintf(&b, "[%d] %-24s %5.1f%%  %8.2fms  %s\n", i, spec.Device.Name(), pct, lat, spec.MemoryPolicy.String())
	}
	fmt.Fprintf(&b, "total: %d workitems across %d devices\n", total, len(specs))
	return b.String()
}

// CountMarkers returns the total markers issued across all workers.
func (d *JobDispatcher) CountMarkers() int64 {
	var total int64
	for _, w := range d.workers {
		issued, _ := w.MarkerCounts()
		total += issued
	}
	return total
}

// CountMarkerCallbacks returns the total completed marker callbacks
// across all workers.
func (d *JobDispatcher) CountMarkerCallbacks() int64 {
	var total int64
	for _, w := range d.workers {
		_, completed := w.MarkerCounts()
		total += completed
	}
	return total
}

// Close releases every worker's queues, kernels and programs. Idempotent.
func (d *JobDispatcher) Close() {
	d.mu.Lock()
	defer d.mu.Unlock()
	for i := len(d.workers) - 1; i >= 0; i-- {
		d.workers[i].Close()
	}
	d.workers = nil
}

// Compute is the public entry point: the 8-step sequence of spec §4.4.
func (d *JobDispatcher) Compute(req ComputeRequest) error {
	// Step 1: error gate.
	if d.errs.isInert() {
		return newError("Compute", CodeNoDevice, "", req.ComputeID, nil)
	}
	if err := d.validateContract(req); err != nil {
		d.errs.record(err)
		return err
	}

	// Step 2: strong-reference registration.
	d.mu.Lock()
	for _, a := range req.Arrays {
		d.registry[a.Array.Name()] = a.Array
		if view, ok := a.Array.NativeView(); ok {
			d.registry[a.Array.Name()+"@native"] = view
		}
	}
	d.mu.Unlock()

	// Step 3: pinning is implicit for supported numeric host arrays via
	// the unsafe.Pointer each binding exposes; device-native arrays
	// (Pointer() returning ok=false) are skipped, matching spec wording.

	// Step 4: processor-affinity refresh every AffinityRefreshPeriod calls.
	if _, err := d.affinity.Tick(); err != nil {
		d.log.WithError(err).Warn("affinity refresh failed")
	}

	// Step 5: range reconciliation.
	st := d.reconcile(req)

	// Step 6: pipelining feasibility.
	pipelineOK := req.PipelineEnabled
	if pipelineOK {
		for _, r := range st.ranges {
			if !pipeline.Feasible(r, req.PipelineStages, req.LocalRange, req.NumRepeats) {
				pipelineOK = false
				break
			}
		}
	}

	// Step 7: bounded parallel fan-out across devices.
	benches := make([]float64, len(d.workers))
	var g errgroup.Group
	for i := range d.workers {
		i := i
		if st.ranges[i] <= 0 {
			continue // partial success: zero-range devices are skipped without error
		}
		run := func() error {
			w := d.workers[i]
			w.StartBench(req.ComputeID)
			var err error
			if pipelineOK {
				err = d.runPipelined(w, req, st, i)
			} else {
				err = d.runSimple(w, req, st, i)
			}
			benches[i] = w.EndBench(req.ComputeID)
			if err != nil {
				d.errs.record(newError("Compute", CodeTransfer, d.specs[i].Device.Name(), req.ComputeID, err))
			}
			return nil // per-device errors are accumulated, not propagated as fan-out failure
		}
		if len(d.workers) > 1 {
			g.Go(run)
		} else {
			_ = run()
		}
	}
	_ = g.Wait()

	d.mu.Lock()
	st.benchmarks = benches
	d.lastUsedComputeId = req.ComputeID
	d.mu.Unlock()

	// Step 8: unpin (implicit; nothing to release for non-pinned
	// backends) — state update already recorded above.
	return nil
}

func (d *JobDispatcher) validateContract(req ComputeRequest) error {
	var writeAllCount int
	for _, a := range req.Arrays {
		if a.Policy == PolicyWriteAll {
			writeAllCount++
		}
	}
	if writeAllCount > 0 && len(d.workers) > 1 {
		return newError("Compute", CodeContractBreach, "", req.ComputeID,
			fmt.Errorf("write-all policy is only valid with a single participating device"))
	}
	if req.PipelineStages != 0 && req.PipelineStages%4 != 0 {
		d.log.WithField("stages", req.PipelineStages).Warn("pipelineStages not a multiple of 4, falling back to simple R->C->W")
	}
	return nil
}

// reconcile returns the current computeState for req.ComputeID, creating
// it with an equal initial split (remainder to device 0, before any
// alignment snapping) on first reference, or invoking the balancer
// otherwise.
func (d *JobDispatcher) reconcile(req ComputeRequest) *computeState {
	d.mu.Lock()
	defer d.mu.Unlock()

	n := len(d.workers)
	st, ok := d.states[req.ComputeID]
	if !ok {
		st = &computeState{
			ranges:     initialEqualSplit(req.GlobalRange, n),
			benchmarks: seedBenchmarks(n),
			history:    balancer.NewHistory(HistoryDepth, n),
		}
		st.references = referencesFrom(st.ranges, req.GlobalOffset)
		d.states[req.ComputeID] = st

		// globalRange < localRange (S5): clamp the sole participating
		// device up to the full range rather than rounding down.
		if n == 1 && req.LocalRange > 0 && req.GlobalRange < req.LocalRange {
			st.ranges[0] = req.GlobalRange
			st.references = referencesFrom(st.ranges, req.GlobalOffset)
		}
		return st
	}

	alignment := req.LocalRange
	if alignment <= 0 {
		alignment = DefaultLocalRange
	}
	if req.PipelineEnabled && req.PipelineStages > 0 {
		alignment = req.PipelineStages * alignment
	}

	newRanges := balancer.Rebalance(balancer.Input{
		Benchmarks:  st.benchmarks,
		Smooth:      true,
		History:     st.history,
		GlobalRange: req.GlobalRange,
		Ranges:      st.ranges,
		Alignment:   alignment,
	})
	st.ranges = newRanges
	st.references = referencesFrom(st.ranges, req.GlobalOffset)
	return st
}

func initialEqualSplit(globalRange, n int) []int {
	if n == 0 {
		return nil
	}
	ranges := make([]int, n)
	base := globalRange / n
	rem := globalRange - base*n
	for i := range ranges {
		ranges[i] = base
	}
	ranges[0] += rem // I1: remainder assigned to device 0, before alignment snapping.
	return ranges
}

func seedBenchmarks(n int) []float64 {
	const seed = 10.0
	bm := make([]float64, n)
	for i := range bm {
		bm[i] = seed
	}
	return bm
}

func referencesFrom(ranges []int, globalOffset int) []int {
	refs := make([]int, len(ranges))
	acc := globalOffset
	for i, r := range ranges {
		refs[i] = acc
		acc += r
	}
	return refs
}

// runSimple is the non-pipelined path: kernelArgument -> writeToBuffer ->
// compute (or computeRepeated[WithSyncKernel]) -> readFromBuffer.
func (d *JobDispatcher) runSimple(w *worker.DeviceWorker, req ComputeRequest, st *computeState, idx int) error {
	offset := st.references[idx]
	rng := st.ranges[idx]

	bufs, err := ensureBuffers(w, req.Arrays, req.ComputeID)
	if err != nil {
		return err
	}

	for _, k := range req.Kernels {
		if err := w.KernelArgument(k, req.Arrays, req.ElementsPerWorkitem, req.ComputeID, bufs); err != nil {
			return err
		}
	}

	q := w.PrimaryQueue()
	if d.enqueueModeAsyncEnable {
		d.mu.Lock()
		q = w.NextComputeQueue(d.rrIndex)
		d.rrIndex++
		d.mu.Unlock()
	}

	if _, err := w.WriteToBuffer(q, req.Arrays, bufs, offset, rng, req.ElementsPerWorkitem, !d.enqueueMode, nil); err != nil {
		return err
	}

	n := req.NumRepeats
	if n < 1 {
		n = 1
	}
	for _, k := range req.Kernels {
		if req.SyncKernel != "" && n > 1 {
			if _, err := w.ComputeRepeatedWithSyncKernel(q, k, offset, rng, req.LocalRange, n, req.SyncKernel, nil); err != nil {
				return err
			}
		} else {
			if _, err := w.ComputeRepeated(q, k, offset, rng, req.LocalRange, n, nil); err != nil {
				return err
			}
		}
	}

	if _, err := w.ReadFromBuffer(q, req.Arrays, bufs, offset, rng, req.ElementsPerWorkitem, !d.enqueueMode, nil); err != nil {
		return err
	}

	if d.fineGrainedQueueControl {
		if err := w.AddMarkerForCounting(q, nil); err != nil {
			return err
		}
	}
	return nil
}

// runPipelined dispatches through PipelineEngine.
func (d *JobDispatcher) runPipelined(w *worker.DeviceWorker, req ComputeRequest, st *computeState, idx int) error {
	offset := st.references[idx]
	rng := st.ranges[idx]

	bufs, err := ensureBuffers(w, req.Arrays, req.ComputeID)
	if err != nil {
		return err
	}
	for _, k := range req.Kernels {
		if err := w.KernelArgument(k, req.Arrays, req.ElementsPerWorkitem, req.ComputeID, bufs); err != nil {
			return err
		}
	}

	return pipeline.Execute(w, pipeline.Run{
		Discipline:          req.PipelineType,
		Stages:              req.PipelineStages,
		LocalRange:          req.LocalRange,
		Offset:              offset,
		Range:               rng,
		Kernels:             req.Kernels,
		Arrays:              req.Arrays,
		Buffers:             bufs,
		ElementsPerWorkitem: req.ElementsPerWorkitem,
		NumRepeats:          req.NumRepeats,
		SyncKernel:          req.SyncKernel,
	})
}

// ensureBuffers resolves the device buffer for each bound array, via the
// worker's own buffer cache keyed by array name: a second Compute call
// for an unchanged array reuses the same live buffer a prior
// KernelArgument call already bound the kernel to, and only a genuine
// size/type change reallocates.
func ensureBuffers(w *worker.DeviceWorker, arrays []ArrayBinding, computeID int) (map[string]ocl.Buffer, error) {
	bufs := make(map[string]ocl.Buffer, len(arrays))
	for _, a := range arrays {
		size := a.Array.Len() * a.Array.Type().ElementSize()
		flags := ocl.MemReadWrite
		switch a.Policy {
		case PolicyRead, PolicyPartialRead:
			flags = ocl.MemReadOnly
		case PolicyWrite, PolicyWriteAll:
			flags = ocl.MemWriteOnly
		}
		buf, err := w.EnsureBuffer(a.Array.Name(), flags, size)
		if err != nil {
			return nil, fmt.Errorf("dispatcher: %w", err)
		}
		bufs[a.Array.Name()] = buf
	}
	return bufs, nil
}
