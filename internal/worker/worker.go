// Package worker implements DeviceWorker: ownership of one device's
// command queues, its kernel-argument cache, and the read/compute/write
// transfer primitives the pipeline engine and the simple dispatch path
// both build on.
package worker

import (
	"fmt"
	"sync"
	"time"
	"unsafe"

	"github.com/sirupsen/logrus"

	"github.com/eriklupander/kerncore/internal/ocl"
)

// argKey identifies one cached argument binding.
type argKey struct {
	kernel    string
	computeID int
}

// cachedBuffer is one entry in a worker's per-array-name buffer cache.
type cachedBuffer struct {
	buf   ocl.Buffer
	size  int
	flags ocl.MemFlags
}

// DeviceWorker owns a single device's command queues (queue 1 is the
// primary compute queue; up to MaxQueues more are auxiliary), a
// per-(kernel, compute-id) argument cache, a per-array-name buffer cache,
// and per-compute-id benchmark timers.
type DeviceWorker struct {
	log    *logrus.Entry
	Device ocl.Device

	mu       sync.Mutex  // guards programs, kernels, argCache, buffers, benchmark bookkeeping and marker counters
	queues   []ocl.Queue // index 0 == primary
	programs map[string]ocl.Program
	kernels  map[string]ocl.Kernel
	argCache map[argKey][]ocl.ArrayBinding
	buffers  map[string]cachedBuffer

	benchStart map[int]time.Time
	lastBench  map[int]float64

	markersIssued    int64
	markersCompleted int64
	markerWG         sync.WaitGroup
}

// New creates a worker owning queueCount queues (1 primary + auxiliaries,
// clamped to ocl.MaxQueues+1) on device.
func New(log *logrus.Entry, device ocl.Device, queueCount int) (*DeviceWorker, error) {
	if queueCount < 1 {
		queueCount = 1
	}
	if queueCount > ocl.MaxQueues+1 {
		queueCount = ocl.MaxQueues + 1
	}
	w := &DeviceWorker{
		log:        log.WithField("device", device.Name()),
		Device:     device,
		programs:   make(map[string]ocl.Program),
		kernels:    make(map[string]ocl.Kernel),
		argCache:   make(map[argKey][]ocl.ArrayBinding),
		buffers:    make(map[string]cachedBuffer),
		benchStart: make(map[int]time.Time),
		lastBench:  make(map[int]float64),
	}
	for i := 0; i < queueCount; i++ {
		q, err := device.CreateCommandQueue()
		if err != nil {
			w.releaseQueues()
			return nil, fmt.Errorf("worker: create queue %d: %w", i, err)
		}
		w.queues = append(w.queues, q)
	}
	return w, nil
}

func (w *DeviceWorker) releaseQueues() {
	for _, q := range w.queues {
		q.Release()
	}
	w.queues = nil
}

// QueueCount returns the number of command queues this worker owns.
func (w *DeviceWorker) QueueCount() int { return len(w.queues) }

// Queue returns the queue at the given 0-based index, wrapping modulo the
// owned queue count (the "fragile n mod 16 switch" of the original design
// becomes plain modular array indexing here, per spec §9).
func (w *DeviceWorker) Queue(index int) ocl.Queue {
	return w.queues[index%len(w.queues)]
}

// PrimaryQueue is queue 1 in the spec's 1-based numbering, queues[0] here.
func (w *DeviceWorker) PrimaryQueue() ocl.Queue { return w.queues[0] }

// NextComputeQueue returns a compute queue selected by round-robin among
// the owned queues, used by enqueue-mode's async issue path.
func (w *DeviceWorker) NextComputeQueue(idx int) ocl.Queue {
	return w.queues[idx%len(w.queues)]
}

// LoadProgram builds source once per kernel-source string and caches the
// resulting program/kernel set; subsequent calls for a known kernel name
// are no-ops.
func (w *DeviceWorker) LoadProgram(source string, kernelNames []string) error {
	w.mu.Lock()
	defer w.mu.Unlock()
	prog, ok := w.programs[source]
	if !ok {
		var err error
		prog, err = w.Device.BuildProgram(source)
		if err != nil {
			return err
		}
		w.programs[source] = prog
	}
	for _, name := range kernelNames {
		if _, ok := w.kernels[name]; ok {
			continue
		}
		k, err := prog.CreateKernel(name)
		if err != nil {
			return fmt.Errorf("worker: create kernel %q: %w", name, err)
		}
		w.kernels[name] = k
	}
	return nil
}

func (w *DeviceWorker) kernelByName(name string) (ocl.Kernel, error) {
	w.mu.Lock()
	defer w.mu.Unlock()
	k, ok := w.kernels[name]
	if !ok {
		return nil, fmt.Errorf("worker: unknown kernel %q", name)
	}
	return k, nil
}

// EnsureBuffer returns the cached device buffer for name, allocating one
// on first use. A later call with the same name, flags and size reuses
// the cached buffer instead of allocating a new one, so a kernel bound
// once via KernelArgument keeps pointing at live data across repeated
// Compute calls. Only a genuine size or flags change reallocates, and
// doing so drops the argument cache: anything previously bound to the
// old buffer must rebind before its next KernelArgument call.
func (w *DeviceWorker) EnsureBuffer(name string, flags ocl.MemFlags, size int) (ocl.Buffer, error) {
	w.mu.Lock()
	if cb, ok := w.buffers[name]; ok && cb.size == size && cb.flags == flags {
		w.mu.Unlock()
		return cb.buf, nil
	}
	stale, hadStale := w.buffers[name]
	w.mu.Unlock()

	buf, err := w.Device.CreateEmptyBuffer(flags, size)
	if err != nil {
		return nil, fmt.Errorf("worker: allocate buffer %q: %w", name, err)
	}

	w.mu.Lock()
	if hadStale {
		stale.buf.Release()
	}
	w.buffers[name] = cachedBuffer{buf: buf, size: size, flags: flags}
	w.argCache = make(map[argKey][]ocl.ArrayBinding)
	w.mu.Unlock()
	return buf, nil
}

// KernelArgument binds or re-binds kernel arguments for (kernel,
// compute-id). It is idempotent: calling again with the identical array
// set, policy and elementsPerWorkitem produces no additional binding
// calls (P3).
func (w *DeviceWorker) KernelArgument(kernel string, arrays []ocl.ArrayBinding, elementsPerWorkitem int, computeID int, bufs map[string]ocl.Buffer) error {
	key := argKey{kernel: kernel, computeID: computeID}

	w.mu.Lock()
	cached, ok := w.argCache[key]
	if ok && sameBindings(cached, arrays) {
		w.mu.Unlock()
		return nil
	}
	w.mu.Unlock()

	k, err := w.kernelByName(kernel)
	if err != nil {
		return err
	}
	for i, binding := range arrays {
		buf, ok := bufs[binding.Array.Name()]
		if !ok {
			return fmt.Errorf("worker: no device buffer allocated for array %q", binding.Array.Name())
		}
		if err := k.SetArg(i, buf); err != nil {
			return fmt.Errorf("worker: set arg %d (%s): %w", i, binding.Array.Name(), err)
		}
	}

	w.mu.Lock()
	w.argCache[key] = append([]ocl.ArrayBinding(nil), arrays...)
	w.mu.Unlock()
	return nil
}

func sameBindings(a, b []ocl.ArrayBinding) bool {
	if len(a) != len(b) {
		return false
	}
	for i := range a {
		if a[i].Array.Name() != b[i].Array.Name() || a[i].Policy != b[i].Policy {
			return false
		}
	}
	return true
}

// WriteToBuffer issues the host->device transfer for workitems [offset,
// offset+rng) respecting each array's rwPolicy: Read transfers the whole
// array once, PartialRead transfers only the device's own slice, and
// Write/WriteAll policies issue no host->device transfer at all.
func (w *DeviceWorker) WriteToBuffer(q ocl.Queue, arrays []ocl.ArrayBinding, bufs map[string]ocl.Buffer, offset, rng, elementsPerWorkitem int, blocking bool, waitFor []ocl.Event) ([]ocl.Event, error) {
	var produced []ocl.Event
	for _, binding := range arrays {
		buf, ok := bufs[binding.Array.Name()]
		if !ok {
			continue
		}
		elemSize := binding.Array.Type().ElementSize()
		ptr, hasPtr := binding.Array.Pointer()
		if !hasPtr {
			continue // device-native array, no host mirror to transfer
		}

		switch binding.Policy {
		case ocl.PolicyRead:
			size := binding.Array.Len() * elemSize
			ev, err := q.EnqueueWriteBuffer(buf, blocking, 0, size, ptr, waitFor)
			if err != nil {
				return nil, fmt.Errorf("worker: write buffer %q (read policy): %w", binding.Array.Name(), err)
			}
			produced = append(produced, ev)
		case ocl.PolicyPartialRead:
			byteOffset := offset * elementsPerWorkitem * elemSize
			size := rng * elementsPerWorkitem * elemSize
			slicePtr := unsafe.Add(ptr, byteOffset)
			ev, err := q.EnqueueWriteBuffer(buf, blocking, byteOffset, size, slicePtr, waitFor)
			if err != nil {
				return nil, fmt.Errorf("worker: write buffer %q (partial-read): %w", binding.Array.Name(), err)
			}
			produced = append(produced, ev)
		case ocl.PolicyWrite, ocl.PolicyWriteAll:
			// no host->device transfer for write-only policies.
		}
	}
	return produced, nil
}

// ReadFromBuffer is the device->host symmetric operation for Write and
// WriteAll policies.
func (w *DeviceWorker) ReadFromBuffer(q ocl.Queue, arrays []ocl.ArrayBinding, bufs map[string]ocl.Buffer, offset, rng, elementsPerWorkitem int, blocking bool, waitFor []ocl.Event) ([]ocl.Event, error) {
	var produced []ocl.Event
	for _, binding := range arrays {
		buf, ok := bufs[binding.Array.Name()]
		if !ok {
			continue
		}
		elemSize := binding.Array.Type().ElementSize()
		ptr, hasPtr := binding.Array.Pointer()
		if !hasPtr {
			continue
		}

		switch binding.Policy {
		case ocl.PolicyWriteAll:
			size := binding.Array.Len() * elemSize
			ev, err := q.EnqueueReadBuffer(buf, blocking, 0, size, ptr, waitFor)
			if err != nil {
				return nil, fmt.Errorf("worker: read buffer %q (write-all): %w", binding.Array.Name(), err)
			}
			produced = append(produced, ev)
		case ocl.PolicyWrite:
			byteOffset := offset * elementsPerWorkitem * elemSize
			size := rng * elementsPerWorkitem * elemSize
			slicePtr := unsafe.Add(ptr, byteOffset)
			ev, err := q.EnqueueReadBuffer(buf, blocking, byteOffset, size, slicePtr, waitFor)
			if err != nil {
				return nil, fmt.Errorf("worker: read buffer %q: %w", binding.Array.Name(), err)
			}
			produced = append(produced, ev)
		case ocl.PolicyRead, ocl.PolicyPartialRead:
			// read-only policies never write back to the host.
		}
	}
	return produced, nil
}

// Compute enqueues a single kernel execution over [offset, offset+rng)
// with the given work-group size.
func (w *DeviceWorker) Compute(q ocl.Queue, kernel string, offset, rng, localRange int, waitFor []ocl.Event) (ocl.Event, error) {
	k, err := w.kernelByName(kernel)
	if err != nil {
		return nil, err
	}
	ev, err := q.EnqueueNDRangeKernel(k, offset, rng, localRange, waitFor)
	if err != nil {
		return nil, fmt.Errorf("worker: enqueue kernel %q: %w", kernel, err)
	}
	return ev, nil
}

// ComputeRepeated runs kernel n times in a row on q, each iteration
// waiting on the previous one's event, used by the fused-repeat fallback
// path that reduces dispatcher<->worker round trips.
func (w *DeviceWorker) ComputeRepeated(q ocl.Queue, kernel string, offset, rng, localRange, n int, waitFor []ocl.Event) (ocl.Event, error) {
	var ev ocl.Event
	var err error
	cur := waitFor
	for i := 0; i < n; i++ {
		ev, err = w.Compute(q, kernel, offset, rng, localRange, cur)
		if err != nil {
			return nil, err
		}
		cur = []ocl.Event{ev}
	}
	return ev, nil
}

// ComputeRepeatedWithSyncKernel is ComputeRepeated but inserts a
// single-workgroup invocation of syncKernel (compute-id -1, excluded from
// load-balance stats) after every iteration but the last, providing an
// intra-device barrier between repeats.
func (w *DeviceWorker) ComputeRepeatedWithSyncKernel(q ocl.Queue, kernel string, offset, rng, localRange, n int, syncKernel string, waitFor []ocl.Event) (ocl.Event, error) {
	var ev ocl.Event
	var err error
	cur := waitFor
	for i := 0; i < n; i++ {
		ev, err = w.Compute(q, kernel, offset, rng, localRange, cur)
		if err != nil {
			return nil, err
		}
		cur = []ocl.Event{ev}
		if syncKernel != "" && i < n-1 {
			ev, err = w.Compute(q, syncKernel, 0, localRange, localRange, cur)
			if err != nil {
				return nil, fmt.Errorf("worker: sync kernel %q: %w", syncKernel, err)
			}
			cur = []ocl.Event{ev}
		}
	}
	return ev, nil
}

// AddMarkerForCounting inserts a marker on q and, once it completes,
// increments the worker-local completed-marker counter used by
// fine-grained queue control (countMarkers/countMarkerCallbacks).
func (w *DeviceWorker) AddMarkerForCounting(q ocl.Queue, waitFor []ocl.Event) error {
	w.mu.Lock()
	w.markersIssued++
	w.mu.Unlock()

	ev, err := q.EnqueueMarker(waitFor)
	if err != nil {
		return fmt.Errorf("worker: enqueue marker: %w", err)
	}
	w.markerWG.Add(1)
	go func() {
		defer w.markerWG.Done()
		_ = ev.Wait()
		w.mu.Lock()
		w.markersCompleted++
		w.mu.Unlock()
	}()
	return nil
}

// MarkerCounts returns (issued, completed) marker counts for this worker.
func (w *DeviceWorker) MarkerCounts() (issued, completed int64) {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.markersIssued, w.markersCompleted
}

// WaitMarkers blocks until every marker callback goroutine started by
// AddMarkerForCounting has observed its event and updated the completed
// counter. The enqueue-mode drain barrier joins this after FinishAll so
// countMarkers() == countMarkerCallbacks() holds as soon as it returns (P5).
func (w *DeviceWorker) WaitMarkers() {
	w.markerWG.Wait()
}

// StartBench records the start time of a benchmark scope for computeID.
func (w *DeviceWorker) StartBench(computeID int) {
	w.mu.Lock()
	w.benchStart[computeID] = time.Now()
	w.mu.Unlock()
}

// EndBench records elapsed milliseconds since the matching StartBench and
// returns it. compute-id SyncKernelComputeID is never benchmarked.
func (w *DeviceWorker) EndBench(computeID int) float64 {
	if computeID == ocl.SyncKernelComputeID {
		return 0
	}
	w.mu.Lock()
	defer w.mu.Unlock()
	start, ok := w.benchStart[computeID]
	if !ok {
		return 0
	}
	elapsed := float64(time.Since(start).Microseconds()) / 1000.0
	w.lastBench[computeID] = elapsed
	return elapsed
}

// LastBenchmark returns the most recently recorded benchmark for computeID.
func (w *DeviceWorker) LastBenchmark(computeID int) float64 {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.lastBench[computeID]
}

// FlushAll flushes every owned queue.
func (w *DeviceWorker) FlushAll() error {
	for i, q := range w.queues {
		if err := q.Flush(); err != nil {
			return fmt.Errorf("worker: flush queue %d: %w", i, err)
		}
	}
	return nil
}

// FinishAll finishes every owned queue, blocking until each has drained.
func (w *DeviceWorker) FinishAll() error {
	for i, q := range w.queues {
		if err := q.Finish(); err != nil {
			return fmt.Errorf("worker: finish queue %d: %w", i, err)
		}
	}
	return nil
}

// Close releases every kernel, program, buffer and queue owned by this
// worker.
func (w *DeviceWorker) Close() {
	w.mu.Lock()
	defer w.mu.Unlock()
	for _, k := range w.kernels {
		k.Release()
	}
	for _, p := range w.programs {
		p.Release()
	}
	for _, cb := range w.buffers {
		cb.buf.Release()
	}
	w.releaseQueues()
	w.Device.Release()
}
