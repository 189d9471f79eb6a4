// Package pipeline implements PipelineEngine: splitting one device's
// sub-range into ordered segments and issuing read/compute/write commands
// across queues so the three phases overlap, under the EVENT and DRIVER
// scheduling disciplines.
package pipeline

import (
	"fmt"

	"golang.org/x/sync/errgroup"

	"github.com/eriklupander/kerncore/internal/ocl"
	"github.com/eriklupander/kerncore/internal/worker"
)

// Discipline selects how segments are scheduled across queues.
type Discipline int

const (
	// Event drives two interleaved read->compute->write pipelines via an
	// explicit event DAG across 6 logical queues.
	Event Discipline = iota
	// Driver places each segment's read/compute/write triple on one of
	// up to 16 command queues and trusts the driver to overlap
	// independent queues.
	Driver
)

func (d Discipline) String() string {
	if d == Driver {
		return "driver"
	}
	return "event"
}

// Run describes one device's pipelined pass.
type Run struct {
	Discipline          Discipline
	Stages              int // N, must be >=4 and a multiple of 4
	LocalRange          int
	Offset              int
	Range               int
	Kernels             []string // K=1, K=2 or K>2 shapes per spec §4.3
	Arrays              []ocl.ArrayBinding
	Buffers             map[string]ocl.Buffer
	ElementsPerWorkitem int
	NumRepeats          int
	SyncKernel          string
}

// Feasible reports whether rng is eligible for pipelining at the given
// stage count and local range, per spec §4.4 step 6.
func Feasible(rng, stages, localRange, numRepeats int) bool {
	if numRepeats > 1 {
		return false
	}
	if stages < 4 || stages%4 != 0 {
		return false
	}
	if rng < stages*localRange {
		return false
	}
	return (rng/stages)%localRange == 0
}

// Execute runs the pipelined pass on w. When the contract (N mod 4 == 0)
// is violated it aborts with an error before issuing any command; it does
// not fall back to the simple non-pipelined path itself.
func Execute(w *worker.DeviceWorker, r Run) error {
	if r.Stages%4 != 0 {
		return fmt.Errorf("pipeline: stages %d not a multiple of 4", r.Stages)
	}
	switch len(r.Kernels) {
	case 0:
		return fmt.Errorf("pipeline: no kernels supplied")
	case 1:
		return runK1(w, r)
	case 2:
		return runK2(w, r)
	default:
		return runKN(w, r)
	}
}

// runK1 is the single pipelined read-compute-write pass.
func runK1(w *worker.DeviceWorker, r Run) error {
	switch r.Discipline {
	case Driver:
		return runDriver(w, r, r.Kernels[0])
	default:
		return runEvent(w, r, r.Kernels[0])
	}
}

// runK2: pipelined READ+first kernel, then pipelined second kernel+WRITE.
// The intermediate result stays device-resident (no host transfer between
// the two passes) — modeled here as two back-to-back pipelined runs whose
// read/write sides are selectively suppressed via the array bindings
// policy carried by the caller.
func runK2(w *worker.DeviceWorker, r Run) error {
	first := r
	first.Kernels = r.Kernels[:1]
	if err := runPhase(w, first, readOnly(r.Arrays)); err != nil {
		return err
	}
	second := r
	second.Kernels = r.Kernels[1:]
	return runPhase(w, second, writeOnly(r.Arrays))
}

// runKN: pipelined READ+kernel0, non-pipelined middle kernels on the
// primary compute queue (optionally repeated with a sync-kernel barrier),
// then pipelined last kernel+WRITE.
func runKN(w *worker.DeviceWorker, r Run) error {
	first := r
	first.Kernels = r.Kernels[:1]
	if err := runPhase(w, first, readOnly(r.Arrays)); err != nil {
		return err
	}

	middle := r.Kernels[1 : len(r.Kernels)-1]
	q := w.PrimaryQueue()
	for _, k := range middle {
		n := r.NumRepeats
		if n < 1 {
			n = 1
		}
		var err error
		if r.SyncKernel != "" && n > 1 {
			_, err = w.ComputeRepeatedWithSyncKernel(q, k, r.Offset, r.Range, r.LocalRange, n, r.SyncKernel, nil)
		} else {
			_, err = w.ComputeRepeated(q, k, r.Offset, r.Range, r.LocalRange, n, nil)
		}
		if err != nil {
			return fmt.Errorf("pipeline: middle kernel %q: %w", k, err)
		}
	}

	last := r
	last.Kernels = r.Kernels[len(r.Kernels)-1:]
	return runPhase(w, last, writeOnly(r.Arrays))
}

func runPhase(w *worker.DeviceWorker, r Run, arrays []ocl.ArrayBinding) error {
	phase := r
	phase.Arrays = arrays
	if r.Discipline == Driver {
		return runDriver(w, phase, r.Kernels[0])
	}
	return runEvent(w, phase, r.Kernels[0])
}

func readOnly(arrays []ocl.ArrayBinding) []ocl.ArrayBinding {
	out := make([]ocl.ArrayBinding, 0, len(arrays))
	for _, a := range arrays {
		if a.Policy == ocl.PolicyRead || a.Policy == ocl.PolicyPartialRead {
			out = append(out, a)
		}
	}
	return out
}

func writeOnly(arrays []ocl.ArrayBinding) []ocl.ArrayBinding {
	out := make([]ocl.ArrayBinding, 0, len(arrays))
	for _, a := range arrays {
		if a.Policy == ocl.PolicyWrite || a.Policy == ocl.PolicyWriteAll {
			out = append(out, a)
		}
	}
	return out
}

// segEvents is the join-event triple for one segment.
type segEvents struct {
	read, compute, write ocl.Event
}

// joinEvent collapses zero-or-more events produced by a WriteToBuffer /
// ReadFromBuffer call into a single chainable event via a queue marker.
func joinEvent(q ocl.Queue, evs []ocl.Event) (ocl.Event, error) {
	switch len(evs) {
	case 0:
		return nil, nil
	case 1:
		return evs[0], nil
	default:
		return q.EnqueueMarker(evs)
	}
}

// runEvent implements the EVENT discipline: two interleaved halves, each
// over its own read/compute/write queue pair, with the cross-segment
// event propagation rules of spec §4.3.
func runEvent(w *worker.DeviceWorker, r Run, kernel string) error {
	n := r.Stages
	half := n / 2
	seg := r.Range / n

	halves := []struct {
		offset              int
		readQ, computeQ, writeQ ocl.Queue
	}{
		{r.Offset, w.Queue(0), w.Queue(2), w.Queue(4)},
		{r.Offset + r.Range/2, w.Queue(1), w.Queue(3), w.Queue(5)},
	}

	for _, h := range halves {
		var prev *segEvents
		for j := 0; j < half; j++ {
			offset := h.offset + j*seg

			var waitRead []ocl.Event
			if prev != nil {
				waitRead = []ocl.Event{prev.write, prev.compute}
			}
			rawRead, err := w.WriteToBuffer(h.readQ, r.Arrays, r.Buffers, offset, seg, r.ElementsPerWorkitem, false, waitRead)
			if err != nil {
				return err
			}
			readEv, err := joinEvent(h.readQ, rawRead)
			if err != nil {
				return err
			}

			waitCompute := []ocl.Event{}
			if readEv != nil {
				waitCompute = append(waitCompute, readEv)
			}
			if prev != nil {
				waitCompute = append(waitCompute, prev.write)
			}
			computeEv, err := w.Compute(h.computeQ, kernel, offset, seg, r.LocalRange, waitCompute)
			if err != nil {
				return err
			}

			waitWrite := []ocl.Event{computeEv}
			if prev != nil {
				waitWrite = append(waitWrite, prev.read)
			}
			rawWrite, err := w.ReadFromBuffer(h.writeQ, r.Arrays, r.Buffers, offset, seg, r.ElementsPerWorkitem, false, waitWrite)
			if err != nil {
				return err
			}
			writeEv, err := joinEvent(h.writeQ, rawWrite)
			if err != nil {
				return err
			}
			if writeEv == nil {
				writeEv = computeEv
			}
			if readEv == nil {
				readEv = computeEv
			}

			prev = &segEvents{read: readEv, compute: computeEv, write: writeEv}
		}
	}

	queues := []ocl.Queue{
		w.Queue(0), w.Queue(1), w.Queue(2), w.Queue(3), w.Queue(4), w.Queue(5),
	}
	for _, q := range queues {
		if err := q.Flush(); err != nil {
			return fmt.Errorf("pipeline: flush: %w", err)
		}
	}
	// finish the queue(s) carrying the last observable side-effect: the
	// write queues if this phase wrote anything, else the compute queues.
	hasWrite := len(writeOnly(r.Arrays)) > 0
	if hasWrite {
		if err := halves[0].writeQ.Finish(); err != nil {
			return err
		}
		return halves[1].writeQ.Finish()
	}
	if err := halves[0].computeQ.Finish(); err != nil {
		return err
	}
	return halves[1].computeQ.Finish()
}

// runDriver implements the DRIVER discipline: each segment's read,
// compute, write triple is placed entirely on one queue, selected by
// 1+(k mod 16); the engine trusts the driver to overlap independent
// queues, then flushes/finishes them in parallel, at most 8 at a time.
func runDriver(w *worker.DeviceWorker, r Run, kernel string) error {
	n := r.Stages
	seg := r.Range / n

	used := map[int]ocl.Queue{}
	for k := 0; k < n; k++ {
		idx := 1 + k%16
		q := w.Queue(idx)
		used[idx] = q

		offset := r.Offset + k*seg
		if _, err := w.WriteToBuffer(q, r.Arrays, r.Buffers, offset, seg, r.ElementsPerWorkitem, false, nil); err != nil {
			return err
		}
		if _, err := w.Compute(q, kernel, offset, seg, r.LocalRange, nil); err != nil {
			return err
		}
		if _, err := w.ReadFromBuffer(q, r.Arrays, r.Buffers, offset, seg, r.ElementsPerWorkitem, false, nil); err != nil {
			return err
		}
	}

	return flushFinishParallel(used)
}

// flushFinishParallel flushes and finishes every queue in used, one host
// task per queue, bounded to 8 concurrent tasks.
func flushFinishParallel(used map[int]ocl.Queue) error {
	var g errgroup.Group
	g.SetLimit(8)
	for _, q := range used {
		q := q
		g.Go(func() error {
			if err := q.Flush(); err != nil {
				return fmt.Errorf("pipeline: flush: %w", err)
			}
			if err := q.Finish(); err != nil {
				return fmt.Errorf("pipeline: finish: %w", err)
			}
			return nil
		})
	}
	return g.Wait()
}
