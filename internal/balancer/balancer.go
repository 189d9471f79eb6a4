// Package balancer implements stable iterative reallocation of a global
// workitem range across devices, given measured per-device execution
// times and a smoothing history.
package balancer

import "math"

// History is a ring of the H most recent benchmarks per device, used to
// smooth out OS scheduling noise before computing throughput.
type History struct {
	depth   int
	entries [][]float64 // entries[t][device], most recent at index 0
}

// NewHistory creates an empty history ring with the given depth. The
// devices argument is not used: each row takes the length of the
// benchmarks slice passed to Shift.
func NewHistory(depth, devices int) *History {
	return &History{depth: depth}
}

// Shift pushes the current per-device benchmarks onto the front of the
// ring, dropping the oldest entry once depth is exceeded.
func (h *History) Shift(benchmarks []float64) {
	row := append([]float64(nil), benchmarks...)
	h.entries = append([][]float64{row}, h.entries...)
	if len(h.entries) > h.depth {
		h.entries = h.entries[:h.depth]
	}
}

// Mean returns, for each device, the arithmetic mean of the non-zero
// entries recorded for it. A device with no non-zero entries yet gets 0,
// letting the caller fall back to the raw benchmark.
func (h *History) Mean(devices int) []float64 {
	means := make([]float64, devices)
	for d := 0; d < devices; d++ {
		var sum float64
		var n int
		for _, row := range h.entries {
			if d < len(row) && row[d] != 0 {
				sum += row[d]
				n++
			}
		}
		if n > 0 {
			means[d] = sum / float64(n)
		}
	}
	return means
}

// Snapshot returns a defensive copy of the raw history ring, most-recent
// row first, each row padded/truncated to devices entries. Used by
// JobDispatcher.PerformanceHistory to expose the H x D smoothing ring.
func (h *History) Snapshot(devices int) [][]float64 {
	out := make([][]float64, len(h.entries))
	for i, row := range h.entries {
		r := make([]float64, devices)
		copy(r, row)
		out[i] = r
	}
	return out
}

// Input bundles the Rebalance arguments documented in spec §4.2.
type Input struct {
	Benchmarks []float64 // most recent latencies (ms), one per device
	Smooth     bool
	History    *History
	GlobalRange int
	Ranges      []int // current ranges[D], same length as Benchmarks
	Alignment   int   // localRange, or pipelineStages*localRange when pipelining
}

const epsilon = 1e-6

// Rebalance computes a new partition of GlobalRange across len(in.Ranges)
// devices honoring invariants I1 (exact sum) and I2 (alignment multiples),
// per the algorithm in spec §4.2.
func Rebalance(in Input) []int {
	n := len(in.Ranges)
	if n == 0 {
		return nil
	}
	if in.Alignment <= 0 {
		in.Alignment = 1
	}

	// Step 1: effective latency per device.
	t := make([]float64, n)
	if in.Smooth && in.History != nil {
		in.History.Shift(in.Benchmarks)
		means := in.History.Mean(n)
		for d := 0; d < n; d++ {
			if means[d] > 0 {
				t[d] = means[d]
			} else {
				t[d] = in.Benchmarks[d]
			}
		}
	} else {
		copy(t, in.Benchmarks)
	}
	for d := range t {
		if t[d] <= 0 {
			t[d] = epsilon
		}
	}

	// Step 2: throughput w[D] = ranges[D] / t[D], epsilon-guarded against
	// starvation lock-in when a device currently carries zero range.
	w := make([]float64, n)
	var wsum float64
	for d := 0; d < n; d++ {
		r := float64(in.Ranges[d])
		if r <= 0 {
			r = epsilon
		}
		w[d] = r / t[d]
		wsum += w[d]
	}
	if wsum <= 0 {
		wsum = epsilon
	}

	// Step 3-4: target share and raw new range.
	raw := make([]float64, n)
	for d := 0; d < n; d++ {
		s := w[d] / wsum
		raw[d] = s * float64(in.GlobalRange)
	}

	// Step 5: snap down to alignment multiples, then distribute the
	// leftover one alignment-unit at a time to the largest fractional
	// losses (ties -> lower device index wins).
	out := make([]int, n)
	frac := make([]float64, n)
	var assigned int
	for d := 0; d < n; d++ {
		units := math.Floor(raw[d] / float64(in.Alignment))
		out[d] = int(units) * in.Alignment
		frac[d] = raw[d] - float64(out[d])
		assigned += out[d]
	}

	leftover := in.GlobalRange - assigned
	for leftover >= in.Alignment {
		best := -1
		for d := 0; d < n; d++ {
			if best == -1 || frac[d] > frac[best] {
				best = d
			}
		}
		if best == -1 {
			break
		}
		out[best] += in.Alignment
		frac[best] = -1 // consumed; let the next-largest take over
		leftover -= in.Alignment
	}
	// Any remainder smaller than one alignment unit is assigned whole to
	// device 0, a safety net that keeps I1's exact sum; device 0's range is
	// then not an alignment multiple.
	if leftover > 0 {
		out[0] += leftover
	}

	return out
}
