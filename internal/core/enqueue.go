package core

import (
	"fmt"

	"golang.org/x/sync/errgroup"
)

// SetEnqueueMode transitions the dispatcher's enqueue-mode flag per
// spec §4.5. false->true starts a benchmark scope (handled implicitly:
// the next Compute call's StartBench opens it); true->false issues
// finish on every used compute queue on every device in parallel, then
// closes the benchmark scope for lastUsedComputeId.
func (d *JobDispatcher) SetEnqueueMode(enabled bool) error {
	d.mu.Lock()
	wasEnabled := d.enqueueMode
	d.enqueueMode = enabled
	lastID := d.lastUsedComputeId
	d.mu.Unlock()

	if wasEnabled && !enabled {
		if err := d.drainAll(); err != nil {
			return err
		}
		if lastID != -1 {
			for _, w := range d.workers {
				w.EndBench(lastID)
			}
		}
	}
	return nil
}

// drainAll finishes every queue on every worker in parallel and joins
// every outstanding marker-completion callback, the true->false
// transition's drain barrier. Joining the marker callbacks here (not just
// finishing queues) is what makes countMarkers() == countMarkerCallbacks()
// hold as soon as SetEnqueueMode(false) returns (P5); FinishAll alone
// guarantees the device-side marker has completed, not that this
// process's counting goroutine has observed it yet.
func (d *JobDispatcher) drainAll() error {
	var g errgroup.Group
	for _, w := range d.workers {
		w := w
		g.Go(func() error {
			if err := w.FinishAll(); err != nil {
				return fmt.Errorf("enqueue-mode drain: %w", err)
			}
			w.WaitMarkers()
			return nil
		})
	}
	return g.Wait()
}

// SetAsyncEnable toggles enqueueModeAsyncEnable: when true, each compute
// call dispatches to nextComputeQueue(index++) instead of the primary
// queue. Valid only for single-device or intra-device pipelines per the
// caller contract in §4.5; the dispatcher does not itself enforce this,
// consistent with spec.md leaving it as a caller obligation.
func (d *JobDispatcher) SetAsyncEnable(enabled bool) {
	d.mu.Lock()
	d.enqueueModeAsyncEnable = enabled
	d.rrIndex = 0
	d.mu.Unlock()
}

// SetFineGrainedQueueControl toggles whether every compute call appends
// a counting marker on the last used queue.
func (d *JobDispatcher) SetFineGrainedQueueControl(enabled bool) {
	d.mu.Lock()
	d.fineGrainedQueueControl = enabled
	d.mu.Unlock()
}

// RemainingMarkers is issued-completed, the backlog fineGrainedQueueControl
// lets a caller poll without blocking.
func (d *JobDispatcher) RemainingMarkers() int64 {
	return d.CountMarkers() - d.CountMarkerCallbacks()
}
