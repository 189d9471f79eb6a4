// Package affinity refreshes the calling thread's CPU affinity mask
// periodically, compensating for OS schedulers that migrate a
// long-running compute thread off the cores its device queues were
// tuned against.
package affinity

import "sync/atomic"

// Refresher reasserts a fixed processor affinity mask every period calls
// to Tick, starting at call 1 (so the very first dispatcher call always
// primes the mask).
type Refresher struct {
	period int64
	calls  atomic.Int64
	apply  func() error
}

// New creates a Refresher that calls apply() on call indices 1, 1+period,
// 1+2*period, ... A period <= 0 disables refreshing entirely.
func New(period int, apply func() error) *Refresher {
	return &Refresher{period: int64(period), apply: apply}
}

// Tick advances the call counter and, if due, reapplies the affinity
// mask. It returns (refreshed, err): refreshed is true exactly on call
// indices congruent to 1 mod period (property P6).
func (r *Refresher) Tick() (bool, error) {
	n := r.calls.Add(1)
	if r.period <= 0 {
		return false, nil
	}
	if (n-1)%r.period != 0 {
		return false, nil
	}
	if r.apply == nil {
		return true, nil
	}
	return true, r.apply()
}

// Calls returns the number of Tick invocations so far.
func (r *Refresher) Calls() int64 { return r.calls.Load() }
