//go:build !linux

package affinity

// ApplyAll is a no-op on platforms without SchedSetaffinity; the
// refresh schedule (P6) still runs, it simply has nothing to reapply.
func ApplyAll() func() error {
	return func() error { return nil }
}
