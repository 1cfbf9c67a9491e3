package bpf

import "sync/atomic"

// Barrier is the one-shot, process-wide flag coordinating BPF-attach
// ordering across workers. Worker 0 binds, attaches the BPF filter, then
// calls Signal; every other worker calls Wait after its own bind and
// before its own listen. Without this barrier the kernel may load-balance
// across the REUSEPORT group without the filter for a brief window,
// breaking affinity for early connections.
//
// Apart from the metrics counters and the pool's readiness flag, Barrier is
// the only cross-thread word shared between workers; it is read/written
// with acquire/release atomics, never a mutex.
type Barrier struct {
	ready atomic.Bool
}

// Signal marks the barrier ready. Idempotent; safe to call more than once.
func (b *Barrier) Signal() {
	b.ready.Store(true)
}

// Wait spins until Signal has been called. There is no timeout: a worker
// that never observes the signal would indicate worker 0 failed to start,
// which is a fatal startup condition handled by the pool, not the barrier.
func (b *Barrier) Wait() {
	for !b.ready.Load() {
		// Busy-spin: workers 1..N-1 are blocked here for a window on the
		// order of a syscall round-trip (worker 0's bind + BPF attach), not
		// worth yielding the OS thread for.
	}
}
