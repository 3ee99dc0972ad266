package transport

import "sync/atomic"

// RoundRobinArbiter assigns each sender a ticket (mod n queues) and lets a
// sender proceed on queue i only once that queue's progress counter has
// caught up to its ticket. This preserves per-queue fairness under many
// concurrent senders sharing a small number of hardware tx queues — the
// "preserves queue fairness" contract from SPEC_FULL.md §4.2 — without a
// lock: it is the only interior-mutability piece a TxAgent exposes
// (SPEC_FULL.md §5, "Shared resource policy").
type RoundRobinArbiter struct {
	nQueues  uint32
	ticket   atomic.Uint64
	progress []atomic.Uint64
}

// NewRoundRobinArbiter creates an arbiter over nQueues hardware queues.
func NewRoundRobinArbiter(nQueues int) *RoundRobinArbiter {
	if nQueues < 1 {
		nQueues = 1
	}
	return &RoundRobinArbiter{
		nQueues:  uint32(nQueues),
		progress: make([]atomic.Uint64, nQueues),
	}
}

// Acquire blocks (spinning) until it is this sender's turn, then returns
// the queue index to send on. Callers must call Release(queue) exactly
// once afterward, even on error paths, or every later sender on that
// queue starves.
func (a *RoundRobinArbiter) Acquire() (queue int, ticket uint64) {
	ticket = a.ticket.Add(1) - 1
	queue = int(ticket % uint64(a.nQueues))
	want := ticket / uint64(a.nQueues)
	for a.progress[queue].Load() != want {
		// Bounded by in-flight work per SPEC_FULL.md §5: every holder of
		// an earlier ticket on this queue eventually calls Release.
	}
	return queue, ticket
}

// Release lets the next sender waiting on queue proceed.
func (a *RoundRobinArbiter) Release(queue int) {
	a.progress[queue].Add(1)
}

// NumQueues returns the number of hardware queues the arbiter multiplexes.
func (a *RoundRobinArbiter) NumQueues() int {
	return int(a.nQueues)
}
