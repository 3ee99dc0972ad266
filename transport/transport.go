// Package transport declares the shared datagram contract every transport
// implementation (kernel-bypass, in-process simulated) satisfies, per
// SPEC_FULL.md §4.2. It is deliberately free of any particular driver:
// the concrete poll-mode NIC binding is an external collaborator
// (spec.md §1), so this package only fixes the shapes that the scheduler
// and protocol packages are written against.
package transport

import "context"

// RxBuffer is a received datagram, borrowed from the transport's packet
// pool. Bytes returns the payload with any link-layer/transport framing
// already stripped. Free must be called exactly once, when the consumer
// is done with the bytes; after Free the slice returned by Bytes must not
// be read.
type RxBuffer interface {
	Bytes() []byte
	Free()
}

// Receiver is anything with a registered Address: replicas, and any other
// component that wants raw datagrams delivered to it.
type Receiver interface {
	Address() Address
}

// RxFunc is invoked on a poll thread for every inbound datagram destined
// for a registered receiver (or the multicast group). Implementations
// must do no replica-state work inside RxFunc: its only job is to decide
// whether the datagram needs verification (submit a stateless task) or
// can mutate state directly (submit a stateful task) — see sched.Submit.
type RxFunc func(remote Address, buf RxBuffer)

// TxAgent is a cheap, clone-and-send-able handle used to transmit
// datagrams. Agents must not cache per-worker state that would make them
// thread-pinned (§4.2): any two goroutines may hold and use the same
// TxAgent concurrently.
type TxAgent interface {
	// SendMessage allocates a tx buffer stamped with source and dest,
	// hands the payload region to fill (which returns the written
	// length), and transmits on exactly one tx queue chosen by the
	// round-robin arbiter.
	SendMessage(ctx context.Context, source, dest Address, fill func([]byte) int) error

	// SendMessageToAll allocates one buffer, fills it once, then
	// duplicates and transmits one copy per destination — this amortizes
	// fill's cost, which matters when fill signs the message.
	SendMessageToAll(ctx context.Context, source Address, destinations []Address, fill func([]byte) int) error
}

// Transport is the full contract a driver must satisfy.
type Transport interface {
	// Register arranges for rx to be invoked on every inbound datagram
	// addressed to receiver.Address(). Implementations must refuse to
	// register an address whose hardware portion does not match the
	// underlying device.
	Register(receiver Receiver, rx RxFunc) error

	// RegisterMulticast arranges for rx to be invoked on every inbound
	// datagram addressed to the configured multicast address.
	RegisterMulticast(rx RxFunc) error

	// EphemeralAddress returns an unused local id paired with the
	// device's hardware address, for clients that do not appear in the
	// configuration roster.
	EphemeralAddress() (Address, error)

	// TxAgent returns a cheap handle for sending datagrams.
	TxAgent() TxAgent

	// Close releases any device resources. Registered callbacks must not
	// be invoked after Close returns.
	Close() error
}
