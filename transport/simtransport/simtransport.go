// Package simtransport is an in-process message bus implementing
// transport.Transport, for tests only (SPEC_FULL.md component table,
// "Simulated transport"). It is grounded on the teacher's own test
// strategy of driving the state machine directly with fakes, generalized
// to a real Transport so protocol packages need no test-only code paths,
// matching how bdeggleston-kickboxerdb's src/cluster tests exercise a
// cluster of nodes through an in-memory mock network.
package simtransport

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/nsl-research/bftkit/transport"
)

// Filter decides what happens to a datagram in flight between from and
// to. Return drop=true to discard it; otherwise delay is added before
// the datagram is handed to the destination's rx callback, letting tests
// exercise reordering and partition scenarios (grounded on
// original_source/src/simulated.rs's filter_table, which the same way
// takes (from, to, payload, &mut delay) and may veto delivery).
type Filter func(from, to transport.Address, payload []byte) (drop bool, delay time.Duration)

// Network is a shared in-process bus. Multiple Transport handles attach
// to the same Network to simulate multiple hosts.
type Network struct {
	mu        sync.Mutex
	receivers map[transport.Address]transport.RxFunc
	multicast []transport.RxFunc
	filters   []Filter
	nextLocal map[[transport.HardwareAddrSize]byte]uint8
}

// NewNetwork creates an empty bus.
func NewNetwork() *Network {
	return &Network{
		receivers: map[transport.Address]transport.RxFunc{},
		nextLocal: map[[transport.HardwareAddrSize]byte]uint8{},
	}
}

// AddFilter appends a filter consulted on every send, in order; any
// filter returning drop=true discards the datagram.
func (n *Network) AddFilter(f Filter) {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.filters = append(n.filters, f)
}

func (n *Network) deliver(from, to transport.Address, payload []byte) {
	n.mu.Lock()
	var total time.Duration
	for _, f := range n.filters {
		drop, delay := f(from, to, payload)
		if drop {
			n.mu.Unlock()
			return
		}
		total += delay
	}
	rx, ok := n.receivers[to]
	multicast := append([]transport.RxFunc{}, n.multicast...)
	n.mu.Unlock()

	deliverNow := func() {
		if ok {
			rx(from, &rxBuffer{data: payload})
		}
		for _, mrx := range multicast {
			mrx(from, &rxBuffer{data: payload})
		}
	}
	if total <= 0 {
		go deliverNow()
		return
	}
	time.AfterFunc(total, deliverNow)
}

// Transport is one host's handle onto a shared Network.
type Transport struct {
	net      *Network
	hardware [transport.HardwareAddrSize]byte
}

// NewTransport creates a Transport sharing net, identified by hardware.
func NewTransport(net *Network, hardware [transport.HardwareAddrSize]byte) *Transport {
	return &Transport{net: net, hardware: hardware}
}

func (t *Transport) Register(receiver transport.Receiver, rx transport.RxFunc) error {
	addr := receiver.Address()
	if addr.Hardware != t.hardware {
		return fmt.Errorf("simtransport: address %s does not match device %x", addr, t.hardware)
	}
	t.net.mu.Lock()
	defer t.net.mu.Unlock()
	t.net.receivers[addr] = rx
	return nil
}

// RegisterMulticast adds rx to the Network's multicast callbacks. The
// Network has no multicast address to filter on: every datagram it
// delivers, whatever its destination, is also handed to each of them.
func (t *Transport) RegisterMulticast(rx transport.RxFunc) error {
	t.net.mu.Lock()
	defer t.net.mu.Unlock()
	t.net.multicast = append(t.net.multicast, rx)
	return nil
}

func (t *Transport) EphemeralAddress() (transport.Address, error) {
	t.net.mu.Lock()
	defer t.net.mu.Unlock()
	local := t.net.nextLocal[t.hardware]
	t.net.nextLocal[t.hardware] = local + 1
	return transport.Address{Hardware: t.hardware, Local: local}, nil
}

func (t *Transport) TxAgent() transport.TxAgent {
	return txAgent{net: t.net}
}

func (t *Transport) Close() error { return nil }

type txAgent struct {
	net *Network
}

func (a txAgent) SendMessage(_ context.Context, source, dest transport.Address, fill func([]byte) int) error {
	buf := make([]byte, 64*1024)
	n := fill(buf)
	a.net.deliver(source, dest, buf[:n])
	return nil
}

func (a txAgent) SendMessageToAll(_ context.Context, source transport.Address, destinations []transport.Address, fill func([]byte) int) error {
	buf := make([]byte, 64*1024)
	n := fill(buf)
	payload := buf[:n]
	for _, dest := range destinations {
		cp := make([]byte, n)
		copy(cp, payload)
		a.net.deliver(source, dest, cp)
	}
	return nil
}

type rxBuffer struct {
	data []byte
}

func (b *rxBuffer) Bytes() []byte { return b.data }
func (b *rxBuffer) Free()         {}
