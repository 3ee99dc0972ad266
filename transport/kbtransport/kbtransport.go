// Package kbtransport implements transport.Transport over raw AF_PACKET
// sockets: one rx queue per poll thread, one tx queue per hardware send
// ring, multiplexed by transport.RoundRobinArbiter. The true poll-mode NIC
// binding (DPDK-style, userspace ring buffers, zero-copy mbufs) is the
// external collaborator spec.md §1 calls out of scope; this package gives
// the same contract atop the closest kernel-bypass-flavored primitive
// available without a vendored driver — raw packet sockets via
// golang.org/x/sys/unix, read in bursts off each queue's own socket file
// descriptor rather than a buffered net.Conn, so a burst read pulls
// multiple frames per syscall the way a driver's rx ring does.
//
// Grounded on go-ublk's internal/queue.Runner (per-queue goroutine bound
// to a device fd, context-driven shutdown, CPU affinity knob) and
// sandeepkv93-network-programming's direct use of golang.org/x/sys for
// packet-level networking.
package kbtransport

import (
	"context"
	"fmt"
	"runtime"
	"sync"

	"go.uber.org/zap"
	"golang.org/x/sys/unix"

	"github.com/nsl-research/bftkit/transport"
)

// EtherType is the protocol identifier stamped into the Ethernet frame by
// this transport, chosen to be unused by ordinary IP traffic so the NIC's
// BPF filter and the kernel both route our frames cleanly (SPEC_FULL.md /
// spec.md §4.2).
const EtherType = 0x88D5

// headerSize is the 16-byte transport prefix in front of every payload:
// dst hw (6) + src hw (6) + ethertype (2) + dst local (1) + src local (1).
const headerSize = 16

// Config configures a kernel-bypass Transport instance.
type Config struct {
	// Interface is the name of the network interface to bind to (e.g.
	// "eth0"). Required.
	Interface string
	// Hardware is this host's hardware address, matched against incoming
	// frames' destination to decide local delivery, and against any
	// address an rx callback registers for.
	Hardware [transport.HardwareAddrSize]byte
	// NumTxQueues is the number of parallel tx sockets to round-robin
	// across. Defaults to runtime.NumCPU().
	NumTxQueues int
	// NumRxQueues is the number of poll threads reading bursts off their
	// own rx socket. Defaults to runtime.NumCPU().
	NumRxQueues int
	// BurstSize bounds how many frames a single poll iteration drains
	// per rx queue before yielding, matching a driver's rx-burst API.
	BurstSize int
	Logger    *zap.Logger
}

func (c *Config) setDefaults() {
	if c.NumTxQueues <= 0 {
		c.NumTxQueues = runtime.NumCPU()
	}
	if c.NumRxQueues <= 0 {
		c.NumRxQueues = runtime.NumCPU()
	}
	if c.BurstSize <= 0 {
		c.BurstSize = 32
	}
	if c.Logger == nil {
		c.Logger = zap.NewNop()
	}
}

// Transport is the kernel-bypass transport. Exactly one stateful worker
// ever holds replica state; this type's only job is to deliver bytes and
// stamp frames, per the contract in spec.md §1.
type Transport struct {
	cfg       Config
	ifIndex   int
	txSockets []int
	arbiter   *transport.RoundRobinArbiter

	mu         sync.Mutex
	receivers  map[transport.Address]transport.RxFunc
	multicast  []transport.RxFunc
	mcastAddr  *transport.Address
	nextLocal  uint8
	rxSockets  []int
	cancel     context.CancelFunc
	wg         sync.WaitGroup
	closedOnce sync.Once
}

// Open binds cfg.NumRxQueues + cfg.NumTxQueues raw AF_PACKET sockets on
// cfg.Interface and starts the rx poll loops.
func Open(cfg Config) (*Transport, error) {
	cfg.setDefaults()

	iface, err := interfaceByName(cfg.Interface)
	if err != nil {
		return nil, fmt.Errorf("kbtransport: %w", err)
	}

	t := &Transport{
		cfg:       cfg,
		ifIndex:   iface,
		arbiter:   transport.NewRoundRobinArbiter(cfg.NumTxQueues),
		receivers: map[transport.Address]transport.RxFunc{},
	}

	for i := 0; i < cfg.NumTxQueues; i++ {
		fd, err := openPacketSocket(iface)
		if err != nil {
			t.closeSockets()
			return nil, fmt.Errorf("kbtransport: open tx socket %d: %w", i, err)
		}
		t.txSockets = append(t.txSockets, fd)
	}

	ctx, cancel := context.WithCancel(context.Background())
	t.cancel = cancel
	for i := 0; i < cfg.NumRxQueues; i++ {
		fd, err := openPacketSocket(iface)
		if err != nil {
			t.closeSockets()
			return nil, fmt.Errorf("kbtransport: open rx socket %d: %w", i, err)
		}
		t.rxSockets = append(t.rxSockets, fd)
		t.wg.Add(1)
		go t.pollLoop(ctx, fd)
	}

	return t, nil
}

func (t *Transport) closeSockets() {
	for _, fd := range t.txSockets {
		unix.Close(fd)
	}
	for _, fd := range t.rxSockets {
		unix.Close(fd)
	}
}

// Close stops all poll loops and releases sockets.
func (t *Transport) Close() error {
	t.closedOnce.Do(func() {
		if t.cancel != nil {
			t.cancel()
		}
		t.wg.Wait()
		t.closeSockets()
	})
	return nil
}

func (t *Transport) Register(receiver transport.Receiver, rx transport.RxFunc) error {
	addr := receiver.Address()
	if addr.Hardware != t.cfg.Hardware {
		return fmt.Errorf("kbtransport: address %s does not match device hardware %x", addr, t.cfg.Hardware)
	}
	t.mu.Lock()
	defer t.mu.Unlock()
	t.receivers[addr] = rx
	return nil
}

func (t *Transport) RegisterMulticast(rx transport.RxFunc) error {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.multicast = append(t.multicast, rx)
	return nil
}

func (t *Transport) EphemeralAddress() (transport.Address, error) {
	t.mu.Lock()
	defer t.mu.Unlock()
	local := t.nextLocal
	t.nextLocal++
	return transport.Address{Hardware: t.cfg.Hardware, Local: local}, nil
}

func (t *Transport) TxAgent() transport.TxAgent {
	return &txAgent{t: t}
}

// pollLoop burst-reads frames off fd and dispatches each to the
// registered receiver's RxFunc (or the multicast list). It never touches
// replica state directly: dispatch is the receiver's own callback, which
// per spec.md §5 must do no state work and instead submit a scheduler
// task.
func (t *Transport) pollLoop(ctx context.Context, fd int) {
	defer t.wg.Done()
	buf := make([]byte, 9000)
	for {
		select {
		case <-ctx.Done():
			return
		default:
		}

		for i := 0; i < t.cfg.BurstSize; i++ {
			n, _, err := unix.Recvfrom(fd, buf, unix.MSG_DONTWAIT)
			if err != nil {
				break // EAGAIN or similar: nothing more in this burst
			}
			t.dispatch(buf[:n])
		}
	}
}

func (t *Transport) dispatch(frame []byte) {
	if len(frame) < headerSize {
		return
	}
	var dstHW, srcHW [transport.HardwareAddrSize]byte
	copy(dstHW[:], frame[0:6])
	copy(srcHW[:], frame[6:12])
	etherType := uint16(frame[12])<<8 | uint16(frame[13])
	if etherType != EtherType {
		return
	}
	dstLocal := frame[14]
	srcLocal := frame[15]
	payload := frame[headerSize:]

	remote := transport.Address{Hardware: srcHW, Local: srcLocal}
	dst := transport.Address{Hardware: dstHW, Local: dstLocal}

	t.mu.Lock()
	rx, ok := t.receivers[dst]
	isMulticast := t.mcastAddr != nil && *t.mcastAddr == dst
	multicast := append([]transport.RxFunc{}, t.multicast...)
	t.mu.Unlock()

	buffer := &rxBuffer{data: payload}
	if ok {
		rx(remote, buffer)
		return
	}
	if isMulticast {
		for _, mrx := range multicast {
			mrx(remote, &rxBuffer{data: payload})
		}
		return
	}
	t.cfg.Logger.Warn("kbtransport: unknown destination", zap.Stringer("dest", dst))
}

type txAgent struct {
	t *Transport
}

func (a *txAgent) SendMessage(ctx context.Context, source, dest transport.Address, fill func([]byte) int) error {
	frame := make([]byte, 9000)
	n := stampHeader(frame, source, dest)
	n += fill(frame[n:])
	return a.transmitOne(frame[:n], dest)
}

func (a *txAgent) SendMessageToAll(ctx context.Context, source transport.Address, destinations []transport.Address, fill func([]byte) int) error {
	frame := make([]byte, 9000)
	n := headerSize
	n += fill(frame[n:])
	payload := frame[headerSize:n]

	for _, dest := range destinations {
		cp := make([]byte, headerSize+len(payload))
		stampHeader(cp, source, dest)
		copy(cp[headerSize:], payload)
		if err := a.transmitOne(cp, dest); err != nil {
			return err
		}
	}
	return nil
}

func (a *txAgent) transmitOne(frame []byte, dest transport.Address) error {
	queue, _ := a.t.arbiter.Acquire()
	defer a.t.arbiter.Release(queue)
	fd := a.t.txSockets[queue]
	return sendFrame(fd, a.t.ifIndex, dest.Hardware, frame)
}

func stampHeader(buf []byte, source, dest transport.Address) int {
	copy(buf[0:6], dest.Hardware[:])
	copy(buf[6:12], source.Hardware[:])
	buf[12] = byte(EtherType >> 8)
	buf[13] = byte(EtherType)
	buf[14] = dest.Local
	buf[15] = source.Local
	return headerSize
}

type rxBuffer struct {
	data []byte
}

func (b *rxBuffer) Bytes() []byte { return b.data }
func (b *rxBuffer) Free()         {}

var _ transport.Transport = (*Transport)(nil)
var _ transport.TxAgent = (*txAgent)(nil)
