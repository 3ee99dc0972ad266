package trusted

import (
	"context"
	"encoding/binary"

	"github.com/nsl-research/bftkit/bcrypto"
	"github.com/nsl-research/bftkit/ordmcast"
	"github.com/nsl-research/bftkit/transport"
)

// Switch is a software stand-in for the programmable switch spec.md
// §4.6 assumes: production deployments replace it with the P4 data
// plane original_source's tombft protocol describes but never checks
// in (see message.rs's OFFSET_* comments), so this is for tests and
// single-host demos that need something occupying that role.
//
// It listens on the transport's multicast registration, assigns the
// next monotonic sequence number to every arriving envelope, countersigns
// it, and forwards one copy to every replica. It does not compute a
// chain digest: the digest field keeps the value the sender wrote.
type Switch struct {
	tx         transport.TxAgent
	self       transport.Address
	replicas   []transport.Address
	signingKey bcrypto.SigningKey
	session    uint8
	next       uint32
}

// NewSwitch constructs a Switch that forwards to replicas, signing with
// signingKey (whose verifying half every replica's Shared.VerifyingKey
// must be configured with).
func NewSwitch(self transport.Address, replicas []transport.Address, signingKey bcrypto.SigningKey) *Switch {
	// Sequence numbers start at 1 so a fresh Replica's opNumber+1
	// placement check (opNumber starts at 0) lines up with the first
	// assignment, the same one-indexing threephase/speculative use for
	// their op numbers.
	return &Switch{self: self, replicas: append([]transport.Address{}, replicas...), signingKey: signingKey, next: 1}
}

// Attach registers the switch's forwarding callback as tr's multicast
// receiver.
func (s *Switch) Attach(tr transport.Transport) error {
	s.tx = tr.TxAgent()
	return tr.RegisterMulticast(func(_ transport.Address, buf transport.RxBuffer) {
		defer buf.Free()
		s.forward(buf.Bytes())
	})
}

// forward assigns ordering metadata to frame and relays it to every
// replica. Malformed (too-short) frames are silently dropped — the
// switch has no protocol-level understanding of the payload, only of
// the fixed 101-byte header. Already-signed frames are ignored too:
// on a shared simulated network the switch's own forwarded copies loop
// back through the same multicast registration it reads from, and only
// a fresh, unsigned client envelope is its to assign a sequence to.
func (s *Switch) forward(frame []byte) {
	t, err := ordmcast.Parse(frame)
	if err != nil || t.IsSigned() {
		return
	}
	assigned := append([]byte(nil), frame...)
	binary.BigEndian.PutUint32(assigned[32:36], s.next)
	assigned[36] = s.session
	s.next++

	if err := ordmcast.Countersign(assigned, s.signingKey); err != nil {
		return
	}
	_ = s.tx.SendMessageToAll(context.Background(), s.self, s.replicas, func(b []byte) int { return copy(b, assigned) })
}
