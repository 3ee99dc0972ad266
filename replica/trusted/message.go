// Package trusted implements the trusted-ordered-multicast BFT replica
// protocol from SPEC_FULL.md §4.6: the network (a programmable switch)
// assigns every multicast request a monotonically increasing sequence
// number and a chain digest, so replicas skip the prepare/commit round
// trip entirely and only verify occasional signed anchors binding the
// chain before executing in sequence order.
//
// original_source/src/protocol/tombft/replica.rs (the would-be grounding
// source for the state machine below) was never implemented upstream —
// only message.rs's envelope shape survived into original_source, which
// this module's ordmcast package already carries — so the placement
// logic below is this module's own design against spec.md §4.6's bullet
// list, not a line-for-line port; see DESIGN.md.
package trusted

import (
	"github.com/nsl-research/bftkit/replica"
	"github.com/nsl-research/bftkit/wire"
)

// Request is a client operation carried inside an ordmcast envelope —
// the switch assigns it a sequence number and chain digest, so no
// separate per-replica forwarding step is needed.
type Request struct {
	Op            []byte
	RequestNumber uint64
	Client        replica.ClientID
}

func (r Request) Encode() []byte {
	w := wire.NewWriter()
	w.Uint64(r.RequestNumber)
	w.Fixed(r.Client[:])
	w.WriteBytes(r.Op)
	return w.Bytes()
}

func DecodeRequest(b []byte) (Request, error) {
	r := wire.NewReader(b)
	var req Request
	req.RequestNumber = r.Uint64()
	copy(req.Client[:], r.Fixed(replica.ClientIDSize))
	req.Op = r.ReadBytes()
	return req, r.Finish()
}

// Reply answers one request once it has been placed and executed.
type Reply struct {
	SequenceNumber uint64
	RequestNumber  uint64
	Client         replica.ClientID
	ReplicaID      int8
	Result         []byte
}

func (rep Reply) Encode() []byte {
	w := wire.NewWriter()
	w.Uint64(rep.SequenceNumber)
	w.Uint64(rep.RequestNumber)
	w.Fixed(rep.Client[:])
	w.Byte(byte(rep.ReplicaID))
	w.WriteBytes(rep.Result)
	return w.Bytes()
}

func DecodeReply(b []byte) (Reply, error) {
	r := wire.NewReader(b)
	var rep Reply
	rep.SequenceNumber = r.Uint64()
	rep.RequestNumber = r.Uint64()
	copy(rep.Client[:], r.Fixed(replica.ClientIDSize))
	rep.ReplicaID = int8(r.Byte())
	rep.Result = r.ReadBytes()
	return rep, r.Finish()
}
