// Package unreplicated implements the single-replica baseline protocol
// listed in SPEC_FULL.md §0 as the "single-replica baseline": one
// replica executes every request in arrival order and
// replies directly, with no view, no quorum, and no signing at all,
// grounded on original_source/src/protocol/unreplicated.rs. It exists to
// exercise transport/scheduler/config wiring without paying for any
// actual Byzantine-fault-tolerance machinery.
package unreplicated

import (
	"fmt"

	"github.com/nsl-research/bftkit/replica"
	"github.com/nsl-research/bftkit/wire"
)

// Request is a client operation. Unlike every other protocol in this
// module, it is never signed or relayed: unreplicated.rs's Replica reads
// request_number/client_id/op straight off the wire and trusts them,
// since the whole point of this protocol is to have nothing else to
// trust.
type Request struct {
	Op            []byte
	RequestNumber uint64
	Client        replica.ClientID
}

// EncodeRequest serializes req with no leading tag byte: unreplicated has
// exactly one ToReplica message shape, so there is no union to discriminate.
func EncodeRequest(req Request) []byte {
	w := wire.NewWriter()
	w.Uint64(req.RequestNumber)
	w.Fixed(req.Client[:])
	w.WriteBytes(req.Op)
	return w.Bytes()
}

// DecodeRequest parses a Request frame.
func DecodeRequest(b []byte) (Request, error) {
	r := wire.NewReader(b)
	var req Request
	req.RequestNumber = r.Uint64()
	copy(req.Client[:], r.Fixed(replica.ClientIDSize))
	req.Op = r.ReadBytes()
	if err := r.Finish(); err != nil {
		return Request{}, fmt.Errorf("unreplicated: decode request: %w", err)
	}
	return req, nil
}

// Reply answers one request; there is no ReplicaID field because there
// is only ever one replica and the client addresses it directly.
type Reply struct {
	RequestNumber uint64
	Result        []byte
}

func (r Reply) Encode() []byte {
	w := wire.NewWriter()
	w.Uint64(r.RequestNumber)
	w.WriteBytes(r.Result)
	return w.Bytes()
}

func DecodeReply(b []byte) (Reply, error) {
	r := wire.NewReader(b)
	var rep Reply
	rep.RequestNumber = r.Uint64()
	rep.Result = r.ReadBytes()
	if err := r.Finish(); err != nil {
		return Reply{}, fmt.Errorf("unreplicated: decode reply: %w", err)
	}
	return rep, nil
}
