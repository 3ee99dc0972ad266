// Package threephase implements the three-phase (pre-prepare/prepare/
// commit) BFT replica protocol from SPEC_FULL.md §4.4, a direct
// generalization of original_source/src/protocol/pbft/{message,replica}.rs
// onto this module's sched/transport/wire/msgenv stack.
package threephase

import (
	"fmt"

	"github.com/nsl-research/bftkit/bcrypto"
	"github.com/nsl-research/bftkit/replica"
	"github.com/nsl-research/bftkit/wire"
)

// Discriminants for the ToReplica tagged union, in the same field order
// as pbft/message.rs's enum (so the wire byte is stable across the
// lifetime of this protocol's deployment).
const (
	tagRequest = iota
	tagRelayedRequest
	tagPrePrepare
	tagPrepare
	tagCommit
)

// Request is a client operation, identified by client and request
// number for deduplication through the client table.
type Request struct {
	Op            []byte
	RequestNumber uint64
	Client        replica.ClientID
}

func (r Request) encode(w *wire.Writer) {
	w.Uint64(r.RequestNumber)
	w.Fixed(r.Client[:])
	w.WriteBytes(r.Op)
}

func decodeRequest(r *wire.Reader) Request {
	var req Request
	req.RequestNumber = r.Uint64()
	copy(req.Client[:], r.Fixed(replica.ClientIDSize))
	req.Op = r.ReadBytes()
	return req
}

// Reply answers one request; ReplicaID identifies who is answering, so a
// client can count matching replies by content rather than by sender.
type Reply struct {
	View          uint64
	RequestNumber uint64
	Client        replica.ClientID
	ReplicaID     int8
	Result        []byte
}

func (r Reply) Encode() []byte {
	w := wire.NewWriter()
	w.Uint64(r.View)
	w.Uint64(r.RequestNumber)
	w.Fixed(r.Client[:])
	w.Byte(byte(r.ReplicaID))
	w.WriteBytes(r.Result)
	return w.Bytes()
}

func DecodeReply(b []byte) (Reply, error) {
	r := wire.NewReader(b)
	var rep Reply
	rep.View = r.Uint64()
	rep.RequestNumber = r.Uint64()
	copy(rep.Client[:], r.Fixed(replica.ClientIDSize))
	rep.ReplicaID = int8(r.Byte())
	rep.Result = r.ReadBytes()
	return rep, r.Finish()
}

// PrePrepare proposes batch at (View, OpNumber) with Digest committing to
// the batch's serialized bytes, which are transmitted alongside (not
// embedded in) the signed PrePrepare itself — mirroring the original's
// "request batch piggybacked" comment.
type PrePrepare struct {
	View     uint64
	OpNumber uint64
	Digest   bcrypto.Digest
}

func (p PrePrepare) Encode() []byte {
	w := wire.NewWriter()
	w.Uint64(p.View)
	w.Uint64(p.OpNumber)
	w.Fixed(p.Digest[:])
	return w.Bytes()
}

func DecodePrePrepare(b []byte) (PrePrepare, error) {
	r := wire.NewReader(b)
	var p PrePrepare
	p.View = r.Uint64()
	p.OpNumber = r.Uint64()
	copy(p.Digest[:], r.Fixed(bcrypto.DigestSize))
	return p, r.Finish()
}

// Prepare and Commit both vote for the same (view, op, digest) triple;
// ReplicaID identifies the voter for quorum counting.
type Prepare struct {
	View      uint64
	OpNumber  uint64
	Digest    bcrypto.Digest
	ReplicaID int8
}

func (p Prepare) Encode() []byte {
	w := wire.NewWriter()
	w.Uint64(p.View)
	w.Uint64(p.OpNumber)
	w.Fixed(p.Digest[:])
	w.Byte(byte(p.ReplicaID))
	return w.Bytes()
}

func DecodePrepare(b []byte) (Prepare, error) {
	r := wire.NewReader(b)
	var p Prepare
	p.View = r.Uint64()
	p.OpNumber = r.Uint64()
	copy(p.Digest[:], r.Fixed(bcrypto.DigestSize))
	p.ReplicaID = int8(r.Byte())
	return p, r.Finish()
}

type Commit struct {
	View      uint64
	OpNumber  uint64
	Digest    bcrypto.Digest
	ReplicaID int8
}

func (c Commit) Encode() []byte {
	w := wire.NewWriter()
	w.Uint64(c.View)
	w.Uint64(c.OpNumber)
	w.Fixed(c.Digest[:])
	w.Byte(byte(c.ReplicaID))
	return w.Bytes()
}

func DecodeCommit(b []byte) (Commit, error) {
	r := wire.NewReader(b)
	var c Commit
	c.View = r.Uint64()
	c.OpNumber = r.Uint64()
	copy(c.Digest[:], r.Fixed(bcrypto.DigestSize))
	c.ReplicaID = int8(r.Byte())
	return c, r.Finish()
}

// EncodeRequest serializes a bare (unsigned) ToReplica::Request — client
// requests are never signed, following the original's "hard to register
// client's identity at runtime" rationale (pbft/message.rs).
func EncodeRequest(req Request) []byte {
	w := wire.NewWriter()
	w.Byte(tagRequest)
	req.encode(w)
	return w.Bytes()
}

// EncodeRelayedRequest serializes a ToReplica::RelayedRequest, used by a
// backup forwarding a client's request to the primary.
func EncodeRelayedRequest(req Request) []byte {
	w := wire.NewWriter()
	w.Byte(tagRelayedRequest)
	req.encode(w)
	return w.Bytes()
}

// ToReplicaTag reports which ToReplica variant a frame holds, without
// fully decoding it, so the dispatcher can decide stateless-vs-stateful
// routing before paying for a full decode.
func ToReplicaTag(frame []byte) (int, error) {
	if len(frame) == 0 {
		return 0, fmt.Errorf("threephase: empty frame")
	}
	tag := int(frame[0])
	if tag > tagCommit {
		return 0, fmt.Errorf("threephase: unrecognized ToReplica tag %d", tag)
	}
	return tag, nil
}

// DecodeRequestFrame decodes a Request or RelayedRequest frame's body
// (the caller has already stripped the tag byte).
func DecodeRequestFrame(body []byte) (Request, error) {
	r := wire.NewReader(body)
	req := decodeRequest(r)
	return req, r.Finish()
}
