// Package speculative implements the speculative-response BFT replica
// protocol from SPEC_FULL.md §4.5: a primary orders a batch and every
// replica executes it immediately and replies with a signed speculative
// response, skipping the prepare/commit round trip entirely on the fast
// path. A client that sees 3f+1 identical responses returns at once; one
// that sees only 2f+1 forms a commit certificate and sends it to every
// replica to trigger a local commit, the protocol's slow path.
//
// Grounded on original_source/src/protocol/zyzzyva/{message,replica,
// client}.rs.
package speculative

import (
	"fmt"

	"github.com/nsl-research/bftkit/bcrypto"
	"github.com/nsl-research/bftkit/replica"
	"github.com/nsl-research/bftkit/wire"
)

// Discriminants for the ToReplica tagged union, in zyzzyva/message.rs's
// enum field order.
const (
	tagRequest = iota
	tagOrderRequest
	tagCommit
)

// Request is a client operation, identical in shape to the three-phase
// protocol's but kept as its own type so the two protocols never share
// wire-incompatible structs by accident.
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

// OrderRequest is the primary's assignment of (View, OpNumber) to a
// batch, carrying the running HistoryDigest (hash of this batch's digest
// chained onto the previous entry's) alongside the batch's own Digest.
// The non-deterministic field zyzzyva/message.rs's OrderRequest mentions
// and omits is left out here too — this module's App never needs one.
type OrderRequest struct {
	View          uint64
	OpNumber      uint64
	HistoryDigest bcrypto.Digest
	Digest        bcrypto.Digest
}

func (o OrderRequest) Encode() []byte {
	w := wire.NewWriter()
	w.Uint64(o.View)
	w.Uint64(o.OpNumber)
	w.Fixed(o.HistoryDigest[:])
	w.Fixed(o.Digest[:])
	return w.Bytes()
}

func DecodeOrderRequest(b []byte) (OrderRequest, error) {
	r := wire.NewReader(b)
	var o OrderRequest
	o.View = r.Uint64()
	o.OpNumber = r.Uint64()
	copy(o.HistoryDigest[:], r.Fixed(bcrypto.DigestSize))
	copy(o.Digest[:], r.Fixed(bcrypto.DigestSize))
	return o, r.Finish()
}

// SpeculativeResponse is one replica's answer to one request within an
// ordered batch; a client counts matching (View, OpNumber, HistoryDigest,
// Digest, Client, RequestNumber) tuples across replicas, and the result
// bytes travel alongside (unsigned), exactly as zyzzyva's ToClient
// variant carries Opaque outside the SignedMessage.
type SpeculativeResponse struct {
	View          uint64
	OpNumber      uint64
	HistoryDigest bcrypto.Digest
	Digest        bcrypto.Digest
	Client        replica.ClientID
	RequestNumber uint64
}

func (s SpeculativeResponse) Encode() []byte {
	w := wire.NewWriter()
	w.Uint64(s.View)
	w.Uint64(s.OpNumber)
	w.Fixed(s.HistoryDigest[:])
	w.Fixed(s.Digest[:])
	w.Fixed(s.Client[:])
	w.Uint64(s.RequestNumber)
	return w.Bytes()
}

func DecodeSpeculativeResponse(b []byte) (SpeculativeResponse, error) {
	r := wire.NewReader(b)
	var s SpeculativeResponse
	s.View = r.Uint64()
	s.OpNumber = r.Uint64()
	copy(s.HistoryDigest[:], r.Fixed(bcrypto.DigestSize))
	copy(s.Digest[:], r.Fixed(bcrypto.DigestSize))
	copy(s.Client[:], r.Fixed(replica.ClientIDSize))
	s.RequestNumber = r.Uint64()
	return s, r.Finish()
}

// Vote is one replica's certified speculative response, as carried
// inside a Commit certificate: the signed response bytes plus the
// signature and the id of the replica that produced them.
type Vote struct {
	ReplicaID int8
	Response  SpeculativeResponse
	Signature bcrypto.Signature
}

// Commit is the client's 2f+1-strong certificate, broadcast to every
// replica to request a LocalCommit when the fast path did not complete,
// mirroring zyzzyva/message.rs's Commit struct.
type Commit struct {
	Client        replica.ClientID
	Certification []Vote
}

func (c Commit) Encode() []byte {
	w := wire.NewWriter()
	w.Fixed(c.Client[:])
	w.Uint32(uint32(len(c.Certification)))
	for _, v := range c.Certification {
		w.Byte(byte(v.ReplicaID))
		w.WriteBytes(v.Response.Encode())
		w.Fixed(v.Signature[:])
	}
	return w.Bytes()
}

func DecodeCommit(b []byte) (Commit, error) {
	r := wire.NewReader(b)
	var c Commit
	copy(c.Client[:], r.Fixed(replica.ClientIDSize))
	n := r.Uint32()
	c.Certification = make([]Vote, 0, n)
	for i := uint32(0); i < n; i++ {
		var v Vote
		v.ReplicaID = int8(r.Byte())
		respBytes := r.ReadBytes()
		resp, err := DecodeSpeculativeResponse(respBytes)
		if err != nil {
			return Commit{}, err
		}
		v.Response = resp
		copy(v.Signature[:], r.Fixed(bcrypto.SignatureSize))
		c.Certification = append(c.Certification, v)
	}
	return c, r.Finish()
}

// LocalCommit is a replica's acknowledgement of a valid Commit
// certificate, counted by the client (2f+1 needed) to complete the slow
// path.
type LocalCommit struct {
	View          uint64
	Digest        bcrypto.Digest
	HistoryDigest bcrypto.Digest
	ReplicaID     int8
	Client        replica.ClientID
}

func (l LocalCommit) Encode() []byte {
	w := wire.NewWriter()
	w.Uint64(l.View)
	w.Fixed(l.Digest[:])
	w.Fixed(l.HistoryDigest[:])
	w.Byte(byte(l.ReplicaID))
	w.Fixed(l.Client[:])
	return w.Bytes()
}

func DecodeLocalCommit(b []byte) (LocalCommit, error) {
	r := wire.NewReader(b)
	var l LocalCommit
	l.View = r.Uint64()
	copy(l.Digest[:], r.Fixed(bcrypto.DigestSize))
	copy(l.HistoryDigest[:], r.Fixed(bcrypto.DigestSize))
	l.ReplicaID = int8(r.Byte())
	copy(l.Client[:], r.Fixed(replica.ClientIDSize))
	return l, r.Finish()
}

// EncodeRequest serializes a bare ToReplica::Request; client requests
// are never signed, same rationale as the three-phase protocol.
func EncodeRequest(req Request) []byte {
	w := wire.NewWriter()
	w.Byte(tagRequest)
	req.encode(w)
	return w.Bytes()
}

// ToReplicaTag reports a frame's ToReplica variant without decoding it.
func ToReplicaTag(frame []byte) (int, error) {
	if len(frame) == 0 {
		return 0, fmt.Errorf("speculative: empty frame")
	}
	tag := int(frame[0])
	if tag > tagCommit {
		return 0, fmt.Errorf("speculative: unrecognized ToReplica tag %d", tag)
	}
	return tag, nil
}

// DecodeRequestFrame decodes a Request frame's body (tag already
// stripped by the caller).
func DecodeRequestFrame(body []byte) (Request, error) {
	r := wire.NewReader(body)
	req := decodeRequest(r)
	return req, r.Finish()
}
