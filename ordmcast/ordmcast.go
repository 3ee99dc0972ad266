// Package ordmcast implements the trusted-ordered-multicast envelope from
// SPEC_FULL.md's trusted-multicast protocol: a fixed 101-byte header
// (chain digest, sequence number, session number, signature) prepended to
// an arbitrary serialized message, line-for-line ported from
// original_source/src/protocol/tombft/message.rs's
// TrustedOrderedMulticast<M>/VerifiedOrderedMulticast<M>.
//
// The header's byte layout is fixed because it is meant to be produced
// and inspected by a programmable switch's data plane (the P4 program
// referenced in the original source), not just by replica software — so
// it is an untyped byte array here too, rather than a Go struct with
// field ordering left to the compiler.
package ordmcast

import (
	"crypto/sha256"
	"encoding/binary"
	"fmt"

	"github.com/nsl-research/bftkit/bcrypto"
	"github.com/nsl-research/bftkit/msgenv"
)

const (
	offsetDigest    = 0
	offsetSequence  = 32
	offsetSession   = 36
	offsetSignature = 37
	HeaderSize      = 101
)

// Prepare lays out a fresh envelope for message, encoded by encode, ahead
// of switch assignment: the sequence/session/signature region is zeroed,
// and the digest is the SHA-256 of the encoded message with its last 4
// bytes cleared, matching the switch p4 program's requirement that the
// digest it forwards fits a 28-byte comparison. It returns the full frame
// (header + message bytes) ready to transmit to the multicast group.
func Prepare(encode func() []byte) []byte {
	body := encode()
	frame := make([]byte, HeaderSize+len(body))
	copy(frame[HeaderSize:], body)

	sum := sha256.Sum256(body)
	copy(sum[28:], make([]byte, 4))
	copy(frame[offsetDigest:offsetDigest+32], sum[:])
	return frame
}

// Trusted is a received ordered-multicast frame, still in its raw,
// unverified byte form — analogous to TrustedOrderedMulticast<M> before
// .verify() is called. It is not itself decoded; bookkeeping only.
type Trusted struct {
	header  [HeaderSize]byte
	message []byte
}

// Parse splits a received frame into its fixed header and trailing
// message bytes. It does not validate the frame's length beyond the
// minimum header size.
func Parse(frame []byte) (Trusted, error) {
	if len(frame) < HeaderSize {
		return Trusted{}, fmt.Errorf("ordmcast: frame too short: %d bytes, need at least %d", len(frame), HeaderSize)
	}
	var t Trusted
	copy(t.header[:], frame[:HeaderSize])
	t.message = append([]byte(nil), frame[HeaderSize:]...)
	return t, nil
}

// SequenceNumber returns the switch-assigned total order position.
func (t Trusted) SequenceNumber() uint32 {
	return binary.BigEndian.Uint32(t.header[offsetSequence : offsetSequence+4])
}

// SessionNumber returns the switch session/epoch this frame belongs to.
func (t Trusted) SessionNumber() uint8 {
	return t.header[offsetSession]
}

// ChainDigest returns the 32-byte digest field (last 4 bytes always
// zero). Prepare fills it with the message's own SHA-256, and the
// trusted.Switch leaves it unchanged, so here it commits to the message
// contents only; nothing in this module chains it to prior messages.
func (t Trusted) ChainDigest() bcrypto.Digest {
	var d bcrypto.Digest
	copy(d[:], t.header[offsetDigest:offsetDigest+32])
	return d
}

// signature returns the raw 64-byte signature slot, which is all-zero
// for frames the switch has not signed (SPEC_FULL.md's
// "unsigned-until-forwarded" semantics carried over from the original's
// `signed` check).
func (t Trusted) signature() bcrypto.Signature {
	var sig bcrypto.Signature
	copy(sig[:], t.header[offsetSignature:offsetSignature+64])
	return sig
}

// IsSigned reports whether the switch has countersigned this frame, as
// opposed to it carrying an all-zero signature slot.
func (t Trusted) IsSigned() bool {
	return !t.signature().IsZero()
}

// Verified is a Trusted frame whose message has been decoded, and whose
// signature (if present) has been checked against key. It stores the
// Trusted header alongside the decoded payload, mirroring the Deref
// relationship VerifiedOrderedMulticast<M> has to M in the original.
type Verified[M any] struct {
	Trusted Trusted
	Message M
}

// Verify decodes t's message with decode and, if t carries a
// countersignature, checks it against key. Malformed messages and
// inauthentic signatures both surface as an error; the original's
// InauthenticMessage maps onto the same sentinel used elsewhere in this
// module for wire-level verification failures.
func Verify[M any](t Trusted, key bcrypto.VerifyingKey, decode func([]byte) (M, error)) (Verified[M], error) {
	if t.IsSigned() && !key.Verify(t.message, t.signature()) {
		return Verified[M]{}, fmt.Errorf("ordmcast: signature check failed: %w", msgenv.ErrInauthentic)
	}
	msg, err := decode(t.message)
	if err != nil {
		return Verified[M]{}, fmt.Errorf("ordmcast: malformed message: %w", err)
	}
	return Verified[M]{Trusted: t, Message: msg}, nil
}

// Countersign fills frame's signature slot in place with key's
// signature over the message bytes that follow the header. The
// trusted.Switch calls it with its own key after assigning a sequence
// number, and replicas verify the result against that switch key.
func Countersign(frame []byte, key bcrypto.SigningKey) error {
	if len(frame) < HeaderSize {
		return fmt.Errorf("ordmcast: frame too short to countersign: %d bytes", len(frame))
	}
	sig, err := key.Sign(frame[HeaderSize:])
	if err != nil {
		return fmt.Errorf("ordmcast: countersign: %w", err)
	}
	copy(frame[offsetSignature:offsetSignature+64], sig[:])
	return nil
}
