// Package msgenv implements the signed-message envelope shared by every
// protocol: a typed payload's serialization paired with a signature over
// it, matching the teacher's (mirbft) habit of carrying both the parsed
// message and the bytes it was parsed from so a replica can forward the
// original wire bytes without re-serializing, and grounded directly on
// original_source/src/common/signed.rs's SignedMessage<M>.
package msgenv

import (
	"errors"
	"fmt"

	"github.com/nsl-research/bftkit/bcrypto"
)

// ErrInauthentic is returned by Verify when the signature does not match
// the carried bytes under the given verifying key.
var ErrInauthentic = errors.New("msgenv: inauthentic message")

// ErrMalformed is returned by Verify when the signature checks out but the
// payload fails to deserialize.
var ErrMalformed = errors.New("msgenv: malformed message")

// Envelope is the wire representation of a signed message: serialized
// payload bytes plus a signature over them. It is generic in the
// deserialized payload type only at the call site (Verify takes a decode
// function), since Go 1.21 generics over methods with differing decoded
// types would otherwise force every protocol message to implement a
// shared interface the teacher's protobuf oneof does not need.
type Envelope struct {
	Body      []byte
	Signature bcrypto.Signature
}

// Sign serializes payload with encode and signs the result.
func Sign(key bcrypto.SigningKey, encode func() []byte) (Envelope, error) {
	body := encode()
	sig, err := key.Sign(body)
	if err != nil {
		return Envelope{}, fmt.Errorf("sign envelope: %w", err)
	}
	return Envelope{Body: body, Signature: sig}, nil
}

// Verified wraps a successfully verified payload together with the
// envelope it came from, so the payload can be re-broadcast (e.g. a
// Prepare forwarded verbatim) without re-serializing it.
type Verified[M any] struct {
	Envelope Envelope
	Payload  M
}

// Verify checks e's signature against key, then decodes the body with
// decode. decode must return (message, error); a decode error after a
// valid signature is reported as ErrMalformed rather than the decoder's
// own error, matching the malformed/inauthentic split in SPEC_FULL.md §7.
func Verify[M any](e Envelope, key bcrypto.VerifyingKey, decode func([]byte) (M, error)) (Verified[M], error) {
	if !key.Verify(e.Body, e.Signature) {
		var zero M
		_ = zero
		return Verified[M]{}, ErrInauthentic
	}
	msg, err := decode(e.Body)
	if err != nil {
		return Verified[M]{}, fmt.Errorf("%w: %v", ErrMalformed, err)
	}
	return Verified[M]{Envelope: e, Payload: msg}, nil
}
