// Package bcrypto provides the signing and digest primitives shared by
// every protocol in this module: secp256k1 signatures for message
// authentication, and SHA-256 for batch and chain digests.
//
// The wire formats in SPEC_FULL.md (the ordered-multicast header's 64-byte
// signature-pair slot, and the signed-message envelope built on top of it)
// require a fixed-width signature that is exactly two 32-byte halves. A
// plain ECDSA signature serializes to a variable-length DER blob, which
// cannot fill that slot without another length-prefix layer the header has
// no room for. We therefore sign with the BIP-340-style Schnorr scheme this
// library ships alongside its ECDSA implementation, over the same
// secp256k1 curve: it serializes to a fixed 64 bytes (R || s) by
// construction. See DESIGN.md, "Open Question: ECDSA vs Schnorr".
package bcrypto

import (
	"crypto/rand"
	"crypto/sha256"
	"errors"
	"fmt"

	"github.com/decred/dcrd/dcrec/secp256k1/v4"
	"github.com/decred/dcrd/dcrec/secp256k1/v4/schnorr"
)

// DigestSize is the length in bytes of a digest produced by Sum.
const DigestSize = sha256.Size

// Digest is a 32-byte SHA-256 hash.
type Digest [DigestSize]byte

// Sum returns the digest of the concatenation of parts.
func Sum(parts ...[]byte) Digest {
	h := sha256.New()
	for _, p := range parts {
		h.Write(p)
	}
	var d Digest
	copy(d[:], h.Sum(nil))
	return d
}

// IsZero reports whether d is the all-zero digest.
func (d Digest) IsZero() bool {
	return d == Digest{}
}

// SignatureSize is the fixed wire size of a Signature.
const SignatureSize = 64

// Signature is a fixed 64-byte (R || s) Schnorr-over-secp256k1 signature,
// matching the 64-byte signature slot reserved by the ordered-multicast
// header and reused by the signed-message envelope.
type Signature [SignatureSize]byte

// IsZero reports whether sig is the all-zero signature, the sentinel the
// ordered-multicast header uses to mean "unsigned, multicast-only".
func (sig Signature) IsZero() bool {
	return sig == Signature{}
}

// SigningKey is a secp256k1 private key used to authenticate a replica or
// client's outgoing messages.
type SigningKey struct {
	priv *secp256k1.PrivateKey
}

// VerifyingKey is the public counterpart of a SigningKey.
type VerifyingKey struct {
	pub *secp256k1.PublicKey
}

// GenerateKey creates a new random signing key, for tests and tooling.
func GenerateKey() (SigningKey, error) {
	priv, err := secp256k1.GeneratePrivateKeyFromRand(rand.Reader)
	if err != nil {
		return SigningKey{}, fmt.Errorf("generate secp256k1 key: %w", err)
	}
	return SigningKey{priv: priv}, nil
}

// KeyFromBytes interprets a 32-byte scalar as a signing key. Used when
// loading keys out of the PEM files named by the configuration adapter.
func KeyFromBytes(b []byte) (SigningKey, error) {
	if len(b) != 32 {
		return SigningKey{}, fmt.Errorf("secp256k1 private key must be 32 bytes, got %d", len(b))
	}
	return SigningKey{priv: secp256k1.PrivKeyFromBytes(b)}, nil
}

// Bytes returns the raw 32-byte scalar encoding of the key.
func (k SigningKey) Bytes() []byte {
	return k.priv.Serialize()
}

// Verifying derives the public verifying key for k.
func (k SigningKey) Verifying() VerifyingKey {
	return VerifyingKey{pub: k.priv.PubKey()}
}

// Sign produces a fixed-width signature over the SHA-256 digest of data.
func (k SigningKey) Sign(data []byte) (Signature, error) {
	if k.priv == nil {
		return Signature{}, errors.New("bcrypto: nil signing key")
	}
	d := sha256.Sum256(data)
	sig, err := schnorr.Sign(k.priv, d[:])
	if err != nil {
		return Signature{}, fmt.Errorf("sign: %w", err)
	}
	var out Signature
	copy(out[:], sig.Serialize())
	return out, nil
}

// VerifyingKeyFromBytes parses a 33-byte compressed secp256k1 public key.
func VerifyingKeyFromBytes(b []byte) (VerifyingKey, error) {
	pub, err := secp256k1.ParsePubKey(b)
	if err != nil {
		return VerifyingKey{}, fmt.Errorf("parse secp256k1 public key: %w", err)
	}
	return VerifyingKey{pub: pub}, nil
}

// Bytes returns the compressed encoding of the verifying key.
func (k VerifyingKey) Bytes() []byte {
	return k.pub.SerializeCompressed()
}

// Verify checks sig against the SHA-256 digest of data using the verifying
// key. A zero key (the implicit value of an empty VerifyingKey) never
// verifies.
func (k VerifyingKey) Verify(data []byte, sig Signature) bool {
	if k.pub == nil {
		return false
	}
	parsed, err := schnorr.ParseSignature(sig[:])
	if err != nil {
		return false
	}
	d := sha256.Sum256(data)
	return parsed.Verify(d[:], k.pub)
}
