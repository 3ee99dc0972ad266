package bcrypto_test

import (
	"testing"

	"github.com/nsl-research/bftkit/bcrypto"
	"github.com/stretchr/testify/require"
)

func TestSignVerifyRoundTrip(t *testing.T) {
	key, err := bcrypto.GenerateKey()
	require.NoError(t, err)

	payload := []byte("pre-prepare view=0 op=1 digest=...")
	sig, err := key.Sign(payload)
	require.NoError(t, err)

	require.True(t, key.Verifying().Verify(payload, sig))
}

func TestVerifyRejectsTamperedPayload(t *testing.T) {
	key, err := bcrypto.GenerateKey()
	require.NoError(t, err)

	payload := []byte("commit view=0 op=1")
	sig, err := key.Sign(payload)
	require.NoError(t, err)

	tampered := append([]byte{}, payload...)
	tampered[0] ^= 0xFF
	require.False(t, key.Verifying().Verify(tampered, sig))
}

func TestVerifyRejectsWrongKey(t *testing.T) {
	key1, err := bcrypto.GenerateKey()
	require.NoError(t, err)
	key2, err := bcrypto.GenerateKey()
	require.NoError(t, err)

	payload := []byte("prepare")
	sig, err := key1.Sign(payload)
	require.NoError(t, err)

	require.False(t, key2.Verifying().Verify(payload, sig))
}

func TestKeyRoundTripBytes(t *testing.T) {
	key, err := bcrypto.GenerateKey()
	require.NoError(t, err)

	reloaded, err := bcrypto.KeyFromBytes(key.Bytes())
	require.NoError(t, err)
	require.Equal(t, key.Verifying().Bytes(), reloaded.Verifying().Bytes())
}

func TestSumDigestDeterministic(t *testing.T) {
	d1 := bcrypto.Sum([]byte("a"), []byte("b"))
	d2 := bcrypto.Sum([]byte("a"), []byte("b"))
	require.Equal(t, d1, d2)

	d3 := bcrypto.Sum([]byte("ab"))
	require.Equal(t, d1, d3)

	d4 := bcrypto.Sum([]byte("ba"))
	require.NotEqual(t, d1, d4)
}

func TestZeroSignatureAndDigest(t *testing.T) {
	var sig bcrypto.Signature
	require.True(t, sig.IsZero())

	var d bcrypto.Digest
	require.True(t, d.IsZero())
}
