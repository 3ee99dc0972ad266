package trusted_test

import (
	"testing"

	"github.com/nsl-research/bftkit/bcrypto"
	"github.com/nsl-research/bftkit/replica"
	"github.com/nsl-research/bftkit/replica/trusted"
	"github.com/stretchr/testify/require"
)

func TestRequestRoundTrip(t *testing.T) {
	req := trusted.Request{Op: []byte("ping"), RequestNumber: 4, Client: replica.ClientID{1, 2, 3, 4}}
	decoded, err := trusted.DecodeRequest(req.Encode())
	require.NoError(t, err)
	require.Equal(t, req, decoded)
}

func TestReplyRoundTrip(t *testing.T) {
	rep := trusted.Reply{
		SequenceNumber: 9, RequestNumber: 4, Client: replica.ClientID{1, 2, 3, 4},
		ReplicaID: 2, Result: []byte("pong"),
	}
	decoded, err := trusted.DecodeReply(rep.Encode())
	require.NoError(t, err)
	require.Equal(t, rep, decoded)
}

func TestSignedReplyFrameRoundTrip(t *testing.T) {
	rep := trusted.Reply{SequenceNumber: 1, RequestNumber: 1, Client: replica.ClientID{9, 9, 9, 9}, ReplicaID: 0, Result: []byte("ok")}
	key, err := bcrypto.GenerateKey()
	require.NoError(t, err)
	sig, err := key.Sign(rep.Encode())
	require.NoError(t, err)

	frame := trusted.BuildSignedReplyFrame(rep, sig)
	decoded, decodedSig, err := trusted.ParseSignedReplyFrame(frame)
	require.NoError(t, err)
	require.Equal(t, rep, decoded)
	require.Equal(t, sig, decodedSig)
	require.True(t, key.Verifying().Verify(decoded.Encode(), decodedSig))
}
