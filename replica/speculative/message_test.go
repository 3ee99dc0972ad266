package speculative_test

import (
	"testing"

	"github.com/nsl-research/bftkit/bcrypto"
	"github.com/nsl-research/bftkit/replica"
	"github.com/nsl-research/bftkit/replica/speculative"
	"github.com/stretchr/testify/require"
)

func TestOrderRequestRoundTrip(t *testing.T) {
	o := speculative.OrderRequest{View: 1, OpNumber: 2, HistoryDigest: bcrypto.Digest{1}, Digest: bcrypto.Digest{2}}
	decoded, err := speculative.DecodeOrderRequest(o.Encode())
	require.NoError(t, err)
	require.Equal(t, o, decoded)
}

func TestSpeculativeResponseRoundTrip(t *testing.T) {
	s := speculative.SpeculativeResponse{
		View: 1, OpNumber: 2, HistoryDigest: bcrypto.Digest{3}, Digest: bcrypto.Digest{4},
		Client: replica.ClientID{9, 9, 9, 9}, RequestNumber: 7,
	}
	decoded, err := speculative.DecodeSpeculativeResponse(s.Encode())
	require.NoError(t, err)
	require.Equal(t, s, decoded)
}

func TestCommitRoundTrip(t *testing.T) {
	c := speculative.Commit{
		Client: replica.ClientID{1, 2, 3, 4},
		Certification: []speculative.Vote{
			{ReplicaID: 0, Response: speculative.SpeculativeResponse{View: 1, OpNumber: 1}, Signature: bcrypto.Signature{1}},
			{ReplicaID: 1, Response: speculative.SpeculativeResponse{View: 1, OpNumber: 1}, Signature: bcrypto.Signature{2}},
		},
	}
	decoded, err := speculative.DecodeCommit(c.Encode())
	require.NoError(t, err)
	require.Equal(t, c, decoded)
}

func TestLocalCommitRoundTrip(t *testing.T) {
	l := speculative.LocalCommit{View: 1, Digest: bcrypto.Digest{1}, HistoryDigest: bcrypto.Digest{2}, ReplicaID: 3, Client: replica.ClientID{4}}
	decoded, err := speculative.DecodeLocalCommit(l.Encode())
	require.NoError(t, err)
	require.Equal(t, l, decoded)
}

func TestBatchRoundTrip(t *testing.T) {
	batch := []speculative.Request{
		{Op: []byte("a"), RequestNumber: 1, Client: replica.ClientID{1}},
		{Op: []byte("bb"), RequestNumber: 2, Client: replica.ClientID{2}},
	}
	decoded, err := speculative.DecodeBatch(speculative.EncodeBatch(batch))
	require.NoError(t, err)
	require.Equal(t, batch, decoded)
}

func TestRequestFrameRoundTrip(t *testing.T) {
	req := speculative.Request{Op: []byte("op"), RequestNumber: 5, Client: replica.ClientID{9, 9, 9, 9}}
	frame := speculative.EncodeRequest(req)
	tag, err := speculative.ToReplicaTag(frame)
	require.NoError(t, err)
	require.Equal(t, 0, tag)

	decoded, err := speculative.DecodeRequestFrame(frame[1:])
	require.NoError(t, err)
	require.Equal(t, req, decoded)
}

func TestSpeculativeResponseFrameRoundTrip(t *testing.T) {
	key, err := bcrypto.GenerateKey()
	require.NoError(t, err)
	response := speculative.SpeculativeResponse{View: 1, OpNumber: 1, Client: replica.ClientID{5}, RequestNumber: 1}
	sig, err := key.Sign(response.Encode())
	require.NoError(t, err)

	frame := speculative.BuildSpeculativeResponseFrame(2, response, sig, []byte("result"))
	replicaID, decoded, gotSig, result, err := speculative.ParseSpeculativeResponseFrame(frame)
	require.NoError(t, err)
	require.Equal(t, int8(2), replicaID)
	require.Equal(t, response, decoded)
	require.Equal(t, sig, gotSig)
	require.Equal(t, []byte("result"), result)
}
