package threephase_test

import (
	"testing"

	"github.com/nsl-research/bftkit/bcrypto"
	"github.com/nsl-research/bftkit/replica"
	"github.com/nsl-research/bftkit/replica/threephase"
	"github.com/stretchr/testify/require"
)

func TestReplyRoundTrip(t *testing.T) {
	reply := threephase.Reply{
		View: 1, RequestNumber: 2, Client: replica.ClientID{1, 2, 3, 4},
		ReplicaID: 3, Result: []byte("ok"),
	}
	decoded, err := threephase.DecodeReply(reply.Encode())
	require.NoError(t, err)
	require.Equal(t, reply, decoded)
}

func TestPrePrepareRoundTrip(t *testing.T) {
	pp := threephase.PrePrepare{View: 1, OpNumber: 9, Digest: bcrypto.Digest{1, 2, 3}}
	decoded, err := threephase.DecodePrePrepare(pp.Encode())
	require.NoError(t, err)
	require.Equal(t, pp, decoded)
}

func TestPrepareAndCommitRoundTrip(t *testing.T) {
	p := threephase.Prepare{View: 1, OpNumber: 9, Digest: bcrypto.Digest{4}, ReplicaID: 2}
	decodedP, err := threephase.DecodePrepare(p.Encode())
	require.NoError(t, err)
	require.Equal(t, p, decodedP)

	c := threephase.Commit{View: 1, OpNumber: 9, Digest: bcrypto.Digest{5}, ReplicaID: 2}
	decodedC, err := threephase.DecodeCommit(c.Encode())
	require.NoError(t, err)
	require.Equal(t, c, decodedC)
}

func TestBatchRoundTrip(t *testing.T) {
	batch := []threephase.Request{
		{Op: []byte("a"), RequestNumber: 1, Client: replica.ClientID{1}},
		{Op: []byte("bb"), RequestNumber: 2, Client: replica.ClientID{2}},
	}
	decoded, err := threephase.DecodeBatch(threephase.EncodeBatch(batch))
	require.NoError(t, err)
	require.Equal(t, batch, decoded)
}

func TestRequestFrameRoundTrip(t *testing.T) {
	req := threephase.Request{Op: []byte("op"), RequestNumber: 5, Client: replica.ClientID{9, 9, 9, 9}}
	frame := threephase.EncodeRequest(req)
	tag, err := threephase.ToReplicaTag(frame)
	require.NoError(t, err)
	require.Equal(t, 0, tag)

	decoded, err := threephase.DecodeRequestFrame(frame[1:])
	require.NoError(t, err)
	require.Equal(t, req, decoded)
}

func TestSignedFrameRoundTrip(t *testing.T) {
	key, err := bcrypto.GenerateKey()
	require.NoError(t, err)
	body := []byte("body-bytes")
	sig, err := key.Sign(body)
	require.NoError(t, err)

	frame := threephase.BuildSignedFrame(7, body, sig, []byte("trailing"))
	tag, gotBody, gotSig, trailing, err := threephase.ParseSignedFrame(frame)
	require.NoError(t, err)
	require.Equal(t, byte(7), tag)
	require.Equal(t, body, gotBody)
	require.Equal(t, sig, gotSig)
	require.Equal(t, []byte("trailing"), trailing)
}
