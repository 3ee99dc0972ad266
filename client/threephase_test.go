package client_test

import (
	"context"
	"strings"
	"testing"
	"time"

	"github.com/nsl-research/bftkit/app"
	"github.com/nsl-research/bftkit/bcrypto"
	"github.com/nsl-research/bftkit/client"
	"github.com/nsl-research/bftkit/config"
	"github.com/nsl-research/bftkit/replica/threephase"
	"github.com/nsl-research/bftkit/transport"
	"github.com/nsl-research/bftkit/transport/simtransport"
	"github.com/stretchr/testify/require"
)

func TestThreephaseClientInvokeAgainstSingleReplica(t *testing.T) {
	net := simtransport.NewNetwork()
	replicaHW := [6]byte{1, 1, 1, 1, 1, 1}
	selfAddr := transport.Address{Hardware: replicaHW, Local: 0}
	replicaTransport := simtransport.NewTransport(net, replicaHW)

	f, err := config.ParseFile(strings.NewReader("f 0\nreplica 00:00:00:00:00:00#0\n"))
	require.NoError(t, err)
	f.Replica[0] = selfAddr

	key, err := bcrypto.GenerateKey()
	require.NoError(t, err)
	verifying := map[transport.Address]bcrypto.VerifyingKey{selfAddr: key.Verifying()}
	cfg, err := config.NewClassical(f, verifying)
	require.NoError(t, err)

	echo := app.NewEchoApp()
	handle, err := threephase.Register(replicaTransport, selfAddr, 0, cfg, key, echo, 1, false, true, nil)
	require.NoError(t, err)
	stop := make(chan struct{})
	for i := 0; i < 2; i++ {
		go handle.RunWorker(stop)
	}
	defer close(stop)

	clientHW := [6]byte{2, 2, 2, 2, 2, 2}
	clientTransport := simtransport.NewTransport(net, clientHW)
	stats := client.NewStats()
	c, err := client.NewThreephaseClient(clientTransport, cfg, stats)
	require.NoError(t, err)

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	result, err := c.Invoke(ctx, []byte("ping"))
	require.NoError(t, err)
	require.Equal(t, "reply: ping", string(result))
	require.EqualValues(t, 1, stats.Count())
}

func TestThreephaseClientRequestNumberIncreasesAcrossInvocations(t *testing.T) {
	net := simtransport.NewNetwork()
	replicaHW := [6]byte{3, 3, 3, 3, 3, 3}
	selfAddr := transport.Address{Hardware: replicaHW, Local: 0}
	replicaTransport := simtransport.NewTransport(net, replicaHW)

	f, err := config.ParseFile(strings.NewReader("f 0\nreplica 00:00:00:00:00:00#0\n"))
	require.NoError(t, err)
	f.Replica[0] = selfAddr

	key, err := bcrypto.GenerateKey()
	require.NoError(t, err)
	verifying := map[transport.Address]bcrypto.VerifyingKey{selfAddr: key.Verifying()}
	cfg, err := config.NewClassical(f, verifying)
	require.NoError(t, err)

	echo := app.NewEchoApp()
	handle, err := threephase.Register(replicaTransport, selfAddr, 0, cfg, key, echo, 1, false, true, nil)
	require.NoError(t, err)
	stop := make(chan struct{})
	for i := 0; i < 2; i++ {
		go handle.RunWorker(stop)
	}
	defer close(stop)

	clientHW := [6]byte{4, 4, 4, 4, 4, 4}
	clientTransport := simtransport.NewTransport(net, clientHW)
	c, err := client.NewThreephaseClient(clientTransport, cfg, nil)
	require.NoError(t, err)

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	_, err = c.Invoke(ctx, []byte("one"))
	require.NoError(t, err)
	_, err = c.Invoke(ctx, []byte("two"))
	require.NoError(t, err)

	require.Len(t, echo.Log, 2)
	require.Equal(t, "one", string(echo.Log[0].Op))
	require.Equal(t, "two", string(echo.Log[1].Op))
}

// TestThreephaseClientRequiresTwoFPlusOneQuorumAtFEqualsOne guards
// against the need := f+1 regression: at f=1 (n=4, quorum 2f+1=3), only
// two of the four replicas are brought up, so at most two matching
// replies can ever arrive. The buggy f+1=2 threshold would complete the
// invocation; the correct 2f+1=3 threshold must never be satisfied and
// the call must time out via ctx.
func TestThreephaseClientRequiresTwoFPlusOneQuorumAtFEqualsOne(t *testing.T) {
	net := simtransport.NewNetwork()
	addrs := make([]transport.Address, 4)
	for i := range addrs {
		hw := [6]byte{10, 10, 10, 10, 10, byte(i)}
		addrs[i] = transport.Address{Hardware: hw, Local: 0}
	}

	f, err := config.ParseFile(strings.NewReader(
		"f 1\nreplica 0a:0a:0a:0a:0a:00#0\nreplica 0a:0a:0a:0a:0a:01#0\nreplica 0a:0a:0a:0a:0a:02#0\nreplica 0a:0a:0a:0a:0a:03#0\n",
	))
	require.NoError(t, err)
	copy(f.Replica, addrs)

	keys := make(map[transport.Address]bcrypto.VerifyingKey, 4)
	signingKeys := make([]bcrypto.SigningKey, 4)
	for i, addr := range addrs {
		key, err := bcrypto.GenerateKey()
		require.NoError(t, err)
		signingKeys[i] = key
		keys[addr] = key.Verifying()
	}
	cfg, err := config.NewClassical(f, keys)
	require.NoError(t, err)

	stop := make(chan struct{})
	defer close(stop)
	// Only bring up two of the four replicas: never enough for a 2f+1=3
	// quorum, but exactly enough for the buggy f+1=2 threshold.
	for i := 0; i < 2; i++ {
		tr := simtransport.NewTransport(net, addrs[i].Hardware)
		handle, err := threephase.Register(tr, addrs[i], int8(i), cfg, signingKeys[i], app.NewEchoApp(), 1, false, true, nil)
		require.NoError(t, err)
		go handle.RunWorker(stop)
	}

	clientHW := [6]byte{11, 11, 11, 11, 11, 11}
	clientTransport := simtransport.NewTransport(net, clientHW)
	c, err := client.NewThreephaseClient(clientTransport, cfg, nil)
	require.NoError(t, err)

	ctx, cancel := context.WithTimeout(context.Background(), 200*time.Millisecond)
	defer cancel()
	_, err = c.Invoke(ctx, []byte("ping"))
	require.ErrorIs(t, err, context.DeadlineExceeded, "two matching replies must not satisfy a 2f+1=3 quorum at f=1")
}
