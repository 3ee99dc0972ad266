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
	"github.com/nsl-research/bftkit/replica/speculative"
	"github.com/nsl-research/bftkit/transport"
	"github.com/nsl-research/bftkit/transport/simtransport"
	"github.com/stretchr/testify/require"
)

// Single replica, f=0: 3*0+1 = 1, so the fast path completes on the
// replica's own speculative response and the slow path never triggers.
func TestSpeculativeClientFastPathAgainstSingleReplica(t *testing.T) {
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
	handle, err := speculative.Register(replicaTransport, selfAddr, 0, cfg, key, echo, 1, nil)
	require.NoError(t, err)
	stop := make(chan struct{})
	for i := 0; i < 2; i++ {
		go handle.RunWorker(stop)
	}
	defer close(stop)

	clientHW := [6]byte{2, 2, 2, 2, 2, 2}
	clientTransport := simtransport.NewTransport(net, clientHW)
	c, err := client.NewSpeculativeClient(clientTransport, cfg, nil)
	require.NoError(t, err)

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	result, err := c.Invoke(ctx, []byte("ping"))
	require.NoError(t, err)
	require.Equal(t, "reply: ping", string(result))
}
