package client_test

import (
	"context"
	"strings"
	"testing"
	"time"

	"github.com/nsl-research/bftkit/app"
	"github.com/nsl-research/bftkit/client"
	"github.com/nsl-research/bftkit/config"
	"github.com/nsl-research/bftkit/replica/unreplicated"
	"github.com/nsl-research/bftkit/transport"
	"github.com/nsl-research/bftkit/transport/simtransport"
	"github.com/stretchr/testify/require"
)

// TestUnreplicatedClientInvokeAgainstSingleReplica is spec.md §8 scenario
// 1 end to end: 1 replica, 1 client, Invoke("hello") returns "reply: hello".
func TestUnreplicatedClientInvokeAgainstSingleReplica(t *testing.T) {
	net := simtransport.NewNetwork()
	replicaHW := [6]byte{1, 1, 1, 1, 1, 1}
	selfAddr := transport.Address{Hardware: replicaHW, Local: 0}
	replicaTransport := simtransport.NewTransport(net, replicaHW)

	f, err := config.ParseFile(strings.NewReader("f 0\nreplica 00:00:00:00:00:00#0\n"))
	require.NoError(t, err)
	f.Replica[0] = selfAddr
	cfg, err := config.NewClassical(f, nil)
	require.NoError(t, err)

	echo := app.NewEchoApp()
	handle, err := unreplicated.Register(replicaTransport, selfAddr, 0, echo, nil)
	require.NoError(t, err)
	stop := make(chan struct{})
	for i := 0; i < 2; i++ {
		go handle.RunWorker(stop)
	}
	defer close(stop)

	clientHW := [6]byte{2, 2, 2, 2, 2, 2}
	clientTransport := simtransport.NewTransport(net, clientHW)
	stats := client.NewStats()
	c, err := client.NewUnreplicatedClient(clientTransport, cfg, stats)
	require.NoError(t, err)

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	result, err := c.Invoke(ctx, []byte("hello"))
	require.NoError(t, err)
	require.Equal(t, "reply: hello", string(result))
	require.EqualValues(t, 1, stats.Count())
}

func TestUnreplicatedClientRequestNumberIncreasesAcrossInvocations(t *testing.T) {
	net := simtransport.NewNetwork()
	replicaHW := [6]byte{3, 3, 3, 3, 3, 3}
	selfAddr := transport.Address{Hardware: replicaHW, Local: 0}
	replicaTransport := simtransport.NewTransport(net, replicaHW)

	f, err := config.ParseFile(strings.NewReader("f 0\nreplica 00:00:00:00:00:00#0\n"))
	require.NoError(t, err)
	f.Replica[0] = selfAddr
	cfg, err := config.NewClassical(f, nil)
	require.NoError(t, err)

	echo := app.NewEchoApp()
	handle, err := unreplicated.Register(replicaTransport, selfAddr, 0, echo, nil)
	require.NoError(t, err)
	stop := make(chan struct{})
	for i := 0; i < 2; i++ {
		go handle.RunWorker(stop)
	}
	defer close(stop)

	clientHW := [6]byte{4, 4, 4, 4, 4, 4}
	clientTransport := simtransport.NewTransport(net, clientHW)
	c, err := client.NewUnreplicatedClient(clientTransport, cfg, nil)
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
