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
	"github.com/nsl-research/bftkit/replica/trusted"
	"github.com/nsl-research/bftkit/transport"
	"github.com/nsl-research/bftkit/transport/simtransport"
	"github.com/stretchr/testify/require"
)

func TestTrustedClientInvokeViaSwitch(t *testing.T) {
	net := simtransport.NewNetwork()

	replicaHW := [6]byte{1, 1, 1, 1, 1, 1}
	selfAddr := transport.Address{Hardware: replicaHW, Local: 0}
	replicaTransport := simtransport.NewTransport(net, replicaHW)

	multicastAddr := transport.Address{Hardware: [6]byte{0xff, 0xff, 0xff, 0xff, 0xff, 0xff}, Local: 0}
	f, err := config.ParseFile(strings.NewReader(
		"f 0\nreplica 01:01:01:01:01:01#0\nmulticast ff:ff:ff:ff:ff:ff#0\n",
	))
	require.NoError(t, err)
	f.Replica[0] = selfAddr
	f.Multicast = &multicastAddr

	replicaKey, err := bcrypto.GenerateKey()
	require.NoError(t, err)
	verifying := map[transport.Address]bcrypto.VerifyingKey{selfAddr: replicaKey.Verifying()}
	cfg, err := config.NewClassical(f, verifying)
	require.NoError(t, err)

	switchKey, err := bcrypto.GenerateKey()
	require.NoError(t, err)

	echo := app.NewEchoApp()
	handle, err := trusted.Register(replicaTransport, selfAddr, 0, cfg, replicaKey, switchKey.Verifying(), echo, nil)
	require.NoError(t, err)
	stop := make(chan struct{})
	for i := 0; i < 2; i++ {
		go handle.RunWorker(stop)
	}
	defer close(stop)

	switchHW := [6]byte{9, 9, 9, 9, 9, 9}
	switchSelf := transport.Address{Hardware: switchHW, Local: 0}
	switchTransport := simtransport.NewTransport(net, switchHW)
	sw := trusted.NewSwitch(switchSelf, cfg.Replicas(), switchKey)
	require.NoError(t, sw.Attach(switchTransport))

	clientHW := [6]byte{2, 2, 2, 2, 2, 2}
	clientTransport := simtransport.NewTransport(net, clientHW)
	c, err := client.NewTrustedClient(clientTransport, cfg, nil)
	require.NoError(t, err)

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	result, err := c.Invoke(ctx, []byte("ping"))
	require.NoError(t, err)
	require.Equal(t, "reply: ping", string(result))
}
