package trusted_test

import (
	"encoding/binary"
	"strings"
	"testing"
	"time"

	"github.com/nsl-research/bftkit/app"
	"github.com/nsl-research/bftkit/bcrypto"
	"github.com/nsl-research/bftkit/config"
	"github.com/nsl-research/bftkit/ordmcast"
	"github.com/nsl-research/bftkit/replica"
	"github.com/nsl-research/bftkit/replica/trusted"
	"github.com/nsl-research/bftkit/transport"
	"github.com/nsl-research/bftkit/transport/simtransport"
	"github.com/stretchr/testify/require"
)

// withSequence overwrites an ordmcast.Prepare'd frame's sequence-number
// field, standing in for the switch's assignment step (this module's
// replica code never itself assigns a sequence number).
func withSequence(frame []byte, n uint32) []byte {
	binary.BigEndian.PutUint32(frame[32:36], n)
	return frame
}

func singleReplicaSetup(t *testing.T) (*simtransport.Network, transport.Address, bcrypto.SigningKey, *app.LoggingApp, func()) {
	t.Helper()
	net := simtransport.NewNetwork()
	hw := [6]byte{1, 1, 1, 1, 1, 1}
	selfAddr := transport.Address{Hardware: hw, Local: 0}
	tr := simtransport.NewTransport(net, hw)

	f, err := config.ParseFile(strings.NewReader("f 0\nreplica 00:00:00:00:00:00#0\n"))
	require.NoError(t, err)
	f.Replica[0] = selfAddr

	replicaKey, err := bcrypto.GenerateKey()
	require.NoError(t, err)
	verifying := map[transport.Address]bcrypto.VerifyingKey{selfAddr: replicaKey.Verifying()}
	cfg, err := config.NewClassical(f, verifying)
	require.NoError(t, err)

	switchKey, err := bcrypto.GenerateKey()
	require.NoError(t, err)

	echo := app.NewEchoApp()
	handle, err := trusted.Register(tr, selfAddr, 0, cfg, replicaKey, switchKey.Verifying(), echo, nil)
	require.NoError(t, err)

	stop := make(chan struct{})
	for i := 0; i < 2; i++ {
		go handle.RunWorker(stop)
	}
	return net, selfAddr, switchKey, echo, func() { close(stop) }
}

func TestSignedRequestExecutesImmediately(t *testing.T) {
	net, selfAddr, switchKey, echo, stop := singleReplicaSetup(t)
	defer stop()

	clientHW := [6]byte{2, 2, 2, 2, 2, 2}
	clientAddr := transport.Address{Hardware: clientHW, Local: 0}
	clientTransport := simtransport.NewTransport(net, clientHW)

	replyCh := make(chan trusted.Reply, 1)
	err := clientTransport.Register(fakeReceiver{clientAddr}, func(remote transport.Address, buf transport.RxBuffer) {
		reply, _, err := trusted.ParseSignedReplyFrame(buf.Bytes())
		if err != nil {
			return
		}
		replyCh <- reply
	})
	require.NoError(t, err)

	req := trusted.Request{Op: []byte("ping"), RequestNumber: 1, Client: replica.ClientID{9, 9, 9, 9}}
	frame := ordmcast.Prepare(req.Encode)
	frame = withSequence(frame, 1)
	require.NoError(t, ordmcast.Countersign(frame, switchKey))

	err = clientTransport.TxAgent().SendMessage(nil, clientAddr, selfAddr, func(buf []byte) int {
		return copy(buf, frame)
	})
	require.NoError(t, err)

	select {
	case reply := <-replyCh:
		require.Equal(t, "reply: ping", string(reply.Result))
		require.Equal(t, uint64(1), reply.SequenceNumber)
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for reply")
	}

	require.Len(t, echo.Log, 1)
	require.Equal(t, app.UpcallExecute, echo.Log[0].Kind)
}

func TestUnsignedRequestIsBufferedUntilSignedAnchorArrives(t *testing.T) {
	net, selfAddr, switchKey, echo, stop := singleReplicaSetup(t)
	defer stop()

	clientHW := [6]byte{3, 3, 3, 3, 3, 3}
	clientAddr := transport.Address{Hardware: clientHW, Local: 0}
	clientTransport := simtransport.NewTransport(net, clientHW)

	replyCh := make(chan trusted.Reply, 2)
	err := clientTransport.Register(fakeReceiver{clientAddr}, func(remote transport.Address, buf transport.RxBuffer) {
		reply, _, err := trusted.ParseSignedReplyFrame(buf.Bytes())
		if err != nil {
			return
		}
		replyCh <- reply
	})
	require.NoError(t, err)

	first := trusted.Request{Op: []byte("first"), RequestNumber: 1, Client: replica.ClientID{1, 1, 1, 1}}
	firstFrame := withSequence(ordmcast.Prepare(first.Encode), 1)

	second := trusted.Request{Op: []byte("second"), RequestNumber: 1, Client: replica.ClientID{2, 2, 2, 2}}
	secondFrame := withSequence(ordmcast.Prepare(second.Encode), 2)
	require.NoError(t, ordmcast.Countersign(secondFrame, switchKey))

	send := func(frame []byte) {
		err := clientTransport.TxAgent().SendMessage(nil, clientAddr, selfAddr, func(buf []byte) int {
			return copy(buf, frame)
		})
		require.NoError(t, err)
	}

	// unsigned anchor-less frame, must not execute yet
	send(firstFrame)
	time.Sleep(50 * time.Millisecond)
	require.Empty(t, echo.Log)

	// signed anchor arrives: promotes both into the reorder buffer and
	// drains them in sequence order
	send(secondFrame)

	received := make(map[uint64]trusted.Reply)
	for len(received) < 2 {
		select {
		case reply := <-replyCh:
			received[reply.SequenceNumber] = reply
		case <-time.After(2 * time.Second):
			t.Fatalf("timed out, got %d of 2 replies", len(received))
		}
	}
	require.Equal(t, "reply: first", string(received[1].Result))
	require.Equal(t, "reply: second", string(received[2].Result))
}

type fakeReceiver struct{ addr transport.Address }

func (r fakeReceiver) Address() transport.Address { return r.addr }
