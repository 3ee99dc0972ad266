package threephase_test

import (
	"strings"
	"testing"
	"time"

	"github.com/nsl-research/bftkit/app"
	"github.com/nsl-research/bftkit/bcrypto"
	"github.com/nsl-research/bftkit/config"
	"github.com/nsl-research/bftkit/replica/threephase"
	"github.com/nsl-research/bftkit/sched"
	"github.com/nsl-research/bftkit/transport"
	"github.com/nsl-research/bftkit/transport/simtransport"
	"github.com/stretchr/testify/require"
)

// singleReplicaSetup builds a one-replica, f=0 deployment: the lone
// replica is always primary, and quorum thresholds (2f, 2f+1) are (0, 1)
// so its own votes are immediately enough, exercising the full
// request -> pre-prepare -> prepare -> commit -> execute pipeline
// without needing a multi-node harness.
func singleReplicaSetup(t *testing.T, batchSize int, adaptive bool) (*simtransport.Network, transport.Address, *app.LoggingApp, func()) {
	t.Helper()
	net := simtransport.NewNetwork()
	hw := [6]byte{1, 1, 1, 1, 1, 1}
	selfAddr := transport.Address{Hardware: hw, Local: 0}
	tr := simtransport.NewTransport(net, hw)

	f, err := config.ParseFile(strings.NewReader("f 0\nreplica 00:00:00:00:00:00#0\n"))
	require.NoError(t, err)
	f.Replica[0] = selfAddr

	key, err := bcrypto.GenerateKey()
	require.NoError(t, err)
	verifying := map[transport.Address]bcrypto.VerifyingKey{selfAddr: key.Verifying()}
	cfg, err := config.NewClassical(f, verifying)
	require.NoError(t, err)

	echo := app.NewEchoApp()
	handle, err := threephase.Register(tr, selfAddr, 0, cfg, key, echo, batchSize, adaptive, true, nil)
	require.NoError(t, err)

	stop := make(chan struct{})
	for i := 0; i < 2; i++ {
		go handle.RunWorker(stop)
	}
	return net, selfAddr, echo, func() { close(stop) }
}

func TestRequestExecutesThroughFullPipeline(t *testing.T) {
	net, selfAddr, echo, stop := singleReplicaSetup(t, 1, false)
	defer stop()

	clientHW := [6]byte{2, 2, 2, 2, 2, 2}
	clientAddr := transport.Address{Hardware: clientHW, Local: 0}
	clientTransport := simtransport.NewTransport(net, clientHW)

	replyCh := make(chan []byte, 1)
	err := clientTransport.Register(fakeReceiver{clientAddr}, func(remote transport.Address, buf transport.RxBuffer) {
		_, body, _, _, err := threephase.ParseSignedFrame(buf.Bytes())
		if err != nil {
			return
		}
		reply, err := threephase.DecodeReply(body)
		if err != nil {
			return
		}
		replyCh <- reply.Result
	})
	require.NoError(t, err)

	req := threephase.Request{Op: []byte("ping"), RequestNumber: 1, Client: [4]byte{9, 9, 9, 9}}
	frame := threephase.EncodeRequest(req)
	err = clientTransport.TxAgent().SendMessage(nil, clientAddr, selfAddr, func(buf []byte) int {
		return copy(buf, frame)
	})
	require.NoError(t, err)

	select {
	case result := <-replyCh:
		require.Equal(t, "reply: ping", string(result))
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for reply")
	}

	require.Len(t, echo.Log, 1)
	require.Equal(t, app.UpcallExecute, echo.Log[0].Kind)
}

type fakeReceiver struct{ addr transport.Address }

func (r fakeReceiver) Address() transport.Address { return r.addr }

// directHandle builds a Handle without any transport, for tests that
// drive a single state-machine transition directly rather than through a
// full network round trip.
func directHandle(t *testing.T, batchSize int, adaptive, equivocationCheck bool) (*sched.Handle[*threephase.Replica, threephase.Shared], transport.Address) {
	t.Helper()
	selfAddr := transport.Address{Hardware: [6]byte{1, 1, 1, 1, 1, 1}, Local: 0}
	f, err := config.ParseFile(strings.NewReader("f 0\nreplica 01:01:01:01:01:01#0\n"))
	require.NoError(t, err)
	f.Replica[0] = selfAddr
	key, err := bcrypto.GenerateKey()
	require.NoError(t, err)
	cfg, err := config.NewClassical(f, map[transport.Address]bcrypto.VerifyingKey{selfAddr: key.Verifying()})
	require.NoError(t, err)

	shared := threephase.Shared{
		Self:          selfAddr,
		ID:            0,
		Config:        cfg,
		TxAgent:       simtransport.NewTransport(simtransport.NewNetwork(), selfAddr.Hardware).TxAgent(),
		SigningKey:    key,
		VerifyingKeys: map[transport.Address]bcrypto.VerifyingKey{selfAddr: key.Verifying()},
	}
	state := threephase.New(shared, app.NewEchoApp(), batchSize, adaptive, equivocationCheck)
	return sched.New[*threephase.Replica, threephase.Shared](state), selfAddr
}

// TestDuplicatePrePrepareSameOpNumberSilentlyDropped covers spec.md
// §4.4's "equal-view pre-prepare twice at the same op -> first wins"
// edge case: a second, differently-digested pre-prepare for an
// already-filled op number must never replace the logged item.
func TestDuplicatePrePrepareSameOpNumberSilentlyDropped(t *testing.T) {
	handle, _ := directHandle(t, 1, false, true)

	first := threephase.PrePrepare{View: 0, OpNumber: 1, Digest: bcrypto.Digest{1}}
	second := threephase.PrePrepare{View: 0, OpNumber: 1, Digest: bcrypto.Digest{2}}

	handle.WithStateful(func(ctx *threephase.StatefulCtx) {
		threephase.HandlePrePrepare(ctx, first, nil)
		threephase.HandlePrePrepare(ctx, second, nil)
	})

	var logged threephase.PrePrepare
	var found bool
	handle.WithStateful(func(ctx *threephase.StatefulCtx) {
		logged, found = ctx.State().LoggedPrePrepare(1)
	})
	require.True(t, found)
	require.Equal(t, first.Digest, logged.Digest)
}

// TestFutureViewVoteDropped covers spec.md §4.4's "vote for op from a
// future view -> treat as state transfer needed, drop" edge case: a
// Prepare for a view ahead of the replica's current one must not be
// recorded into the prepare quorum.
func TestFutureViewVoteDropped(t *testing.T) {
	handle, _ := directHandle(t, 1, false, false)

	pp := threephase.PrePrepare{View: 0, OpNumber: 1, Digest: bcrypto.Digest{3}}
	futureVote := threephase.Prepare{View: 1, OpNumber: 1, Digest: bcrypto.Digest{3}, ReplicaID: 7}

	var prepared bool
	handle.WithStateful(func(ctx *threephase.StatefulCtx) {
		threephase.HandlePrePrepare(ctx, pp, nil)
		threephase.HandlePrepare(ctx, futureVote)
		prepared = ctx.State().Prepared(1)
	})
	require.False(t, prepared, "a future-view vote must never count toward the current view's quorum")
}

// TestDegenerateBatchSizeZeroNeverCloses covers spec.md §4.4's "batch
// size = 0 -> degenerate configuration; primary never closes a batch"
// edge case.
func TestDegenerateBatchSizeZeroNeverCloses(t *testing.T) {
	handle, selfAddr := directHandle(t, 0, false, false)

	req := threephase.Request{Op: []byte("noop"), RequestNumber: 1, Client: replicaClientID(9)}
	handle.WithStateful(func(ctx *threephase.StatefulCtx) {
		threephase.HandleRequest(ctx, selfAddr, req, true)
	})

	var opNumber uint64
	handle.WithStateful(func(ctx *threephase.StatefulCtx) {
		opNumber = ctx.State().OpNumber()
	})
	require.Zero(t, opNumber, "batch size 0 must never close a batch, regardless of pending requests")
}

func replicaClientID(b byte) [4]byte { return [4]byte{b, b, b, b} }
