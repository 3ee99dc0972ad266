package speculative

import (
	"crypto/sha256"

	"github.com/nsl-research/bftkit/app"
	"github.com/nsl-research/bftkit/bcrypto"
	"github.com/nsl-research/bftkit/config"
	"github.com/nsl-research/bftkit/sched"
	"github.com/nsl-research/bftkit/transport"
	"go.uber.org/zap"
)

// Register wires tr's rx callback for self into a fresh Handle running
// this protocol. Request and Commit arrive unsigned (a request has no
// registered client identity to verify against; a commit certificate is
// verified vote-by-vote inside HandleCommit instead of as one envelope)
// and go straight to stateful context. OrderRequest is the one signed
// ToReplica variant, so it is verified in stateless context first.
func Register(tr transport.Transport, self transport.Address, id int8, cfg *config.Config, signingKey bcrypto.SigningKey, application app.App, batchSize int, logger *zap.Logger) (*sched.Handle[*Replica, Shared], error) {
	shared := Shared{
		Self:          self,
		ID:            id,
		Config:        cfg,
		TxAgent:       tr.TxAgent(),
		SigningKey:    signingKey,
		VerifyingKeys: verifyingKeysFromConfig(cfg),
		Logger:        logger,
	}
	state := New(shared, application, batchSize)
	handle := sched.New[*Replica, Shared](state)

	recv := dispatchReceiver{addr: self}
	err := tr.Register(recv, func(remote transport.Address, buf transport.RxBuffer) {
		handleRx(handle, remote, buf)
	})
	if err != nil {
		return nil, err
	}
	return handle, nil
}

func verifyingKeysFromConfig(cfg *config.Config) map[transport.Address]bcrypto.VerifyingKey {
	keys := make(map[transport.Address]bcrypto.VerifyingKey)
	for _, addr := range cfg.Replicas() {
		if k, ok := cfg.VerifyingKey(addr); ok {
			keys[addr] = k
		}
	}
	return keys
}

type dispatchReceiver struct {
	addr transport.Address
}

func (r dispatchReceiver) Address() transport.Address { return r.addr }

func handleRx(handle *sched.Handle[*Replica, Shared], remote transport.Address, buf transport.RxBuffer) {
	frame := buf.Bytes()
	if len(frame) == 0 {
		buf.Free()
		return
	}

	tag, err := ToReplicaTag(frame)
	if err != nil {
		buf.Free()
		return
	}

	switch tag {
	case tagRequest:
		body := frame[1:]
		req, err := DecodeRequestFrame(body)
		buf.Free()
		if err != nil {
			return
		}
		handle.Submit().Stateful(func(ctx *StatefulCtx) {
			HandleRequest(ctx, remote, req)
		})
	case tagCommit:
		body := append([]byte(nil), frame[1:]...)
		buf.Free()
		commit, err := DecodeCommit(body)
		if err != nil {
			return
		}
		handle.Submit().Stateful(func(ctx *StatefulCtx) {
			HandleCommit(ctx, commit)
		})
	default:
		frameCopy := append([]byte(nil), frame...)
		buf.Free()
		dispatchOrderRequest(handle, remote, frameCopy)
	}
}

// dispatchOrderRequest verifies a signed OrderRequest (and the digest
// match of its piggybacked batch) in stateless context before handing it
// to the stateful handler.
func dispatchOrderRequest(handle *sched.Handle[*Replica, Shared], remote transport.Address, frame []byte) {
	handle.Submit().Stateless(func(sctx *StatelessCtx) {
		key, ok := sctx.Shared().VerifyingKeyFor(remote)
		if !ok {
			return
		}
		tag, body, sig, trailing, err := ParseSignedFrame(frame)
		if err != nil || tag != tagOrderRequest {
			return
		}
		if !key.Verify(body, sig) {
			return
		}
		o, err := DecodeOrderRequest(body)
		if err != nil {
			return
		}
		sum := sha256.Sum256(trailing)
		if sum != [32]byte(o.Digest) {
			return
		}
		batch, err := DecodeBatch(trailing)
		if err != nil {
			return
		}
		sctx.Submit.Stateful(func(ctx *StatefulCtx) {
			HandleOrderRequest(ctx, remote, o, batch)
		})
	})
}
