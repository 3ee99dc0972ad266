package threephase

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
// this protocol, mirroring pbft/replica.rs's register_new: unsigned
// client requests are dispatched to stateful context directly (the
// original's "shortcut: if we don't have verifying key for remote, we
// cannot do verify so skip stateless task" applies uniformly here since
// requests are never signed), while every other message is decoded in
// stateless context first so its signature can be checked off the
// critical path.
func Register(tr transport.Transport, self transport.Address, id int8, cfg *config.Config, signingKey bcrypto.SigningKey, application app.App, batchSize int, adaptiveBatching, equivocationCheck bool, logger *zap.Logger) (*sched.Handle[*Replica, Shared], error) {
	shared := Shared{
		Self:          self,
		ID:            id,
		Config:        cfg,
		TxAgent:       tr.TxAgent(),
		SigningKey:    signingKey,
		VerifyingKeys: verifyingKeysFromConfig(cfg),
		Logger:        logger,
	}
	state := New(shared, application, batchSize, adaptiveBatching, equivocationCheck)
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

// verifyingKeysFromConfig pulls every roster member's verifying key out
// of cfg, for replicas — the only well-known addresses with identities,
// per config.rs's comment carried over into this module's config
// package doc.
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

// handleRx is the rx callback registered with the transport: it makes
// the stateless-vs-stateful routing decision, then hands the decoded
// message to the appropriate Handle* function once on the right side of
// the scheduler.
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
	case tagRequest, tagRelayedRequest:
		body := frame[1:]
		req, err := DecodeRequestFrame(body)
		buf.Free()
		if err != nil {
			return
		}
		observeRoute := tag == tagRequest
		handle.Submit().Stateful(func(ctx *StatefulCtx) {
			HandleRequest(ctx, remote, req, observeRoute)
		})
	default:
		dispatchSigned(handle, remote, frame)
		buf.Free()
	}
}

// dispatchSigned handles every signed ToReplica variant (PrePrepare,
// Prepare, Commit): each is verified in stateless context, then handed
// to its stateful handler only once authenticated.
func dispatchSigned(handle *sched.Handle[*Replica, Shared], remote transport.Address, frame []byte) {
	frameCopy := append([]byte(nil), frame...)
	handle.Submit().Stateless(func(sctx *StatelessCtx) {
		key, ok := sctx.Shared().VerifyingKeyFor(remote)
		if !ok {
			return
		}
		tag, body, sig, trailing, err := ParseSignedFrame(frameCopy)
		if err != nil {
			return
		}
		if !key.Verify(body, sig) {
			return
		}

		switch tag {
		case tagPrePrepare:
			pp, err := DecodePrePrepare(body)
			if err != nil {
				return
			}
			sum := sha256.Sum256(trailing)
			if sum != [32]byte(pp.Digest) {
				return
			}
			batch, err := DecodeBatch(trailing)
			if err != nil {
				return
			}
			sctx.Submit.Stateful(func(ctx *StatefulCtx) {
				HandlePrePrepare(ctx, pp, batch)
			})
		case tagPrepare:
			p, err := DecodePrepare(body)
			if err != nil {
				return
			}
			sctx.Submit.Stateful(func(ctx *StatefulCtx) {
				HandlePrepare(ctx, p)
			})
		case tagCommit:
			c, err := DecodeCommit(body)
			if err != nil {
				return
			}
			sctx.Submit.Stateful(func(ctx *StatefulCtx) {
				HandleCommit(ctx, c)
			})
		}
	})
}
