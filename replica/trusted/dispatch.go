package trusted

import (
	"github.com/nsl-research/bftkit/app"
	"github.com/nsl-research/bftkit/bcrypto"
	"github.com/nsl-research/bftkit/config"
	"github.com/nsl-research/bftkit/ordmcast"
	"github.com/nsl-research/bftkit/sched"
	"github.com/nsl-research/bftkit/transport"
	"go.uber.org/zap"
)

// Register wires tr's rx callback for self into a fresh Handle running
// this protocol. switchKey verifies the one countersignature a trusted
// envelope ever carries (the switch-assigned chain's own attestation,
// not any replica's) — config has no roster slot for a switch identity
// distinct from the replica addresses it lists, so it is passed in
// directly rather than pulled from cfg; see DESIGN.md.
func Register(tr transport.Transport, self transport.Address, id int8, cfg *config.Config, signingKey bcrypto.SigningKey, switchKey bcrypto.VerifyingKey, application app.App, logger *zap.Logger) (*sched.Handle[*Replica, Shared], error) {
	shared := Shared{
		Self:         self,
		ID:           id,
		Config:       cfg,
		TxAgent:      tr.TxAgent(),
		SigningKey:   signingKey,
		VerifyingKey: switchKey,
		Logger:       logger,
	}
	state := New(shared, application)
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

type dispatchReceiver struct {
	addr transport.Address
}

func (r dispatchReceiver) Address() transport.Address { return r.addr }

// handleRx decodes the received ordmcast frame in stateless context
// (checking the countersignature, if any, off the critical path) before
// handing the verified delivery to the stateful HandleOrdered.
func handleRx(handle *sched.Handle[*Replica, Shared], remote transport.Address, buf transport.RxBuffer) {
	frame := append([]byte(nil), buf.Bytes()...)
	buf.Free()

	t, err := ordmcast.Parse(frame)
	if err != nil {
		return
	}

	handle.Submit().Stateless(func(sctx *StatelessCtx) {
		verified, err := ordmcast.Verify(t, sctx.Shared().VerifyingKey, DecodeRequest)
		if err != nil {
			return
		}
		sctx.Submit.Stateful(func(ctx *StatefulCtx) {
			HandleOrdered(ctx, remote, verified)
		})
	})
}
