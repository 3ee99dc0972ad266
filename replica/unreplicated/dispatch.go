package unreplicated

import (
	"fmt"

	"github.com/nsl-research/bftkit/app"
	"github.com/nsl-research/bftkit/sched"
	"github.com/nsl-research/bftkit/transport"
	"go.uber.org/zap"
)

// Register wires tr's rx callback for self into a fresh Handle running
// this protocol. id must be 0: unreplicated.rs's register_new asserts
// `replica_id == 0` since there is never more than one replica to
// address.
func Register(tr transport.Transport, self transport.Address, id int8, application app.App, logger *zap.Logger) (*sched.Handle[*Replica, Shared], error) {
	if id != 0 {
		return nil, fmt.Errorf("unreplicated: replica id must be 0, got %d", id)
	}

	shared := Shared{
		Self:    self,
		TxAgent: tr.TxAgent(),
		Logger:  logger,
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

// handleRx decodes the inbound request and hands it straight to stateful
// context: unreplicated requests are never signed, so there is no
// stateless verification phase to route through first.
func handleRx(handle *sched.Handle[*Replica, Shared], remote transport.Address, buf transport.RxBuffer) {
	req, err := DecodeRequest(buf.Bytes())
	buf.Free()
	if err != nil {
		return
	}
	handle.Submit().Stateful(func(ctx *StatefulCtx) {
		HandleRequest(ctx, remote, req)
	})
}
