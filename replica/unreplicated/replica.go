package unreplicated

import (
	"context"

	"github.com/nsl-research/bftkit/app"
	"github.com/nsl-research/bftkit/replica"
	"github.com/nsl-research/bftkit/sched"
	"github.com/nsl-research/bftkit/transport"
	"go.uber.org/zap"
)


// StatefulCtx and StatelessCtx name this protocol's instantiation of the
// generic scheduler contexts, matching the other protocol packages'
// convention.
type StatefulCtx = sched.StatefulContext[*Replica, Shared]
type StatelessCtx = sched.StatelessContext[*Replica, Shared]

// Shared is the read-only view stateless tasks may see: there is no key
// material here at all, since unreplicated.rs never signs anything.
type Shared struct {
	Self    transport.Address
	TxAgent transport.TxAgent
	Logger  *zap.Logger
}

func (s Shared) logger() *zap.Logger {
	if s.Logger == nil {
		return zap.NewNop()
	}
	return s.Logger
}

// Replica is the sole replica's state: a client table for deduplication
// and a monotonic op number, nothing else. There is no view number,
// quorum map, or log, because there is nothing to agree with.
type Replica struct {
	shared Shared

	opNumber    uint64
	clientTable *replica.ClientTable[Reply]
	app         app.App
}

// New constructs a Replica's initial state.
func New(shared Shared, application app.App) *Replica {
	return &Replica{
		shared:      shared,
		clientTable: replica.NewClientTable[Reply](),
		app:         application,
	}
}

func (r *Replica) Shared() Shared { return r.shared }

var _ sched.State[Shared] = (*Replica)(nil)

// OpNumber exposes a read-only snapshot of the replica's progress, for
// tests and diagnostics.
func (r *Replica) OpNumber() uint64 { return r.opNumber }

// HandleRequest executes req against the application in arrival order
// and replies to remote, unless the client table finds req stale or a
// duplicate of the last request answered for this client, grounded on
// unreplicated.rs's receive_buffer: a stale request number is silently
// dropped, a duplicate gets its cached reply resent without
// re-executing, and anything else advances op_number and executes.
func HandleRequest(ctx *StatefulCtx, remote transport.Address, req Request) {
	r := ctx.State()

	disp, cached := r.clientTable.Check(req.Client, req.RequestNumber)
	switch disp {
	case replica.Stale:
		return
	case replica.Duplicate:
		sendReply(ctx, remote, cached)
		return
	}

	r.opNumber++
	result := r.app.Execute(app.OpNumber(r.opNumber), req.Op)
	reply := Reply{RequestNumber: req.RequestNumber, Result: result}
	r.clientTable.Advance(req.Client, req.RequestNumber, reply)
	sendReply(ctx, remote, reply)
}

// sendReply hands the unsigned reply frame to a stateless task for
// transmission, keeping the stateful worker free even though there is no
// signature to compute.
func sendReply(ctx *StatefulCtx, remote transport.Address, reply Reply) {
	shared := ctx.State().shared
	frame := reply.Encode()
	ctx.Submit.Stateless(func(sctx *StatelessCtx) {
		s := sctx.Shared()
		if err := s.TxAgent.SendMessage(context.Background(), s.Self, remote, func(buf []byte) int {
			return copy(buf, frame)
		}); err != nil {
			s.logger().Warn("send reply failed", zap.Error(err))
		}
	})
}
