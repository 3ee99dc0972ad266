package trusted

import (
	"context"
	"fmt"

	"github.com/nsl-research/bftkit/app"
	"github.com/nsl-research/bftkit/bcrypto"
	"github.com/nsl-research/bftkit/config"
	"github.com/nsl-research/bftkit/ordmcast"
	"github.com/nsl-research/bftkit/replica"
	"github.com/nsl-research/bftkit/sched"
	"github.com/nsl-research/bftkit/transport"
	"go.uber.org/zap"
)

type StatefulCtx = sched.StatefulContext[*Replica, Shared]
type StatelessCtx = sched.StatelessContext[*Replica, Shared]

// pendingEntry is one multicast delivery not yet placed into the log.
type pendingEntry struct {
	sequence   uint32
	chainDigest bcrypto.Digest
	request    Request
}

// Shared is the read-only view stateless tasks see. VerifyingKey is
// singular (not a per-replica map): the signature a trusted envelope
// carries authenticates the switch-assigned chain itself, not any one
// replica's identity, so every replica in the group shares one key.
type Shared struct {
	Self          transport.Address
	ID            int8
	Config        *config.Config
	TxAgent       transport.TxAgent
	SigningKey    bcrypto.SigningKey
	VerifyingKey  bcrypto.VerifyingKey
	Logger        *zap.Logger
}

func (s Shared) logger() *zap.Logger {
	if s.Logger == nil {
		return zap.NewNop()
	}
	return s.Logger
}

// Replica is the trusted-multicast protocol's per-replica state: no
// quorum bookkeeping at all (the switch supplies total order), just a
// log, a by-sequence reorder buffer for signed anchors arriving out of
// order, and a chain-request pool for provisional unsigned deliveries.
type Replica struct {
	shared Shared

	opNumber uint64
	log      []Request

	reorderBuf   map[uint64]*pendingEntry
	chainRequest map[bcrypto.Digest][]*pendingEntry

	clientTable *replica.ClientTable[Reply]
	routeTable  *replica.RouteTable

	app app.App
}

// New constructs a Replica's initial state.
func New(shared Shared, application app.App) *Replica {
	return &Replica{
		shared:       shared,
		reorderBuf:   make(map[uint64]*pendingEntry),
		chainRequest: make(map[bcrypto.Digest][]*pendingEntry),
		clientTable:  replica.NewClientTable[Reply](),
		routeTable:   replica.NewRouteTable(),
		app:          application,
	}
}

func (r *Replica) Shared() Shared { return r.shared }

var _ sched.State[Shared] = (*Replica)(nil)

func (r *Replica) OpNumber() uint64 { return r.opNumber }

// HandleOrdered processes one verified ordmcast delivery, per SPEC_FULL.md
// §4.6: an unsigned envelope (one the switch has not countersigned) is
// only buffered, keyed by its own chain
// digest; a signed envelope promotes every buffered entry into the
// by-sequence reorder buffer and attempts to place contiguous entries
// starting at opNumber+1.
func HandleOrdered(ctx *StatefulCtx, remote transport.Address, v ordmcast.Verified[Request]) {
	r := ctx.State()
	entry := &pendingEntry{
		sequence:    v.Trusted.SequenceNumber(),
		chainDigest: v.Trusted.ChainDigest(),
		request:     v.Message,
	}

	r.routeTable.Observe(entry.request.Client, remote)

	if !v.Trusted.IsSigned() {
		r.chainRequest[entry.chainDigest] = append(r.chainRequest[entry.chainDigest], entry)
		return
	}

	for digest, entries := range r.chainRequest {
		for _, buffered := range entries {
			r.reorderBuf[uint64(buffered.sequence)] = buffered
		}
		delete(r.chainRequest, digest)
	}
	r.reorderBuf[uint64(entry.sequence)] = entry

	drainReorderBuf(ctx)
}

// drainReorderBuf places every contiguous entry starting at opNumber+1,
// executing and replying to each as it is placed.
func drainReorderBuf(ctx *StatefulCtx) {
	r := ctx.State()
	for {
		next := r.opNumber + 1
		entry, ok := r.reorderBuf[next]
		if !ok {
			return
		}
		delete(r.reorderBuf, next)
		placeAndExecute(ctx, next, entry.request)
		r.opNumber = next
	}
}

// placeAndExecute appends req to the log at opNumber, runs it through
// the app, and sends the client a signed Reply — "each placement
// triggers immediate execution and a signed reply" (spec.md §4.6).
func placeAndExecute(ctx *StatefulCtx, opNumber uint64, req Request) {
	r := ctx.State()
	r.log = append(r.log, req)

	disp, cached := r.clientTable.Check(req.Client, req.RequestNumber)
	if disp == replica.Stale {
		return
	}
	if disp == replica.Duplicate {
		if addr, ok := r.routeTable.Lookup(req.Client); ok {
			sendReply(ctx, addr, cached)
		}
		return
	}

	result := r.app.Execute(app.OpNumber(opNumber), req.Op)
	reply := Reply{SequenceNumber: opNumber, RequestNumber: req.RequestNumber, Client: req.Client, ReplicaID: r.shared.ID, Result: result}
	r.clientTable.Advance(req.Client, req.RequestNumber, reply)
	if addr, ok := r.routeTable.Lookup(req.Client); ok {
		sendReply(ctx, addr, reply)
	}
}

func sendReply(ctx *StatefulCtx, addr transport.Address, reply Reply) {
	ctx.Submit.Stateless(func(sctx *StatelessCtx) {
		sig, err := sctx.Shared().SigningKey.Sign(reply.Encode())
		if err != nil {
			sctx.Shared().logger().Warn("sign reply failed", zap.Error(err))
			return
		}
		frame := BuildSignedReplyFrame(reply, sig)
		shared := sctx.Shared()
		_ = shared.TxAgent.SendMessage(context.Background(), shared.Self, addr, func(buf []byte) int { return copy(buf, frame) })
	})
}

// BuildSignedReplyFrame concatenates a Reply with its signature:
// [4-byte body length][body][64-byte signature].
func BuildSignedReplyFrame(reply Reply, sig bcrypto.Signature) []byte {
	body := reply.Encode()
	frame := make([]byte, 0, 4+len(body)+len(sig))
	frame = append(frame, byte(len(body)), byte(len(body)>>8), byte(len(body)>>16), byte(len(body)>>24))
	frame = append(frame, body...)
	frame = append(frame, sig[:]...)
	return frame
}

// ParseSignedReplyFrame is BuildSignedReplyFrame's inverse.
func ParseSignedReplyFrame(frame []byte) (Reply, bcrypto.Signature, error) {
	var sig bcrypto.Signature
	if len(frame) < 4 {
		return Reply{}, sig, fmt.Errorf("trusted: frame too short")
	}
	bodyLen := int(frame[0]) | int(frame[1])<<8 | int(frame[2])<<16 | int(frame[3])<<24
	if bodyLen < 0 || len(frame) < 4+bodyLen+bcrypto.SignatureSize {
		return Reply{}, sig, fmt.Errorf("trusted: frame shorter than declared body length")
	}
	reply, err := DecodeReply(frame[4 : 4+bodyLen])
	if err != nil {
		return Reply{}, sig, err
	}
	copy(sig[:], frame[4+bodyLen:4+bodyLen+bcrypto.SignatureSize])
	return reply, sig, nil
}
