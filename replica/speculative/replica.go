package speculative

import (
	"context"
	"crypto/sha256"
	"fmt"

	"github.com/nsl-research/bftkit/app"
	"github.com/nsl-research/bftkit/bcrypto"
	"github.com/nsl-research/bftkit/config"
	"github.com/nsl-research/bftkit/replica"
	"github.com/nsl-research/bftkit/sched"
	"github.com/nsl-research/bftkit/transport"
	"go.uber.org/zap"
)

type StatefulCtx = sched.StatefulContext[*Replica, Shared]
type StatelessCtx = sched.StatelessContext[*Replica, Shared]

// CachedReply is what the client table remembers per client: enough to
// resend the last speculative response without re-executing the op.
type CachedReply struct {
	Response SpeculativeResponse
	Result   []byte
}

// logItem is one ordered batch's bookkeeping: its view/op assignment,
// the batch itself, and the running history digest it produced.
type logItem struct {
	view          uint64
	opNumber      uint64
	batch         []Request
	historyDigest bcrypto.Digest
	digest        bcrypto.Digest
}

// Shared is the read-only view stateless tasks see.
type Shared struct {
	Self          transport.Address
	ID            int8
	Config        *config.Config
	TxAgent       transport.TxAgent
	SigningKey    bcrypto.SigningKey
	VerifyingKeys map[transport.Address]bcrypto.VerifyingKey
	Logger        *zap.Logger
}

func (s Shared) logger() *zap.Logger {
	if s.Logger == nil {
		return zap.NewNop()
	}
	return s.Logger
}

func (s Shared) VerifyingKeyFor(addr transport.Address) (bcrypto.VerifyingKey, bool) {
	k, ok := s.VerifyingKeys[addr]
	return k, ok
}

// Replica is the speculative protocol's per-replica state. Unlike
// threephase, there is no prepare/commit quorum here on the fast path:
// every ordered batch is executed immediately, and the only vote-style
// bookkeeping is the client-driven commit certificate handled in
// HandleCommit.
type Replica struct {
	shared Shared

	batchSize int

	viewNumber   uint64
	opNumber     uint64
	lastDigest   bcrypto.Digest // running history digest of the last log item
	log          []*logItem
	clientTable  *replica.ClientTable[CachedReply]
	routeTable   *replica.RouteTable
	batch        []Request

	app app.App
}

// New constructs a Replica's initial state.
func New(shared Shared, application app.App, batchSize int) *Replica {
	return &Replica{
		shared:      shared,
		batchSize:   batchSize,
		clientTable: replica.NewClientTable[CachedReply](),
		routeTable:  replica.NewRouteTable(),
		app:         application,
	}
}

func (r *Replica) Shared() Shared { return r.shared }

var _ sched.State[Shared] = (*Replica)(nil)

func (r *Replica) ViewNumber() uint64 { return r.viewNumber }
func (r *Replica) OpNumber() uint64   { return r.opNumber }

func (r *Replica) isPrimary() bool {
	return r.shared.Config.ViewPrimary(r.viewNumber) == int(r.shared.ID)
}

// HandleRequest processes an incoming client request: dedup against the
// client table, relay to the primary if this replica isn't it, otherwise
// batch and close when full, per SPEC_FULL.md §4.5.
func HandleRequest(ctx *StatefulCtx, remote transport.Address, req Request) {
	r := ctx.State()
	r.routeTable.Observe(req.Client, remote)

	disp, cached := r.clientTable.Check(req.Client, req.RequestNumber)
	switch disp {
	case replica.Stale:
		return
	case replica.Duplicate:
		if addr, ok := r.routeTable.Lookup(req.Client); ok {
			sendSpeculativeResponse(ctx, addr, cached.Response, cached.Result)
		}
		return
	}

	if !r.isPrimary() {
		primaryAddr := r.shared.Config.Replicas()[r.shared.Config.ViewPrimary(r.viewNumber)]
		ctx.Submit.Stateless(func(sctx *StatelessCtx) {
			sendTo(sctx, primaryAddr, EncodeRequest(req))
		})
		return
	}

	r.batch = append(r.batch, req)
	if r.batchSize > 0 && len(r.batch) >= r.batchSize {
		closeBatch(ctx)
	}
}

// closeBatch assigns the next (view, op) pair to the in-flight batch,
// chains the history digest, signs and broadcasts the OrderRequest, and
// — as the REDESIGN-flagged "primary accepting its own pre-prepare"
// behavior carries over here — appends the log item directly rather than
// routing through HandleOrderRequest, since the primary never verifies
// its own signature.
func closeBatch(ctx *StatefulCtx) {
	r := ctx.State()
	r.opNumber++
	opNumber := r.opNumber
	view := r.viewNumber
	batch := r.batch
	r.batch = nil
	previousHistory := r.lastDigest

	encodedBatch := EncodeBatch(batch)
	digestArr := sha256.Sum256(encodedBatch)
	digest := bcrypto.Digest(digestArr)
	historyDigest := chainHistoryDigest(previousHistory, digest)

	item := &logItem{view: view, opNumber: opNumber, batch: batch, historyDigest: historyDigest, digest: digest}
	r.log = append(r.log, item)
	r.lastDigest = historyDigest

	orderRequest := OrderRequest{View: view, OpNumber: opNumber, HistoryDigest: historyDigest, Digest: digest}
	executeAndRespond(ctx, item)

	ctx.Submit.Stateless(func(sctx *StatelessCtx) {
		sig, err := sctx.Shared().SigningKey.Sign(orderRequest.Encode())
		if err != nil {
			sctx.Shared().logger().Warn("sign order request failed", zap.Error(err))
			return
		}
		frame := buildSignedFrame(tagOrderRequest, orderRequest.Encode(), sig, encodedBatch)
		sendToAll(sctx, frame)
	})
}

// chainHistoryDigest computes hash(digest || previous history digest),
// matching zyzzyva/replica.rs's LogItem.history_digest definition.
func chainHistoryDigest(previous, digest bcrypto.Digest) bcrypto.Digest {
	sum := sha256.Sum256(append(append([]byte{}, digest[:]...), previous[:]...))
	return bcrypto.Digest(sum)
}

// HandleOrderRequest processes a verified OrderRequest arriving from the
// primary. The caller has already checked the signature against the
// sending replica's verifying key (not that the sender is the view's
// primary) and that digest matches the piggybacked batch.
func HandleOrderRequest(ctx *StatefulCtx, remote transport.Address, o OrderRequest, batch []Request) {
	r := ctx.State()
	if o.View != r.viewNumber {
		return
	}
	if remote == r.shared.Self {
		// Primary never processes its own broadcast; it already
		// inserted the log item synchronously in closeBatch.
		return
	}
	if o.OpNumber != uint64(len(r.log))+1 {
		// Out-of-order OrderRequest: this protocol has no reorder
		// buffer (unlike threephase) since speculative execution must
		// stay strictly sequential to keep the history digest chain
		// meaningful; a production implementation would need state
		// transfer here.
		return
	}
	expected := chainHistoryDigest(r.lastDigest, o.Digest)
	if expected != o.HistoryDigest {
		r.shared.logger().Error("history digest mismatch, dropping order request",
			zap.Uint64("op_number", o.OpNumber))
		return
	}

	item := &logItem{view: o.View, opNumber: o.OpNumber, batch: batch, historyDigest: o.HistoryDigest, digest: o.Digest}
	r.log = append(r.log, item)
	r.lastDigest = o.HistoryDigest
	r.opNumber = o.OpNumber

	executeAndRespond(ctx, item)
}

// executeAndRespond runs every request in item's batch through the app
// and sends each client its speculative response immediately — the
// defining characteristic of the fast path.
func executeAndRespond(ctx *StatefulCtx, item *logItem) {
	r := ctx.State()
	for i, req := range item.batch {
		globalOpNumber := item.opNumber*uint64(len(item.batch)) + uint64(i)
		result := r.app.Execute(app.OpNumber(globalOpNumber), req.Op)

		response := SpeculativeResponse{
			View:          item.view,
			OpNumber:      item.opNumber,
			HistoryDigest: item.historyDigest,
			Digest:        item.digest,
			Client:        req.Client,
			RequestNumber: req.RequestNumber,
		}
		r.clientTable.Advance(req.Client, req.RequestNumber, CachedReply{Response: response, Result: result})
		if addr, ok := r.routeTable.Lookup(req.Client); ok {
			sendSpeculativeResponse(ctx, addr, response, result)
		}
	}
}

// HandleCommit processes a client's commit certificate (the slow path):
// every vote in the certificate is re-verified against that replica's
// known key and must agree on (view, op, history digest, digest,
// client, request number); once 2f+1 consistent votes are present, this
// replica sends a LocalCommit of its own.
func HandleCommit(ctx *StatefulCtx, c Commit) {
	r := ctx.State()
	need := 2*r.shared.Config.F() + 1
	if len(c.Certification) < need {
		return
	}
	first := c.Certification[0].Response
	matching := 0
	for _, v := range c.Certification {
		key, ok := r.shared.VerifyingKeyFor(r.shared.Config.Replicas()[clampReplicaIndex(v.ReplicaID, len(r.shared.Config.Replicas()))])
		if !ok {
			continue
		}
		if !key.Verify(v.Response.Encode(), v.Signature) {
			continue
		}
		if v.Response.View == first.View && v.Response.OpNumber == first.OpNumber &&
			v.Response.HistoryDigest == first.HistoryDigest && v.Response.Digest == first.Digest &&
			v.Response.Client == first.Client && v.Response.RequestNumber == first.RequestNumber {
			matching++
		}
	}
	if matching < need {
		return
	}

	lc := LocalCommit{View: first.View, Digest: first.Digest, HistoryDigest: first.HistoryDigest, ReplicaID: r.shared.ID, Client: first.Client}
	if addr, ok := r.routeTable.Lookup(first.Client); ok {
		ctx.Submit.Stateless(func(sctx *StatelessCtx) {
			sig, err := sctx.Shared().SigningKey.Sign(lc.Encode())
			if err != nil {
				sctx.Shared().logger().Warn("sign local commit failed", zap.Error(err))
				return
			}
			frame := buildSignedFrame(tagLocalCommit, lc.Encode(), sig, nil)
			sendTo(sctx, addr, frame)
		})
	}
}

func clampReplicaIndex(id int8, n int) int {
	if int(id) < 0 || int(id) >= n {
		return 0
	}
	return int(id)
}

func sendSpeculativeResponse(ctx *StatefulCtx, addr transport.Address, response SpeculativeResponse, result []byte) {
	ctx.Submit.Stateless(func(sctx *StatelessCtx) {
		sig, err := sctx.Shared().SigningKey.Sign(response.Encode())
		if err != nil {
			sctx.Shared().logger().Warn("sign speculative response failed", zap.Error(err))
			return
		}
		frame := BuildSpeculativeResponseFrame(sctx.Shared().ID, response, sig, result)
		sendTo(sctx, addr, frame)
	})
}

func sendTo(sctx *StatelessCtx, dest transport.Address, payload []byte) {
	shared := sctx.Shared()
	_ = shared.TxAgent.SendMessage(context.Background(), shared.Self, dest, func(buf []byte) int { return copy(buf, payload) })
}

func sendToAll(sctx *StatelessCtx, payload []byte) {
	shared := sctx.Shared()
	_ = shared.TxAgent.SendMessageToAll(context.Background(), shared.Self, shared.Config.Replicas(), func(buf []byte) int { return copy(buf, payload) })
}

// ToClient frame tags, distinct from the ToReplica tags above.
const (
	tagSpeculativeResponse = 0
	tagLocalCommit         = 1
)

// BuildSpeculativeResponseFrame lays out a ToClient::SpeculativeResponse
// frame: [tag=0][replica id][4-byte body len][signed SpeculativeResponse
// body][64-byte signature][result bytes], the result carried unsigned
// exactly as zyzzyva/message.rs carries Opaque outside the
// SignedMessage.
func BuildSpeculativeResponseFrame(replicaID int8, response SpeculativeResponse, sig bcrypto.Signature, result []byte) []byte {
	body := response.Encode()
	frame := make([]byte, 0, 1+1+4+len(body)+len(sig)+len(result))
	frame = append(frame, tagSpeculativeResponse)
	frame = append(frame, byte(replicaID))
	frame = appendUint32(frame, uint32(len(body)))
	frame = append(frame, body...)
	frame = append(frame, sig[:]...)
	frame = append(frame, result...)
	return frame
}

// ParseSpeculativeResponseFrame is BuildSpeculativeResponseFrame's inverse.
func ParseSpeculativeResponseFrame(frame []byte) (replicaID int8, response SpeculativeResponse, sig bcrypto.Signature, result []byte, err error) {
	if len(frame) < 1+1+4 {
		return 0, SpeculativeResponse{}, sig, nil, fmt.Errorf("speculative: frame too short")
	}
	if frame[0] != tagSpeculativeResponse {
		return 0, SpeculativeResponse{}, sig, nil, fmt.Errorf("speculative: not a speculative response frame")
	}
	replicaID = int8(frame[1])
	bodyLen := int(frame[2]) | int(frame[3])<<8 | int(frame[4])<<16 | int(frame[5])<<24
	offset := 6
	if bodyLen < 0 || len(frame) < offset+bodyLen+bcrypto.SignatureSize {
		return 0, SpeculativeResponse{}, sig, nil, fmt.Errorf("speculative: frame shorter than declared body length")
	}
	body := frame[offset : offset+bodyLen]
	response, err = DecodeSpeculativeResponse(body)
	if err != nil {
		return 0, SpeculativeResponse{}, sig, nil, err
	}
	copy(sig[:], frame[offset+bodyLen:offset+bodyLen+bcrypto.SignatureSize])
	result = frame[offset+bodyLen+bcrypto.SignatureSize:]
	return replicaID, response, sig, result, nil
}

// buildSignedFrame lays out a generic [tag][4-byte len][body][64-byte
// sig][trailing] frame, shared by OrderRequest (trailing = piggybacked
// batch) and LocalCommit (trailing = empty).
func buildSignedFrame(tag byte, body []byte, sig bcrypto.Signature, trailing []byte) []byte {
	frame := make([]byte, 0, 1+4+len(body)+len(sig)+len(trailing))
	frame = append(frame, tag)
	frame = appendUint32(frame, uint32(len(body)))
	frame = append(frame, body...)
	frame = append(frame, sig[:]...)
	frame = append(frame, trailing...)
	return frame
}

func appendUint32(b []byte, v uint32) []byte {
	return append(b, byte(v), byte(v>>8), byte(v>>16), byte(v>>24))
}

// ParseSignedFrame splits an OrderRequest/LocalCommit-shaped ToReplica
// frame back into its tag, body, signature, and trailing bytes.
func ParseSignedFrame(frame []byte) (tag byte, body []byte, sig bcrypto.Signature, trailing []byte, err error) {
	const headerLen = 1 + 4
	if len(frame) < headerLen+bcrypto.SignatureSize {
		return 0, nil, sig, nil, fmt.Errorf("speculative: frame too short")
	}
	tag = frame[0]
	bodyLen := int(frame[1]) | int(frame[2])<<8 | int(frame[3])<<16 | int(frame[4])<<24
	if bodyLen < 0 || len(frame) < headerLen+bodyLen+bcrypto.SignatureSize {
		return 0, nil, sig, nil, fmt.Errorf("speculative: frame shorter than declared body length")
	}
	body = frame[headerLen : headerLen+bodyLen]
	copy(sig[:], frame[headerLen+bodyLen:headerLen+bodyLen+bcrypto.SignatureSize])
	trailing = frame[headerLen+bodyLen+bcrypto.SignatureSize:]
	return tag, body, sig, trailing, nil
}
