package threephase

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

// StatefulCtx and StatelessCtx name this protocol's instantiation of the
// generic scheduler contexts, so signatures below stay readable. They
// are plain type instantiations (not type aliases carrying methods —
// Go does not allow attaching methods to an aliased out-of-package
// generic type), so every operation below is a function taking the
// context as its first argument instead of a method.
type StatefulCtx = sched.StatefulContext[*Replica, Shared]
type StatelessCtx = sched.StatelessContext[*Replica, Shared]

// logItem is one op number's bookkeeping, from batching through
// execution. Its fields mirror pbft/replica.rs's LogItem exactly.
type logItem struct {
	quorumKey  replica.QuorumKey
	batch      []Request
	prePrepare PrePrepare
	committed  bool
}

// Shared is the read-only view stateless tasks (signature
// verification/signing) are allowed to see: configuration, the transmit
// agent, and the key material needed to sign or verify, none of which
// ever changes after set-up (SPEC_FULL.md §5, "Shared resource policy").
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

// VerifyingKeyFor looks up remote's verifying key, for use by the rx
// dispatcher deciding whether a message can be checked in stateless
// context at all.
func (s Shared) VerifyingKeyFor(addr transport.Address) (bcrypto.VerifyingKey, bool) {
	k, ok := s.VerifyingKeys[addr]
	return k, ok
}

// Replica is the per-replica state a Handle[*Replica, Shared] owns.
// Every mutable field here is touched only from stateful context, per
// SPEC_FULL.md §5.
type Replica struct {
	shared Shared

	batchSize         int
	adaptiveBatching  bool
	equivocationCheck bool
	batchInFlight     bool

	viewNumber   uint64
	opNumber     uint64
	commitNumber uint64

	clientTable *replica.ClientTable[Reply]
	routeTable  *replica.RouteTable
	log         []*logItem
	reorderLog  map[uint64]*logItem
	batch       []Request

	prepareQuorum map[replica.QuorumKey]map[int8]Prepare
	commitQuorum  map[replica.QuorumKey]map[int8]struct{}

	app app.App
}

// New constructs a Replica's initial state. batchSize of 0 is permitted
// and yields a primary that never closes a batch, per SPEC_FULL.md
// §4.4's "degenerate configuration" edge case. equivocationCheck gates a
// warn log on receiving a second pre-prepare for an already-filled op
// number (SPEC_FULL.md §4, "Equivocation check flag"): the duplicate is always silently
// dropped either way, this only controls whether it is also logged.
func New(shared Shared, application app.App, batchSize int, adaptiveBatching, equivocationCheck bool) *Replica {
	return &Replica{
		shared:            shared,
		batchSize:         batchSize,
		adaptiveBatching:  adaptiveBatching,
		equivocationCheck: equivocationCheck,
		clientTable:       replica.NewClientTable[Reply](),
		routeTable:        replica.NewRouteTable(),
		reorderLog:        make(map[uint64]*logItem),
		prepareQuorum:     make(map[replica.QuorumKey]map[int8]Prepare),
		commitQuorum:      make(map[replica.QuorumKey]map[int8]struct{}),
		app:               application,
	}
}

func (r *Replica) Shared() Shared { return r.shared }

var _ sched.State[Shared] = (*Replica)(nil)

// ViewNumber, OpNumber, and CommitNumber expose read-only snapshots of
// the replica's progress, for tests and diagnostics.
func (r *Replica) ViewNumber() uint64   { return r.viewNumber }
func (r *Replica) OpNumber() uint64     { return r.opNumber }
func (r *Replica) CommitNumber() uint64 { return r.commitNumber }

// Prepared reports whether opNumber has reached the prepared state, for
// tests asserting on quorum transitions without reaching into internals.
func (r *Replica) Prepared(opNumber uint64) bool { return r.prepared(opNumber) }

// LoggedPrePrepare returns the PrePrepare logged at opNumber, if any, for
// tests asserting which of two competing proposals won.
func (r *Replica) LoggedPrePrepare(opNumber uint64) (PrePrepare, bool) {
	item, ok := r.logItemAt(opNumber)
	if !ok {
		return PrePrepare{}, false
	}
	return item.prePrepare, true
}

func (r *Replica) isPrimary() bool {
	return r.shared.Config.ViewPrimary(r.viewNumber) == int(r.shared.ID)
}

// logItemAt returns the log item at opNumber (1-indexed against r.log,
// falling back to the reorder buffer for out-of-order arrivals), exactly
// as pbft/replica.rs's log_item does.
func (r *Replica) logItemAt(opNumber uint64) (*logItem, bool) {
	if opNumber >= 1 && opNumber <= uint64(len(r.log)) {
		return r.log[opNumber-1], true
	}
	if item, ok := r.reorderLog[opNumber]; ok {
		return item, true
	}
	return nil, false
}

func (r *Replica) prepared(opNumber uint64) bool {
	item, ok := r.logItemAt(opNumber)
	if !ok {
		return false
	}
	votes, ok := r.prepareQuorum[item.quorumKey]
	if !ok {
		return false
	}
	return len(votes) >= 2*r.shared.Config.F()
}

func (r *Replica) committedLocal(opNumber uint64) bool {
	item, ok := r.logItemAt(opNumber)
	if !ok {
		return false
	}
	if !r.prepared(opNumber) {
		return false
	}
	votes, ok := r.commitQuorum[item.quorumKey]
	if !ok {
		return false
	}
	return len(votes) >= 2*r.shared.Config.F()+1
}

// HandleRequest processes a client request arriving directly (observing
// its transport address into the route table) or relayed from a backup
// (remote address ignored), per SPEC_FULL.md §4.4 "Request arrival".
func HandleRequest(ctx *StatefulCtx, remote transport.Address, req Request, observeRoute bool) {
	r := ctx.State()
	if observeRoute {
		r.routeTable.Observe(req.Client, remote)
	}

	disp, cached := r.clientTable.Check(req.Client, req.RequestNumber)
	switch disp {
	case replica.Stale:
		return
	case replica.Duplicate:
		if addr, ok := r.routeTable.Lookup(req.Client); ok {
			sendReply(ctx, addr, cached)
		}
		return
	}

	if !r.isPrimary() {
		primaryAddr := r.shared.Config.Replicas()[r.shared.Config.ViewPrimary(r.viewNumber)]
		ctx.Submit.Stateless(func(sctx *StatelessCtx) {
			sendTo(sctx, primaryAddr, EncodeRelayedRequest(req))
		})
		return
	}

	r.batch = append(r.batch, req)
	if r.shouldCloseBatch() {
		closeBatch(ctx)
	}
}

func (r *Replica) shouldCloseBatch() bool {
	if r.batchSize <= 0 {
		return false
	}
	if r.adaptiveBatching {
		return !r.batchInFlight
	}
	return len(r.batch) >= r.batchSize
}

// closeBatch implements SPEC_FULL.md §4.4 "Close batch": assign the next
// op number, then off-load digesting/signing/transmitting to a stateless
// task, which submits a follow-up stateful task to actually log the item
// (unless the view changed in the meantime).
func closeBatch(ctx *StatefulCtx) {
	r := ctx.State()
	r.opNumber++
	opNumber := r.opNumber
	view := r.viewNumber
	batch := r.batch
	r.batch = nil
	if r.batchSize > 0 && len(batch) > r.batchSize {
		// Adaptive batching can gather more than batchSize requests while
		// a batch is in flight; the overflow waits for the next batch so
		// no batch outgrows executeLogItem's per-op-number range.
		r.batch = append([]Request(nil), batch[r.batchSize:]...)
		batch = batch[:r.batchSize:r.batchSize]
	}
	r.batchInFlight = true

	ctx.Submit.Stateless(func(sctx *StatelessCtx) {
		encodedBatch := EncodeBatch(batch)
		digestArr := sha256.Sum256(encodedBatch)
		preprepare := PrePrepare{View: view, OpNumber: opNumber, Digest: bcrypto.Digest(digestArr)}
		sig, err := sctx.Shared().SigningKey.Sign(preprepare.Encode())
		if err != nil {
			sctx.Shared().logger().Warn("sign pre-prepare failed", zap.Error(err))
			return
		}
		frame := BuildSignedFrame(tagPrePrepare, preprepare.Encode(), sig, encodedBatch)
		sendToAll(sctx, frame)

		sctx.Submit.Stateful(func(sctx2 *StatefulCtx) {
			r2 := sctx2.State()
			if view != r2.viewNumber {
				r2.batchInFlight = false
				return
			}
			item := &logItem{
				quorumKey:  replica.QuorumKey{View: view, OpNumber: opNumber, Digest: preprepare.Digest},
				batch:      batch,
				prePrepare: preprepare,
			}
			r2.appendLogItem(opNumber, item)
			// The primary casts no Prepare for its own batch. Give the item
			// a (possibly empty) vote set so prepared() applies the 2f
			// threshold, and commit at once if it is already met (f=0, or
			// backups' Prepares that arrived before this append).
			if _, ok := r2.prepareQuorum[item.quorumKey]; !ok {
				r2.prepareQuorum[item.quorumKey] = make(map[int8]Prepare)
			}
			if r2.prepared(opNumber) {
				emitCommit(sctx2, item.quorumKey)
			}
			r2.batchInFlight = false
			if r2.adaptiveBatching && len(r2.batch) > 0 {
				closeBatch(sctx2)
			}
		})
	})
}

func (r *Replica) appendLogItem(opNumber uint64, item *logItem) {
	if opNumber == uint64(len(r.log))+1 {
		r.log = append(r.log, item)
		r.drainReorderLog()
		return
	}
	r.reorderLog[opNumber] = item
}

func (r *Replica) drainReorderLog() {
	for {
		next := uint64(len(r.log)) + 1
		item, ok := r.reorderLog[next]
		if !ok {
			return
		}
		delete(r.reorderLog, next)
		r.log = append(r.log, item)
	}
}

// HandlePrePrepare processes a pre-prepare from a backup's perspective
// (SPEC_FULL.md §4.4 "Pre-prepare receipt"). Caller has already verified
// the signature and that the digest matches the piggybacked batch.
func HandlePrePrepare(ctx *StatefulCtx, pp PrePrepare, batch []Request) {
	r := ctx.State()
	if pp.View != r.viewNumber {
		return
	}
	if existing, exists := r.logItemAt(pp.OpNumber); exists {
		if r.equivocationCheck && existing.quorumKey.Digest != pp.Digest {
			r.shared.logger().Warn("dropping pre-prepare for already-filled op number",
				zap.Uint64("opNumber", pp.OpNumber))
		}
		return
	}

	item := &logItem{
		quorumKey:  replica.QuorumKey{View: pp.View, OpNumber: pp.OpNumber, Digest: pp.Digest},
		batch:      batch,
		prePrepare: pp,
	}
	r.appendLogItem(pp.OpNumber, item)

	prepare := Prepare{View: pp.View, OpNumber: pp.OpNumber, Digest: pp.Digest, ReplicaID: r.shared.ID}
	ctx.Submit.Stateless(func(sctx *StatelessCtx) {
		sig, err := sctx.Shared().SigningKey.Sign(prepare.Encode())
		if err != nil {
			sctx.Shared().logger().Warn("sign prepare failed", zap.Error(err))
			return
		}
		frame := BuildSignedFrame(tagPrepare, prepare.Encode(), sig, nil)
		sendToAll(sctx, frame)
	})

	r.recordPrepareVote(item.quorumKey, prepare)
	if r.prepared(pp.OpNumber) {
		emitCommit(ctx, item.quorumKey)
	}
}

func (r *Replica) recordPrepareVote(key replica.QuorumKey, p Prepare) {
	votes, ok := r.prepareQuorum[key]
	if !ok {
		votes = make(map[int8]Prepare)
		r.prepareQuorum[key] = votes
	}
	votes[p.ReplicaID] = p
}

// HandlePrepare processes a verified Prepare vote (§4.4 "Prepare
// receipt").
func HandlePrepare(ctx *StatefulCtx, p Prepare) {
	r := ctx.State()
	if p.View != r.viewNumber {
		return
	}
	key := replica.QuorumKey{View: p.View, OpNumber: p.OpNumber, Digest: p.Digest}
	wasPrepared := r.prepared(p.OpNumber)
	r.recordPrepareVote(key, p)
	if !wasPrepared && r.prepared(p.OpNumber) {
		emitCommit(ctx, key)
		if r.isPrimary() && r.adaptiveBatching && len(r.batch) > 0 && !r.batchInFlight {
			closeBatch(ctx)
		}
	}
}

func emitCommit(ctx *StatefulCtx, key replica.QuorumKey) {
	r := ctx.State()
	commit := Commit{View: key.View, OpNumber: key.OpNumber, Digest: key.Digest, ReplicaID: r.shared.ID}
	r.recordCommitVote(key, r.shared.ID)

	ctx.Submit.Stateless(func(sctx *StatelessCtx) {
		sig, err := sctx.Shared().SigningKey.Sign(commit.Encode())
		if err != nil {
			sctx.Shared().logger().Warn("sign commit failed", zap.Error(err))
			return
		}
		frame := BuildSignedFrame(tagCommit, commit.Encode(), sig, nil)
		sendToAll(sctx, frame)
	})

	if r.committedLocal(key.OpNumber) {
		markCommittedAndExecute(ctx, key.OpNumber)
	}
}

func (r *Replica) recordCommitVote(key replica.QuorumKey, id int8) {
	votes, ok := r.commitQuorum[key]
	if !ok {
		votes = make(map[int8]struct{})
		r.commitQuorum[key] = votes
	}
	votes[id] = struct{}{}
}

// HandleCommit processes a verified Commit vote (§4.4 "Commit receipt").
func HandleCommit(ctx *StatefulCtx, c Commit) {
	r := ctx.State()
	if c.View != r.viewNumber {
		return
	}
	key := replica.QuorumKey{View: c.View, OpNumber: c.OpNumber, Digest: c.Digest}
	wasCommitted := r.committedLocal(c.OpNumber)
	r.recordCommitVote(key, c.ReplicaID)
	if !wasCommitted && r.committedLocal(c.OpNumber) {
		markCommittedAndExecute(ctx, c.OpNumber)
	}
}

// markCommittedAndExecute marks opNumber's log item committed, then
// drives execution forward from commitNumber+1 over every contiguous
// committed item, per §4.4 "Execution".
func markCommittedAndExecute(ctx *StatefulCtx, opNumber uint64) {
	r := ctx.State()
	item, ok := r.logItemAt(opNumber)
	if !ok {
		return
	}
	item.committed = true

	for {
		next := r.commitNumber + 1
		item, ok := r.logItemAt(next)
		if !ok || !item.committed {
			return
		}
		executeLogItem(ctx, next, item, r.batchSize)
		r.commitNumber = next
	}
}

// executeLogItem assigns each request in item's batch a global op number
// derived from the replica's fixed configured batch size, not the
// batch's actual length, per original_source/src/protocol/pbft/
// replica.rs's `op_number * self.batch_size + i`. closeBatch never lets
// a batch exceed the configured size, so numbers from different op
// numbers never collide; a shorter batch, which adaptive batching can
// close, leaves the rest of its range unused as gaps.
func executeLogItem(ctx *StatefulCtx, opNumber uint64, item *logItem, configuredBatchSize int) {
	r := ctx.State()
	batchSize := configuredBatchSize
	if batchSize <= 0 {
		batchSize = 1
	}
	for i, req := range item.batch {
		globalOpNumber := opNumber*uint64(batchSize) + uint64(i)
		result := r.app.Execute(app.OpNumber(globalOpNumber), req.Op)

		reply := Reply{
			View:          item.quorumKey.View,
			RequestNumber: req.RequestNumber,
			Client:        req.Client,
			ReplicaID:     r.shared.ID,
			Result:        result,
		}
		r.clientTable.Advance(req.Client, req.RequestNumber, reply)
		if addr, ok := r.routeTable.Lookup(req.Client); ok {
			sendReply(ctx, addr, reply)
		}
	}
}

func sendReply(ctx *StatefulCtx, addr transport.Address, reply Reply) {
	shared := ctx.State().shared
	ctx.Submit.Stateless(func(sctx *StatelessCtx) {
		sig, err := sctx.Shared().SigningKey.Sign(reply.Encode())
		if err != nil {
			sctx.Shared().logger().Warn("sign reply failed", zap.Error(err))
			return
		}
		frame := BuildSignedFrame(tagReply, reply.Encode(), sig, nil)
		_ = shared.TxAgent.SendMessage(context.Background(), shared.Self, addr, func(buf []byte) int { return copy(buf, frame) })
	})
}

// sendTo and sendToAll are thin conveniences over the shared TxAgent,
// used by stateless tasks that already hold a Shared view.
func sendTo(sctx *StatelessCtx, dest transport.Address, payload []byte) {
	shared := sctx.Shared()
	_ = shared.TxAgent.SendMessage(context.Background(), shared.Self, dest, func(buf []byte) int { return copy(buf, payload) })
}

func sendToAll(sctx *StatelessCtx, payload []byte) {
	shared := sctx.Shared()
	_ = shared.TxAgent.SendMessageToAll(context.Background(), shared.Self, shared.Config.Replicas(), func(buf []byte) int { return copy(buf, payload) })
}

// BuildSignedFrame concatenates a wire-tagged signed body with an
// optional trailing blob (the piggybacked batch, for PrePrepare), as
// described in SPEC_FULL.md §6's "ToReplica::PrePrepare(signed) || batch
// bytes" wire shape: [tag byte][4-byte body length][body][64-byte
// signature][trailing bytes].
func BuildSignedFrame(tag byte, body []byte, sig bcrypto.Signature, trailing []byte) []byte {
	frame := make([]byte, 0, 1+4+len(body)+len(sig)+len(trailing))
	frame = append(frame, tag)
	var lenBuf [4]byte
	lenBuf[0] = byte(len(body))
	lenBuf[1] = byte(len(body) >> 8)
	lenBuf[2] = byte(len(body) >> 16)
	lenBuf[3] = byte(len(body) >> 24)
	frame = append(frame, lenBuf[:]...)
	frame = append(frame, body...)
	frame = append(frame, sig[:]...)
	frame = append(frame, trailing...)
	return frame
}

const tagReply = 100

// ParseSignedFrame splits a frame built by BuildSignedFrame back into its
// tag, body, signature, and trailing bytes.
func ParseSignedFrame(frame []byte) (tag byte, body []byte, sig bcrypto.Signature, trailing []byte, err error) {
	const headerLen = 1 + 4
	if len(frame) < headerLen+bcrypto.SignatureSize {
		return 0, nil, sig, nil, fmt.Errorf("threephase: frame too short")
	}
	tag = frame[0]
	bodyLen := int(frame[1]) | int(frame[2])<<8 | int(frame[3])<<16 | int(frame[4])<<24
	if bodyLen < 0 || len(frame) < headerLen+bodyLen+bcrypto.SignatureSize {
		return 0, nil, sig, nil, fmt.Errorf("threephase: frame shorter than declared body length")
	}
	body = frame[headerLen : headerLen+bodyLen]
	copy(sig[:], frame[headerLen+bodyLen:headerLen+bodyLen+bcrypto.SignatureSize])
	trailing = frame[headerLen+bodyLen+bcrypto.SignatureSize:]
	return tag, body, sig, trailing, nil
}
