// Package replica holds the scaffolding shared by every BFT replica
// protocol in this module: client identifiers, the per-client request
// table, the client address route table, and the (view, op, digest)
// quorum key every vote-counting map is indexed by. Each protocol
// package (threephase, speculative, trusted) embeds these rather than
// redefining them, grounded on the fields every protocol/*/replica.rs in
// original_source repeats nearly verbatim.
package replica

import (
	"fmt"

	"github.com/nsl-research/bftkit/bcrypto"
	"github.com/nsl-research/bftkit/transport"
)

// ClientIDSize matches model.rs's `ClientId = [u8; 4]`.
const ClientIDSize = 4

// ClientID identifies a client across its lifetime; generated once at
// client start-up, not tied to any transport address.
type ClientID [ClientIDSize]byte

func (c ClientID) String() string {
	return fmt.Sprintf("%x", c[:])
}

// ClientRecord is one client table entry: the highest request number
// seen from this client, and the reply last sent for it (so a duplicate
// request can be answered by retransmitting rather than re-executing).
type ClientRecord[Reply any] struct {
	RequestNumber uint64
	Reply         Reply
	HasReply      bool
}

// ClientTable tracks, per client, the request-number high-water mark and
// cached reply described in SPEC_FULL.md §4.4 "Request arrival" and the
// client-monotonicity testable property in spec.md §8: a client's
// request number recorded here never decreases.
type ClientTable[Reply any] struct {
	records map[ClientID]ClientRecord[Reply]
}

// NewClientTable returns an empty table.
func NewClientTable[Reply any]() *ClientTable[Reply] {
	return &ClientTable[Reply]{records: make(map[ClientID]ClientRecord[Reply])}
}

// Check classifies an incoming request number against the table: Stale
// means it is below the recorded high-water mark (drop), Duplicate means
// it equals it (retransmit the cached reply, if any), and Fresh means it
// exceeds it (process the request).
type Disposition int

const (
	Fresh Disposition = iota
	Duplicate
	Stale
)

// Check looks up client's record (if any) and classifies requestNumber
// against it, returning the cached reply when Duplicate and one was
// cached.
func (t *ClientTable[Reply]) Check(client ClientID, requestNumber uint64) (Disposition, Reply) {
	rec, ok := t.records[client]
	if !ok || requestNumber > rec.RequestNumber {
		return Fresh, zero[Reply]()
	}
	if requestNumber == rec.RequestNumber {
		return Duplicate, rec.Reply
	}
	return Stale, zero[Reply]()
}

// Advance records that client's request number is now requestNumber with
// the given reply cached for retransmission. It is the caller's
// responsibility to only call this for a Fresh request number — calling
// it out of order would violate client monotonicity.
func (t *ClientTable[Reply]) Advance(client ClientID, requestNumber uint64, reply Reply) {
	t.records[client] = ClientRecord[Reply]{RequestNumber: requestNumber, Reply: reply, HasReply: true}
}

func zero[T any]() T {
	var z T
	return z
}

// RouteTable remembers the most recently observed transport address for
// each client, so a reply can be routed back even though protocols never
// persist a client's address as part of its identity.
type RouteTable struct {
	routes map[ClientID]transport.Address
}

// NewRouteTable returns an empty table.
func NewRouteTable() *RouteTable {
	return &RouteTable{routes: make(map[ClientID]transport.Address)}
}

// Observe records that remote is client's last known address.
func (t *RouteTable) Observe(client ClientID, remote transport.Address) {
	t.routes[client] = remote
}

// Lookup returns client's last known address, if any.
func (t *RouteTable) Lookup(client ClientID) (transport.Address, bool) {
	addr, ok := t.routes[client]
	return addr, ok
}

// QuorumKey is the (view, op number, digest) triple every prepare/commit
// vote-counting map in the three-phase and speculative protocols is
// indexed by — a replica only counts a vote toward quorum if it agrees on
// exactly this triple, which is what the "quorum safety" testable
// property (spec.md §8) is ultimately about.
type QuorumKey struct {
	View     uint64
	OpNumber uint64
	Digest   bcrypto.Digest
}
