// Package client implements the generic client runtime SPEC_FULL.md §5
// describes: per-client request numbering, a retransmission timer that
// resends an outstanding request to every replica, and a protocol-
// specific response-matching buffer whose quorum predicate is supplied
// by each of threephase/speculative/trusted's own client type in this
// package.
//
// Grounded on original_source/src/protocol/zyzzyva/client.rs's Client
// (request_number/response_table/resend-timer shape, generalized across
// protocols rather than copied once per protocol) and
// original_source/src/bin/client.rs's latency-histogram harness.
package client

import (
	"crypto/rand"
	"sync"
	"time"

	hdrhistogram "github.com/HdrHistogram/hdrhistogram-go"
	"github.com/nsl-research/bftkit/replica"
)

// DefaultResendInterval is how long a client waits for a satisfying
// quorum of responses before resending its outstanding request to every
// replica, matching client.rs's hard-coded 1000ms resend timer.
const DefaultResendInterval = time.Second

// GenerateClientID returns a fresh, random client identifier, mirroring
// common.rs's generate_id() used by every protocol's Client::register_new.
func GenerateClientID() replica.ClientID {
	var id replica.ClientID
	// crypto/rand is already this module's source of randomness
	// elsewhere (bcrypto.GenerateKey); client identity has no security
	// requirement beyond "distinct across clients", so math/rand would
	// do too, but reusing crypto/rand avoids a second RNG dependency.
	if _, err := rand.Read(id[:]); err != nil {
		// randRead only fails if the OS entropy source is broken, at
		// which point nothing this process does is trustworthy anyway.
		panic(err)
	}
	return id
}

// Stats accumulates per-request latencies into an HDR histogram, the
// same tool original_source/src/bin/client.rs uses (via the Rust
// hdrhistogram crate) to report the quantile table at the end of a run.
// A single Stats is shared across every concurrent Invoke loop a
// benchmark harness runs, so recording is guarded by a mutex — the
// underlying histogram is not safe for concurrent writers on its own.
type Stats struct {
	mu   sync.Mutex
	hist *hdrhistogram.Histogram
}

// NewStats returns a Stats tracking latencies from 1 microsecond to 10
// seconds at 3 significant figures, matching client.rs's
// `Histogram::new(2)`-then-iterate-at-precision-1 pattern closely enough
// for this module's purposes (see DESIGN.md).
func NewStats() *Stats {
	return &Stats{hist: hdrhistogram.New(1, 10_000_000, 3)}
}

// Record adds one request's round-trip latency.
func (s *Stats) Record(d time.Duration) {
	s.mu.Lock()
	defer s.mu.Unlock()
	_ = s.hist.RecordValue(d.Microseconds())
}

// Quantile returns the latency, in microseconds, at the given quantile
// (0..100).
func (s *Stats) Quantile(q float64) int64 {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.hist.ValueAtQuantile(q)
}

// Count returns the number of recorded samples.
func (s *Stats) Count() int64 {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.hist.TotalCount()
}
