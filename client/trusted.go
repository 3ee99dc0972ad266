package client

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/nsl-research/bftkit/config"
	"github.com/nsl-research/bftkit/ordmcast"
	"github.com/nsl-research/bftkit/replica"
	"github.com/nsl-research/bftkit/replica/trusted"
	"github.com/nsl-research/bftkit/transport"
)

// TrustedClient drives the trusted-ordered-multicast protocol's Invoke
// loop: the request is sent, as an unsigned ordmcast envelope, to
// the configured multicast address, where a trusted.Switch (or real P4
// data plane) assigns ordering and forwards signed copies to every
// replica. There is no primary and no prepare/commit quorum: f+1
// matching Replies at the same sequence number complete the
// invocation, and the envelope is resent on every resend timeout until
// they do, per spec.md §4.6/§4.7.
type TrustedClient struct {
	self   transport.Address
	id     replica.ClientID
	cfg    *config.Config
	tx     transport.TxAgent
	stats  *Stats
	resend time.Duration

	mu            sync.Mutex
	requestNumber uint64
	replyCh       chan trusted.Reply
}

// NewTrustedClient registers an ephemeral receiver on tr.
func NewTrustedClient(tr transport.Transport, cfg *config.Config, stats *Stats) (*TrustedClient, error) {
	addr, err := tr.EphemeralAddress()
	if err != nil {
		return nil, fmt.Errorf("client: ephemeral address: %w", err)
	}
	c := &TrustedClient{
		self:    addr,
		id:      GenerateClientID(),
		cfg:     cfg,
		tx:      tr.TxAgent(),
		stats:   stats,
		resend:  DefaultResendInterval,
		replyCh: make(chan trusted.Reply, 64),
	}
	if err := tr.Register(clientReceiver{addr}, c.receive); err != nil {
		return nil, err
	}
	return c, nil
}

func (c *TrustedClient) receive(_ transport.Address, buf transport.RxBuffer) {
	defer buf.Free()
	reply, _, err := trusted.ParseSignedReplyFrame(buf.Bytes())
	if err != nil {
		return
	}
	select {
	case c.replyCh <- reply:
	default:
	}
}

// Invoke broadcasts op to every replica and blocks until f+1 replies
// agree on (sequence number, result).
func (c *TrustedClient) Invoke(ctx context.Context, op []byte) ([]byte, error) {
	start := time.Now()

	c.mu.Lock()
	c.requestNumber++
	requestNumber := c.requestNumber
	c.mu.Unlock()

	req := trusted.Request{Op: op, RequestNumber: requestNumber, Client: c.id}
	frame := ordmcast.Prepare(req.Encode)

	if err := c.send(ctx, frame); err != nil {
		return nil, err
	}

	need := c.cfg.F() + 1
	type key struct {
		sequence uint64
		result   string
	}
	matching := make(map[key]int)

	timer := time.NewTimer(c.resend)
	defer timer.Stop()

	for {
		select {
		case reply := <-c.replyCh:
			if reply.Client != c.id || reply.RequestNumber != requestNumber {
				continue
			}
			k := key{sequence: reply.SequenceNumber, result: string(reply.Result)}
			matching[k]++
			if matching[k] >= need {
				if c.stats != nil {
					c.stats.Record(time.Since(start))
				}
				return reply.Result, nil
			}
		case <-timer.C:
			if err := c.send(ctx, frame); err != nil {
				return nil, err
			}
			timer.Reset(c.resend)
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}
}

// send delivers frame to the configured multicast address, where a
// Switch is expected to assign ordering and relay it on; if no
// multicast address is configured it falls back to addressing every
// replica directly (useful when a Switch forwards for a classical
// adapter that has none).
func (c *TrustedClient) send(ctx context.Context, frame []byte) error {
	if addr := c.cfg.Multicast(); addr != nil {
		return c.tx.SendMessage(ctx, c.self, *addr, func(b []byte) int { return copy(b, frame) })
	}
	return c.tx.SendMessageToAll(ctx, c.self, c.cfg.Replicas(), func(b []byte) int { return copy(b, frame) })
}
