package client

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/nsl-research/bftkit/bcrypto"
	"github.com/nsl-research/bftkit/config"
	"github.com/nsl-research/bftkit/replica"
	"github.com/nsl-research/bftkit/replica/threephase"
	"github.com/nsl-research/bftkit/transport"
)

// ThreephaseClient drives the three-phase protocol's Invoke loop: send
// to the current view's primary, collect matching Replies, resend to
// every replica on timeout. Grounded on pbft/client.rs's Client (2f+1
// matching replies complete an invocation) generalized from that file's
// single-shot request loop into a reusable value with an explicit Stats
// hook.
type ThreephaseClient struct {
	self   transport.Address
	id     replica.ClientID
	cfg    *config.Config
	tx     transport.TxAgent
	stats  *Stats
	resend time.Duration

	mu            sync.Mutex
	requestNumber uint64
	viewNumber    uint64
	replyCh       chan threephase.Reply
}

// NewThreephaseClient registers an ephemeral receiver on tr and returns
// a client ready to Invoke.
func NewThreephaseClient(tr transport.Transport, cfg *config.Config, stats *Stats) (*ThreephaseClient, error) {
	addr, err := tr.EphemeralAddress()
	if err != nil {
		return nil, fmt.Errorf("client: ephemeral address: %w", err)
	}
	c := &ThreephaseClient{
		self:    addr,
		id:      GenerateClientID(),
		cfg:     cfg,
		tx:      tr.TxAgent(),
		stats:   stats,
		resend:  DefaultResendInterval,
		replyCh: make(chan threephase.Reply, 64),
	}
	if err := tr.Register(clientReceiver{addr}, c.receive); err != nil {
		return nil, err
	}
	return c, nil
}

func (c *ThreephaseClient) receive(_ transport.Address, buf transport.RxBuffer) {
	defer buf.Free()
	_, body, _, _, err := threephase.ParseSignedFrame(buf.Bytes())
	if err != nil {
		return
	}
	reply, err := threephase.DecodeReply(body)
	if err != nil {
		return
	}
	select {
	case c.replyCh <- reply:
	default:
	}
}

// replyMatchKey groups replies that agree on everything a client checks
// before counting them toward a quorum.
type replyMatchKey struct {
	view          uint64
	requestNumber uint64
	resultDigest  bcrypto.Digest
}

// Invoke sends op and blocks until 2f+1 matching replies are collected,
// resending to every replica every c.resend until that happens.
func (c *ThreephaseClient) Invoke(ctx context.Context, op []byte) ([]byte, error) {
	start := time.Now()

	c.mu.Lock()
	c.requestNumber++
	requestNumber := c.requestNumber
	c.mu.Unlock()

	req := threephase.Request{Op: op, RequestNumber: requestNumber, Client: c.id}
	frame := threephase.EncodeRequest(req)

	primary := c.cfg.Replicas()[c.cfg.ViewPrimary(c.viewNumber)]
	if err := c.tx.SendMessage(ctx, c.self, primary, func(b []byte) int { return copy(b, frame) }); err != nil {
		return nil, err
	}

	need := 2*c.cfg.F() + 1
	matching := make(map[replyMatchKey][]threephase.Reply)
	timer := time.NewTimer(c.resend)
	defer timer.Stop()

	for {
		select {
		case reply := <-c.replyCh:
			if reply.Client != c.id || reply.RequestNumber != requestNumber {
				continue
			}
			key := replyMatchKey{view: reply.View, requestNumber: reply.RequestNumber, resultDigest: bcrypto.Sum(reply.Result)}
			matching[key] = append(matching[key], reply)
			if len(matching[key]) >= need {
				if c.stats != nil {
					c.stats.Record(time.Since(start))
				}
				c.viewNumber = reply.View
				return reply.Result, nil
			}
		case <-timer.C:
			if err := c.tx.SendMessageToAll(ctx, c.self, c.cfg.Replicas(), func(b []byte) int { return copy(b, frame) }); err != nil {
				return nil, err
			}
			timer.Reset(c.resend)
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}
}

type clientReceiver struct{ addr transport.Address }

func (r clientReceiver) Address() transport.Address { return r.addr }
