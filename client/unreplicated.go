package client

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/nsl-research/bftkit/config"
	"github.com/nsl-research/bftkit/replica"
	"github.com/nsl-research/bftkit/replica/unreplicated"
	"github.com/nsl-research/bftkit/transport"
)

// UnreplicatedClient drives the single-replica baseline's Invoke loop:
// send to the sole replica, wait for f+1 (always 1, since unreplicated
// never deploys with f>0) matching replies, resend to every replica on
// timeout. Grounded on unreplicated.rs's Client, generalized onto this
// package's shared Stats hook the same way ThreephaseClient is.
type UnreplicatedClient struct {
	self   transport.Address
	id     replica.ClientID
	cfg    *config.Config
	tx     transport.TxAgent
	stats  *Stats
	resend time.Duration

	mu            sync.Mutex
	requestNumber uint64
	replyCh       chan unreplicated.Reply
}

// NewUnreplicatedClient registers an ephemeral receiver on tr and
// returns a client ready to Invoke.
func NewUnreplicatedClient(tr transport.Transport, cfg *config.Config, stats *Stats) (*UnreplicatedClient, error) {
	addr, err := tr.EphemeralAddress()
	if err != nil {
		return nil, fmt.Errorf("client: ephemeral address: %w", err)
	}
	c := &UnreplicatedClient{
		self:    addr,
		id:      GenerateClientID(),
		cfg:     cfg,
		tx:      tr.TxAgent(),
		stats:   stats,
		resend:  DefaultResendInterval,
		replyCh: make(chan unreplicated.Reply, 64),
	}
	if err := tr.Register(clientReceiver{addr}, c.receive); err != nil {
		return nil, err
	}
	return c, nil
}

func (c *UnreplicatedClient) receive(_ transport.Address, buf transport.RxBuffer) {
	defer buf.Free()
	reply, err := unreplicated.DecodeReply(buf.Bytes())
	if err != nil {
		return
	}
	select {
	case c.replyCh <- reply:
	default:
	}
}

// Invoke sends op and blocks until f+1 matching replies are collected,
// resending to every replica every c.resend until that happens.
func (c *UnreplicatedClient) Invoke(ctx context.Context, op []byte) ([]byte, error) {
	start := time.Now()

	c.mu.Lock()
	c.requestNumber++
	requestNumber := c.requestNumber
	c.mu.Unlock()

	req := unreplicated.Request{Op: op, RequestNumber: requestNumber, Client: c.id}
	frame := unreplicated.EncodeRequest(req)

	replicas := c.cfg.Replicas()
	primary := replicas[0]
	if err := c.tx.SendMessage(ctx, c.self, primary, func(b []byte) int { return copy(b, frame) }); err != nil {
		return nil, err
	}

	need := c.cfg.F() + 1
	matching := make(map[string]int)
	timer := time.NewTimer(c.resend)
	defer timer.Stop()

	for {
		select {
		case reply := <-c.replyCh:
			if reply.RequestNumber != requestNumber {
				continue
			}
			result := reply.Result
			matching[string(result)]++
			if matching[string(result)] >= need {
				if c.stats != nil {
					c.stats.Record(time.Since(start))
				}
				return result, nil
			}
		case <-timer.C:
			if err := c.tx.SendMessageToAll(ctx, c.self, replicas, func(b []byte) int { return copy(b, frame) }); err != nil {
				return nil, err
			}
			timer.Reset(c.resend)
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}
}
