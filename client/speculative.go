package client

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/nsl-research/bftkit/bcrypto"
	"github.com/nsl-research/bftkit/config"
	"github.com/nsl-research/bftkit/replica"
	"github.com/nsl-research/bftkit/replica/speculative"
	"github.com/nsl-research/bftkit/transport"
)

// localCommitFrameTag mirrors speculative's unexported tagLocalCommit:
// a ToClient frame not shaped like a SpeculativeResponse (which always
// starts with byte 0) carries this tag as its first byte instead.
const localCommitFrameTag = 1

// speculativeVote is one replica's speculative response, kept alongside
// its signature so a 2f+1 set of them can be forwarded as a Commit
// certificate on the slow path.
type speculativeVote struct {
	replicaID int8
	response  speculative.SpeculativeResponse
	signature bcrypto.Signature
	result    []byte
}

// SpeculativeClient drives the speculative protocol's Invoke loop,
// grounded on zyzzyva/client.rs's Client: 3f+1 matching responses return
// immediately (fast path); 2f+1 forms a Commit certificate broadcast to
// every replica, and 2f+1 matching LocalCommits complete the slow path.
type SpeculativeClient struct {
	self   transport.Address
	id     replica.ClientID
	cfg    *config.Config
	tx     transport.TxAgent
	stats  *Stats
	resend time.Duration

	mu            sync.Mutex
	requestNumber uint64
	viewNumber    uint64

	responseCh chan speculativeVote
	commitCh   chan speculative.LocalCommit
}

// NewSpeculativeClient registers an ephemeral receiver on tr.
func NewSpeculativeClient(tr transport.Transport, cfg *config.Config, stats *Stats) (*SpeculativeClient, error) {
	addr, err := tr.EphemeralAddress()
	if err != nil {
		return nil, fmt.Errorf("client: ephemeral address: %w", err)
	}
	c := &SpeculativeClient{
		self:       addr,
		id:         GenerateClientID(),
		cfg:        cfg,
		tx:         tr.TxAgent(),
		stats:      stats,
		resend:     DefaultResendInterval,
		responseCh: make(chan speculativeVote, 64),
		commitCh:   make(chan speculative.LocalCommit, 64),
	}
	if err := tr.Register(clientReceiver{addr}, c.receive); err != nil {
		return nil, err
	}
	return c, nil
}

func (c *SpeculativeClient) receive(_ transport.Address, buf transport.RxBuffer) {
	defer buf.Free()
	frame := buf.Bytes()
	if len(frame) == 0 {
		return
	}

	if replicaID, response, sig, result, err := speculative.ParseSpeculativeResponseFrame(frame); err == nil {
		select {
		case c.responseCh <- speculativeVote{replicaID: replicaID, response: response, signature: sig, result: result}:
		default:
		}
		return
	}

	if frame[0] == localCommitFrameTag {
		_, body, _, _, err := speculative.ParseSignedFrame(frame)
		if err != nil {
			return
		}
		lc, err := speculative.DecodeLocalCommit(body)
		if err != nil {
			return
		}
		select {
		case c.commitCh <- lc:
		default:
		}
	}
}

// Invoke runs one request to completion, via the fast path if 3f+1
// responses agree, else falling back to the commit-certificate slow
// path once 2f+1 agree.
func (c *SpeculativeClient) Invoke(ctx context.Context, op []byte) ([]byte, error) {
	start := time.Now()

	c.mu.Lock()
	c.requestNumber++
	requestNumber := c.requestNumber
	c.mu.Unlock()

	req := speculative.Request{Op: op, RequestNumber: requestNumber, Client: c.id}
	frame := speculative.EncodeRequest(req)

	primary := c.cfg.Replicas()[c.cfg.ViewPrimary(c.viewNumber)]
	if err := c.tx.SendMessage(ctx, c.self, primary, func(b []byte) int { return copy(b, frame) }); err != nil {
		return nil, err
	}

	fastNeed := 3*c.cfg.F() + 1
	slowNeed := 2*c.cfg.F() + 1

	votes := make(map[speculative.SpeculativeResponse][]speculativeVote)
	var certificateSent bool
	commits := make(map[int8]struct{})
	var certifiedResult []byte

	timer := time.NewTimer(c.resend)
	defer timer.Stop()
	commitTimer := time.NewTimer(100 * time.Millisecond)
	defer commitTimer.Stop()

	sendCommit := func(first speculative.SpeculativeResponse, matchingVotes []speculativeVote) error {
		cert := speculative.Commit{Client: c.id, Certification: make([]speculative.Vote, 0, len(matchingVotes))}
		for _, v := range matchingVotes {
			cert.Certification = append(cert.Certification, speculative.Vote{ReplicaID: v.replicaID, Response: v.response, Signature: v.signature})
		}
		commitFrame := appendCommitTag(cert.Encode())
		return c.tx.SendMessageToAll(ctx, c.self, c.cfg.Replicas(), func(b []byte) int { return copy(b, commitFrame) })
	}

	for {
		select {
		case vote := <-c.responseCh:
			if vote.response.Client != c.id || vote.response.RequestNumber != requestNumber {
				continue
			}
			votes[vote.response] = append(votes[vote.response], vote)
			matched := votes[vote.response]
			if len(matched) >= fastNeed {
				if c.stats != nil {
					c.stats.Record(time.Since(start))
				}
				c.viewNumber = vote.response.View
				return vote.result, nil
			}
			if len(matched) >= slowNeed && !certificateSent {
				certificateSent = true
				certifiedResult = vote.result
				c.viewNumber = vote.response.View
				if err := sendCommit(vote.response, matched); err != nil {
					return nil, err
				}
			}
		case lc := <-c.commitCh:
			if lc.Client != c.id {
				continue
			}
			commits[lc.ReplicaID] = struct{}{}
			if certificateSent && len(commits) >= slowNeed {
				if c.stats != nil {
					c.stats.Record(time.Since(start))
				}
				return certifiedResult, nil
			}
		case <-timer.C:
			if err := c.tx.SendMessageToAll(ctx, c.self, c.cfg.Replicas(), func(b []byte) int { return copy(b, frame) }); err != nil {
				return nil, err
			}
			timer.Reset(c.resend)
		case <-commitTimer.C:
			for response, matched := range votes {
				if len(matched) >= slowNeed && !certificateSent {
					certificateSent = true
					certifiedResult = matched[0].result
					c.viewNumber = response.View
					if err := sendCommit(response, matched); err != nil {
						return nil, err
					}
					break
				}
			}
			commitTimer.Reset(100 * time.Millisecond)
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}
}

// appendCommitTag prefixes a Commit's encoded body with speculative's
// ToReplica::Commit wire tag (2, in message.rs's enum order).
func appendCommitTag(body []byte) []byte {
	frame := make([]byte, 0, 1+len(body))
	frame = append(frame, speculativeCommitTag)
	return append(frame, body...)
}

// speculativeCommitTag mirrors speculative's unexported tagCommit.
const speculativeCommitTag = 2
