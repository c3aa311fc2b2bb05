// Package gossip implements the anti-entropy exchange that spreads peer,
// link and traceroute records across the mesh. Each remote peer moves
// through a small state machine; rounds are staggered, bounded in
// concurrency and individually timed out.
package gossip

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"math/rand"
	"sync"
	"time"

	"github.com/benbjohnson/clock"
	logging "github.com/ipfs/go-log/v2"
	pubsub "github.com/libp2p/go-libp2p-pubsub"
	"github.com/libp2p/go-libp2p/core/network"
	"github.com/libp2p/go-libp2p/core/peer"

	"github.com/haimish/haimesh/core/record"
	"github.com/haimish/haimesh/network/p2p"
	"github.com/haimish/haimesh/storage"
)

var log = logging.Logger("haimesh/gossip")

// PeerState tracks where a remote peer sits in the exchange lifecycle.
type PeerState int

const (
	StateUnknown PeerState = iota
	StateHandshaking
	StateActive
	StateDegraded
	StateExpired
)

func (s PeerState) String() string {
	switch s {
	case StateHandshaking:
		return "handshaking"
	case StateActive:
		return "active"
	case StateDegraded:
		return "degraded"
	case StateExpired:
		return "expired"
	default:
		return "unknown"
	}
}

// backoffCap bounds per-peer retry backoff. It matches the visibility
// decay window: a peer unreachable for this long has faded out anyway.
const backoffCap = time.Hour

// maxRoundBytes bounds the total bytes read from a single gossip stream.
const maxRoundBytes = 8 << 20

// OutboundFilter vets records before they leave this node.
type OutboundFilter interface {
	// AllowSelfRecord reports whether this node's own record may leave
	// at all. Anonymous nodes contribute nothing about themselves.
	AllowSelfRecord() bool
	// FilterPeerRecord is applied to this node's own record.
	FilterPeerRecord(rec record.PeerRecord) record.PeerRecord
	// AllowTraceroutes reports whether our own traces may be shared.
	AllowTraceroutes() bool
}

// Config tunes the gossip scheduler.
type Config struct {
	Interval      time.Duration
	Jitter        time.Duration
	RoundTimeout  time.Duration
	MaxConcurrent int
}

// DefaultConfig returns the standard gossip cadence.
func DefaultConfig() Config {
	return Config{
		Interval:      60 * time.Second,
		Jitter:        10 * time.Second,
		RoundTimeout:  30 * time.Second,
		MaxConcurrent: 4,
	}
}

type peerEntry struct {
	state       PeerState
	failures    int
	nextRound   time.Time
	lastSuccess time.Time
	// watermark is the newest record timestamp received from this peer,
	// sent in HELLO so the reply can be a delta.
	watermark int64
}

// Engine runs gossip rounds against connected peers and merges whatever
// comes back into the shard store.
type Engine struct {
	mgr    *p2p.Manager
	store  *storage.Store
	filter OutboundFilter
	clock  clock.Clock
	cfg    Config
	selfID string

	sem chan struct{}

	mu    sync.Mutex
	peers map[peer.ID]*peerEntry
	idMap map[string]peer.ID
	rng   *rand.Rand

	// OnPeerSeen fires when a peer record merges as new information.
	OnPeerSeen func(peerID string)
	// OnTraceReceived fires when a remote traceroute merges as new.
	OnTraceReceived func(t record.TracerouteRecord)
}

// NewEngine wires a gossip engine over an existing p2p manager and store.
// selfID is this node's haimesh peer identity, stamped on every envelope.
func NewEngine(selfID string, mgr *p2p.Manager, store *storage.Store, filter OutboundFilter, clk clock.Clock, cfg Config) *Engine {
	if cfg.Interval <= 0 {
		cfg = DefaultConfig()
	}
	if cfg.MaxConcurrent <= 0 {
		cfg.MaxConcurrent = 4
	}
	return &Engine{
		mgr:    mgr,
		store:  store,
		filter: filter,
		clock:  clk,
		cfg:    cfg,
		selfID: selfID,
		sem:    make(chan struct{}, cfg.MaxConcurrent),
		peers:  make(map[peer.ID]*peerEntry),
		idMap:  make(map[string]peer.ID),
		rng:    rand.New(rand.NewSource(time.Now().UnixNano())),
	}
}

// Start registers the stream handler, joins the broadcast topics and
// begins the round scheduler.
func (e *Engine) Start(ctx context.Context) error {
	e.mgr.Host.SetStreamHandler(p2p.ProtocolGossip, e.handleStream)

	for _, topic := range []string{p2p.TopicPeers, p2p.TopicTraces} {
		sub, err := e.mgr.Subscribe(topic)
		if err != nil {
			return fmt.Errorf("subscribe %s: %w", topic, err)
		}
		go e.readTopic(ctx, topic, sub)
	}

	go e.scheduler(ctx)
	return nil
}

// scheduler launches gossip rounds on a jittered cadence.
func (e *Engine) scheduler(ctx context.Context) {
	ticker := e.clock.Ticker(e.cfg.Interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}

		if e.cfg.Jitter > 0 {
			e.mu.Lock()
			jitter := time.Duration(e.rng.Int63n(int64(e.cfg.Jitter)))
			e.mu.Unlock()
			select {
			case <-ctx.Done():
				return
			case <-e.clock.After(jitter):
			}
		}

		for _, pid := range e.eligiblePeers() {
			select {
			case e.sem <- struct{}{}:
			case <-ctx.Done():
				return
			}
			go func(pid peer.ID) {
				defer func() { <-e.sem }()
				if err := e.RunRound(ctx, pid); err != nil {
					log.Debugf("Gossip round with %s failed: %v", pid, err)
				}
			}(pid)
		}
		e.mgr.GetMetrics().MarkGossipRound()
	}
}

// eligiblePeers returns connected peers whose backoff has elapsed.
func (e *Engine) eligiblePeers() []peer.ID {
	now := e.clock.Now()
	connected := e.mgr.GetConnectedPeers()

	e.mu.Lock()
	defer e.mu.Unlock()

	var out []peer.ID
	for _, pid := range connected {
		entry := e.peers[pid]
		if entry == nil {
			out = append(out, pid)
			continue
		}
		if entry.state == StateExpired {
			continue
		}
		if now.Before(entry.nextRound) {
			continue
		}
		out = append(out, pid)
	}
	return out
}

func (e *Engine) entry(pid peer.ID) *peerEntry {
	e.mu.Lock()
	defer e.mu.Unlock()
	entry := e.peers[pid]
	if entry == nil {
		entry = &peerEntry{state: StateUnknown}
		e.peers[pid] = entry
	}
	return entry
}

// recordIdentity remembers which libp2p connection a haimesh peer
// identity arrived over.
func (e *Engine) recordIdentity(haimeshID string, pid peer.ID) {
	if haimeshID == "" {
		return
	}
	e.mu.Lock()
	e.idMap[haimeshID] = pid
	e.mu.Unlock()
}

// LibP2PID resolves a haimesh peer identity to the libp2p peer it last
// gossiped from.
func (e *Engine) LibP2PID(haimeshID string) (peer.ID, bool) {
	e.mu.Lock()
	defer e.mu.Unlock()
	pid, ok := e.idMap[haimeshID]
	return pid, ok
}

// PeerStates returns the current gossip state per peer for status views.
func (e *Engine) PeerStates() map[string]string {
	e.mu.Lock()
	defer e.mu.Unlock()
	out := make(map[string]string, len(e.peers))
	for pid, entry := range e.peers {
		out[pid.String()] = entry.state.String()
	}
	return out
}

// RunRound performs one full exchange with a peer: hello, delta batches
// out, delta batches in.
func (e *Engine) RunRound(ctx context.Context, pid peer.ID) error {
	entry := e.entry(pid)
	e.mu.Lock()
	if entry.state == StateUnknown || entry.state == StateExpired {
		entry.state = StateHandshaking
	}
	watermark := entry.watermark
	e.mu.Unlock()

	roundCtx := ctx
	var cancel context.CancelFunc
	if e.cfg.RoundTimeout > 0 {
		roundCtx, cancel = context.WithTimeout(ctx, e.cfg.RoundTimeout)
		defer cancel()
	}

	s, err := e.mgr.Host.NewStream(roundCtx, pid, p2p.ProtocolGossip)
	if err != nil {
		e.markFailure(pid, err)
		return fmt.Errorf("open gossip stream: %w", err)
	}
	defer s.Close()
	if deadline, ok := roundCtx.Deadline(); ok {
		s.SetDeadline(deadline)
	}

	enc := json.NewEncoder(s)
	dec := json.NewDecoder(io.LimitReader(s, maxRoundBytes))

	hello, err := e.seal(MsgHello, Hello{
		PeerID:   e.selfID,
		Region:   e.store.SelfRegion(),
		LatestMs: watermark,
	})
	if err != nil {
		e.markFailure(pid, err)
		return err
	}
	if err := enc.Encode(hello); err != nil {
		e.markFailure(pid, err)
		return fmt.Errorf("send hello: %w", err)
	}

	var replyEnv Envelope
	if err := dec.Decode(&replyEnv); err != nil {
		e.markFailure(pid, err)
		return fmt.Errorf("read hello reply: %w", err)
	}
	var reply Hello
	if replyEnv.Type != MsgHello {
		e.markFailure(pid, ErrMalformedMessage)
		return fmt.Errorf("%w: expected hello, got %q", ErrMalformedMessage, replyEnv.Type)
	}
	if err := open(&replyEnv, &reply); err != nil {
		e.markFailure(pid, err)
		return err
	}
	e.recordIdentity(reply.PeerID, pid)

	if err := e.sendDelta(enc, reply.LatestMs); err != nil {
		e.markFailure(pid, err)
		return err
	}
	if err := s.CloseWrite(); err != nil {
		e.markFailure(pid, err)
		return fmt.Errorf("close write side: %w", err)
	}

	maxTs, err := e.readBatches(dec, pid)
	if err != nil {
		e.markFailure(pid, err)
		return err
	}

	e.markSuccess(pid, maxTs)
	return nil
}

// handleStream answers an inbound gossip round.
func (e *Engine) handleStream(s network.Stream) {
	defer s.Close()
	pid := s.Conn().RemotePeer()
	e.mgr.GetMetrics().IncrementMessagesReceived()

	if e.cfg.RoundTimeout > 0 {
		s.SetDeadline(time.Now().Add(e.cfg.RoundTimeout))
	}

	enc := json.NewEncoder(s)
	dec := json.NewDecoder(io.LimitReader(s, maxRoundBytes))

	var helloEnv Envelope
	if err := dec.Decode(&helloEnv); err != nil {
		log.Debugf("Error reading hello from %s: %v", pid, err)
		e.markFailure(pid, err)
		return
	}
	var hello Hello
	if helloEnv.Type != MsgHello {
		e.markFailure(pid, ErrMalformedMessage)
		return
	}
	if err := open(&helloEnv, &hello); err != nil {
		log.Debugf("Malformed hello from %s: %v", pid, err)
		e.markFailure(pid, err)
		return
	}
	e.recordIdentity(hello.PeerID, pid)

	entry := e.entry(pid)
	e.mu.Lock()
	if entry.state == StateUnknown || entry.state == StateExpired {
		entry.state = StateHandshaking
	}
	watermark := entry.watermark
	e.mu.Unlock()

	reply, err := e.seal(MsgHello, Hello{
		PeerID:   e.selfID,
		Region:   e.store.SelfRegion(),
		LatestMs: watermark,
	})
	if err != nil {
		e.markFailure(pid, err)
		return
	}
	if err := enc.Encode(reply); err != nil {
		e.markFailure(pid, err)
		return
	}

	maxTs, err := e.readBatches(dec, pid)
	if err != nil {
		e.markFailure(pid, err)
		return
	}

	if err := e.sendDelta(enc, hello.LatestMs); err != nil {
		e.markFailure(pid, err)
		return
	}

	e.markSuccess(pid, maxTs)
}

// sendDelta writes everything newer than sinceMs as capped batches.
func (e *Engine) sendDelta(enc *json.Encoder, sinceMs int64) error {
	peers, links, traces := e.store.DeltaSince(sinceMs)
	peers = e.filterPeers(peers)
	traces = e.filterTraces(traces)

	for _, batch := range splitBatches(peers) {
		if err := e.encodeBatch(enc, MsgPeerBatch, batch); err != nil {
			return err
		}
	}
	for _, batch := range splitBatches(links) {
		if err := e.encodeBatch(enc, MsgLinkBatch, batch); err != nil {
			return err
		}
	}
	for _, batch := range splitBatches(traces) {
		if err := e.encodeBatch(enc, MsgTraceBatch, batch); err != nil {
			return err
		}
	}
	return nil
}

func (e *Engine) encodeBatch(enc *json.Encoder, msgType string, batch any) error {
	env, err := e.seal(msgType, batch)
	if err != nil {
		return err
	}
	if err := enc.Encode(env); err != nil {
		return fmt.Errorf("send %s: %w", msgType, err)
	}
	e.mgr.GetMetrics().IncrementMessagesSent()
	return nil
}

// filterPeers runs this node's own record through the privacy filter,
// dropping it entirely in anonymous mode. Records learned from others
// are relayed unchanged.
func (e *Engine) filterPeers(peers []record.PeerRecord) []record.PeerRecord {
	if e.filter == nil {
		return peers
	}
	out := peers[:0]
	for _, p := range peers {
		if p.PeerID == e.selfID {
			if !e.filter.AllowSelfRecord() {
				continue
			}
			p = e.filter.FilterPeerRecord(p)
		}
		out = append(out, p)
	}
	return out
}

// filterTraces drops our own traceroutes when sharing is disabled.
func (e *Engine) filterTraces(traces []record.TracerouteRecord) []record.TracerouteRecord {
	if e.filter == nil || e.filter.AllowTraceroutes() {
		return traces
	}
	out := traces[:0]
	for _, t := range traces {
		if t.SourcePeerID == e.selfID {
			continue
		}
		out = append(out, t)
	}
	return out
}

// readBatches consumes envelopes until EOF, merging each into the store.
// It returns the newest record timestamp seen. A bad envelope only costs
// that one message; the rest of the stream is still read. Only a framing
// error, where the stream itself is no longer valid JSON, aborts the round.
func (e *Engine) readBatches(dec *json.Decoder, pid peer.ID) (int64, error) {
	var maxTs int64
	for {
		var env Envelope
		if err := dec.Decode(&env); err != nil {
			if errors.Is(err, io.EOF) {
				return maxTs, nil
			}
			return maxTs, fmt.Errorf("%w: %v", ErrMalformedMessage, err)
		}
		ts, err := e.handleEnvelope(&env)
		if err != nil {
			log.Debugf("Dropping bad %s envelope from %s: %v", env.Type, pid, err)
			continue
		}
		if ts > maxTs {
			maxTs = ts
		}
	}
}

// handleEnvelope merges one batch message. Unknown types are ignored so
// newer protocol revisions can add messages without breaking old nodes.
func (e *Engine) handleEnvelope(env *Envelope) (int64, error) {
	if len(env.Payload) > p2p.MaxMessageBytes {
		return 0, fmt.Errorf("%w: payload of %d bytes", ErrMalformedMessage, len(env.Payload))
	}

	var maxTs int64
	merged := int64(0)
	switch env.Type {
	case MsgPeerBatch:
		var batch []record.PeerRecord
		if err := open(env, &batch); err != nil {
			return 0, err
		}
		for _, rec := range batch {
			if rec.PeerID == e.selfID {
				continue
			}
			fresh, err := e.store.MergePeer(rec)
			if err != nil {
				log.Debugf("Skipping invalid peer record from %s: %v", env.SenderID, err)
				continue
			}
			if fresh {
				merged++
				if e.OnPeerSeen != nil {
					e.OnPeerSeen(rec.PeerID)
				}
			}
			if rec.LastSeen > maxTs {
				maxTs = rec.LastSeen
			}
		}
	case MsgLinkBatch:
		var batch []record.LinkRecord
		if err := open(env, &batch); err != nil {
			return 0, err
		}
		for _, rec := range batch {
			fresh, err := e.store.MergeLink(rec)
			if err != nil {
				log.Debugf("Skipping invalid link record from %s: %v", env.SenderID, err)
				continue
			}
			if fresh {
				merged++
			}
			if rec.LastMeasured > maxTs {
				maxTs = rec.LastMeasured
			}
		}
	case MsgTraceBatch:
		var batch []record.TracerouteRecord
		if err := open(env, &batch); err != nil {
			return 0, err
		}
		for _, rec := range batch {
			if rec.SourcePeerID == e.selfID {
				continue
			}
			fresh, err := e.store.MergeTrace(rec)
			if err != nil {
				log.Debugf("Skipping invalid traceroute record from %s: %v", env.SenderID, err)
				continue
			}
			if fresh {
				merged++
				if e.OnTraceReceived != nil {
					e.OnTraceReceived(rec)
				}
			}
			if rec.CreatedAt > maxTs {
				maxTs = rec.CreatedAt
			}
		}
	case MsgHello:
		// Out-of-sequence hello, nothing to merge.
	default:
		log.Debugf("Ignoring unknown gossip message type %q from %s", env.Type, env.SenderID)
	}

	if merged > 0 {
		e.mgr.GetMetrics().AddRecordsMerged(merged)
	}
	return maxTs, nil
}

// markSuccess moves a peer to ACTIVE and clears its backoff.
func (e *Engine) markSuccess(pid peer.ID, watermark int64) {
	e.mu.Lock()
	defer e.mu.Unlock()
	entry := e.peers[pid]
	if entry == nil {
		entry = &peerEntry{}
		e.peers[pid] = entry
	}
	entry.state = StateActive
	entry.failures = 0
	entry.nextRound = time.Time{}
	entry.lastSuccess = e.clock.Now()
	if watermark > entry.watermark {
		entry.watermark = watermark
	}
}

// markFailure degrades a peer and schedules its next attempt with
// exponential backoff. A peer with no success inside the decay window
// is expired.
func (e *Engine) markFailure(pid peer.ID, err error) {
	e.mu.Lock()
	defer e.mu.Unlock()
	entry := e.peers[pid]
	if entry == nil {
		entry = &peerEntry{state: StateUnknown}
		e.peers[pid] = entry
	}
	entry.failures++

	backoff := e.cfg.Interval << uint(entry.failures)
	if backoff > backoffCap || backoff <= 0 {
		backoff = backoffCap
	}
	now := e.clock.Now()
	entry.nextRound = now.Add(backoff)

	if !entry.lastSuccess.IsZero() && now.Sub(entry.lastSuccess) > backoffCap {
		entry.state = StateExpired
	} else if entry.state == StateActive || entry.state == StateHandshaking {
		entry.state = StateDegraded
	}

	log.Debugf("Gossip peer %s degraded (failures=%d, retry in %s): %v",
		pid, entry.failures, backoff, err)
}

// PublishPeerRecord broadcasts a freshly updated peer record. An
// anonymous node's own record never leaves.
func (e *Engine) PublishPeerRecord(rec record.PeerRecord) error {
	if e.filter != nil && rec.PeerID == e.selfID {
		if !e.filter.AllowSelfRecord() {
			return nil
		}
		rec = e.filter.FilterPeerRecord(rec)
	}
	env, err := e.seal(MsgPeerBatch, []record.PeerRecord{rec})
	if err != nil {
		return err
	}
	data, err := json.Marshal(env)
	if err != nil {
		return err
	}
	return e.mgr.Broadcast(p2p.TopicPeers, data)
}

// PublishTrace broadcasts a freshly completed traceroute, subject to the
// sharing flag.
func (e *Engine) PublishTrace(rec record.TracerouteRecord) error {
	if e.filter != nil && !e.filter.AllowTraceroutes() && rec.SourcePeerID == e.selfID {
		return nil
	}
	env, err := e.seal(MsgTraceBatch, []record.TracerouteRecord{rec})
	if err != nil {
		return err
	}
	data, err := json.Marshal(env)
	if err != nil {
		return err
	}
	return e.mgr.Broadcast(p2p.TopicTraces, data)
}

// readTopic consumes broadcast records from a pubsub topic.
func (e *Engine) readTopic(ctx context.Context, topicName string, sub *pubsub.Subscription) {
	defer sub.Cancel()
	for {
		msg, err := sub.Next(ctx)
		if err != nil {
			if !errors.Is(err, context.Canceled) {
				log.Debugf("Error reading from topic %s: %v", topicName, err)
			}
			return
		}
		if msg.ReceivedFrom == e.mgr.Host.ID() {
			continue
		}

		var env Envelope
		if err := json.Unmarshal(msg.Data, &env); err != nil {
			log.Debugf("Malformed broadcast on %s from %s: %v", topicName, msg.ReceivedFrom, err)
			continue
		}
		if env.SenderID == e.selfID {
			continue
		}
		if _, err := e.handleEnvelope(&env); err != nil {
			log.Debugf("Error handling broadcast on %s: %v", topicName, err)
		}
	}
}
