package gossip

import (
	"bytes"
	"context"
	"encoding/json"
	"testing"
	"time"

	"github.com/benbjohnson/clock"
	"github.com/libp2p/go-libp2p/core/peer"
	mocknet "github.com/libp2p/go-libp2p/p2p/net/mock"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/haimish/haimesh/core/record"
	"github.com/haimish/haimesh/network/p2p"
	"github.com/haimish/haimesh/storage"
)

type allowAllFilter struct{}

func (allowAllFilter) FilterPeerRecord(rec record.PeerRecord) record.PeerRecord { return rec }
func (allowAllFilter) AllowSelfRecord() bool                                    { return true }
func (allowAllFilter) AllowTraceroutes() bool                                   { return true }

type noTraceFilter struct{ allowAllFilter }

func (noTraceFilter) AllowTraceroutes() bool { return false }

type anonymousFilter struct{ allowAllFilter }

func (anonymousFilter) AllowSelfRecord() bool { return false }

type testNode struct {
	id     string
	mgr    *p2p.Manager
	store  *storage.Store
	engine *Engine
	clk    *clock.Mock
}

func newTestNode(t *testing.T, ctx context.Context, mn mocknet.Mocknet, id string, filter OutboundFilter) *testNode {
	t.Helper()

	h, err := mn.GenPeer()
	require.NoError(t, err)

	mgr, err := p2p.NewManagerWithHost(ctx, h)
	require.NoError(t, err)

	clk := clock.NewMock()
	clk.Set(time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC))

	store, err := storage.NewStore(id, nil, clk)
	require.NoError(t, err)

	engine := NewEngine(id, mgr, store, filter, clk, Config{
		Interval:      time.Minute,
		RoundTimeout:  10 * time.Second,
		MaxConcurrent: 2,
	})
	require.NoError(t, engine.Start(ctx))

	return &testNode{id: id, mgr: mgr, store: store, engine: engine, clk: clk}
}

func (n *testNode) nowMs() int64 {
	return n.clk.Now().UnixMilli()
}

func peerRec(id string, tsMs int64) record.PeerRecord {
	return record.PeerRecord{
		PeerID:          id,
		DisplayName:     id,
		ProtocolVersion: "1.0",
		LastSeen:        tsMs,
	}
}

func TestTwoNodeExchange(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	mn := mocknet.New()
	defer mn.Close()

	a := newTestNode(t, ctx, mn, "node-a", allowAllFilter{})
	b := newTestNode(t, ctx, mn, "node-b", allowAllFilter{})

	require.NoError(t, mn.LinkAll())
	require.NoError(t, mn.ConnectAllButSelf())

	_, err := a.store.MergePeer(peerRec("node-a", a.nowMs()))
	require.NoError(t, err)
	_, err = b.store.MergePeer(peerRec("node-b", b.nowMs()))
	require.NoError(t, err)
	_, err = b.store.MergeTrace(record.TracerouteRecord{
		TraceID:      "trace-1",
		SourcePeerID: "node-b",
		TargetIP:     "192.0.2.1",
		Success:      true,
		CreatedAt:    b.nowMs(),
	})
	require.NoError(t, err)

	require.NoError(t, a.engine.RunRound(ctx, b.mgr.GetHostID()))

	got, err := a.store.GetPeer("node-b")
	require.NoError(t, err)
	assert.Equal(t, "node-b", got.PeerID)
	require.Len(t, a.store.Traces(), 1)
	assert.Equal(t, "trace-1", a.store.Traces()[0].TraceID)

	// The exchange is bidirectional: b learned a's record too.
	got, err = b.store.GetPeer("node-a")
	require.NoError(t, err)
	assert.Equal(t, "node-a", got.PeerID)

	assert.Equal(t, "active", a.engine.PeerStates()[b.mgr.GetHostID().String()])
	assert.Equal(t, "active", b.engine.PeerStates()[a.mgr.GetHostID().String()])
}

func TestRoundFailureDegradesPeer(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	mn := mocknet.New()
	defer mn.Close()

	a := newTestNode(t, ctx, mn, "node-a", allowAllFilter{})
	b := newTestNode(t, ctx, mn, "node-b", allowAllFilter{})

	// Never linked: the stream open fails.
	err := a.engine.RunRound(ctx, b.mgr.GetHostID())
	require.Error(t, err)

	states := a.engine.PeerStates()
	assert.Contains(t, []string{"unknown", "degraded"}, states[b.mgr.GetHostID().String()])

	// Backoff gates the peer out of the next scheduling pass.
	assert.NotContains(t, a.engine.eligiblePeers(), b.mgr.GetHostID())
}

func TestTraceSharingDisabledFiltersOwnTraces(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	mn := mocknet.New()
	defer mn.Close()

	a := newTestNode(t, ctx, mn, "node-a", noTraceFilter{})
	b := newTestNode(t, ctx, mn, "node-b", allowAllFilter{})

	require.NoError(t, mn.LinkAll())
	require.NoError(t, mn.ConnectAllButSelf())

	_, err := a.store.MergeTrace(record.TracerouteRecord{
		TraceID:      "own-trace",
		SourcePeerID: "node-a",
		Success:      true,
		CreatedAt:    a.nowMs(),
	})
	require.NoError(t, err)
	_, err = a.store.MergeTrace(record.TracerouteRecord{
		TraceID:      "relayed-trace",
		SourcePeerID: "node-c",
		Success:      true,
		CreatedAt:    a.nowMs(),
	})
	require.NoError(t, err)

	require.NoError(t, a.engine.RunRound(ctx, b.mgr.GetHostID()))

	traces := b.store.Traces()
	require.Len(t, traces, 1)
	assert.Equal(t, "relayed-trace", traces[0].TraceID)
}

func TestAnonymousNodeWithholdsOwnRecord(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	mn := mocknet.New()
	defer mn.Close()

	a := newTestNode(t, ctx, mn, "node-a", anonymousFilter{})
	b := newTestNode(t, ctx, mn, "node-b", allowAllFilter{})

	require.NoError(t, mn.LinkAll())
	require.NoError(t, mn.ConnectAllButSelf())

	_, err := a.store.MergePeer(peerRec("node-a", a.nowMs()))
	require.NoError(t, err)
	_, err = a.store.MergePeer(peerRec("node-c", a.nowMs()))
	require.NoError(t, err)

	require.NoError(t, a.engine.RunRound(ctx, b.mgr.GetHostID()))

	// Relayed records still flow; only a's own record is withheld.
	_, err = b.store.GetPeer("node-c")
	require.NoError(t, err)
	_, err = b.store.GetPeer("node-a")
	assert.Error(t, err)

	// The broadcast path short-circuits the same way.
	assert.NoError(t, a.engine.PublishPeerRecord(peerRec("node-a", a.nowMs())))
}

func TestBadEnvelopeOnlyCostsThatMessage(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	mn := mocknet.New()
	defer mn.Close()

	a := newTestNode(t, ctx, mn, "node-a", allowAllFilter{})

	ts := a.nowMs()
	good, err := a.engine.seal(MsgPeerBatch, []record.PeerRecord{peerRec("node-good", ts)})
	require.NoError(t, err)

	var buf bytes.Buffer
	enc := json.NewEncoder(&buf)
	require.NoError(t, enc.Encode(&Envelope{
		Type:            MsgPeerBatch,
		SenderID:        "node-x",
		ProtocolVersion: 1,
		Payload:         []byte(`{"not":"an array"}`),
	}))
	require.NoError(t, enc.Encode(good))

	maxTs, err := a.engine.readBatches(json.NewDecoder(&buf), peer.ID("node-x"))
	require.NoError(t, err)
	assert.Equal(t, ts, maxTs)

	_, err = a.store.GetPeer("node-good")
	assert.NoError(t, err)
}

func TestHandleEnvelopeRejectsMalformed(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	mn := mocknet.New()
	defer mn.Close()

	a := newTestNode(t, ctx, mn, "node-a", allowAllFilter{})

	_, err := a.engine.handleEnvelope(&Envelope{
		Type:            MsgPeerBatch,
		SenderID:        "node-x",
		ProtocolVersion: 1,
		Payload:         []byte(`{"not":"an array"}`),
	})
	assert.ErrorIs(t, err, ErrMalformedMessage)

	// Unknown types are ignored without error.
	_, err = a.engine.handleEnvelope(&Envelope{
		Type:            "FUTURE_THING",
		SenderID:        "node-x",
		ProtocolVersion: 2,
		Payload:         []byte(`{}`),
	})
	assert.NoError(t, err)
}

func TestHandleEnvelopeSkipsInvalidRecords(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	mn := mocknet.New()
	defer mn.Close()

	a := newTestNode(t, ctx, mn, "node-a", allowAllFilter{})

	batch := []record.PeerRecord{
		{PeerID: "", LastSeen: a.nowMs()},
		peerRec("node-good", a.nowMs()),
	}
	env, err := a.engine.seal(MsgPeerBatch, batch)
	require.NoError(t, err)

	_, err = a.engine.handleEnvelope(env)
	require.NoError(t, err)

	_, err = a.store.GetPeer("node-good")
	assert.NoError(t, err)
}

func TestSplitBatches(t *testing.T) {
	var recs []record.PeerRecord
	for i := 0; i < 150; i++ {
		recs = append(recs, peerRec("peer", 1))
	}

	batches := splitBatches(recs)
	require.Len(t, batches, 3)
	assert.Len(t, batches[0], 64)
	assert.Len(t, batches[1], 64)
	assert.Len(t, batches[2], 22)

	assert.Empty(t, splitBatches([]record.PeerRecord(nil)))
}

func TestBackoffCapped(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	mn := mocknet.New()
	defer mn.Close()

	a := newTestNode(t, ctx, mn, "node-a", allowAllFilter{})
	b := newTestNode(t, ctx, mn, "node-b", allowAllFilter{})

	pid := b.mgr.GetHostID()
	for i := 0; i < 20; i++ {
		a.engine.markFailure(pid, assert.AnError)
	}

	a.engine.mu.Lock()
	entry := a.engine.peers[pid]
	gap := entry.nextRound.Sub(a.clk.Now())
	a.engine.mu.Unlock()

	assert.LessOrEqual(t, gap, backoffCap)
	assert.Greater(t, gap, time.Duration(0))
}
