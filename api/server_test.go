package api

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/haimish/haimesh/core/record"
	"github.com/haimish/haimesh/node"
	"github.com/haimish/haimesh/privacy"
)

// fakeBackend implements Backend with canned data for handler tests.
type fakeBackend struct {
	privacyMgr *privacy.Manager
	events     chan node.Event

	cooldownRemaining time.Duration
	regionErr         error
	traceErr          error
	ingestErr         error

	tracedPeer string
	ingested   []record.TracerouteRecord
}

func newFakeBackend(t *testing.T) *fakeBackend {
	mgr, err := privacy.NewManager("node-self", nil, nil)
	require.NoError(t, err)
	return &fakeBackend{
		privacyMgr: mgr,
		events:     make(chan node.Event, 16),
	}
}

func (f *fakeBackend) PeerID() string { return "node-self" }

func (f *fakeBackend) Snapshot() *node.Snapshot {
	return &node.Snapshot{
		MyPeerID:       "node-self",
		MyRegion:       "u33",
		SharingEnabled: true,
		Peers: []node.PeerView{
			{PeerRecord: record.PeerRecord{PeerID: "node-a"}, DecayFactor: 1.0},
			{PeerRecord: record.PeerRecord{PeerID: "node-b"}, DecayFactor: 0.5},
		},
		Traceroutes: []record.TracerouteRecord{
			{TraceID: "trace-own", SourcePeerID: "node-self"},
		},
		SharedTraceroutes: []record.TracerouteRecord{
			{TraceID: "trace-shared", SourcePeerID: "node-a"},
		},
		GossipStates: map[string]string{"node-a": "active"},
	}
}

func (f *fakeBackend) Status() node.Status {
	return node.Status{PeerID: "node-self", Running: true, ConnectedPeers: 2}
}

func (f *fakeBackend) QueryRegion(ctx context.Context, partition string) (*node.RegionView, error) {
	if f.regionErr != nil {
		return nil, f.regionErr
	}
	return &node.RegionView{Partition: partition}, nil
}

func (f *fakeBackend) RunTraceroute(ctx context.Context, peerID string) (*record.TracerouteRecord, error) {
	if f.traceErr != nil {
		return nil, f.traceErr
	}
	f.tracedPeer = peerID
	return &record.TracerouteRecord{TraceID: "trace-new", TargetPeerID: peerID, Success: true}, nil
}

func (f *fakeBackend) RunTracerouteAll(ctx context.Context) int { return 3 }

func (f *fakeBackend) RefreshPeers(ctx context.Context) error { return nil }

func (f *fakeBackend) UpdatePrivacy(next privacy.Settings, force bool) error {
	if f.cooldownRemaining > 0 && !force {
		return &privacy.CooldownError{Remaining: f.cooldownRemaining}
	}
	return f.privacyMgr.Update(next, true)
}

func (f *fakeBackend) Privacy() *privacy.Manager { return f.privacyMgr }

func (f *fakeBackend) Events() <-chan node.Event { return f.events }

func (f *fakeBackend) RegisterMobileDevice(name string) string { return "token-" + name }

func (f *fakeBackend) IngestMobileTrace(token string, tr record.TracerouteRecord) error {
	if f.ingestErr != nil {
		return f.ingestErr
	}
	f.ingested = append(f.ingested, tr)
	return nil
}

func doRequest(t *testing.T, s *Server, method, path string, body interface{}, headers map[string]string) *httptest.ResponseRecorder {
	var buf bytes.Buffer
	if body != nil {
		require.NoError(t, json.NewEncoder(&buf).Encode(body))
	}
	req := httptest.NewRequest(method, path, &buf)
	for k, v := range headers {
		req.Header.Set(k, v)
	}
	rr := httptest.NewRecorder()
	s.Handler().ServeHTTP(rr, req)
	return rr
}

func TestGetSnapshot(t *testing.T) {
	s := NewServer(newFakeBackend(t), 0)

	rr := doRequest(t, s, "GET", "/api/v1/snapshot", nil, nil)
	require.Equal(t, http.StatusOK, rr.Code)

	var snap node.Snapshot
	require.NoError(t, json.Unmarshal(rr.Body.Bytes(), &snap))
	assert.Equal(t, "node-self", snap.MyPeerID)
	assert.Len(t, snap.Peers, 2)
	assert.Equal(t, "active", snap.GossipStates["node-a"])
}

func TestGetPeersIncludesCount(t *testing.T) {
	s := NewServer(newFakeBackend(t), 0)

	rr := doRequest(t, s, "GET", "/api/v1/peers", nil, nil)
	require.Equal(t, http.StatusOK, rr.Code)

	var resp struct {
		Peers []node.PeerView `json:"peers"`
		Count int             `json:"count"`
	}
	require.NoError(t, json.Unmarshal(rr.Body.Bytes(), &resp))
	assert.Equal(t, 2, resp.Count)
	assert.Len(t, resp.Peers, 2)
}

func TestGetTraceroutesSplitsOwnAndShared(t *testing.T) {
	s := NewServer(newFakeBackend(t), 0)

	rr := doRequest(t, s, "GET", "/api/v1/traceroutes", nil, nil)
	require.Equal(t, http.StatusOK, rr.Code)

	var resp struct {
		Traceroutes       []record.TracerouteRecord `json:"traceroutes"`
		SharedTraceroutes []record.TracerouteRecord `json:"shared_traceroutes"`
		Count             int                       `json:"count"`
	}
	require.NoError(t, json.Unmarshal(rr.Body.Bytes(), &resp))
	assert.Equal(t, 2, resp.Count)
	require.Len(t, resp.Traceroutes, 1)
	assert.Equal(t, "trace-own", resp.Traceroutes[0].TraceID)
	require.Len(t, resp.SharedTraceroutes, 1)
	assert.Equal(t, "trace-shared", resp.SharedTraceroutes[0].TraceID)
}

func TestGetRegion(t *testing.T) {
	backend := newFakeBackend(t)
	s := NewServer(backend, 0)

	rr := doRequest(t, s, "GET", "/api/v1/region/u33", nil, nil)
	require.Equal(t, http.StatusOK, rr.Code)

	var view node.RegionView
	require.NoError(t, json.Unmarshal(rr.Body.Bytes(), &view))
	assert.Equal(t, "u33", view.Partition)

	backend.regionErr = fmt.Errorf("no responsible peers reachable")
	rr = doRequest(t, s, "GET", "/api/v1/region/u33", nil, nil)
	assert.Equal(t, http.StatusBadGateway, rr.Code)
}

func TestPostTraceroute(t *testing.T) {
	backend := newFakeBackend(t)
	s := NewServer(backend, 0)

	rr := doRequest(t, s, "POST", "/api/v1/traceroute/node-a", nil, nil)
	require.Equal(t, http.StatusOK, rr.Code)
	assert.Equal(t, "node-a", backend.tracedPeer)

	var tr record.TracerouteRecord
	require.NoError(t, json.Unmarshal(rr.Body.Bytes(), &tr))
	assert.Equal(t, "node-a", tr.TargetPeerID)
	assert.True(t, tr.Success)
}

func TestPostTracerouteUnknownPeerIs404(t *testing.T) {
	backend := newFakeBackend(t)
	backend.traceErr = fmt.Errorf("node-x: %w", node.ErrPeerUnreachable)
	s := NewServer(backend, 0)

	rr := doRequest(t, s, "POST", "/api/v1/traceroute/node-x", nil, nil)
	assert.Equal(t, http.StatusNotFound, rr.Code)

	var resp map[string]interface{}
	require.NoError(t, json.Unmarshal(rr.Body.Bytes(), &resp))
	assert.Contains(t, resp, "error")
}

func TestPostTracerouteAll(t *testing.T) {
	s := NewServer(newFakeBackend(t), 0)

	rr := doRequest(t, s, "POST", "/api/v1/traceroute/all", nil, nil)
	require.Equal(t, http.StatusOK, rr.Code)

	var resp struct {
		Launched int `json:"launched"`
	}
	require.NoError(t, json.Unmarshal(rr.Body.Bytes(), &resp))
	assert.Equal(t, 3, resp.Launched)
}

func TestPrivacyRoundTrip(t *testing.T) {
	s := NewServer(newFakeBackend(t), 0)

	rr := doRequest(t, s, "GET", "/api/v1/privacy", nil, nil)
	require.Equal(t, http.StatusOK, rr.Code)

	var settings privacy.Settings
	require.NoError(t, json.Unmarshal(rr.Body.Bytes(), &settings))
	assert.True(t, settings.ShareLocation)

	settings.AnonymousMode = true
	rr = doRequest(t, s, "POST", "/api/v1/privacy", settings, nil)
	require.Equal(t, http.StatusOK, rr.Code)

	var updated privacy.Settings
	require.NoError(t, json.Unmarshal(rr.Body.Bytes(), &updated))
	assert.True(t, updated.AnonymousMode)
}

func TestPrivacyCooldownIs429(t *testing.T) {
	backend := newFakeBackend(t)
	backend.cooldownRemaining = 2 * time.Hour
	s := NewServer(backend, 0)

	rr := doRequest(t, s, "POST", "/api/v1/privacy", privacy.DefaultSettings(), nil)
	assert.Equal(t, http.StatusTooManyRequests, rr.Code)
	assert.Equal(t, "7200", rr.Header().Get("Retry-After"))

	// force bypasses the cooldown
	rr = doRequest(t, s, "POST", "/api/v1/privacy?force=true", privacy.DefaultSettings(), nil)
	assert.Equal(t, http.StatusOK, rr.Code)
}

func TestPostPrivacyRejectsBadBody(t *testing.T) {
	s := NewServer(newFakeBackend(t), 0)

	req := httptest.NewRequest("POST", "/api/v1/privacy", bytes.NewBufferString("not json"))
	rr := httptest.NewRecorder()
	s.Handler().ServeHTTP(rr, req)
	assert.Equal(t, http.StatusBadRequest, rr.Code)
}

func TestMobileRegister(t *testing.T) {
	s := NewServer(newFakeBackend(t), 0)

	rr := doRequest(t, s, "POST", "/api/v1/mobile/register", map[string]string{"name": "phone"}, nil)
	require.Equal(t, http.StatusOK, rr.Code)

	var resp map[string]string
	require.NoError(t, json.Unmarshal(rr.Body.Bytes(), &resp))
	assert.Equal(t, "token-phone", resp["token"])

	rr = doRequest(t, s, "POST", "/api/v1/mobile/register", map[string]string{}, nil)
	assert.Equal(t, http.StatusBadRequest, rr.Code)
}

func TestMobileTracerouteAuth(t *testing.T) {
	backend := newFakeBackend(t)
	s := NewServer(backend, 0)

	tr := record.TracerouteRecord{TargetIP: "203.0.113.9"}

	// Missing token
	rr := doRequest(t, s, "POST", "/api/v1/mobile/traceroute", tr, nil)
	assert.Equal(t, http.StatusUnauthorized, rr.Code)

	// Rejected token
	backend.ingestErr = fmt.Errorf("unknown device token")
	rr = doRequest(t, s, "POST", "/api/v1/mobile/traceroute", tr, map[string]string{"X-Device-Token": "bad"})
	assert.Equal(t, http.StatusForbidden, rr.Code)

	// Accepted
	backend.ingestErr = nil
	rr = doRequest(t, s, "POST", "/api/v1/mobile/traceroute", tr, map[string]string{"X-Device-Token": "token-phone"})
	require.Equal(t, http.StatusOK, rr.Code)
	require.Len(t, backend.ingested, 1)
	assert.Equal(t, "203.0.113.9", backend.ingested[0].TargetIP)
}

func TestHealthAndStatus(t *testing.T) {
	s := NewServer(newFakeBackend(t), 0)

	rr := doRequest(t, s, "GET", "/api/v1/health", nil, nil)
	require.Equal(t, http.StatusOK, rr.Code)

	var health map[string]interface{}
	require.NoError(t, json.Unmarshal(rr.Body.Bytes(), &health))
	assert.Equal(t, "healthy", health["status"])
	assert.Equal(t, "node-self", health["peer_id"])

	rr = doRequest(t, s, "GET", "/api/v1/status", nil, nil)
	require.Equal(t, http.StatusOK, rr.Code)

	var st node.Status
	require.NoError(t, json.Unmarshal(rr.Body.Bytes(), &st))
	assert.True(t, st.Running)
	assert.Equal(t, 2, st.ConnectedPeers)
}

func TestEventsStreamDropsDepartedClient(t *testing.T) {
	backend := newFakeBackend(t)
	s := NewServer(backend, 0)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go s.fanOutEvents(ctx)

	ts := httptest.NewServer(s.Handler())
	defer ts.Close()

	url := "ws" + strings.TrimPrefix(ts.URL, "http") + "/api/v1/events"
	conn, resp, err := websocket.DefaultDialer.Dial(url, nil)
	require.NoError(t, err)
	if resp != nil {
		resp.Body.Close()
	}

	require.Eventually(t, func() bool {
		s.mu.Lock()
		defer s.mu.Unlock()
		return len(s.subscribers) == 1
	}, 2*time.Second, 10*time.Millisecond)

	backend.events <- node.Event{Type: node.EventPeerDiscovered, PeerID: "node-a"}

	var ev node.Event
	require.NoError(t, conn.ReadJSON(&ev))
	assert.Equal(t, node.EventPeerDiscovered, ev.Type)

	// Closing the client side ends the read pump and releases the
	// subscription instead of leaking it.
	require.NoError(t, conn.Close())
	assert.Eventually(t, func() bool {
		s.mu.Lock()
		defer s.mu.Unlock()
		return len(s.subscribers) == 0
	}, 2*time.Second, 10*time.Millisecond)
}

func TestRefresh(t *testing.T) {
	s := NewServer(newFakeBackend(t), 0)

	rr := doRequest(t, s, "POST", "/api/v1/refresh", nil, nil)
	require.Equal(t, http.StatusOK, rr.Code)

	var resp map[string]string
	require.NoError(t, json.Unmarshal(rr.Body.Bytes(), &resp))
	assert.Equal(t, "ok", resp["status"])
}
