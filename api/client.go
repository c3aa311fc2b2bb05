// Polling client library for dashboards and companion apps.

// Wraps the REST API with typed calls and a SnapshotPoller that watches the
// map for changes. Polling runs at a relaxed interval and switches to an
// aggressive one right after a command, when the map is expected to move.
// Companion devices use the same client to submit mobile traceroutes.

package api

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"time"

	"github.com/haimish/haimesh/core/record"
	"github.com/haimish/haimesh/node"
	"github.com/haimish/haimesh/privacy"
)

// Client is a typed HTTP client for the node API.
type Client struct {
	baseURL    string
	httpClient *http.Client

	// deviceToken authenticates mobile traceroute submissions.
	deviceToken string
}

// NewClient creates a new API client.
func NewClient(baseURL string) *Client {
	return &Client{
		baseURL: baseURL,
		httpClient: &http.Client{
			Timeout: 10 * time.Second,
		},
	}
}

func (c *Client) getJSON(path string, out interface{}) error {
	resp, err := c.httpClient.Get(c.baseURL + path)
	if err != nil {
		return fmt.Errorf("request %s: %w", path, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("API returned status %d for %s", resp.StatusCode, path)
	}
	if out == nil {
		return nil
	}
	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return fmt.Errorf("decode %s response: %w", path, err)
	}
	return nil
}

func (c *Client) postJSON(path string, body, out interface{}, headers map[string]string) error {
	var buf bytes.Buffer
	if body != nil {
		if err := json.NewEncoder(&buf).Encode(body); err != nil {
			return fmt.Errorf("encode %s request: %w", path, err)
		}
	}

	req, err := http.NewRequest(http.MethodPost, c.baseURL+path, &buf)
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")
	for k, v := range headers {
		req.Header.Set(k, v)
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("request %s: %w", path, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return fmt.Errorf("API returned status %d for %s", resp.StatusCode, path)
	}
	if out == nil {
		return nil
	}
	return json.NewDecoder(resp.Body).Decode(out)
}

// GetSnapshot fetches the full map view.
func (c *Client) GetSnapshot() (*node.Snapshot, error) {
	var snap node.Snapshot
	if err := c.getJSON("/api/v1/snapshot", &snap); err != nil {
		return nil, err
	}
	return &snap, nil
}

// GetStatus fetches the node health summary.
func (c *Client) GetStatus() (*node.Status, error) {
	var st node.Status
	if err := c.getJSON("/api/v1/status", &st); err != nil {
		return nil, err
	}
	return &st, nil
}

// GetRegion fetches the map content of one geographic partition.
func (c *Client) GetRegion(partition string) (*node.RegionView, error) {
	var view node.RegionView
	if err := c.getJSON("/api/v1/region/"+partition, &view); err != nil {
		return nil, err
	}
	return &view, nil
}

// TriggerTraceroute asks the node to trace the route to one peer.
func (c *Client) TriggerTraceroute(peerID string) (*record.TracerouteRecord, error) {
	var tr record.TracerouteRecord
	if err := c.postJSON("/api/v1/traceroute/"+peerID, nil, &tr, nil); err != nil {
		return nil, err
	}
	return &tr, nil
}

// Refresh asks the node to re-announce and gossip immediately.
func (c *Client) Refresh() error {
	return c.postJSON("/api/v1/refresh", nil, nil, nil)
}

// UpdatePrivacy pushes new privacy settings. force bypasses the cooldown.
func (c *Client) UpdatePrivacy(next privacy.Settings, force bool) error {
	path := "/api/v1/privacy"
	if force {
		path += "?force=true"
	}
	return c.postJSON(path, next, nil, nil)
}

// RegisterMobileDevice obtains and remembers an ingestion token.
func (c *Client) RegisterMobileDevice(name string) (string, error) {
	var resp struct {
		Token string `json:"token"`
	}
	err := c.postJSON("/api/v1/mobile/register", map[string]string{"name": name}, &resp, nil)
	if err != nil {
		return "", err
	}
	c.deviceToken = resp.Token
	return resp.Token, nil
}

// SubmitMobileTraceroute uploads a traceroute captured on a mobile device.
func (c *Client) SubmitMobileTraceroute(tr record.TracerouteRecord) error {
	if c.deviceToken == "" {
		return fmt.Errorf("device not registered")
	}
	return c.postJSON("/api/v1/mobile/traceroute", tr, nil, map[string]string{
		"X-Device-Token": c.deviceToken,
	})
}

// SnapshotPoller watches the map for changes over plain HTTP polling.
type SnapshotPoller struct {
	client   *Client
	interval time.Duration

	lastPeerCount  int
	lastTraceCount int

	ctx    context.Context
	cancel context.CancelFunc

	onPeersChange  func(oldCount, newCount int)
	onTracesChange func(oldCount, newCount int)
	onError        func(error)
}

// NewSnapshotPoller creates a poller at the default 15 second cadence.
func NewSnapshotPoller(client *Client) *SnapshotPoller {
	ctx, cancel := context.WithCancel(context.Background())
	return &SnapshotPoller{
		client:   client,
		interval: 15 * time.Second,
		ctx:      ctx,
		cancel:   cancel,
	}
}

// SetInterval sets the polling interval.
func (sp *SnapshotPoller) SetInterval(interval time.Duration) {
	sp.interval = interval
}

// OnPeersChange sets a callback for when the peer count changes.
func (sp *SnapshotPoller) OnPeersChange(callback func(oldCount, newCount int)) {
	sp.onPeersChange = callback
}

// OnTracesChange sets a callback for when the traceroute count changes.
func (sp *SnapshotPoller) OnTracesChange(callback func(oldCount, newCount int)) {
	sp.onTracesChange = callback
}

// OnError sets a callback for when polling fails.
func (sp *SnapshotPoller) OnError(callback func(error)) {
	sp.onError = callback
}

// Start begins polling in the background.
func (sp *SnapshotPoller) Start() {
	go sp.pollLoop()
}

// Stop stops the polling.
func (sp *SnapshotPoller) Stop() {
	sp.cancel()
}

func (sp *SnapshotPoller) pollLoop() {
	ticker := time.NewTicker(sp.interval)
	defer ticker.Stop()

	for {
		select {
		case <-sp.ctx.Done():
			return
		case <-ticker.C:
			sp.poll()
			ticker.Reset(sp.interval)
		}
	}
}

func (sp *SnapshotPoller) poll() {
	snap, err := sp.client.GetSnapshot()
	if err != nil {
		if sp.onError != nil {
			sp.onError(err)
		}
		return
	}

	peerCount := len(snap.Peers)
	traceCount := len(snap.Traceroutes) + len(snap.SharedTraceroutes)

	if peerCount != sp.lastPeerCount && sp.onPeersChange != nil {
		sp.onPeersChange(sp.lastPeerCount, peerCount)
	}
	if traceCount != sp.lastTraceCount && sp.onTracesChange != nil {
		sp.onTracesChange(sp.lastTraceCount, traceCount)
	}
	sp.lastPeerCount = peerCount
	sp.lastTraceCount = traceCount
}
