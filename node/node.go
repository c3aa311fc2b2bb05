// Package node wires the storage, privacy, intelligence, discovery,
// gossip and traceroute components into one runnable community-map node.
package node

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/benbjohnson/clock"
	"github.com/google/uuid"
	logging "github.com/ipfs/go-log/v2"
	"github.com/libp2p/go-libp2p/core/peer"

	"github.com/haimish/haimesh/core/record"
	"github.com/haimish/haimesh/intel"
	"github.com/haimish/haimesh/network/discovery"
	"github.com/haimish/haimesh/network/gossip"
	"github.com/haimish/haimesh/network/p2p"
	"github.com/haimish/haimesh/privacy"
	"github.com/haimish/haimesh/storage"
	"github.com/haimish/haimesh/trace"
)

var log = logging.Logger("haimesh/node")

// ErrPeerUnreachable reports that a traceroute target has no known
// address on the map.
var ErrPeerUnreachable = errors.New("peer unreachable")

const (
	peerIDMetaKey     = "node_peer_id"
	heartbeatInterval = 60 * time.Second
	sweepInterval     = 60 * time.Second
	remoteQueryPeers  = 3
	eventBuffer       = 256
)

// Config carries everything a node needs to run.
type Config struct {
	DataDir     string
	DisplayName string

	Latitude     float64
	Longitude    float64
	HaveLocation bool

	// PublicIP is the address other peers traceroute to. A node without
	// one appears on the map but cannot be measured.
	PublicIP string

	ListenPort     int
	BootstrapPeers []string

	Gossip gossip.Config
	Trace  *trace.Config
	Intel  intel.Config
}

// Node is the top-level orchestrator.
type Node struct {
	cfg   Config
	clock clock.Clock

	peerID string

	db       *storage.BadgerStore
	store    *storage.Store
	privacy  *privacy.Manager
	resolver *intel.Resolver
	tracer   *trace.Engine
	mgr      *p2p.Manager
	disc     *discovery.Client
	gossip   *gossip.Engine

	ctx    context.Context
	cancel context.CancelFunc

	events chan Event

	mu           sync.RWMutex
	running      bool
	startedAt    time.Time
	knownPeers   map[string]struct{}
	mobileTokens map[string]string

	statsMu         sync.Mutex
	tracerouteCount int64
	totalHops       int64
	peersDiscovered int64
}

// outboundFilter adapts the privacy manager to the gossip engine.
type outboundFilter struct{ n *Node }

func (f outboundFilter) FilterPeerRecord(rec record.PeerRecord) record.PeerRecord {
	return f.n.privacy.FilterOutbound(rec, f.n.cfg.Latitude, f.n.cfg.Longitude, f.n.cfg.HaveLocation)
}

func (f outboundFilter) AllowSelfRecord() bool {
	return f.n.privacy.AllowSelfPublish()
}

func (f outboundFilter) AllowTraceroutes() bool {
	return f.n.privacy.AllowTraceroutePublish()
}

// NewNode assembles a node from configuration. The peer identity is
// created on first run and persisted.
func NewNode(cfg Config) (*Node, error) {
	db, err := storage.OpenBadger(cfg.DataDir)
	if err != nil {
		return nil, fmt.Errorf("open data store: %w", err)
	}

	peerID, err := loadOrCreatePeerID(db)
	if err != nil {
		db.Close()
		return nil, err
	}

	clk := clock.New()

	store, err := storage.NewStore(peerID, db, clk)
	if err != nil {
		db.Close()
		return nil, fmt.Errorf("open shard store: %w", err)
	}
	if cfg.HaveLocation {
		store.SetLocation(cfg.Latitude, cfg.Longitude)
	}

	priv, err := privacy.NewManager(peerID, db, clk)
	if err != nil {
		db.Close()
		return nil, fmt.Errorf("restore privacy settings: %w", err)
	}

	mgr, err := p2p.NewManager(&p2p.Config{
		ListenPort:     cfg.ListenPort,
		BootstrapPeers: cfg.BootstrapPeers,
	})
	if err != nil {
		db.Close()
		return nil, fmt.Errorf("start p2p manager: %w", err)
	}

	resolver := intel.NewResolver(cfg.Intel)

	n := &Node{
		cfg:          cfg,
		clock:        clk,
		peerID:       peerID,
		db:           db,
		store:        store,
		privacy:      priv,
		resolver:     resolver,
		mgr:          mgr,
		disc:         discovery.NewClient(mgr.Host, mgr.DHT),
		events:       make(chan Event, eventBuffer),
		knownPeers:   make(map[string]struct{}),
		mobileTokens: make(map[string]string),
	}
	n.ctx, n.cancel = context.WithCancel(context.Background())

	n.gossip = gossip.NewEngine(peerID, mgr, store, outboundFilter{n}, clk, cfg.Gossip)
	n.gossip.OnPeerSeen = n.onPeerSeen
	n.gossip.OnTraceReceived = n.onTraceReceived

	n.tracer = trace.NewEngine(peerID, resolver, clk, cfg.Trace)
	n.tracer.OnInfrastructure = func(entry storage.InfrastructureEntry) {
		if err := store.PutInfrastructure(entry); err != nil {
			log.Warnf("Failed to store infrastructure %s: %v", entry.ID, err)
		}
	}

	n.disc.OnPeerFound = n.onLibp2pPeerFound

	return n, nil
}

func loadOrCreatePeerID(db *storage.BadgerStore) (string, error) {
	raw, err := db.GetMeta(peerIDMetaKey)
	if err != nil {
		return "", fmt.Errorf("load peer id: %w", err)
	}
	if len(raw) > 0 {
		return string(raw), nil
	}
	id := uuid.NewString()
	if err := db.SetMeta(peerIDMetaKey, []byte(id)); err != nil {
		return "", fmt.Errorf("persist peer id: %w", err)
	}
	return id, nil
}

// PeerID returns this node's persistent identity.
func (n *Node) PeerID() string { return n.peerID }

// Privacy exposes the privacy manager for settings commands.
func (n *Node) Privacy() *privacy.Manager { return n.privacy }

// Events returns the node's event stream. Events are dropped when the
// consumer falls more than the buffer behind.
func (n *Node) Events() <-chan Event { return n.events }

// Start brings up networking and the background loops.
func (n *Node) Start() error {
	n.mu.Lock()
	if n.running {
		n.mu.Unlock()
		return fmt.Errorf("node is already running")
	}
	n.running = true
	n.startedAt = n.clock.Now()
	n.mu.Unlock()

	n.mgr.SetShardQueryHandler(n.handleShardQuery)

	if err := n.gossip.Start(n.ctx); err != nil {
		return fmt.Errorf("start gossip engine: %w", err)
	}
	if err := n.mgr.Start(); err != nil {
		return fmt.Errorf("start p2p: %w", err)
	}
	n.disc.Start(n.ctx)

	n.publishSelf()

	go n.heartbeatLoop()
	go n.maintenanceLoop()
	go n.store.RunSweeper(n.ctx, sweepInterval)

	log.Infow("Node started", "peer_id", n.peerID, "region", n.store.SelfRegion())
	return nil
}

// Stop shuts the node down and releases the data store. Safe to call on
// a node that was never started.
func (n *Node) Stop() error {
	n.mu.Lock()
	n.running = false
	n.mu.Unlock()

	n.cancel()
	n.disc.Stop()
	if err := n.mgr.Stop(); err != nil {
		log.Warnf("Error stopping p2p: %v", err)
	}
	if err := n.db.Close(); err != nil {
		return fmt.Errorf("close data store: %w", err)
	}
	log.Info("Node stopped")
	return nil
}

func (n *Node) emit(ev Event) {
	ev.AtMs = n.clock.Now().UnixMilli()
	select {
	case n.events <- ev:
	default:
		log.Debugf("Event buffer full, dropping %s", ev.Type)
	}
}

func (n *Node) onPeerSeen(peerID string) {
	n.mu.Lock()
	_, known := n.knownPeers[peerID]
	n.knownPeers[peerID] = struct{}{}
	n.mu.Unlock()

	if !known {
		n.statsMu.Lock()
		n.peersDiscovered++
		n.statsMu.Unlock()
		n.emit(Event{Type: EventPeerDiscovered, PeerID: peerID})
	}
}

func (n *Node) onTraceReceived(t record.TracerouteRecord) {
	n.emit(Event{Type: EventTracerouteReceived, PeerID: t.SourcePeerID, Trace: &t})
	if t.IsMobile {
		n.emit(Event{Type: EventMobileTraceroute, PeerID: t.SourcePeerID, Trace: &t})
	}
}

// onLibp2pPeerFound gossips promptly with a freshly connected peer
// instead of waiting for the next scheduled round.
func (n *Node) onLibp2pPeerFound(pi peer.AddrInfo) {
	go func() {
		if err := n.gossip.RunRound(n.ctx, pi.ID); err != nil {
			log.Debugf("Initial gossip round with %s failed: %v", pi.ID, err)
		}
	}()
}

// heartbeatLoop refreshes and publishes this node's own record.
func (n *Node) heartbeatLoop() {
	ticker := n.clock.Ticker(heartbeatInterval)
	defer ticker.Stop()
	for {
		select {
		case <-n.ctx.Done():
			return
		case <-ticker.C:
			n.publishSelf()
		}
	}
}

// publishSelf merges this node's filtered record locally and broadcasts it.
func (n *Node) publishSelf() {
	rec := n.ownRecord()
	if _, err := n.store.MergePeer(rec); err != nil {
		log.Warnf("Failed to store own record: %v", err)
		return
	}
	if err := n.gossip.PublishPeerRecord(rec); err != nil {
		log.Debugf("Failed to broadcast own record: %v", err)
	}
}

// ownRecord builds this node's record, already passed through the
// privacy filter so raw location never enters the store.
func (n *Node) ownRecord() record.PeerRecord {
	n.statsMu.Lock()
	stats := record.PeerStats{
		UptimeSeconds:   int64(n.clock.Now().Sub(n.startedAt).Seconds()),
		TracerouteCount: n.tracerouteCount,
		TotalHops:       n.totalHops,
		PeersDiscovered: n.peersDiscovered,
	}
	n.statsMu.Unlock()

	rec := record.PeerRecord{
		PeerID:          n.peerID,
		DisplayName:     n.cfg.DisplayName,
		ProtocolVersion: record.ProtocolVersion,
		LastSeen:        n.clock.Now().UnixMilli(),
		Stats:           stats,
	}
	if n.cfg.PublicIP != "" {
		rec.PublicIP = n.cfg.PublicIP
		rec.PublicPort = n.cfg.ListenPort
	}
	return n.privacy.FilterOutbound(rec, n.cfg.Latitude, n.cfg.Longitude, n.cfg.HaveLocation)
}

// maintenanceLoop keeps replica responsibility current and notices peers
// that fell off the map.
func (n *Node) maintenanceLoop() {
	ticker := n.clock.Ticker(sweepInterval)
	defer ticker.Stop()
	for {
		select {
		case <-n.ctx.Done():
			return
		case <-ticker.C:
		}

		peers := n.store.Peers()
		ids := make([]string, 0, len(peers))
		current := make(map[string]struct{}, len(peers))
		for _, p := range peers {
			ids = append(ids, p.PeerID)
			current[p.PeerID] = struct{}{}
		}
		n.store.UpdateKnownPeers(ids)

		n.mu.Lock()
		var lost []string
		for id := range n.knownPeers {
			if _, ok := current[id]; !ok && id != n.peerID {
				lost = append(lost, id)
				delete(n.knownPeers, id)
			}
		}
		n.mu.Unlock()

		for _, id := range lost {
			n.emit(Event{Type: EventPeerLost, PeerID: id})
		}
	}
}

// RefreshPeers re-announces on the DHT and runs an immediate gossip
// round with every connected peer.
func (n *Node) RefreshPeers(ctx context.Context) error {
	if err := n.disc.Announce(ctx); err != nil {
		log.Debugf("Announce during refresh failed: %v", err)
	}

	var wg sync.WaitGroup
	for _, pid := range n.mgr.GetConnectedPeers() {
		wg.Add(1)
		go func(pid peer.ID) {
			defer wg.Done()
			if err := n.gossip.RunRound(ctx, pid); err != nil {
				log.Debugf("Refresh round with %s failed: %v", pid, err)
			}
		}(pid)
	}
	wg.Wait()
	return nil
}

// RunTraceroute traces the route to one known peer, stores and shares
// the result. The target must have advertised a public address.
func (n *Node) RunTraceroute(ctx context.Context, peerID string) (*record.TracerouteRecord, error) {
	rec, err := n.store.GetPeer(peerID)
	if err != nil {
		return nil, fmt.Errorf("%w: unknown peer %s", ErrPeerUnreachable, peerID)
	}
	if rec.PublicIP == "" {
		return nil, fmt.Errorf("%w: peer %s has no public address", ErrPeerUnreachable, peerID)
	}

	tr, err := n.tracer.Run(ctx, rec.PublicIP)
	if err != nil {
		return nil, err
	}
	tr.TargetPeerID = peerID
	tr.TargetDisplayName = rec.DisplayName

	n.recordTraceroute(tr)
	return tr, nil
}

// RunTracerouteAll launches a traceroute to every known peer with an
// address, one goroutine per target.
func (n *Node) RunTracerouteAll(ctx context.Context) int {
	launched := 0
	for _, p := range n.store.Peers() {
		if p.PeerID == n.peerID || p.PublicIP == "" {
			continue
		}
		launched++
		go func(peerID string) {
			if _, err := n.RunTraceroute(ctx, peerID); err != nil {
				log.Debugf("Traceroute to %s failed: %v", peerID, err)
			}
		}(p.PeerID)
	}
	return launched
}

// recordTraceroute merges a finished trace, derives the link it measured
// and shares both.
func (n *Node) recordTraceroute(tr *record.TracerouteRecord) {
	if _, err := n.store.MergeTrace(*tr); err != nil {
		log.Warnf("Failed to store traceroute %s: %v", tr.TraceID, err)
		return
	}

	if tr.TargetPeerID != "" && tr.Success {
		link := record.LinkRecord{
			SourcePeerID: tr.SourcePeerID,
			TargetPeerID: tr.TargetPeerID,
			HopCount:     len(tr.Hops),
			LastMeasured: tr.CreatedAt,
		}
		for i := len(tr.Hops) - 1; i >= 0; i-- {
			if tr.Hops[i].RTTMs != nil {
				link.LatencyMs = *tr.Hops[i].RTTMs
				break
			}
		}
		if _, err := n.store.MergeLink(link); err != nil {
			log.Warnf("Failed to store link %s->%s: %v", link.SourcePeerID, link.TargetPeerID, err)
		}
	}

	n.statsMu.Lock()
	n.tracerouteCount++
	n.totalHops += int64(len(tr.Hops))
	n.statsMu.Unlock()

	if err := n.gossip.PublishTrace(*tr); err != nil {
		log.Debugf("Failed to broadcast traceroute %s: %v", tr.TraceID, err)
	}

	n.emit(Event{Type: EventTracerouteComplete, PeerID: tr.TargetPeerID, Trace: tr})
	if tr.IsMobile {
		n.emit(Event{Type: EventMobileTraceroute, PeerID: tr.SourcePeerID, Trace: tr})
	}
}

// RegisterMobileDevice issues an ingestion token for a companion device.
func (n *Node) RegisterMobileDevice(name string) string {
	token := uuid.NewString()
	n.mu.Lock()
	n.mobileTokens[token] = name
	n.mu.Unlock()
	return token
}

// IngestMobileTrace accepts a traceroute submitted by a registered
// mobile device, tags it and shares it like a local run.
func (n *Node) IngestMobileTrace(token string, tr record.TracerouteRecord) error {
	n.mu.RLock()
	_, ok := n.mobileTokens[token]
	n.mu.RUnlock()
	if !ok {
		return fmt.Errorf("unknown mobile device token")
	}

	tr.IsMobile = true
	if tr.TraceID == "" {
		tr.TraceID = uuid.NewString()
	}
	if tr.SourcePeerID == "" {
		tr.SourcePeerID = n.peerID
	}
	if tr.CreatedAt == 0 {
		tr.CreatedAt = n.clock.Now().UnixMilli()
	}
	if tr.Summary == nil {
		summary := record.BuildPathSummary(tr.Hops)
		tr.Summary = &summary
	}

	n.recordTraceroute(&tr)
	return nil
}

// handleShardQuery serves a partition's records to a remote peer. An
// anonymous node withholds every record that involves itself.
func (n *Node) handleShardQuery(req *p2p.ShardQueryRequest) (*p2p.ShardQueryResponse, error) {
	hideSelf := !n.privacy.AllowSelfPublish()

	resp := &p2p.ShardQueryResponse{}
	for _, e := range n.store.Query(req.Partition) {
		if e.Timestamp <= req.SinceMs {
			continue
		}
		switch e.Kind {
		case storage.KindPeer:
			var rec record.PeerRecord
			if json.Unmarshal(e.Value, &rec) == nil {
				if hideSelf && rec.PeerID == n.peerID {
					continue
				}
				resp.Peers = append(resp.Peers, rec)
			}
		case storage.KindLink:
			var rec record.LinkRecord
			if json.Unmarshal(e.Value, &rec) == nil {
				if hideSelf && (rec.SourcePeerID == n.peerID || rec.TargetPeerID == n.peerID) {
					continue
				}
				resp.Links = append(resp.Links, rec)
			}
		case storage.KindTrace:
			var rec record.TracerouteRecord
			if json.Unmarshal(e.Value, &rec) == nil {
				if hideSelf && rec.SourcePeerID == n.peerID {
					continue
				}
				resp.Traces = append(resp.Traces, rec)
			}
		}
	}
	return resp, nil
}

// RegionView is the map content of one geographic partition.
type RegionView struct {
	Partition string                    `json:"partition"`
	Peers     []record.PeerRecord       `json:"peers"`
	Links     []record.LinkRecord       `json:"links"`
	Traces    []record.TracerouteRecord `json:"traces"`
}

// QueryRegion returns the records of a partition, fetching from up to
// three responsible peers when the region is not held locally.
func (n *Node) QueryRegion(ctx context.Context, partition string) (*RegionView, error) {
	if !n.store.ShouldStore(partition, storage.ClassPeerLocation) {
		n.fetchRegion(ctx, partition)
	}

	view := &RegionView{Partition: partition}
	resp, err := n.handleShardQuery(&p2p.ShardQueryRequest{Partition: partition})
	if err != nil {
		return nil, err
	}
	view.Peers = resp.Peers
	view.Links = resp.Links
	view.Traces = resp.Traces
	return view, nil
}

// fetchRegion pulls a remote partition from its responsible peers and
// merges the records locally.
func (n *Node) fetchRegion(ctx context.Context, partition string) {
	for _, haimeshID := range n.store.ResponsiblePeers(partition, remoteQueryPeers) {
		pid, ok := n.gossip.LibP2PID(haimeshID)
		if !ok {
			continue
		}

		queryCtx, cancel := context.WithTimeout(ctx, 10*time.Second)
		resp, err := n.mgr.QueryShard(queryCtx, pid, &p2p.ShardQueryRequest{Partition: partition})
		cancel()
		if err != nil {
			log.Debugf("Remote region query to %s failed: %v", haimeshID, err)
			continue
		}

		for _, rec := range resp.Peers {
			n.store.MergePeer(rec)
		}
		for _, rec := range resp.Links {
			n.store.MergeLink(rec)
		}
		for _, rec := range resp.Traces {
			n.store.MergeTrace(rec)
		}
	}
}

// UpdatePrivacy applies new privacy settings and republishes this node's
// record so the change propagates immediately.
func (n *Node) UpdatePrivacy(next privacy.Settings, force bool) error {
	if err := n.privacy.Update(next, force); err != nil {
		return err
	}
	n.publishSelf()
	return nil
}

// PeerView is a peer record annotated with its visibility decay. Online
// mirrors the decay window: a peer unseen for the full window is offline.
type PeerView struct {
	record.PeerRecord
	DecayFactor float64 `json:"decay_factor"`
	Online      bool    `json:"online"`
}

// Snapshot is the full read model served to hosts.
type Snapshot struct {
	MyPeerID              string                    `json:"my_peer_id"`
	MyLocation            *record.Location          `json:"my_location,omitempty"`
	MyRegion              string                    `json:"my_region,omitempty"`
	SharingEnabled        bool                      `json:"sharing_enabled"`
	MobileTrackingEnabled bool                      `json:"mobile_tracking_enabled"`
	Peers                 []PeerView                `json:"peers"`
	Links                 []record.LinkRecord       `json:"links"`
	Traceroutes           []record.TracerouteRecord `json:"traceroutes"`
	SharedTraceroutes     []record.TracerouteRecord `json:"shared_traceroutes"`
	GossipStates          map[string]string         `json:"gossip_states"`
	Storage               storage.Stats             `json:"storage"`
	Network               map[string]interface{}    `json:"network"`
}

// Snapshot assembles the current map view.
func (n *Node) Snapshot() *Snapshot {
	now := n.clock.Now()
	settings := n.privacy.Settings()

	n.mu.RLock()
	mobileTracking := len(n.mobileTokens) > 0
	n.mu.RUnlock()

	snap := &Snapshot{
		MyPeerID:              n.peerID,
		MyRegion:              n.store.SelfRegion(),
		SharingEnabled:        settings.Contributing(),
		MobileTrackingEnabled: mobileTracking,
		GossipStates:          n.gossip.PeerStates(),
		Storage:               n.store.StoreStats(),
		Network:               n.mgr.GetStats(),
	}
	if n.cfg.HaveLocation {
		snap.MyLocation = n.privacy.ShareableLocation(n.cfg.Latitude, n.cfg.Longitude)
	}

	for _, p := range n.store.Peers() {
		snap.Peers = append(snap.Peers, PeerView{
			PeerRecord:  p,
			DecayFactor: storage.DecayFactor(p.LastSeen, now),
			Online:      p.Online(now, time.Hour),
		})
	}
	snap.Links = n.store.Links()

	for _, t := range n.store.Traces() {
		if t.SourcePeerID == n.peerID {
			snap.Traceroutes = append(snap.Traceroutes, t)
		} else {
			snap.SharedTraceroutes = append(snap.SharedTraceroutes, t)
		}
	}
	return snap
}

// Status is a lightweight health summary.
type Status struct {
	PeerID         string `json:"peer_id"`
	Running        bool   `json:"running"`
	UptimeSeconds  int64  `json:"uptime_seconds"`
	ConnectedPeers int    `json:"connected_peers"`
	KnownPeers     int    `json:"known_peers"`
	Region         string `json:"region,omitempty"`
}

// Status reports node health.
func (n *Node) Status() Status {
	n.mu.RLock()
	running := n.running
	started := n.startedAt
	known := len(n.knownPeers)
	n.mu.RUnlock()

	var uptime int64
	if running {
		uptime = int64(n.clock.Now().Sub(started).Seconds())
	}
	return Status{
		PeerID:         n.peerID,
		Running:        running,
		UptimeSeconds:  uptime,
		ConnectedPeers: n.mgr.GetPeerCount(),
		KnownPeers:     known,
		Region:         n.store.SelfRegion(),
	}
}
