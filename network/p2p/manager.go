// Package p2p manages the libp2p host, DHT, gossipsub and stream
// protocols that carry haimesh traffic between community nodes.
package p2p

import (
	"context"
	"fmt"
	"sync"
	"time"

	logging "github.com/ipfs/go-log/v2"
	"github.com/libp2p/go-libp2p"
	dht "github.com/libp2p/go-libp2p-kad-dht"
	pubsub "github.com/libp2p/go-libp2p-pubsub"
	"github.com/libp2p/go-libp2p/core/host"
	"github.com/libp2p/go-libp2p/core/network"
	"github.com/libp2p/go-libp2p/core/peer"
	"github.com/libp2p/go-libp2p/core/protocol"
	"github.com/multiformats/go-multiaddr"
	"golang.org/x/time/rate"
)

var log = logging.Logger("haimesh/p2p")

// Protocol IDs and PubSub topic names.
const (
	ProtocolGossip protocol.ID = "/haimesh/gossip/1.0.0"
	ProtocolShard  protocol.ID = "/haimesh/shard/1.0.0"

	TopicPeers  = "haimesh-peers"
	TopicTraces = "haimesh-traces"
)

// NetworkMetrics tracks P2P network performance.
type NetworkMetrics struct {
	MessagesReceived   int64
	MessagesSent       int64
	RecordsMerged      int64
	ConnectionAttempts int64
	FailedConnections  int64
	PeerCount          int64
	LastGossipTime     time.Time
	mu                 sync.RWMutex
}

func (nm *NetworkMetrics) IncrementMessagesReceived() {
	nm.mu.Lock()
	defer nm.mu.Unlock()
	nm.MessagesReceived++
}

func (nm *NetworkMetrics) IncrementMessagesSent() {
	nm.mu.Lock()
	defer nm.mu.Unlock()
	nm.MessagesSent++
}

func (nm *NetworkMetrics) AddRecordsMerged(n int64) {
	nm.mu.Lock()
	defer nm.mu.Unlock()
	nm.RecordsMerged += n
}

func (nm *NetworkMetrics) IncrementConnectionAttempts() {
	nm.mu.Lock()
	defer nm.mu.Unlock()
	nm.ConnectionAttempts++
}

func (nm *NetworkMetrics) IncrementFailedConnections() {
	nm.mu.Lock()
	defer nm.mu.Unlock()
	nm.FailedConnections++
}

func (nm *NetworkMetrics) UpdatePeerCount(count int64) {
	nm.mu.Lock()
	defer nm.mu.Unlock()
	nm.PeerCount = count
}

func (nm *NetworkMetrics) MarkGossipRound() {
	nm.mu.Lock()
	defer nm.mu.Unlock()
	nm.LastGossipTime = time.Now()
}

func (nm *NetworkMetrics) GetSnapshot() map[string]interface{} {
	nm.mu.RLock()
	defer nm.mu.RUnlock()
	return map[string]interface{}{
		"messages_received":   nm.MessagesReceived,
		"messages_sent":       nm.MessagesSent,
		"records_merged":      nm.RecordsMerged,
		"connection_attempts": nm.ConnectionAttempts,
		"failed_connections":  nm.FailedConnections,
		"peer_count":          nm.PeerCount,
		"last_gossip_time":    nm.LastGossipTime,
	}
}

// Manager owns the libp2p host and related services.
type Manager struct {
	Host   host.Host
	Ctx    context.Context
	Cancel context.CancelFunc
	PubSub *pubsub.PubSub
	DHT    *dht.IpfsDHT

	// Configuration
	listenPort     int
	bootstrapPeers []multiaddr.Multiaddr

	// Topic management
	joinedTopics map[string]*pubsub.Topic
	topicsMu     sync.RWMutex

	// Rate limiting for pubsub broadcasts
	rateLimiter *rate.Limiter

	// Connection management
	connectionStates map[peer.ID]*ConnectionState
	connectionsMu    sync.RWMutex

	// Metrics
	metrics *NetworkMetrics

	// Health monitoring
	healthTicker *time.Ticker

	mu sync.RWMutex
}

// ConnectionState tracks the state of peer connections.
type ConnectionState struct {
	LastConnected time.Time
	Attempts      int
	IsHealthy     bool
	LastError     error
}

// Config represents P2P configuration.
type Config struct {
	ListenPort     int
	BootstrapPeers []string
}

// NewManager initializes a new libp2p manager.
func NewManager(config *Config) (*Manager, error) {
	ctx, cancel := context.WithCancel(context.Background())

	var bootstrapPeers []multiaddr.Multiaddr
	for _, addr := range config.BootstrapPeers {
		maddr, err := multiaddr.NewMultiaddr(addr)
		if err != nil {
			log.Warnf("Invalid bootstrap peer address %s: %v", addr, err)
			continue
		}
		bootstrapPeers = append(bootstrapPeers, maddr)
	}

	opts := []libp2p.Option{
		libp2p.ListenAddrStrings(fmt.Sprintf("/ip4/0.0.0.0/tcp/%d", config.ListenPort)),
		libp2p.NATPortMap(),
		libp2p.EnableRelay(),
	}

	h, err := libp2p.New(opts...)
	if err != nil {
		cancel()
		return nil, fmt.Errorf("failed to create libp2p host: %w", err)
	}

	log.Infof("Libp2p host created with Peer ID: %s, listening on: %s",
		h.ID().String(), h.Addrs())

	ps, err := pubsub.NewGossipSub(ctx, h)
	if err != nil {
		h.Close()
		cancel()
		return nil, fmt.Errorf("failed to create pubsub: %w", err)
	}

	kademliaDHT, err := dht.New(ctx, h, dht.Mode(dht.ModeServer))
	if err != nil {
		h.Close()
		cancel()
		return nil, fmt.Errorf("failed to create DHT: %w", err)
	}

	if err = kademliaDHT.Bootstrap(ctx); err != nil {
		h.Close()
		cancel()
		return nil, fmt.Errorf("failed to bootstrap DHT: %w", err)
	}

	manager := &Manager{
		Host:             h,
		Ctx:              ctx,
		Cancel:           cancel,
		PubSub:           ps,
		DHT:              kademliaDHT,
		listenPort:       config.ListenPort,
		bootstrapPeers:   bootstrapPeers,
		joinedTopics:     make(map[string]*pubsub.Topic),
		rateLimiter:      rate.NewLimiter(rate.Limit(100), 200),
		connectionStates: make(map[peer.ID]*ConnectionState),
		metrics:          &NetworkMetrics{},
	}

	return manager, nil
}

// NewManagerWithHost wraps an existing host, for example one created on a
// mock network in tests. The DHT is not started.
func NewManagerWithHost(ctx context.Context, h host.Host) (*Manager, error) {
	ctx, cancel := context.WithCancel(ctx)

	ps, err := pubsub.NewGossipSub(ctx, h)
	if err != nil {
		cancel()
		return nil, fmt.Errorf("failed to create pubsub: %w", err)
	}

	return &Manager{
		Host:             h,
		Ctx:              ctx,
		Cancel:           cancel,
		PubSub:           ps,
		joinedTopics:     make(map[string]*pubsub.Topic),
		rateLimiter:      rate.NewLimiter(rate.Limit(100), 200),
		connectionStates: make(map[peer.ID]*ConnectionState),
		metrics:          &NetworkMetrics{},
	}, nil
}

// Start connects to bootstrap peers and begins health monitoring. Stream
// handlers are registered separately by the gossip engine and shard store
// before Start is called.
func (m *Manager) Start() error {
	m.connectToBootstrapPeersWithRetry()
	m.startConnectionHealthMonitor()

	log.Info("P2P services started")
	return nil
}

// Stop gracefully shuts down the P2P manager.
func (m *Manager) Stop() error {
	log.Info("Shutting down P2P services...")

	if m.healthTicker != nil {
		m.healthTicker.Stop()
	}

	m.Cancel()

	m.topicsMu.Lock()
	for _, topic := range m.joinedTopics {
		if err := topic.Close(); err != nil {
			log.Warnf("Error closing topic: %v", err)
		}
	}
	m.topicsMu.Unlock()

	if m.DHT != nil {
		if err := m.DHT.Close(); err != nil {
			log.Warnf("Error closing DHT: %v", err)
		}
	}

	if err := m.Host.Close(); err != nil {
		return fmt.Errorf("error closing libp2p host: %w", err)
	}

	log.Info("P2P services shut down")
	return nil
}

// connectToBootstrapPeersWithRetry connects to bootstrap peers with retry logic.
func (m *Manager) connectToBootstrapPeersWithRetry() {
	var wg sync.WaitGroup

	for _, addr := range m.bootstrapPeers {
		pi, err := peer.AddrInfoFromP2pAddr(addr)
		if err != nil {
			log.Warnf("Invalid bootstrap peer address %s: %v", addr, err)
			continue
		}
		if pi.ID == m.Host.ID() {
			continue
		}

		wg.Add(1)
		go func(pi peer.AddrInfo) {
			defer wg.Done()
			m.ConnectWithRetry(pi, 3)
		}(*pi)
	}

	done := make(chan struct{})
	go func() {
		wg.Wait()
		close(done)
	}()

	select {
	case <-done:
		log.Debug("Bootstrap peer connection attempts completed")
	case <-time.After(30 * time.Second):
		log.Warn("Bootstrap peer connection attempts timed out")
	}
}

// ConnectWithRetry attempts to connect to a peer, backing off between attempts.
func (m *Manager) ConnectWithRetry(pi peer.AddrInfo, maxRetries int) {
	for attempt := 1; attempt <= maxRetries; attempt++ {
		m.metrics.IncrementConnectionAttempts()

		connectCtx, connectCancel := context.WithTimeout(m.Ctx, 10*time.Second)
		err := m.Host.Connect(connectCtx, pi)
		connectCancel()

		if err == nil {
			log.Debugf("Connected to peer: %s (attempt %d)", pi.ID.String(), attempt)
			m.updateConnectionState(pi.ID, true, nil)
			return
		}

		m.metrics.IncrementFailedConnections()
		m.updateConnectionState(pi.ID, false, err)
		log.Debugf("Failed to connect to peer %s (attempt %d/%d): %v",
			pi.ID.String(), attempt, maxRetries, err)

		if attempt < maxRetries {
			backoff := time.Duration(attempt*attempt) * time.Second
			select {
			case <-time.After(backoff):
			case <-m.Ctx.Done():
				return
			}
		}
	}

	log.Warnf("Failed to connect to peer %s after %d attempts", pi.ID.String(), maxRetries)
}

// updateConnectionState updates the connection state for a peer.
func (m *Manager) updateConnectionState(peerID peer.ID, isHealthy bool, err error) {
	m.connectionsMu.Lock()
	defer m.connectionsMu.Unlock()

	if m.connectionStates[peerID] == nil {
		m.connectionStates[peerID] = &ConnectionState{}
	}

	state := m.connectionStates[peerID]
	if isHealthy {
		state.LastConnected = time.Now()
		state.Attempts = 0
	} else {
		state.Attempts++
	}
	state.IsHealthy = isHealthy
	state.LastError = err
}

// getOrJoinTopic returns an existing topic or joins a new one.
func (m *Manager) getOrJoinTopic(topicName string) (*pubsub.Topic, error) {
	m.topicsMu.RLock()
	if topic, exists := m.joinedTopics[topicName]; exists {
		m.topicsMu.RUnlock()
		return topic, nil
	}
	m.topicsMu.RUnlock()

	m.topicsMu.Lock()
	defer m.topicsMu.Unlock()

	// Double-check in case another goroutine joined while we waited for the lock
	if topic, exists := m.joinedTopics[topicName]; exists {
		return topic, nil
	}

	topic, err := m.PubSub.Join(topicName)
	if err != nil {
		return nil, fmt.Errorf("failed to join topic %s: %w", topicName, err)
	}

	m.joinedTopics[topicName] = topic
	log.Debugf("Joined PubSub topic: %s", topicName)
	return topic, nil
}

// Subscribe joins a topic and returns a subscription for reading.
func (m *Manager) Subscribe(topicName string) (*pubsub.Subscription, error) {
	topic, err := m.getOrJoinTopic(topicName)
	if err != nil {
		return nil, err
	}
	return topic.Subscribe()
}

// Broadcast publishes data to a topic, subject to the shared rate limit.
func (m *Manager) Broadcast(topicName string, data []byte) error {
	if !m.rateLimiter.Allow() {
		return fmt.Errorf("rate limit exceeded for topic %s", topicName)
	}

	topic, err := m.getOrJoinTopic(topicName)
	if err != nil {
		return fmt.Errorf("failed to get topic %s: %w", topicName, err)
	}

	if err := topic.Publish(m.Ctx, data); err != nil {
		return fmt.Errorf("failed to publish to topic %s: %w", topicName, err)
	}

	m.metrics.IncrementMessagesSent()
	return nil
}

// startConnectionHealthMonitor starts monitoring connection health.
func (m *Manager) startConnectionHealthMonitor() {
	m.healthTicker = time.NewTicker(30 * time.Second)

	go func() {
		defer m.healthTicker.Stop()
		for {
			select {
			case <-m.healthTicker.C:
				m.checkConnectionHealth()
			case <-m.Ctx.Done():
				return
			}
		}
	}()
}

// checkConnectionHealth checks the health of peer connections and
// reconnects to bootstrap peers when the mesh runs thin.
func (m *Manager) checkConnectionHealth() {
	peers := m.Host.Network().Peers()
	healthyPeers := 0

	for _, peerID := range peers {
		if m.isPeerHealthy(peerID) {
			healthyPeers++
		}
	}

	m.metrics.UpdatePeerCount(int64(len(peers)))

	if healthyPeers < 3 && len(m.bootstrapPeers) > 0 {
		log.Debugf("Only %d healthy peers, attempting to reconnect to bootstrap peers", healthyPeers)
		go m.tryReconnectToBootstrapPeers()
	}
}

// isPeerHealthy checks if a peer connection is healthy.
func (m *Manager) isPeerHealthy(peerID peer.ID) bool {
	if m.Host.Network().Connectedness(peerID) != network.Connected {
		return false
	}

	m.connectionsMu.RLock()
	defer m.connectionsMu.RUnlock()

	if state, exists := m.connectionStates[peerID]; exists {
		return state.IsHealthy && time.Since(state.LastConnected) < 5*time.Minute
	}

	return true
}

// tryReconnectToBootstrapPeers attempts to reconnect to bootstrap peers.
func (m *Manager) tryReconnectToBootstrapPeers() {
	for _, addr := range m.bootstrapPeers {
		pi, err := peer.AddrInfoFromP2pAddr(addr)
		if err != nil || pi.ID == m.Host.ID() {
			continue
		}

		if m.Host.Network().Connectedness(pi.ID) != network.Connected {
			go m.ConnectWithRetry(*pi, 2)
		}
	}
}

// GetConnectedPeerIDs returns peer IDs as strings.
func (m *Manager) GetConnectedPeerIDs() []string {
	peers := m.Host.Network().Peers()
	peerIDs := make([]string, len(peers))
	for i, p := range peers {
		peerIDs[i] = p.String()
	}
	return peerIDs
}

// GetConnectedPeers returns the list of connected peers.
func (m *Manager) GetConnectedPeers() []peer.ID {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.Host.Network().Peers()
}

// GetPeerCount returns the number of connected peers.
func (m *Manager) GetPeerCount() int {
	return len(m.GetConnectedPeers())
}

// GetHostID returns the host's peer ID.
func (m *Manager) GetHostID() peer.ID {
	return m.Host.ID()
}

// GetListenAddresses returns the addresses the host is listening on.
func (m *Manager) GetListenAddresses() []multiaddr.Multiaddr {
	return m.Host.Addrs()
}

// GetStats returns P2P statistics including metrics.
func (m *Manager) GetStats() map[string]interface{} {
	m.mu.RLock()
	defer m.mu.RUnlock()

	stats := map[string]interface{}{
		"peer_id":         m.Host.ID().String(),
		"listen_port":     m.listenPort,
		"connected_peers": len(m.Host.Network().Peers()),
		"listen_addrs":    m.Host.Addrs(),
		"bootstrap_peers": len(m.bootstrapPeers),
		"joined_topics":   len(m.joinedTopics),
	}

	metricsSnapshot := m.metrics.GetSnapshot()
	for k, v := range metricsSnapshot {
		stats[k] = v
	}

	return stats
}

// GetMetrics returns current network metrics.
func (m *Manager) GetMetrics() *NetworkMetrics {
	return m.metrics
}
