// Package discovery finds other haimesh nodes through the kad-DHT
// rendezvous namespace, the configured bootstrap list, and mDNS on the
// local network.
package discovery

import (
	"context"
	"crypto/sha1"
	"errors"
	"fmt"
	"time"

	logging "github.com/ipfs/go-log/v2"
	dht "github.com/libp2p/go-libp2p-kad-dht"
	"github.com/libp2p/go-libp2p/core/host"
	"github.com/libp2p/go-libp2p/core/peer"
	"github.com/libp2p/go-libp2p/p2p/discovery/mdns"
	"github.com/libp2p/go-libp2p/p2p/discovery/routing"
)

var log = logging.Logger("haimesh/discovery")

// NetworkID is the versioned rendezvous namespace shared by every node on
// the community map. Changing it partitions the network.
const NetworkID = "haimesh-community-map-v1"

// ErrDiscoveryUnavailable reports that the DHT could not be queried at all.
// An empty candidate set is not an error.
var ErrDiscoveryUnavailable = errors.New("peer discovery unavailable")

const (
	queryInterval  = 30 * time.Second
	connectTimeout = 10 * time.Second
	backoffInitial = 30 * time.Second
	backoffMax     = 10 * time.Minute
)

// InfoHash returns the SHA-1 digest of the rendezvous namespace, the
// identifier announced on and queried from the DHT.
func InfoHash() [20]byte {
	return sha1.Sum([]byte(NetworkID))
}

// Client advertises this node and collects candidate peers.
type Client struct {
	host    host.Host
	routing *routing.RoutingDiscovery

	// OnPeerFound is invoked for every newly reachable candidate after a
	// successful connect. May be nil.
	OnPeerFound func(peer.AddrInfo)

	mdnsService mdns.Service
}

// NewClient builds a discovery client over an existing host and DHT.
func NewClient(h host.Host, kdht *dht.IpfsDHT) *Client {
	var rd *routing.RoutingDiscovery
	if kdht != nil {
		rd = routing.NewRoutingDiscovery(kdht)
	}
	return &Client{host: h, routing: rd}
}

// Start begins mDNS discovery and the DHT announce/query loop. It returns
// immediately; the loops run until ctx is cancelled.
func (c *Client) Start(ctx context.Context) {
	c.startMDNS()
	if c.routing != nil {
		go c.run(ctx)
	}
}

// Stop shuts down the mDNS service. The DHT loop stops with its context.
func (c *Client) Stop() {
	if c.mdnsService != nil {
		if err := c.mdnsService.Close(); err != nil {
			log.Warnf("Error closing mDNS service: %v", err)
		}
	}
}

// Announce publishes our presence under the rendezvous namespace.
func (c *Client) Announce(ctx context.Context) error {
	if c.routing == nil {
		return ErrDiscoveryUnavailable
	}
	if _, err := c.routing.Advertise(ctx, NetworkID); err != nil {
		return fmt.Errorf("%w: advertise: %v", ErrDiscoveryUnavailable, err)
	}
	return nil
}

// FindPeers queries the DHT for other nodes in the namespace. Zero
// candidates is a normal result.
func (c *Client) FindPeers(ctx context.Context) ([]peer.AddrInfo, error) {
	if c.routing == nil {
		return nil, ErrDiscoveryUnavailable
	}
	peerChan, err := c.routing.FindPeers(ctx, NetworkID)
	if err != nil {
		return nil, fmt.Errorf("%w: find peers: %v", ErrDiscoveryUnavailable, err)
	}

	var found []peer.AddrInfo
	for pi := range peerChan {
		if pi.ID == c.host.ID() || len(pi.Addrs) == 0 {
			continue
		}
		found = append(found, pi)
	}
	return found, nil
}

// run is the announce/query loop. DHT failures back off exponentially up
// to backoffMax; successes reset to the base interval.
func (c *Client) run(ctx context.Context) {
	if err := c.Announce(ctx); err != nil {
		log.Debugf("Initial announce failed: %v", err)
	}

	interval := queryInterval
	for {
		select {
		case <-ctx.Done():
			return
		case <-time.After(interval):
		}

		peers, err := c.FindPeers(ctx)
		if err != nil {
			interval = nextBackoff(interval)
			log.Debugf("DHT peer discovery failed, next attempt in %s: %v", interval, err)
			continue
		}
		interval = queryInterval

		for _, pi := range peers {
			go c.connect(ctx, pi, "DHT")
		}
	}
}

func nextBackoff(current time.Duration) time.Duration {
	next := current * 2
	if next > backoffMax {
		return backoffMax
	}
	if next < backoffInitial {
		return backoffInitial
	}
	return next
}

func (c *Client) connect(ctx context.Context, pi peer.AddrInfo, via string) {
	connectCtx, cancel := context.WithTimeout(ctx, connectTimeout)
	defer cancel()
	if err := c.host.Connect(connectCtx, pi); err != nil {
		log.Debugf("Failed to connect to %s discovered peer %s: %v", via, pi.ID, err)
		return
	}
	log.Debugf("Connected to %s discovered peer %s", via, pi.ID)
	if c.OnPeerFound != nil {
		c.OnPeerFound(pi)
	}
}

// HandlePeerFound handles peers discovered on the local network via mDNS.
func (c *Client) HandlePeerFound(pi peer.AddrInfo) {
	if pi.ID == c.host.ID() {
		return
	}
	log.Debugf("Discovered peer via mDNS: %s", pi.ID)
	go c.connect(context.Background(), pi, "mDNS")
}

func (c *Client) startMDNS() {
	service := mdns.NewMdnsService(c.host, NetworkID, c)
	if err := service.Start(); err != nil {
		log.Warnf("Failed to start mDNS discovery: %v", err)
		return
	}
	c.mdnsService = service
	log.Debug("mDNS discovery started")
}
