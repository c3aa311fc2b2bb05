// File: cmd/haimesh/main.go
package main

import (
	"context"
	"flag"
	"fmt"
	"log"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	logging "github.com/ipfs/go-log/v2"

	"github.com/haimish/haimesh/api"
	"github.com/haimish/haimesh/config"
	"github.com/haimish/haimesh/intel"
	"github.com/haimish/haimesh/network/gossip"
	"github.com/haimish/haimesh/node"
	"github.com/haimish/haimesh/trace"
)

func main() {
	// Command line arguments
	var configPath = flag.String("config", "", "Path to JSON config file")
	var port = flag.Int("port", 0, "P2P listen port (overrides config)")
	var apiPort = flag.Int("api-port", 0, "HTTP API port (overrides config)")
	var bootstraps = flag.String("bootstrap", "", "Comma-separated bootstrap peers")
	var dataDir = flag.String("data", "", "Data directory (overrides config)")
	var name = flag.String("name", "", "Display name shown on the map")
	var logLevel = flag.String("log-level", "", "Log level (debug, info, warn, error)")

	flag.Parse()

	// Load configuration
	cfg, err := config.Load(*configPath)
	if err != nil {
		log.Fatalf("Failed to load config: %v", err)
	}

	// Flags win over the config file
	if *port != 0 {
		cfg.Network.ListenPort = *port
	}
	if *apiPort != 0 {
		cfg.API.Port = *apiPort
	}
	if *dataDir != "" {
		cfg.DataDir = *dataDir
	}
	if *name != "" {
		cfg.DisplayName = *name
	}
	if *bootstraps != "" {
		cfg.Network.BootstrapPeers = strings.Split(*bootstraps, ",")
	}
	if *logLevel != "" {
		cfg.LogLevel = *logLevel
	}

	lvl, err := logging.LevelFromString(cfg.LogLevel)
	if err != nil {
		log.Fatalf("Invalid log level %q: %v", cfg.LogLevel, err)
	}
	logging.SetAllLoggers(lvl)

	fmt.Printf("🚀 Starting haimesh node on port %d...\n", cfg.Network.ListenPort)
	if len(cfg.Network.BootstrapPeers) > 0 {
		fmt.Printf("📡 Bootstrap peers: %v\n", cfg.Network.BootstrapPeers)
	} else {
		fmt.Printf("📡 No bootstrap peers (relying on local discovery)\n")
	}

	haimeshNode, err := node.NewNode(node.Config{
		DataDir:        cfg.DataDir,
		DisplayName:    cfg.DisplayName,
		Latitude:       cfg.Latitude,
		Longitude:      cfg.Longitude,
		HaveLocation:   cfg.HaveLocation,
		PublicIP:       cfg.PublicIP,
		ListenPort:     cfg.Network.ListenPort,
		BootstrapPeers: cfg.Network.BootstrapPeers,
		Gossip: gossip.Config{
			Interval:      cfg.Gossip.Interval,
			Jitter:        cfg.Gossip.Jitter,
			RoundTimeout:  cfg.Gossip.RoundTimeout,
			MaxConcurrent: cfg.Gossip.MaxConcurrent,
		},
		Trace: &trace.Config{
			Binary:      cfg.Trace.Binary,
			MaxHops:     cfg.Trace.MaxHops,
			WaitSeconds: cfg.Trace.WaitSeconds,
		},
		Intel: intel.Config{
			BaseURL:   cfg.Intel.BaseURL,
			CacheSize: cfg.Intel.CacheSize,
			PerMinute: cfg.Intel.PerMinute,
		},
	})
	if err != nil {
		log.Fatalf("Failed to initialize node: %v", err)
	}

	if err := haimeshNode.Start(); err != nil {
		log.Fatalf("Failed to start node: %v", err)
	}

	fmt.Printf("✅ Node started! Peer ID: %s\n", haimeshNode.PeerID())

	// HTTP API
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	apiServer := api.NewServer(haimeshNode, cfg.API.Port)
	go func() {
		if err := apiServer.Start(ctx); err != nil && err != http.ErrServerClosed {
			log.Printf("API server stopped: %v", err)
		}
	}()
	fmt.Printf("🌐 API listening on http://localhost:%d/api/v1\n", cfg.API.Port)

	// Event monitoring
	go func() {
		for ev := range haimeshNode.Events() {
			switch ev.Type {
			case node.EventPeerDiscovered:
				fmt.Printf("🗺️  New peer on the map: %s\n", ev.PeerID)
			case node.EventPeerLost:
				fmt.Printf("👻 Peer went offline: %s\n", ev.PeerID)
			case node.EventTracerouteComplete:
				if ev.Trace != nil && ev.Trace.Summary != nil {
					fmt.Printf("🛰️  Traceroute to %s: %d hops\n", ev.Trace.TargetPeerID, ev.Trace.Summary.TotalHops)
				}
			case node.EventMobileTraceroute:
				fmt.Printf("📱 Mobile traceroute via %s\n", ev.Trace.Carrier)
			}
		}
	}()

	// Graceful shutdown
	c := make(chan os.Signal, 1)
	signal.Notify(c, os.Interrupt, syscall.SIGTERM)

	fmt.Println("🎉 haimesh running! Press Ctrl+C to stop.")

	statusTicker := time.NewTicker(30 * time.Second)
	defer statusTicker.Stop()

	for {
		select {
		case <-c:
			fmt.Println("\n🛑 Shutting down haimesh node...")
			cancel()
			if err := apiServer.Stop(); err != nil {
				log.Printf("Error stopping API server: %v", err)
			}
			if err := haimeshNode.Stop(); err != nil {
				log.Printf("Error stopping node: %v", err)
			}
			fmt.Println("👋 Goodbye!")
			return

		case <-statusTicker.C:
			printNodeStatus(haimeshNode)
		}
	}
}

// printNodeStatus displays a periodic summary of the node and the map.
func printNodeStatus(n *node.Node) {
	status := n.Status()
	snap := n.Snapshot()

	fmt.Printf("\n📊 === NODE STATUS ===\n")
	fmt.Printf("Peer ID: %s\n", status.PeerID)
	fmt.Printf("Uptime: %ds\n", status.UptimeSeconds)
	fmt.Printf("Connected Peers: %d\n", status.ConnectedPeers)
	fmt.Printf("Known Peers: %d\n", status.KnownPeers)
	if status.Region != "" {
		fmt.Printf("Region: %s\n", status.Region)
	}
	fmt.Printf("Map Peers: %d\n", len(snap.Peers))
	fmt.Printf("Traceroutes: %d own, %d shared\n", len(snap.Traceroutes), len(snap.SharedTraceroutes))
	fmt.Println("===================")
}
