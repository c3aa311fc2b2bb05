package config

import (
	"encoding/json"
	"fmt"
	"os"
	"time"
)

type Config struct {
	// Node configuration
	DataDir     string `json:"data_dir"`
	DisplayName string `json:"display_name"`
	LogLevel    string `json:"log_level"`

	// Owner location. Sharing is governed by the privacy settings, not here.
	Latitude     float64 `json:"latitude"`
	Longitude    float64 `json:"longitude"`
	HaveLocation bool    `json:"have_location"`

	// PublicIP is advertised so other peers can traceroute to this node.
	// Leave empty to stay unmeasurable.
	PublicIP string `json:"public_ip"`

	// Network configuration
	Network NetworkConfig `json:"network"`

	// Gossip configuration
	Gossip GossipConfig `json:"gossip"`

	// Traceroute configuration
	Trace TraceConfig `json:"trace"`

	// IP intelligence configuration
	Intel IntelConfig `json:"intel"`

	// API configuration
	API APIConfig `json:"api"`
}

type NetworkConfig struct {
	ListenPort     int      `json:"listen_port"`
	BootstrapPeers []string `json:"bootstrap_peers"`
}

type GossipConfig struct {
	Interval      time.Duration `json:"interval"`
	Jitter        time.Duration `json:"jitter"`
	RoundTimeout  time.Duration `json:"round_timeout"`
	MaxConcurrent int           `json:"max_concurrent"`
}

type TraceConfig struct {
	Binary      string `json:"binary"`
	MaxHops     int    `json:"max_hops"`
	WaitSeconds int    `json:"wait_seconds"`
}

type IntelConfig struct {
	BaseURL   string `json:"base_url"`
	CacheSize int    `json:"cache_size"`
	PerMinute int    `json:"per_minute"`
}

type APIConfig struct {
	Port       int  `json:"port"`
	EnableCORS bool `json:"enable_cors"`
}

// Default returns the built-in configuration.
func Default() *Config {
	return &Config{
		DataDir:  "./data",
		LogLevel: "info",
		Network: NetworkConfig{
			ListenPort:     9000,
			BootstrapPeers: []string{},
		},
		Gossip: GossipConfig{
			Interval:      60 * time.Second,
			Jitter:        10 * time.Second,
			RoundTimeout:  30 * time.Second,
			MaxConcurrent: 4,
		},
		Trace: TraceConfig{
			Binary:      "traceroute",
			MaxHops:     30,
			WaitSeconds: 2,
		},
		Intel: IntelConfig{
			CacheSize: 2048,
			PerMinute: 45,
		},
		API: APIConfig{
			Port:       8585,
			EnableCORS: true,
		},
	}
}

// Load reads a JSON config file on top of the defaults. An empty path
// returns the defaults unchanged.
func Load(path string) (*Config, error) {
	cfg := Default()
	if path == "" {
		return cfg, nil
	}

	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read config %s: %w", path, err)
	}
	if err := json.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("parse config %s: %w", path, err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Validate rejects settings the node cannot run with.
func (c *Config) Validate() error {
	if c.DataDir == "" {
		return fmt.Errorf("data_dir must be set")
	}
	if c.Network.ListenPort < 0 || c.Network.ListenPort > 65535 {
		return fmt.Errorf("invalid listen port %d", c.Network.ListenPort)
	}
	if c.API.Port < 0 || c.API.Port > 65535 {
		return fmt.Errorf("invalid API port %d", c.API.Port)
	}
	if c.HaveLocation {
		if c.Latitude < -90 || c.Latitude > 90 || c.Longitude < -180 || c.Longitude > 180 {
			return fmt.Errorf("invalid coordinates %.4f,%.4f", c.Latitude, c.Longitude)
		}
	}
	if c.Gossip.MaxConcurrent < 0 {
		return fmt.Errorf("gossip max_concurrent must not be negative")
	}
	return nil
}
