// Package record defines the data model shared by the gossip engine, the
// sharding store, and the traceroute pipeline: peer announcements, observed
// links, and enriched traceroute results.
//
// Merge semantics are last-write-wins on the record timestamp. Equal
// timestamps are broken by a stable content digest so that merging is
// idempotent and commutative regardless of arrival order.
package record

import (
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"time"
)

// ProtocolVersion is exchanged during the gossip handshake. Nodes with a
// different major version are still merged; unknown fields are ignored.
const ProtocolVersion = "1.0"

// SharingFlags mirror the node owner's privacy choices and travel with the
// peer record so remote nodes know what they may republish.
type SharingFlags struct {
	ShareLocation    bool `json:"share_location"`
	Anonymous        bool `json:"anonymous"`
	ShareTraceroutes bool `json:"share_traceroutes"`
}

// Location is a WGS84 coordinate. A peer's advertised location may already
// be fuzzed by its owner; it is never un-fuzzed downstream.
type Location struct {
	Latitude  float64 `json:"latitude"`
	Longitude float64 `json:"longitude"`
}

// PeerStats are self-reported contribution counters.
type PeerStats struct {
	UptimeSeconds   int64 `json:"uptime_seconds"`
	TracerouteCount int64 `json:"traceroute_count"`
	TotalHops       int64 `json:"total_hops"`
	PeersDiscovered int64 `json:"peers_discovered"`
}

// PeerRecord is one node's announcement of itself. The PeerID is generated
// once and never changes or gets reused; everything else is refreshed on
// every gossip contact.
type PeerRecord struct {
	PeerID          string       `json:"peer_id"`
	DisplayName     string       `json:"display_name,omitempty"`
	Location        *Location    `json:"location,omitempty"`
	PublicIP        string       `json:"public_ip,omitempty"`
	PublicPort      int          `json:"public_port,omitempty"`
	ProtocolVersion string       `json:"protocol_version"`
	LastSeen        int64        `json:"last_seen"` // unix milliseconds
	Sharing         SharingFlags `json:"sharing_flags"`
	Stats           PeerStats    `json:"stats"`
}

// Key returns the unique store key for this record.
func (p *PeerRecord) Key() string { return p.PeerID }

// Online reports whether the peer counts as online given the decay window.
// Staleness hides a peer from online views before its storage TTL expires.
func (p *PeerRecord) Online(now time.Time, decay time.Duration) bool {
	return now.UnixMilli()-p.LastSeen <= decay.Milliseconds()
}

// LinkRecord is an observed network relationship between two peers. The pair
// is unordered: (a,b) and (b,a) are the same link, and any newer measurement
// for the pair supersedes the old one.
type LinkRecord struct {
	SourcePeerID string  `json:"source_peer_id"`
	TargetPeerID string  `json:"target_peer_id"`
	LatencyMs    float64 `json:"latency_ms"`
	HopCount     int     `json:"hop_count"`
	LastMeasured int64   `json:"last_measured"` // unix milliseconds
}

// Key canonicalizes the unordered pair.
func (l *LinkRecord) Key() string {
	a, b := l.SourcePeerID, l.TargetPeerID
	if b < a {
		a, b = b, a
	}
	return a + "|" + b
}

// GeoInfo is per-hop geolocation, left zero-valued when lookup fails.
type GeoInfo struct {
	City        string  `json:"city,omitempty"`
	Region      string  `json:"region,omitempty"`
	Country     string  `json:"country,omitempty"`
	CountryCode string  `json:"country_code,omitempty"`
	Latitude    float64 `json:"latitude,omitempty"`
	Longitude   float64 `json:"longitude,omitempty"`
	ISP         string  `json:"isp,omitempty"`
}

// ASNInfo identifies the network operator at a hop.
type ASNInfo struct {
	Number       string `json:"number,omitempty"`
	Name         string `json:"name,omitempty"`
	ProviderType string `json:"provider_type,omitempty"` // cloud, cdn, transit, isp, mobile, private
}

// InfraInfo flags a hop that crosses known physical infrastructure.
type InfraInfo struct {
	IsIXP        bool   `json:"is_ixp,omitempty"`
	IsDatacenter bool   `json:"is_datacenter,omitempty"`
	Name         string `json:"name,omitempty"`
}

// Hop is a single enriched traceroute hop. RTTMs is nil when the hop never
// answered within its probe timeout.
type Hop struct {
	HopNumber         int        `json:"hop_number"`
	IPAddress         string     `json:"ip_address,omitempty"`
	Hostname          string     `json:"hostname,omitempty"`
	RTTMs             *float64   `json:"rtt_ms,omitempty"`
	Geo               *GeoInfo   `json:"geo,omitempty"`
	ASN               *ASNInfo   `json:"asn,omitempty"`
	Infrastructure    *InfraInfo `json:"infrastructure,omitempty"`
	ASNTransition     bool       `json:"asn_transition,omitempty"`
	CountryTransition bool       `json:"country_transition,omitempty"`
}

// PathSummary is derived from the resolved hops of one traceroute.
type PathSummary struct {
	TotalHops    int      `json:"total_hops"`
	ASNPath      []string `json:"asn_path"`
	ASNCount     int      `json:"asn_count"`
	CountryCount int      `json:"country_count"`
	IXPCount     int      `json:"ixp_count"`
	IXPs         []string `json:"ixps,omitempty"`
	Datacenters  []string `json:"datacenters,omitempty"`
	PathType     string   `json:"path_type,omitempty"`
	Incomplete   bool     `json:"incomplete,omitempty"`
}

// TracerouteRecord is produced only by the local traceroute engine and then
// propagated by gossip. It expires by TTL (24h class).
type TracerouteRecord struct {
	TraceID           string       `json:"trace_id"`
	SourcePeerID      string       `json:"source_peer_id"`
	TargetPeerID      string       `json:"target_peer_id,omitempty"`
	TargetIP          string       `json:"target_ip,omitempty"`
	TargetDisplayName string       `json:"target_display_name,omitempty"`
	Hops              []Hop        `json:"hops"`
	Summary           *PathSummary `json:"path_summary,omitempty"`
	IsMobile          bool         `json:"is_mobile,omitempty"`
	Carrier           string       `json:"carrier,omitempty"`
	TotalTimeMs       float64      `json:"total_time_ms,omitempty"`
	Success           bool         `json:"success"`
	CreatedAt         int64        `json:"created_at"` // unix milliseconds
}

// Key returns the unique store key for this record.
func (t *TracerouteRecord) Key() string { return t.TraceID }

// digest produces a stable content hash used as the merge tiebreak.
func digest(v any) string {
	b, err := json.Marshal(v)
	if err != nil {
		return ""
	}
	sum := sha256.Sum256(b)
	return hex.EncodeToString(sum[:])
}

// Supersedes reports whether an incoming record with timestamp ts should
// replace an existing record with timestamp existingTS. Strictly newer wins;
// on an exact tie the lexicographically greater content digest wins, which
// makes merge order-independent. Equal content never replaces itself.
func Supersedes(incoming, existing any, ts, existingTS int64) bool {
	if ts != existingTS {
		return ts > existingTS
	}
	di, de := digest(incoming), digest(existing)
	return di > de
}

// BuildPathSummary walks hops in order, recording the ASN at each hop,
// collapsing consecutive duplicates, and counting distinct ASNs, countries
// and IXP-flagged hops. Unresolved hops (no IP) are excluded from TotalHops
// and flag the summary as incomplete.
func BuildPathSummary(hops []Hop) PathSummary {
	s := PathSummary{}
	countries := make(map[string]struct{})
	asns := make(map[string]struct{})
	seenIXPs := make(map[string]struct{})
	seenDCs := make(map[string]struct{})
	var lastASN string
	types := make(map[string]struct{})

	for _, h := range hops {
		if h.IPAddress == "" {
			s.Incomplete = true
			continue
		}
		s.TotalHops++
		if h.ASN != nil && h.ASN.Number != "" {
			if h.ASN.Number != lastASN {
				s.ASNPath = append(s.ASNPath, h.ASN.Number)
				lastASN = h.ASN.Number
			}
			asns[h.ASN.Number] = struct{}{}
			if h.ASN.ProviderType != "" {
				types[h.ASN.ProviderType] = struct{}{}
			}
		}
		if h.Geo != nil && h.Geo.CountryCode != "" {
			countries[h.Geo.CountryCode] = struct{}{}
		}
		if h.Infrastructure != nil {
			if h.Infrastructure.IsIXP {
				s.IXPCount++
				if h.Infrastructure.Name != "" {
					if _, ok := seenIXPs[h.Infrastructure.Name]; !ok {
						seenIXPs[h.Infrastructure.Name] = struct{}{}
						s.IXPs = append(s.IXPs, h.Infrastructure.Name)
					}
				}
			}
			if h.Infrastructure.IsDatacenter && h.Infrastructure.Name != "" {
				if _, ok := seenDCs[h.Infrastructure.Name]; !ok {
					seenDCs[h.Infrastructure.Name] = struct{}{}
					s.Datacenters = append(s.Datacenters, h.Infrastructure.Name)
				}
			}
		}
	}

	s.ASNCount = len(asns)
	s.CountryCount = len(countries)
	s.PathType = classifyPath(s.ASNCount, types)
	return s
}

func classifyPath(asnCount int, types map[string]struct{}) string {
	_, hasTransit := types["transit"]
	_, hasCloud := types["cloud"]
	_, hasCDN := types["cdn"]
	switch {
	case hasTransit && asnCount > 3:
		return "multi-hop-transit"
	case hasCloud || hasCDN:
		return "cloud-optimized"
	case asnCount <= 2:
		return "direct-peering"
	default:
		return "standard"
	}
}

// Validate rejects records that would corrupt the store.
func (p *PeerRecord) Validate() error {
	if p.PeerID == "" {
		return fmt.Errorf("peer record missing peer_id")
	}
	if p.LastSeen <= 0 {
		return fmt.Errorf("peer record %s missing last_seen", p.PeerID)
	}
	return nil
}

// Validate rejects links that do not name both endpoints.
func (l *LinkRecord) Validate() error {
	if l.SourcePeerID == "" || l.TargetPeerID == "" {
		return fmt.Errorf("link record missing endpoint")
	}
	if l.LastMeasured <= 0 {
		return fmt.Errorf("link record %s missing last_measured", l.Key())
	}
	return nil
}

// Validate rejects traceroutes without an identity or origin.
func (t *TracerouteRecord) Validate() error {
	if t.TraceID == "" {
		return fmt.Errorf("traceroute record missing trace_id")
	}
	if t.SourcePeerID == "" {
		return fmt.Errorf("traceroute %s missing source_peer_id", t.TraceID)
	}
	if t.CreatedAt <= 0 {
		return fmt.Errorf("traceroute %s missing created_at", t.TraceID)
	}
	return nil
}
