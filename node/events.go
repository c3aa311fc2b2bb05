package node

import "github.com/haimish/haimesh/core/record"

// EventType names the node lifecycle events surfaced to hosts.
type EventType string

const (
	EventPeerDiscovered     EventType = "peer_discovered"
	EventPeerLost           EventType = "peer_lost"
	EventTracerouteReceived EventType = "traceroute_received"
	EventTracerouteComplete EventType = "traceroute_complete"
	EventMobileTraceroute   EventType = "mobile_traceroute"
)

// Event is one entry on the node's event stream.
type Event struct {
	Type   EventType                `json:"type"`
	PeerID string                   `json:"peer_id,omitempty"`
	Trace  *record.TracerouteRecord `json:"trace,omitempty"`
	AtMs   int64                    `json:"at_ms"`
}
