package gossip

import (
	"encoding/json"
	"errors"
	"fmt"

	"github.com/haimish/haimesh/network/p2p"
)

// ProtocolVersion is the gossip wire version carried in every envelope.
const ProtocolVersion = 1

// MaxBatchRecords caps the number of records in a single batch message.
// The byte size of a message is separately capped at p2p.MaxMessageBytes.
const MaxBatchRecords = 64

// Message types.
const (
	MsgHello      = "HELLO"
	MsgPeerBatch  = "PEER_BATCH"
	MsgLinkBatch  = "LINK_BATCH"
	MsgTraceBatch = "TRACE_BATCH"
)

// ErrMalformedMessage reports an envelope or payload that could not be
// decoded. The message is dropped and the sender degraded; the connection
// stays up.
var ErrMalformedMessage = errors.New("malformed gossip message")

// Envelope wraps every gossip message on the wire.
type Envelope struct {
	Type            string          `json:"type"`
	SenderID        string          `json:"sender_id"`
	ProtocolVersion int             `json:"protocol_version"`
	Payload         json.RawMessage `json:"payload"`
}

// Hello opens an exchange. LatestMs is the sender's watermark: the newest
// record timestamp it already holds from the other side, so the reply can
// be a delta.
type Hello struct {
	PeerID   string `json:"peer_id"`
	Region   string `json:"region,omitempty"`
	LatestMs int64  `json:"latest_ms"`
}

func (e *Engine) seal(msgType string, payload any) (*Envelope, error) {
	raw, err := json.Marshal(payload)
	if err != nil {
		return nil, fmt.Errorf("marshal %s payload: %w", msgType, err)
	}
	return &Envelope{
		Type:            msgType,
		SenderID:        e.selfID,
		ProtocolVersion: ProtocolVersion,
		Payload:         raw,
	}, nil
}

// open validates an inbound envelope and decodes its payload into v.
func open(env *Envelope, v any) error {
	if env.Type == "" || env.SenderID == "" {
		return ErrMalformedMessage
	}
	if err := json.Unmarshal(env.Payload, v); err != nil {
		return fmt.Errorf("%w: %s payload: %v", ErrMalformedMessage, env.Type, err)
	}
	return nil
}

// splitBatches chunks records so that each batch respects both the record
// count cap and the wire byte cap. A single record too large to fit is
// dropped rather than sent.
func splitBatches[T any](records []T) [][]T {
	var batches [][]T
	for len(records) > 0 {
		n := len(records)
		if n > MaxBatchRecords {
			n = MaxBatchRecords
		}
		for n > 0 {
			raw, err := json.Marshal(records[:n])
			if err == nil && len(raw) <= p2p.MaxMessageBytes-1024 {
				break
			}
			n /= 2
		}
		if n == 0 {
			// First record alone exceeds the cap.
			records = records[1:]
			continue
		}
		batches = append(batches, records[:n])
		records = records[n:]
	}
	return batches
}
