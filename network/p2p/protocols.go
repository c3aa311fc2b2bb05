package p2p

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"time"

	"github.com/libp2p/go-libp2p/core/network"
	"github.com/libp2p/go-libp2p/core/peer"

	"github.com/haimish/haimesh/core/record"
)

// MaxMessageBytes caps a single JSON message read from a stream. Anything
// larger is treated as malformed.
const MaxMessageBytes = 256 * 1024

// ShardQueryRequest asks a responsible peer for the records of one
// geographic partition.
type ShardQueryRequest struct {
	Partition string `json:"partition"`
	SinceMs   int64  `json:"since_ms,omitempty"`
}

// ShardQueryResponse carries the partition's records back.
type ShardQueryResponse struct {
	Peers  []record.PeerRecord       `json:"peers,omitempty"`
	Links  []record.LinkRecord       `json:"links,omitempty"`
	Traces []record.TracerouteRecord `json:"traces,omitempty"`
	Error  string                    `json:"error,omitempty"`
}

// ShardQueryFunc resolves shard query requests against local state.
type ShardQueryFunc func(req *ShardQueryRequest) (*ShardQueryResponse, error)

// SetShardQueryHandler registers the shard query stream handler.
func (m *Manager) SetShardQueryHandler(fn ShardQueryFunc) {
	m.Host.SetStreamHandler(ProtocolShard, func(s network.Stream) {
		m.handleShardQuery(s, fn)
	})
}

func (m *Manager) handleShardQuery(s network.Stream, fn ShardQueryFunc) {
	defer s.Close()
	m.metrics.IncrementMessagesReceived()

	reader := NewJSONStreamReader(s)
	writer := NewJSONStreamWriter(s)

	var req ShardQueryRequest
	if err := reader.ReadJSON(&req); err != nil {
		log.Debugf("Error reading shard query from %s: %v", s.Conn().RemotePeer(), err)
		writer.WriteJSON(&ShardQueryResponse{Error: "invalid request"})
		return
	}

	resp, err := fn(&req)
	if err != nil {
		log.Debugf("Shard query for %q failed: %v", req.Partition, err)
		writer.WriteJSON(&ShardQueryResponse{Error: err.Error()})
		return
	}

	if err := writer.WriteJSON(resp); err != nil {
		log.Debugf("Error writing shard query response: %v", err)
	}
}

// QueryShard asks one peer for the records of a partition over the shard
// protocol. The supplied context bounds the whole exchange.
func (m *Manager) QueryShard(ctx context.Context, pid peer.ID, req *ShardQueryRequest) (*ShardQueryResponse, error) {
	if m.Host.Network().Connectedness(pid) != network.Connected {
		connectCtx, cancel := context.WithTimeout(ctx, 10*time.Second)
		err := m.Host.Connect(connectCtx, peer.AddrInfo{ID: pid})
		cancel()
		if err != nil {
			return nil, fmt.Errorf("peer %s not reachable: %w", pid, err)
		}
	}

	stream, err := m.Host.NewStream(ctx, pid, ProtocolShard)
	if err != nil {
		return nil, fmt.Errorf("failed to open shard stream: %w", err)
	}
	defer stream.Close()

	if deadline, ok := ctx.Deadline(); ok {
		stream.SetDeadline(deadline)
	}

	writer := NewJSONStreamWriter(stream)
	if err := writer.WriteJSON(req); err != nil {
		return nil, fmt.Errorf("failed to send shard query: %w", err)
	}

	reader := NewJSONStreamReader(stream)
	resp := &ShardQueryResponse{}
	if err := reader.ReadJSON(resp); err != nil {
		return nil, fmt.Errorf("failed to read shard query response: %w", err)
	}

	if resp.Error != "" {
		return nil, fmt.Errorf("peer error: %s", resp.Error)
	}

	m.metrics.IncrementMessagesSent()
	return resp, nil
}

// JSON stream reader/writer for protocol communication.

type JSONStreamReader struct {
	decoder *json.Decoder
}

// NewJSONStreamReader wraps a stream, capping each message at MaxMessageBytes.
func NewJSONStreamReader(r io.Reader) *JSONStreamReader {
	return &JSONStreamReader{
		decoder: json.NewDecoder(io.LimitReader(r, MaxMessageBytes)),
	}
}

// ReadJSON reads a single JSON object from the stream.
func (jsr *JSONStreamReader) ReadJSON(v interface{}) error {
	return jsr.decoder.Decode(v)
}

type JSONStreamWriter struct {
	encoder *json.Encoder
	writer  io.Writer
}

func NewJSONStreamWriter(w io.Writer) *JSONStreamWriter {
	encoder := json.NewEncoder(w)
	encoder.SetEscapeHTML(false)
	return &JSONStreamWriter{
		encoder: encoder,
		writer:  w,
	}
}

// WriteJSON writes a JSON object to the stream.
func (jsw *JSONStreamWriter) WriteJSON(v interface{}) error {
	return jsw.encoder.Encode(v)
}

// Write writes raw bytes to the stream.
func (jsw *JSONStreamWriter) Write(data []byte) (int, error) {
	return jsw.writer.Write(data)
}
