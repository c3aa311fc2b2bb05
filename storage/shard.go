package storage

import (
	"bytes"
	"context"
	"crypto/sha256"
	"encoding/json"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/benbjohnson/clock"

	"github.com/haimish/haimesh/core/geo"
	"github.com/haimish/haimesh/core/record"
)

// Kind discriminates stored values.
type Kind string

const (
	KindPeer  Kind = "peer"
	KindLink  Kind = "link"
	KindTrace Kind = "traceroute"
	KindInfra Kind = "infrastructure"
)

// Class is a durability class: how long an entry lives and how widely it
// should be replicated.
type Class struct {
	TTL         time.Duration
	Replication int
	Permanent   bool
}

var (
	// ClassPeerLocation expires quickly; a live peer refreshes it on every
	// gossip round.
	ClassPeerLocation = Class{TTL: time.Hour, Replication: 3}
	// ClassTraceroute covers traceroutes and observed links.
	ClassTraceroute = Class{TTL: 24 * time.Hour, Replication: 3}
	// ClassInfrastructure never expires and is held by every node.
	ClassInfrastructure = Class{Permanent: true, Replication: 5}
)

// Visibility decay: a peer renders at full strength until decayStart after
// its last_seen, then fades linearly to invisible at decayFull. Storage TTL
// is separate and longer.
const (
	decayStart = 5 * time.Minute
	decayFull  = time.Hour
)

// DecayFactor maps a last_seen timestamp to a 1.0..0.0 visibility weight.
func DecayFactor(lastSeenMs int64, now time.Time) float64 {
	age := now.Sub(time.UnixMilli(lastSeenMs))
	if age <= decayStart {
		return 1.0
	}
	if age >= decayFull {
		return 0.0
	}
	return 1.0 - float64(age-decayStart)/float64(decayFull-decayStart)
}

// Entry is one stored item. Value keeps the original encoding so merge
// digests are stable across hops.
type Entry struct {
	Key         string          `json:"key"`
	Kind        Kind            `json:"kind"`
	Partition   string          `json:"partition"`
	Value       json.RawMessage `json:"value"`
	Timestamp   int64           `json:"timestamp"` // record time, unix ms
	StoredAt    int64           `json:"stored_at"` // local receive time, unix ms
	TTLSeconds  int64           `json:"ttl_seconds"` // 0 = permanent
	Replication int             `json:"replication_factor"`
}

func (e *Entry) expired(now time.Time) bool {
	if e.TTLSeconds == 0 {
		return false
	}
	return now.UnixMilli() > e.StoredAt+e.TTLSeconds*1000
}

// InfrastructureEntry is a permanent map feature (exchange point,
// datacenter, cell tower) discovered from traceroute hops.
type InfrastructureEntry struct {
	ID           string  `json:"id"`
	Name         string  `json:"name"`
	FacilityType string  `json:"facility_type"` // ixp, datacenter, cell_tower
	Latitude     float64 `json:"latitude"`
	Longitude    float64 `json:"longitude"`
	CountryCode  string  `json:"country_code,omitempty"`
	FirstSeen    int64   `json:"first_seen"` // unix ms
}

const keyStripes = 64

// Store is the geographic sharding store: the node's live view of the
// network map, partitioned by geohash region. All gossip merges and host
// reads go through it. Permanent entries write through to Badger.
type Store struct {
	clock  clock.Clock
	db     *BadgerStore // optional; nil in tests
	selfID string

	mu         sync.RWMutex
	entries    map[string]*Entry
	partitions map[string]map[string]struct{}
	selfRegion string
	neighbors  map[string]struct{}
	knownPeers map[string][32]byte

	// Conflicting writes to one key serialize on its stripe; unrelated keys
	// proceed in parallel.
	locks [keyStripes]sync.Mutex
}

// NewStore builds the store and reloads permanent entries from db when
// present.
func NewStore(selfID string, db *BadgerStore, clk clock.Clock) (*Store, error) {
	if clk == nil {
		clk = clock.New()
	}
	s := &Store{
		clock:      clk,
		db:         db,
		selfID:     selfID,
		entries:    make(map[string]*Entry),
		partitions: make(map[string]map[string]struct{}),
		neighbors:  make(map[string]struct{}),
		knownPeers: make(map[string][32]byte),
	}
	if db != nil {
		err := db.ForEach([]byte(InfraPrefix), func(_, value []byte) error {
			var e Entry
			if err := json.Unmarshal(value, &e); err != nil {
				log.Warnw("skipping corrupt infrastructure entry", "err", err)
				return nil
			}
			s.index(&e)
			return nil
		})
		if err != nil {
			return nil, fmt.Errorf("reload infrastructure: %w", err)
		}
	}
	return s, nil
}

// SetLocation fixes the node's own region and its neighbor set, which
// together define the shards this node always holds.
func (s *Store) SetLocation(lat, lon float64) {
	region := geo.PartitionFor(lat, lon)
	s.mu.Lock()
	defer s.mu.Unlock()
	s.selfRegion = region
	s.neighbors = make(map[string]struct{})
	for _, n := range geo.Neighbors(region) {
		s.neighbors[n] = struct{}{}
	}
}

// SelfRegion returns the node's own partition key, empty before SetLocation.
func (s *Store) SelfRegion() string {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.selfRegion
}

// UpdateKnownPeers refreshes the peer set used for replica scoring.
func (s *Store) UpdateKnownPeers(peerIDs []string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.knownPeers = make(map[string][32]byte, len(peerIDs))
	for _, id := range peerIDs {
		s.knownPeers[id] = sha256.Sum256([]byte(id))
	}
}

func xorDistance(a, b [32]byte) []byte {
	d := make([]byte, 32)
	for i := range a {
		d[i] = a[i] ^ b[i]
	}
	return d
}

// ShouldStore reports whether this node is a replica holder for a partition
// and class. Permanent data is held by everyone, as is the global partition
// and the node's own region plus its 8 neighbors. Everything else falls to
// XOR-distance consistent hashing over the known peer set.
func (s *Store) ShouldStore(partition string, class Class) bool {
	if class.Permanent || partition == geo.GlobalPartition || partition == "" {
		return true
	}
	s.mu.RLock()
	defer s.mu.RUnlock()
	if partition == s.selfRegion {
		return true
	}
	if _, ok := s.neighbors[partition]; ok {
		return true
	}
	if len(s.knownPeers) <= class.Replication {
		return true
	}

	key := sha256.Sum256([]byte(partition))
	self := sha256.Sum256([]byte(s.selfID))
	selfDist := xorDistance(self, key)
	closer := 0
	for id, h := range s.knownPeers {
		if id == s.selfID {
			continue
		}
		if bytes.Compare(xorDistance(h, key), selfDist) < 0 {
			closer++
			if closer >= class.Replication {
				return false
			}
		}
	}
	return true
}

// ResponsiblePeers ranks known peers by XOR distance to a partition and
// returns up to n of them. Used to satisfy remote region reads.
func (s *Store) ResponsiblePeers(partition string, n int) []string {
	s.mu.RLock()
	defer s.mu.RUnlock()

	key := sha256.Sum256([]byte(partition))
	type ranked struct {
		id   string
		dist []byte
	}
	peers := make([]ranked, 0, len(s.knownPeers))
	for id, h := range s.knownPeers {
		if id == s.selfID {
			continue
		}
		peers = append(peers, ranked{id, xorDistance(h, key)})
	}
	sort.Slice(peers, func(i, j int) bool {
		return bytes.Compare(peers[i].dist, peers[j].dist) < 0
	})
	if len(peers) > n {
		peers = peers[:n]
	}
	out := make([]string, len(peers))
	for i, p := range peers {
		out[i] = p.id
	}
	return out
}

// stripe returns the write lock for a key.
func (s *Store) stripe(key string) *sync.Mutex {
	h := sha256.Sum256([]byte(key))
	return &s.locks[int(h[0])%keyStripes]
}

// index inserts an entry into the maps. Caller holds no locks; used only
// during construction and under stripe+mu in put.
func (s *Store) index(e *Entry) {
	s.entries[e.Key] = e
	part := e.Partition
	if part == "" {
		part = geo.GlobalPartition
	}
	if s.partitions[part] == nil {
		s.partitions[part] = make(map[string]struct{})
	}
	s.partitions[part][e.Key] = struct{}{}
}

func (s *Store) remove(key string) {
	e, ok := s.entries[key]
	if !ok {
		return
	}
	delete(s.entries, key)
	part := e.Partition
	if part == "" {
		part = geo.GlobalPartition
	}
	if m := s.partitions[part]; m != nil {
		delete(m, key)
		if len(m) == 0 {
			delete(s.partitions, part)
		}
	}
}

// Put stores a value under a key with the given partition and durability
// class, replacing any existing entry unconditionally. Merge* should be
// preferred for gossiped records.
func (s *Store) Put(key string, kind Kind, value any, partition string, class Class) error {
	raw, err := json.Marshal(value)
	if err != nil {
		return fmt.Errorf("encode %s %s: %w", kind, key, err)
	}
	now := s.clock.Now()
	e := &Entry{
		Key:         key,
		Kind:        kind,
		Partition:   partition,
		Value:       raw,
		Timestamp:   now.UnixMilli(),
		StoredAt:    now.UnixMilli(),
		Replication: class.Replication,
	}
	if !class.Permanent {
		e.TTLSeconds = int64(class.TTL.Seconds())
	}
	return s.put(e, class)
}

func (s *Store) put(e *Entry, class Class) error {
	s.mu.Lock()
	s.index(e)
	s.mu.Unlock()

	if class.Permanent && s.db != nil {
		raw, err := json.Marshal(e)
		if err != nil {
			return fmt.Errorf("encode entry %s: %w", e.Key, err)
		}
		if err := s.db.Set(InfraKey(e.Key), raw); err != nil {
			return fmt.Errorf("persist entry %s: %w", e.Key, err)
		}
	}
	return nil
}

// Get returns the entry for key. Expired entries are deleted on the way out
// and reported as not found.
func (s *Store) Get(key string) (*Entry, error) {
	now := s.clock.Now()
	s.mu.RLock()
	e, ok := s.entries[key]
	s.mu.RUnlock()
	if !ok {
		return nil, ErrKeyNotFound
	}
	if e.expired(now) {
		s.mu.Lock()
		s.remove(key)
		s.mu.Unlock()
		return nil, ErrKeyNotFound
	}
	return e, nil
}

// Query returns all live entries in a partition.
func (s *Store) Query(partition string) []Entry {
	now := s.clock.Now()
	s.mu.RLock()
	keys := make([]string, 0, len(s.partitions[partition]))
	for k := range s.partitions[partition] {
		keys = append(keys, k)
	}
	s.mu.RUnlock()

	out := make([]Entry, 0, len(keys))
	for _, k := range keys {
		e, err := s.Get(k)
		if err == nil && !e.expired(now) {
			out = append(out, *e)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Key < out[j].Key })
	return out
}

// merge applies last-write-wins with the record package's tiebreak, keyed
// and serialized per entry. Returns whether the incoming value was applied.
func (s *Store) merge(key string, kind Kind, value any, partition string, ts int64, class Class) (bool, error) {
	if !s.ShouldStore(partition, class) {
		return false, nil
	}

	raw, err := json.Marshal(value)
	if err != nil {
		return false, fmt.Errorf("encode %s %s: %w", kind, key, err)
	}

	lock := s.stripe(key)
	lock.Lock()
	defer lock.Unlock()

	now := s.clock.Now()
	s.mu.RLock()
	existing, ok := s.entries[key]
	s.mu.RUnlock()

	if ok && !existing.expired(now) {
		if !record.Supersedes(json.RawMessage(raw), existing.Value, ts, existing.Timestamp) {
			return false, nil
		}
	}

	e := &Entry{
		Key:         key,
		Kind:        kind,
		Partition:   partition,
		Value:       raw,
		Timestamp:   ts,
		StoredAt:    now.UnixMilli(),
		Replication: class.Replication,
	}
	if !class.Permanent {
		e.TTLSeconds = int64(class.TTL.Seconds())
	}
	return true, s.put(e, class)
}

func peerPartition(p *record.PeerRecord) string {
	if p.Location == nil {
		return geo.GlobalPartition
	}
	return geo.PartitionFor(p.Location.Latitude, p.Location.Longitude)
}

// MergePeer merges a gossiped peer announcement.
func (s *Store) MergePeer(p record.PeerRecord) (bool, error) {
	if err := p.Validate(); err != nil {
		return false, err
	}
	return s.merge("peer:"+p.Key(), KindPeer, &p, peerPartition(&p), p.LastSeen, ClassPeerLocation)
}

// MergeLink merges an observed link. Links live in the partition of
// whichever endpoint we know; global when neither is known.
func (s *Store) MergeLink(l record.LinkRecord) (bool, error) {
	if err := l.Validate(); err != nil {
		return false, err
	}
	partition := geo.GlobalPartition
	for _, id := range []string{l.SourcePeerID, l.TargetPeerID} {
		if p, err := s.GetPeer(id); err == nil && p.Location != nil {
			partition = geo.PartitionFor(p.Location.Latitude, p.Location.Longitude)
			break
		}
	}
	return s.merge("link:"+l.Key(), KindLink, &l, partition, l.LastMeasured, ClassTraceroute)
}

// MergeTrace merges a traceroute record.
func (s *Store) MergeTrace(t record.TracerouteRecord) (bool, error) {
	if err := t.Validate(); err != nil {
		return false, err
	}
	partition := geo.GlobalPartition
	if p, err := s.GetPeer(t.SourcePeerID); err == nil && p.Location != nil {
		partition = geo.PartitionFor(p.Location.Latitude, p.Location.Longitude)
	}
	return s.merge("trace:"+t.Key(), KindTrace, &t, partition, t.CreatedAt, ClassTraceroute)
}

// PutInfrastructure stores a permanent map feature, keeping the earliest
// first_seen on re-discovery.
func (s *Store) PutInfrastructure(entry InfrastructureEntry) error {
	key := "infra:" + entry.ID
	lock := s.stripe(key)
	lock.Lock()
	defer lock.Unlock()

	if existing, err := s.Get(key); err == nil {
		var prev InfrastructureEntry
		if json.Unmarshal(existing.Value, &prev) == nil && prev.FirstSeen > 0 {
			entry.FirstSeen = prev.FirstSeen
		}
	}
	if entry.FirstSeen == 0 {
		entry.FirstSeen = s.clock.Now().UnixMilli()
	}
	partition := geo.GlobalPartition
	if entry.Latitude != 0 || entry.Longitude != 0 {
		partition = geo.PartitionFor(entry.Latitude, entry.Longitude)
	}
	return s.Put(key, KindInfra, &entry, partition, ClassInfrastructure)
}

// GetPeer decodes one peer record.
func (s *Store) GetPeer(peerID string) (*record.PeerRecord, error) {
	e, err := s.Get("peer:" + peerID)
	if err != nil {
		return nil, err
	}
	var p record.PeerRecord
	if err := json.Unmarshal(e.Value, &p); err != nil {
		return nil, fmt.Errorf("decode peer %s: %w", peerID, err)
	}
	return &p, nil
}

// Peers returns all live peer records.
func (s *Store) Peers() []record.PeerRecord {
	return decodeAll[record.PeerRecord](s, KindPeer)
}

// Links returns all live link records.
func (s *Store) Links() []record.LinkRecord {
	return decodeAll[record.LinkRecord](s, KindLink)
}

// Traces returns all live traceroute records.
func (s *Store) Traces() []record.TracerouteRecord {
	return decodeAll[record.TracerouteRecord](s, KindTrace)
}

// Infrastructure returns all permanent map features.
func (s *Store) Infrastructure() []InfrastructureEntry {
	return decodeAll[InfrastructureEntry](s, KindInfra)
}

func decodeAll[T any](s *Store, kind Kind) []T {
	now := s.clock.Now()
	s.mu.RLock()
	raws := make([]json.RawMessage, 0)
	for _, e := range s.entries {
		if e.Kind == kind && !e.expired(now) {
			raws = append(raws, e.Value)
		}
	}
	s.mu.RUnlock()

	out := make([]T, 0, len(raws))
	for _, raw := range raws {
		var v T
		if err := json.Unmarshal(raw, &v); err == nil {
			out = append(out, v)
		}
	}
	return out
}

// DeltaSince returns records whose timestamp is strictly newer than sinceMs,
// for building gossip delta batches.
func (s *Store) DeltaSince(sinceMs int64) ([]record.PeerRecord, []record.LinkRecord, []record.TracerouteRecord) {
	var peers []record.PeerRecord
	for _, p := range s.Peers() {
		if p.LastSeen > sinceMs {
			peers = append(peers, p)
		}
	}
	var links []record.LinkRecord
	for _, l := range s.Links() {
		if l.LastMeasured > sinceMs {
			links = append(links, l)
		}
	}
	var traces []record.TracerouteRecord
	for _, t := range s.Traces() {
		if t.CreatedAt > sinceMs {
			traces = append(traces, t)
		}
	}
	return peers, links, traces
}

// Sweep removes expired entries and returns how many were dropped.
func (s *Store) Sweep() int {
	now := s.clock.Now()
	s.mu.Lock()
	defer s.mu.Unlock()
	removed := 0
	for key, e := range s.entries {
		if e.expired(now) {
			s.remove(key)
			removed++
		}
	}
	if removed > 0 {
		log.Debugw("swept expired entries", "count", removed)
	}
	return removed
}

// RunSweeper runs Sweep on a ticker until ctx is done.
func (s *Store) RunSweeper(ctx context.Context, interval time.Duration) {
	ticker := s.clock.Ticker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			s.Sweep()
		}
	}
}

// Stats summarizes the store for the status endpoint.
type Stats struct {
	Entries        int `json:"entries"`
	Peers          int `json:"peers"`
	Links          int `json:"links"`
	Traces         int `json:"traceroutes"`
	Infrastructure int `json:"infrastructure"`
	Partitions     int `json:"partitions"`
}

// StoreStats counts live entries by kind.
func (s *Store) StoreStats() Stats {
	now := s.clock.Now()
	s.mu.RLock()
	defer s.mu.RUnlock()
	st := Stats{Partitions: len(s.partitions)}
	for _, e := range s.entries {
		if e.expired(now) {
			continue
		}
		st.Entries++
		switch e.Kind {
		case KindPeer:
			st.Peers++
		case KindLink:
			st.Links++
		case KindTrace:
			st.Traces++
		case KindInfra:
			st.Infrastructure++
		}
	}
	return st
}
