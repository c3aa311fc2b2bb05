package storage

import (
	"testing"
	"time"

	"github.com/benbjohnson/clock"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/haimish/haimesh/core/geo"
	"github.com/haimish/haimesh/core/record"
)

func newTestStore(t *testing.T) (*Store, *clock.Mock) {
	t.Helper()
	clk := clock.NewMock()
	clk.Set(time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC))
	s, err := NewStore("self-node", nil, clk)
	require.NoError(t, err)
	return s, clk
}

func peerAt(id string, lat, lon float64, seen time.Time) record.PeerRecord {
	return record.PeerRecord{
		PeerID:          id,
		ProtocolVersion: record.ProtocolVersion,
		Location:        &record.Location{Latitude: lat, Longitude: lon},
		LastSeen:        seen.UnixMilli(),
	}
}

func TestPeerTTL(t *testing.T) {
	s, clk := newTestStore(t)

	p := peerAt("p1", 52.52, 13.405, clk.Now())
	applied, err := s.MergePeer(p)
	require.NoError(t, err)
	require.True(t, applied)

	// Present at +59m.
	clk.Add(59 * time.Minute)
	_, err = s.GetPeer("p1")
	require.NoError(t, err)

	// Absent at +61m, lazily on read.
	clk.Add(2 * time.Minute)
	_, err = s.GetPeer("p1")
	require.ErrorIs(t, err, ErrKeyNotFound)
	assert.Empty(t, s.Peers())
}

func TestMergeLastWriteWins(t *testing.T) {
	s, clk := newTestStore(t)

	older := peerAt("p1", 52.52, 13.405, clk.Now().Add(-time.Minute))
	newer := peerAt("p1", 52.52, 13.405, clk.Now())
	newer.DisplayName = "fresh"

	applied, err := s.MergePeer(newer)
	require.NoError(t, err)
	require.True(t, applied)

	// Stale update is refused.
	applied, err = s.MergePeer(older)
	require.NoError(t, err)
	assert.False(t, applied)

	// Replaying the winner is a no-op.
	applied, err = s.MergePeer(newer)
	require.NoError(t, err)
	assert.False(t, applied)

	got, err := s.GetPeer("p1")
	require.NoError(t, err)
	assert.Equal(t, "fresh", got.DisplayName)
}

func TestMergeCommutative(t *testing.T) {
	s1, clk := newTestStore(t)
	s2, _ := newTestStore(t)

	a := peerAt("p1", 52.52, 13.405, clk.Now())
	a.DisplayName = "a"
	b := peerAt("p1", 52.52, 13.405, clk.Now())
	b.DisplayName = "b"

	_, err := s1.MergePeer(a)
	require.NoError(t, err)
	_, err = s1.MergePeer(b)
	require.NoError(t, err)

	_, err = s2.MergePeer(b)
	require.NoError(t, err)
	_, err = s2.MergePeer(a)
	require.NoError(t, err)

	got1, err := s1.GetPeer("p1")
	require.NoError(t, err)
	got2, err := s2.GetPeer("p1")
	require.NoError(t, err)
	assert.Equal(t, got1.DisplayName, got2.DisplayName)
}

func TestQueryByRegion(t *testing.T) {
	s, clk := newTestStore(t)

	berlin := peerAt("berlin", 52.52, 13.405, clk.Now())
	tokyo := peerAt("tokyo", 35.6762, 139.6503, clk.Now())
	_, err := s.MergePeer(berlin)
	require.NoError(t, err)
	_, err = s.MergePeer(tokyo)
	require.NoError(t, err)

	region := geo.PartitionFor(52.52, 13.405)
	entries := s.Query(region)
	require.Len(t, entries, 1)
	assert.Equal(t, "peer:berlin", entries[0].Key)

	assert.Empty(t, s.Query("zzz"))
}

func TestShouldStore(t *testing.T) {
	s, _ := newTestStore(t)
	s.SetLocation(52.52, 13.405)

	own := geo.PartitionFor(52.52, 13.405)
	assert.True(t, s.ShouldStore(own, ClassPeerLocation))
	assert.True(t, s.ShouldStore(geo.Neighbors(own)[0], ClassPeerLocation))
	assert.True(t, s.ShouldStore(geo.GlobalPartition, ClassPeerLocation))

	// Permanent data is held everywhere.
	far := geo.PartitionFor(-33.86, 151.21)
	assert.True(t, s.ShouldStore(far, ClassInfrastructure))

	// Tiny network: everyone stores everything.
	s.UpdateKnownPeers([]string{"a", "b"})
	assert.True(t, s.ShouldStore(far, ClassPeerLocation))

	// Large network: a distant region is only stored when self ranks within
	// the replication set. With many peers the answer varies by hash, so only
	// assert determinism.
	peers := make([]string, 0, 40)
	for i := 0; i < 40; i++ {
		peers = append(peers, string(rune('a'+i%26))+string(rune('0'+i/26)))
	}
	s.UpdateKnownPeers(peers)
	first := s.ShouldStore(far, ClassPeerLocation)
	assert.Equal(t, first, s.ShouldStore(far, ClassPeerLocation))
	// Own region always stays.
	assert.True(t, s.ShouldStore(own, ClassPeerLocation))
}

func TestResponsiblePeersStable(t *testing.T) {
	s, _ := newTestStore(t)
	s.UpdateKnownPeers([]string{"p1", "p2", "p3", "p4", "p5"})

	a := s.ResponsiblePeers("u33", 3)
	b := s.ResponsiblePeers("u33", 3)
	require.Len(t, a, 3)
	assert.Equal(t, a, b)
	assert.NotContains(t, a, "self-node")
}

func TestSweep(t *testing.T) {
	s, clk := newTestStore(t)

	_, err := s.MergePeer(peerAt("p1", 52.52, 13.405, clk.Now()))
	require.NoError(t, err)
	require.NoError(t, s.PutInfrastructure(InfrastructureEntry{
		ID: "decix", Name: "DE-CIX Frankfurt", FacilityType: "ixp",
		Latitude: 50.1109, Longitude: 8.6821,
	}))

	clk.Add(2 * time.Hour)
	removed := s.Sweep()
	assert.Equal(t, 1, removed)

	// Infrastructure never expires.
	infra := s.Infrastructure()
	require.Len(t, infra, 1)
	assert.Equal(t, "DE-CIX Frankfurt", infra[0].Name)
}

func TestExpiredNeverInDelta(t *testing.T) {
	s, clk := newTestStore(t)

	_, err := s.MergePeer(peerAt("p1", 52.52, 13.405, clk.Now()))
	require.NoError(t, err)

	clk.Add(2 * time.Hour)
	peers, _, _ := s.DeltaSince(0)
	assert.Empty(t, peers)
}

func TestInfrastructurePersistsAcrossRestart(t *testing.T) {
	dir := t.TempDir()
	db, err := OpenBadger(dir)
	require.NoError(t, err)

	clk := clock.NewMock()
	clk.Set(time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC))

	s, err := NewStore("self-node", db, clk)
	require.NoError(t, err)
	require.NoError(t, s.PutInfrastructure(InfrastructureEntry{
		ID: "amsix", Name: "AMS-IX", FacilityType: "ixp",
		Latitude: 52.3034, Longitude: 4.9390,
	}))
	first := s.Infrastructure()
	require.Len(t, first, 1)
	require.NoError(t, db.Close())

	db2, err := OpenBadger(dir)
	require.NoError(t, err)
	defer db2.Close()

	s2, err := NewStore("self-node", db2, clk)
	require.NoError(t, err)
	infra := s2.Infrastructure()
	require.Len(t, infra, 1)
	assert.Equal(t, "AMS-IX", infra[0].Name)
	assert.Equal(t, first[0].FirstSeen, infra[0].FirstSeen)
}

func TestDecayFactor(t *testing.T) {
	now := time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC)

	fresh := now.Add(-time.Minute).UnixMilli()
	assert.Equal(t, 1.0, DecayFactor(fresh, now))

	halfway := now.Add(-(decayStart + (decayFull-decayStart)/2)).UnixMilli()
	assert.InDelta(t, 0.5, DecayFactor(halfway, now), 0.01)

	gone := now.Add(-61 * time.Minute).UnixMilli()
	assert.Equal(t, 0.0, DecayFactor(gone, now))
}

func TestMergeRejectsInvalid(t *testing.T) {
	s, _ := newTestStore(t)

	_, err := s.MergePeer(record.PeerRecord{})
	require.Error(t, err)

	_, err = s.MergeLink(record.LinkRecord{SourcePeerID: "a"})
	require.Error(t, err)

	_, err = s.MergeTrace(record.TracerouteRecord{TraceID: "t"})
	require.Error(t, err)
}
