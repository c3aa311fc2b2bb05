package privacy

import (
	"fmt"
	"testing"
	"time"

	"github.com/benbjohnson/clock"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/haimish/haimesh/core/geo"
	"github.com/haimish/haimesh/core/record"
)

type memStore struct {
	data []byte
}

func (s *memStore) LoadSettings() ([]byte, error) { return s.data, nil }
func (s *memStore) SaveSettings(d []byte) error   { s.data = d; return nil }

func newTestManager(t *testing.T, clk clock.Clock) (*Manager, *memStore) {
	t.Helper()
	st := &memStore{}
	m, err := NewManager("peer-abc", st, clk)
	require.NoError(t, err)
	return m, st
}

func TestCooldownEnforced(t *testing.T) {
	clk := clock.NewMock()
	m, _ := newTestManager(t, clk)

	s := m.Settings()
	s.AnonymousMode = true
	require.NoError(t, m.Update(s, false))

	// Immediately after a change the next one is refused.
	s.AnonymousMode = false
	err := m.Update(s, false)
	require.Error(t, err)
	require.ErrorIs(t, err, ErrCooldownActive)

	var ce *CooldownError
	require.ErrorAs(t, err, &ce)
	assert.InDelta(t, ChangeCooldown, ce.Remaining, float64(time.Minute))

	// One minute before expiry, still locked.
	clk.Add(ChangeCooldown - time.Minute)
	_, remaining := m.CanChange()
	assert.InDelta(t, time.Minute, remaining, float64(time.Second))
	require.ErrorIs(t, m.Update(s, false), ErrCooldownActive)

	// At expiry the change goes through.
	clk.Add(time.Minute)
	require.NoError(t, m.Update(s, false))
}

func TestCooldownSurvivesRestart(t *testing.T) {
	clk := clock.NewMock()
	m, st := newTestManager(t, clk)

	require.NoError(t, m.Update(DefaultSettings(), false))

	// A new manager over the same store inherits the lock.
	m2, err := NewManager("peer-abc", st, clk)
	require.NoError(t, err)
	ok, remaining := m2.CanChange()
	assert.False(t, ok)
	assert.Greater(t, remaining, time.Duration(0))
}

func TestForceBypassesCooldown(t *testing.T) {
	clk := clock.NewMock()
	m, _ := newTestManager(t, clk)
	require.NoError(t, m.Update(DefaultSettings(), false))
	require.NoError(t, m.Update(DefaultSettings(), true))
}

func TestAnonymousIDStable(t *testing.T) {
	m, _ := newTestManager(t, clock.NewMock())
	id := m.AnonymousID()
	assert.Equal(t, id, m.AnonymousID())
	assert.Regexp(t, `^anon_[0-9a-f]{12}$`, id)
	assert.NotContains(t, id, "peer-abc")

	s := m.Settings()
	s.AnonymousMode = true
	require.NoError(t, m.Update(s, true))
	assert.Equal(t, id, m.DisplayName("Living Room Node"))
}

func TestFuzzWithinRadiusAndStable(t *testing.T) {
	m, _ := newTestManager(t, clock.NewMock())
	lat, lon := 52.5200, 13.4050

	loc := m.ShareableLocation(lat, lon)
	require.NotNil(t, loc)

	d := geo.HaversineKm(lat, lon, loc.Latitude, loc.Longitude)
	assert.LessOrEqual(t, d, DefaultFuzzKm)
	assert.Greater(t, d, 0.0)

	// Same offset every time, or repeated announcements would average out
	// to the true location.
	again := m.ShareableLocation(lat, lon)
	assert.Equal(t, loc, again)
}

func TestFuzzBoundHoldsAcrossIdentities(t *testing.T) {
	// The offset is seeded per peer identity; no seed may land outside
	// the configured radius.
	lat, lon := 52.5200, 13.4050
	for i := 0; i < 5000; i++ {
		m, err := NewManager(fmt.Sprintf("peer-%d", i), nil, clock.NewMock())
		require.NoError(t, err)

		loc := m.ShareableLocation(lat, lon)
		require.NotNil(t, loc)
		d := geo.HaversineKm(lat, lon, loc.Latitude, loc.Longitude)
		require.LessOrEqualf(t, d, DefaultFuzzKm, "peer-%d displaced %f km", i, d)
	}
}

func TestShareableLocationPolicies(t *testing.T) {
	clk := clock.NewMock()
	m, _ := newTestManager(t, clk)

	s := m.Settings()
	s.ShareLocation = false
	require.NoError(t, m.Update(s, true))
	assert.Nil(t, m.ShareableLocation(1, 2))

	s.ShareLocation = true
	s.ShareExactLocation = true
	require.NoError(t, m.Update(s, true))
	loc := m.ShareableLocation(1, 2)
	require.NotNil(t, loc)
	assert.Equal(t, record.Location{Latitude: 1, Longitude: 2}, *loc)
}

func TestFilterOutbound(t *testing.T) {
	m, _ := newTestManager(t, clock.NewMock())
	s := m.Settings()
	s.AnonymousMode = true
	s.ShareHostname = false
	require.NoError(t, m.Update(s, true))

	in := record.PeerRecord{
		PeerID:      "peer-abc",
		DisplayName: "Living Room Node",
		PublicIP:    "198.51.100.7",
		Stats:       record.PeerStats{TracerouteCount: 5},
	}
	out := m.FilterOutbound(in, 52.52, 13.405, true)

	assert.Equal(t, m.AnonymousID(), out.DisplayName)
	assert.Empty(t, out.PublicIP)
	require.NotNil(t, out.Location)
	assert.NotEqual(t, 52.52, out.Location.Latitude)
	assert.True(t, out.Sharing.Anonymous)
	assert.Equal(t, int64(5), out.Stats.TracerouteCount)

	// Input untouched.
	assert.Equal(t, "Living Room Node", in.DisplayName)
}

func TestLevel(t *testing.T) {
	s := DefaultSettings()
	assert.Equal(t, LevelLocationOnly, s.Level())

	s.ShareExactLocation = true
	assert.Equal(t, LevelFullShare, s.Level())

	s.AnonymousMode = true
	assert.Equal(t, LevelAnonymous, s.Level())

	s = Settings{}
	assert.Equal(t, LevelReceiveOnly, s.Level())
}
