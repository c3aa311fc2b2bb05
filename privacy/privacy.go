// Package privacy enforces the node owner's sharing choices before anything
// leaves the machine: location fuzzing, anonymous identity, outbound record
// filtering, and the change cooldown that prevents toggle-based deanonymization.
package privacy

import (
	"crypto/sha256"
	"encoding/binary"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"math"
	"math/rand"
	"sync"
	"time"

	"github.com/benbjohnson/clock"
	logging "github.com/ipfs/go-log/v2"

	"github.com/haimish/haimesh/core/geo"
	"github.com/haimish/haimesh/core/record"
)

var log = logging.Logger("haimesh/privacy")

// Privacy levels derived from the active settings.
const (
	LevelFullShare    = "full"
	LevelAnonymous    = "anonymous"
	LevelLocationOnly = "location_only"
	LevelReceiveOnly  = "receive_only"
)

const (
	// DefaultFuzzKm is the displacement radius applied when exact location
	// sharing is off.
	DefaultFuzzKm = 10.0

	// ChangeCooldown limits privacy toggling. Rapid on/off cycles would let
	// an observer correlate the fuzzed and exact locations.
	ChangeCooldown = 24 * time.Hour
)

// ErrCooldownActive is the sentinel wrapped by CooldownError.
var ErrCooldownActive = errors.New("privacy change cooldown active")

// CooldownError reports how long until settings may change again.
type CooldownError struct {
	Remaining time.Duration
}

func (e *CooldownError) Error() string {
	return fmt.Sprintf("privacy settings locked for another %s", e.Remaining.Round(time.Minute))
}

func (e *CooldownError) Unwrap() error { return ErrCooldownActive }

// Settings are the owner's sharing choices. They persist across restarts,
// including the last-change timestamp so the cooldown survives a reboot.
type Settings struct {
	ShareLocation      bool    `json:"share_location"`
	ShareExactLocation bool    `json:"share_exact_location"`
	LocationFuzzKm     float64 `json:"location_fuzzing_km"`
	ShareHostname      bool    `json:"share_hostname"`
	ShareTraceroutes   bool    `json:"share_traceroutes"`
	AnonymousMode      bool    `json:"anonymous_mode"`
	LeaderboardVisible bool    `json:"leaderboard_visible"`
	LastChange         int64   `json:"last_privacy_change"` // unix milliseconds, 0 = never
}

// DefaultSettings share a fuzzed location, the public address and
// traceroutes. Exact coordinates stay private. The address is shared by
// default because peers can only measure nodes they can reach.
func DefaultSettings() Settings {
	return Settings{
		ShareLocation:      true,
		ShareExactLocation: false,
		LocationFuzzKm:     DefaultFuzzKm,
		ShareHostname:      true,
		ShareTraceroutes:   true,
		AnonymousMode:      false,
		LeaderboardVisible: true,
	}
}

// Contributing reports whether this node shares anything. Non-contributing
// nodes only get the aggregate view.
func (s Settings) Contributing() bool {
	return s.ShareLocation || s.ShareTraceroutes
}

// Level classifies the settings for display.
func (s Settings) Level() string {
	switch {
	case !s.Contributing():
		return LevelReceiveOnly
	case s.AnonymousMode:
		return LevelAnonymous
	case s.ShareExactLocation && s.ShareTraceroutes:
		return LevelFullShare
	default:
		return LevelLocationOnly
	}
}

// SettingsStore persists settings between runs. Load returns nil with no
// error when nothing has been stored yet.
type SettingsStore interface {
	LoadSettings() ([]byte, error)
	SaveSettings(data []byte) error
}

// Manager applies the settings to outbound data. Safe for concurrent use.
type Manager struct {
	peerID string
	store  SettingsStore
	clock  clock.Clock

	mu       sync.RWMutex
	settings Settings
	anonID   string
}

// NewManager restores persisted settings, falling back to the defaults for
// a first run.
func NewManager(peerID string, store SettingsStore, clk clock.Clock) (*Manager, error) {
	if clk == nil {
		clk = clock.New()
	}
	m := &Manager{
		peerID:   peerID,
		store:    store,
		clock:    clk,
		settings: DefaultSettings(),
	}
	if store != nil {
		data, err := store.LoadSettings()
		if err != nil {
			return nil, fmt.Errorf("load privacy settings: %w", err)
		}
		if data != nil {
			if err := json.Unmarshal(data, &m.settings); err != nil {
				return nil, fmt.Errorf("decode privacy settings: %w", err)
			}
		}
	}
	return m, nil
}

// Settings returns a copy of the active settings.
func (m *Manager) Settings() Settings {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.settings
}

// CanChange reports whether the cooldown has elapsed and, when it has not,
// how long remains.
func (m *Manager) CanChange() (bool, time.Duration) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.canChangeLocked()
}

func (m *Manager) canChangeLocked() (bool, time.Duration) {
	if m.settings.LastChange == 0 {
		return true, 0
	}
	elapsed := m.clock.Now().Sub(time.UnixMilli(m.settings.LastChange))
	if elapsed >= ChangeCooldown {
		return true, 0
	}
	return false, ChangeCooldown - elapsed
}

// Update replaces the settings, enforcing the cooldown unless force is set
// (initial setup only). The change timestamp is stamped and persisted.
func (m *Manager) Update(next Settings, force bool) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if !force {
		if ok, remaining := m.canChangeLocked(); !ok {
			return &CooldownError{Remaining: remaining}
		}
	}

	next.LastChange = m.clock.Now().UnixMilli()
	if next.LocationFuzzKm <= 0 {
		next.LocationFuzzKm = DefaultFuzzKm
	}
	m.settings = next

	if m.store != nil {
		data, err := json.Marshal(next)
		if err != nil {
			return fmt.Errorf("encode privacy settings: %w", err)
		}
		if err := m.store.SaveSettings(data); err != nil {
			return fmt.Errorf("persist privacy settings: %w", err)
		}
	}
	log.Infow("privacy settings updated", "level", next.Level())
	return nil
}

// AnonymousID derives a stable pseudonym from the peer identity. It cannot
// be reversed to the peer ID.
func (m *Manager) AnonymousID() string {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.anonID == "" {
		sum := sha256.Sum256([]byte("haimesh_anon_" + m.peerID))
		m.anonID = "anon_" + hex.EncodeToString(sum[:])[:12]
	}
	return m.anonID
}

// DisplayName returns the name to advertise.
func (m *Manager) DisplayName(realName string) string {
	if m.Settings().AnonymousMode {
		return m.AnonymousID()
	}
	return realName
}

// ShareableLocation applies the location policy: nil when sharing is off,
// exact when permitted, fuzzed otherwise. The fuzz offset is derived from
// the peer identity so the advertised point is stable; a fresh offset on
// every announcement would average out to the true location.
func (m *Manager) ShareableLocation(lat, lon float64) *record.Location {
	s := m.Settings()
	if !s.ShareLocation {
		return nil
	}
	if s.ShareExactLocation {
		return &record.Location{Latitude: lat, Longitude: lon}
	}
	flat, flon := m.fuzz(lat, lon, s.LocationFuzzKm)
	return &record.Location{Latitude: flat, Longitude: flon}
}

func (m *Manager) fuzz(lat, lon, radiusKm float64) (float64, float64) {
	sum := sha256.Sum256([]byte("haimesh_fuzz_" + m.peerID))
	rng := rand.New(rand.NewSource(int64(binary.BigEndian.Uint64(sum[:8]))))
	bearing := rng.Float64() * 2 * math.Pi
	// sqrt keeps the displacement uniform over the disc, not clustered at
	// the center.
	distance := radiusKm * math.Sqrt(rng.Float64())
	return geo.Displace(lat, lon, distance, bearing)
}

// FilterOutbound rewrites a self announcement so only permitted fields
// leave the node. The input is not modified.
func (m *Manager) FilterOutbound(rec record.PeerRecord, lat, lon float64, haveLocation bool) record.PeerRecord {
	s := m.Settings()

	out := rec
	out.DisplayName = m.DisplayName(rec.DisplayName)
	out.Location = nil
	if haveLocation {
		out.Location = m.ShareableLocation(lat, lon)
	}
	if !s.ShareHostname {
		out.PublicIP = ""
		out.PublicPort = 0
	}
	out.Sharing = record.SharingFlags{
		ShareLocation:    s.ShareLocation,
		Anonymous:        s.AnonymousMode,
		ShareTraceroutes: s.ShareTraceroutes,
	}
	if !s.LeaderboardVisible {
		out.Stats = record.PeerStats{}
	}
	return out
}

// AllowSelfPublish reports whether this node's own record may leave the
// node at all. Anonymous mode withholds it entirely; the node keeps
// receiving the map but contributes nothing about itself.
func (m *Manager) AllowSelfPublish() bool {
	return !m.Settings().AnonymousMode
}

// AllowTraceroutePublish gates outbound traceroute records. Anonymous
// mode wins over the sharing flag.
func (m *Manager) AllowTraceroutePublish() bool {
	s := m.Settings()
	return s.ShareTraceroutes && !s.AnonymousMode
}
