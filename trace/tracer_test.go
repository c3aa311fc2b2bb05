package trace

import (
	"context"
	"testing"
	"time"

	"github.com/benbjohnson/clock"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/haimish/haimesh/core/record"
	"github.com/haimish/haimesh/storage"
)

func TestResolveTargetLiteralIP(t *testing.T) {
	ip, err := resolveTarget(context.Background(), "192.0.2.7")
	require.NoError(t, err)
	assert.Equal(t, "192.0.2.7", ip)
}

func TestConfigDefaults(t *testing.T) {
	cfg := (*Config)(nil).withDefaults()
	assert.Equal(t, "traceroute", cfg.Binary)
	assert.Equal(t, 30, cfg.MaxHops)
	assert.Equal(t, 2, cfg.WaitSeconds)

	cfg = (&Config{MaxHops: 10}).withDefaults()
	assert.Equal(t, "traceroute", cfg.Binary)
	assert.Equal(t, 10, cfg.MaxHops)
}

func TestDetectMobileCGNAT(t *testing.T) {
	e := NewEngine("node-a", nil, clock.NewMock(), nil)

	rec := &record.TracerouteRecord{
		Hops: []record.Hop{
			{HopNumber: 1, IPAddress: "192.168.1.1"},
			{HopNumber: 2, IPAddress: "100.64.12.1"},
			{HopNumber: 3, IPAddress: "8.8.8.8"},
		},
	}
	e.detectMobile(rec)
	assert.True(t, rec.IsMobile)
	assert.NotEmpty(t, rec.Carrier)
}

func TestDetectMobileNegative(t *testing.T) {
	e := NewEngine("node-a", nil, clock.NewMock(), nil)

	rec := &record.TracerouteRecord{
		Hops: []record.Hop{
			{HopNumber: 1, IPAddress: "192.168.1.1"},
			{HopNumber: 2, IPAddress: "203.0.113.1", ASN: &record.ASNInfo{Number: "64512"}},
		},
	}
	e.detectMobile(rec)
	assert.False(t, rec.IsMobile)
	assert.Empty(t, rec.Carrier)
}

func TestReportInfrastructure(t *testing.T) {
	clk := clock.NewMock()
	clk.Set(time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC))

	e := NewEngine("node-a", nil, clk, nil)

	var got []storage.InfrastructureEntry
	e.OnInfrastructure = func(entry storage.InfrastructureEntry) {
		got = append(got, entry)
	}

	e.reportInfrastructure(&record.Hop{
		HopNumber:      4,
		IPAddress:      "80.81.192.154",
		Geo:            &record.GeoInfo{Latitude: 50.11, Longitude: 8.68, CountryCode: "DE"},
		Infrastructure: &record.InfraInfo{IsIXP: true, Name: "DE-CIX Frankfurt"},
	})
	require.Len(t, got, 1)
	assert.Equal(t, "ixp", got[0].FacilityType)
	assert.Equal(t, "DE-CIX Frankfurt", got[0].Name)
	assert.Equal(t, clk.Now().UnixMilli(), got[0].FirstSeen)

	// Unlocated infrastructure is not reported.
	e.reportInfrastructure(&record.Hop{
		HopNumber:      5,
		IPAddress:      "198.32.176.20",
		Geo:            &record.GeoInfo{},
		Infrastructure: &record.InfraInfo{IsIXP: true, Name: "Somewhere"},
	})
	assert.Len(t, got, 1)
}
