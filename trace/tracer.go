// Package trace runs system traceroutes and enriches each hop with
// geographic, ASN and infrastructure intelligence.
package trace

import (
	"context"
	"fmt"
	"net"
	"os/exec"
	"strconv"

	"github.com/benbjohnson/clock"
	"github.com/google/uuid"
	logging "github.com/ipfs/go-log/v2"

	"github.com/haimish/haimesh/core/record"
	"github.com/haimish/haimesh/intel"
	"github.com/haimish/haimesh/storage"
)

var log = logging.Logger("haimesh/trace")

// Config tunes traceroute execution.
type Config struct {
	// Binary is the traceroute executable. Defaults to "traceroute".
	Binary string
	// MaxHops caps the probe depth. Defaults to 30.
	MaxHops int
	// WaitSeconds is how long each probe waits for a reply. Defaults to 2.
	WaitSeconds int
}

func (c *Config) withDefaults() Config {
	out := Config{Binary: "traceroute", MaxHops: 30, WaitSeconds: 2}
	if c == nil {
		return out
	}
	if c.Binary != "" {
		out.Binary = c.Binary
	}
	if c.MaxHops > 0 {
		out.MaxHops = c.MaxHops
	}
	if c.WaitSeconds > 0 {
		out.WaitSeconds = c.WaitSeconds
	}
	return out
}

// Engine executes and enriches traceroutes for one node.
type Engine struct {
	selfID   string
	resolver *intel.Resolver
	clock    clock.Clock
	cfg      Config

	// OnInfrastructure fires when a hop resolves to a located IXP or
	// datacenter, so the store can keep it as a permanent landmark.
	OnInfrastructure func(storage.InfrastructureEntry)
}

// NewEngine builds a traceroute engine. resolver may be nil, in which
// case hops are recorded without enrichment.
func NewEngine(selfID string, resolver *intel.Resolver, clk clock.Clock, cfg *Config) *Engine {
	return &Engine{
		selfID:   selfID,
		resolver: resolver,
		clock:    clk,
		cfg:      cfg.withDefaults(),
	}
}

// Run traces the route to target (hostname or IP), enriches every hop and
// returns the finished record. A route where no hop answered is returned
// with an incomplete summary, not an error. Cancelling ctx kills the
// underlying process and discards the run.
func (e *Engine) Run(ctx context.Context, target string) (*record.TracerouteRecord, error) {
	start := e.clock.Now()

	rec := &record.TracerouteRecord{
		TraceID:      uuid.NewString(),
		SourcePeerID: e.selfID,
		CreatedAt:    start.UnixMilli(),
	}

	targetIP, err := resolveTarget(ctx, target)
	if err != nil {
		return nil, fmt.Errorf("resolve %s: %w", target, err)
	}
	rec.TargetIP = targetIP

	output, err := e.execTraceroute(ctx, targetIP)
	if err != nil {
		if ctx.Err() != nil {
			return nil, ctx.Err()
		}
		return nil, err
	}

	rec.Hops = parseOutput(output)
	e.enrich(ctx, rec.Hops)

	summary := record.BuildPathSummary(rec.Hops)
	rec.Summary = &summary
	rec.Success = summary.TotalHops > 0
	rec.TotalTimeMs = float64(e.clock.Now().Sub(start).Microseconds()) / 1000.0

	e.detectMobile(rec)

	if ctx.Err() != nil {
		return nil, ctx.Err()
	}
	return rec, nil
}

func (e *Engine) execTraceroute(ctx context.Context, targetIP string) (string, error) {
	cmd := exec.CommandContext(ctx, e.cfg.Binary,
		"-n",
		"-q", "1",
		"-m", strconv.Itoa(e.cfg.MaxHops),
		"-w", strconv.Itoa(e.cfg.WaitSeconds),
		targetIP,
	)
	out, err := cmd.Output()
	if err != nil && len(out) == 0 {
		return "", fmt.Errorf("traceroute to %s failed: %w", targetIP, err)
	}
	// Unreached targets exit non-zero but still print usable hops.
	return string(out), nil
}

// enrich resolves geo/ASN/infrastructure data per hop, sequentially so
// ASN and country transitions compare against the previous resolved hop.
// Lookup failures leave the hop bare.
func (e *Engine) enrich(ctx context.Context, hops []record.Hop) {
	if e.resolver == nil {
		return
	}

	var prevASN, prevCountry string
	for i := range hops {
		hop := &hops[i]
		if hop.IPAddress == "" {
			continue
		}

		res, err := e.resolver.Lookup(ctx, hop.IPAddress)
		if err != nil {
			log.Debugf("Enrichment lookup for hop %d (%s) failed: %v", hop.HopNumber, hop.IPAddress, err)
			continue
		}

		geo := res.Geo
		asn := res.ASN
		hop.Geo = &geo
		hop.ASN = &asn
		hop.Infrastructure = intel.Classify(hop.IPAddress, &asn)

		if prevASN != "" && asn.Number != "" && asn.Number != prevASN {
			hop.ASNTransition = true
		}
		if prevCountry != "" && geo.CountryCode != "" && geo.CountryCode != prevCountry {
			hop.CountryTransition = true
		}
		if asn.Number != "" {
			prevASN = asn.Number
		}
		if geo.CountryCode != "" {
			prevCountry = geo.CountryCode
		}

		e.reportInfrastructure(hop)
	}
}

// reportInfrastructure surfaces located IXPs and datacenters as permanent
// map landmarks.
func (e *Engine) reportInfrastructure(hop *record.Hop) {
	if e.OnInfrastructure == nil || hop.Infrastructure == nil || hop.Geo == nil {
		return
	}
	if hop.Geo.Latitude == 0 && hop.Geo.Longitude == 0 {
		return
	}

	facility := ""
	switch {
	case hop.Infrastructure.IsIXP:
		facility = "ixp"
	case hop.Infrastructure.IsDatacenter:
		facility = "datacenter"
	default:
		return
	}

	e.OnInfrastructure(storage.InfrastructureEntry{
		ID:           facility + ":" + hop.Infrastructure.Name,
		Name:         hop.Infrastructure.Name,
		FacilityType: facility,
		Latitude:     hop.Geo.Latitude,
		Longitude:    hop.Geo.Longitude,
		CountryCode:  hop.Geo.CountryCode,
		FirstSeen:    e.clock.Now().UnixMilli(),
	})
}

// detectMobile flags routes that traverse a mobile carrier network,
// recognized by carrier ASN or CGNAT address space in the first hops.
func (e *Engine) detectMobile(rec *record.TracerouteRecord) {
	for i := range rec.Hops {
		hop := &rec.Hops[i]
		if hop.IPAddress == "" {
			continue
		}
		var asnNum string
		if hop.ASN != nil {
			asnNum = hop.ASN.Number
		}
		if carrier, ok := intel.MobileCarrier(hop.IPAddress, asnNum); ok {
			rec.IsMobile = true
			rec.Carrier = carrier
			return
		}
	}
}

// resolveTarget turns a hostname or literal IP into a probe address,
// preferring IPv4.
func resolveTarget(ctx context.Context, target string) (string, error) {
	if ip := net.ParseIP(target); ip != nil {
		return target, nil
	}
	addrs, err := net.DefaultResolver.LookupIPAddr(ctx, target)
	if err != nil {
		return "", err
	}
	for _, addr := range addrs {
		if v4 := addr.IP.To4(); v4 != nil {
			return v4.String(), nil
		}
	}
	if len(addrs) > 0 {
		return addrs[0].IP.String(), nil
	}
	return "", fmt.Errorf("no addresses for %s", target)
}
