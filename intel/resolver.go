// Package intel resolves traceroute hop addresses into geolocation, network
// operator and infrastructure facts. Lookups go to ip-api.com, which allows
// 45 requests per minute without a key; results are cached for a week so a
// node rarely comes close to the limit in steady state.
package intel

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"regexp"
	"strings"
	"time"

	"github.com/hashicorp/golang-lru/v2/expirable"
	logging "github.com/ipfs/go-log/v2"
	"golang.org/x/time/rate"

	"github.com/haimish/haimesh/core/record"
)

var log = logging.Logger("haimesh/intel")

// ErrLookupFailed wraps every resolver failure: rate limiting, transport
// errors, and lookup rejections from the upstream service.
var ErrLookupFailed = errors.New("ip intelligence lookup failed")

const (
	defaultBaseURL    = "http://ip-api.com/json"
	defaultCacheSize  = 10000
	defaultCacheTTL   = 7 * 24 * time.Hour
	defaultRatePerMin = 45
	requestTimeout    = 10 * time.Second

	// One request answers geo and ASN together to halve quota use.
	queryFields = "status,message,country,countryCode,regionName,city,lat,lon,isp,org,as,mobile"
)

var asPattern = regexp.MustCompile(`^AS(\d+)\s*(.*)$`)

// Result is everything the resolver knows about one address.
type Result struct {
	Geo     record.GeoInfo
	ASN     record.ASNInfo
	Mobile  bool
	Private bool
}

// Config tunes the resolver. Zero values select the defaults above.
type Config struct {
	BaseURL    string
	CacheSize  int
	CacheTTL   time.Duration
	PerMinute  int
	HTTPClient *http.Client
}

// Resolver is safe for concurrent use.
type Resolver struct {
	baseURL string
	client  *http.Client
	cache   *expirable.LRU[string, *Result]
	limiter *rate.Limiter
}

// NewResolver builds a resolver with a fresh cache and rate limiter.
func NewResolver(cfg Config) *Resolver {
	if cfg.BaseURL == "" {
		cfg.BaseURL = defaultBaseURL
	}
	if cfg.CacheSize <= 0 {
		cfg.CacheSize = defaultCacheSize
	}
	if cfg.CacheTTL <= 0 {
		cfg.CacheTTL = defaultCacheTTL
	}
	if cfg.PerMinute <= 0 {
		cfg.PerMinute = defaultRatePerMin
	}
	if cfg.HTTPClient == nil {
		cfg.HTTPClient = &http.Client{Timeout: requestTimeout}
	}
	return &Resolver{
		baseURL: strings.TrimRight(cfg.BaseURL, "/"),
		client:  cfg.HTTPClient,
		cache:   expirable.NewLRU[string, *Result](cfg.CacheSize, nil, cfg.CacheTTL),
		limiter: rate.NewLimiter(rate.Every(time.Minute/time.Duration(cfg.PerMinute)), cfg.PerMinute),
	}
}

type apiResponse struct {
	Status      string  `json:"status"`
	Message     string  `json:"message"`
	Country     string  `json:"country"`
	CountryCode string  `json:"countryCode"`
	RegionName  string  `json:"regionName"`
	City        string  `json:"city"`
	Lat         float64 `json:"lat"`
	Lon         float64 `json:"lon"`
	ISP         string  `json:"isp"`
	Org         string  `json:"org"`
	AS          string  `json:"as"`
	Mobile      bool    `json:"mobile"`
}

// Lookup resolves a single address. Private and malformed addresses resolve
// locally without touching the network or the quota.
func (r *Resolver) Lookup(ctx context.Context, ip string) (*Result, error) {
	if IsPrivate(ip) {
		return &Result{
			Geo:     record.GeoInfo{City: "Private Network"},
			ASN:     record.ASNInfo{Name: "Private Network", ProviderType: "private"},
			Private: true,
		}, nil
	}

	if res, ok := r.cache.Get(ip); ok {
		return res, nil
	}

	if !r.limiter.Allow() {
		return nil, fmt.Errorf("rate limited resolving %s: %w", ip, ErrLookupFailed)
	}

	res, err := r.query(ctx, ip)
	if err != nil {
		log.Debugw("lookup failed", "ip", ip, "err", err)
		return nil, err
	}
	r.cache.Add(ip, res)
	return res, nil
}

func (r *Resolver) query(ctx context.Context, ip string) (*Result, error) {
	url := fmt.Sprintf("%s/%s?fields=%s", r.baseURL, ip, queryFields)
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return nil, fmt.Errorf("%s: %w", err, ErrLookupFailed)
	}
	resp, err := r.client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("%s: %w", err, ErrLookupFailed)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("status %d resolving %s: %w", resp.StatusCode, ip, ErrLookupFailed)
	}

	body, err := io.ReadAll(io.LimitReader(resp.Body, 1<<16))
	if err != nil {
		return nil, fmt.Errorf("%s: %w", err, ErrLookupFailed)
	}

	var api apiResponse
	if err := json.Unmarshal(body, &api); err != nil {
		return nil, fmt.Errorf("%s: %w", err, ErrLookupFailed)
	}
	if api.Status != "success" {
		return nil, fmt.Errorf("lookup rejected for %s (%s): %w", ip, api.Message, ErrLookupFailed)
	}

	res := &Result{
		Geo: record.GeoInfo{
			City:        api.City,
			Region:      api.RegionName,
			Country:     api.Country,
			CountryCode: api.CountryCode,
			Latitude:    api.Lat,
			Longitude:   api.Lon,
			ISP:         api.ISP,
		},
		Mobile: api.Mobile,
	}

	// "AS15169 Google LLC"
	if m := asPattern.FindStringSubmatch(api.AS); m != nil {
		res.ASN.Number = m[1]
		res.ASN.Name = strings.TrimSpace(m[2])
	}
	if res.ASN.Name == "" {
		res.ASN.Name = api.ISP
	}
	if p, ok := ProviderFor(res.ASN.Number); ok {
		res.ASN.ProviderType = p.Type
		if res.ASN.Name == "" {
			res.ASN.Name = p.Name
		}
	} else if api.Mobile {
		res.ASN.ProviderType = "mobile"
	}
	return res, nil
}

// Classify maps an address and its ASN to physical infrastructure. IXP
// fabric membership outranks provider type.
func Classify(ip string, asn *record.ASNInfo) *record.InfraInfo {
	if name, ok := IXPName(ip); ok {
		return &record.InfraInfo{IsIXP: true, Name: name}
	}
	if asn == nil || asn.Number == "" {
		return nil
	}
	p, ok := ProviderFor(asn.Number)
	if !ok {
		return nil
	}
	switch p.Type {
	case "cloud":
		return &record.InfraInfo{IsDatacenter: true, Name: p.Name}
	case "cdn":
		return &record.InfraInfo{IsDatacenter: true, Name: p.Name + " PoP"}
	default:
		return nil
	}
}
