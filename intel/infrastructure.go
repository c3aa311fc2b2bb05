package intel

import (
	"net/netip"
	"strings"
)

// Provider describes a known network operator keyed by ASN. Types: cloud,
// cdn, transit, isp, mobile.
type Provider struct {
	Name string
	Type string
}

// ixpPrefix maps an exchange fabric prefix to the exchange name. Sourced
// from PeeringDB and Euro-IX published fabric ranges.
var ixpPrefixes = map[string]string{
	// Europe
	"80.81.192.0/22":   "DE-CIX Frankfurt",
	"80.81.196.0/22":   "DE-CIX Frankfurt",
	"2001:7f8::/32":    "DE-CIX Frankfurt",
	"80.81.200.0/23":   "DE-CIX Munich",
	"80.81.202.0/23":   "DE-CIX Hamburg",
	"80.249.208.0/21":  "AMS-IX",
	"2001:7f8:1::/48":  "AMS-IX",
	"195.66.224.0/21":  "LINX LON1",
	"195.66.232.0/22":  "LINX LON2",
	"2001:7f8:4::/48":  "LINX LON1",
	"195.66.236.0/22":  "LINX Manchester",
	"5.57.80.0/22":     "LONAP",
	"37.49.236.0/22":   "France-IX Paris",
	"37.49.232.0/22":   "France-IX Marseille",
	"193.149.1.0/24":   "ESPANIX",
	"217.29.66.0/23":   "MIX Milan",
	"193.203.0.0/23":   "VIX Vienna",
	"91.206.52.0/23":   "SwissIX",
	"91.210.16.0/22":   "NIX.CZ",
	"195.182.218.0/23": "PLIX",
	"194.68.128.0/22":  "Netnod Stockholm",
	"195.208.208.0/21": "MSK-IX",
	"193.239.116.0/22": "NL-ix",
	"193.178.185.0/24": "BCIX",
	// North America
	"206.126.236.0/22": "Equinix Ashburn",
	"198.32.160.0/21":  "Equinix San Jose",
	"206.223.116.0/22": "Equinix Chicago",
	"206.223.118.0/23": "Equinix Los Angeles",
	"206.82.104.0/22":  "DE-CIX New York",
	"206.81.80.0/22":   "SIX Seattle",
	"198.32.118.0/24":  "NYIIX",
	"206.72.210.0/23":  "Any2 Exchange",
	"206.53.139.0/24":  "MICE",
	"206.108.34.0/24":  "TorIX",
	"198.179.19.0/24":  "QIX",
	// Asia-Pacific
	"210.171.224.0/23": "JPNAP Tokyo",
	"210.173.176.0/24": "JPIX Tokyo",
	"103.2.248.0/22":   "BBIX Tokyo",
	"103.16.102.0/23":  "Equinix Singapore",
	"103.52.68.0/22":   "SGIX",
	"202.40.161.0/24":  "HKIX",
	"121.189.0.0/24":   "KINX",
	"218.100.52.0/22":  "IX Australia Sydney",
	"192.203.154.0/24": "NZIX",
	// Latin America
	"187.16.192.0/21": "IX.br Sao Paulo",
	"187.16.200.0/21": "IX.br Rio de Janeiro",
	"200.68.240.0/22": "CABASE",
	// Middle East and Africa
	"185.1.60.0/22": "UAE-IX",
	"185.1.76.0/22": "DE-CIX Istanbul",
	"196.60.8.0/22": "NAPAfrica JHB",
	"196.6.220.0/22": "KIXP",
}

// providerASNs covers the major clouds, CDNs and tier-1 transit carriers a
// traceroute commonly crosses.
var providerASNs = map[string]Provider{
	// Cloud
	"15169":  {"Google", "cloud"},
	"396982": {"Google Cloud", "cloud"},
	"16509":  {"Amazon AWS", "cloud"},
	"14618":  {"Amazon AWS", "cloud"},
	"8075":   {"Microsoft Azure", "cloud"},
	"8068":   {"Microsoft", "cloud"},
	"32934":  {"Facebook/Meta", "cloud"},
	"714":    {"Apple", "cloud"},
	"36459":  {"GitHub", "cloud"},
	"14061":  {"DigitalOcean", "cloud"},
	"63949":  {"Linode/Akamai", "cloud"},
	"20473":  {"Vultr", "cloud"},
	"24940":  {"Hetzner", "cloud"},
	"51167":  {"Contabo", "cloud"},
	"16276":  {"OVH", "cloud"},
	"60781":  {"LeaseWeb", "cloud"},
	// CDN
	"13335": {"Cloudflare", "cdn"},
	"20940": {"Akamai", "cdn"},
	"54113": {"Fastly", "cdn"},
	"2906":  {"Netflix", "cdn"},
	// Transit
	"174":  {"Cogent", "transit"},
	"3356": {"Lumen/Level3", "transit"},
	"1299": {"Telia", "transit"},
	"2914": {"NTT", "transit"},
	"6762": {"Sparkle", "transit"},
	"3257": {"GTT", "transit"},
	"6461": {"Zayo", "transit"},
	"6939": {"Hurricane Electric", "transit"},
	"701":  {"Verizon", "transit"},
	"3491": {"PCCW Global", "transit"},
	"4134": {"China Telecom", "transit"},
	"5511": {"Orange", "transit"},
	"3320": {"Deutsche Telekom", "transit"},
	// ISP
	"2856":  {"BT", "isp"},
	"5089":  {"Virgin Media", "isp"},
	"13285": {"TalkTalk", "isp"},
	"5607":  {"Sky UK", "isp"},
	"7922":  {"Comcast", "isp"},
	"22773": {"Cox", "isp"},
	"577":   {"Bell Canada", "isp"},
}

// mobileASNs identifies mobile network operators. Traceroutes originating
// inside one of these networks are tagged as mobile.
var mobileASNs = map[string]Provider{
	// UK
	"12576": {"EE (UK)", "mobile"},
	"6871":  {"EE (UK)", "mobile"},
	"12703": {"Three UK", "mobile"},
	"60339": {"Three UK", "mobile"},
	"34848": {"Vodafone UK", "mobile"},
	"1273":  {"Vodafone UK", "mobile"},
	"25135": {"O2 UK", "mobile"},
	"5378":  {"O2 UK", "mobile"},
	"15706": {"Virgin Mobile UK", "mobile"},
	// US
	"7018":  {"AT&T Mobility", "mobile"},
	"20057": {"AT&T Mobility", "mobile"},
	"22394": {"Verizon Wireless", "mobile"},
	"6167":  {"Verizon Wireless", "mobile"},
	"21928": {"T-Mobile US", "mobile"},
	// Europe
	"6805":  {"Telefonica Germany", "mobile"},
	"8881":  {"Vodafone Germany", "mobile"},
	"12322": {"Free Mobile", "mobile"},
	"15557": {"SFR", "mobile"},
	// Rest of world
	"9498":  {"Bharti Airtel", "mobile"},
	"24560": {"Jio", "mobile"},
	"4788":  {"Telkomsel", "mobile"},
	"17974": {"Telstra Mobile", "mobile"},
	"7545":  {"Optus", "mobile"},
}

// cgnatRanges are carrier-grade NAT pools. A hop inside one of these is
// mobile or ISP backhaul addressing, never a routable endpoint.
var cgnatRanges = map[string]string{
	"100.64.0.0/10": "CGNAT",
	"90.192.0.0/11": "EE UK",
	"90.240.0.0/12": "EE UK",
	"86.128.0.0/10": "Three UK",
	"92.232.0.0/13": "Vodafone UK",
	"82.132.0.0/14": "O2 UK",
}

var (
	parsedIXPs  []prefixEntry
	parsedCGNAT []prefixEntry
)

type prefixEntry struct {
	prefix netip.Prefix
	name   string
}

func init() {
	for p, name := range ixpPrefixes {
		if pfx, err := netip.ParsePrefix(p); err == nil {
			parsedIXPs = append(parsedIXPs, prefixEntry{pfx, name})
		}
	}
	for p, name := range cgnatRanges {
		if pfx, err := netip.ParsePrefix(p); err == nil {
			parsedCGNAT = append(parsedCGNAT, prefixEntry{pfx, name})
		}
	}
}

func normalizeASN(asn string) string {
	return strings.TrimPrefix(strings.TrimSpace(asn), "AS")
}

// IXPName returns the exchange name if ip lies inside a known IXP fabric.
func IXPName(ip string) (string, bool) {
	addr, err := netip.ParseAddr(ip)
	if err != nil {
		return "", false
	}
	for _, e := range parsedIXPs {
		if e.prefix.Contains(addr) {
			return e.name, true
		}
	}
	return "", false
}

// ProviderFor returns the known operator for an ASN, with or without the
// "AS" prefix.
func ProviderFor(asn string) (Provider, bool) {
	key := normalizeASN(asn)
	if p, ok := providerASNs[key]; ok {
		return p, true
	}
	p, ok := mobileASNs[key]
	return p, ok
}

// IsMobileNetwork reports whether the ASN belongs to a mobile operator.
func IsMobileNetwork(asn string) bool {
	_, ok := mobileASNs[normalizeASN(asn)]
	return ok
}

// MobileCarrier identifies mobile infrastructure from an address or its ASN.
// CGNAT pool membership is checked first since those hops carry no useful
// ASN of their own.
func MobileCarrier(ip, asn string) (string, bool) {
	if addr, err := netip.ParseAddr(ip); err == nil {
		for _, e := range parsedCGNAT {
			if e.prefix.Contains(addr) {
				return e.name, true
			}
		}
	}
	if p, ok := mobileASNs[normalizeASN(asn)]; ok {
		return p.Name, true
	}
	return "", false
}

// IsPrivate reports whether ip is non-routable (private, loopback,
// link-local, multicast or unparseable).
func IsPrivate(ip string) bool {
	addr, err := netip.ParseAddr(ip)
	if err != nil {
		return true
	}
	return addr.IsPrivate() || addr.IsLoopback() || addr.IsLinkLocalUnicast() ||
		addr.IsLinkLocalMulticast() || addr.IsMulticast() || addr.IsUnspecified()
}
