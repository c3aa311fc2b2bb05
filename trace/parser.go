package trace

import (
	"regexp"
	"strconv"
	"strings"

	"github.com/haimish/haimesh/core/record"
)

// Unix traceroute line: " 1  192.168.1.1  0.425 ms"
var hopPattern = regexp.MustCompile(`^\s*(\d+)\s+(\S+)\s+(\d+\.?\d*)\s*ms`)

// Timed-out probe line: " 5  * * *" (or " 5  *" with -q 1)
var timeoutPattern = regexp.MustCompile(`^\s*(\d+)\s+\*`)

// parseOutput turns raw traceroute output into hops. Timed-out probes
// produce a hop with no address so hop numbering stays contiguous. Lines
// that match neither shape (the header, noise) are skipped.
func parseOutput(output string) []record.Hop {
	var hops []record.Hop
	for _, line := range strings.Split(strings.TrimSpace(output), "\n") {
		if m := hopPattern.FindStringSubmatch(line); m != nil {
			num, err := strconv.Atoi(m[1])
			if err != nil {
				continue
			}
			hop := record.Hop{HopNumber: num}
			if m[2] != "*" {
				hop.IPAddress = m[2]
				if rtt, err := strconv.ParseFloat(m[3], 64); err == nil {
					hop.RTTMs = &rtt
				}
			}
			hops = append(hops, hop)
			continue
		}
		if m := timeoutPattern.FindStringSubmatch(line); m != nil {
			num, err := strconv.Atoi(m[1])
			if err != nil {
				continue
			}
			hops = append(hops, record.Hop{HopNumber: num})
		}
	}
	return hops
}
