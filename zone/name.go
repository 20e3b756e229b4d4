package zone

import (
	"strings"

	"github.com/miekg/dns"
)

// canonicalLabels returns name's labels in descending-specificity order
// reversed into tree-descent order, i.e. root-first: "www.example.com."
// becomes ["com", "example", "www"]. This is the order the Zone Tree
// descends in, matching canonical DNS ordering for sibling comparison.
func canonicalLabels(name string) []string {
	labels := dns.SplitDomainName(name)
	reversed := make([]string, len(labels))
	for i, l := range labels {
		reversed[len(labels)-1-i] = strings.ToLower(l)
	}
	return reversed
}

// isInBailiwick reports whether name is equal to or a descendant of zone.
func isInBailiwick(name, zone string) bool {
	name = dns.Fqdn(strings.ToLower(name))
	zone = dns.Fqdn(strings.ToLower(zone))
	if name == zone {
		return true
	}
	return strings.HasSuffix(name, "."+zone)
}

// joinLabels reassembles a root-first label slice (as produced by
// canonicalLabels) back into an FQDN.
func joinLabels(labels []string) string {
	if len(labels) == 0 {
		return "."
	}
	out := make([]string, len(labels))
	for i, l := range labels {
		out[len(labels)-1-i] = l
	}
	return dns.Fqdn(strings.Join(out, "."))
}
