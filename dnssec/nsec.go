package dnssec

import (
	"sort"
	"strings"

	"github.com/miekg/dns"
)

// canonicalLess orders two owner names per RFC 4034 §6.1's canonical
// ordering: compare whole names label-by-label from the rightmost (TLD)
// label inward, each label compared byte-for-byte after lowercasing.
func canonicalLess(a, b string) bool {
	la := reverseLabels(a)
	lb := reverseLabels(b)
	for i := 0; i < len(la) && i < len(lb); i++ {
		if la[i] != lb[i] {
			return la[i] < lb[i]
		}
	}
	return len(la) < len(lb)
}

func reverseLabels(name string) []string {
	labels := dns.SplitDomainName(strings.ToLower(name))
	out := make([]string, len(labels))
	for i, l := range labels {
		out[i] = l
	}
	// SplitDomainName already returns left-to-right; reverse for
	// rightmost-label-first comparison.
	for i, j := 0, len(out)-1; i < j; i, j = i+1, j-1 {
		out[i], out[j] = out[j], out[i]
	}
	return out
}

// buildNSECChain produces one NSEC record per owner name in owners (sorted
// into canonical order), each pointing at its successor and carrying the
// type bitmap for the types actually present at that owner.
func buildNSECChain(owners []string, types map[string][]uint16, ttl uint32) []*dns.NSEC {
	sorted := append([]string(nil), owners...)
	sort.Slice(sorted, func(i, j int) bool { return canonicalLess(sorted[i], sorted[j]) })

	out := make([]*dns.NSEC, 0, len(sorted))
	for i, owner := range sorted {
		next := sorted[(i+1)%len(sorted)]
		bitmap := append([]uint16(nil), types[owner]...)
		bitmap = append(bitmap, dns.TypeNSEC, dns.TypeRRSIG)
		sort.Slice(bitmap, func(a, b int) bool { return bitmap[a] < bitmap[b] })
		out = append(out, &dns.NSEC{
			Hdr: dns.RR_Header{
				Name:   owner,
				Rrtype: dns.TypeNSEC,
				Class:  dns.ClassINET,
				Ttl:    ttl,
			},
			NextDomain: next,
			TypeBitMap: bitmap,
		})
	}
	return out
}

// FindNSecProofOfNonExistenceNxDomain returns the NSEC record whose owner
// precedes qname and whose NextDomain succeeds it, proving no name exists
// between them, plus the record covering the closest encloser's wildcard
// (if any ancestor could have synthesized one), per RFC 4035 §3.1.3.
func FindNSecProofOfNonExistenceNxDomain(chain []*dns.NSEC, qname string) []dns.RR {
	covering := nsecCovering(chain, qname)
	if covering == nil {
		return nil
	}
	out := []dns.RR{covering}
	wildcard := "*." + parentOf(qname)
	if wc := nsecCovering(chain, wildcard); wc != nil && wc != covering {
		out = append(out, wc)
	}
	return out
}

// FindNSecProofOfNonExistenceNoData returns the NSEC record at qname
// itself, whose type bitmap omits the queried type.
func FindNSecProofOfNonExistenceNoData(chain []*dns.NSEC, qname string) []dns.RR {
	for _, rr := range chain {
		if strings.EqualFold(rr.Hdr.Name, qname) {
			return []dns.RR{rr}
		}
	}
	return nil
}

// FindNSecProofOfNonExistenceWildcard returns the record covering qname
// itself, proving the name has no exact match of its own and that the
// answer was legitimately synthesized from the wildcard, per RFC 4035
// §3.1.3.3.
func FindNSecProofOfNonExistenceWildcard(chain []*dns.NSEC, qname string) []dns.RR {
	if covering := nsecCovering(chain, qname); covering != nil {
		return []dns.RR{covering}
	}
	return nil
}

func nsecCovering(chain []*dns.NSEC, name string) *dns.NSEC {
	for _, rr := range chain {
		if strings.EqualFold(rr.Hdr.Name, name) {
			// An exact match isn't a covering record; callers asking for
			// coverage of an existing name want the NoData path instead.
			continue
		}
		if nameBetween(rr.Hdr.Name, name, rr.NextDomain) {
			return rr
		}
	}
	return nil
}

// nameBetween reports whether name falls in the canonical-order interval
// (owner, next), wrapping around if owner is the chain's last record
// (next == the chain's first owner).
func nameBetween(owner, name, next string) bool {
	if canonicalLess(owner, next) {
		return canonicalLess(owner, name) && canonicalLess(name, next)
	}
	// wraps past the end of the chain back to the beginning
	return canonicalLess(owner, name) || canonicalLess(name, next)
}
