package dnssec

import (
	"crypto/rand"
	"encoding/hex"
	"sort"
	"strings"

	"github.com/miekg/dns"
)

// NSEC3Config controls how a zone's NSEC3 chain is built. The defaults
// match RFC 5155's recommendation against unnecessary iterations: opt-out
// and heavy iteration counts buy little resistance to zone enumeration
// once resolvers can just walk answered names, and they cost CPU on every
// signing pass.
type NSEC3Config struct {
	HashAlgorithm uint8
	Iterations    uint16
	Salt          string
	OptOut        bool
}

// DefaultNSEC3Config returns SHA-1 hashing (the only algorithm defined by
// RFC 5155), zero extra iterations, and no salt.
func DefaultNSEC3Config() NSEC3Config {
	return NSEC3Config{
		HashAlgorithm: 1,
		Iterations:    0,
	}
}

// GenerateNSEC3Salt returns n random bytes hex-encoded, suitable for
// NSEC3Config.Salt. A request for zero bytes yields an empty (unsalted)
// chain, which is a valid and common configuration.
func GenerateNSEC3Salt(n int) (string, error) {
	if n == 0 {
		return "", nil
	}
	buf := make([]byte, n)
	if _, err := rand.Read(buf); err != nil {
		return "", err
	}
	return hex.EncodeToString(buf), nil
}

// nsec3Name computes the owner name of the NSEC3 record covering name
// within zone: the base32hex hash of name, prefixed to zone.
func nsec3Name(name, zone string, cfg NSEC3Config) string {
	hashed := dns.HashName(name, cfg.HashAlgorithm, cfg.Iterations, cfg.Salt)
	return hashed + "." + zone
}

// buildNSEC3Chain produces one NSEC3 record per owner name in owners (each
// already a fully-qualified name within zone, typically every node that
// holds data plus every delegation cut), covering each to its successor in
// hashed order. types maps an owner name to the RR type bitmap to publish
// at its hashed node.
func buildNSEC3Chain(owners []string, zone string, cfg NSEC3Config, types map[string][]uint16, ttl uint32) []*dns.NSEC3 {
	type hashedOwner struct {
		original string
		hashed   string
	}
	hashedOwners := make([]hashedOwner, 0, len(owners))
	seen := make(map[string]bool)
	for _, o := range owners {
		h := dns.HashName(o, cfg.HashAlgorithm, cfg.Iterations, cfg.Salt)
		if seen[h] {
			continue
		}
		seen[h] = true
		hashedOwners = append(hashedOwners, hashedOwner{original: o, hashed: h})
	}
	sort.Slice(hashedOwners, func(i, j int) bool { return hashedOwners[i].hashed < hashedOwners[j].hashed })

	flags := uint8(0)
	if cfg.OptOut {
		flags = 1
	}

	out := make([]*dns.NSEC3, 0, len(hashedOwners))
	for i, ho := range hashedOwners {
		next := hashedOwners[(i+1)%len(hashedOwners)].hashed
		rr := &dns.NSEC3{
			Hdr: dns.RR_Header{
				Name:   strings.ToUpper(ho.hashed) + "." + zone,
				Rrtype: dns.TypeNSEC3,
				Class:  dns.ClassINET,
				Ttl:    ttl,
			},
			Hash:       cfg.HashAlgorithm,
			Flags:      flags,
			Iterations: cfg.Iterations,
			SaltLength: uint8(len(cfg.Salt) / 2),
			Salt:       cfg.Salt,
			HashLength: uint8(len(next)),
			NextDomain: strings.ToUpper(next),
		}
		rr.TypeBitMap = types[ho.original]
		out = append(out, rr)
	}
	return out
}

// FindNSec3ProofOfNonExistenceNxDomain locates the NSEC3 records proving
// qname doesn't exist: the record whose hashed owner directly covers
// qname's hash, plus (if an ancestor is a wildcard-capable node) the
// record covering the synthesized wildcard's hash, per RFC 5155 §7.2.3.
func FindNSec3ProofOfNonExistenceNxDomain(chain []*dns.NSEC3, qname, zone string, cfg NSEC3Config) []dns.RR {
	covering := nsec3Covering(chain, qname, cfg)
	if covering == nil {
		return nil
	}
	out := []dns.RR{covering}
	wildcard := "*." + parentOf(qname)
	if wc := nsec3Covering(chain, wildcard, cfg); wc != nil && wc != covering {
		out = append(out, wc)
	}
	return out
}

// FindNSec3ProofOfNonExistenceNoData returns the NSEC3 record for qname
// itself (it exists, just not with the queried type).
func FindNSec3ProofOfNonExistenceNoData(chain []*dns.NSEC3, qname string, cfg NSEC3Config) []dns.RR {
	hashed := strings.ToUpper(dns.HashName(qname, cfg.HashAlgorithm, cfg.Iterations, cfg.Salt))
	for _, rr := range chain {
		if strings.EqualFold(strings.SplitN(rr.Hdr.Name, ".", 2)[0], hashed) {
			return []dns.RR{rr}
		}
	}
	return nil
}

// FindNSec3ProofOfNonExistenceWildcard returns the NSEC3 record covering
// qname itself, proving the name has no exact match of its own and that
// the answer was legitimately synthesized from the wildcard, per RFC 5155
// §7.2.6.
func FindNSec3ProofOfNonExistenceWildcard(chain []*dns.NSEC3, qname, zone string, cfg NSEC3Config) []dns.RR {
	if covering := nsec3Covering(chain, qname, cfg); covering != nil {
		return []dns.RR{covering}
	}
	return nil
}

func nsec3Covering(chain []*dns.NSEC3, name string, cfg NSEC3Config) *dns.NSEC3 {
	hashed := dns.HashName(name, cfg.HashAlgorithm, cfg.Iterations, cfg.Salt)
	for _, rr := range chain {
		owner := strings.ToUpper(strings.SplitN(rr.Hdr.Name, ".", 2)[0])
		next := strings.ToUpper(rr.NextDomain)
		h := strings.ToUpper(hashed)
		if owner < next {
			if h > owner && h < next {
				return rr
			}
		} else {
			// wraps past the end of the chain back to the beginning
			if h > owner || h < next {
				return rr
			}
		}
	}
	return nil
}

func parentOf(name string) string {
	labels := dns.SplitDomainName(name)
	if len(labels) <= 1 {
		return "."
	}
	return dns.Fqdn(strings.Join(labels[1:], "."))
}
