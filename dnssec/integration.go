package dnssec

import (
	"fmt"
	"strings"
	"time"

	"github.com/miekg/dns"

	"github.com/Paul1404/DnsServer/zone"
)

// inceptionWindow and signatureLifetime bound every RRSIG this package
// mints. A one-hour backdated inception tolerates modest clock skew
// between this server and a validating resolver; seven days keeps
// re-signing frequent enough that a compromised key has a short useful
// window without making the background signing pass expensive.
const (
	inceptionWindow   = -1 * time.Hour
	signatureLifetime = 7 * 24 * time.Hour
)

// Sign implements zone.Signer. It (re)builds the full NSEC or NSEC3 proof
// chain for apex and signs every RRset, including the chain itself and
// the DNSKEY RRset, with the zone's currently active keys.
func (m *Manager) Sign(apex *zone.ApexZone, nsec3 bool) error {
	signer, err := m.EnsureSigner(apex.Name)
	if err != nil {
		return err
	}
	if err := m.unsignLocked(apex); err != nil {
		return err
	}
	if err := signer.signDNSKEYs(apex); err != nil {
		return err
	}
	if nsec3 {
		if err := signer.signWithNSEC3(apex, DefaultNSEC3Config()); err != nil {
			return err
		}
		apex.SetDNSSECStatus(zone.SignedWithNSEC3)
	} else {
		if err := signer.signWithNSEC(apex); err != nil {
			return err
		}
		apex.SetDNSSECStatus(zone.SignedWithNSEC)
	}
	return signer.signDataRRSets(apex)
}

// Unsign implements zone.Signer, stripping every DNSSEC record this
// package would have added back out of apex's tree.
func (m *Manager) Unsign(apex *zone.ApexZone) error {
	if err := m.unsignLocked(apex); err != nil {
		return err
	}
	apex.SetDNSSECStatus(zone.Unsigned)
	return nil
}

func (m *Manager) unsignLocked(apex *zone.ApexZone) error {
	walkZoneNodes(apex, func(n *zone.Node) {
		n.ClearType(dns.TypeRRSIG)
		n.ClearType(dns.TypeNSEC)
		n.ClearType(dns.TypeNSEC3)
		n.ClearType(dns.TypeNSEC3PARAM)
		n.ClearType(dns.TypeDNSKEY)
	})
	pruneEmptyHashNodes(apex.Node())
	return nil
}

// pruneEmptyHashNodes removes NSEC3 hash nodes left behind once their
// only record (the NSEC3 itself) has been cleared by unsignLocked. Only
// the apex's direct children are candidates, since that's where
// signWithNSEC3 roots them.
func pruneEmptyHashNodes(apexNode *zone.Node) {
	for _, label := range apexNode.ChildLabels() {
		c := apexNode.Child(label)
		if c == nil || !c.IsEmpty() {
			continue
		}
		apexNode.RemoveChild(label)
	}
}

// ConvertToNSEC implements zone.Signer by re-signing apex with an NSEC
// chain in place of whatever proof mechanism (if any) it currently uses.
func (m *Manager) ConvertToNSEC(apex *zone.ApexZone) error {
	return m.Sign(apex, false)
}

// ConvertToNSEC3 implements zone.Signer, the NSEC3 counterpart of
// ConvertToNSEC.
func (m *Manager) ConvertToNSEC3(apex *zone.ApexZone) error {
	return m.Sign(apex, true)
}

// GenerateKey implements zone.Signer.
func (m *Manager) GenerateKey(apex *zone.ApexZone, ksk bool) error {
	signer, err := m.EnsureSigner(apex.Name)
	if err != nil {
		return err
	}
	_, err = signer.GenerateKey(ksk)
	return err
}

// UpdateKey implements zone.Signer.
func (m *Manager) UpdateKey(apex *zone.ApexZone, keyTag uint16, active bool) error {
	signer, err := m.EnsureSigner(apex.Name)
	if err != nil {
		return err
	}
	return signer.UpdateKey(keyTag, active)
}

// RolloverKey implements zone.Signer.
func (m *Manager) RolloverKey(apex *zone.ApexZone, keyTag uint16) error {
	signer, err := m.EnsureSigner(apex.Name)
	if err != nil {
		return err
	}
	return signer.RolloverKey(keyTag)
}

// RetireKey implements zone.Signer.
func (m *Manager) RetireKey(apex *zone.ApexZone, keyTag uint16) error {
	signer, err := m.EnsureSigner(apex.Name)
	if err != nil {
		return err
	}
	return signer.RetireKey(keyTag)
}

// DeleteKey implements zone.Signer.
func (m *Manager) DeleteKey(apex *zone.ApexZone, keyTag uint16) error {
	signer, err := m.EnsureSigner(apex.Name)
	if err != nil {
		return err
	}
	return signer.DeleteKey(keyTag)
}

// walkZoneNodes visits every node in apex's subtree, stopping descent at
// delegation cuts, grounded the same way zonefile.collectRecords walks an
// apex's tree.
func walkZoneNodes(apex *zone.ApexZone, visit func(n *zone.Node)) {
	var walk func(n *zone.Node, isApexNode bool)
	walk = func(n *zone.Node, isApexNode bool) {
		visit(n)
		if !isApexNode && n.IsDelegation() {
			return
		}
		for _, label := range n.ChildLabels() {
			if c := n.Child(label); c != nil {
				walk(c, false)
			}
		}
	}
	walk(apex.Node(), true)
}

func (s *Signer) signDNSKEYs(apex *zone.ApexZone) error {
	node := apex.Node()
	node.ClearType(dns.TypeDNSKEY)
	for _, rr := range s.ActiveDNSKEYs() {
		node.AddRecord(zone.NewRecord(dns.Copy(rr), zone.GenericInfo{}))
	}
	keyset := node.RRSets(dns.TypeDNSKEY)
	if len(keyset) == 0 {
		return fmt.Errorf("dnssec: zone %s has no active keys to publish", apex.Name)
	}
	rrs := make([]dns.RR, 0, len(keyset))
	for _, r := range keyset {
		rrs = append(rrs, r.RR)
	}
	now := time.Now().UTC()
	sig, err := s.SignRRSet(rrs, true, now.Add(inceptionWindow), now.Add(signatureLifetime))
	if err != nil {
		return err
	}
	node.AddRecord(zone.NewRecord(sig, zone.GenericInfo{}))
	return nil
}

// signDataRRSets signs every ordinary RRset in apex's subtree (skipping
// the NSEC/NSEC3/DNSKEY types, which were already signed by their own
// dedicated step) with the zone's active ZSK.
func (s *Signer) signDataRRSets(apex *zone.ApexZone) error {
	now := time.Now().UTC()
	var signErr error
	walkZoneNodes(apex, func(n *zone.Node) {
		if signErr != nil {
			return
		}
		for rrtype, set := range n.AllRRSets() {
			if rrtype == dns.TypeNSEC || rrtype == dns.TypeNSEC3 || rrtype == dns.TypeDNSKEY || rrtype == dns.TypeRRSIG {
				continue
			}
			if len(set) == 0 {
				continue
			}
			rrs := make([]dns.RR, 0, len(set))
			for _, r := range set {
				if r.Disabled() {
					continue
				}
				rrs = append(rrs, r.RR)
			}
			if len(rrs) == 0 {
				continue
			}
			sig, err := s.SignRRSet(rrs, false, now.Add(inceptionWindow), now.Add(signatureLifetime))
			if err != nil {
				signErr = err
				return
			}
			n.AddRecord(zone.NewRecord(sig, zone.GenericInfo{}))
		}
	})
	return signErr
}

// signWithNSEC builds and signs the zone's NSEC chain.
func (s *Signer) signWithNSEC(apex *zone.ApexZone) error {
	owners := make([]string, 0)
	types := make(map[string][]uint16)
	ttl := uint32(3600)
	walkZoneNodes(apex, func(n *zone.Node) {
		name := n.Name()
		owners = append(owners, name)
		set := n.AllRRSets()
		bitmap := make([]uint16, 0, len(set))
		for t := range set {
			bitmap = append(bitmap, t)
		}
		types[name] = bitmap
		if soaSet := n.RRSets(dns.TypeSOA); len(soaSet) > 0 {
			ttl = soaSet[0].TTL()
		}
	})
	if len(owners) == 0 {
		return fmt.Errorf("dnssec: zone %s has no nodes to chain", apex.Name)
	}
	chain := buildNSECChain(owners, types, ttl)
	now := time.Now().UTC()
	byOwner := make(map[string]*dns.NSEC, len(chain))
	for _, rr := range chain {
		byOwner[rr.Hdr.Name] = rr
	}
	walkZoneNodes(apex, func(n *zone.Node) {
		rr, ok := byOwner[n.Name()]
		if !ok {
			return
		}
		n.AddRecord(zone.NewRecord(rr, zone.GenericInfo{}))
		sig, err := s.SignRRSet([]dns.RR{rr}, false, now.Add(inceptionWindow), now.Add(signatureLifetime))
		if err == nil {
			n.AddRecord(zone.NewRecord(sig, zone.GenericInfo{}))
		}
	})
	return nil
}

// signWithNSEC3 builds and signs the zone's NSEC3 chain, and publishes
// the NSEC3PARAM record at the apex per RFC 5155 §4.
func (s *Signer) signWithNSEC3(apex *zone.ApexZone, cfg NSEC3Config) error {
	owners := make([]string, 0)
	types := make(map[string][]uint16)
	ttl := uint32(3600)
	walkZoneNodes(apex, func(n *zone.Node) {
		name := n.Name()
		owners = append(owners, name)
		set := n.AllRRSets()
		bitmap := make([]uint16, 0, len(set))
		for t := range set {
			bitmap = append(bitmap, t)
		}
		types[name] = bitmap
		if soaSet := n.RRSets(dns.TypeSOA); len(soaSet) > 0 {
			ttl = soaSet[0].TTL()
		}
	})
	if len(owners) == 0 {
		return fmt.Errorf("dnssec: zone %s has no nodes to chain", apex.Name)
	}
	chain := buildNSEC3Chain(owners, apex.Name, cfg, types, ttl)
	now := time.Now().UTC()
	for _, rr := range chain {
		n := findOrCreateHashNode(apex, rr.Hdr.Name)
		n.AddRecord(zone.NewRecord(rr, zone.GenericInfo{}))
		sig, err := s.SignRRSet([]dns.RR{rr}, false, now.Add(inceptionWindow), now.Add(signatureLifetime))
		if err == nil {
			n.AddRecord(zone.NewRecord(sig, zone.GenericInfo{}))
		}
	}

	param := &dns.NSEC3PARAM{
		Hdr: dns.RR_Header{
			Name:   apex.Name,
			Rrtype: dns.TypeNSEC3PARAM,
			Class:  dns.ClassINET,
			Ttl:    ttl,
		},
		Hash:       cfg.HashAlgorithm,
		Flags:      0,
		Iterations: cfg.Iterations,
		SaltLength: uint8(len(cfg.Salt) / 2),
		Salt:       cfg.Salt,
	}
	apex.Node().AddRecord(zone.NewRecord(param, zone.GenericInfo{}))
	sig, err := s.SignRRSet([]dns.RR{param}, false, now.Add(inceptionWindow), now.Add(signatureLifetime))
	if err != nil {
		return err
	}
	apex.Node().AddRecord(zone.NewRecord(sig, zone.GenericInfo{}))
	return nil
}

// NXDomainProof implements zone.ProofProvider, returning the signed
// NSEC or NSEC3 RRs (depending on apex's current signing mode) proving
// qname does not exist.
func (m *Manager) NXDomainProof(apex *zone.ApexZone, qname string, closest *zone.Node) []dns.RR {
	switch apex.DNSSECStatus() {
	case zone.SignedWithNSEC:
		chain, sigs := collectNSECChain(apex)
		return withSignatures(FindNSecProofOfNonExistenceNxDomain(chain, qname), sigs)
	case zone.SignedWithNSEC3:
		chain, sigs := collectNSEC3Chain(apex)
		return withSignatures(FindNSec3ProofOfNonExistenceNxDomain(chain, qname, apex.Name, DefaultNSEC3Config()), sigs)
	default:
		return nil
	}
}

// NoDataProof implements zone.ProofProvider, returning the proof that
// node exists but holds no record of qtype.
func (m *Manager) NoDataProof(apex *zone.ApexZone, node *zone.Node, qtype uint16) []dns.RR {
	switch apex.DNSSECStatus() {
	case zone.SignedWithNSEC:
		chain, sigs := collectNSECChain(apex)
		return withSignatures(FindNSecProofOfNonExistenceNoData(chain, node.Name()), sigs)
	case zone.SignedWithNSEC3:
		chain, sigs := collectNSEC3Chain(apex)
		return withSignatures(FindNSec3ProofOfNonExistenceNoData(chain, node.Name(), DefaultNSEC3Config()), sigs)
	default:
		return nil
	}
}

// WildcardProof implements zone.ProofProvider, returning the record that
// covers qname, proving qname has no exact match of its own so the
// wildcard answer is legitimate.
func (m *Manager) WildcardProof(apex *zone.ApexZone, qname string, wildcardOwner *zone.Node) []dns.RR {
	switch apex.DNSSECStatus() {
	case zone.SignedWithNSEC:
		chain, sigs := collectNSECChain(apex)
		return withSignatures(FindNSecProofOfNonExistenceWildcard(chain, qname), sigs)
	case zone.SignedWithNSEC3:
		chain, sigs := collectNSEC3Chain(apex)
		return withSignatures(FindNSec3ProofOfNonExistenceWildcard(chain, qname, apex.Name, DefaultNSEC3Config()), sigs)
	default:
		return nil
	}
}

// collectNSECChain gathers every NSEC record currently published in
// apex's tree along with the RRSIGs covering each owner's NSEC RRset.
func collectNSECChain(apex *zone.ApexZone) ([]*dns.NSEC, map[string][]dns.RR) {
	var chain []*dns.NSEC
	sigs := make(map[string][]dns.RR)
	walkZoneNodes(apex, func(n *zone.Node) {
		for _, r := range n.RRSets(dns.TypeNSEC) {
			if nsec, ok := r.RR.(*dns.NSEC); ok {
				chain = append(chain, nsec)
			}
		}
		collectCoveringSigs(n, dns.TypeNSEC, sigs)
	})
	return chain, sigs
}

// collectNSEC3Chain is collectNSECChain's NSEC3 counterpart, additionally
// descending into the apex's hashed-owner child nodes where signWithNSEC3
// rooted the chain.
func collectNSEC3Chain(apex *zone.ApexZone) ([]*dns.NSEC3, map[string][]dns.RR) {
	var chain []*dns.NSEC3
	sigs := make(map[string][]dns.RR)
	for _, label := range apex.Node().ChildLabels() {
		c := apex.Node().Child(label)
		if c == nil {
			continue
		}
		for _, r := range c.RRSets(dns.TypeNSEC3) {
			if nsec3, ok := r.RR.(*dns.NSEC3); ok {
				chain = append(chain, nsec3)
			}
		}
		collectCoveringSigs(c, dns.TypeNSEC3, sigs)
	}
	return chain, sigs
}

func collectCoveringSigs(n *zone.Node, covered uint16, sigs map[string][]dns.RR) {
	for _, r := range n.RRSets(dns.TypeRRSIG) {
		rrsig, ok := r.RR.(*dns.RRSIG)
		if ok && rrsig.TypeCovered == covered {
			key := strings.ToLower(n.Name())
			sigs[key] = append(sigs[key], rrsig)
		}
	}
}

func withSignatures(proof []dns.RR, sigs map[string][]dns.RR) []dns.RR {
	out := make([]dns.RR, 0, len(proof)*2)
	for _, rr := range proof {
		out = append(out, rr)
		out = append(out, sigs[strings.ToLower(rr.Header().Name)]...)
	}
	return out
}

// findOrCreateHashNode descends apex's tree to the node named by a
// hashed NSEC3 owner name, creating intermediate nodes (the hashed label
// plus, if absent, the zone apex's own labels already exist) as needed.
// NSEC3 owner nodes live outside the zone's ordinary name space, so
// they're rooted directly under the apex's own node rather than
// traversed via the normal label walk.
func findOrCreateHashNode(apex *zone.ApexZone, hashedOwner string) *zone.Node {
	hashLabel := strings.SplitN(hashedOwner, ".", 2)[0]
	if c := apex.Node().Child(strings.ToLower(hashLabel)); c != nil {
		return c
	}
	return apex.Node().GetOrAddChild(strings.ToLower(hashLabel))
}
