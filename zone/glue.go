package zone

import "github.com/miekg/dns"

// additionalFor assembles the additional section for an answer whose
// RRSet names other hostnames that resolvers typically want alongside
// it, per §4.3 step 4: "For NS / MX / SRV / SVCB / HTTPS answers,
// assemble the additional section: glue if present; else look up
// A/AAAA in-tree."
func (e *Engine) additionalFor(apex *ApexZone, rrset RRSet) []dns.RR {
	var out []dns.RR
	seen := make(map[string]bool)
	for _, rec := range rrset {
		if rec.Disabled() {
			continue
		}
		for _, target := range additionalTargets(rec.RR) {
			if target == "" || seen[target] {
				continue
			}
			seen[target] = true
			out = append(out, e.resolveAdditional(apex, target, rec)...)
		}
	}
	return out
}

// additionalTargets returns the hostnames rr's rdata points at that
// warrant additional-section resolution.
func additionalTargets(rr dns.RR) []string {
	switch v := rr.(type) {
	case *dns.NS:
		return []string{v.Ns}
	case *dns.MX:
		return []string{v.Mx}
	case *dns.SRV:
		return []string{v.Target}
	case *dns.SVCB:
		if v.Target != "." {
			return []string{v.Target}
		}
		return []string{v.Hdr.Name}
	case *dns.HTTPS:
		if v.Target != "." {
			return []string{v.Target}
		}
		return []string{v.Hdr.Name}
	default:
		return nil
	}
}

// resolveAdditional resolves one additional-section target: glue
// attached to an NS record wins outright; an AliasMode SVCB/HTTPS
// target is followed hop-by-hop per §4.3's "for SVCB AliasMode follow
// the chain" rule; otherwise the target is looked up in-tree (only
// useful when it is in-bailiwick of some zone this tree serves —
// out-of-bailiwick targets are left for the resolver to chase
// separately, since this core has no recursive capability).
func (e *Engine) resolveAdditional(apex *ApexZone, target string, rec *Record) []dns.RR {
	if ns, ok := rec.Tag.(NSInfo); ok && len(ns.Glue) > 0 {
		return ns.Glue
	}
	if isSVCBAliasMode(rec.RR) {
		return e.svcbAliasChase(target, e.maxCNAMEHops)
	}
	res := e.tree.FindZone(target)
	if res.Node == nil {
		return nil
	}
	var out []dns.RR
	for _, t := range []uint16{dns.TypeA, dns.TypeAAAA} {
		for _, r := range res.Node.RRSets(t) {
			if !r.Disabled() {
				out = append(out, r.RR)
			}
		}
	}
	return out
}

// isSVCBAliasMode reports whether rr is an SVCB or HTTPS record with
// SvcPriority 0, i.e. RFC 9460 AliasMode rather than ServiceMode.
func isSVCBAliasMode(rr dns.RR) bool {
	switch v := rr.(type) {
	case *dns.SVCB:
		return v.Priority == 0
	case *dns.HTTPS:
		return v.Priority == 0
	default:
		return false
	}
}

// svcbAliasChase follows an AliasMode SVCB/HTTPS record's Target chain
// in-tree, per §4.3's "for SVCB AliasMode follow the chain" rule,
// returning the A/AAAA records found at the first node in the chain
// that holds them. Bounded by maxHops the same way CNAME chasing is.
func (e *Engine) svcbAliasChase(target string, maxHops int) []dns.RR {
	seen := map[string]bool{}
	for hops := 0; hops < maxHops; hops++ {
		if seen[target] {
			break
		}
		seen[target] = true
		res := e.tree.FindZone(target)
		if res.Node == nil {
			break
		}
		var addrs []dns.RR
		for _, t := range []uint16{dns.TypeA, dns.TypeAAAA} {
			for _, r := range res.Node.RRSets(t) {
				if !r.Disabled() {
					addrs = append(addrs, r.RR)
				}
			}
		}
		if len(addrs) > 0 {
			return addrs
		}
		next := aliasTarget(res.Node)
		if next == "" || next == target {
			break
		}
		target = next
	}
	return nil
}

// aliasTarget returns the Target of node's AliasMode SVCB or HTTPS
// record, if it has one, for svcbAliasChase to continue the chain on.
func aliasTarget(node *Node) string {
	for _, t := range []uint16{dns.TypeSVCB, dns.TypeHTTPS} {
		for _, r := range node.RRSets(t) {
			if !isSVCBAliasMode(r.RR) {
				continue
			}
			switch v := r.RR.(type) {
			case *dns.SVCB:
				if v.Target != "." {
					return v.Target
				}
			case *dns.HTTPS:
				if v.Target != "." {
					return v.Target
				}
			}
		}
	}
	return ""
}
