package zone

import (
	"github.com/miekg/dns"
)

// Question is the minimal shape the Query Engine needs out of a parsed
// DnsDatagram (see SPEC_FULL.md §6): a name, a type, whether the asker
// wants DNSSEC records, and whether recursion is administratively
// allowed on this listener (mirrored into the response's RA bit, never
// acted on here since recursion itself is out of this core's scope).
type Question struct {
	Name              string
	Type              uint16
	WantsDNSSEC       bool
	RecursionAllowed  bool
}

// Response is what the Query Engine hands back to the framing layer.
// NoAuthority true means this tree has nothing to say about the name at
// all (§4.3 step 1) and an upstream recursive resolver, if any, should
// be consulted instead.
type Response struct {
	Rcode       int
	AA          bool
	RA          bool
	Answer      []dns.RR
	Authority   []dns.RR
	Additional  []dns.RR
	NoAuthority bool
	// ForwardTo is set instead of Answer/Authority when a Forwarder apex
	// handles the query: the listener is expected to relay the question
	// to one of these upstream addresses rather than build a response
	// from Answer/Authority.
	ForwardTo []string
}

// ProofProvider is the DNSSEC proof-of-nonexistence dependency the Query
// Engine consults when a request wants DNSSEC and the matched apex is
// signed. Implemented by the dnssec package; kept as an interface here
// so the zone package does not need to import signer/key material.
type ProofProvider interface {
	// NXDomainProof returns the NSEC/NSEC3 RRSet(s) (with RRSIGs) proving
	// qname does not exist, anchored at closest.
	NXDomainProof(apex *ApexZone, qname string, closest *Node) []dns.RR
	// NoDataProof returns the proof that node exists but holds no RRSet
	// of qtype.
	NoDataProof(apex *ApexZone, node *Node, qtype uint16) []dns.RR
	// WildcardProof returns the proof that qname itself does not exist
	// but the wildcard owner does, legitimizing synthesis.
	WildcardProof(apex *ApexZone, qname string, wildcardOwner *Node) []dns.RR
}

// Engine answers Questions against a Tree. It holds no mutable state of
// its own; all state lives in the Tree/ApexZone/Node graph it's handed.
type Engine struct {
	tree         *Tree
	maxCNAMEHops int
	proofs       ProofProvider
}

// NewEngine returns a Query Engine over tree. maxCNAMEHops bounds both
// CNAME chasing and DNAME-driven CNAME synthesis (§4.3's MAX_CNAME_HOPS,
// suggested 16). proofs may be nil; in that case dnssecOk is always
// treated as false regardless of what the apex's signed status claims.
func NewEngine(tree *Tree, maxCNAMEHops int, proofs ProofProvider) *Engine {
	if maxCNAMEHops <= 0 {
		maxCNAMEHops = 16
	}
	return &Engine{tree: tree, maxCNAMEHops: maxCNAMEHops, proofs: proofs}
}

// Query implements §4.3's full decision tree.
func (e *Engine) Query(q Question) Response {
	res := e.tree.FindZone(q.Name)
	if res.Apex == nil || res.Apex.Disabled() {
		return Response{NoAuthority: true, RA: q.RecursionAllowed}
	}
	if q.Type == dns.TypeDS && res.Kind == MatchExact && res.Cut && res.ParentApex != nil && !res.ParentApex.Disabled() {
		return e.dsAtCut(q, res)
	}
	var rs *RefreshState
	switch v := res.Apex.Variant().(type) {
	case SecondaryInfo:
		rs = v.RefreshState
	case StubInfo:
		rs = v.RefreshState
	}
	if rs != nil && rs.Expired() {
		return Response{Rcode: dns.RcodeServerFailure, RA: q.RecursionAllowed}
	}

	apex := res.Apex
	dnssecOk := q.WantsDNSSEC && e.proofs != nil && apex.DNSSECStatus() != Unsigned

	resp := Response{AA: true, RA: q.RecursionAllowed}

	switch res.Kind {
	case MatchDelegation:
		return e.referral(apex, res.Delegation, dnssecOk, resp)

	case MatchExact, MatchWildcard:
		return e.answerAtNode(q, apex, res, dnssecOk, resp)

	case MatchApexOnly:
		if apex.Kind() == KindStub {
			return e.referral(apex, apex.Node(), dnssecOk, resp)
		}
		if synth, ok := e.tryDNAME(q, apex, res.Closest); ok {
			return synth
		}
		if apex.Kind() == KindForwarder {
			if fwd := e.forwarderAnswer(apex, q.Name); fwd != nil {
				resp.AA = false
				resp.ForwardTo = fwd
				return resp
			}
		}
		return e.negativeResponse(q, apex, res.Closest, dnssecOk, resp, hasSubDomains(res.Closest, q.Name))

	default:
		return Response{NoAuthority: true, RA: q.RecursionAllowed}
	}
}

// QueryClosestDelegation is the thin variant §4.3 describes for the
// recursive-server shim: it returns a referral only when one genuinely
// exists, and NoAuthority otherwise (never NXDOMAIN/NODATA).
func (e *Engine) QueryClosestDelegation(name string) (Response, bool) {
	res := e.tree.FindZone(name)
	if res.Apex == nil || res.Kind != MatchDelegation {
		return Response{}, false
	}
	return e.referral(res.Apex, res.Delegation, false, Response{AA: true}), true
}

// dsAtCut implements §4.1/§4.3's "DS queries target the parent-side
// node" special case: when the queried name is exactly a nested
// ApexZone's own node sitting at a zone cut below another apex in this
// tree (res.Cut), the DS RRset conceptually belongs to the enclosing
// parent zone, not the child. The record storage itself is the same
// Node either way; what must come from the parent is the DNSSEC status
// driving whether a proof is attached, and the apex any NODATA proof
// and SOA are anchored to.
func (e *Engine) dsAtCut(q Question, res FindResult) Response {
	parent := res.ParentApex
	dnssecOk := q.WantsDNSSEC && e.proofs != nil && parent.DNSSECStatus() != Unsigned
	resp := Response{AA: true, RA: q.RecursionAllowed}

	set := activeRRSet(res.Node.RRSets(dns.TypeDS))
	if len(set) > 0 {
		resp.Answer = rrsOf(set)
		if dnssecOk {
			resp.Answer = append(resp.Answer, signaturesCovering(res.Node, dns.TypeDS, q.Name)...)
		}
		return resp
	}
	resp.Authority = soaOf(parent)
	if dnssecOk {
		resp.Authority = append(resp.Authority, e.proofs.NoDataProof(parent, res.Node, dns.TypeDS)...)
	}
	return resp
}

func (e *Engine) referral(apex *ApexZone, nsNode *Node, dnssecOk bool, resp Response) Response {
	resp.AA = false
	nsSet := activeRRSet(nsNode.RRSets(dns.TypeNS))
	resp.Authority = rrsOf(nsSet)
	resp.Additional = e.additionalFor(apex, nsSet)
	if dnssecOk {
		resp.Authority = append(resp.Authority, e.proofs.NoDataProof(apex, nsNode, dns.TypeDS)...)
	}
	return resp
}

func (e *Engine) answerAtNode(q Question, apex *ApexZone, res FindResult, dnssecOk bool, resp Response) Response {
	node := res.Node

	set := activeRRSet(node.RRSets(q.Type))
	if len(set) == 0 {
		// CNAME redirection only applies when the exact type wasn't found
		// and the node holds a CNAME instead (never for CNAME queries
		// themselves, nor at the apex where a CNAME cannot coexist with
		// SOA).
		if q.Type != dns.TypeCNAME {
			if cname := activeRRSet(node.RRSets(dns.TypeCNAME)); len(cname) > 0 {
				return e.chaseCNAME(q, apex, res, cname, dnssecOk, resp)
			}
		}
		return e.negativeAtNode(q, apex, res, dnssecOk, resp)
	}

	if res.Kind == MatchWildcard {
		set = rewriteOwner(set, q.Name)
		if dnssecOk {
			resp.Authority = append(resp.Authority, e.proofs.WildcardProof(apex, q.Name, node)...)
		}
	}

	resp.Answer = rrsOf(set)
	if dnssecOk {
		resp.Answer = append(resp.Answer, signaturesCovering(node, q.Type, q.Name)...)
	}
	switch q.Type {
	case dns.TypeNS, dns.TypeMX, dns.TypeSRV, dns.TypeSVCB, dns.TypeHTTPS:
		resp.Additional = e.additionalFor(apex, set)
	}
	return resp
}

// signaturesCovering returns node's RRSIGs whose TypeCovered is covered,
// per §8 invariant 7's "every authoritative RRSet has at least one valid
// RRSIG" requirement extending to answers, not just NSEC(3) proofs. owner
// is the name the signed RRset is being shipped under; per RFC 4034 §3 the
// RRSIG's owner must match it, which differs from the RRSIG's own stored
// owner (the wildcard node's real name) when the answer came from wildcard
// synthesis. Labels is left untouched: RFC 4035 §3.1.3 requires it to keep
// reflecting the pre-expansion label count.
func signaturesCovering(node *Node, covered uint16, owner string) []dns.RR {
	var out []dns.RR
	for _, r := range node.RRSets(dns.TypeRRSIG) {
		sig, ok := r.RR.(*dns.RRSIG)
		if !ok || sig.TypeCovered != covered {
			continue
		}
		if dns.Fqdn(sig.Header().Name) == dns.Fqdn(owner) {
			out = append(out, r.RR)
			continue
		}
		rewritten := dns.Copy(sig).(*dns.RRSIG)
		rewritten.Header().Name = dns.Fqdn(owner)
		out = append(out, rewritten)
	}
	return out
}

// chaseCNAME follows a CNAME chain from node's CNAME record, bounded to
// e.maxCNAMEHops, detecting loops both by owner name and by already-seen
// rdata.
func (e *Engine) chaseCNAME(q Question, apex *ApexZone, res FindResult, first RRSet, dnssecOk bool, resp Response) Response {
	if res.Kind == MatchWildcard {
		first = rewriteOwner(first, q.Name)
		if dnssecOk {
			resp.Authority = append(resp.Authority, e.proofs.WildcardProof(apex, q.Name, res.Node)...)
		}
	}
	answer := rrsOf(first)
	if dnssecOk && res.Node != nil {
		answer = append(answer, signaturesCovering(res.Node, dns.TypeCNAME, q.Name)...)
	}
	seenOwners := map[string]bool{canonicalOwner(q.Name): true}
	seenRdata := map[string]bool{}
	target := first[0].RR.(*dns.CNAME).Target

	for hops := 0; hops < e.maxCNAMEHops; hops++ {
		if seenOwners[canonicalOwner(target)] {
			break
		}
		next := e.tree.FindZone(target)
		if next.Apex == nil || next.Node == nil {
			break
		}
		set := activeRRSet(next.Node.RRSets(q.Type))
		if next.Kind == MatchWildcard {
			set = rewriteOwner(set, target)
		}
		if len(set) > 0 {
			answer = append(answer, rrsOf(set)...)
			if dnssecOk {
				answer = append(answer, signaturesCovering(next.Node, q.Type, target)...)
			}
			break
		}
		cname := activeRRSet(next.Node.RRSets(dns.TypeCNAME))
		if len(cname) == 0 {
			break
		}
		dup := false
		for _, rr := range cname {
			if seenRdata[rr.RR.String()] {
				dup = true
				break
			}
			seenRdata[rr.RR.String()] = true
		}
		if dup {
			break
		}
		seenOwners[canonicalOwner(target)] = true
		answer = append(answer, rrsOf(cname)...)
		if dnssecOk {
			answer = append(answer, signaturesCovering(next.Node, dns.TypeCNAME, target)...)
		}
		target = cname[0].RR.(*dns.CNAME).Target
	}

	resp.Answer = answer
	return resp
}

// negativeAtNode handles §4.3 step 4's "type is absent" branch: node
// exists but has no RRSet of q.Type.
func (e *Engine) negativeAtNode(q Question, apex *ApexZone, res FindResult, dnssecOk bool, resp Response) Response {
	if apex.Kind() == KindForwarder && !res.Node.HasType(dns.TypeNS) {
		if fwd := e.forwarderAnswer(apex, q.Name); fwd != nil {
			resp.AA = false
			resp.ForwardTo = fwd
			return resp
		}
	}
	resp.Authority = soaOf(apex)
	if dnssecOk {
		resp.Authority = append(resp.Authority, e.proofs.NoDataProof(apex, res.Node, q.Type)...)
	}
	return resp
}

// negativeResponse handles §4.3 step 3's final NXDOMAIN/NODATA branch,
// reached when no node, delegation, or DNAME applied.
func (e *Engine) negativeResponse(q Question, apex *ApexZone, closest *Node, dnssecOk bool, resp Response, hasSubDomains bool) Response {
	resp.Authority = soaOf(apex)
	if hasSubDomains {
		resp.Rcode = dns.RcodeSuccess
		if dnssecOk {
			resp.Authority = append(resp.Authority, e.proofs.NoDataProof(apex, closest, q.Type)...)
		}
		return resp
	}
	resp.Rcode = dns.RcodeNameError
	if dnssecOk {
		resp.Authority = append(resp.Authority, e.proofs.NXDomainProof(apex, q.Name, closest)...)
	}
	return resp
}

// tryDNAME looks for a DNAME RRset at closest and then at the apex
// itself (§4.3 step 3), synthesizing a CNAME and continuing the chase
// when found.
func (e *Engine) tryDNAME(q Question, apex *ApexZone, closest *Node) (Response, bool) {
	for _, n := range []*Node{closest, apex.Node()} {
		if n == nil {
			continue
		}
		dname := activeRRSet(n.RRSets(dns.TypeDNAME))
		if len(dname) == 0 {
			continue
		}
		target, ok := substituteDNAME(q.Name, n, dname[0].RR.(*dns.DNAME))
		if !ok {
			continue
		}
		synthesized := &dns.CNAME{
			Hdr:    dns.RR_Header{Name: dns.Fqdn(q.Name), Rrtype: dns.TypeCNAME, Class: dns.ClassINET, Ttl: dname[0].TTL()},
			Target: target,
		}
		first := RRSet{NewRecord(synthesized, GenericInfo{})}
		resp := e.chaseCNAME(q, apex, FindResult{}, first, false, Response{AA: true})
		resp.Answer = append(rrsOf(dname), resp.Answer...)
		return resp, true
	}
	return Response{}, false
}

// substituteDNAME implements RFC 6672 substitution: replace the suffix
// of qname matching owner with dname.Target.
func substituteDNAME(qname string, owner *Node, dname *dns.DNAME) (string, bool) {
	ownerName := dname.Hdr.Name
	if !isInBailiwick(qname, ownerName) {
		return "", false
	}
	if dns.Fqdn(qname) == dns.Fqdn(ownerName) {
		return "", false // DNAME does not apply to its own owner name
	}
	prefix := qname[:len(qname)-len(ownerName)]
	return dns.Fqdn(prefix + dname.Target), true
}

func rrToRecords(set RRSet) RRSet { return set }

// forwarderAnswer implements §4.2's "longest match: exact subdomain ->
// closest enclosing -> apex" rule for FWD lookups. Forward targets are
// not resource records (see Node.fwd); the "answer" the Query Engine
// hands back for a Forwarder is the list of upstream addresses, encoded
// as authority-section TXT-free data the response builder translates
// into whatever forwarding mechanism the listener implements. Here the
// engine simply reports which node's targets applied; FWD targets never
// appear as dns.RR values.
func (e *Engine) forwarderAnswer(apex *ApexZone, name string) []string {
	res := e.tree.FindZone(name)
	for n := res.Closest; n != nil; n = n.parent {
		if t := n.ForwardTargets(); len(t) > 0 {
			return t
		}
		if n == apex.Node() {
			break
		}
	}
	if t := apex.Node().ForwardTargets(); len(t) > 0 {
		return t
	}
	return nil
}

func activeRRSet(set RRSet) RRSet {
	out := make(RRSet, 0, len(set))
	for _, r := range set {
		if !r.Disabled() {
			out = append(out, r)
		}
	}
	return out
}

func rrsOf(set RRSet) []dns.RR {
	out := make([]dns.RR, 0, len(set))
	for _, r := range set {
		out = append(out, r.RR)
	}
	return out
}

func soaOf(apex *ApexZone) []dns.RR {
	if soa := apex.SOA(); soa != nil {
		return []dns.RR{soa}
	}
	return nil
}

func canonicalOwner(name string) string {
	return dns.Fqdn(name)
}

// rewriteOwner rewrites every record's owner name in set to qname,
// implementing §4.3's "for wildcard matches, rewrite the owner name to
// the query name" rule, without mutating the stored records.
func rewriteOwner(set RRSet, qname string) RRSet {
	out := make(RRSet, len(set))
	for i, r := range set {
		rr := dns.Copy(r.RR)
		rr.Header().Name = dns.Fqdn(qname)
		out[i] = &Record{ID: r.ID, RR: rr, Tag: r.Tag}
	}
	return out
}

// hasSubDomains reports whether closest has a child at or below qname,
// i.e. whether any subtree rooted at qname exists, used to distinguish
// NXDOMAIN from NODATA per §4.1 step 5.
func hasSubDomains(closest *Node, qname string) bool {
	if closest == nil {
		return false
	}
	for _, l := range closest.childLabels() {
		if c := closest.child(l); c != nil && isInBailiwick(c.Name(), qname) {
			return true
		}
	}
	return false
}
