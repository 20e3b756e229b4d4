package zone

import (
	"testing"

	"github.com/miekg/dns"
)

// stubProofs is a minimal ProofProvider that returns a fixed, recognizable
// RRSIG-shaped NSEC wrapper for every call, just enough for the Query
// Engine's "was a proof attached" branches to be observable in tests
// without a real signer.
type stubProofs struct {
	nxCalls, nodataCalls, wildcardCalls int
}

func (s *stubProofs) NXDomainProof(apex *ApexZone, qname string, closest *Node) []dns.RR {
	s.nxCalls++
	return []dns.RR{&dns.NSEC{Hdr: dns.RR_Header{Name: qname, Rrtype: dns.TypeNSEC}}}
}

func (s *stubProofs) NoDataProof(apex *ApexZone, node *Node, qtype uint16) []dns.RR {
	s.nodataCalls++
	return []dns.RR{&dns.NSEC{Hdr: dns.RR_Header{Name: node.Name(), Rrtype: dns.TypeNSEC}}}
}

func (s *stubProofs) WildcardProof(apex *ApexZone, qname string, wildcardOwner *Node) []dns.RR {
	s.wildcardCalls++
	return []dns.RR{&dns.NSEC{Hdr: dns.RR_Header{Name: qname, Rrtype: dns.TypeNSEC}}}
}

func addRRSIG(node *Node, owner string, covered uint16) {
	node.addRecord(newRecordAt(owner, dns.TypeRRSIG, &dns.RRSIG{
		TypeCovered: covered, Algorithm: dns.RSASHA256, SignerName: owner,
	}))
}

func TestQueryPositiveAnswerAttachesCoveringRRSIG(t *testing.T) {
	tr, apex := newTreeWithApex(t, "example.com.")
	apex.SetDNSSECStatus(SignedWithNSEC)
	www := apex.Node().getOrAddChild("www")
	www.addRecord(newRecordAt("www.example.com.", dns.TypeA, &dns.A{A: []byte{192, 0, 2, 1}}))
	addRRSIG(www, "www.example.com.", dns.TypeA)

	proofs := &stubProofs{}
	engine := NewEngine(tr, 16, proofs)
	resp := engine.Query(Question{Name: "www.example.com.", Type: dns.TypeA, WantsDNSSEC: true})

	if len(resp.Answer) != 2 {
		t.Fatalf("Answer = %d records, want 2 (A + covering RRSIG)", len(resp.Answer))
	}
	if _, ok := resp.Answer[1].(*dns.RRSIG); !ok {
		t.Errorf("Answer[1] = %T, want *dns.RRSIG", resp.Answer[1])
	}
}

func TestQueryWithoutDNSSECOmitsSignatures(t *testing.T) {
	tr, apex := newTreeWithApex(t, "example.com.")
	apex.SetDNSSECStatus(SignedWithNSEC)
	www := apex.Node().getOrAddChild("www")
	www.addRecord(newRecordAt("www.example.com.", dns.TypeA, &dns.A{A: []byte{192, 0, 2, 1}}))
	addRRSIG(www, "www.example.com.", dns.TypeA)

	engine := NewEngine(tr, 16, &stubProofs{})
	resp := engine.Query(Question{Name: "www.example.com.", Type: dns.TypeA, WantsDNSSEC: false})

	if len(resp.Answer) != 1 {
		t.Fatalf("Answer = %d records, want 1 (no RRSIG when DNSSEC not requested)", len(resp.Answer))
	}
}

func TestQueryNXDOMAINAttachesProof(t *testing.T) {
	tr, apex := newTreeWithApex(t, "example.com.")
	apex.SetDNSSECStatus(SignedWithNSEC)
	proofs := &stubProofs{}
	engine := NewEngine(tr, 16, proofs)

	resp := engine.Query(Question{Name: "nosuchname.example.com.", Type: dns.TypeA, WantsDNSSEC: true})
	if resp.Rcode != dns.RcodeNameError {
		t.Fatalf("Rcode = %v, want RcodeNameError", resp.Rcode)
	}
	if proofs.nxCalls != 1 {
		t.Errorf("NXDomainProof called %d times, want 1", proofs.nxCalls)
	}
}

func TestQueryNODATAForExistingNameWrongType(t *testing.T) {
	tr, apex := newTreeWithApex(t, "example.com.")
	www := apex.Node().getOrAddChild("www")
	www.addRecord(newRecordAt("www.example.com.", dns.TypeA, &dns.A{A: []byte{192, 0, 2, 1}}))

	engine := NewEngine(tr, 16, nil)
	resp := engine.Query(Question{Name: "www.example.com.", Type: dns.TypeAAAA})

	if resp.Rcode != dns.RcodeSuccess {
		t.Fatalf("Rcode = %v, want RcodeSuccess (NODATA)", resp.Rcode)
	}
	if len(resp.Answer) != 0 {
		t.Errorf("Answer = %d records, want 0", len(resp.Answer))
	}
	if len(resp.Authority) != 1 {
		t.Errorf("Authority = %d records, want 1 (SOA)", len(resp.Authority))
	}
}

func TestQueryReferralForDelegation(t *testing.T) {
	tr, apex := newTreeWithApex(t, "example.com.")
	cut := apex.Node().getOrAddChild("sub")
	cut.addRecord(newRecordAt("sub.example.com.", dns.TypeNS, &dns.NS{Ns: "ns1.sub.example.com."}))

	engine := NewEngine(tr, 16, nil)
	resp := engine.Query(Question{Name: "deep.sub.example.com.", Type: dns.TypeA})

	if resp.AA {
		t.Error("expected AA=0 on a referral")
	}
	if len(resp.Authority) != 1 {
		t.Fatalf("Authority = %d records, want 1 (NS)", len(resp.Authority))
	}
}

func TestQueryCNAMEChaseFollowsToTarget(t *testing.T) {
	tr, apex := newTreeWithApex(t, "example.com.")
	alias := apex.Node().getOrAddChild("alias")
	alias.addRecord(newRecordAt("alias.example.com.", dns.TypeCNAME, &dns.CNAME{Target: "www.example.com."}))
	www := apex.Node().getOrAddChild("www")
	www.addRecord(newRecordAt("www.example.com.", dns.TypeA, &dns.A{A: []byte{192, 0, 2, 1}}))

	engine := NewEngine(tr, 16, nil)
	resp := engine.Query(Question{Name: "alias.example.com.", Type: dns.TypeA})

	if len(resp.Answer) != 2 {
		t.Fatalf("Answer = %d records, want 2 (CNAME + A)", len(resp.Answer))
	}
	if _, ok := resp.Answer[0].(*dns.CNAME); !ok {
		t.Errorf("Answer[0] = %T, want *dns.CNAME", resp.Answer[0])
	}
	if _, ok := resp.Answer[1].(*dns.A); !ok {
		t.Errorf("Answer[1] = %T, want *dns.A", resp.Answer[1])
	}
}

func TestQueryNoAuthorityForDisabledApex(t *testing.T) {
	tr, apex := newTreeWithApex(t, "example.com.")
	apex.SetDisabled(true)

	engine := NewEngine(tr, 16, nil)
	resp := engine.Query(Question{Name: "example.com.", Type: dns.TypeSOA})

	if !resp.NoAuthority {
		t.Error("expected NoAuthority for a disabled apex")
	}
}

func TestQueryDSAtNestedApexCutUsesParentSigningStatus(t *testing.T) {
	tr, parent := newTreeWithApex(t, "example.com.")
	parent.SetDNSSECStatus(SignedWithNSEC)

	child, err := tr.AddApexZone("sub.example.com.", SecondaryInfo{})
	if err != nil {
		t.Fatalf("AddApexZone(sub): %v", err)
	}
	child.Node().addRecord(newRecordAt("sub.example.com.", dns.TypeNS, &dns.NS{Ns: "ns1.sub.example.com."}))
	// The child itself is unsigned; a DS query at the cut must still be
	// judged by the parent's signed status, not the child's.
	if child.DNSSECStatus() != Unsigned {
		t.Fatalf("expected the child apex to be Unsigned, got %v", child.DNSSECStatus())
	}

	proofs := &stubProofs{}
	engine := NewEngine(tr, 16, proofs)
	resp := engine.Query(Question{Name: "sub.example.com.", Type: dns.TypeDS, WantsDNSSEC: true})

	if !resp.AA {
		t.Error("expected AA=1: the parent zone answers DS authoritatively, this is not a referral")
	}
	if resp.Rcode != dns.RcodeSuccess {
		t.Fatalf("Rcode = %v, want RcodeSuccess (NODATA: no DS published)", resp.Rcode)
	}
	if proofs.nodataCalls != 1 {
		t.Errorf("NoDataProof called %d times, want 1 (driven by the parent's signed status)", proofs.nodataCalls)
	}
	if len(resp.Authority) == 0 {
		t.Fatal("expected Authority to carry the parent's SOA plus NODATA proof")
	}
	if resp.Authority[0].Header().Name != parent.Name {
		t.Errorf("Authority SOA owner = %q, want the parent apex %q", resp.Authority[0].Header().Name, parent.Name)
	}
}

func TestQueryDSAtNestedApexCutReturnsPublishedDS(t *testing.T) {
	tr, parent := newTreeWithApex(t, "example.com.")
	parent.SetDNSSECStatus(SignedWithNSEC)

	child, err := tr.AddApexZone("sub.example.com.", SecondaryInfo{})
	if err != nil {
		t.Fatalf("AddApexZone(sub): %v", err)
	}
	child.Node().addRecord(newRecordAt("sub.example.com.", dns.TypeNS, &dns.NS{Ns: "ns1.sub.example.com."}))
	child.Node().addRecord(newRecordAt("sub.example.com.", dns.TypeDS, &dns.DS{KeyTag: 1, Algorithm: dns.RSASHA256, DigestType: dns.SHA256, Digest: "ab"}))
	addRRSIG(child.Node(), "sub.example.com.", dns.TypeDS)

	engine := NewEngine(tr, 16, &stubProofs{})
	resp := engine.Query(Question{Name: "sub.example.com.", Type: dns.TypeDS, WantsDNSSEC: true})

	if !resp.AA {
		t.Error("expected AA=1 for a published DS answer")
	}
	if len(resp.Answer) != 2 {
		t.Fatalf("Answer = %d records, want 2 (DS + covering RRSIG)", len(resp.Answer))
	}
	if _, ok := resp.Answer[0].(*dns.DS); !ok {
		t.Errorf("Answer[0] = %T, want *dns.DS", resp.Answer[0])
	}
}

func TestQueryWildcardRewritesOwnerAndAttachesProof(t *testing.T) {
	tr, apex := newTreeWithApex(t, "example.com.")
	apex.SetDNSSECStatus(SignedWithNSEC)
	wc := apex.Node().getOrAddChild("*")
	wc.addRecord(newRecordAt("*.example.com.", dns.TypeA, &dns.A{A: []byte{192, 0, 2, 9}}))

	proofs := &stubProofs{}
	engine := NewEngine(tr, 16, proofs)
	resp := engine.Query(Question{Name: "anything.example.com.", Type: dns.TypeA, WantsDNSSEC: true})

	if len(resp.Answer) != 1 {
		t.Fatalf("Answer = %d records, want 1", len(resp.Answer))
	}
	if resp.Answer[0].Header().Name != "anything.example.com." {
		t.Errorf("Answer owner = %q, want rewritten to the query name", resp.Answer[0].Header().Name)
	}
	if proofs.wildcardCalls != 1 {
		t.Errorf("WildcardProof called %d times, want 1", proofs.wildcardCalls)
	}
}

func TestQueryWildcardRewritesRRSIGOwnerToQueryName(t *testing.T) {
	tr, apex := newTreeWithApex(t, "example.com.")
	apex.SetDNSSECStatus(SignedWithNSEC)
	wc := apex.Node().getOrAddChild("*")
	wc.addRecord(newRecordAt("*.example.com.", dns.TypeA, &dns.A{A: []byte{192, 0, 2, 9}}))
	addRRSIG(wc, "*.example.com.", dns.TypeA)

	engine := NewEngine(tr, 16, &stubProofs{})
	resp := engine.Query(Question{Name: "anything.example.com.", Type: dns.TypeA, WantsDNSSEC: true})

	if len(resp.Answer) != 2 {
		t.Fatalf("Answer = %d records, want 2 (A + covering RRSIG)", len(resp.Answer))
	}
	sig, ok := resp.Answer[1].(*dns.RRSIG)
	if !ok {
		t.Fatalf("Answer[1] = %T, want *dns.RRSIG", resp.Answer[1])
	}
	if sig.Hdr.Name != "anything.example.com." {
		t.Errorf("RRSIG owner = %q, want rewritten to the query name to match its covered RRset (RFC 4034 §3)", sig.Hdr.Name)
	}
}
