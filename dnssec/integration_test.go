package dnssec

import (
	"os"
	"testing"

	"github.com/miekg/dns"

	"github.com/Paul1404/DnsServer/zone"
)

// newSignedWildcardZone builds a tree with a single apex holding an SOA and
// a wildcard A RRset, then signs it with NSEC. It mirrors tree_test.go's
// newTreeWithApex/newRecordAt helpers, reimplemented here since those are
// package-private to zone.
func newSignedWildcardZone(t *testing.T) (*zone.Tree, *zone.ApexZone, *Manager) {
	t.Helper()
	tr := zone.NewTree()
	apex, err := tr.AddApexZone("example.com.", zone.PrimaryInfo{Serial: zone.SerialMonotonic})
	if err != nil {
		t.Fatalf("AddApexZone: %v", err)
	}
	apex.Node().AddRecord(zone.NewRecord(&dns.SOA{
		Hdr:    dns.RR_Header{Name: "example.com.", Rrtype: dns.TypeSOA, Class: dns.ClassINET, Ttl: 3600},
		Ns:     "ns1.example.com.", Mbox: "hostmaster.example.com.",
		Serial: 1, Refresh: 3600, Retry: 900, Expire: 604800, Minttl: 3600,
	}, zone.GenericInfo{}))

	wc := apex.Node().GetOrAddChild("*")
	wc.AddRecord(zone.NewRecord(&dns.A{
		Hdr: dns.RR_Header{Name: "*.example.com.", Rrtype: dns.TypeA, Class: dns.ClassINET, Ttl: 300},
		A:   []byte{192, 0, 2, 5},
	}, zone.GenericInfo{}))

	tmpDir, err := os.MkdirTemp("", "dnssec-integration-*")
	if err != nil {
		t.Fatalf("MkdirTemp: %v", err)
	}
	t.Cleanup(func() { os.RemoveAll(tmpDir) })

	m := NewManager()
	cfg := KeyConfig{Zone: "example.com.", KeyDir: tmpDir, Algorithm: "ECDSAP256SHA256", AutoCreate: true}
	if err := m.LoadKey(cfg); err != nil {
		t.Fatalf("LoadKey: %v", err)
	}
	if err := m.Sign(apex, false); err != nil {
		t.Fatalf("Sign: %v", err)
	}
	return tr, apex, m
}

// TestSignZoneBootstrapsSignerWithoutPriorLoadKey drives the real
// zone.Manager/dnssec.Manager wiring the way main.go assembles it,
// against a zone created through CreatePrimary rather than one listed in
// startup configuration, so no LoadKey call ever ran for it. SignZone
// must still succeed by lazily provisioning keys under the Manager's
// default key directory.
func TestSignZoneBootstrapsSignerWithoutPriorLoadKey(t *testing.T) {
	tmpDir, err := os.MkdirTemp("", "dnssec-lazy-*")
	if err != nil {
		t.Fatalf("MkdirTemp: %v", err)
	}
	t.Cleanup(func() { os.RemoveAll(tmpDir) })

	tr := zone.NewTree()
	zmgr := zone.NewManager(tr, nil, nil, nil, 0)
	signer := NewManager()
	signer.SetDefaultKeyDir(tmpDir)
	zmgr.SetSigner(signer)

	apex, err := zmgr.CreatePrimary("runtime.example.", zone.SerialMonotonic, []string{"ns1.runtime.example."})
	if err != nil {
		t.Fatalf("CreatePrimary: %v", err)
	}
	if signer.GetSigner(apex.Name) != nil {
		t.Fatal("expected no signer registered before SignZone runs")
	}

	if err := zmgr.SignZone("runtime.example.", false); err != nil {
		t.Fatalf("SignZone: %v", err)
	}
	if apex.DNSSECStatus() != zone.SignedWithNSEC {
		t.Errorf("DNSSECStatus = %v, want SignedWithNSEC", apex.DNSSECStatus())
	}
	if signer.GetSigner(apex.Name) == nil {
		t.Error("expected SignZone to have registered a signer for the zone")
	}

	if err := zmgr.GenerateDnsKey("runtime.example.", true); err != nil {
		t.Fatalf("GenerateDnsKey: %v", err)
	}
}

// TestWildcardAnswerEndToEndCarriesMatchingRRSIGAndProof drives a real
// wildcard-synthesized, DNSSEC-signed query through the query engine with
// the real dnssec.Manager as its ProofProvider/Signer, the path the
// zone/query_test.go stubProofs-based tests never exercise.
func TestWildcardAnswerEndToEndCarriesMatchingRRSIGAndProof(t *testing.T) {
	tr, _, m := newSignedWildcardZone(t)

	engine := zone.NewEngine(tr, 16, m)
	resp := engine.Query(zone.Question{Name: "foo.example.com.", Type: dns.TypeA, WantsDNSSEC: true})

	var rrsig *dns.RRSIG
	for _, rr := range resp.Answer {
		if sig, ok := rr.(*dns.RRSIG); ok {
			rrsig = sig
		}
	}
	if rrsig == nil {
		t.Fatal("expected an RRSIG covering the answer")
	}
	if rrsig.Hdr.Name != "foo.example.com." {
		t.Errorf("RRSIG owner = %q, want %q to match the answer RRset owner (RFC 4034 §3)", rrsig.Hdr.Name, "foo.example.com.")
	}

	var proof *dns.NSEC
	for _, rr := range resp.Authority {
		if nsec, ok := rr.(*dns.NSEC); ok {
			proof = nsec
		}
	}
	if proof == nil {
		t.Fatal("expected an NSEC in Authority proving foo.example.com. has no exact match")
	}
	if proof.Hdr.Name != "*.example.com." || proof.NextDomain != "example.com." {
		t.Errorf("proof = {%s -> %s}, want the record covering foo.example.com. ({*.example.com. -> example.com.})", proof.Hdr.Name, proof.NextDomain)
	}
}
