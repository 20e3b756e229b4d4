package dnssec

import (
	"testing"
	"time"

	"github.com/miekg/dns"
)

func newTestSigner(t *testing.T, zone string) *Signer {
	t.Helper()
	ksk, kskPriv, err := generateKey(zone, dns.ECDSAP256SHA256, true)
	if err != nil {
		t.Fatalf("generateKey ksk: %v", err)
	}
	zsk, zskPriv, err := generateKey(zone, dns.ECDSAP256SHA256, false)
	if err != nil {
		t.Fatalf("generateKey zsk: %v", err)
	}
	s := &Signer{
		zone:      zone,
		ksk:       ksk,
		kskPriv:   kskPriv,
		zsk:       zsk,
		zskPriv:   zskPriv,
		algorithm: dns.ECDSAP256SHA256,
		keys:      make(map[uint16]*keyEntry),
	}
	s.keys[ksk.KeyTag()] = &keyEntry{key: ksk, priv: kskPriv, isKSK: true, created: time.Now()}
	s.keys[zsk.KeyTag()] = &keyEntry{key: zsk, priv: zskPriv, isKSK: false, created: time.Now()}
	return s
}

func TestSignRRSet(t *testing.T) {
	s := newTestSigner(t, "example.com.")
	rrset := []dns.RR{&dns.A{
		Hdr: dns.RR_Header{Name: "example.com.", Rrtype: dns.TypeA, Class: dns.ClassINET, Ttl: 300},
		A:   []byte{192, 0, 2, 1},
	}}
	now := time.Now().UTC()
	sig, err := s.SignRRSet(rrset, false, now, now.Add(time.Hour))
	if err != nil {
		t.Fatalf("SignRRSet failed: %v", err)
	}
	if sig.KeyTag != s.zsk.KeyTag() {
		t.Errorf("expected signature keyed by zsk, got tag %d", sig.KeyTag)
	}
	if sig.SignerName != s.zone {
		t.Errorf("expected signer name %s, got %s", s.zone, sig.SignerName)
	}
}

func TestSignRRSet_EmptyRejected(t *testing.T) {
	s := newTestSigner(t, "example.com.")
	if _, err := s.SignRRSet(nil, false, time.Now(), time.Now()); err == nil {
		t.Error("expected error signing an empty rrset")
	}
}

func TestActiveDNSKEYsAndDSRecords(t *testing.T) {
	s := newTestSigner(t, "example.com.")
	if got := len(s.ActiveDNSKEYs()); got != 2 {
		t.Fatalf("expected 2 active keys, got %d", got)
	}
	ds := s.DSRecords()
	if len(ds) != 1 {
		t.Fatalf("expected one DS record for the single ksk, got %d", len(ds))
	}
	if ds[0].KeyTag != s.ksk.KeyTag() {
		t.Errorf("DS record keytag mismatch")
	}
}

func TestRolloverKeyRetiresOldGeneration(t *testing.T) {
	s := newTestSigner(t, "example.com.")
	oldZSKTag := s.zsk.KeyTag()
	if err := s.RolloverKey(oldZSKTag); err != nil {
		t.Fatalf("RolloverKey failed: %v", err)
	}
	if s.zsk.KeyTag() == oldZSKTag {
		t.Error("expected a new zsk to have taken over signing")
	}
	old, ok := s.keys[oldZSKTag]
	if !ok {
		t.Fatal("expected the old key's entry to remain until deletion")
	}
	if !old.retired {
		t.Error("expected the rolled key to be marked retired")
	}
	if old.retireAt.IsZero() {
		t.Error("expected a scheduled deletion time")
	}
}

func TestRetireAndDeleteKey(t *testing.T) {
	s := newTestSigner(t, "example.com.")
	tag := s.zsk.KeyTag()
	if err := s.DeleteKey(tag); err == nil {
		t.Error("expected DeleteKey to reject an active key")
	}
	if err := s.RetireKey(tag); err != nil {
		t.Fatalf("RetireKey failed: %v", err)
	}
	if s.zsk != nil {
		t.Error("expected zsk to be cleared after retiring the active key")
	}
	if err := s.DeleteKey(tag); err != nil {
		t.Fatalf("DeleteKey failed: %v", err)
	}
	if _, ok := s.keys[tag]; ok {
		t.Error("expected key entry to be gone after deletion")
	}
}

func TestKeysDueForDeletion(t *testing.T) {
	s := newTestSigner(t, "example.com.")
	tag := s.zsk.KeyTag()
	s.keys[tag].retired = true
	s.keys[tag].retireAt = time.Now().Add(-time.Minute)
	due := s.keysDueForDeletion(time.Now())
	if len(due) != 1 || due[0] != tag {
		t.Errorf("expected key %d due for deletion, got %v", tag, due)
	}
}

func TestBuildNSECChainWrapsAround(t *testing.T) {
	owners := []string{"example.com.", "a.example.com.", "z.example.com."}
	chain := buildNSECChain(owners, map[string][]uint16{}, 3600)
	if len(chain) != 3 {
		t.Fatalf("expected 3 NSEC records, got %d", len(chain))
	}
	last := chain[len(chain)-1]
	if last.NextDomain != chain[0].Hdr.Name {
		t.Errorf("expected the chain to wrap from %s back to %s, got next=%s", last.Hdr.Name, chain[0].Hdr.Name, last.NextDomain)
	}
}

func TestNSecCoveringFindsGap(t *testing.T) {
	owners := []string{"example.com.", "a.example.com.", "z.example.com."}
	chain := buildNSECChain(owners, map[string][]uint16{}, 3600)
	covering := nsecCovering(chain, "m.example.com.")
	if covering == nil {
		t.Fatal("expected a covering NSEC record for a name between a. and z.")
	}
}

// TestFindNSecProofOfNonExistenceWildcardCoversQName exercises the ordinary
// RFC 4035 §3.1.3.3 case: qname is one label below a matching wildcard node
// (so reconstructing the wildcard's own name from qname's parent lands on a
// real owner already in the chain), yet a proof must still be returned
// because it is qname, not the wildcard owner, that must be shown to have no
// exact match.
func TestFindNSecProofOfNonExistenceWildcardCoversQName(t *testing.T) {
	owners := []string{"example.com.", "*.x.example.com.", "y.x.example.com."}
	chain := buildNSECChain(owners, map[string][]uint16{}, 3600)

	proof := FindNSecProofOfNonExistenceWildcard(chain, "foo.x.example.com.")
	if len(proof) != 1 {
		t.Fatalf("expected 1 covering NSEC, got %d", len(proof))
	}
	if _, ok := proof[0].(*dns.NSEC); !ok {
		t.Fatalf("expected *dns.NSEC, got %T", proof[0])
	}
}

func TestBuildNSEC3ChainProducesOneRecordPerOwner(t *testing.T) {
	cfg := DefaultNSEC3Config()
	owners := []string{"example.com.", "a.example.com.", "b.example.com."}
	chain := buildNSEC3Chain(owners, "example.com.", cfg, map[string][]uint16{}, 3600)
	if len(chain) != 3 {
		t.Fatalf("expected 3 NSEC3 records, got %d", len(chain))
	}
}

func TestFindNSec3ProofOfNonExistenceWildcardCoversQName(t *testing.T) {
	cfg := DefaultNSEC3Config()
	owners := []string{"example.com.", "*.x.example.com.", "y.x.example.com."}
	chain := buildNSEC3Chain(owners, "example.com.", cfg, map[string][]uint16{}, 3600)

	proof := FindNSec3ProofOfNonExistenceWildcard(chain, "foo.x.example.com.", "example.com.", cfg)
	if len(proof) != 1 {
		t.Fatalf("expected 1 covering NSEC3, got %d", len(proof))
	}
	if _, ok := proof[0].(*dns.NSEC3); !ok {
		t.Fatalf("expected *dns.NSEC3, got %T", proof[0])
	}
}

func TestGenerateNSEC3SaltLength(t *testing.T) {
	for _, n := range []int{0, 4, 16} {
		salt, err := GenerateNSEC3Salt(n)
		if err != nil {
			t.Fatalf("GenerateNSEC3Salt(%d) failed: %v", n, err)
		}
		if len(salt) != n*2 {
			t.Errorf("GenerateNSEC3Salt(%d): expected %d hex chars, got %d", n, n*2, len(salt))
		}
	}
}

func TestRolloverManagerSweepRollsExpiredKeys(t *testing.T) {
	m := NewManager()
	s := newTestSigner(t, "example.com.")
	tag := s.zsk.KeyTag()
	s.keys[tag].created = time.Now().Add(-365 * 24 * time.Hour)
	m.signers["example.com."] = s

	cfg := DefaultKeyRolloverConfig()
	rm := NewRolloverManager(m, cfg)
	rm.sweep()

	if s.zsk.KeyTag() == tag {
		t.Error("expected sweep to roll an expired zsk")
	}
	if !s.keys[tag].retired {
		t.Error("expected the expired key to be marked retired after sweep")
	}
}
