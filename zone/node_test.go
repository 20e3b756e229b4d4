package zone

import (
	"testing"

	"github.com/miekg/dns"
)

func TestNodeAddRecordReplacesSameRdata(t *testing.T) {
	n := newNode("www", nil)
	rr := &dns.A{Hdr: dns.RR_Header{Name: "www.example.com.", Rrtype: dns.TypeA, Ttl: 300}, A: []byte{192, 0, 2, 1}}
	n.addRecord(NewRecord(rr, GenericInfo{}))
	n.addRecord(NewRecord(&dns.A{Hdr: dns.RR_Header{Name: "www.example.com.", Rrtype: dns.TypeA, Ttl: 900}, A: []byte{192, 0, 2, 1}}, GenericInfo{Comment: "updated"}))

	set := n.RRSets(dns.TypeA)
	if len(set) != 1 {
		t.Fatalf("RRSets(A) = %d records, want 1 (re-adding identical rdata should replace, not duplicate)", len(set))
	}
	if set[0].RR.Header().Ttl != 900 {
		t.Errorf("TTL = %d, want 900 (latest write should win)", set[0].RR.Header().Ttl)
	}
}

func TestNodeRemoveRecordByID(t *testing.T) {
	n := newNode("www", nil)
	rec := NewRecord(&dns.A{Hdr: dns.RR_Header{Rrtype: dns.TypeA}, A: []byte{192, 0, 2, 1}}, GenericInfo{})
	n.addRecord(rec)

	if !n.removeRecord(dns.TypeA, rec.ID) {
		t.Fatal("expected removeRecord to report success")
	}
	if len(n.RRSets(dns.TypeA)) != 0 {
		t.Error("expected the RRSet to be empty after removal")
	}
	if n.removeRecord(dns.TypeA, rec.ID) {
		t.Error("expected a second removeRecord of the same ID to report failure")
	}
}

func TestNodeClearTypeReturnsRemoved(t *testing.T) {
	n := newNode("www", nil)
	rec := NewRecord(&dns.A{Hdr: dns.RR_Header{Rrtype: dns.TypeA}, A: []byte{192, 0, 2, 1}}, GenericInfo{})
	n.addRecord(rec)

	removed := n.clearType(dns.TypeA)
	if len(removed) != 1 {
		t.Fatalf("clearType returned %d records, want 1", len(removed))
	}
	if len(n.RRSets(dns.TypeA)) != 0 {
		t.Error("expected the type to be gone after clearType")
	}
}

func TestNodeSnapshotIsolatesConcurrentReaders(t *testing.T) {
	n := newNode("www", nil)
	n.addRecord(NewRecord(&dns.A{Hdr: dns.RR_Header{Rrtype: dns.TypeA}, A: []byte{192, 0, 2, 1}}, GenericInfo{}))

	before := n.RRSets(dns.TypeA)
	n.addRecord(NewRecord(&dns.A{Hdr: dns.RR_Header{Rrtype: dns.TypeA}, A: []byte{192, 0, 2, 2}}, GenericInfo{}))

	if len(before) != 1 {
		t.Errorf("a snapshot taken before a later write observed %d records, want 1 (snapshots must not mutate)", len(before))
	}
	if len(n.RRSets(dns.TypeA)) != 2 {
		t.Errorf("RRSets(A) after second write = %d, want 2", len(n.RRSets(dns.TypeA)))
	}
}

func TestNodeIsEmptyConsidersChildrenAndRRSets(t *testing.T) {
	n := newNode("a", nil)
	if !n.IsEmpty() {
		t.Fatal("a freshly created node should be empty")
	}
	child := n.getOrAddChild("b")
	if n.IsEmpty() {
		t.Error("a node with a child should not be empty")
	}
	n.removeChild("b")
	_ = child
	if !n.IsEmpty() {
		t.Error("a node should be empty again once its only child is removed")
	}
}

func TestNodeNameReconstructsOwnerFromParentChain(t *testing.T) {
	root := newNode("", nil)
	com := root.getOrAddChild("com")
	example := com.getOrAddChild("example")
	www := example.getOrAddChild("www")

	if got := www.Name(); got != "www.example.com." {
		t.Errorf("Name() = %q, want %q", got, "www.example.com.")
	}
}

func TestNodeIsDelegationIgnoresDisabledNS(t *testing.T) {
	n := newNode("sub", nil)
	n.addRecord(NewRecord(&dns.NS{Hdr: dns.RR_Header{Rrtype: dns.TypeNS}, Ns: "ns1.example.com."}, NSInfo{Disabled: true}))
	if n.IsDelegation() {
		t.Error("a node with only a disabled NS record should not be treated as a delegation")
	}
}
