package transfer

import (
	"testing"

	"github.com/miekg/dns"

	"github.com/Paul1404/DnsServer/zone"
)

func newTestZone(t *testing.T, serial uint32) *zone.ApexZone {
	t.Helper()
	tr := zone.NewTree()
	apex, err := tr.AddApexZone("example.com.", zone.PrimaryInfo{})
	if err != nil {
		t.Fatalf("AddApexZone: %v", err)
	}
	soa := &dns.SOA{
		Hdr:    dns.RR_Header{Name: "example.com.", Rrtype: dns.TypeSOA, Class: dns.ClassINET, Ttl: 3600},
		Ns:     "ns1.example.com.",
		Mbox:   "hostmaster.example.com.",
		Serial: serial,
		Minttl: 300,
	}
	apex.Node().AddRecord(zone.NewRecord(soa, zone.SOAInfo{}))
	ns := &dns.NS{Hdr: dns.RR_Header{Name: "example.com.", Rrtype: dns.TypeNS, Class: dns.ClassINET, Ttl: 3600}, Ns: "ns1.example.com."}
	apex.Node().AddRecord(zone.NewRecord(ns, zone.NSInfo{}))
	a := &dns.A{Hdr: dns.RR_Header{Name: "www.example.com.", Rrtype: dns.TypeA, Class: dns.ClassINET, Ttl: 300}, A: []byte{192, 0, 2, 1}}
	www := apex.Node().GetOrAddChild("www")
	www.AddRecord(zone.NewRecord(a, zone.GenericInfo{}))
	return apex
}

func TestQueryZoneTransferRecordsFramesWithSOA(t *testing.T) {
	apex := newTestZone(t, 1)
	records, err := QueryZoneTransferRecords(apex)
	if err != nil {
		t.Fatalf("QueryZoneTransferRecords: %v", err)
	}
	if len(records) < 4 {
		t.Fatalf("expected at least SOA+NS+A+SOA, got %d records", len(records))
	}
	if _, ok := records[0].(*dns.SOA); !ok {
		t.Error("expected first record to be SOA")
	}
	if _, ok := records[len(records)-1].(*dns.SOA); !ok {
		t.Error("expected last record to be SOA")
	}
	for _, rr := range records[1 : len(records)-1] {
		if _, ok := rr.(*dns.SOA); ok {
			t.Error("SOA must not appear in the body of an AXFR response")
		}
	}
}

func TestQueryIncrementalZoneTransferRecordsUpToDate(t *testing.T) {
	apex := newTestZone(t, 42)
	records, fallback, err := QueryIncrementalZoneTransferRecords(apex, 42)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if fallback {
		t.Fatal("expected no fallback when serials match")
	}
	if len(records) != 1 {
		t.Fatalf("expected a single SOA reply, got %d records", len(records))
	}
}

func TestQueryIncrementalZoneTransferRecordsFallsBackWhenSerialUnknown(t *testing.T) {
	apex := newTestZone(t, 100)
	_, fallback, err := QueryIncrementalZoneTransferRecords(apex, 50)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if !fallback {
		t.Fatal("expected fallback to AXFR for an unknown client serial")
	}
}

func TestQueryIncrementalZoneTransferRecordsAppliesJournal(t *testing.T) {
	apex := newTestZone(t, 2)
	oldSOA := apex.SOA()
	newSOA := dns.Copy(oldSOA).(*dns.SOA)
	newSOA.Serial = 3
	added := &dns.A{Hdr: dns.RR_Header{Name: "new.example.com.", Rrtype: dns.TypeA, Class: dns.ClassINET, Ttl: 300}, A: []byte{192, 0, 2, 2}}
	apex.Journal().Append(zone.Sequence{OldSOA: oldSOA, NewSOA: newSOA, Added: []dns.RR{added}})
	apex.Node().ClearType(dns.TypeSOA)
	apex.Node().AddRecord(zone.NewRecord(newSOA, zone.SOAInfo{}))

	records, fallback, err := QueryIncrementalZoneTransferRecords(apex, 2)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if fallback {
		t.Fatal("expected journal lookup to succeed, not fall back")
	}
	if len(records) < 4 {
		t.Fatalf("expected at least [curSOA, oldSOA, newSOA, curSOA], got %d", len(records))
	}
}

func TestApplySyncZoneTransferRecordsReplacesSubtree(t *testing.T) {
	apex := newTestZone(t, 1)
	newSOA := &dns.SOA{
		Hdr:    dns.RR_Header{Name: "example.com.", Rrtype: dns.TypeSOA, Class: dns.ClassINET, Ttl: 3600},
		Ns:     "ns1.example.com.", Mbox: "hostmaster.example.com.", Serial: 5, Minttl: 300,
	}
	ns := &dns.NS{Hdr: dns.RR_Header{Name: "example.com.", Rrtype: dns.TypeNS, Class: dns.ClassINET, Ttl: 3600}, Ns: "ns1.example.com."}
	glueA := &dns.A{Hdr: dns.RR_Header{Name: "ns1.example.com.", Rrtype: dns.TypeA, Class: dns.ClassINET, Ttl: 3600}, A: []byte{198, 51, 100, 1}}
	mail := &dns.A{Hdr: dns.RR_Header{Name: "mail.example.com.", Rrtype: dns.TypeA, Class: dns.ClassINET, Ttl: 300}, A: []byte{192, 0, 2, 9}}
	records := []dns.RR{newSOA, ns, glueA, mail, newSOA}

	if err := ApplySyncZoneTransferRecords(apex, records); err != nil {
		t.Fatalf("ApplySyncZoneTransferRecords: %v", err)
	}
	if apex.SOA().Serial != 5 {
		t.Errorf("expected serial 5, got %d", apex.SOA().Serial)
	}
	if apex.Node().Child("www") != nil {
		t.Error("expected the old www node to be gone after a full resync")
	}
	if mailNode := apex.Node().Child("mail"); mailNode == nil || len(mailNode.RRSets(dns.TypeA)) == 0 {
		t.Error("expected mail.example.com's A record to be present after resync")
	}
	if ns1 := apex.Node().Child("ns1"); ns1 != nil && ns1.HasType(dns.TypeA) {
		t.Error("expected ns1.example.com's A record to be reattached as glue, not left independently queryable")
	}
	nsRecords := apex.Node().RRSets(dns.TypeNS)
	if len(nsRecords) != 1 {
		t.Fatalf("expected one NS record at the apex, got %d", len(nsRecords))
	}
	nsInfo, ok := nsRecords[0].Tag.(zone.NSInfo)
	if !ok {
		t.Fatalf("expected the NS record's tag to be NSInfo, got %T", nsRecords[0].Tag)
	}
	if len(nsInfo.Glue) != 1 {
		t.Fatalf("expected the NS record to carry one glue record, got %d", len(nsInfo.Glue))
	}
}

func TestApplySyncZoneTransferRecordsRejectsMismatchedFraming(t *testing.T) {
	apex := newTestZone(t, 1)
	soaA := &dns.SOA{Hdr: dns.RR_Header{Name: "example.com.", Rrtype: dns.TypeSOA}, Serial: 5}
	soaB := &dns.SOA{Hdr: dns.RR_Header{Name: "example.com.", Rrtype: dns.TypeSOA}, Serial: 6}
	if err := ApplySyncZoneTransferRecords(apex, []dns.RR{soaA, soaB}); err == nil {
		t.Error("expected an error for mismatched framing SOAs")
	}
}

func TestApplySyncIncrementalZoneTransferRecordsAppliesDiff(t *testing.T) {
	apex := newTestZone(t, 1)
	current := apex.SOA()
	next := dns.Copy(current).(*dns.SOA)
	next.Serial = 2
	added := &dns.A{Hdr: dns.RR_Header{Name: "extra.example.com.", Rrtype: dns.TypeA, Class: dns.ClassINET, Ttl: 300}, A: []byte{192, 0, 2, 3}}
	body := []dns.RR{current, next, added}
	records := append([]dns.RR{next}, body...)
	records = append(records, next)

	if err := ApplySyncIncrementalZoneTransferRecords(apex, records); err != nil {
		t.Fatalf("ApplySyncIncrementalZoneTransferRecords: %v", err)
	}
	if apex.SOA().Serial != 2 {
		t.Errorf("expected serial bumped to 2, got %d", apex.SOA().Serial)
	}
	if extra := apex.Node().Child("extra"); extra == nil || len(extra.RRSets(dns.TypeA)) == 0 {
		t.Error("expected extra.example.com to have been added")
	}
}

func TestApplySyncIncrementalZoneTransferRecordsRejectsSerialMismatch(t *testing.T) {
	apex := newTestZone(t, 1)
	wrongOld := &dns.SOA{Hdr: dns.RR_Header{Name: "example.com.", Rrtype: dns.TypeSOA}, Serial: 99}
	next := &dns.SOA{Hdr: dns.RR_Header{Name: "example.com.", Rrtype: dns.TypeSOA}, Serial: 100}
	records := []dns.RR{next, wrongOld, next, next}
	if err := ApplySyncIncrementalZoneTransferRecords(apex, records); err == nil {
		t.Error("expected rejection when a sequence's old serial does not match the zone's current serial")
	}
}
