package zone

import (
	"sort"
	"sync"

	"github.com/miekg/dns"
)

// Sequence is one journal entry: the diff that advances a Primary zone
// from OldSOA's serial to NewSOA's serial, per §3's
// "[old-SOA, deleted…, new-SOA, added…]" layout.
type Sequence struct {
	OldSOA  *dns.SOA
	Deleted []dns.RR
	NewSOA  *dns.SOA
	Added   []dns.RR
}

// Journal is the ordered, serial-indexed history of a Primary zone's
// changes. It is the spec's journal entry concept re-keyed by SOA serial
// rather than by the hybrid-logical-clock key the sync package's oplog
// uses for multi-server replication — this core has no peer-to-peer
// replication, only the single authoritative-to-secondary IXFR direction,
// so the append-only-log idiom is kept but the key collapses to the
// serial the sequence arrives at.
type Journal struct {
	mu   sync.RWMutex
	byNewSerial map[uint32]Sequence
	order       []uint32 // ascending NewSOA.Serial, kept sorted on Append
}

func newJournal() *Journal {
	return &Journal{byNewSerial: make(map[uint32]Sequence)}
}

// Append adds seq to the journal. Per §3's monotone-by-serial invariant,
// seq.NewSOA.Serial must exceed every serial already recorded; callers
// (the apex mutators) are responsible for bumping the serial before
// calling Append.
func (j *Journal) Append(seq Sequence) {
	j.mu.Lock()
	defer j.mu.Unlock()
	serial := seq.NewSOA.Serial
	if _, exists := j.byNewSerial[serial]; exists {
		return
	}
	j.byNewSerial[serial] = seq
	j.order = append(j.order, serial)
	sort.Slice(j.order, func(a, b int) bool { return serialLess(j.order[a], j.order[b]) })
}

// SequencesSince returns every sequence needed to bring a client at
// fromSerial up to the journal's current head, in order, plus whether
// fromSerial was found at all (false means the caller must fall back to
// AXFR per §4.4's "if not found, fall back to AXFR" rule).
func (j *Journal) SequencesSince(fromSerial uint32) ([]Sequence, bool) {
	j.mu.RLock()
	defer j.mu.RUnlock()
	if len(j.order) == 0 {
		return nil, false
	}
	out := make([]Sequence, 0, len(j.order))
	found := false
	for _, serial := range j.order {
		seq := j.byNewSerial[serial]
		if !found {
			if seq.OldSOA == nil || seq.OldSOA.Serial != fromSerial {
				continue
			}
			found = true
		}
		out = append(out, seq)
	}
	if !found {
		return nil, false
	}
	return out, true
}

// Head returns the most recently appended sequence's NewSOA serial, and
// whether the journal is non-empty.
func (j *Journal) Head() (uint32, bool) {
	j.mu.RLock()
	defer j.mu.RUnlock()
	if len(j.order) == 0 {
		return 0, false
	}
	return j.order[len(j.order)-1], true
}

// serialLess implements RFC 1982 serial number arithmetic, following the
// same comparison the teacher's secondary.go uses to decide whether a
// newly learned SOA serial supersedes the current one.
func serialLess(a, b uint32) bool {
	return int32(a-b) < 0
}

// isGlueRecord reports whether rr is an A/AAAA record owned by a name
// outside zoneName's bailiwick, making it transfer glue rather than
// zone data, per §4.4's "glue records (A/AAAA not under the zone apex)
// are tracked separately" rule. The root zone special-cases every
// A/AAAA as glue, since nothing is under-apex relative to the root.
func isGlueRecord(rr dns.RR, zoneName string) bool {
	if rr.Header().Rrtype != dns.TypeA && rr.Header().Rrtype != dns.TypeAAAA {
		return false
	}
	if zoneName == "." {
		return true
	}
	return !isInBailiwick(rr.Header().Name, zoneName)
}

// Condense implements §4.4's CondenseIncrementalZoneTransferRecords:
// merge seqs (assumed contiguous and in order) into one sequence by
// cancelling each deletion against a later addition of the same rdata
// and vice versa, so records that were both removed and re-added across
// the span net out to nothing.
func Condense(seqs []Sequence, zoneName string) Sequence {
	if len(seqs) == 0 {
		return Sequence{}
	}
	first, last := seqs[0], seqs[len(seqs)-1]

	var dels, adds []dns.RR
	for _, s := range seqs {
		dels = append(dels, s.Deleted...)
		adds = append(adds, s.Added...)
	}

	finalDels := make([]dns.RR, 0, len(dels))
	for _, d := range dels {
		cancelled := false
		for i, a := range adds {
			if a != nil && dns.CanonicalName(a.Header().Name) == dns.CanonicalName(d.Header().Name) && rdataEqual(d, a) {
				adds[i] = nil
				cancelled = true
				break
			}
		}
		if !cancelled {
			finalDels = append(finalDels, d)
		}
	}
	finalAdds := make([]dns.RR, 0, len(adds))
	for _, a := range adds {
		if a != nil {
			finalAdds = append(finalAdds, a)
		}
	}

	// Separate glue from zone data per the layout in §4.4: deletions and
	// additions each split into ordinary records and glue records, with
	// glue trailing its respective group.
	delData, delGlue := splitGlue(finalDels, zoneName)
	addData, addGlue := splitGlue(finalAdds, zoneName)

	return Sequence{
		OldSOA:  first.OldSOA,
		NewSOA:  last.NewSOA,
		Deleted: append(delData, delGlue...),
		Added:   append(addData, addGlue...),
	}
}

func splitGlue(rrs []dns.RR, zoneName string) (data, glue []dns.RR) {
	for _, rr := range rrs {
		if isGlueRecord(rr, zoneName) {
			glue = append(glue, rr)
		} else {
			data = append(data, rr)
		}
	}
	return data, glue
}
