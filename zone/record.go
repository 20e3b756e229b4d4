package zone

import (
	"time"

	"github.com/miekg/dns"
	"github.com/google/uuid"
)

// Tag carries per-record metadata that isn't part of the wire RR itself.
// Keyed by the record's type the way the teacher keeps one Go struct per
// RR type (ARecordData, NSRecordData, SOARecordData, ...) in its storage
// models; here those per-type structs are generalized into a closed tagged
// union rather than a generic attribute bag, per the design note in §9.
type Tag interface {
	isTag()
}

// GenericInfo is the tag for record types with no extra metadata beyond
// the common fields.
type GenericInfo struct {
	Disabled  bool
	Comment   string
	LastUsed  time.Time
}

func (GenericInfo) isTag() {}

// NSInfo tags an NS record with its attached glue. Per §3's invariant,
// glue is stored as a tagged attachment of the NS record, never as
// independently queryable A/AAAA records.
type NSInfo struct {
	Disabled bool
	Comment  string
	Glue     []dns.RR // A/AAAA records for in-bailiwick targets
}

func (NSInfo) isTag() {}

// SOAInfo tags the apex SOA with the serial-bump scheme in effect.
type SOAInfo struct {
	Disabled bool
	Scheme   SerialScheme
}

func (SOAInfo) isTag() {}

// SVCBInfo tags SVCB/HTTPS records with the auto-hint flag: whether the
// port/alpn hints were derived automatically rather than set explicitly.
type SVCBInfo struct {
	Disabled bool
	AutoHint bool
}

func (SVCBInfo) isTag() {}

// SerialScheme mirrors zoneconfig.SerialScheme without importing that
// package from zone, keeping the zone package dependency-free of the
// ambient config layer; the Manager translates at construction time.
type SerialScheme int

const (
	SerialMonotonic SerialScheme = iota
	SerialDateEncoded
)

// Record is a single resource record plus its tag metadata. Record.Name()
// and Record.Type() are read from the underlying dns.RR header; the
// invariant that Record's name equals its owning node's name is enforced
// by the Node/Tree code that inserts records, not by Record itself.
type Record struct {
	ID  string
	RR  dns.RR
	Tag Tag
}

// NewRecord wraps rr with a freshly generated ID and tag. Record IDs use
// google/uuid, following the teacher's own direct use of that library
// elsewhere (auth/handlers.go, storage/audit.go) in place of its flawed
// hand-rolled timestamp+sleep ID generator.
func NewRecord(rr dns.RR, tag Tag) *Record {
	if tag == nil {
		tag = GenericInfo{}
	}
	return &Record{ID: uuid.NewString(), RR: rr, Tag: tag}
}

func (r *Record) Name() string   { return r.RR.Header().Name }
func (r *Record) Type() uint16   { return r.RR.Header().Rrtype }
func (r *Record) TTL() uint32    { return r.RR.Header().Ttl }

// Disabled reports whether the record is currently excluded from answers
// and transfers. All tag variants carry a Disabled flag.
func (r *Record) Disabled() bool {
	switch t := r.Tag.(type) {
	case GenericInfo:
		return t.Disabled
	case NSInfo:
		return t.Disabled
	case SOAInfo:
		return t.Disabled
	case SVCBInfo:
		return t.Disabled
	default:
		return false
	}
}

// RRSet is all records sharing (name, type) at a node.
type RRSet []*Record

// rdataEqual reports whether two RRs of the same type carry the same
// rdata, ignoring the owner name and TTL (class still counts). Used for RRSet
// uniqueness and CNAME-chase loop detection by rdata equality.
func rdataEqual(a, b dns.RR) bool {
	ac, bc := dns.Copy(a), dns.Copy(b)
	ac.Header().Ttl, bc.Header().Ttl = 0, 0
	ac.Header().Name, bc.Header().Name = "", ""
	return ac.String() == bc.String()
}
