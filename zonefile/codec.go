// Package zonefile implements the binary zone snapshot format described
// in SPEC_FULL.md §6: magic "DZ" followed by a version byte, then a
// version-specific record and metadata layout. It satisfies
// zone.FileCodec: the zone package owns the in-memory tree and hands
// this package nothing but an io.Writer/io.Reader and the flattened
// ZoneSnapshot/ApexZoneInfo shapes.
package zonefile

import (
	"encoding/binary"
	"encoding/json"
	"errors"
	"io"
	"time"

	"github.com/miekg/dns"

	"github.com/Paul1404/DnsServer/zone"
)

var magic = [2]byte{'D', 'Z'}

const (
	versionLegacyRecords byte = 2
	versionTaggedRecords byte = 3
	versionFullInfo      byte = 4

	currentWriteVersion = versionFullInfo
)

// Codec implements zone.FileCodec against the binary format.
type Codec struct{}

// NewCodec returns a ready-to-use Codec. It carries no state; every
// method is a pure function of its reader/writer argument.
func NewCodec() *Codec { return &Codec{} }

// WriteZone always emits the current version (v4), per §6's "the writer
// always emits v4" rule.
func (c *Codec) WriteZone(w io.Writer, apex *zone.ApexZone, info zone.ApexZoneInfo) error {
	bw := &byteWriter{w: w}
	bw.write(magic[:])
	bw.write([]byte{currentWriteVersion})

	infoBlob, err := json.Marshal(wireInfo{
		Name:          info.Name,
		Kind:          int(info.Kind),
		Disabled:      info.Disabled,
		DNSSEC:        int(info.DNSSEC),
		AllowTransfer: info.AllowTransfer,
		AllowNotify:   info.AllowNotify,
		AllowUpdate:   info.AllowUpdate,
		LastModified:  info.LastModified,
	})
	if err != nil {
		return err
	}
	bw.writeBlob(infoBlob)

	records := collectRecords(apex)
	bw.writeUint32(uint32(len(records)))
	for _, rec := range records {
		packed, err := packRR(rec.RR)
		if err != nil {
			return err
		}
		bw.writeBlob(packed)
		tagBlob, err := encodeTag(rec.Tag)
		if err != nil {
			return err
		}
		bw.writeBlob(tagBlob)
	}
	return bw.err
}

// ReadZone accepts v2, v3, and v4, per §6's "the reader must accept v2
// and v3 (legacy migration)" rule.
func (c *Codec) ReadZone(r io.Reader) (zone.ZoneSnapshot, error) {
	br := &byteReader{r: r}
	var gotMagic [2]byte
	br.read(gotMagic[:])
	if br.err != nil {
		return zone.ZoneSnapshot{}, br.err
	}
	if gotMagic != magic {
		return zone.ZoneSnapshot{}, errors.New("zonefile: bad magic")
	}
	version := br.readByte()
	if br.err != nil {
		return zone.ZoneSnapshot{}, br.err
	}

	switch version {
	case versionLegacyRecords:
		return c.readV2(br)
	case versionTaggedRecords:
		return c.readV3(br)
	case versionFullInfo:
		return c.readV4(br)
	default:
		return zone.ZoneSnapshot{}, errors.New("zonefile: unknown version")
	}
}

func (c *Codec) readV2(br *byteReader) (zone.ZoneSnapshot, error) {
	count := br.readUint32()
	records, soaName, hasNS := readRecords(br, count, false)
	if br.err != nil {
		return zone.ZoneSnapshot{}, br.err
	}
	kind := zone.KindPrimary
	if soaName == "" {
		kind = zone.KindForwarder
	} else if !hasNS {
		kind = zone.KindStub
	}
	return zone.ZoneSnapshot{
		Info:    zone.ApexZoneInfo{Name: soaName, Kind: kind},
		Records: records,
	}, nil
}

func (c *Codec) readV3(br *byteReader) (zone.ZoneSnapshot, error) {
	disabled := br.readByte() != 0
	count := br.readUint32()
	records, soaName, hasNS := readRecords(br, count, true)
	if br.err != nil {
		return zone.ZoneSnapshot{}, br.err
	}
	kind := zone.KindPrimary
	if soaName == "" {
		kind = zone.KindForwarder
	} else if !hasNS {
		kind = zone.KindStub
	}
	return zone.ZoneSnapshot{
		Info:    zone.ApexZoneInfo{Name: soaName, Kind: kind, Disabled: disabled},
		Records: records,
	}, nil
}

func (c *Codec) readV4(br *byteReader) (zone.ZoneSnapshot, error) {
	infoBlob := br.readBlob()
	if br.err != nil {
		return zone.ZoneSnapshot{}, br.err
	}
	var wi wireInfo
	if err := json.Unmarshal(infoBlob, &wi); err != nil {
		return zone.ZoneSnapshot{}, err
	}
	count := br.readUint32()
	records, _, _ := readRecords(br, count, true)
	if br.err != nil {
		return zone.ZoneSnapshot{}, br.err
	}
	return zone.ZoneSnapshot{
		Info: zone.ApexZoneInfo{
			Name:          wi.Name,
			Kind:          zone.ApexKind(wi.Kind),
			Disabled:      wi.Disabled,
			DNSSEC:        zone.DNSSECStatus(wi.DNSSEC),
			AllowTransfer: wi.AllowTransfer,
			AllowNotify:   wi.AllowNotify,
			AllowUpdate:   wi.AllowUpdate,
			LastModified:  wi.LastModified,
		},
		Records: records,
	}, nil
}

// readRecords reads count records (with tag blobs if withTags), also
// reporting the SOA's owner name (for v2/v3 zone-type inference) and
// whether any NS record was present.
func readRecords(br *byteReader, count uint32, withTags bool) (out []zone.SnapshotRecord, soaName string, hasNS bool) {
	out = make([]zone.SnapshotRecord, 0, count)
	for i := uint32(0); i < count; i++ {
		packed := br.readBlob()
		if br.err != nil {
			return out, soaName, hasNS
		}
		rr, err := unpackRR(packed)
		if err != nil {
			br.err = err
			return out, soaName, hasNS
		}
		var tag zone.Tag = zone.GenericInfo{}
		if withTags {
			tagBlob := br.readBlob()
			if br.err != nil {
				return out, soaName, hasNS
			}
			tag, err = decodeTag(tagBlob)
			if err != nil {
				br.err = err
				return out, soaName, hasNS
			}
		}
		if _, ok := rr.(*dns.SOA); ok {
			soaName = rr.Header().Name
		}
		if rr.Header().Rrtype == dns.TypeNS {
			hasNS = true
		}
		out = append(out, zone.SnapshotRecord{RR: rr, Tag: tag})
	}
	return out, soaName, hasNS
}

// collectRecords flattens apex's tree into a single list, the inverse
// of readRecords, walking the apex's subtree but stopping at nested
// zone cuts (their own apex owns and persists their own file).
func collectRecords(apex *zone.ApexZone) []zone.SnapshotRecord {
	var out []zone.SnapshotRecord
	var walk func(n *zone.Node, isApexNode bool)
	walk = func(n *zone.Node, isApexNode bool) {
		if !isApexNode && n.IsDelegation() {
			// still emit the NS/glue at the cut itself, just don't descend
			// into the child zone's own nodes.
			for _, set := range n.AllRRSets() {
				for _, r := range set {
					out = append(out, zone.SnapshotRecord{RR: r.RR, Tag: r.Tag})
				}
			}
			return
		}
		for _, set := range n.AllRRSets() {
			for _, r := range set {
				out = append(out, zone.SnapshotRecord{RR: r.RR, Tag: r.Tag})
			}
		}
		for _, label := range n.ChildLabels() {
			if c := n.Child(label); c != nil {
				walk(c, false)
			}
		}
	}
	walk(apex.Node(), true)
	return out
}

// wireInfo is the JSON-encoded shape of zone.ApexZoneInfo persisted in a
// v4 file's leading blob.
type wireInfo struct {
	Name          string    `json:"name"`
	Kind          int       `json:"kind"`
	Disabled      bool      `json:"disabled"`
	DNSSEC        int       `json:"dnssec"`
	AllowTransfer bool      `json:"allow_transfer"`
	AllowNotify   bool      `json:"allow_notify"`
	AllowUpdate   bool      `json:"allow_update"`
	LastModified  time.Time `json:"last_modified"`
}

// packRR serializes a single RR using the wire library's own message
// codec: a one-record dns.Msg is packed and the resulting bytes are
// what this format stores, avoiding a hand-rolled RR binary encoder.
func packRR(rr dns.RR) ([]byte, error) {
	msg := new(dns.Msg)
	msg.Answer = []dns.RR{rr}
	return msg.Pack()
}

func unpackRR(b []byte) (dns.RR, error) {
	msg := new(dns.Msg)
	if err := msg.Unpack(b); err != nil {
		return nil, err
	}
	if len(msg.Answer) != 1 {
		return nil, errors.New("zonefile: expected exactly one record")
	}
	return msg.Answer[0], nil
}

// wireTag is the JSON-encoded shape every zone.Tag variant marshals to;
// Kind discriminates which fields are meaningful.
type wireTag struct {
	Kind     string    `json:"kind"`
	Disabled bool      `json:"disabled,omitempty"`
	Comment  string    `json:"comment,omitempty"`
	LastUsed time.Time `json:"last_used,omitempty"`
	Glue     [][]byte  `json:"glue,omitempty"`
	Scheme   int       `json:"scheme,omitempty"`
	AutoHint bool      `json:"auto_hint,omitempty"`
}

func encodeTag(tag zone.Tag) ([]byte, error) {
	var wt wireTag
	switch t := tag.(type) {
	case zone.NSInfo:
		wt.Kind = "ns"
		wt.Disabled = t.Disabled
		wt.Comment = t.Comment
		for _, g := range t.Glue {
			b, err := packRR(g)
			if err != nil {
				return nil, err
			}
			wt.Glue = append(wt.Glue, b)
		}
	case zone.SOAInfo:
		wt.Kind = "soa"
		wt.Disabled = t.Disabled
		wt.Scheme = int(t.Scheme)
	case zone.SVCBInfo:
		wt.Kind = "svcb"
		wt.Disabled = t.Disabled
		wt.AutoHint = t.AutoHint
	case zone.GenericInfo:
		wt.Kind = "generic"
		wt.Disabled = t.Disabled
		wt.Comment = t.Comment
		wt.LastUsed = t.LastUsed
	default:
		wt.Kind = "generic"
	}
	return json.Marshal(wt)
}

func decodeTag(blob []byte) (zone.Tag, error) {
	var wt wireTag
	if err := json.Unmarshal(blob, &wt); err != nil {
		return nil, err
	}
	switch wt.Kind {
	case "ns":
		var glue []dns.RR
		for _, b := range wt.Glue {
			rr, err := unpackRR(b)
			if err != nil {
				return nil, err
			}
			glue = append(glue, rr)
		}
		return zone.NSInfo{Disabled: wt.Disabled, Comment: wt.Comment, Glue: glue}, nil
	case "soa":
		return zone.SOAInfo{Disabled: wt.Disabled, Scheme: zone.SerialScheme(wt.Scheme)}, nil
	case "svcb":
		return zone.SVCBInfo{Disabled: wt.Disabled, AutoHint: wt.AutoHint}, nil
	default:
		return zone.GenericInfo{Disabled: wt.Disabled, Comment: wt.Comment, LastUsed: wt.LastUsed}, nil
	}
}

// byteWriter/byteReader are small length-prefixed-blob helpers so the
// version-specific Read/Write methods above read as a flat sequence of
// fields instead of manual offset arithmetic.

type byteWriter struct {
	w   io.Writer
	err error
}

func (bw *byteWriter) write(b []byte) {
	if bw.err != nil {
		return
	}
	_, bw.err = bw.w.Write(b)
}

func (bw *byteWriter) writeUint32(v uint32) {
	var buf [4]byte
	binary.BigEndian.PutUint32(buf[:], v)
	bw.write(buf[:])
}

func (bw *byteWriter) writeBlob(b []byte) {
	bw.writeUint32(uint32(len(b)))
	bw.write(b)
}

type byteReader struct {
	r   io.Reader
	err error
}

func (br *byteReader) read(b []byte) {
	if br.err != nil {
		return
	}
	_, br.err = io.ReadFull(br.r, b)
}

func (br *byteReader) readByte() byte {
	var b [1]byte
	br.read(b[:])
	return b[0]
}

func (br *byteReader) readUint32() uint32 {
	var buf [4]byte
	br.read(buf[:])
	return binary.BigEndian.Uint32(buf[:])
}

func (br *byteReader) readBlob() []byte {
	n := br.readUint32()
	if br.err != nil {
		return nil
	}
	buf := make([]byte, n)
	br.read(buf)
	return buf
}
