package zone

import (
	"io"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/miekg/dns"

	"github.com/Paul1404/DnsServer/logsink"
	"github.com/Paul1404/DnsServer/zoneerr"
)

// ApexZoneInfo is the admin-facing metadata §3 describes: everything
// about a zone that isn't the zone's actual records. The Zone Manager
// keeps one of these per apex in its lexicographically sorted index,
// separate from the ApexZone itself so listing zones never needs to
// touch the tree.
type ApexZoneInfo struct {
	Name         string
	Kind         ApexKind
	Disabled     bool
	DNSSEC       DNSSECStatus
	AllowTransfer bool
	AllowNotify   bool
	AllowUpdate   bool
	LastModified time.Time
}

// Signer is the DNSSEC dependency the Zone Manager delegates
// Sign/Unsign/ConvertTo*/key-lifecycle admin operations to. Implemented
// by the dnssec package; kept as an interface here so the zone package
// never imports signing key material or crypto primitives directly.
type Signer interface {
	Sign(apex *ApexZone, nsec3 bool) error
	Unsign(apex *ApexZone) error
	ConvertToNSEC(apex *ApexZone) error
	ConvertToNSEC3(apex *ApexZone) error
	GenerateKey(apex *ApexZone, ksk bool) error
	UpdateKey(apex *ApexZone, keyTag uint16, active bool) error
	RolloverKey(apex *ApexZone, keyTag uint16) error
	RetireKey(apex *ApexZone, keyTag uint16) error
	DeleteKey(apex *ApexZone, keyTag uint16) error
}

// ZoneSnapshot is the flattened, tree-independent shape a zone file
// round-trips through: enough to reconstruct an ApexZone's records
// without the zonefile package needing access to Node/Tree internals,
// which the Manager alone is responsible for wiring back together.
type ZoneSnapshot struct {
	Info    ApexZoneInfo
	Records []SnapshotRecord
}

// SnapshotRecord pairs a record with the owner name it should be
// reinserted at, since a raw dns.RR's header name is exactly that.
type SnapshotRecord struct {
	RR  dns.RR
	Tag Tag
}

// FileCodec is the persistence dependency the Zone Manager consumes for
// the binary zone file format defined in SPEC_FULL.md §6. Implemented
// by the zonefile package; kept as an interface here so the zone
// package has no dependency on the on-disk format version handling.
type FileCodec interface {
	WriteZone(w io.Writer, apex *ApexZone, info ApexZoneInfo) error
	ReadZone(r io.Reader) (ZoneSnapshot, error)
}

// FileStore resolves zone names to their on-disk location and hands
// back read/write handles, decoupling the Manager from any particular
// filesystem layout. The default implementation follows SPEC_FULL.md
// §6's "<configRoot>/zones/<lowercase-zone-name>.zone" layout.
type FileStore interface {
	Create(zoneName string) (io.WriteCloser, error)
	Open(zoneName string) (io.ReadCloser, error)
	Remove(zoneName string) error
	ListZoneFiles() ([]string, error)
}

// isInternalZone reports whether zoneName must never be persisted to
// disk, per §4.5's "internal/system zones (localhost, RFC 6761 reverse)
// are never written to disk" rule.
func isInternalZone(name string) bool {
	switch dns.Fqdn(name) {
	case "localhost.", "127.in-addr.arpa.", "0.in-addr.arpa.", "255.in-addr.arpa.",
		"1.0.0.127.in-addr.arpa.", "0.0.0.0.0.0.0.0.0.0.0.0.0.0.0.0.0.0.0.0.0.0.0.0.0.0.0.0.0.0.0.ip6.arpa.":
		return true
	default:
		return false
	}
}

// Manager is the Zone Manager: lifecycle CRUD over a Tree, a sorted
// admin index, and a debounced save loop.
type Manager struct {
	tree   *Tree
	codec  FileCodec
	files  FileStore
	log    logsink.Sink
	signer Signer

	serverDomain string

	indexMu sync.RWMutex
	index   map[string]*ApexZoneInfo

	saveMu      sync.Mutex
	pending     map[string]bool
	saveTimer   *time.Timer
	debounce    time.Duration
	disposed    bool
}

// NewManager constructs a Manager. debounce should match
// zoneconfig.SaveConfig.Debounce (10s by default per §4.5).
func NewManager(tree *Tree, codec FileCodec, files FileStore, log logsink.Sink, debounce time.Duration) *Manager {
	if log == nil {
		log = logsink.Discard
	}
	return &Manager{
		tree:     tree,
		codec:    codec,
		files:    files,
		log:      log,
		index:    make(map[string]*ApexZoneInfo),
		pending:  make(map[string]bool),
		debounce: debounce,
	}
}

// CreatePrimary creates a new Primary apex with a fresh SOA/NS pair.
func (m *Manager) CreatePrimary(name string, scheme SerialScheme, nameservers []string) (*ApexZone, error) {
	name = dns.Fqdn(name)
	if err := validateZoneName(name); err != nil {
		return nil, err
	}
	apex, err := m.tree.AddApexZone(name, PrimaryInfo{Serial: scheme})
	if err != nil {
		return nil, err
	}
	soa := freshSOA(name, nameservers, scheme)
	apex.Node().addRecord(NewRecord(soa, SOAInfo{Scheme: scheme}))
	for _, ns := range nameservers {
		apex.Node().addRecord(NewRecord(&dns.NS{
			Hdr: dns.RR_Header{Name: name, Rrtype: dns.TypeNS, Class: dns.ClassINET, Ttl: 3600},
			Ns:  dns.Fqdn(ns),
		}, NSInfo{}))
	}
	m.putIndex(apex, KindPrimary)
	m.SaveZoneFile(name)
	return apex, nil
}

// CreateSecondary creates a new Secondary apex with no data yet; data
// arrives via transfer.ApplySyncZoneTransferRecords.
func (m *Manager) CreateSecondary(name, primaryAddr, tsigKeyName string) (*ApexZone, error) {
	name = dns.Fqdn(name)
	if err := validateZoneName(name); err != nil {
		return nil, err
	}
	apex, err := m.tree.AddApexZone(name, SecondaryInfo{
		PrimaryAddr: primaryAddr,
		TSIGKeyName: tsigKeyName,
		RefreshState: &RefreshState{Status: RefreshIdle},
	})
	if err != nil {
		return nil, err
	}
	m.putIndex(apex, KindSecondary)
	return apex, nil
}

// CreateStub creates a new Stub apex.
func (m *Manager) CreateStub(name, primaryAddr string) (*ApexZone, error) {
	name = dns.Fqdn(name)
	if err := validateZoneName(name); err != nil {
		return nil, err
	}
	apex, err := m.tree.AddApexZone(name, StubInfo{
		PrimaryAddr:  primaryAddr,
		RefreshState: &RefreshState{Status: RefreshIdle},
	})
	if err != nil {
		return nil, err
	}
	m.putIndex(apex, KindStub)
	return apex, nil
}

// CreateForwarder creates a new Forwarder apex targeting targets.
func (m *Manager) CreateForwarder(name string, targets []string) (*ApexZone, error) {
	name = dns.Fqdn(name)
	if err := validateZoneName(name); err != nil {
		return nil, err
	}
	apex, err := m.tree.AddApexZone(name, ForwarderInfo{Targets: targets})
	if err != nil {
		return nil, err
	}
	apex.Node().SetForwardTargets(targets)
	m.putIndex(apex, KindForwarder)
	m.SaveZoneFile(name)
	return apex, nil
}

// DeleteZone removes the apex, stops tracking it in the index, and
// removes its on-disk file if any. Per §3's lifecycle note, stopping
// timers (refresh, signer) is the caller's responsibility once it has
// the RefreshState/signer handle; the Manager only detaches the apex
// from the tree and index.
func (m *Manager) DeleteZone(name string) error {
	name = dns.Fqdn(name)
	if err := m.tree.TryRemove(name); err != nil {
		return err
	}
	m.indexMu.Lock()
	delete(m.index, name)
	m.indexMu.Unlock()
	if !isInternalZone(name) && m.files != nil {
		if err := m.files.Remove(name); err != nil {
			m.log.WriteErr(err)
		}
	}
	return nil
}

// GetAllZones returns every ApexZoneInfo in the index, sorted
// lexicographically by name.
func (m *Manager) GetAllZones() []ApexZoneInfo {
	m.indexMu.RLock()
	defer m.indexMu.RUnlock()
	out := make([]ApexZoneInfo, 0, len(m.index))
	for _, info := range m.index {
		out = append(out, *info)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Name < out[j].Name })
	return out
}

// GetZonesPage returns a lexicographically sorted page of ApexZoneInfo
// starting at offset, at most limit entries.
func (m *Manager) GetZonesPage(offset, limit int) []ApexZoneInfo {
	all := m.GetAllZones()
	if offset >= len(all) {
		return nil
	}
	end := offset + limit
	if end > len(all) || limit <= 0 {
		end = len(all)
	}
	return all[offset:end]
}

func (m *Manager) putIndex(apex *ApexZone, kind ApexKind) {
	m.indexMu.Lock()
	defer m.indexMu.Unlock()
	m.index[apex.Name] = &ApexZoneInfo{
		Name:         apex.Name,
		Kind:         kind,
		DNSSEC:       apex.DNSSECStatus(),
		LastModified: time.Now(),
	}
}

func (m *Manager) touchIndex(name string) {
	m.indexMu.Lock()
	defer m.indexMu.Unlock()
	if info, ok := m.index[name]; ok {
		info.LastModified = time.Now()
	}
}

// ConvertZoneType implements §4.5's conversion matrix. On any failure
// partway through, the apex is rolled back by reloading its prior
// on-disk file.
func (m *Manager) ConvertZoneType(name string, to ApexKind, serverDomain string) error {
	name = dns.Fqdn(name)
	apex := m.tree.ApexByName(name)
	if apex == nil {
		return zoneerr.ZoneNotFound
	}
	from := apex.Kind()

	allowed := (from == KindPrimary && to == KindForwarder && apex.DNSSECStatus() == Unsigned) ||
		(from == KindSecondary && to == KindPrimary) ||
		(from == KindSecondary && to == KindForwarder) ||
		(from == KindForwarder && to == KindPrimary)
	if !allowed {
		return zoneerr.ConversionRejected
	}

	if err := m.applyConversion(apex, from, to, serverDomain); err != nil {
		m.rollback(name)
		return err
	}
	m.putIndex(apex, to)
	m.SaveZoneFile(name)
	return nil
}

func (m *Manager) applyConversion(apex *ApexZone, from, to ApexKind, serverDomain string) error {
	node := apex.Node()
	switch {
	case from == KindPrimary && to == KindForwarder:
		node.clearType(dns.TypeSOA)
		node.clearType(dns.TypeNS)
		apex.setVariant(ForwarderInfo{})
	case from == KindSecondary && to == KindPrimary:
		stripDNSSECRecords(node)
		apex.SetDNSSECStatus(Unsigned)
		if soa := apex.SOA(); soa != nil {
			bumped := dns.Copy(soa).(*dns.SOA)
			bumped.Serial++
			replaceSOA(node, bumped)
		}
		apex.setVariant(PrimaryInfo{Serial: SerialDateEncoded})
	case from == KindSecondary && to == KindForwarder:
		node.clearType(dns.TypeSOA)
		node.clearType(dns.TypeNS)
		stripDNSSECRecords(node)
		apex.setVariant(ForwarderInfo{})
	case from == KindForwarder && to == KindPrimary:
		node.SetForwardTargets(nil)
		soa := freshSOA(apex.Name, []string{serverDomain}, SerialDateEncoded)
		node.addRecord(NewRecord(soa, SOAInfo{Scheme: SerialDateEncoded}))
		node.addRecord(NewRecord(&dns.NS{
			Hdr: dns.RR_Header{Name: apex.Name, Rrtype: dns.TypeNS, Class: dns.ClassINET, Ttl: 3600},
			Ns:  dns.Fqdn(serverDomain),
		}, NSInfo{}))
		apex.setVariant(PrimaryInfo{Serial: SerialDateEncoded})
	default:
		return zoneerr.ConversionRejected
	}
	return nil
}

// replaceSOA atomically swaps the apex node's SOA record for updated,
// preserving the original record's ID and tag. Used wherever the
// Manager needs to bump or rewrite a SOA field without mutating the
// record struct readers may be concurrently observing.
func replaceSOA(node *Node, updated *dns.SOA) {
	set := node.RRSets(dns.TypeSOA)
	tag := Tag(SOAInfo{})
	id := ""
	if len(set) > 0 {
		tag = set[0].Tag
		id = set[0].ID
	}
	node.clearType(dns.TypeSOA)
	rec := NewRecord(updated, tag)
	if id != "" {
		rec.ID = id
	}
	node.addRecord(rec)
}

func stripDNSSECRecords(node *Node) {
	for _, t := range []uint16{dns.TypeRRSIG, dns.TypeDNSKEY, dns.TypeNSEC, dns.TypeNSEC3, dns.TypeNSEC3PARAM, dns.TypeDS} {
		node.clearType(t)
	}
}

// rollback discards the in-memory apex's current state and reloads it
// from its last-saved file, per §4.5's "on failure anywhere during
// conversion, roll back by reloading the prior zone file" rule.
func (m *Manager) rollback(name string) {
	if err := m.tree.TryRemove(name); err != nil && zoneerr.Classify(err) != zoneerr.KindZoneNotFound {
		m.log.WriteErr(err)
	}
	if _, err := m.LoadZoneFile(name); err != nil {
		m.log.WriteErr(err)
	}
}

// LoadZoneFile reads name's on-disk file via the wired FileStore/
// FileCodec and materializes it as a fresh apex in the tree, overwriting
// any existing in-memory apex of the same name.
func (m *Manager) LoadZoneFile(name string) (*ApexZone, error) {
	if m.files == nil || m.codec == nil {
		return nil, zoneerr.IOFailure
	}
	r, err := m.files.Open(name)
	if err != nil {
		return nil, zoneerr.IOFailure
	}
	defer r.Close()
	snap, err := m.codec.ReadZone(r)
	if err != nil {
		return nil, zoneerr.InvalidZoneFile
	}

	variant := variantForKind(snap.Info.Kind)
	apex, err := m.tree.AddApexZone(snap.Info.Name, variant)
	if err != nil {
		return nil, err
	}
	apex.SetDisabled(snap.Info.Disabled)
	apex.SetDNSSECStatus(snap.Info.DNSSEC)
	for _, rec := range snap.Records {
		node := m.descendTo(apex, rec.RR.Header().Name)
		node.addRecord(NewRecord(rec.RR, rec.Tag))
	}
	m.indexMu.Lock()
	info := snap.Info
	m.index[snap.Info.Name] = &info
	m.indexMu.Unlock()
	return apex, nil
}

func variantForKind(k ApexKind) VariantInfo {
	switch k {
	case KindSecondary:
		return SecondaryInfo{RefreshState: &RefreshState{Status: RefreshIdle}}
	case KindStub:
		return StubInfo{RefreshState: &RefreshState{Status: RefreshIdle}}
	case KindForwarder:
		return ForwarderInfo{}
	default:
		return PrimaryInfo{Serial: SerialDateEncoded}
	}
}

// validateZoneName rejects malformed zone names; the root zone (given
// as "." or "") is accepted.
func validateZoneName(name string) error {
	if name == "" || name == "." {
		return nil
	}
	if _, ok := dns.IsDomainName(name); !ok {
		return zoneerr.InvalidZoneName
	}
	return nil
}

// freshSOA builds a new SOA for a newly created Primary/Forwarder zone.
func freshSOA(zoneName string, nameservers []string, scheme SerialScheme) *dns.SOA {
	primaryNS := zoneName
	if len(nameservers) > 0 {
		primaryNS = dns.Fqdn(nameservers[0])
	}
	return &dns.SOA{
		Hdr:     dns.RR_Header{Name: zoneName, Rrtype: dns.TypeSOA, Class: dns.ClassINET, Ttl: 3600},
		Ns:      primaryNS,
		Mbox:    "hostmaster." + zoneName,
		Serial:  initialSerial(scheme),
		Refresh: 3600,
		Retry:   900,
		Expire:  604800,
		Minttl:  3600,
	}
}

func initialSerial(scheme SerialScheme) uint32 {
	if scheme != SerialDateEncoded {
		return 1
	}
	now := time.Now().UTC()
	return uint32(now.Year())*1e6 + uint32(now.Month())*1e4 + uint32(now.Day())*1e2 + 1
}

// bumpSerial implements §4.2's Primary serial-bump policy: monotonic
// increment, or date-encoded YYYYMMDDnn where nn resets to 01 if today's
// date differs from the serial's embedded date and otherwise increments.
func bumpSerial(current uint32, scheme SerialScheme, now time.Time) uint32 {
	if scheme != SerialDateEncoded {
		return current + 1
	}
	today := uint32(now.Year())*1e6 + uint32(now.Month())*1e4 + uint32(now.Day())*1e2
	curDate := (current / 100) * 100
	if curDate != today {
		return today + 1
	}
	nn := current % 100
	if nn >= 99 {
		return today + 100 + 1 // roll into tomorrow's first bump if exhausted
	}
	return current + 1
}

// SaveZoneFile records name in the pending set and arms the single
// debounce timer, per §4.5's debounced save description.
func (m *Manager) SaveZoneFile(name string) {
	if isInternalZone(name) || m.files == nil {
		return
	}
	m.saveMu.Lock()
	defer m.saveMu.Unlock()
	if m.disposed {
		m.flushOne(name)
		return
	}
	m.pending[name] = true
	if m.saveTimer == nil {
		m.saveTimer = time.AfterFunc(m.debounce, m.runSaveBatch)
	}
}

// runSaveBatch is the debounce timer's callback: it serializes every
// pending zone in one critical section, re-queuing any that fail.
func (m *Manager) runSaveBatch() {
	m.saveMu.Lock()
	batch := m.pending
	m.pending = make(map[string]bool)
	m.saveTimer = nil
	m.saveMu.Unlock()

	failed := make(map[string]bool)
	for name := range batch {
		if err := m.flushOne(name); err != nil {
			m.log.WriteErr(err)
			failed[name] = true
		}
	}

	if len(failed) > 0 {
		m.saveMu.Lock()
		for name := range failed {
			m.pending[name] = true
		}
		if m.saveTimer == nil && !m.disposed {
			m.saveTimer = time.AfterFunc(m.debounce, m.runSaveBatch)
		}
		m.saveMu.Unlock()
	}
}

func (m *Manager) flushOne(name string) error {
	apex := m.tree.ApexByName(name)
	if apex == nil {
		return nil
	}
	m.indexMu.RLock()
	info := m.index[name]
	m.indexMu.RUnlock()
	if info == nil {
		info = &ApexZoneInfo{Name: name, Kind: apex.Kind()}
	}
	info.DNSSEC = apex.DNSSECStatus()
	w, err := m.files.Create(name)
	if err != nil {
		return zoneerr.IOFailure
	}
	defer w.Close()
	if err := m.codec.WriteZone(w, apex, *info); err != nil {
		return zoneerr.IOFailure
	}
	return nil
}

// Dispose flushes the pending set synchronously and stops accepting new
// debounced saves, per §4.5's "Dispose flushes the pending set
// synchronously" rule.
func (m *Manager) Dispose() {
	m.saveMu.Lock()
	if m.saveTimer != nil {
		m.saveTimer.Stop()
		m.saveTimer = nil
	}
	batch := m.pending
	m.pending = make(map[string]bool)
	m.disposed = true
	m.saveMu.Unlock()

	for name := range batch {
		if err := m.flushOne(name); err != nil {
			m.log.WriteErr(err)
		}
	}
}

// AddRecord inserts rr at its owner name inside a Primary zone, bumping
// the zone's serial and appending a journal sequence. Returns
// zoneerr.NameOutsideZone if rr's owner is not in apex's bailiwick, and
// zoneerr.OperationNotSupported if apex is not Primary.
func (m *Manager) AddRecord(zoneName string, rr dns.RR, tag Tag) error {
	apex, node, err := m.primaryNodeFor(zoneName, rr.Header().Name)
	if err != nil {
		return err
	}
	node.addRecord(NewRecord(rr, tag))
	m.bumpAndJournal(apex, nil, []dns.RR{rr})
	m.SaveZoneFile(apex.Name)
	return nil
}

// UpdateRecord replaces the record identified by recordID with rr,
// preserving its tag unless tag is non-nil.
func (m *Manager) UpdateRecord(zoneName string, rrtype uint16, recordID string, rr dns.RR, tag Tag) error {
	apex, node, err := m.primaryNodeFor(zoneName, rr.Header().Name)
	if err != nil {
		return err
	}
	var old dns.RR
	for _, r := range node.RRSets(rrtype) {
		if r.ID == recordID {
			old = r.RR
			if tag == nil {
				tag = r.Tag
			}
			break
		}
	}
	node.removeRecord(rrtype, recordID)
	rec := NewRecord(rr, tag)
	rec.ID = recordID
	node.addRecord(rec)
	var dels []dns.RR
	if old != nil {
		dels = []dns.RR{old}
	}
	m.bumpAndJournal(apex, dels, []dns.RR{rr})
	m.SaveZoneFile(apex.Name)
	return nil
}

// DeleteRecords removes every record in ids from rrtype's RRSet at name.
func (m *Manager) DeleteRecords(zoneName, name string, rrtype uint16, ids []string) error {
	apex, node, err := m.primaryNodeFor(zoneName, name)
	if err != nil {
		return err
	}
	var dels []dns.RR
	for _, id := range ids {
		for _, r := range node.RRSets(rrtype) {
			if r.ID == id {
				dels = append(dels, r.RR)
			}
		}
		node.removeRecord(rrtype, id)
	}
	m.bumpAndJournal(apex, dels, nil)
	m.pruneIfEmpty(name)
	m.SaveZoneFile(apex.Name)
	return nil
}

// SetRecords replaces the entire RRSet for (name, rrtype) with rrs.
func (m *Manager) SetRecords(zoneName, name string, rrtype uint16, rrs []dns.RR, tag Tag) error {
	apex, node, err := m.primaryNodeFor(zoneName, name)
	if err != nil {
		return err
	}
	old := node.clearType(rrtype)
	dels := make([]dns.RR, 0, len(old))
	for _, r := range old {
		dels = append(dels, r.RR)
	}
	for _, rr := range rrs {
		node.addRecord(NewRecord(rr, tag))
	}
	m.bumpAndJournal(apex, dels, rrs)
	m.SaveZoneFile(apex.Name)
	return nil
}

// ImportRecords bulk-inserts rrs into a freshly created or existing
// Primary zone without per-record journal sequences; it appends one
// journal sequence for the whole import.
func (m *Manager) ImportRecords(zoneName string, rrs []dns.RR) error {
	apex := m.tree.ApexByName(dns.Fqdn(zoneName))
	if apex == nil {
		return zoneerr.ZoneNotFound
	}
	if _, ok := apex.Variant().(PrimaryInfo); !ok {
		return zoneerr.OperationNotSupported
	}
	var imported []dns.RR
	for _, rr := range rrs {
		if !isInBailiwick(rr.Header().Name, apex.Name) {
			continue
		}
		node := m.descendTo(apex, rr.Header().Name)
		node.addRecord(NewRecord(rr, GenericInfo{}))
		imported = append(imported, rr)
	}
	m.bumpAndJournal(apex, nil, imported)
	m.SaveZoneFile(apex.Name)
	return nil
}

// CloneZone copies every record from src into a newly created Primary
// zone named dst.
func (m *Manager) CloneZone(src, dst string) (*ApexZone, error) {
	srcApex := m.tree.ApexByName(dns.Fqdn(src))
	if srcApex == nil {
		return nil, zoneerr.ZoneNotFound
	}
	dstApex, err := m.CreatePrimary(dst, SerialDateEncoded, nil)
	if err != nil {
		return nil, err
	}
	var rrs []dns.RR
	walk(srcApex.Node(), func(n *Node) {
		for t, set := range n.AllRRSets() {
			if t == dns.TypeSOA {
				continue
			}
			for _, r := range set {
				rr := dns.Copy(r.RR)
				rr.Header().Name = retarget(rr.Header().Name, srcApex.Name, dstApex.Name)
				rrs = append(rrs, rr)
			}
		}
	})
	return dstApex, m.ImportRecords(dst, rrs)
}

func retarget(name, oldSuffix, newSuffix string) string {
	name = dns.Fqdn(strings.ToLower(name))
	if !isInBailiwick(name, oldSuffix) {
		return name
	}
	prefix := name[:len(name)-len(oldSuffix)]
	return dns.Fqdn(prefix + newSuffix)
}

// walk visits n and every descendant node depth-first.
func walk(n *Node, visit func(*Node)) {
	visit(n)
	for _, label := range n.childLabels() {
		if c := n.child(label); c != nil {
			walk(c, visit)
		}
	}
}

func (m *Manager) descendTo(apex *ApexZone, name string) *Node {
	name = dns.Fqdn(strings.ToLower(name))
	rel := name[:len(name)-len(apex.Name)]
	labels := canonicalLabels(rel + apex.Name)
	apexDepth := len(canonicalLabels(apex.Name))
	cur := apex.Node()
	for i := apexDepth; i < len(labels); i++ {
		cur = cur.getOrAddChild(labels[i])
	}
	return cur
}

func (m *Manager) primaryNodeFor(zoneName, recordName string) (*ApexZone, *Node, error) {
	apex := m.tree.ApexByName(dns.Fqdn(zoneName))
	if apex == nil {
		return nil, nil, zoneerr.ZoneNotFound
	}
	if _, ok := apex.Variant().(PrimaryInfo); !ok {
		return nil, nil, zoneerr.OperationNotSupported
	}
	if !isInBailiwick(recordName, apex.Name) {
		return nil, nil, zoneerr.NameOutsideZone
	}
	return apex, m.descendTo(apex, dns.Fqdn(recordName)), nil
}

func (m *Manager) pruneIfEmpty(name string) {
	m.tree.PruneEmpty(name)
}

// bumpAndJournal bumps apex's SOA serial per its configured scheme and
// appends a journal sequence recording dels/adds, per §4.2's "every
// write bumps SOA serial... each mutation appends a journal sequence."
func (m *Manager) bumpAndJournal(apex *ApexZone, dels, adds []dns.RR) {
	primary, ok := apex.Variant().(PrimaryInfo)
	if !ok {
		return
	}
	node := apex.Node()
	oldSOA := apex.SOA()
	if oldSOA == nil {
		return
	}
	oldSOACopy := dns.Copy(oldSOA).(*dns.SOA)
	newSOA := dns.Copy(oldSOA).(*dns.SOA)
	newSOA.Serial = bumpSerial(oldSOA.Serial, primary.Serial, time.Now())
	replaceSOA(node, newSOA)
	apex.Journal().Append(Sequence{OldSOA: oldSOACopy, Deleted: dels, NewSOA: newSOA, Added: adds})
	m.touchIndex(apex.Name)
}

// SetSigner wires the DNSSEC dependency in after construction.
func (m *Manager) SetSigner(s Signer) { m.signer = s }

// SignZone, UnsignZone, ConvertToNSEC, and ConvertToNSEC3 delegate to
// the wired Signer, surfacing zoneerr.OperationNotSupported if none is
// wired or if the apex's variant cannot be signed (e.g. Secondary).
func (m *Manager) SignZone(name string, nsec3 bool) error {
	apex, err := m.signableApex(name)
	if err != nil {
		return err
	}
	return m.signer.Sign(apex, nsec3)
}

func (m *Manager) UnsignZone(name string) error {
	apex, err := m.signableApex(name)
	if err != nil {
		return err
	}
	return m.signer.Unsign(apex)
}

func (m *Manager) ConvertToNSEC(name string) error {
	apex, err := m.signableApex(name)
	if err != nil {
		return err
	}
	return m.signer.ConvertToNSEC(apex)
}

func (m *Manager) ConvertToNSEC3(name string) error {
	apex, err := m.signableApex(name)
	if err != nil {
		return err
	}
	return m.signer.ConvertToNSEC3(apex)
}

func (m *Manager) GenerateDnsKey(name string, ksk bool) error {
	apex, err := m.signableApex(name)
	if err != nil {
		return err
	}
	return m.signer.GenerateKey(apex, ksk)
}

// UpdateDnsKey changes whether keyTag is one of the zone's active
// signing keys without minting a replacement (RolloverDnsKey) or
// discarding the key's material (DeleteDnsKey), e.g. reinstating a
// key that was deactivated, or standing one down in favor of a key
// RolloverDnsKey already published.
func (m *Manager) UpdateDnsKey(name string, keyTag uint16, active bool) error {
	apex, err := m.signableApex(name)
	if err != nil {
		return err
	}
	return m.signer.UpdateKey(apex, keyTag, active)
}

func (m *Manager) RolloverDnsKey(name string, keyTag uint16) error {
	apex, err := m.signableApex(name)
	if err != nil {
		return err
	}
	return m.signer.RolloverKey(apex, keyTag)
}

func (m *Manager) RetireDnsKey(name string, keyTag uint16) error {
	apex, err := m.signableApex(name)
	if err != nil {
		return err
	}
	return m.signer.RetireKey(apex, keyTag)
}

func (m *Manager) DeleteDnsKey(name string, keyTag uint16) error {
	apex, err := m.signableApex(name)
	if err != nil {
		return err
	}
	return m.signer.DeleteKey(apex, keyTag)
}

// signableApex resolves name to an apex eligible for DNSSEC operations:
// only Primary zones may be signed, per §7's OperationNotSupported
// example ("signing a Secondary").
func (m *Manager) signableApex(name string) (*ApexZone, error) {
	if m.signer == nil {
		return nil, zoneerr.OperationNotSupported
	}
	apex := m.tree.ApexByName(dns.Fqdn(name))
	if apex == nil {
		return nil, zoneerr.ZoneNotFound
	}
	if _, ok := apex.Variant().(PrimaryInfo); !ok {
		return nil, zoneerr.OperationNotSupported
	}
	return apex, nil
}

// UpdateServerDomain propagates a server-domain rename into every
// Primary zone's apex SOA PrimaryNS and matching NS record, per §4.5.
// Runs on its own goroutine so admin calls never block on the rewrite.
func (m *Manager) UpdateServerDomain(oldDomain, newDomain string) {
	m.serverDomain = newDomain
	go func() {
		for _, name := range m.tree.ListApexNames() {
			apex := m.tree.ApexByName(name)
			if apex == nil || apex.Kind() != KindPrimary {
				continue
			}
			node := apex.Node()
			if soa := apex.SOA(); soa != nil && soa.Ns == dns.Fqdn(oldDomain) {
				updated := dns.Copy(soa).(*dns.SOA)
				updated.Ns = dns.Fqdn(newDomain)
				replaceSOA(node, updated)
			}
			for _, rec := range node.RRSets(dns.TypeNS) {
				ns, ok := rec.RR.(*dns.NS)
				if !ok || ns.Ns != dns.Fqdn(oldDomain) {
					continue
				}
				updated := dns.Copy(ns).(*dns.NS)
				updated.Ns = dns.Fqdn(newDomain)
				node.removeRecord(dns.TypeNS, rec.ID)
				newRec := NewRecord(updated, rec.Tag)
				newRec.ID = rec.ID
				node.addRecord(newRec)
			}
			m.touchIndex(name)
			m.SaveZoneFile(name)
		}
	}()
}
