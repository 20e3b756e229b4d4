// Package transfer implements AXFR/IXFR production, incremental diff
// condensation, NOTIFY, and the client-side application of a transfer
// response into a Secondary or Stub zone's tree, per spec §4.4. Wire I/O
// (listening, framing, TSIG-aware exchange) is grounded on the teacher's
// own transfer.go and github.com/miekg/dns's dns.Transfer/dns.Envelope;
// production and condensation delegate to zone.Journal/zone.Condense.
package transfer

import (
	"context"
	"fmt"
	"log"
	"net"
	"strings"
	"time"

	"github.com/miekg/dns"

	"github.com/Paul1404/DnsServer/zone"
	"github.com/Paul1404/DnsServer/zoneconfig"
	"github.com/Paul1404/DnsServer/zoneerr"
)

// ACL describes which zones a peer may transfer or NOTIFY, keyed by the
// exact zone name or "*" for all zones, mirroring the teacher's own
// config.Transfer.ACLs shape but trimmed to what the zone-management core
// actually needs (no per-zone pattern-zone special-casing).
type ACL struct {
	Zone          string
	TSIGKey       string
	AllowTransfer []*net.IPNet
	AllowNotify   []*net.IPNet
}

// NotifyTarget lists the secondaries to NOTIFY when a Primary zone's
// serial changes.
type NotifyTarget struct {
	Zone    string
	Targets []string
	TSIGKey string
}

// Handler handles inbound AXFR/IXFR/NOTIFY requests and outbound NOTIFY
// for a Tree. It holds no per-zone state itself: everything it needs
// (records, journal, SOA) lives in the zone.ApexZone it is handed.
type Handler struct {
	tree    *zone.Tree
	cfg     zoneconfig.TransferConfig
	acls    []ACL
	notify  []NotifyTarget
	onNotify func(zone string)
}

// New creates a transfer Handler bound to tree.
func New(tree *zone.Tree, cfg zoneconfig.TransferConfig, acls []ACL, notify []NotifyTarget) *Handler {
	return &Handler{tree: tree, cfg: cfg, acls: acls, notify: notify}
}

// UpdateConfig replaces the handler's ACL/TSIG/NOTIFY configuration.
func (h *Handler) UpdateConfig(cfg zoneconfig.TransferConfig, acls []ACL, notify []NotifyTarget) {
	h.cfg = cfg
	h.acls = acls
	h.notify = notify
}

// SetNotifyHandler sets a callback invoked when an inbound NOTIFY is
// accepted for zone, typically wired to the secondary package's
// "refresh now" trigger.
func (h *Handler) SetNotifyHandler(fn func(zone string)) { h.onNotify = fn }

// QueryZoneTransferRecords builds the full AXFR record stream for apex:
// SOA, every active (non-disabled) record excluding the duplicate SOA,
// SOA, with NS records' glue emitted inline immediately after the NS
// itself, per §4.4.
func QueryZoneTransferRecords(apex *zone.ApexZone) ([]dns.RR, error) {
	soa := apex.SOA()
	if soa == nil {
		return nil, fmt.Errorf("transfer: zone %s has no SOA", apex.Name)
	}
	var body []dns.RR
	walkActiveRecords(apex.Node(), true, func(rec *zone.Record) {
		if rec.Type() == dns.TypeSOA {
			return
		}
		body = append(body, rec.RR)
		if ns, ok := rec.Tag.(zone.NSInfo); ok {
			body = append(body, ns.Glue...)
		}
	})
	out := make([]dns.RR, 0, len(body)+2)
	out = append(out, soa)
	out = append(out, body...)
	out = append(out, soa)
	return out, nil
}

// QueryIncrementalZoneTransferRecords builds the IXFR response for apex
// given the client's current serial, per §4.4: a bare current-SOA reply
// if already up to date, a condensed journal diff if the client's serial
// is found in the journal, or a signal to fall back to AXFR otherwise.
func QueryIncrementalZoneTransferRecords(apex *zone.ApexZone, clientSerial uint32) (records []dns.RR, fallbackToAXFR bool, err error) {
	soa := apex.SOA()
	if soa == nil {
		return nil, false, fmt.Errorf("transfer: zone %s has no SOA", apex.Name)
	}
	if soa.Serial == clientSerial {
		return []dns.RR{soa}, false, nil
	}
	seqs, found := apex.Journal().SequencesSince(clientSerial)
	if !found {
		return nil, true, nil
	}
	condensed := zone.Condense(seqs, apex.Name)

	out := make([]dns.RR, 0, 4+len(condensed.Deleted)+len(condensed.Added))
	out = append(out, soa)
	out = append(out, condensed.OldSOA)
	out = append(out, condensed.Deleted...)
	out = append(out, condensed.NewSOA)
	out = append(out, condensed.Added...)
	out = append(out, soa)
	return out, false, nil
}

// walkActiveRecords visits every non-disabled record in apex's subtree,
// stopping descent at delegation cuts other than the apex node itself
// (the apex's own NS records are authoritative data, not a delegation).
func walkActiveRecords(n *zone.Node, isApexNode bool, visit func(rec *zone.Record)) {
	if !isApexNode && n.IsDelegation() {
		for _, set := range n.AllRRSets() {
			for _, rec := range set {
				if !rec.Disabled() {
					visit(rec)
				}
			}
		}
		return
	}
	for _, set := range n.AllRRSets() {
		for _, rec := range set {
			if !rec.Disabled() {
				visit(rec)
			}
		}
	}
	for _, label := range n.ChildLabels() {
		if c := n.Child(label); c != nil {
			walkActiveRecords(c, false, visit)
		}
	}
}

// ApplySyncZoneTransferRecords applies a full AXFR response (as received
// from the primary during a Secondary/Stub refresh) into apex, replacing
// its entire subtree. Per §4.4, framing must be exactly [SOA, data...,
// SOA] with both SOAs identical and owned by apex.Name.
func ApplySyncZoneTransferRecords(apex *zone.ApexZone, records []dns.RR) error {
	if len(records) < 2 {
		return fmt.Errorf("%w: AXFR response too short", zoneerr.InvalidZoneTransfer)
	}
	first, ok := records[0].(*dns.SOA)
	if !ok {
		return fmt.Errorf("%w: AXFR response must start with SOA", zoneerr.InvalidZoneTransfer)
	}
	last, ok := records[len(records)-1].(*dns.SOA)
	if !ok || last.Serial != first.Serial {
		return fmt.Errorf("%w: AXFR response must end with a matching SOA", zoneerr.InvalidZoneTransfer)
	}
	if !strings.EqualFold(first.Hdr.Name, apex.Name) {
		return fmt.Errorf("%w: AXFR SOA owner %s does not match zone %s", zoneerr.InvalidZoneTransfer, first.Hdr.Name, apex.Name)
	}

	clearSubtree(apex.Node())
	apex.Node().AddRecord(zone.NewRecord(dns.Copy(first), zone.SOAInfo{}))

	for _, rr := range records[1 : len(records)-1] {
		node := descend(apex.Node(), rr.Header().Name, apex.Name)
		tag := zone.Tag(zone.GenericInfo{})
		if rr.Header().Rrtype == dns.TypeNS {
			tag = zone.NSInfo{}
		}
		node.AddRecord(zone.NewRecord(dns.Copy(rr), tag))
	}
	attachGlue(apex)
	return nil
}

// attachGlue walks apex's NS records and, for every target name that is
// in-bailiwick and currently holds its own A/AAAA node (as a freshly
// applied AXFR/IXFR would, since the wire format has no notion of glue),
// moves those records into the NS's tag and clears the target node's
// standalone A/AAAA RRsets (the node itself stays in the tree), restoring the invariant that glue is never independently queryable.
func attachGlue(apex *zone.ApexZone) {
	var nsRecords []*zone.Record
	walkActiveRecords(apex.Node(), true, func(rec *zone.Record) {
		if rec.Type() == dns.TypeNS {
			nsRecords = append(nsRecords, rec)
		}
	})
	for _, rec := range nsRecords {
		ns, ok := rec.RR.(*dns.NS)
		if !ok {
			continue
		}
		target := strings.ToLower(dns.Fqdn(ns.Ns))
		if !strings.HasSuffix(target, strings.ToLower(apex.Name)) {
			continue
		}
		targetNode := findNode(apex.Node(), target, apex.Name)
		if targetNode == nil {
			continue
		}
		glue := append(append([]dns.RR(nil), rrValues(targetNode.RRSets(dns.TypeA))...), rrValues(targetNode.RRSets(dns.TypeAAAA))...)
		if len(glue) == 0 {
			continue
		}
		owner := findNode(apex.Node(), rec.Name(), apex.Name)
		if owner == nil {
			continue
		}
		owner.RemoveRecord(dns.TypeNS, rec.ID)
		owner.AddRecord(zone.NewRecord(rec.RR, zone.NSInfo{Glue: glue}))
		targetNode.ClearType(dns.TypeA)
		targetNode.ClearType(dns.TypeAAAA)
	}
}

func rrValues(set zone.RRSet) []dns.RR {
	out := make([]dns.RR, 0, len(set))
	for _, r := range set {
		out = append(out, r.RR)
	}
	return out
}

// ApplySyncIncrementalZoneTransferRecords applies an IXFR response
// ([currentSOA, (oldSOA, dels…, newSOA, adds…)…, currentSOA]) into apex.
// Each embedded sequence's old-SOA serial must equal the zone's serial at
// the moment it is applied, per §4.4; otherwise the whole response is
// rejected with InvalidZoneTransfer and the zone is left unmodified.
func ApplySyncIncrementalZoneTransferRecords(apex *zone.ApexZone, records []dns.RR) error {
	if len(records) == 0 {
		return fmt.Errorf("%w: IXFR response too short", zoneerr.InvalidZoneTransfer)
	}
	outerFirst, ok := records[0].(*dns.SOA)
	if !ok {
		return fmt.Errorf("%w: IXFR response must start with SOA", zoneerr.InvalidZoneTransfer)
	}
	if len(records) <= 2 {
		// Up-to-date reply: the current SOA alone (or framed twice as
		// [SOA, SOA]); no application necessary.
		return nil
	}
	outerLast, ok := records[len(records)-1].(*dns.SOA)
	if !ok || outerLast.Serial != outerFirst.Serial {
		return fmt.Errorf("%w: IXFR response must end with a matching SOA", zoneerr.InvalidZoneTransfer)
	}

	sequences, err := splitIXFRSequences(records[1 : len(records)-1])
	if err != nil {
		return err
	}

	current := apex.SOA()
	for _, seq := range sequences {
		if current == nil || seq.OldSOA.Serial != current.Serial {
			return fmt.Errorf("%w: IXFR sequence old serial %d does not match current serial", zoneerr.InvalidZoneTransfer, seq.OldSOA.Serial)
		}
		current = seq.NewSOA
	}
	for _, seq := range sequences {
		applySequence(apex, seq)
		apex.Journal().Append(seq)
	}
	attachGlue(apex)
	return nil
}

// splitIXFRSequences parses the body of an IXFR response into the
// [oldSOA, dels…, newSOA, adds…] sequences it's made of.
func splitIXFRSequences(body []dns.RR) ([]zone.Sequence, error) {
	var out []zone.Sequence
	i := 0
	for i < len(body) {
		oldSOA, ok := body[i].(*dns.SOA)
		if !ok {
			return nil, fmt.Errorf("%w: expected SOA at start of IXFR sequence", zoneerr.InvalidZoneTransfer)
		}
		i++
		var dels []dns.RR
		for i < len(body) {
			if _, ok := body[i].(*dns.SOA); ok {
				break
			}
			dels = append(dels, body[i])
			i++
		}
		if i >= len(body) {
			return nil, fmt.Errorf("%w: IXFR sequence missing new SOA", zoneerr.InvalidZoneTransfer)
		}
		newSOA, ok := body[i].(*dns.SOA)
		if !ok {
			return nil, fmt.Errorf("%w: expected SOA after deletions", zoneerr.InvalidZoneTransfer)
		}
		i++
		var adds []dns.RR
		for i < len(body) {
			if _, ok := body[i].(*dns.SOA); ok {
				break
			}
			adds = append(adds, body[i])
			i++
		}
		out = append(out, zone.Sequence{OldSOA: oldSOA, Deleted: dels, NewSOA: newSOA, Added: adds})
	}
	return out, nil
}

// applySequence mutates apex's tree to reflect one journal sequence:
// remove every deleted record by rdata match, add every added record,
// and replace the apex SOA.
func applySequence(apex *zone.ApexZone, seq zone.Sequence) {
	for _, rr := range seq.Deleted {
		node := findNode(apex.Node(), rr.Header().Name, apex.Name)
		if node == nil {
			continue
		}
		for _, rec := range node.RRSets(rr.Header().Rrtype) {
			if rec.RR.String() == rr.String() {
				node.RemoveRecord(rr.Header().Rrtype, rec.ID)
			}
		}
	}
	apex.Node().ClearType(dns.TypeSOA)
	apex.Node().AddRecord(zone.NewRecord(dns.Copy(seq.NewSOA), zone.SOAInfo{}))
	for _, rr := range seq.Added {
		node := descend(apex.Node(), rr.Header().Name, apex.Name)
		tag := zone.Tag(zone.GenericInfo{})
		if rr.Header().Rrtype == dns.TypeNS {
			tag = zone.NSInfo{}
		}
		node.AddRecord(zone.NewRecord(dns.Copy(rr), tag))
	}
}

// clearSubtree removes every RRSet and child from n, used before
// replaying a fresh AXFR into an apex's node.
func clearSubtree(n *zone.Node) {
	for rrtype := range n.AllRRSets() {
		n.ClearType(rrtype)
	}
	for _, label := range n.ChildLabels() {
		if c := n.Child(label); c != nil {
			clearSubtree(c)
		}
		n.RemoveChild(label)
	}
}

// descend walks/creates nodes from apexNode down to name (which must be
// in-bailiwick for zoneName).
func descend(apexNode *zone.Node, name, zoneName string) *zone.Node {
	rel := strings.TrimSuffix(strings.ToLower(dns.Fqdn(name)), strings.ToLower(zoneName))
	rel = strings.TrimSuffix(rel, ".")
	if rel == "" {
		return apexNode
	}
	labels := dns.SplitDomainName(rel)
	cur := apexNode
	for i := len(labels) - 1; i >= 0; i-- {
		cur = cur.GetOrAddChild(strings.ToLower(labels[i]))
	}
	return cur
}

// findNode is descend's read-only counterpart, returning nil rather than
// creating missing nodes.
func findNode(apexNode *zone.Node, name, zoneName string) *zone.Node {
	rel := strings.TrimSuffix(strings.ToLower(dns.Fqdn(name)), strings.ToLower(zoneName))
	rel = strings.TrimSuffix(rel, ".")
	if rel == "" {
		return apexNode
	}
	labels := dns.SplitDomainName(rel)
	cur := apexNode
	for i := len(labels) - 1; i >= 0; i-- {
		cur = cur.Child(strings.ToLower(labels[i]))
		if cur == nil {
			return nil
		}
	}
	return cur
}


// HandleAXFR serves an inbound AXFR request.
func (h *Handler) HandleAXFR(w dns.ResponseWriter, r *dns.Msg) {
	if len(r.Question) == 0 {
		h.sendError(w, r, dns.RcodeFormatError)
		return
	}
	zoneName := r.Question[0].Name
	log.Printf("AXFR request for zone %s from %s", zoneName, w.RemoteAddr())

	if !h.isTransferAllowed(zoneName, w.RemoteAddr(), r) {
		log.Printf("AXFR denied for zone %s from %s", zoneName, w.RemoteAddr())
		h.sendError(w, r, dns.RcodeRefused)
		return
	}
	apex := h.tree.ApexByName(zoneName)
	if apex == nil {
		h.sendError(w, r, dns.RcodeNameError)
		return
	}
	records, err := QueryZoneTransferRecords(apex)
	if err != nil {
		log.Printf("AXFR failed for zone %s: %v", zoneName, err)
		h.sendError(w, r, dns.RcodeServerFailure)
		return
	}

	ch := make(chan *dns.Envelope)
	tr := new(dns.Transfer)
	go func() {
		defer close(ch)
		batch := make([]dns.RR, 0, 100)
		for _, rr := range records {
			batch = append(batch, rr)
			if len(batch) >= 100 {
				ch <- &dns.Envelope{RR: batch}
				batch = make([]dns.RR, 0, 100)
			}
		}
		if len(batch) > 0 {
			ch <- &dns.Envelope{RR: batch}
		}
	}()
	if err := tr.Out(w, r, ch); err != nil {
		log.Printf("AXFR transfer failed for zone %s: %v", zoneName, err)
	}
}

// HandleIXFR serves an inbound IXFR request, falling back to AXFR framing
// when the client's serial isn't in the journal.
func (h *Handler) HandleIXFR(w dns.ResponseWriter, r *dns.Msg) {
	if len(r.Question) == 0 || len(r.Ns) == 0 {
		h.sendError(w, r, dns.RcodeFormatError)
		return
	}
	zoneName := r.Question[0].Name
	clientSOA, ok := r.Ns[0].(*dns.SOA)
	if !ok {
		h.sendError(w, r, dns.RcodeFormatError)
		return
	}
	log.Printf("IXFR request for zone %s (client serial %d) from %s", zoneName, clientSOA.Serial, w.RemoteAddr())

	if !h.isTransferAllowed(zoneName, w.RemoteAddr(), r) {
		h.sendError(w, r, dns.RcodeRefused)
		return
	}
	apex := h.tree.ApexByName(zoneName)
	if apex == nil {
		h.sendError(w, r, dns.RcodeNameError)
		return
	}
	records, fallback, err := QueryIncrementalZoneTransferRecords(apex, clientSOA.Serial)
	if err != nil {
		h.sendError(w, r, dns.RcodeServerFailure)
		return
	}
	if fallback {
		log.Printf("IXFR: serial %d not in journal for %s, falling back to AXFR", clientSOA.Serial, zoneName)
		h.HandleAXFR(w, r)
		return
	}

	ch := make(chan *dns.Envelope, 1)
	ch <- &dns.Envelope{RR: records}
	close(ch)
	tr := new(dns.Transfer)
	if err := tr.Out(w, r, ch); err != nil {
		log.Printf("IXFR transfer failed for zone %s: %v", zoneName, err)
	}
}

// HandleNotify acknowledges an inbound NOTIFY and triggers the
// configured refresh callback.
func (h *Handler) HandleNotify(w dns.ResponseWriter, r *dns.Msg) {
	if len(r.Question) == 0 {
		h.sendError(w, r, dns.RcodeFormatError)
		return
	}
	zoneName := r.Question[0].Name
	if !h.isNotifyAllowed(zoneName, w.RemoteAddr(), r) {
		h.sendError(w, r, dns.RcodeRefused)
		return
	}

	m := new(dns.Msg)
	m.SetReply(r)
	m.Authoritative = true
	w.WriteMsg(m)

	if h.onNotify != nil {
		h.onNotify(zoneName)
	}
}

// SendNotify fires NOTIFY at every configured target for zoneName.
func (h *Handler) SendNotify(ctx context.Context, zoneName string) {
	zoneName = dns.Fqdn(zoneName)
	for _, target := range h.notify {
		if !strings.EqualFold(target.Zone, zoneName) {
			continue
		}
		for _, addr := range target.Targets {
			go h.sendNotifyTo(ctx, zoneName, addr, target.TSIGKey)
		}
	}
}

func (h *Handler) sendNotifyTo(ctx context.Context, zoneName, addr, tsigKeyName string) {
	m := new(dns.Msg)
	m.SetNotify(zoneName)

	c := new(dns.Client)
	c.Timeout = h.cfg.AttemptTimeout
	if c.Timeout <= 0 {
		c.Timeout = 120 * time.Second
	}
	if tsigKeyName != "" {
		if key := h.tsigKey(tsigKeyName); key != nil {
			m.SetTsig(key.Name, algoName(key.Algorithm), 300, time.Now().Unix())
			c.TsigSecret = map[string]string{key.Name: key.Secret}
		}
	}
	resp, _, err := c.ExchangeContext(ctx, m, addr)
	if err != nil {
		log.Printf("NOTIFY to %s for zone %s failed: %v", addr, zoneName, err)
		return
	}
	if resp.Rcode != dns.RcodeSuccess {
		log.Printf("NOTIFY to %s for zone %s returned %s", addr, zoneName, dns.RcodeToString[resp.Rcode])
	}
}

func (h *Handler) tsigKey(name string) *zoneconfig.TSIGKey {
	for i := range h.cfg.TSIGKeys {
		if strings.EqualFold(h.cfg.TSIGKeys[i].Name, name) {
			return &h.cfg.TSIGKeys[i]
		}
	}
	return nil
}

func (h *Handler) isTransferAllowed(zoneName string, remoteAddr net.Addr, r *dns.Msg) bool {
	ip := extractIP(remoteAddr)
	if ip == nil {
		return false
	}
	for _, acl := range h.acls {
		if acl.Zone != "*" && !strings.EqualFold(acl.Zone, zoneName) {
			continue
		}
		if acl.TSIGKey != "" && !h.verifyTSIG(r, acl.TSIGKey) {
			continue
		}
		for _, network := range acl.AllowTransfer {
			if network.Contains(ip) {
				return true
			}
		}
	}
	return false
}

func (h *Handler) isNotifyAllowed(zoneName string, remoteAddr net.Addr, r *dns.Msg) bool {
	ip := extractIP(remoteAddr)
	if ip == nil {
		return false
	}
	for _, acl := range h.acls {
		if acl.Zone != "*" && !strings.EqualFold(acl.Zone, zoneName) {
			continue
		}
		if acl.TSIGKey != "" && !h.verifyTSIG(r, acl.TSIGKey) {
			continue
		}
		for _, network := range acl.AllowNotify {
			if network.Contains(ip) {
				return true
			}
		}
	}
	return false
}

func (h *Handler) verifyTSIG(r *dns.Msg, requiredKey string) bool {
	tsig := r.IsTsig()
	if tsig == nil {
		return false
	}
	if !strings.EqualFold(tsig.Hdr.Name, requiredKey) {
		return false
	}
	key := h.tsigKey(requiredKey)
	if key == nil {
		return false
	}
	wire, err := r.Pack()
	if err != nil {
		return false
	}
	return dns.TsigVerify(wire, key.Secret, "", false) == nil
}

func algoName(algo string) string {
	switch strings.ToLower(algo) {
	case "hmac-sha512":
		return dns.HmacSHA512
	case "hmac-sha1":
		return dns.HmacSHA1
	case "hmac-md5":
		return dns.HmacMD5
	default:
		return dns.HmacSHA256
	}
}

func extractIP(addr net.Addr) net.IP {
	switch a := addr.(type) {
	case *net.TCPAddr:
		return a.IP
	case *net.UDPAddr:
		return a.IP
	default:
		return nil
	}
}

func (h *Handler) sendError(w dns.ResponseWriter, r *dns.Msg, rcode int) {
	m := new(dns.Msg)
	m.SetRcode(r, rcode)
	w.WriteMsg(m)
}
