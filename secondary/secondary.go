// Package secondary drives the refresh state machine for Secondary and
// Stub apexes: Idle -> Refreshing -> (Idle | Failed) -> Expired, timed off
// the learned SOA's refresh/retry/expire fields, per spec §4.2. It queries
// a zone's primary for its current serial, pulls an AXFR or IXFR when the
// primary is ahead, and applies the result via the transfer package's
// ApplySyncZoneTransferRecords/ApplySyncIncrementalZoneTransferRecords.
//
// Grounded on the teacher's own secondary.go goroutine-per-timer refresh
// loop (checkAndRefresh/transferZone/doAXFR/querySOASerial/serialGreater),
// reworked from its flat ZoneData map onto zone.Tree/zone.ApexZone and
// its RefreshState state machine.
package secondary

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"sync"
	"time"

	bolt "go.etcd.io/bbolt"

	"github.com/miekg/dns"

	"github.com/Paul1404/DnsServer/logsink"
	"github.com/Paul1404/DnsServer/transfer"
	"github.com/Paul1404/DnsServer/zone"
	"github.com/Paul1404/DnsServer/zoneconfig"
)

// Cache persists a zone's RefreshState across restarts, so a Secondary
// doesn't re-transfer a zone it already holds just because the process
// restarted between its last successful refresh and now.
type Cache interface {
	SaveRefreshState(zoneName string, s zone.RefreshState) error
	LoadRefreshState(zoneName string) (zone.RefreshState, bool, error)
}

// Manager runs one refresh loop per Secondary/Stub apex it is told to
// manage. It holds no zone data of its own: everything it touches lives
// in the zone.ApexZone (records, SOA, RefreshState) it was handed.
type Manager struct {
	tree  *zone.Tree
	cfg   zoneconfig.TransferConfig
	log   logsink.Sink
	cache Cache

	mu      sync.Mutex
	cancel  map[string]context.CancelFunc
	wg      sync.WaitGroup
	stopped bool
}

// New creates a Manager bound to tree. cache may be nil to disable
// cross-restart refresh-state persistence.
func New(tree *zone.Tree, cfg zoneconfig.TransferConfig, cache Cache) *Manager {
	return &Manager{
		tree:   tree,
		cfg:    cfg,
		log:    logsink.Discard,
		cache:  cache,
		cancel: make(map[string]context.CancelFunc),
	}
}

// SetLog installs the sink refresh activity is reported through.
func (m *Manager) SetLog(log logsink.Sink) {
	if log != nil {
		m.log = log
	}
}

// UpdateConfig replaces the transfer timeouts and TSIG keys used for
// outbound SOA queries and transfers.
func (m *Manager) UpdateConfig(cfg zoneconfig.TransferConfig) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.cfg = cfg
}

// Start begins a refresh loop for every currently known top-level
// Secondary/Stub apex in the tree. Zones created afterward (via the Zone
// Manager's CreateSecondary/CreateStub) must be handed to Manage
// individually.
func (m *Manager) Start() {
	for _, name := range m.tree.ListApexNames() {
		apex := m.tree.ApexByName(name)
		if apex == nil {
			continue
		}
		switch apex.Kind() {
		case zone.KindSecondary, zone.KindStub:
			m.Manage(apex)
		}
	}
}

// Manage starts (or restarts) the refresh loop for apex, which must carry
// SecondaryInfo or StubInfo. Any prior loop for the same zone name is
// cancelled first, so re-calling Manage after a zone conversion is safe.
func (m *Manager) Manage(apex *zone.ApexZone) {
	rs := refreshStateOf(apex)
	if rs == nil {
		return
	}
	if cached, ok, err := m.loadCache(apex.Name); err == nil && ok {
		rs.MarkSuccess(cached.LastSuccess, cached.SOASerial, cached.Refresh, cached.Retry, cached.Expire)
	}

	ctx, cancel := context.WithCancel(context.Background())
	m.mu.Lock()
	if m.stopped {
		m.mu.Unlock()
		cancel()
		return
	}
	if old, ok := m.cancel[apex.Name]; ok {
		old()
	}
	m.cancel[apex.Name] = cancel
	m.mu.Unlock()

	m.wg.Add(1)
	go m.refreshLoop(ctx, apex)
}

// Unmanage stops the refresh loop for zoneName, if one is running. Called
// by zone deletion/conversion away from Secondary or Stub.
func (m *Manager) Unmanage(zoneName string) {
	zoneName = dns.Fqdn(zoneName)
	m.mu.Lock()
	cancel, ok := m.cancel[zoneName]
	if ok {
		delete(m.cancel, zoneName)
	}
	m.mu.Unlock()
	if ok {
		cancel()
	}
}

// Stop cancels every running refresh loop and waits for them to exit.
func (m *Manager) Stop() {
	m.mu.Lock()
	m.stopped = true
	for name, cancel := range m.cancel {
		cancel()
		delete(m.cancel, name)
	}
	m.mu.Unlock()
	m.wg.Wait()
}

// HandleNotify triggers an immediate out-of-cycle refresh for zoneName,
// called by the transfer package's inbound NOTIFY handler.
func (m *Manager) HandleNotify(zoneName string) {
	apex := m.tree.ApexByName(dns.Fqdn(zoneName))
	if apex == nil {
		return
	}
	switch apex.Kind() {
	case zone.KindSecondary, zone.KindStub:
	default:
		return
	}
	go m.refreshOnce(context.Background(), apex)
}

// refreshLoop owns one zone's dedicated refresh timer, per §9's "per-zone
// refresh owns a dedicated timer" scheduling rule. A refresh-in-progress
// flag isn't needed separately: each zone has exactly one loop, so only
// one refreshOnce call for a given zone is ever in flight.
func (m *Manager) refreshLoop(ctx context.Context, apex *zone.ApexZone) {
	defer m.wg.Done()
	m.refreshOnce(ctx, apex)
	for {
		rs := refreshStateOf(apex)
		if rs == nil {
			return
		}
		wait := m.nextInterval(rs.Snapshot())
		timer := time.NewTimer(wait)
		select {
		case <-ctx.Done():
			timer.Stop()
			return
		case <-timer.C:
			m.refreshOnce(ctx, apex)
		}
	}
}

// nextInterval picks the wait before the next refresh attempt: the SOA's
// refresh interval ordinarily, or its retry interval after a failure.
func (m *Manager) nextInterval(snap zone.RefreshState) time.Duration {
	interval := snap.Refresh
	if snap.Status == zone.RefreshFailed || snap.Status == zone.RefreshExpired {
		interval = snap.Retry
	}
	if interval <= 0 {
		interval = 5 * time.Minute
	}
	return interval
}

// refreshOnce performs a single refresh attempt: query the primary's
// current serial, skip the transfer if already current, otherwise pull
// and apply an AXFR or IXFR, and update apex's RefreshState accordingly.
func (m *Manager) refreshOnce(ctx context.Context, apex *zone.ApexZone) {
	rs := refreshStateOf(apex)
	if rs == nil {
		return
	}
	addr, tsigKeyName := primaryInfoOf(apex)
	if addr == "" {
		return
	}

	now := time.Now()
	rs.BeginRefresh(now)

	clientSerial := uint32(0)
	if soa := apex.SOA(); soa != nil {
		clientSerial = soa.Serial
	}

	primarySerial, err := m.querySOASerial(ctx, apex.Name, addr, tsigKeyName)
	if err != nil {
		m.fail(apex, rs, now, err)
		return
	}

	if apex.SOA() != nil && !serialGreater(primarySerial, clientSerial) {
		snap := rs.Snapshot()
		rs.MarkSuccess(now, clientSerial, snap.Refresh, snap.Retry, snap.Expire)
		m.log.Write(fmt.Sprintf("secondary: %s up to date at serial %d", apex.Name, clientSerial))
		return
	}

	if err := m.transferInto(ctx, apex, addr, tsigKeyName, clientSerial); err != nil {
		m.fail(apex, rs, now, err)
		return
	}

	soa := apex.SOA()
	refresh, retry, expire := soaTimers(soa)
	rs.MarkSuccess(time.Now(), soa.Serial, refresh, retry, expire)
	m.saveCache(apex.Name, rs.Snapshot())
	m.log.Write(fmt.Sprintf("secondary: %s refreshed to serial %d", apex.Name, soa.Serial))
}

// fail records a failed refresh attempt and, once the zone's data has
// outlived the learned SOA's expire interval without a successful
// refresh, transitions it to Expired so the Query Engine answers
// SERVFAIL per §4.2.
func (m *Manager) fail(apex *zone.ApexZone, rs *zone.RefreshState, now time.Time, err error) {
	rs.MarkFailed(now, err)
	m.log.WriteErr(fmt.Errorf("secondary: refresh failed for %s: %w", apex.Name, err))
	snap := rs.Snapshot()
	if snap.Expire > 0 && !snap.LastSuccess.IsZero() && now.Sub(snap.LastSuccess) > snap.Expire {
		rs.MarkExpired()
		m.log.Write(fmt.Sprintf("secondary: %s expired, answering SERVFAIL until next successful refresh", apex.Name))
	}
	m.saveCache(apex.Name, rs.Snapshot())
}

// transferInto pulls a zone transfer from addr and applies it into apex.
// It requests an IXFR when a prior serial is known, but still detects a
// server that fell back to full AXFR framing for that request (RFC 1995
// §4: the body's first record isn't a SOA) and applies it as a full
// resync rather than misparsing it as an incremental diff.
func (m *Manager) transferInto(ctx context.Context, apex *zone.ApexZone, addr, tsigKeyName string, clientSerial uint32) error {
	t := new(dns.Transfer)
	msg := new(dns.Msg)
	useIXFR := clientSerial != 0
	if useIXFR {
		msg.SetIxfr(apex.Name, clientSerial, "", "")
	} else {
		msg.SetAxfr(apex.Name)
	}
	if tsigKeyName != "" {
		if key := m.tsigKey(tsigKeyName); key != nil {
			msg.SetTsig(key.Name, algoName(key.Algorithm), 300, time.Now().Unix())
			t.TsigSecret = map[string]string{key.Name: key.Secret}
		}
	}

	ch, err := t.In(msg, addr)
	if err != nil {
		return fmt.Errorf("transfer from %s: %w", addr, err)
	}

	var records []dns.RR
	for env := range ch {
		select {
		case <-ctx.Done():
			return ctx.Err()
		default:
		}
		if env.Error != nil {
			return env.Error
		}
		records = append(records, env.RR...)
	}
	if len(records) == 0 {
		return fmt.Errorf("empty transfer response from %s", addr)
	}

	if useIXFR && isIncrementalFraming(records) {
		return transfer.ApplySyncIncrementalZoneTransferRecords(apex, records)
	}
	return transfer.ApplySyncZoneTransferRecords(apex, records)
}

// isIncrementalFraming reports whether records carries a true IXFR diff
// (at least four records, the outer SOA immediately followed by a
// sequence's old SOA) rather than a full AXFR
// response a server sent in place of an incremental one it couldn't
// produce.
func isIncrementalFraming(records []dns.RR) bool {
	if len(records) < 4 {
		return false
	}
	_, firstIsSOA := records[0].(*dns.SOA)
	_, secondIsSOA := records[1].(*dns.SOA)
	return firstIsSOA && secondIsSOA
}

// querySOASerial queries zoneName's current serial from addr.
func (m *Manager) querySOASerial(ctx context.Context, zoneName, addr, tsigKeyName string) (uint32, error) {
	msg := new(dns.Msg)
	msg.SetQuestion(dns.Fqdn(zoneName), dns.TypeSOA)
	msg.RecursionDesired = false

	client := new(dns.Client)
	client.Net = "tcp"
	client.Timeout = m.attemptTimeout()
	if tsigKeyName != "" {
		if key := m.tsigKey(tsigKeyName); key != nil {
			msg.SetTsig(key.Name, algoName(key.Algorithm), 300, time.Now().Unix())
			client.TsigSecret = map[string]string{key.Name: key.Secret}
		}
	}

	resp, _, err := client.ExchangeContext(ctx, msg, addr)
	if err != nil {
		return 0, err
	}
	if resp.Rcode != dns.RcodeSuccess {
		return 0, fmt.Errorf("SOA query to %s returned %s", addr, dns.RcodeToString[resp.Rcode])
	}
	for _, rr := range resp.Answer {
		if soa, ok := rr.(*dns.SOA); ok {
			return soa.Serial, nil
		}
	}
	return 0, fmt.Errorf("no SOA record in response from %s", addr)
}

func (m *Manager) attemptTimeout() time.Duration {
	if m.cfg.AttemptTimeout > 0 {
		return m.cfg.AttemptTimeout
	}
	return 120 * time.Second
}

func (m *Manager) tsigKey(name string) *zoneconfig.TSIGKey {
	for i := range m.cfg.TSIGKeys {
		if strings.EqualFold(m.cfg.TSIGKeys[i].Name, name) {
			return &m.cfg.TSIGKeys[i]
		}
	}
	return nil
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

func (m *Manager) saveCache(zoneName string, snap zone.RefreshState) {
	if m.cache == nil {
		return
	}
	if err := m.cache.SaveRefreshState(zoneName, snap); err != nil {
		m.log.WriteErr(fmt.Errorf("secondary: failed to cache refresh state for %s: %w", zoneName, err))
	}
}

func (m *Manager) loadCache(zoneName string) (zone.RefreshState, bool, error) {
	if m.cache == nil {
		return zone.RefreshState{}, false, nil
	}
	return m.cache.LoadRefreshState(zoneName)
}

// refreshStateOf extracts the RefreshState pointer from a Secondary or
// Stub apex's variant, or nil for any other kind.
func refreshStateOf(apex *zone.ApexZone) *zone.RefreshState {
	switch v := apex.Variant().(type) {
	case zone.SecondaryInfo:
		return v.RefreshState
	case zone.StubInfo:
		return v.RefreshState
	default:
		return nil
	}
}

// primaryInfoOf extracts the primary server address and TSIG key name a
// Secondary or Stub apex refreshes from.
func primaryInfoOf(apex *zone.ApexZone) (addr, tsigKeyName string) {
	switch v := apex.Variant().(type) {
	case zone.SecondaryInfo:
		return v.PrimaryAddr, v.TSIGKeyName
	case zone.StubInfo:
		return v.PrimaryAddr, ""
	default:
		return "", ""
	}
}

func soaTimers(soa *dns.SOA) (refresh, retry, expire time.Duration) {
	if soa == nil {
		return 0, 0, 0
	}
	return time.Duration(soa.Refresh) * time.Second,
		time.Duration(soa.Retry) * time.Second,
		time.Duration(soa.Expire) * time.Second
}

// serialGreater returns true if a is ahead of b under RFC 1982 serial
// number arithmetic.
func serialGreater(a, b uint32) bool {
	if a == b {
		return false
	}
	return (a-b)&0x80000000 == 0
}

// cacheBucket holds one JSON-encoded refreshStateRecord per zone name,
// mirroring the teacher's storage.BucketSecondaryZones bucket-per-concern
// layout in storage/storage.go, generalized from the teacher's ad hoc
// ZoneCache (wire-format-encoded records) down to just the RefreshState
// fields, since the transferred records themselves already live in the
// Zone Manager's own on-disk zone files.
var cacheBucket = []byte("secondary_refresh_state")

// refreshStateRecord is RefreshState's JSON-serializable shape; durations
// round-trip as nanosecond counts and timestamps as RFC 3339.
type refreshStateRecord struct {
	SOASerial   uint32        `json:"soa_serial"`
	LastSuccess time.Time     `json:"last_success"`
	Refresh     time.Duration `json:"refresh"`
	Retry       time.Duration `json:"retry"`
	Expire      time.Duration `json:"expire"`
}

// BoltCache is a Cache backed by a bbolt database, grounded on the
// teacher's storage.Store bucket-per-concern layout and its putJSON/
// getJSON transaction helpers.
type BoltCache struct {
	db *bolt.DB
}

// OpenBoltCache opens (creating if necessary) a bbolt database at path
// and ensures its refresh-state bucket exists.
func OpenBoltCache(path string) (*BoltCache, error) {
	db, err := bolt.Open(path, 0600, &bolt.Options{Timeout: 5 * time.Second})
	if err != nil {
		return nil, fmt.Errorf("secondary: open cache db: %w", err)
	}
	err = db.Update(func(tx *bolt.Tx) error {
		_, err := tx.CreateBucketIfNotExists(cacheBucket)
		return err
	})
	if err != nil {
		db.Close()
		return nil, fmt.Errorf("secondary: init cache bucket: %w", err)
	}
	return &BoltCache{db: db}, nil
}

// Close closes the underlying database.
func (c *BoltCache) Close() error {
	return c.db.Close()
}

// SaveRefreshState persists s for zoneName.
func (c *BoltCache) SaveRefreshState(zoneName string, s zone.RefreshState) error {
	rec := refreshStateRecord{
		SOASerial:   s.SOASerial,
		LastSuccess: s.LastSuccess,
		Refresh:     s.Refresh,
		Retry:       s.Retry,
		Expire:      s.Expire,
	}
	return c.db.Update(func(tx *bolt.Tx) error {
		return putJSON(tx, cacheBucket, zoneName, rec)
	})
}

// LoadRefreshState retrieves the persisted state for zoneName, reporting
// false if none has been saved yet.
func (c *BoltCache) LoadRefreshState(zoneName string) (zone.RefreshState, bool, error) {
	var rec refreshStateRecord
	found := false
	err := c.db.View(func(tx *bolt.Tx) error {
		ok, err := getJSON(tx, cacheBucket, zoneName, &rec)
		found = ok
		return err
	})
	if err != nil {
		return zone.RefreshState{}, false, err
	}
	if !found {
		return zone.RefreshState{}, false, nil
	}
	return zone.RefreshState{
		SOASerial:   rec.SOASerial,
		LastSuccess: rec.LastSuccess,
		Refresh:     rec.Refresh,
		Retry:       rec.Retry,
		Expire:      rec.Expire,
	}, true, nil
}

func putJSON(tx *bolt.Tx, bucket []byte, key string, value interface{}) error {
	b := tx.Bucket(bucket)
	if b == nil {
		return fmt.Errorf("secondary: bucket %s not found", bucket)
	}
	data, err := json.Marshal(value)
	if err != nil {
		return fmt.Errorf("secondary: marshal cache entry: %w", err)
	}
	return b.Put([]byte(strings.ToLower(key)), data)
}

func getJSON(tx *bolt.Tx, bucket []byte, key string, dest interface{}) (bool, error) {
	b := tx.Bucket(bucket)
	if b == nil {
		return false, fmt.Errorf("secondary: bucket %s not found", bucket)
	}
	data := b.Get([]byte(strings.ToLower(key)))
	if data == nil {
		return false, nil
	}
	if err := json.Unmarshal(data, dest); err != nil {
		return false, fmt.Errorf("secondary: unmarshal cache entry: %w", err)
	}
	return true, nil
}
