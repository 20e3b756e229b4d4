package zone

import (
	"sync"
	"sync/atomic"
	"time"

	"github.com/miekg/dns"
)

// DNSSECStatus records whether and how an apex is signed. The Query
// Engine consults this (via ApexZone.DNSSECStatus) to decide whether to
// attach NSEC or NSEC3 proofs; the dnssec package is what actually
// transitions it via SetDNSSECStatus as part of Sign/Unsign/ConvertTo*.
type DNSSECStatus int32

const (
	Unsigned DNSSECStatus = iota
	SignedWithNSEC
	SignedWithNSEC3
)

// ApexKind distinguishes the four zone variants spec §4.2 defines. Unlike
// the teacher's storage.Zone, which carries every variant's fields on one
// struct and leaves most of them zero, ApexZone keeps variant-specific
// state behind a single Variant field holding one of the four info types
// below, so a Primary zone cannot accidentally carry refresh timers and a
// Secondary zone cannot accidentally carry a serial-bump scheme.
type ApexKind int

const (
	KindPrimary ApexKind = iota
	KindSecondary
	KindStub
	KindForwarder
)

func (k ApexKind) String() string {
	switch k {
	case KindPrimary:
		return "primary"
	case KindSecondary:
		return "secondary"
	case KindStub:
		return "stub"
	case KindForwarder:
		return "forwarder"
	default:
		return "unknown"
	}
}

// VariantInfo is the closed set of per-kind payloads an ApexZone carries.
type VariantInfo interface {
	apexKind() ApexKind
}

// PrimaryInfo is carried by authoritative, locally-edited zones.
type PrimaryInfo struct {
	Serial SerialScheme
}

func (PrimaryInfo) apexKind() ApexKind { return KindPrimary }

// SecondaryInfo is carried by zones mirrored from a remote primary via
// AXFR/IXFR. RefreshState is owned by the secondary package's state
// machine; ApexZone only stores the pointer so the Zone Manager can
// report status without importing secondary's transfer logic.
type SecondaryInfo struct {
	PrimaryAddr  string
	TSIGKeyName  string
	RefreshState *RefreshState
}

func (SecondaryInfo) apexKind() ApexKind { return KindSecondary }

// StubInfo is carried by zones that hold only delegation (NS/glue) data
// learned from a remote primary, refreshed the same way as Secondary but
// never holding non-NS data at the apex.
type StubInfo struct {
	PrimaryAddr  string
	RefreshState *RefreshState
}

func (StubInfo) apexKind() ApexKind { return KindStub }

// ForwarderInfo is carried by zones with no local data at all: queries
// under this apex are referred to Targets rather than answered. A
// Forwarder apex's node is expected to hold no RRSets.
type ForwarderInfo struct {
	Targets []string
}

func (ForwarderInfo) apexKind() ApexKind { return KindForwarder }

// RefreshState is the Secondary/Stub refresh state machine described in
// spec §4.2: Idle -> Refreshing -> (Idle | Failed) -> Expired, timed off
// the learned SOA's refresh/retry/expire fields.
type RefreshState struct {
	mu sync.Mutex

	Status      RefreshStatus
	LastSuccess time.Time
	LastAttempt time.Time
	LastError   error
	SOASerial   uint32
	Refresh     time.Duration
	Retry       time.Duration
	Expire      time.Duration
}

type RefreshStatus int

const (
	RefreshIdle RefreshStatus = iota
	RefreshInProgress
	RefreshFailed
	RefreshExpired
)

func (s RefreshStatus) String() string {
	switch s {
	case RefreshIdle:
		return "idle"
	case RefreshInProgress:
		return "refreshing"
	case RefreshFailed:
		return "failed"
	case RefreshExpired:
		return "expired"
	default:
		return "unknown"
	}
}

// Snapshot returns a copy of the current state safe to read without
// holding the lock further.
func (s *RefreshState) Snapshot() RefreshState {
	s.mu.Lock()
	defer s.mu.Unlock()
	return RefreshState{
		Status:      s.Status,
		LastSuccess: s.LastSuccess,
		LastAttempt: s.LastAttempt,
		LastError:   s.LastError,
		SOASerial:   s.SOASerial,
		Refresh:     s.Refresh,
		Retry:       s.Retry,
		Expire:      s.Expire,
	}
}

// BeginRefresh marks the start of a refresh attempt. Exported so the
// secondary package, which owns this state machine's transitions per the
// comment above, can drive it without the zone package mediating every
// transfer attempt.
func (s *RefreshState) BeginRefresh(now time.Time) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.Status = RefreshInProgress
	s.LastAttempt = now
}

// MarkSuccess records a successful refresh at the given serial and resets
// the timers learned from the fetched SOA.
func (s *RefreshState) MarkSuccess(now time.Time, serial uint32, refresh, retry, expire time.Duration) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.Status = RefreshIdle
	s.LastSuccess = now
	s.LastAttempt = now
	s.LastError = nil
	s.SOASerial = serial
	s.Refresh = refresh
	s.Retry = retry
	s.Expire = expire
}

// MarkFailed records a failed refresh attempt. The caller decides,
// looking at LastSuccess and Expire, whether to additionally call
// MarkExpired.
func (s *RefreshState) MarkFailed(now time.Time, err error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.Status = RefreshFailed
	s.LastAttempt = now
	s.LastError = err
}

// MarkExpired transitions the zone to Expired once its data has outlived
// the learned SOA's expire interval without a successful refresh, per
// §4.2's Idle -> Refreshing -> (Idle | Failed) -> Expired state machine.
func (s *RefreshState) MarkExpired() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.Status = RefreshExpired
}

// Expired reports whether the state machine has reached Expired.
func (s *RefreshState) Expired() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.Status == RefreshExpired
}

// ApexZone is one zone: either a top-level zone under the tree's root or
// a subdomain zone nested inside a parent zone's tree, per §4.2's
// "subdomain zones are ApexZones whose node is not the tree root but
// which otherwise behave identically" rule.
type ApexZone struct {
	Name string // FQDN, e.g. "example.com."

	node *Node // the node this apex is rooted at

	mu      sync.RWMutex
	variant VariantInfo

	journal *Journal

	dnssecStatus atomic.Int32
	disabled     atomic.Bool
}

// Disabled reports whether the apex is administratively disabled. A
// disabled apex is treated by the Query Engine as if it were absent
// from the tree (§4.3 step 1: "apex is inactive" -> no authority).
func (z *ApexZone) Disabled() bool { return z.disabled.Load() }

// SetDisabled toggles the apex's disabled flag.
func (z *ApexZone) SetDisabled(v bool) { z.disabled.Store(v) }

// DNSSECStatus reports whether this apex is currently signed, and how.
func (z *ApexZone) DNSSECStatus() DNSSECStatus {
	return DNSSECStatus(z.dnssecStatus.Load())
}

// SetDNSSECStatus transitions the apex's signing status. Called by the
// dnssec package's Sign/Unsign/ConvertToNSEC/ConvertToNSEC3 operations.
func (z *ApexZone) SetDNSSECStatus(s DNSSECStatus) {
	z.dnssecStatus.Store(int32(s))
}

// Kind reports this apex's variant.
func (z *ApexZone) Kind() ApexKind {
	z.mu.RLock()
	defer z.mu.RUnlock()
	return z.variant.apexKind()
}

// Variant returns the current VariantInfo payload.
func (z *ApexZone) Variant() VariantInfo {
	z.mu.RLock()
	defer z.mu.RUnlock()
	return z.variant
}

// setVariant replaces the variant payload, used by zone conversion.
func (z *ApexZone) setVariant(v VariantInfo) {
	z.mu.Lock()
	defer z.mu.Unlock()
	z.variant = v
}

// Node exposes the apex's root node to the Query Engine and Tree.
func (z *ApexZone) Node() *Node { return z.node }

// Journal returns this apex's change journal. Forwarder apexes still
// carry a Journal (empty, unused) rather than a nil one, so callers
// never need a kind-switch before touching it.
func (z *ApexZone) Journal() *Journal { return z.journal }

// SOA returns the apex's current SOA record, or nil if none is set
// (only possible transiently, or for Forwarder/Stub apexes which carry
// no SOA of their own).
func (z *ApexZone) SOA() *dns.SOA {
	set := z.node.RRSets(dns.TypeSOA)
	if len(set) == 0 {
		return nil
	}
	soa, _ := set[0].RR.(*dns.SOA)
	return soa
}
