package secondary

import (
	"path/filepath"
	"testing"
	"time"

	"github.com/miekg/dns"

	"github.com/Paul1404/DnsServer/zone"
)

func TestSerialGreaterHandlesWraparound(t *testing.T) {
	tests := []struct {
		a, b uint32
		want bool
	}{
		{2, 1, true},
		{1, 2, false},
		{1, 1, false},
		{0, 0xFFFFFFFF, true}, // RFC 1982 wraparound: 0 is "ahead" of the max value
	}
	for _, tt := range tests {
		if got := serialGreater(tt.a, tt.b); got != tt.want {
			t.Errorf("serialGreater(%d, %d) = %v, want %v", tt.a, tt.b, got, tt.want)
		}
	}
}

func TestIsIncrementalFramingRequiresTwoLeadingSOAs(t *testing.T) {
	soa := &dns.SOA{}
	a := &dns.A{}
	tests := []struct {
		name    string
		records []dns.RR
		want    bool
	}{
		{"too short", []dns.RR{soa, soa}, false},
		{"true IXFR framing", []dns.RR{soa, soa, a, soa}, true},
		{"AXFR fallback framing", []dns.RR{soa, a, a, soa}, false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := isIncrementalFraming(tt.records); got != tt.want {
				t.Errorf("isIncrementalFraming(%s) = %v, want %v", tt.name, got, tt.want)
			}
		})
	}
}

func TestAlgoNameMapsKnownAlgorithmsCaseInsensitively(t *testing.T) {
	tests := []struct {
		in   string
		want string
	}{
		{"hmac-sha512", dns.HmacSHA512},
		{"HMAC-SHA1", dns.HmacSHA1},
		{"hmac-md5", dns.HmacMD5},
		{"unknown-algo", dns.HmacSHA256},
		{"", dns.HmacSHA256},
	}
	for _, tt := range tests {
		if got := algoName(tt.in); got != tt.want {
			t.Errorf("algoName(%q) = %q, want %q", tt.in, got, tt.want)
		}
	}
}

func TestNextIntervalUsesRetryAfterFailure(t *testing.T) {
	m := &Manager{}
	idle := zone.RefreshState{Status: zone.RefreshIdle, Refresh: 10 * time.Minute, Retry: 2 * time.Minute}
	if got := m.nextInterval(idle); got != 10*time.Minute {
		t.Errorf("nextInterval(idle) = %v, want 10m", got)
	}
	failed := zone.RefreshState{Status: zone.RefreshFailed, Refresh: 10 * time.Minute, Retry: 2 * time.Minute}
	if got := m.nextInterval(failed); got != 2*time.Minute {
		t.Errorf("nextInterval(failed) = %v, want 2m", got)
	}
}

func TestNextIntervalFallsBackWhenUnset(t *testing.T) {
	m := &Manager{}
	got := m.nextInterval(zone.RefreshState{Status: zone.RefreshIdle})
	if got != 5*time.Minute {
		t.Errorf("nextInterval(zero refresh) = %v, want the 5m fallback", got)
	}
}

func TestRefreshStateOfOnlySecondaryAndStub(t *testing.T) {
	secondaryApex := newApexWithVariant(t, "sec.example.", zone.SecondaryInfo{RefreshState: &zone.RefreshState{}})
	if refreshStateOf(secondaryApex) == nil {
		t.Error("expected a Secondary apex to expose its RefreshState")
	}
	primaryApex := newApexWithVariant(t, "pri.example.", zone.PrimaryInfo{})
	if refreshStateOf(primaryApex) != nil {
		t.Error("expected a Primary apex to have no RefreshState")
	}
}

func TestPrimaryInfoOfStubHasNoTSIGKey(t *testing.T) {
	stubApex := newApexWithVariant(t, "stub.example.", zone.StubInfo{PrimaryAddr: "192.0.2.53:53"})
	addr, key := primaryInfoOf(stubApex)
	if addr != "192.0.2.53:53" || key != "" {
		t.Errorf("primaryInfoOf(stub) = (%q, %q), want (%q, \"\")", addr, key, "192.0.2.53:53")
	}
}

func TestBoltCacheRoundTripsRefreshState(t *testing.T) {
	dbPath := filepath.Join(t.TempDir(), "secondary.db")
	cache, err := OpenBoltCache(dbPath)
	if err != nil {
		t.Fatalf("OpenBoltCache: %v", err)
	}
	defer cache.Close()

	want := zone.RefreshState{
		SOASerial:   42,
		LastSuccess: time.Now().Truncate(time.Second),
		Refresh:     1 * time.Hour,
		Retry:       5 * time.Minute,
		Expire:      24 * time.Hour,
	}
	if err := cache.SaveRefreshState("example.com.", want); err != nil {
		t.Fatalf("SaveRefreshState: %v", err)
	}

	got, ok, err := cache.LoadRefreshState("EXAMPLE.COM.")
	if err != nil {
		t.Fatalf("LoadRefreshState: %v", err)
	}
	if !ok {
		t.Fatal("expected a cached entry to be found case-insensitively")
	}
	if got.SOASerial != want.SOASerial || got.Refresh != want.Refresh {
		t.Errorf("LoadRefreshState = %+v, want %+v", got, want)
	}
}

func TestBoltCacheLoadMissingZoneReportsNotFound(t *testing.T) {
	dbPath := filepath.Join(t.TempDir(), "secondary.db")
	cache, err := OpenBoltCache(dbPath)
	if err != nil {
		t.Fatalf("OpenBoltCache: %v", err)
	}
	defer cache.Close()

	_, ok, err := cache.LoadRefreshState("nosuchzone.example.")
	if err != nil {
		t.Fatalf("LoadRefreshState: %v", err)
	}
	if ok {
		t.Error("expected LoadRefreshState to report not-found for a never-saved zone")
	}
}

func newApexWithVariant(t *testing.T, name string, variant zone.VariantInfo) *zone.ApexZone {
	t.Helper()
	tr := zone.NewTree()
	apex, err := tr.AddApexZone(name, variant)
	if err != nil {
		t.Fatalf("AddApexZone(%q): %v", name, err)
	}
	return apex
}
