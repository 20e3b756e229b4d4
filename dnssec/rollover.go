package dnssec

import (
	"fmt"
	"time"

	"github.com/Paul1404/DnsServer/logsink"
)

// KeyRolloverConfig controls how long a key generation lives before
// RolloverManager replaces it. Lifetimes follow the common convention of
// a short ZSK (cheap to roll, so rolled often) and a long KSK (expensive
// to roll because the parent zone's DS record must be updated out of
// band, so rolled rarely).
type KeyRolloverConfig struct {
	ZSKLifetime time.Duration
	KSKLifetime time.Duration
	CheckEvery  time.Duration
}

// DefaultKeyRolloverConfig rolls ZSKs quarterly and KSKs yearly, checking
// daily — conservative defaults suitable for a zone with no operator
// actively tuning them.
func DefaultKeyRolloverConfig() KeyRolloverConfig {
	return KeyRolloverConfig{
		ZSKLifetime: 90 * 24 * time.Hour,
		KSKLifetime: 365 * 24 * time.Hour,
		CheckEvery:  24 * time.Hour,
	}
}

// RolloverManager runs a background loop that rolls keys once they exceed
// their configured lifetime and deletes retired key material once its
// safety margin has passed, grounded on the same ticker-driven goroutine
// idiom the secondary package uses for its own refresh loop.
type RolloverManager struct {
	m      *Manager
	cfg    KeyRolloverConfig
	log    logsink.Sink
	stopCh chan struct{}
}

// NewRolloverManager wires a RolloverManager to manager, ready to run but
// not yet started; callers invoke Start to begin the background loop.
// Rollover activity is discarded until SetLog installs a Sink.
func NewRolloverManager(m *Manager, cfg KeyRolloverConfig) *RolloverManager {
	if cfg.CheckEvery <= 0 {
		cfg.CheckEvery = 24 * time.Hour
	}
	return &RolloverManager{
		m:      m,
		cfg:    cfg,
		log:    logsink.Discard,
		stopCh: make(chan struct{}),
	}
}

// SetLog replaces the Sink rollover activity is reported to.
func (rm *RolloverManager) SetLog(log logsink.Sink) {
	if log == nil {
		log = logsink.Discard
	}
	rm.log = log
}

// Start begins the periodic rollover/cleanup loop. Safe to call at most
// once per RolloverManager.
func (rm *RolloverManager) Start() {
	go rm.run()
}

// Stop terminates the background loop.
func (rm *RolloverManager) Stop() {
	close(rm.stopCh)
}

func (rm *RolloverManager) run() {
	ticker := time.NewTicker(rm.cfg.CheckEvery)
	defer ticker.Stop()
	for {
		select {
		case <-rm.stopCh:
			return
		case <-ticker.C:
			rm.sweep()
		}
	}
}

func (rm *RolloverManager) sweep() {
	now := time.Now()
	for zone, signer := range rm.m.signers {
		rm.rolloverDue(zone, signer, now)
		rm.deleteDue(zone, signer, now)
	}
}

func (rm *RolloverManager) rolloverDue(zone string, signer *Signer, now time.Time) {
	for tag, entry := range signer.keys {
		if entry.retired {
			continue
		}
		lifetime := rm.cfg.ZSKLifetime
		if entry.isKSK {
			lifetime = rm.cfg.KSKLifetime
		}
		if lifetime <= 0 || now.Sub(entry.created) < lifetime {
			continue
		}
		if err := signer.RolloverKey(tag); err != nil {
			rm.log.WriteErr(fmt.Errorf("dnssec rollover %s key %d: %w", zone, tag, err))
			continue
		}
		rm.log.Write(fmt.Sprintf("rolled dnssec key: zone=%s key_tag=%d is_ksk=%v", zone, tag, entry.isKSK))
	}
}

func (rm *RolloverManager) deleteDue(zone string, signer *Signer, now time.Time) {
	for _, tag := range signer.keysDueForDeletion(now) {
		if err := signer.DeleteKey(tag); err != nil {
			rm.log.WriteErr(fmt.Errorf("dnssec key deletion %s key %d: %w", zone, tag, err))
			continue
		}
		rm.log.Write(fmt.Sprintf("deleted retired dnssec key: zone=%s key_tag=%d", zone, tag))
	}
}
