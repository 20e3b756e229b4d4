package dnssec

import (
	"crypto"
	"crypto/ecdsa"
	"fmt"
	"path/filepath"
	"time"

	"github.com/miekg/dns"
)

// SignRRSet produces the RRSIG covering rrset, signed with the active
// ZSK (or the active KSK, for a DNSKEY RRset itself, per RFC 4035's
// "the zone's apex DNSKEY RRset is signed by both the ZSK and KSK"
// convention — callers that need both call SignRRSet twice).
func (s *Signer) SignRRSet(rrset []dns.RR, useKSK bool, inception, expiration time.Time) (*dns.RRSIG, error) {
	if len(rrset) == 0 {
		return nil, fmt.Errorf("dnssec: cannot sign an empty RRset")
	}
	key, priv := s.zsk, s.zskPriv
	if useKSK {
		key, priv = s.ksk, s.kskPriv
	}
	if key == nil || priv == nil {
		return nil, fmt.Errorf("dnssec: no signing key loaded for zone %s", s.zone)
	}

	rrsig := &dns.RRSIG{
		Hdr: dns.RR_Header{
			Name:   rrset[0].Header().Name,
			Rrtype: dns.TypeRRSIG,
			Class:  dns.ClassINET,
			Ttl:    rrset[0].Header().Ttl,
		},
		Algorithm:   s.algorithm,
		Labels:      uint8(dns.CountLabel(rrset[0].Header().Name)),
		OrigTtl:     rrset[0].Header().Ttl,
		Expiration:  uint32(expiration.Unix()),
		Inception:   uint32(inception.Unix()),
		KeyTag:      key.KeyTag(),
		SignerName:  s.zone,
		TypeCovered: rrset[0].Header().Rrtype,
	}
	if err := rrsig.Sign(priv.(crypto.Signer), rrset); err != nil {
		return nil, fmt.Errorf("dnssec: sign rrset: %w", err)
	}
	return rrsig, nil
}

// ActiveDNSKEYs returns every currently-published (non-retired) DNSKEY
// for this signer's zone.
func (s *Signer) ActiveDNSKEYs() []dns.RR {
	out := make([]dns.RR, 0, len(s.keys))
	for _, e := range s.keys {
		if !e.retired {
			out = append(out, e.key)
		}
	}
	return out
}

// DSRecords returns a DS record for every active KSK.
func (s *Signer) DSRecords() []*dns.DS {
	var out []*dns.DS
	for _, e := range s.keys {
		if e.isKSK && !e.retired {
			out = append(out, e.key.ToDS(dns.SHA256))
		}
	}
	return out
}

// GenerateKey mints a new key of the requested kind, publishing it
// alongside whatever key of that kind is already active; the caller
// (the zone package's Sign orchestration) is responsible for re-signing
// the zone's DNSKEY RRset once a new key joins it.
func (s *Signer) GenerateKey(isKSK bool) (*dns.DNSKEY, error) {
	key, priv, err := generateKey(s.zone, s.algorithm, isKSK)
	if err != nil {
		return nil, err
	}
	s.keys[key.KeyTag()] = &keyEntry{key: key, priv: priv, isKSK: isKSK, created: time.Now()}
	if isKSK {
		s.ksk, s.kskPriv = key, priv
	} else {
		s.zsk, s.zskPriv = key, priv
	}
	if s.keyDir != "" {
		suffix := "zsk.pem"
		if isKSK {
			suffix = "ksk.pem"
		}
		if err := saveKeyToFile(filepath.Join(s.keyDir, fmt.Sprintf("%s%d.", s.zone, key.KeyTag())+suffix), priv); err != nil {
			return key, err
		}
	}
	return key, nil
}

// UpdateKey changes whether the key identified by keyTag is one of the
// zone's actively-publishing-and-signing keys, without generating a
// replacement (RolloverKey) or discarding its material (DeleteKey).
// Deactivating is equivalent to RetireKey; reactivating is RetireKey's
// inverse, restoring the key as the active key of its kind and
// displacing whatever key currently holds that role.
func (s *Signer) UpdateKey(keyTag uint16, active bool) error {
	e, ok := s.keys[keyTag]
	if !ok {
		return fmt.Errorf("dnssec: no such key tag %d for zone %s", keyTag, s.zone)
	}
	if !active {
		e.retired = true
		if s.zsk != nil && s.zsk.KeyTag() == keyTag {
			s.zsk, s.zskPriv = nil, nil
		}
		if s.ksk != nil && s.ksk.KeyTag() == keyTag {
			s.ksk, s.kskPriv = nil, nil
		}
		return nil
	}
	e.retired = false
	e.retireAt = time.Time{}
	if e.isKSK {
		s.ksk, s.kskPriv = e.key, e.priv
	} else {
		s.zsk, s.zskPriv = e.key, e.priv
	}
	return nil
}

// RolloverKey generates a replacement for the key identified by keyTag,
// marks the old key retired at once (no longer published or used to
// sign), and schedules its material for deletion after a safety margin
// long enough for cached RRSIGs/DS records referencing it to expire from
// resolver caches (conservatively, one day).
func (s *Signer) RolloverKey(keyTag uint16) error {
	old, ok := s.keys[keyTag]
	if !ok {
		return fmt.Errorf("dnssec: no such key tag %d for zone %s", keyTag, s.zone)
	}
	if _, err := s.GenerateKey(old.isKSK); err != nil {
		return err
	}
	old.retired = true
	old.retireAt = time.Now().Add(24 * time.Hour)
	return nil
}

// RetireKey immediately marks a key as retired: it stops being
// published in the DNSKEY RRset and stops being used to sign, but its
// entry is kept so DeleteKey can still identify it.
func (s *Signer) RetireKey(keyTag uint16) error {
	e, ok := s.keys[keyTag]
	if !ok {
		return fmt.Errorf("dnssec: no such key tag %d for zone %s", keyTag, s.zone)
	}
	e.retired = true
	if s.zsk != nil && s.zsk.KeyTag() == keyTag {
		s.zsk, s.zskPriv = nil, nil
	}
	if s.ksk != nil && s.ksk.KeyTag() == keyTag {
		s.ksk, s.kskPriv = nil, nil
	}
	return nil
}

// DeleteKey removes a retired key's material entirely. Deleting a key
// that is still active is rejected; callers must RetireKey first.
func (s *Signer) DeleteKey(keyTag uint16) error {
	e, ok := s.keys[keyTag]
	if !ok {
		return fmt.Errorf("dnssec: no such key tag %d for zone %s", keyTag, s.zone)
	}
	if !e.retired {
		return fmt.Errorf("dnssec: key tag %d is still active, retire it first", keyTag)
	}
	delete(s.keys, keyTag)
	return nil
}

// keysDueForDeletion returns key tags retired long enough ago that
// RolloverManager should finish deleting their material.
func (s *Signer) keysDueForDeletion(now time.Time) []uint16 {
	var out []uint16
	for tag, e := range s.keys {
		if e.retired && !e.retireAt.IsZero() && now.After(e.retireAt) {
			out = append(out, tag)
		}
	}
	return out
}

var _ = ecdsa.PrivateKey{} // keeps the ecdsa import grounded even if generateKey's signature changes upstream
