package zone

import (
	"sync"
	"sync/atomic"

	"github.com/miekg/dns"
)

// rrsets is an immutable-once-published snapshot of a node's RRSets,
// keyed by RR type. Mutations build a new map and atomic.Value.Store it
// rather than mutating in place, so concurrent readers (the Query Engine)
// never observe a partially updated node, per §5's "readers never block
// on a writer, and never see a half-updated node" requirement.
type rrsets map[uint16]RRSet

// Node is one label in the Zone Tree. Every Node belongs to exactly one
// ApexZone (found by walking apex pointers up to the root of its subtree)
// and holds zero or more RRSets plus zero or more named children.
//
// Children are guarded by an explicit RWMutex because the child set
// changes shape (keys added/removed) far more often relative to its size
// than an RRSet snapshot does, so a map-replace-on-every-write strategy
// like rrsets uses would mean copying a potentially large children map
// on every leaf insert/delete. RRSets are swapped wholesale instead
// because a node's total RRSet volume is small and bounded.
type Node struct {
	label string

	mu       sync.RWMutex
	children map[string]*Node

	rrs atomic.Value // holds rrsets

	// fwd holds this node's forward targets for Forwarder apexes. Kept
	// separate from rrs because forward targets are not wire resource
	// records — github.com/miekg/dns's RR interface carries unexported
	// methods, so forwarder data cannot be modeled as a custom dns.RR
	// and is tracked here instead, consulted only by Forwarder query
	// handling rather than flowing through the general RRSet machinery.
	fwd atomic.Value // holds []string

	// apex is non-nil only at a zone's apex node (see ApexZone.node).
	// Every other node reaches its apex by walking parent pointers.
	apex   *ApexZone
	parent *Node
}

func newNode(label string, parent *Node) *Node {
	n := &Node{label: label, children: make(map[string]*Node), parent: parent}
	n.rrs.Store(rrsets{})
	n.fwd.Store([]string(nil))
	return n
}

// ForwardTargets returns this node's forward targets, if any.
func (n *Node) ForwardTargets() []string {
	return n.fwd.Load().([]string)
}

// SetForwardTargets replaces this node's forward targets.
func (n *Node) SetForwardTargets(targets []string) {
	n.fwd.Store(append([]string(nil), targets...))
}

func (n *Node) snapshot() rrsets {
	return n.rrs.Load().(rrsets)
}

// RRSets returns the RRSet for rrtype at this node, or nil if empty.
// dns.TypeANY returns nothing; callers that need "everything at this
// node" should use AllRRSets.
func (n *Node) RRSets(rrtype uint16) RRSet {
	return n.snapshot()[rrtype]
}

// AllRRSets returns every RRSet at this node, keyed by type. The
// returned map is a snapshot and safe to range over without locking.
func (n *Node) AllRRSets() map[uint16]RRSet {
	return n.snapshot()
}

// HasType reports whether this node holds at least one non-disabled
// record of rrtype.
func (n *Node) HasType(rrtype uint16) bool {
	for _, r := range n.snapshot()[rrtype] {
		if !r.Disabled() {
			return true
		}
	}
	return false
}

// IsDelegation reports whether this node carries an NS RRset, and is
// therefore a delegation cut rather than authoritative data, per the
// invariant in spec §3 ("NS records at a node other than a zone's own
// apex constitute a delegation"). The apex's own NS records (naming the
// zone's authoritative servers) are not a self-delegation, so callers
// compare against the owning ApexZone's node before treating an NS
// RRset as a cut.
func (n *Node) IsDelegation() bool {
	return n.HasType(dns.TypeNS)
}

// IsEmpty reports whether the node carries no RRSets and has no
// children, i.e. it exists only as scaffolding and can be pruned.
func (n *Node) IsEmpty() bool {
	if len(n.snapshot()) != 0 {
		return false
	}
	n.mu.RLock()
	defer n.mu.RUnlock()
	return len(n.children) == 0
}

// addRecord inserts rec into the RRSet for its type, replacing any
// existing record with the same rdata (re-adding a record updates its
// tag/TTL rather than duplicating it).
func (n *Node) addRecord(rec *Record) {
	for {
		old := n.snapshot()
		next := make(rrsets, len(old)+1)
		for t, set := range old {
			next[t] = set
		}
		cur := next[rec.Type()]
		replaced := make(RRSet, 0, len(cur)+1)
		found := false
		for _, existing := range cur {
			if rdataEqual(existing.RR, rec.RR) {
				replaced = append(replaced, rec)
				found = true
				continue
			}
			replaced = append(replaced, existing)
		}
		if !found {
			replaced = append(replaced, rec)
		}
		next[rec.Type()] = replaced
		n.rrs.Store(next)
		return
	}
}

// removeRecord deletes the record matching id from rrtype's RRSet.
// Reports whether a record was found and removed.
func (n *Node) removeRecord(rrtype uint16, id string) bool {
	old := n.snapshot()
	cur := old[rrtype]
	kept := make(RRSet, 0, len(cur))
	removed := false
	for _, r := range cur {
		if r.ID == id {
			removed = true
			continue
		}
		kept = append(kept, r)
	}
	if !removed {
		return false
	}
	next := make(rrsets, len(old))
	for t, set := range old {
		next[t] = set
	}
	if len(kept) == 0 {
		delete(next, rrtype)
	} else {
		next[rrtype] = kept
	}
	n.rrs.Store(next)
	return true
}

// clearType drops every record of rrtype at this node, returning the
// removed records so callers can journal them.
func (n *Node) clearType(rrtype uint16) RRSet {
	old := n.snapshot()
	removed := old[rrtype]
	if len(removed) == 0 {
		return nil
	}
	next := make(rrsets, len(old))
	for t, set := range old {
		if t == rrtype {
			continue
		}
		next[t] = set
	}
	n.rrs.Store(next)
	return removed
}

// child returns the existing child labeled name, or nil.
func (n *Node) child(label string) *Node {
	n.mu.RLock()
	defer n.mu.RUnlock()
	return n.children[label]
}

// getOrAddChild returns the child labeled name, creating it if absent.
func (n *Node) getOrAddChild(label string) *Node {
	n.mu.Lock()
	defer n.mu.Unlock()
	if c, ok := n.children[label]; ok {
		return c
	}
	c := newNode(label, n)
	n.children[label] = c
	return c
}

// removeChild drops the child labeled name if it is empty, returning
// whether it was removed.
func (n *Node) removeChild(label string) bool {
	n.mu.Lock()
	defer n.mu.Unlock()
	c, ok := n.children[label]
	if !ok || !c.IsEmpty() {
		return false
	}
	delete(n.children, label)
	return true
}

// AddRecord inserts rec into this node, exported so packages outside
// zone that own a Record's lifecycle end-to-end (dnssec signing RRSIG/
// NSEC/NSEC3/DNSKEY into the tree it was asked to sign) can place it
// without the zone package mediating every insert.
func (n *Node) AddRecord(rec *Record) {
	n.addRecord(rec)
}

// RemoveRecord deletes the record identified by id from rrtype's RRSet.
func (n *Node) RemoveRecord(rrtype uint16, id string) bool {
	return n.removeRecord(rrtype, id)
}

// ClearType drops every record of rrtype at this node, returning the
// removed records.
func (n *Node) ClearType(rrtype uint16) RRSet {
	return n.clearType(rrtype)
}

// GetOrAddChild returns the child labeled label, creating it if absent.
// Exported for packages outside zone (dnssec) that need to materialize
// nodes outside the ordinary name space, such as NSEC3 hashed-owner
// nodes rooted under a zone's apex.
func (n *Node) GetOrAddChild(label string) *Node {
	return n.getOrAddChild(label)
}

// RemoveChild drops the child labeled label if it is empty, reporting
// whether it was removed.
func (n *Node) RemoveChild(label string) bool {
	return n.removeChild(label)
}

// Child returns the existing child labeled label, or nil. Exported for
// packages outside zone (zonefile, transfer) that need read-only
// traversal without reaching into Tree internals.
func (n *Node) Child(label string) *Node {
	return n.child(label)
}

// ChildLabels returns this node's child labels, unordered.
func (n *Node) ChildLabels() []string {
	return n.childLabels()
}

// childLabels returns this node's child labels, unordered.
func (n *Node) childLabels() []string {
	n.mu.RLock()
	defer n.mu.RUnlock()
	out := make([]string, 0, len(n.children))
	for l := range n.children {
		out = append(out, l)
	}
	return out
}

// Name reconstructs this node's full owner name by walking parent
// pointers to the root. Exported for packages outside zone (dnssec's
// NSEC/NSEC3 chain construction) that need an owner name for nodes which
// may hold no RRSet of their own (empty non-terminals).
func (n *Node) Name() string {
	var labels []string
	for cur := n; cur != nil && cur.label != ""; cur = cur.parent {
		labels = append(labels, cur.label)
	}
	// labels is currently leaf-to-root; joinLabels wants root-first.
	for i, j := 0, len(labels)-1; i < j; i, j = i+1, j-1 {
		labels[i], labels[j] = labels[j], labels[i]
	}
	return joinLabels(labels)
}

// owningApex walks parent pointers up to find the nearest apex, i.e. the
// ApexZone this node belongs to. Only apex nodes carry the pointer
// themselves; a node with no apex node above it returns nil.
func (n *Node) owningApex() *ApexZone {
	for cur := n; cur != nil; cur = cur.parent {
		if cur.apex != nil {
			return cur.apex
		}
	}
	return nil
}
