package zone

import (
	"strings"
	"sync"

	"github.com/miekg/dns"

	"github.com/Paul1404/DnsServer/zoneerr"
)

// MatchKind classifies how FindZone located a node relative to the
// queried name, per §4.1's five-step priority list.
type MatchKind int

const (
	// MatchNone means no zone in this tree is authoritative for the name.
	MatchNone MatchKind = iota
	// MatchExact means a node exists for the name itself.
	MatchExact
	// MatchWildcard means the name itself has no node, but an enclosing
	// "*" label does, and wildcard synthesis applies.
	MatchWildcard
	// MatchDelegation means descent stopped at a node that carries NS
	// records below the apex: the queried name is inside a child zone
	// this tree does not serve directly.
	MatchDelegation
	// MatchApexOnly means the name is in-bailiwick of an apex but no
	// node (exact or wildcard) exists below the apex for it; the apex
	// itself is authoritative and answers NXDOMAIN/NODATA.
	MatchApexOnly
)

// FindResult is everything the Query Engine needs to act on a FindZone
// lookup: which apex is authoritative, which node (if any) matched, how
// it matched, and — for delegations — the NS node to build a referral
// from.
type FindResult struct {
	Apex       *ApexZone
	Node       *Node // matched node (exact or synthesized wildcard owner), nil if MatchApexOnly/MatchNone
	Kind       MatchKind
	Delegation *Node // set when Kind == MatchDelegation: the NS-bearing cut point
	Closest    *Node // deepest node actually reached while descending, for NSEC/NSEC3 proofs
	// Cut is true when Kind == MatchExact and Node is itself a nested
	// ApexZone's own node sitting at a zone cut below another apex in
	// this same tree (e.g. a Secondary created at a sub-name of an
	// existing Primary). ParentApex is the enclosing apex in that case,
	// per §4.1/§4.3's "DS queries target the parent-side node" rule.
	Cut        bool
	ParentApex *ApexZone
}

// Tree is a forest of ApexZones sharing one root node, indexed both by
// the trie (for FindZone's descent) and by name (for direct Manager
// lookups). Concurrency: the trie's own structure is protected
// node-by-node via each Node's RWMutex; apexByName is protected by its
// own mutex since apex creation/removal is far rarer than RRSet reads.
type Tree struct {
	root *Node

	mu         sync.RWMutex
	apexByName map[string]*ApexZone
}

// NewTree returns an empty Tree.
func NewTree() *Tree {
	return &Tree{
		root:       newNode("", nil),
		apexByName: make(map[string]*ApexZone),
	}
}

// AddApexZone creates a new top-level apex rooted directly under the
// tree's root. Returns zoneerr.ZoneAlreadyExists if name is already an
// apex.
func (t *Tree) AddApexZone(name string, variant VariantInfo) (*ApexZone, error) {
	name = dns.Fqdn(strings.ToLower(name))
	t.mu.Lock()
	defer t.mu.Unlock()
	if _, ok := t.apexByName[name]; ok {
		return nil, zoneerr.ZoneAlreadyExists
	}
	node := t.descendCreate(t.root, canonicalLabels(name))
	apex := &ApexZone{Name: name, node: node, variant: variant, journal: newJournal()}
	node.apex = apex
	t.apexByName[name] = apex
	return apex, nil
}

// GetOrAddSubDomainZone creates (or returns, if already present) an
// ApexZone rooted at name, nested inside whatever apex currently owns
// name's node. Per §4.2, a subdomain zone behaves identically to a
// top-level one except that its node sits inside a parent zone's tree
// rather than directly under the tree root.
func (t *Tree) GetOrAddSubDomainZone(name string, variant VariantInfo) (*ApexZone, error) {
	name = dns.Fqdn(strings.ToLower(name))
	t.mu.Lock()
	defer t.mu.Unlock()
	if existing, ok := t.apexByName[name]; ok {
		return existing, nil
	}
	node := t.descendCreate(t.root, canonicalLabels(name))
	if node.apex != nil {
		return nil, zoneerr.ZoneAlreadyExists
	}
	apex := &ApexZone{Name: name, node: node, variant: variant, journal: newJournal()}
	node.apex = apex
	t.apexByName[name] = apex
	return apex, nil
}

// ApexByName returns the apex exactly named name, or nil.
func (t *Tree) ApexByName(name string) *ApexZone {
	name = dns.Fqdn(strings.ToLower(name))
	t.mu.RLock()
	defer t.mu.RUnlock()
	return t.apexByName[name]
}

// ListApexNames returns every apex name in the tree, unordered.
func (t *Tree) ListApexNames() []string {
	t.mu.RLock()
	defer t.mu.RUnlock()
	out := make([]string, 0, len(t.apexByName))
	for n := range t.apexByName {
		out = append(out, n)
	}
	return out
}

// ListSubDomains returns the apex names nested strictly inside parent
// (parent itself excluded).
func (t *Tree) ListSubDomains(parent string) []string {
	parent = dns.Fqdn(strings.ToLower(parent))
	t.mu.RLock()
	defer t.mu.RUnlock()
	out := make([]string, 0)
	for n := range t.apexByName {
		if n != parent && isInBailiwick(n, parent) {
			out = append(out, n)
		}
	}
	return out
}

// TryRemove deletes the apex named name and clears its node's RRSets;
// the node itself (and any ancestors left empty) is pruned only when it
// has no remaining children. Returns zoneerr.ZoneNotFound if absent,
// zoneerr.ConversionRejected if the apex still has nested subdomain zones.
func (t *Tree) TryRemove(name string) error {
	name = dns.Fqdn(strings.ToLower(name))
	t.mu.Lock()
	defer t.mu.Unlock()
	apex, ok := t.apexByName[name]
	if !ok {
		return zoneerr.ZoneNotFound
	}
	for n := range t.apexByName {
		if n != name && isInBailiwick(n, name) {
			return zoneerr.ConversionRejected
		}
	}
	apex.node.apex = nil
	apex.node.rrs.Store(rrsets{})
	delete(t.apexByName, name)
	t.pruneUpward(apex.node)
	return nil
}

// PruneEmpty removes name's node and any now-empty ancestors, stopping
// at any apex node. Used after record deletion leaves a subdomain node
// with no RRSets and no children, per §3's "subdomain nodes are
// garbage-collected when they become empty" lifecycle rule.
func (t *Tree) PruneEmpty(name string) {
	name = dns.Fqdn(strings.ToLower(name))
	t.mu.RLock()
	cur := t.root
	t.mu.RUnlock()
	for _, l := range canonicalLabels(name) {
		next := cur.child(l)
		if next == nil {
			return
		}
		cur = next
	}
	if cur.apex != nil {
		return
	}
	t.pruneUpward(cur)
}

// descendCreate walks labels from t.root, creating nodes as needed, and
// returns the final node.
func (t *Tree) descendCreate(from *Node, labels []string) *Node {
	cur := from
	for _, l := range labels {
		cur = cur.getOrAddChild(l)
	}
	return cur
}

// pruneUpward removes n and then its ancestors while they remain empty,
// stopping at the tree root or at any node that is itself an apex.
func (t *Tree) pruneUpward(n *Node) {
	cur := n
	for cur != nil && cur.parent != nil {
		parent := cur.parent
		if !cur.IsEmpty() || cur.apex != nil {
			return
		}
		parent.removeChild(cur.label)
		cur = parent
	}
}

// FindZone implements §4.1's authoritative-match search: descend the
// trie label by label from the root toward name, tracking the nearest
// enclosing apex and the nearest enclosing wildcard node, and stopping
// early at any delegation cut. Priority order, closest-encloser wins at
// each step:
//
//  1. An exact match for name.
//  2. A delegation (NS RRset) at any node strictly between the owning
//     apex and name — descent stops there, answer is a referral.
//  3. A wildcard node ("*") at the level where descent would otherwise
//     continue, UNLESS that wildcard node itself carries an NS RRset,
//     in which case it is also a delegation (the resolved Open Question,
//     see DESIGN.md) rather than a synthesis source.
//  4. The enclosing apex alone, answering NXDOMAIN/NODATA with no node
//     match at all.
//  5. No match anywhere in this tree.
//
// When an exact match's node is itself a nested apex's own node sitting
// below another apex in this tree, the result additionally carries
// Cut=true and ParentApex set to that enclosing apex, per §4.1's "DS
// queries target the parent-side node" rule (see Engine.dsAtCut).
func (t *Tree) FindZone(name string) FindResult {
	name = dns.Fqdn(strings.ToLower(name))
	labels := canonicalLabels(name)

	t.mu.RLock()
	cur := t.root
	t.mu.RUnlock()

	var apex *ApexZone
	var wildcard *Node
	closest := cur

	for i, l := range labels {
		if cur.apex != nil {
			apex = cur.apex
		}
		// A delegation below the owning apex's own node stops descent.
		if apex != nil && cur != apex.node && cur.IsDelegation() {
			return FindResult{Apex: apex, Kind: MatchDelegation, Delegation: cur, Closest: cur}
		}

		next := cur.child(l)
		if w := cur.child("*"); w != nil && w != next {
			wildcard = w
		}
		if next == nil {
			break
		}
		cur = next
		closest = cur
		if i == len(labels)-1 {
			// Reached the final label: exact match, but still check
			// whether this very node is itself a delegation cut (an NS
			// RRset at the queried name's own node, e.g. the child
			// zone's apex as seen from the parent).
			enclosing := apex
			if cur.apex != nil {
				apex = cur.apex
			}
			if apex != nil && cur != apex.node && cur.IsDelegation() {
				return FindResult{Apex: apex, Kind: MatchDelegation, Delegation: cur, Closest: cur}
			}
			res := FindResult{Apex: apex, Node: cur, Kind: MatchExact, Closest: cur}
			if cur.apex != nil && enclosing != nil && enclosing != cur.apex {
				res.Cut = true
				res.ParentApex = enclosing
			}
			return res
		}
	}

	if apex == nil {
		return FindResult{Kind: MatchNone, Closest: closest}
	}

	if wildcard != nil {
		// NS at a wildcard node is a delegation referral, never a
		// synthesis source: see the resolved Open Question in DESIGN.md.
		if wildcard.IsDelegation() {
			return FindResult{Apex: apex, Kind: MatchDelegation, Delegation: wildcard, Closest: closest}
		}
		return FindResult{Apex: apex, Node: wildcard, Kind: MatchWildcard, Closest: closest}
	}

	return FindResult{Apex: apex, Kind: MatchApexOnly, Closest: closest}
}
