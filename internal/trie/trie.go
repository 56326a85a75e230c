// Package trie implements the hierarchical path store (spec §4.A): a trie
// over dotted field paths carrying two independent flags per node, allow
// and suppress, with suppression pruning lookups and flatten downward.
package trie

import (
	"sort"
	"sync"

	"github.com/arlen-kass/epigen/internal/epath"
)

// CheckResult is the outcome of checking a path against a store.
type CheckResult int

const (
	// DeniedNotFound means some segment on the path is missing, or the
	// terminal node exists but carries neither allow nor suppress.
	DeniedNotFound CheckResult = iota
	// Allowed means the terminal node is explicitly allowed and no
	// ancestor (including the terminal) is suppressed.
	Allowed
	// BlockedSuppressed means some node on the path to the terminal,
	// including the terminal itself, is suppressed. Suppression has
	// precedence over allow.
	BlockedSuppressed
)

func (r CheckResult) String() string {
	switch r {
	case Allowed:
		return "ALLOWED"
	case BlockedSuppressed:
		return "BLOCKED_SUPPRESSED"
	default:
		return "DENIED_NOT_FOUND"
	}
}

// Node is the unit of storage. A zero Node has neither flag set but also
// a nil child map, so it cannot take children; build nodes with NewNode.
type Node struct {
	Allowed    bool
	Suppressed bool
	children   map[string]*Node
}

func newNode() *Node {
	return &Node{children: make(map[string]*Node)}
}

// Child returns the named child and whether it exists, without creating it.
func (n *Node) Child(segment string) (*Node, bool) {
	c, ok := n.children[segment]
	return c, ok
}

// ChildSegments returns this node's child segment keys in a stable,
// deterministic order (lexicographic), so that traversal order documented
// in spec §4.A ("pre-order traversal of the receiver's child map") is
// reproducible across runs rather than dependent on Go's randomized map
// iteration.
func (n *Node) ChildSegments() []string {
	out := make([]string, 0, len(n.children))
	for seg := range n.children {
		out = append(out, seg)
	}
	sort.Strings(out)
	return out
}

// Store owns one root Node and implements the PolicyStore contract of
// spec §3/§4.A. A Store is safe for concurrent use; the single-writer
// discipline of spec §5 is enforced by callers (the coordinator), not by
// Store itself, but Store still guards its own invariants with a mutex so
// that a reader (check, flatten, intersection, clone) can never observe a
// partially-applied mutation. Root hands out the live tree without holding
// the lock, so a walk over it (the serializer's export) is not covered.
type Store struct {
	mu        sync.RWMutex
	root      *Node
	serviceID string
	limits    epath.Limits
}

// New creates an empty store identified by serviceID, using the given path
// limits (use epath.DefaultLimits() unless the host overrides §6's
// path.max_segment_bytes / path.max_depth).
func New(serviceID string, limits epath.Limits) *Store {
	return &Store{
		root:      newNode(),
		serviceID: serviceID,
		limits:    limits,
	}
}

// ServiceID returns the identity this store was created for.
func (s *Store) ServiceID() string { return s.serviceID }

// walk traverses segments from the root, creating missing nodes when
// create is true. It returns the terminal node, or (nil, false) if create
// is false and some segment is missing.
func (s *Store) walk(segments []string, create bool) (*Node, bool) {
	cur := s.root
	for _, seg := range segments {
		next, ok := cur.children[seg]
		if !ok {
			if !create {
				return nil, false
			}
			next = newNode()
			cur.children[seg] = next
		}
		cur = next
	}
	return cur, true
}

// Allow marks path as explicitly permitted. Idempotent; never clears
// Suppressed. Returns epath.Error if path is malformed.
func (s *Store) Allow(path string) error {
	segments, err := epath.Split(path, s.limits)
	if err != nil {
		return err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	node, _ := s.walk(segments, true)
	node.Allowed = true
	return nil
}

// Suppress marks path's subtree as blocked. Idempotent; never clears
// Allowed.
func (s *Store) Suppress(path string) error {
	segments, err := epath.Split(path, s.limits)
	if err != nil {
		return err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	node, _ := s.walk(segments, true)
	node.Suppressed = true
	return nil
}

// Check walks path from the root and reports its effective status per
// spec §4.A: missing segment -> DeniedNotFound; any visited node
// (including the terminal) suppressed -> BlockedSuppressed; terminal
// allowed -> Allowed; otherwise DeniedNotFound.
func (s *Store) Check(path string) (CheckResult, error) {
	segments, err := epath.Split(path, s.limits)
	if err != nil {
		return DeniedNotFound, err
	}

	s.mu.RLock()
	defer s.mu.RUnlock()

	cur := s.root
	for _, seg := range segments {
		next, ok := cur.children[seg]
		if !ok {
			return DeniedNotFound, nil
		}
		cur = next
		if cur.Suppressed {
			return BlockedSuppressed, nil
		}
	}

	if cur.Allowed {
		return Allowed, nil
	}
	return DeniedNotFound, nil
}

// appendSegment returns prefix with seg appended, always allocating a new
// backing array. Plain append(prefix, seg) would risk different children
// of the same node clobbering each other's tail when the shared prefix
// slice has spare capacity; recursive fan-out here makes that a real
// hazard, not a theoretical one.
func appendSegment(prefix []string, seg string) []string {
	out := make([]string, len(prefix)+1)
	copy(out, prefix)
	out[len(prefix)] = seg
	return out
}

// Flatten performs a pre-order walk from the root, emitting the dotted
// path of every allowed node that is not beneath a suppressed ancestor.
// A suppressed node emits nothing and is not descended into.
func (s *Store) Flatten() []string {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var out []string
	var walk func(n *Node, prefix []string)
	walk = func(n *Node, prefix []string) {
		if n.Suppressed {
			return
		}
		if n.Allowed {
			out = append(out, epath.Join(prefix))
		}
		for _, seg := range n.ChildSegments() {
			walk(n.children[seg], appendSegment(prefix, seg))
		}
	}
	walk(s.root, nil)
	return out
}

// Intersection walks self and other in lockstep along shared child keys,
// emitting the current dotted path whenever both current nodes have
// Allowed set. Suppression flags are ignored: intersection reports the
// allow-overlap only, leaving pruning to the compiler. Emission order is
// the pre-order traversal of the receiver (self).
func (s *Store) Intersection(other *Store) []string {
	s.mu.RLock()
	defer s.mu.RUnlock()
	other.mu.RLock()
	defer other.mu.RUnlock()

	var out []string
	var walk func(a, b *Node, prefix []string)
	walk = func(a, b *Node, prefix []string) {
		if a.Allowed && b.Allowed {
			out = append(out, epath.Join(prefix))
		}
		for _, seg := range a.ChildSegments() {
			bc, ok := b.children[seg]
			if !ok {
				continue
			}
			walk(a.children[seg], bc, appendSegment(prefix, seg))
		}
	}
	walk(s.root, other.root, nil)
	return out
}

// PathFilter decides whether transduction should copy a given suppressed
// path into the target store.
type PathFilter func(path string) bool

// AcceptAll is a PathFilter that copies every suppressed path.
func AcceptAll(string) bool { return true }

// TransduceFrom copies suppression only — never allow — from other into
// s, for every path in other whose terminal is suppressed and which
// pathFilter accepts. This is the mechanism by which suppression
// "immunity" spreads between service policies (spec §4.A, GLOSSARY).
func (s *Store) TransduceFrom(other *Store, pathFilter PathFilter) error {
	if pathFilter == nil {
		pathFilter = AcceptAll
	}

	other.mu.RLock()
	var suppressedPaths []string
	var walk func(n *Node, prefix []string)
	walk = func(n *Node, prefix []string) {
		if n.Suppressed {
			suppressedPaths = append(suppressedPaths, epath.Join(prefix))
		}
		for _, seg := range n.ChildSegments() {
			walk(n.children[seg], appendSegment(prefix, seg))
		}
	}
	walk(other.root, nil)
	other.mu.RUnlock()

	for _, p := range suppressedPaths {
		if !pathFilter(p) {
			continue
		}
		if err := s.Suppress(p); err != nil {
			return err
		}
	}
	return nil
}

// Clone produces a deep, independent copy of s.
func (s *Store) Clone() *Store {
	s.mu.RLock()
	defer s.mu.RUnlock()

	out := &Store{
		root:      cloneNode(s.root),
		serviceID: s.serviceID,
		limits:    s.limits,
	}
	return out
}

func cloneNode(n *Node) *Node {
	cp := newNode()
	cp.Allowed = n.Allowed
	cp.Suppressed = n.Suppressed
	for seg, child := range n.children {
		cp.children[seg] = cloneNode(child)
	}
	return cp
}

// NodeCount returns the total number of nodes in the trie, including the
// root. Used by the serializer to size its header (spec §6).
func (s *Store) NodeCount() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	count := 0
	var walk func(n *Node)
	walk = func(n *Node) {
		count++
		for _, c := range n.children {
			walk(c)
		}
	}
	walk(s.root)
	return count
}

// Root exposes the root node read-only, for the serializer's pre-order
// walk. Callers must not mutate the returned tree.
func (s *Store) Root() *Node {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.root
}

// ReplaceRoot swaps the entire tree wholesale, used by Reload (§6) to
// install a freshly deserialized tree atomically.
func (s *Store) ReplaceRoot(root *Node, serviceID string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.root = root
	s.serviceID = serviceID
}

// NewNode is exported for the serializer, which builds a tree node by
// node while decoding without going through path strings.
func NewNode() *Node { return newNode() }

// SetChild attaches child under segment, used by the serializer while
// decoding.
func (n *Node) SetChild(segment string, child *Node) {
	n.children[segment] = child
}
