// Package compiler flattens a trie.Store into an immutable, O(1)-lookup
// FlatSnapshot for the data plane (spec §4.B).
package compiler

import (
	"encoding/binary"
	"sync/atomic"

	"golang.org/x/crypto/blake2b"

	"github.com/arlen-kass/epigen/internal/trie"
)

// Snapshot is an immutable set of dotted paths plus a monotone version and
// the service identity it was compiled for. Once constructed a Snapshot is
// never mutated and may be shared across goroutines without
// synchronization (spec §5).
type Snapshot struct {
	ServiceID string
	Version   uint64
	paths     map[string]struct{}
	ordered   []string // preserves flatten's pre-order, for deterministic export
}

// Contains answers the data-plane ABI's allow_p(snapshot, path) (spec
// §4.B): true iff the exact dotted path is present. No wildcard or
// prefix matching happens here — that was already resolved at compile
// time by Flatten emitting one entry per allowed leaf.
func (snap *Snapshot) Contains(path string) bool {
	_, ok := snap.paths[path]
	return ok
}

// Len returns the number of allowed paths in the snapshot.
func (snap *Snapshot) Len() int { return len(snap.paths) }

// Paths returns the snapshot's paths in compile (pre-order) order. The
// returned slice must not be mutated by the caller.
func (snap *Snapshot) Paths() []string { return snap.ordered }

// Digest returns a blake2b-256 content digest over the ordered path list,
// so a sidecar can verify it received an uncorrupted export independent
// of whatever transport brought it the bytes — this generalizes the HMAC
// signature field the wire protocol uses elsewhere for command envelopes.
func (snap *Snapshot) Digest() [32]byte {
	h, _ := blake2b.New256(nil)
	var lenBuf [8]byte
	for _, p := range snap.ordered {
		binary.LittleEndian.PutUint64(lenBuf[:], uint64(len(p)))
		h.Write(lenBuf[:])
		h.Write([]byte(p))
	}
	var out [32]byte
	copy(out[:], h.Sum(nil))
	return out
}

// Compiler produces successive Snapshots from a Store, assigning strictly
// increasing version numbers (spec §8 invariant 8: "Monotone version").
type Compiler struct {
	version atomic.Uint64
}

// New creates a Compiler. The first successful Compile call produces
// version 1.
func New() *Compiler { return &Compiler{} }

// Compile runs Store.Flatten(), deduplicates into a set, and stamps the
// result with the next version number and the store's service identity
// (spec §4.B steps 1-3). Compile never fails: a malformed store cannot
// arise because trie.Store only accepts validated paths.
func (c *Compiler) Compile(s *trie.Store) *Snapshot {
	ordered := s.Flatten()
	set := make(map[string]struct{}, len(ordered))
	dedup := ordered[:0:0]
	for _, p := range ordered {
		if _, seen := set[p]; seen {
			continue
		}
		set[p] = struct{}{}
		dedup = append(dedup, p)
	}

	return &Snapshot{
		ServiceID: s.ServiceID(),
		Version:   c.version.Add(1),
		paths:     set,
		ordered:   dedup,
	}
}

// CurrentVersion returns the most recently assigned version, or 0 if
// Compile has never been called.
func (c *Compiler) CurrentVersion() uint64 {
	return c.version.Load()
}
