package adaptive

import (
	"testing"
	"time"

	"github.com/arlen-kass/epigen/internal/epath"
	"github.com/arlen-kass/epigen/internal/trie"
)

func newStore() *trie.Store {
	return trie.New("svc", epath.DefaultLimits())
}

func testConfig() Config {
	return Config{
		GracePeriod:     time.Second,
		MinObservations: 3,
		MaxRecords:      100_000,
		PromoteThreshold: PromoteThreshold{
			FrequencyMin: 0.01,
			AnomalyMax:   0.5,
			EntropyMax:   0.8,
		},
	}
}

// S4 — Grace-period promotion.
func TestGracePeriodPromotion(t *testing.T) {
	store := newStore()
	l := New(testConfig(), nil)

	base := time.Unix(0, 0)
	l.now = func() time.Time { return base }

	f := Features{Frequency: 0.02, Anomaly: 0.1, Entropy: 0.1}

	decision, err := l.Observe(store, "svc", "data.new_field", f)
	mustOK(t, err)
	if decision != Observe {
		t.Fatalf("event 1: expected OBSERVE, got %v", decision)
	}

	l.now = func() time.Time { return base.Add(500 * time.Millisecond) }
	decision, err = l.Observe(store, "svc", "data.new_field", f)
	mustOK(t, err)
	if decision != Observe {
		t.Fatalf("event 2: expected OBSERVE, got %v", decision)
	}

	l.now = func() time.Time { return base.Add(1100 * time.Millisecond) }
	decision, err = l.Observe(store, "svc", "data.new_field", f)
	mustOK(t, err)
	if decision != Allow {
		t.Fatalf("event 3 at t=1100ms: expected ALLOW, got %v", decision)
	}

	result, _ := store.Check("data.new_field")
	if result != trie.Allowed {
		t.Fatalf("store should have allow(data.new_field), got %v", result)
	}
}

func TestGracePeriodNotElapsedStaysObserving(t *testing.T) {
	store := newStore()
	l := New(testConfig(), nil)

	base := time.Unix(0, 0)
	f := Features{Frequency: 0.02, Anomaly: 0.1, Entropy: 0.1}

	l.now = func() time.Time { return base }
	_, _ = l.Observe(store, "svc", "data.new_field", f)
	l.now = func() time.Time { return base.Add(500 * time.Millisecond) }
	_, _ = l.Observe(store, "svc", "data.new_field", f)

	l.now = func() time.Time { return base.Add(900 * time.Millisecond) }
	decision, err := l.Observe(store, "svc", "data.new_field", f)
	mustOK(t, err)
	if decision != Observe {
		t.Fatalf("expected OBSERVE before grace elapsed, got %v", decision)
	}
}

// S5 — Synonym attack rejection (adaptive side: no promotion).
func TestSynonymAttackNeverPromotes(t *testing.T) {
	store := newStore()
	l := New(testConfig(), nil)

	base := time.Unix(0, 0)
	f := Features{Frequency: 0.9, Anomaly: 0.95, Entropy: 0.2}

	for i := 0; i < 50; i++ {
		l.now = func(i int) func() time.Time {
			return func() time.Time { return base.Add(time.Duration(i) * 100 * time.Millisecond) }
		}(i)
		decision, err := l.Observe(store, "svc", "data.message", f)
		mustOK(t, err)
		if decision == Allow {
			t.Fatalf("event %d: synonym-flood traffic must never be promoted (anomaly=%v > max)", i, f.Anomaly)
		}
	}

	result, _ := store.Check("data.message")
	if result == trie.Allowed {
		t.Fatal("store must not have allowed the flooded path")
	}
}

func TestSuppressedStateBlocksWithoutPromotion(t *testing.T) {
	store := newStore()
	l := New(testConfig(), nil)
	l.MarkSuppressed("svc", "bad.path")

	decision, err := l.Observe(store, "svc", "bad.path", Features{Frequency: 1, Anomaly: 0, Entropy: 0})
	mustOK(t, err)
	if decision != Block {
		t.Fatalf("expected BLOCK for suppressed record, got %v", decision)
	}
}

func TestPromotedRecordStaysAllowedAcrossCalls(t *testing.T) {
	store := newStore()
	l := New(testConfig(), nil)
	base := time.Unix(0, 0)
	f := Features{Frequency: 0.02, Anomaly: 0.1, Entropy: 0.1}

	l.now = func() time.Time { return base }
	l.Observe(store, "svc", "p", f)
	l.now = func() time.Time { return base.Add(2 * time.Second) }
	l.Observe(store, "svc", "p", f)
	decision, _ := l.Observe(store, "svc", "p", f)
	if decision != Allow {
		t.Fatalf("expected ALLOW once promoted, got %v", decision)
	}

	// Even with attack-like features, a promoted record stays promoted.
	decision, _ = l.Observe(store, "svc", "p", Features{Frequency: 0.9, Anomaly: 0.99, Entropy: 0.99})
	if decision != Allow {
		t.Fatalf("promoted record must not un-promote, got %v", decision)
	}
}

func TestEvictionCapsTableWithoutRevokingFlags(t *testing.T) {
	store := newStore()
	cfg := testConfig()
	cfg.MaxRecords = 2
	l := New(cfg, nil)

	base := time.Unix(0, 0)
	l.now = func() time.Time { return base }
	f := Features{Frequency: 0.02, Anomaly: 0.1, Entropy: 0.1}
	mustOK(t, store.Allow("a"))

	l.Observe(store, "svc", "a", f)
	l.Observe(store, "svc", "b", f)
	l.Observe(store, "svc", "c", f) // evicts "a" (least-recently-seen)

	if l.Len() != 2 {
		t.Fatalf("expected table capped at 2, got %d", l.Len())
	}
	if _, ok := l.Lookup("svc", "a"); ok {
		t.Fatal("expected 'a' to have been evicted")
	}
	if result, _ := store.Check("a"); result != trie.Allowed {
		t.Fatalf("evicting the record for 'a' must not revoke its allow, got %v", result)
	}
}

func TestEvictionInvokesOnEvictHook(t *testing.T) {
	store := newStore()
	cfg := testConfig()
	cfg.MaxRecords = 2
	l := New(cfg, nil)

	var evicted []string
	l.OnEvict(func(serviceID, path string) {
		evicted = append(evicted, serviceID+":"+path)
	})

	base := time.Unix(0, 0)
	l.now = func() time.Time { return base }
	f := Features{Frequency: 0.02, Anomaly: 0.1, Entropy: 0.1}

	l.Observe(store, "svc", "a", f)
	l.Observe(store, "svc", "b", f)
	l.Observe(store, "svc", "c", f) // evicts "a"

	if len(evicted) != 1 || evicted[0] != "svc:a" {
		t.Fatalf("expected OnEvict hook to fire once for svc:a, got %v", evicted)
	}
}

func mustOK(t *testing.T, err error) {
	t.Helper()
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
}
