package coordinator

import (
	"bytes"
	"context"
	"testing"
	"time"

	"github.com/arlen-kass/epigen/internal/audit"
	"github.com/arlen-kass/epigen/internal/config"
	"github.com/arlen-kass/epigen/internal/protocol"
	"github.com/arlen-kass/epigen/internal/trie"
)

func newTestCoordinator(t *testing.T) *Coordinator {
	t.Helper()
	cfg := config.Default()
	cfg.DataDir = "" // keep most tests hermetic; persistence is covered separately
	c := New(cfg, nil)
	c.Start()
	t.Cleanup(c.Stop)
	return c
}

func TestScenarioS1BasicAllowDeny(t *testing.T) {
	c := newTestCoordinator(t)
	ctx := context.Background()

	if err := c.Allow(ctx, "svc", "user.name"); err != nil {
		t.Fatalf("allow: %v", err)
	}

	svc, ok := c.lookupService("svc")
	if !ok {
		t.Fatal("expected service to exist")
	}

	check := func(path string) trie.CheckResult {
		res, err := svc.store.Check(path)
		if err != nil {
			t.Fatalf("check %q: %v", path, err)
		}
		return res
	}

	if got := check("user.name"); got != trie.Allowed {
		t.Fatalf("user.name = %v, want Allowed", got)
	}
	if got := check("user.email"); got != trie.DeniedNotFound {
		t.Fatalf("user.email = %v, want DeniedNotFound", got)
	}
	if got := check("user"); got != trie.DeniedNotFound {
		t.Fatalf("user = %v, want DeniedNotFound", got)
	}
}

func TestScenarioS2AncestorSuppression(t *testing.T) {
	c := newTestCoordinator(t)
	ctx := context.Background()

	if err := c.Allow(ctx, "svc", "user.email"); err != nil {
		t.Fatalf("allow: %v", err)
	}
	if err := c.Suppress(ctx, "svc", "user"); err != nil {
		t.Fatalf("suppress: %v", err)
	}

	svc, _ := c.lookupService("svc")
	res, err := svc.store.Check("user.email")
	if err != nil {
		t.Fatalf("check: %v", err)
	}
	if res != trie.BlockedSuppressed {
		t.Fatalf("user.email = %v, want BlockedSuppressed", res)
	}
	if flat := svc.store.Flatten(); len(flat) != 0 {
		t.Fatalf("expected empty flatten, got %v", flat)
	}

	snap, err := c.Snapshot(ctx, "svc")
	if err != nil {
		t.Fatalf("snapshot: %v", err)
	}
	if snap.Contains("user.email") {
		t.Fatal("expected compiled snapshot to exclude suppressed path")
	}
}

func TestScenarioS3CompilePrecedence(t *testing.T) {
	c := newTestCoordinator(t)
	ctx := context.Background()

	for _, p := range []string{"a.b.c", "a.b.d"} {
		if err := c.Allow(ctx, "svc", p); err != nil {
			t.Fatalf("allow %q: %v", p, err)
		}
	}
	if err := c.Suppress(ctx, "svc", "a.b"); err != nil {
		t.Fatalf("suppress: %v", err)
	}
	if err := c.Allow(ctx, "svc", "x.y"); err != nil {
		t.Fatalf("allow x.y: %v", err)
	}

	snap, err := c.Snapshot(ctx, "svc")
	if err != nil {
		t.Fatalf("snapshot: %v", err)
	}
	if snap.Len() != 1 || !snap.Contains("x.y") {
		t.Fatalf("expected snapshot membership {x.y}, got %v", snap.Paths())
	}
}

func TestScenarioS6Transduction(t *testing.T) {
	c := newTestCoordinator(t)
	ctx := context.Background()

	if err := c.Allow(ctx, "A", "x"); err != nil {
		t.Fatalf("allow: %v", err)
	}
	if err := c.Suppress(ctx, "A", "y.z"); err != nil {
		t.Fatalf("suppress: %v", err)
	}

	if err := c.Transduce(ctx, "A", "B", trie.AcceptAll); err != nil {
		t.Fatalf("transduce: %v", err)
	}

	svcB, ok := c.lookupService("B")
	if !ok {
		t.Fatal("expected B to be registered by transduce")
	}

	res, err := svcB.store.Check("y.z")
	if err != nil {
		t.Fatalf("check y.z: %v", err)
	}
	if res != trie.BlockedSuppressed {
		t.Fatalf("B.check(y.z) = %v, want BlockedSuppressed", res)
	}

	res, err = svcB.store.Check("x")
	if err != nil {
		t.Fatalf("check x: %v", err)
	}
	if res != trie.DeniedNotFound {
		t.Fatalf("B.check(x) = %v, want DeniedNotFound (allows are not transduced)", res)
	}
}

func TestDetectReturnsAllowOnceStorePermitsPath(t *testing.T) {
	c := newTestCoordinator(t)
	ctx := context.Background()

	if err := c.Allow(ctx, "checkout", "user.profile.email"); err != nil {
		t.Fatalf("allow: %v", err)
	}

	resp, err := c.Detect(ctx, protocol.DetectRequest{ServiceID: "checkout", Path: "user.profile.email"})
	if err != nil {
		t.Fatalf("detect: %v", err)
	}
	if resp.Decision != protocol.DecisionAllow {
		t.Fatalf("decision = %v, want ALLOW", resp.Decision)
	}
}

func TestDetectFailsClosedOnInvalidPath(t *testing.T) {
	c := newTestCoordinator(t)
	ctx := context.Background()

	resp, err := c.Detect(ctx, protocol.DetectRequest{ServiceID: "checkout", Path: "bad..path"})
	if err != nil {
		t.Fatalf("detect should not surface invalid-path as an error, got %v", err)
	}
	if resp.Decision != protocol.DecisionBlock {
		t.Fatalf("decision = %v, want BLOCK (fail closed)", resp.Decision)
	}
}

func TestDetectGracePeriodPromotesToAllow(t *testing.T) {
	cfg := config.Default()
	cfg.DataDir = ""
	cfg.GracePeriodMS = 20
	cfg.MinObservations = 3
	cfg.PromoteThreshold.FrequencyMin = 0.01
	cfg.PromoteThreshold.AnomalyMax = 0.5
	cfg.PromoteThreshold.EntropyMax = 0.8

	c := New(cfg, nil)
	c.Start()
	t.Cleanup(c.Stop)
	ctx := context.Background()

	req := protocol.DetectRequest{
		ServiceID: "checkout",
		Path:      "data.new_field",
		Features:  protocol.DetectFeatures{Anomaly: 0.1, Entropy: 0.1, Frequency: 0.02},
	}

	var last protocol.DetectResponse
	for i := 0; i < 3; i++ {
		resp, err := c.Detect(ctx, req)
		if err != nil {
			t.Fatalf("detect %d: %v", i, err)
		}
		last = resp
		if i < 2 {
			time.Sleep(12 * time.Millisecond)
		} else {
			time.Sleep(25 * time.Millisecond)
		}
	}

	resp, err := c.Detect(ctx, req)
	if err != nil {
		t.Fatalf("final detect: %v", err)
	}
	if resp.Decision != protocol.DecisionAllow {
		t.Fatalf("expected promotion to ALLOW after grace period elapsed, last=%v final=%v", last.Decision, resp.Decision)
	}
}

func TestExportReloadRoundTrip(t *testing.T) {
	c := newTestCoordinator(t)
	ctx := context.Background()

	if err := c.Allow(ctx, "svc", "a.b"); err != nil {
		t.Fatalf("allow: %v", err)
	}
	if err := c.Suppress(ctx, "svc", "c.d"); err != nil {
		t.Fatalf("suppress: %v", err)
	}

	var buf bytes.Buffer
	if err := c.Export(ctx, "svc", &buf); err != nil {
		t.Fatalf("export: %v", err)
	}

	if err := c.Reload(ctx, "other", bytes.NewReader(buf.Bytes())); err != nil {
		t.Fatalf("reload: %v", err)
	}

	svc, _ := c.lookupService("other")
	res, err := svc.store.Check("a.b")
	if err != nil {
		t.Fatalf("check: %v", err)
	}
	if res != trie.Allowed {
		t.Fatalf("a.b = %v, want Allowed after reload", res)
	}
}

// TestDetectAgentAllowPersistsToStore exercises the agent-consulted branch
// of Detect (neither the store nor the adaptive layer has an opinion yet)
// and confirms an agent ALLOW verdict is mirrored into the store, not just
// returned over the wire — otherwise Flatten/Snapshot would silently omit
// a path that /detect keeps reporting as ALLOW.
func TestDetectAgentAllowPersistsToStore(t *testing.T) {
	cfg := config.Default()
	cfg.DataDir = ""
	// Disable exploration so the fresh, all-zero Q-table's lexicographic
	// tie-break (ALLOW < OBSERVE < SUPPRESS) deterministically wins.
	cfg.Agent.EpsilonStart = 0
	cfg.Agent.EpsilonEnd = 0

	c := New(cfg, nil)
	c.Start()
	t.Cleanup(c.Stop)
	ctx := context.Background()

	req := protocol.DetectRequest{
		ServiceID: "checkout",
		Path:      "data.unseen_field",
		Features:  protocol.DetectFeatures{Anomaly: 0.1, Entropy: 0.1, Frequency: 0.01},
	}
	resp, err := c.Detect(ctx, req)
	if err != nil {
		t.Fatalf("detect: %v", err)
	}
	if resp.Decision != protocol.DecisionAllow {
		t.Fatalf("decision = %v, want ALLOW from the agent's greedy tie-break", resp.Decision)
	}

	svc, ok := c.lookupService("checkout")
	if !ok {
		t.Fatal("expected checkout to be registered")
	}
	result, err := svc.store.Check(req.Path)
	if err != nil {
		t.Fatalf("check: %v", err)
	}
	if result != trie.Allowed {
		t.Fatalf("store.Check(%q) = %v, want Allowed — agent ALLOW must persist to the store", req.Path, result)
	}
}

func TestAdaptiveEvictionEmitsAuditAndMetric(t *testing.T) {
	cfg := config.Default()
	cfg.DataDir = ""
	cfg.MaxRecords = 2

	c := New(cfg, nil)
	c.Start()
	t.Cleanup(c.Stop)
	ctx := context.Background()

	for _, path := range []string{"a", "b", "c"} {
		req := protocol.DetectRequest{
			ServiceID: "checkout",
			Path:      path,
			Features:  protocol.DetectFeatures{Anomaly: 0.1, Entropy: 0.1, Frequency: 0.01},
		}
		if _, err := c.Detect(ctx, req); err != nil {
			t.Fatalf("detect %q: %v", path, err)
		}
	}

	events := c.Audit().ForPath("checkout", "a")
	found := false
	for _, evt := range events {
		if evt.Type == audit.EventEvicted {
			found = true
		}
	}
	if !found {
		t.Fatalf("expected an eviction audit event for the least-recently-seen path, got %+v", events)
	}
}

func TestSnapshotUnknownServiceErrors(t *testing.T) {
	c := newTestCoordinator(t)
	ctx := context.Background()

	_, err := c.Snapshot(ctx, "never-registered")
	if err == nil {
		t.Fatal("expected an error for an unknown service")
	}
}

func TestAdaptivePersistenceSurvivesRestart(t *testing.T) {
	dir := t.TempDir()
	cfg := config.Default()
	cfg.DataDir = dir
	cfg.GracePeriodMS = 60_000
	cfg.MinObservations = 1

	ctx := context.Background()

	c := New(cfg, nil)
	c.Start()
	req := protocol.DetectRequest{
		ServiceID: "checkout",
		Path:      "data.new_field",
		Features:  protocol.DetectFeatures{Anomaly: 0.1, Entropy: 0.1, Frequency: 0.9},
	}
	if _, err := c.Detect(ctx, req); err != nil {
		t.Fatalf("detect: %v", err)
	}
	if err := c.CheckpointAll(ctx); err != nil {
		t.Fatalf("checkpoint: %v", err)
	}
	c.Stop()

	c2 := New(cfg, nil)
	c2.Start()
	t.Cleanup(c2.Stop)

	if err := c2.RegisterService(ctx, "checkout"); err != nil {
		t.Fatalf("register: %v", err)
	}
	svc, ok := c2.lookupService("checkout")
	if !ok {
		t.Fatal("expected checkout to be registered")
	}
	if svc.adaptive.Len() == 0 {
		t.Fatal("expected the adaptive record to survive a coordinator restart via the SQLite mirror")
	}
}
