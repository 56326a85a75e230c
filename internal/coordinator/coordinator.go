// Package coordinator implements the single-writer orchestration layer
// (spec §5): it is the only component that mutates a service's trie
// Store, adaptive Layer, or Agent, and it publishes freshly compiled
// FlatSnapshots for lock-free reading by everything else.
package coordinator

import (
	"context"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"sync"
	"sync/atomic"
	"time"

	"go.uber.org/zap"

	"github.com/arlen-kass/epigen/internal/adaptive"
	"github.com/arlen-kass/epigen/internal/agent"
	"github.com/arlen-kass/epigen/internal/audit"
	"github.com/arlen-kass/epigen/internal/compiler"
	"github.com/arlen-kass/epigen/internal/config"
	"github.com/arlen-kass/epigen/internal/epath"
	"github.com/arlen-kass/epigen/internal/metrics"
	"github.com/arlen-kass/epigen/internal/protocol"
	"github.com/arlen-kass/epigen/internal/serialize"
	"github.com/arlen-kass/epigen/internal/trie"
)

// service bundles one service_id's four component instances plus the
// most recently published snapshot. The snapshot pointer is read
// lock-free by everyone except the single writer goroutine that swaps it.
type service struct {
	store    *trie.Store
	adaptive *adaptive.Layer
	agent    *agent.Agent
	snapshot atomic.Pointer[compiler.Snapshot]

	// persist is non-nil when cfg.DataDir is set: it's the SQLite mirror
	// backing adaptive, checkpointed periodically by Maintenance and
	// closed on Coordinator.Stop.
	persist *adaptive.PersistentLayer
}

// command is one unit of work handed to the single-writer goroutine.
// Every mutating coordinator method builds one of these and blocks on
// done, turning concurrent callers into a strictly serialized queue
// (spec §5's "single writer" discipline) without requiring every caller
// to reason about lock ordering across four different components.
type command struct {
	run  func() (any, error)
	done chan result
}

type result struct {
	val any
	err error
}

// Coordinator owns every registered service's state and is the sole
// writer to it. Reads of a published Snapshot never touch the writer
// goroutine at all.
type Coordinator struct {
	cfg      config.Config
	compiler *compiler.Compiler
	bus      *Bus
	audit    *audit.Log
	log      *zap.Logger

	mu       sync.RWMutex
	services map[string]*service

	cmdCh  chan command
	stopCh chan struct{}
	wg     sync.WaitGroup
}

// New creates a Coordinator. Start must be called before any mutating
// method is used. Snapshot also goes through the writer goroutine and so
// needs Start; the read-only methods that bypass it (LatestSnapshot,
// Check) work beforehand too, but will simply report no published
// snapshot or an unknown service.
func New(cfg config.Config, log *zap.Logger) *Coordinator {
	if log == nil {
		log = zap.NewNop()
	}
	return &Coordinator{
		cfg:      cfg,
		compiler: compiler.New(),
		bus:      NewBus(64),
		audit:    audit.NewLog(cfg.AuditCap),
		log:      log.Named("coordinator"),
		services: make(map[string]*service),
		cmdCh:    make(chan command, 256),
		stopCh:   make(chan struct{}),
	}
}

// Bus returns the coordinator's event bus, for SSE/webhook subscribers.
func (c *Coordinator) Bus() *Bus { return c.bus }

// Audit returns the coordinator's audit log, for API read endpoints.
func (c *Coordinator) Audit() *audit.Log { return c.audit }

// Start launches the single-writer goroutine that drains cmdCh. It is
// safe to call Start exactly once per Coordinator.
func (c *Coordinator) Start() {
	c.wg.Add(1)
	go c.run()
}

// Stop drains in-flight commands, halts the writer goroutine, and
// closes any open adaptive persistence handles.
func (c *Coordinator) Stop() {
	close(c.stopCh)
	c.wg.Wait()

	c.mu.RLock()
	defer c.mu.RUnlock()
	for id, svc := range c.services {
		if svc.persist == nil {
			continue
		}
		if err := svc.persist.Close(); err != nil {
			c.log.Warn("failed to close adaptive persistence db", zap.String("service_id", id), zap.Error(err))
		}
	}
}

func (c *Coordinator) run() {
	defer c.wg.Done()
	for {
		select {
		case cmd := <-c.cmdCh:
			val, err := cmd.run()
			cmd.done <- result{val: val, err: err}
		case <-c.stopCh:
			// Drain whatever is already queued before exiting so callers
			// blocked on submit() don't hang forever on shutdown.
			for {
				select {
				case cmd := <-c.cmdCh:
					val, err := cmd.run()
					cmd.done <- result{val: val, err: err}
				default:
					return
				}
			}
		}
	}
}

// submit enqueues fn and blocks for its result, or returns ctx.Err() if
// ctx is canceled first. fn always runs on the single writer goroutine.
func (c *Coordinator) submit(ctx context.Context, fn func() (any, error)) (any, error) {
	cmd := command{run: fn, done: make(chan result, 1)}
	select {
	case c.cmdCh <- cmd:
	case <-ctx.Done():
		return nil, ctx.Err()
	}
	select {
	case r := <-cmd.done:
		return r.val, r.err
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

// RegisterService creates empty Store/Layer/Agent state for serviceID if
// it doesn't already exist. Registration is idempotent.
func (c *Coordinator) RegisterService(ctx context.Context, serviceID string) error {
	_, err := c.submit(ctx, func() (any, error) {
		c.getOrCreate(serviceID)
		return nil, nil
	})
	return err
}

func (c *Coordinator) getOrCreate(serviceID string) *service {
	c.mu.Lock()
	defer c.mu.Unlock()
	svc, ok := c.services[serviceID]
	if !ok {
		limits := epath.Limits{MaxSegmentBytes: c.cfg.Path.MaxSegmentBytes, MaxDepth: c.cfg.Path.MaxDepth}
		adaptiveCfg := adaptive.Config{
			GracePeriod:     time.Duration(c.cfg.GracePeriodMS) * time.Millisecond,
			MinObservations: uint64(c.cfg.MinObservations),
			MaxRecords:      c.cfg.MaxRecords,
			PromoteThreshold: adaptive.PromoteThreshold{
				FrequencyMin: c.cfg.PromoteThreshold.FrequencyMin,
				AnomalyMax:   c.cfg.PromoteThreshold.AnomalyMax,
				EntropyMax:   c.cfg.PromoteThreshold.EntropyMax,
			},
		}

		svc = &service{
			store: trie.New(serviceID, limits),
			agent: agent.New(agent.Params{
				Alpha:                c.cfg.Agent.Alpha,
				Gamma:                c.cfg.Agent.Gamma,
				EpsilonStart:         c.cfg.Agent.EpsilonStart,
				EpsilonEnd:           c.cfg.Agent.EpsilonEnd,
				EpsilonDecayEpisodes: c.cfg.Agent.EpsilonDecayEpisodes,
				Reward:               agent.DefaultRewardTable(),
				FeatureBuckets:       c.cfg.Agent.FeatureBuckets,
			}, nil, c.log),
		}

		if pl := c.openPersistentLayer(serviceID, adaptiveCfg); pl != nil {
			svc.persist = pl
			svc.adaptive = pl.Layer
		} else {
			svc.adaptive = adaptive.New(adaptiveCfg, c.log)
		}
		svc.adaptive.OnEvict(func(evictedServiceID, path string) {
			metrics.RecordEviction(evictedServiceID)
			c.audit.Emit(audit.EventEvicted, evictedServiceID, path, "adaptive record evicted over capacity")
		})

		c.services[serviceID] = svc
	}
	return svc
}

// openPersistentLayer opens the SQLite mirror for serviceID when
// cfg.DataDir is configured. A failure to open falls back to a
// purely in-memory Layer rather than blocking registration.
func (c *Coordinator) openPersistentLayer(serviceID string, cfg adaptive.Config) *adaptive.PersistentLayer {
	if c.cfg.DataDir == "" {
		return nil
	}
	if err := os.MkdirAll(c.cfg.DataDir, 0o755); err != nil {
		c.log.Warn("failed to create data dir, adaptive state will not persist",
			zap.String("service_id", serviceID), zap.Error(err))
		return nil
	}
	dbPath := filepath.Join(c.cfg.DataDir, serviceID+"_adaptive.db")
	pl, err := adaptive.NewPersistentLayer(dbPath, cfg, c.log)
	if err != nil {
		c.log.Warn("failed to open adaptive persistence db, falling back to in-memory",
			zap.String("service_id", serviceID), zap.String("path", dbPath), zap.Error(err))
		return nil
	}
	return pl
}

// CheckpointAll writes every registered service's in-memory adaptive
// table out to its SQLite mirror, where persistence is enabled. Called
// by Maintenance on a schedule rather than per-event (spec §5's
// single-writer discipline means checkpointing still runs on the
// writer goroutine, via submit).
func (c *Coordinator) CheckpointAll(ctx context.Context) error {
	_, err := c.submit(ctx, func() (any, error) {
		for id, svc := range c.services {
			if svc.persist == nil {
				continue
			}
			if err := svc.persist.Checkpoint(); err != nil {
				c.log.Warn("adaptive checkpoint failed", zap.String("service_id", id), zap.Error(err))
			}
		}
		return nil, nil
	})
	return err
}

func (c *Coordinator) lookupService(serviceID string) (*service, bool) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	svc, ok := c.services[serviceID]
	return svc, ok
}

// Allow is an administrative path allow (spec §4.A), run on the single
// writer goroutine.
func (c *Coordinator) Allow(ctx context.Context, serviceID, path string) error {
	_, err := c.submit(ctx, func() (any, error) {
		svc := c.getOrCreate(serviceID)
		if err := svc.store.Allow(path); err != nil {
			return nil, err
		}
		c.audit.Emit(audit.EventAllow, serviceID, path, "path allowed")
		c.bus.Publish(Event{Type: EventPathAllowed, ServiceID: serviceID, Summary: path})
		return nil, nil
	})
	return err
}

// Suppress is an administrative path suppression (spec §4.A).
func (c *Coordinator) Suppress(ctx context.Context, serviceID, path string) error {
	_, err := c.submit(ctx, func() (any, error) {
		svc := c.getOrCreate(serviceID)
		if err := svc.store.Suppress(path); err != nil {
			return nil, err
		}
		svc.adaptive.MarkSuppressed(serviceID, path)
		c.audit.Emit(audit.EventSuppress, serviceID, path, "path suppressed")
		c.bus.Publish(Event{Type: EventPathSuppressed, ServiceID: serviceID, Summary: path})
		return nil, nil
	})
	return err
}

// Detect runs one end-to-end decision cycle (spec §4.E's state machine):
// check the store, consult the adaptive layer, and fall back to the
// evolutionary agent when neither has an opinion yet. It is the
// coordinator's single entry point for the /detect HTTP handler.
func (c *Coordinator) Detect(ctx context.Context, req protocol.DetectRequest) (protocol.DetectResponse, error) {
	v, err := c.submit(ctx, func() (any, error) {
		return c.detectLocked(req)
	})
	if err != nil {
		return protocol.DetectResponse{}, err
	}
	return v.(protocol.DetectResponse), nil
}

func (c *Coordinator) detectLocked(req protocol.DetectRequest) (protocol.DetectResponse, error) {
	svc := c.getOrCreate(req.ServiceID)

	checkResult, err := svc.store.Check(req.Path)
	if err != nil {
		c.audit.Emit(audit.EventDetect, req.ServiceID, req.Path, "invalid path, failing closed")
		metrics.RecordDecision(req.ServiceID, string(protocol.DecisionBlock))
		return protocol.DetectResponse{Decision: protocol.DecisionBlock, SnapshotVersion: c.compiler.CurrentVersion()}, nil
	}

	depth := epath.Depth(req.Path)
	if req.Features.Depth != nil {
		depth = *req.Features.Depth
	}

	features := adaptive.Features{
		Anomaly:   req.Features.Anomaly,
		Entropy:   req.Features.Entropy,
		Frequency: req.Features.Frequency,
		Depth:     depth,
	}

	var decision protocol.Decision
	switch checkResult {
	case trie.BlockedSuppressed:
		decision = protocol.DecisionBlock
	case trie.Allowed:
		decision = protocol.DecisionAllow
	default:
		adaptiveDecision, aErr := svc.adaptive.Observe(svc.store, req.ServiceID, req.Path, features)
		if aErr != nil {
			return protocol.DetectResponse{}, aErr
		}
		switch adaptiveDecision {
		case adaptive.Allow:
			decision = protocol.DecisionAllow
			metrics.RecordPromotion(req.ServiceID)
			c.audit.Emit(audit.EventPromoted, req.ServiceID, req.Path, "adaptive layer promoted path")
			c.bus.Publish(Event{Type: EventPathPromoted, ServiceID: req.ServiceID, Summary: req.Path})
		case adaptive.Block:
			decision = protocol.DecisionBlock
		default:
			decision = c.consultAgent(svc, req.ServiceID, req.Path, features)
		}
	}

	c.audit.Emit(audit.EventDetect, req.ServiceID, req.Path, string(decision))
	metrics.RecordDecision(req.ServiceID, string(decision))
	metrics.SetQTableSize(req.ServiceID, svc.agent.Size())

	return protocol.DetectResponse{Decision: decision, SnapshotVersion: c.compiler.CurrentVersion()}, nil
}

// consultAgent asks the evolutionary agent for a verdict when neither the
// store nor the adaptive layer has a definitive answer yet (spec §4.E).
// A SUPPRESS verdict is mirrored into the adaptive layer so that future
// lookups short-circuit without re-consulting the agent (spec §4.D
// interplay with §4.C's terminal suppressed state).
func (c *Coordinator) consultAgent(svc *service, serviceID, path string, f adaptive.Features) protocol.Decision {
	state := agent.Discretize(agent.Features{
		Anomaly:   f.Anomaly,
		Entropy:   f.Entropy,
		Frequency: f.Frequency,
		Depth:     f.Depth,
	}, c.cfg.Agent.FeatureBuckets)

	act, err := svc.agent.SelectAction(state)
	if err != nil {
		metrics.RecordAgentDegraded(serviceID)
		c.audit.Emit(audit.EventAgentDegraded, serviceID, path, "agent degraded, falling back to OBSERVE")
		c.bus.Publish(Event{Type: EventAgentDegraded, ServiceID: serviceID, Summary: path})
	}

	switch act {
	case agent.ActionSuppress:
		svc.adaptive.MarkSuppressed(serviceID, path)
		if suppressErr := svc.store.Suppress(path); suppressErr != nil {
			c.log.Warn("failed to persist agent suppression", zap.Error(suppressErr))
		}
		return protocol.DecisionBlock
	case agent.ActionAllow:
		if allowErr := svc.store.Allow(path); allowErr != nil {
			c.log.Warn("failed to persist agent allow", zap.Error(allowErr))
		}
		return protocol.DecisionAllow
	default:
		return protocol.DecisionObserve
	}
}

// Snapshot compiles and publishes a fresh FlatSnapshot for serviceID. It
// runs on the single writer goroutine (Flatten walks the live trie) but
// the resulting Snapshot itself is handed out for lock-free reads
// (spec §5).
func (c *Coordinator) Snapshot(ctx context.Context, serviceID string) (*compiler.Snapshot, error) {
	v, err := c.submit(ctx, func() (any, error) {
		svc, ok := c.lookupService(serviceID)
		if !ok {
			return nil, &Error{Kind: KindUnknownService, ServiceID: serviceID, Reason: "service never registered"}
		}
		start := time.Now()
		snap := c.compiler.Compile(svc.store)
		metrics.ObserveCompileDuration(serviceID, time.Since(start))
		metrics.SetSnapshotVersion(serviceID, snap.Version)
		svc.snapshot.Store(snap)
		c.audit.Emit(audit.EventSnapshotBuilt, serviceID, "", fmt.Sprintf("compiled version %d, %d paths", snap.Version, snap.Len()))
		c.bus.Publish(Event{Type: EventSnapshotBuilt, ServiceID: serviceID, Summary: fmt.Sprintf("v%d", snap.Version)})
		return snap, nil
	})
	if err != nil {
		return nil, err
	}
	return v.(*compiler.Snapshot), nil
}

// LatestSnapshot returns the most recently published Snapshot for
// serviceID without going through the writer goroutine at all — this is
// the lock-free read path spec §5 requires for the data plane.
func (c *Coordinator) LatestSnapshot(serviceID string) (*compiler.Snapshot, bool) {
	svc, ok := c.lookupService(serviceID)
	if !ok {
		return nil, false
	}
	snap := svc.snapshot.Load()
	return snap, snap != nil
}

// Check answers a single administrative membership query against the
// live store without running the adaptive layer or the evolutionary
// agent and without going through the writer goroutine: store.Check
// takes its own read lock (internal/trie), so this is safe to call
// concurrently with writer-goroutine mutations the same way
// LatestSnapshot is. It backs epigenctl's "check" subcommand, which
// asks "what does the trie say right now" as opposed to Detect's full
// decision cycle.
func (c *Coordinator) Check(serviceID, path string) (trie.CheckResult, error) {
	svc, ok := c.lookupService(serviceID)
	if !ok {
		return trie.DeniedNotFound, &Error{Kind: KindUnknownService, ServiceID: serviceID, Reason: "service never registered"}
	}
	return svc.store.Check(path)
}

// Export writes serviceID's store to w in EPE1 format.
func (c *Coordinator) Export(ctx context.Context, serviceID string, w io.Writer) error {
	_, err := c.submit(ctx, func() (any, error) {
		svc, ok := c.lookupService(serviceID)
		if !ok {
			return nil, &Error{Kind: KindUnknownService, ServiceID: serviceID, Reason: "service never registered"}
		}
		return nil, serialize.Export(w, svc.store)
	})
	return err
}

// Reload replaces serviceID's store wholesale from an EPE1 stream. A
// decode failure leaves the existing store untouched (spec §7's
// SerializationError: "definitive failure without side effects").
func (c *Coordinator) Reload(ctx context.Context, serviceID string, r io.Reader) error {
	_, err := c.submit(ctx, func() (any, error) {
		svc := c.getOrCreate(serviceID)
		if importErr := serialize.ImportInto(svc.store, r); importErr != nil {
			c.audit.Emit(audit.EventImportRejected, serviceID, "", importErr.Error())
			return nil, importErr
		}
		return nil, nil
	})
	return err
}

// Transduce copies suppression-only state from fromService into
// toService, using pathFilter to scope which paths are eligible
// (spec §4.A TransduceFrom).
func (c *Coordinator) Transduce(ctx context.Context, fromService, toService string, pathFilter trie.PathFilter) error {
	_, err := c.submit(ctx, func() (any, error) {
		from, ok := c.lookupService(fromService)
		if !ok {
			return nil, &Error{Kind: KindUnknownService, ServiceID: fromService, Reason: "source service never registered"}
		}
		to := c.getOrCreate(toService)
		return nil, to.store.TransduceFrom(from.store, pathFilter)
	})
	return err
}
