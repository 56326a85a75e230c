// Package adaptive implements the schema-evolution governor (spec §4.C):
// it tracks how often each (service, path) pair has been observed and
// promotes new paths to allowed only after they clear a grace period and
// a multi-feature threshold, so that a synonym-flood attacker cannot buy
// an allow with sheer repetition alone.
package adaptive

import (
	"container/list"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/arlen-kass/epigen/internal/trie"
)

// State is the lifecycle stage of an AdaptiveRecord.
type State int

const (
	Observing State = iota
	Promoted
	Suppressed
)

func (s State) String() string {
	switch s {
	case Promoted:
		return "PROMOTED"
	case Suppressed:
		return "SUPPRESSED"
	default:
		return "OBSERVING"
	}
}

// Decision is the adaptive layer's verdict for one event.
type Decision int

const (
	Observe Decision = iota
	Allow
	Block
)

func (d Decision) String() string {
	switch d {
	case Allow:
		return "ALLOW"
	case Block:
		return "BLOCK"
	default:
		return "OBSERVE"
	}
}

// PromoteThreshold is the multi-feature gate spec §4.C requires in
// addition to the grace period, specifically to defeat
// frequency-only synonym attacks (spec §9, "Reward asymmetry" /
// scenario S5).
type PromoteThreshold struct {
	FrequencyMin float64
	AnomalyMax   float64
	EntropyMax   float64
}

// Config mirrors spec §6's configuration surface for the adaptive layer.
type Config struct {
	GracePeriod      time.Duration
	MinObservations  uint64
	MaxRecords       int
	PromoteThreshold PromoteThreshold
}

// DefaultConfig matches spec §4.C's enumerated defaults.
func DefaultConfig() Config {
	return Config{
		GracePeriod:     60 * time.Second,
		MinObservations: 10,
		MaxRecords:      100_000,
		PromoteThreshold: PromoteThreshold{
			FrequencyMin: 0.02,
			AnomalyMax:   0.3,
			EntropyMax:   0.7,
		},
	}
}

// Features is the observed signal for one event, spec §3's Event.features.
type Features struct {
	Anomaly   float64
	Entropy   float64
	Frequency float64
	Depth     int
}

// Record is one (service_id, path) tracking entry (spec §3 AdaptiveRecord).
type Record struct {
	ServiceID string
	Path      string
	FirstSeen time.Time
	LastSeen  time.Time
	Count     uint64
	State     State

	elem *list.Element // position in the LRU list; nil until inserted
}

type recordKey struct {
	serviceID string
	path      string
}

// Layer owns the adaptive record table and applies spec §4.C's
// on-event algorithm. Every method takes l.mu, so concurrent calls are
// serialized; in the coordinator (spec §5) the single writer goroutine is
// the only caller of Observe.
type Layer struct {
	mu      sync.Mutex
	cfg     Config
	records map[recordKey]*Record
	lru     *list.List // front = most recently used
	log     *zap.Logger

	// now is overridable for deterministic tests; defaults to time.Now.
	now func() time.Time

	// onEvict, when set, is called once per record evicted by
	// evictIfOverCap, after the record has already been removed.
	onEvict func(serviceID, path string)
}

// New creates an adaptive Layer. The Layer holds no store: the store that
// receives a promotion's allow(path) side effect (spec §4.C step 5) is
// passed to each Observe call.
func New(cfg Config, log *zap.Logger) *Layer {
	if log == nil {
		log = zap.NewNop()
	}
	return &Layer{
		cfg:     cfg,
		records: make(map[recordKey]*Record),
		lru:     list.New(),
		log:     log.Named("adaptive"),
		now:     time.Now,
	}
}

// Observe runs spec §4.C's on-event algorithm for one (service, path)
// pair and, when it decides to promote, calls store.Allow(path) as the
// promotion side effect. It returns the Decision the coordinator should
// translate into ALLOW/BLOCK/OBSERVE.
func (l *Layer) Observe(store *trie.Store, serviceID, path string, f Features) (Decision, error) {
	l.mu.Lock()
	defer l.mu.Unlock()

	now := l.now()
	key := recordKey{serviceID: serviceID, path: path}
	rec, ok := l.records[key]
	if !ok {
		rec = &Record{
			ServiceID: serviceID,
			Path:      path,
			FirstSeen: now,
			State:     Observing,
		}
		l.records[key] = rec
		rec.elem = l.lru.PushFront(key)
		l.evictIfOverCap()
	} else {
		l.lru.MoveToFront(rec.elem)
	}

	rec.Count++
	rec.LastSeen = now

	switch rec.State {
	case Suppressed:
		return Block, nil
	case Promoted:
		return Allow, nil
	}

	// Observing.
	if now.Sub(rec.FirstSeen) < l.cfg.GracePeriod || rec.Count < l.cfg.MinObservations {
		return Observe, nil
	}

	t := l.cfg.PromoteThreshold
	if f.Frequency >= t.FrequencyMin && f.Anomaly <= t.AnomalyMax && f.Entropy <= t.EntropyMax {
		rec.State = Promoted
		if err := store.Allow(path); err != nil {
			return Observe, err
		}
		l.log.Info("promoted path to allowed",
			zap.String("service_id", serviceID),
			zap.String("path", path),
			zap.Uint64("count", rec.Count),
		)
		return Allow, nil
	}

	return Observe, nil
}

// MarkSuppressed transitions a record straight to Suppressed — the side
// effect of the agent (spec §4.D) choosing SUPPRESS for a path that the
// adaptive layer is also tracking. This is the "no auto-rescue" terminal
// state of spec §4.E's state machine table.
func (l *Layer) MarkSuppressed(serviceID, path string) {
	l.mu.Lock()
	defer l.mu.Unlock()

	key := recordKey{serviceID: serviceID, path: path}
	rec, ok := l.records[key]
	if !ok {
		rec = &Record{ServiceID: serviceID, Path: path, FirstSeen: l.now()}
		l.records[key] = rec
		rec.elem = l.lru.PushFront(key)
		l.evictIfOverCap()
	} else {
		l.lru.MoveToFront(rec.elem)
	}
	rec.State = Suppressed
	rec.LastSeen = l.now()
}

// OnEvict registers fn to be called once per record evictIfOverCap
// removes, so a caller (the coordinator) can emit an audit event or
// metric without the adaptive layer importing those packages itself.
// A nil fn (the default) makes eviction silent.
func (l *Layer) OnEvict(fn func(serviceID, path string)) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.onEvict = fn
}

// Lookup returns a copy of the current record for (serviceID, path), if any.
func (l *Layer) Lookup(serviceID, path string) (Record, bool) {
	l.mu.Lock()
	defer l.mu.Unlock()
	rec, ok := l.records[recordKey{serviceID: serviceID, path: path}]
	if !ok {
		return Record{}, false
	}
	return *rec, true
}

// Len reports the number of tracked records.
func (l *Layer) Len() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return len(l.records)
}

// evictIfOverCap removes least-recently-seen records until the table is
// back within MaxRecords (spec §4.C "Cap & eviction"). Evicting a
// Promoted record does not revoke the underlying allow; evicting a
// Suppressed record does not revoke the suppression — both flags live in
// the trie.Store, not in the adaptive table, so eviction here is purely a
// bookkeeping trim. Caller must hold l.mu.
func (l *Layer) evictIfOverCap() {
	if l.cfg.MaxRecords <= 0 {
		return
	}
	for len(l.records) > l.cfg.MaxRecords {
		oldest := l.lru.Back()
		if oldest == nil {
			return
		}
		key := oldest.Value.(recordKey)
		l.lru.Remove(oldest)
		delete(l.records, key)
		if l.onEvict != nil {
			l.onEvict(key.serviceID, key.path)
		}
	}
}
