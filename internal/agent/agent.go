// Package agent implements the evolutionary decision agent (spec §4.D):
// tabular Q-learning over a discretized feature state, choosing between
// ALLOW, SUPPRESS, and OBSERVE actions.
package agent

import (
	"errors"
	"math"
	"math/rand"
	"sync"

	"go.uber.org/zap"
)

// Action is one of the three moves the agent can make. The zero value is
// Allow, matching spec §4.D's lexicographic tie-break order
// (ALLOW < OBSERVE < SUPPRESS).
type Action int

const (
	ActionAllow Action = iota
	ActionObserve
	ActionSuppress
)

var allActions = [3]Action{ActionAllow, ActionObserve, ActionSuppress}

func (a Action) String() string {
	switch a {
	case ActionAllow:
		return "ALLOW"
	case ActionSuppress:
		return "SUPPRESS"
	default:
		return "OBSERVE"
	}
}

// Label is the ground-truth classification used to compute reward during
// training/evaluation (spec §4.D step 2). It has no wire representation;
// it only exists inside the training/evaluation harness.
type Label int

const (
	Benign Label = iota
	Malicious
)

// State is the discretized 4-tuple Q-table key (spec §3 AgentState).
// Equality is plain struct equality, which is what Go maps already give
// us, so State doubles as its own map key with no extra machinery.
type State struct {
	DepthBucket     int
	AnomalyBucket   int
	EntropyBucket   int
	FrequencyBucket int
}

// Features is the raw signal an event carries, reused from the wire shape
// in spec §3/§6.
type Features struct {
	Anomaly   float64
	Entropy   float64
	Frequency float64
	Depth     int
}

// Discretize buckets each continuous feature into [0, buckets) using the
// half-open convention documented in spec §9: boundaries sit at k/buckets,
// each bucket is [k/buckets, (k+1)/buckets) except the last, which is
// closed at 1.0. Depth is clamped to [0, buckets).
func Discretize(f Features, buckets int) State {
	return State{
		DepthBucket:     clampBucket(f.Depth, buckets),
		AnomalyBucket:   bucketOf(f.Anomaly, buckets),
		EntropyBucket:   bucketOf(f.Entropy, buckets),
		FrequencyBucket: bucketOf(f.Frequency, buckets),
	}
}

func bucketOf(v float64, buckets int) int {
	if buckets <= 1 {
		return 0
	}
	if v >= 1.0 {
		return buckets - 1
	}
	if v < 0 {
		v = 0
	}
	b := int(v * float64(buckets))
	if b >= buckets {
		b = buckets - 1
	}
	return b
}

func clampBucket(depth, buckets int) int {
	if depth < 0 {
		return 0
	}
	if depth >= buckets {
		return buckets - 1
	}
	return depth
}

// RewardTable is spec §4.D's enumerated reward parameters. Mapping from
// (action, label) to an entry follows standard detector semantics: SUPPRESS
// is a positive (flagged) call and ALLOW/OBSERVE are negative (unflagged)
// calls, so:
//
//	label=Malicious, action=Suppress          -> TruePositive
//	label=Malicious, action=Allow|Observe     -> FalseNegative
//	label=Benign,    action=Allow|Observe     -> TrueNegative
//	label=Benign,    action=Suppress          -> FalsePositive
type RewardTable struct {
	TrueNegative  float64
	TruePositive  float64
	FalsePositive float64
	FalseNegative float64
}

// DefaultRewardTable matches spec §4.D's enumerated defaults.
func DefaultRewardTable() RewardTable {
	return RewardTable{
		TrueNegative:  1,
		TruePositive:  1,
		FalsePositive: -2,
		FalseNegative: -5,
	}
}

// Reward scores one (action, label) pair.
func (rt RewardTable) Reward(a Action, label Label) float64 {
	flagged := a == ActionSuppress
	malicious := label == Malicious

	switch {
	case malicious && flagged:
		return rt.TruePositive
	case malicious && !flagged:
		return rt.FalseNegative
	case !malicious && flagged:
		return rt.FalsePositive
	default:
		return rt.TrueNegative
	}
}

// Params holds spec §4.D's enumerated hyperparameters.
type Params struct {
	Alpha                float64
	Gamma                float64
	EpsilonStart         float64
	EpsilonEnd           float64
	EpsilonDecayEpisodes int
	Reward               RewardTable
	FeatureBuckets       int
}

// DefaultParams matches spec §4.D's enumerated defaults, plus spec §3's
// default feature bucket count B=4.
func DefaultParams() Params {
	return Params{
		Alpha:                0.1,
		Gamma:                0.9,
		EpsilonStart:         0.3,
		EpsilonEnd:           0.01,
		EpsilonDecayEpisodes: 1000,
		Reward:               DefaultRewardTable(),
		FeatureBuckets:       4,
	}
}

// ErrDegraded is the sentinel for spec §7's AgentDegraded error kind: a
// Q-table lookup produced a non-finite value. The agent still returns a
// valid action (ActionObserve) alongside this error — callers are
// expected to log it and otherwise treat the decision as OBSERVE.
var ErrDegraded = errors.New("agent degraded: non-finite Q-value")

// Agent is a tabular Q-learning policy over State -> Action -> float64.
// It is safe for concurrent use; a single mutex protects both the table
// and the episode counter that drives epsilon decay.
type Agent struct {
	mu      sync.Mutex
	table   map[State]map[Action]float64
	params  Params
	episode int
	rng     *rand.Rand
	log     *zap.Logger
}

// New creates an Agent with an empty Q-table. rng may be nil, in which
// case a source seeded with 1 is used, so every such Agent draws the same
// sequence (tests may pass their own seeded rand.Rand).
func New(params Params, rng *rand.Rand, log *zap.Logger) *Agent {
	if rng == nil {
		rng = rand.New(rand.NewSource(1))
	}
	if log == nil {
		log = zap.NewNop()
	}
	if params.FeatureBuckets <= 0 {
		params.FeatureBuckets = DefaultParams().FeatureBuckets
	}
	return &Agent{
		table:  make(map[State]map[Action]float64),
		params: params,
		rng:    rng,
		log:    log.Named("agent"),
	}
}

// Epsilon returns the current exploration rate, linearly decayed from
// EpsilonStart to EpsilonEnd across EpsilonDecayEpisodes steps, then held
// (spec §4.D step 4).
func (a *Agent) Epsilon() float64 {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.epsilonLocked()
}

func (a *Agent) epsilonLocked() float64 {
	if a.params.EpsilonDecayEpisodes <= 0 || a.episode >= a.params.EpsilonDecayEpisodes {
		return a.params.EpsilonEnd
	}
	frac := float64(a.episode) / float64(a.params.EpsilonDecayEpisodes)
	return a.params.EpsilonStart + frac*(a.params.EpsilonEnd-a.params.EpsilonStart)
}

func (a *Agent) qLocked(s State) map[Action]float64 {
	row, ok := a.table[s]
	if !ok {
		row = map[Action]float64{}
		a.table[s] = row
	}
	return row
}

// Q returns the current Q-value for (s, act), defaulting to 0.0 when no
// entry exists yet (spec §3: "Missing entries default to 0.0").
func (a *Agent) Q(s State, act Action) float64 {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.table[s][act]
}

// argmax returns the highest-value action for row, tie-broken
// lexicographically (ALLOW < OBSERVE < SUPPRESS), and reports whether any
// value inspected was non-finite.
func argmax(row map[Action]float64) (Action, float64, bool) {
	best := allActions[0]
	bestVal := row[best]
	degraded := math.IsNaN(bestVal) || math.IsInf(bestVal, 0)
	for _, act := range allActions[1:] {
		v := row[act]
		if math.IsNaN(v) || math.IsInf(v, 0) {
			degraded = true
			continue
		}
		if v > bestVal {
			bestVal = v
			best = act
		}
	}
	return best, bestVal, degraded
}

// SelectAction runs spec §4.D step 1's epsilon-greedy policy for state s
// and advances the decay counter. If the greedy row contains a non-finite
// value the agent degrades to ActionObserve and returns ErrDegraded
// (spec §7's AgentDegraded: internal, caller still gets a valid decision).
func (a *Agent) SelectAction(s State) (Action, error) {
	a.mu.Lock()
	defer a.mu.Unlock()

	eps := a.epsilonLocked()
	a.episode++

	row := a.qLocked(s)
	if a.rng.Float64() < eps {
		return allActions[a.rng.Intn(len(allActions))], nil
	}

	best, _, degraded := argmax(row)
	if degraded {
		a.log.Warn("non-finite Q-value encountered; degrading to OBSERVE", zap.Any("state", s))
		return ActionObserve, ErrDegraded
	}
	return best, nil
}

// Update applies spec §4.D step 3's Q-learning rule:
//
//	Q[s][a] <- (1-alpha)*Q[s][a] + alpha*(r + gamma*max_a' Q[s'][a'])
func (a *Agent) Update(s State, act Action, reward float64, sNext State) {
	a.mu.Lock()
	defer a.mu.Unlock()

	row := a.qLocked(s)
	nextRow := a.qLocked(sNext)
	_, maxNext, _ := argmax(nextRow)

	old := row[act]
	row[act] = (1-a.params.Alpha)*old + a.params.Alpha*(reward+a.params.Gamma*maxNext)
}

// Step runs one full decision cycle: select an action for s, score it
// against label, and update the table toward sNext. It returns the chosen
// action and the reward it earned, for callers (training harnesses,
// Evaluate) that want both.
func (a *Agent) Step(s State, label Label, sNext State) (Action, float64, error) {
	act, err := a.SelectAction(s)
	reward := a.params.Reward.Reward(act, label)
	a.Update(s, act, reward, sNext)
	return act, reward, err
}

// Size reports the number of distinct states in the Q-table, for metrics
// (internal/metrics' Q-table size gauge). A state is counted once it has
// been passed to SelectAction or used in Update, even before any Q-value
// has been recorded for it.
func (a *Agent) Size() int {
	a.mu.Lock()
	defer a.mu.Unlock()
	return len(a.table)
}
