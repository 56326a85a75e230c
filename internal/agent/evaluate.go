package agent

// LabeledEvent is one entry in an offline training/evaluation trace: the
// discretized state the agent saw, and the ground-truth label an
// external oracle assigned to it.
type LabeledEvent struct {
	State State
	Label Label
}

// ErrorTrend reports, for each prefix length of a replayed trace, the
// windowed error rate ((false_positive+false_negative)/window) over the
// trailing `window` decisions. It lets a test assert spec §4.D's
// convergence contract ("the running error rate trends non-increasing on
// a windowed moving average of 100") without hand-rolling the replay loop
// in every test.
type ErrorTrend struct {
	WindowSize int
	// Rates[k] is the error rate of the window ending at trace index
	// k+WindowSize-1 (0-indexed), so Rates[0] covers the first full
	// window; shorter prefixes are omitted.
	Rates []float64
}

// NonIncreasing reports whether the trend is non-increasing when compared
// in `stride`-sized strides (comparing every stride-th sample rather than
// every single one smooths out single-window noise, matching spec §4.D's
// "trends non-increasing" framing rather than a strict assertion).
func (t ErrorTrend) NonIncreasing(stride int) bool {
	if stride <= 0 {
		stride = 1
	}
	for i := stride; i < len(t.Rates); i += stride {
		// Allow small regressions (epsilon-greedy exploration keeps
		// injecting noise even late in training); only fail on a trend
		// that is clearly moving the wrong way.
		if t.Rates[i] > t.Rates[i-stride]+0.05 {
			return false
		}
	}
	return true
}

// Evaluate replays trace through a itself, training it in place (each
// event runs a.Step, so the Q-table and epsilon decay carry over to the
// caller's agent), with each event's own State as s and the next event's
// State as s' (the last event in the trace has no successor and uses
// itself as s'). It returns the windowed error-rate trend used by spec §8's
// convergence property.
func Evaluate(a *Agent, trace []LabeledEvent, window int) ErrorTrend {
	if window <= 0 {
		window = 100
	}

	type outcome struct {
		falsePositive bool
		falseNegative bool
	}
	outcomes := make([]outcome, len(trace))

	for i, ev := range trace {
		sNext := ev.State
		if i+1 < len(trace) {
			sNext = trace[i+1].State
		}
		act, _, _ := a.Step(ev.State, ev.Label, sNext)
		flagged := act == ActionSuppress
		malicious := ev.Label == Malicious
		outcomes[i] = outcome{
			falsePositive: !malicious && flagged,
			falseNegative: malicious && !flagged,
		}
	}

	var rates []float64
	for i := window - 1; i < len(outcomes); i++ {
		errs := 0
		for j := i - window + 1; j <= i; j++ {
			if outcomes[j].falsePositive || outcomes[j].falseNegative {
				errs++
			}
		}
		rates = append(rates, float64(errs)/float64(window))
	}

	return ErrorTrend{WindowSize: window, Rates: rates}
}
