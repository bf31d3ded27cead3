// Package signal turns raw per-token probability observations into a
// per-sequence stability score in [0, 1].
package signal

import "math"

// #region config

// Config holds window capacities and score-combination weights.
type Config struct {
	ShortWindowSize int
	LongWindowSize  int
	// KLDThreshold marks a single observation as a disagreement for
	// diagnostic counting; it does not affect the score.
	KLDThreshold float64
	// WeightShort, WeightLong and WeightEntropy combine the score
	// components. Components without data renormalize over the rest.
	WeightShort   float64
	WeightLong    float64
	WeightEntropy float64
}

// DefaultConfig returns equal-weight defaults.
func DefaultConfig() Config {
	return Config{
		ShortWindowSize: 4,
		LongWindowSize:  12,
		KLDThreshold:    0.1,
		WeightShort:     1.0 / 3.0,
		WeightLong:      1.0 / 3.0,
		WeightEntropy:   1.0 / 3.0,
	}
}

// #endregion config

// #region score

// Score is a combined stability reading with its components exposed
// for diagnostics. 1 means the draft and target models agree and have
// done so consistently; 0 means maximal disagreement or volatility.
type Score struct {
	Combined float64
	Short    float64 // short-window variance component
	Long     float64 // long-window variance component
	Entropy  float64 // forward-looking entropy component
	// InsufficientData is set while the short window has fewer than two
	// samples. The adapter treats such a reading as cold start.
	InsufficientData bool
}

// neutralScore is reported while a sequence has no usable history.
const neutralScore = 0.5

// #endregion score

// #region processor

// seqState is the per-sequence stability state. One entry exists per live
// sequence; entries are removed when the sequence reaches a terminal state.
type seqState struct {
	short      *window
	long       *window
	entropy    float64
	hasEntropy bool
	last       Score
	// disagreements counts observations above KLDThreshold, for diagnostics.
	disagreements int
}

// Processor owns all per-sequence stability state. Not safe for concurrent
// use; the orchestrator feeds it serially at round boundaries.
type Processor struct {
	config Config
	states map[string]*seqState
}

// NewProcessor creates a Processor with the given configuration.
func NewProcessor(config Config) *Processor {
	return &Processor{
		config: config,
		states: make(map[string]*seqState),
	}
}

// #endregion processor

// #region observe

// Observe records one verified (draftProb, targetProb) pair and returns the
// updated stability score. Invalid probabilities (NaN, negative, above one,
// or a boundary value that would divide by zero) are neutral: the windows
// are left untouched.
func (p *Processor) Observe(seqID string, draftProb, targetProb float64) Score {
	st := p.state(seqID)

	d, ok := tokenDivergence(draftProb, targetProb)
	if ok {
		st.short.push(d)
		st.long.push(d)
		if d > p.config.KLDThreshold {
			st.disagreements++
		}
	}

	st.last = p.score(st)
	return st.last
}

// ObserveEntropy records the draft model's distribution entropy for the
// current round. Used before target feedback is available. Negative or NaN
// entropy is ignored.
func (p *Processor) ObserveEntropy(seqID string, entropy float64) {
	if math.IsNaN(entropy) || entropy < 0 {
		return
	}
	st := p.state(seqID)
	st.entropy = entropy
	st.hasEntropy = true
	st.last = p.score(st)
}

// Current returns the last computed score without recording anything.
func (p *Processor) Current(seqID string) Score {
	st, ok := p.states[seqID]
	if !ok {
		return Score{Combined: neutralScore, InsufficientData: true}
	}
	return st.last
}

// Disagreements returns how many observations exceeded the KLD threshold.
func (p *Processor) Disagreements(seqID string) int {
	if st, ok := p.states[seqID]; ok {
		return st.disagreements
	}
	return 0
}

// Remove tears down all state for a sequence.
func (p *Processor) Remove(seqID string) {
	delete(p.states, seqID)
}

// Tracked returns the number of live sequences.
func (p *Processor) Tracked() int {
	return len(p.states)
}

func (p *Processor) state(seqID string) *seqState {
	st, ok := p.states[seqID]
	if !ok {
		st = &seqState{
			short: newWindow(p.config.ShortWindowSize),
			long:  newWindow(p.config.LongWindowSize),
			last:  Score{Combined: neutralScore, InsufficientData: true},
		}
		p.states[seqID] = st
	}
	return st
}

// #endregion observe

// #region scoring

// score combines the window variances and entropy into one stability value.
// Each component maps through 1/(1+x) so that zero variance or zero entropy
// reads as perfect stability. Components without data drop out and the
// remaining weights renormalize.
func (p *Processor) score(st *seqState) Score {
	s := Score{}

	var weighted, weightSum float64

	if v, ok := st.short.variance(); ok {
		s.Short = 1.0 / (1.0 + v)
		weighted += p.config.WeightShort * s.Short
		weightSum += p.config.WeightShort
	} else {
		s.InsufficientData = true
	}

	if v, ok := st.long.variance(); ok {
		s.Long = 1.0 / (1.0 + v)
		weighted += p.config.WeightLong * s.Long
		weightSum += p.config.WeightLong
	}

	if st.hasEntropy {
		s.Entropy = 1.0 / (1.0 + st.entropy)
		weighted += p.config.WeightEntropy * s.Entropy
		weightSum += p.config.WeightEntropy
	}

	if weightSum <= 0 {
		s.Combined = neutralScore
		s.InsufficientData = true
		return s
	}

	s.Combined = clamp01(weighted / weightSum)
	return s
}

// tokenDivergence returns the Bernoulli KL divergence between the target and
// draft acceptance probabilities at one verified token position:
//
//	KL(t || d) = t*ln(t/d) + (1-t)*ln((1-t)/(1-d))
//
// Non-negative for all valid inputs. ok is false for observations that carry
// no information (NaN, out of range, or a boundary value that would divide
// by zero).
func tokenDivergence(draftProb, targetProb float64) (d float64, ok bool) {
	if !validProb(draftProb) || !validProb(targetProb) {
		return 0, false
	}
	if draftProb == targetProb {
		return 0, true
	}
	if draftProb <= 0 || draftProb >= 1 || targetProb <= 0 || targetProb >= 1 {
		return 0, false
	}
	d = targetProb*math.Log(targetProb/draftProb) +
		(1-targetProb)*math.Log((1-targetProb)/(1-draftProb))
	if d < 0 {
		d = 0 // float rounding guard
	}
	return d, true
}

func validProb(p float64) bool {
	return !math.IsNaN(p) && p >= 0 && p <= 1
}

func clamp01(v float64) float64 {
	if v < 0 {
		return 0
	}
	if v > 1 {
		return 1
	}
	return v
}

// #endregion scoring
