// Package adapter maps stability scores to per-sequence speculation lengths.
package adapter

import (
	"math"

	"github.com/chatbt/dsde/internal/signal"
)

// #region config

// Config holds the adaptation policy parameters.
type Config struct {
	SLMin     int
	SLMax     int
	DefaultSL int
	// AdaptStep is added to the previous SL when stability is high.
	AdaptStep int
	// HighThreshold and LowThreshold bound the raise/lower policy bands;
	// scores between them hold the previous SL.
	HighThreshold float64
	LowThreshold  float64
	// SmoothingFactor is the EMA weight on the raw policy output; the
	// remainder weights the previous SL. 1 disables smoothing.
	SmoothingFactor float64
	// TaskMultipliers scales the effective SL ceiling per task type.
	// Unlisted task types use a multiplier of 1.
	TaskMultipliers map[string]float64
}

// DefaultConfig returns the baseline adaptation policy.
func DefaultConfig() Config {
	return Config{
		SLMin:           1,
		SLMax:           8,
		DefaultSL:       4,
		AdaptStep:       1,
		HighThreshold:   0.7,
		LowThreshold:    0.3,
		SmoothingFactor: 0.6,
	}
}

// #endregion config

// #region types

// Context carries per-sequence information into the policy.
type Context struct {
	// TaskType selects the effective ceiling multiplier.
	TaskType string
}

// seqState is the per-sequence speculation state: current SL, smoothed
// history, and accounting. Same lifecycle as the sequence itself.
type seqState struct {
	current  int
	ema      float64
	rounds   int
	proposed int // tokens proposed across all rounds
	accepted int // tokens accepted across all rounds
}

// Stats summarizes a sequence's adaptation history for diagnostics.
type Stats struct {
	CurrentSL      int
	Rounds         int
	TokensProposed int
	TokensAccepted int
	AcceptanceRate float64
}

// #endregion types

// #region adapter

// Adapter owns all per-sequence speculation state. Purely a function of that
// state and the incoming score; no cross-sequence coupling.
type Adapter struct {
	config Config
	states map[string]*seqState
}

// New creates an Adapter with the given policy.
func New(config Config) *Adapter {
	return &Adapter{
		config: config,
		states: make(map[string]*seqState),
	}
}

// #endregion adapter

// #region next-length

// NextLength returns the desired speculation length for the next round.
//
// Cold start (no prior SL, or an insufficient-data score on the first call)
// yields the configured default. High stability raises the previous SL by
// AdaptStep; low stability halves it rounding down; anything between holds.
// The reported value is an EMA of the raw policy output and the previous SL,
// rounded and clamped to [SLMin, effective ceiling].
func (a *Adapter) NextLength(seqID string, score signal.Score, ctx Context) int {
	ceiling := a.effectiveCeiling(ctx.TaskType)

	st, ok := a.states[seqID]
	if !ok {
		sl := clampInt(a.config.DefaultSL, a.config.SLMin, ceiling)
		a.states[seqID] = &seqState{current: sl, ema: float64(sl)}
		return sl
	}

	raw := st.current
	switch {
	case score.InsufficientData:
		// No usable reading yet: hold.
	case score.Combined >= a.config.HighThreshold:
		raw = st.current + a.config.AdaptStep
	case score.Combined <= a.config.LowThreshold:
		raw = st.current / 2
	}
	raw = clampInt(raw, a.config.SLMin, ceiling)

	alpha := a.config.SmoothingFactor
	st.ema = alpha*float64(raw) + (1-alpha)*st.ema
	sl := clampInt(int(math.Round(st.ema)), a.config.SLMin, ceiling)

	st.current = sl
	return sl
}

// effectiveCeiling scales SLMax by the task-type multiplier, never dropping
// below SLMin.
func (a *Adapter) effectiveCeiling(taskType string) int {
	mult := 1.0
	if m, ok := a.config.TaskMultipliers[taskType]; ok && m > 0 {
		mult = m
	}
	ceiling := int(math.Round(float64(a.config.SLMax) * mult))
	if ceiling < a.config.SLMin {
		ceiling = a.config.SLMin
	}
	return ceiling
}

// #endregion next-length

// #region accounting

// RecordOutcome feeds per-round acceptance back into the sequence state.
func (a *Adapter) RecordOutcome(seqID string, proposed, accepted int) {
	st, ok := a.states[seqID]
	if !ok {
		return
	}
	st.rounds++
	st.proposed += proposed
	st.accepted += accepted
}

// Stats returns the adaptation history for a sequence.
func (a *Adapter) Stats(seqID string) Stats {
	st, ok := a.states[seqID]
	if !ok {
		return Stats{}
	}
	s := Stats{
		CurrentSL:      st.current,
		Rounds:         st.rounds,
		TokensProposed: st.proposed,
		TokensAccepted: st.accepted,
	}
	if st.proposed > 0 {
		s.AcceptanceRate = float64(st.accepted) / float64(st.proposed)
	}
	return s
}

// Remove tears down all state for a sequence.
func (a *Adapter) Remove(seqID string) {
	delete(a.states, seqID)
}

// Tracked returns the number of live sequences.
func (a *Adapter) Tracked() int {
	return len(a.states)
}

// #endregion accounting

// #region helpers

func clampInt(v, lo, hi int) int {
	if v < lo {
		return lo
	}
	if v > hi {
		return hi
	}
	return v
}

// #endregion helpers
