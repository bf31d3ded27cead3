// Package replay re-runs recorded acceptance traces through the stability,
// adaptation and batching pipeline entirely in memory, for offline tuning of
// thresholds and budgets.
package replay

import (
	"encoding/json"
	"fmt"
	"os"

	"github.com/chatbt/dsde/internal/adapter"
	"github.com/chatbt/dsde/internal/signal"
)

// #region fixture-types

// Fixture is the top-level JSON structure for a replay fixture.
type Fixture struct {
	Description string         `json:"description"`
	Config      FixtureConfig  `json:"config"`
	Rounds      []FixtureRound `json:"rounds"`
}

// FixtureConfig carries the tunables under test. Zero values fall back to
// the package defaults.
type FixtureConfig struct {
	RoundBudget     int                `json:"round_budget"`
	SLMin           int                `json:"sl_min"`
	SLMax           int                `json:"sl_max"`
	DefaultSL       int                `json:"default_sl"`
	HighThreshold   float64            `json:"high_threshold"`
	LowThreshold    float64            `json:"low_threshold"`
	SmoothingFactor float64            `json:"smoothing_factor"`
	ShortWindow     int                `json:"short_window"`
	LongWindow      int                `json:"long_window"`
	TaskMultipliers map[string]float64 `json:"task_multipliers"`
}

// FixtureRound is one recorded decode round.
type FixtureRound struct {
	Observations []FixtureObservation `json:"observations"`
}

// FixtureObservation is one sequence's recorded probabilities for a round.
// DraftProbs and TargetProbs are positionally paired.
type FixtureObservation struct {
	SequenceID  string    `json:"sequence_id"`
	TaskType    string    `json:"task_type"`
	DraftProbs  []float64 `json:"draft_probs"`
	TargetProbs []float64 `json:"target_probs"`
	// Entropy is nil when the round carried no entropy reading; a pointer
	// so an omitted field cannot decode as a real zero.
	Entropy *float64 `json:"entropy,omitempty"`
}

// #endregion fixture-types

// #region fixture-loader

// LoadFixture reads and parses a JSON fixture file.
func LoadFixture(path string) (*Fixture, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read fixture %s: %w", path, err)
	}
	var f Fixture
	if err := json.Unmarshal(data, &f); err != nil {
		return nil, fmt.Errorf("parse fixture %s: %w", path, err)
	}
	return &f, nil
}

// toConfigs expands the fixture tunables into the pipeline configs,
// defaulting every zero field.
func (fc FixtureConfig) toConfigs() (signal.Config, adapter.Config, int) {
	sigCfg := signal.DefaultConfig()
	if fc.ShortWindow > 0 {
		sigCfg.ShortWindowSize = fc.ShortWindow
	}
	if fc.LongWindow > 0 {
		sigCfg.LongWindowSize = fc.LongWindow
	}

	adpCfg := adapter.DefaultConfig()
	if fc.SLMin > 0 {
		adpCfg.SLMin = fc.SLMin
	}
	if fc.SLMax > 0 {
		adpCfg.SLMax = fc.SLMax
	}
	if fc.DefaultSL > 0 {
		adpCfg.DefaultSL = fc.DefaultSL
	}
	if fc.HighThreshold > 0 {
		adpCfg.HighThreshold = fc.HighThreshold
	}
	if fc.LowThreshold > 0 {
		adpCfg.LowThreshold = fc.LowThreshold
	}
	if fc.SmoothingFactor > 0 {
		adpCfg.SmoothingFactor = fc.SmoothingFactor
	}
	if fc.TaskMultipliers != nil {
		adpCfg.TaskMultipliers = fc.TaskMultipliers
	}

	budget := fc.RoundBudget
	if budget <= 0 {
		budget = 32
	}
	return sigCfg, adpCfg, budget
}

// #endregion fixture-loader
