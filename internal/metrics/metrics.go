// Package metrics aggregates per-round decode telemetry into rolling
// snapshots and persists round history for offline inspection.
package metrics

import (
	"sync"
	"time"
)

// #region types

// RoundRecord is one decode round's telemetry.
type RoundRecord struct {
	Round          int           `json:"round"`
	Sequences      int           `json:"sequences"`
	TokensProposed int           `json:"tokens_proposed"`
	TokensAccepted int           `json:"tokens_accepted"`
	TokensEmitted  int           `json:"tokens_emitted"` // accepted plus corrected
	Cap            int           `json:"cap"`
	Degraded       bool          `json:"degraded"`
	Failures       int           `json:"failures"`
	Latency        time.Duration `json:"latency"`
	At             time.Time     `json:"at"`
}

// Snapshot summarizes the rolling window of recent rounds.
type Snapshot struct {
	Rounds         int           `json:"rounds"`
	AcceptanceRate float64       `json:"acceptance_rate"`
	TokensPerSec   float64       `json:"tokens_per_sec"`
	AvgLatency     time.Duration `json:"avg_latency"`
	DegradedRounds int           `json:"degraded_rounds"`
	Failures       int           `json:"failures"`
	// SuccessRate is the share of sequence-rounds that did not fail.
	SuccessRate float64 `json:"success_rate"`
}

// Sink receives finished round records. Implementations must tolerate being
// called from the round loop's hot path.
type Sink interface {
	RecordRound(rec RoundRecord) error
}

// #endregion types

// #region collector

// Collector keeps the last Window round records and derives snapshots from
// them. Safe for concurrent use.
type Collector struct {
	mu      sync.Mutex
	window  int
	records []RoundRecord
	total   int // rounds ever recorded
}

// NewCollector creates a Collector over a rolling window of that many rounds.
func NewCollector(window int) *Collector {
	if window < 1 {
		window = 1
	}
	return &Collector{window: window}
}

// RecordRound appends a round to the window, evicting the oldest when full.
func (c *Collector) RecordRound(rec RoundRecord) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	if rec.At.IsZero() {
		rec.At = time.Now().UTC()
	}
	c.records = append(c.records, rec)
	if len(c.records) > c.window {
		c.records = c.records[1:]
	}
	c.total++
	return nil
}

// TotalRounds returns the number of rounds ever recorded, window or not.
func (c *Collector) TotalRounds() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.total
}

// Snapshot derives the rolling summary. Acceptance rate is accepted over
// proposed; throughput is emitted tokens over summed round latency.
func (c *Collector) Snapshot() Snapshot {
	c.mu.Lock()
	defer c.mu.Unlock()

	var s Snapshot
	s.Rounds = len(c.records)
	if s.Rounds == 0 {
		return s
	}

	var proposed, accepted, emitted, slots int
	var latency time.Duration
	for _, r := range c.records {
		proposed += r.TokensProposed
		accepted += r.TokensAccepted
		emitted += r.TokensEmitted
		latency += r.Latency
		slots += r.Sequences
		s.Failures += r.Failures
		if r.Degraded {
			s.DegradedRounds++
		}
	}
	if proposed > 0 {
		s.AcceptanceRate = float64(accepted) / float64(proposed)
	}
	if slots > 0 {
		s.SuccessRate = 1 - float64(s.Failures)/float64(slots)
	}
	if latency > 0 {
		s.TokensPerSec = float64(emitted) / latency.Seconds()
	}
	s.AvgLatency = latency / time.Duration(s.Rounds)
	return s
}

// #endregion collector

// #region fanout

// Fanout forwards each record to every sink, keeping the first error.
type Fanout []Sink

func (f Fanout) RecordRound(rec RoundRecord) error {
	var first error
	for _, s := range f {
		if err := s.RecordRound(rec); err != nil && first == nil {
			first = err
		}
	}
	return first
}

// #endregion fanout
