package replay

import (
	"sort"

	"github.com/chatbt/dsde/internal/adapter"
	"github.com/chatbt/dsde/internal/batch"
	"github.com/chatbt/dsde/internal/signal"
)

// #region types

// SequenceRound is one sequence's replayed decision for a round: the
// stability reading going in and the speculation length coming out.
type SequenceRound struct {
	SequenceID string
	Score      signal.Score
	DesiredSL  int
	CappedSL   int
}

// RoundResult captures one replayed round.
type RoundResult struct {
	Round     int
	Sequences []SequenceRound // sorted by sequence id
	Plan      batch.Plan
}

// Summary aggregates a replay run.
type Summary struct {
	Rounds         int
	DegradedRounds int
	CapMin         int
	CapMax         int
	// FinalSL maps sequence id to its last speculation length.
	FinalSL map[string]int
}

// #endregion types

// #region replay

// Replay drives the recorded rounds through the pipeline in the same order
// the live engine would: score, adapt, plan, then feed the round's recorded
// probabilities back into the signal state. Operates entirely in memory.
func Replay(f *Fixture) []RoundResult {
	sigCfg, adpCfg, budget := f.Config.toConfigs()
	sig := signal.NewProcessor(sigCfg)
	adp := adapter.New(adpCfg)
	opt := batch.NewOptimizer(budget, adpCfg.SLMin)

	results := make([]RoundResult, 0, len(f.Rounds))
	for i, round := range f.Rounds {
		obs := make([]FixtureObservation, len(round.Observations))
		copy(obs, round.Observations)
		sort.Slice(obs, func(a, b int) bool { return obs[a].SequenceID < obs[b].SequenceID })

		rr := RoundResult{Round: i + 1}
		desired := make(map[string]int, len(obs))
		for _, o := range obs {
			score := sig.Current(o.SequenceID)
			sl := adp.NextLength(o.SequenceID, score, adapter.Context{TaskType: o.TaskType})
			desired[o.SequenceID] = sl
			rr.Sequences = append(rr.Sequences, SequenceRound{
				SequenceID: o.SequenceID,
				Score:      score,
				DesiredSL:  sl,
			})
		}

		rr.Plan = opt.Plan(desired)
		for j := range rr.Sequences {
			rr.Sequences[j].CappedSL = rr.Plan.Capped[rr.Sequences[j].SequenceID]
		}

		for _, o := range obs {
			n := len(o.DraftProbs)
			if len(o.TargetProbs) < n {
				n = len(o.TargetProbs)
			}
			for k := 0; k < n; k++ {
				sig.Observe(o.SequenceID, o.DraftProbs[k], o.TargetProbs[k])
			}
			if o.Entropy != nil {
				sig.ObserveEntropy(o.SequenceID, *o.Entropy)
			}
		}

		results = append(results, rr)
	}
	return results
}

// Summarize computes aggregate stats from replay results.
func Summarize(results []RoundResult) Summary {
	s := Summary{
		Rounds:  len(results),
		FinalSL: make(map[string]int),
	}
	for i, r := range results {
		if r.Plan.Degraded {
			s.DegradedRounds++
		}
		if i == 0 || r.Plan.Cap < s.CapMin {
			s.CapMin = r.Plan.Cap
		}
		if r.Plan.Cap > s.CapMax {
			s.CapMax = r.Plan.Cap
		}
		for _, sr := range r.Sequences {
			s.FinalSL[sr.SequenceID] = sr.DesiredSL
		}
	}
	return s
}

// #endregion replay
