// Package batch arbitrates per-round compute budget across a batch by capping
// speculation lengths, so that no single straggler dominates round latency.
package batch

import "sort"

// #region plan

// Plan is one round's budget-respecting speculation lengths. Built fresh
// every round and never mutated after handoff.
type Plan struct {
	// Capped maps sequence id to this round's capped speculation length.
	Capped map[string]int
	// Stragglers lists the sequences whose desired length exceeded the
	// cap, sorted for deterministic output.
	Stragglers []string
	// Cap is the chosen batch-wide cap.
	Cap int
	// TotalCost is the sum of capped lengths.
	TotalCost int
	// Degraded is set when even flooring every sequence at SLMin exceeds
	// the budget; the plan then floors everything at SLMin anyway rather
	// than failing the round.
	Degraded bool
}

// #endregion plan

// #region optimizer

// Optimizer chooses a single batch-wide cap minimizing the squared deviation
// from the desired lengths subject to the budget.
type Optimizer struct {
	budget int
	slMin  int
}

// NewOptimizer creates an Optimizer for the given round budget and floor.
func NewOptimizer(budget, slMin int) *Optimizer {
	return &Optimizer{budget: budget, slMin: slMin}
}

// Plan caps every desired length at a single value c, chosen as the largest
// integer cap whose capped total fits the budget. The capped total is
// nondecreasing in c and the squared deviation nonincreasing, so that cap is
// also the minimum-squared-error feasible one. The binding segment is found
// by a descending walk over the distinct desired values; inside it the exact
// cap is (budget - sumBelow) / seqsAbove. O(n log n). Deterministic for a
// fixed input mapping and budget.
func (o *Optimizer) Plan(desired map[string]int) Plan {
	if len(desired) == 0 {
		return Plan{Capped: map[string]int{}}
	}

	// Distinct desired values, descending.
	distinct := make([]int, 0, len(desired))
	seen := make(map[int]bool, len(desired))
	total := 0
	for _, d := range desired {
		total += d
		if !seen[d] {
			seen[d] = true
			distinct = append(distinct, d)
		}
	}
	sort.Sort(sort.Reverse(sort.IntSlice(distinct)))

	if total <= o.budget {
		return o.apply(desired, distinct[0], false)
	}

	// Walk segments [lower, distinct[j]) from the top. k counts sequences
	// with desired >= distinct[j] (all capped inside the segment); below
	// holds the sum of the rest (unaffected by the cap).
	k := 0
	below := total
	for j, u := range distinct {
		cnt := 0
		for _, d := range desired {
			if d == u {
				cnt++
			}
		}
		k += cnt
		below -= cnt * u

		lower := o.slMin
		if j+1 < len(distinct) {
			lower = distinct[j+1]
		}

		c := (o.budget - below) / k
		if c > u-1 {
			c = u - 1
		}
		if c >= lower {
			return o.apply(desired, c, false)
		}
	}

	// Even a uniform SLMin does not fit: degrade gracefully.
	return o.apply(desired, o.slMin, true)
}

// apply builds the Plan for a chosen cap.
func (o *Optimizer) apply(desired map[string]int, chosen int, degraded bool) Plan {
	p := Plan{
		Capped:   make(map[string]int, len(desired)),
		Cap:      chosen,
		Degraded: degraded,
	}
	for id, d := range desired {
		c := d
		if c > chosen {
			c = chosen
			p.Stragglers = append(p.Stragglers, id)
		}
		p.Capped[id] = c
		p.TotalCost += c
	}
	sort.Strings(p.Stragglers)
	return p
}

// #endregion optimizer
