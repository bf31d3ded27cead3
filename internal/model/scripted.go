package model

import (
	"context"
	"fmt"
	"sync"
)

// #region script

// Step is one round of scripted collaborator behavior for a sequence: the
// draft proposal the drafter returns and the verdict the verifier returns
// for it. A Step is consumed when the round's verify call completes.
type Step struct {
	Tokens []TokenProb
	// Entropy is reported with the proposal only when non-nil.
	Entropy     *float64
	TargetProbs []float64
	Resamples   []string
	Done        bool

	// DraftFailures injects that many transient draft errors before the
	// step's proposal is served.
	DraftFailures int
	// DraftErr, when set, fails the draft permanently instead.
	DraftErr error
	// VerifyErr, when set, fails the whole batched verify call containing
	// this sequence, without consuming any step.
	VerifyErr error
}

// Scripted is a deterministic in-memory Collaborator driven by a fixed
// per-sequence script. Used by engine tests and the replay harness.
type Scripted struct {
	mu      sync.Mutex
	scripts map[string][]Step
	cursors map[string]int
	fails   map[string]int // remaining injected draft failures per sequence

	draftCalls  int
	verifyCalls int
}

// NewScripted creates a Scripted collaborator over the given scripts.
func NewScripted(scripts map[string][]Step) *Scripted {
	return &Scripted{
		scripts: scripts,
		cursors: make(map[string]int),
		fails:   make(map[string]int),
	}
}

// #endregion script

// #region collaborator

// Draft serves the current step's proposal, truncated to req.MaxTokens.
func (s *Scripted) Draft(ctx context.Context, req DraftRequest) (DraftProposal, error) {
	if err := ctx.Err(); err != nil {
		return DraftProposal{}, err
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	s.draftCalls++

	step, err := s.currentStep(req.SequenceID)
	if err != nil {
		return DraftProposal{}, err
	}
	if step.DraftErr != nil {
		return DraftProposal{}, step.DraftErr
	}
	if _, seen := s.fails[req.SequenceID]; !seen {
		s.fails[req.SequenceID] = step.DraftFailures
	}
	if s.fails[req.SequenceID] > 0 {
		s.fails[req.SequenceID]--
		return DraftProposal{}, fmt.Errorf("scripted draft failure: %w", ErrModelUnavailable)
	}

	tokens := step.Tokens
	if req.MaxTokens >= 0 && len(tokens) > req.MaxTokens {
		tokens = tokens[:req.MaxTokens]
	}
	out := make([]TokenProb, len(tokens))
	copy(out, tokens)
	var entropy *float64
	if step.Entropy != nil {
		v := *step.Entropy
		entropy = &v
	}
	return DraftProposal{SequenceID: req.SequenceID, Tokens: out, Entropy: entropy}, nil
}

// Verify serves the current step's verdict for each requested sequence and
// advances that sequence's cursor.
func (s *Scripted) Verify(ctx context.Context, req VerifyRequest) (VerifyBatch, error) {
	if err := ctx.Err(); err != nil {
		return VerifyBatch{}, err
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	s.verifyCalls++

	// Injected verify failures take the whole batch down before any cursor
	// advances, matching the all-or-nothing batched call.
	for _, seq := range req.Sequences {
		step, err := s.currentStep(seq.SequenceID)
		if err != nil {
			return VerifyBatch{}, err
		}
		if step.VerifyErr != nil {
			return VerifyBatch{}, step.VerifyErr
		}
	}

	batch := VerifyBatch{Results: make(map[string]VerifyResult, len(req.Sequences))}
	for _, seq := range req.Sequences {
		step, err := s.currentStep(seq.SequenceID)
		if err != nil {
			return VerifyBatch{}, err
		}

		probs := step.TargetProbs
		if len(probs) > len(seq.Candidates) {
			probs = probs[:len(seq.Candidates)]
		}
		out := make([]float64, len(probs))
		copy(out, probs)
		resamples := make([]string, len(step.Resamples))
		copy(resamples, step.Resamples)

		batch.Results[seq.SequenceID] = VerifyResult{
			SequenceID:  seq.SequenceID,
			TargetProbs: out,
			Resamples:   resamples,
			Done:        step.Done,
		}

		s.cursors[seq.SequenceID]++
		delete(s.fails, seq.SequenceID)
	}
	return batch, nil
}

func (s *Scripted) currentStep(seqID string) (Step, error) {
	script, ok := s.scripts[seqID]
	if !ok {
		return Step{}, fmt.Errorf("no script for sequence %s: %w", seqID, ErrModelUnavailable)
	}
	i := s.cursors[seqID]
	if i >= len(script) {
		return Step{}, fmt.Errorf("script exhausted for sequence %s: %w", seqID, ErrModelUnavailable)
	}
	return script[i], nil
}

// #endregion collaborator

// #region accounting

// DraftCalls returns the number of Draft invocations, failed ones included.
func (s *Scripted) DraftCalls() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.draftCalls
}

// VerifyCalls returns the number of Verify invocations.
func (s *Scripted) VerifyCalls() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.verifyCalls
}

// #endregion accounting
