// Package model defines the draft/target collaborator boundary: the wire
// types, the gRPC client speaking to the inference service, and a scripted
// in-memory collaborator for tests and replay.
package model

import "context"

// #region wire-types

// TokenProb is one proposed token with its probability under the draft
// distribution.
type TokenProb struct {
	Token string  `json:"token"`
	Prob  float64 `json:"prob"`
}

// DraftRequest asks the draft collaborator for up to MaxTokens speculative
// tokens continuing Context.
type DraftRequest struct {
	SequenceID string   `json:"sequence_id"`
	Context    []string `json:"context"`
	MaxTokens  int      `json:"max_tokens"`
}

// DraftProposal is the draft collaborator's reply: at most MaxTokens
// (token, probability) pairs. Consumed once by the verify step and not
// retained after the round.
type DraftProposal struct {
	SequenceID string      `json:"sequence_id"`
	Tokens     []TokenProb `json:"tokens"`
	// Entropy is the draft distribution's entropy at the first proposed
	// position; nil when the collaborator does not report it. A pointer so
	// an omitted wire field cannot masquerade as a real zero-entropy
	// reading.
	Entropy *float64 `json:"entropy,omitempty"`
}

// VerifySequence is one sequence's candidate prefix within a batched
// verification request.
type VerifySequence struct {
	SequenceID string      `json:"sequence_id"`
	Context    []string    `json:"context"`
	Candidates []TokenProb `json:"candidates"`
}

// VerifyRequest is the single batched verification call covering all
// sequences drafted this round.
type VerifyRequest struct {
	Sequences []VerifySequence `json:"sequences"`
}

// VerifyResult carries the target distribution's verdict for one sequence:
// one probability per candidate token and a resample candidate per position,
// drawn from the target distribution, to be used at the first rejected index.
type VerifyResult struct {
	SequenceID  string    `json:"sequence_id"`
	TargetProbs []float64 `json:"target_probs"`
	Resamples   []string  `json:"resamples"`
	// Done reports that the target distribution emitted its terminal
	// token within this round's accepted output.
	Done bool `json:"done"`
}

// VerifyBatch maps sequence id to its verification result.
type VerifyBatch struct {
	Results map[string]VerifyResult `json:"results"`
}

// #endregion wire-types

// #region interfaces

// Drafter produces speculative tokens under the draft distribution.
type Drafter interface {
	Draft(ctx context.Context, req DraftRequest) (DraftProposal, error)
}

// Verifier scores candidate prefixes under the target distribution with one
// batched call per round.
type Verifier interface {
	Verify(ctx context.Context, req VerifyRequest) (VerifyBatch, error)
}

// Collaborator bundles both roles of the inference service.
type Collaborator interface {
	Drafter
	Verifier
}

// #endregion interfaces
