package model

import (
	"context"
	"encoding/json"
	"errors"
	"testing"

	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"
)

func TestTransientClassification(t *testing.T) {
	cases := []struct {
		name string
		err  error
		want bool
	}{
		{"nil", nil, false},
		{"unavailable status", status.Error(codes.Unavailable, "down"), true},
		{"deadline status", status.Error(codes.DeadlineExceeded, "slow"), true},
		{"resource exhausted", status.Error(codes.ResourceExhausted, "full"), true},
		{"invalid argument", status.Error(codes.InvalidArgument, "bad"), false},
		{"context deadline", context.DeadlineExceeded, true},
		{"model unavailable", ErrModelUnavailable, true},
		{"wrapped model unavailable", errors.Join(errors.New("draft"), ErrModelUnavailable), true},
		{"invalid probability", ErrInvalidProbability, false},
		{"plain error", errors.New("boom"), false},
	}
	for _, tc := range cases {
		if got := Transient(tc.err); got != tc.want {
			t.Errorf("%s: Transient=%v, want %v", tc.name, got, tc.want)
		}
	}
}

func TestScriptedDraftTruncatesToMaxTokens(t *testing.T) {
	s := NewScripted(map[string][]Step{
		"seq-1": {{
			Tokens: []TokenProb{{"a", 0.9}, {"b", 0.8}, {"c", 0.7}, {"d", 0.6}},
		}},
	})

	p, err := s.Draft(context.Background(), DraftRequest{SequenceID: "seq-1", MaxTokens: 2})
	if err != nil {
		t.Fatalf("draft: %v", err)
	}
	if len(p.Tokens) != 2 || p.Tokens[0].Token != "a" || p.Tokens[1].Token != "b" {
		t.Errorf("expected first two tokens, got %v", p.Tokens)
	}
}

func TestScriptedVerifyAdvancesCursor(t *testing.T) {
	s := NewScripted(map[string][]Step{
		"seq-1": {
			{Tokens: []TokenProb{{"a", 0.9}}, TargetProbs: []float64{0.9}},
			{Tokens: []TokenProb{{"b", 0.8}}, TargetProbs: []float64{0.2}, Done: true},
		},
	})
	ctx := context.Background()

	p1, err := s.Draft(ctx, DraftRequest{SequenceID: "seq-1", MaxTokens: 4})
	if err != nil {
		t.Fatalf("draft 1: %v", err)
	}
	b1, err := s.Verify(ctx, VerifyRequest{Sequences: []VerifySequence{
		{SequenceID: "seq-1", Candidates: p1.Tokens},
	}})
	if err != nil {
		t.Fatalf("verify 1: %v", err)
	}
	if b1.Results["seq-1"].TargetProbs[0] != 0.9 || b1.Results["seq-1"].Done {
		t.Errorf("unexpected first verdict: %+v", b1.Results["seq-1"])
	}

	p2, err := s.Draft(ctx, DraftRequest{SequenceID: "seq-1", MaxTokens: 4})
	if err != nil {
		t.Fatalf("draft 2: %v", err)
	}
	if p2.Tokens[0].Token != "b" {
		t.Errorf("cursor did not advance: got %v", p2.Tokens)
	}
	b2, err := s.Verify(ctx, VerifyRequest{Sequences: []VerifySequence{
		{SequenceID: "seq-1", Candidates: p2.Tokens},
	}})
	if err != nil {
		t.Fatalf("verify 2: %v", err)
	}
	if !b2.Results["seq-1"].Done {
		t.Error("second step should report done")
	}
}

func TestScriptedInjectedDraftFailuresAreTransient(t *testing.T) {
	s := NewScripted(map[string][]Step{
		"seq-1": {{
			Tokens:        []TokenProb{{"a", 0.9}},
			DraftFailures: 2,
		}},
	})
	ctx := context.Background()

	for i := 0; i < 2; i++ {
		_, err := s.Draft(ctx, DraftRequest{SequenceID: "seq-1", MaxTokens: 4})
		if err == nil {
			t.Fatalf("attempt %d: expected injected failure", i+1)
		}
		if !Transient(err) {
			t.Fatalf("attempt %d: injected failure should be transient: %v", i+1, err)
		}
	}
	p, err := s.Draft(ctx, DraftRequest{SequenceID: "seq-1", MaxTokens: 4})
	if err != nil {
		t.Fatalf("third attempt should succeed: %v", err)
	}
	if len(p.Tokens) != 1 {
		t.Errorf("unexpected proposal after retries: %v", p.Tokens)
	}
	if s.DraftCalls() != 3 {
		t.Errorf("expected 3 draft calls, got %d", s.DraftCalls())
	}
}

func TestScriptedExhaustionAndUnknownSequence(t *testing.T) {
	s := NewScripted(map[string][]Step{
		"seq-1": {{Tokens: []TokenProb{{"a", 0.9}}, TargetProbs: []float64{0.9}}},
	})
	ctx := context.Background()

	if _, err := s.Draft(ctx, DraftRequest{SequenceID: "ghost", MaxTokens: 4}); !errors.Is(err, ErrModelUnavailable) {
		t.Errorf("unknown sequence should be unavailable, got %v", err)
	}

	p, _ := s.Draft(ctx, DraftRequest{SequenceID: "seq-1", MaxTokens: 4})
	if _, err := s.Verify(ctx, VerifyRequest{Sequences: []VerifySequence{
		{SequenceID: "seq-1", Candidates: p.Tokens},
	}}); err != nil {
		t.Fatalf("verify: %v", err)
	}
	if _, err := s.Draft(ctx, DraftRequest{SequenceID: "seq-1", MaxTokens: 4}); !errors.Is(err, ErrModelUnavailable) {
		t.Errorf("exhausted script should be unavailable, got %v", err)
	}
}

func TestScriptedHonorsContextCancellation(t *testing.T) {
	s := NewScripted(map[string][]Step{
		"seq-1": {{Tokens: []TokenProb{{"a", 0.9}}}},
	})
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	if _, err := s.Draft(ctx, DraftRequest{SequenceID: "seq-1", MaxTokens: 4}); err == nil {
		t.Error("cancelled context should fail the draft")
	}
}

func TestDraftProposalOmittedEntropyDecodesNil(t *testing.T) {
	var p DraftProposal
	raw := []byte(`{"sequence_id":"s","tokens":[{"token":"a","prob":0.5}]}`)
	if err := json.Unmarshal(raw, &p); err != nil {
		t.Fatalf("unmarshal: %v", err)
	}
	if p.Entropy != nil {
		t.Errorf("omitted entropy must decode as nil, got %v", *p.Entropy)
	}

	var q DraftProposal
	raw = []byte(`{"sequence_id":"s","tokens":[{"token":"a","prob":0.5}],"entropy":0}`)
	if err := json.Unmarshal(raw, &q); err != nil {
		t.Fatalf("unmarshal: %v", err)
	}
	if q.Entropy == nil || *q.Entropy != 0 {
		t.Errorf("explicit zero entropy must survive the decode, got %v", q.Entropy)
	}
}

func TestScriptedReportsEntropyOnlyWhenSet(t *testing.T) {
	ent := 2.0
	s := NewScripted(map[string][]Step{
		"with":    {{Tokens: []TokenProb{{"a", 0.9}}, Entropy: &ent}},
		"without": {{Tokens: []TokenProb{{"a", 0.9}}}},
	})
	ctx := context.Background()

	pw, err := s.Draft(ctx, DraftRequest{SequenceID: "with", MaxTokens: 4})
	if err != nil {
		t.Fatalf("draft: %v", err)
	}
	if pw.Entropy == nil || *pw.Entropy != 2.0 {
		t.Errorf("expected entropy 2.0, got %v", pw.Entropy)
	}
	if pw.Entropy == &ent {
		t.Error("proposal should carry its own copy, not the script's pointer")
	}

	po, err := s.Draft(ctx, DraftRequest{SequenceID: "without", MaxTokens: 4})
	if err != nil {
		t.Fatalf("draft: %v", err)
	}
	if po.Entropy != nil {
		t.Errorf("script without entropy should propose none, got %v", *po.Entropy)
	}
}

func TestScriptedVerifyErrFailsBatchWithoutAdvancing(t *testing.T) {
	boom := errors.New("target down")
	s := NewScripted(map[string][]Step{
		"s1": {{Tokens: []TokenProb{{"a", 0.9}}, TargetProbs: []float64{0.9}, VerifyErr: boom}},
		"s2": {{Tokens: []TokenProb{{"b", 0.9}}, TargetProbs: []float64{0.9}}},
	})
	ctx := context.Background()

	p1, err := s.Draft(ctx, DraftRequest{SequenceID: "s1", MaxTokens: 4})
	if err != nil {
		t.Fatalf("draft s1: %v", err)
	}
	p2, err := s.Draft(ctx, DraftRequest{SequenceID: "s2", MaxTokens: 4})
	if err != nil {
		t.Fatalf("draft s2: %v", err)
	}

	_, err = s.Verify(ctx, VerifyRequest{Sequences: []VerifySequence{
		{SequenceID: "s1", Candidates: p1.Tokens},
		{SequenceID: "s2", Candidates: p2.Tokens},
	}})
	if !errors.Is(err, boom) {
		t.Fatalf("expected injected verify failure, got %v", err)
	}

	// The failed call must not consume any step, including the healthy
	// sequence batched alongside the failing one.
	r1, err := s.Draft(ctx, DraftRequest{SequenceID: "s1", MaxTokens: 4})
	if err != nil || r1.Tokens[0].Token != "a" {
		t.Errorf("s1 cursor moved: tokens=%v err=%v", r1.Tokens, err)
	}
	r2, err := s.Draft(ctx, DraftRequest{SequenceID: "s2", MaxTokens: 4})
	if err != nil || r2.Tokens[0].Token != "b" {
		t.Errorf("s2 cursor moved: tokens=%v err=%v", r2.Tokens, err)
	}
}

func TestValidateProposalRejectsBadProbs(t *testing.T) {
	bad := DraftProposal{SequenceID: "s", Tokens: []TokenProb{{"a", 1.5}}}
	if err := validateProposal(bad); !errors.Is(err, ErrInvalidProbability) {
		t.Errorf("expected invalid probability, got %v", err)
	}
	ok := DraftProposal{SequenceID: "s", Tokens: []TokenProb{{"a", 0.0}, {"b", 1.0}}}
	if err := validateProposal(ok); err != nil {
		t.Errorf("boundary probs should pass: %v", err)
	}
}

func TestJSONCodecRoundTrip(t *testing.T) {
	c := jsonCodec{}
	in := VerifyRequest{Sequences: []VerifySequence{{
		SequenceID: "s",
		Context:    []string{"x"},
		Candidates: []TokenProb{{"a", 0.5}},
	}}}
	data, err := c.Marshal(&in)
	if err != nil {
		t.Fatalf("marshal: %v", err)
	}
	var out VerifyRequest
	if err := c.Unmarshal(data, &out); err != nil {
		t.Fatalf("unmarshal: %v", err)
	}
	if out.Sequences[0].Candidates[0].Token != "a" {
		t.Errorf("round trip lost data: %+v", out)
	}
	if c.Name() != "json" {
		t.Errorf("codec name %q", c.Name())
	}
}
