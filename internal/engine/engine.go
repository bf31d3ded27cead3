// Package engine runs the speculative decode loop: per round it scores
// stability, adapts speculation lengths, plans the batch against the compute
// budget, fans drafts out, verifies them in one batched call, and applies the
// rejection-sampling acceptance rule.
package engine

import (
	"context"
	"errors"
	"fmt"
	"log"
	"math/rand"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/chatbt/dsde/internal/adapter"
	"github.com/chatbt/dsde/internal/batch"
	"github.com/chatbt/dsde/internal/metrics"
	"github.com/chatbt/dsde/internal/model"
	"github.com/chatbt/dsde/internal/signal"
)

// #region config

// Config holds the round loop parameters.
type Config struct {
	// RoundBudget is the per-round token budget shared by the batch.
	RoundBudget int
	// SLMin floors admission and degraded plans.
	SLMin int
	// MaxNewTokens completes a sequence once emitted.
	MaxNewTokens int
	// MaxAttempts bounds collaborator retries per call.
	MaxAttempts int
	// RetryBase is the first backoff delay; it doubles per attempt.
	RetryBase time.Duration
	// Seed fixes the acceptance sampler for reproducible runs.
	Seed int64
}

// DefaultConfig returns the baseline round loop parameters.
func DefaultConfig() Config {
	return Config{
		RoundBudget:  32,
		SLMin:        1,
		MaxNewTokens: 256,
		MaxAttempts:  3,
		RetryBase:    50 * time.Millisecond,
		Seed:         1,
	}
}

// #endregion config

// #region errors

var (
	// ErrUnknownSequence reports a lookup for an id the engine never saw.
	ErrUnknownSequence = errors.New("unknown sequence")

	// ErrDuplicateSequence reports a submit reusing a live id.
	ErrDuplicateSequence = errors.New("duplicate sequence id")

	// errEmptyDraft fails a sequence whose drafter stopped producing tokens.
	errEmptyDraft = errors.New("empty draft proposal")
)

// #endregion errors

// #region engine

// Engine coordinates the decode round loop over a batch of sequences.
// Submit, Cancel and Result are safe to call concurrently with Run; all
// sequence transitions happen at round boundaries inside Run.
type Engine struct {
	config Config
	sig    *signal.Processor
	adp    *adapter.Adapter
	opt    *batch.Optimizer
	collab model.Collaborator
	sink   metrics.Sink
	retry  retryPolicy
	rng    *rand.Rand

	mu   sync.Mutex
	seqs map[string]*sequence
}

// New wires an Engine over its collaborators. sink may be nil.
func New(cfg Config, sig *signal.Processor, adp *adapter.Adapter,
	opt *batch.Optimizer, collab model.Collaborator, sink metrics.Sink) *Engine {
	return &Engine{
		config: cfg,
		sig:    sig,
		adp:    adp,
		opt:    opt,
		collab: collab,
		sink:   sink,
		retry:  retryPolicy{maxAttempts: cfg.MaxAttempts, base: cfg.RetryBase},
		rng:    rand.New(rand.NewSource(cfg.Seed)),
		seqs:   make(map[string]*sequence),
	}
}

// #endregion engine

// #region submit

// Submit queues a sequence for admission at the next round boundary and
// returns its id.
func (e *Engine) Submit(req Request) (string, error) {
	id := req.ID
	if id == "" {
		id = uuid.New().String()
	}

	maxNew := e.config.MaxNewTokens
	if req.MaxNewTokens > 0 {
		maxNew = req.MaxNewTokens
	}

	e.mu.Lock()
	defer e.mu.Unlock()
	if _, exists := e.seqs[id]; exists {
		return "", fmt.Errorf("%s: %w", id, ErrDuplicateSequence)
	}
	prompt := make([]string, len(req.Prompt))
	copy(prompt, req.Prompt)
	e.seqs[id] = &sequence{
		id:       id,
		taskType: req.TaskType,
		prompt:   prompt,
		state:    StatePending,
		maxNew:   maxNew,
		admitted: time.Now().UTC(),
	}
	return id, nil
}

// Cancel requests cancellation. Pending sequences cancel immediately; active
// ones at the next round boundary.
func (e *Engine) Cancel(seqID string) error {
	e.mu.Lock()
	defer e.mu.Unlock()
	s, ok := e.seqs[seqID]
	if !ok {
		return fmt.Errorf("%s: %w", seqID, ErrUnknownSequence)
	}
	if s.state.Terminal() {
		return nil
	}
	if s.state == StatePending {
		s.state = StateCancelled
		s.finished = time.Now().UTC()
		return nil
	}
	s.cancel = true
	return nil
}

// Result returns a sequence's current outcome.
func (e *Engine) Result(seqID string) (Result, error) {
	e.mu.Lock()
	defer e.mu.Unlock()
	s, ok := e.seqs[seqID]
	if !ok {
		return Result{}, fmt.Errorf("%s: %w", seqID, ErrUnknownSequence)
	}
	return s.result(), nil
}

// Results returns all sequence outcomes, sorted by id.
func (e *Engine) Results() []Result {
	e.mu.Lock()
	defer e.mu.Unlock()
	out := make([]Result, 0, len(e.seqs))
	for _, s := range e.seqs {
		out = append(out, s.result())
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out
}

// #endregion submit

// #region run

// Run drives rounds until every submitted sequence reaches a terminal state
// or ctx is cancelled. New sequences may be submitted while running.
func (e *Engine) Run(ctx context.Context) error {
	round := 0
	for {
		if err := ctx.Err(); err != nil {
			return err
		}

		active := e.beginRound()
		if len(active) == 0 {
			return nil
		}

		round++
		e.runRound(ctx, round, active)
	}
}

// beginRound applies cancellations, admits pending sequences up to the
// budget, and returns the active set sorted by id.
func (e *Engine) beginRound() []*sequence {
	e.mu.Lock()
	defer e.mu.Unlock()

	var active []*sequence
	var pending []*sequence
	for _, s := range e.seqs {
		switch s.state {
		case StateDrafting, StateVerifying, StateAccepted:
			if s.cancel {
				s.state = StateCancelled
				s.finished = time.Now().UTC()
				e.teardownLocked(s.id)
				continue
			}
			s.state = StateDrafting
			active = append(active, s)
		case StatePending:
			if s.cancel {
				s.state = StateCancelled
				s.finished = time.Now().UTC()
				continue
			}
			pending = append(pending, s)
		}
	}

	// Oldest first, id as tiebreaker.
	sort.Slice(pending, func(i, j int) bool {
		if pending[i].admitted.Equal(pending[j].admitted) {
			return pending[i].id < pending[j].id
		}
		return pending[i].admitted.Before(pending[j].admitted)
	})
	for _, s := range pending {
		if (len(active)+1)*e.config.SLMin > e.config.RoundBudget {
			break
		}
		s.state = StateDrafting
		active = append(active, s)
		log.Printf("[ENGINE] admit seq=%s task=%q", s.id, s.taskType)
	}

	sort.Slice(active, func(i, j int) bool { return active[i].id < active[j].id })
	return active
}

// #endregion run

// #region round

type draftOut struct {
	id   string
	prop model.DraftProposal
	err  error
}

// runRound executes one decode round over the active set.
func (e *Engine) runRound(ctx context.Context, round int, active []*sequence) {
	start := time.Now()

	// Score and adapt under the lock; contexts are snapshotted here so the
	// draft goroutines never touch sequence state.
	e.mu.Lock()
	desired := make(map[string]int, len(active))
	contexts := make(map[string][]string, len(active))
	for _, s := range active {
		score := e.sig.Current(s.id)
		desired[s.id] = e.adp.NextLength(s.id, score, adapter.Context{TaskType: s.taskType})
		contexts[s.id] = s.context()
	}
	e.mu.Unlock()

	plan := e.opt.Plan(desired)
	if plan.Degraded {
		log.Printf("[ENGINE] round=%d degraded: budget=%d floor=%d sequences=%d",
			round, e.config.RoundBudget, e.config.SLMin, len(active))
	}

	// Draft fan-out, one goroutine per sequence, transient failures retried.
	ch := make(chan draftOut, len(active))
	for _, s := range active {
		go func(id string, tokCtx []string, maxTokens int) {
			var prop model.DraftProposal
			err := e.retry.do(ctx, func(c context.Context) error {
				p, err := e.collab.Draft(c, model.DraftRequest{
					SequenceID: id,
					Context:    tokCtx,
					MaxTokens:  maxTokens,
				})
				if err == nil {
					prop = p
				}
				return err
			})
			ch <- draftOut{id: id, prop: prop, err: err}
		}(s.id, contexts[s.id], plan.Capped[s.id])
	}

	props := make(map[string]model.DraftProposal, len(active))
	failures := 0
	for range active {
		out := <-ch
		if out.err != nil {
			e.fail(out.id, fmt.Errorf("draft: %w", out.err))
			failures++
			continue
		}
		if len(out.prop.Tokens) == 0 {
			e.fail(out.id, errEmptyDraft)
			failures++
			continue
		}
		props[out.id] = out.prop
	}

	ids := make([]string, 0, len(props))
	for id := range props {
		ids = append(ids, id)
	}
	sort.Strings(ids)

	if len(ids) == 0 {
		e.record(round, active, plan, 0, 0, 0, failures, time.Since(start))
		return
	}

	e.mu.Lock()
	for _, id := range ids {
		if s, ok := e.seqs[id]; ok && s.state == StateDrafting {
			s.state = StateVerifying
		}
	}
	e.mu.Unlock()

	// Single batched verification for every drafted sequence.
	verifyReq := model.VerifyRequest{Sequences: make([]model.VerifySequence, 0, len(ids))}
	for _, id := range ids {
		verifyReq.Sequences = append(verifyReq.Sequences, model.VerifySequence{
			SequenceID: id,
			Context:    contexts[id],
			Candidates: props[id].Tokens,
		})
	}

	var verdicts model.VerifyBatch
	err := e.retry.do(ctx, func(c context.Context) error {
		b, err := e.collab.Verify(c, verifyReq)
		if err == nil {
			verdicts = b
		}
		return err
	})
	if err != nil {
		// Verification is batched, so its failure takes the whole round's
		// drafted set down with it.
		for _, id := range ids {
			e.fail(id, fmt.Errorf("verify: %w", err))
			failures++
		}
		e.record(round, active, plan, 0, 0, 0, failures, time.Since(start))
		return
	}

	proposed, accepted, emitted := e.applyVerdicts(ids, props, verdicts)
	e.record(round, active, plan, proposed, accepted, emitted, failures, time.Since(start))
}

// applyVerdicts runs the acceptance rule per sequence in sorted id order so
// the sampler consumes draws deterministically.
func (e *Engine) applyVerdicts(ids []string, props map[string]model.DraftProposal, verdicts model.VerifyBatch) (proposed, accepted, emitted int) {
	e.mu.Lock()
	defer e.mu.Unlock()

	for _, id := range ids {
		s, ok := e.seqs[id]
		if !ok || s.state != StateVerifying {
			continue
		}
		prop := props[id]
		res, ok := verdicts.Results[id]
		if !ok {
			e.failLocked(s, fmt.Errorf("verify reply missing sequence %s", id))
			continue
		}

		if prop.Entropy != nil {
			e.sig.ObserveEntropy(id, *prop.Entropy)
		}

		n := min(len(prop.Tokens), len(res.TargetProbs))
		kept := 0
		rejected := false
		malformed := false
		corrected := ""
		for i := 0; i < n; i++ {
			pD := prop.Tokens[i].Prob
			pT := res.TargetProbs[i]
			e.sig.Observe(id, pD, pT)
			if rejected {
				continue
			}
			ratio := 1.0
			if pD > 0 && pT < pD {
				ratio = pT / pD
			}
			if e.rng.Float64() < ratio {
				kept++
				continue
			}
			rejected = true
			if i < len(res.Resamples) && res.Resamples[i] != "" {
				corrected = res.Resamples[i]
			} else {
				// Rejection without a resample candidate leaves no
				// valid token to emit; the reply is malformed.
				malformed = true
			}
		}
		if malformed {
			e.failLocked(s, fmt.Errorf("verify reply for sequence %s missing resample at rejected position", id))
			continue
		}

		for i := 0; i < kept; i++ {
			s.tokens = append(s.tokens, prop.Tokens[i].Token)
		}
		out := kept
		if rejected {
			s.tokens = append(s.tokens, corrected)
			out++
		}

		s.rounds++
		e.adp.RecordOutcome(id, len(prop.Tokens), kept)
		proposed += len(prop.Tokens)
		accepted += kept
		emitted += out

		switch {
		case res.Done:
			e.completeLocked(s)
		case len(s.tokens) >= s.maxNew:
			e.completeLocked(s)
		default:
			s.state = StateAccepted
		}
	}
	return proposed, accepted, emitted
}

// #endregion round

// #region transitions

func (e *Engine) fail(seqID string, err error) {
	e.mu.Lock()
	defer e.mu.Unlock()
	if s, ok := e.seqs[seqID]; ok {
		e.failLocked(s, err)
	}
}

func (e *Engine) failLocked(s *sequence, err error) {
	s.state = StateFailed
	s.err = err
	s.finished = time.Now().UTC()
	e.teardownLocked(s.id)
	log.Printf("[ENGINE] fail seq=%s: %v", s.id, err)
}

func (e *Engine) completeLocked(s *sequence) {
	s.state = StateCompleted
	s.finished = time.Now().UTC()
	e.teardownLocked(s.id)
	log.Printf("[ENGINE] complete seq=%s tokens=%d rounds=%d", s.id, len(s.tokens), s.rounds)
}

// teardownLocked drops per-sequence signal and adaptation state.
func (e *Engine) teardownLocked(seqID string) {
	e.sig.Remove(seqID)
	e.adp.Remove(seqID)
}

// #endregion transitions

// #region record

func (e *Engine) record(round int, active []*sequence, plan batch.Plan,
	proposed, accepted, emitted, failures int, latency time.Duration) {
	if e.sink == nil {
		return
	}
	err := e.sink.RecordRound(metrics.RoundRecord{
		Round:          round,
		Sequences:      len(active),
		TokensProposed: proposed,
		TokensAccepted: accepted,
		TokensEmitted:  emitted,
		Cap:            plan.Cap,
		Degraded:       plan.Degraded,
		Failures:       failures,
		Latency:        latency,
		At:             time.Now().UTC(),
	})
	if err != nil {
		log.Printf("[ENGINE] metrics record failed: %v", err)
	}
}

// #endregion record
