package engine

import "time"

// #region state

// State is a sequence's lifecycle position. Transitions happen only at round
// boundaries.
type State int

const (
	StatePending State = iota
	// StateDrafting through StateAccepted are the in-round phases; a live
	// sequence cycles Drafting -> Verifying -> Accepted -> Drafting until
	// it reaches a terminal state.
	StateDrafting
	StateVerifying
	StateAccepted
	StateCompleted
	StateFailed
	StateCancelled
)

func (s State) String() string {
	switch s {
	case StatePending:
		return "pending"
	case StateDrafting:
		return "drafting"
	case StateVerifying:
		return "verifying"
	case StateAccepted:
		return "accepted"
	case StateCompleted:
		return "completed"
	case StateFailed:
		return "failed"
	case StateCancelled:
		return "cancelled"
	default:
		return "unknown"
	}
}

// Terminal reports whether the state admits no further transitions.
func (s State) Terminal() bool {
	return s == StateCompleted || s == StateFailed || s == StateCancelled
}

// #endregion state

// #region request

// Request admits one sequence into the engine.
type Request struct {
	// ID identifies the sequence; left empty, the engine assigns one.
	ID string
	// Prompt is the initial token context.
	Prompt []string
	// TaskType selects the speculation ceiling multiplier.
	TaskType string
	// MaxNewTokens overrides the engine-wide limit when positive.
	MaxNewTokens int
}

// Result is a sequence's observable outcome.
type Result struct {
	ID     string
	State  State
	Tokens []string
	Rounds int
	Err    error
}

// #endregion request

// #region sequence

// sequence is the engine's private per-sequence record. Mutated only by the
// round loop under the engine mutex.
type sequence struct {
	id       string
	taskType string
	prompt   []string
	tokens   []string // emitted tokens, accepted prefix plus corrections
	state    State
	err      error
	rounds   int
	maxNew   int
	cancel   bool // cancellation requested, honored at the next boundary
	admitted time.Time
	finished time.Time
}

func (s *sequence) context() []string {
	ctx := make([]string, 0, len(s.prompt)+len(s.tokens))
	ctx = append(ctx, s.prompt...)
	return append(ctx, s.tokens...)
}

func (s *sequence) result() Result {
	out := make([]string, len(s.tokens))
	copy(out, s.tokens)
	return Result{
		ID:     s.id,
		State:  s.state,
		Tokens: out,
		Rounds: s.rounds,
		Err:    s.err,
	}
}

// #endregion sequence
