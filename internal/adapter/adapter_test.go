package adapter

import (
	"testing"

	"github.com/chatbt/dsde/internal/signal"
)

func scoreOf(v float64) signal.Score {
	return signal.Score{Combined: v}
}

func TestColdStartUsesDefault(t *testing.T) {
	a := New(DefaultConfig())
	// Score is irrelevant on first call.
	sl := a.NextLength("seq-1", scoreOf(0.0), Context{})
	if sl != 4 {
		t.Fatalf("expected default SL 4 on cold start, got %d", sl)
	}
}

func TestInsufficientDataHolds(t *testing.T) {
	a := New(DefaultConfig())
	first := a.NextLength("seq-1", signal.Score{InsufficientData: true}, Context{})
	second := a.NextLength("seq-1", signal.Score{InsufficientData: true}, Context{})
	if first != 4 || second != 4 {
		t.Errorf("insufficient data should hold the default: got %d then %d", first, second)
	}
}

func TestHighStabilityNeverDecreasesAndCapsAtMax(t *testing.T) {
	// Three sequences, repeated high scores: SL must never decrease and
	// must settle at SLMax.
	a := New(DefaultConfig())
	scores := []float64{0.9, 0.85, 0.9}
	for _, id := range []string{"A", "B", "C"} {
		prev := a.NextLength(id, scoreOf(0.9), Context{}) // cold start: 4
		for round := 0; round < 20; round++ {
			sl := a.NextLength(id, scoreOf(scores[round%len(scores)]), Context{})
			if sl < prev {
				t.Fatalf("seq %s: SL decreased %d -> %d under high stability", id, prev, sl)
			}
			if sl > 8 {
				t.Fatalf("seq %s: SL %d exceeds SLMax 8", id, sl)
			}
			prev = sl
		}
		if prev != 8 {
			t.Errorf("seq %s: expected SL to settle at 8, got %d", id, prev)
		}
	}
}

func TestLowStabilityHalves(t *testing.T) {
	cfg := DefaultConfig()
	cfg.SmoothingFactor = 1 // isolate the raw policy
	a := New(cfg)

	a.NextLength("seq-1", scoreOf(0.5), Context{}) // cold start: 4
	sl := a.NextLength("seq-1", scoreOf(0.1), Context{})
	if sl != 2 {
		t.Fatalf("expected 4 to halve to 2, got %d", sl)
	}
	sl = a.NextLength("seq-1", scoreOf(0.1), Context{})
	if sl != 1 {
		t.Fatalf("expected 2 to halve to 1, got %d", sl)
	}
	// Floored at SLMin.
	sl = a.NextLength("seq-1", scoreOf(0.1), Context{})
	if sl != 1 {
		t.Fatalf("expected floor at SLMin 1, got %d", sl)
	}
}

func TestMidBandHolds(t *testing.T) {
	cfg := DefaultConfig()
	cfg.SmoothingFactor = 1
	a := New(cfg)

	a.NextLength("seq-1", scoreOf(0.5), Context{})
	for i := 0; i < 5; i++ {
		if sl := a.NextLength("seq-1", scoreOf(0.5), Context{}); sl != 4 {
			t.Fatalf("mid-band score should hold SL 4, got %d", sl)
		}
	}
}

func TestBoundsAlwaysRespected(t *testing.T) {
	a := New(DefaultConfig())
	scores := []float64{0.0, 1.0, 0.2, 0.9, 0.5, 0.05, 0.95}
	for i := 0; i < 60; i++ {
		sl := a.NextLength("seq-1", scoreOf(scores[i%len(scores)]), Context{})
		if sl < 1 || sl > 8 {
			t.Fatalf("round %d: SL %d outside [1, 8]", i, sl)
		}
	}
}

func TestTaskMultiplierRaisesCeiling(t *testing.T) {
	cfg := DefaultConfig()
	cfg.SmoothingFactor = 1
	cfg.TaskMultipliers = map[string]float64{"code": 1.5, "creative": 0.5}
	a := New(cfg)

	ctx := Context{TaskType: "code"}
	sl := a.NextLength("seq-1", scoreOf(0.9), ctx)
	for i := 0; i < 20; i++ {
		sl = a.NextLength("seq-1", scoreOf(0.9), ctx)
	}
	if sl != 12 {
		t.Errorf("code ceiling should be 8*1.5=12, got %d", sl)
	}
}

func TestTaskMultiplierLowersCeiling(t *testing.T) {
	cfg := DefaultConfig()
	cfg.SmoothingFactor = 1
	cfg.TaskMultipliers = map[string]float64{"creative": 0.5}
	a := New(cfg)

	ctx := Context{TaskType: "creative"}
	sl := a.NextLength("seq-1", scoreOf(0.9), ctx)
	if sl != 4 {
		t.Fatalf("cold start above ceiling should clamp to 4, got %d", sl)
	}
	for i := 0; i < 20; i++ {
		sl = a.NextLength("seq-1", scoreOf(0.9), ctx)
	}
	if sl != 4 {
		t.Errorf("creative ceiling should be 8*0.5=4, got %d", sl)
	}
}

func TestUnknownTaskTypeUsesUnitMultiplier(t *testing.T) {
	cfg := DefaultConfig()
	cfg.SmoothingFactor = 1
	a := New(cfg)
	sl := a.NextLength("seq-1", scoreOf(0.9), Context{TaskType: "mystery"})
	for i := 0; i < 20; i++ {
		sl = a.NextLength("seq-1", scoreOf(0.9), Context{TaskType: "mystery"})
	}
	if sl != 8 {
		t.Errorf("unknown task type should cap at SLMax 8, got %d", sl)
	}
}

func TestNoCrossSequenceCoupling(t *testing.T) {
	cfg := DefaultConfig()
	cfg.SmoothingFactor = 1
	a := New(cfg)

	a.NextLength("up", scoreOf(0.5), Context{})
	a.NextLength("down", scoreOf(0.5), Context{})

	up := a.NextLength("up", scoreOf(0.9), Context{})
	down := a.NextLength("down", scoreOf(0.1), Context{})
	if up != 5 || down != 2 {
		t.Errorf("sequences should adapt independently: up=%d down=%d", up, down)
	}
}

func TestRecordOutcomeAndStats(t *testing.T) {
	a := New(DefaultConfig())
	a.NextLength("seq-1", scoreOf(0.5), Context{})
	a.RecordOutcome("seq-1", 4, 3)
	a.RecordOutcome("seq-1", 4, 4)

	s := a.Stats("seq-1")
	if s.Rounds != 2 || s.TokensProposed != 8 || s.TokensAccepted != 7 {
		t.Errorf("unexpected stats: %+v", s)
	}
	if s.AcceptanceRate < 0.87 || s.AcceptanceRate > 0.88 {
		t.Errorf("expected acceptance rate 7/8, got %g", s.AcceptanceRate)
	}
}

func TestRemoveTearsDownState(t *testing.T) {
	a := New(DefaultConfig())
	a.NextLength("seq-1", scoreOf(0.5), Context{})
	if a.Tracked() != 1 {
		t.Fatalf("expected 1 tracked, got %d", a.Tracked())
	}
	a.Remove("seq-1")
	if a.Tracked() != 0 {
		t.Fatalf("expected 0 tracked, got %d", a.Tracked())
	}
	// Re-admission is a fresh cold start.
	if sl := a.NextLength("seq-1", scoreOf(0.9), Context{}); sl != 4 {
		t.Errorf("re-admitted sequence should cold start at 4, got %d", sl)
	}
}
