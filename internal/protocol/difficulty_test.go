package protocol

import (
	"testing"
	"time"
)

func testDiffConfig() DifficultyConfig {
	return DifficultyConfig{
		InitialDifficulty: 1.0,
		MinDifficulty:     0.001,
		MaxDifficulty:     1_000_000,
		TargetShareTime:   10 * time.Second,
		RetargetTime:      90 * time.Second,
		VariancePercent:   30,
	}
}

func TestInitialDifficultyReflectsConfig(t *testing.T) {
	v := NewVarDiff(DifficultyConfig{InitialDifficulty: 4.0})
	if got := v.InitialDifficulty(); got != 4.0 {
		t.Fatalf("expected 4.0, got %v", got)
	}
}

func TestShouldRetargetHonorsInterval(t *testing.T) {
	v := NewVarDiff(testDiffConfig())
	state := NewWorkerDiffState(1.0)
	state.LastRetargetTime = time.Now()

	if v.ShouldRetarget(state) {
		t.Fatal("expected no retarget immediately after creation")
	}

	state.LastRetargetTime = time.Now().Add(-2 * time.Minute)
	if !v.ShouldRetarget(state) {
		t.Fatal("expected retarget once the interval has elapsed")
	}
}

func TestCalculateNewDifficultyIncreasesWhenSharesTooFast(t *testing.T) {
	v := NewVarDiff(testDiffConfig())
	state := NewWorkerDiffState(1.0)

	base := time.Now()
	for i := 0; i < 5; i++ {
		state.RecordShare(base.Add(time.Duration(i) * time.Second)) // ~1s/share, target is 10s
	}

	newDiff, changed := v.CalculateNewDifficulty(state)
	if !changed {
		t.Fatal("expected difficulty to change when shares arrive far faster than target")
	}
	if newDiff <= 1.0 {
		t.Fatalf("expected difficulty to increase, got %v", newDiff)
	}
}

func TestCalculateNewDifficultyDecreasesWhenSharesTooSlow(t *testing.T) {
	v := NewVarDiff(testDiffConfig())
	state := NewWorkerDiffState(1.0)

	base := time.Now()
	for i := 0; i < 5; i++ {
		state.RecordShare(base.Add(time.Duration(i) * 60 * time.Second)) // 60s/share, target is 10s
	}

	newDiff, changed := v.CalculateNewDifficulty(state)
	if !changed {
		t.Fatal("expected difficulty to change when shares arrive far slower than target")
	}
	if newDiff >= 1.0 {
		t.Fatalf("expected difficulty to decrease, got %v", newDiff)
	}
}

func TestCalculateNewDifficultyStaysWithinVarianceBand(t *testing.T) {
	v := NewVarDiff(testDiffConfig())
	state := NewWorkerDiffState(1.0)

	base := time.Now()
	for i := 0; i < 5; i++ {
		state.RecordShare(base.Add(time.Duration(i) * 11 * time.Second)) // close to the 10s target
	}

	_, changed := v.CalculateNewDifficulty(state)
	if changed {
		t.Fatal("expected no change when average share time is within the variance band")
	}
}

func TestCalculateNewDifficultyClampsToConfiguredBounds(t *testing.T) {
	cfg := testDiffConfig()
	cfg.MaxDifficulty = 2.0
	v := NewVarDiff(cfg)
	state := NewWorkerDiffState(1.0)

	base := time.Now()
	for i := 0; i < 5; i++ {
		state.RecordShare(base.Add(time.Duration(i) * 100 * time.Millisecond)) // extremely fast shares
	}

	newDiff, changed := v.CalculateNewDifficulty(state)
	if !changed {
		t.Fatal("expected a change")
	}
	if newDiff > cfg.MaxDifficulty {
		t.Fatalf("expected difficulty clamped to %v, got %v", cfg.MaxDifficulty, newDiff)
	}
}

func TestCalculateNewDifficultyNoChangeWithInsufficientSamples(t *testing.T) {
	v := NewVarDiff(testDiffConfig())
	state := NewWorkerDiffState(1.0)
	state.RecordShare(time.Now())

	newDiff, changed := v.CalculateNewDifficulty(state)
	if changed {
		t.Fatal("expected no change with fewer than 2 share samples")
	}
	if newDiff != 1.0 {
		t.Fatalf("expected difficulty to remain 1.0, got %v", newDiff)
	}
}

func TestDifficultyToTargetRoundTrip(t *testing.T) {
	target := DifficultyToTarget(1.0)
	if len(target) != 32 {
		t.Fatalf("expected 32-byte target, got %d", len(target))
	}
	got := TargetToDifficulty(target)
	if got < 0.999 || got > 1.001 {
		t.Fatalf("expected round-tripped difficulty ~1.0, got %v", got)
	}
}

func TestCompactToDifficultyMatchesGenesisBits(t *testing.T) {
	// 0x1d00ffff is Bitcoin's genesis difficulty-1 bits.
	diff := CompactToDifficulty(0x1d00ffff)
	if diff < 0.99 || diff > 1.01 {
		t.Fatalf("expected difficulty ~1.0 for genesis bits, got %v", diff)
	}
}

func TestGetAverageShareTimeWithFewerThanTwoSamples(t *testing.T) {
	state := NewWorkerDiffState(1.0)
	if got := state.GetAverageShareTime(); got != 0 {
		t.Fatalf("expected 0 average with no shares, got %v", got)
	}
	state.RecordShare(time.Now())
	if got := state.GetAverageShareTime(); got != 0 {
		t.Fatalf("expected 0 average with a single share, got %v", got)
	}
}
