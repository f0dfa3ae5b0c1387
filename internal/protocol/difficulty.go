// Package protocol implements the Stratum v1 message types and the
// VarDiff controller that adjusts per-worker difficulty.
package protocol

import (
	"math"
	"math/big"
	"sync"
	"time"

	"github.com/darwinx/stratumd/pkg/codec"
)

// DifficultyConfig holds VarDiff configuration.
type DifficultyConfig struct {
	InitialDifficulty float64
	MinDifficulty     float64
	MaxDifficulty     float64
	TargetShareTime   time.Duration
	RetargetTime      time.Duration
	VariancePercent   float64
}

// VarDiff implements a retarget-interval variable-difficulty controller:
// it samples the average time between a worker's recent shares and, once
// per RetargetTime, nudges difficulty toward TargetShareTime if the
// average has drifted outside the configured variance band.
type VarDiff struct {
	config DifficultyConfig
	mu     sync.RWMutex
}

// WorkerDiffState tracks difficulty state for a single worker.
type WorkerDiffState struct {
	CurrentDifficulty float64
	ShareTimes        []time.Time
	LastRetargetTime  time.Time
	TotalShares       int64
	mu                sync.Mutex
}

// NewVarDiff creates a new VarDiff calculator.
func NewVarDiff(cfg DifficultyConfig) *VarDiff {
	return &VarDiff{config: cfg}
}

// InitialDifficulty returns the configured starting difficulty for newly
// connected workers.
func (v *VarDiff) InitialDifficulty() float64 {
	return v.config.InitialDifficulty
}

// NewWorkerDiffState creates a new difficulty state for a worker.
func NewWorkerDiffState(initialDiff float64) *WorkerDiffState {
	return &WorkerDiffState{
		CurrentDifficulty: initialDiff,
		ShareTimes:        make([]time.Time, 0, 100),
		LastRetargetTime:  time.Now(),
	}
}

// RecordShare records a share submission time.
func (w *WorkerDiffState) RecordShare(t time.Time) {
	w.mu.Lock()
	defer w.mu.Unlock()

	w.ShareTimes = append(w.ShareTimes, t)
	w.TotalShares++

	if len(w.ShareTimes) > 100 {
		w.ShareTimes = w.ShareTimes[len(w.ShareTimes)-100:]
	}
}

// GetAverageShareTime calculates the average time between shares.
func (w *WorkerDiffState) GetAverageShareTime() time.Duration {
	w.mu.Lock()
	defer w.mu.Unlock()

	if len(w.ShareTimes) < 2 {
		return 0
	}

	totalTime := w.ShareTimes[len(w.ShareTimes)-1].Sub(w.ShareTimes[0])
	count := len(w.ShareTimes) - 1
	return totalTime / time.Duration(count)
}

// ShouldRetarget checks if it's time to recalculate difficulty.
func (v *VarDiff) ShouldRetarget(state *WorkerDiffState) bool {
	state.mu.Lock()
	defer state.mu.Unlock()
	return time.Since(state.LastRetargetTime) >= v.config.RetargetTime
}

// CalculateNewDifficulty computes the new difficulty for a worker,
// returning (difficulty, changed).
func (v *VarDiff) CalculateNewDifficulty(state *WorkerDiffState) (float64, bool) {
	state.mu.Lock()
	defer state.mu.Unlock()

	if len(state.ShareTimes) < 2 {
		return state.CurrentDifficulty, false
	}

	totalTime := state.ShareTimes[len(state.ShareTimes)-1].Sub(state.ShareTimes[0])
	count := len(state.ShareTimes) - 1
	avgShareTime := totalTime / time.Duration(count)

	targetTime := v.config.TargetShareTime
	variance := v.config.VariancePercent / 100.0

	lowerBound := time.Duration(float64(targetTime) * (1 - variance))
	upperBound := time.Duration(float64(targetTime) * (1 + variance))

	if avgShareTime >= lowerBound && avgShareTime <= upperBound {
		return state.CurrentDifficulty, false
	}

	ratio := float64(targetTime) / float64(avgShareTime)
	newDiff := state.CurrentDifficulty * ratio

	maxIncrease := state.CurrentDifficulty * 4
	maxDecrease := state.CurrentDifficulty / 4
	if newDiff > maxIncrease {
		newDiff = maxIncrease
	} else if newDiff < maxDecrease {
		newDiff = maxDecrease
	}

	if newDiff < v.config.MinDifficulty {
		newDiff = v.config.MinDifficulty
	} else if newDiff > v.config.MaxDifficulty {
		newDiff = v.config.MaxDifficulty
	}

	if math.Abs(newDiff-state.CurrentDifficulty)/state.CurrentDifficulty < 0.05 {
		return state.CurrentDifficulty, false
	}

	state.CurrentDifficulty = newDiff
	state.LastRetargetTime = time.Now()
	state.ShareTimes = state.ShareTimes[:0]

	return newDiff, true
}

// DifficultyToTarget converts a pool difficulty to its 32-byte target in
// internal (little-endian) byte order, computed exactly via pkg/codec's
// big.Int arithmetic rather than a float approximation.
func DifficultyToTarget(difficulty float64) []byte {
	return bigIntToLE32(codec.TargetFromDifficulty(difficulty))
}

// TargetToDifficulty is the inverse of DifficultyToTarget.
func TargetToDifficulty(target []byte) float64 {
	return codec.DifficultyFromTarget(le32ToBigInt(target))
}

// CompactToDifficulty converts compact "nbits" bits directly to a pool
// difficulty value.
func CompactToDifficulty(bits uint32) float64 {
	return codec.DifficultyFromTarget(codec.TargetFromNBits(bits))
}

// ShareDifficulty reports the pool difficulty a raw double-SHA-256 share
// hash satisfies, using the exact little-endian interpretation pkg/codec
// defines rather than a leading-zero-byte approximation.
func ShareDifficulty(hash []byte) float64 {
	return codec.DifficultyFromTarget(codec.HashToBig(hash))
}

// bigIntToLE32 packs a big.Int into a 32-byte little-endian buffer.
func bigIntToLE32(v *big.Int) []byte {
	be := v.Bytes()
	buf := make([]byte, 32)
	copy(buf[32-len(be):], be)
	return codec.ReverseBytes(buf)
}

// le32ToBigInt reads a 32-byte little-endian buffer as a big.Int.
func le32ToBigInt(target []byte) *big.Int {
	return new(big.Int).SetBytes(codec.ReverseBytes(target))
}
