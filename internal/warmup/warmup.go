// Package warmup implements the per-target success-streak gate that
// suppresses premature down verdicts right after a probe starts.
package warmup

import "sync"

// DefaultRequiredStreak is the number of consecutive Up cycles a target must
// accumulate before its negative signal is treated as warmed up.
const DefaultRequiredStreak = 3

// Gate tracks, per target, the current consecutive-success streak for one
// probe. It is advisory only: the scheduler uses it to annotate logs and
// gate the reactive write path, never the observational path feeding the
// consensus detector.
type Gate struct {
	mu             sync.Mutex
	requiredStreak int
	streaks        map[int64]int
}

// NewGate builds a Gate requiring requiredStreak consecutive Up cycles.
func NewGate(requiredStreak int) *Gate {
	if requiredStreak < 1 {
		requiredStreak = DefaultRequiredStreak
	}
	return &Gate{
		requiredStreak: requiredStreak,
		streaks:        make(map[int64]int),
	}
}

// Update records one cycle's success/failure for targetID and returns
// whether the target is now warmed up (streak >= requiredStreak).
func (g *Gate) Update(targetID int64, isSuccess bool) bool {
	g.mu.Lock()
	defer g.mu.Unlock()

	if isSuccess {
		g.streaks[targetID]++
	} else {
		g.streaks[targetID] = 0
	}
	return g.streaks[targetID] >= g.requiredStreak
}

// Streak returns the current streak for targetID without mutating it.
func (g *Gate) Streak(targetID int64) int {
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.streaks[targetID]
}
