package system

import "sync/atomic"

// Spindle override limits and increments, in percent.
const (
	OverrideDefault    = 100
	OverrideMin        = 10
	OverrideMax        = 200
	OverrideCoarseStep = 10
	OverrideFineStep   = 1
)

// State holds the machine-wide flags the spindle controller consults:
// the abort flag, check (dry-run) mode and the spindle speed override.
// Every field is a single atomic word, so readers on other goroutines
// may see a stale value but never a torn one.
type State struct {
	abort     atomic.Bool
	checkMode atomic.Bool
	override  atomic.Int32
}

// New returns a State with the override at 100%.
func New() *State {
	s := &State{}
	s.override.Store(OverrideDefault)
	return s
}

// Abort raises the abort flag. All outgoing spindle changes are blocked
// until ClearAbort.
func (s *State) Abort() { s.abort.Store(true) }

// ClearAbort lowers the abort flag, typically after a reset.
func (s *State) ClearAbort() { s.abort.Store(false) }

// Aborted reports whether the abort flag is set.
func (s *State) Aborted() bool { return s.abort.Load() }

// SetCheckMode enables or disables dry-run mode.
func (s *State) SetCheckMode(on bool) { s.checkMode.Store(on) }

// CheckMode reports whether dry-run mode is active.
func (s *State) CheckMode() bool { return s.checkMode.Load() }

// SpindleOverride returns the spindle speed override in percent.
func (s *State) SpindleOverride() int { return int(s.override.Load()) }

// SetSpindleOverride sets the override, clamped to [OverrideMin, OverrideMax].
// It returns the value actually stored.
func (s *State) SetSpindleOverride(pct int) int {
	pct = clampOverride(pct)
	s.override.Store(int32(pct))
	return pct
}

// AdjustSpindleOverride adds delta to the current override and clamps it.
func (s *State) AdjustSpindleOverride(delta int) int {
	for {
		old := s.override.Load()
		next := int32(clampOverride(int(old) + delta))
		if s.override.CompareAndSwap(old, next) {
			return int(next)
		}
	}
}

// ResetSpindleOverride restores 100%.
func (s *State) ResetSpindleOverride() {
	s.override.Store(OverrideDefault)
}

func clampOverride(pct int) int {
	switch {
	case pct < OverrideMin:
		return OverrideMin
	case pct > OverrideMax:
		return OverrideMax
	}
	return pct
}
