package rpc

import "fmt"

// Strategy is one combination of wire-format quirks a device stack might
// expect (spec §4.3): {UUID as-stored | field-swapped} x {NDR absent |
// present} x {full slots | DAP-only}. Eight entries total; this is the
// sole fallback mechanism, no other combinations are tried.
type Strategy struct {
	SwapUUIDs bool
	UseNDR    bool
	DAPOnly   bool
}

// Strategies is the fixed, ordered list of the eight combinations. Index
// order is stable across runs so a remembered last_success_index keeps
// meaning after a restart.
var Strategies = [8]Strategy{
	{SwapUUIDs: false, UseNDR: false, DAPOnly: false},
	{SwapUUIDs: true, UseNDR: false, DAPOnly: false},
	{SwapUUIDs: false, UseNDR: true, DAPOnly: false},
	{SwapUUIDs: true, UseNDR: true, DAPOnly: false},
	{SwapUUIDs: false, UseNDR: false, DAPOnly: true},
	{SwapUUIDs: true, UseNDR: false, DAPOnly: true},
	{SwapUUIDs: false, UseNDR: true, DAPOnly: true},
	{SwapUUIDs: true, UseNDR: true, DAPOnly: true},
}

func (s Strategy) String() string {
	uuidForm := "as-stored"
	if s.SwapUUIDs {
		uuidForm = "field-swapped"
	}
	ndrForm := "absent"
	if s.UseNDR {
		ndrForm = "present"
	}
	slots := "full"
	if s.DAPOnly {
		slots = "dap-only"
	}
	return fmt.Sprintf("uuid=%s ndr=%s slots=%s", uuidForm, ndrForm, slots)
}

// StrategyState tracks wire-format strategy progress across Connect
// attempts and reconnections (spec §4.3, §8 scenario S2).
type StrategyState struct {
	LastSuccessIndex int
	CurrentIndex     int
	TotalAttempts    int
	CycleCount       int
}

// NewStrategyState starts at index 0 with no remembered success.
func NewStrategyState() *StrategyState {
	return &StrategyState{LastSuccessIndex: -1, CurrentIndex: 0}
}

// Current returns the strategy this state currently points at.
func (s *StrategyState) Current() Strategy {
	return Strategies[s.CurrentIndex]
}

// Advance moves to the next strategy in the fixed cycle, wrapping around
// and counting a full cycle when it does.
func (s *StrategyState) Advance() {
	s.TotalAttempts++
	s.CurrentIndex++
	if s.CurrentIndex >= len(Strategies) {
		s.CurrentIndex = 0
		s.CycleCount++
	}
}

// RecordSuccess remembers the current index as the one to try first on
// the next Connect attempt (spec §4.3, §8 scenario S2).
func (s *StrategyState) RecordSuccess() {
	s.LastSuccessIndex = s.CurrentIndex
}

// ResetToLastSuccess restarts the cycle at the last known-good strategy,
// or index 0 if none has ever succeeded (spec §4.3: "the index is
// remembered so the next reconnection starts with the known-good format").
func (s *StrategyState) ResetToLastSuccess() {
	s.TotalAttempts = 0
	if s.LastSuccessIndex >= 0 {
		s.CurrentIndex = s.LastSuccessIndex
		return
	}
	s.CurrentIndex = 0
}

// Describe renders the state for diagnostics/logging.
func (s *StrategyState) Describe() string {
	last := "none"
	if s.LastSuccessIndex >= 0 {
		last = fmt.Sprintf("%d (%s)", s.LastSuccessIndex, Strategies[s.LastSuccessIndex])
	}
	return fmt.Sprintf("current=%d (%s) last_success=%s attempts=%d cycles=%d",
		s.CurrentIndex, s.Current(), last, s.TotalAttempts, s.CycleCount)
}
