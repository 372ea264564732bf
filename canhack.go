package canhack

// Package canhack contains the shared contracts of the CAN hacking stack :
// the platform port that gives access to a cycle counter and the raw TX/RX
// pins, the timing constants that drive the bit engine, and the common error
// codes. The frame encoder lives in pkg/frame, the bit engine and the attack
// primitives in pkg/engine.

// Ctr is a value of the free-running cycle counter. It wraps, all comparisons
// must go through Reached.
type Ctr uint32

// CAN wired-AND levels. A dominant level on the wire reads as logical 0
const (
	Dominant  uint8 = 0
	Recessive uint8 = 1
)

// Reached returns true if now is at or past deadline, taking counter wrap
// into account (signed difference test)
func Reached(now Ctr, deadline Ctr) bool {
	return int32(now-deadline) >= 0
}

// Advance moves a deadline forward by inc cycles
func Advance(t Ctr, inc Ctr) Ctr {
	return t + inc
}
