package virtual

import (
	"log/slog"

	canhack "github.com/samsamfire/gocanhack"
	"github.com/samsamfire/gocanhack/internal/fifo"
)

// Virtual CAN wire, primarily used for testing the bit engine without a
// transceiver. Simulated time advances by one cycle on every Now call, which
// the engine polls continuously, so the engine's own busy loop drives the
// simulation. Remote traffic is scheduled ahead of time as bursts of bit
// levels and combined with the engine TX pin by wired-AND.

type burst struct {
	start   uint64
	bitTime uint64
	bits    []uint8
}

// Transition is a recorded TX pin level change, timestamped in absolute
// simulation cycles.
type Transition struct {
	Abs   uint64
	Level uint8
}

type Wire struct {
	logger *slog.Logger

	abs   uint64 // Absolute simulation time, never reset
	epoch uint64 // Subtracted from abs to form the port clock

	txLevel uint8
	bursts  []burst

	driven      []uint8
	transitions []Transition
	debug       []uint8

	capture      *fifo.Fifo
	captureEvery uint64
	capturePhase uint64
}

func NewWire(logger *slog.Logger) *Wire {
	if logger == nil {
		logger = slog.Default()
	}
	return &Wire{
		logger:  logger.With("service", "[VIRTUAL]"),
		txLevel: canhack.Recessive,
	}
}

// ScheduleBurst arranges for bits to appear on the wire starting at absolute
// cycle start, each level held for bitTime cycles. Overlapping bursts and the
// TX pin combine by wired-AND, dominant wins.
func (w *Wire) ScheduleBurst(start uint64, bitTime uint64, bits []uint8) {
	w.bursts = append(w.bursts, burst{start: start, bitTime: bitTime, bits: bits})
}

// CaptureInto samples the wire level into f once every every cycles, at
// cycles where abs % every == phase.
func (w *Wire) CaptureInto(f *fifo.Fifo, every uint64, phase uint64) {
	w.capture = f
	w.captureEvery = every
	w.capturePhase = phase % every
}

func (w *Wire) level() uint8 {
	lvl := w.txLevel
	for _, b := range w.bursts {
		if w.abs >= b.start && w.abs < b.start+uint64(len(b.bits))*b.bitTime {
			lvl &= b.bits[(w.abs-b.start)/b.bitTime]
		}
	}
	return lvl
}

// Abs returns the absolute simulation time in cycles.
func (w *Wire) Abs() uint64 {
	return w.abs
}

// Driven returns every level the engine wrote to the TX pin, in order. Plain
// transmission writes once per bit, so for it this is the transmitted bit
// sequence followed by the final release. Janus writes three levels per bit.
func (w *Wire) Driven() []uint8 {
	return w.driven
}

// Transitions returns the timestamped TX level changes.
func (w *Wire) Transitions() []Transition {
	return w.transitions
}

// Debug returns the levels written to the debug pin.
func (w *Wire) Debug() []uint8 {
	return w.debug
}

func (w *Wire) Now() canhack.Ctr {
	w.abs++
	if w.capture != nil && w.abs%w.captureEvery == w.capturePhase {
		w.capture.Push(w.level())
	}
	return canhack.Ctr(w.abs - w.epoch)
}

func (w *Wire) ResetClock(offset canhack.Ctr) {
	w.epoch = w.abs - uint64(offset)
}

func (w *Wire) SetTx(bit uint8) {
	if bit != w.txLevel {
		w.transitions = append(w.transitions, Transition{Abs: w.abs, Level: bit})
	}
	w.driven = append(w.driven, bit)
	w.txLevel = bit
}

func (w *Wire) SetTxDominant() {
	w.SetTx(canhack.Dominant)
}

func (w *Wire) SetTxRecessive() {
	w.SetTx(canhack.Recessive)
}

func (w *Wire) GetRx() uint8 {
	return w.level()
}

func (w *Wire) SetDebug(bit uint8) {
	w.debug = append(w.debug, bit)
}

// Timings returns a cycle set suited to the simulation, arbitration bits of
// 64 cycles sampled at 75%, data phase bits of 16 cycles.
func Timings() canhack.Timings {
	return canhack.Timings{
		BitTime:                64,
		BitTimeFd:              16,
		SamplePointOffset:      48,
		SamplePointOffsetFd:    12,
		SampleToBitEnd:         16,
		SampleToBitEndFd:       4,
		FallingEdgeRecalibrate: 2,
	}
}
