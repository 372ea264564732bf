package canhack

// Timings groups the cycle counts that drive the bit engine. All values are in
// cycles of the platform counter. SampleToBitEnd must equal
// BitTime - SamplePointOffset (same for the FD pair), the sample point is
// normally placed at 75% to 87.5% of the bit.
type Timings struct {
	BitTime                Ctr // Arbitration phase cycles per bit
	BitTimeFd              Ctr // Data phase cycles per bit when BRS is active
	SamplePointOffset      Ctr
	SamplePointOffsetFd    Ctr
	SampleToBitEnd         Ctr
	SampleToBitEndFd       Ctr
	FallingEdgeRecalibrate Ctr // Clock value loaded on a falling edge during bus observation
}

// Port is the platform contract : a free running cycle counter and the two
// (optionally three) GPIOs wired to the CAN transceiver. All operations are
// non blocking with deterministic latency, the bit engine busy-loops on them
// with interrupts masked.
type Port interface {
	// Now returns the current cycle counter, free running, wraps modulo 2^32
	Now() Ctr
	// ResetClock resets the counter so that the current instant equals offset
	ResetClock(offset Ctr)
	// SetTx drives the TX pin, 0 dominant, 1 recessive
	SetTx(bit uint8)
	SetTxDominant()
	SetTxRecessive()
	// GetRx reads the RX pin, 0 dominant, 1 recessive
	GetRx() uint8
	// SetDebug drives the debug pin, used by the loopback mode
	SetDebug(bit uint8)
}
