package frame

import (
	canhack "github.com/samsamfire/gocanhack"
	"github.com/samsamfire/gocanhack/internal/crc"
)

// Decoded is the result of parsing a captured bitstream back into a frame.
type Decoded struct {
	IDA  uint32
	IDB  uint32
	Rtr  bool
	Ide  bool
	Fd   bool
	Brs  bool
	Esi  bool
	Dlc  uint32
	Data []byte
}

type rawKind uint8

const (
	rawData rawKind = iota
	rawDynStuff
	rawFixedStuff
)

type rawBit struct {
	bit  uint8
	kind rawKind
}

// bitReader consumes a sampled bitstream, tracking the same run counters the
// encoder keeps so that dynamic stuff bits are skipped at exactly the
// positions the encoder inserted them.
type bitReader struct {
	bits     []uint8
	pos      int
	stuffing bool
	dom      uint8
	rec      uint8
	raw      []rawBit
}

func (r *bitReader) take() (uint8, error) {
	if r.pos >= len(r.bits) {
		return 0, canhack.ErrFrameFormat
	}
	b := r.bits[r.pos]
	r.pos++
	return b, nil
}

// next reads one logical bit, consuming and checking a trailing dynamic
// stuff bit when the run counters call for one.
func (r *bitReader) next() (uint8, error) {
	b, err := r.take()
	if err != nil {
		return 0, err
	}
	r.raw = append(r.raw, rawBit{bit: b, kind: rawData})
	if b != 0 {
		r.rec++
		r.dom = 0
	} else {
		r.dom++
		r.rec = 0
	}
	if !r.stuffing {
		return b, nil
	}
	if r.dom >= 5 {
		s, err := r.take()
		if err != nil {
			return 0, err
		}
		if s != 1 {
			return 0, canhack.ErrStuffBit
		}
		r.raw = append(r.raw, rawBit{bit: s, kind: rawDynStuff})
		r.dom = 0
		r.rec = 1
	}
	if r.rec >= 5 {
		s, err := r.take()
		if err != nil {
			return 0, err
		}
		if s != 0 {
			return 0, canhack.ErrStuffBit
		}
		r.raw = append(r.raw, rawBit{bit: s, kind: rawDynStuff})
		r.dom = 1
		r.rec = 0
	}
	return b, nil
}

// fixedStuff reads an FD fixed stuff bit, which must hold the expected
// value. Fixed stuff bits leave the run counters alone.
func (r *bitReader) fixedStuff(expect uint8) error {
	b, err := r.take()
	if err != nil {
		return err
	}
	if b != expect {
		return canhack.ErrStuffBit
	}
	r.raw = append(r.raw, rawBit{bit: b, kind: rawFixedStuff})
	return nil
}

func (r *bitReader) field(n int) (uint32, error) {
	v := uint32(0)
	for i := 0; i < n; i++ {
		b, err := r.next()
		if err != nil {
			return 0, err
		}
		v = (v << 1) | uint32(b)
	}
	return v, nil
}

func (r *bitReader) dynStuffCount() uint8 {
	n := uint8(0)
	for _, rb := range r.raw {
		if rb.kind == rawDynStuff {
			n++
		}
	}
	return n
}

// Decode parses a sampled bitstream back into a frame. Leading recessive
// idle bits are skipped, the first dominant bit is taken as SOF. The CRC,
// stuff bits, FD stuff count and parity are all checked, a mismatch returns
// ErrCRC, ErrStuffBit or ErrFrameFormat.
func Decode(bits []uint8) (*Decoded, error) {
	start := 0
	for start < len(bits) && bits[start] != 0 {
		start++
	}
	if start == len(bits) {
		return nil, canhack.ErrFrameFormat
	}
	r := &bitReader{bits: bits[start:], stuffing: true}
	d := &Decoded{}

	// SOF
	if _, err := r.next(); err != nil {
		return nil, err
	}

	idA, err := r.field(11)
	if err != nil {
		return nil, err
	}
	d.IDA = idA

	srrRtr, err := r.next()
	if err != nil {
		return nil, err
	}
	ideBit, err := r.next()
	if err != nil {
		return nil, err
	}
	d.Ide = ideBit != 0

	extRtr := uint8(0)
	if d.Ide {
		idB, err := r.field(18)
		if err != nil {
			return nil, err
		}
		d.IDB = idB
		extRtr, err = r.next()
		if err != nil {
			return nil, err
		}
	}

	// Next bit is FDF for FD frames, r1 for extended CAN 2.0 frames and r0
	// for basic CAN 2.0 frames
	x, err := r.next()
	if err != nil {
		return nil, err
	}
	if x != 0 {
		d.Fd = true
		res, err := r.next()
		if err != nil {
			return nil, err
		}
		if res != 0 {
			return nil, canhack.ErrFrameFormat
		}
		brs, err := r.next()
		if err != nil {
			return nil, err
		}
		d.Brs = brs != 0
		esi, err := r.next()
		if err != nil {
			return nil, err
		}
		d.Esi = esi == 0
	} else if d.Ide {
		// x was r1, consume r0
		r0, err := r.next()
		if err != nil {
			return nil, err
		}
		if r0 != 0 {
			return nil, canhack.ErrFrameFormat
		}
	}

	if !d.Fd {
		if d.Ide {
			d.Rtr = extRtr != 0
		} else {
			d.Rtr = srrRtr != 0
		}
	}

	dlc, err := r.field(4)
	if err != nil {
		return nil, err
	}
	d.Dlc = dlc

	length := PayloadLen(dlc, d.Rtr, d.Fd)
	d.Data = make([]byte, length)
	for i := 0; i < length; i++ {
		b := byte(0)
		for j := 0; j < 8; j++ {
			if d.Fd && i == length-1 && j == 7 {
				r.stuffing = false
			}
			bit, err := r.next()
			if err != nil {
				return nil, err
			}
			b = (b << 1) | bit
		}
		d.Data[i] = b
	}

	if !d.Fd {
		crcEnd := len(r.raw)
		crcField, err := r.field(15)
		if err != nil {
			return nil, err
		}
		reg := crc.NewCRC15()
		for _, rb := range r.raw[:crcEnd] {
			if rb.kind == rawData {
				reg.Step(rb.bit)
			}
		}
		if reg.Value() != crcField {
			return nil, canhack.ErrCRC
		}
	} else {
		// First fixed stuff bit, complement of the last bit on the wire
		if err := r.fixedStuff(r.raw[len(r.raw)-1].bit ^ 1); err != nil {
			return nil, err
		}
		dynStuffs := r.dynStuffCount()

		gc, err := r.field(3)
		if err != nil {
			return nil, err
		}
		parity, err := r.next()
		if err != nil {
			return nil, err
		}
		crcEnd := len(r.raw)

		stc := uint8(8)
		for i, g := range grayCode {
			if uint32(g) == gc {
				stc = uint8(i)
			}
		}
		if stc != dynStuffs%8 || parity != dynStuffs&1 {
			return nil, canhack.ErrFrameFormat
		}

		// Second fixed stuff bit, complement of the parity bit
		if err := r.fixedStuff(parity ^ 1); err != nil {
			return nil, err
		}

		var reg *crc.Register
		if dlc > 10 {
			reg = crc.NewCRC21()
		} else {
			reg = crc.NewCRC17()
		}
		crcField := uint32(0)
		for i := 0; i < reg.Width(); i++ {
			bit, err := r.next()
			if err != nil {
				return nil, err
			}
			crcField = (crcField << 1) | uint32(bit)
			if (i+1)%4 == 0 {
				if err := r.fixedStuff(bit ^ 1); err != nil {
					return nil, err
				}
			}
		}
		for _, rb := range r.raw[:crcEnd] {
			if rb.kind != rawFixedStuff {
				reg.Step(rb.bit)
			}
		}
		if reg.Value() != crcField {
			return nil, canhack.ErrCRC
		}
	}

	r.stuffing = false

	// CRC delimiter, ACK slot, ACK delimiter
	delim, err := r.next()
	if err != nil {
		return nil, err
	}
	if delim != 1 {
		return nil, canhack.ErrFrameFormat
	}
	if _, err := r.next(); err != nil {
		return nil, err
	}
	ackDelim, err := r.next()
	if err != nil {
		return nil, err
	}
	if ackDelim != 1 {
		return nil, canhack.ErrFrameFormat
	}

	// EOF
	for i := 0; i < 7; i++ {
		b, err := r.next()
		if err != nil {
			return nil, err
		}
		if b != 1 {
			return nil, canhack.ErrFrameFormat
		}
	}
	return d, nil
}
