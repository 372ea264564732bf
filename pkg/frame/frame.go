package frame

import (
	"github.com/samsamfire/gocanhack/internal/crc"
)

// MaxBits bounds the encoded bitstream. The longest frame is a CAN FD frame
// with 64 bytes of payload, worst-case stuffing keeps it well under this.
const MaxBits = 800

// Frame holds a fully encoded CAN 2.0 or CAN FD bitstream, starting at SOF
// and ending with the 3-bit IFS. Stuff bits are included in the stream and
// flagged in StuffBit. The landmark indices are used by the bit engine to
// switch bit rates and detect end of frame.
type Frame struct {
	TxBitstream [MaxBits]uint8
	StuffBit    [MaxBits]bool
	TxBits      uint16

	LastArbitrationBit uint16
	TxArbitrationBits  uint16
	BrsBit             uint16
	LastDlcBit         uint16
	LastDataBit        uint16
	LastCrcBit         uint16
	LastEofBit         uint16

	Fd         bool
	Brs        bool
	StuffCount uint8
	FrameSet   bool

	crc           *crc.Register
	stuffing      bool
	crcing        bool
	dominantBits  uint8
	recessiveBits uint8
}

// Gray code for the FD stuff count, indexed by count mod 8
var grayCode = [8]uint8{0b000, 0b001, 0b011, 0b010, 0b110, 0b111, 0b101, 0b100}

// PayloadLen returns the number of payload bytes encoded by a DLC. Remote
// frames carry no data regardless of DLC, FD frames above DLC 8 use the
// CAN FD length table.
func PayloadLen(dlc uint32, rtr bool, fd bool) int {
	if rtr {
		return 0
	}
	if fd && dlc > 8 {
		switch {
		case dlc <= 12:
			return int(4 * (dlc - 6))
		case dlc == 13:
			return 32
		default:
			return int(16 * (dlc - 11))
		}
	}
	if dlc >= 8 {
		return 8
	}
	return int(dlc)
}

// addRawBit appends a bit without CRC or stuffing bookkeeping. Used for the
// FD fixed stuff bits, which never step the CRC.
func (f *Frame) addRawBit(bit uint8, stuff bool) {
	f.StuffBit[f.TxBits] = stuff
	if stuff {
		f.StuffCount++
	}
	f.TxBitstream[f.TxBits] = bit
	f.TxBits++
}

// addBit appends a bit, steps the CRC while crcing is on, and inserts a
// complementary stuff bit after five equal bits while stuffing is on. Stuff
// bits step the CRC in FD frames but not in CAN 2.0.
func (f *Frame) addBit(bit uint8) {
	if f.crcing {
		f.crc.Step(bit)
	}
	f.addRawBit(bit, false)
	if bit != 0 {
		f.recessiveBits++
		f.dominantBits = 0
	} else {
		f.dominantBits++
		f.recessiveBits = 0
	}
	if !f.stuffing {
		return
	}
	if f.dominantBits >= 5 {
		if f.Fd {
			f.crc.Step(1)
		}
		f.addRawBit(1, true)
		f.dominantBits = 0
		f.recessiveBits = 1
	}
	if f.recessiveBits >= 5 {
		if f.Fd {
			f.crc.Step(0)
		}
		f.addRawBit(0, true)
		f.dominantBits = 1
		f.recessiveBits = 0
	}
}

// Set encodes a frame into the bitstream in place. idA is the 11-bit
// identifier, idB the 18-bit extension used when ide is set. data must hold
// at least the number of bytes implied by dlc (see PayloadLen). esi follows
// the ISO convention of being transmitted inverted: esi true (error passive)
// is encoded as a dominant bit.
func (f *Frame) Set(idA uint32, idB uint32, rtr bool, ide bool, dlc uint32, data []byte, fd bool, brs bool, esi bool) {
	length := PayloadLen(dlc, rtr, fd)

	if fd {
		if dlc > 10 {
			f.crc = crc.NewCRC21()
		} else {
			f.crc = crc.NewCRC17()
		}
	} else {
		f.crc = crc.NewCRC15()
	}

	f.TxBits = 0
	f.stuffing = true
	f.crcing = true
	f.dominantBits = 0
	f.recessiveBits = 0
	f.StuffCount = 0
	f.Fd = fd
	f.Brs = brs
	f.BrsBit = MaxBits
	for i := range f.TxBitstream {
		f.TxBitstream[i] = 0
	}

	// ID field is:
	// {SOF, ID A, RTR, IDE = 0, r0} [Standard]
	// {SOF, ID A, SRR = 1, IDE = 1, ID B, RTR, r1, r0} [Extended]

	// SOF
	f.addBit(0)

	// ID A
	idA <<= 21
	for i := 0; i < 11; i++ {
		if idA&0x80000000 != 0 {
			f.addBit(1)
		} else {
			f.addBit(0)
		}
		idA <<= 1
	}

	// RTR (if set) or SRR; RRS for non extended FD
	rtrBit := f.TxBits
	if rtr || ide {
		f.addBit(1)
	} else {
		f.addBit(0)
	}

	// The last bit of the arbitration field is the RTR bit if a basic frame,
	// overwritten below if IDE = 1. A stuff bit following it is not part of
	// the field.
	f.LastArbitrationBit = rtrBit

	// IDE
	if ide {
		f.addBit(1)
	} else {
		f.addBit(0)
	}

	if ide {
		// ID B
		idB <<= 14
		for i := 0; i < 18; i++ {
			if idB&0x80000000 != 0 {
				f.addBit(1)
			} else {
				f.addBit(0)
			}
			idB <<= 1
		}
		// RTR (RRS for fd)
		rtrBit = f.TxBits
		if rtr {
			f.addBit(1)
		} else {
			f.addBit(0)
		}
		f.LastArbitrationBit = rtrBit
	}

	// r1 (FDF in FD frames), omitted for basic CAN 2.0 frames
	if fd {
		f.addBit(1)
	} else if ide {
		f.addBit(0)
	}

	// r0 (res in FD frames)
	f.addBit(0)

	if fd {
		// BRS
		if brs {
			f.addBit(1)
			f.BrsBit = f.TxBits - 1
		} else {
			f.addBit(0)
		}
		// ESI, transmitted inverted
		if esi {
			f.addBit(0)
		} else {
			f.addBit(1)
		}
	}

	// DLC
	dlcPut := dlc << 28
	for i := 0; i < 4; i++ {
		if dlcPut&0x80000000 != 0 {
			f.addBit(1)
		} else {
			f.addBit(0)
		}
		dlcPut <<= 1
	}
	f.LastDlcBit = f.TxBits - 1

	// Data
	for i := 0; i < length; i++ {
		b := data[i]
		for j := 0; j < 8; j++ {
			// In FD the final payload bit is never dynamically stuffed, the
			// first fixed stuff bit takes that place
			if fd && i == length-1 && j == 7 {
				f.stuffing = false
			}
			if b&0x80 != 0 {
				f.addBit(1)
			} else {
				f.addBit(0)
			}
			b <<= 1
		}
	}

	// With no payload the last data bit is the last DLC bit
	f.LastDataBit = f.TxBits - 1

	if !fd {
		// CRC field for CAN 2.0, stuffing stays on
		f.crcing = false
		crcRg := f.crc.Value() << 17
		for i := 0; i < 15; i++ {
			if crcRg&0x80000000 != 0 {
				f.addBit(1)
			} else {
				f.addBit(0)
			}
			crcRg <<= 1
		}
	} else {
		// First fixed stuff bit, complement of the last data bit. If it
		// completes a run of four the landmark moves on to it.
		if f.TxBitstream[f.LastDataBit] != 0 {
			f.addRawBit(0, true)
			if f.dominantBits == 4 {
				f.LastDataBit++
			}
		} else {
			f.addRawBit(1, true)
			if f.recessiveBits == 4 {
				f.LastDataBit++
			}
		}
		// The first fixed stuff bit is not counted in the stuff count
		f.StuffCount--

		gc := grayCode[f.StuffCount%8]
		parity := f.StuffCount & 1

		// Stuff count and parity
		for i := 0; i < 3; i++ {
			if gc&0x4 != 0 {
				f.addBit(1)
			} else {
				f.addBit(0)
			}
			gc <<= 1
		}
		f.addBit(parity)

		// Second fixed stuff bit
		if parity != 0 {
			f.addRawBit(0, true)
		} else {
			f.addRawBit(1, true)
		}

		f.crcing = false

		// CRC field with a fixed stuff bit after every fourth bit
		width := f.crc.Width()
		crcRg := f.crc.Value() << uint(32-width)
		for i := 0; i < width; i++ {
			if crcRg&0x80000000 != 0 {
				f.addBit(1)
				if (i+1)%4 == 0 {
					f.addRawBit(0, true)
				}
			} else {
				f.addBit(0)
				if (i+1)%4 == 0 {
					f.addRawBit(1, true)
				}
			}
			crcRg <<= 1
		}
	}
	f.LastCrcBit = f.TxBits - 1

	// Bit stuffing ends with the CRC field
	f.stuffing = false

	// CRC delimiter
	f.addBit(1)

	// ACK, driven dominant so the frame stands alone with no other
	// controller to acknowledge it
	f.addBit(0)

	// ACK delimiter
	f.addBit(1)

	// EOF
	for i := 0; i < 7; i++ {
		f.addBit(1)
	}
	f.LastEofBit = f.TxBits - 1

	// IFS
	f.addBit(1)
	f.addBit(1)
	f.addBit(1)

	f.TxArbitrationBits = f.LastArbitrationBit + 1
	f.FrameSet = true
}
