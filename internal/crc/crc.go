package crc

// Bit-serial CRC registers used by the CAN frame encoder and the reference
// decoder. All registers shift left, MSB first, one input bit per step.
// CAN 2.0 uses CRC15, CAN FD uses CRC17 up to DLC 10 and CRC21 from DLC 11,
// the FD registers are initialised with a 1 in the top bit (ISO CAN FD).
type Register struct {
	rg    uint32
	poly  uint32
	msb   uint32
	mask  uint32
	width int
}

func NewCRC15() *Register {
	return &Register{poly: 0x4599, msb: 1 << 14, mask: 0x7fff, width: 15}
}

func NewCRC17() *Register {
	return &Register{rg: 1 << 16, poly: 0x3685b, msb: 1 << 16, mask: 0x1ffff, width: 17}
}

func NewCRC21() *Register {
	return &Register{rg: 1 << 20, poly: 0x302899, msb: 1 << 20, mask: 0x1fffff, width: 21}
}

// Step clocks a single bit into the register
func (c *Register) Step(bit uint8) {
	crcNxt := uint32(bit) ^ ((c.rg & c.msb) >> uint(c.width-1))
	c.rg <<= 1
	c.rg &= c.mask
	if crcNxt != 0 {
		c.rg ^= c.poly
	}
}

// Value returns the low Width() bits of the register, the transmitted checksum
func (c *Register) Value() uint32 {
	return c.rg & c.mask
}

func (c *Register) Width() int {
	return c.width
}
