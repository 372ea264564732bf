package canhack

import "errors"

var (
	ErrIllegalArgument = errors.New("error in function arguments")
	ErrTimeout         = errors.New("operation timed out")
	ErrFrameNotSet     = errors.New("frame has not been built yet")
	ErrNoMatch         = errors.New("targeted identifier never observed")
	ErrArbitration     = errors.New("lost arbitration and retries exhausted")
	ErrCRC             = errors.New("crc does not match")
	ErrStuffBit        = errors.New("stuff bit error in bitstream")
	ErrFrameFormat     = errors.New("malformed frame bitstream")
	ErrNotClassic      = errors.New("frame is not a classic CAN frame")
	ErrInvalidState    = errors.New("driver not ready")
	ErrBusy            = errors.New("an engine primitive is already running")
)
