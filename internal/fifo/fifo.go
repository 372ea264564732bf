package fifo

// Circular fifo of sampled wire levels, used by the virtual wire capture path.
// Levels are stored one per byte, 0 dominant, 1 recessive. Oldest samples are
// dropped when full so a capture always holds the tail of the traffic.
type Fifo struct {
	buffer   []uint8
	writePos int
	readPos  int
}

func NewFifo(size int) *Fifo {
	return &Fifo{
		buffer:   make([]uint8, size),
		writePos: 0,
		readPos:  0,
	}
}

func (f *Fifo) Reset() {
	f.readPos = 0
	f.writePos = 0
}

func (f *Fifo) GetSpace() int {
	sizeLeft := f.readPos - f.writePos - 1
	if sizeLeft < 0 {
		sizeLeft += len(f.buffer)
	}
	return sizeLeft
}

func (f *Fifo) GetOccupied() int {
	sizeOccupied := f.writePos - f.readPos
	if sizeOccupied < 0 {
		sizeOccupied += len(f.buffer)
	}
	return sizeOccupied
}

// Push appends a single sample, dropping the oldest one if the fifo is full
func (f *Fifo) Push(level uint8) {
	if f.GetSpace() == 0 {
		f.readPos++
		if f.readPos == len(f.buffer) {
			f.readPos = 0
		}
	}
	f.buffer[f.writePos] = level
	f.writePos++
	if f.writePos == len(f.buffer) {
		f.writePos = 0
	}
}

// Write appends as many samples as fit and returns the number written
func (f *Fifo) Write(levels []uint8) int {
	writeCounter := 0
	for _, level := range levels {
		writePosNext := f.writePos + 1
		if writePosNext == f.readPos || (writePosNext == len(f.buffer) && f.readPos == 0) {
			break
		}
		f.buffer[f.writePos] = level
		writeCounter += 1
		if writePosNext == len(f.buffer) {
			f.writePos = 0
		} else {
			f.writePos += 1
		}
	}
	return writeCounter
}

// Read drains samples into buffer and returns the number read
func (f *Fifo) Read(buffer []uint8) int {
	readCounter := 0
	if buffer == nil {
		return 0
	}
	for index := range buffer {
		if f.readPos == f.writePos {
			break
		}
		buffer[index] = f.buffer[f.readPos]
		readCounter++
		f.readPos++
		if f.readPos == len(f.buffer) {
			f.readPos = 0
		}
	}
	return readCounter
}
