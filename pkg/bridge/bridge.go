package bridge

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/avast/retry-go"
	sockcan "github.com/brutella/can"
	canhack "github.com/samsamfire/gocanhack"
	"github.com/samsamfire/gocanhack/pkg/engine"
	"github.com/samsamfire/gocanhack/pkg/frame"
	"golang.org/x/exp/slices"
)

// Bridge connects the bit engine to a kernel CAN interface. It captures live
// frames so attacks can be armed against real traffic, and publishes decoded
// bit-level captures back as socketcan frames. Implementation uses
// https://github.com/brutella/can

// Linux can_id flag bits, brutella/can passes them through inside the ID word
const (
	effFlag uint32 = 1 << 31
	rtrFlag uint32 = 1 << 30
	effMask uint32 = 0x1FFFFFFF
	sffMask uint32 = 0x7FF
)

const rxBacklog = 64

// FrameSpec is a captured frame in encoder form, identifier already split
// into the 11 bit base and 18 bit extension.
type FrameSpec struct {
	IDA  uint32
	IDB  uint32
	Rtr  bool
	Ide  bool
	Dlc  uint32
	Data []byte
}

// ID reassembles the full identifier.
func (spec FrameSpec) ID() uint32 {
	if spec.Ide {
		return spec.IDA<<18 | spec.IDB
	}
	return spec.IDA
}

func fromWire(frm sockcan.Frame) FrameSpec {
	spec := FrameSpec{
		Rtr: frm.ID&rtrFlag != 0,
		Ide: frm.ID&effFlag != 0,
		Dlc: uint32(frm.Length),
	}
	if spec.Ide {
		id := frm.ID & effMask
		spec.IDA = id >> 18
		spec.IDB = id & 0x3FFFF
	} else {
		spec.IDA = frm.ID & sffMask
	}
	if !spec.Rtr {
		n := int(frm.Length)
		if n > len(frm.Data) {
			n = len(frm.Data)
		}
		spec.Data = slices.Clone(frm.Data[:n])
	}
	return spec
}

func toWire(d *frame.Decoded) (sockcan.Frame, error) {
	if d.Fd {
		// The socketcan frame format carries 8 data bytes, FD capture
		// stays on the bit level
		return sockcan.Frame{}, canhack.ErrNotClassic
	}
	frm := sockcan.Frame{Length: uint8(d.Dlc)}
	if d.Ide {
		frm.ID = d.IDA<<18 | d.IDB | effFlag
	} else {
		frm.ID = d.IDA
	}
	if d.Rtr {
		frm.ID |= rtrFlag
	}
	copy(frm.Data[:], d.Data)
	return frm, nil
}

// device is the part of the socketcan bus the bridge drives.
type device interface {
	ConnectAndPublish() error
	Disconnect() error
	Publish(frm sockcan.Frame) error
	Subscribe(h sockcan.Handler)
}

type Bridge struct {
	logger *slog.Logger
	engine *engine.CanHack
	dev    device
	rx     chan FrameSpec
}

// NewBridge opens the named kernel CAN interface and starts receiving.
func NewBridge(name string, eng *engine.CanHack, logger *slog.Logger) (*Bridge, error) {
	var bus *sockcan.Bus
	err := retry.Do(func() error {
		var err error
		bus, err = sockcan.NewBusForInterfaceWithName(name)
		return err
	}, retry.Attempts(3))
	if err != nil {
		return nil, fmt.Errorf("failed to open %v : %w", name, err)
	}
	b := newBridge(bus, eng, logger)
	go func() {
		err := b.dev.ConnectAndPublish()
		if err != nil {
			b.logger.Error("receive loop stopped", "error", err)
		}
	}()
	return b, nil
}

func newBridge(dev device, eng *engine.CanHack, logger *slog.Logger) *Bridge {
	if logger == nil {
		logger = slog.Default()
	}
	b := &Bridge{
		logger: logger.With("service", "[BRIDGE]"),
		engine: eng,
		dev:    dev,
		rx:     make(chan FrameSpec, rxBacklog),
	}
	dev.Subscribe(b)
	return b
}

// Handle receives one frame from the socketcan bus. Frames are dropped when
// the capture backlog is full.
func (b *Bridge) Handle(frm sockcan.Frame) {
	select {
	case b.rx <- fromWire(frm):
	default:
	}
}

// Capture blocks until a received frame satisfies match.
func (b *Bridge) Capture(ctx context.Context, match func(FrameSpec) bool) (FrameSpec, error) {
	for {
		select {
		case spec := <-b.rx:
			if match(spec) {
				return spec, nil
			}
		case <-ctx.Done():
			return FrameSpec{}, ctx.Err()
		}
	}
}

// MatchID matches frames carrying the given full identifier.
func MatchID(id uint32, ide bool) func(FrameSpec) bool {
	return func(spec FrameSpec) bool {
		return spec.Ide == ide && spec.ID() == id
	}
}

// ArmSpoof waits for a live frame with the target identifier, loads the first
// frame slot with the same identifier and length but the replacement payload,
// and arms the attack masks. The payload must be as long as the captured one.
func (b *Bridge) ArmSpoof(ctx context.Context, id uint32, ide bool, payload []byte) error {
	spec, err := b.Capture(ctx, MatchID(id, ide))
	if err != nil {
		return fmt.Errorf("no frame with id %x observed : %w", id, err)
	}
	if spec.Rtr {
		payload = nil
	} else if len(payload) != len(spec.Data) {
		return canhack.ErrIllegalArgument
	}
	err = b.engine.SetFrame(spec.IDA, spec.IDB, spec.Rtr, spec.Ide, spec.Dlc, payload, false, false, false, false)
	if err != nil {
		return err
	}
	b.engine.SetAttackMasks()
	b.logger.Info("armed spoof", "id", fmt.Sprintf("x%x", id), "dlc", spec.Dlc)
	return nil
}

// PublishBits decodes a captured bitstream and publishes it on the socketcan
// bus. FD frames cannot be represented and return an error.
func (b *Bridge) PublishBits(bits []uint8) error {
	d, err := frame.Decode(bits)
	if err != nil {
		return err
	}
	frm, err := toWire(d)
	if err != nil {
		return err
	}
	return retry.Do(func() error {
		return b.dev.Publish(frm)
	}, retry.Attempts(5))
}

func (b *Bridge) Disconnect() error {
	return b.dev.Disconnect()
}
