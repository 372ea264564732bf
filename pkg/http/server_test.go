package http

import (
	"net/http/httptest"
	"testing"

	"github.com/samsamfire/gocanhack/pkg/engine"
	"github.com/samsamfire/gocanhack/pkg/frame"
	"github.com/samsamfire/gocanhack/pkg/port/virtual"
	"github.com/stretchr/testify/assert"
)

func newTestGateway(t *testing.T) (*GatewayClient, *virtual.Wire, *engine.CanHack) {
	t.Helper()
	wire := virtual.NewWire(nil)
	eng := engine.NewCanHack(wire, virtual.Timings(), nil)
	eng.SetTimeout(1_000_000)
	gw := NewGatewayServer()
	gw.AddChannel("can0", eng)
	ts := httptest.NewServer(gw.serveMux)
	t.Cleanup(ts.Close)
	return NewGatewayClient(ts.URL, API_VERSION, "can0"), wire, eng
}

func bitsFromString(s string) []uint8 {
	bits := make([]uint8, len(s))
	for i := range s {
		bits[i] = uint8(s[i] - '0')
	}
	return bits
}

func TestSetAndGetFrame(t *testing.T) {
	client, _, _ := newTestGateway(t)
	err := client.SetFrame(FrameRequest{IdA: "0x123", Dlc: "2", Data: "0x1122"})
	assert.Nil(t, err)

	resp, err := client.GetFrame(false)
	assert.Nil(t, err)
	assert.Equal(t, "OK", resp.Response)
	assert.Equal(t, resp.TxBits, len(resp.Bits))
	assert.False(t, resp.Fd)

	d, err := frame.Decode(bitsFromString(resp.Bits))
	assert.Nil(t, err)
	assert.EqualValues(t, 0x123, d.IDA)
	assert.Equal(t, []byte{0x11, 0x22}, d.Data)
}

func TestSetFrameSecondSlot(t *testing.T) {
	client, _, _ := newTestGateway(t)
	err := client.SetFrame(FrameRequest{IdA: "0x42", Dlc: "1", Data: "A5", Second: true, Fd: true, Brs: true})
	assert.Nil(t, err)

	resp, err := client.GetFrame(true)
	assert.Nil(t, err)
	assert.True(t, resp.Fd)
	assert.True(t, resp.Brs)

	// Slot 1 stays empty
	_, err = client.GetFrame(false)
	assert.Equal(t, ErrGwFrameNotSet, err)
}

func TestSetFrameIllegal(t *testing.T) {
	client, _, _ := newTestGateway(t)
	err := client.SetFrame(FrameRequest{IdA: "0x800", Dlc: "0"})
	assert.Equal(t, ErrGwIllegalFrame, err)

	err = client.SetFrame(FrameRequest{IdA: "not a number", Dlc: "0"})
	assert.Equal(t, ErrGwSyntaxError, err)
}

func TestSendOverGateway(t *testing.T) {
	client, wire, _ := newTestGateway(t)
	err := client.SetFrame(FrameRequest{IdA: "0x123", Dlc: "1", Data: "A5"})
	assert.Nil(t, err)
	err = client.Send(0, false)
	assert.Nil(t, err)

	d, err := frame.Decode(wire.Driven())
	assert.Nil(t, err)
	assert.EqualValues(t, 0x123, d.IDA)
	assert.Equal(t, []byte{0xA5}, d.Data)
}

func TestSendWithoutFrame(t *testing.T) {
	client, _, _ := newTestGateway(t)
	err := client.Send(0, false)
	assert.Equal(t, ErrGwFrameNotSet, err)
}

func TestSendTimesOut(t *testing.T) {
	client, _, _ := newTestGateway(t)
	err := client.SetFrame(FrameRequest{IdA: "0x123", Dlc: "0"})
	assert.Nil(t, err)
	err = client.SetTimeout(10)
	assert.Nil(t, err)
	err = client.Send(0, false)
	assert.Equal(t, ErrGwPrimitiveFailed, err)
}

func TestSetMasks(t *testing.T) {
	client, _, _ := newTestGateway(t)
	err := client.SetMasks()
	assert.Equal(t, ErrGwFrameNotSet, err)

	err = client.SetFrame(FrameRequest{IdA: "0x123", Dlc: "0"})
	assert.Nil(t, err)
	err = client.SetMasks()
	assert.Nil(t, err)
}

func TestSquareWaveOverGateway(t *testing.T) {
	client, wire, _ := newTestGateway(t)
	err := client.SquareWave()
	assert.Nil(t, err)
	assert.NotEmpty(t, wire.Driven())
}

func TestUnknownChannel(t *testing.T) {
	client, _, _ := newTestGateway(t)
	client.channel = "vcan9"
	err := client.Send(0, false)
	assert.Equal(t, ErrGwUnsupportedChannel, err)
}

func TestUnknownCommand(t *testing.T) {
	client, _, _ := newTestGateway(t)
	err := client.command("fuzz", nil)
	assert.Equal(t, ErrGwRequestNotSupported, err)
}

func TestUnsupportedApiVersion(t *testing.T) {
	client, _, _ := newTestGateway(t)
	client.apiVersion = "2.0"
	err := client.Stop()
	// The error response carries sequence 0 which trips the client side check
	assert.NotNil(t, err)
}

func TestJanusOverGateway(t *testing.T) {
	client, wire, _ := newTestGateway(t)
	err := client.SetFrame(FrameRequest{IdA: "0x123", Dlc: "1", Data: "55"})
	assert.Nil(t, err)

	// Find a second payload producing the same frame length
	first, err := client.GetFrame(false)
	assert.Nil(t, err)
	found := false
	for b := 0; b < 256 && !found; b++ {
		err = client.SetFrame(FrameRequest{IdA: "0x123", Dlc: "1", Data: string(hexByte(uint8(b))), Second: true})
		assert.Nil(t, err)
		second, err := client.GetFrame(true)
		assert.Nil(t, err)
		if second.TxBits == first.TxBits && b != 0x55 {
			found = true
		}
	}
	assert.True(t, found)

	err = client.SendJanus(JanusRequest{SyncTime: "8", SplitTime: "40", SyncTimeFd: "2", SplitTimeFd: "10"})
	assert.Nil(t, err)
	assert.NotEmpty(t, wire.Transitions())
}

func hexByte(b uint8) []byte {
	const digits = "0123456789ABCDEF"
	return []byte{digits[b>>4], digits[b&0xF]}
}
