package ksz9477_test

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"firestige.xyz/ethctl/internal/chip/ksz9477"
	"firestige.xyz/ethctl/internal/core"
	"firestige.xyz/ethctl/internal/device"
	"firestige.xyz/ethctl/internal/regio"
	"firestige.xyz/ethctl/internal/sim"
)

var poll = regio.Poller{Retries: 10}

func bringUp(t *testing.T, opts ksz9477.Options) (*ksz9477.Switch, *sim.KSZ9477) {
	t.Helper()
	chip := sim.NewKSZ9477()
	opts.Poll = poll
	sw := ksz9477.New(regio.NewSPI(chip, regio.KSZFraming{}), opts)
	in := device.Initializer{Name: "sw", Poll: poll}
	require.NoError(t, in.Run(sw))
	return sw, chip
}

func TestInitializeStandalone(t *testing.T) {
	_, chip := bringUp(t, ksz9477.Options{})

	assert.Equal(t, ksz9477.SwitchOpStart, chip.Peek(ksz9477.RegSwitchOp, regio.Width8))
	assert.Zero(t, chip.Peek(ksz9477.OpCtrl0(ksz9477.HostPort), regio.Width8)&ksz9477.OpCtrl0TailTagEnable)
	assert.NotZero(t, chip.Peek(ksz9477.RegSwitchMACCtrl0, regio.Width8)&ksz9477.MACCtrl0FrameLenCheck)
	assert.Equal(t, uint32(75), chip.Peek(ksz9477.RegLUECtrl3, regio.Width8))
	assert.Equal(t, ksz9477.PortIntMaskAll, chip.Peek(ksz9477.RegPortIntMask, regio.Width32))
	assert.Equal(t, ksz9477.LUECtrl0AgeCountDefault|ksz9477.LUECtrl0HashOptionCRC,
		chip.Peek(ksz9477.RegLUECtrl0, regio.Width8))

	ctrl1 := chip.Peek(ksz9477.XMIICtrl1(ksz9477.HostPort), regio.Width8)
	assert.Equal(t, ksz9477.XMIICtrl1RGMIIIDIn|ksz9477.XMIICtrl1RGMIIIDOut, ctrl1&(ksz9477.XMIICtrl1RGMIIIDIn|ksz9477.XMIICtrl1RGMIIIDOut))
}

func TestInitializeAppliesPHYErrata(t *testing.T) {
	_, chip := bringUp(t, ksz9477.Options{})
	for p := uint8(1); p <= 5; p++ {
		assert.Equal(t, uint16(0xDD0B), chip.MMD(p, 0x01, 0x6F), "port %d", p)
		assert.Equal(t, uint16(0xEEEE), chip.MMD(p, 0x1C, 0x20), "port %d", p)
		assert.Zero(t, chip.MMD(p, ksz9477.MMDDevEEE, ksz9477.MMDRegEEEAdv), "port %d", p)
		assert.Equal(t, ksz9477.LEDModeTriColorDual|ksz9477.LEDModeReserved,
			chip.MMD(p, ksz9477.MMDDevLED, ksz9477.MMDRegLEDMode), "port %d", p)
	}
}

func TestInitializeNeverReady(t *testing.T) {
	chip := sim.NewKSZ9477()
	chip.ReadyAfter = -1
	sw := ksz9477.New(regio.NewSPI(chip, regio.KSZFraming{}), ksz9477.Options{Poll: poll})
	in := device.Initializer{Name: "sw", Poll: poll}

	assert.ErrorIs(t, in.Run(sw), core.ErrTimeout)
	assert.Equal(t, device.StateFailed, in.State())
}

func TestTailTaggingSetup(t *testing.T) {
	sw, chip := bringUp(t, ksz9477.Options{TailTagging: true})

	assert.NotZero(t, chip.Peek(ksz9477.OpCtrl0(ksz9477.HostPort), regio.Width8)&ksz9477.OpCtrl0TailTagEnable)
	assert.Zero(t, chip.Peek(ksz9477.RegSwitchMACCtrl0, regio.Width8)&ksz9477.MACCtrl0FrameLenCheck)
	for p := uint8(1); p <= 5; p++ {
		st, err := sw.PortState(p)
		require.NoError(t, err)
		assert.Equal(t, core.PortStateListening, st)
	}
	codec, on := sw.TailTag()
	assert.True(t, on)
	assert.Equal(t, 5, codec.Ports)
}

func TestTagRoundTripThroughSwitch(t *testing.T) {
	sw, chip := bringUp(t, ksz9477.Options{TailTagging: true})
	codec, _ := sw.TailTag()

	frame := make([]byte, 64)
	copy(frame, []byte{0x00, 0x11, 0x22, 0x33, 0x44, 0x66, 0x00, 0x11, 0x22, 0x33, 0x44, 0x55, 0x08, 0x00})

	tagged, err := codec.Tag(frame, 2)
	require.NoError(t, err)
	payload, mask, err := chip.FromHost(tagged)
	require.NoError(t, err)
	assert.Equal(t, uint16(0x02), mask)
	assert.Equal(t, frame, payload)

	back, port, err := codec.Untag(chip.Ingress(2, frame))
	require.NoError(t, err)
	assert.Equal(t, uint8(2), port)
	assert.Equal(t, frame, back)
}

func TestPortStateRoundTrip(t *testing.T) {
	sw, _ := bringUp(t, ksz9477.Options{})
	states := []core.PortState{
		core.PortStateDisabled,
		core.PortStateListening,
		core.PortStateLearning,
		core.PortStateForwarding,
	}
	for _, want := range states {
		require.NoError(t, sw.SetPortState(3, want))
		got, err := sw.PortState(3)
		require.NoError(t, err)
		assert.Equal(t, want, got)
	}

	assert.ErrorIs(t, sw.SetPortState(6, core.PortStateForwarding), core.ErrInvalidPort)
	_, err := sw.PortState(0)
	assert.ErrorIs(t, err, core.ErrInvalidPort)
}

func TestLinkStateLatchesLoss(t *testing.T) {
	sw, chip := bringUp(t, ksz9477.Options{})
	assert.False(t, sw.LinkState(1).Up)

	chip.SetLink(1, core.LinkState{Up: true, Speed: core.Speed100, Duplex: core.DuplexFull})
	assert.Equal(t, core.LinkState{Up: true, Speed: core.Speed100, Duplex: core.DuplexFull}, sw.LinkState(1))

	// A drop and recovery between polls still reads as up on the second
	// BMSR read.
	chip.SetLink(1, core.LinkState{})
	chip.SetLink(1, core.LinkState{Up: true, Speed: core.Speed1000, Duplex: core.DuplexHalf})
	assert.Equal(t, core.LinkState{Up: true, Speed: core.Speed1000, Duplex: core.DuplexHalf}, sw.LinkState(1))

	chip.SetLink(1, core.LinkState{})
	assert.False(t, sw.LinkState(1).Up)
	assert.False(t, sw.LinkState(9).Up)
}

func TestHostLink(t *testing.T) {
	sw, chip := bringUp(t, ksz9477.Options{})
	assert.Equal(t, core.LinkState{Up: true, Speed: core.Speed1000, Duplex: core.DuplexFull}, sw.HostLink())

	chip.Poke(ksz9477.XMIICtrl1(ksz9477.HostPort), regio.Width8, ksz9477.XMIICtrl1Speed1000)
	chip.Poke(ksz9477.XMIICtrl0(ksz9477.HostPort), regio.Width8, ksz9477.XMIICtrl0Speed10100)
	assert.Equal(t, core.LinkState{Up: true, Speed: core.Speed100, Duplex: core.DuplexHalf}, sw.HostLink())
}

func TestMulticastControls(t *testing.T) {
	sw, chip := bringUp(t, ksz9477.Options{IGMPSnooping: true})
	assert.Equal(t, ksz9477.SnoopIGMPEnable, chip.Peek(ksz9477.RegMirrorSnoopCtrl, regio.Width8))

	sw.EnableMLDSnooping(true)
	sw.EnableIGMPSnooping(false)
	assert.Equal(t, ksz9477.SnoopMLDEnable, chip.Peek(ksz9477.RegMirrorSnoopCtrl, regio.Width8))

	sw.EnableReservedMcast(true)
	assert.NotZero(t, chip.Peek(ksz9477.RegLUECtrl0, regio.Width8)&ksz9477.LUECtrl0ReservedMcastLookup)

	sw.SetUnknownMcastPorts(true, core.CPUPortMask|0x03)
	assert.Equal(t, ksz9477.UnknownMcastFwd|ksz9477.UnknownMcastFwdPort6|0x03,
		chip.Peek(ksz9477.RegUnknownMcastCtrl, regio.Width32))

	sw.SetUnknownMcastPorts(false, 0)
	assert.Zero(t, chip.Peek(ksz9477.RegUnknownMcastCtrl, regio.Width32))
}

func TestMMDAccess(t *testing.T) {
	sw, _ := bringUp(t, ksz9477.Options{})
	require.NoError(t, sw.WriteMMD(4, 0x1F, 0x0123, 0xBEEF))
	v, err := sw.ReadMMD(4, 0x1F, 0x0123)
	require.NoError(t, err)
	assert.Equal(t, uint16(0xBEEF), v)
}

func TestForwardingTableSurface(t *testing.T) {
	sw, chip := bringUp(t, ksz9477.Options{})
	var _ device.Switch = sw
	var _ device.Link = sw

	require.NoError(t, sw.AddStaticEntry(core.FdbEntry{MAC: core.MustParseMAC("00:11:22:33:44:66"), DestPorts: 0x04}))
	e, err := sw.GetStaticEntry(0)
	require.NoError(t, err)
	assert.Equal(t, uint32(0x04), e.DestPorts)

	chip.Learn(core.MustParseMAC("02:00:00:00:00:01"), 3)
	dyn, err := sw.DumpDynamic()
	require.NoError(t, err)
	require.Len(t, dyn, 1)
	assert.Equal(t, uint8(3), dyn[0].SrcPort)
}
