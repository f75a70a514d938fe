package device_test

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"

	"firestige.xyz/ethctl/internal/chip/emac"
	"firestige.xyz/ethctl/internal/chip/ksz9477"
	"firestige.xyz/ethctl/internal/chip/lan8720"
	"firestige.xyz/ethctl/internal/chip/w5100s"
	"firestige.xyz/ethctl/internal/core"
	"firestige.xyz/ethctl/internal/device"
	"firestige.xyz/ethctl/internal/regio"
	"firestige.xyz/ethctl/internal/sim"
)

var (
	poll    = regio.Poller{Retries: 10}
	station = core.MustParseMAC("00:11:22:33:44:55")
	up100   = core.LinkState{Up: true, Speed: core.Speed100, Duplex: core.DuplexFull}
)

type stackMock struct{ mock.Mock }

func (m *stackMock) NotifyLinkChange(port uint8, st core.LinkState) { m.Called(port, st) }
func (m *stackMock) DeliverReceivedFrame(frame []byte, meta core.RxMeta) {
	m.Called(frame, meta)
}
func (m *stackMock) SignalTransmitReady() { m.Called() }

func ethFrame(dst core.MACAddr, n int) []byte {
	f := make([]byte, n)
	src := core.MustParseMAC("02:aa:bb:cc:dd:ee")
	copy(f, dst[:])
	copy(f[6:], src[:])
	f[12], f[13] = 0x08, 0x06
	for i := 14; i < n; i++ {
		f[i] = byte(i * 3)
	}
	return f
}

func newEMAC(t *testing.T, chip *sim.EMAC) *emac.MAC {
	t.Helper()
	tx, rx, err := emac.Layout(4, 4, 1536, true)
	require.NoError(t, err)
	mac, err := emac.New(regio.NewSPI(chip, regio.KSZFraming{}), emac.Options{
		Name: "eth0", Station: station, Poll: poll, Tx: tx, Rx: rx,
	})
	require.NoError(t, err)
	return mac
}

type switchRig struct {
	dev   *device.Device
	macHW *sim.EMAC
	swHW  *sim.KSZ9477
	stack *stackMock
}

func newSwitchRig(t *testing.T) switchRig {
	t.Helper()
	macHW := sim.NewEMAC(nil)
	swHW := sim.NewKSZ9477()
	sw := ksz9477.New(regio.NewSPI(swHW, regio.KSZFraming{}), ksz9477.Options{Name: "eth0/sw", Poll: poll, TailTagging: true})
	stack := &stackMock{}
	dev, err := device.New(device.Config{Name: "eth0", Station: station, Poll: poll}, newEMAC(t, macHW), sw, stack)
	require.NoError(t, err)
	return switchRig{dev: dev, macHW: macHW, swHW: swHW, stack: stack}
}

func TestSwitchFrontedDeviceEndToEnd(t *testing.T) {
	rig := newSwitchRig(t)
	rig.stack.On("SignalTransmitReady").Return()
	require.NoError(t, rig.dev.Initialize(context.Background()))
	assert.True(t, rig.dev.Ready())

	// initial link poll
	rig.swHW.SetLink(2, up100)
	rig.stack.On("NotifyLinkChange", uint8(2), up100).Return().Once()
	assert.True(t, rig.dev.HandleEvent())
	assert.False(t, rig.dev.HandleEvent())

	sw, ok := rig.dev.Switch()
	require.True(t, ok)
	entry := core.FdbEntry{MAC: core.MustParseMAC("00:11:22:33:44:66"), DestPorts: 0x04}
	require.NoError(t, sw.AddStaticEntry(entry))
	got, err := sw.GetStaticEntry(0)
	require.NoError(t, err)
	assert.Equal(t, entry, got)

	payload := ethFrame(station, 64)
	tagged := rig.swHW.Ingress(2, payload)
	assert.Equal(t, byte(0x02), tagged[len(tagged)-1])
	rig.stack.On("DeliverReceivedFrame", payload, core.RxMeta{Port: 2}).Return().Once()
	require.True(t, rig.macHW.Inject(tagged))
	rig.dev.IRQ()
	assert.True(t, rig.dev.HandleEvent())

	rig.stack.AssertExpectations(t)
}

func TestSwitchFrontedTransmitTagsEgressPort(t *testing.T) {
	rig := newSwitchRig(t)
	rig.stack.On("SignalTransmitReady").Return()
	rig.stack.On("NotifyLinkChange", mock.Anything, mock.Anything).Return().Maybe()
	require.NoError(t, rig.dev.Initialize(context.Background()))

	frame := ethFrame(core.BroadcastMAC, 42)
	require.NoError(t, rig.dev.Transmit(frame, core.TxMeta{Port: 3}))
	require.Len(t, rig.macHW.Sent(), 1)
	out, mask, err := rig.swHW.FromHost(rig.macHW.Sent()[0])
	require.NoError(t, err)
	assert.Equal(t, uint16(0x04), mask)
	assert.Len(t, out, core.MinFrameSize)
	assert.Equal(t, frame, out[:len(frame)])

	require.NoError(t, rig.dev.Transmit(frame, core.TxMeta{}))
	_, mask, err = rig.swHW.FromHost(rig.macHW.Sent()[1])
	require.NoError(t, err)
	assert.Zero(t, mask)

	assert.ErrorIs(t, rig.dev.Transmit(frame, core.TxMeta{Port: 6}), core.ErrInvalidPort)
	assert.Len(t, rig.macHW.Sent(), 2)

	// transmit completion wakes the stack
	rig.dev.IRQ()
	rig.dev.HandleEvent()
	rig.stack.AssertNumberOfCalls(t, "SignalTransmitReady", 4)
}

func TestSwitchFrontedDropsUntaggableFrame(t *testing.T) {
	rig := newSwitchRig(t)
	rig.stack.On("SignalTransmitReady").Return()
	rig.stack.On("NotifyLinkChange", mock.Anything, mock.Anything).Return().Maybe()
	require.NoError(t, rig.dev.Initialize(context.Background()))

	require.True(t, rig.macHW.Inject(ethFrame(station, core.EthHeaderLen)))
	rig.dev.IRQ()
	rig.dev.HandleEvent()
	rig.stack.AssertNotCalled(t, "DeliverReceivedFrame", mock.Anything, mock.Anything)
}

func TestTransmitChecks(t *testing.T) {
	rig := newSwitchRig(t)
	frame := ethFrame(core.BroadcastMAC, 60)
	assert.ErrorIs(t, rig.dev.Transmit(frame, core.TxMeta{}), core.ErrNotReady)

	rig.stack.On("SignalTransmitReady").Return()
	rig.stack.On("NotifyLinkChange", mock.Anything, mock.Anything).Return().Maybe()
	require.NoError(t, rig.dev.Initialize(context.Background()))
	assert.ErrorIs(t, rig.dev.Transmit(frame[:10], core.TxMeta{}), core.ErrInvalidLength)
	assert.ErrorIs(t, rig.dev.Transmit(make([]byte, core.MaxFrameSize+1), core.TxMeta{}), core.ErrInvalidLength)
	assert.Empty(t, rig.macHW.Sent())
}

func TestPHYDeviceReportsPortZero(t *testing.T) {
	phyHW := sim.NewPHY(1)
	macHW := sim.NewEMAC(phyHW)
	mac := newEMAC(t, macHW)
	stack := &stackMock{}
	stack.On("SignalTransmitReady").Return()
	dev, err := device.New(device.Config{Name: "eth0", Station: station, Poll: poll}, mac, lan8720.New(mac, 1, "eth0/phy"), stack)
	require.NoError(t, err)
	require.NoError(t, dev.Initialize(context.Background()))
	_, isSwitch := dev.Switch()
	assert.False(t, isSwitch)

	link := core.LinkState{Up: true, Speed: core.Speed100, Duplex: core.DuplexFull}
	phyHW.SetLink(link)
	stack.On("NotifyLinkChange", uint8(0), link).Return().Once()
	dev.HandleEvent()
	cfg := macHW.Peek(emac.RegCFG, regio.Width32)
	assert.NotZero(t, cfg&emac.CFGSpeed100)
	assert.NotZero(t, cfg&emac.CFGDuplexFull)
	assert.Equal(t, link, dev.LinkStates()[1])

	// no change, no report
	dev.PeriodicTick()
	dev.HandleEvent()

	phyHW.SetLink(core.LinkState{})
	stack.On("NotifyLinkChange", uint8(0), core.LinkState{}).Return().Once()
	dev.PeriodicTick()
	dev.HandleEvent()
	stack.AssertExpectations(t)

	assert.ErrorIs(t, dev.Transmit(ethFrame(core.BroadcastMAC, 60), core.TxMeta{Port: 1}), core.ErrInvalidPort)
}

func TestSelfLinkedDeviceSkipsSecondInit(t *testing.T) {
	chip := sim.NewW5100S()
	mac, err := w5100s.New(regio.NewSPI(chip, regio.WiznetFraming{}), w5100s.Options{Station: station, Poll: poll})
	require.NoError(t, err)
	stack := &stackMock{}
	stack.On("SignalTransmitReady").Return()
	dev, err := device.New(device.Config{Name: "eth1", Station: station, Poll: poll}, mac, mac, stack)
	require.NoError(t, err)

	require.NoError(t, dev.Initialize(context.Background()))
	chip.SetLink(core.LinkState{Up: true, Speed: core.Speed10, Duplex: core.DuplexHalf})
	stack.On("NotifyLinkChange", uint8(0), core.LinkState{Up: true, Speed: core.Speed10, Duplex: core.DuplexHalf}).Return().Once()
	dev.HandleEvent()

	f := ethFrame(station, 80)
	stack.On("DeliverReceivedFrame", f, core.RxMeta{}).Return().Once()
	require.True(t, chip.Inject(f))
	dev.IRQ()
	dev.HandleEvent()
	stack.AssertExpectations(t)
}

func TestManagementOnlyDevice(t *testing.T) {
	swHW := sim.NewKSZ9477()
	sw := ksz9477.New(regio.NewSPI(swHW, regio.KSZFraming{}), ksz9477.Options{Poll: poll})
	stack := &stackMock{}
	dev, err := device.New(device.Config{Name: "sw0", Poll: poll}, nil, sw, stack)
	require.NoError(t, err)

	stack.On("NotifyLinkChange", mock.Anything, mock.Anything).Return().Maybe()
	require.NoError(t, dev.Initialize(context.Background()))
	assert.ErrorIs(t, dev.Transmit(ethFrame(core.BroadcastMAC, 60), core.TxMeta{}), core.ErrUnsupported)
	assert.ErrorIs(t, dev.UpdateAddressFilter(nil), core.ErrUnsupported)
	stack.AssertNotCalled(t, "SignalTransmitReady")

	_, err = device.New(device.Config{Name: "none"}, nil, nil, stack)
	assert.ErrorIs(t, err, core.ErrConfigInvalid)
}

func TestInitializeFailsOnDeadMAC(t *testing.T) {
	macHW := sim.NewEMAC(nil)
	macHW.SetFault(true)
	stack := &stackMock{}
	dev, err := device.New(device.Config{Name: "eth0", Station: station, Poll: poll}, newEMAC(t, macHW), nil, stack)
	require.NoError(t, err)

	assert.ErrorIs(t, dev.Initialize(context.Background()), core.ErrTimeout)
	assert.False(t, dev.Ready())
	stack.AssertNotCalled(t, "SignalTransmitReady")
}

type chanStack struct{ links chan core.LinkState }

func (s *chanStack) NotifyLinkChange(_ uint8, st core.LinkState) { s.links <- st }
func (s *chanStack) DeliverReceivedFrame([]byte, core.RxMeta) {}
func (s *chanStack) SignalTransmitReady() {}

func TestRunPollsLinkOnTick(t *testing.T) {
	phyHW := sim.NewPHY(0)
	macHW := sim.NewEMAC(phyHW)
	mac := newEMAC(t, macHW)
	stack := &chanStack{links: make(chan core.LinkState, 4)}
	dev, err := device.New(device.Config{Name: "eth0", Station: station, Poll: poll, TickInterval: 5 * time.Millisecond},
		mac, lan8720.New(mac, 0, ""), stack)
	require.NoError(t, err)
	require.NoError(t, dev.Initialize(context.Background()))

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		dev.Run(ctx)
		close(done)
	}()

	phyHW.SetLink(up100)
	select {
	case st := <-stack.links:
		assert.Equal(t, up100, st)
	case <-time.After(2 * time.Second):
		t.Fatal("no link change reported")
	}
	cancel()
	<-done
}
