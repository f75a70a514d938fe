// Package emac drives a DMA Ethernet MAC whose registers, descriptor lists
// and frame buffers all sit behind one register transport. Descriptors are
// chained or ringed in device memory; the receive filter has the station
// address, three perfect-match unicast slots and a 64-bin hash. The MAC is
// also the MDIO master for the PHY or switch below it.
package emac

import (
	"errors"
	"fmt"
	"log/slog"

	"firestige.xyz/ethctl/internal/core"
	"firestige.xyz/ethctl/internal/device"
	"firestige.xyz/ethctl/internal/filter"
	"firestige.xyz/ethctl/internal/regio"
	"firestige.xyz/ethctl/internal/ring"
)

// Dispatcher causes.
const (
	CauseTx uint32 = 1 << 0
	CauseRx uint32 = 1 << 1
)

// PerfectSlots is the number of unicast perfect filter slots besides the
// station address.
const PerfectSlots = 3

// DefaultMaxRxBurst bounds the frames drained per service call.
const DefaultMaxRxBurst = 32

// Options configure a MAC.
type Options struct {
	Name       string
	Station    core.MACAddr
	Poll       regio.Poller
	Tx         ring.Config
	Rx         ring.Config
	MaxRxBurst int
}

// Layout places txCount and rxCount descriptors and their bufSize buffers in
// device memory.
func Layout(txCount, rxCount, bufSize int, chained bool) (tx, rx ring.Config, err error) {
	descEnd := SRAMBase + uint32(txCount+rxCount)*ring.DescSize
	bufBase := (descEnd + 0xFF) &^ 0xFF
	tx = ring.Config{DescBase: SRAMBase, BufBase: bufBase, Count: txCount, BufSize: bufSize, Chained: chained}
	rx = ring.Config{
		DescBase: SRAMBase + uint32(txCount)*ring.DescSize,
		BufBase:  bufBase + uint32(txCount*bufSize),
		Count:    rxCount,
		BufSize:  bufSize,
		Chained:  chained,
	}
	if end := rx.BufBase + uint32(rxCount*bufSize); end > SRAMBase+SRAMSize {
		return tx, rx, fmt.Errorf("%w: %d+%d buffers of %d bytes exceed device memory", core.ErrConfigInvalid, txCount, rxCount, bufSize)
	}
	return tx, rx, nil
}

// MAC is the driver for one controller.
type MAC struct {
	t      regio.Transport
	opts   Options
	tx     *ring.TxRing
	rx     *ring.RxRing
	filter *filter.Engine
	ev     device.Events
}

// New returns a driver for the controller behind t.
func New(t regio.Transport, opts Options) (*MAC, error) {
	if opts.Name == "" {
		opts.Name = "emac"
	}
	if opts.MaxRxBurst <= 0 {
		opts.MaxRxBurst = DefaultMaxRxBurst
	}
	tx, err := ring.NewTxRing(t, opts.Tx)
	if err != nil {
		return nil, fmt.Errorf("tx ring: %w", err)
	}
	rx, err := ring.NewRxRing(t, opts.Rx)
	if err != nil {
		return nil, fmt.Errorf("rx ring: %w", err)
	}
	m := &MAC{t: t, opts: opts, tx: tx, rx: rx}
	m.filter = filter.NewEngine(opts.Name, filterRegs{t})
	return m, nil
}

// Bind implements device.Driver.
func (m *MAC) Bind(ev device.Events) { m.ev = ev }

// Ready reports whether the version register answers.
func (m *MAC) Ready() bool {
	return m.t.ReadRegister(RegVersion, regio.Width32) == VersionID
}

// AssertReset starts a DMA software reset, which resets the whole MAC.
func (m *MAC) AssertReset() {
	regio.Update(m.t, RegDMABusMode, regio.Width32, DMASoftReset, 0)
}

// ResetDone reports whether the software reset bit has cleared.
func (m *MAC) ResetDone() bool {
	return m.t.ReadRegister(RegDMABusMode, regio.Width32)&DMASoftReset == 0
}

// Configure programs the station address, clears the filter, builds both
// descriptor lists and starts the MAC and DMA engines.
func (m *MAC) Configure() error {
	m.t.WriteRegister(RegMIIAddr, regio.Width32, MIIClock100)
	m.t.WriteRegister(RegCFG, regio.Width32, CFGDisableRxOwn)

	regs := filterRegs{m.t}
	regs.WriteStation(m.opts.Station)
	for i := 0; i < PerfectSlots; i++ {
		regs.WriteSlot(i, core.MACAddr{}, false)
	}
	regs.WriteHash(0)
	m.t.WriteRegister(RegFrameFltr, regio.Width32, FltrHashOrPerfect|FltrHashMulticast)
	m.t.WriteRegister(RegFlowCtl, regio.Width32, 0)
	m.t.WriteRegister(RegDMAOpMode, regio.Width32, OpRxStoreForward|OpTxStoreForward)

	m.tx.Init()
	m.rx.Init()
	m.t.WriteRegister(RegTxDescList, regio.Width32, m.tx.Base())
	m.t.WriteRegister(RegRxDescList, regio.Width32, m.rx.Base())

	m.t.WriteRegister(RegDMAIntMask, regio.Width32, IntAll)
	regio.Update(m.t, RegCFG, regio.Width32, CFGTxEnable|CFGRxEnable, 0)
	regio.Update(m.t, RegDMAOpMode, regio.Width32, OpStartTx|OpStartRx, 0)

	slog.Debug("mac registers",
		"device", m.opts.Name,
		"cfg", fmt.Sprintf("%#08x", m.t.ReadRegister(RegCFG, regio.Width32)),
		"frame_filter", fmt.Sprintf("%#08x", m.t.ReadRegister(RegFrameFltr, regio.Width32)),
		"dma_op_mode", fmt.Sprintf("%#08x", m.t.ReadRegister(RegDMAOpMode, regio.Width32)),
	)
	return nil
}

// EnableIRQ unmasks the DMA interrupts.
func (m *MAC) EnableIRQ() { m.t.WriteRegister(RegDMAIntMask, regio.Width32, IntAll) }

// DisableIRQ masks every DMA interrupt.
func (m *MAC) DisableIRQ() { m.t.WriteRegister(RegDMAIntMask, regio.Width32, 0) }

// Capture acknowledges transmit completions, masks receive interrupts and
// returns the causes to service.
func (m *MAC) Capture() uint32 {
	status := m.t.ReadRegister(RegDMAStatus, regio.Width32)
	var cause uint32
	if status&StatusTx != 0 {
		m.t.WriteRegister(RegDMAStatus, regio.Width32, StatusTx)
		cause |= CauseTx
	}
	if status&StatusRx != 0 {
		regio.Update(m.t, RegDMAIntMask, regio.Width32, 0, IntRx)
		cause |= CauseRx
	}
	m.t.WriteRegister(RegDMAStatus, regio.Width32, StatusNormal)
	return cause
}

// Service drains received frames and reports transmit space.
func (m *MAC) Service(cause uint32) {
	if cause&CauseTx != 0 && m.tx.Free() {
		m.ev.TransmitReady()
	}
	if cause&CauseRx != 0 {
		m.t.WriteRegister(RegDMAStatus, regio.Width32, StatusRx)
		m.drain()
	}
}

func (m *MAC) drain() {
	for i := 0; i < m.opts.MaxRxBurst; i++ {
		frame, err := m.rx.ReceiveNext()
		m.t.WriteRegister(RegDMAStatus, regio.Width32, StatusRxUnavail)
		m.t.WriteRegister(RegRxPollDemand, regio.Width32, 0)
		switch {
		case errors.Is(err, core.ErrEmpty):
			return
		case err != nil:
			slog.Debug("receive descriptor dropped", "device", m.opts.Name, "error", err)
			m.ev.FrameDropped("invalid")
		default:
			m.ev.FrameReceived(frame)
		}
	}
	m.ev.Reschedule(CauseRx)
}

// Unmask re-enables the DMA interrupts masked by Capture.
func (m *MAC) Unmask(uint32) { m.t.WriteRegister(RegDMAIntMask, regio.Width32, IntAll) }

// Transmit copies frame into the next descriptor and kicks the DMA.
func (m *MAC) Transmit(frame []byte) (bool, error) {
	more, err := m.tx.Transmit(frame)
	if err != nil {
		return false, err
	}
	m.t.WriteRegister(RegDMAStatus, regio.Width32, StatusTxUnavail)
	m.t.WriteRegister(RegTxPollDemand, regio.Width32, 0)
	return more, nil
}

// UpdateFilter reprograms the receive filter.
func (m *MAC) UpdateFilter(station core.MACAddr, table []core.FilterEntry) error {
	m.filter.Program(station, table)
	return nil
}

// SetLinkParams sets the MAC speed and duplex.
func (m *MAC) SetLinkParams(st core.LinkState) {
	var set, clear uint32
	if st.Speed == core.Speed100 {
		set |= CFGSpeed100
	} else {
		clear |= CFGSpeed100
	}
	if st.Duplex == core.DuplexFull {
		set |= CFGDuplexFull
	} else {
		clear |= CFGDuplexFull
	}
	regio.Update(m.t, RegCFG, regio.Width32, set, clear)
}

// Read implements mii.Bus.
func (m *MAC) Read(phy, reg uint8) (uint16, error) {
	if err := m.miiCommand(phy, reg, 0); err != nil {
		return 0, err
	}
	return uint16(m.t.ReadRegister(RegMIIData, regio.Width32)), nil
}

// Write implements mii.Bus.
func (m *MAC) Write(phy, reg uint8, v uint16) error {
	m.t.WriteRegister(RegMIIData, regio.Width32, uint32(v))
	return m.miiCommand(phy, reg, MIIWrite)
}

func (m *MAC) miiCommand(phy, reg uint8, op uint32) error {
	v := m.t.ReadRegister(RegMIIAddr, regio.Width32) & MIIClockMask
	v = MIIPhy.Set(v, uint32(phy))
	v = MIIReg.Set(v, uint32(reg))
	m.t.WriteRegister(RegMIIAddr, regio.Width32, v|op|MIIBusy)
	if err := m.opts.Poll.UntilClear(m.t, RegMIIAddr, regio.Width32, MIIBusy, "mdio"); err != nil {
		return fmt.Errorf("phy %d reg %d: %w", phy, reg, err)
	}
	return nil
}

// filterRegs packs addresses the way the controller expects: bytes 0..3 in
// the low register, least significant first, bytes 4..5 in the high one.
type filterRegs struct{ t regio.Transport }

func packAddr(a core.MACAddr) (hi, lo uint32) {
	lo = uint32(a[0]) | uint32(a[1])<<8 | uint32(a[2])<<16 | uint32(a[3])<<24
	hi = uint32(a[4]) | uint32(a[5])<<8
	return hi, lo
}

func (r filterRegs) Slots() int { return PerfectSlots }

func (r filterRegs) WriteStation(a core.MACAddr) {
	hi, lo := packAddr(a)
	r.t.WriteRegister(AddrL(0), regio.Width32, lo)
	r.t.WriteRegister(AddrH(0), regio.Width32, hi)
}

func (r filterRegs) WriteSlot(i int, a core.MACAddr, enable bool) {
	var hi, lo uint32
	if enable {
		hi, lo = packAddr(a)
		hi |= AddrHEnable
	}
	r.t.WriteRegister(AddrL(i+1), regio.Width32, lo)
	r.t.WriteRegister(AddrH(i+1), regio.Width32, hi)
}

func (r filterRegs) WriteHash(table uint64) {
	r.t.WriteRegister(RegHashL, regio.Width32, uint32(table))
	r.t.WriteRegister(RegHashH, regio.Width32, uint32(table>>32))
}

func (r filterRegs) SetHashMode(multicast, unicast bool) {
	v := r.t.ReadRegister(RegFrameFltr, regio.Width32) &^ (FltrHashMulticast | FltrHashUnicast)
	if multicast {
		v |= FltrHashMulticast
	}
	if unicast {
		v |= FltrHashUnicast
	}
	r.t.WriteRegister(RegFrameFltr, regio.Width32, v)
}
