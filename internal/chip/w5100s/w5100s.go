// Package w5100s drives a WIZnet W5100S-class controller with socket 0 in
// MACRAW mode. Frames move through two circular buffers addressed by
// free-running pointers; the on-chip PHY doubles as the device's link.
package w5100s

import (
	"context"
	"encoding/binary"
	"errors"
	"fmt"
	"log/slog"

	"firestige.xyz/ethctl/internal/core"
	"firestige.xyz/ethctl/internal/device"
	"firestige.xyz/ethctl/internal/regio"
	"firestige.xyz/ethctl/internal/ring"
)

// Dispatcher causes.
const (
	CauseTx uint32 = 1 << 0
	CauseRx uint32 = 1 << 1
)

// DefaultBufferKB is the socket 0 buffer size in each direction.
const DefaultBufferKB = 8

// rxHeaderLen is the big-endian length prefix the chip stores before each
// frame. The length counts the prefix itself.
const rxHeaderLen = 2

// Options configure a controller.
type Options struct {
	Name       string
	Station    core.MACAddr
	Poll       regio.Poller
	TxBufferKB int
	RxBufferKB int
	MaxRxBurst int
}

// MAC is the driver for one controller. It implements both device.Driver
// and device.Link.
type MAC struct {
	t    regio.Transport
	opts Options
	tx   *ring.CircBuf
	rx   *ring.CircBuf
	ev   device.Events
}

// New returns a driver for the controller behind t.
func New(t regio.Transport, opts Options) (*MAC, error) {
	if opts.Name == "" {
		opts.Name = "w5100s"
	}
	if opts.TxBufferKB == 0 {
		opts.TxBufferKB = DefaultBufferKB
	}
	if opts.RxBufferKB == 0 {
		opts.RxBufferKB = DefaultBufferKB
	}
	if opts.MaxRxBurst <= 0 {
		opts.MaxRxBurst = 32
	}
	if opts.TxBufferKB+opts.RxBufferKB > 16 {
		return nil, fmt.Errorf("%w: socket buffers %d+%d KB exceed 16 KB", core.ErrConfigInvalid, opts.TxBufferKB, opts.RxBufferKB)
	}
	tx, err := ring.NewCircBuf(t, opts.Poll, TxBuffer, uint32(opts.TxBufferKB)*1024,
		SocketReg(0, SnTxWR), SocketReg(0, SnCR), SnCRSend)
	if err != nil {
		return nil, fmt.Errorf("tx buffer: %w", err)
	}
	rx, err := ring.NewCircBuf(t, opts.Poll, RxBuffer, uint32(opts.RxBufferKB)*1024,
		SocketReg(0, SnRxRD), SocketReg(0, SnCR), SnCRRecv)
	if err != nil {
		return nil, fmt.Errorf("rx buffer: %w", err)
	}
	return &MAC{t: t, opts: opts, tx: tx, rx: rx}, nil
}

// Bind implements device.Driver.
func (m *MAC) Bind(ev device.Events) { m.ev = ev }

// Ready reports whether the version register carries the chip signature.
func (m *MAC) Ready() bool {
	return m.t.ReadRegister(RegVERR, regio.Width8) == VERRDefault
}

// AssertReset requests a software reset.
func (m *MAC) AssertReset() { m.t.WriteRegister(RegMR, regio.Width8, MRReset) }

// ResetDone reports whether the reset bit has cleared.
func (m *MAC) ResetDone() bool {
	return m.t.ReadRegister(RegMR, regio.Width8)&MRReset == 0
}

// Configure sets the station address, gives socket 0 all buffer memory and
// opens it in MACRAW mode.
func (m *MAC) Configure() error {
	m.t.WriteRegister(RegNETLCKR, regio.Width8, NETLCKRUnlock)
	m.t.WriteBuffer(RegSHAR, m.opts.Station[:])

	m.t.WriteRegister(SocketReg(0, SnTxBufSz), regio.Width8, uint32(m.opts.TxBufferKB))
	m.t.WriteRegister(SocketReg(0, SnRxBufSz), regio.Width8, uint32(m.opts.RxBufferKB))
	for n := 1; n < Sockets; n++ {
		m.t.WriteRegister(SocketReg(n, SnTxBufSz), regio.Width8, 0)
		m.t.WriteRegister(SocketReg(n, SnRxBufSz), regio.Width8, 0)
	}

	m.t.WriteRegister(SocketReg(0, SnMR), regio.Width8, SnMRMACFilter|SnMRMACRAW)
	m.t.WriteRegister(SocketReg(0, SnCR), regio.Width8, SnCROpen)
	err := m.opts.Poll.Until("socket open", func() bool {
		return m.t.ReadRegister(SocketReg(0, SnSR), regio.Width8) == SnSRMACRAW
	})
	if err != nil {
		return err
	}

	m.t.WriteRegister(SocketReg(0, SnIMR), regio.Width8, SnIRSendOK|SnIRRecv)
	m.t.WriteRegister(RegIMR, regio.Width8, IRSocket0)
	m.dump()
	return nil
}

func (m *MAC) dump() {
	if !slog.Default().Enabled(context.Background(), slog.LevelDebug) {
		return
	}
	regs := make([]byte, 64)
	m.t.ReadBuffer(0, regs)
	slog.Debug("controller registers", "device", m.opts.Name, "regs", fmt.Sprintf("% x", regs))
}

// EnableIRQ unmasks the socket 0 interrupt.
func (m *MAC) EnableIRQ() { m.t.WriteRegister(RegIMR, regio.Width8, IRSocket0) }

// DisableIRQ masks every interrupt.
func (m *MAC) DisableIRQ() { m.t.WriteRegister(RegIMR, regio.Width8, 0) }

// Capture acknowledges socket 0 events and releases the interrupt line until
// Unmask. The mask is only dropped when a cause is returned.
func (m *MAC) Capture() uint32 {
	ir := m.t.ReadRegister(RegIR, regio.Width8)
	if ir&IRSocket0 == 0 {
		return 0
	}
	sir := m.t.ReadRegister(SocketReg(0, SnIR), regio.Width8)
	var cause uint32
	if sir&SnIRSendOK != 0 {
		cause |= CauseTx
	}
	if sir&SnIRRecv != 0 {
		cause |= CauseRx
	}
	m.t.WriteRegister(SocketReg(0, SnIR), regio.Width8, sir)
	if cause != 0 {
		m.t.WriteRegister(RegIMR, regio.Width8, 0)
	}
	return cause
}

// Service reports transmit space and drains the receive buffer.
func (m *MAC) Service(cause uint32) {
	if cause&CauseTx != 0 && m.txFree() >= core.MaxFrameSize {
		m.ev.TransmitReady()
	}
	if cause&CauseRx == 0 {
		return
	}
	for i := 0; i < m.opts.MaxRxBurst; i++ {
		frame, err := m.ReceiveNext()
		switch {
		case errors.Is(err, core.ErrEmpty):
			return
		case err != nil:
			slog.Debug("receive buffer flushed", "device", m.opts.Name, "error", err)
			m.ev.FrameDropped("length")
		default:
			m.ev.FrameReceived(frame)
		}
	}
	m.ev.Reschedule(CauseRx)
}

// Unmask re-enables the interrupt released by Capture.
func (m *MAC) Unmask(uint32) { m.EnableIRQ() }

func (m *MAC) txFree() int {
	return int(m.t.ReadRegister(SocketReg(0, SnTxFSR), regio.Width16))
}

func (m *MAC) rxPending() int {
	return int(m.t.ReadRegister(SocketReg(0, SnRxRSR), regio.Width16))
}

// ReceiveNext reads one frame. A length prefix outside the Ethernet range
// means the buffer is out of step; every pending byte is skipped and
// core.ErrInvalidLength returned.
func (m *MAC) ReceiveNext() ([]byte, error) {
	pending := m.rxPending()
	if pending == 0 {
		return nil, core.ErrEmpty
	}
	var hdr [rxHeaderLen]byte
	m.rx.Peek(0, hdr[:])
	n := int(binary.BigEndian.Uint16(hdr[:]))
	if n < rxHeaderLen+core.EthHeaderLen || n > core.MaxFrameSize+rxHeaderLen || n > pending {
		if err := m.rx.Consume(pending); err != nil {
			return nil, err
		}
		return nil, fmt.Errorf("length prefix %d with %d bytes pending: %w", n, pending, core.ErrInvalidLength)
	}
	frame := make([]byte, n-rxHeaderLen)
	m.rx.Peek(rxHeaderLen, frame)
	if err := m.rx.Consume(n); err != nil {
		return nil, err
	}
	return frame, nil
}

// Transmit writes frame into the transmit buffer and issues SEND.
func (m *MAC) Transmit(frame []byte) (bool, error) {
	if len(frame) == 0 || len(frame) > core.MaxFrameSize {
		return false, fmt.Errorf("transmit %d bytes: %w", len(frame), core.ErrInvalidLength)
	}
	if m.txFree() < len(frame) {
		return false, core.ErrBusy
	}
	if err := m.tx.Put(frame); err != nil {
		return false, err
	}
	return m.txFree() >= core.MaxFrameSize, nil
}

// UpdateFilter reprograms the station address. The MACRAW socket filter
// passes only the station, broadcast and multicast, so the table itself has
// nowhere to go.
func (m *MAC) UpdateFilter(station core.MACAddr, table []core.FilterEntry) error {
	m.t.WriteBuffer(RegSHAR, station[:])
	slog.Debug("filter table ignored by MACRAW socket", "device", m.opts.Name, "entries", len(table))
	return nil
}

// SetLinkParams is a no-op: the on-chip PHY and MAC agree by construction.
func (m *MAC) SetLinkParams(core.LinkState) {}

// Ports implements device.Link.
func (m *MAC) Ports() int { return 1 }

// LinkState decodes PHYSR0.
func (m *MAC) LinkState(port uint8) core.LinkState {
	if port != 1 {
		return core.LinkState{}
	}
	v := m.t.ReadRegister(RegPHYSR0, regio.Width8)
	if v&PHYSR0Link == 0 {
		return core.LinkState{}
	}
	st := core.LinkState{Up: true, Speed: core.Speed100, Duplex: core.DuplexFull}
	if v&PHYSR0Speed10 != 0 {
		st.Speed = core.Speed10
	}
	if v&PHYSR0Half != 0 {
		st.Duplex = core.DuplexHalf
	}
	return st
}

// HostLink is the state of the on-chip PHY.
func (m *MAC) HostLink() core.LinkState { return m.LinkState(1) }
