package sim

import (
	"encoding/binary"

	"firestige.xyz/ethctl/internal/chip/w5100s"
	"firestige.xyz/ethctl/internal/core"
	"firestige.xyz/ethctl/internal/regio"
)

// W5100S models a W5100S with socket 0 in MACRAW mode: version and mode
// registers, self-clearing socket commands, both circular buffers with their
// pointer registers, socket interrupts and the PHY status register.
type W5100S struct {
	*Memory

	// StuckCommand leaves socket commands pending forever.
	StuckCommand bool

	resetReads int
	sir        uint32
	rxWr       uint16
	rxAck      uint16
	sent       [][]byte
	dropped    int
	physr      uint32 // survives software reset
}

// NewW5100S returns a controller fresh out of power-on reset.
func NewW5100S() *W5100S {
	s := &W5100S{Memory: NewMemory(regio.WiznetFraming{})}
	s.powerOn()
	s.BeforeRead = s.beforeRead
	s.AfterWrite = s.afterWrite
	return s
}

func (s *W5100S) powerOn() {
	s.bytes = make(map[uint32]byte)
	s.SetReg(w5100s.RegVERR, regio.Width8, w5100s.VERRDefault)
	for n := 0; n < w5100s.Sockets; n++ {
		s.SetReg(w5100s.SocketReg(n, w5100s.SnTxBufSz), regio.Width8, 2)
		s.SetReg(w5100s.SocketReg(n, w5100s.SnRxBufSz), regio.Width8, 2)
	}
	s.SetReg(w5100s.RegPHYSR0, regio.Width8, s.physr)
	s.sir, s.rxWr, s.rxAck = 0, 0, 0
}

// SetLink sets the PHY status register.
func (s *W5100S) SetLink(st core.LinkState) {
	s.Lock()
	defer s.Unlock()
	var v uint32
	if st.Up {
		v |= w5100s.PHYSR0Link
		if st.Speed == core.Speed10 {
			v |= w5100s.PHYSR0Speed10
		}
		if st.Duplex == core.DuplexHalf {
			v |= w5100s.PHYSR0Half
		}
	}
	s.physr = v
	s.SetReg(w5100s.RegPHYSR0, regio.Width8, v)
}

// Sent returns the frames transmitted so far.
func (s *W5100S) Sent() [][]byte {
	s.Lock()
	defer s.Unlock()
	return append([][]byte(nil), s.sent...)
}

// Dropped returns the number of injected frames that did not fit or failed
// the MAC filter.
func (s *W5100S) Dropped() int {
	s.Lock()
	defer s.Unlock()
	return s.dropped
}

// Asserted reports whether the interrupt line is active.
func (s *W5100S) Asserted() bool {
	s.Lock()
	defer s.Unlock()
	return s.ir()&s.Reg(w5100s.RegIMR, regio.Width8) != 0
}

func (s *W5100S) ir() uint32 {
	if s.sir&s.Reg(w5100s.SocketReg(0, w5100s.SnIMR), regio.Width8) != 0 {
		return w5100s.IRSocket0
	}
	return 0
}

func (s *W5100S) bufSize(reg uint32) uint32 {
	return s.Reg(w5100s.SocketReg(0, reg), regio.Width8) * 1024
}

// Inject receives frame from the wire into the socket 0 receive buffer,
// prefixed with its length.
func (s *W5100S) Inject(frame []byte) bool {
	s.Lock()
	defer s.Unlock()
	if s.Reg(w5100s.SocketReg(0, w5100s.SnSR), regio.Width8) != w5100s.SnSRMACRAW || len(frame) < core.EthHeaderLen {
		s.dropped++
		return false
	}
	dst := core.MACAddr(frame[:6])
	var station core.MACAddr
	s.Bytes(w5100s.RegSHAR, station[:])
	if !dst.IsMulticast() && dst != station {
		s.dropped++
		return false
	}
	rec := binary.BigEndian.AppendUint16(nil, uint16(len(frame)+2))
	return s.injectLocked(append(rec, frame...))
}

// InjectRaw places p in the receive buffer as is, for malformed prefixes.
func (s *W5100S) InjectRaw(p []byte) bool {
	s.Lock()
	defer s.Unlock()
	return s.injectLocked(p)
}

func (s *W5100S) injectLocked(p []byte) bool {
	size := s.bufSize(w5100s.SnRxBufSz)
	if uint32(s.rxWr-s.rxAck)+uint32(len(p)) > size {
		s.dropped++
		return false
	}
	for i, b := range p {
		off := (uint32(s.rxWr) + uint32(i)) & (size - 1)
		s.bytes[w5100s.RxBuffer+off] = b
	}
	s.rxWr += uint16(len(p))
	s.SetReg(w5100s.SocketReg(0, w5100s.SnRxWR), regio.Width16, uint32(s.rxWr))
	s.sir |= w5100s.SnIRRecv
	return true
}

func (s *W5100S) beforeRead(addr uint32, n int) {
	switch {
	case overlaps(addr, n, w5100s.RegMR, regio.Width8) && s.resetReads > 0:
		s.resetReads--
		if s.resetReads == 0 {
			s.powerOn()
		}
	case overlaps(addr, n, w5100s.RegIR, regio.Width8):
		s.SetReg(w5100s.RegIR, regio.Width8, s.ir())
	case overlaps(addr, n, w5100s.SocketReg(0, w5100s.SnIR), regio.Width8):
		s.SetReg(w5100s.SocketReg(0, w5100s.SnIR), regio.Width8, s.sir)
	case overlaps(addr, n, w5100s.SocketReg(0, w5100s.SnTxFSR), regio.Width16):
		used := uint16(s.Reg(w5100s.SocketReg(0, w5100s.SnTxWR), regio.Width16)) -
			uint16(s.Reg(w5100s.SocketReg(0, w5100s.SnTxRD), regio.Width16))
		s.SetReg(w5100s.SocketReg(0, w5100s.SnTxFSR), regio.Width16, s.bufSize(w5100s.SnTxBufSz)-uint32(used))
	case overlaps(addr, n, w5100s.SocketReg(0, w5100s.SnRxRSR), regio.Width16):
		s.SetReg(w5100s.SocketReg(0, w5100s.SnRxRSR), regio.Width16, uint32(s.rxWr-s.rxAck))
	}
}

func (s *W5100S) afterWrite(addr uint32, n int) {
	switch {
	case overlaps(addr, n, w5100s.RegMR, regio.Width8):
		if s.Reg(w5100s.RegMR, regio.Width8)&w5100s.MRReset != 0 {
			s.resetReads = 2
		}
	case overlaps(addr, n, w5100s.SocketReg(0, w5100s.SnIR), regio.Width8):
		s.sir &^= s.Reg(w5100s.SocketReg(0, w5100s.SnIR), regio.Width8)
	case overlaps(addr, n, w5100s.SocketReg(0, w5100s.SnCR), regio.Width8):
		s.command(s.Reg(w5100s.SocketReg(0, w5100s.SnCR), regio.Width8))
	}
}

func (s *W5100S) command(cmd uint32) {
	switch cmd {
	case w5100s.SnCROpen:
		if s.Reg(w5100s.SocketReg(0, w5100s.SnMR), regio.Width8)&w5100s.SnMRProtoMask == w5100s.SnMRMACRAW {
			s.SetReg(w5100s.SocketReg(0, w5100s.SnSR), regio.Width8, w5100s.SnSRMACRAW)
		}
	case w5100s.SnCRSend:
		s.send()
	case w5100s.SnCRRecv:
		s.rxAck = uint16(s.Reg(w5100s.SocketReg(0, w5100s.SnRxRD), regio.Width16))
		if s.rxWr != s.rxAck {
			s.sir |= w5100s.SnIRRecv
		}
	}
	if !s.StuckCommand {
		s.SetReg(w5100s.SocketReg(0, w5100s.SnCR), regio.Width8, 0)
	}
}

func (s *W5100S) send() {
	size := s.bufSize(w5100s.SnTxBufSz)
	rd := uint16(s.Reg(w5100s.SocketReg(0, w5100s.SnTxRD), regio.Width16))
	wr := uint16(s.Reg(w5100s.SocketReg(0, w5100s.SnTxWR), regio.Width16))
	frame := make([]byte, wr-rd)
	for i := range frame {
		frame[i] = s.bytes[w5100s.TxBuffer+((uint32(rd)+uint32(i))&(size-1))]
	}
	s.sent = append(s.sent, frame)
	s.SetReg(w5100s.SocketReg(0, w5100s.SnTxRD), regio.Width16, uint32(wr))
	s.sir |= w5100s.SnIRSendOK
}
