package sim

import (
	"firestige.xyz/ethctl/internal/chip/emac"
	"firestige.xyz/ethctl/internal/core"
	"firestige.xyz/ethctl/internal/filter"
	"firestige.xyz/ethctl/internal/mii"
	"firestige.xyz/ethctl/internal/regio"
	"firestige.xyz/ethctl/internal/ring"
)

// EMAC models a DMA MAC with its descriptor memory: the MAC and DMA register
// blocks, the receive filter, MII management forwarded to a clause 22 bus, and
// a descriptor engine that walks chains and rings the way hardware does.
type EMAC struct {
	*Memory

	// MDIO receives management transactions; nil floats the bus.
	MDIO mii.Bus
	// HoldTx leaves transmit descriptors owned by hardware until CompleteTx.
	HoldTx bool

	resetReads int
	status     uint32
	txCur      uint32
	rxCur      uint32
	sent       [][]byte
	dropped    int
}

// NewEMAC returns a MAC fresh out of reset.
func NewEMAC(mdio mii.Bus) *EMAC {
	s := &EMAC{Memory: NewMemory(regio.KSZFraming{}), MDIO: mdio}
	s.SetReg(emac.RegVersion, regio.Width32, emac.VersionID)
	s.BeforeRead = s.beforeRead
	s.AfterWrite = s.afterWrite
	return s
}

// Sent returns the frames the DMA engine has transmitted.
func (s *EMAC) Sent() [][]byte {
	s.Lock()
	defer s.Unlock()
	return append([][]byte(nil), s.sent...)
}

// Dropped returns the number of injected frames that found no free
// descriptor or failed the address filter.
func (s *EMAC) Dropped() int {
	s.Lock()
	defer s.Unlock()
	return s.dropped
}

// Asserted reports whether an unmasked DMA status bit is pending.
func (s *EMAC) Asserted() bool {
	s.Lock()
	defer s.Unlock()
	return s.status&s.Reg(emac.RegDMAIntMask, regio.Width32) != 0
}

// CompleteTx finishes every descriptor held by HoldTx.
func (s *EMAC) CompleteTx() {
	s.Lock()
	defer s.Unlock()
	s.processTx(true)
}

// Inject delivers frame from the wire. It reports whether a receive
// descriptor took it.
func (s *EMAC) Inject(frame []byte) bool {
	s.Lock()
	defer s.Unlock()
	if s.Reg(emac.RegCFG, regio.Width32)&emac.CFGRxEnable == 0 ||
		s.Reg(emac.RegDMAOpMode, regio.Width32)&emac.OpStartRx == 0 {
		s.dropped++
		return false
	}
	if len(frame) < core.EthHeaderLen || !s.accepts(core.MACAddr(frame[:6])) {
		s.dropped++
		return false
	}
	d := s.rxCur
	st := s.Reg(d+ring.DescStatus, regio.Width32)
	if st&ring.RxOwn == 0 {
		s.status |= emac.StatusRxUnavail | emac.StatusNormal
		s.dropped++
		return false
	}
	ctrl := s.Reg(d+ring.DescCtrl, regio.Width32)
	size := int(ring.RxBufLen.Get(ctrl))
	if len(frame) > size {
		s.SetReg(d+ring.DescStatus, regio.Width32, ring.RxFirst|ring.RxErr)
	} else {
		s.SetBytes(s.Reg(d+ring.DescBuf, regio.Width32), frame)
		s.SetReg(d+ring.DescStatus, regio.Width32,
			ring.RxFrameLen.Set(0, uint32(len(frame)))|ring.RxFirst|ring.RxLast)
	}
	s.rxCur = s.nextDesc(d, ctrl&ring.RxChained != 0, ctrl&ring.RxEndRing != 0, emac.RegRxDescList)
	s.status |= emac.StatusRx | emac.StatusNormal
	return true
}

// Accepts reports whether the receive filter passes dst.
func (s *EMAC) Accepts(dst core.MACAddr) bool {
	s.Lock()
	defer s.Unlock()
	return s.accepts(dst)
}

func (s *EMAC) accepts(dst core.MACAddr) bool {
	if dst.IsBroadcast() || dst == s.slot(0) {
		return true
	}
	for i := 1; i <= emac.PerfectSlots; i++ {
		if s.Reg(emac.AddrH(i), regio.Width32)&emac.AddrHEnable != 0 && dst == s.slot(i) {
			return true
		}
	}
	fltr := s.Reg(emac.RegFrameFltr, regio.Width32)
	hashOn := fltr&emac.FltrHashUnicast != 0
	if dst.IsMulticast() {
		hashOn = fltr&emac.FltrHashMulticast != 0
	}
	if !hashOn {
		return false
	}
	hash := uint64(s.Reg(emac.RegHashH, regio.Width32))<<32 | uint64(s.Reg(emac.RegHashL, regio.Width32))
	return hash&(1<<filter.HashIndex(dst)) != 0
}

func (s *EMAC) slot(i int) core.MACAddr {
	lo := s.Reg(emac.AddrL(i), regio.Width32)
	hi := s.Reg(emac.AddrH(i), regio.Width32)
	return core.MACAddr{byte(lo), byte(lo >> 8), byte(lo >> 16), byte(lo >> 24), byte(hi), byte(hi >> 8)}
}

func (s *EMAC) nextDesc(d uint32, chained, end bool, listReg uint32) uint32 {
	switch {
	case chained:
		return s.Reg(d+ring.DescNext, regio.Width32)
	case end:
		return s.Reg(listReg, regio.Width32)
	default:
		return d + ring.DescSize
	}
}

// processTx sends every hardware-owned descriptor from the cursor on.
func (s *EMAC) processTx(force bool) {
	if s.Reg(emac.RegDMAOpMode, regio.Width32)&emac.OpStartTx == 0 {
		return
	}
	if s.HoldTx && !force {
		return
	}
	for i := 0; i < 1024; i++ {
		d := s.txCur
		st := s.Reg(d+ring.DescStatus, regio.Width32)
		if st&ring.TxOwn == 0 {
			s.status |= emac.StatusTxUnavail | emac.StatusNormal
			return
		}
		n := ring.TxLen.Get(s.Reg(d+ring.DescCtrl, regio.Width32))
		frame := make([]byte, n)
		s.Bytes(s.Reg(d+ring.DescBuf, regio.Width32), frame)
		s.sent = append(s.sent, frame)
		s.SetReg(d+ring.DescStatus, regio.Width32, st&^ring.TxOwn)
		if st&ring.TxIntOnEnd != 0 {
			s.status |= emac.StatusTx | emac.StatusNormal
		}
		s.txCur = s.nextDesc(d, st&ring.TxChained != 0, st&ring.TxEndRing != 0, emac.RegTxDescList)
	}
}

func (s *EMAC) beforeRead(addr uint32, n int) {
	switch {
	case overlaps(addr, n, emac.RegDMABusMode, regio.Width32) && s.resetReads > 0:
		s.resetReads--
		if s.resetReads == 0 {
			s.SetReg(emac.RegDMABusMode, regio.Width32, 0)
		}
	case overlaps(addr, n, emac.RegDMAStatus, regio.Width32):
		s.SetReg(emac.RegDMAStatus, regio.Width32, s.status)
	}
}

func (s *EMAC) afterWrite(addr uint32, n int) {
	switch {
	case overlaps(addr, n, emac.RegDMABusMode, regio.Width32):
		if s.Reg(emac.RegDMABusMode, regio.Width32)&emac.DMASoftReset != 0 {
			s.reset()
		}
	case overlaps(addr, n, emac.RegDMAStatus, regio.Width32):
		s.status &^= s.Reg(emac.RegDMAStatus, regio.Width32)
		s.SetReg(emac.RegDMAStatus, regio.Width32, s.status)
	case overlaps(addr, n, emac.RegMIIAddr, regio.Width32):
		s.miiCommand()
	case overlaps(addr, n, emac.RegTxDescList, regio.Width32):
		s.txCur = s.Reg(emac.RegTxDescList, regio.Width32)
	case overlaps(addr, n, emac.RegRxDescList, regio.Width32):
		s.rxCur = s.Reg(emac.RegRxDescList, regio.Width32)
	case overlaps(addr, n, emac.RegTxPollDemand, regio.Width32):
		s.processTx(false)
	}
}

func (s *EMAC) reset() {
	for _, r := range []uint32{emac.RegCFG, emac.RegFrameFltr, emac.RegHashH, emac.RegHashL,
		emac.RegDMAOpMode, emac.RegDMAIntMask} {
		s.SetReg(r, regio.Width32, 0)
	}
	s.status = 0
	s.resetReads = 2
}

func (s *EMAC) miiCommand() {
	v := s.Reg(emac.RegMIIAddr, regio.Width32)
	if v&emac.MIIBusy == 0 {
		return
	}
	phy, reg := uint8(emac.MIIPhy.Get(v)), uint8(emac.MIIReg.Get(v))
	if s.MDIO == nil {
		s.SetReg(emac.RegMIIData, regio.Width32, 0xFFFF)
	} else if v&emac.MIIWrite != 0 {
		_ = s.MDIO.Write(phy, reg, uint16(s.Reg(emac.RegMIIData, regio.Width32)))
	} else {
		d, _ := s.MDIO.Read(phy, reg)
		s.SetReg(emac.RegMIIData, regio.Width32, uint32(d))
	}
	s.SetReg(emac.RegMIIAddr, regio.Width32, v&^emac.MIIBusy)
}
