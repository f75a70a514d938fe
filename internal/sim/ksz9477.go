package sim

import (
	"slices"

	"firestige.xyz/ethctl/internal/chip/ksz9477"
	"firestige.xyz/ethctl/internal/core"
	"firestige.xyz/ethctl/internal/fdb"
	"firestige.xyz/ethctl/internal/mii"
	"firestige.xyz/ethctl/internal/regio"
	"firestige.xyz/ethctl/internal/tailtag"
)

// Learned is one address in the simulated dynamic table.
type Learned struct {
	MAC  core.MACAddr
	Port uint8
}

type mmdKey struct {
	port, dev uint8
	reg       uint16
}

// KSZ9477 models the SPI register map of a KSZ9477 switch: chip ID, soft
// reset, port MSTP state, per-port PHY registers, the static and dynamic
// address tables and the tail tag on the host port.
type KSZ9477 struct {
	*Memory

	// ReadyAfter is the number of CHIP_ID1 reads that return garbage before
	// the signature appears; negative means never.
	ReadyAfter int
	// StuckStart leaves the static table START bit set forever.
	StuckStart bool

	idReads   int
	resetLeft int
	static    [ksz9477.StaticTableSlots][4]uint32
	learned   []Learned
	searching bool
	searchPos int
	consumed  bool
	links     [ksz9477.NumPorts + 1]core.LinkState
	latched   [ksz9477.NumPorts + 1]bool
	mmdCtrl   [ksz9477.NumPorts + 1]uint16
	mmdAddr   map[[2]uint8]uint16
	mmd       map[mmdKey]uint16
}

// NewKSZ9477 returns a switch fresh out of power-on reset.
func NewKSZ9477() *KSZ9477 {
	s := &KSZ9477{
		Memory:  NewMemory(regio.KSZFraming{}),
		mmdAddr: make(map[[2]uint8]uint16),
		mmd:     make(map[mmdKey]uint16),
	}
	s.SetReg(ksz9477.RegChipID2, regio.Width8, ksz9477.ChipID2Default)
	s.SetReg(ksz9477.RegSwitchMACCtrl0, regio.Width8, ksz9477.MACCtrl0FrameLenCheck)
	s.SetReg(ksz9477.XMIICtrl0(ksz9477.HostPort), regio.Width8, ksz9477.XMIICtrl0Duplex|ksz9477.XMIICtrl0Speed10100)
	s.SetReg(ksz9477.XMIICtrl1(ksz9477.HostPort), regio.Width8, ksz9477.XMIICtrl1IfTypeRGMII)
	for p := ksz9477.Port1; p <= ksz9477.Port5; p++ {
		s.SetReg(ksz9477.MSTPState(p), regio.Width8, ksz9477.MSTPTransmitEnable|ksz9477.MSTPReceiveEnable)
		s.refreshPHY(p)
	}
	s.BeforeRead = s.beforeRead
	s.AfterWrite = s.afterWrite
	return s
}

// SetLink changes the link of a PHY port. A link loss is latched in BMSR
// until read.
func (s *KSZ9477) SetLink(port int, st core.LinkState) {
	s.Lock()
	defer s.Unlock()
	if s.links[port].Up && !st.Up {
		s.latched[port] = true
	}
	s.links[port] = st
	s.refreshPHY(port)
}

// Learn adds an address to the dynamic table as if a frame from mac had
// arrived on port.
func (s *KSZ9477) Learn(mac core.MACAddr, port uint8) {
	s.Lock()
	defer s.Unlock()
	s.learn(mac, port)
}

func (s *KSZ9477) learn(mac core.MACAddr, port uint8) {
	for i := range s.learned {
		if s.learned[i].MAC == mac {
			s.learned[i].Port = port
			return
		}
	}
	s.learned = append(s.learned, Learned{MAC: mac, Port: port})
}

// Learned returns a copy of the dynamic table.
func (s *KSZ9477) Learned() []Learned {
	s.Lock()
	defer s.Unlock()
	return slices.Clone(s.learned)
}

// MMD returns a clause 45 register of a PHY port.
func (s *KSZ9477) MMD(port, dev uint8, reg uint16) uint16 {
	s.Lock()
	defer s.Unlock()
	return s.mmd[mmdKey{port, dev, reg}]
}

// Ingress accepts a frame on a front port, learns its source address when
// the port state allows and returns the frame as the host receives it.
func (s *KSZ9477) Ingress(port uint8, frame []byte) []byte {
	s.Lock()
	defer s.Unlock()
	if s.Reg(ksz9477.MSTPState(int(port)), regio.Width8)&ksz9477.MSTPLearningDisable == 0 && len(frame) >= core.EthHeaderLen {
		var src core.MACAddr
		copy(src[:], frame[6:12])
		s.learn(src, port)
	}
	out := slices.Clone(frame)
	if s.tagging() {
		out = tailtag.AppendEgress(out, port)
	}
	return out
}

// FromHost decodes a frame sent by the host. With tail tagging enabled it
// strips the tag and returns the destination port map, 0 meaning a normal
// address lookup.
func (s *KSZ9477) FromHost(frame []byte) ([]byte, uint16, error) {
	s.Lock()
	tagging := s.tagging()
	s.Unlock()
	if !tagging {
		return frame, 0, nil
	}
	payload, mask, _, err := tailtag.ParseIngress(frame)
	return payload, mask, err
}

func (s *KSZ9477) tagging() bool {
	return s.Reg(ksz9477.OpCtrl0(ksz9477.HostPort), regio.Width8)&ksz9477.OpCtrl0TailTagEnable != 0
}

func (s *KSZ9477) refreshPHY(port int) {
	st := s.links[port]
	bmsr := uint32(mii.BMSRExtCap | mii.BMSRANCap | mii.BMSR10Half | mii.BMSR10Full | mii.BMSR100Half | mii.BMSR100Full)
	var phycon uint16
	if st.Up && !s.latched[port] {
		bmsr |= uint32(mii.BMSRLinkStatus | mii.BMSRANComplete)
	}
	if st.Up {
		switch st.Speed {
		case core.Speed1000:
			phycon |= ksz9477.PHYCONSpeed1000
		case core.Speed100:
			phycon |= ksz9477.PHYCONSpeed100
		case core.Speed10:
			phycon |= ksz9477.PHYCONSpeed10
		}
		if st.Duplex == core.DuplexFull {
			phycon |= ksz9477.PHYCONDuplex
		}
	}
	s.SetReg(ksz9477.PHYReg(port, mii.RegBMSR), regio.Width16, bmsr)
	s.SetReg(ksz9477.PHYReg(port, ksz9477.PHYRegPHYCON), regio.Width16, uint32(phycon))
}

// phyAccess maps a register address to a PHY port and register number.
func phyAccess(addr uint32) (int, uint8, bool) {
	port := int(addr >> 12)
	off := addr & 0x0FFF
	if port < ksz9477.Port1 || port > ksz9477.Port5 || off < 0x100 || off >= 0x140 {
		return 0, 0, false
	}
	return port, uint8((off - 0x100) / 2), true
}

func (s *KSZ9477) beforeRead(addr uint32, n int) {
	switch {
	case overlaps(addr, n, ksz9477.RegChipID1, regio.Width8):
		s.idReads++
		id := uint32(0)
		if s.ReadyAfter >= 0 && s.idReads > s.ReadyAfter {
			id = ksz9477.ChipID1Default
		}
		s.SetReg(ksz9477.RegChipID1, regio.Width8, id)
	case overlaps(addr, n, ksz9477.RegSwitchOp, regio.Width8) && s.resetLeft > 0:
		s.resetLeft--
		if s.resetLeft == 0 {
			v := s.Reg(ksz9477.RegSwitchOp, regio.Width8)
			s.SetReg(ksz9477.RegSwitchOp, regio.Width8, v&^ksz9477.SwitchOpSoftReset)
		}
	case overlaps(addr, n, ksz9477.RegALUCtrl, regio.Width32) && s.searching && s.consumed:
		s.searchPos++
		s.consumed = false
		s.loadSearch()
	case overlaps(addr, n, ksz9477.RegEntry4, regio.Width32) && s.searching:
		s.consumed = true
	}

	if port, reg, ok := phyAccess(addr); ok {
		switch reg {
		case mii.RegBMSR:
			// A latched link loss shows once, then the read clears it.
			s.refreshPHY(port)
			s.latched[port] = false
		case mii.RegMMDAAR:
			ctrl := s.mmdCtrl[port]
			if ctrl&0xC000 != mii.MMDFuncAddr {
				dev := uint8(ctrl & 0x1F)
				s.SetReg(addr, regio.Width16, uint32(s.mmd[mmdKey{uint8(port), dev, s.mmdAddr[[2]uint8{uint8(port), dev}]}]))
			}
		}
	}
}

func (s *KSZ9477) afterWrite(addr uint32, n int) {
	switch {
	case overlaps(addr, n, ksz9477.RegSwitchOp, regio.Width8):
		if s.Reg(ksz9477.RegSwitchOp, regio.Width8)&ksz9477.SwitchOpSoftReset != 0 {
			s.resetLeft = 2
		}
	case overlaps(addr, n, ksz9477.RegStaticCtrl, regio.Width32):
		s.staticCommand()
	case overlaps(addr, n, ksz9477.RegALUCtrl, regio.Width32):
		s.aluCommand()
	case overlaps(addr, n, ksz9477.RegLUECtrl1, regio.Width8):
		s.flushCommand()
	}

	if port, reg, ok := phyAccess(addr); ok {
		v := uint16(s.Reg(addr, regio.Width16))
		switch reg {
		case mii.RegMMDACR:
			s.mmdCtrl[port] = v
		case mii.RegMMDAAR:
			ctrl := s.mmdCtrl[port]
			dev := uint8(ctrl & 0x1F)
			key := [2]uint8{uint8(port), dev}
			if ctrl&0xC000 == mii.MMDFuncAddr {
				s.mmdAddr[key] = v
			} else {
				s.mmd[mmdKey{uint8(port), dev, s.mmdAddr[key]}] = v
			}
		}
	}
}

func (s *KSZ9477) staticCommand() {
	ctrl := s.Reg(ksz9477.RegStaticCtrl, regio.Width32)
	if ctrl&fdb.StaticCtrlStart == 0 {
		return
	}
	if ctrl&fdb.StaticCtrlTableSelect == 0 {
		i := int(fdb.StaticCtrlIndex.Get(ctrl)) % ksz9477.StaticTableSlots
		entries := []uint32{ksz9477.RegEntry1, ksz9477.RegEntry2, ksz9477.RegEntry3, ksz9477.RegEntry4}
		for k, reg := range entries {
			if ctrl&fdb.StaticCtrlActionRead != 0 {
				s.SetReg(reg, regio.Width32, s.static[i][k])
			} else {
				s.static[i][k] = s.Reg(reg, regio.Width32)
			}
		}
	}
	if !s.StuckStart {
		s.SetReg(ksz9477.RegStaticCtrl, regio.Width32, ctrl&^fdb.StaticCtrlStart)
	}
}

func (s *KSZ9477) aluCommand() {
	ctrl := s.Reg(ksz9477.RegALUCtrl, regio.Width32)
	if ctrl&fdb.ALUCtrlStart == 0 {
		s.searching = false
		s.SetReg(ksz9477.RegALUCtrl, regio.Width32, 0)
		return
	}
	if ctrl&fdb.ALUCtrlActionMask == fdb.ALUCtrlActionSearch {
		s.searching = true
		s.searchPos = 0
		s.consumed = false
		s.loadSearch()
	}
}

// loadSearch presents the entry at searchPos, or the end of the search.
func (s *KSZ9477) loadSearch() {
	if s.searchPos >= len(s.learned) {
		s.searching = false
		s.SetReg(ksz9477.RegALUCtrl, regio.Width32, fdb.ALUCtrlValidOrEnd)
		return
	}
	e := s.learned[s.searchPos]
	m := e.MAC
	s.SetReg(ksz9477.RegEntry1, regio.Width32, 0)
	s.SetReg(ksz9477.RegEntry2, regio.Width32, 1<<(e.Port-1))
	s.SetReg(ksz9477.RegEntry3, regio.Width32, uint32(m[0])<<8|uint32(m[1]))
	s.SetReg(ksz9477.RegEntry4, regio.Width32, uint32(m[2])<<24|uint32(m[3])<<16|uint32(m[4])<<8|uint32(m[5]))
	s.SetReg(ksz9477.RegALUCtrl, regio.Width32,
		fdb.ALUCtrlStart|fdb.ALUCtrlActionSearch|fdb.ALUCtrlValid|fdb.ALUCtrlValidOrEnd)
}

func (s *KSZ9477) flushCommand() {
	v := s.Reg(ksz9477.RegLUECtrl1, regio.Width8)
	dynamic := s.Reg(ksz9477.RegLUECtrl2, regio.Width8)&uint32(fdb.LUECtrl2FlushOptionMask) == uint32(fdb.LUECtrl2FlushDynamic)
	if v&uint32(fdb.LUECtrl1FlushALUTable) != 0 && dynamic {
		s.learned = nil
	}
	if v&uint32(fdb.LUECtrl1FlushMSTPEntries) != 0 && dynamic {
		s.learned = slices.DeleteFunc(s.learned, func(e Learned) bool {
			return s.Reg(ksz9477.MSTPState(int(e.Port)), regio.Width8)&ksz9477.MSTPLearningDisable != 0
		})
	}
	s.SetReg(ksz9477.RegLUECtrl1, regio.Width8, v&^uint32(fdb.LUECtrl1FlushALUTable|fdb.LUECtrl1FlushMSTPEntries))
}
