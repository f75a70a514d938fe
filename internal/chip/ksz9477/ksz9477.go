// Package ksz9477 drives a Microchip KSZ9477 7-port switch through its SPI
// management interface: bring-up, per-port link monitoring, port states,
// the address lookup tables and tail tagging toward the host port.
package ksz9477

import (
	"context"
	"fmt"
	"log/slog"

	"firestige.xyz/ethctl/internal/core"
	"firestige.xyz/ethctl/internal/fdb"
	"firestige.xyz/ethctl/internal/mii"
	"firestige.xyz/ethctl/internal/regio"
	"firestige.xyz/ethctl/internal/tailtag"
)

// Options configure a Switch.
type Options struct {
	Name string
	Poll regio.Poller
	// TailTagging enables per-port addressing from the host. Ports then
	// start in the listening state, isolated from each other.
	TailTagging  bool
	SourceOffset uint8
	AgingSeconds uint32
	IGMPSnooping bool
	MLDSnooping  bool
	// UnknownMcastPorts, when non-zero, forwards unknown multicast to these
	// ports. core.CPUPortMask selects the host port.
	UnknownMcastPorts uint32
	ReservedMcast     bool
}

// DefaultAgingSeconds is the dynamic entry lifetime after reset.
const DefaultAgingSeconds = 300

// Switch is a KSZ9477 behind a register transport.
type Switch struct {
	t    regio.Transport
	opts Options
	fdb  *fdb.Controller
	phys phyBus
}

// New returns a driver for the switch behind t.
func New(t regio.Transport, opts Options) *Switch {
	if opts.Name == "" {
		opts.Name = "ksz9477"
	}
	if opts.AgingSeconds == 0 {
		opts.AgingSeconds = DefaultAgingSeconds
	}
	return &Switch{
		t:    t,
		opts: opts,
		fdb:  fdb.New(opts.Name, t, opts.Poll, FDBLayout()),
		phys: phyBus{t},
	}
}

// FDBLayout describes the address lookup registers.
func FDBLayout() fdb.Layout {
	return fdb.Layout{
		StaticSlots:  StaticTableSlots,
		DynamicSlots: DynamicTableSlots,
		Ports:        NumPorts,
		HostPort:     HostPort,
		StaticCtrl:   RegStaticCtrl,
		ALUCtrl:      RegALUCtrl,
		Entry:        [4]uint32{RegEntry1, RegEntry2, RegEntry3, RegEntry4},
		LUECtrl1:     RegLUECtrl1,
		LUECtrl2:     RegLUECtrl2,
		LUECtrl3:     RegLUECtrl3,
		MSTPState:    MSTPState,
	}
}

// Ready reports whether the SPI interface returns the chip signature.
func (s *Switch) Ready() bool {
	return s.t.ReadRegister(RegChipID1, regio.Width8) == ChipID1Default
}

// AssertReset requests a soft reset of the switch fabric.
func (s *Switch) AssertReset() {
	regio.Update(s.t, RegSwitchOp, regio.Width8, SwitchOpSoftReset, 0)
}

// ResetDone reports whether the soft reset bit has cleared.
func (s *Switch) ResetDone() bool {
	return s.t.ReadRegister(RegSwitchOp, regio.Width8)&SwitchOpSoftReset == 0
}

// Configure sets up tagging, port states, the lookup engine and the host
// port, starts the switch and applies the PHY errata writes. Port
// interrupts stay masked; links are polled.
func (s *Switch) Configure() error {
	s.t.WriteRegister(RegPortIntMask, regio.Width32, PortIntMaskAll)

	if s.opts.TailTagging {
		regio.Update(s.t, OpCtrl0(HostPort), regio.Width8, OpCtrl0TailTagEnable, 0)
		// The tag makes frames look oversized to the length check.
		regio.Update(s.t, RegSwitchMACCtrl0, regio.Width8, 0, MACCtrl0FrameLenCheck)
	} else {
		regio.Update(s.t, OpCtrl0(HostPort), regio.Width8, 0, OpCtrl0TailTagEnable)
		regio.Update(s.t, RegSwitchMACCtrl0, regio.Width8, MACCtrl0FrameLenCheck, 0)
	}

	initial := core.PortStateForwarding
	if s.opts.TailTagging {
		initial = core.PortStateListening
	}
	for p := Port1; p <= Port5; p++ {
		if err := s.SetPortState(uint8(p), initial); err != nil {
			return err
		}
	}

	s.t.WriteRegister(RegLUECtrl0, regio.Width8, LUECtrl0AgeCountDefault|LUECtrl0HashOptionCRC)
	s.fdb.SetAgingTime(s.opts.AgingSeconds)
	s.EnableReservedMcast(s.opts.ReservedMcast)
	s.EnableIGMPSnooping(s.opts.IGMPSnooping)
	s.EnableMLDSnooping(s.opts.MLDSnooping)
	s.SetUnknownMcastPorts(s.opts.UnknownMcastPorts != 0, s.opts.UnknownMcastPorts)

	regio.Update(s.t, XMIICtrl1(HostPort), regio.Width8, XMIICtrl1RGMIIIDIn|XMIICtrl1RGMIIIDOut, 0)
	s.t.WriteRegister(RegSwitchOp, regio.Width8, SwitchOpStart)

	for p := Port1; p <= Port5; p++ {
		for _, e := range errata {
			if err := mii.WriteMMD(s.phys, uint8(p), e.dev, e.reg, e.val); err != nil {
				return fmt.Errorf("port %d errata: %w", p, err)
			}
		}
		s.dumpPHY(p)
	}
	slog.Info("switch configured", "device", s.opts.Name, "tail_tagging", s.opts.TailTagging)
	return nil
}

func (s *Switch) dumpPHY(port int) {
	if !slog.Default().Enabled(context.Background(), slog.LevelDebug) {
		return
	}
	regs := make([]any, 0, 64)
	for r := uint8(0); r < 32; r++ {
		v, _ := s.phys.Read(uint8(port), r)
		regs = append(regs, fmt.Sprintf("r%02d", r), fmt.Sprintf("%#04x", v))
	}
	slog.Debug("phy registers", append([]any{"device", s.opts.Name, "port", port}, regs...)...)
}

// Ports returns the number of PHY ports reported through LinkState.
func (s *Switch) Ports() int { return Port5 }

// LinkState reads the link of a PHY port. The host port reports its xMII
// configuration and is always up.
func (s *Switch) LinkState(port uint8) core.LinkState {
	switch {
	case port >= Port1 && port <= Port5:
		bmsr, _ := mii.ReadLatched(s.phys, port)
		if !bmsr.LinkUp() {
			return core.LinkState{}
		}
		phycon, _ := s.phys.Read(port, PHYRegPHYCON)
		return core.LinkState{Up: true, Speed: phyconSpeed(phycon), Duplex: phyconDuplex(phycon)}
	case port == HostPort:
		return s.HostLink()
	default:
		return core.LinkState{}
	}
}

func phyconSpeed(v uint16) core.Speed {
	switch {
	case v&PHYCONSpeed1000 != 0:
		return core.Speed1000
	case v&PHYCONSpeed100 != 0:
		return core.Speed100
	case v&PHYCONSpeed10 != 0:
		return core.Speed10
	}
	return core.SpeedUnknown
}

func phyconDuplex(v uint16) core.Duplex {
	if v&PHYCONDuplex != 0 {
		return core.DuplexFull
	}
	return core.DuplexHalf
}

// HostLink decodes the speed and duplex the host port is strapped to.
func (s *Switch) HostLink() core.LinkState {
	st := core.LinkState{Up: true, Speed: core.Speed10, Duplex: core.DuplexHalf}
	ctrl1 := s.t.ReadRegister(XMIICtrl1(HostPort), regio.Width8)
	ctrl0 := s.t.ReadRegister(XMIICtrl0(HostPort), regio.Width8)
	switch {
	case ctrl1&XMIICtrl1IfTypeMask == XMIICtrl1IfTypeRGMII && ctrl1&XMIICtrl1Speed1000 == 0:
		st.Speed = core.Speed1000
	case ctrl0&XMIICtrl0Speed10100 != 0:
		st.Speed = core.Speed100
	}
	if ctrl0&XMIICtrl0Duplex != 0 {
		st.Duplex = core.DuplexFull
	}
	return st
}

// SetPortState programs the spanning tree state of a PHY port.
func (s *Switch) SetPortState(port uint8, state core.PortState) error {
	if port < Port1 || port > Port5 {
		return fmt.Errorf("set state of port %d: %w", port, core.ErrInvalidPort)
	}
	var set, clear uint32
	switch state {
	case core.PortStateListening:
		set, clear = MSTPReceiveEnable|MSTPLearningDisable, MSTPTransmitEnable
	case core.PortStateLearning:
		clear = MSTPTransmitEnable | MSTPReceiveEnable | MSTPLearningDisable
	case core.PortStateForwarding:
		set, clear = MSTPTransmitEnable|MSTPReceiveEnable, MSTPLearningDisable
	default:
		set, clear = MSTPLearningDisable, MSTPTransmitEnable|MSTPReceiveEnable
	}
	regio.Update(s.t, MSTPState(int(port)), regio.Width8, set, clear)
	return nil
}

// PortState decodes the spanning tree state of a PHY port.
func (s *Switch) PortState(port uint8) (core.PortState, error) {
	if port < Port1 || port > Port5 {
		return core.PortStateUnknown, fmt.Errorf("state of port %d: %w", port, core.ErrInvalidPort)
	}
	v := s.t.ReadRegister(MSTPState(int(port)), regio.Width8)
	switch v & (MSTPTransmitEnable | MSTPReceiveEnable | MSTPLearningDisable) {
	case MSTPLearningDisable:
		return core.PortStateDisabled, nil
	case MSTPReceiveEnable | MSTPLearningDisable:
		return core.PortStateListening, nil
	case 0:
		return core.PortStateLearning, nil
	case MSTPTransmitEnable | MSTPReceiveEnable:
		return core.PortStateForwarding, nil
	}
	return core.PortStateUnknown, nil
}

// EnableIGMPSnooping toggles IGMP snooping.
func (s *Switch) EnableIGMPSnooping(on bool) { s.toggle(RegMirrorSnoopCtrl, SnoopIGMPEnable, on) }

// EnableMLDSnooping toggles MLD snooping.
func (s *Switch) EnableMLDSnooping(on bool) { s.toggle(RegMirrorSnoopCtrl, SnoopMLDEnable, on) }

// EnableReservedMcast toggles lookups in the reserved multicast table.
func (s *Switch) EnableReservedMcast(on bool) {
	s.toggle(RegLUECtrl0, LUECtrl0ReservedMcastLookup, on)
}

func (s *Switch) toggle(addr, bit uint32, on bool) {
	if on {
		regio.Update(s.t, addr, regio.Width8, bit, 0)
	} else {
		regio.Update(s.t, addr, regio.Width8, 0, bit)
	}
}

// SetUnknownMcastPorts selects where multicast frames with no table entry
// go. core.CPUPortMask in ports selects the host port.
func (s *Switch) SetUnknownMcastPorts(enable bool, ports uint32) {
	v := s.t.ReadRegister(RegUnknownMcastCtrl, regio.Width32) &^ UnknownMcastFwdMap
	if enable {
		v |= UnknownMcastFwd
		if ports&core.CPUPortMask != 0 {
			v |= UnknownMcastFwdPort6
		}
		v |= ports & UnknownMcastFwdMap
	} else {
		v &^= UnknownMcastFwd
	}
	s.t.WriteRegister(RegUnknownMcastCtrl, regio.Width32, v)
}

// ReadMMD reads a clause 45 register of a PHY port.
func (s *Switch) ReadMMD(port, dev uint8, reg uint16) (uint16, error) {
	return mii.ReadMMD(s.phys, port, dev, reg)
}

// WriteMMD writes a clause 45 register of a PHY port.
func (s *Switch) WriteMMD(port, dev uint8, reg, v uint16) error {
	return mii.WriteMMD(s.phys, port, dev, reg, v)
}

// TailTag implements device.Switch.
func (s *Switch) TailTag() (tailtag.Codec, bool) {
	return tailtag.Codec{Ports: Port5, SourceOffset: s.opts.SourceOffset}, s.opts.TailTagging
}

// AddStaticEntry implements device.Switch.
func (s *Switch) AddStaticEntry(e core.FdbEntry) error { return s.fdb.AddStatic(e) }

// DeleteStaticEntry implements device.Switch.
func (s *Switch) DeleteStaticEntry(mac core.MACAddr) error { return s.fdb.DeleteStatic(mac) }

// GetStaticEntry implements device.Switch.
func (s *Switch) GetStaticEntry(index int) (core.FdbEntry, error) { return s.fdb.GetStatic(index) }

// ListStaticEntries implements device.Switch.
func (s *Switch) ListStaticEntries() ([]core.FdbEntry, error) { return s.fdb.ListStatic() }

// FlushStatic implements device.Switch.
func (s *Switch) FlushStatic() error { return s.fdb.FlushStatic() }

// EnumerateDynamicEntry implements device.Switch.
func (s *Switch) EnumerateDynamicEntry(cursor int) (core.FdbEntry, error) {
	return s.fdb.EnumerateDynamic(cursor)
}

// DumpDynamic implements device.Switch.
func (s *Switch) DumpDynamic() ([]core.FdbEntry, error) { return s.fdb.DumpDynamic() }

// FlushDynamic implements device.Switch.
func (s *Switch) FlushDynamic(port int) error { return s.fdb.FlushDynamic(port) }

// SetAgingTime implements device.Switch.
func (s *Switch) SetAgingTime(seconds uint32) { s.fdb.SetAgingTime(seconds) }

// phyBus reaches the PHY registers of ports 1..5, which the switch maps into
// its own register space; phy is the port number.
type phyBus struct{ t regio.Transport }

func (b phyBus) Read(phy, reg uint8) (uint16, error) {
	return uint16(b.t.ReadRegister(PHYReg(int(phy), reg), regio.Width16)), nil
}

func (b phyBus) Write(phy, reg uint8, v uint16) error {
	b.t.WriteRegister(PHYReg(int(phy), reg), regio.Width16, uint32(v))
	return nil
}
