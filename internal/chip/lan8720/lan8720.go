// Package lan8720 drives a LAN8720-class 10/100 PHY over clause 22 MDIO.
package lan8720

import (
	"fmt"
	"log/slog"

	"firestige.xyz/ethctl/internal/core"
	"firestige.xyz/ethctl/internal/mii"
)

// Vendor registers.
const (
	RegISR   = 0x1D // interrupt source, read to clear
	RegIMR   = 0x1E // interrupt mask
	RegPSCSR = 0x1F // PHY special control/status
)

// PHYID1Value is the OUI part of the identifier.
const PHYID1Value uint16 = 0x0007

// Interrupt sources.
const (
	IntLinkDown   uint16 = 0x0010
	IntANComplete uint16 = 0x0040
)

// PSCSR bits.
const (
	PSCSRAutoDone  uint16 = 0x1000
	PSCSRSpeedMask uint16 = 0x001C
	PSCSR10Half    uint16 = 0x0004
	PSCSR100Half   uint16 = 0x0008
	PSCSR10Full    uint16 = 0x0014
	PSCSR100Full   uint16 = 0x0018
)

// PHY is a single-port link driver.
type PHY struct {
	bus  mii.Bus
	addr uint8
	name string
}

// New returns a driver for the PHY at addr on bus.
func New(bus mii.Bus, addr uint8, name string) *PHY {
	if name == "" {
		name = "lan8720"
	}
	return &PHY{bus: bus, addr: addr, name: name}
}

// Addr returns the MDIO address.
func (p *PHY) Addr() uint8 { return p.addr }

// Ready reports whether the identifier register answers.
func (p *PHY) Ready() bool {
	v, err := p.bus.Read(p.addr, mii.RegPHYID1)
	return err == nil && v == PHYID1Value
}

// AssertReset sets the self-clearing BMCR reset bit.
func (p *PHY) AssertReset() {
	if err := p.bus.Write(p.addr, mii.RegBMCR, uint16(mii.BMCRReset)); err != nil {
		slog.Warn("phy reset write failed", "device", p.name, "error", err)
	}
}

// ResetDone reports whether the reset bit has cleared.
func (p *PHY) ResetDone() bool {
	v, err := p.bus.Read(p.addr, mii.RegBMCR)
	return err == nil && mii.BMCR(v)&mii.BMCRReset == 0
}

// Configure advertises every 10/100 mode, enables auto-negotiation and
// unmasks the link interrupts.
func (p *PHY) Configure() error {
	writes := []struct {
		reg uint8
		v   uint16
	}{
		{mii.RegANAR, uint16(mii.ANARAll)},
		{mii.RegBMCR, uint16(mii.BMCRANEnable | mii.BMCRANRestart)},
		{RegIMR, IntANComplete | IntLinkDown},
	}
	for _, w := range writes {
		if err := p.bus.Write(p.addr, w.reg, w.v); err != nil {
			return fmt.Errorf("phy %d reg %#x: %w", p.addr, w.reg, err)
		}
	}
	if _, err := p.Interrupts(); err != nil {
		return err
	}
	return nil
}

// Interrupts reads and clears the interrupt source register.
func (p *PHY) Interrupts() (uint16, error) {
	return p.bus.Read(p.addr, RegISR)
}

// Ports implements device.Link.
func (p *PHY) Ports() int { return 1 }

// LinkState returns the current link of the single port.
func (p *PHY) LinkState(port uint8) core.LinkState {
	if port != 1 {
		return core.LinkState{}
	}
	bmsr, err := mii.ReadLatched(p.bus, p.addr)
	if err != nil || !bmsr.LinkUp() {
		return core.LinkState{}
	}
	pscsr, err := p.bus.Read(p.addr, RegPSCSR)
	if err != nil {
		return core.LinkState{}
	}
	return DecodePSCSR(pscsr)
}

// HostLink is the line side link: a PHY passes its negotiated mode straight
// to the MAC.
func (p *PHY) HostLink() core.LinkState { return p.LinkState(1) }

// DecodePSCSR returns an up link state with the resolved speed and duplex.
func DecodePSCSR(v uint16) core.LinkState {
	st := core.LinkState{Up: true}
	switch v & PSCSRSpeedMask {
	case PSCSR10Half:
		st.Speed, st.Duplex = core.Speed10, core.DuplexHalf
	case PSCSR100Half:
		st.Speed, st.Duplex = core.Speed100, core.DuplexHalf
	case PSCSR10Full:
		st.Speed, st.Duplex = core.Speed10, core.DuplexFull
	case PSCSR100Full:
		st.Speed, st.Duplex = core.Speed100, core.DuplexFull
	}
	return st
}
