package sim

import (
	"sync"

	"firestige.xyz/ethctl/internal/chip/lan8720"
	"firestige.xyz/ethctl/internal/core"
	"firestige.xyz/ethctl/internal/mii"
)

// PHY models a LAN8720 behind a clause 22 bus. Addresses other than Addr
// float high, like an empty MDIO slot.
type PHY struct {
	mu   sync.Mutex
	Addr uint8

	regs       [32]uint16
	link       core.LinkState
	latched    bool
	resetReads int
}

// NewPHY returns a PHY at addr with the link down.
func NewPHY(addr uint8) *PHY {
	p := &PHY{Addr: addr}
	p.powerOn()
	return p
}

func (p *PHY) powerOn() {
	p.regs = [32]uint16{}
	p.regs[mii.RegBMCR] = uint16(mii.BMCRANEnable | mii.BMCRSpeed100)
	p.regs[mii.RegBMSR] = uint16(mii.BMSRExtCap | mii.BMSRANCap | mii.BMSR10Half | mii.BMSR10Full | mii.BMSR100Half | mii.BMSR100Full)
	p.regs[mii.RegPHYID1] = lan8720.PHYID1Value
	p.regs[mii.RegPHYID2] = 0xC0F1
	p.regs[mii.RegANAR] = uint16(mii.ANARAll)
}

// SetLink changes the line state. Losing the link latches BMSR low and
// raises the link-down interrupt; gaining it raises auto-negotiation done.
func (p *PHY) SetLink(st core.LinkState) {
	p.mu.Lock()
	defer p.mu.Unlock()
	switch {
	case p.link.Up && !st.Up:
		p.latched = true
		p.regs[lan8720.RegISR] |= lan8720.IntLinkDown
	case !p.link.Up && st.Up:
		p.regs[lan8720.RegISR] |= lan8720.IntANComplete
	}
	p.link = st
}

// Asserted reports whether an unmasked interrupt source is pending.
func (p *PHY) Asserted() bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.regs[lan8720.RegISR]&p.regs[lan8720.RegIMR] != 0
}

// Reg returns a register without side effects.
func (p *PHY) Reg(reg uint8) uint16 {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.regs[reg&0x1F]
}

// Read implements mii.Bus.
func (p *PHY) Read(phy, reg uint8) (uint16, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if phy != p.Addr {
		return 0xFFFF, nil
	}
	reg &= 0x1F
	switch reg {
	case mii.RegBMCR:
		if p.resetReads > 0 {
			p.resetReads--
			if p.resetReads == 0 {
				p.powerOn()
			}
			return uint16(mii.BMCRReset), nil
		}
	case mii.RegBMSR:
		v := p.regs[mii.RegBMSR] &^ uint16(mii.BMSRLinkStatus|mii.BMSRANComplete)
		if p.link.Up && !p.latched {
			v |= uint16(mii.BMSRLinkStatus | mii.BMSRANComplete)
		}
		p.latched = false
		return v, nil
	case lan8720.RegISR:
		v := p.regs[reg]
		p.regs[reg] = 0
		return v, nil
	case lan8720.RegPSCSR:
		return p.pscsr(), nil
	}
	return p.regs[reg], nil
}

func (p *PHY) pscsr() uint16 {
	if !p.link.Up {
		return 0
	}
	v := lan8720.PSCSRAutoDone
	switch {
	case p.link.Speed == core.Speed100 && p.link.Duplex == core.DuplexFull:
		v |= lan8720.PSCSR100Full
	case p.link.Speed == core.Speed100:
		v |= lan8720.PSCSR100Half
	case p.link.Duplex == core.DuplexFull:
		v |= lan8720.PSCSR10Full
	default:
		v |= lan8720.PSCSR10Half
	}
	return v
}

// Write implements mii.Bus. The BMCR reset bit reads back set twice before
// the register file returns to power-on values.
func (p *PHY) Write(phy, reg uint8, v uint16) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if phy != p.Addr {
		return nil
	}
	reg &= 0x1F
	switch reg {
	case mii.RegBMCR:
		if mii.BMCR(v)&mii.BMCRReset != 0 {
			p.resetReads = 2
			return nil
		}
		p.regs[reg] = v &^ uint16(mii.BMCRANRestart)
	case mii.RegBMSR, mii.RegPHYID1, mii.RegPHYID2, lan8720.RegISR, lan8720.RegPSCSR:
	default:
		p.regs[reg] = v
	}
	return nil
}
