// Package mii holds the IEEE 802.3 clause 22 management register layout shared
// by PHY and switch drivers, and the MDIO bus abstraction they are reached through.
package mii

import "fmt"

// Bus is a clause 22 management bus. The 5-bit PHY address selects the
// transceiver, the 5-bit register address selects the register.
type Bus interface {
	Read(phy, reg uint8) (uint16, error)
	Write(phy, reg uint8, v uint16) error
}

// Register addresses 0..15 as defined by 802.3.
const (
	RegBMCR   = 0x00
	RegBMSR   = 0x01
	RegPHYID1 = 0x02
	RegPHYID2 = 0x03
	RegANAR   = 0x04
	RegANLPAR = 0x05
	RegANER   = 0x06
	RegMMDACR = 0x0D // MMD access control
	RegMMDAAR = 0x0E // MMD access address/data
)

// BMCR is the Basic Mode Control Register.
type BMCR uint16

const (
	BMCRSpeed1000  BMCR = 0x0040
	BMCRFullDuplex BMCR = 0x0100
	BMCRANRestart  BMCR = 0x0200
	BMCRIsolate    BMCR = 0x0400
	BMCRPowerDown  BMCR = 0x0800
	BMCRANEnable   BMCR = 0x1000
	BMCRSpeed100   BMCR = 0x2000
	BMCRLoopback   BMCR = 0x4000
	BMCRReset      BMCR = 0x8000 // self-clearing
)

// BMSR is the Basic Mode Status Register.
// BMSRLinkStatus latches low: a read after a link failure returns 0 once, the
// next read returns the current state.
type BMSR uint16

const (
	BMSRExtCap     BMSR = 0x0001
	BMSRJabber     BMSR = 0x0002
	BMSRLinkStatus BMSR = 0x0004
	BMSRANCap      BMSR = 0x0008
	BMSRANComplete BMSR = 0x0020
	BMSR10Half     BMSR = 0x0800
	BMSR10Full     BMSR = 0x1000
	BMSR100Half    BMSR = 0x2000
	BMSR100Full    BMSR = 0x4000
)

// LinkUp reports the link status bit.
func (b BMSR) LinkUp() bool { return b&BMSRLinkStatus != 0 }

// ANAR is the auto-negotiation advertisement register.
type ANAR uint16

const (
	ANARSelector8023 ANAR = 0x0001
	ANAR10Half       ANAR = 0x0020
	ANAR10Full       ANAR = 0x0040
	ANAR100Half      ANAR = 0x0080
	ANAR100Full      ANAR = 0x0100
	ANARPause        ANAR = 0x0400
	ANARPauseAsym    ANAR = 0x0800

	ANARAll = ANARSelector8023 | ANAR10Half | ANAR10Full | ANAR100Half | ANAR100Full
)

// MMD access control functions (register 13 bits 15:14).
const (
	MMDFuncAddr        uint16 = 0x0000
	MMDFuncDataNoInc   uint16 = 0x4000
	MMDFuncDataPostInc uint16 = 0x8000
	mmdDevAddrMask     uint16 = 0x001F
)

// ReadMMD reads a clause 45 register through the clause 22 indirect window.
func ReadMMD(b Bus, phy, devAddr uint8, reg uint16) (uint16, error) {
	if err := selectMMD(b, phy, devAddr, reg); err != nil {
		return 0, err
	}
	return b.Read(phy, RegMMDAAR)
}

// WriteMMD writes a clause 45 register through the clause 22 indirect window.
func WriteMMD(b Bus, phy, devAddr uint8, reg, v uint16) error {
	if err := selectMMD(b, phy, devAddr, reg); err != nil {
		return err
	}
	return b.Write(phy, RegMMDAAR, v)
}

func selectMMD(b Bus, phy, devAddr uint8, reg uint16) error {
	dev := uint16(devAddr) & mmdDevAddrMask
	if err := b.Write(phy, RegMMDACR, MMDFuncAddr|dev); err != nil {
		return fmt.Errorf("mmd select dev %d: %w", devAddr, err)
	}
	if err := b.Write(phy, RegMMDAAR, reg); err != nil {
		return fmt.Errorf("mmd address %#x: %w", reg, err)
	}
	return b.Write(phy, RegMMDACR, MMDFuncDataNoInc|dev)
}

// ReadLatched reads BMSR twice and returns the second value so that a latched
// link-down event does not mask the current state.
func ReadLatched(b Bus, phy uint8) (BMSR, error) {
	if _, err := b.Read(phy, RegBMSR); err != nil {
		return 0, err
	}
	v, err := b.Read(phy, RegBMSR)
	return BMSR(v), err
}
