package ksz9477

// Port numbers. Ports 1..5 have integrated PHYs, port 6 is the RGMII host
// port and port 7 the SGMII port.
const (
	Port1    = 1
	Port5    = 5
	HostPort = 6
	NumPorts = 7
)

// Global registers.
const (
	RegChipID0 uint32 = 0x0000
	RegChipID1 uint32 = 0x0001
	RegChipID2 uint32 = 0x0002

	ChipID1Default uint32 = 0x94
	ChipID2Default uint32 = 0x77

	RegPortIntMask uint32 = 0x001C
	PortIntMaskAll uint32 = 0x7F // one bit per port, 1 = masked

	RegSwitchOp       uint32 = 0x0300
	SwitchOpStart     uint32 = 0x01
	SwitchOpSoftReset uint32 = 0x02

	RegLUECtrl0 uint32 = 0x0310
	RegLUECtrl1 uint32 = 0x0311
	RegLUECtrl2 uint32 = 0x0312
	RegLUECtrl3 uint32 = 0x0313

	LUECtrl0HashOptionCRC       uint32 = 0x01
	LUECtrl0ReservedMcastLookup uint32 = 0x04
	LUECtrl0AgeCountDefault     uint32 = 0x20

	RegUnknownMcastCtrl  uint32 = 0x0324
	UnknownMcastFwd      uint32 = 0x80000000
	UnknownMcastFwdMap   uint32 = 0x0000007F
	UnknownMcastFwdPort6 uint32 = 0x00000020

	RegSwitchMACCtrl0     uint32 = 0x0330
	MACCtrl0FrameLenCheck uint32 = 0x04

	RegMirrorSnoopCtrl uint32 = 0x0370
	SnoopMLDEnable     uint32 = 0x04
	SnoopIGMPEnable    uint32 = 0x40

	RegALUCtrl        uint32 = 0x0418
	RegStaticCtrl     uint32 = 0x041C
	RegEntry1         uint32 = 0x0420
	RegEntry2         uint32 = 0x0424
	RegEntry3         uint32 = 0x0428
	RegEntry4         uint32 = 0x042C
	StaticTableSlots         = 16
	DynamicTableSlots        = 4096
)

// Per-port register offsets; the port number occupies bits 15:12.
const (
	portOpCtrl0   uint32 = 0x0020
	portPHYBase   uint32 = 0x0100
	portMSTP      uint32 = 0x0B04
	portXMIICtrl0 uint32 = 0x0300
	portXMIICtrl1 uint32 = 0x0301

	OpCtrl0TailTagEnable uint32 = 0x02

	MSTPTransmitEnable  uint32 = 0x04
	MSTPReceiveEnable   uint32 = 0x02
	MSTPLearningDisable uint32 = 0x01

	XMIICtrl0Duplex     uint32 = 0x40
	XMIICtrl0Speed10100 uint32 = 0x10 // 1 = 100 Mb/s

	XMIICtrl1Speed1000   uint32 = 0x40 // 0 = 1000 Mb/s
	XMIICtrl1RGMIIIDIn   uint32 = 0x10
	XMIICtrl1RGMIIIDOut  uint32 = 0x08
	XMIICtrl1IfTypeMask  uint32 = 0x03
	XMIICtrl1IfTypeRGMII uint32 = 0x00
)

// PortReg returns the address of per-port register off for port.
func PortReg(port int, off uint32) uint32 { return uint32(port)<<12 | off }

// PHYReg returns the address of the 16-bit PHY register reg of port.
func PHYReg(port int, reg uint8) uint32 { return PortReg(port, portPHYBase+uint32(reg)*2) }

// OpCtrl0 returns the port operation control 0 register.
func OpCtrl0(port int) uint32 { return PortReg(port, portOpCtrl0) }

// MSTPState returns the port MSTP state register.
func MSTPState(port int) uint32 { return PortReg(port, portMSTP) }

// XMIICtrl0 returns the port XMII control 0 register.
func XMIICtrl0(port int) uint32 { return PortReg(port, portXMIICtrl0) }

// XMIICtrl1 returns the port XMII control 1 register.
func XMIICtrl1(port int) uint32 { return PortReg(port, portXMIICtrl1) }

// Vendor PHY registers.
const (
	PHYRegPHYCON uint8 = 0x1F

	PHYCONSpeed1000 uint16 = 0x0040
	PHYCONSpeed100  uint16 = 0x0020
	PHYCONSpeed10   uint16 = 0x0010
	PHYCONDuplex    uint16 = 0x0008
)

// MMD registers touched at start-up.
const (
	MMDDevEEE     uint8  = 0x07
	MMDRegEEEAdv  uint16 = 0x003C
	MMDDevLED     uint8  = 0x02
	MMDRegLEDMode uint16 = 0x0000

	LEDModeTriColorDual uint16 = 0x0000
	LEDModeReserved     uint16 = 0x0001
)

// errata are the PHY MMD writes every port 1..5 needs after reset.
var errata = []struct {
	dev uint8
	reg uint16
	val uint16
}{
	// receive performance
	{0x01, 0x6F, 0xDD0B},
	{0x01, 0x8F, 0x6032},
	{0x01, 0x9D, 0x248C},
	{0x01, 0x75, 0x0060},
	{0x01, 0xD3, 0x7777},
	{0x1C, 0x06, 0x3008},
	{0x1C, 0x08, 0x2001},
	// transmit waveform amplitude
	{0x1C, 0x04, 0x00D0},
	// EEE off
	{MMDDevEEE, MMDRegEEEAdv, 0x0000},
	// power supply
	{0x1C, 0x13, 0x6EFF},
	{0x1C, 0x14, 0xE6FF},
	{0x1C, 0x15, 0x6EFF},
	{0x1C, 0x16, 0xE6FF},
	{0x1C, 0x17, 0x00FF},
	{0x1C, 0x18, 0x43FF},
	{0x1C, 0x19, 0xC3FF},
	{0x1C, 0x1A, 0x6FFF},
	{0x1C, 0x1B, 0x07FF},
	{0x1C, 0x1C, 0x0FFF},
	{0x1C, 0x1D, 0xE7FF},
	{0x1C, 0x1E, 0xEFFF},
	{0x1C, 0x20, 0xEEEE},
	{MMDDevLED, MMDRegLEDMode, LEDModeTriColorDual | LEDModeReserved},
}
