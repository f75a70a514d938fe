package emac

import "firestige.xyz/ethctl/internal/regio"

// MAC registers.
const (
	RegCFG       uint32 = 0x0000
	RegFrameFltr uint32 = 0x0004
	RegHashH     uint32 = 0x0008
	RegHashL     uint32 = 0x000C
	RegMIIAddr   uint32 = 0x0010
	RegMIIData   uint32 = 0x0014
	RegFlowCtl   uint32 = 0x0018
	RegVersion   uint32 = 0x0020
	RegAddr0H    uint32 = 0x0040
	RegAddr0L    uint32 = 0x0044
)

// AddrH returns the high address register of perfect filter slot i
// (0 is the station address).
func AddrH(i int) uint32 { return RegAddr0H + uint32(i)*8 }

// AddrL returns the low address register of perfect filter slot i.
func AddrL(i int) uint32 { return RegAddr0L + uint32(i)*8 }

// VersionID is the value of the version register.
const VersionID uint32 = 0x00001037

// CFG bits.
const (
	CFGRxEnable     uint32 = 0x00000004
	CFGTxEnable     uint32 = 0x00000008
	CFGDuplexFull   uint32 = 0x00000800
	CFGDisableRxOwn uint32 = 0x00002000
	CFGSpeed100     uint32 = 0x00004000
)

// Frame filter bits.
const (
	FltrHashUnicast   uint32 = 0x00000002
	FltrHashMulticast uint32 = 0x00000004
	FltrHashOrPerfect uint32 = 0x00000400
)

// AddrHEnable marks perfect filter slots 1..3 as in use.
const AddrHEnable uint32 = 0x80000000

// MII address register.
const (
	MIIBusy      uint32 = 0x00000001
	MIIWrite     uint32 = 0x00000002
	MIIClockMask uint32 = 0x0000003C
	MIIClock100  uint32 = 0x00000004
)

// MII address register fields.
var (
	MIIReg = regio.Bits(10, 6)
	MIIPhy = regio.Bits(15, 11)
)

// DMA registers.
const (
	RegDMABusMode   uint32 = 0x0C00
	RegTxPollDemand uint32 = 0x0C04
	RegRxPollDemand uint32 = 0x0C08
	RegRxDescList   uint32 = 0x0C0C
	RegTxDescList   uint32 = 0x0C10
	RegDMAStatus    uint32 = 0x0C14
	RegDMAOpMode    uint32 = 0x0C18
	RegDMAIntMask   uint32 = 0x0C1C
)

// DMA bus mode bits.
const DMASoftReset uint32 = 0x00000001

// DMA status bits; writing 1 clears.
const (
	StatusTx        uint32 = 0x00000001
	StatusTxUnavail uint32 = 0x00000004
	StatusRx        uint32 = 0x00000040
	StatusRxUnavail uint32 = 0x00000080
	StatusNormal    uint32 = 0x00010000
)

// DMA operation mode bits.
const (
	OpStartRx        uint32 = 0x00000002
	OpStartTx        uint32 = 0x00002000
	OpTxStoreForward uint32 = 0x00200000
	OpRxStoreForward uint32 = 0x02000000
)

// DMA interrupt mask bits.
const (
	IntTx     uint32 = 0x00000001
	IntRx     uint32 = 0x00000040
	IntNormal uint32 = 0x00010000
	IntAll           = IntNormal | IntRx | IntTx
)

// Default device memory layout for descriptors and buffers.
const (
	SRAMBase uint32 = 0x00010000
	SRAMSize uint32 = 0x00040000
)
