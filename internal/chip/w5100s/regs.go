package w5100s

// Common registers.
const (
	RegMR      uint32 = 0x0000
	RegSHAR    uint32 = 0x0009 // 6 bytes
	RegIR      uint32 = 0x0015
	RegIMR     uint32 = 0x0016
	RegPHYSR0  uint32 = 0x003C
	RegNETLCKR uint32 = 0x0071
	RegVERR    uint32 = 0x0080
)

const (
	MRReset       uint32 = 0x80
	IRSocket0     uint32 = 0x01
	NETLCKRUnlock uint32 = 0x3A
	VERRDefault   uint32 = 0x51
)

// PHYSR0 bits. SPD and DPX read 1 for the slower mode.
const (
	PHYSR0Link    uint32 = 0x01
	PHYSR0Speed10 uint32 = 0x02
	PHYSR0Half    uint32 = 0x04
)

// Socket register offsets; socket n lives at 0x0400 + n*0x100.
const (
	SnMR      uint32 = 0x00
	SnCR      uint32 = 0x01
	SnIR      uint32 = 0x02
	SnSR      uint32 = 0x03
	SnRxBufSz uint32 = 0x1E
	SnTxBufSz uint32 = 0x1F
	SnTxFSR   uint32 = 0x20
	SnTxRD    uint32 = 0x22
	SnTxWR    uint32 = 0x24
	SnRxRSR   uint32 = 0x26
	SnRxRD    uint32 = 0x28
	SnRxWR    uint32 = 0x2A
	SnIMR     uint32 = 0x2C
)

// SocketReg returns the address of register off of socket n.
func SocketReg(n int, off uint32) uint32 { return 0x0400 + uint32(n)*0x100 + off }

// Socket mode, command, status and interrupt values.
const (
	SnMRMACFilter uint32 = 0x40
	SnMRMACRAW    uint32 = 0x04
	SnMRProtoMask uint32 = 0x0F

	SnCROpen uint32 = 0x01
	SnCRSend uint32 = 0x20
	SnCRRecv uint32 = 0x40

	SnSRMACRAW uint32 = 0x42

	SnIRRecv   uint32 = 0x04
	SnIRSendOK uint32 = 0x10
)

// Buffer memory.
const (
	TxBuffer uint32 = 0x4000
	RxBuffer uint32 = 0x6000
	Sockets         = 4
)
