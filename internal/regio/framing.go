package regio

import "encoding/binary"

// KSZ switch SPI command word: 3-bit opcode, 24-bit address, 5 turnaround bits.
const (
	kszCmdWrite    uint32 = 0x40000000
	kszCmdRead     uint32 = 0x60000000
	kszCmdOpMask   uint32 = 0xE0000000
	kszCmdAddrMask uint32 = 0x1FFFFFE0
	kszCmdAddrPos         = 5
)

// KSZFraming is the 4-byte big-endian command header used by KSZ9477-class
// switches: opcode | (addr << 5).
type KSZFraming struct{}

func (KSZFraming) HeaderLen() int { return 4 }

func (KSZFraming) Header(op Op, addr uint32) []byte {
	cmd := kszCmdRead
	if op == OpWrite {
		cmd = kszCmdWrite
	}
	cmd |= (addr << kszCmdAddrPos) & kszCmdAddrMask
	return binary.BigEndian.AppendUint32(make([]byte, 0, 4), cmd)
}

func (KSZFraming) Decode(hdr []byte) (Op, uint32, bool) {
	if len(hdr) < 4 {
		return 0, 0, false
	}
	cmd := binary.BigEndian.Uint32(hdr)
	addr := (cmd & kszCmdAddrMask) >> kszCmdAddrPos
	switch cmd & kszCmdOpMask {
	case kszCmdRead:
		return OpRead, addr, true
	case kszCmdWrite:
		return OpWrite, addr, true
	}
	return 0, 0, false
}

// WIZnet variable-length data mode control bytes.
const (
	wizCtrlRead  byte = 0x0F
	wizCtrlWrite byte = 0xF0
)

// WiznetFraming is the control byte + 16-bit big-endian address header used by
// W5100S-class controllers.
type WiznetFraming struct{}

func (WiznetFraming) HeaderLen() int { return 3 }

func (WiznetFraming) Header(op Op, addr uint32) []byte {
	ctrl := wizCtrlRead
	if op == OpWrite {
		ctrl = wizCtrlWrite
	}
	return []byte{ctrl, byte(addr >> 8), byte(addr)}
}

func (WiznetFraming) Decode(hdr []byte) (Op, uint32, bool) {
	if len(hdr) < 3 {
		return 0, 0, false
	}
	addr := uint32(hdr[1])<<8 | uint32(hdr[2])
	switch hdr[0] {
	case wizCtrlRead:
		return OpRead, addr, true
	case wizCtrlWrite:
		return OpWrite, addr, true
	}
	return 0, 0, false
}

// putValue stores v big-endian in len(p) bytes.
func putValue(p []byte, v uint32) {
	for i := len(p) - 1; i >= 0; i-- {
		p[i] = byte(v)
		v >>= 8
	}
}

// getValue loads a big-endian value from p.
func getValue(p []byte) uint32 {
	var v uint32
	for _, b := range p {
		v = v<<8 | uint32(b)
	}
	return v
}
