// Package regio implements register access to peripherals behind a
// command/response bus.
//
// A Transport moves 8/16/32-bit register values and raw buffers. Each call is
// one bus transaction, serialized by the transport: concurrent callers never
// interleave bytes on the wire.
package regio

// Width is a register width in bytes.
type Width uint8

const (
	Width8  Width = 1
	Width16 Width = 2
	Width32 Width = 4
)

// Mask returns the all-ones value for w. A failed read returns this value.
func (w Width) Mask() uint32 {
	switch w {
	case Width8:
		return 0xFF
	case Width16:
		return 0xFFFF
	default:
		return 0xFFFFFFFF
	}
}

// Transport is the register transport a chip driver talks through.
//
// Errors from the underlying bus are not returned: reads yield Width.Mask()
// and writes are dropped. Drivers detect a dead peripheral by its missing
// ready signature, which every chip checks during initialization.
type Transport interface {
	ReadRegister(addr uint32, w Width) uint32
	WriteRegister(addr uint32, w Width, v uint32)
	ReadBuffer(addr uint32, p []byte)
	WriteBuffer(addr uint32, p []byte)
}

// Op is the direction of a bus transaction.
type Op uint8

const (
	OpRead Op = iota
	OpWrite
)

// Bus performs one chip-select framed full-duplex transfer.
// Chip select is asserted for the whole of w and released afterwards.
// len(r) == len(w); r receives the bytes clocked in while w is clocked out.
type Bus interface {
	Tx(w, r []byte) error
}

// Framing builds the command header that precedes the data bytes.
type Framing interface {
	Header(op Op, addr uint32) []byte
	// Decode is the inverse of Header, used by simulated peripherals.
	Decode(hdr []byte) (Op, uint32, bool)
	HeaderLen() int
}

// Update performs a read-modify-write of the register at addr: bits in clear
// are cleared, then bits in set are set. All other bits are preserved.
func Update(t Transport, addr uint32, w Width, set, clear uint32) uint32 {
	v := t.ReadRegister(addr, w)
	v = (v &^ clear) | set
	t.WriteRegister(addr, w, v&w.Mask())
	return v & w.Mask()
}
