package regio

import "math/bits"

// Field is a contiguous bit field within a register.
type Field struct {
	Mask  uint32 // in register position
	Shift uint
}

// Bits returns the field covering bits [lo, hi] inclusive.
func Bits(hi, lo uint) Field {
	n := hi - lo + 1
	return Field{Mask: ((1<<n - 1) << lo), Shift: lo}
}

// Bit returns the single-bit field at position n.
func Bit(n uint) Field { return Field{Mask: 1 << n, Shift: n} }

// FieldOf derives a field from a mask, shifting by the mask's lowest set bit.
func FieldOf(mask uint32) Field {
	return Field{Mask: mask, Shift: uint(bits.TrailingZeros32(mask))}
}

// Get extracts the field value from v.
func (f Field) Get(v uint32) uint32 { return (v & f.Mask) >> f.Shift }

// Set returns v with the field replaced by x. Bits outside the field are kept;
// excess bits of x are discarded.
func (f Field) Set(v, x uint32) uint32 {
	return (v &^ f.Mask) | ((x << f.Shift) & f.Mask)
}

// IsSet reports whether any bit of the field is set in v.
func (f Field) IsSet(v uint32) bool { return v&f.Mask != 0 }

// Write performs a read-modify-write that replaces only this field.
func (f Field) Write(t Transport, addr uint32, w Width, x uint32) {
	v := t.ReadRegister(addr, w)
	t.WriteRegister(addr, w, f.Set(v, x))
}

// Read returns the field value of the register at addr.
func (f Field) Read(t Transport, addr uint32, w Width) uint32 {
	return f.Get(t.ReadRegister(addr, w))
}
