// Package sim provides register-level models of the supported peripherals.
//
// Each model is a regio.Bus: it decodes the same command framing the real chip
// expects, so drivers run unchanged against it. Tests and the "sim" transport
// type use these models in place of hardware.
package sim

import (
	"errors"
	"sync"

	"firestige.xyz/ethctl/internal/regio"
)

// ErrBusFault is returned by Tx while a fault is injected.
var ErrBusFault = errors.New("sim: bus fault")

// Memory is a byte-addressed register space behind a framed bus.
// Multi-byte registers are big-endian: the most significant byte lives at the
// lowest address, matching the wire order of every supported chip.
type Memory struct {
	mu      sync.Mutex
	framing regio.Framing
	bytes   map[uint32]byte

	// BeforeRead runs (with the lock held) before the data phase of a read.
	BeforeRead func(addr uint32, n int)
	// AfterWrite runs (with the lock held) after the data phase of a write.
	AfterWrite func(addr uint32, n int)

	fault bool
	txs   int
}

// NewMemory returns an empty register space decoded with f.
func NewMemory(f regio.Framing) *Memory {
	return &Memory{framing: f, bytes: make(map[uint32]byte)}
}

// Tx implements regio.Bus.
func (m *Memory) Tx(w, r []byte) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.txs++
	if m.fault {
		return ErrBusFault
	}
	hl := m.framing.HeaderLen()
	op, addr, ok := m.framing.Decode(w)
	if !ok || len(w) < hl {
		return errors.New("sim: malformed command header")
	}
	data := w[hl:]
	switch op {
	case regio.OpRead:
		if m.BeforeRead != nil {
			m.BeforeRead(addr, len(data))
		}
		for i := range data {
			r[hl+i] = m.bytes[addr+uint32(i)]
		}
	case regio.OpWrite:
		for i, b := range data {
			m.bytes[addr+uint32(i)] = b
		}
		if m.AfterWrite != nil {
			m.AfterWrite(addr, len(data))
		}
	}
	return nil
}

// SetFault makes every subsequent Tx fail (or succeed again).
func (m *Memory) SetFault(on bool) {
	m.mu.Lock()
	m.fault = on
	m.mu.Unlock()
}

// Transactions returns the number of bus transfers seen.
func (m *Memory) Transactions() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.txs
}

// Lock gives models exclusive access outside of Tx, e.g. when injecting frames.
func (m *Memory) Lock()   { m.mu.Lock() }
func (m *Memory) Unlock() { m.mu.Unlock() }

// Reg returns the w-byte register at addr. Caller holds the lock or is a hook.
func (m *Memory) Reg(addr uint32, w regio.Width) uint32 {
	var v uint32
	for i := uint32(0); i < uint32(w); i++ {
		v = v<<8 | uint32(m.bytes[addr+i])
	}
	return v
}

// SetReg stores a w-byte register at addr. Caller holds the lock or is a hook.
func (m *Memory) SetReg(addr uint32, w regio.Width, v uint32) {
	for i := int(w) - 1; i >= 0; i-- {
		m.bytes[addr+uint32(i)] = byte(v)
		v >>= 8
	}
}

// Bytes copies len(p) bytes starting at addr into p. Caller holds the lock.
func (m *Memory) Bytes(addr uint32, p []byte) {
	for i := range p {
		p[i] = m.bytes[addr+uint32(i)]
	}
}

// SetBytes stores p at addr. Caller holds the lock.
func (m *Memory) SetBytes(addr uint32, p []byte) {
	for i, b := range p {
		m.bytes[addr+uint32(i)] = b
	}
}

// Peek reads a register from outside a hook.
func (m *Memory) Peek(addr uint32, w regio.Width) uint32 {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.Reg(addr, w)
}

// Poke writes a register from outside a hook without triggering AfterWrite.
func (m *Memory) Poke(addr uint32, w regio.Width, v uint32) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.SetReg(addr, w, v)
}

// overlaps reports whether the access [addr, addr+n) touches register [reg, reg+w).
func overlaps(addr uint32, n int, reg uint32, w regio.Width) bool {
	return addr < reg+uint32(w) && reg < addr+uint32(n)
}
