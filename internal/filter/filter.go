// Package filter programs a MAC's receive address filter from the host
// stack's filter table: a few perfect-match unicast slots plus a 64-bin hash
// for multicast (and unicast overflow).
package filter

import (
	"log/slog"

	"firestige.xyz/ethctl/internal/core"
	"firestige.xyz/ethctl/internal/metrics"
)

// crcPoly is the IEEE 802.3 CRC-32 polynomial in MSB-first form.
const crcPoly = 0x04C11DB7

// CRC computes the Ethernet CRC-32 of data bit by bit: each byte is consumed
// least significant bit first into an MSB-first shift register, and the
// result is inverted.
func CRC(data []byte) uint32 {
	crc := uint32(0xFFFFFFFF)
	for _, b := range data {
		for j := 0; j < 8; j++ {
			if (crc>>31)^uint32((b>>j)&1) != 0 {
				crc = (crc << 1) ^ crcPoly
			} else {
				crc <<= 1
			}
		}
	}
	return ^crc
}

// HashIndex returns the hash bin for addr: the six most significant CRC bits.
func HashIndex(addr core.MACAddr) uint8 {
	return uint8(CRC(addr[:]) >> 26)
}

// Plan is the complete filter programming derived from a filter table.
type Plan struct {
	Unicast     []core.MACAddr // perfect-match slots, in table order
	Hash        uint64         // bit i set = hash bin i accepts
	HashUnicast bool           // unicast addresses overflowed into Hash
}

// Build recomputes the plan from scratch. Inactive entries are skipped,
// multicast addresses go to the hash, unicast addresses fill up to slots
// perfect-match entries and overflow into the hash.
func Build(table []core.FilterEntry, slots int) Plan {
	var p Plan
	for _, e := range table {
		if e.RefCount <= 0 {
			continue
		}
		if !e.Addr.IsMulticast() && len(p.Unicast) < slots {
			p.Unicast = append(p.Unicast, e.Addr)
			continue
		}
		if !e.Addr.IsMulticast() {
			p.HashUnicast = true
		}
		p.Hash |= 1 << HashIndex(e.Addr)
	}
	return p
}

// Registers is the hardware side of a filter engine.
type Registers interface {
	// Slots returns the number of perfect-match unicast slots besides the station address.
	Slots() int
	WriteStation(addr core.MACAddr)
	// WriteSlot programs slot i. enable false clears and disables it.
	WriteSlot(i int, addr core.MACAddr, enable bool)
	// WriteHash programs the 64-bit hash table; bit i = bin i.
	WriteHash(table uint64)
	// SetHashMode enables hash matching for multicast and optionally unicast.
	SetHashMode(multicast, unicast bool)
}

// Engine rewrites the whole filter on every update. Hash bins are never
// toggled incrementally, so two addresses sharing a bin keep it set until
// both are gone.
type Engine struct {
	regs Registers
	name string
}

// NewEngine returns an engine writing through regs.
func NewEngine(name string, regs Registers) *Engine {
	return &Engine{regs: regs, name: name}
}

// Program writes the station address, every perfect-match slot and the full
// hash table. It returns the plan it applied.
func (e *Engine) Program(station core.MACAddr, table []core.FilterEntry) Plan {
	p := Build(table, e.regs.Slots())

	e.regs.WriteStation(station)
	for i := 0; i < e.regs.Slots(); i++ {
		if i < len(p.Unicast) {
			e.regs.WriteSlot(i, p.Unicast[i], true)
		} else {
			e.regs.WriteSlot(i, core.MACAddr{}, false)
		}
	}
	e.regs.WriteHash(p.Hash)
	e.regs.SetHashMode(p.Hash != 0, p.HashUnicast)

	metrics.FilterProgramsTotal.WithLabelValues(e.name).Inc()
	slog.Debug("address filter programmed",
		"device", e.name,
		"unicast", len(p.Unicast),
		"hash", p.Hash,
		"hash_unicast", p.HashUnicast,
	)
	return p
}
