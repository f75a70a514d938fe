package filter

import (
	"hash/crc32"
	"math/bits"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"firestige.xyz/ethctl/internal/core"
)

func TestCRCMatchesReflectedIEEE(t *testing.T) {
	addrs := []string{
		"01:00:5e:00:00:01",
		"33:33:00:00:00:01",
		"00:11:22:33:44:55",
		"ff:ff:ff:ff:ff:ff",
	}
	for _, s := range addrs {
		m := core.MustParseMAC(s)
		assert.Equal(t, bits.Reverse32(crc32.ChecksumIEEE(m[:])), CRC(m[:]), s)
	}
}

func TestHashIndexKnownValues(t *testing.T) {
	assert.Equal(t, uint32(0x00B79B82), CRC(core.BroadcastMAC[:]))
	assert.Equal(t, uint8(0x00), HashIndex(core.BroadcastMAC))

	allHosts := core.MustParseMAC("01:00:5e:00:00:01")
	assert.Equal(t, uint32(0x805CD264), CRC(allHosts[:]))
	assert.Equal(t, uint8(0x20), HashIndex(allHosts))
}

func TestBuildSetsExactlyOneBin(t *testing.T) {
	m := core.MustParseMAC("01:00:5e:00:00:fb")
	p := Build([]core.FilterEntry{{Addr: m, RefCount: 1}}, 3)

	assert.Empty(t, p.Unicast)
	assert.Equal(t, 1, bits.OnesCount64(p.Hash))
	assert.Equal(t, uint64(1)<<HashIndex(m), p.Hash)
	assert.False(t, p.HashUnicast)
}

func TestBuildIgnoresInactiveEntries(t *testing.T) {
	p := Build([]core.FilterEntry{
		{Addr: core.MustParseMAC("01:00:5e:00:00:01"), RefCount: 0},
		{Addr: core.MustParseMAC("00:11:22:33:44:66"), RefCount: 0},
	}, 3)
	assert.Equal(t, Plan{}, p)
}

func TestBuildUnicastOverflowGoesToHash(t *testing.T) {
	var table []core.FilterEntry
	for i := 0; i < 4; i++ {
		table = append(table, core.FilterEntry{Addr: core.MACAddr{0x02, 0, 0, 0, 0, byte(i)}, RefCount: 1})
	}
	p := Build(table, 3)
	require.Len(t, p.Unicast, 3)
	assert.Equal(t, table[2].Addr, p.Unicast[2])
	assert.True(t, p.HashUnicast)
	assert.Equal(t, uint64(1)<<HashIndex(table[3].Addr), p.Hash)
}

// findCollision returns two distinct multicast addresses in the same bin.
func findCollision(t *testing.T) (core.MACAddr, core.MACAddr) {
	t.Helper()
	seen := map[uint8]core.MACAddr{}
	for i := 0; i < 1024; i++ {
		m := core.MACAddr{0x01, 0x00, 0x5e, 0x00, byte(i >> 8), byte(i)}
		idx := HashIndex(m)
		if prev, ok := seen[idx]; ok {
			return prev, m
		}
		seen[idx] = m
	}
	t.Fatal("no collision found")
	return core.MACAddr{}, core.MACAddr{}
}

type fakeRegs struct {
	slots     int
	station   core.MACAddr
	slot      map[int]core.MACAddr
	enabled   map[int]bool
	hash      uint64
	hashMC    bool
	hashUC    bool
	hashWrite int
}

func newFakeRegs(slots int) *fakeRegs {
	return &fakeRegs{slots: slots, slot: map[int]core.MACAddr{}, enabled: map[int]bool{}}
}

func (f *fakeRegs) Slots() int                  { return f.slots }
func (f *fakeRegs) WriteStation(a core.MACAddr) { f.station = a }
func (f *fakeRegs) SetHashMode(mc, uc bool)     { f.hashMC, f.hashUC = mc, uc }

func (f *fakeRegs) WriteHash(h uint64) {
	f.hash = h
	f.hashWrite++
}

func (f *fakeRegs) WriteSlot(i int, a core.MACAddr, en bool) {
	f.slot[i] = a
	f.enabled[i] = en
}

func TestCollidingAddressesKeepBinUntilBothRemoved(t *testing.T) {
	a, b := findCollision(t)
	bin := uint64(1) << HashIndex(a)
	regs := newFakeRegs(3)
	e := NewEngine("test", regs)
	station := core.MustParseMAC("00:11:22:33:44:55")

	table := []core.FilterEntry{{Addr: a, RefCount: 1}, {Addr: b, RefCount: 1}}
	e.Program(station, table)
	assert.Equal(t, bin, regs.hash)
	assert.True(t, regs.hashMC)

	table[0].RefCount = 0
	e.Program(station, table)
	assert.Equal(t, bin, regs.hash, "bin must stay set while b is active")

	table[1].RefCount = 0
	e.Program(station, table)
	assert.Equal(t, uint64(0), regs.hash)
	assert.False(t, regs.hashMC)
	assert.Equal(t, 3, regs.hashWrite)
}

func TestProgramWritesEverySlot(t *testing.T) {
	regs := newFakeRegs(3)
	e := NewEngine("test", regs)
	station := core.MustParseMAC("00:11:22:33:44:55")
	uc := core.MustParseMAC("00:11:22:33:44:66")

	e.Program(station, []core.FilterEntry{{Addr: uc, RefCount: 2}})
	assert.Equal(t, station, regs.station)
	assert.Equal(t, uc, regs.slot[0])
	assert.True(t, regs.enabled[0])
	assert.False(t, regs.enabled[1])
	assert.False(t, regs.enabled[2])

	e.Program(station, nil)
	assert.False(t, regs.enabled[0], "slot cleared once the entry is gone")
}
