package regio_test

import (
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"firestige.xyz/ethctl/internal/core"
	"firestige.xyz/ethctl/internal/regio"
	"firestige.xyz/ethctl/internal/sim"
)

func TestKSZFramingHeader(t *testing.T) {
	f := regio.KSZFraming{}
	assert.Equal(t, []byte{0x60, 0x00, 0x00, 0x20}, f.Header(regio.OpRead, 0x0001))
	assert.Equal(t, []byte{0x40, 0x00, 0x84, 0x00}, f.Header(regio.OpWrite, 0x0420))

	op, addr, ok := f.Decode(f.Header(regio.OpWrite, 0x6020))
	require.True(t, ok)
	assert.Equal(t, regio.OpWrite, op)
	assert.Equal(t, uint32(0x6020), addr)
}

func TestWiznetFramingHeader(t *testing.T) {
	f := regio.WiznetFraming{}
	assert.Equal(t, []byte{0x0F, 0x00, 0x80}, f.Header(regio.OpRead, 0x0080))
	assert.Equal(t, []byte{0xF0, 0x04, 0x24}, f.Header(regio.OpWrite, 0x0424))

	_, _, ok := f.Decode([]byte{0x55, 0x00, 0x00})
	assert.False(t, ok)
}

func TestRegisterRoundTrip(t *testing.T) {
	framings := map[string]regio.Framing{
		"ksz":    regio.KSZFraming{},
		"wiznet": regio.WiznetFraming{},
	}
	values := map[regio.Width][]uint32{
		regio.Width8:  {0x00, 0x5A, 0xFF},
		regio.Width16: {0x0000, 0x1234, 0xFFFF},
		regio.Width32: {0x00000000, 0xDEADBEEF, 0x80000001},
	}
	for name, f := range framings {
		t.Run(name, func(t *testing.T) {
			tr := regio.NewSPI(sim.NewMemory(f), f)
			for w, vs := range values {
				for _, v := range vs {
					tr.WriteRegister(0x0100, w, v)
					assert.Equal(t, v, tr.ReadRegister(0x0100, w), "width %d value %#x", w, v)
				}
			}
		})
	}
}

func TestMultiByteRegistersAreBigEndian(t *testing.T) {
	mem := sim.NewMemory(regio.KSZFraming{})
	tr := regio.NewSPI(mem, regio.KSZFraming{})

	tr.WriteRegister(0x0420, regio.Width32, 0x11223344)
	assert.Equal(t, uint32(0x11), tr.ReadRegister(0x0420, regio.Width8))
	assert.Equal(t, uint32(0x44), tr.ReadRegister(0x0423, regio.Width8))
	assert.Equal(t, uint32(0x3344), tr.ReadRegister(0x0422, regio.Width16))
}

func TestBufferRoundTrip(t *testing.T) {
	tr := regio.NewSPI(sim.NewMemory(regio.WiznetFraming{}), regio.WiznetFraming{})
	payload := []byte("register transport buffer")
	tr.WriteBuffer(0x4000, payload)

	got := make([]byte, len(payload))
	tr.ReadBuffer(0x4000, got)
	assert.Equal(t, payload, got)
}

func TestBusFaultReturnsAllOnes(t *testing.T) {
	mem := sim.NewMemory(regio.KSZFraming{})
	tr := regio.NewSPI(mem, regio.KSZFraming{}, regio.WithName("faulty"))
	tr.WriteRegister(0x0001, regio.Width8, 0x94)

	mem.SetFault(true)
	assert.Equal(t, uint32(0xFF), tr.ReadRegister(0x0001, regio.Width8))
	assert.Equal(t, uint32(0xFFFF), tr.ReadRegister(0x0001, regio.Width16))
	assert.Equal(t, uint32(0xFFFFFFFF), tr.ReadRegister(0x0001, regio.Width32))
	assert.True(t, errors.Is(tr.Err(), sim.ErrBusFault))
	assert.NoError(t, tr.Err(), "Err must clear after being read")

	mem.SetFault(false)
	assert.Equal(t, uint32(0x94), tr.ReadRegister(0x0001, regio.Width8))
}

// ----------------------------------------------------------------------------
// Fields
// ----------------------------------------------------------------------------

func TestFieldSetPreservesOtherBits(t *testing.T) {
	f := regio.Bits(21, 16)
	assert.Equal(t, uint32(0x003F0000), f.Mask)

	v := f.Set(0xFFC0FFFF, 0x2A)
	assert.Equal(t, uint32(0xFFEAFFFF), v)
	assert.Equal(t, uint32(0x2A), f.Get(v))

	// Excess bits are discarded.
	assert.Equal(t, uint32(0x00010000), f.Set(0, 0x41))
}

func TestFieldOf(t *testing.T) {
	f := regio.FieldOf(0x30)
	assert.Equal(t, uint(4), f.Shift)
	assert.Equal(t, uint32(0x10), f.Set(0, 1))
	assert.True(t, regio.Bit(7).IsSet(0x80))
}

func TestFieldReadModifyWrite(t *testing.T) {
	tr := regio.NewSPI(sim.NewMemory(regio.KSZFraming{}), regio.KSZFraming{})
	tr.WriteRegister(0x0312, regio.Width8, 0xC5)

	regio.FieldOf(0x30).Write(tr, 0x0312, regio.Width8, 0x1)
	assert.Equal(t, uint32(0xD5), tr.ReadRegister(0x0312, regio.Width8))

	regio.Update(tr, 0x0312, regio.Width8, 0x02, 0x01)
	assert.Equal(t, uint32(0xD6), tr.ReadRegister(0x0312, regio.Width8))
}

// ----------------------------------------------------------------------------
// Poller
// ----------------------------------------------------------------------------

func TestPollerTimesOut(t *testing.T) {
	p := regio.Poller{Retries: 5, Interval: time.Microsecond}
	calls := 0
	err := p.Until("never", func() bool { calls++; return false })
	require.Error(t, err)
	assert.ErrorIs(t, err, core.ErrTimeout)
	assert.Equal(t, 5, calls)
}

func TestPollerSucceeds(t *testing.T) {
	p := regio.Poller{Retries: 10}
	calls := 0
	err := p.Until("third time", func() bool { calls++; return calls == 3 })
	assert.NoError(t, err)
	assert.Equal(t, 3, calls)
}

func TestPollerUntilClear(t *testing.T) {
	mem := sim.NewMemory(regio.KSZFraming{})
	tr := regio.NewSPI(mem, regio.KSZFraming{})
	tr.WriteRegister(0x041C, regio.Width32, 0x80)

	reads := 0
	mem.BeforeRead = func(addr uint32, n int) {
		reads++
		if reads == 4 {
			mem.SetReg(0x041C, regio.Width32, 0)
		}
	}
	assert.NoError(t, regio.Poller{Retries: 10}.UntilClear(tr, 0x041C, regio.Width32, 0x80, "start"))

	tr.WriteRegister(0x041C, regio.Width32, 0x80)
	mem.BeforeRead = nil
	err := regio.Poller{Retries: 3}.UntilClear(tr, 0x041C, regio.Width32, 0x80, "start")
	assert.ErrorIs(t, err, core.ErrTimeout)
}
