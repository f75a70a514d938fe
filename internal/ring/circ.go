package ring

import (
	"fmt"

	"firestige.xyz/ethctl/internal/core"
	"firestige.xyz/ethctl/internal/regio"
)

// CircBuf is a circular buffer in device memory addressed by a free-running
// 16-bit pointer register. The device and the driver each own one pointer;
// the driver moves its own and then writes Command to CmdReg so the device
// picks up the change.
type CircBuf struct {
	t       regio.Transport
	poll    regio.Poller
	Base    uint32 // device address of the buffer start
	Size    uint32 // buffer size in bytes, a power of two
	PtrReg  uint32 // 16-bit pointer register owned by the driver
	CmdReg  uint32 // 8-bit command register, self-clearing
	Command uint32 // value that commits a pointer update (SEND or RECV)
}

// NewCircBuf binds a buffer description to a transport.
func NewCircBuf(t regio.Transport, p regio.Poller, base, size, ptrReg, cmdReg, command uint32) (*CircBuf, error) {
	if size == 0 || size&(size-1) != 0 || size > 0x10000 {
		return nil, fmt.Errorf("%w: circular buffer size %d", core.ErrConfigInvalid, size)
	}
	return &CircBuf{
		t: t, poll: p,
		Base: base, Size: size,
		PtrReg: ptrReg, CmdReg: cmdReg, Command: command,
	}, nil
}

// Pointer returns the current value of the pointer register.
func (c *CircBuf) Pointer() uint16 {
	return uint16(c.t.ReadRegister(c.PtrReg, regio.Width16))
}

// copyAt moves len(p) bytes at logical position ptr, splitting the transfer in
// two when it runs past the end of the buffer.
func (c *CircBuf) copyAt(ptr uint16, p []byte, write bool) {
	offset := uint32(ptr) & (c.Size - 1)
	n := uint32(len(p))

	xfer := func(addr uint32, b []byte) {
		if write {
			c.t.WriteBuffer(addr, b)
		} else {
			c.t.ReadBuffer(addr, b)
		}
	}
	if offset+n <= c.Size {
		xfer(c.Base+offset, p)
		return
	}
	head := c.Size - offset
	xfer(c.Base+offset, p[:head])
	xfer(c.Base, p[head:])
}

// Put writes p at the pointer, advances the pointer by len(p) and commits.
func (c *CircBuf) Put(p []byte) error {
	if uint32(len(p)) > c.Size {
		return fmt.Errorf("put %d bytes into %d byte buffer: %w", len(p), c.Size, core.ErrInvalidLength)
	}
	ptr := c.Pointer()
	c.copyAt(ptr, p, true)
	return c.commit(ptr + uint16(len(p)))
}

// Peek reads len(p) bytes starting skip bytes after the pointer without
// moving it.
func (c *CircBuf) Peek(skip int, p []byte) {
	c.copyAt(c.Pointer()+uint16(skip), p, false)
}

// Consume advances the pointer by n bytes and commits.
func (c *CircBuf) Consume(n int) error {
	return c.commit(c.Pointer() + uint16(n))
}

func (c *CircBuf) commit(ptr uint16) error {
	c.t.WriteRegister(c.PtrReg, regio.Width16, uint32(ptr))
	c.t.WriteRegister(c.CmdReg, regio.Width8, c.Command)
	return c.poll.UntilClear(c.t, c.CmdReg, regio.Width8, 0xFF, "command accept")
}
