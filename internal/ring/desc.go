// Package ring manages the two transmit/receive buffer shapes found in
// peripheral MACs: descriptor rings with per-slot ownership, and single
// circular buffers addressed by an offset pointer register.
//
// Both shapes live in device memory reached through a regio.Transport.
package ring

import (
	"fmt"
	"sync"

	"firestige.xyz/ethctl/internal/core"
	"firestige.xyz/ethctl/internal/regio"
)

// Descriptor layout: four 32-bit words.
const (
	DescStatus = 0x0
	DescCtrl   = 0x4
	DescBuf    = 0x8
	DescNext   = 0xC
	DescSize   = 0x10
)

// Transmit descriptor status word.
const (
	TxOwn      uint32 = 1 << 31 // owned by the DMA engine
	TxIntOnEnd uint32 = 1 << 30
	TxLast     uint32 = 1 << 29
	TxFirst    uint32 = 1 << 28
	TxEndRing  uint32 = 1 << 21
	TxChained  uint32 = 1 << 20
	TxErr      uint32 = 1 << 15
)

// Receive descriptor status word.
const (
	RxOwn   uint32 = 1 << 31
	RxErr   uint32 = 1 << 15
	RxFirst uint32 = 1 << 9
	RxLast  uint32 = 1 << 8
)

// Receive descriptor control word.
const (
	RxEndRing uint32 = 1 << 15
	RxChained uint32 = 1 << 14
)

var (
	// TxLen is the buffer byte count in the transmit control word.
	TxLen = regio.Bits(12, 0)
	// RxBufLen is the buffer size in the receive control word.
	RxBufLen = regio.Bits(12, 0)
	// RxFrameLen is the received frame length in the receive status word.
	RxFrameLen = regio.Bits(29, 16)
)

// Config places a descriptor list and its buffers in device memory.
type Config struct {
	DescBase uint32 // address of descriptor 0
	BufBase  uint32 // address of buffer 0; buffers are contiguous
	Count    int
	BufSize  int
	// Chained links descriptors with explicit next pointers; otherwise the
	// last descriptor carries the end-of-ring flag.
	Chained bool
}

func (c Config) desc(i int) uint32 { return c.DescBase + uint32(i)*DescSize }
func (c Config) buf(i int) uint32  { return c.BufBase + uint32(i)*uint32(c.BufSize) }
func (c Config) next(i int) uint32 { return c.desc((i + 1) % c.Count) }

func (c Config) validate() error {
	if c.Count < 2 {
		return fmt.Errorf("%w: descriptor count %d", core.ErrConfigInvalid, c.Count)
	}
	if c.BufSize <= 0 || uint32(c.BufSize) > TxLen.Mask {
		return fmt.Errorf("%w: buffer size %d", core.ErrConfigInvalid, c.BufSize)
	}
	return nil
}

// TxRing is the transmit descriptor list.
// A descriptor is written only while software owns it; setting TxOwn hands
// it to the DMA engine, which clears the bit once the frame is sent.
// Transmit and Free may be called from different goroutines.
type TxRing struct {
	t   regio.Transport
	cfg Config

	mu  sync.Mutex
	cur int
}

// NewTxRing returns an unprogrammed ring; call Init before use.
func NewTxRing(t regio.Transport, cfg Config) (*TxRing, error) {
	if err := cfg.validate(); err != nil {
		return nil, err
	}
	return &TxRing{t: t, cfg: cfg}, nil
}

// Init writes every descriptor as software-owned and rewinds the cursor.
func (r *TxRing) Init() {
	r.mu.Lock()
	defer r.mu.Unlock()
	for i := 0; i < r.cfg.Count; i++ {
		d := r.cfg.desc(i)
		r.t.WriteRegister(d+DescStatus, regio.Width32, r.linkFlags(i))
		r.t.WriteRegister(d+DescCtrl, regio.Width32, 0)
		r.t.WriteRegister(d+DescBuf, regio.Width32, r.cfg.buf(i))
		r.t.WriteRegister(d+DescNext, regio.Width32, r.cfg.next(i))
	}
	r.cur = 0
}

func (r *TxRing) linkFlags(i int) uint32 {
	if r.cfg.Chained {
		return TxChained
	}
	if i == r.cfg.Count-1 {
		return TxEndRing
	}
	return 0
}

// Base returns the address of descriptor 0, for the DMA list register.
func (r *TxRing) Base() uint32 { return r.cfg.DescBase }

// Cursor returns the index of the next descriptor to fill.
func (r *TxRing) Cursor() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.cur
}

// Free reports whether the next descriptor to fill is owned by software.
func (r *TxRing) Free() bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	return !r.Owned(r.cur)
}

// Owned reports whether descriptor i is owned by hardware.
func (r *TxRing) Owned(i int) bool {
	return r.t.ReadRegister(r.cfg.desc(i)+DescStatus, regio.Width32)&TxOwn != 0
}

// Transmit places p in the current descriptor and hands it to hardware.
// more reports whether the next descriptor is already free; callers signal
// the stack only then.
func (r *TxRing) Transmit(p []byte) (more bool, err error) {
	if len(p) == 0 || len(p) > r.cfg.BufSize {
		return false, fmt.Errorf("transmit %d bytes: %w", len(p), core.ErrInvalidLength)
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	d := r.cfg.desc(r.cur)
	if r.t.ReadRegister(d+DescStatus, regio.Width32)&TxOwn != 0 {
		return false, core.ErrBusy
	}

	r.t.WriteBuffer(r.cfg.buf(r.cur), p)
	r.t.WriteRegister(d+DescCtrl, regio.Width32, TxLen.Set(0, uint32(len(p))))
	// Ownership is written last.
	r.t.WriteRegister(d+DescStatus, regio.Width32,
		r.linkFlags(r.cur)|TxFirst|TxLast|TxIntOnEnd|TxOwn)

	r.cur = (r.cur + 1) % r.cfg.Count
	return !r.Owned(r.cur), nil
}

// RxRing is the receive descriptor list.
// Hardware owns every descriptor until it has stored a frame; software
// returns it immediately after copying the frame out.
type RxRing struct {
	t   regio.Transport
	cfg Config
	cur int
}

// NewRxRing returns an unprogrammed ring; call Init before use.
func NewRxRing(t regio.Transport, cfg Config) (*RxRing, error) {
	if err := cfg.validate(); err != nil {
		return nil, err
	}
	return &RxRing{t: t, cfg: cfg}, nil
}

// Init writes every descriptor as hardware-owned and rewinds the cursor.
func (r *RxRing) Init() {
	for i := 0; i < r.cfg.Count; i++ {
		d := r.cfg.desc(i)
		r.t.WriteRegister(d+DescCtrl, regio.Width32, r.linkFlags(i)|RxBufLen.Set(0, uint32(r.cfg.BufSize)))
		r.t.WriteRegister(d+DescBuf, regio.Width32, r.cfg.buf(i))
		r.t.WriteRegister(d+DescNext, regio.Width32, r.cfg.next(i))
		r.t.WriteRegister(d+DescStatus, regio.Width32, RxOwn)
	}
	r.cur = 0
}

func (r *RxRing) linkFlags(i int) uint32 {
	if r.cfg.Chained {
		return RxChained
	}
	if i == r.cfg.Count-1 {
		return RxEndRing
	}
	return 0
}

// Base returns the address of descriptor 0.
func (r *RxRing) Base() uint32 { return r.cfg.DescBase }

// Cursor returns the index of the next descriptor to inspect.
func (r *RxRing) Cursor() int { return r.cur }

// ReceiveNext returns the frame in the current descriptor.
// It returns core.ErrEmpty when hardware still owns it. Fragmented or
// errored frames yield core.ErrInvalidFrame. In both non-empty cases the
// descriptor goes back to hardware and the cursor advances.
func (r *RxRing) ReceiveNext() ([]byte, error) {
	d := r.cfg.desc(r.cur)
	status := r.t.ReadRegister(d+DescStatus, regio.Width32)
	if status&RxOwn != 0 {
		return nil, core.ErrEmpty
	}

	var frame []byte
	var err error
	switch {
	case status&(RxFirst|RxLast) != RxFirst|RxLast:
		err = fmt.Errorf("descriptor %d spans buffers: %w", r.cur, core.ErrInvalidFrame)
	case status&RxErr != 0:
		err = fmt.Errorf("descriptor %d error summary: %w", r.cur, core.ErrInvalidFrame)
	default:
		n := int(RxFrameLen.Get(status))
		if n > r.cfg.BufSize {
			n = r.cfg.BufSize
		}
		frame = make([]byte, n)
		r.t.ReadBuffer(r.cfg.buf(r.cur), frame)
	}

	r.t.WriteRegister(d+DescStatus, regio.Width32, RxOwn)
	r.cur = (r.cur + 1) % r.cfg.Count
	return frame, err
}
