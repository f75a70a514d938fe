// Package fdb drives the address lookup unit of KSZ9477-family switches:
// the static MAC table, the dynamic (learned) table search, flushing and
// aging.
//
// Every table access follows the same handshake: stage data in the entry
// registers, write the index and action with START set, poll until START
// self-clears, then read the entry registers back.
package fdb

import (
	"errors"
	"fmt"
	"log/slog"
	"sync"

	"firestige.xyz/ethctl/internal/core"
	"firestige.xyz/ethctl/internal/metrics"
	"firestige.xyz/ethctl/internal/regio"
)

// Static address / reserved multicast table control register.
const (
	StaticCtrlStart       uint32 = 0x00000080
	StaticCtrlTableSelect uint32 = 0x00000002 // 0 = static table, 1 = reserved multicast
	StaticCtrlActionRead  uint32 = 0x00000001
)

// StaticCtrlIndex is the table index field of the static table control register.
var StaticCtrlIndex = regio.FieldOf(0x003F0000)

// ALU table access control register.
const (
	ALUCtrlStart        uint32 = 0x00000080
	ALUCtrlValid        uint32 = 0x00000040
	ALUCtrlValidOrEnd   uint32 = 0x00000020
	ALUCtrlActionMask   uint32 = 0x00000003
	ALUCtrlActionSearch uint32 = 0x00000003
)

// Table entry registers.
const (
	Entry1Valid       uint32 = 0x80000000
	Entry2Override    uint32 = 0x80000000
	Entry2PortForward uint32 = 0x0000007F
)

// Lookup engine control registers.
const (
	LUECtrl1FlushALUTable    uint8 = 0x20
	LUECtrl1FlushMSTPEntries uint8 = 0x10
	LUECtrl2FlushOptionMask  uint8 = 0x30
	LUECtrl2FlushDynamic     uint8 = 0x10
	MSTPLearningDisable      uint8 = 0x01
)

// MaxAgingPeriod is the largest value of the 8-bit age period register.
const MaxAgingPeriod = 255

// AllPorts selects the whole table in FlushDynamic.
const AllPorts = 0

// Layout is the register map of one switch model.
type Layout struct {
	StaticSlots  int       // static MAC table size
	DynamicSlots int       // address lookup table size, bounds a dynamic walk
	Ports        int       // highest port number, including the host port
	HostPort     int       // port addressed by core.CPUPortMask
	StaticCtrl   uint32    // static address table control
	ALUCtrl      uint32    // ALU table access control
	Entry        [4]uint32 // table entry 1..4, shared by static and ALU accesses
	LUECtrl1     uint32
	LUECtrl2     uint32
	LUECtrl3     uint32
	MSTPState    func(port int) uint32
}

// Controller serializes table commands for one switch.
type Controller struct {
	mu        sync.Mutex
	t         regio.Transport
	poll      regio.Poller
	layout    Layout
	name      string
	searching bool
}

// New returns a controller for the switch behind t.
func New(name string, t regio.Transport, p regio.Poller, l Layout) *Controller {
	return &Controller{t: t, poll: p, layout: l, name: name}
}

// Slots returns the static table size.
func (c *Controller) Slots() int { return c.layout.StaticSlots }

func (c *Controller) count(op string, err error) {
	metrics.FdbOpsTotal.WithLabelValues(c.name, op, metrics.Result(err)).Inc()
}

// staticCommand issues one static table command and waits for completion.
func (c *Controller) staticCommand(index int, read bool) error {
	v := StaticCtrlIndex.Set(0, uint32(index))
	if read {
		v |= StaticCtrlActionRead
	}
	v |= StaticCtrlStart
	c.t.WriteRegister(c.layout.StaticCtrl, regio.Width32, v)
	return c.poll.UntilClear(c.t, c.layout.StaticCtrl, regio.Width32, StaticCtrlStart, "static table command")
}

// readStatic reads slot index. Caller holds c.mu.
func (c *Controller) readStatic(index int) (core.FdbEntry, error) {
	if index < 0 || index >= c.layout.StaticSlots {
		return core.FdbEntry{}, core.ErrEndOfTable
	}
	if err := c.staticCommand(index, true); err != nil {
		return core.FdbEntry{}, err
	}
	if c.t.ReadRegister(c.layout.Entry[0], regio.Width32)&Entry1Valid == 0 {
		return core.FdbEntry{}, core.ErrInvalidEntry
	}
	e2 := c.t.ReadRegister(c.layout.Entry[1], regio.Width32)
	e := core.FdbEntry{
		MAC:       c.readMAC(),
		DestPorts: e2 & Entry2PortForward,
		Override:  e2&Entry2Override != 0,
	}
	return e, nil
}

// writeStatic programs slot index; a zero entry with valid false clears it.
func (c *Controller) writeStatic(index int, e core.FdbEntry, valid bool) error {
	var e1, e2 uint32
	if valid {
		e1 = Entry1Valid
		e2 = c.portMap(e.DestPorts)
		if e.Override {
			e2 |= Entry2Override
		}
	}
	c.t.WriteRegister(c.layout.Entry[0], regio.Width32, e1)
	c.t.WriteRegister(c.layout.Entry[1], regio.Width32, e2)
	c.writeMAC(e.MAC)
	return c.staticCommand(index, false)
}

// portMap translates a destination bitmap to forward-port bits.
func (c *Controller) portMap(dest uint32) uint32 {
	v := dest &^ core.CPUPortMask
	if dest&core.CPUPortMask != 0 {
		v |= 1 << (c.layout.HostPort - 1)
	}
	return v & Entry2PortForward
}

// checkPorts rejects destination bits naming ports the switch does not have.
func (c *Controller) checkPorts(dest uint32) error {
	valid := uint32(1)<<c.layout.Ports - 1
	if extra := dest &^ core.CPUPortMask &^ valid; extra != 0 {
		return fmt.Errorf("destination ports %#x: %w", extra, core.ErrInvalidPort)
	}
	return nil
}

func (c *Controller) readMAC() core.MACAddr {
	hi := c.t.ReadRegister(c.layout.Entry[2], regio.Width32)
	lo := c.t.ReadRegister(c.layout.Entry[3], regio.Width32)
	return core.MACAddr{
		byte(hi >> 8), byte(hi),
		byte(lo >> 24), byte(lo >> 16), byte(lo >> 8), byte(lo),
	}
}

func (c *Controller) writeMAC(m core.MACAddr) {
	c.t.WriteRegister(c.layout.Entry[2], regio.Width32, uint32(m[0])<<8|uint32(m[1]))
	c.t.WriteRegister(c.layout.Entry[3], regio.Width32,
		uint32(m[2])<<24|uint32(m[3])<<16|uint32(m[4])<<8|uint32(m[5]))
}

// AddStatic inserts e, overwriting a slot that already holds e.MAC or
// taking the first free slot. It returns core.ErrTableFull without
// touching the table when neither exists.
func (c *Controller) AddStatic(e core.FdbEntry) (err error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	defer func() { c.count("add_static", err) }()

	if err := c.checkPorts(e.DestPorts); err != nil {
		return err
	}
	slot := -1
	for i := 0; i < c.layout.StaticSlots; i++ {
		cur, rerr := c.readStatic(i)
		if errors.Is(rerr, core.ErrInvalidEntry) {
			if slot < 0 {
				slot = i
			}
			continue
		}
		if rerr != nil {
			return fmt.Errorf("scan static slot %d: %w", i, rerr)
		}
		if cur.MAC == e.MAC {
			slot = i
			break
		}
	}
	if slot < 0 {
		return core.ErrTableFull
	}
	if err := c.writeStatic(slot, e, true); err != nil {
		return fmt.Errorf("write static slot %d: %w", slot, err)
	}
	slog.Debug("static fdb entry written", "device", c.name, "slot", slot, "mac", e.MAC, "ports", e.DestPorts)
	return nil
}

// DeleteStatic clears the slot holding mac.
func (c *Controller) DeleteStatic(mac core.MACAddr) (err error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	defer func() { c.count("delete_static", err) }()

	for i := 0; i < c.layout.StaticSlots; i++ {
		cur, rerr := c.readStatic(i)
		if errors.Is(rerr, core.ErrInvalidEntry) {
			continue
		}
		if rerr != nil {
			return fmt.Errorf("scan static slot %d: %w", i, rerr)
		}
		if cur.MAC == mac {
			return c.writeStatic(i, core.FdbEntry{}, false)
		}
	}
	return core.ErrNotFound
}

// GetStatic reads slot index. An empty slot yields core.ErrInvalidEntry and
// an index past the table core.ErrEndOfTable.
func (c *Controller) GetStatic(index int) (core.FdbEntry, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.readStatic(index)
}

// ListStatic returns every valid static entry.
func (c *Controller) ListStatic() ([]core.FdbEntry, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	var out []core.FdbEntry
	for i := 0; ; i++ {
		e, err := c.readStatic(i)
		switch {
		case err == nil:
			out = append(out, e)
		case errors.Is(err, core.ErrInvalidEntry):
		case errors.Is(err, core.ErrEndOfTable):
			return out, nil
		default:
			return out, err
		}
	}
}

// FlushStatic clears every static slot.
func (c *Controller) FlushStatic() (err error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	defer func() { c.count("flush_static", err) }()
	for i := 0; i < c.layout.StaticSlots; i++ {
		if err := c.writeStatic(i, core.FdbEntry{}, false); err != nil {
			return fmt.Errorf("clear static slot %d: %w", i, err)
		}
	}
	return nil
}

// EnumerateDynamic returns the next learned entry. cursor 0 (re)starts the
// hardware search; later calls continue it. The end of the search yields
// core.ErrEndOfTable and stops the search.
func (c *Controller) EnumerateDynamic(cursor int) (core.FdbEntry, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if cursor == 0 {
		c.t.WriteRegister(c.layout.ALUCtrl, regio.Width32, 0)
		c.t.WriteRegister(c.layout.ALUCtrl, regio.Width32, ALUCtrlStart|ALUCtrlActionSearch)
		c.searching = true
	} else if !c.searching {
		return core.FdbEntry{}, core.ErrEndOfTable
	}

	v, err := c.poll.UntilSet(c.t, c.layout.ALUCtrl, regio.Width32, ALUCtrlValidOrEnd, "dynamic table search")
	if err != nil {
		c.stopSearch()
		return core.FdbEntry{}, err
	}
	// Reserved bits read as one only when nothing drives the bus.
	if v == regio.Width32.Mask() {
		c.stopSearch()
		return core.FdbEntry{}, fmt.Errorf("dynamic table search: switch not responding: %w", core.ErrTimeout)
	}
	if v&ALUCtrlValid == 0 {
		c.stopSearch()
		return core.FdbEntry{}, core.ErrEndOfTable
	}

	e2 := c.t.ReadRegister(c.layout.Entry[1], regio.Width32)
	return core.FdbEntry{
		MAC:     c.readMAC(),
		SrcPort: onehotPort(e2 & Entry2PortForward),
	}, nil
}

func (c *Controller) stopSearch() {
	c.t.WriteRegister(c.layout.ALUCtrl, regio.Width32, 0)
	c.searching = false
}

// onehotPort maps a single forward-port bit to its 1-based port number.
func onehotPort(v uint32) uint8 {
	for p := uint8(1); p <= 7; p++ {
		if v == 1<<(p-1) {
			return p
		}
	}
	return 0
}

// DumpDynamic walks the whole dynamic table. A search that yields more
// entries than the table holds is abandoned with core.ErrTimeout.
func (c *Controller) DumpDynamic() ([]core.FdbEntry, error) {
	var out []core.FdbEntry
	for i := 0; i <= c.layout.DynamicSlots; i++ {
		e, err := c.EnumerateDynamic(i)
		if errors.Is(err, core.ErrEndOfTable) {
			return out, nil
		}
		if err != nil {
			return out, err
		}
		out = append(out, e)
	}
	c.mu.Lock()
	c.stopSearch()
	c.mu.Unlock()
	return out, fmt.Errorf("dynamic table search: more than %d entries: %w", c.layout.DynamicSlots, core.ErrTimeout)
}

// FlushDynamic removes learned entries. port AllPorts flushes the whole
// table; a port number flushes only entries learned on that port by briefly
// disabling its learning.
func (c *Controller) FlushDynamic(port int) (err error) {
	if port < AllPorts || port > c.layout.Ports {
		return fmt.Errorf("flush port %d: %w", port, core.ErrInvalidPort)
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	defer func() { c.count("flush_dynamic", err) }()

	v := c.t.ReadRegister(c.layout.LUECtrl2, regio.Width8)
	v = (v &^ uint32(LUECtrl2FlushOptionMask)) | uint32(LUECtrl2FlushDynamic)
	c.t.WriteRegister(c.layout.LUECtrl2, regio.Width8, v)

	if port == AllPorts {
		regio.Update(c.t, c.layout.LUECtrl1, regio.Width8, uint32(LUECtrl1FlushALUTable), 0)
		return nil
	}

	mstp := c.layout.MSTPState(port)
	state := c.t.ReadRegister(mstp, regio.Width8)
	c.t.WriteRegister(mstp, regio.Width8, state|uint32(MSTPLearningDisable))
	regio.Update(c.t, c.layout.LUECtrl1, regio.Width8, uint32(LUECtrl1FlushMSTPEntries), 0)
	c.t.WriteRegister(mstp, regio.Width8, state)
	return nil
}

// AgingPeriod converts seconds to the age period register value: ceil(s/4),
// clamped to MaxAgingPeriod.
func AgingPeriod(seconds uint32) uint8 {
	p := (uint64(seconds) + 3) / 4
	if p > MaxAgingPeriod {
		p = MaxAgingPeriod
	}
	return uint8(p)
}

// SetAgingTime programs the dynamic entry aging time.
func (c *Controller) SetAgingTime(seconds uint32) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.t.WriteRegister(c.layout.LUECtrl3, regio.Width8, uint32(AgingPeriod(seconds)))
	c.count("set_aging", nil)
}
