// Package device ties one chip driver, its link layer and the upper stack
// together. A Device is an explicit context: any number can coexist, each
// with its own transport, dispatcher and worker.
package device

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strconv"
	"sync"
	"sync/atomic"
	"time"

	"firestige.xyz/ethctl/internal/core"
	"firestige.xyz/ethctl/internal/dispatch"
	"firestige.xyz/ethctl/internal/metrics"
	"firestige.xyz/ethctl/internal/regio"
	"firestige.xyz/ethctl/internal/tailtag"
)

// CauseLink is the dispatcher cause reserved for link polling. Drivers
// must keep their own cause bits clear of it.
const CauseLink uint32 = 1 << 31

// Events is how a driver reports back from Service.
type Events interface {
	FrameReceived(frame []byte)
	FrameDropped(reason string)
	TransmitReady()
	// Reschedule asks for another Service call with cause, e.g. when a
	// receive drain stopped at its burst limit.
	Reschedule(cause uint32)
}

// Driver is a MAC: something that moves frames.
type Driver interface {
	Resetter
	dispatch.Source
	Bind(ev Events)
	EnableIRQ()
	DisableIRQ()
	// Transmit queues one frame. more reports whether another frame can be
	// queued right away.
	Transmit(frame []byte) (more bool, err error)
	UpdateFilter(station core.MACAddr, table []core.FilterEntry) error
	// SetLinkParams adapts the MAC to the negotiated speed and duplex.
	SetLinkParams(st core.LinkState)
}

// Link is what sits below a MAC: a PHY or a switch. Ports are numbered
// from 1.
type Link interface {
	Resetter
	Ports() int
	LinkState(port uint8) core.LinkState
	// HostLink is the state of the MAC-facing side.
	HostLink() core.LinkState
}

// Switch is the forwarding table and port control surface of a managed
// switch.
type Switch interface {
	AddStaticEntry(e core.FdbEntry) error
	DeleteStaticEntry(mac core.MACAddr) error
	GetStaticEntry(index int) (core.FdbEntry, error)
	ListStaticEntries() ([]core.FdbEntry, error)
	FlushStatic() error
	EnumerateDynamicEntry(cursor int) (core.FdbEntry, error)
	DumpDynamic() ([]core.FdbEntry, error)
	FlushDynamic(port int) error
	SetAgingTime(seconds uint32)
	SetPortState(port uint8, s core.PortState) error
	PortState(port uint8) (core.PortState, error)
	// TailTag returns the tag codec when per-port tagging is enabled.
	TailTag() (tailtag.Codec, bool)
}

// Config holds the per-device settings.
type Config struct {
	Name         string
	Station      core.MACAddr
	Poll         regio.Poller
	TickInterval time.Duration
}

// Device is the context for one network interface.
type Device struct {
	cfg   Config
	mac   Driver // nil for a management-only switch
	link  Link   // nil when the MAC has no link layer to poll
	sw    Switch
	tag   *tailtag.Codec
	stack core.Stack
	disp  *dispatch.Dispatcher

	ready atomic.Bool
	txMu  sync.Mutex

	linkMu sync.Mutex
	links  []core.LinkState
}

// New assembles a device. Either mac or link may be nil, not both. A link
// that implements Switch enables the forwarding table surface and, when
// configured, tail tagging.
func New(cfg Config, mac Driver, link Link, stack core.Stack) (*Device, error) {
	if mac == nil && link == nil {
		return nil, fmt.Errorf("%w: device %s has neither MAC nor link", core.ErrConfigInvalid, cfg.Name)
	}
	d := &Device{cfg: cfg, mac: mac, link: link, stack: stack}
	if sw, ok := link.(Switch); ok {
		d.sw = sw
		if c, on := sw.TailTag(); on && mac != nil {
			d.tag = &c
		}
	}
	d.disp = dispatch.New(cfg.Name, d)
	if mac != nil {
		mac.Bind(events{d})
	}
	return d, nil
}

// Name returns the device name.
func (d *Device) Name() string { return d.cfg.Name }

// Ready reports whether Initialize has completed.
func (d *Device) Ready() bool { return d.ready.Load() }

// Switch returns the forwarding table surface, if the link is a switch.
func (d *Device) Switch() (Switch, bool) { return d.sw, d.sw != nil }

// Initialize brings up the MAC and then the link layer, signals the stack
// that it may transmit and forces a first link poll.
func (d *Device) Initialize(ctx context.Context) error {
	if d.mac != nil {
		in := Initializer{Name: d.cfg.Name, Poll: d.cfg.Poll}
		if err := in.Run(d.mac); err != nil {
			return err
		}
	}
	if err := ctx.Err(); err != nil {
		return err
	}
	if d.link != nil && !d.linkIsMAC() {
		in := Initializer{Name: d.cfg.Name + "/link", Poll: d.cfg.Poll}
		if err := in.Run(d.link); err != nil {
			return err
		}
	}
	if d.link != nil {
		d.linkMu.Lock()
		d.links = make([]core.LinkState, d.link.Ports()+1)
		d.linkMu.Unlock()
	}

	d.ready.Store(true)
	slog.Info("device initialized", "device", d.cfg.Name, "station", d.cfg.Station, "switch", d.sw != nil)
	if d.mac != nil {
		d.stack.SignalTransmitReady()
	}
	if d.link != nil {
		d.disp.Raise(CauseLink)
	}
	return nil
}

func (d *Device) linkIsMAC() bool {
	r, ok := d.link.(Driver)
	return ok && d.mac != nil && r == d.mac
}

// PeriodicTick requests a link poll. Call it from a timer when no link
// interrupt is wired.
func (d *Device) PeriodicTick() {
	if d.link != nil && d.ready.Load() {
		d.disp.Raise(CauseLink)
	}
}

// EnableInterrupt unmasks the MAC interrupt sources.
func (d *Device) EnableInterrupt() {
	d.disp.Enable()
	if d.mac != nil {
		d.mac.EnableIRQ()
	}
}

// DisableInterrupt masks the MAC interrupt sources.
func (d *Device) DisableInterrupt() {
	if d.mac != nil {
		d.mac.DisableIRQ()
	}
	d.disp.Disable()
}

// IRQ is the interrupt-context entry point.
func (d *Device) IRQ() { d.disp.IRQ() }

// HandleEvent services pending causes on the calling goroutine and reports
// whether any were pending.
func (d *Device) HandleEvent() bool { return d.disp.Poll() }

// Run starts the event worker and the tick loop and blocks until ctx is done.
func (d *Device) Run(ctx context.Context) {
	var wg sync.WaitGroup
	wg.Add(1)
	go func() {
		defer wg.Done()
		d.disp.Run(ctx)
	}()

	if d.cfg.TickInterval > 0 {
		ticker := time.NewTicker(d.cfg.TickInterval)
		defer ticker.Stop()
	loop:
		for {
			select {
			case <-ctx.Done():
				break loop
			case <-ticker.C:
				d.PeriodicTick()
			}
		}
	} else {
		<-ctx.Done()
	}
	wg.Wait()
}

// Transmit sends frame. On a tagging switch meta.Port selects the egress
// port, 0 leaving it to the switch. core.ErrBusy means every transmit slot
// is in use; the stack is signalled when one frees up.
func (d *Device) Transmit(frame []byte, meta core.TxMeta) error {
	if !d.ready.Load() {
		return core.ErrNotReady
	}
	if d.mac == nil {
		return fmt.Errorf("transmit on management-only device: %w", core.ErrUnsupported)
	}
	if len(frame) < core.EthHeaderLen || len(frame) > core.MaxFrameSize {
		return fmt.Errorf("transmit %d bytes: %w", len(frame), core.ErrInvalidLength)
	}
	if d.tag != nil {
		tagged, err := d.tag.Tag(frame, meta.Port)
		if err != nil {
			return err
		}
		frame = tagged
	} else if meta.Port != 0 {
		return fmt.Errorf("egress port %d without tagging: %w", meta.Port, core.ErrInvalidPort)
	}

	d.txMu.Lock()
	more, err := d.mac.Transmit(frame)
	d.txMu.Unlock()
	if err != nil {
		if !errors.Is(err, core.ErrBusy) {
			metrics.FramesDroppedTotal.WithLabelValues(d.cfg.Name, "tx").Inc()
		}
		return err
	}
	metrics.FramesTxTotal.WithLabelValues(d.cfg.Name).Inc()
	if more {
		d.stack.SignalTransmitReady()
	}
	return nil
}

// UpdateAddressFilter reprograms the MAC filter from table.
func (d *Device) UpdateAddressFilter(table []core.FilterEntry) error {
	if d.mac == nil {
		return core.ErrUnsupported
	}
	return d.mac.UpdateFilter(d.cfg.Station, table)
}

// LinkStates returns the last reported state of every port, indexed by
// port number. Index 0 is unused.
func (d *Device) LinkStates() []core.LinkState {
	d.linkMu.Lock()
	defer d.linkMu.Unlock()
	return append([]core.LinkState(nil), d.links...)
}

// Capture implements dispatch.Source.
func (d *Device) Capture() uint32 {
	if d.mac == nil {
		return 0
	}
	return d.mac.Capture() &^ CauseLink
}

// Service implements dispatch.Source.
func (d *Device) Service(cause uint32) {
	if cause&CauseLink != 0 && d.link != nil {
		d.pollLinks()
	}
	if rest := cause &^ CauseLink; rest != 0 && d.mac != nil {
		d.mac.Service(rest)
	}
}

// Unmask implements dispatch.Source.
func (d *Device) Unmask(cause uint32) {
	if rest := cause &^ CauseLink; rest != 0 && d.mac != nil {
		d.mac.Unmask(rest)
	}
}

// pollLinks reads every port and reports the ones that changed.
func (d *Device) pollLinks() {
	for p := 1; p <= d.link.Ports(); p++ {
		port := uint8(p)
		st := d.link.LinkState(port)

		d.linkMu.Lock()
		changed := p < len(d.links) && d.links[p] != st
		if changed {
			d.links[p] = st
		}
		d.linkMu.Unlock()
		if !changed {
			continue
		}

		if st.Up && d.mac != nil {
			d.mac.SetLinkParams(d.link.HostLink())
		}
		d.reportLink(port, st)
	}
}

func (d *Device) reportLink(port uint8, st core.LinkState) {
	label := strconv.Itoa(int(port))
	metrics.LinkChangesTotal.WithLabelValues(d.cfg.Name, label).Inc()
	up := 0.0
	if st.Up {
		up = 1
	}
	metrics.LinkUp.WithLabelValues(d.cfg.Name, label).Set(up)
	metrics.LinkSpeedMbps.WithLabelValues(d.cfg.Name, label).Set(float64(st.Speed))
	slog.Info("link changed", "device", d.cfg.Name, "port", port, "state", st)

	// Without a switch there is a single port, reported as 0.
	if d.sw == nil {
		port = 0
	}
	d.stack.NotifyLinkChange(port, st)
}

// events adapts Device to the Events callbacks without exporting them.
type events struct{ d *Device }

func (e events) FrameReceived(frame []byte) {
	d := e.d
	meta := core.RxMeta{}
	if d.tag != nil {
		payload, port, err := d.tag.Untag(frame)
		if err != nil {
			e.FrameDropped("tag")
			return
		}
		frame, meta.Port = payload, port
	}
	metrics.FramesRxTotal.WithLabelValues(d.cfg.Name).Inc()
	d.stack.DeliverReceivedFrame(frame, meta)
}

func (e events) FrameDropped(reason string) {
	metrics.FramesDroppedTotal.WithLabelValues(e.d.cfg.Name, reason).Inc()
}

func (e events) TransmitReady() { e.d.stack.SignalTransmitReady() }

func (e events) Reschedule(cause uint32) { e.d.disp.Raise(cause) }
