// Package dispatch splits interrupt handling into a minimal capture step and
// a deferred worker.
//
// The capture step runs in whatever context observes the interrupt line (a
// GPIO edge watcher, a timer, a test). It reads the cause, masks the source,
// records the cause and wakes the worker. All register-heavy work happens in
// the single worker goroutine.
package dispatch

import (
	"context"
	"log/slog"
	"sync/atomic"

	"firestige.xyz/ethctl/internal/metrics"
)

// Source is implemented by chip drivers.
type Source interface {
	// Capture reads the pending cause bits and masks those sources.
	// It must be short: no frame copies, no polls.
	Capture() uint32
	// Service performs the deferred work for cause.
	Service(cause uint32)
	// Unmask re-enables the sources masked by Capture.
	Unmask(cause uint32)
}

// Dispatcher connects one interrupt context to one worker.
// The pending word and the 1-slot wake channel form a single-producer
// single-consumer signal: any number of IRQ calls before the worker runs
// coalesce into one wake with all cause bits ORed together.
type Dispatcher struct {
	src     Source
	name    string
	pending atomic.Uint32
	wake    chan struct{}
	enabled atomic.Bool
}

// New returns a dispatcher for src. name labels metrics and logs.
func New(name string, src Source) *Dispatcher {
	d := &Dispatcher{
		src:  src,
		name: name,
		wake: make(chan struct{}, 1),
	}
	d.enabled.Store(true)
	return d
}

// Enable allows IRQ to capture events.
func (d *Dispatcher) Enable() { d.enabled.Store(true) }

// Disable makes IRQ a no-op. Causes already pending are still serviced.
func (d *Dispatcher) Disable() { d.enabled.Store(false) }

// IRQ is the interrupt-context entry point.
func (d *Dispatcher) IRQ() {
	if !d.enabled.Load() {
		return
	}
	cause := d.src.Capture()
	if cause == 0 {
		return
	}
	metrics.InterruptsTotal.WithLabelValues(d.name).Inc()
	d.Raise(cause)
}

// Raise records cause and wakes the worker without touching hardware.
// Drivers use it to request more work, e.g. when a receive drain hit its cap.
func (d *Dispatcher) Raise(cause uint32) {
	d.pending.Or(cause)
	select {
	case d.wake <- struct{}{}:
	default:
	}
}

// Pending returns the cause bits not yet serviced.
func (d *Dispatcher) Pending() uint32 { return d.pending.Load() }

// Poll services pending causes synchronously and reports whether there were any.
func (d *Dispatcher) Poll() bool {
	cause := d.pending.Swap(0)
	if cause == 0 {
		return false
	}
	d.src.Service(cause)
	d.src.Unmask(cause)
	return true
}

// Run is the worker loop. It returns when ctx is done.
func (d *Dispatcher) Run(ctx context.Context) {
	slog.Debug("event worker started", "device", d.name)
	defer slog.Debug("event worker stopped", "device", d.name)
	for {
		select {
		case <-ctx.Done():
			return
		case <-d.wake:
			d.Poll()
		}
	}
}
