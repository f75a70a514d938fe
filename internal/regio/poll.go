package regio

import (
	"fmt"
	"time"

	"firestige.xyz/ethctl/internal/core"
	"firestige.xyz/ethctl/internal/metrics"
)

// Poller bounds every hardware wait. Retries is the number of times the
// condition is evaluated before giving up.
type Poller struct {
	Retries  int
	Interval time.Duration
	Device   string // metrics label; empty disables counting
}

// DefaultPoller is used when configuration leaves the poll section empty.
var DefaultPoller = Poller{Retries: 1000, Interval: 100 * time.Microsecond}

// Until evaluates cond until it returns true. It returns an error wrapping
// core.ErrTimeout after Retries failed attempts.
func (p Poller) Until(what string, cond func() bool) error {
	retries := p.Retries
	if retries <= 0 {
		retries = 1
	}
	for i := 0; i < retries; i++ {
		if cond() {
			return nil
		}
		if p.Interval > 0 && i < retries-1 {
			time.Sleep(p.Interval)
		}
	}
	if p.Device != "" {
		metrics.PollTimeoutsTotal.WithLabelValues(p.Device, what).Inc()
	}
	return fmt.Errorf("%s: %w after %d attempts", what, core.ErrTimeout, retries)
}

// UntilClear polls the register at addr until all bits of mask read as zero.
func (p Poller) UntilClear(t Transport, addr uint32, w Width, mask uint32, what string) error {
	return p.Until(what, func() bool {
		return t.ReadRegister(addr, w)&mask == 0
	})
}

// UntilSet polls the register at addr until any bit of mask reads as one and
// returns the last value read.
func (p Poller) UntilSet(t Transport, addr uint32, w Width, mask uint32, what string) (uint32, error) {
	var v uint32
	err := p.Until(what, func() bool {
		v = t.ReadRegister(addr, w)
		return v&mask != 0
	})
	return v, err
}
