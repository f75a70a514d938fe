package device

import (
	"fmt"
	"log/slog"

	"firestige.xyz/ethctl/internal/metrics"
	"firestige.xyz/ethctl/internal/regio"
)

// State is a bring-up stage.
type State int

const (
	StateUnreset State = iota
	StateAwaitingReady
	StateResetting
	StateAwaitingResetDone
	StateConfiguring
	StateReady
	StateFailed
)

var stateNames = [...]string{
	StateUnreset:           "unreset",
	StateAwaitingReady:     "awaiting_ready",
	StateResetting:         "resetting",
	StateAwaitingResetDone: "awaiting_reset_done",
	StateConfiguring:       "configuring",
	StateReady:             "ready",
	StateFailed:            "failed",
}

func (s State) String() string {
	if s < 0 || int(s) >= len(stateNames) {
		return fmt.Sprintf("state(%d)", int(s))
	}
	return stateNames[s]
}

// Resetter is the bring-up surface every chip driver provides.
type Resetter interface {
	// Ready reports whether the chip answers with its identification
	// signature.
	Ready() bool
	// AssertReset requests a software reset.
	AssertReset()
	// ResetDone reports whether the reset bit has self-cleared.
	ResetDone() bool
	// Configure programs the chip once reset has completed.
	Configure() error
}

// Initializer walks one chip through
// Unreset → AwaitingReady → Resetting → AwaitingResetDone → Configuring → Ready.
// Any failure ends in Failed. Waits are bounded by Poll.
type Initializer struct {
	Name  string
	Poll  regio.Poller
	state State
}

// State returns the current stage.
func (i *Initializer) State() State { return i.state }

func (i *Initializer) enter(s State) {
	i.state = s
	metrics.DeviceState.WithLabelValues(i.Name).Set(float64(s))
	slog.Debug("device state", "device", i.Name, "state", s)
}

func (i *Initializer) fail(err error) error {
	failed := i.state
	i.enter(StateFailed)
	return fmt.Errorf("%s: %s: %w", i.Name, failed, err)
}

// Run executes the whole sequence against r.
func (i *Initializer) Run(r Resetter) error {
	i.enter(StateUnreset)

	i.enter(StateAwaitingReady)
	if err := i.Poll.Until("ready signature", r.Ready); err != nil {
		return i.fail(err)
	}

	i.enter(StateResetting)
	r.AssertReset()

	i.enter(StateAwaitingResetDone)
	if err := i.Poll.Until("reset complete", r.ResetDone); err != nil {
		return i.fail(err)
	}

	i.enter(StateConfiguring)
	if err := r.Configure(); err != nil {
		return i.fail(err)
	}

	i.enter(StateReady)
	return nil
}
