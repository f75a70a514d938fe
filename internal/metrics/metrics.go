// Package metrics implements Prometheus metrics.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	// FramesRxTotal counts frames delivered to the stack
	FramesRxTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "ethctl_frames_rx_total",
			Help: "Total number of frames received and delivered",
		},
		[]string{"device"},
	)

	// FramesTxTotal counts frames handed to the hardware
	FramesTxTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "ethctl_frames_tx_total",
			Help: "Total number of frames queued for transmission",
		},
		[]string{"device"},
	)

	// FramesDroppedTotal counts frames discarded by the driver
	FramesDroppedTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "ethctl_frames_dropped_total",
			Help: "Total number of frames dropped by the driver",
		},
		[]string{"device", "reason"},
	)

	// TransportErrorsTotal counts failed bus transactions
	TransportErrorsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "ethctl_transport_errors_total",
			Help: "Total number of failed register transport transactions",
		},
		[]string{"device"},
	)

	// PollTimeoutsTotal counts bounded waits that ran out of retries
	PollTimeoutsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "ethctl_poll_timeouts_total",
			Help: "Total number of hardware polls that exhausted their retry bound",
		},
		[]string{"device", "op"},
	)

	// InterruptsTotal counts captured interrupt events
	InterruptsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "ethctl_interrupts_total",
			Help: "Total number of interrupt events captured",
		},
		[]string{"device"},
	)

	// LinkChangesTotal counts link state transitions per port
	LinkChangesTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "ethctl_link_changes_total",
			Help: "Total number of link state changes",
		},
		[]string{"device", "port"},
	)

	// LinkUp tracks the current link state per port (1=up)
	LinkUp = promauto.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "ethctl_link_up",
			Help: "Current link state per port (0=down, 1=up)",
		},
		[]string{"device", "port"},
	)

	// LinkSpeedMbps tracks the negotiated speed per port
	LinkSpeedMbps = promauto.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "ethctl_link_speed_mbps",
			Help: "Negotiated link speed per port in Mbit/s",
		},
		[]string{"device", "port"},
	)

	// DeviceState tracks the initializer state machine
	DeviceState = promauto.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "ethctl_device_state",
			Help: "Current initialization state: 0 unreset .. 5 ready, 6 failed",
		},
		[]string{"device"},
	)

	// FdbOpsTotal counts forwarding table operations by result
	FdbOpsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "ethctl_fdb_ops_total",
			Help: "Total number of forwarding table operations",
		},
		[]string{"device", "op", "result"},
	)

	// FilterProgramsTotal counts address filter reprogramming runs
	FilterProgramsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "ethctl_filter_programs_total",
			Help: "Total number of address filter reprogramming runs",
		},
		[]string{"device"},
	)

	// SinkFramesTotal counts frames seen by a sink
	SinkFramesTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "ethctl_sink_frames_total",
			Help: "Total number of frames handled by the sink",
		},
		[]string{"sink", "result"},
	)

	// SinkErrorsTotal counts sink delivery errors
	SinkErrorsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "ethctl_sink_errors_total",
			Help: "Total number of sink delivery errors",
		},
		[]string{"sink"},
	)
)

// Result returns the result label for err.
func Result(err error) string {
	if err == nil {
		return "ok"
	}
	return "error"
}
