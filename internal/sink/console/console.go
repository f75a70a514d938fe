// Package console implements a core.Stack that logs what a device reports.
// Frames are decoded with gopacket and may be narrowed by an EtherType
// allow-list or a tcpdump expression, both evaluated as classic BPF.
package console

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"os"
	"sync/atomic"

	"github.com/google/gopacket"
	"github.com/google/gopacket/layers"

	"firestige.xyz/ethctl/internal/core"
	"firestige.xyz/ethctl/internal/metrics"
	"firestige.xyz/ethctl/internal/sink/framefilter"
)

// Name is the sink type selected in configuration.
const Name = "console"

// Options configures a console sink.
type Options struct {
	Device     string
	Format     string   // "text" or "json", default "text"
	EtherTypes []uint16 // empty accepts every frame
	Expression string   // tcpdump syntax, exclusive with EtherTypes
	Out        io.Writer
}

// Sink writes one log record per link change and accepted frame.
type Sink struct {
	device   string
	log      *slog.Logger
	filter   *framefilter.Filter
	accepted atomic.Uint64
	filtered atomic.Uint64
	ready    atomic.Uint64
}

// New creates a console sink.
func New(opts Options) (*Sink, error) {
	out := opts.Out
	if out == nil {
		out = os.Stdout
	}

	var h slog.Handler
	switch opts.Format {
	case "", "text":
		h = slog.NewTextHandler(out, nil)
	case "json":
		h = slog.NewJSONHandler(out, nil)
	default:
		return nil, fmt.Errorf("%w: console format %q, must be json or text", core.ErrConfigInvalid, opts.Format)
	}

	s := &Sink{
		device: opts.Device,
		log:    slog.New(h).With("device", opts.Device),
	}
	f, err := framefilter.New(opts.EtherTypes, opts.Expression)
	if err != nil {
		return nil, err
	}
	s.filter = f
	return s, nil
}

// NotifyLinkChange implements core.Stack.
func (s *Sink) NotifyLinkChange(port uint8, state core.LinkState) {
	s.log.Info("link", "port", port, "state", state.String())
}

// DeliverReceivedFrame implements core.Stack.
func (s *Sink) DeliverReceivedFrame(frame []byte, meta core.RxMeta) {
	if !s.Accept(frame) {
		s.filtered.Add(1)
		metrics.SinkFramesTotal.WithLabelValues(Name, "filtered").Inc()
		return
	}
	s.accepted.Add(1)
	metrics.SinkFramesTotal.WithLabelValues(Name, "ok").Inc()

	attrs := []any{"port", meta.Port, "len", len(frame)}
	s.log.Info("frame", append(attrs, Describe(frame)...)...)
}

// SignalTransmitReady implements core.Stack.
func (s *Sink) SignalTransmitReady() {
	if s.ready.Add(1) == 1 {
		s.log.Debug("transmit ready")
	}
}

// Accept reports whether frame passes the configured filter.
func (s *Sink) Accept(frame []byte) bool {
	return s.filter.Accept(frame)
}

// Counts returns the number of accepted and filtered frames.
func (s *Sink) Counts() (accepted, filtered uint64) {
	return s.accepted.Load(), s.filtered.Load()
}

// Start logs the sink configuration. Frames are written synchronously.
func (s *Sink) Start(context.Context) {
	slog.Info("console sink started", "device", s.device, "filtered", s.filter != nil)
}

// Close implements io.Closer.
func (s *Sink) Close() error {
	a, f := s.Counts()
	slog.Info("console sink stopped", "device", s.device, "accepted", a, "filtered", f)
	return nil
}

// Describe decodes frame and returns slog key/value pairs summarising its
// Ethernet, VLAN and network headers.
func Describe(frame []byte) []any {
	pkt := gopacket.NewPacket(frame, layers.LayerTypeEthernet, gopacket.DecodeOptions{Lazy: true, NoCopy: true})
	eth, ok := pkt.Layer(layers.LayerTypeEthernet).(*layers.Ethernet)
	if !ok {
		return []any{"decode", "truncated"}
	}

	kv := []any{
		"src", eth.SrcMAC.String(),
		"dst", eth.DstMAC.String(),
		"ethertype", eth.EthernetType.String(),
	}
	if vlan, ok := pkt.Layer(layers.LayerTypeDot1Q).(*layers.Dot1Q); ok {
		kv = append(kv, "vlan", vlan.VLANIdentifier)
	}
	switch {
	case pkt.Layer(layers.LayerTypeIPv4) != nil:
		ip := pkt.Layer(layers.LayerTypeIPv4).(*layers.IPv4)
		kv = append(kv, "net_src", ip.SrcIP.String(), "net_dst", ip.DstIP.String(), "proto", ip.Protocol.String())
	case pkt.Layer(layers.LayerTypeIPv6) != nil:
		ip := pkt.Layer(layers.LayerTypeIPv6).(*layers.IPv6)
		kv = append(kv, "net_src", ip.SrcIP.String(), "net_dst", ip.DstIP.String(), "proto", ip.NextHeader.String())
	case pkt.Layer(layers.LayerTypeARP) != nil:
		arp := pkt.Layer(layers.LayerTypeARP).(*layers.ARP)
		kv = append(kv, "arp_op", arp.Operation)
	}
	return kv
}
