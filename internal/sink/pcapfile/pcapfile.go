// Package pcapfile implements a core.Stack that records received frames to
// a pcap file readable by tcpdump and Wireshark.
package pcapfile

import (
	"bufio"
	"context"
	"fmt"
	"log/slog"
	"os"
	"sync"
	"time"

	"github.com/google/gopacket"
	"github.com/google/gopacket/layers"
	"github.com/google/gopacket/pcapgo"

	"firestige.xyz/ethctl/internal/core"
	"firestige.xyz/ethctl/internal/metrics"
	"firestige.xyz/ethctl/internal/sink/framefilter"
)

// Name is the sink type selected in configuration.
const Name = "pcap"

// Options configures a pcap sink.
type Options struct {
	Device     string
	Path       string
	SnapLen    uint32 // 0 means core.MaxFrameSize
	EtherTypes []uint16
	Expression string
}

// Sink appends every accepted frame to a pcap file.
type Sink struct {
	device string
	path   string
	snap   uint32
	filter *framefilter.Filter

	mu       sync.Mutex
	file     *os.File
	buf      *bufio.Writer
	w        *pcapgo.Writer
	written  uint64
	filtered uint64
	failed   uint64
	now      func() time.Time
}

// New creates the file at opts.Path and writes the pcap header.
func New(opts Options) (*Sink, error) {
	if opts.Path == "" {
		return nil, fmt.Errorf("%w: pcap sink needs a path", core.ErrConfigInvalid)
	}
	f, err := framefilter.New(opts.EtherTypes, opts.Expression)
	if err != nil {
		return nil, err
	}
	snap := opts.SnapLen
	if snap == 0 {
		snap = core.MaxFrameSize
	}

	file, err := os.Create(opts.Path)
	if err != nil {
		return nil, fmt.Errorf("failed to create pcap file: %w", err)
	}
	buf := bufio.NewWriter(file)
	w := pcapgo.NewWriter(buf)
	if err := w.WriteFileHeader(snap, layers.LinkTypeEthernet); err != nil {
		file.Close()
		return nil, fmt.Errorf("failed to write pcap header: %w", err)
	}
	return &Sink{
		device: opts.Device,
		path:   opts.Path,
		snap:   snap,
		filter: f,
		file:   file,
		buf:    buf,
		w:      w,
		now:    time.Now,
	}, nil
}

// NotifyLinkChange implements core.Stack.
func (s *Sink) NotifyLinkChange(port uint8, state core.LinkState) {
	slog.Info("link changed", "device", s.device, "port", port, "state", state.String())
}

// DeliverReceivedFrame implements core.Stack.
func (s *Sink) DeliverReceivedFrame(frame []byte, _ core.RxMeta) {
	if !s.filter.Accept(frame) {
		s.mu.Lock()
		s.filtered++
		s.mu.Unlock()
		metrics.SinkFramesTotal.WithLabelValues(Name, "filtered").Inc()
		return
	}

	data := frame
	if uint32(len(data)) > s.snap {
		data = data[:s.snap]
	}
	ci := gopacket.CaptureInfo{Timestamp: s.now(), CaptureLength: len(data), Length: len(frame)}

	s.mu.Lock()
	var err error
	if s.w == nil {
		err = os.ErrClosed
	} else {
		err = s.w.WritePacket(ci, data)
	}
	if err != nil {
		s.failed++
	} else {
		s.written++
	}
	s.mu.Unlock()

	if err != nil {
		metrics.SinkErrorsTotal.WithLabelValues(Name).Inc()
		metrics.SinkFramesTotal.WithLabelValues(Name, "error").Inc()
		return
	}
	metrics.SinkFramesTotal.WithLabelValues(Name, "ok").Inc()
}

// SignalTransmitReady implements core.Stack.
func (s *Sink) SignalTransmitReady() {}

// Stats returns the number of written, filtered and failed frames.
func (s *Sink) Stats() (written, filtered, failed uint64) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.written, s.filtered, s.failed
}

// Start logs where frames go.
func (s *Sink) Start(context.Context) {
	slog.Info("pcap sink started", "device", s.device, "path", s.path, "snaplen", s.snap)
}

// Close flushes and closes the file. Later frames count as failed.
func (s *Sink) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.file == nil {
		return nil
	}
	err := s.buf.Flush()
	if cerr := s.file.Close(); err == nil {
		err = cerr
	}
	s.file, s.buf, s.w = nil, nil, nil
	slog.Info("pcap sink stopped", "device", s.device, "written", s.written, "filtered", s.filtered, "failed", s.failed)
	return err
}
