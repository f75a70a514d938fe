// Package kafka implements a core.Stack that publishes device events to Kafka.
// Events are queued without blocking the device worker and written in
// batches by a background loop.
package kafka

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/segmentio/kafka-go"
	"github.com/segmentio/kafka-go/compress"

	"firestige.xyz/ethctl/internal/core"
	"firestige.xyz/ethctl/internal/metrics"
)

// Name is the sink type selected in configuration.
const Name = "kafka"

// Event kinds.
const (
	KindLink    = "link"
	KindFrame   = "frame"
	KindTxReady = "tx_ready"
)

const (
	defaultBatchSize    = 100
	defaultBatchTimeout = 100 * time.Millisecond
	defaultMaxAttempts  = 3
	defaultQueueSize    = 1024
)

// Options configures a Kafka sink.
type Options struct {
	Device       string
	Brokers      []string
	Topic        string
	Compression  string // none|gzip|snappy|lz4, default snappy
	BatchSize    int
	BatchTimeout time.Duration
	MaxAttempts  int
	QueueSize    int
}

// Writer is the part of *kafka.Writer the sink uses.
type Writer interface {
	WriteMessages(ctx context.Context, msgs ...kafka.Message) error
	Close() error
}

// Event is the JSON document published per notification.
type Event struct {
	Device    string      `json:"device"`
	Kind      string      `json:"kind"`
	Port      uint8       `json:"port"`
	Timestamp int64       `json:"timestamp"`
	Link      *LinkEvent  `json:"link,omitempty"`
	Frame     *FrameEvent `json:"frame,omitempty"`
}

// LinkEvent describes a link transition.
type LinkEvent struct {
	Up     bool   `json:"up"`
	Speed  int    `json:"speed_mbps"`
	Duplex string `json:"duplex"`
}

// FrameEvent describes a received frame. Data is base64 in JSON.
type FrameEvent struct {
	Src       string `json:"src"`
	Dst       string `json:"dst"`
	EtherType uint16 `json:"ethertype"`
	Length    int    `json:"length"`
	Data      []byte `json:"data"`
}

// Sink queues events and writes them to a Kafka topic.
type Sink struct {
	opts   Options
	writer Writer
	now    func() time.Time

	mu      sync.RWMutex
	closed  bool
	started atomic.Bool
	queue   chan kafka.Message
	done    chan struct{}

	published atomic.Uint64
	dropped   atomic.Uint64
	errors    atomic.Uint64
}

// ApplyDefaults fills zero-valued options.
func (o *Options) ApplyDefaults() {
	if o.Compression == "" {
		o.Compression = "snappy"
	}
	if o.BatchSize <= 0 {
		o.BatchSize = defaultBatchSize
	}
	if o.BatchTimeout <= 0 {
		o.BatchTimeout = defaultBatchTimeout
	}
	if o.MaxAttempts <= 0 {
		o.MaxAttempts = defaultMaxAttempts
	}
	if o.QueueSize <= 0 {
		o.QueueSize = defaultQueueSize
	}
}

// Validate checks required options.
func (o Options) Validate() error {
	if len(o.Brokers) == 0 {
		return fmt.Errorf("%w: kafka brokers are required", core.ErrConfigInvalid)
	}
	if o.Topic == "" {
		return fmt.Errorf("%w: kafka topic is required", core.ErrConfigInvalid)
	}
	if _, err := codec(o.Compression); err != nil {
		return err
	}
	return nil
}

func codec(name string) (kafka.CompressionCodec, error) {
	switch name {
	case "none":
		return nil, nil
	case "", "snappy":
		return compress.Snappy.Codec(), nil
	case "gzip":
		return compress.Gzip.Codec(), nil
	case "lz4":
		return compress.Lz4.Codec(), nil
	case "zstd":
		return compress.Zstd.Codec(), nil
	default:
		return nil, fmt.Errorf("%w: invalid compression type %q", core.ErrConfigInvalid, name)
	}
}

// New creates a sink backed by a kafka.Writer.
func New(opts Options) (*Sink, error) {
	opts.ApplyDefaults()
	if err := opts.Validate(); err != nil {
		return nil, err
	}
	c, _ := codec(opts.Compression)

	w := kafka.NewWriter(kafka.WriterConfig{
		Brokers:          opts.Brokers,
		Topic:            opts.Topic,
		Balancer:         &kafka.Hash{},
		BatchSize:        opts.BatchSize,
		BatchTimeout:     opts.BatchTimeout,
		MaxAttempts:      opts.MaxAttempts,
		CompressionCodec: c,
	})
	return NewWithWriter(opts, w), nil
}

// NewWithWriter creates a sink around an existing writer.
func NewWithWriter(opts Options, w Writer) *Sink {
	opts.ApplyDefaults()
	return &Sink{
		opts:   opts,
		writer: w,
		now:    time.Now,
		queue:  make(chan kafka.Message, opts.QueueSize),
		done:   make(chan struct{}),
	}
}

// Start launches the publishing loop. Writes keep running after ctx is
// cancelled until Close drains the queue.
func (s *Sink) Start(ctx context.Context) {
	if !s.started.CompareAndSwap(false, true) {
		return
	}
	slog.Info("kafka sink started",
		"device", s.opts.Device,
		"brokers", s.opts.Brokers,
		"topic", s.opts.Topic,
		"batch_size", s.opts.BatchSize,
		"compression", s.opts.Compression,
	)
	go s.loop(context.WithoutCancel(ctx))
}

func (s *Sink) loop(ctx context.Context) {
	defer close(s.done)
	batch := make([]kafka.Message, 0, s.opts.BatchSize)
	for msg := range s.queue {
		batch = append(batch[:0], msg)
	fill:
		for len(batch) < s.opts.BatchSize {
			select {
			case m, ok := <-s.queue:
				if !ok {
					break fill
				}
				batch = append(batch, m)
			default:
				break fill
			}
		}
		s.write(ctx, batch)
	}
}

func (s *Sink) write(ctx context.Context, batch []kafka.Message) {
	err := s.writer.WriteMessages(ctx, batch...)
	metrics.SinkFramesTotal.WithLabelValues(Name, metrics.Result(err)).Add(float64(len(batch)))
	if err != nil {
		s.errors.Add(uint64(len(batch)))
		metrics.SinkErrorsTotal.WithLabelValues(Name).Inc()
		slog.Error("kafka write failed", "device", s.opts.Device, "messages", len(batch), "error", err)
		return
	}
	s.published.Add(uint64(len(batch)))
}

func (s *Sink) enqueue(ev Event) {
	value, err := json.Marshal(ev)
	if err != nil {
		s.errors.Add(1)
		metrics.SinkErrorsTotal.WithLabelValues(Name).Inc()
		return
	}
	msg := kafka.Message{
		Key:   []byte(fmt.Sprintf("%s/%d", ev.Device, ev.Port)),
		Value: value,
		Time:  time.UnixMilli(ev.Timestamp),
		Headers: []kafka.Header{
			{Key: "kind", Value: []byte(ev.Kind)},
		},
	}

	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.closed {
		s.dropped.Add(1)
		return
	}
	select {
	case s.queue <- msg:
	default:
		s.dropped.Add(1)
		metrics.SinkFramesTotal.WithLabelValues(Name, "dropped").Inc()
	}
}

func (s *Sink) event(kind string, port uint8) Event {
	return Event{
		Device:    s.opts.Device,
		Kind:      kind,
		Port:      port,
		Timestamp: s.now().UnixMilli(),
	}
}

// NotifyLinkChange implements core.Stack.
func (s *Sink) NotifyLinkChange(port uint8, state core.LinkState) {
	ev := s.event(KindLink, port)
	ev.Link = &LinkEvent{Up: state.Up, Speed: int(state.Speed), Duplex: state.Duplex.String()}
	s.enqueue(ev)
}

// DeliverReceivedFrame implements core.Stack. The frame is copied.
func (s *Sink) DeliverReceivedFrame(frame []byte, meta core.RxMeta) {
	ev := s.event(KindFrame, meta.Port)
	fe := &FrameEvent{Length: len(frame), Data: append([]byte(nil), frame...)}
	if len(frame) >= core.EthHeaderLen {
		var dst, src core.MACAddr
		copy(dst[:], frame[0:6])
		copy(src[:], frame[6:12])
		fe.Dst = dst.String()
		fe.Src = src.String()
		fe.EtherType = uint16(frame[12])<<8 | uint16(frame[13])
	}
	ev.Frame = fe
	s.enqueue(ev)
}

// SignalTransmitReady implements core.Stack.
func (s *Sink) SignalTransmitReady() {
	s.enqueue(s.event(KindTxReady, 0))
}

// Stats returns published, dropped and failed message counts.
func (s *Sink) Stats() (published, dropped, failed uint64) {
	return s.published.Load(), s.dropped.Load(), s.errors.Load()
}

// Close stops accepting events, flushes the queue and closes the writer.
func (s *Sink) Close() error {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return nil
	}
	s.closed = true
	close(s.queue)
	s.mu.Unlock()

	if s.started.Load() {
		<-s.done
	}
	if err := s.writer.Close(); err != nil {
		slog.Error("error closing kafka writer", "error", err)
		return err
	}

	published, dropped, failed := s.Stats()
	slog.Info("kafka sink stopped",
		"device", s.opts.Device,
		"total_published", published,
		"total_dropped", dropped,
		"total_errors", failed,
	)
	return nil
}
