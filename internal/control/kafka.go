package control

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/jpillora/backoff"
	"github.com/segmentio/kafka-go"

	"firestige.xyz/ethctl/internal/config"
	"firestige.xyz/ethctl/internal/core"
)

// Command is the wire format of a command received from Kafka.
//
//	{
//	  "target":     "sw0",
//	  "command":    "fdb.add",
//	  "timestamp":  "2026-01-15T10:30:00Z",
//	  "request_id": "req-abc-123",
//	  "payload":    {"mac": "00:11:22:33:44:55", "dest_ports": 2}
//	}
type Command struct {
	Target    string          `json:"target"` // device name, "*" or empty for every device
	Command   string          `json:"command"`
	Timestamp time.Time       `json:"timestamp"`
	RequestID string          `json:"request_id"`
	Payload   json.RawMessage `json:"payload"`
}

// MessageReader is the subset of *kafka.Reader the consumer uses.
type MessageReader interface {
	FetchMessage(ctx context.Context) (kafka.Message, error)
	CommitMessages(ctx context.Context, msgs ...kafka.Message) error
	Close() error
}

// Consumer applies commands from a Kafka topic to one device.
type Consumer struct {
	device  string
	reader  MessageReader
	handler *Handler
	ttl     time.Duration
	retry   *backoff.Backoff
}

// NewConsumer creates a consumer for cfg. cfg must have brokers set.
func NewConsumer(cfg config.KafkaControlConfig, device string, handler *Handler) (*Consumer, error) {
	if len(cfg.Brokers) == 0 || cfg.Topic == "" || cfg.GroupID == "" {
		return nil, fmt.Errorf("%w: kafka control needs brokers, topic and group_id", core.ErrConfigInvalid)
	}
	offset := kafka.LastOffset
	if cfg.StartOffset == "earliest" {
		offset = kafka.FirstOffset
	}
	reader := kafka.NewReader(kafka.ReaderConfig{
		Brokers:        cfg.Brokers,
		Topic:          cfg.Topic,
		GroupID:        cfg.GroupID,
		StartOffset:    offset,
		MinBytes:       1,
		MaxBytes:       1 << 20,
		CommitInterval: time.Second,
		MaxWait:        time.Second,
	})
	return NewConsumerWithReader(reader, device, handler, cfg.CommandTTL), nil
}

// NewConsumerWithReader creates a consumer over an existing reader. A zero
// ttl accepts commands of any age.
func NewConsumerWithReader(r MessageReader, device string, handler *Handler, ttl time.Duration) *Consumer {
	return &Consumer{
		device:  device,
		reader:  r,
		handler: handler,
		ttl:     ttl,
		retry:   &backoff.Backoff{Min: 500 * time.Millisecond, Max: 30 * time.Second, Factor: 2, Jitter: true},
	}
}

// Run consumes until ctx is cancelled.
func (c *Consumer) Run(ctx context.Context) error {
	slog.Info("kafka command consumer started", "device", c.device, "ttl", c.ttl)
	for {
		msg, err := c.reader.FetchMessage(ctx)
		if err != nil {
			if ctx.Err() != nil || errors.Is(err, context.Canceled) {
				slog.Info("kafka command consumer stopped", "device", c.device)
				return nil
			}
			wait := c.retry.Duration()
			slog.Error("failed to fetch kafka message", "error", err, "retry_in", wait)
			select {
			case <-ctx.Done():
				return nil
			case <-time.After(wait):
				continue
			}
		}
		c.retry.Reset()

		if err := c.process(ctx, msg); err != nil {
			slog.Error("failed to process command",
				"error", err,
				"topic", msg.Topic,
				"partition", msg.Partition,
				"offset", msg.Offset,
			)
		}
		if err := c.reader.CommitMessages(ctx, msg); err != nil && ctx.Err() == nil {
			slog.Error("failed to commit message", "error", err)
		}
	}
}

func (c *Consumer) process(ctx context.Context, msg kafka.Message) error {
	var cmd Command
	if err := json.Unmarshal(msg.Value, &cmd); err != nil {
		return fmt.Errorf("failed to parse kafka command: %w", err)
	}
	if cmd.Target != "*" && cmd.Target != "" && cmd.Target != c.device {
		slog.Debug("skipping command for another device", "target", cmd.Target, "request_id", cmd.RequestID)
		return nil
	}
	if c.ttl > 0 && !cmd.Timestamp.IsZero() && time.Since(cmd.Timestamp) > c.ttl {
		slog.Warn("skipping stale command",
			"command", cmd.Command,
			"request_id", cmd.RequestID,
			"age", time.Since(cmd.Timestamp),
		)
		return nil
	}

	resp := c.handler.Handle(ctx, Request{
		JSONRPC: "2.0",
		Method:  cmd.Command,
		Params:  cmd.Payload,
		ID:      cmd.RequestID,
	})
	if resp.Error != nil {
		return fmt.Errorf("command %s: %s", cmd.Command, resp.Error.Message)
	}
	slog.Info("command executed", "command", cmd.Command, "request_id", cmd.RequestID)
	return nil
}

// Close closes the reader. It is safe to call more than once.
func (c *Consumer) Close() error {
	if c.reader == nil {
		return nil
	}
	r := c.reader
	c.reader = nil
	if err := r.Close(); err != nil {
		return fmt.Errorf("failed to close kafka reader: %w", err)
	}
	return nil
}
