// Package sink selects the core.Stack that receives a device's events.
package sink

import (
	"context"
	"fmt"

	"firestige.xyz/ethctl/internal/config"
	"firestige.xyz/ethctl/internal/core"
	"firestige.xyz/ethctl/internal/sink/console"
	"firestige.xyz/ethctl/internal/sink/kafka"
	"firestige.xyz/ethctl/internal/sink/pcapfile"
)

// Sink is a core.Stack with a lifecycle.
type Sink interface {
	core.Stack
	Start(ctx context.Context)
	Close() error
}

// New creates the sink named by cfg.Type for device.
func New(cfg config.SinkConfig, device string) (Sink, error) {
	switch cfg.Type {
	case console.Name:
		s, err := console.New(console.Options{
			Device:     device,
			Format:     cfg.Format,
			EtherTypes: cfg.EtherTypes,
			Expression: cfg.BPF,
		})
		if err != nil {
			return nil, err
		}
		return s, nil
	case kafka.Name:
		if len(cfg.EtherTypes) > 0 || cfg.BPF != "" {
			return nil, fmt.Errorf("%w: sink.ethertypes and sink.bpf do not apply to the kafka sink", core.ErrConfigInvalid)
		}
		s, err := kafka.New(kafka.Options{
			Device:       device,
			Brokers:      cfg.Kafka.Brokers,
			Topic:        cfg.Kafka.Topic,
			Compression:  cfg.Kafka.Compression,
			BatchSize:    cfg.Kafka.BatchSize,
			BatchTimeout: cfg.Kafka.BatchTimeout,
			MaxAttempts:  cfg.Kafka.MaxAttempts,
			QueueSize:    cfg.Kafka.QueueSize,
		})
		if err != nil {
			return nil, err
		}
		return s, nil
	case pcapfile.Name:
		s, err := pcapfile.New(pcapfile.Options{
			Device:     device,
			Path:       cfg.PCAP.Path,
			SnapLen:    cfg.PCAP.SnapLen,
			EtherTypes: cfg.EtherTypes,
			Expression: cfg.BPF,
		})
		if err != nil {
			return nil, err
		}
		return s, nil
	default:
		return nil, fmt.Errorf("%w: unknown sink type %q", core.ErrConfigInvalid, cfg.Type)
	}
}
