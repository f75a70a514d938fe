package sink_test

import (
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"firestige.xyz/ethctl/internal/config"
	"firestige.xyz/ethctl/internal/core"
	"firestige.xyz/ethctl/internal/sink"
	"firestige.xyz/ethctl/internal/sink/console"
	"firestige.xyz/ethctl/internal/sink/kafka"
	"firestige.xyz/ethctl/internal/sink/pcapfile"
)

func TestNewSelectsByType(t *testing.T) {
	s, err := sink.New(config.SinkConfig{Type: "console", Format: "text", EtherTypes: []uint16{0x0800}}, "eth0")
	require.NoError(t, err)
	assert.IsType(t, &console.Sink{}, s)
	assert.NoError(t, s.Close())

	s, err = sink.New(config.SinkConfig{
		Type:  "kafka",
		Kafka: config.KafkaSinkConfig{Brokers: []string{"localhost:9092"}, Topic: "ethctl"},
	}, "eth0")
	require.NoError(t, err)
	assert.IsType(t, &kafka.Sink{}, s)
	assert.NoError(t, s.Close())

	s, err = sink.New(config.SinkConfig{
		Type: "pcap",
		BPF:  "arp",
		PCAP: config.PCAPSinkConfig{Path: filepath.Join(t.TempDir(), "rx.pcap")},
	}, "eth0")
	require.NoError(t, err)
	assert.IsType(t, &pcapfile.Sink{}, s)
	assert.NoError(t, s.Close())
}

func TestNewRejects(t *testing.T) {
	_, err := sink.New(config.SinkConfig{Type: "pcap"}, "eth0")
	assert.ErrorIs(t, err, core.ErrConfigInvalid)

	_, err = sink.New(config.SinkConfig{
		Type:       "kafka",
		EtherTypes: []uint16{0x0800},
		Kafka:      config.KafkaSinkConfig{Brokers: []string{"localhost:9092"}, Topic: "ethctl"},
	}, "eth0")
	assert.ErrorIs(t, err, core.ErrConfigInvalid)

	_, err = sink.New(config.SinkConfig{Type: "kafka", BPF: "arp"}, "eth0")
	assert.ErrorIs(t, err, core.ErrConfigInvalid)

	_, err = sink.New(config.SinkConfig{Type: "console", Format: "yaml"}, "eth0")
	assert.ErrorIs(t, err, core.ErrConfigInvalid)
}
