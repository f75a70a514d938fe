package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"firestige.xyz/ethctl/internal/core"
)

func writeConfig(t *testing.T, content string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "ethctl.yml")
	require.NoError(t, os.WriteFile(path, []byte(content), 0o644))
	return path
}

func TestLoadValidConfig(t *testing.T) {
	path := writeConfig(t, `
ethctl:
  device:
    name: lan0
    chip: emac+ksz9477
    station: "00:11:22:33:44:55"
    tick_interval: 250ms
    options:
      max_rx_burst: 16
  transport:
    type: spidev
    mac:
      path: /dev/spidev1.0
      mode: 3
      speed_hz: 20000000
    switch:
      path: /dev/spidev1.1
  poll:
    retries: 50
    interval: 1ms
  ring:
    tx_count: 4
    rx_count: 16
    buffer_size: 1536
    chained: false
  filter:
    addresses: ["01:00:5e:00:00:fb"]
  switch:
    tail_tagging: true
    aging_seconds: 120
    igmp_snooping: true
    unknown_multicast_ports: [0, 2]
    port_states: [forwarding, "", disabled]
  sink:
    type: kafka
    ethertypes: [0x0800, 0x86dd]
    kafka:
      brokers: ["broker1:9092", "broker2:9092"]
      topic: lan-events
      compression: lz4
      batch_timeout: 50ms
  log:
    level: debug
    format: text
  metrics:
    listen: "127.0.0.1:9200"
`)
	cfg, err := Load(path)
	require.NoError(t, err)

	assert.Equal(t, "lan0", cfg.Device.Name)
	assert.Equal(t, ChipEMACKSZ9477, cfg.Device.Chip)
	assert.Equal(t, core.MustParseMAC("00:11:22:33:44:55"), cfg.Device.StationMAC)
	assert.Equal(t, 250*time.Millisecond, cfg.Device.TickInterval)
	assert.EqualValues(t, 16, cfg.Device.Options["max_rx_burst"])
	assert.True(t, cfg.Device.HasMAC())
	assert.True(t, cfg.Device.HasSwitch())

	assert.Equal(t, "spidev", cfg.Transport.Type)
	assert.Equal(t, SPIConfig{Path: "/dev/spidev1.0", Mode: 3, SpeedHz: 20000000}, cfg.Transport.MAC)
	assert.Equal(t, "/dev/spidev1.1", cfg.Transport.Switch.Path)
	assert.Equal(t, uint32(10000000), cfg.Transport.Switch.SpeedHz)

	assert.Equal(t, PollConfig{Retries: 50, Interval: time.Millisecond}, cfg.Poll)
	assert.Equal(t, RingConfig{TxCount: 4, RxCount: 16, BufferSize: 1536}, cfg.Ring)
	assert.Equal(t, []string{"01:00:5e:00:00:fb"}, cfg.Filter.Addresses)

	assert.True(t, cfg.Switch.TailTagging)
	assert.Equal(t, uint32(120), cfg.Switch.AgingSeconds)
	assert.True(t, cfg.Switch.IGMPSnooping)
	assert.Equal(t, []uint8{0, 2}, cfg.Switch.UnknownMulticastPorts)
	assert.Equal(t, []string{"forwarding", "", "disabled"}, cfg.Switch.PortStates)

	assert.Equal(t, "kafka", cfg.Sink.Type)
	assert.Equal(t, []uint16{0x0800, 0x86dd}, cfg.Sink.EtherTypes)
	assert.Equal(t, []string{"broker1:9092", "broker2:9092"}, cfg.Sink.Kafka.Brokers)
	assert.Equal(t, "lan-events", cfg.Sink.Kafka.Topic)
	assert.Equal(t, "lz4", cfg.Sink.Kafka.Compression)
	assert.Equal(t, 50*time.Millisecond, cfg.Sink.Kafka.BatchTimeout)

	assert.Equal(t, "debug", cfg.Log.Level)
	assert.Equal(t, "text", cfg.Log.Format)
	assert.True(t, cfg.Metrics.Enabled)
	assert.Equal(t, "127.0.0.1:9200", cfg.Metrics.Listen)
	assert.Equal(t, "/metrics", cfg.Metrics.Path)
}

func TestDefaults(t *testing.T) {
	cfg, err := Default()
	require.NoError(t, err)

	assert.Equal(t, "eth0", cfg.Device.Name)
	assert.Equal(t, ChipEMACLAN8720, cfg.Device.Chip)
	assert.Equal(t, time.Second, cfg.Device.TickInterval)
	assert.Equal(t, "sim", cfg.Transport.Type)
	assert.Equal(t, PollConfig{Retries: 1000, Interval: 100 * time.Microsecond}, cfg.Poll)
	assert.Equal(t, RingConfig{TxCount: 8, RxCount: 8, BufferSize: 1536, Chained: true}, cfg.Ring)
	assert.Equal(t, uint32(300), cfg.Switch.AgingSeconds)
	assert.Equal(t, "console", cfg.Sink.Type)
	assert.Equal(t, "info", cfg.Log.Level)
	assert.Equal(t, "json", cfg.Log.Format)
	assert.False(t, cfg.Log.Outputs.File.Enabled)
	assert.Equal(t, 100, cfg.Log.Outputs.File.Rotation.MaxSizeMB)
	assert.True(t, cfg.Metrics.Enabled)
	assert.Equal(t, ":9091", cfg.Metrics.Listen)
}

func TestEnvOverride(t *testing.T) {
	t.Setenv("ETHCTL_DEVICE_CHIP", "w5100s")
	t.Setenv("ETHCTL_LOG_LEVEL", "warn")

	cfg, err := Load(writeConfig(t, "ethctl:\n  device:\n    name: wiz0\n"))
	require.NoError(t, err)
	assert.Equal(t, ChipW5100S, cfg.Device.Chip)
	assert.Equal(t, "wiz0", cfg.Device.Name)
	assert.Equal(t, "warn", cfg.Log.Level)
	assert.False(t, cfg.Device.HasSwitch())
}

func TestLoadMissingFile(t *testing.T) {
	_, err := Load(filepath.Join(t.TempDir(), "missing.yml"))
	assert.Error(t, err)
}

func TestValidationFailures(t *testing.T) {
	tests := []struct {
		name   string
		config string
	}{
		{"invalid log level", "ethctl:\n  log:\n    level: verbose\n"},
		{"invalid log format", "ethctl:\n  log:\n    format: xml\n"},
		{"unknown chip", "ethctl:\n  device:\n    chip: rtl8139\n"},
		{"bad station", "ethctl:\n  device:\n    station: not-a-mac\n"},
		{"multicast station", "ethctl:\n  device:\n    station: \"01:00:5e:00:00:01\"\n"},
		{"unknown transport", "ethctl:\n  transport:\n    type: i2c\n"},
		{"spidev without path", "ethctl:\n  transport:\n    type: spidev\n    mac:\n      path: \"\"\n"},
		{"bad spi mode", "ethctl:\n  transport:\n    type: spidev\n    mac:\n      mode: 4\n"},
		{"zero retries", "ethctl:\n  poll:\n    retries: 0\n"},
		{"empty ring", "ethctl:\n  ring:\n    rx_count: 0\n"},
		{"small buffers", "ethctl:\n  ring:\n    buffer_size: 512\n"},
		{"tagged frame exceeds buffer", "ethctl:\n  device:\n    chip: emac+ksz9477\n  ring:\n    buffer_size: 1518\n  switch:\n    tail_tagging: true\n"},
		{"bad filter address", "ethctl:\n  filter:\n    addresses: [\"zz\"]\n"},
		{"bad port state", "ethctl:\n  switch:\n    port_states: [blocking]\n"},
		{"too many port states", "ethctl:\n  switch:\n    port_states: [forwarding, forwarding, forwarding, forwarding, forwarding, forwarding]\n"},
		{"unknown mcast port", "ethctl:\n  switch:\n    unknown_multicast_ports: [6]\n"},
		{"unknown sink", "ethctl:\n  sink:\n    type: file\n"},
		{"kafka without brokers", "ethctl:\n  sink:\n    type: kafka\n"},
		{"pcap without path", "ethctl:\n  sink:\n    type: pcap\n"},
		{"replay on spidev", "ethctl:\n  transport:\n    type: spidev\n    replay:\n      file: rx.pcap\n"},
		{"bpf with ethertypes", "ethctl:\n  sink:\n    bpf: arp\n    ethertypes: [0x0806]\n"},
		{"kafka control bad offset", "ethctl:\n  control:\n    kafka:\n      brokers: [\"b:9092\"]\n      start_offset: middle\n"},
		{"metrics without listen", "ethctl:\n  metrics:\n    listen: \"\"\n"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := Load(writeConfig(t, tt.config))
			require.Error(t, err)
			assert.ErrorIs(t, err, core.ErrConfigInvalid)
		})
	}
}

func TestBufferSizeWithoutTailTags(t *testing.T) {
	cfg, err := Load(writeConfig(t, "ethctl:\n  device:\n    chip: emac+ksz9477\n  ring:\n    buffer_size: 1518\n"))
	require.NoError(t, err)
	assert.Equal(t, 1518, cfg.Ring.BufferSize)

	cfg, err = Load(writeConfig(t, "ethctl:\n  device:\n    chip: emac+ksz9477\n  ring:\n    buffer_size: 1520\n  switch:\n    tail_tagging: true\n"))
	require.NoError(t, err)
	assert.Equal(t, 1520, cfg.Ring.BufferSize)
}
