// Package config handles global configuration loading using viper.
package config

import (
	"fmt"
	"strings"
	"time"

	"github.com/spf13/viper"

	"firestige.xyz/ethctl/internal/core"
	"firestige.xyz/ethctl/internal/tailtag"
)

// GlobalConfig represents the top-level configuration.
// Maps to the `ethctl:` root key in YAML.
type GlobalConfig struct {
	Device    DeviceConfig    `mapstructure:"device"`
	Transport TransportConfig `mapstructure:"transport"`
	Poll      PollConfig      `mapstructure:"poll"`
	Ring      RingConfig      `mapstructure:"ring"`
	Filter    FilterConfig    `mapstructure:"filter"`
	Switch    SwitchConfig    `mapstructure:"switch"`
	Sink      SinkConfig      `mapstructure:"sink"`
	Metrics   MetricsConfig   `mapstructure:"metrics"`
	Control   ControlConfig   `mapstructure:"control"`
	Log       LogConfig       `mapstructure:"log"`
}

// ─── Device ───

// Chip combinations accepted in device.chip.
const (
	ChipEMACLAN8720 = "emac+lan8720" // MAC with a single PHY on its MDIO bus
	ChipEMACKSZ9477 = "emac+ksz9477" // MAC fronting a switch host port
	ChipEMAC        = "emac"         // MAC only, no link polling
	ChipW5100S      = "w5100s"       // MACRAW controller with built-in PHY
	ChipKSZ9477     = "ksz9477"      // switch management only, no frame path
)

// DeviceConfig describes the one network interface ethctl manages.
type DeviceConfig struct {
	Name         string        `mapstructure:"name"`
	Chip         string        `mapstructure:"chip"`
	Station      string        `mapstructure:"station"`
	TickInterval time.Duration `mapstructure:"tick_interval"`
	// IRQPollInterval samples the interrupt status when no interrupt line
	// is wired. 0 disables sampling.
	IRQPollInterval time.Duration `mapstructure:"irq_poll_interval"`
	// Options carries chip specific settings (phy_addr, max_rx_burst,
	// tx_buffer_kb, rx_buffer_kb). Decoded by the board builder.
	Options map[string]any `mapstructure:"options"`

	// StationMAC is Station parsed by ValidateAndApplyDefaults.
	StationMAC core.MACAddr `mapstructure:"-"`
}

// HasMAC reports whether the chip combination carries a frame path.
func (d DeviceConfig) HasMAC() bool { return d.Chip != ChipKSZ9477 }

// HasSwitch reports whether the chip combination includes a KSZ9477.
func (d DeviceConfig) HasSwitch() bool { return d.Chip == ChipEMACKSZ9477 || d.Chip == ChipKSZ9477 }

// ─── Transport ───

// TransportConfig selects the SPI buses. Type "sim" wires every chip to a
// register-exact software model instead of hardware.
type TransportConfig struct {
	Type   string       `mapstructure:"type"` // spidev | sim
	MAC    SPIConfig    `mapstructure:"mac"`
	Switch SPIConfig    `mapstructure:"switch"`
	Replay ReplayConfig `mapstructure:"replay"` // sim only
}

// ReplayConfig feeds the frames of a pcap file to the simulated wire.
type ReplayConfig struct {
	File     string `mapstructure:"file"`
	Port     uint8  `mapstructure:"port"`     // switch ingress port, default 1
	Realtime bool   `mapstructure:"realtime"` // keep the capture's inter-frame gaps
}

// SPIConfig addresses one spidev node.
type SPIConfig struct {
	Path    string `mapstructure:"path"`
	Mode    uint8  `mapstructure:"mode"`
	SpeedHz uint32 `mapstructure:"speed_hz"`
}

// ─── Hardware waits ───

// PollConfig bounds every busy-wait on a hardware register.
type PollConfig struct {
	Retries  int           `mapstructure:"retries"`
	Interval time.Duration `mapstructure:"interval"`
}

// RingConfig sizes the EMAC descriptor rings.
type RingConfig struct {
	TxCount    int  `mapstructure:"tx_count"`
	RxCount    int  `mapstructure:"rx_count"`
	BufferSize int  `mapstructure:"buffer_size"`
	Chained    bool `mapstructure:"chained"`
}

// FilterConfig lists addresses the host filter accepts from startup, in
// addition to the station address.
type FilterConfig struct {
	Addresses []string `mapstructure:"addresses"`
}

// SwitchConfig configures the KSZ9477.
type SwitchConfig struct {
	TailTagging           bool     `mapstructure:"tail_tagging"`
	SourceOffset          uint8    `mapstructure:"source_offset"`
	AgingSeconds          uint32   `mapstructure:"aging_seconds"`
	IGMPSnooping          bool     `mapstructure:"igmp_snooping"`
	MLDSnooping           bool     `mapstructure:"mld_snooping"`
	ReservedMulticast     bool     `mapstructure:"reserved_multicast"`
	UnknownMulticastPorts []uint8  `mapstructure:"unknown_multicast_ports"` // 0 is the host port
	PortStates            []string `mapstructure:"port_states"`             // index i is port i+1
}

// ─── Sink ───

// SinkConfig selects where device events go.
type SinkConfig struct {
	Type       string          `mapstructure:"type"`   // console | kafka | pcap
	Format     string          `mapstructure:"format"` // console: json | text
	EtherTypes []uint16        `mapstructure:"ethertypes"`
	BPF        string          `mapstructure:"bpf"` // console, pcap: tcpdump filter expression
	Kafka      KafkaSinkConfig `mapstructure:"kafka"`
	PCAP       PCAPSinkConfig  `mapstructure:"pcap"`
}

// PCAPSinkConfig contains the pcap file sink settings.
type PCAPSinkConfig struct {
	Path    string `mapstructure:"path"`
	SnapLen uint32 `mapstructure:"snaplen"`
}

// KafkaSinkConfig contains the kafka sink settings.
type KafkaSinkConfig struct {
	Brokers      []string      `mapstructure:"brokers"`
	Topic        string        `mapstructure:"topic"`
	Compression  string        `mapstructure:"compression"` // none | gzip | snappy | lz4 | zstd
	BatchSize    int           `mapstructure:"batch_size"`
	BatchTimeout time.Duration `mapstructure:"batch_timeout"`
	MaxAttempts  int           `mapstructure:"max_attempts"`
	QueueSize    int           `mapstructure:"queue_size"`
}

// ─── Control ───

// ControlConfig contains the management channel settings.
type ControlConfig struct {
	Socket  string             `mapstructure:"socket"` // empty disables the socket
	Timeout time.Duration      `mapstructure:"timeout"`
	Kafka   KafkaControlConfig `mapstructure:"kafka"`
}

// KafkaControlConfig configures the Kafka command consumer. It is disabled
// while brokers is empty.
type KafkaControlConfig struct {
	Brokers     []string      `mapstructure:"brokers"`
	Topic       string        `mapstructure:"topic"`
	GroupID     string        `mapstructure:"group_id"`
	StartOffset string        `mapstructure:"start_offset"` // earliest | latest
	CommandTTL  time.Duration `mapstructure:"command_ttl"`
}

// ─── Metrics ───

// MetricsConfig contains Prometheus metrics settings.
type MetricsConfig struct {
	Enabled bool   `mapstructure:"enabled"`
	Listen  string `mapstructure:"listen"`
	Path    string `mapstructure:"path"`
}

// ─── Log ───

// LogConfig contains logging settings.
type LogConfig struct {
	Level   string           `mapstructure:"level"`  // debug / info / warn / error
	Format  string           `mapstructure:"format"` // json / text
	Outputs LogOutputsConfig `mapstructure:"outputs"`
}

// LogOutputsConfig contains structured log output destinations.
type LogOutputsConfig struct {
	File FileOutputConfig `mapstructure:"file"`
}

// FileOutputConfig configures file log output.
type FileOutputConfig struct {
	Enabled  bool           `mapstructure:"enabled"`
	Path     string         `mapstructure:"path"`
	Rotation RotationConfig `mapstructure:"rotation"`
}

// RotationConfig configures log file rotation.
type RotationConfig struct {
	MaxSizeMB  int  `mapstructure:"max_size_mb"`
	MaxAgeDays int  `mapstructure:"max_age_days"`
	MaxBackups int  `mapstructure:"max_backups"`
	Compress   bool `mapstructure:"compress"`
}

// ─── Loading ───

// configRoot is the top-level wrapper matching the YAML structure `ethctl: ...`.
type configRoot struct {
	Ethctl GlobalConfig `mapstructure:"ethctl"`
}

// Load loads configuration from file.
// The YAML file uses `ethctl:` as root key; env vars map through the key
// replacer (e.g., key "ethctl.device.chip" → env "ETHCTL_DEVICE_CHIP").
func Load(path string) (*GlobalConfig, error) {
	v := viper.New()
	v.SetConfigFile(path)
	if err := v.ReadInConfig(); err != nil {
		return nil, fmt.Errorf("failed to read config file: %w", err)
	}
	return load(v)
}

// Default returns the configuration produced by an empty file, which runs
// an emac+lan8720 device against simulated hardware.
func Default() (*GlobalConfig, error) {
	return load(viper.New())
}

func load(v *viper.Viper) (*GlobalConfig, error) {
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()
	setDefaults(v)

	var root configRoot
	if err := v.Unmarshal(&root); err != nil {
		return nil, fmt.Errorf("failed to unmarshal config: %w", err)
	}
	cfg := root.Ethctl

	if err := cfg.ValidateAndApplyDefaults(); err != nil {
		return nil, fmt.Errorf("config validation failed: %w", err)
	}
	return &cfg, nil
}

// setDefaults sets default values for configuration.
// All keys use "ethctl." prefix to match the YAML root wrapper.
func setDefaults(v *viper.Viper) {
	// Device defaults
	v.SetDefault("ethctl.device.name", "eth0")
	v.SetDefault("ethctl.device.chip", ChipEMACLAN8720)
	v.SetDefault("ethctl.device.station", "02:00:00:00:00:01")
	v.SetDefault("ethctl.device.tick_interval", "1s")
	v.SetDefault("ethctl.device.irq_poll_interval", "1ms")

	// Transport defaults
	v.SetDefault("ethctl.transport.type", "sim")
	v.SetDefault("ethctl.transport.mac.path", "/dev/spidev0.0")
	v.SetDefault("ethctl.transport.mac.speed_hz", 10000000)
	v.SetDefault("ethctl.transport.switch.path", "/dev/spidev0.1")
	v.SetDefault("ethctl.transport.switch.speed_hz", 10000000)

	// Poll defaults
	v.SetDefault("ethctl.poll.retries", 1000)
	v.SetDefault("ethctl.poll.interval", "100us")

	// Ring defaults
	v.SetDefault("ethctl.ring.tx_count", 8)
	v.SetDefault("ethctl.ring.rx_count", 8)
	v.SetDefault("ethctl.ring.buffer_size", 1536)
	v.SetDefault("ethctl.ring.chained", true)

	// Switch defaults
	v.SetDefault("ethctl.switch.aging_seconds", 300)

	// Sink defaults
	v.SetDefault("ethctl.sink.type", "console")
	v.SetDefault("ethctl.sink.format", "text")
	v.SetDefault("ethctl.sink.kafka.topic", "ethctl-events")
	v.SetDefault("ethctl.sink.kafka.compression", "snappy")
	v.SetDefault("ethctl.sink.pcap.snaplen", 1518)

	// Log defaults
	v.SetDefault("ethctl.log.level", "info")
	v.SetDefault("ethctl.log.format", "json")
	v.SetDefault("ethctl.log.outputs.file.enabled", false)
	v.SetDefault("ethctl.log.outputs.file.path", "/var/log/ethctl/ethctl.log")
	v.SetDefault("ethctl.log.outputs.file.rotation.max_size_mb", 100)
	v.SetDefault("ethctl.log.outputs.file.rotation.max_age_days", 30)
	v.SetDefault("ethctl.log.outputs.file.rotation.max_backups", 5)
	v.SetDefault("ethctl.log.outputs.file.rotation.compress", true)

	// Control defaults
	v.SetDefault("ethctl.control.socket", "")
	v.SetDefault("ethctl.control.timeout", "10s")
	v.SetDefault("ethctl.control.kafka.topic", "ethctl-commands")
	v.SetDefault("ethctl.control.kafka.group_id", "ethctl")
	v.SetDefault("ethctl.control.kafka.start_offset", "latest")
	v.SetDefault("ethctl.control.kafka.command_ttl", "5m")

	// Metrics defaults
	v.SetDefault("ethctl.metrics.enabled", true)
	v.SetDefault("ethctl.metrics.listen", ":9091")
	v.SetDefault("ethctl.metrics.path", "/metrics")
}

// ValidateAndApplyDefaults validates configuration and applies runtime defaults.
func (cfg *GlobalConfig) ValidateAndApplyDefaults() error {
	// ── Log validation ──
	validLevels := map[string]bool{"debug": true, "info": true, "warn": true, "error": true}
	if !validLevels[cfg.Log.Level] {
		return fmt.Errorf("%w: invalid log level: %s (must be debug/info/warn/error)", core.ErrConfigInvalid, cfg.Log.Level)
	}
	if cfg.Log.Format != "json" && cfg.Log.Format != "text" {
		return fmt.Errorf("%w: invalid log format: %s (must be json/text)", core.ErrConfigInvalid, cfg.Log.Format)
	}

	// ── Device ──
	switch cfg.Device.Chip {
	case ChipEMACLAN8720, ChipEMACKSZ9477, ChipEMAC, ChipW5100S, ChipKSZ9477:
	default:
		return fmt.Errorf("%w: unsupported device.chip: %q", core.ErrConfigInvalid, cfg.Device.Chip)
	}
	if cfg.Device.Name == "" {
		return fmt.Errorf("%w: device.name is required", core.ErrConfigInvalid)
	}
	mac, err := core.ParseMAC(cfg.Device.Station)
	if err != nil {
		return fmt.Errorf("%w: device.station: %v", core.ErrConfigInvalid, err)
	}
	if mac.IsMulticast() || mac.IsZero() {
		return fmt.Errorf("%w: device.station %s is not a unicast address", core.ErrConfigInvalid, mac)
	}
	cfg.Device.StationMAC = mac
	if cfg.Device.TickInterval < 0 || cfg.Device.IRQPollInterval < 0 {
		return fmt.Errorf("%w: device intervals must not be negative", core.ErrConfigInvalid)
	}

	// ── Transport ──
	switch cfg.Transport.Type {
	case "sim":
	case "spidev":
		if cfg.Transport.MAC.Path == "" && cfg.Device.HasMAC() {
			return fmt.Errorf("%w: transport.mac.path is required", core.ErrConfigInvalid)
		}
		if cfg.Transport.Switch.Path == "" && cfg.Device.HasSwitch() {
			return fmt.Errorf("%w: transport.switch.path is required", core.ErrConfigInvalid)
		}
		if cfg.Transport.MAC.Mode > 3 || cfg.Transport.Switch.Mode > 3 {
			return fmt.Errorf("%w: spi mode must be 0-3", core.ErrConfigInvalid)
		}
	default:
		return fmt.Errorf("%w: unsupported transport.type: %q (must be spidev/sim)", core.ErrConfigInvalid, cfg.Transport.Type)
	}
	if r := cfg.Transport.Replay; r.File != "" {
		if cfg.Transport.Type != "sim" {
			return fmt.Errorf("%w: transport.replay requires transport.type=sim", core.ErrConfigInvalid)
		}
		if r.Port > 5 {
			return fmt.Errorf("%w: transport.replay.port %d out of range 0-5", core.ErrConfigInvalid, r.Port)
		}
	}

	// ── Poll ──
	if cfg.Poll.Retries <= 0 {
		return fmt.Errorf("%w: poll.retries must be positive", core.ErrConfigInvalid)
	}
	if cfg.Poll.Interval < 0 {
		return fmt.Errorf("%w: poll.interval must not be negative", core.ErrConfigInvalid)
	}

	// ── Ring ──
	if cfg.Ring.TxCount < 1 || cfg.Ring.RxCount < 1 {
		return fmt.Errorf("%w: ring counts must be at least 1", core.ErrConfigInvalid)
	}
	minBuffer := core.MaxFrameSize
	if cfg.Device.HasSwitch() && cfg.Switch.TailTagging {
		minBuffer += tailtag.IngressLen
	}
	if cfg.Ring.BufferSize < minBuffer {
		return fmt.Errorf("%w: ring.buffer_size %d is smaller than a frame (%d)", core.ErrConfigInvalid, cfg.Ring.BufferSize, minBuffer)
	}

	// ── Filter ──
	for _, s := range cfg.Filter.Addresses {
		if _, err := core.ParseMAC(s); err != nil {
			return fmt.Errorf("%w: filter.addresses: %v", core.ErrConfigInvalid, err)
		}
	}

	// ── Switch ──
	for _, p := range cfg.Switch.UnknownMulticastPorts {
		if p > 5 {
			return fmt.Errorf("%w: switch.unknown_multicast_ports: port %d out of range", core.ErrConfigInvalid, p)
		}
	}
	for i, s := range cfg.Switch.PortStates {
		if i >= 5 {
			return fmt.Errorf("%w: switch.port_states has more than 5 entries", core.ErrConfigInvalid)
		}
		if s == "" {
			continue
		}
		if _, err := core.ParsePortState(s); err != nil {
			return fmt.Errorf("switch.port_states[%d]: %w", i, err)
		}
	}

	// ── Sink ──
	switch cfg.Sink.Type {
	case "console":
		if cfg.Sink.Format != "json" && cfg.Sink.Format != "text" {
			return fmt.Errorf("%w: invalid sink.format: %s (must be json/text)", core.ErrConfigInvalid, cfg.Sink.Format)
		}
	case "kafka":
		if len(cfg.Sink.Kafka.Brokers) == 0 {
			return fmt.Errorf("%w: sink.kafka.brokers is required when sink.type=kafka", core.ErrConfigInvalid)
		}
		if cfg.Sink.Kafka.Topic == "" {
			return fmt.Errorf("%w: sink.kafka.topic is required when sink.type=kafka", core.ErrConfigInvalid)
		}
	case "pcap":
		if cfg.Sink.PCAP.Path == "" {
			return fmt.Errorf("%w: sink.pcap.path is required when sink.type=pcap", core.ErrConfigInvalid)
		}
	default:
		return fmt.Errorf("%w: unsupported sink.type: %q (must be console/kafka/pcap)", core.ErrConfigInvalid, cfg.Sink.Type)
	}
	if len(cfg.Sink.EtherTypes) > 255 {
		return fmt.Errorf("%w: sink.ethertypes allows at most 255 entries", core.ErrConfigInvalid)
	}
	if cfg.Sink.BPF != "" && len(cfg.Sink.EtherTypes) > 0 {
		return fmt.Errorf("%w: sink.bpf and sink.ethertypes are mutually exclusive", core.ErrConfigInvalid)
	}

	// ── Control ──
	if cfg.Control.Timeout <= 0 {
		return fmt.Errorf("%w: control.timeout must be positive", core.ErrConfigInvalid)
	}
	if kc := cfg.Control.Kafka; len(kc.Brokers) > 0 {
		if kc.Topic == "" || kc.GroupID == "" {
			return fmt.Errorf("%w: control.kafka needs topic and group_id", core.ErrConfigInvalid)
		}
		if kc.StartOffset != "earliest" && kc.StartOffset != "latest" {
			return fmt.Errorf("%w: control.kafka.start_offset %q, must be earliest or latest", core.ErrConfigInvalid, kc.StartOffset)
		}
	}

	// ── Metrics ──
	if cfg.Metrics.Enabled && cfg.Metrics.Listen == "" {
		return fmt.Errorf("%w: metrics.listen is required when metrics.enabled=true", core.ErrConfigInvalid)
	}
	return nil
}
