// Package daemon implements the ethctl process lifecycle: it assembles the
// board, attaches the sink, serves metrics and the control socket, and runs
// the device worker until a shutdown signal arrives.
package daemon

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"reflect"
	"strconv"
	"sync"
	"syscall"
	"time"

	"firestige.xyz/ethctl/internal/config"
	"firestige.xyz/ethctl/internal/control"
	"firestige.xyz/ethctl/internal/core"
	"firestige.xyz/ethctl/internal/device"
	logpkg "firestige.xyz/ethctl/internal/log"
	"firestige.xyz/ethctl/internal/metrics"
	"firestige.xyz/ethctl/internal/sink"
)

// Version is reported at startup and by `ethctl version`.
var Version = "0.1.0"

// Option customizes a Daemon.
type Option func(*Daemon)

// WithSink replaces the configured sink.
func WithSink(s sink.Sink) Option {
	return func(d *Daemon) { d.sink = s }
}

// WithoutLogInit keeps the current slog default instead of applying the
// log section.
func WithoutLogInit() Option {
	return func(d *Daemon) { d.skipLogInit = true }
}

// Daemon manages the ethctl process lifecycle.
type Daemon struct {
	// Configuration
	config      *config.GlobalConfig
	configPath  string
	pidFile     string
	skipLogInit bool

	// Core components
	board         *Board
	sink          sink.Sink
	metricsServer *metrics.Server   // nil if metrics disabled
	controlServer *control.Server   // nil if control.socket is empty
	consumer      *control.Consumer // nil if control.kafka.brokers is empty

	// Lifecycle management
	ctx          context.Context
	cancel       context.CancelFunc
	wg           sync.WaitGroup
	stopOnce     sync.Once
	shutdownChan chan struct{}
	sigChan      chan os.Signal
}

// New loads configPath and creates a daemon.
func New(configPath, pidFile string, opts ...Option) (*Daemon, error) {
	cfg, err := config.Load(configPath)
	if err != nil {
		return nil, fmt.Errorf("failed to load config: %w", err)
	}
	d := NewWithConfig(cfg, pidFile, opts...)
	d.configPath = configPath
	return d, nil
}

// NewWithConfig creates a daemon from an already validated configuration.
func NewWithConfig(cfg *config.GlobalConfig, pidFile string, opts ...Option) *Daemon {
	d := &Daemon{
		config:       cfg,
		pidFile:      pidFile,
		shutdownChan: make(chan struct{}, 1),
	}
	for _, o := range opts {
		o(d)
	}
	d.ctx, d.cancel = context.WithCancel(context.Background())
	return d
}

// Board returns the assembled board once Start has built it.
func (d *Daemon) Board() *Board { return d.board }

// Start builds and initializes every component and launches the workers.
func (d *Daemon) Start() error {
	// 1. Initialize logging system
	if err := d.initLogging(); err != nil {
		return fmt.Errorf("failed to initialize logging: %w", err)
	}
	slog.Info("starting ethctl",
		"version", Version,
		"device", d.config.Device.Name,
		"chip", d.config.Device.Chip,
		"transport", d.config.Transport.Type,
		"config", d.configPath,
	)

	// 2. Write PID file
	if err := d.writePIDFile(); err != nil {
		return fmt.Errorf("failed to write PID file: %w", err)
	}

	// 3. Sink
	if d.sink == nil {
		s, err := sink.New(d.config.Sink, d.config.Device.Name)
		if err != nil {
			return fmt.Errorf("failed to create sink: %w", err)
		}
		d.sink = s
	}

	// 4. Board
	board, err := BuildBoard(d.config, d.sink)
	if err != nil {
		return fmt.Errorf("failed to build board: %w", err)
	}
	d.board = board
	dev := board.Device

	// 5. Metrics server, reporting readiness before the device is up
	if err := d.startMetrics(dev.Ready); err != nil {
		return fmt.Errorf("failed to start metrics server: %w", err)
	}

	// 6. Device bring-up
	d.sink.Start(d.ctx)
	if err := dev.Initialize(d.ctx); err != nil {
		return fmt.Errorf("failed to initialize device %s: %w", dev.Name(), err)
	}
	if err := d.applyFilter(dev); err != nil {
		return err
	}
	if err := d.applyPortStates(dev); err != nil {
		return err
	}
	dev.EnableInterrupt()

	// 7. Workers
	d.wg.Add(1)
	go func() {
		defer d.wg.Done()
		dev.Run(d.ctx)
	}()
	if d.config.Device.HasMAC() && d.config.Device.IRQPollInterval > 0 {
		d.wg.Add(1)
		go func() {
			defer d.wg.Done()
			sampleIRQ(d.ctx, dev, d.config.Device.IRQPollInterval)
		}()
	}

	d.startReplay()

	// 8. Management channels
	h := control.NewHandler(dev, d.config.Device.Chip, Version, d, d.TriggerShutdown)
	if path := d.config.Control.Socket; path != "" {
		srv := control.NewServer(path, h)
		if err := srv.Start(d.ctx); err != nil {
			return fmt.Errorf("failed to start control socket: %w", err)
		}
		d.controlServer = srv
	}
	if len(d.config.Control.Kafka.Brokers) > 0 {
		c, err := control.NewConsumer(d.config.Control.Kafka, dev.Name(), h)
		if err != nil {
			return fmt.Errorf("failed to create kafka command consumer: %w", err)
		}
		d.consumer = c
		d.wg.Add(1)
		go func() {
			defer d.wg.Done()
			c.Run(d.ctx)
		}()
	}

	slog.Info("ethctl started", "device", dev.Name())
	return nil
}

// sampleIRQ stands in for an interrupt line by sampling the status
// registers every interval.
func sampleIRQ(ctx context.Context, dev *device.Device, every time.Duration) {
	ticker := time.NewTicker(every)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			dev.IRQ()
		}
	}
}

func (d *Daemon) applyFilter(dev *device.Device) error {
	if len(d.config.Filter.Addresses) == 0 || !d.config.Device.HasMAC() {
		return nil
	}
	table := make([]core.FilterEntry, 0, len(d.config.Filter.Addresses))
	for _, s := range d.config.Filter.Addresses {
		table = append(table, core.FilterEntry{Addr: core.MustParseMAC(s), RefCount: 1})
	}
	if err := dev.UpdateAddressFilter(table); err != nil {
		return fmt.Errorf("failed to program address filter: %w", err)
	}
	return nil
}

func (d *Daemon) applyPortStates(dev *device.Device) error {
	sw, ok := dev.Switch()
	if !ok {
		return nil
	}
	for i, s := range d.config.Switch.PortStates {
		if s == "" {
			continue
		}
		st, err := core.ParsePortState(s)
		if err != nil {
			return err
		}
		if err := sw.SetPortState(uint8(i+1), st); err != nil {
			return fmt.Errorf("failed to set port %d state: %w", i+1, err)
		}
	}
	return nil
}

// Stop performs graceful shutdown of all components. It is safe to call
// more than once and after a failed Start.
func (d *Daemon) Stop() {
	d.stopOnce.Do(d.stop)
}

func (d *Daemon) stop() {
	slog.Info("initiating graceful shutdown")

	// 0. Refuse new management requests
	if d.controlServer != nil {
		d.controlServer.Stop()
	}

	// 1. Stop the workers
	d.cancel()
	d.wg.Wait()
	if d.board != nil && d.board.Device != nil {
		d.board.Device.DisableInterrupt()
	}
	if d.consumer != nil {
		if err := d.consumer.Close(); err != nil {
			slog.Error("error closing kafka command consumer", "error", err)
		}
	}

	// 2. Flush the sink
	if d.sink != nil {
		if err := d.sink.Close(); err != nil {
			slog.Error("error closing sink", "error", err)
		}
	}

	// 3. Stop metrics server
	if d.metricsServer != nil {
		slog.Info("stopping metrics server")
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := d.metricsServer.Stop(shutdownCtx); err != nil {
			slog.Error("error stopping metrics server", "error", err)
		}
	}

	// 4. Release the buses
	if d.board != nil {
		if err := d.board.Close(); err != nil {
			slog.Error("error closing buses", "error", err)
		}
	}

	// 5. Unregister signal handler to prevent goroutine leak
	if d.sigChan != nil {
		signal.Stop(d.sigChan)
	}

	// 6. Remove PID file
	if err := d.removePIDFile(); err != nil {
		slog.Error("error removing PID file", "error", err)
	}

	slog.Info("ethctl stopped")
	_ = logpkg.Close()
}

// Run blocks until shutdown is triggered by SIGTERM/SIGINT, TriggerShutdown
// or context cancellation. SIGHUP reloads the configuration.
func (d *Daemon) Run() error {
	d.sigChan = make(chan os.Signal, 1)
	signal.Notify(d.sigChan, syscall.SIGTERM, syscall.SIGINT, syscall.SIGHUP)

	slog.Info("ethctl running, waiting for signals")

	for {
		select {
		case sig := <-d.sigChan:
			switch sig {
			case syscall.SIGTERM, syscall.SIGINT:
				slog.Info("received shutdown signal", "signal", sig)
				d.Stop()
				return nil

			case syscall.SIGHUP:
				slog.Info("received reload signal")
				if err := d.Reload(); err != nil {
					slog.Error("failed to reload config", "error", err)
				}
			}

		case <-d.shutdownChan:
			slog.Info("shutdown requested")
			d.Stop()
			return nil

		case <-d.ctx.Done():
			slog.Info("context cancelled", "error", d.ctx.Err())
			d.Stop()
			return d.ctx.Err()
		}
	}
}

// Reload re-reads the configuration file.
// Hot-reloadable: log level/format and outputs.
// Everything else describes hardware and requires a restart.
func (d *Daemon) Reload() error {
	if d.configPath == "" {
		return fmt.Errorf("no configuration file to reload")
	}
	slog.Info("reloading configuration", "path", d.configPath)

	newConfig, err := config.Load(d.configPath)
	if err != nil {
		return fmt.Errorf("failed to load new config: %w", err)
	}

	hotReloaded := []string{}
	old := d.config
	d.config.Log = newConfig.Log
	if err := d.initLogging(); err != nil {
		slog.Error("failed to reinitialize logging", "error", err)
	} else {
		hotReloaded = append(hotReloaded, "log")
	}

	requiresRestart := []string{}
	if newConfig.Device.Chip != old.Device.Chip || newConfig.Device.Station != old.Device.Station {
		requiresRestart = append(requiresRestart, "device")
	}
	if newConfig.Transport != old.Transport {
		requiresRestart = append(requiresRestart, "transport")
	}
	if newConfig.Sink.Type != old.Sink.Type {
		requiresRestart = append(requiresRestart, "sink")
	}
	if newConfig.Metrics != old.Metrics {
		requiresRestart = append(requiresRestart, "metrics")
	}
	if !reflect.DeepEqual(newConfig.Control, old.Control) {
		requiresRestart = append(requiresRestart, "control")
	}

	slog.Info("configuration reloaded",
		"hot_reloaded", hotReloaded,
		"requires_restart", requiresRestart,
	)
	return nil
}

// TriggerShutdown asks Run to stop.
func (d *Daemon) TriggerShutdown() {
	select {
	case d.shutdownChan <- struct{}{}:
	default:
	}
}

// initLogging initializes the logging system from config.
func (d *Daemon) initLogging() error {
	if d.skipLogInit {
		return nil
	}
	if err := logpkg.Init(d.config.Log); err != nil {
		return err
	}
	slog.Debug("logging initialized",
		"level", d.config.Log.Level,
		"format", d.config.Log.Format,
	)
	return nil
}

// startMetrics starts the metrics HTTP server if enabled.
func (d *Daemon) startMetrics(ready func() bool) error {
	if !d.config.Metrics.Enabled {
		slog.Info("metrics server disabled")
		return nil
	}

	d.metricsServer = metrics.NewServer(d.config.Metrics.Listen, d.config.Metrics.Path, ready)
	if err := d.metricsServer.Start(d.ctx); err != nil {
		d.metricsServer = nil
		return err
	}

	slog.Info("metrics server started",
		"addr", d.metricsServer.Addr(),
		"path", d.config.Metrics.Path,
	)
	return nil
}

// writePIDFile writes the current process ID to the PID file.
func (d *Daemon) writePIDFile() error {
	if d.pidFile == "" {
		return nil
	}

	pid := os.Getpid()
	data := []byte(strconv.Itoa(pid) + "\n")

	if err := os.WriteFile(d.pidFile, data, 0644); err != nil {
		return fmt.Errorf("failed to write PID file %s: %w", d.pidFile, err)
	}

	slog.Debug("PID file written", "path", d.pidFile, "pid", pid)
	return nil
}

// removePIDFile removes the PID file.
func (d *Daemon) removePIDFile() error {
	if d.pidFile == "" {
		return nil
	}

	if err := os.Remove(d.pidFile); err != nil && !os.IsNotExist(err) {
		return fmt.Errorf("failed to remove PID file %s: %w", d.pidFile, err)
	}

	slog.Debug("PID file removed", "path", d.pidFile)
	return nil
}
