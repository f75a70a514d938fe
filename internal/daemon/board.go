package daemon

import (
	"errors"
	"fmt"
	"io"
	"log/slog"

	"github.com/mitchellh/mapstructure"

	"firestige.xyz/ethctl/internal/chip/emac"
	"firestige.xyz/ethctl/internal/chip/ksz9477"
	"firestige.xyz/ethctl/internal/chip/lan8720"
	"firestige.xyz/ethctl/internal/chip/w5100s"
	"firestige.xyz/ethctl/internal/config"
	"firestige.xyz/ethctl/internal/core"
	"firestige.xyz/ethctl/internal/device"
	"firestige.xyz/ethctl/internal/mii"
	"firestige.xyz/ethctl/internal/regio"
	"firestige.xyz/ethctl/internal/sim"
)

// ChipOptions are the chip specific settings carried in device.options.
type ChipOptions struct {
	PHYAddr    uint8 `mapstructure:"phy_addr"`
	MaxRxBurst int   `mapstructure:"max_rx_burst"`
	TxBufferKB int   `mapstructure:"tx_buffer_kb"`
	RxBufferKB int   `mapstructure:"rx_buffer_kb"`
}

// DecodeChipOptions decodes device.options, rejecting unknown keys.
func DecodeChipOptions(raw map[string]any) (ChipOptions, error) {
	opts := ChipOptions{PHYAddr: 1}
	dec, err := mapstructure.NewDecoder(&mapstructure.DecoderConfig{
		Result:           &opts,
		WeaklyTypedInput: true,
		ErrorUnused:      true,
	})
	if err != nil {
		return opts, err
	}
	if err := dec.Decode(raw); err != nil {
		return opts, fmt.Errorf("%w: device.options: %v", core.ErrConfigInvalid, err)
	}
	if opts.PHYAddr > 31 {
		return opts, fmt.Errorf("%w: device.options.phy_addr %d out of range", core.ErrConfigInvalid, opts.PHYAddr)
	}
	return opts, nil
}

// Hardware holds the simulated chips of a board built with transport type
// "sim". Fields for chips the board lacks are nil.
type Hardware struct {
	EMAC   *sim.EMAC
	PHY    *sim.PHY
	Switch *sim.KSZ9477
	W5100S *sim.W5100S
}

// Board is a device wired to its buses.
type Board struct {
	Device *device.Device
	// Sim is set when the board runs on simulated hardware.
	Sim *Hardware

	closers []io.Closer
}

// Close releases the buses.
func (b *Board) Close() error {
	var errs []error
	for _, c := range b.closers {
		errs = append(errs, c.Close())
	}
	b.closers = nil
	return errors.Join(errs...)
}

// busFactory returns the bus for one chip select.
type busFactory func(sc config.SPIConfig, hw func() regio.Bus) (regio.Bus, error)

// BuildBoard creates the chip drivers named by cfg.Device.Chip on the
// configured transport and assembles them into a device reporting to stack.
func BuildBoard(cfg *config.GlobalConfig, stack core.Stack) (*Board, error) {
	opts, err := DecodeChipOptions(cfg.Device.Options)
	if err != nil {
		return nil, err
	}

	b := &Board{}
	var open busFactory
	switch cfg.Transport.Type {
	case "sim":
		b.Sim = &Hardware{}
		open = func(_ config.SPIConfig, hw func() regio.Bus) (regio.Bus, error) { return hw(), nil }
	case "spidev":
		open = func(sc config.SPIConfig, _ func() regio.Bus) (regio.Bus, error) {
			dev, err := regio.OpenSpidev(sc.Path, sc.Mode, sc.SpeedHz)
			if err != nil {
				return nil, err
			}
			b.closers = append(b.closers, dev)
			return dev, nil
		}
	default:
		return nil, fmt.Errorf("%w: transport %q", core.ErrConfigInvalid, cfg.Transport.Type)
	}

	mac, link, err := b.chips(cfg, opts, open)
	if err != nil {
		_ = b.Close()
		return nil, err
	}

	dev, err := device.New(device.Config{
		Name:         cfg.Device.Name,
		Station:      cfg.Device.StationMAC,
		Poll:         poller(cfg),
		TickInterval: cfg.Device.TickInterval,
	}, mac, link, stack)
	if err != nil {
		_ = b.Close()
		return nil, err
	}
	b.Device = dev
	slog.Info("board assembled", "device", cfg.Device.Name, "chip", cfg.Device.Chip, "transport", cfg.Transport.Type)
	return b, nil
}

func poller(cfg *config.GlobalConfig) regio.Poller {
	return regio.Poller{Retries: cfg.Poll.Retries, Interval: cfg.Poll.Interval, Device: cfg.Device.Name}
}

func (b *Board) chips(cfg *config.GlobalConfig, opts ChipOptions, open busFactory) (device.Driver, device.Link, error) {
	name := cfg.Device.Name
	up := core.LinkState{Up: true, Speed: core.Speed100, Duplex: core.DuplexFull}

	newEMAC := func() (*emac.MAC, error) {
		bus, err := open(cfg.Transport.MAC, func() regio.Bus {
			var mdio mii.Bus
			if b.Sim.PHY != nil {
				mdio = b.Sim.PHY
			}
			b.Sim.EMAC = sim.NewEMAC(mdio)
			return b.Sim.EMAC
		})
		if err != nil {
			return nil, fmt.Errorf("mac bus: %w", err)
		}
		tx, rx, err := emac.Layout(cfg.Ring.TxCount, cfg.Ring.RxCount, cfg.Ring.BufferSize, cfg.Ring.Chained)
		if err != nil {
			return nil, err
		}
		return emac.New(regio.NewSPI(bus, regio.KSZFraming{}, regio.WithName(name)), emac.Options{
			Name:       name,
			Station:    cfg.Device.StationMAC,
			Poll:       poller(cfg),
			Tx:         tx,
			Rx:         rx,
			MaxRxBurst: opts.MaxRxBurst,
		})
	}

	newSwitch := func() (*ksz9477.Switch, error) {
		bus, err := open(cfg.Transport.Switch, func() regio.Bus {
			b.Sim.Switch = sim.NewKSZ9477()
			for p := 1; p <= ksz9477.Port5; p++ {
				b.Sim.Switch.SetLink(p, up)
			}
			return b.Sim.Switch
		})
		if err != nil {
			return nil, fmt.Errorf("switch bus: %w", err)
		}
		sc := cfg.Switch
		return ksz9477.New(regio.NewSPI(bus, regio.KSZFraming{}, regio.WithName(name+"/sw")), ksz9477.Options{
			Name:              name + "/sw",
			Poll:              poller(cfg),
			TailTagging:       sc.TailTagging,
			SourceOffset:      sc.SourceOffset,
			AgingSeconds:      sc.AgingSeconds,
			IGMPSnooping:      sc.IGMPSnooping,
			MLDSnooping:       sc.MLDSnooping,
			UnknownMcastPorts: PortMask(sc.UnknownMulticastPorts),
			ReservedMcast:     sc.ReservedMulticast,
		}), nil
	}

	switch cfg.Device.Chip {
	case config.ChipEMACLAN8720:
		if b.Sim != nil {
			b.Sim.PHY = sim.NewPHY(opts.PHYAddr)
			b.Sim.PHY.SetLink(up)
		}
		mac, err := newEMAC()
		if err != nil {
			return nil, nil, err
		}
		return mac, lan8720.New(mac, opts.PHYAddr, name+"/phy"), nil

	case config.ChipEMACKSZ9477:
		mac, err := newEMAC()
		if err != nil {
			return nil, nil, err
		}
		sw, err := newSwitch()
		if err != nil {
			return nil, nil, err
		}
		return mac, sw, nil

	case config.ChipEMAC:
		mac, err := newEMAC()
		if err != nil {
			return nil, nil, err
		}
		return mac, nil, nil

	case config.ChipKSZ9477:
		sw, err := newSwitch()
		if err != nil {
			return nil, nil, err
		}
		return nil, sw, nil

	case config.ChipW5100S:
		bus, err := open(cfg.Transport.MAC, func() regio.Bus {
			b.Sim.W5100S = sim.NewW5100S()
			b.Sim.W5100S.SetLink(up)
			return b.Sim.W5100S
		})
		if err != nil {
			return nil, nil, fmt.Errorf("mac bus: %w", err)
		}
		mac, err := w5100s.New(regio.NewSPI(bus, regio.WiznetFraming{}, regio.WithName(name)), w5100s.Options{
			Name:       name,
			Station:    cfg.Device.StationMAC,
			Poll:       poller(cfg),
			TxBufferKB: opts.TxBufferKB,
			RxBufferKB: opts.RxBufferKB,
			MaxRxBurst: opts.MaxRxBurst,
		})
		if err != nil {
			return nil, nil, err
		}
		return mac, mac, nil
	}
	return nil, nil, fmt.Errorf("%w: chip %q", core.ErrConfigInvalid, cfg.Device.Chip)
}

// PortMask converts 1-based port numbers to a destination mask. Port 0 is
// the host port.
func PortMask(ports []uint8) uint32 {
	var m uint32
	for _, p := range ports {
		if p == 0 {
			m |= core.CPUPortMask
		} else {
			m |= 1 << (p - 1)
		}
	}
	return m
}
