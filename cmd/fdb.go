package cmd

import (
	"context"
	"fmt"
	"io"
	"os"
	"strconv"
	"strings"

	"github.com/spf13/cobra"
	"gopkg.in/yaml.v3"

	"firestige.xyz/ethctl/internal/control"
	"firestige.xyz/ethctl/internal/core"
	"firestige.xyz/ethctl/internal/daemon"
	"firestige.xyz/ethctl/internal/device"
	"firestige.xyz/ethctl/internal/fdb"
)

// discard is the stack of a board opened only for management access.
type discard struct{}

func (discard) NotifyLinkChange(uint8, core.LinkState)  {}
func (discard) DeliverReceivedFrame([]byte, core.RxMeta) {}
func (discard) SignalTransmitReady()                     {}

// onBoard runs after a management board is built; tests preload simulated
// hardware through it.
var onBoard = func(*daemon.Board) {}

// withSwitch runs fn against the switch of a running daemon when its control
// socket exists, and otherwise opens the configured board without resetting it.
func withSwitch(ctx context.Context, fn func(sw device.Switch) error) error {
	cfg, err := loadConfig()
	if err != nil {
		return err
	}
	if path := controlSocket(cfg); path != "" {
		if _, err := os.Stat(path); err == nil {
			c := control.NewClient(path, cfg.Control.Timeout)
			return fn(c.Switch(ctx))
		}
	}
	if !cfg.Device.HasSwitch() {
		return fmt.Errorf("device.chip %q has no switch: %w", cfg.Device.Chip, core.ErrUnsupported)
	}
	b, err := daemon.BuildBoard(cfg, discard{})
	if err != nil {
		return err
	}
	defer b.Close()
	onBoard(b)

	sw, ok := b.Device.Switch()
	if !ok {
		return core.ErrUnsupported
	}
	return fn(sw)
}

// entryView is the YAML rendering of a forwarding entry.
type entryView struct {
	Index    *int   `yaml:"index,omitempty"`
	MAC      string `yaml:"mac"`
	Ports    []int  `yaml:"ports,omitempty,flow"`
	Host     bool   `yaml:"host,omitempty"`
	SrcPort  uint8  `yaml:"src_port,omitempty"`
	Override bool   `yaml:"override,omitempty"`
}

func viewOf(e core.FdbEntry) entryView {
	v := entryView{MAC: e.MAC.String(), SrcPort: e.SrcPort, Override: e.Override}
	for p := 1; p <= 31; p++ {
		if e.DestPorts&(1<<(p-1)) != 0 {
			v.Ports = append(v.Ports, p)
		}
	}
	v.Host = e.DestPorts&core.CPUPortMask != 0
	return v
}

func writeYAML(w io.Writer, v any) error {
	enc := yaml.NewEncoder(w)
	enc.SetIndent(2)
	if err := enc.Encode(v); err != nil {
		return err
	}
	return enc.Close()
}

// parsePorts turns "1,3" into a destination mask. "host" selects the host port.
func parsePorts(s string) (uint32, error) {
	var mask uint32
	for _, f := range strings.Split(s, ",") {
		f = strings.TrimSpace(f)
		if f == "" {
			continue
		}
		if f == "host" {
			mask |= core.CPUPortMask
			continue
		}
		n, err := strconv.Atoi(f)
		if err != nil || n < 1 || n > 31 {
			return 0, fmt.Errorf("port %q: %w", f, core.ErrInvalidPort)
		}
		mask |= 1 << (n - 1)
	}
	return mask, nil
}

var fdbCmd = &cobra.Command{
	Use:   "fdb",
	Short: "Manage the switch forwarding database",
	Long: `Inspect and modify the KSZ9477 address lookup tables of the configured
device. Commands go through the control socket of a running daemon when it
exists, and otherwise access the switch registers directly without a reset.`,
}

var (
	fdbPorts    string
	fdbOverride bool
	fdbPort     int
	fdbStatic   bool
)

var fdbAddCmd = &cobra.Command{
	Use:   "add <mac>",
	Short: "Add or update a static entry",
	Example: `  ethctl fdb add 00:11:22:33:44:66 --ports 1,3
  ethctl fdb add 01:80:c2:00:00:0e --ports host --override`,
	Args: cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		mac, err := core.ParseMAC(args[0])
		if err != nil {
			return err
		}
		mask, err := parsePorts(fdbPorts)
		if err != nil {
			return err
		}
		e := core.FdbEntry{MAC: mac, DestPorts: mask, Override: fdbOverride}
		return withSwitch(cmd.Context(), func(sw device.Switch) error {
			if err := sw.AddStaticEntry(e); err != nil {
				return err
			}
			return writeYAML(cmd.OutOrStdout(), viewOf(e))
		})
	},
}

var fdbDelCmd = &cobra.Command{
	Use:   "del <mac>",
	Short: "Delete a static entry",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		mac, err := core.ParseMAC(args[0])
		if err != nil {
			return err
		}
		return withSwitch(cmd.Context(), func(sw device.Switch) error {
			if err := sw.DeleteStaticEntry(mac); err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "deleted %s\n", mac)
			return nil
		})
	},
}

var fdbGetCmd = &cobra.Command{
	Use:   "get <index>",
	Short: "Read one static table slot",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		index, err := strconv.Atoi(args[0])
		if err != nil {
			return fmt.Errorf("index %q: %w", args[0], err)
		}
		return withSwitch(cmd.Context(), func(sw device.Switch) error {
			e, err := sw.GetStaticEntry(index)
			if err != nil {
				return err
			}
			v := viewOf(e)
			v.Index = &index
			return writeYAML(cmd.OutOrStdout(), v)
		})
	},
}

var fdbListCmd = &cobra.Command{
	Use:   "list",
	Short: "List valid static entries",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		return withSwitch(cmd.Context(), func(sw device.Switch) error {
			entries, err := sw.ListStaticEntries()
			if err != nil {
				return err
			}
			return writeYAML(cmd.OutOrStdout(), views(entries))
		})
	},
}

var fdbDumpCmd = &cobra.Command{
	Use:   "dump",
	Short: "Dump learned (dynamic) entries",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		return withSwitch(cmd.Context(), func(sw device.Switch) error {
			entries, err := sw.DumpDynamic()
			if err != nil {
				return err
			}
			return writeYAML(cmd.OutOrStdout(), views(entries))
		})
	},
}

var fdbFlushCmd = &cobra.Command{
	Use:   "flush",
	Short: "Flush learned entries, or the static table with --static",
	Example: `  ethctl fdb flush            # every learned entry
  ethctl fdb flush --port 2   # entries learned on port 2
  ethctl fdb flush --static   # every static slot`,
	Args: cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		return withSwitch(cmd.Context(), func(sw device.Switch) error {
			if fdbStatic {
				if err := sw.FlushStatic(); err != nil {
					return err
				}
				fmt.Fprintln(cmd.OutOrStdout(), "flushed static table")
				return nil
			}
			if err := sw.FlushDynamic(fdbPort); err != nil {
				return err
			}
			if fdbPort == fdb.AllPorts {
				fmt.Fprintln(cmd.OutOrStdout(), "flushed dynamic table")
			} else {
				fmt.Fprintf(cmd.OutOrStdout(), "flushed dynamic entries of port %d\n", fdbPort)
			}
			return nil
		})
	},
}

var fdbAgingCmd = &cobra.Command{
	Use:   "aging <seconds>",
	Short: "Set the dynamic entry aging time",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		s, err := strconv.ParseUint(args[0], 10, 32)
		if err != nil {
			return fmt.Errorf("seconds %q: %w", args[0], core.ErrConfigInvalid)
		}
		return withSwitch(cmd.Context(), func(sw device.Switch) error {
			sw.SetAgingTime(uint32(s))
			if r, ok := sw.(interface{ Err() error }); ok && r.Err() != nil {
				return r.Err()
			}
			fmt.Fprintf(cmd.OutOrStdout(), "aging time %ds (period register %d)\n", s, fdb.AgingPeriod(uint32(s)))
			return nil
		})
	},
}

func views(entries []core.FdbEntry) []entryView {
	out := make([]entryView, 0, len(entries))
	for _, e := range entries {
		out = append(out, viewOf(e))
	}
	return out
}

func init() {
	fdbAddCmd.Flags().StringVar(&fdbPorts, "ports", "", "destination ports, e.g. 1,3 or host")
	fdbAddCmd.Flags().BoolVar(&fdbOverride, "override", false, "forward even when the port state blocks")
	fdbFlushCmd.Flags().IntVar(&fdbPort, "port", fdb.AllPorts, "flush only entries learned on this port")
	fdbFlushCmd.Flags().BoolVar(&fdbStatic, "static", false, "clear the static table instead")

	fdbCmd.AddCommand(fdbAddCmd, fdbDelCmd, fdbGetCmd, fdbListCmd, fdbDumpCmd, fdbFlushCmd, fdbAgingCmd)
}
