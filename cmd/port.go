package cmd

import (
	"fmt"
	"strconv"

	"github.com/spf13/cobra"

	"firestige.xyz/ethctl/internal/core"
	"firestige.xyz/ethctl/internal/device"
)

var portCmd = &cobra.Command{
	Use:   "port",
	Short: "Inspect and control switch ports",
}

var portStateCmd = &cobra.Command{
	Use:   "state <port> [disabled|listening|learning|forwarding]",
	Short: "Show or set the spanning tree state of a port",
	Args:  cobra.RangeArgs(1, 2),
	RunE: func(cmd *cobra.Command, args []string) error {
		n, err := strconv.ParseUint(args[0], 10, 8)
		if err != nil {
			return fmt.Errorf("port %q: %w", args[0], core.ErrInvalidPort)
		}
		port := uint8(n)
		return withSwitch(cmd.Context(), func(sw device.Switch) error {
			if len(args) == 2 {
				st, err := core.ParsePortState(args[1])
				if err != nil {
					return err
				}
				if err := sw.SetPortState(port, st); err != nil {
					return err
				}
			}
			st, err := sw.PortState(port)
			if err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "port %d: %s\n", port, st)
			return nil
		})
	},
}

func init() {
	portCmd.AddCommand(portStateCmd)
}
