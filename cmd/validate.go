package cmd

import (
	"fmt"

	"github.com/spf13/cobra"
)

var validateCmd = &cobra.Command{
	Use:   "validate",
	Short: "Validate the configuration file",
	Long: `Load the configuration, apply defaults and environment overrides, and
report whether it is valid without touching hardware.

Examples:
  ethctl validate -c /etc/ethctl/ethctl.yml
  ETHCTL_DEVICE_CHIP=w5100s ethctl validate -c ethctl.yml`,
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := loadConfig()
		if err != nil {
			return fmt.Errorf("INVALID: %w", err)
		}
		fmt.Fprintf(cmd.OutOrStdout(), "VALID: device %s (%s) station %s on %s transport, sink %s\n",
			cfg.Device.Name,
			cfg.Device.Chip,
			cfg.Device.StationMAC,
			cfg.Transport.Type,
			cfg.Sink.Type,
		)
		return nil
	},
}
