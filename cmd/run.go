package cmd

import (
	"fmt"

	"github.com/spf13/cobra"

	"firestige.xyz/ethctl/internal/config"
	"firestige.xyz/ethctl/internal/daemon"
)

var pidFile string

// runCmd represents the run command
var runCmd = &cobra.Command{
	Use:   "run",
	Short: "Bring up the device and run until interrupted",
	Long: `Run ethctl in the foreground.

The daemon will:
  1. Load configuration and initialize logging
  2. Create the sink and assemble the board on the configured transport
  3. Start the metrics server
  4. Reset and configure every chip, program the address filter
  5. Service interrupts and poll links until SIGTERM or SIGINT
  6. Reload logging on SIGHUP`,
	RunE: func(cmd *cobra.Command, args []string) error {
		var d *daemon.Daemon
		if configFile != "" {
			var err error
			if d, err = daemon.New(configFile, pidFile); err != nil {
				return err
			}
		} else {
			cfg, err := config.Default()
			if err != nil {
				return err
			}
			d = daemon.NewWithConfig(cfg, pidFile)
		}
		if err := d.Start(); err != nil {
			d.Stop()
			return fmt.Errorf("failed to start: %w", err)
		}
		return d.Run()
	},
}

func init() {
	runCmd.Flags().StringVarP(&pidFile, "pidfile", "p", "",
		"PID file path (none when empty)")
}
