// Package cmd implements CLI commands using cobra framework.
package cmd

import (
	"github.com/spf13/cobra"

	"firestige.xyz/ethctl/internal/config"
	"firestige.xyz/ethctl/internal/daemon"
)

var (
	// Global flags
	configFile string
	socketPath string
)

// rootCmd represents the base command when called without any subcommands
var rootCmd = &cobra.Command{
	Use:   "ethctl",
	Short: "ethctl - SPI Ethernet controller and switch manager",
	Long: `ethctl brings up an Ethernet controller attached over SPI, runs its
interrupt and link handling, and hands received frames and link changes to a
sink (console or Kafka).

Supported parts:
  - EMAC with a LAN8720 PHY or fronting a KSZ9477 switch
  - W5100S in MACRAW mode
  - KSZ9477 management (forwarding table, port states)

Every chip also has a register-exact simulation selected with
transport.type: sim.`,
	Version:      daemon.Version,
	SilenceUsage: true,
}

// Execute adds all child commands to the root command and sets flags appropriately.
// This is called by main.main(). It only needs to happen once to the rootCmd.
func Execute() error {
	return rootCmd.Execute()
}

func init() {
	rootCmd.PersistentFlags().StringVarP(&configFile, "config", "c", "",
		"config file path (built-in defaults when empty)")
	rootCmd.PersistentFlags().StringVarP(&socketPath, "socket", "s", "",
		"control socket of a running daemon (default control.socket)")

	rootCmd.AddCommand(runCmd)
	rootCmd.AddCommand(validateCmd)
	rootCmd.AddCommand(fdbCmd)
	rootCmd.AddCommand(portCmd)
	rootCmd.AddCommand(filterCmd)
	rootCmd.AddCommand(versionCmd)
	rootCmd.AddCommand(statusCmd)
	rootCmd.AddCommand(reloadCmd)
	rootCmd.AddCommand(stopCmd)
}

// loadConfig loads --config, or the defaults when it is empty.
func loadConfig() (*config.GlobalConfig, error) {
	if configFile == "" {
		return config.Default()
	}
	return config.Load(configFile)
}

// controlSocket resolves --socket, falling back to control.socket.
func controlSocket(cfg *config.GlobalConfig) string {
	if socketPath != "" {
		return socketPath
	}
	return cfg.Control.Socket
}
