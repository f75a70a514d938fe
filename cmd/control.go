package cmd

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/spf13/cobra"

	"firestige.xyz/ethctl/internal/control"
)

// dial returns a client for the running daemon.
func dial() (*control.Client, error) {
	cfg, err := loadConfig()
	if err != nil {
		return nil, err
	}
	path := controlSocket(cfg)
	if path == "" {
		return nil, errors.New("no control socket: set --socket or control.socket")
	}
	return control.NewClient(path, cfg.Control.Timeout), nil
}

var statusCmd = &cobra.Command{
	Use:   "status",
	Short: "Show the state of a running daemon",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		c, err := dial()
		if err != nil {
			return err
		}
		st, err := c.Status(cmd.Context())
		if err != nil {
			return err
		}
		return writeYAML(cmd.OutOrStdout(), st)
	},
}

var reloadCmd = &cobra.Command{
	Use:   "reload",
	Short: "Ask a running daemon to reload its configuration",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		c, err := dial()
		if err != nil {
			return err
		}
		if err := c.Reload(cmd.Context()); err != nil {
			return fmt.Errorf("reload failed: %w", err)
		}
		fmt.Fprintln(cmd.OutOrStdout(), "configuration reloaded")
		return nil
	},
}

var stopTimeout time.Duration

var stopCmd = &cobra.Command{
	Use:   "stop",
	Short: "Stop a running daemon",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		c, err := dial()
		if err != nil {
			return err
		}
		ctx, cancel := context.WithTimeout(cmd.Context(), stopTimeout)
		defer cancel()
		if err := c.Shutdown(ctx); err != nil {
			return fmt.Errorf("stop failed: %w", err)
		}
		fmt.Fprintln(cmd.OutOrStdout(), "daemon stopping")
		return nil
	},
}

func init() {
	stopCmd.Flags().DurationVar(&stopTimeout, "timeout", 5*time.Second, "time to wait for the daemon to answer")
}
