package cmd

import (
	"fmt"

	"github.com/spf13/cobra"

	"firestige.xyz/ethctl/internal/core"
	"firestige.xyz/ethctl/internal/filter"
)

var filterCmd = &cobra.Command{
	Use:   "filter",
	Short: "Address filter helpers",
}

var filterHashCmd = &cobra.Command{
	Use:   "hash <mac>...",
	Short: "Print the multicast hash bucket of each address",
	Args:  cobra.MinimumNArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		for _, a := range args {
			mac, err := core.ParseMAC(a)
			if err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "%s\t%d\n", mac, filter.HashIndex(mac))
		}
		return nil
	},
}

func init() {
	filterCmd.AddCommand(filterHashCmd)
}
