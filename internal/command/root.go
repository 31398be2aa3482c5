package command

import "github.com/spf13/cobra"

func NewRootCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:          "relay",
		Short:        "Shell & reachability relay",
		SilenceUsage: true,
	}

	cmd.AddCommand(
		newServeCmd(),
		newProbeCmd(),
		newConsoleCmd(),
	)

	return cmd
}
