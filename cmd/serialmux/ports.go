package main

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/bft-labs/serialmux/internal/transport"
)

func newPortsCommand() *cobra.Command {
	var bauds bool
	cmd := &cobra.Command{
		Use:   "ports",
		Short: "List serial devices present on this host",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			out := cmd.OutOrStdout()
			if bauds {
				for _, b := range transport.SupportedBauds() {
					fmt.Fprintln(out, b)
				}
				return nil
			}
			ports, err := transport.ListPorts()
			if err != nil {
				return err
			}
			if len(ports) == 0 {
				fmt.Fprintln(cmd.ErrOrStderr(), "no serial devices found")
				return nil
			}
			for _, p := range ports {
				fmt.Fprintln(out, p)
			}
			return nil
		},
	}
	cmd.Flags().BoolVar(&bauds, "bauds", false, "list supported baud rates instead")
	return cmd
}
