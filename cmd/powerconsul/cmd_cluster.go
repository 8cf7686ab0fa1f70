package main

import (
	"fmt"

	"github.com/spf13/cobra"
	"powerconsul-go/pkg/cluster"
)

func newClusterCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "cluster",
		Short: "Inspect cluster definitions",
	}
	cmd.AddCommand(
		&cobra.Command{
			Use:   "show <service>",
			Short: "Show the cluster definition as seen from this node",
			Args:  cobra.ExactArgs(1),
			RunE: func(cmd *cobra.Command, args []string) error {
				a, err := bootstrap(cmd.Context(), "cluster", true)
				if err != nil {
					return err
				}
				defer a.close()

				d, err := a.descriptors.Load(cmd.Context(), args[0])
				if err != nil {
					return err
				}
				fmt.Fprint(a.rt.Out, renderDescriptor(d))
				return nil
			},
		},
		&cobra.Command{
			Use:   "role <service>",
			Short: "Print this node's role in a cluster",
			Args:  cobra.ExactArgs(1),
			RunE: func(cmd *cobra.Command, args []string) error {
				a, err := bootstrap(cmd.Context(), "cluster", true)
				if err != nil {
					return err
				}
				defer a.close()

				d, err := a.descriptors.Load(cmd.Context(), args[0])
				if err != nil {
					return err
				}
				fmt.Fprintln(a.rt.Out, cluster.Resolve(d))
				return nil
			},
		},
	)
	return cmd
}
