package main

import (
	"fmt"

	"github.com/spf13/cobra"
	"powerconsul-go/pkg/cluster"
)

// serviceOptions are the flags shared by the service subcommands.
type serviceOptions struct {
	consulService string
	locals        []string
	force         bool
}

func newServiceCmd() *cobra.Command {
	opts := &serviceOptions{}
	cmd := &cobra.Command{
		Use:   "service",
		Short: "Control local services and cluster failover",
	}
	cmd.PersistentFlags().StringVarP(&opts.consulService, "consul-service", "c", "", "Consul service the cluster definition is keyed by")
	cmd.PersistentFlags().StringSliceVarP(&opts.locals, "service", "s", nil, "local service names (default: the Consul service)")
	cmd.MarkPersistentFlagRequired("consul-service")

	cmd.AddCommand(
		newServiceActionCmd(opts, "start", "Start local services on an active node", allowActive),
		newServiceActionCmd(opts, "stop", "Stop local services on a standby node", allowStandby),
		newServiceActionCmd(opts, "restart", "Restart local services on an active node", allowActive),
		newServiceStatusCmd(opts),
		newStartPrimaryCmd(opts),
		newHandshakeCmd(opts, cluster.Promote),
		newHandshakeCmd(opts, cluster.Demote),
	)
	return cmd
}

func (o *serviceOptions) localServices() []string {
	if len(o.locals) > 0 {
		return o.locals
	}
	return []string{o.consulService}
}

func allowActive(r cluster.Role) bool  { return r != cluster.RoleSecondary }
func allowStandby(r cluster.Role) bool { return r == cluster.RoleSecondary }

func newServiceActionCmd(opts *serviceOptions, verb, short string, allowed func(cluster.Role) bool) *cobra.Command {
	cmd := &cobra.Command{
		Use:   verb,
		Short: short,
		RunE: func(cmd *cobra.Command, args []string) error {
			a, err := bootstrap(cmd.Context(), "service", true)
			if err != nil {
				return err
			}
			defer a.close()

			d, err := a.descriptors.Load(cmd.Context(), opts.consulService)
			if err != nil {
				return err
			}
			role := cluster.Resolve(d)
			if !allowed(role) && !opts.force {
				return fmt.Errorf("refusing to %s %s on a %s node (use --force)", verb, opts.consulService, role)
			}

			names := opts.localServices()
			switch verb {
			case "start":
				err = a.services.Start(cmd.Context(), names...)
			case "stop":
				err = a.services.Stop(cmd.Context(), names...)
			default:
				err = a.services.Restart(cmd.Context(), names...)
			}
			if err != nil {
				return err
			}
			fmt.Fprintf(a.rt.Out, "%s: %s %v\n", role, verb, names)
			return nil
		},
	}
	cmd.Flags().BoolVar(&opts.force, "force", false, "act regardless of the local role")
	return cmd
}

func newServiceStatusCmd(opts *serviceOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "status",
		Short: "Show cluster members, their health and the local role",
		RunE: func(cmd *cobra.Command, args []string) error {
			a, err := bootstrap(cmd.Context(), "service", true)
			if err != nil {
				return err
			}
			defer a.close()

			d, err := a.descriptors.Load(cmd.Context(), opts.consulService)
			if err != nil {
				return err
			}
			records, err := a.health.ClusterStatus(cmd.Context(), d)
			if err != nil {
				return err
			}
			fmt.Fprint(a.rt.Out, renderStatus(d, records))
			return nil
		},
	}
}

func newStartPrimaryCmd(opts *serviceOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "start-primary",
		Short: "Fail over: make this standby node's group active",
		Long: `Demote every active node, promote every standby node, then swap the groups
in the cluster definition and lock it. Run on a standby node. Each node
must be running a watch that calls 'service promote' and 'service demote'.`,
		RunE: func(cmd *cobra.Command, args []string) error {
			a, err := bootstrap(cmd.Context(), "failover", true)
			if err != nil {
				return err
			}
			defer a.close()
			return a.coordinator().StartPrimary(cmd.Context(), opts.consulService)
		},
	}
}

func newHandshakeCmd(opts *serviceOptions, dir cluster.Direction) *cobra.Command {
	return &cobra.Command{
		Use:   string(dir),
		Short: fmt.Sprintf("Answer this node's %s signal (run from a Consul watch)", dir),
		RunE: func(cmd *cobra.Command, args []string) error {
			a, err := bootstrap(cmd.Context(), "agent", false)
			if err != nil {
				return err
			}
			defer a.close()

			agent := a.agent()
			if dir == cluster.Promote {
				return agent.Promote(cmd.Context(), opts.consulService, opts.localServices())
			}
			return agent.Demote(cmd.Context(), opts.consulService, opts.localServices())
		},
	}
}
