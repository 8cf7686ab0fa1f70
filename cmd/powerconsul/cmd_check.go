package main

import (
	"encoding/json"
	"errors"
	"fmt"
	"strings"

	"github.com/spf13/cobra"
	"powerconsul-go/pkg/check"
	"powerconsul-go/pkg/script"
)

// checkOptions are the flags shared by every check subcommand.
type checkOptions struct {
	consulService string
	serviceID     string
	expects       bool
	psMatch       string
}

func newCheckCmd() *cobra.Command {
	opts := &checkOptions{}
	cmd := &cobra.Command{
		Use:   "check",
		Short: "Evaluate a local resource for a Consul script check",
		Long: `Evaluate a local resource against the state this node's cluster role
expects, print a JSON verdict and exit 0 (passing), 1 (warning) or
2 (critical).`,
	}
	cmd.PersistentFlags().StringVarP(&opts.consulService, "consul-service", "c", "", "Consul service the cluster definition and health are keyed by")
	cmd.PersistentFlags().StringVar(&opts.serviceID, "service-id", "", "local Consul service ID to toggle maintenance mode on (default: the Consul service)")
	cmd.PersistentFlags().BoolVarP(&opts.expects, "expects", "e", true, "expected state when the service is not clustered")
	cmd.PersistentFlags().StringVarP(&opts.psMatch, "ps-match", "p", "", "pass when a running process command line matches this regex")

	cmd.AddCommand(
		newCheckServiceCmd(opts),
		newCheckServiceGroupCmd(opts),
		newCheckProcessCmd(opts),
		newCheckCrontabCmd(opts),
		newCheckScriptCmd(opts),
	)
	return cmd
}

func newCheckServiceCmd(opts *checkOptions) *cobra.Command {
	var name string
	cmd := &cobra.Command{
		Use:   "service",
		Short: "Check an init-managed service",
		RunE: func(cmd *cobra.Command, args []string) error {
			return runCheck(cmd, opts, name, func(a *app) check.Probe {
				return check.NewServiceProbe(a.services, name)
			})
		},
	}
	cmd.Flags().StringVarP(&name, "service", "s", "", "local service name")
	cmd.MarkFlagRequired("service")
	return cmd
}

func newCheckServiceGroupCmd(opts *checkOptions) *cobra.Command {
	var names []string
	cmd := &cobra.Command{
		Use:   "servicegroup",
		Short: "Check several services as one unit",
		RunE: func(cmd *cobra.Command, args []string) error {
			return runCheck(cmd, opts, "", func(a *app) check.Probe {
				return check.NewServiceGroupProbe(a.services, names)
			})
		},
	}
	cmd.Flags().StringSliceVarP(&names, "service", "s", nil, "comma separated local service names")
	cmd.MarkFlagRequired("service")
	return cmd
}

func newCheckProcessCmd(opts *checkOptions) *cobra.Command {
	var nagiosArgs string
	cmd := &cobra.Command{
		Use:   "process",
		Short: "Check processes with the Nagios check_procs plugin",
		RunE: func(cmd *cobra.Command, args []string) error {
			return runCheck(cmd, opts, "", func(a *app) check.Probe {
				cfg := a.rt.Config.Checks
				return check.NewProcessProbe(script.NewCommandExecutor(cfg.Timeout, a.rt.Logger), cfg.NagiosPlugins, nagiosArgs)
			})
		},
	}
	cmd.Flags().StringVarP(&nagiosArgs, "nagios-args", "n", "", "arguments passed to check_procs")
	cmd.MarkFlagRequired("nagios-args")
	return cmd
}

func newCheckCrontabCmd(opts *checkOptions) *cobra.Command {
	var user string
	cmd := &cobra.Command{
		Use:   "crontab",
		Short: "Check that a user's crontab is installed",
		RunE: func(cmd *cobra.Command, args []string) error {
			return runCheck(cmd, opts, "", func(a *app) check.Probe {
				return check.NewCrontabProbe(a.rt.Config.Checks.CrontabDir, user)
			})
		},
	}
	cmd.Flags().StringVarP(&user, "user", "u", "", "crontab owner")
	cmd.MarkFlagRequired("user")
	return cmd
}

func newCheckScriptCmd(opts *checkOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "script -- <plugin> [args...]",
		Short: "Check with an arbitrary Nagios-style plugin",
		Args:  cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return runCheck(cmd, opts, "", func(a *app) check.Probe {
				cfg := a.rt.Config.Checks
				return check.NewScriptProbe(script.NewCommandExecutor(cfg.Timeout, a.rt.Logger), args[0], args[1:])
			})
		},
	}
}

// runCheck evaluates one probe and exits with the verdict's code. Setup and
// backend failures exit 2 so Consul marks the check critical.
func runCheck(cmd *cobra.Command, opts *checkOptions, fallbackService string, probe func(*app) check.Probe) error {
	req, err := opts.request(fallbackService)
	if err != nil {
		return exitWith(2, err)
	}

	a, err := bootstrap(cmd.Context(), "check", false)
	if err != nil {
		return exitWith(2, err)
	}
	defer a.close()

	req.Probe = probe(a)
	res, err := a.checkEngine().Run(cmd.Context(), req)
	if err != nil {
		a.rt.Logger.Error().Err(err).Str("service", req.Service).Msg("Check failed")
		return exitWith(2, err)
	}

	line, err := json.Marshal(res)
	if err != nil {
		return exitWith(2, err)
	}
	fmt.Fprintln(a.rt.Out, string(line))

	if code := res.Verdict.ExitCode(); code != 0 {
		return exitWith(code, nil)
	}
	return nil
}

func (o *checkOptions) request(fallbackService string) (check.Request, error) {
	service := strings.TrimSpace(o.consulService)
	if service == "" {
		service = fallbackService
	}
	if service == "" {
		return check.Request{}, errors.New("--consul-service is required")
	}
	id := o.serviceID
	if id == "" {
		id = service
	}
	return check.Request{
		Service:   service,
		ServiceID: id,
		Expects:   o.expects,
		PSMatch:   o.psMatch,
	}, nil
}
