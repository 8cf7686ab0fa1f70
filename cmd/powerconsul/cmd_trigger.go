package main

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"

	"github.com/spf13/cobra"
	"powerconsul-go/pkg/check"
	"powerconsul-go/pkg/cluster"
)

// watchCheck is the part of a Consul checks-watch payload we use.
type watchCheck struct {
	Node        string `json:"Node"`
	CheckID     string `json:"CheckID"`
	Status      string `json:"Status"`
	ServiceName string `json:"ServiceName"`
}

// serviceFromWatch returns the service named by the first check in a
// Consul watch payload.
func serviceFromWatch(r io.Reader) (string, error) {
	var checks []watchCheck
	if err := json.NewDecoder(r).Decode(&checks); err != nil {
		return "", fmt.Errorf("failed to decode watch payload: %w", err)
	}
	for _, c := range checks {
		if c.ServiceName != "" {
			return c.ServiceName, nil
		}
	}
	return "", errors.New("watch payload names no service")
}

func newTriggerCmd() *cobra.Command {
	var service string
	cmd := &cobra.Command{
		Use:       "trigger <critical|warning|passing>",
		Short:     "Run the stored action for this node's role and a check state",
		Long:      `Look up triggers/<service>/<role>/<state> and run it. Without --service the service name is read from a Consul checks watch payload on stdin.`,
		Args:      cobra.MatchAll(cobra.ExactArgs(1), cobra.OnlyValidArgs),
		ValidArgs: []string{"critical", "warning", "passing"},
		RunE: func(cmd *cobra.Command, args []string) error {
			state := args[0]
			if service == "" {
				s, err := serviceFromWatch(os.Stdin)
				if err != nil {
					return err
				}
				service = s
			}

			a, err := bootstrap(cmd.Context(), "trigger", false)
			if err != nil {
				return err
			}
			defer a.close()

			d, err := a.descriptors.Load(cmd.Context(), service)
			if err != nil {
				return err
			}
			role := cluster.Resolve(d)

			key := check.TriggerKey(a.rt.Config.Triggers.KeyPrefix, service, role, state)
			pair, err := a.rt.Backend.Get(cmd.Context(), key)
			if err != nil {
				return err
			}
			log := a.rt.Logger.With().Str("service", service).Str("role", role.String()).Str("state", state).Logger()
			if pair == nil || len(pair.Value) == 0 {
				log.Info().Str("key", key).Msg("No trigger action defined")
				return nil
			}

			res, err := a.triggerRunner().Run(cmd.Context(), string(pair.Value), map[string]string{
				"service": service,
				"role":    role.String(),
				"state":   state,
			})
			if len(res.Output) > 0 {
				a.rt.Out.Write(res.Output)
			}
			if err != nil {
				return err
			}
			log.Info().Int("exit", res.ExitCode).Msg("Trigger action finished")
			if res.ExitCode != 0 {
				return exitWith(res.ExitCode, nil)
			}
			return nil
		},
	}
	cmd.Flags().StringVarP(&service, "service", "s", "", "Consul service name (default: read from a watch payload on stdin)")
	return cmd
}
