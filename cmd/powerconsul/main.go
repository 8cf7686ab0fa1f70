package main

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"
	"powerconsul-go/pkg/config"
)

var (
	// Version info (set by ldflags)
	version = "dev"

	// Flags
	configPath string
	debug      bool
)

// exitError carries a process exit code out of a command. err may be nil
// when the command already reported its outcome on stdout.
type exitError struct {
	code int
	err  error
}

func (e *exitError) Error() string {
	if e.err == nil {
		return fmt.Sprintf("exit status %d", e.code)
	}
	return e.err.Error()
}

func (e *exitError) Unwrap() error { return e.err }

func exitWith(code int, err error) error {
	return &exitError{code: code, err: err}
}

func newRootCmd() *cobra.Command {
	rootCmd := &cobra.Command{
		Use:   "powerconsul",
		Short: "Active/standby service checks and failover on top of Consul",
		Long: `powerconsul evaluates the health of local resources against the role this
node holds in its service cluster, and coordinates failover between the
active and standby nodes through Consul KV.

Checks (run by the Consul agent):
  powerconsul check service -s nginx
  powerconsul check process -n '-C haproxy -c 1:'

Failover (run by an operator on a standby node):
  powerconsul service start-primary --consul-service nginx`,
		Version:       version,
		SilenceErrors: true,
		SilenceUsage:  true,
	}

	rootCmd.PersistentFlags().StringVar(&configPath, "config", config.DefaultPath, "config file path")
	rootCmd.PersistentFlags().BoolVar(&debug, "debug", false, "enable debug logging to the console")

	rootCmd.AddCommand(
		newCheckCmd(),
		newServiceCmd(),
		newTriggerCmd(),
		newClusterCmd(),
		newConfigCmd(),
	)
	return rootCmd
}

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	err := newRootCmd().ExecuteContext(ctx)
	stop()
	if err == nil {
		return
	}

	var ee *exitError
	if errors.As(err, &ee) {
		if ee.err != nil {
			fmt.Fprintf(os.Stderr, "Error: %v\n", ee.err)
		}
		os.Exit(ee.code)
	}
	fmt.Fprintf(os.Stderr, "Error: %v\n", err)
	os.Exit(1)
}
