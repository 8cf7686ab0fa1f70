package main

import (
	"context"
	"fmt"
	"io"

	"github.com/rs/zerolog"
	"powerconsul-go/pkg/check"
	"powerconsul-go/pkg/cluster"
	"powerconsul-go/pkg/config"
	"powerconsul-go/pkg/core"
	"powerconsul-go/pkg/failover"
	"powerconsul-go/pkg/health"
	"powerconsul-go/pkg/logging"
	"powerconsul-go/pkg/metrics"
	"powerconsul-go/pkg/script"
	"powerconsul-go/pkg/store"
	"powerconsul-go/pkg/svcctl"
)

// app is everything one invocation needs, built once in bootstrap.
type app struct {
	rt          *core.Runtime
	descriptors *cluster.Store
	signals     *cluster.Signals
	health      *health.Aggregator
	services    *svcctl.Controller
	closer      io.Closer
}

// bootstrap loads config, sets up logging and connects to Consul. console
// selects console logging for operator-facing commands.
func bootstrap(ctx context.Context, command string, console bool) (*app, error) {
	cfg, err := config.Load(configPath)
	if err != nil {
		return nil, fmt.Errorf("error loading configuration: %w", err)
	}

	logger, closer, err := logging.New(&cfg.Logging, logging.Options{Command: command, Debug: debug, Console: console})
	if err != nil {
		return nil, err
	}

	backend, err := store.NewConsul(&cfg.Consul, logger)
	if err != nil {
		closer.Close()
		return nil, err
	}

	a, err := newApp(ctx, cfg, logger, backend)
	if err != nil {
		closer.Close()
		return nil, err
	}
	a.closer = closer
	return a, nil
}

// newApp wires components over backend.
func newApp(ctx context.Context, cfg *config.Config, logger zerolog.Logger, backend store.Backend) (*app, error) {
	var rec metrics.Recorder = metrics.NewNoopRecorder()
	if cfg.Metrics.Enabled {
		rec = metrics.NewPrometheusRecorder()
	}

	namer := core.NewNamer(cfg.Node.PatternCompiled)
	id, err := core.ResolveIdentity(ctx, cfg.Node.Hostname, cfg.Consul.Datacenter, namer, backend)
	if err != nil {
		return nil, err
	}
	rt := core.NewRuntime(cfg, logger.With().Str("node", id.Host).Logger(), backend, rec, id)

	exec := script.NewCommandExecutor(cfg.Checks.Timeout, rt.Logger)
	return &app{
		rt:          rt,
		descriptors: cluster.NewStore(backend, backend, id, cfg.Cluster.KeyPrefix, rt.Logger),
		signals:     cluster.NewSignals(backend, rt.Logger),
		health:      health.NewAggregator(backend, id, namer, cfg.ServiceFilterCompiled, rt.Logger),
		services:    svcctl.NewController(&cfg.Services, cfg.Checks.NoopFile, exec, rt.Logger),
	}, nil
}

func (a *app) checkEngine() *check.Engine {
	return check.NewEngine(a.rt, a.descriptors, a.health, a.signals)
}

func (a *app) coordinator() *failover.Coordinator {
	return failover.NewCoordinator(a.rt, a.descriptors, a.signals)
}

func (a *app) agent() *failover.Agent {
	return failover.NewAgent(a.signals, a.services, a.rt.Identity.Host, a.rt.Config.Failover.StateDir, a.rt.Logger)
}

func (a *app) triggerRunner() *script.Runner {
	cfg := a.rt.Config
	exec := script.NewCommandExecutor(cfg.Triggers.Timeout, a.rt.Logger)
	return script.NewRunner(a.rt.Logger, exec, cfg.Triggers.TmpDir, cfg.Checks.CrontabDir)
}

// close flushes metrics and the log writer.
func (a *app) close() {
	if a.rt.Config.Metrics.Enabled {
		if err := a.rt.Metrics.WriteTextfile(a.rt.Config.Metrics.Textfile); err != nil {
			a.rt.Logger.Warn().Err(err).Msg("Failed to write metrics textfile")
		}
	}
	if a.closer != nil {
		a.closer.Close()
	}
}
