package failover

import (
	"context"
	"fmt"
	"path/filepath"

	"github.com/rs/zerolog"
	"powerconsul-go/pkg/cluster"
	"powerconsul-go/pkg/svcctl"
)

// Services is the local service control the agent needs.
type Services interface {
	Start(ctx context.Context, names ...string) error
	Stop(ctx context.Context, names ...string) error
	NoopLock() svcctl.Flag
}

// Agent answers the handshake on a cluster member. It runs once per signal
// change, from a watch on the node's signal keys.
//
// A marker file in the state directory records that this node acknowledged
// a START, so that the closing NULL is only acted on by nodes that took
// part in the handshake.
type Agent struct {
	signals  *cluster.Signals
	services Services
	host     string
	stateDir string
	logger   zerolog.Logger
}

// NewAgent creates the handshake agent for host.
func NewAgent(signals *cluster.Signals, services Services, host, stateDir string, logger zerolog.Logger) *Agent {
	return &Agent{
		signals:  signals,
		services: services,
		host:     host,
		stateDir: stateDir,
		logger:   logger.With().Str("component", "agent").Str("node", host).Logger(),
	}
}

func (a *Agent) marker(service string, dir cluster.Direction) svcctl.Flag {
	return svcctl.Flag{Path: filepath.Join(a.stateDir, fmt.Sprintf("%s.%s", service, dir))}
}

// Demote handles this node's demote signal. On START local services are
// stopped under the noop lock before acknowledging; on the closing NULL the
// lock is released.
func (a *Agent) Demote(ctx context.Context, service string, locals []string) error {
	sig, err := a.signals.Get(ctx, service, a.host, cluster.Demote)
	if err != nil {
		return err
	}
	marker := a.marker(service, cluster.Demote)
	log := a.logger.With().Str("service", service).Str("signal", sig.String()).Logger()

	switch {
	case sig == cluster.SignalStart:
		lock := a.services.NoopLock()
		if err := lock.Set("demoting " + service); err != nil {
			return err
		}
		if err := a.services.Stop(ctx, locals...); err != nil {
			if cerr := lock.Clear(); cerr != nil {
				log.Warn().Err(cerr).Msg("Failed to release noop lock")
			}
			return fmt.Errorf("failed to stop %s for demotion: %w", service, err)
		}
		if err := marker.Set(string(cluster.Demote)); err != nil {
			return err
		}
		if err := a.signals.Set(ctx, service, a.host, cluster.Demote, cluster.SignalWaiting); err != nil {
			return err
		}
		log.Info().Strs("services", locals).Msg("Demoted, waiting for coordinator")
	case sig == cluster.SignalNull && marker.IsSet():
		if err := marker.Clear(); err != nil {
			return err
		}
		if err := a.services.NoopLock().Clear(); err != nil {
			return err
		}
		log.Info().Msg("Demotion finished")
	default:
		log.Debug().Msg("Nothing to do")
	}
	return nil
}

// Promote handles this node's promote signal. On START the node takes the
// noop lock and acknowledges; on the closing NULL, after the roles have
// been swapped, it starts local services and releases the lock.
func (a *Agent) Promote(ctx context.Context, service string, locals []string) error {
	sig, err := a.signals.Get(ctx, service, a.host, cluster.Promote)
	if err != nil {
		return err
	}
	marker := a.marker(service, cluster.Promote)
	log := a.logger.With().Str("service", service).Str("signal", sig.String()).Logger()

	switch {
	case sig == cluster.SignalStart:
		if err := a.services.NoopLock().Set("promoting " + service); err != nil {
			return err
		}
		if err := marker.Set(string(cluster.Promote)); err != nil {
			return err
		}
		if err := a.signals.Set(ctx, service, a.host, cluster.Promote, cluster.SignalWaiting); err != nil {
			return err
		}
		log.Info().Msg("Ready for promotion, waiting for coordinator")
	case sig == cluster.SignalNull && marker.IsSet():
		if err := a.services.Start(ctx, locals...); err != nil {
			return fmt.Errorf("failed to start %s after promotion: %w", service, err)
		}
		if err := marker.Clear(); err != nil {
			return err
		}
		if err := a.services.NoopLock().Clear(); err != nil {
			return err
		}
		log.Info().Strs("services", locals).Msg("Promoted")
	default:
		log.Debug().Msg("Nothing to do")
	}
	return nil
}
