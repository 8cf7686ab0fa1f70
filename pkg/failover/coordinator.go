// Package failover moves the active role of a node-grouped cluster from the
// current active nodes to the standby nodes through a signal handshake in
// the KV store.
package failover

import (
	"context"
	"errors"
	"fmt"
	"io"
	"time"

	"github.com/dustin/go-humanize"
	"github.com/fatih/color"
	"github.com/rs/zerolog"
	"github.com/sony/gobreaker"
	"golang.org/x/time/rate"
	"powerconsul-go/pkg/cluster"
	"powerconsul-go/pkg/config"
	"powerconsul-go/pkg/core"
	"powerconsul-go/pkg/metrics"
)

var (
	// ErrHandshakeTimeout means a node did not acknowledge in time. The
	// descriptor is not rewritten.
	ErrHandshakeTimeout = errors.New("handshake timed out")
	// ErrNotStandby means the local node is not in the standby group.
	ErrNotStandby = errors.New("local node is not a standby")
)

// Coordinator drives a failover from a standby node.
type Coordinator struct {
	descriptors *cluster.Store
	signals     *cluster.Signals
	host        string
	interval    time.Duration
	timeout     time.Duration
	maxFailures uint32
	out         io.Writer
	metrics     metrics.Recorder
	logger      zerolog.Logger
}

// NewCoordinator creates a Coordinator. Progress is written to rt.Out.
func NewCoordinator(rt *core.Runtime, descriptors *cluster.Store, signals *cluster.Signals) *Coordinator {
	cfg := rt.Config.Failover
	maxFailures := cfg.MaxReadFailures
	if maxFailures == 0 {
		maxFailures = 1
	}
	interval := cfg.PollInterval
	if interval <= 0 {
		interval = config.DefaultPollInterval
	}
	return &Coordinator{
		descriptors: descriptors,
		signals:     signals,
		host:        rt.Identity.Host,
		interval:    interval,
		timeout:     cfg.Timeout,
		maxFailures: maxFailures,
		out:         rt.Out,
		metrics:     rt.Metrics,
		logger:      rt.Logger.With().Str("component", "failover").Logger(),
	}
}

// StartPrimary makes the standby group active. Active nodes are demoted and
// standby nodes promoted, each acknowledging before the next phase starts;
// only then are the groups swapped in the descriptor, with the lock set.
func (c *Coordinator) StartPrimary(ctx context.Context, service string) (err error) {
	start := time.Now()
	defer func() {
		c.metrics.IncCounter(metrics.FailoverTotal, metrics.Labels{"service": service, "result": outcome(err)})
	}()

	d, err := c.descriptors.Load(ctx, service)
	if err != nil {
		return err
	}
	switch {
	case !d.Clustered:
		return fmt.Errorf("%s: %w", service, cluster.ErrNotClustered)
	case d.GroupBy != cluster.GroupNodes:
		return fmt.Errorf("%s is grouped by %s; failover requires node grouping", service, d.GroupBy)
	case !d.HasStandby():
		return fmt.Errorf("%s has no standby nodes", service)
	case !d.IsStandby(c.host):
		return fmt.Errorf("%s on %s: %w", service, c.host, ErrNotStandby)
	}

	log := c.logger.With().Str("service", service).Strs("active", d.Active).Strs("standby", d.Standby).Logger()
	log.Info().Msg("Starting failover")

	if c.timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, c.timeout)
		defer cancel()
	}

	if err := c.phase(ctx, service, "demote", d.Active, cluster.Demote); err != nil {
		return err
	}
	if err := c.phase(ctx, service, "promote", d.Standby, cluster.Promote); err != nil {
		return err
	}

	swapStart := time.Now()
	if err := c.descriptors.SwapRoles(ctx, d); err != nil {
		return fmt.Errorf("failed to swap roles of %s: %w", service, err)
	}
	c.observe(service, "swap", swapStart)
	log.Info().Msg("Roles swapped, cluster locked")

	for _, node := range d.Active {
		if err := c.signals.Clear(ctx, service, node, cluster.Demote); err != nil {
			return err
		}
	}
	for _, node := range d.Standby {
		if err := c.signals.Clear(ctx, service, node, cluster.Promote); err != nil {
			return err
		}
	}

	fmt.Fprintf(c.out, "failover of %s complete (took %s)\n", service, humanize.RelTime(start, time.Now(), "", ""))
	log.Info().Dur("elapsed", time.Since(start)).Msg("Failover complete")
	return nil
}

// phase signals START to every node, then waits for every node to answer.
func (c *Coordinator) phase(ctx context.Context, service, name string, nodes []string, dir cluster.Direction) error {
	started := time.Now()
	for _, node := range nodes {
		if err := c.signals.Set(ctx, service, node, dir, cluster.SignalStart); err != nil {
			return err
		}
	}
	for _, node := range nodes {
		if err := c.await(ctx, service, node, dir); err != nil {
			return err
		}
	}
	c.observe(service, name, started)
	return nil
}

// await polls node's signal until it reads WAIT. Reads are paced by the
// poll interval; consecutive read failures beyond the configured limit
// trip a breaker and abort the wait.
func (c *Coordinator) await(ctx context.Context, service, node string, dir cluster.Direction) error {
	fmt.Fprintf(c.out, "waiting for %s %s ... ", node, dir)

	limiter := rate.NewLimiter(rate.Every(c.interval), 1)
	cb := gobreaker.NewCircuitBreaker(gobreaker.Settings{
		Name:        fmt.Sprintf("%s/%s/%s", service, node, dir),
		MaxRequests: 1,
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			return counts.ConsecutiveFailures >= c.maxFailures
		},
	})

	var lastErr error
	for {
		if err := limiter.Wait(ctx); err != nil {
			fmt.Fprintln(c.out, color.RedString("FAILED"))
			return c.waitErr(ctx, node, dir, lastErr)
		}

		v, err := cb.Execute(func() (interface{}, error) {
			return c.signals.Get(ctx, service, node, dir)
		})
		if err != nil {
			lastErr = err
			c.logger.Warn().Err(err).Str("node", node).Str("direction", string(dir)).Msg("Failed to read signal")
			if cb.State() == gobreaker.StateOpen {
				fmt.Fprintln(c.out, color.RedString("FAILED"))
				return fmt.Errorf("giving up on %s %s after %d failed reads: %w", node, dir, c.maxFailures, err)
			}
			continue
		}
		if v.(cluster.Signal) == cluster.SignalWaiting {
			fmt.Fprintln(c.out, color.GreenString("SUCCESS"))
			return nil
		}
	}
}

// waitErr explains why a wait ended: the caller cancelled, or the
// handshake ran out of time.
func (c *Coordinator) waitErr(ctx context.Context, node string, dir cluster.Direction, lastErr error) error {
	if errors.Is(ctx.Err(), context.Canceled) {
		return ctx.Err()
	}
	if lastErr != nil {
		return fmt.Errorf("%w: %s did not %s (last error: %v)", ErrHandshakeTimeout, node, dir, lastErr)
	}
	return fmt.Errorf("%w: %s did not %s", ErrHandshakeTimeout, node, dir)
}

func (c *Coordinator) observe(service, phase string, since time.Time) {
	c.metrics.ObserveHistogram(metrics.FailoverPhaseSeconds, metrics.Labels{"service": service, "phase": phase}, time.Since(since).Seconds())
}

func outcome(err error) string {
	switch {
	case err == nil:
		return "success"
	case errors.Is(err, ErrHandshakeTimeout):
		return "timeout"
	case errors.Is(err, cluster.ErrConflict):
		return "conflict"
	default:
		return "error"
	}
}
