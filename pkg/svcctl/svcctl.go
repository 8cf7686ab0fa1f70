// Package svcctl starts, stops and inspects local services through the
// system's service command.
package svcctl

import (
	"context"
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/rs/zerolog"
	"powerconsul-go/pkg/config"
	"powerconsul-go/pkg/script"
)

// runningMarkers are the status output fragments init systems print for a
// running service (sysvinit, upstart, systemd).
var runningMarkers = []string{"is running", "start/running", "currently running", "active (running)"}

// Controller drives local services. While it restarts a service it holds
// the noop lock so that checks on this node don't report the gap.
type Controller struct {
	exec    script.Executor
	command string
	grace   time.Duration
	lock    Flag
	logger  zerolog.Logger
}

// NewController creates a Controller using cfg.Command and holding noopFile
// as the noop lock during restarts.
func NewController(cfg *config.ServicesConfig, noopFile string, exec script.Executor, logger zerolog.Logger) *Controller {
	return &Controller{
		exec:    exec,
		command: cfg.Command,
		grace:   cfg.Grace,
		lock:    Flag{Path: noopFile},
		logger:  logger.With().Str("component", "svcctl").Logger(),
	}
}

// NoopLock returns the flag that suppresses check failures on this node.
func (c *Controller) NoopLock() Flag {
	return c.lock
}

// Running reports whether name is running according to its status output.
func (c *Controller) Running(ctx context.Context, name string) (bool, string, error) {
	res, err := c.exec.Run(ctx, nil, c.command, name, "status")
	if err != nil {
		return false, "", fmt.Errorf("failed to get status of %s: %w", name, err)
	}
	out := strings.TrimSpace(string(res.Output))
	for _, m := range runningMarkers {
		if strings.Contains(out, m) {
			return true, out, nil
		}
	}
	return false, out, nil
}

// Start starts each of names in order.
func (c *Controller) Start(ctx context.Context, names ...string) error {
	return c.each(ctx, "start", names)
}

// Stop stops names in reverse order, so a list given in start order tears
// down dependents first.
func (c *Controller) Stop(ctx context.Context, names ...string) error {
	reversed := make([]string, len(names))
	for i, name := range names {
		reversed[len(names)-1-i] = name
	}
	return c.each(ctx, "stop", reversed)
}

// Restart stops names, waits for the grace period and starts them again,
// all under the noop lock.
func (c *Controller) Restart(ctx context.Context, names ...string) error {
	return c.WithNoopLock(func() error {
		if err := c.Stop(ctx, names...); err != nil {
			return err
		}
		select {
		case <-time.After(c.grace):
		case <-ctx.Done():
			return ctx.Err()
		}
		return c.Start(ctx, names...)
	})
}

// WithNoopLock runs fn with the noop lock held. A lock already held by
// someone else is left in place afterwards.
func (c *Controller) WithNoopLock(fn func() error) error {
	if c.lock.IsSet() {
		return fn()
	}
	if err := c.lock.Set(fmt.Sprintf("pid %d", os.Getpid())); err != nil {
		return err
	}
	defer func() {
		if err := c.lock.Clear(); err != nil {
			c.logger.Warn().Err(err).Msg("Failed to release noop lock")
		}
	}()
	return fn()
}

func (c *Controller) each(ctx context.Context, verb string, names []string) error {
	for _, name := range names {
		res, err := c.exec.Run(ctx, nil, c.command, name, verb)
		if err != nil {
			return fmt.Errorf("failed to %s %s: %w", verb, name, err)
		}
		if res.ExitCode != 0 {
			return fmt.Errorf("failed to %s %s: exit %d: %s", verb, name, res.ExitCode, strings.TrimSpace(string(res.Output)))
		}
		c.logger.Info().Str("service", name).Str("action", verb).Msg("Service action completed")
	}
	return nil
}
