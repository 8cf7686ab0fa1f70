// Package check decides what state a local resource should be in, given
// the cluster descriptor and peer health, and compares it to what a probe
// observes.
package check

import (
	"context"
	"errors"
	"fmt"
	"regexp"
	"time"

	"github.com/rs/zerolog"
	"powerconsul-go/pkg/cluster"
	"powerconsul-go/pkg/config"
	"powerconsul-go/pkg/core"
	"powerconsul-go/pkg/health"
	"powerconsul-go/pkg/metrics"
	"powerconsul-go/pkg/store"
	"powerconsul-go/pkg/svcctl"
)

// Request describes one check invocation.
type Request struct {
	// Service is the Consul service the descriptor and health are keyed by.
	Service string
	// ServiceID is the local agent's service instance, for maintenance mode.
	ServiceID string
	Probe     Probe
	// Expects is the requested state for unclustered services.
	Expects bool
	// PSMatch forces a pass when a running process matches it.
	PSMatch string
}

// Engine evaluates checks.
type Engine struct {
	descriptors *cluster.Store
	health      *health.Aggregator
	signals     *cluster.Signals
	kv          store.KV
	agent       store.Agent
	procs       ProcessLister
	noop        svcctl.Flag
	cfg         config.ChecksConfig
	triggers    string
	metrics     metrics.Recorder
	logger      zerolog.Logger
}

// NewEngine creates an Engine from the invocation runtime.
func NewEngine(rt *core.Runtime, descriptors *cluster.Store, agg *health.Aggregator, signals *cluster.Signals) *Engine {
	return &Engine{
		descriptors: descriptors,
		health:      agg,
		signals:     signals,
		kv:          rt.Backend,
		agent:       rt.Backend,
		procs:       processTable{},
		noop:        svcctl.Flag{Path: rt.Config.Checks.NoopFile},
		cfg:         rt.Config.Checks,
		triggers:    rt.Config.Triggers.KeyPrefix,
		metrics:     rt.Metrics,
		logger:      rt.Logger.With().Str("component", "check").Logger(),
	}
}

// Run evaluates req. Failures to read the descriptor or peer health are
// returned as errors; a failing probe is a Critical result.
func (e *Engine) Run(ctx context.Context, req Request) (Result, error) {
	start := time.Now()
	log := e.logger.With().Str("service", req.Service).Str("type", req.Probe.Kind()).Logger()

	d, err := e.descriptors.Load(ctx, req.Service)
	if err != nil {
		return Result{}, err
	}
	role := cluster.Resolve(d)

	expected, err := e.expected(ctx, d, role, req.Expects)
	if err != nil {
		return Result{}, err
	}

	res := Result{
		Type:      req.Probe.Kind(),
		Resource:  req.Probe.Resource(),
		Expects:   expected,
		Clustered: d.Clustered,
		Active:    role != cluster.RoleSecondary,
		Role:      role,
	}

	override, err := e.override(ctx, req.PSMatch)
	if err != nil {
		return Result{}, err
	}

	if override != "" {
		res.Override = override
		res.Verdict = Passing
		log.Info().Str("override", override).Msg("Check forced to pass")
	} else {
		if p, ok := req.Probe.(Expecting); ok {
			p.Expect(expected)
		}
		obs, perr := req.Probe.Actual(ctx)
		res.Output = obs.Output
		if perr != nil {
			res.Verdict = Critical
			res.Error = perr.Error()
			log.Error().Err(perr).Msg("Probe failed")
		} else {
			res.Verdict = evaluate(expected, obs)
		}
	}

	log.Info().
		Bool("expects", expected).
		Str("role", role.String()).
		Str("state", res.Verdict.String()).
		Msg("Check evaluated")

	if res.Verdict == Passing {
		e.settle(ctx, req, d, role, expected)
	}
	res.Action = e.action(ctx, req.Service, role, res.Verdict)

	labels := metrics.Labels{"service": req.Service, "type": res.Type}
	e.metrics.SetGauge(metrics.CheckVerdict, labels, float64(res.Verdict.ExitCode()))
	e.metrics.ObserveHistogram(metrics.CheckDuration, metrics.Labels{"type": res.Type}, time.Since(start).Seconds())
	return res, nil
}

// expected returns whether the resource should be on.
func (e *Engine) expected(ctx context.Context, d *cluster.Descriptor, role cluster.Role, requested bool) (bool, error) {
	if !d.Clustered {
		return requested, nil
	}
	if role != cluster.RoleSecondary {
		return true, nil
	}
	if d.Locked {
		return false, nil
	}
	passing, err := e.health.AnyPassing(ctx, d)
	if err != nil {
		return false, err
	}
	return !passing, nil
}

// override returns a description of what forced the check to pass, or ""
// when nothing did.
func (e *Engine) override(ctx context.Context, pattern string) (string, error) {
	if e.noop.IsSet() {
		return "noop file " + e.noop.Path, nil
	}
	if pattern == "" {
		return "", nil
	}
	re, err := regexp.Compile(pattern)
	if err != nil {
		return "", fmt.Errorf("invalid process match %q: %w", pattern, err)
	}
	cmd, ok, err := psMatch(ctx, e.procs, re)
	if err != nil {
		e.logger.Warn().Err(err).Msg("Failed to read process table")
		return "", nil
	}
	if ok {
		return "process " + cmd, nil
	}
	return "", nil
}

// settle runs the best-effort side effects of a passing check: routing via
// maintenance mode, and releasing the post-failover lock once the cluster
// has converged. Maintenance is only managed for services with a standby
// group, so an operator's manual maintenance elsewhere is left alone.
func (e *Engine) settle(ctx context.Context, req Request, d *cluster.Descriptor, role cluster.Role, expected bool) {
	if req.ServiceID != "" && d.HasStandby() {
		reason := fmt.Sprintf("powerconsul: %s is %s", req.Service, role)
		if err := e.agent.SetMaintenance(ctx, req.ServiceID, !expected, reason); err != nil {
			e.logger.Warn().Err(err).Str("service_id", req.ServiceID).Msg("Failed to set maintenance mode")
		}
	}

	if !d.Clustered || !d.Locked || role != cluster.RolePrimary {
		return
	}
	converged, err := e.converged(ctx, d)
	if err != nil {
		e.logger.Warn().Err(err).Str("service", d.Service).Msg("Failed to determine cluster state")
		return
	}
	if !converged {
		e.logger.Debug().Str("service", d.Service).Msg("Cluster not settled, keeping lock")
		return
	}
	if err := e.descriptors.Unlock(ctx, d); err != nil {
		if errors.Is(err, cluster.ErrConflict) {
			e.logger.Warn().Err(err).Str("service", d.Service).Msg("Descriptor changed while unlocking")
			return
		}
		e.logger.Error().Err(err).Str("service", d.Service).Msg("Failed to unlock cluster")
		return
	}
	e.logger.Info().Str("service", d.Service).Msg("Cluster settled, lock cleared")
}

// converged reports whether every active member passes and no node still
// has a handshake in flight.
func (e *Engine) converged(ctx context.Context, d *cluster.Descriptor) (bool, error) {
	records, err := e.health.ClusterStatus(ctx, d)
	if err != nil {
		return false, err
	}
	var active []health.Record
	for _, r := range records {
		member := r.Node
		if d.GroupBy == cluster.GroupDatacenter {
			member = r.Datacenter
		}
		if d.IsActive(member) {
			active = append(active, r)
		}
	}
	if !health.AllPassing(active) {
		return false, nil
	}
	if d.GroupBy != cluster.GroupNodes {
		return true, nil
	}
	pending, err := e.signals.Pending(ctx, d.Service, d.Members())
	if err != nil {
		return false, err
	}
	return !pending, nil
}

// TriggerKey is where the action for a role and state is stored.
func TriggerKey(prefix, service string, role cluster.Role, state string) string {
	return fmt.Sprintf("%s/%s/%s/%s", prefix, service, role, state)
}

// action returns the hint for the operator or watch handler.
func (e *Engine) action(ctx context.Context, service string, role cluster.Role, v Verdict) string {
	if v == Passing {
		return e.cfg.DefaultAction
	}
	key := TriggerKey(e.triggers, service, role, v.String())
	pair, err := e.kv.Get(ctx, key)
	if err != nil {
		e.logger.Warn().Err(err).Str("key", key).Msg("Failed to read trigger action")
		return e.cfg.DefaultAction
	}
	if pair == nil || len(pair.Value) == 0 {
		return e.cfg.DefaultAction
	}
	return string(pair.Value)
}
