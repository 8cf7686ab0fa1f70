package check

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"powerconsul-go/pkg/script"
)

// Observation is what a probe saw.
type Observation struct {
	Up       bool
	Degraded bool
	Output   string
}

// Probe inspects one local resource.
type Probe interface {
	// Kind names the resource type, e.g. "service".
	Kind() string
	// Resource identifies the resource in check output.
	Resource() map[string]string
	Actual(ctx context.Context) (Observation, error)
}

// Expecting is implemented by probes whose idea of "up" depends on the
// state the resource is expected to be in.
type Expecting interface {
	Expect(on bool)
}

// ServiceRunner reports whether a local service is running.
type ServiceRunner interface {
	Running(ctx context.Context, name string) (bool, string, error)
}

// ServiceProbe checks a single init-managed service.
type ServiceProbe struct {
	services ServiceRunner
	name     string
}

func NewServiceProbe(services ServiceRunner, name string) *ServiceProbe {
	return &ServiceProbe{services: services, name: name}
}

func (p *ServiceProbe) Kind() string { return "service" }

func (p *ServiceProbe) Resource() map[string]string {
	return map[string]string{"service": p.name}
}

func (p *ServiceProbe) Actual(ctx context.Context) (Observation, error) {
	up, out, err := p.services.Running(ctx, p.name)
	if err != nil {
		return Observation{}, err
	}
	return Observation{Up: up, Output: out}, nil
}

// ServiceGroupProbe checks several services as one unit. When the group is
// expected on it is up only if every member runs; when expected off, a
// single running member keeps it up.
type ServiceGroupProbe struct {
	services ServiceRunner
	names    []string
	on       bool
}

func NewServiceGroupProbe(services ServiceRunner, names []string) *ServiceGroupProbe {
	return &ServiceGroupProbe{services: services, names: names, on: true}
}

func (p *ServiceGroupProbe) Kind() string { return "servicegroup" }

func (p *ServiceGroupProbe) Resource() map[string]string {
	return map[string]string{"services": strings.Join(p.names, ",")}
}

func (p *ServiceGroupProbe) Expect(on bool) { p.on = on }

func (p *ServiceGroupProbe) Actual(ctx context.Context) (Observation, error) {
	if len(p.names) == 0 {
		return Observation{}, errors.New("service group is empty")
	}
	allUp, anyUp := true, false
	var states []string
	for _, name := range p.names {
		up, _, err := p.services.Running(ctx, name)
		if err != nil {
			return Observation{}, err
		}
		allUp = allUp && up
		anyUp = anyUp || up
		state := "stopped"
		if up {
			state = "running"
		}
		states = append(states, name+"="+state)
	}
	obs := Observation{Output: strings.Join(states, ", ")}
	if p.on {
		obs.Up = allUp
	} else {
		obs.Up = anyUp
	}
	return obs, nil
}

// ScriptProbe runs a Nagios-style plugin and maps its exit code:
// 0 up, 1 up but degraded, 2 down. Anything else is a probe error.
type ScriptProbe struct {
	exec script.Executor
	kind string
	path string
	args []string
}

// NewScriptProbe creates a probe for an arbitrary plugin.
func NewScriptProbe(exec script.Executor, path string, args []string) *ScriptProbe {
	return &ScriptProbe{exec: exec, kind: "script", path: path, args: args}
}

// NewProcessProbe runs check_procs from pluginDir with the given arguments.
func NewProcessProbe(exec script.Executor, pluginDir, args string) *ScriptProbe {
	return &ScriptProbe{
		exec: exec,
		kind: "process",
		path: filepath.Join(pluginDir, "check_procs"),
		args: strings.Fields(args),
	}
}

func (p *ScriptProbe) Kind() string { return p.kind }

func (p *ScriptProbe) Resource() map[string]string {
	return map[string]string{
		"script": p.path,
		"args":   strings.Join(p.args, " "),
	}
}

func (p *ScriptProbe) Actual(ctx context.Context) (Observation, error) {
	res, err := p.exec.Run(ctx, nil, p.path, p.args...)
	if err != nil {
		return Observation{}, err
	}
	out := strings.TrimSpace(string(res.Output))
	switch res.ExitCode {
	case 0:
		return Observation{Up: true, Output: out}, nil
	case 1:
		return Observation{Up: true, Degraded: true, Output: out}, nil
	case 2:
		return Observation{Up: false, Output: out}, nil
	default:
		return Observation{Output: out}, fmt.Errorf("%s returned unknown state %d: %s", p.path, res.ExitCode, out)
	}
}

// CrontabProbe is up when the user's crontab is installed.
type CrontabProbe struct {
	dir  string
	user string
}

func NewCrontabProbe(dir, user string) *CrontabProbe {
	return &CrontabProbe{dir: dir, user: user}
}

func (p *CrontabProbe) Kind() string { return "crontab" }

func (p *CrontabProbe) Resource() map[string]string {
	return map[string]string{"user": p.user}
}

func (p *CrontabProbe) Actual(ctx context.Context) (Observation, error) {
	path := filepath.Join(p.dir, p.user)
	fi, err := os.Stat(path)
	switch {
	case err == nil && fi.Mode().IsRegular():
		return Observation{Up: true, Output: path}, nil
	case err == nil, errors.Is(err, os.ErrNotExist):
		return Observation{Up: false}, nil
	default:
		return Observation{}, fmt.Errorf("failed to stat %s: %w", path, err)
	}
}
