package check

import (
	"encoding/json"

	"powerconsul-go/pkg/cluster"
)

// Verdict is the health state a check reports to Consul.
type Verdict int

const (
	Passing Verdict = iota
	Warning
	Critical
)

func (v Verdict) String() string {
	switch v {
	case Passing:
		return "passing"
	case Warning:
		return "warning"
	default:
		return "critical"
	}
}

// ExitCode is the Consul script check exit code for v.
func (v Verdict) ExitCode() int {
	switch v {
	case Passing:
		return 0
	case Warning:
		return 1
	default:
		return 2
	}
}

// Result is the outcome of one check run.
type Result struct {
	Type      string
	Resource  map[string]string
	Expects   bool
	Clustered bool
	Active    bool
	Role      cluster.Role
	Verdict   Verdict
	Action    string
	Output    string
	Override  string
	Error     string
}

// MarshalJSON flattens the resource fields into the top-level object.
func (r Result) MarshalJSON() ([]byte, error) {
	m := make(map[string]interface{}, len(r.Resource)+10)
	for k, v := range r.Resource {
		m[k] = v
	}
	m["type"] = r.Type
	m["expects"] = r.Expects
	m["clustered"] = r.Clustered
	m["active"] = r.Active
	m["role"] = r.Role.String()
	m["state"] = r.Verdict.String()
	m["code"] = r.Verdict.ExitCode()
	if r.Action != "" {
		m["action"] = r.Action
	}
	if r.Output != "" {
		m["output"] = r.Output
	}
	if r.Override != "" {
		m["override"] = r.Override
	}
	if r.Error != "" {
		m["error"] = r.Error
	}
	return json.Marshal(m)
}

// evaluate maps an observation against the expected state.
func evaluate(expected bool, obs Observation) Verdict {
	switch {
	case expected && obs.Up && obs.Degraded:
		return Warning
	case expected && obs.Up:
		return Passing
	case !expected && !obs.Up:
		return Passing
	default:
		return Critical
	}
}
