package cluster

import (
	"encoding/json"
	"errors"
	"fmt"
	"regexp"
	"sort"
)

// ErrConfig is matched by every cluster definition validation failure.
var ErrConfig = errors.New("cluster configuration error")

// ConfigError describes why a stored cluster definition is unusable.
type ConfigError struct {
	Service string
	Reason  string
}

func (e *ConfigError) Error() string {
	return fmt.Sprintf("cluster %s: %s", e.Service, e.Reason)
}

func (e *ConfigError) Is(target error) bool { return target == ErrConfig }

func configErr(service, format string, args ...interface{}) error {
	return &ConfigError{Service: service, Reason: fmt.Sprintf(format, args...)}
}

// NameSet is a set of node or datacenter names. It decodes from either a
// JSON string or a list of strings, and encodes a single member as a string.
type NameSet []string

func (s *NameSet) UnmarshalJSON(data []byte) error {
	var one string
	if err := json.Unmarshal(data, &one); err == nil {
		if one == "" {
			*s = nil
		} else {
			*s = NameSet{one}
		}
		return nil
	}
	var many []string
	if err := json.Unmarshal(data, &many); err != nil {
		return fmt.Errorf("expected a name or a list of names: %w", err)
	}
	*s = many
	return nil
}

func (s NameSet) MarshalJSON() ([]byte, error) {
	if len(s) == 1 {
		return json.Marshal(s[0])
	}
	return json.Marshal([]string(s))
}

// Definition is the JSON document stored under cluster/<env>/<service>.
// Filter maps host regexes to per-host-group definitions of the same shape.
type Definition struct {
	ActiveNodes       []string              `json:"active_nodes,omitempty"`
	StandbyNodes      []string              `json:"standby_nodes,omitempty"`
	ActiveDatacenter  NameSet               `json:"active_datacenter,omitempty"`
	StandbyDatacenter NameSet               `json:"standby_datacenter,omitempty"`
	Lock              bool                  `json:"lock,omitempty"`
	Filter            map[string]Definition `json:"filter,omitempty"`
}

// Decode parses a stored definition.
func Decode(service string, raw []byte) (*Definition, error) {
	var def Definition
	if err := json.Unmarshal(raw, &def); err != nil {
		return nil, configErr(service, "malformed definition: %v", err)
	}
	return &def, nil
}

// Encode serialises def for storage.
func (def *Definition) Encode() ([]byte, error) {
	return json.Marshal(def)
}

func (def *Definition) usesDatacenters() bool {
	return len(def.ActiveDatacenter) > 0 || len(def.StandbyDatacenter) > 0
}

// Select returns the definition that applies to host, along with the filter
// key that selected it ("" when there is no filter). Filter keys are regexes
// matched from the start of the hostname; exactly one must match.
func (def *Definition) Select(service, host string) (Definition, string, error) {
	if len(def.Filter) == 0 {
		return *def, "", nil
	}

	var matched []string
	for pattern := range def.Filter {
		re, err := regexp.Compile("^(?:" + pattern + ")")
		if err != nil {
			return Definition{}, "", configErr(service, "invalid filter pattern %q: %v", pattern, err)
		}
		if re.MatchString(host) {
			matched = append(matched, pattern)
		}
	}
	sort.Strings(matched)

	switch len(matched) {
	case 0:
		return Definition{}, "", configErr(service, "no filter pattern matches host %s", host)
	case 1:
	default:
		return Definition{}, "", configErr(service, "filter patterns %q all match host %s", matched, host)
	}

	inner := def.Filter[matched[0]]
	if len(inner.Filter) > 0 {
		return Definition{}, "", configErr(service, "filter %q must not contain a nested filter", matched[0])
	}
	// A lock set on the outer document still applies to every host group.
	inner.Lock = inner.Lock || def.Lock
	return inner, matched[0], nil
}

// target returns a pointer to the definition a filter key addresses, so that
// role swaps rewrite only the selected host group.
func (def *Definition) target(filterKey string) (*Definition, bool) {
	if filterKey == "" {
		return def, true
	}
	inner, ok := def.Filter[filterKey]
	if !ok {
		return nil, false
	}
	return &inner, true
}

func (def *Definition) store(filterKey string, inner *Definition) {
	if filterKey == "" {
		*def = *inner
		return
	}
	def.Filter[filterKey] = *inner
}

// normalize de-duplicates and sorts names, dropping blanks.
func normalize(names []string) []string {
	seen := make(map[string]struct{}, len(names))
	out := make([]string, 0, len(names))
	for _, n := range names {
		if n == "" {
			continue
		}
		if _, dup := seen[n]; dup {
			continue
		}
		seen[n] = struct{}{}
		out = append(out, n)
	}
	sort.Strings(out)
	return out
}
