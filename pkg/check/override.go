package check

import (
	"context"
	"os"
	"regexp"

	"github.com/shirou/gopsutil/v4/process"
)

// ProcessLister returns the command lines of running processes.
type ProcessLister interface {
	Cmdlines(ctx context.Context) ([]string, error)
}

// processTable reads the live process table, excluding this process so that
// a --ps-match argument never matches itself.
type processTable struct{}

func (processTable) Cmdlines(ctx context.Context) ([]string, error) {
	procs, err := process.ProcessesWithContext(ctx)
	if err != nil {
		return nil, err
	}
	self := int32(os.Getpid())
	out := make([]string, 0, len(procs))
	for _, p := range procs {
		if p.Pid == self {
			continue
		}
		cmd, err := p.CmdlineWithContext(ctx)
		if err != nil || cmd == "" {
			continue
		}
		out = append(out, cmd)
	}
	return out, nil
}

// psMatch reports whether any running process matches re.
func psMatch(ctx context.Context, procs ProcessLister, re *regexp.Regexp) (string, bool, error) {
	cmdlines, err := procs.Cmdlines(ctx)
	if err != nil {
		return "", false, err
	}
	for _, cmd := range cmdlines {
		if re.MatchString(cmd) {
			return cmd, true, nil
		}
	}
	return "", false, nil
}
