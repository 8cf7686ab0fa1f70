// Package core holds the per-invocation runtime shared by every command.
package core

import (
	"io"
	"os"

	"github.com/rs/zerolog"
	"powerconsul-go/pkg/config"
	"powerconsul-go/pkg/metrics"
	"powerconsul-go/pkg/store"
)

// Runtime is built once per process and passed explicitly to every
// component. Nothing in powerconsul reads process-wide state.
type Runtime struct {
	Config   *config.Config
	Logger   zerolog.Logger
	Backend  store.Backend
	Metrics  metrics.Recorder
	Identity Identity
	Namer    Namer

	// Out receives machine-readable output (check verdicts) and operator
	// progress; Err receives fatal messages.
	Out io.Writer
	Err io.Writer
}

// NewRuntime fills in writers and a noop recorder when they're absent.
func NewRuntime(cfg *config.Config, logger zerolog.Logger, backend store.Backend, rec metrics.Recorder, id Identity) *Runtime {
	if rec == nil {
		rec = metrics.NewNoopRecorder()
	}
	return &Runtime{
		Config:   cfg,
		Logger:   logger,
		Backend:  backend,
		Metrics:  rec,
		Identity: id,
		Namer:    NewNamer(cfg.Node.PatternCompiled),
		Out:      os.Stdout,
		Err:      os.Stderr,
	}
}
