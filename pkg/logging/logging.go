// Package logging builds the zerolog logger for a single powerconsul invocation.
package logging

import (
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"

	"github.com/rs/zerolog"
	"gopkg.in/natefinch/lumberjack.v2"
	"powerconsul-go/pkg/config"
)

// Options selects per-invocation overrides on top of config.
type Options struct {
	// Command names the log file (<dir>/<command>.log).
	Command string
	// Debug forces debug level and console output.
	Debug bool
	// Console forces console output regardless of config.
	Console bool
}

// New returns a logger and a closer for the underlying writer.
func New(cfg *config.LoggingConfig, opts Options) (zerolog.Logger, io.Closer, error) {
	level, err := zerolog.ParseLevel(strings.ToLower(cfg.Level))
	if err != nil || level == zerolog.NoLevel {
		level = zerolog.InfoLevel
	}
	if opts.Debug {
		level = zerolog.DebugLevel
	}
	zerolog.TimeFieldFormat = zerolog.TimeFormatUnix

	var (
		out    io.Writer
		closer io.Closer = nopCloser{}
	)

	switch {
	case opts.Debug || opts.Console || cfg.Destination == "stderr":
		out = zerolog.ConsoleWriter{Out: os.Stderr}
	case cfg.Destination == "file":
		name := opts.Command
		if name == "" {
			name = "powerconsul"
		}
		if err := os.MkdirAll(cfg.Dir, 0755); err != nil {
			return zerolog.Nop(), nil, fmt.Errorf("failed to create log directory: %w", err)
		}
		lj := &lumberjack.Logger{
			Filename:   filepath.Join(cfg.Dir, name+".log"),
			MaxSize:    cfg.MaxSizeMB,
			MaxBackups: cfg.MaxBackups,
			Compress:   true,
		}
		out, closer = lj, lj
	case cfg.Destination == "none":
		return zerolog.Nop(), closer, nil
	default:
		return zerolog.Nop(), nil, fmt.Errorf("unknown log destination %q", cfg.Destination)
	}

	logger := zerolog.New(out).Level(level).With().Timestamp().Logger()
	if opts.Command != "" {
		logger = logger.With().Str("command", opts.Command).Logger()
	}
	return logger, closer, nil
}

type nopCloser struct{}

func (nopCloser) Close() error { return nil }
