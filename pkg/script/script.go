package script

import (
	"context"
	"encoding/base64"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"regexp"
	"strings"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
)

// builtinPrefix marks actions implemented in-process.
const builtinPrefix = "builtin:"

// Runner executes trigger actions fetched from KV.
type Runner struct {
	logger     zerolog.Logger
	exec       Executor
	tmpDir     string
	crontabDir string
}

// Whitelist of characters passed through to the environment unencoded.
var safeCharPattern = regexp.MustCompile(`^[a-zA-Z0-9@._/:-]+$`)

// NewRunner creates a new trigger action runner.
func NewRunner(logger zerolog.Logger, exec Executor, tmpDir, crontabDir string) *Runner {
	return &Runner{
		logger:     logger.With().Str("component", "script").Logger(),
		exec:       exec,
		tmpDir:     tmpDir,
		crontabDir: crontabDir,
	}
}

// sanitizeEnvValue base64-encodes values that could confuse a shell.
func sanitizeEnvValue(value string) string {
	if !safeCharPattern.MatchString(value) {
		return "b64:" + base64.StdEncoding.EncodeToString([]byte(value))
	}
	return value
}

// setEnvStr adds a sanitized key-value pair, skipping empty values.
func setEnvStr(env []string, key, value string) []string {
	if value == "" {
		return env
	}
	return append(env, fmt.Sprintf("%s=%s", key, sanitizeEnvValue(value)))
}

// buildEnv exposes vars to the action as POWERCONSUL_<KEY>.
func buildEnv(vars map[string]string) []string {
	env := os.Environ()
	for k, v := range vars {
		env = setEnvStr(env, "POWERCONSUL_"+strings.ToUpper(k), v)
	}
	return env
}

// Run executes action. Three forms are understood:
//
//	#!/bin/bash ...            a script body, written to a temp file and run
//	builtin:<name> <args>      an in-process action
//	/path/to/cmd arg ...       a command line, split on whitespace
//
// An empty action does nothing.
func (r *Runner) Run(ctx context.Context, action string, vars map[string]string) (Result, error) {
	action = strings.TrimSpace(action)
	switch {
	case action == "":
		return Result{}, nil
	case strings.HasPrefix(action, "#!"):
		return r.runBody(ctx, action, vars)
	case strings.HasPrefix(action, builtinPrefix):
		return Result{}, r.runBuiltin(strings.TrimPrefix(action, builtinPrefix))
	default:
		fields := strings.Fields(action)
		r.logger.Info().Str("command", fields[0]).Msg("Executing trigger command")
		return r.exec.Run(ctx, buildEnv(vars), fields[0], fields[1:]...)
	}
}

func (r *Runner) runBody(ctx context.Context, body string, vars map[string]string) (Result, error) {
	path := filepath.Join(r.tmpDir, "trigger_"+uuid.NewString()+".sh")
	if err := os.WriteFile(path, []byte(body+"\n"), 0700); err != nil {
		return Result{}, fmt.Errorf("failed to write trigger script: %w", err)
	}
	defer os.Remove(path)

	r.logger.Info().Str("script", path).Msg("Executing trigger script")
	return r.exec.Run(ctx, buildEnv(vars), path)
}

func (r *Runner) runBuiltin(line string) error {
	fields := strings.Fields(line)
	if len(fields) != 2 {
		return fmt.Errorf("builtin action %q: expected '<name> <user>'", line)
	}
	name, user := fields[0], fields[1]
	if strings.ContainsAny(user, "/.") {
		return fmt.Errorf("builtin action %q: invalid user %q", name, user)
	}

	enabled := filepath.Join(r.crontabDir, user)
	disabled := enabled + ".disabled"

	var from, to string
	switch name {
	case "enable-crontab":
		from, to = disabled, enabled
	case "disable-crontab":
		from, to = enabled, disabled
	default:
		return fmt.Errorf("unsupported builtin action %q", name)
	}

	if _, err := os.Stat(to); err == nil {
		r.logger.Debug().Str("action", name).Str("user", user).Msg("Crontab already in requested state")
		return nil
	}
	if err := os.Rename(from, to); err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return fmt.Errorf("%s: no crontab for %s", name, user)
		}
		return fmt.Errorf("%s: %w", name, err)
	}
	r.logger.Info().Str("action", name).Str("user", user).Msg("Crontab toggled")
	return nil
}
