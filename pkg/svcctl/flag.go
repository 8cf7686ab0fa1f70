package svcctl

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
)

// Flag is a presence-only file on disk. The noop lock and the failover
// handshake markers are both flags: their content is informational.
type Flag struct {
	Path string
}

// IsSet reports whether the flag file exists.
func (f Flag) IsSet() bool {
	if f.Path == "" {
		return false
	}
	_, err := os.Stat(f.Path)
	return err == nil
}

// Set creates the flag file, along with its parent directory.
func (f Flag) Set(note string) error {
	if err := os.MkdirAll(filepath.Dir(f.Path), 0755); err != nil {
		return fmt.Errorf("failed to create directory for %s: %w", f.Path, err)
	}
	if err := os.WriteFile(f.Path, []byte(note+"\n"), 0644); err != nil {
		return fmt.Errorf("failed to set %s: %w", f.Path, err)
	}
	return nil
}

// Clear removes the flag file. Clearing an unset flag is not an error.
func (f Flag) Clear() error {
	if err := os.Remove(f.Path); err != nil && !errors.Is(err, os.ErrNotExist) {
		return fmt.Errorf("failed to clear %s: %w", f.Path, err)
	}
	return nil
}
