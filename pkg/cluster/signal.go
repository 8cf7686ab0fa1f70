package cluster

import (
	"context"
	"fmt"
	"strings"

	"github.com/rs/zerolog"
	"powerconsul-go/pkg/store"
)

// Signal is one step of a per-node promote or demote handshake.
type Signal int

const (
	// SignalNull means no handshake is in progress.
	SignalNull Signal = iota
	// SignalStart is written by the coordinator to request the action.
	SignalStart
	// SignalWaiting is written by the node once it has acted.
	SignalWaiting
)

func (s Signal) String() string {
	switch s {
	case SignalStart:
		return "START"
	case SignalWaiting:
		return "WAIT"
	default:
		return "NULL"
	}
}

// ParseSignal decodes a stored value. A blank value reads as NULL.
func ParseSignal(v string) (Signal, error) {
	switch strings.TrimSpace(v) {
	case "", "NULL":
		return SignalNull, nil
	case "START":
		return SignalStart, nil
	case "WAIT":
		return SignalWaiting, nil
	default:
		return SignalNull, fmt.Errorf("unknown handshake signal %q", v)
	}
}

// Direction is which half of the handshake a signal belongs to.
type Direction string

const (
	Promote Direction = "promote"
	Demote  Direction = "demote"
)

// SignalKey is service/<service>/<node>/<direction>.
func SignalKey(service, node string, dir Direction) string {
	return "service/" + service + "/" + node + "/" + string(dir)
}

// Signals reads and writes handshake signals.
type Signals struct {
	kv     store.KV
	logger zerolog.Logger
}

// NewSignals creates a signal accessor over kv.
func NewSignals(kv store.KV, logger zerolog.Logger) *Signals {
	return &Signals{kv: kv, logger: logger.With().Str("component", "signals").Logger()}
}

// Get reads a signal; a missing key is NULL.
func (s *Signals) Get(ctx context.Context, service, node string, dir Direction) (Signal, error) {
	pair, err := s.kv.Get(ctx, SignalKey(service, node, dir))
	if err != nil {
		return SignalNull, err
	}
	if pair == nil {
		return SignalNull, nil
	}
	return ParseSignal(string(pair.Value))
}

// Set writes a signal.
func (s *Signals) Set(ctx context.Context, service, node string, dir Direction, sig Signal) error {
	key := SignalKey(service, node, dir)
	if err := s.kv.Put(ctx, key, []byte(sig.String())); err != nil {
		return fmt.Errorf("failed to write %s=%s: %w", key, sig, err)
	}
	s.logger.Debug().Str("key", key).Str("signal", sig.String()).Msg("Signal written")
	return nil
}

// Clear resets a signal to NULL.
func (s *Signals) Clear(ctx context.Context, service, node string, dir Direction) error {
	return s.Set(ctx, service, node, dir, SignalNull)
}

// Pending reports whether any of nodes has a promote or demote signal that
// isn't NULL.
func (s *Signals) Pending(ctx context.Context, service string, nodes []string) (bool, error) {
	for _, node := range nodes {
		for _, dir := range []Direction{Demote, Promote} {
			sig, err := s.Get(ctx, service, node, dir)
			if err != nil {
				return false, err
			}
			if sig != SignalNull {
				return true, nil
			}
		}
	}
	return false, nil
}
