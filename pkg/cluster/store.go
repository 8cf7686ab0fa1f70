package cluster

import (
	"bytes"
	"context"
	"errors"
	"fmt"

	"github.com/rs/zerolog"
	"powerconsul-go/pkg/core"
	"powerconsul-go/pkg/store"
)

// ErrConflict is returned when a definition changed underneath a
// compare-and-swap write and the single retry also lost.
var ErrConflict = errors.New("cluster definition changed concurrently")

// ErrNotClustered is returned by updates to a service with no definition.
var ErrNotClustered = errors.New("service has no cluster definition")

// errUnchanged lets a mutation skip the write.
var errUnchanged = errors.New("unchanged")

// Store loads and updates cluster definitions for the local node.
type Store struct {
	kv     store.KV
	dir    store.Directory
	id     core.Identity
	prefix string
	logger zerolog.Logger
}

// NewStore creates a Store rooted at prefix (normally "cluster").
func NewStore(kv store.KV, dir store.Directory, id core.Identity, prefix string, logger zerolog.Logger) *Store {
	return &Store{
		kv:     kv,
		dir:    dir,
		id:     id,
		prefix: prefix,
		logger: logger.With().Str("component", "cluster").Logger(),
	}
}

// Key returns <prefix>/<env>/<service>; the environment segment is dropped
// when the local hostname doesn't encode one.
func (s *Store) Key(service string) string {
	if s.id.Environment == "" {
		return s.prefix + "/" + service
	}
	return s.prefix + "/" + s.id.Environment + "/" + service
}

// Load reads and validates the definition for service. A service with no
// stored definition loads as an unclustered descriptor, not an error.
func (s *Store) Load(ctx context.Context, service string) (*Descriptor, error) {
	key := s.Key(service)
	pair, err := s.kv.Get(ctx, key)
	if err != nil {
		return nil, fmt.Errorf("failed to read cluster definition: %w", err)
	}
	if pair == nil || len(bytes.TrimSpace(pair.Value)) == 0 {
		s.logger.Debug().Str("service", service).Str("key", key).Msg("No cluster definition, running unclustered")
		return &Descriptor{Service: service, Key: key, LocalIdentity: s.id.Host}, nil
	}

	def, err := Decode(service, pair.Value)
	if err != nil {
		return nil, err
	}
	eff, filterKey, err := def.Select(service, s.id.Host)
	if err != nil {
		return nil, err
	}

	var dcs []string
	if eff.usesDatacenters() {
		if dcs, err = s.dir.Datacenters(ctx); err != nil {
			return nil, fmt.Errorf("failed to list datacenters: %w", err)
		}
	}

	d, err := build(service, eff, s.id, dcs)
	if err != nil {
		return nil, err
	}
	d.Key = key
	d.FilterKey = filterKey
	d.ModifyIndex = pair.ModifyIndex

	s.logger.Debug().
		Str("service", service).
		Str("group_by", d.GroupBy.String()).
		Strs("active", d.Active).
		Strs("standby", d.Standby).
		Bool("locked", d.Locked).
		Str("role", Resolve(d).String()).
		Msg("Loaded cluster definition")
	return d, nil
}

// Update applies mutate to the stored definition with a compare-and-swap
// write. A lost race is retried once against a fresh read; losing again
// returns ErrConflict.
func (s *Store) Update(ctx context.Context, service string, mutate func(def *Definition) error) error {
	key := s.Key(service)

	for attempt := 1; attempt <= 2; attempt++ {
		pair, err := s.kv.Get(ctx, key)
		if err != nil {
			return fmt.Errorf("failed to read cluster definition: %w", err)
		}
		if pair == nil {
			return ErrNotClustered
		}

		def, err := Decode(service, pair.Value)
		if err != nil {
			return err
		}
		if err := mutate(def); err != nil {
			if errors.Is(err, errUnchanged) {
				return nil
			}
			return err
		}

		raw, err := def.Encode()
		if err != nil {
			return fmt.Errorf("failed to encode cluster definition: %w", err)
		}
		ok, err := s.kv.CAS(ctx, key, raw, pair.ModifyIndex)
		if err != nil {
			return fmt.Errorf("failed to write cluster definition: %w", err)
		}
		if ok {
			return nil
		}
		s.logger.Warn().Str("service", service).Int("attempt", attempt).Uint64("index", pair.ModifyIndex).Msg("Cluster definition changed during write")
	}
	return ErrConflict
}

// SwapRoles exchanges the active and standby groups of d's host group and
// sets the lock. It refuses with ErrConflict if the stored groups no longer
// match d, so a handshake can never swap a definition it didn't start from.
func (s *Store) SwapRoles(ctx context.Context, d *Descriptor) error {
	return s.Update(ctx, d.Service, func(def *Definition) error {
		t, ok := def.target(d.FilterKey)
		if !ok {
			return ErrConflict
		}

		switch d.GroupBy {
		case GroupNodes:
			if !sameSet(t.ActiveNodes, d.Active) || !sameSet(t.StandbyNodes, d.Standby) {
				return ErrConflict
			}
			t.ActiveNodes, t.StandbyNodes = t.StandbyNodes, t.ActiveNodes
		case GroupDatacenter:
			if !sameSet(t.ActiveDatacenter, d.Active) || !sameSet(t.StandbyDatacenter, d.Standby) {
				return ErrConflict
			}
			t.ActiveDatacenter, t.StandbyDatacenter = t.StandbyDatacenter, t.ActiveDatacenter
		default:
			return fmt.Errorf("cannot swap roles of a %s-grouped cluster", d.GroupBy)
		}

		t.Lock = true
		def.store(d.FilterKey, t)
		return nil
	})
}

// Unlock clears the lock on d's host group, and on the outer document when
// the lock was set there.
func (s *Store) Unlock(ctx context.Context, d *Descriptor) error {
	return s.Update(ctx, d.Service, func(def *Definition) error {
		t, ok := def.target(d.FilterKey)
		if !ok {
			return ErrConflict
		}
		if !t.Lock && !def.Lock {
			return errUnchanged
		}
		t.Lock = false
		def.store(d.FilterKey, t)
		def.Lock = false
		return nil
	})
}

func sameSet(a, b []string) bool {
	na, nb := normalize(a), normalize(b)
	if len(na) != len(nb) {
		return false
	}
	for i := range na {
		if na[i] != nb[i] {
			return false
		}
	}
	return true
}
