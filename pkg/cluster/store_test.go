package cluster

import (
	"context"
	"errors"
	"testing"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"powerconsul-go/pkg/core"
	"powerconsul-go/pkg/store"
)

// newTestStore creates a Store for host in the prod environment.
func newTestStore(t *testing.T, host string) (*Store, *store.Memory) {
	t.Helper()
	mem := store.NewMemory("dc1", "dc2")
	id := core.Identity{Host: host, Datacenter: "dc1", Environment: "prod", Role: "web"}
	return NewStore(mem, mem, id, "cluster", zerolog.Nop()), mem
}

func seed(t *testing.T, mem *store.Memory, key, value string) {
	t.Helper()
	require.NoError(t, mem.Put(context.Background(), key, []byte(value)))
}

func TestStoreLoad(t *testing.T) {
	s, mem := newTestStore(t, "prod-web-02")
	ctx := context.Background()
	assert.Equal(t, "cluster/prod/nginx", s.Key("nginx"))

	d, err := s.Load(ctx, "nginx")
	require.NoError(t, err)
	assert.False(t, d.Clustered)
	assert.Equal(t, RoleStandalone, Resolve(d))

	seed(t, mem, "cluster/prod/nginx", `{"active_nodes":["prod-web-01"],"standby_nodes":["prod-web-02"]}`)
	d, err = s.Load(ctx, "nginx")
	require.NoError(t, err)
	assert.True(t, d.Clustered)
	assert.Equal(t, RoleSecondary, Resolve(d))
	assert.NotZero(t, d.ModifyIndex)
	assert.Equal(t, "cluster/prod/nginx", d.Key)

	for _, empty := range []string{"", "  \n"} {
		seed(t, mem, "cluster/prod/memcached", empty)
		d, err = s.Load(ctx, "memcached")
		require.NoError(t, err, "an empty definition reads as unclustered")
		assert.False(t, d.Clustered)
		assert.Equal(t, RoleStandalone, Resolve(d))
	}

	seed(t, mem, "cluster/prod/redis", `{"active_datacenter":"dc1","standby_datacenter":"dc9"}`)
	_, err = s.Load(ctx, "redis")
	assert.True(t, errors.Is(err, ErrConfig))

	mem.FailGet("cluster/prod/nginx", errors.New("connection refused"))
	_, err = s.Load(ctx, "nginx")
	assert.True(t, errors.Is(err, store.ErrUnavailable))
}

func TestStoreKeyWithoutEnvironment(t *testing.T) {
	s := NewStore(store.NewMemory(), store.NewMemory(), core.Identity{Host: "box"}, "cluster", zerolog.Nop())
	assert.Equal(t, "cluster/nginx", s.Key("nginx"))
}

func TestStoreSwapRoles(t *testing.T) {
	s, mem := newTestStore(t, "prod-web-02")
	ctx := context.Background()
	seed(t, mem, "cluster/prod/nginx", `{"active_nodes":["prod-web-01"],"standby_nodes":["prod-web-02"]}`)

	d, err := s.Load(ctx, "nginx")
	require.NoError(t, err)
	require.NoError(t, s.SwapRoles(ctx, d))

	after, err := s.Load(ctx, "nginx")
	require.NoError(t, err)
	assert.Equal(t, []string{"prod-web-02"}, after.Active)
	assert.Equal(t, []string{"prod-web-01"}, after.Standby)
	assert.True(t, after.Locked)
	assert.Equal(t, RolePrimary, Resolve(after))

	// Swapping from the stale view must not flip the roles back.
	err = s.SwapRoles(ctx, d)
	assert.True(t, errors.Is(err, ErrConflict))
}

func TestStoreSwapRolesWithinFilter(t *testing.T) {
	s, mem := newTestStore(t, "prod-web-02")
	ctx := context.Background()
	seed(t, mem, "cluster/prod/nginx", `{"filter":{
		"prod-web":{"active_nodes":["prod-web-01"],"standby_nodes":["prod-web-02"]},
		"prod-db":{"active_nodes":["prod-db-01"],"standby_nodes":["prod-db-02"]}}}`)

	d, err := s.Load(ctx, "nginx")
	require.NoError(t, err)
	require.NoError(t, s.SwapRoles(ctx, d))

	pair, err := mem.Get(ctx, "cluster/prod/nginx")
	require.NoError(t, err)
	def, err := Decode("nginx", pair.Value)
	require.NoError(t, err)

	assert.Equal(t, []string{"prod-web-02"}, def.Filter["prod-web"].ActiveNodes)
	assert.True(t, def.Filter["prod-web"].Lock)
	assert.Equal(t, []string{"prod-db-01"}, def.Filter["prod-db"].ActiveNodes, "other host groups untouched")
	assert.False(t, def.Filter["prod-db"].Lock)
}

func TestStoreSwapRolesDatacenters(t *testing.T) {
	s, mem := newTestStore(t, "prod-web-02")
	ctx := context.Background()
	seed(t, mem, "cluster/prod/nginx", `{"active_datacenter":"dc2","standby_datacenter":"dc1"}`)

	d, err := s.Load(ctx, "nginx")
	require.NoError(t, err)
	require.NoError(t, s.SwapRoles(ctx, d))

	after, err := s.Load(ctx, "nginx")
	require.NoError(t, err)
	assert.Equal(t, []string{"dc1"}, after.Active)
	assert.Equal(t, RolePrimary, Resolve(after))
}

// racingKV loses every CAS by bumping the key's index just before the write.
type racingKV struct {
	*store.Memory
	races int
}

func (r *racingKV) CAS(ctx context.Context, key string, value []byte, index uint64) (bool, error) {
	if r.races > 0 {
		r.races--
		p, _ := r.Memory.Get(ctx, key)
		_ = r.Memory.Put(ctx, key, p.Value)
	}
	return r.Memory.CAS(ctx, key, value, index)
}

func TestStoreUpdateRetriesOnce(t *testing.T) {
	mem := store.NewMemory("dc1")
	id := core.Identity{Host: "prod-web-01", Datacenter: "dc1", Environment: "prod"}
	seed(t, mem, "cluster/prod/nginx", `{"active_nodes":["prod-web-01"],"standby_nodes":["prod-web-02"],"lock":true}`)

	t.Run("one lost race is retried", func(t *testing.T) {
		kv := &racingKV{Memory: mem, races: 1}
		s := NewStore(kv, mem, id, "cluster", zerolog.Nop())
		d, err := s.Load(context.Background(), "nginx")
		require.NoError(t, err)
		require.NoError(t, s.Unlock(context.Background(), d))

		after, err := s.Load(context.Background(), "nginx")
		require.NoError(t, err)
		assert.False(t, after.Locked)
	})

	t.Run("two lost races is a conflict", func(t *testing.T) {
		seed(t, mem, "cluster/prod/nginx", `{"active_nodes":["prod-web-01"],"standby_nodes":["prod-web-02"],"lock":true}`)
		kv := &racingKV{Memory: mem, races: 2}
		s := NewStore(kv, mem, id, "cluster", zerolog.Nop())
		d, err := s.Load(context.Background(), "nginx")
		require.NoError(t, err)

		err = s.Unlock(context.Background(), d)
		assert.True(t, errors.Is(err, ErrConflict))
	})
}

func TestStoreUnlock(t *testing.T) {
	s, mem := newTestStore(t, "prod-web-01")
	ctx := context.Background()

	assert.True(t, errors.Is(s.Unlock(ctx, &Descriptor{Service: "nginx"}), ErrNotClustered))

	seed(t, mem, "cluster/prod/nginx", `{"active_nodes":["prod-web-01"],"standby_nodes":["prod-web-02"]}`)
	d, err := s.Load(ctx, "nginx")
	require.NoError(t, err)

	before, _ := mem.Get(ctx, "cluster/prod/nginx")
	require.NoError(t, s.Unlock(ctx, d))
	after, _ := mem.Get(ctx, "cluster/prod/nginx")
	assert.Equal(t, before.ModifyIndex, after.ModifyIndex, "unlocking an unlocked cluster writes nothing")
}

func TestSignals(t *testing.T) {
	mem := store.NewMemory()
	sigs := NewSignals(mem, zerolog.Nop())
	ctx := context.Background()

	sig, err := sigs.Get(ctx, "nginx", "n1", Promote)
	require.NoError(t, err)
	assert.Equal(t, SignalNull, sig)

	require.NoError(t, sigs.Set(ctx, "nginx", "n1", Promote, SignalStart))
	sig, err = sigs.Get(ctx, "nginx", "n1", Promote)
	require.NoError(t, err)
	assert.Equal(t, SignalStart, sig)

	pending, err := sigs.Pending(ctx, "nginx", []string{"n2", "n1"})
	require.NoError(t, err)
	assert.True(t, pending)

	require.NoError(t, sigs.Set(ctx, "nginx", "n1", Promote, SignalNull))
	pending, err = sigs.Pending(ctx, "nginx", []string{"n2", "n1"})
	require.NoError(t, err)
	assert.False(t, pending)

	p, _ := mem.Get(ctx, "service/nginx/n1/promote")
	assert.Equal(t, "NULL", string(p.Value))

	mem.FailPut("service/nginx/n1/demote", errors.New("down"))
	assert.Error(t, sigs.Set(ctx, "nginx", "n1", Demote, SignalStart))
}
