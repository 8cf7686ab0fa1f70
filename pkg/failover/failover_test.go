package failover

import (
	"bytes"
	"context"
	"errors"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"powerconsul-go/pkg/cluster"
	"powerconsul-go/pkg/config"
	"powerconsul-go/pkg/core"
	"powerconsul-go/pkg/metrics"
	"powerconsul-go/pkg/store"
	"powerconsul-go/pkg/svcctl"
)

const descriptorKey = "cluster/prod/nginx"

// fakeServices tracks which local services run on one node.
type fakeServices struct {
	mu      sync.Mutex
	running map[string]bool
	lock    svcctl.Flag
	stopErr error
}

func newFakeServices(t *testing.T, running bool) *fakeServices {
	return &fakeServices{
		running: map[string]bool{"nginx": running},
		lock:    svcctl.Flag{Path: filepath.Join(t.TempDir(), "noop")},
	}
}

func (f *fakeServices) Start(_ context.Context, names ...string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	for _, n := range names {
		f.running[n] = true
	}
	return nil
}

func (f *fakeServices) Stop(_ context.Context, names ...string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.stopErr != nil {
		return f.stopErr
	}
	for _, n := range names {
		f.running[n] = false
	}
	return nil
}

func (f *fakeServices) NoopLock() svcctl.Flag { return f.lock }

func (f *fakeServices) isRunning(name string) bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.running[name]
}

func identity(host string) core.Identity {
	return core.Identity{Host: host, Datacenter: "dc1", Environment: "prod", Role: "web"}
}

func newCoordinator(mem *store.Memory, host string, timeout time.Duration, out *bytes.Buffer) *Coordinator {
	id := identity(host)
	rt := &core.Runtime{
		Config: &config.Config{Failover: config.FailoverConfig{
			PollInterval:    time.Millisecond,
			Timeout:         timeout,
			MaxReadFailures: 3,
		}},
		Logger:   zerolog.Nop(),
		Metrics:  metrics.NewNoopRecorder(),
		Identity: id,
		Out:      out,
	}
	return NewCoordinator(rt,
		cluster.NewStore(mem, mem, id, "cluster", zerolog.Nop()),
		cluster.NewSignals(mem, zerolog.Nop()),
	)
}

func TestCoordinatorClampsPollInterval(t *testing.T) {
	for _, interval := range []time.Duration{0, -time.Second} {
		rt := &core.Runtime{
			Config:   &config.Config{Failover: config.FailoverConfig{PollInterval: interval}},
			Logger:   zerolog.Nop(),
			Metrics:  metrics.NewNoopRecorder(),
			Identity: identity("prod-web-02"),
			Out:      &bytes.Buffer{},
		}
		c := NewCoordinator(rt, nil, nil)
		assert.Equal(t, config.DefaultPollInterval, c.interval)
		assert.Equal(t, uint32(1), c.maxFailures)
	}
}

// wireAgents answers every signal write by running the addressed node's
// agent, the way a Consul watch on the node's keys would.
func wireAgents(t *testing.T, mem *store.Memory, agents map[string]*Agent) func() []error {
	var mu sync.Mutex
	var errs []error
	mem.OnPut(func(key string, _ []byte) {
		parts := strings.Split(key, "/")
		if len(parts) != 4 || parts[0] != "service" {
			return
		}
		agent, ok := agents[parts[2]]
		if !ok {
			return
		}
		var err error
		switch cluster.Direction(parts[3]) {
		case cluster.Demote:
			err = agent.Demote(context.Background(), parts[1], []string{"nginx"})
		case cluster.Promote:
			err = agent.Promote(context.Background(), parts[1], []string{"nginx"})
		}
		if err != nil {
			mu.Lock()
			errs = append(errs, err)
			mu.Unlock()
		}
	})
	return func() []error {
		mu.Lock()
		defer mu.Unlock()
		return errs
	}
}

func signal(t *testing.T, mem *store.Memory, node string, dir cluster.Direction) cluster.Signal {
	t.Helper()
	sig, err := cluster.NewSignals(mem, zerolog.Nop()).Get(context.Background(), "nginx", node, dir)
	require.NoError(t, err)
	return sig
}

func seedDescriptor(t *testing.T, mem *store.Memory, value string) {
	t.Helper()
	require.NoError(t, mem.Put(context.Background(), descriptorKey, []byte(value)))
}

func TestStartPrimaryHandshake(t *testing.T) {
	mem := store.NewMemory("dc1")
	seedDescriptor(t, mem, `{"active_nodes":["prod-web-01"],"standby_nodes":["prod-web-02"]}`)

	primary, standby := newFakeServices(t, true), newFakeServices(t, false)
	errs := wireAgents(t, mem, map[string]*Agent{
		"prod-web-01": NewAgent(cluster.NewSignals(mem, zerolog.Nop()), primary, "prod-web-01", t.TempDir(), zerolog.Nop()),
		"prod-web-02": NewAgent(cluster.NewSignals(mem, zerolog.Nop()), standby, "prod-web-02", t.TempDir(), zerolog.Nop()),
	})

	var swaps int
	mem.OnPut(func(key string, _ []byte) {
		if key != descriptorKey {
			return
		}
		swaps++
		assert.Equal(t, cluster.SignalWaiting, signal(t, mem, "prod-web-01", cluster.Demote), "swap before demote acknowledged")
		assert.Equal(t, cluster.SignalWaiting, signal(t, mem, "prod-web-02", cluster.Promote), "swap before promote acknowledged")
	})

	var out bytes.Buffer
	err := newCoordinator(mem, "prod-web-02", time.Minute, &out).StartPrimary(context.Background(), "nginx")
	require.NoError(t, err)
	assert.Empty(t, errs())
	assert.Equal(t, 1, swaps)

	d, err := cluster.NewStore(mem, mem, identity("prod-web-02"), "cluster", zerolog.Nop()).Load(context.Background(), "nginx")
	require.NoError(t, err)
	assert.Equal(t, []string{"prod-web-02"}, d.Active)
	assert.Equal(t, []string{"prod-web-01"}, d.Standby)
	assert.True(t, d.Locked)

	assert.Equal(t, cluster.SignalNull, signal(t, mem, "prod-web-01", cluster.Demote))
	assert.Equal(t, cluster.SignalNull, signal(t, mem, "prod-web-02", cluster.Promote))

	assert.False(t, primary.isRunning("nginx"))
	assert.True(t, standby.isRunning("nginx"))
	assert.False(t, primary.lock.IsSet())
	assert.False(t, standby.lock.IsSet())

	assert.Contains(t, out.String(), "waiting for prod-web-01 demote ... ")
	assert.Contains(t, out.String(), "waiting for prod-web-02 promote ... ")
	assert.Contains(t, out.String(), "SUCCESS")
	assert.Contains(t, out.String(), "failover of nginx complete")
}

func TestStartPrimaryStuckNodeNeverSwaps(t *testing.T) {
	mem := store.NewMemory("dc1")
	seedDescriptor(t, mem, `{"active_nodes":["prod-web-01","prod-web-03"],"standby_nodes":["prod-web-02"]}`)

	// prod-web-03 never answers.
	wireAgents(t, mem, map[string]*Agent{
		"prod-web-01": NewAgent(cluster.NewSignals(mem, zerolog.Nop()), newFakeServices(t, true), "prod-web-01", t.TempDir(), zerolog.Nop()),
		"prod-web-02": NewAgent(cluster.NewSignals(mem, zerolog.Nop()), newFakeServices(t, false), "prod-web-02", t.TempDir(), zerolog.Nop()),
	})
	before, err := mem.Get(context.Background(), descriptorKey)
	require.NoError(t, err)

	var out bytes.Buffer
	err = newCoordinator(mem, "prod-web-02", 50*time.Millisecond, &out).StartPrimary(context.Background(), "nginx")
	require.Error(t, err)
	assert.True(t, errors.Is(err, ErrHandshakeTimeout))
	assert.Contains(t, err.Error(), "prod-web-03")
	assert.Contains(t, out.String(), "FAILED")

	after, err := mem.Get(context.Background(), descriptorKey)
	require.NoError(t, err)
	assert.Equal(t, before.ModifyIndex, after.ModifyIndex, "descriptor must not be rewritten")
	assert.Equal(t, cluster.SignalNull, signal(t, mem, "prod-web-02", cluster.Promote), "promotion never started")
}

func TestStartPrimaryPreconditions(t *testing.T) {
	ctx := context.Background()

	t.Run("not a standby", func(t *testing.T) {
		mem := store.NewMemory("dc1")
		seedDescriptor(t, mem, `{"active_nodes":["prod-web-01"],"standby_nodes":["prod-web-02"]}`)
		err := newCoordinator(mem, "prod-web-01", time.Minute, &bytes.Buffer{}).StartPrimary(ctx, "nginx")
		assert.True(t, errors.Is(err, ErrNotStandby))
		assert.Equal(t, []string{descriptorKey}, mem.Keys())
	})

	t.Run("unclustered", func(t *testing.T) {
		mem := store.NewMemory("dc1")
		err := newCoordinator(mem, "prod-web-01", time.Minute, &bytes.Buffer{}).StartPrimary(ctx, "nginx")
		assert.True(t, errors.Is(err, cluster.ErrNotClustered))
	})

	t.Run("datacenter grouping", func(t *testing.T) {
		mem := store.NewMemory("dc1", "dc2")
		seedDescriptor(t, mem, `{"active_datacenter":"dc2","standby_datacenter":"dc1"}`)
		err := newCoordinator(mem, "prod-web-01", time.Minute, &bytes.Buffer{}).StartPrimary(ctx, "nginx")
		assert.Error(t, err)
		assert.Equal(t, []string{descriptorKey}, mem.Keys())
	})
}

func TestStartPrimaryWriteFailureAborts(t *testing.T) {
	mem := store.NewMemory("dc1")
	seedDescriptor(t, mem, `{"active_nodes":["prod-web-01"],"standby_nodes":["prod-web-02"]}`)
	mem.FailPut(cluster.SignalKey("nginx", "prod-web-01", cluster.Demote), errors.New("permission denied"))

	err := newCoordinator(mem, "prod-web-02", time.Minute, &bytes.Buffer{}).StartPrimary(context.Background(), "nginx")
	assert.True(t, errors.Is(err, store.ErrUnavailable))
	assert.Equal(t, []string{descriptorKey}, mem.Keys())
}

func TestStartPrimaryReadFailuresTripBreaker(t *testing.T) {
	mem := store.NewMemory("dc1")
	seedDescriptor(t, mem, `{"active_nodes":["prod-web-01"],"standby_nodes":["prod-web-02"]}`)
	mem.FailGet(cluster.SignalKey("nginx", "prod-web-01", cluster.Demote), errors.New("connection reset"))

	err := newCoordinator(mem, "prod-web-02", time.Minute, &bytes.Buffer{}).StartPrimary(context.Background(), "nginx")
	require.Error(t, err)
	assert.False(t, errors.Is(err, ErrHandshakeTimeout))
	assert.True(t, errors.Is(err, store.ErrUnavailable))
	assert.Contains(t, err.Error(), "giving up on prod-web-01 demote")
}

func TestStartPrimaryCancelled(t *testing.T) {
	mem := store.NewMemory("dc1")
	seedDescriptor(t, mem, `{"active_nodes":["prod-web-01"],"standby_nodes":["prod-web-02"]}`)

	ctx, cancel := context.WithCancel(context.Background())
	mem.OnPut(func(key string, _ []byte) {
		if key == cluster.SignalKey("nginx", "prod-web-01", cluster.Demote) {
			cancel()
		}
	})
	err := newCoordinator(mem, "prod-web-02", -1, &bytes.Buffer{}).StartPrimary(ctx, "nginx")
	assert.True(t, errors.Is(err, context.Canceled))
}

func TestStartPrimaryConcurrentEditConflicts(t *testing.T) {
	mem := store.NewMemory("dc1")
	seedDescriptor(t, mem, `{"active_nodes":["prod-web-01"],"standby_nodes":["prod-web-02"]}`)
	wireAgents(t, mem, map[string]*Agent{
		"prod-web-01": NewAgent(cluster.NewSignals(mem, zerolog.Nop()), newFakeServices(t, true), "prod-web-01", t.TempDir(), zerolog.Nop()),
		"prod-web-02": NewAgent(cluster.NewSignals(mem, zerolog.Nop()), newFakeServices(t, false), "prod-web-02", t.TempDir(), zerolog.Nop()),
	})
	// An operator adds a standby while the handshake is in flight.
	mem.OnPut(func(key string, value []byte) {
		if key == cluster.SignalKey("nginx", "prod-web-02", cluster.Promote) && string(value) == "WAIT" {
			_ = mem.Put(context.Background(), descriptorKey, []byte(`{"active_nodes":["prod-web-01"],"standby_nodes":["prod-web-02","prod-web-04"]}`))
		}
	})

	err := newCoordinator(mem, "prod-web-02", time.Minute, &bytes.Buffer{}).StartPrimary(context.Background(), "nginx")
	assert.True(t, errors.Is(err, cluster.ErrConflict))

	pair, err := mem.Get(context.Background(), descriptorKey)
	require.NoError(t, err)
	assert.Contains(t, string(pair.Value), `"active_nodes":["prod-web-01"]`)
}

func TestAgentDemoteStopFailure(t *testing.T) {
	mem := store.NewMemory("dc1")
	sigs := cluster.NewSignals(mem, zerolog.Nop())
	services := newFakeServices(t, true)
	services.stopErr = errors.New("nginx: stop failed")
	agent := NewAgent(sigs, services, "prod-web-01", t.TempDir(), zerolog.Nop())

	require.NoError(t, sigs.Set(context.Background(), "nginx", "prod-web-01", cluster.Demote, cluster.SignalStart))
	err := agent.Demote(context.Background(), "nginx", []string{"nginx"})
	assert.Error(t, err)
	assert.Equal(t, cluster.SignalStart, signal(t, mem, "prod-web-01", cluster.Demote), "no acknowledgement")
	assert.False(t, services.lock.IsSet())
}

func TestAgentIgnoresForeignNull(t *testing.T) {
	mem := store.NewMemory("dc1")
	sigs := cluster.NewSignals(mem, zerolog.Nop())
	services := newFakeServices(t, false)
	agent := NewAgent(sigs, services, "prod-web-02", t.TempDir(), zerolog.Nop())

	require.NoError(t, sigs.Clear(context.Background(), "nginx", "prod-web-02", cluster.Promote))
	require.NoError(t, agent.Promote(context.Background(), "nginx", []string{"nginx"}))
	assert.False(t, services.isRunning("nginx"), "NULL without a prior START starts nothing")
}
