package store

import (
	"context"
	"fmt"
	"sort"
	"sync"
)

// Memory is an in-process Backend. It keeps Consul's ModifyIndex semantics
// (a single monotonically increasing index shared by all keys) so that CAS
// behaves the same way as against a real agent.
type Memory struct {
	mu          sync.RWMutex
	data        map[string]Pair
	index       uint64
	health      map[string][]HealthEntry // service -> entries, all datacenters
	dcs         []string
	localDC     string
	maintenance map[string]bool

	hooks   []func(key string, value []byte)
	failGet map[string]error
	failPut map[string]error
}

// NewMemory returns an empty backend whose catalog knows the given
// datacenters; the first one is the local datacenter.
func NewMemory(datacenters ...string) *Memory {
	if len(datacenters) == 0 {
		datacenters = []string{"dc1"}
	}
	return &Memory{
		data:        make(map[string]Pair),
		health:      make(map[string][]HealthEntry),
		dcs:         append([]string(nil), datacenters...),
		localDC:     datacenters[0],
		maintenance: make(map[string]bool),
		failGet:     make(map[string]error),
		failPut:     make(map[string]error),
	}
}

// OnPut registers fn to run after every successful write. Hooks run outside
// the lock and may write back into the store.
func (m *Memory) OnPut(fn func(key string, value []byte)) {
	m.mu.Lock()
	m.hooks = append(m.hooks, fn)
	m.mu.Unlock()
}

// FailGet makes reads of key fail with err until cleared with a nil err.
func (m *Memory) FailGet(key string, err error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if err == nil {
		delete(m.failGet, key)
		return
	}
	m.failGet[key] = err
}

// FailPut makes writes to key fail with err until cleared with a nil err.
func (m *Memory) FailPut(key string, err error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if err == nil {
		delete(m.failPut, key)
		return
	}
	m.failPut[key] = err
}

// SetHealth replaces the health entries for service.
func (m *Memory) SetHealth(service string, entries ...HealthEntry) {
	m.mu.Lock()
	defer m.mu.Unlock()
	for i := range entries {
		if entries[i].Datacenter == "" {
			entries[i].Datacenter = m.localDC
		}
	}
	m.health[service] = entries
}

// Maintenance reports the last maintenance state set for serviceID.
func (m *Memory) Maintenance(serviceID string) (enabled, set bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	enabled, set = m.maintenance[serviceID]
	return enabled, set
}

// Keys returns every stored key, sorted.
func (m *Memory) Keys() []string {
	m.mu.RLock()
	defer m.mu.RUnlock()
	keys := make([]string, 0, len(m.data))
	for k := range m.data {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}

func (m *Memory) Get(ctx context.Context, key string) (*Pair, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	m.mu.RLock()
	defer m.mu.RUnlock()
	if err := m.failGet[key]; err != nil {
		return nil, fmt.Errorf("%w: %v", ErrUnavailable, err)
	}
	p, ok := m.data[key]
	if !ok {
		return nil, nil
	}
	p.Value = append([]byte(nil), p.Value...)
	return &p, nil
}

func (m *Memory) Put(ctx context.Context, key string, value []byte) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	m.mu.Lock()
	if err := m.failPut[key]; err != nil {
		m.mu.Unlock()
		return fmt.Errorf("%w: %v", ErrUnavailable, err)
	}
	m.writeLocked(key, value)
	hooks := m.hooks
	m.mu.Unlock()

	for _, fn := range hooks {
		fn(key, value)
	}
	return nil
}

func (m *Memory) CAS(ctx context.Context, key string, value []byte, index uint64) (bool, error) {
	if err := ctx.Err(); err != nil {
		return false, err
	}
	m.mu.Lock()
	if err := m.failPut[key]; err != nil {
		m.mu.Unlock()
		return false, fmt.Errorf("%w: %v", ErrUnavailable, err)
	}
	current, exists := m.data[key]
	if (index == 0 && exists) || (index != 0 && (!exists || current.ModifyIndex != index)) {
		m.mu.Unlock()
		return false, nil
	}
	m.writeLocked(key, value)
	hooks := m.hooks
	m.mu.Unlock()

	for _, fn := range hooks {
		fn(key, value)
	}
	return true, nil
}

func (m *Memory) writeLocked(key string, value []byte) {
	m.index++
	m.data[key] = Pair{Key: key, Value: append([]byte(nil), value...), ModifyIndex: m.index}
}

func (m *Memory) ServiceHealth(ctx context.Context, service, datacenter string) ([]HealthEntry, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	m.mu.RLock()
	defer m.mu.RUnlock()
	if datacenter == "" {
		datacenter = m.localDC
	}
	var out []HealthEntry
	for _, e := range m.health[service] {
		if e.Datacenter == datacenter {
			out = append(out, e)
		}
	}
	return out, nil
}

func (m *Memory) Datacenters(ctx context.Context) ([]string, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	return append([]string(nil), m.dcs...), nil
}

func (m *Memory) LocalDatacenter(ctx context.Context) (string, error) {
	if err := ctx.Err(); err != nil {
		return "", err
	}
	return m.localDC, nil
}

func (m *Memory) SetMaintenance(ctx context.Context, serviceID string, enable bool, reason string) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	m.maintenance[serviceID] = enable
	return nil
}
