package store

import (
	"context"
	"fmt"
	"time"

	"github.com/hashicorp/consul/api"
	"github.com/rs/zerolog"
	"powerconsul-go/pkg/config"
)

// Consul is the production Backend, talking to the local Consul agent.
type Consul struct {
	client  *api.Client
	timeout time.Duration
	dc      string
	logger  zerolog.Logger
}

// NewConsul builds a client from cfg. The ACL token is read out of its
// secure buffer once, here, because the api client keeps it as a string.
func NewConsul(cfg *config.ConsulConfig, logger zerolog.Logger) (*Consul, error) {
	apiCfg := api.DefaultConfig()
	apiCfg.Address = cfg.Address
	apiCfg.Scheme = cfg.Scheme
	apiCfg.Datacenter = cfg.Datacenter
	if cfg.Token.IsSet() {
		apiCfg.Token = cfg.Token.Reveal()
	}

	client, err := api.NewClient(apiCfg)
	if err != nil {
		return nil, fmt.Errorf("failed to create consul client: %w", err)
	}

	return &Consul{
		client:  client,
		timeout: cfg.Timeout,
		dc:      cfg.Datacenter,
		logger:  logger.With().Str("component", "consul").Logger(),
	}, nil
}

func (c *Consul) withTimeout(ctx context.Context) (context.Context, context.CancelFunc) {
	if c.timeout <= 0 {
		return context.WithCancel(ctx)
	}
	return context.WithTimeout(ctx, c.timeout)
}

func unavailable(op string, err error) error {
	return fmt.Errorf("%w: %s: %v", ErrUnavailable, op, err)
}

func (c *Consul) Get(ctx context.Context, key string) (*Pair, error) {
	ctx, cancel := c.withTimeout(ctx)
	defer cancel()

	kv, _, err := c.client.KV().Get(key, (&api.QueryOptions{}).WithContext(ctx))
	if err != nil {
		return nil, unavailable("kv get "+key, err)
	}
	if kv == nil {
		return nil, nil
	}
	return &Pair{Key: kv.Key, Value: kv.Value, ModifyIndex: kv.ModifyIndex}, nil
}

func (c *Consul) Put(ctx context.Context, key string, value []byte) error {
	ctx, cancel := c.withTimeout(ctx)
	defer cancel()

	_, err := c.client.KV().Put(&api.KVPair{Key: key, Value: value}, (&api.WriteOptions{}).WithContext(ctx))
	if err != nil {
		return unavailable("kv put "+key, err)
	}
	c.logger.Debug().Str("key", key).Msg("KV put")
	return nil
}

func (c *Consul) CAS(ctx context.Context, key string, value []byte, index uint64) (bool, error) {
	ctx, cancel := c.withTimeout(ctx)
	defer cancel()

	ok, _, err := c.client.KV().CAS(&api.KVPair{Key: key, Value: value, ModifyIndex: index}, (&api.WriteOptions{}).WithContext(ctx))
	if err != nil {
		return false, unavailable("kv cas "+key, err)
	}
	c.logger.Debug().Str("key", key).Uint64("index", index).Bool("applied", ok).Msg("KV cas")
	return ok, nil
}

// ServiceHealth lists every instance of service in datacenter. The status is
// aggregated over the service's own checks; node-level checks such as
// serfHealth are left out so that a healthy node running a failed service
// still reads critical, and an instance with no service checks reads critical.
func (c *Consul) ServiceHealth(ctx context.Context, service, datacenter string) ([]HealthEntry, error) {
	ctx, cancel := c.withTimeout(ctx)
	defer cancel()

	q := (&api.QueryOptions{Datacenter: datacenter}).WithContext(ctx)
	entries, _, err := c.client.Health().Service(service, "", false, q)
	if err != nil {
		return nil, unavailable("health service "+service, err)
	}

	out := make([]HealthEntry, 0, len(entries))
	for _, e := range entries {
		if e.Node == nil || e.Service == nil {
			continue
		}
		var own api.HealthChecks
		for _, chk := range e.Checks {
			if chk.ServiceID == e.Service.ID {
				own = append(own, chk)
			}
		}
		status := StatusCritical
		if len(own) > 0 {
			status = own.AggregatedStatus()
		}
		dc := e.Node.Datacenter
		if dc == "" {
			dc = datacenter
		}
		out = append(out, HealthEntry{
			Node:       e.Node.Node,
			Datacenter: dc,
			ServiceID:  e.Service.ID,
			Status:     status,
		})
	}
	return out, nil
}

// Datacenters lists the catalog's datacenters. The api's Catalog().Datacenters
// takes no options, so the endpoint is queried raw to honour ctx.
func (c *Consul) Datacenters(ctx context.Context) ([]string, error) {
	ctx, cancel := c.withTimeout(ctx)
	defer cancel()

	var dcs []string
	if _, err := c.client.Raw().Query("/v1/catalog/datacenters", &dcs, (&api.QueryOptions{}).WithContext(ctx)); err != nil {
		return nil, unavailable("catalog datacenters", err)
	}
	return dcs, nil
}

// LocalDatacenter returns the configured datacenter, or asks the agent.
func (c *Consul) LocalDatacenter(ctx context.Context) (string, error) {
	if c.dc != "" {
		return c.dc, nil
	}
	ctx, cancel := c.withTimeout(ctx)
	defer cancel()

	var self map[string]map[string]interface{}
	if _, err := c.client.Raw().Query("/v1/agent/self", &self, (&api.QueryOptions{}).WithContext(ctx)); err != nil {
		return "", unavailable("agent self", err)
	}
	dc, _ := self["Config"]["Datacenter"].(string)
	if dc == "" {
		return "", fmt.Errorf("agent did not report a datacenter")
	}
	c.dc = dc
	return dc, nil
}

func (c *Consul) SetMaintenance(ctx context.Context, serviceID string, enable bool, reason string) error {
	ctx, cancel := c.withTimeout(ctx)
	defer cancel()

	q := (&api.QueryOptions{}).WithContext(ctx)
	var err error
	if enable {
		err = c.client.Agent().EnableServiceMaintenanceOpts(serviceID, reason, q)
	} else {
		err = c.client.Agent().DisableServiceMaintenanceOpts(serviceID, q)
	}
	if err != nil {
		return unavailable("agent maintenance "+serviceID, err)
	}
	c.logger.Info().Str("service_id", serviceID).Bool("enable", enable).Msg("Service maintenance toggled")
	return nil
}
