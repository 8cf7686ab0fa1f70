package config

import (
	"fmt"
	"os"
	"path/filepath"
	"regexp"
	"time"

	"github.com/kelseyhightower/envconfig"
	"gopkg.in/yaml.v2"
	"powerconsul-go/pkg/securestore"
)

// DefaultPath is where the CLI looks for its config file.
const DefaultPath = "/etc/powerconsul/config.yaml"

// DefaultNodePattern derives environment and role-tag from hostnames such as
// "prod-web-01" (env=prod, role=web).
const DefaultNodePattern = `^(?P<env>[a-z]+)-(?P<role>[a-z0-9]+)-`

// DefaultPollInterval paces failover handshake reads.
const DefaultPollInterval = time.Second

// ConsulConfig holds connection settings for the local Consul agent.
type ConsulConfig struct {
	Address    string              `yaml:"address" envconfig:"ADDRESS"`
	Scheme     string              `yaml:"scheme" envconfig:"SCHEME"`
	Datacenter string              `yaml:"datacenter" envconfig:"DATACENTER"`
	TokenStr   string              `yaml:"token,omitempty" envconfig:"TOKEN"`
	Token      *securestore.Secret `yaml:"-" ignored:"true"`
	Timeout    time.Duration       `yaml:"timeout" envconfig:"TIMEOUT"`
}

// NodeConfig describes how the local node is named and how peers' names
// are decoded into environment and role-tag.
type NodeConfig struct {
	Hostname        string         `yaml:"hostname" envconfig:"HOST_NAME"`
	Pattern         string         `yaml:"pattern" envconfig:"PATTERN"`
	PatternCompiled *regexp.Regexp `yaml:"-" ignored:"true"`
}

// ClusterConfig holds the KV location of cluster descriptors.
type ClusterConfig struct {
	KeyPrefix string `yaml:"key_prefix" envconfig:"KEY_PREFIX"`
}

// ChecksConfig holds settings for resource probes.
type ChecksConfig struct {
	NoopFile      string        `yaml:"noop_file" envconfig:"NOOP_FILE"`
	NagiosPlugins string        `yaml:"nagios_plugins" envconfig:"NAGIOS_PLUGINS"`
	CrontabDir    string        `yaml:"crontab_dir" envconfig:"CRONTAB_DIR"`
	Timeout       time.Duration `yaml:"timeout" envconfig:"TIMEOUT"`
	DefaultAction string        `yaml:"default_action" envconfig:"DEFAULT_ACTION"`
}

// FailoverConfig holds settings for the promote/demote handshake.
type FailoverConfig struct {
	PollInterval    time.Duration `yaml:"poll_interval" envconfig:"POLL_INTERVAL"`
	Timeout         time.Duration `yaml:"timeout" envconfig:"TIMEOUT"`
	MaxReadFailures uint32        `yaml:"max_read_failures" envconfig:"MAX_READ_FAILURES"`
	StateDir        string        `yaml:"state_dir" envconfig:"STATE_DIR"`
}

// ServicesConfig controls how local services are started and stopped.
type ServicesConfig struct {
	Command string        `yaml:"command" envconfig:"COMMAND"`
	Grace   time.Duration `yaml:"grace" envconfig:"GRACE"`
}

// TriggersConfig controls trigger action lookup and execution.
type TriggersConfig struct {
	KeyPrefix string        `yaml:"key_prefix" envconfig:"KEY_PREFIX"`
	TmpDir    string        `yaml:"tmp_dir" envconfig:"TMP_DIR"`
	Timeout   time.Duration `yaml:"timeout" envconfig:"TIMEOUT"`
}

// LoggingConfig holds the configuration for the logging system.
type LoggingConfig struct {
	Destination string `yaml:"dest" envconfig:"DEST"`
	Level       string `yaml:"level" envconfig:"LEVEL"`
	Dir         string `yaml:"dir" envconfig:"DIR"`
	MaxSizeMB   int    `yaml:"max_size_mb" envconfig:"MAX_SIZE_MB"`
	MaxBackups  int    `yaml:"max_backups" envconfig:"MAX_BACKUPS"`
}

// MetricsConfig holds the configuration for metrics.
type MetricsConfig struct {
	Enabled  bool   `yaml:"enabled" envconfig:"ENABLED"`
	Textfile string `yaml:"textfile" envconfig:"TEXTFILE"`
}

// Config holds the application configuration.
type Config struct {
	Consul        ConsulConfig   `yaml:"consul"`
	Node          NodeConfig     `yaml:"node"`
	Cluster       ClusterConfig  `yaml:"cluster"`
	ServiceFilter string         `yaml:"service_filter" envconfig:"SERVICE_FILTER"`
	Checks        ChecksConfig   `yaml:"checks"`
	Failover      FailoverConfig `yaml:"failover"`
	Services      ServicesConfig `yaml:"services"`
	Triggers      TriggersConfig `yaml:"triggers"`
	Logging       LoggingConfig  `yaml:"logging"`
	Metrics       MetricsConfig  `yaml:"metrics"`

	ServiceFilterCompiled *regexp.Regexp `yaml:"-" ignored:"true"`
}

// Load reads the config file at path, applies environment overrides and
// defaults, and seals the Consul token.
func Load(path string) (*Config, error) {
	var cfg Config

	data, err := os.ReadFile(path)
	if err != nil {
		// A missing file is fine; everything may come from the environment.
		if !os.IsNotExist(err) {
			return nil, fmt.Errorf("failed to read config file: %w", err)
		}
	}

	if len(data) > 0 {
		if err := yaml.Unmarshal(data, &cfg); err != nil {
			return nil, fmt.Errorf("failed to unmarshal config data: %w", err)
		}
	}

	// Override with environment variables, e.g. POWERCONSUL_CONSUL_ADDRESS.
	if err := envconfig.Process("powerconsul", &cfg); err != nil {
		return nil, fmt.Errorf("failed to process environment variables: %w", err)
	}

	if err := cfg.finalize(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

// finalize fills defaults, compiles patterns and seals secrets.
func (c *Config) finalize() error {
	c.applyDefaults()

	if c.Node.Hostname == "" {
		host, err := os.Hostname()
		if err != nil {
			return fmt.Errorf("failed to determine hostname: %w", err)
		}
		c.Node.Hostname = host
	}

	re, err := regexp.Compile(c.Node.Pattern)
	if err != nil {
		return fmt.Errorf("failed to compile node pattern '%s': %w", c.Node.Pattern, err)
	}
	c.Node.PatternCompiled = re

	if c.ServiceFilter != "" {
		re, err := regexp.Compile(c.ServiceFilter)
		if err != nil {
			return fmt.Errorf("failed to compile service_filter '%s': %w", c.ServiceFilter, err)
		}
		c.ServiceFilterCompiled = re
	}

	if c.Consul.TokenStr != "" || c.Consul.Token == nil {
		c.Consul.Token = securestore.NewSecret(c.Consul.TokenStr)
		c.Consul.TokenStr = ""
	}
	return nil
}

func (c *Config) applyDefaults() {
	if c.Consul.Address == "" {
		c.Consul.Address = "127.0.0.1:8500"
	}
	if c.Consul.Scheme == "" {
		c.Consul.Scheme = "http"
	}
	if c.Consul.Timeout == 0 {
		c.Consul.Timeout = 10 * time.Second
	}
	if c.Node.Pattern == "" {
		c.Node.Pattern = DefaultNodePattern
	}
	if c.Cluster.KeyPrefix == "" {
		c.Cluster.KeyPrefix = "cluster"
	}
	if c.Checks.NoopFile == "" {
		c.Checks.NoopFile = "/etc/powerconsul/noop"
	}
	if c.Checks.NagiosPlugins == "" {
		c.Checks.NagiosPlugins = "/usr/lib/nagios/plugins"
	}
	if c.Checks.CrontabDir == "" {
		c.Checks.CrontabDir = "/var/spool/cron/crontabs"
	}
	if c.Checks.Timeout == 0 {
		c.Checks.Timeout = 30 * time.Second
	}
	if c.Checks.DefaultAction == "" {
		c.Checks.DefaultAction = "/usr/bin/env true"
	}
	if c.Failover.PollInterval <= 0 {
		c.Failover.PollInterval = DefaultPollInterval
	}
	// A negative timeout disables the handshake deadline.
	if c.Failover.Timeout == 0 {
		c.Failover.Timeout = 30 * time.Minute
	}
	if c.Failover.MaxReadFailures == 0 {
		c.Failover.MaxReadFailures = 3
	}
	if c.Failover.StateDir == "" {
		c.Failover.StateDir = "/var/lib/powerconsul"
	}
	if c.Services.Command == "" {
		c.Services.Command = "service"
	}
	if c.Services.Grace == 0 {
		c.Services.Grace = 2 * time.Second
	}
	if c.Triggers.KeyPrefix == "" {
		c.Triggers.KeyPrefix = "triggers"
	}
	if c.Triggers.TmpDir == "" {
		c.Triggers.TmpDir = os.TempDir()
	}
	if c.Triggers.Timeout == 0 {
		c.Triggers.Timeout = 60 * time.Second
	}
	if c.Logging.Destination == "" {
		c.Logging.Destination = "file"
	}
	if c.Logging.Level == "" {
		c.Logging.Level = "info"
	}
	if c.Logging.Dir == "" {
		c.Logging.Dir = "/var/log/powerconsul"
	}
	if c.Logging.MaxSizeMB == 0 {
		c.Logging.MaxSizeMB = 10
	}
	if c.Logging.MaxBackups == 0 {
		c.Logging.MaxBackups = 1
	}
}

// FromDocument builds a config from a yaml or JSON document without
// consulting the environment.
func FromDocument(data []byte) (*Config, error) {
	var cfg Config
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return nil, fmt.Errorf("failed to unmarshal config document: %w", err)
	}
	if err := cfg.finalize(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

// Save writes cfg as yaml to path, creating the parent directory. The token
// is written in plaintext with 0600 permissions.
func Save(cfg *Config, path string) error {
	out := *cfg
	if out.Consul.Token.IsSet() {
		out.Consul.TokenStr = out.Consul.Token.Reveal()
	}

	data, err := yaml.Marshal(&out)
	if err != nil {
		return fmt.Errorf("failed to marshal config: %w", err)
	}

	if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
		return fmt.Errorf("failed to create config directory: %w", err)
	}

	tmp := path + ".tmp"
	if err := os.WriteFile(tmp, data, 0600); err != nil {
		return fmt.Errorf("failed to write config: %w", err)
	}
	return os.Rename(tmp, path)
}

// Redacted returns the yaml rendering of cfg with the token masked.
func (c *Config) Redacted() ([]byte, error) {
	out := *c
	out.Consul.TokenStr = ""
	if c.Consul.Token.IsSet() {
		out.Consul.TokenStr = "********"
	}
	return yaml.Marshal(&out)
}
