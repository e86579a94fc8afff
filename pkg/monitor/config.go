package monitor

import (
	"fmt"
	"os"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/dd0wney/cluso-kv/pkg/validation"
)

// Candidate ranking policies for the failover coordinator.
const (
	RankByLag      = "lag"
	RankByPriority = "priority"
)

// MasterConfig describes one monitored primary and the failover policy
// applied to it.
type MasterConfig struct {
	Name string `yaml:"name"`
	// Addr is the RPC address of the primary at startup. After a failover
	// the monitor follows the announced primary instead.
	Addr string `yaml:"addr"`
	// Quorum is how many monitors, this one included, must agree that the
	// primary is down before it is objectively down.
	Quorum          int           `yaml:"quorum"`
	DownAfter       time.Duration `yaml:"down_after"`
	ElectionTimeout time.Duration `yaml:"election_timeout"`
	FailoverTimeout time.Duration `yaml:"failover_timeout"`
	// RetryDelay is the wait before a new election once one failed or this
	// monitor voted for another leader.
	RetryDelay    time.Duration `yaml:"retry_delay"`
	ParallelSyncs int           `yaml:"parallel_syncs"`
	RankPolicy    string        `yaml:"rank_policy"`
}

// Config configures a monitor process.
type Config struct {
	ID       string `yaml:"id"`
	RPCAddr  string `yaml:"rpc_addr"`
	HTTPAddr string `yaml:"http_addr"`
	// AdvertiseAddr is the RPC address peers reach this monitor at, when
	// it differs from RPCAddr.
	AdvertiseAddr string `yaml:"advertise_addr"`

	// Peers are the RPC addresses of the other monitors.
	Peers []string `yaml:"peers"`

	// HelloAddr is a mangos URL such as tcp://0.0.0.0:7400 where this
	// monitor publishes hello messages. HelloPeers are the URLs it
	// subscribes to; more are learned from the hellos themselves.
	HelloAddr     string        `yaml:"hello_addr"`
	HelloPeers    []string      `yaml:"hello_peers"`
	HelloInterval time.Duration `yaml:"hello_interval"`

	Masters []MasterConfig `yaml:"masters"`

	HeartbeatInterval time.Duration `yaml:"heartbeat_interval"`
	InfoInterval      time.Duration `yaml:"info_interval"`
	RPCTimeout        time.Duration `yaml:"rpc_timeout"`
	// PromoteAttempts bounds the PROMOTE calls made to one candidate that
	// does not answer before it is fenced and the next one is tried.
	PromoteAttempts int `yaml:"promote_attempts"`
	RewireAttempts  int `yaml:"rewire_attempts"`

	Secret   string `yaml:"secret"`
	LogLevel string `yaml:"log_level"`
}

// DefaultMasterConfig returns the failover policy used for unset fields.
func DefaultMasterConfig() MasterConfig {
	return MasterConfig{
		Quorum:          2,
		DownAfter:       5 * time.Second,
		ElectionTimeout: 5 * time.Second,
		FailoverTimeout: 30 * time.Second,
		RetryDelay:      10 * time.Second,
		ParallelSyncs:   1,
		RankPolicy:      RankByLag,
	}
}

// DefaultConfig returns a monitor config listening on :26379 with a one
// second heartbeat. It has no masters; at least one must be added.
func DefaultConfig() Config {
	return Config{
		RPCAddr:           ":26379",
		HelloInterval:     2 * time.Second,
		HeartbeatInterval: time.Second,
		InfoInterval:      10 * time.Second,
		RPCTimeout:        time.Second,
		PromoteAttempts:   3,
		RewireAttempts:    3,
		LogLevel:          "info",
	}
}

// ApplyDefaults fills zero fields. RetryDelay defaults to twice the
// election timeout.
func (c *MasterConfig) ApplyDefaults() {
	d := DefaultMasterConfig()
	c.Quorum = validation.DefaultOrInt(c.Quorum, d.Quorum)
	c.DownAfter = validation.DefaultOrDuration(c.DownAfter, d.DownAfter)
	c.ElectionTimeout = validation.DefaultOrDuration(c.ElectionTimeout, d.ElectionTimeout)
	c.FailoverTimeout = validation.DefaultOrDuration(c.FailoverTimeout, d.FailoverTimeout)
	c.RetryDelay = validation.DefaultOrDuration(c.RetryDelay, 2*c.ElectionTimeout)
	c.ParallelSyncs = validation.DefaultOrInt(c.ParallelSyncs, d.ParallelSyncs)
	c.RankPolicy = validation.DefaultOr(c.RankPolicy, d.RankPolicy)
}

func (c *MasterConfig) Validate() error {
	return validation.NewConfigValidator("MasterConfig").
		Required("Name", c.Name).
		HostPort("Addr", c.Addr).
		RangeInt("Quorum", c.Quorum, 1, 64).
		Positive("ParallelSyncs", c.ParallelSyncs).
		MinDuration("DownAfter", c.DownAfter, 10*time.Millisecond).
		MinDuration("ElectionTimeout", c.ElectionTimeout, 10*time.Millisecond).
		DurationBelow("ElectionTimeout", c.ElectionTimeout, c.FailoverTimeout, "FailoverTimeout").
		OneOf("RankPolicy", c.RankPolicy, RankByLag, RankByPriority).
		Validate()
}

func (c *Config) ApplyDefaults() {
	d := DefaultConfig()
	c.RPCAddr = validation.DefaultOr(c.RPCAddr, d.RPCAddr)
	c.HelloInterval = validation.DefaultOrDuration(c.HelloInterval, d.HelloInterval)
	c.HeartbeatInterval = validation.DefaultOrDuration(c.HeartbeatInterval, d.HeartbeatInterval)
	c.InfoInterval = validation.DefaultOrDuration(c.InfoInterval, d.InfoInterval)
	c.RPCTimeout = validation.DefaultOrDuration(c.RPCTimeout, d.RPCTimeout)
	c.PromoteAttempts = validation.DefaultOrInt(c.PromoteAttempts, d.PromoteAttempts)
	c.RewireAttempts = validation.DefaultOrInt(c.RewireAttempts, d.RewireAttempts)
	c.LogLevel = validation.DefaultOr(c.LogLevel, d.LogLevel)
	for i := range c.Masters {
		c.Masters[i].ApplyDefaults()
	}
}

// Validate checks the monitor and every master config. DownAfter must not
// be shorter than the heartbeat, or every primary would flap to down.
func (c *Config) Validate() error {
	cv := validation.NewConfigValidator("MonitorConfig").
		Required("RPCAddr", c.RPCAddr).
		MinDuration("HeartbeatInterval", c.HeartbeatInterval, 10*time.Millisecond).
		MinDuration("RPCTimeout", c.RPCTimeout, time.Millisecond).
		Positive("PromoteAttempts", c.PromoteAttempts).
		Positive("RewireAttempts", c.RewireAttempts).
		OneOf("LogLevel", c.LogLevel, "debug", "info", "warn", "error")
	for i, p := range c.Peers {
		cv.HostPort(fmt.Sprintf("Peers[%d]", i), p)
	}
	if len(c.Masters) == 0 {
		cv.Custom("Masters", func() error { return fmt.Errorf("at least one master is required") })
	}
	seen := make(map[string]bool, len(c.Masters))
	for i := range c.Masters {
		m := &c.Masters[i]
		field := fmt.Sprintf("Masters[%s]", m.Name)
		cv.Nested(field, m).Custom(field, func() error {
			if seen[m.Name] {
				return fmt.Errorf("duplicate master %q", m.Name)
			}
			seen[m.Name] = true
			if m.DownAfter < c.HeartbeatInterval {
				return fmt.Errorf("down_after %v is below heartbeat_interval %v", m.DownAfter, c.HeartbeatInterval)
			}
			return nil
		})
	}
	return cv.When(c.Secret != "", func(cv *validation.ConfigValidator) {
		cv.Custom("Secret", func() error {
			if len(c.Secret) < 32 {
				return fmt.Errorf("must be at least 32 characters")
			}
			return nil
		})
	}).Validate()
}

// LoadConfig reads a YAML file over the defaults.
func LoadConfig(path string) (Config, error) {
	cfg := DefaultConfig()
	data, err := os.ReadFile(path)
	if err != nil {
		return cfg, fmt.Errorf("read monitor config: %w", err)
	}
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return cfg, fmt.Errorf("parse monitor config %s: %w", path, err)
	}
	return cfg, nil
}
