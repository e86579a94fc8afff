package node

import (
	"fmt"
	"os"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/dd0wney/cluso-kv/pkg/checkpoint"
	"github.com/dd0wney/cluso-kv/pkg/validation"
)

// DefaultPriority is used when a node does not set one. Lower values are
// preferred, as with replica priorities in other failover monitors.
const DefaultPriority = 100

// Config configures a data node.
type Config struct {
	// NodeID is stable across restarts and used to break ranking ties.
	// When empty it is restored from the checkpoint or generated.
	NodeID string `yaml:"node_id"`

	RPCAddr         string `yaml:"rpc_addr"`
	ReplicationAddr string `yaml:"replication_addr"`
	// HTTPAddr serves the client API; empty disables it.
	HTTPAddr string `yaml:"http_addr"`
	// Advertised addresses default to the bound listeners.
	AdvertiseRPCAddr         string `yaml:"advertise_rpc_addr"`
	AdvertiseReplicationAddr string `yaml:"advertise_replication_addr"`

	// ReplicaOf starts the node as a secondary of the primary at this RPC
	// address. Empty starts it as a primary.
	ReplicaOf            string `yaml:"replica_of"`
	ReplicaOfReplication string `yaml:"replica_of_replication"`

	Priority  int  `yaml:"priority"`
	NoPromote bool `yaml:"no_promote"`

	// Secret enables token authentication on RPC and replication links.
	Secret string `yaml:"secret"`

	BacklogSize       int           `yaml:"backlog_size"`
	MaxReplicas       int           `yaml:"max_replicas"`
	HeartbeatInterval time.Duration `yaml:"heartbeat_interval"`
	ReplicaTimeout    time.Duration `yaml:"replica_timeout"`
	LinkTimeout       time.Duration `yaml:"link_timeout"`
	BackoffBase       time.Duration `yaml:"backoff_base"`
	BackoffMax        time.Duration `yaml:"backoff_max"`
	RPCTimeout        time.Duration `yaml:"rpc_timeout"`
	MaxLagHealthy     uint64        `yaml:"max_lag_healthy"`

	CheckpointPath     string               `yaml:"checkpoint_path"`
	CheckpointS3       *checkpoint.S3Config `yaml:"checkpoint_s3"`
	CheckpointInterval time.Duration        `yaml:"checkpoint_interval"`

	LogLevel string `yaml:"log_level"`
}

// DefaultConfig returns the settings of a standalone primary.
func DefaultConfig() Config {
	return Config{
		RPCAddr:            ":7379",
		ReplicationAddr:    ":7380",
		Priority:           DefaultPriority,
		BacklogSize:        10000,
		MaxReplicas:        16,
		HeartbeatInterval:  time.Second,
		ReplicaTimeout:     30 * time.Second,
		LinkTimeout:        5 * time.Second,
		BackoffBase:        time.Second,
		BackoffMax:         60 * time.Second,
		RPCTimeout:         2 * time.Second,
		MaxLagHealthy:      1000,
		CheckpointInterval: time.Minute,
		LogLevel:           "info",
	}
}

// ApplyDefaults fills zero fields from DefaultConfig.
func (c *Config) ApplyDefaults() {
	d := DefaultConfig()
	c.RPCAddr = validation.DefaultOr(c.RPCAddr, d.RPCAddr)
	c.ReplicationAddr = validation.DefaultOr(c.ReplicationAddr, d.ReplicationAddr)
	c.Priority = validation.DefaultOrInt(c.Priority, d.Priority)
	c.BacklogSize = validation.DefaultOrInt(c.BacklogSize, d.BacklogSize)
	c.MaxReplicas = validation.DefaultOrInt(c.MaxReplicas, d.MaxReplicas)
	c.HeartbeatInterval = validation.DefaultOrDuration(c.HeartbeatInterval, d.HeartbeatInterval)
	c.ReplicaTimeout = validation.DefaultOrDuration(c.ReplicaTimeout, d.ReplicaTimeout)
	c.LinkTimeout = validation.DefaultOrDuration(c.LinkTimeout, d.LinkTimeout)
	c.BackoffBase = validation.DefaultOrDuration(c.BackoffBase, d.BackoffBase)
	c.BackoffMax = validation.DefaultOrDuration(c.BackoffMax, d.BackoffMax)
	c.RPCTimeout = validation.DefaultOrDuration(c.RPCTimeout, d.RPCTimeout)
	c.MaxLagHealthy = validation.DefaultOr(c.MaxLagHealthy, d.MaxLagHealthy)
	c.CheckpointInterval = validation.DefaultOrDuration(c.CheckpointInterval, d.CheckpointInterval)
	c.LogLevel = validation.DefaultOr(c.LogLevel, d.LogLevel)
}

func (c *Config) Validate() error {
	return validation.NewConfigValidator("NodeConfig").
		Required("RPCAddr", c.RPCAddr).
		Required("ReplicationAddr", c.ReplicationAddr).
		Positive("Priority", c.Priority).
		RangeInt("BacklogSize", c.BacklogSize, 1, 1<<24).
		MinDuration("HeartbeatInterval", c.HeartbeatInterval, 10*time.Millisecond).
		DurationBelow("HeartbeatInterval", c.HeartbeatInterval, c.LinkTimeout, "LinkTimeout").
		DurationBelow("BackoffBase", c.BackoffBase, c.BackoffMax+1, "BackoffMax").
		OneOf("LogLevel", c.LogLevel, "debug", "info", "warn", "error").
		When(c.ReplicaOf != "", func(cv *validation.ConfigValidator) {
			cv.HostPort("ReplicaOf", c.ReplicaOf)
		}).
		When(c.ReplicaOfReplication != "", func(cv *validation.ConfigValidator) {
			cv.HostPort("ReplicaOfReplication", c.ReplicaOfReplication)
		}).
		When(c.Secret != "", func(cv *validation.ConfigValidator) {
			cv.Custom("Secret", func() error {
				if len(c.Secret) < 32 {
					return fmt.Errorf("must be at least 32 characters")
				}
				return nil
			})
		}).
		When(c.CheckpointS3 != nil, func(cv *validation.ConfigValidator) {
			cv.Nested("CheckpointS3", c.CheckpointS3)
		}).
		Validate()
}

// LoadConfig reads a YAML file over the defaults.
func LoadConfig(path string) (Config, error) {
	cfg := DefaultConfig()
	data, err := os.ReadFile(path)
	if err != nil {
		return cfg, fmt.Errorf("read node config: %w", err)
	}
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return cfg, fmt.Errorf("parse node config %s: %w", path, err)
	}
	return cfg, nil
}
