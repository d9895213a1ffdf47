// Package config provides runtime configuration loading for nestgraphd.
// Configuration comes from nestgraph.yaml plus NESTGRAPH_* environment
// overrides.
package config

import "time"

// InstanceConfig identifies this node in the cluster.
type InstanceConfig struct {
	ID      string `koanf:"id"`
	Address string `koanf:"address"`
	Role    string `koanf:"role"` // writer, reader, shared-master

	// HeartbeatInterval is how often the instance refreshes its
	// registry record.
	HeartbeatInterval time.Duration `koanf:"heartbeat_interval"`
}

// PoolConfig tunes one connection pool.
type PoolConfig struct {
	MaxPerKey     int           `koanf:"max_per_key"`
	WaitTimeout   time.Duration `koanf:"wait_timeout"`
	IdleTimeout   time.Duration `koanf:"idle_timeout"`
	ConnectionTTL time.Duration `koanf:"connection_ttl"`
	SweepInterval time.Duration `koanf:"sweep_interval"`
}

// AdmissionConfig tunes the resource sampler.
type AdmissionConfig struct {
	Interval           time.Duration `koanf:"interval"`
	CPUWarningPercent  float64       `koanf:"cpu_warning_percent"`
	CPUCriticalPercent float64       `koanf:"cpu_critical_percent"`
	MemWarningPercent  float64       `koanf:"mem_warning_percent"`
	MemCriticalPercent float64       `koanf:"mem_critical_percent"`
	CriticalSamples    int           `koanf:"critical_samples"`
	RecoverySamples    int           `koanf:"recovery_samples"`
}

// RedisConfig holds instance registry backend settings.
type RedisConfig struct {
	Addr        string        `koanf:"addr"`
	Password    string        `koanf:"password"`
	DB          int           `koanf:"db"`
	InstanceTTL time.Duration `koanf:"instance_ttl"`
}

// RegistryConfig selects the registry backend.
type RegistryConfig struct {
	// Backend is "redis" or "memory".
	Backend string      `koanf:"backend"`
	Redis   RedisConfig `koanf:"redis"`
}

// MinioConfig holds S3-compatible object store settings.
type MinioConfig struct {
	Endpoint  string `koanf:"endpoint"`
	AccessKey string `koanf:"access_key"`
	SecretKey string `koanf:"secret_key"`
	Bucket    string `koanf:"bucket"`
	UseSSL    bool   `koanf:"use_ssl"`
}

// ObjectStoreConfig selects the object storage backend.
type ObjectStoreConfig struct {
	// Backend is "minio" or "local".
	Backend  string      `koanf:"backend"`
	LocalDir string      `koanf:"local_dir"`
	Minio    MinioConfig `koanf:"minio"`
}

// TaskConfig tunes the task coordinator.
type TaskConfig struct {
	StorePath    string        `koanf:"store_path"`
	PollInterval time.Duration `koanf:"poll_interval"`
	Grace        time.Duration `koanf:"grace"`
	ReapInterval time.Duration `koanf:"reap_interval"`
}

// RouterConfig tunes cluster routing.
type RouterConfig struct {
	MaxFailoverCandidates int           `koanf:"max_failover_candidates"`
	HeartbeatTimeout      time.Duration `koanf:"heartbeat_timeout"`
}

// Config is the full runtime configuration.
type Config struct {
	Instance InstanceConfig `koanf:"instance"`

	// DataDir holds graph databases, StagingDir the per-graph staging
	// databases, ScratchDir fetched objects and handoff files.
	DataDir    string `koanf:"data_dir"`
	StagingDir string `koanf:"staging_dir"`
	ScratchDir string `koanf:"scratch_dir"`

	// MaxDatabases caps hosted graph databases on this instance.
	MaxDatabases int `koanf:"max_databases"`

	// DrainTimeout bounds non-forced delete drains.
	DrainTimeout time.Duration `koanf:"drain_timeout"`

	// QueryTimeout is the default per-query execution bound.
	QueryTimeout time.Duration `koanf:"query_timeout"`

	// ChunkSize bounds streaming staging query chunks.
	ChunkSize int `koanf:"chunk_size"`

	GraphPool   PoolConfig        `koanf:"graph_pool"`
	StagingPool PoolConfig        `koanf:"staging_pool"`
	Admission   AdmissionConfig   `koanf:"admission"`
	Registry    RegistryConfig    `koanf:"registry"`
	ObjectStore ObjectStoreConfig `koanf:"object_store"`
	Tasks       TaskConfig        `koanf:"tasks"`
	Router      RouterConfig      `koanf:"router"`
}

// ApplyDefaults fills zero fields with production defaults. Component
// configs apply their own finer-grained defaults at construction.
func (c *Config) ApplyDefaults() {
	if c.Instance.ID == "" {
		c.Instance.ID = "nestgraph-0"
	}
	if c.Instance.Role == "" {
		c.Instance.Role = "shared-master"
	}
	if c.Instance.HeartbeatInterval <= 0 {
		c.Instance.HeartbeatInterval = 10 * time.Second
	}
	if c.DataDir == "" {
		c.DataDir = "data/graphs"
	}
	if c.StagingDir == "" {
		c.StagingDir = "data/staging"
	}
	if c.ScratchDir == "" {
		c.ScratchDir = "data/scratch"
	}
	if c.MaxDatabases <= 0 {
		c.MaxDatabases = 64
	}
	if c.QueryTimeout <= 0 {
		c.QueryTimeout = 60 * time.Second
	}
	if c.ChunkSize <= 0 {
		c.ChunkSize = 1000
	}
	if c.Registry.Backend == "" {
		c.Registry.Backend = "memory"
	}
	if c.ObjectStore.Backend == "" {
		c.ObjectStore.Backend = "local"
	}
	if c.ObjectStore.LocalDir == "" {
		c.ObjectStore.LocalDir = "data/objects"
	}
	if c.Tasks.StorePath == "" {
		c.Tasks.StorePath = "data/tasks.db"
	}
}
