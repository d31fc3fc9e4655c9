// Package config loads the §6 configuration surface from YAML, the way
// the teacher's config.go does for its Postgres/Iceberg/Proxy sections.
package config

import (
	"fmt"
	"os"
	"time"

	"gopkg.in/yaml.v3"
)

// Config is the top-level configuration document.
type Config struct {
	Catalog     CatalogConfig          `yaml:"catalog"`
	Storage     StorageConfig          `yaml:"storage"`
	Compaction  CompactionConfig       `yaml:"compaction"`
	Lifecycle   LifecycleConfig        `yaml:"lifecycle"`
	Proxy       ProxyConfig            `yaml:"proxy"`
	Tables      []TableConfig          `yaml:"tables"`
	Properties  map[string]string      `yaml:"properties"`
	TableProps  map[string]TableConfig `yaml:"table_overrides"`
}

// CatalogConfig describes the Postgres catalog connection and, when
// ingest is enabled, its logical replication parameters.
type CatalogConfig struct {
	Host            string `yaml:"host"`
	Port            int    `yaml:"port"`
	User            string `yaml:"user"`
	Password        string `yaml:"password"`
	Database        string `yaml:"database"`
	ReplicationSlot string `yaml:"replication_slot"`
	Publication     string `yaml:"publication"`

	// DSN, when set, overrides Host/Port/User/Password/Database.
	DSN string `yaml:"dsn"`

	// MaxConns is loaded from max_conns (default 8). NewPGCatalog builds
	// its pool from the DSN alone and does not read this field.
	MaxConns int32 `yaml:"max_conns"`
}

func (c CatalogConfig) dsn() string {
	if c.DSN != "" {
		return c.DSN
	}
	return fmt.Sprintf("postgres://%s:%s@%s:%d/%s", c.User, c.Password, c.Host, c.Port, c.Database)
}

// StorageConfig selects and configures the data-file storage backend.
type StorageConfig struct {
	Type   string `yaml:"type"` // "s3" or "local"
	Bucket string `yaml:"bucket"`
	Prefix string `yaml:"prefix"`
	Root   string `yaml:"root"` // local backend only
}

// CompactionConfig mirrors the §6 compaction.* options.
type CompactionConfig struct {
	FileNumLimit           int    `yaml:"file_number_limit"`
	MergeSizeLimit         int64  `yaml:"merge_size_limit"`
	MergeNumLimit          int    `yaml:"merge_num_limit"`
	FileSizeLimit          int64  `yaml:"max_file_size"`
	Rename                 bool   `yaml:"rename"`
	OnlySaveOnceCompaction bool   `yaml:"only_save_once_compaction"`
	ScheduleInterval        string `yaml:"schedule_interval"`
}

// LifecycleConfig mirrors the §4.8/§6 TTL options.
type LifecycleConfig struct {
	PartitionTTLDays  int `yaml:"partition_ttl_days"`
	CompactionTTLDays int `yaml:"compaction_ttl_days"`
}

// ProxyConfig configures the Postgres-wire query gateway.
type ProxyConfig struct {
	Port int `yaml:"port"`
}

// TableConfig names one table ingest should track, optionally carrying
// per-table property overrides (schema.autoMerge.enabled, cdc_column,
// hash_bucket_count, …).
type TableConfig struct {
	Schema     string            `yaml:"schema"`
	Name       string            `yaml:"name"`
	Properties map[string]string `yaml:"properties"`
}

// DSN returns the catalog connection string.
func (c *Config) DSN() string { return c.Catalog.dsn() }

// SnapshotCacheTTL is snapshot.cache.expire.seconds, defaulting to 1s.
func (c *Config) SnapshotCacheTTL() time.Duration {
	secs := 1
	if v, ok := c.Properties["snapshot.cache.expire.seconds"]; ok {
		var parsed int
		if _, err := fmt.Sscanf(v, "%d", &parsed); err == nil {
			secs = parsed
		}
	}
	return time.Duration(secs) * time.Second
}

func LoadConfig(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("reading config %q: %w", path, err)
	}

	var cfg Config
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return nil, fmt.Errorf("parsing config %q: %w", path, err)
	}
	applyDefaults(&cfg)
	return &cfg, nil
}

func applyDefaults(cfg *Config) {
	const gib = 1 << 30
	if cfg.Compaction.FileNumLimit == 0 {
		cfg.Compaction.FileNumLimit = 20
	}
	if cfg.Compaction.MergeSizeLimit == 0 {
		cfg.Compaction.MergeSizeLimit = gib
	}
	if cfg.Compaction.MergeNumLimit == 0 {
		cfg.Compaction.MergeNumLimit = 5
	}
	if cfg.Compaction.FileSizeLimit == 0 {
		cfg.Compaction.FileSizeLimit = 5 * gib
	}
	if cfg.Catalog.MaxConns == 0 {
		cfg.Catalog.MaxConns = 8
	}
}
