// Package config loads the process-wide Sluice configuration from YAML.
// The loaded Config is read-only: queues and engines only ever read it.
package config

import (
	"fmt"
	"os"
	"time"

	"go.yaml.in/yaml/v3"

	"github.com/koustreak/Sluice/internal/errs"
)

// Database describes one configured logical database.
type Database struct {
	// Name is the logical database identifier (e.g. "acuranzo").
	Name string `yaml:"name"`

	// Engine selects the backend: postgres, mysql, sqlite, db2.
	Engine string `yaml:"engine"`

	Host     string `yaml:"host"`
	Port     int    `yaml:"port"`
	Database string `yaml:"database"`
	Username string `yaml:"username"`
	Password string `yaml:"password"`

	// StatementCacheSize overrides the per-connection prepared statement
	// cache capacity. Zero means DefaultStatementCacheSize.
	StatementCacheSize int `yaml:"statement_cache_size"`

	// AutoMigration enables the migration engine for this database's
	// lead queue at startup.
	AutoMigration bool `yaml:"auto_migration"`

	// BootstrapQuery runs once after the lead queue connects.
	BootstrapQuery string `yaml:"bootstrap_query"`

	// Migrations points at the migration source: a local directory path,
	// or "minio://bucket/prefix" for an object-store source.
	Migrations string `yaml:"migrations"`

	// MaxChildQueues bounds the number of child queues the lead may spawn.
	MaxChildQueues int `yaml:"max_child_queues"`

	// QueueDepth is the capacity of each queue's request FIFO.
	QueueDepth int `yaml:"queue_depth"`

	// QueryTimeout is the default per-query deadline.
	QueryTimeout time.Duration `yaml:"query_timeout"`

	// HeartbeatInterval is the gap between connection health checks.
	HeartbeatInterval time.Duration `yaml:"heartbeat_interval"`
}

// ObjectStore holds credentials for the optional object-store migration
// source (MinIO / S3 style).
type ObjectStore struct {
	Endpoint  string `yaml:"endpoint"`
	AccessKey string `yaml:"access_key"`
	SecretKey string `yaml:"secret_key"`
	UseSSL    bool   `yaml:"use_ssl"`
	Region    string `yaml:"region"`
}

// Log configures the process logger.
type Log struct {
	Level  string `yaml:"level"`
	Format string `yaml:"format"`
}

// Config is the root configuration document.
type Config struct {
	Log         Log          `yaml:"log"`
	Databases   []Database   `yaml:"databases"`
	ObjectStore *ObjectStore `yaml:"object_store"`
}

// Defaults applied to zero-valued database entries.
const (
	DefaultStatementCacheSize = 32
	DefaultMaxChildQueues     = 4
	DefaultQueueDepth         = 256
	DefaultQueryTimeout       = 30 * time.Second
	DefaultHeartbeatInterval  = 30 * time.Second
)

// Load reads and validates the YAML configuration at path.
func Load(path string) (*Config, error) {
	raw, err := os.ReadFile(path)
	if err != nil {
		return nil, errs.Wrap(errs.ErrKindInvalidInput, "cannot read config file", err)
	}
	return Parse(raw)
}

// Parse decodes and validates a YAML configuration document.
func Parse(raw []byte) (*Config, error) {
	var cfg Config
	if err := yaml.Unmarshal(raw, &cfg); err != nil {
		return nil, errs.Wrap(errs.ErrKindBadData, "malformed config", err)
	}

	seen := make(map[string]bool, len(cfg.Databases))
	for i := range cfg.Databases {
		db := &cfg.Databases[i]
		if db.Name == "" {
			return nil, errs.Newf(errs.ErrKindBadData, "database %d has no name", i)
		}
		if seen[db.Name] {
			return nil, errs.Newf(errs.ErrKindBadData, "duplicate database name %q", db.Name)
		}
		seen[db.Name] = true

		switch db.Engine {
		case "postgres", "mysql", "sqlite", "db2":
		default:
			return nil, errs.Newf(errs.ErrKindBadData,
				"database %q: unsupported engine %q", db.Name, db.Engine)
		}

		applyDefaults(db)
	}

	return &cfg, nil
}

func applyDefaults(db *Database) {
	if db.StatementCacheSize <= 0 {
		db.StatementCacheSize = DefaultStatementCacheSize
	}
	if db.MaxChildQueues <= 0 {
		db.MaxChildQueues = DefaultMaxChildQueues
	}
	if db.QueueDepth <= 0 {
		db.QueueDepth = DefaultQueueDepth
	}
	if db.QueryTimeout <= 0 {
		db.QueryTimeout = DefaultQueryTimeout
	}
	if db.HeartbeatInterval <= 0 {
		db.HeartbeatInterval = DefaultHeartbeatInterval
	}
}

// FindDatabase returns the configured database with the given name,
// or nil when no such entry exists.
func (c *Config) FindDatabase(name string) *Database {
	if c == nil {
		return nil
	}
	for i := range c.Databases {
		if c.Databases[i].Name == name {
			return &c.Databases[i]
		}
	}
	return nil
}

// String renders a redacted summary, safe for logging.
func (d *Database) String() string {
	return fmt.Sprintf("%s(%s@%s:%d/%s)", d.Name, d.Engine, d.Host, d.Port, d.Database)
}
