// Package config loads daemon configuration from defaults, an optional
// YAML file, and DEMJOBS_-prefixed environment variables, in rising
// precedence order.
package config

import (
	"fmt"
	"strings"
	"time"

	"github.com/spf13/viper"

	"github.com/openelev/demjobs/pkg/notify"
	"github.com/openelev/demjobs/pkg/storage"
	s3store "github.com/openelev/demjobs/pkg/storage/s3"
)

// EnvPrefix is the environment variable prefix, e.g. DEMJOBS_SERVER_PORT.
const EnvPrefix = "DEMJOBS"

// Config is the full daemon configuration.
type Config struct {
	Server   ServerConfig   `mapstructure:"server"`
	Logging  LoggingConfig  `mapstructure:"logging"`
	Ledger   LedgerConfig   `mapstructure:"ledger"`
	Storage  StorageConfig  `mapstructure:"storage"`
	Jobs     JobsConfig     `mapstructure:"jobs"`
	Snapshot SnapshotConfig `mapstructure:"snapshot"`
	Notify   NotifyConfig   `mapstructure:"notify"`
}

// ServerConfig configures the read-only status API.
type ServerConfig struct {
	Enabled         bool          `mapstructure:"enabled"`
	Host            string        `mapstructure:"host"`
	Port            int           `mapstructure:"port"`
	ReadTimeout     time.Duration `mapstructure:"read_timeout"`
	WriteTimeout    time.Duration `mapstructure:"write_timeout"`
	IdleTimeout     time.Duration `mapstructure:"idle_timeout"`
	ShutdownTimeout time.Duration `mapstructure:"shutdown_timeout"`
}

type LoggingConfig struct {
	Level string `mapstructure:"level"`
}

// LedgerConfig locates the local job ledger.
type LedgerConfig struct {
	Path string `mapstructure:"path"`
}

// StorageConfig selects and configures the object store backend.
type StorageConfig struct {
	// Backend is "s3" or "local". Local serves single-node and test
	// deployments; the bucket names become directories under LocalDir.
	Backend  string          `mapstructure:"backend"`
	LocalDir string          `mapstructure:"local_dir"`
	S3       s3store.Config  `mapstructure:"s3"`
	Buckets  storage.Buckets `mapstructure:"buckets"`
}

// JobsConfig tunes job detection and input promotion.
type JobsConfig struct {
	DataDir         string        `mapstructure:"data_dir"`
	LandingPrefix   string        `mapstructure:"landing_prefix"`
	PollInterval    time.Duration `mapstructure:"poll_interval"`
	DownloadTimeout time.Duration `mapstructure:"download_timeout"`
	MaxFileSize     int64         `mapstructure:"max_file_size"`
	AllowPatterns   []string      `mapstructure:"allow_patterns"`
	DenyPatterns    []string      `mapstructure:"deny_patterns"`
}

// SnapshotConfig tunes ledger snapshot publication.
type SnapshotConfig struct {
	Key              string        `mapstructure:"key"`
	LatestKey        string        `mapstructure:"latest_key"`
	Debounce         time.Duration `mapstructure:"debounce"`
	LatestJobs       int           `mapstructure:"latest_jobs"`
	LatestDays       int           `mapstructure:"latest_days"`
	MinClientVersion string        `mapstructure:"min_client_version"`
}

// NotifyConfig configures job notifications.
type NotifyConfig struct {
	// Enabled gates all notification delivery.
	Enabled bool             `mapstructure:"enabled"`
	SNS     notify.SNSConfig `mapstructure:"sns"`
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("server.enabled", true)
	v.SetDefault("server.host", "localhost")
	v.SetDefault("server.port", 8080)
	v.SetDefault("server.read_timeout", "30s")
	v.SetDefault("server.write_timeout", "30s")
	v.SetDefault("server.idle_timeout", "120s")
	v.SetDefault("server.shutdown_timeout", "10s")

	v.SetDefault("logging.level", "info")

	v.SetDefault("ledger.path", "demjobs.db")

	v.SetDefault("storage.backend", "s3")
	v.SetDefault("storage.local_dir", "")
	v.SetDefault("storage.buckets.untrusted", "dem-untrusted")
	v.SetDefault("storage.buckets.trusted", "dem-trusted")
	v.SetDefault("storage.buckets.quarantine", "dem-quarantine")
	v.SetDefault("storage.buckets.export", "dem-export")
	v.SetDefault("storage.buckets.database", "dem-database")

	v.SetDefault("jobs.data_dir", "data")
	v.SetDefault("jobs.landing_prefix", "")
	v.SetDefault("jobs.poll_interval", "5s")
	v.SetDefault("jobs.download_timeout", "10m")
	v.SetDefault("jobs.max_file_size", int64(10*1024*1024*1024))
	v.SetDefault("jobs.allow_patterns", []string{})
	v.SetDefault("jobs.deny_patterns", []string{})

	v.SetDefault("snapshot.key", "jobs.db")
	v.SetDefault("snapshot.latest_key", "jobs_latest.db")
	v.SetDefault("snapshot.debounce", "15s")
	v.SetDefault("snapshot.latest_jobs", 100)
	v.SetDefault("snapshot.latest_days", 14)
	v.SetDefault("snapshot.min_client_version", "")

	v.SetDefault("notify.enabled", false)
	v.SetDefault("notify.sns.topic_arn", "")
}

// Load reads configuration. path may be empty; when set it must name a
// readable YAML file.
func Load(path string) (*Config, error) {
	v := viper.New()
	setDefaults(v)

	v.SetEnvPrefix(EnvPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	if path != "" {
		v.SetConfigFile(path)
		v.SetConfigType("yaml")
		if err := v.ReadInConfig(); err != nil {
			return nil, fmt.Errorf("read config %s: %w", path, err)
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("parse config: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

// Validate checks cross-field constraints that viper cannot express.
func (c *Config) Validate() error {
	if c.Ledger.Path == "" {
		return fmt.Errorf("config: ledger.path is required")
	}
	switch c.Storage.Backend {
	case "s3":
		if err := c.Storage.S3.Validate(); err != nil {
			return err
		}
	case "local":
		if c.Storage.LocalDir == "" {
			return fmt.Errorf("config: storage.local_dir is required for the local backend")
		}
	default:
		return fmt.Errorf("config: unsupported storage backend %q", c.Storage.Backend)
	}
	if err := c.Storage.Buckets.Validate(); err != nil {
		return err
	}
	if c.Notify.Enabled {
		if err := c.Notify.SNS.Validate(); err != nil {
			return err
		}
	}
	if c.Snapshot.LatestJobs < 0 || c.Snapshot.LatestDays < 0 {
		return fmt.Errorf("config: snapshot trim bounds must be non-negative")
	}
	return nil
}
