// Package config loads bsync configuration from bsync.yaml, BSYNC_* environment
// variables and command-line flags, in increasing order of precedence.
package config

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/spf13/afero"
	"github.com/spf13/viper"
	"gopkg.in/yaml.v3"

	"github.com/steveyegge/backupsync/internal/backup/blob"
	"github.com/steveyegge/backupsync/internal/backup/daemon"
	"github.com/steveyegge/backupsync/internal/backup/remote"
	bsync "github.com/steveyegge/backupsync/internal/backup/sync"
)

const (
	// EnvPrefix prefixes every environment variable, e.g. BSYNC_SERVER_URL.
	EnvPrefix = "BSYNC"

	// FileName is the config file name searched for without extension.
	FileName = "bsync"

	// StateFileName is the default name of the client state database.
	StateFileName = "bsync.state.db"
)

// Config is the full bsync configuration. The client commands read every
// section except Serve; `bsync serve` reads Serve and Log.
type Config struct {
	Server  ServerConfig  `mapstructure:"server"`
	Watch   WatchConfig   `mapstructure:"watch"`
	Queue   QueueConfig   `mapstructure:"queue"`
	Remote  RemoteConfig  `mapstructure:"remote"`
	Sync    SyncConfig    `mapstructure:"sync"`
	State   StateConfig   `mapstructure:"state"`
	Monitor MonitorConfig `mapstructure:"monitor"`
	Metrics MetricsConfig `mapstructure:"metrics"`
	Log     LogConfig     `mapstructure:"log"`
	Serve   ServeConfig   `mapstructure:"serve"`
}

// ServerConfig locates the remote backup store.
type ServerConfig struct {
	URL string `mapstructure:"url"`
}

// WatchConfig lists the trees to back up.
type WatchConfig struct {
	Roots    []string      `mapstructure:"roots"`
	Ignore   []string      `mapstructure:"ignore"`
	Debounce time.Duration `mapstructure:"debounce"`
}

type QueueConfig struct {
	PollInterval time.Duration `mapstructure:"poll_interval"`
}

type RemoteConfig struct {
	Timeout time.Duration `mapstructure:"timeout"`
}

type SyncConfig struct {
	Concurrency              int           `mapstructure:"concurrency"`
	DeleteMissingDirectories bool          `mapstructure:"delete_missing_directories"`
	Interval                 time.Duration `mapstructure:"interval"`
}

type StateConfig struct {
	Path string `mapstructure:"path"`
}

// MonitorConfig configures the websocket monitor. An empty Addr disables it.
type MonitorConfig struct {
	Addr string `mapstructure:"addr"`
}

// MetricsConfig configures a standalone prometheus listener for the daemon.
// An empty Addr disables it; the monitor serves /metrics as well.
type MetricsConfig struct {
	Addr string `mapstructure:"addr"`
}

// LogConfig configures logrus output.
type LogConfig struct {
	Level      string `mapstructure:"level"`
	Format     string `mapstructure:"format"`
	File       string `mapstructure:"file"`
	MaxSizeMB  int    `mapstructure:"max_size_mb"`
	MaxBackups int    `mapstructure:"max_backups"`
	MaxAgeDays int    `mapstructure:"max_age_days"`
}

// ServeConfig configures the reference backup store server.
type ServeConfig struct {
	Addr           string     `mapstructure:"addr"`
	DB             string     `mapstructure:"db"`
	Blob           BlobConfig `mapstructure:"blob"`
	MultipartLimit int64      `mapstructure:"multipart_limit"`
}

// BlobConfig selects where uploaded content is kept.
type BlobConfig struct {
	Backend string        `mapstructure:"backend"`
	Root    string        `mapstructure:"root"`
	S3      blob.S3Config `mapstructure:"s3"`
}

// Blob backends.
const (
	BlobLocal = "local"
	BlobS3    = "s3"
)

// Default returns the built-in configuration.
func Default() *Config {
	return &Config{
		Server: ServerConfig{URL: "http://localhost:52671"},
		Watch: WatchConfig{
			Ignore:   append([]string(nil), bsync.DefaultIgnore...),
			Debounce: 10 * time.Second,
		},
		Queue:  QueueConfig{PollInterval: 100 * time.Millisecond},
		Remote: RemoteConfig{Timeout: 10 * time.Minute},
		Sync: SyncConfig{
			Concurrency:              4,
			DeleteMissingDirectories: true,
		},
		State:   StateConfig{Path: filepath.Join(Dir(), StateFileName)},
		Monitor: MonitorConfig{Addr: "127.0.0.1:52672"},
		Log: LogConfig{
			Level:      "info",
			Format:     "text",
			MaxSizeMB:  50,
			MaxBackups: 3,
			MaxAgeDays: 28,
		},
		Serve: ServeConfig{
			Addr: ":52671",
			DB:   "backup.db",
			Blob: BlobConfig{
				Backend: BlobLocal,
				Root:    "blobs",
				S3:      blob.S3Config{Region: "us-east-1"},
			},
		},
	}
}

// Dir returns the per-user configuration directory, $HOME/.config/bsync on Linux.
func Dir() string {
	base, err := os.UserConfigDir()
	if err != nil {
		return "."
	}
	return filepath.Join(base, FileName)
}

// settings flattens c into dotted viper keys. It is the single list of keys
// known to bsync: defaults, environment binding and `config init` all use it.
func settings(c *Config) map[string]any {
	return map[string]any{
		"server.url": c.Server.URL,

		"watch.roots":    c.Watch.Roots,
		"watch.ignore":   c.Watch.Ignore,
		"watch.debounce": c.Watch.Debounce,

		"queue.poll_interval": c.Queue.PollInterval,
		"remote.timeout":      c.Remote.Timeout,

		"sync.concurrency":                c.Sync.Concurrency,
		"sync.delete_missing_directories": c.Sync.DeleteMissingDirectories,
		"sync.interval":                   c.Sync.Interval,

		"state.path":   c.State.Path,
		"monitor.addr": c.Monitor.Addr,
		"metrics.addr": c.Metrics.Addr,

		"log.level":        c.Log.Level,
		"log.format":       c.Log.Format,
		"log.file":         c.Log.File,
		"log.max_size_mb":  c.Log.MaxSizeMB,
		"log.max_backups":  c.Log.MaxBackups,
		"log.max_age_days": c.Log.MaxAgeDays,

		"serve.addr":               c.Serve.Addr,
		"serve.db":                 c.Serve.DB,
		"serve.multipart_limit":    c.Serve.MultipartLimit,
		"serve.blob.backend":       c.Serve.Blob.Backend,
		"serve.blob.root":          c.Serve.Blob.Root,
		"serve.blob.s3.endpoint":   c.Serve.Blob.S3.Endpoint,
		"serve.blob.s3.bucket":     c.Serve.Blob.S3.Bucket,
		"serve.blob.s3.region":     c.Serve.Blob.S3.Region,
		"serve.blob.s3.access_key": c.Serve.Blob.S3.AccessKey,
		"serve.blob.s3.secret_key": c.Serve.Blob.S3.SecretKey,
		"serve.blob.s3.prefix":     c.Serve.Blob.S3.Prefix,
	}
}

// NewViper returns a viper instance with bsync defaults and environment
// binding. When file is empty, bsync.yaml is searched for in the working
// directory and then in Dir().
func NewViper(fs afero.Fs, file string) *viper.Viper {
	v := viper.New()
	v.SetFs(fs)

	for key, value := range settings(Default()) {
		v.SetDefault(key, value)
	}

	v.SetEnvPrefix(EnvPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	if file != "" {
		v.SetConfigFile(file)
	} else {
		v.SetConfigName(FileName)
		v.SetConfigType("yaml")
		v.AddConfigPath(".")
		v.AddConfigPath(Dir())
	}
	return v
}

// Load reads the config file, if any, and decodes the merged configuration.
// A missing file is only an error when it was named explicitly.
func Load(v *viper.Viper) (*Config, error) {
	if err := v.ReadInConfig(); err != nil {
		var notFound viper.ConfigFileNotFoundError
		if !errors.As(err, &notFound) {
			return nil, fmt.Errorf("failed to read config: %w", err)
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("failed to decode config: %w", err)
	}

	roots := cfg.Watch.Roots[:0]
	for _, root := range cfg.Watch.Roots {
		if root = strings.TrimSpace(root); root != "" {
			roots = append(roots, filepath.Clean(root))
		}
	}
	cfg.Watch.Roots = roots
	return &cfg, nil
}

// ValidateClient checks the settings used by `bsync daemon` and `bsync sync`.
func (c *Config) ValidateClient() error {
	var errs []error
	if c.Server.URL == "" {
		errs = append(errs, errors.New("server.url is required"))
	}
	if len(c.Watch.Roots) == 0 {
		errs = append(errs, errors.New("watch.roots must list at least one directory"))
	}
	for _, root := range c.Watch.Roots {
		if !filepath.IsAbs(root) {
			errs = append(errs, fmt.Errorf("watch.roots: %s is not an absolute path", root))
		}
	}
	if c.Watch.Debounce < 0 {
		errs = append(errs, errors.New("watch.debounce must not be negative"))
	}
	if c.Sync.Concurrency <= 0 {
		errs = append(errs, errors.New("sync.concurrency must be positive"))
	}
	if c.Sync.Interval < 0 {
		errs = append(errs, errors.New("sync.interval must not be negative"))
	}
	return errors.Join(errs...)
}

// ValidateServe checks the settings used by `bsync serve`.
func (c *Config) ValidateServe() error {
	var errs []error
	if c.Serve.DB == "" {
		errs = append(errs, errors.New("serve.db is required"))
	}
	switch c.Serve.Blob.Backend {
	case BlobLocal:
		if c.Serve.Blob.Root == "" {
			errs = append(errs, errors.New("serve.blob.root is required for the local backend"))
		}
	case BlobS3:
		if c.Serve.Blob.S3.Bucket == "" {
			errs = append(errs, errors.New("serve.blob.s3.bucket is required for the s3 backend"))
		}
	default:
		errs = append(errs, fmt.Errorf("serve.blob.backend: unknown backend %q", c.Serve.Blob.Backend))
	}
	if c.Serve.MultipartLimit < 0 {
		errs = append(errs, errors.New("serve.multipart_limit must not be negative"))
	}
	return errors.Join(errs...)
}

// ClientConfig returns the remote client settings.
func (c *Config) ClientConfig() *remote.ClientConfig {
	return &remote.ClientConfig{
		BaseURL: c.Server.URL,
		Timeout: c.Remote.Timeout,
	}
}

// EngineConfig returns the reconciliation engine settings.
func (c *Config) EngineConfig() *bsync.Config {
	return &bsync.Config{
		Concurrency:              c.Sync.Concurrency,
		DeleteMissingDirectories: c.Sync.DeleteMissingDirectories,
		Ignore:                   c.Watch.Ignore,
	}
}

// PipelineConfig returns the daemon pipeline settings.
func (c *Config) PipelineConfig() *daemon.Config {
	cfg := daemon.DefaultConfig()
	cfg.Roots = c.Watch.Roots
	cfg.DebounceDelay = c.Watch.Debounce
	cfg.PollInterval = c.Queue.PollInterval
	cfg.SyncInterval = c.Sync.Interval
	return cfg
}

// Marshal renders c as YAML. Durations are written in Go duration syntax ("10s").
func Marshal(c *Config) ([]byte, error) {
	v := viper.New()
	for key, value := range settings(c) {
		if d, ok := value.(time.Duration); ok {
			value = d.String()
		}
		v.Set(key, value)
	}

	data, err := yaml.Marshal(v.AllSettings())
	if err != nil {
		return nil, fmt.Errorf("failed to marshal config: %w", err)
	}
	return data, nil
}

// Write stores c as YAML at path, creating parent directories.
func Write(fs afero.Fs, path string, c *Config) error {
	data, err := Marshal(c)
	if err != nil {
		return err
	}
	if err := fs.MkdirAll(filepath.Dir(path), 0755); err != nil {
		return fmt.Errorf("failed to create config directory: %w", err)
	}
	if err := afero.WriteFile(fs, path, data, 0644); err != nil {
		return fmt.Errorf("failed to write config %s: %w", path, err)
	}
	return nil
}
