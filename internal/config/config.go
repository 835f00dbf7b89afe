// Package config loads and validates service configuration via Viper.
package config

import (
	"encoding/json"
	"errors"
	"fmt"
	"io/fs"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"
	"github.com/joho/godotenv"
	"github.com/robfig/cron/v3"
	"github.com/spf13/viper"
	"go.uber.org/zap"

	"github.com/JakeFAU/cabinet/internal/crawler"
	"github.com/JakeFAU/cabinet/internal/logging"
	pubsubqueue "github.com/JakeFAU/cabinet/internal/queue/pubsub"
	gcsstorage "github.com/JakeFAU/cabinet/internal/storage/gcs"
	localstorage "github.com/JakeFAU/cabinet/internal/storage/local"
	s3storage "github.com/JakeFAU/cabinet/internal/storage/s3"
)

// Watcher sync modes.
const (
	WatcherSyncKeep  = "keep"
	WatcherSyncReset = "reset"
)

// CronParser accepts five-field specs with an optional leading seconds
// field, plus descriptors such as @hourly.
var CronParser = cron.NewParser(
	cron.SecondOptional | cron.Minute | cron.Hour | cron.Dom | cron.Month | cron.Dow | cron.Descriptor,
)

// Config captures all service configuration knobs loaded via Viper.
type Config struct {
	Server     ServerConfig     `mapstructure:"server"`
	Logging    logging.Config   `mapstructure:"logging"`
	Database   DatabaseConfig   `mapstructure:"database"`
	Queue      QueueConfig      `mapstructure:"queue"`
	Attachment AttachmentConfig `mapstructure:"attachment"`
	Crawling   CrawlingConfig   `mapstructure:"crawling"`
	Fetch      FetchConfig      `mapstructure:"fetch"`
	Storage    StorageConfig    `mapstructure:"storage"`
	Statistics StatisticsConfig `mapstructure:"statistics"`
	Watchers   []WatcherConfig  `mapstructure:"watchers"`
}

// ServerConfig controls the admin HTTP server.
type ServerConfig struct {
	Port   int    `mapstructure:"port"`
	APIKey string `mapstructure:"api_key"`
}

// DatabaseConfig selects and tunes the entity store.
type DatabaseConfig struct {
	Type            string        `mapstructure:"type"`
	DSN             string        `mapstructure:"dsn"`
	Schema          string        `mapstructure:"schema"`
	MaxConns        int32         `mapstructure:"max_conns"`
	MinConns        int32         `mapstructure:"min_conns"`
	MaxConnLifetime time.Duration `mapstructure:"max_conn_lifetime"`
}

// QueueConfig selects the attachment job queue.
type QueueConfig struct {
	Type   string             `mapstructure:"type"`
	PubSub pubsubqueue.Config `mapstructure:"pubsub"`
}

// DownloadThrottle holds the pacing delays of the download loop in ms.
type DownloadThrottle struct {
	Download int `mapstructure:"download"`
	Failover int `mapstructure:"failover"`
}

// AttachmentConfig tunes the download pipeline.
type AttachmentConfig struct {
	DownloadThrottle DownloadThrottle `mapstructure:"download_throttle"`
	HashCheck        bool             `mapstructure:"hash_check"`
	Concurrency      int              `mapstructure:"concurrency"`
}

// DownloadDelay is the pause after a successful download.
func (c AttachmentConfig) DownloadDelay() time.Duration {
	return time.Duration(c.DownloadThrottle.Download) * time.Millisecond
}

// FailoverDelay is the pause after a rate-limited download.
func (c AttachmentConfig) FailoverDelay() time.Duration {
	return time.Duration(c.DownloadThrottle.Failover) * time.Millisecond
}

// CrawlingConfig controls the crawl schedule and cycle behavior.
type CrawlingConfig struct {
	// Interval is a number of milliseconds or a cron spec.
	Interval       string              `mapstructure:"interval"`
	DeleteObsolete bool                `mapstructure:"delete_obsolete"`
	Concurrency    int                 `mapstructure:"concurrency"`
	WatcherSync    string              `mapstructure:"watcher_sync"`
	ArchiveCache   crawler.CacheConfig `mapstructure:"archive_cache"`
}

// Schedule is a parsed crawling interval. Exactly one field is set.
type Schedule struct {
	Every time.Duration
	Cron  string
}

// Schedule parses Interval.
func (c CrawlingConfig) Schedule() (Schedule, error) {
	spec := strings.TrimSpace(c.Interval)
	if spec == "" {
		return Schedule{}, fmt.Errorf("crawling.interval is required")
	}
	if ms, err := strconv.ParseInt(spec, 10, 64); err == nil {
		if ms <= 0 {
			return Schedule{}, fmt.Errorf("crawling.interval must be > 0")
		}
		return Schedule{Every: time.Duration(ms) * time.Millisecond}, nil
	}
	if _, err := CronParser.Parse(spec); err != nil {
		return Schedule{}, fmt.Errorf("crawling.interval: invalid cron %q: %w", spec, err)
	}
	return Schedule{Cron: spec}, nil
}

// FetchConfig tunes upstream HTTP requests.
type FetchConfig struct {
	UserAgent         string        `mapstructure:"user_agent"`
	Timeout           time.Duration `mapstructure:"timeout"`
	RequestsPerSecond float64       `mapstructure:"requests_per_second"`
	Burst             int           `mapstructure:"burst"`
}

// StorageConfig selects the attachment storage backend.
type StorageConfig struct {
	Type       string              `mapstructure:"type"`
	Filesystem localstorage.Config `mapstructure:"filesystem"`
	S3         s3storage.Config    `mapstructure:"s3"`
	GCS        gcsstorage.Config   `mapstructure:"gcs"`
}

// StatisticsConfig schedules entity count snapshots.
type StatisticsConfig struct {
	Enabled bool   `mapstructure:"enabled"`
	Cron    string `mapstructure:"cron"`
}

// WatcherConfig is one configured watcher. Source-specific fields are kept
// as-is and decoded by the crawler for Type.
type WatcherConfig struct {
	Name    string         `mapstructure:"name"`
	Type    string         `mapstructure:"type"`
	Options map[string]any `mapstructure:",remain"`
}

// Raw renders the full watcher entry, name and type included, as JSON.
func (w WatcherConfig) Raw() (json.RawMessage, error) {
	m := make(map[string]any, len(w.Options)+2)
	for k, v := range w.Options {
		m[k] = v
	}
	m["name"] = w.Name
	m["type"] = w.Type
	raw, err := json.Marshal(m)
	if err != nil {
		return nil, fmt.Errorf("marshal watcher %q: %w", w.Name, err)
	}
	return raw, nil
}

// Loader reads configuration from a file, .env and the environment, and
// can watch the file for changes.
type Loader struct {
	v    *viper.Viper
	path string
}

// NewLoader prepares a Loader. An empty path searches for config.yaml in
// the working directory and /etc/cabinet.
func NewLoader(path string) *Loader {
	v := viper.New()
	v.SetEnvPrefix("CABINET")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()
	setDefaults(v)
	if path != "" {
		v.SetConfigFile(path)
	} else {
		v.SetConfigName("config")
		v.AddConfigPath(".")
		v.AddConfigPath("/etc/cabinet/")
	}
	return &Loader{v: v, path: path}
}

// Load builds a Config from disk/environment.
func Load(path string) (Config, error) {
	return NewLoader(path).Load()
}

// Load reads and validates the configuration.
func (l *Loader) Load() (Config, error) {
	if err := godotenv.Load(); err != nil && !errors.Is(err, fs.ErrNotExist) {
		return Config{}, fmt.Errorf("load .env: %w", err)
	}
	if err := l.v.ReadInConfig(); err != nil {
		var notFound viper.ConfigFileNotFoundError
		if l.path != "" || !errors.As(err, &notFound) {
			return Config{}, fmt.Errorf("read config: %w", err)
		}
	}
	return l.decode()
}

func (l *Loader) decode() (Config, error) {
	var cfg Config
	if err := l.v.Unmarshal(&cfg); err != nil {
		return Config{}, fmt.Errorf("unmarshal config: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

// File reports the config file in use, or "" when running on defaults.
func (l *Loader) File() string {
	return l.v.ConfigFileUsed()
}

// Watch emits every valid configuration written to the config file. An
// invalid edit is logged and skipped. Only the newest pending config is
// kept when the consumer lags.
func (l *Loader) Watch(logger *zap.Logger) <-chan Config {
	out := make(chan Config, 1)
	if l.File() == "" {
		return out
	}
	var mu sync.Mutex
	l.v.OnConfigChange(func(e fsnotify.Event) {
		mu.Lock()
		defer mu.Unlock()
		cfg, err := l.decode()
		if err != nil {
			logger.Error("ignoring invalid configuration change", zap.String("file", e.Name), zap.Error(err))
			return
		}
		logger.Warn("configuration changed", zap.String("file", e.Name))
		select {
		case <-out:
		default:
		}
		out <- cfg
	})
	l.v.WatchConfig()
	return out
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("server.port", 4000)
	v.SetDefault("logging.development", false)
	v.SetDefault("logging.level", "info")
	v.SetDefault("database.type", "postgres")
	v.SetDefault("database.max_conns", 10)
	v.SetDefault("queue.type", "memory")
	v.SetDefault("attachment.download_throttle.download", 1000)
	v.SetDefault("attachment.download_throttle.failover", 5000)
	v.SetDefault("attachment.hash_check", false)
	v.SetDefault("attachment.concurrency", 1)
	v.SetDefault("crawling.interval", "300000")
	v.SetDefault("crawling.delete_obsolete", false)
	v.SetDefault("crawling.concurrency", 1)
	v.SetDefault("crawling.watcher_sync", WatcherSyncKeep)
	v.SetDefault("crawling.archive_cache.size", 10000)
	v.SetDefault("crawling.archive_cache.failure_ttl", "0s")
	v.SetDefault("fetch.user_agent", "cabinet/1.0")
	v.SetDefault("fetch.timeout", "30s")
	v.SetDefault("fetch.requests_per_second", 1.0)
	v.SetDefault("fetch.burst", 1)
	v.SetDefault("storage.type", "filesystem")
	v.SetDefault("storage.filesystem.file_path", "data/files")
	v.SetDefault("storage.filesystem.thumbnail_path", "data/thumbnails")
	v.SetDefault("statistics.enabled", true)
	v.SetDefault("statistics.cron", "0 0 * * * *")
}

// Validate enforces required values and reasonable limits.
func (c Config) Validate() error {
	if c.Server.Port <= 0 {
		return fmt.Errorf("server.port must be > 0")
	}
	switch c.Database.Type {
	case "postgres":
		if c.Database.DSN == "" {
			return fmt.Errorf("database.dsn is required for postgres")
		}
	case "memory":
	default:
		return fmt.Errorf("database.type must be postgres or memory, got %q", c.Database.Type)
	}
	switch c.Queue.Type {
	case "memory", "pubsub":
	default:
		return fmt.Errorf("queue.type must be memory or pubsub, got %q", c.Queue.Type)
	}
	switch c.Storage.Type {
	case "filesystem", "s3", "gcs", "memory":
	default:
		return fmt.Errorf("storage.type must be filesystem, s3, gcs or memory, got %q", c.Storage.Type)
	}
	if c.Attachment.Concurrency <= 0 {
		return fmt.Errorf("attachment.concurrency must be > 0")
	}
	if c.Attachment.DownloadThrottle.Download < 0 || c.Attachment.DownloadThrottle.Failover < 0 {
		return fmt.Errorf("attachment.download_throttle values must be >= 0")
	}
	if c.Crawling.Concurrency <= 0 {
		return fmt.Errorf("crawling.concurrency must be > 0")
	}
	if c.Crawling.WatcherSync != WatcherSyncKeep && c.Crawling.WatcherSync != WatcherSyncReset {
		return fmt.Errorf("crawling.watcher_sync must be keep or reset, got %q", c.Crawling.WatcherSync)
	}
	if _, err := c.Crawling.Schedule(); err != nil {
		return err
	}
	if c.Fetch.Timeout <= 0 {
		return fmt.Errorf("fetch.timeout must be > 0")
	}
	if c.Statistics.Enabled {
		if _, err := CronParser.Parse(c.Statistics.Cron); err != nil {
			return fmt.Errorf("statistics.cron: %w", err)
		}
	}
	seen := make(map[string]bool, len(c.Watchers))
	for i, w := range c.Watchers {
		if w.Name == "" || w.Type == "" {
			return fmt.Errorf("watchers[%d] requires name and type", i)
		}
		if seen[w.Name] {
			return fmt.Errorf("watcher with name %q declared more than once", w.Name)
		}
		seen[w.Name] = true
	}
	return nil
}
