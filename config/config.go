// Package config loads process settings from corpora.yaml and CORPORA_* environment
// variables.
package config

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/spf13/viper"
)

// Config is the full process configuration.
type Config struct {
	Database     DatabaseConfig     `mapstructure:"database"`
	Search       SearchConfig       `mapstructure:"search"`
	Graph        GraphConfig        `mapstructure:"graph"`
	Redis        RedisConfig        `mapstructure:"redis"`
	Query        QueryConfig        `mapstructure:"query"`
	ContentViews ContentViewsConfig `mapstructure:"content_views"`
	Files        FilesConfig        `mapstructure:"files"`
	Jobs         JobsConfig         `mapstructure:"jobs"`
	Log          LogConfig          `mapstructure:"log"`
	Metrics      MetricsConfig      `mapstructure:"metrics"`
}

// DatabaseConfig points at the primary SQLite store.
type DatabaseConfig struct {
	Path        string `mapstructure:"path"`
	TablePrefix string `mapstructure:"table_prefix"`
}

type SearchConfig struct {
	URL      string        `mapstructure:"url"`
	Username string        `mapstructure:"username"`
	Password string        `mapstructure:"password"`
	RetryMax int           `mapstructure:"retry_max"`
	Timeout  time.Duration `mapstructure:"timeout"`
}

type GraphConfig struct {
	URI        string `mapstructure:"uri"`
	Username   string `mapstructure:"username"`
	Password   string `mapstructure:"password"`
	Database   string `mapstructure:"database"`
	MaxRetries int    `mapstructure:"max_retries"`
	BatchSize  int    `mapstructure:"batch_size"`
}

type RedisConfig struct {
	Addr     string `mapstructure:"addr"`
	Password string `mapstructure:"password"`
	DB       int    `mapstructure:"db"`
	Prefix   string `mapstructure:"prefix"`
}

// QueryConfig bounds search paging.
type QueryConfig struct {
	DeepPagingThreshold int           `mapstructure:"deep_paging_threshold"`
	DefaultPageSize     int           `mapstructure:"default_page_size"`
	MaxPageSize         int           `mapstructure:"max_page_size"`
	CursorTTL           time.Duration `mapstructure:"cursor_ttl"`
}

type ContentViewsConfig struct {
	Capacity  int64 `mapstructure:"capacity"`
	BatchSize int   `mapstructure:"batch_size"`
}

type FilesConfig struct {
	Root string `mapstructure:"root"`
}

type JobsConfig struct {
	Prefix      string        `mapstructure:"prefix"`
	ResultTTL   time.Duration `mapstructure:"result_ttl"`
	Workers     int           `mapstructure:"workers"`
	PollTimeout time.Duration `mapstructure:"poll_timeout"`
}

// LogConfig selects the zap level and an optional rotated log file.
type LogConfig struct {
	Level      string `mapstructure:"level"`
	Format     string `mapstructure:"format"`
	File       string `mapstructure:"file"`
	MaxSizeMB  int    `mapstructure:"max_size_mb"`
	MaxBackups int    `mapstructure:"max_backups"`
	MaxAgeDays int    `mapstructure:"max_age_days"`
}

type MetricsConfig struct {
	Addr string `mapstructure:"addr"`
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("database.path", "corpora.db")
	v.SetDefault("search.url", "http://localhost:9200")
	v.SetDefault("search.retry_max", 3)
	v.SetDefault("search.timeout", 30*time.Second)
	v.SetDefault("graph.uri", "neo4j://localhost:7687")
	v.SetDefault("graph.username", "neo4j")
	v.SetDefault("graph.max_retries", 3)
	v.SetDefault("graph.batch_size", 1000)
	v.SetDefault("redis.addr", "localhost:6379")
	v.SetDefault("redis.prefix", "corpora:")
	v.SetDefault("query.deep_paging_threshold", 9000)
	v.SetDefault("query.default_page_size", 50)
	v.SetDefault("query.max_page_size", 1000)
	v.SetDefault("query.cursor_ttl", 5*time.Minute)
	v.SetDefault("content_views.capacity", 60000)
	v.SetDefault("content_views.batch_size", 1000)
	v.SetDefault("files.root", "files")
	v.SetDefault("jobs.prefix", "corpora:jobs:")
	v.SetDefault("jobs.result_ttl", 24*time.Hour)
	v.SetDefault("jobs.workers", 2)
	v.SetDefault("jobs.poll_timeout", 5*time.Second)
	v.SetDefault("log.level", "info")
	v.SetDefault("log.format", "console")
	v.SetDefault("log.max_size_mb", 100)
	v.SetDefault("log.max_backups", 5)
	v.SetDefault("log.max_age_days", 30)
	v.SetDefault("metrics.addr", ":9090")
}

// Load reads configuration. An explicit file must exist; otherwise corpora.yaml is
// looked up in the working directory and $HOME/.corpora, and a missing file leaves
// the defaults.
func Load(file string) (*Config, error) {
	v := viper.New()
	setDefaults(v)

	if file != "" {
		v.SetConfigFile(file)
	} else {
		v.SetConfigName("corpora")
		v.SetConfigType("yaml")
		v.AddConfigPath(".")
		v.AddConfigPath("$HOME/.corpora")
	}

	v.SetEnvPrefix("CORPORA")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	if err := v.ReadInConfig(); err != nil {
		var notFound viper.ConfigFileNotFoundError
		if file != "" || !errors.As(err, &notFound) {
			return nil, fmt.Errorf("failed to read config file: %w", err)
		}
	}

	var config Config
	if err := v.Unmarshal(&config); err != nil {
		return nil, fmt.Errorf("failed to unmarshal config: %w", err)
	}
	if err := validate(&config); err != nil {
		return nil, err
	}
	return &config, nil
}

func validate(cfg *Config) error {
	if cfg.Database.Path == "" {
		return fmt.Errorf("database.path is required")
	}
	if cfg.Query.DefaultPageSize > cfg.Query.MaxPageSize {
		return fmt.Errorf("query.default_page_size (%d) exceeds query.max_page_size (%d)",
			cfg.Query.DefaultPageSize, cfg.Query.MaxPageSize)
	}
	if cfg.ContentViews.Capacity <= 0 {
		return fmt.Errorf("content_views.capacity must be positive, got: %d", cfg.ContentViews.Capacity)
	}
	switch cfg.Log.Format {
	case "console", "json":
	default:
		return fmt.Errorf("log.format must be console or json, got: %s", cfg.Log.Format)
	}
	return nil
}
