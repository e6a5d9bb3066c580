// Package config loads and validates service configuration via Viper.
package config

import (
	"fmt"
	"strings"
	"time"

	"github.com/spf13/viper"
)

// Config captures all service configuration knobs loaded via Viper.
type Config struct {
	Server       ServerConfig       `mapstructure:"server"`
	Logging      LoggingConfig      `mapstructure:"logging"`
	Store        StoreConfig        `mapstructure:"store"`
	Apify        ApifyConfig        `mapstructure:"apify"`
	Dispatch     DispatchConfig     `mapstructure:"dispatch"`
	SQS          SQSConfig          `mapstructure:"sqs"`
	Archive      ArchiveConfig      `mapstructure:"archive"`
	PubSub       PubSubConfig       `mapstructure:"pubsub"`
	Orchestrator OrchestratorConfig `mapstructure:"orchestrator"`
	Outbound     OutboundConfig     `mapstructure:"outbound"`
}

// ServerConfig controls HTTP server behavior.
type ServerConfig struct {
	Port           int           `mapstructure:"port"`
	RequestTimeout time.Duration `mapstructure:"request_timeout"`
}

// LoggingConfig toggles zap development features and the minimum level.
type LoggingConfig struct {
	Development bool   `mapstructure:"development"`
	Level       string `mapstructure:"level"`
}

// Store backends.
const (
	StoreREST     = "rest"
	StorePostgres = "postgres"
)

// StoreConfig selects and configures the persistence gateway.
type StoreConfig struct {
	Backend        string `mapstructure:"backend"`
	URL            string `mapstructure:"url"`
	Key            string `mapstructure:"key"`
	TimeoutSeconds int    `mapstructure:"timeout_seconds"`
	DSN            string `mapstructure:"dsn"`
	MaxConns       int32  `mapstructure:"max_conns"`
}

// Timeout returns the per-call store timeout.
func (s StoreConfig) Timeout() time.Duration {
	return time.Duration(s.TimeoutSeconds) * time.Second
}

// ApifyConfig configures the job runner client.
type ApifyConfig struct {
	Token          string        `mapstructure:"token"`
	BaseURL        string        `mapstructure:"base_url"`
	ActorID        string        `mapstructure:"actor_id"`
	PollInterval   time.Duration `mapstructure:"poll_interval"`
	TimeoutSeconds int           `mapstructure:"timeout_seconds"`
	MaxWait        time.Duration `mapstructure:"max_wait"`
}

// Dispatch backends.
const (
	DispatchMemory = "memory"
	DispatchSQS    = "sqs"
)

// DispatchConfig governs deferred execution.
type DispatchConfig struct {
	Backend        string        `mapstructure:"backend"`
	Workers        int           `mapstructure:"workers"`
	QueueDepth     int           `mapstructure:"queue_depth"`
	EnqueueTimeout time.Duration `mapstructure:"enqueue_timeout"`
	// RunTimeout bounds each deferred run and how long shutdown waits for
	// runs still in flight.
	RunTimeout time.Duration `mapstructure:"run_timeout"`
}

// SQSConfig locates the hand-off queue.
type SQSConfig struct {
	Region   string `mapstructure:"region"`
	QueueURL string `mapstructure:"queue_url"`
}

// Archive backends.
const (
	ArchiveNone   = "none"
	ArchiveMemory = "memory"
	ArchiveGCS    = "gcs"
)

// ArchiveConfig selects where raw datasets are kept. Setting a bucket implies gcs.
type ArchiveConfig struct {
	Backend   string `mapstructure:"backend"`
	GCSBucket string `mapstructure:"gcs_bucket"`
	Prefix    string `mapstructure:"prefix"`
}

// PubSubConfig enables completion events when a topic is set.
type PubSubConfig struct {
	ProjectID string `mapstructure:"project_id"`
	Topic     string `mapstructure:"topic"`
}

// OrchestratorConfig holds run defaults.
type OrchestratorConfig struct {
	DefaultMaxReviews int `mapstructure:"default_max_reviews"`
}

// OutboundConfig rate limits calls to the job runner and store, per host.
// A zero MaxRPS leaves calls unthrottled.
type OutboundConfig struct {
	MaxRPS float64 `mapstructure:"max_rps"`
	Burst  int     `mapstructure:"burst"`
}

// legacyEnv maps keys to the bare environment names older deployments use.
var legacyEnv = map[string]string{
	"store.url":   "SUPABASE_URL",
	"store.key":   "SUPABASE_KEY",
	"apify.token": "APIFY_TOKEN",
}

// Load builds a Config from disk/environment.
func Load(path string) (Config, error) {
	v := viper.New()
	v.SetEnvPrefix("SCRAPER")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()
	for key, env := range legacyEnv {
		prefixed := "SCRAPER_" + strings.ToUpper(strings.ReplaceAll(key, ".", "_"))
		if err := v.BindEnv(key, prefixed, env); err != nil {
			return Config{}, fmt.Errorf("bind env %s: %w", key, err)
		}
	}

	setDefaults(v)

	if path != "" {
		v.SetConfigFile(path)
		if err := v.ReadInConfig(); err != nil {
			return Config{}, fmt.Errorf("read config: %w", err)
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return Config{}, fmt.Errorf("unmarshal config: %w", err)
	}
	if cfg.Archive.GCSBucket != "" && cfg.Archive.Backend == ArchiveNone {
		cfg.Archive.Backend = ArchiveGCS
	}

	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}

	return cfg, nil
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("server.port", 8080)
	v.SetDefault("server.request_timeout", 20*time.Minute)
	v.SetDefault("logging.development", false)
	v.SetDefault("logging.level", "info")
	v.SetDefault("store.backend", StoreREST)
	v.SetDefault("store.url", "")
	v.SetDefault("store.key", "")
	v.SetDefault("store.timeout_seconds", 30)
	v.SetDefault("store.max_conns", 4)
	v.SetDefault("apify.token", "")
	v.SetDefault("apify.base_url", "https://api.apify.com/v2")
	v.SetDefault("apify.actor_id", "Xb8osYTtOjlsgI6k9")
	v.SetDefault("apify.poll_interval", 5*time.Second)
	v.SetDefault("apify.timeout_seconds", 30)
	v.SetDefault("apify.max_wait", 15*time.Minute)
	v.SetDefault("dispatch.backend", DispatchMemory)
	v.SetDefault("dispatch.workers", 2)
	v.SetDefault("dispatch.queue_depth", 64)
	v.SetDefault("dispatch.enqueue_timeout", 2*time.Second)
	v.SetDefault("dispatch.run_timeout", 20*time.Minute)
	v.SetDefault("archive.backend", ArchiveNone)
	v.SetDefault("archive.prefix", "raw")
	v.SetDefault("orchestrator.default_max_reviews", 5)
	v.SetDefault("outbound.max_rps", 0)
	v.SetDefault("outbound.burst", 5)
}

// Validate enforces required values and reasonable limits. Missing store or
// job-runner credentials are not rejected here; runs report them per attempt.
func (c Config) Validate() error {
	if c.Server.Port <= 0 {
		return fmt.Errorf("server.port must be > 0")
	}
	switch c.Store.Backend {
	case StoreREST:
		if c.Store.TimeoutSeconds <= 0 {
			return fmt.Errorf("store.timeout_seconds must be > 0")
		}
	case StorePostgres:
		if c.Store.DSN == "" {
			return fmt.Errorf("store.dsn must be set when store.backend is postgres")
		}
	default:
		return fmt.Errorf("store.backend must be %q or %q, got %q", StoreREST, StorePostgres, c.Store.Backend)
	}
	if c.Apify.PollInterval <= 0 {
		return fmt.Errorf("apify.poll_interval must be > 0")
	}
	switch c.Dispatch.Backend {
	case DispatchMemory:
		if c.Dispatch.QueueDepth <= 0 {
			return fmt.Errorf("dispatch.queue_depth must be > 0")
		}
	case DispatchSQS:
		if c.SQS.QueueURL == "" {
			return fmt.Errorf("sqs.queue_url must be set when dispatch.backend is sqs")
		}
	default:
		return fmt.Errorf("dispatch.backend must be %q or %q, got %q", DispatchMemory, DispatchSQS, c.Dispatch.Backend)
	}
	if c.Apify.MaxWait <= 0 {
		return fmt.Errorf("apify.max_wait must be > 0")
	}
	if c.Dispatch.RunTimeout <= 0 {
		return fmt.Errorf("dispatch.run_timeout must be > 0")
	}
	if c.Dispatch.Workers < 0 {
		return fmt.Errorf("dispatch.workers must be >= 0")
	}
	switch c.Archive.Backend {
	case ArchiveNone, ArchiveMemory:
	case ArchiveGCS:
		if c.Archive.GCSBucket == "" {
			return fmt.Errorf("archive.gcs_bucket must be set when archive.backend is gcs")
		}
	default:
		return fmt.Errorf("archive.backend must be one of none, memory, gcs, got %q", c.Archive.Backend)
	}
	if c.PubSub.Topic != "" && c.PubSub.ProjectID == "" {
		return fmt.Errorf("pubsub.project_id must be set when pubsub.topic is set")
	}
	if c.Outbound.MaxRPS < 0 {
		return fmt.Errorf("outbound.max_rps must be >= 0")
	}
	if c.Orchestrator.DefaultMaxReviews <= 0 {
		return fmt.Errorf("orchestrator.default_max_reviews must be > 0")
	}
	return nil
}
