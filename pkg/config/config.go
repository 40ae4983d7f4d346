// Package config loads daedalus configuration: built-in defaults, then an
// optional YAML file, then DAEDALUS_* environment variables (with .env
// files loaded into the environment first).
package config

import (
	"errors"
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/joho/godotenv"
	"github.com/spf13/viper"

	"github.com/wehubfusion/Daedalus/pkg/concurrency"
)

// EnvPrefix prefixes every environment variable, e.g.
// DAEDALUS_ENGINE_MAX_IN_FLIGHT_TASKS for engine.max_in_flight_tasks.
const EnvPrefix = "DAEDALUS"

// Config is the full process configuration.
type Config struct {
	Service     ServiceConfig     `mapstructure:"service"`
	Engine      EngineConfig      `mapstructure:"engine"`
	Concurrency ConcurrencyConfig `mapstructure:"concurrency"`
	Events      EventsConfig      `mapstructure:"events"`
	Checkpoint  CheckpointConfig  `mapstructure:"checkpoint"`
	Storage     StorageConfig     `mapstructure:"storage"`
	Tracing     TracingConfig     `mapstructure:"tracing"`
	API         APIConfig         `mapstructure:"api"`
}

type ServiceConfig struct {
	Name        string `mapstructure:"name" validate:"required"`
	Environment string `mapstructure:"environment" validate:"oneof=development staging production"`
	Version     string `mapstructure:"version"`
	LogLevel    string `mapstructure:"log_level" validate:"oneof=debug info warn error"`
	LogFormat   string `mapstructure:"log_format" validate:"oneof=json console"`
}

// EngineConfig sizes a run driver. Zero values fall back to the
// concurrency auto-detection.
type EngineConfig struct {
	MaxInFlightTasks   int           `mapstructure:"max_in_flight_tasks" validate:"gte=0"`
	DefaultParallelism int           `mapstructure:"default_parallelism" validate:"gte=0"`
	ItemTimeout        time.Duration `mapstructure:"item_timeout" validate:"gte=0"`
	ExpressionTimeout  time.Duration `mapstructure:"expression_timeout" validate:"gte=0"`
	MaxSubgraphDepth   int           `mapstructure:"max_subgraph_depth" validate:"gte=0"`
	// CancelGrace is how long in-flight tasks keep running after a cancel
	// before their contexts are cancelled.
	CancelGrace time.Duration `mapstructure:"cancel_grace" validate:"gte=0"`
	// GraphDir holds the graph definitions served by the API.
	GraphDir string `mapstructure:"graph_dir"`
	// Reports persists a report per finished run to the blob storage.
	Reports bool `mapstructure:"reports"`
}

type ConcurrencyConfig struct {
	// MaxConcurrent caps step invocations across runs; zero auto-detects.
	MaxConcurrent           int           `mapstructure:"max_concurrent" validate:"gte=0"`
	CircuitBreakerThreshold int64         `mapstructure:"circuit_breaker_threshold" validate:"gte=0"`
	CircuitBreakerReset     time.Duration `mapstructure:"circuit_breaker_reset" validate:"gte=0"`
}

type EventsConfig struct {
	// BufferSize is the queue of each asynchronous sink.
	BufferSize int        `mapstructure:"buffer_size" validate:"gte=1"`
	Log        bool       `mapstructure:"log"`
	NATS       NATSConfig `mapstructure:"nats"`
	SentryDSN  string     `mapstructure:"sentry_dsn"`
}

// NATSConfig enables event publishing to JetStream when URL is set. The
// same connection serves the nats checkpoint store.
type NATSConfig struct {
	URL           string        `mapstructure:"url"`
	Token         string        `mapstructure:"token"`
	Username      string        `mapstructure:"username"`
	Password      string        `mapstructure:"password"`
	Stream        string        `mapstructure:"stream"`
	SubjectPrefix string        `mapstructure:"subject_prefix"`
	MaxAge        time.Duration `mapstructure:"max_age" validate:"gte=0"`
}

type CheckpointConfig struct {
	Store  string `mapstructure:"store" validate:"oneof=memory blob nats"`
	Bucket string `mapstructure:"bucket"`
}

// StorageConfig selects the blob storage used by the blob checkpoint store
// and run reports. An empty connection string keeps blobs in memory.
type StorageConfig struct {
	ConnectionString string `mapstructure:"connection_string"`
	Container        string `mapstructure:"container" validate:"required"`
}

type TracingConfig struct {
	Enabled     bool    `mapstructure:"enabled"`
	Endpoint    string  `mapstructure:"endpoint" validate:"required_if=Enabled true"`
	Insecure    bool    `mapstructure:"insecure"`
	SampleRatio float64 `mapstructure:"sample_ratio" validate:"gte=0,lte=1"`
}

type APIConfig struct {
	Addr            string        `mapstructure:"addr" validate:"required"`
	ShutdownTimeout time.Duration `mapstructure:"shutdown_timeout" validate:"gt=0"`
}

// defaults are registered with viper so every key is also bindable from
// the environment.
var defaults = map[string]any{
	"service.name":        "daedalus",
	"service.environment": "development",
	"service.version":     "dev",
	"service.log_level":   "info",
	"service.log_format":  "json",

	"engine.max_in_flight_tasks": 0,
	"engine.default_parallelism": 0,
	"engine.item_timeout":        "0s",
	"engine.expression_timeout":  "100ms",
	"engine.max_subgraph_depth":  8,
	"engine.cancel_grace":        "30s",
	"engine.graph_dir":           "",
	"engine.reports":             false,

	"concurrency.max_concurrent":            0,
	"concurrency.circuit_breaker_threshold": 0,
	"concurrency.circuit_breaker_reset":     "30s",

	"events.buffer_size":         1024,
	"events.log":                 true,
	"events.nats.url":            "",
	"events.nats.token":          "",
	"events.nats.username":       "",
	"events.nats.password":       "",
	"events.nats.stream":         "PIPELINE_EVENTS",
	"events.nats.subject_prefix": "pipeline.events",
	"events.nats.max_age":        "24h",
	"events.sentry_dsn":          "",

	"checkpoint.store":  "memory",
	"checkpoint.bucket": "PIPELINE_CHECKPOINTS",

	"storage.connection_string": "",
	"storage.container":         "daedalus",

	"tracing.enabled":      false,
	"tracing.endpoint":     "127.0.0.1:4318",
	"tracing.insecure":     true,
	"tracing.sample_ratio": 1.0,

	"api.addr":             ":8080",
	"api.shutdown_timeout": "15s",
}

// LoaderConfig holds optional file overrides for Load.
type LoaderConfig struct {
	ConfigFile string
	EnvFile    string
}

// LoaderOption is a functional option for Load.
type LoaderOption func(*LoaderConfig)

// WithConfigFile sets an explicit YAML config file.
func WithConfigFile(path string) LoaderOption {
	return func(lc *LoaderConfig) { lc.ConfigFile = path }
}

// WithEnvFile sets an explicit .env file. Without it ./.env is used when
// present.
func WithEnvFile(path string) LoaderOption {
	return func(lc *LoaderConfig) { lc.EnvFile = path }
}

// Default returns the built-in defaults without reading files or the
// environment.
func Default() *Config {
	var cfg Config
	// defaults are static and always decode
	_ = newViper().Unmarshal(&cfg)
	cfg.ApplyDefaults()
	return &cfg
}

func newViper() *viper.Viper {
	v := viper.New()
	for k, val := range defaults {
		v.SetDefault(k, val)
	}
	return v
}

// Load reads the configuration and validates it.
func Load(opts ...LoaderOption) (*Config, error) {
	var lc LoaderConfig
	for _, opt := range opts {
		opt(&lc)
	}

	envFile := lc.EnvFile
	if envFile == "" {
		if _, err := os.Stat(".env"); err == nil {
			envFile = ".env"
		}
	}
	if envFile != "" {
		// existing variables win over the file
		if err := godotenv.Load(envFile); err != nil {
			return nil, fmt.Errorf("failed to load env file %s: %w", envFile, err)
		}
	}

	v := newViper()
	v.SetEnvPrefix(EnvPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	if lc.ConfigFile != "" {
		v.SetConfigFile(lc.ConfigFile)
		if err := v.ReadInConfig(); err != nil {
			return nil, fmt.Errorf("failed to read config file %s: %w", lc.ConfigFile, err)
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("failed to decode config: %w", err)
	}
	cfg.ApplyDefaults()
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

// ApplyDefaults fills sizing left at zero from the concurrency
// auto-detection.
func (c *Config) ApplyDefaults() {
	detected := concurrency.Detect()
	if c.Engine.MaxInFlightTasks == 0 {
		c.Engine.MaxInFlightTasks = detected.MaxInFlightTasks
	}
	if c.Engine.DefaultParallelism == 0 {
		c.Engine.DefaultParallelism = detected.DefaultParallelism
	}
	if c.Concurrency.MaxConcurrent == 0 {
		c.Concurrency.MaxConcurrent = detected.MaxConcurrent
	}
}

// Validate checks the configuration.
func (c *Config) Validate() error {
	err := validator.New(validator.WithRequiredStructEnabled()).Struct(c)
	if err == nil {
		if c.Checkpoint.Store == "nats" && c.Events.NATS.URL == "" {
			return errors.New("config: checkpoint.store nats requires events.nats.url")
		}
		return nil
	}
	var ves validator.ValidationErrors
	if !errors.As(err, &ves) {
		return fmt.Errorf("config: %w", err)
	}
	msgs := make([]string, 0, len(ves))
	for _, fe := range ves {
		msgs = append(msgs, fmt.Sprintf("%s failed on '%s'", fe.Namespace(), fe.Tag()))
	}
	return fmt.Errorf("config: %s", strings.Join(msgs, "; "))
}

// WithGraphDir sets the directory graph definitions are loaded from.
func (c *Config) WithGraphDir(dir string) *Config {
	c.Engine.GraphDir = dir
	return c
}

// WithCheckpointStore selects the checkpoint store kind.
func (c *Config) WithCheckpointStore(kind string) *Config {
	c.Checkpoint.Store = kind
	return c
}

// WithNATS enables NATS for events and the key-value checkpoint store.
func (c *Config) WithNATS(url string) *Config {
	c.Events.NATS.URL = url
	return c
}

// WithAPIAddr sets the listen address of the HTTP API.
func (c *Config) WithAPIAddr(addr string) *Config {
	c.API.Addr = addr
	return c
}

// WithMaxInFlightTasks sets the per-run task bound.
func (c *Config) WithMaxInFlightTasks(n int) *Config {
	c.Engine.MaxInFlightTasks = n
	return c
}
