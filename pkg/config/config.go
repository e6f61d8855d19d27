package config

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/BurntSushi/toml"
	"gopkg.in/yaml.v3"

	"github.com/pario-ai/llmbatch/pkg/batch"
	"github.com/pario-ai/llmbatch/pkg/dataset"
	"github.com/pario-ai/llmbatch/pkg/llm"
	"github.com/pario-ai/llmbatch/pkg/logging"
	"github.com/pario-ai/llmbatch/pkg/models"
)

// ErrInvalidConfig is returned by Validate. It is the same error the
// batch processor reports for bad options.
var ErrInvalidConfig = batch.ErrInvalidConfig

// Provider types.
const (
	ProviderOpenAI    = "openai"
	ProviderAnthropic = "anthropic"
)

// Cache backends.
const (
	BackendSQLite   = "sqlite"
	BackendJSONFile = "jsonfile"
	BackendRedis    = "redis"
)

// Config holds all llmbatch configuration.
type Config struct {
	Log      logging.Config `yaml:"log" toml:"log"`
	DBPath   string         `yaml:"db_path" toml:"db_path"`
	Provider ProviderConfig `yaml:"provider" toml:"provider"`
	Batch    BatchConfig    `yaml:"batch" toml:"batch"`
	Cache    CacheConfig    `yaml:"cache" toml:"cache"`
	Budget   BudgetConfig   `yaml:"budget" toml:"budget"`
	Task     TaskConfig     `yaml:"task" toml:"task"`
	Metrics  MetricsConfig  `yaml:"metrics" toml:"metrics"`
}

// ProviderConfig defines the model endpoint.
// Type is "openai" (default) or "anthropic".
type ProviderConfig struct {
	Type        string            `yaml:"type" toml:"type"`
	URL         string            `yaml:"url" toml:"url"`
	APIKey      string            `yaml:"api_key" toml:"api_key"`
	Model       string            `yaml:"model" toml:"model"`
	Temperature *float64          `yaml:"temperature" toml:"temperature"`
	MaxTokens   int               `yaml:"max_tokens" toml:"max_tokens"`
	Headers     map[string]string `yaml:"headers" toml:"headers"`
}

// BatchConfig controls concurrency, timeouts and retries.
type BatchConfig struct {
	Concurrency       int           `yaml:"concurrency" toml:"concurrency"`
	Timeout           time.Duration `yaml:"timeout" toml:"timeout"`
	MaxRetries        int           `yaml:"max_retries" toml:"max_retries"`
	RetryBaseDelay    time.Duration `yaml:"retry_base_delay" toml:"retry_base_delay"`
	RetryMaxDelay     time.Duration `yaml:"retry_max_delay" toml:"retry_max_delay"`
	Jitter            bool          `yaml:"jitter" toml:"jitter"`
	RequestsPerMinute int           `yaml:"requests_per_minute" toml:"requests_per_minute"`
	ChunkSize         int           `yaml:"chunk_size" toml:"chunk_size"`
}

// CacheConfig controls the response cache. A zero TTL never expires.
type CacheConfig struct {
	Enabled    bool          `yaml:"enabled" toml:"enabled"`
	Backend    string        `yaml:"backend" toml:"backend"`
	Path       string        `yaml:"path" toml:"path"`
	TTL        time.Duration `yaml:"ttl" toml:"ttl"`
	Namespace  string        `yaml:"namespace" toml:"namespace"`
	RedisURL   string        `yaml:"redis_url" toml:"redis_url"`
	FlushEvery int           `yaml:"flush_every" toml:"flush_every"`
}

// BudgetConfig controls budget enforcement.
type BudgetConfig struct {
	Enabled  bool                  `yaml:"enabled" toml:"enabled"`
	Policies []models.BudgetPolicy `yaml:"policies" toml:"policies"`
}

// TaskConfig describes the dataset and prompts of a run.
type TaskConfig struct {
	InputCSV       string         `yaml:"input_csv" toml:"input_csv"`
	OutputCSV      string         `yaml:"output_csv" toml:"output_csv"`
	InputColumn    string         `yaml:"input_column" toml:"input_column"`
	IDColumn       string         `yaml:"id_column" toml:"id_column"`
	SystemPrompt   string         `yaml:"system_prompt" toml:"system_prompt"`
	PromptTemplate string         `yaml:"prompt_template" toml:"prompt_template"`
	OutputFields   []string       `yaml:"output_fields" toml:"output_fields"`
	MaxRows        int            `yaml:"max_rows" toml:"max_rows"`
	SampleSize     int            `yaml:"sample_size" toml:"sample_size"`
	Seed           uint64         `yaml:"seed" toml:"seed"`
	ProgressFile   string         `yaml:"progress_file" toml:"progress_file"`
	Filter         dataset.Filter `yaml:"filter" toml:"filter"`
}

// MetricsConfig controls the Prometheus endpoint. Empty Listen disables it.
type MetricsConfig struct {
	Listen string `yaml:"listen" toml:"listen"`
}

// Default returns a Config with sensible defaults.
func Default() *Config {
	return &Config{
		Log:    logging.Config{Level: "info", Format: "console"},
		DBPath: "llmbatch.db",
		Provider: ProviderConfig{
			Type: ProviderOpenAI,
		},
		Batch: BatchConfig{
			Concurrency:    10,
			Timeout:        llm.DefaultTimeout,
			MaxRetries:     3,
			RetryBaseDelay: time.Second,
			RetryMaxDelay:  30 * time.Second,
			Jitter:         true,
			ChunkSize:      batch.DefaultChunkSize,
		},
		Cache: CacheConfig{
			Enabled:    true,
			Backend:    BackendSQLite,
			FlushEvery: 10,
		},
		Task: TaskConfig{
			InputColumn: "text",
		},
	}
}

// Load reads a YAML or TOML (by .toml extension) config file over the
// defaults, expanding environment variables first.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read config: %w", err)
	}

	expanded := os.ExpandEnv(string(data))

	cfg := Default()
	if strings.EqualFold(filepath.Ext(path), ".toml") {
		if _, err := toml.Decode(expanded, cfg); err != nil {
			return nil, fmt.Errorf("parse config: %w", err)
		}
	} else if err := yaml.Unmarshal([]byte(expanded), cfg); err != nil {
		return nil, fmt.Errorf("parse config: %w", err)
	}

	return cfg, nil
}

// Validate reports every configuration error at once.
func (c *Config) Validate() error {
	var errs []error
	add := func(format string, args ...any) {
		errs = append(errs, fmt.Errorf(format, args...))
	}

	if _, err := logging.ParseLevel(c.Log.Level); err != nil {
		errs = append(errs, err)
	}
	switch c.Provider.Type {
	case "", ProviderOpenAI, ProviderAnthropic:
	default:
		add("provider.type: unknown provider %q", c.Provider.Type)
	}
	if c.Batch.Concurrency <= 0 {
		add("batch.concurrency must be positive, got %d", c.Batch.Concurrency)
	}
	if c.Batch.MaxRetries < 0 {
		add("batch.max_retries must not be negative, got %d", c.Batch.MaxRetries)
	}
	if c.Batch.Timeout < 0 || c.Batch.RetryBaseDelay < 0 || c.Batch.RetryMaxDelay < 0 {
		add("batch durations must not be negative")
	}
	if c.Batch.RequestsPerMinute < 0 {
		add("batch.requests_per_minute must not be negative, got %d", c.Batch.RequestsPerMinute)
	}
	if c.Cache.Enabled {
		switch c.Cache.Backend {
		case BackendSQLite, BackendJSONFile:
		case BackendRedis:
			if c.Cache.RedisURL == "" {
				add("cache.redis_url is required for the redis backend")
			}
		default:
			add("cache.backend: unknown backend %q", c.Cache.Backend)
		}
	}
	if c.Cache.TTL < 0 {
		add("cache.ttl must not be negative")
	}
	if c.Budget.Enabled {
		for i, p := range c.Budget.Policies {
			if p.MaxTokens <= 0 {
				add("budget.policies[%d].max_tokens must be positive", i)
			}
			if p.Period != models.BudgetDaily && p.Period != models.BudgetMonthly {
				add("budget.policies[%d].period: unknown period %q", i, p.Period)
			}
		}
	}
	if err := c.Task.Filter.Validate(); err != nil {
		errs = append(errs, err)
	}
	if c.Task.MaxRows < 0 || c.Task.SampleSize < 0 {
		add("task.max_rows and task.sample_size must not be negative")
	}

	if len(errs) > 0 {
		return fmt.Errorf("%w: %w", ErrInvalidConfig, errors.Join(errs...))
	}
	return nil
}

// ValidateTask checks what a run needs on top of Validate.
func (c *Config) ValidateTask() error {
	if err := c.Validate(); err != nil {
		return err
	}
	var errs []error
	if c.Task.InputCSV == "" {
		errs = append(errs, errors.New("task.input_csv is required"))
	}
	if c.Task.InputColumn == "" {
		errs = append(errs, errors.New("task.input_column is required"))
	}
	if len(errs) > 0 {
		return fmt.Errorf("%w: %w", ErrInvalidConfig, errors.Join(errs...))
	}
	return nil
}

// Model returns the configured model or the provider's default.
func (c *Config) Model() string {
	if c.Provider.Model != "" {
		return c.Provider.Model
	}
	if c.Provider.Type == ProviderAnthropic {
		return llm.DefaultAnthropicModel
	}
	return llm.DefaultOpenAIModel
}

// DefaultSQLiteCacheFile is the SQLite cache file name used when no cache
// path is set. It lives next to db_path but never in the usage database, so
// a damaged cache cannot take run tracking down with it.
const DefaultSQLiteCacheFile = "llmbatch_cache.db"

// CachePath returns the cache location for file backends.
func (c *Config) CachePath() string {
	if c.Cache.Path != "" {
		return c.Cache.Path
	}
	if c.Cache.Backend == BackendJSONFile {
		return "llm_cache.json"
	}
	return filepath.Join(filepath.Dir(c.DBPath), DefaultSQLiteCacheFile)
}

// OutputPath returns task.output_csv or "<input>_results.csv".
func (c *Config) OutputPath() string {
	if c.Task.OutputCSV != "" {
		return c.Task.OutputCSV
	}
	return withSuffix(c.Task.InputCSV, "_results.csv")
}

// ProgressPath returns task.progress_file or "<input>_progress.jsonl".
func (c *Config) ProgressPath() string {
	if c.Task.ProgressFile != "" {
		return c.Task.ProgressFile
	}
	return withSuffix(c.Task.InputCSV, "_progress.jsonl")
}

// BatchOptions converts the configuration into processor options.
func (c *Config) BatchOptions() batch.Options {
	return batch.Options{
		Concurrency:       c.Batch.Concurrency,
		MaxRetries:        c.Batch.MaxRetries,
		RetryBaseDelay:    c.Batch.RetryBaseDelay,
		RetryMaxDelay:     c.Batch.RetryMaxDelay,
		Jitter:            c.Batch.Jitter,
		Model:             c.Model(),
		SystemPrompt:      c.Task.SystemPrompt,
		PromptTemplate:    c.Task.PromptTemplate,
		ExpectedFields:    c.Task.OutputFields,
		CacheNamespace:    c.Cache.Namespace,
		RequestsPerMinute: c.Batch.RequestsPerMinute,
	}
}

func withSuffix(path, suffix string) string {
	return strings.TrimSuffix(path, filepath.Ext(path)) + suffix
}
