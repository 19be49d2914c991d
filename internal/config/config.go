package config

import (
	"encoding/json"
	"fmt"
	"time"
)

// Config represents the main Kairo configuration
type Config struct {
	// Tool-servers keyed by server key
	Servers map[string]ServerConfig `json:"servers" mapstructure:"servers"`

	// Tool catalog
	Catalog CatalogConfig `json:"catalog" mapstructure:"catalog"`

	// Job queue
	Queue QueueConfig `json:"queue" mapstructure:"queue"`

	// Agent loop
	Agent AgentConfig `json:"agent" mapstructure:"agent"`

	// Pagination engine
	Pagination PaginationConfig `json:"pagination" mapstructure:"pagination"`

	// Result materializer
	Materializer MaterializerConfig `json:"materializer" mapstructure:"materializer"`

	// Planner provider profiles
	Planner PlannerConfig `json:"planner" mapstructure:"planner"`

	// Session fact memory
	Memory MemoryConfig `json:"memory" mapstructure:"memory"`

	// Logging
	Logging LoggingConfig `json:"logging" mapstructure:"logging"`

	// Metrics endpoint
	Metrics MetricsConfig `json:"metrics" mapstructure:"metrics"`

	// Data directory
	DataDir string `json:"data_dir" mapstructure:"data_dir"`
}

// ServerConfig describes one remote tool-server
type ServerConfig struct {
	URL           string        `json:"url" mapstructure:"url"`
	HandshakeTool string        `json:"handshake_tool" mapstructure:"handshake_tool"`
	SessionHeader string        `json:"session_header" mapstructure:"session_header"`
	CallTimeout   time.Duration `json:"call_timeout" mapstructure:"call_timeout"`
}

// CatalogConfig holds tool catalog settings
type CatalogConfig struct {
	Path  string `json:"path" mapstructure:"path"`
	Watch bool   `json:"watch" mapstructure:"watch"`
}

// QueueConfig holds durable job queue settings
type QueueConfig struct {
	Concurrency        int           `json:"concurrency" mapstructure:"concurrency"`
	MaxAttempts        int           `json:"max_attempts" mapstructure:"max_attempts"`
	BackoffBase        time.Duration `json:"backoff_base" mapstructure:"backoff_base"`
	JobTimeout         time.Duration `json:"job_timeout" mapstructure:"job_timeout"`
	RetentionCompleted time.Duration `json:"retention_completed" mapstructure:"retention_completed"`
	RetentionFailed    time.Duration `json:"retention_failed" mapstructure:"retention_failed"`
	SweepSchedule      string        `json:"sweep_schedule" mapstructure:"sweep_schedule"`
}

// AgentConfig holds agent loop settings
type AgentConfig struct {
	MaxIterations int `json:"max_iterations" mapstructure:"max_iterations"`

	// Action kinds subject to the duplicate-action forced-finalize guard.
	// Tunable policy, not a structural invariant.
	DuplicateGuardKinds []string `json:"duplicate_guard_kinds" mapstructure:"duplicate_guard_kinds"`
}

// PaginationConfig holds pagination engine settings
type PaginationConfig struct {
	MaxBatches int `json:"max_batches" mapstructure:"max_batches"`
}

// MaterializerConfig holds result materializer settings
type MaterializerConfig struct {
	ThresholdBytes int    `json:"threshold_bytes" mapstructure:"threshold_bytes"`
	StorePath      string `json:"store_path" mapstructure:"store_path"`
}

// PlannerConfig holds planner provider configuration
type PlannerConfig struct {
	Profiles []PlannerProfile `json:"profiles" mapstructure:"profiles"`
}

// PlannerProfile represents one LLM provider credential set
type PlannerProfile struct {
	ID       string `json:"id" mapstructure:"id"`
	Provider string `json:"provider" mapstructure:"provider"` // anthropic, openai
	APIKey   string `json:"api_key" mapstructure:"api_key"`
	Model    string `json:"model" mapstructure:"model"`
	Priority int    `json:"priority" mapstructure:"priority"`
}

// MemoryConfig holds session fact memory settings
type MemoryConfig struct {
	Path string `json:"path" mapstructure:"path"`
}

// LoggingConfig holds logging configuration
type LoggingConfig struct {
	Level     string `json:"level" mapstructure:"level"`
	File      string `json:"file" mapstructure:"file"`
	Redaction bool   `json:"redaction" mapstructure:"redaction"`
}

// MetricsConfig holds the metrics endpoint configuration
type MetricsConfig struct {
	Enabled bool   `json:"enabled" mapstructure:"enabled"`
	Addr    string `json:"addr" mapstructure:"addr"`
}

// DefaultConfig returns a config with default values
func DefaultConfig() *Config {
	return &Config{
		Servers: map[string]ServerConfig{},
		Catalog: CatalogConfig{
			Watch: false,
		},
		Queue: QueueConfig{
			Concurrency:        4,
			MaxAttempts:        2,
			BackoffBase:        time.Second,
			JobTimeout:         5 * time.Minute,
			RetentionCompleted: 10 * time.Minute,
			RetentionFailed:    time.Hour,
			SweepSchedule:      "@every 1m",
		},
		Agent: AgentConfig{
			MaxIterations: 8,
			DuplicateGuardKinds: []string{
				"collection_query",
			},
		},
		Pagination: PaginationConfig{
			MaxBatches: 100,
		},
		Materializer: MaterializerConfig{
			ThresholdBytes: 256 * 1024,
		},
		Planner: PlannerConfig{
			Profiles: []PlannerProfile{},
		},
		Logging: LoggingConfig{
			Level:     "info",
			Redaction: true,
		},
		Metrics: MetricsConfig{
			Enabled: true,
			Addr:    "127.0.0.1:9109",
		},
	}
}

// String returns a JSON representation of the config
func (c *Config) String() string {
	data, _ := json.MarshalIndent(c, "", "  ")
	return string(data)
}

// Validate checks if the configuration is valid
func (c *Config) Validate() error {
	for key, srv := range c.Servers {
		if key == "" {
			return fmt.Errorf("server key cannot be empty")
		}
		if srv.URL == "" {
			return fmt.Errorf("server %s: url is required", key)
		}
	}

	if c.Queue.Concurrency <= 0 {
		return fmt.Errorf("queue concurrency must be positive")
	}
	if c.Queue.MaxAttempts <= 0 {
		return fmt.Errorf("queue max_attempts must be positive")
	}

	if c.Agent.MaxIterations <= 0 {
		return fmt.Errorf("agent max_iterations must be positive")
	}

	if c.Pagination.MaxBatches <= 0 {
		return fmt.Errorf("pagination max_batches must be positive")
	}

	for i, profile := range c.Planner.Profiles {
		if profile.ID == "" {
			return fmt.Errorf("planner profile %d: ID is required", i)
		}
		if profile.Provider != "anthropic" && profile.Provider != "openai" {
			return fmt.Errorf("planner profile %s: invalid provider %s (must be: anthropic, openai)", profile.ID, profile.Provider)
		}
		if profile.APIKey == "" {
			return fmt.Errorf("planner profile %s: api_key is required", profile.ID)
		}
	}

	return nil
}
