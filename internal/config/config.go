package config

import (
	"fmt"
	"os"
	"time"

	"github.com/joho/godotenv"
	"github.com/kelseyhightower/envconfig"
	"github.com/lexiqai/voice-relay/internal/queue"
)

// Config holds all configuration for the voice relay service
type Config struct {
	// Server configuration
	Port string `envconfig:"PORT" default:"8080"`

	// Public base URL for this service, used only for logging the websocket
	// endpoint. Optional; if unset, logs ws://localhost:PORT/ws.
	PublicURL string `envconfig:"RELAY_PUBLIC_URL" default:""`

	// Gemini Live API configuration
	GeminiAPIKey string `envconfig:"GEMINI_API_KEY" required:"true"`
	GeminiModel  string `envconfig:"GEMINI_MODEL" default:"gemini-2.0-flash-live-001"`
	GeminiVoice  string `envconfig:"GEMINI_VOICE" default:""` // Prebuilt voice name, empty for model default
	SystemPrompt string `envconfig:"SYSTEM_PROMPT" default:"You are a helpful voice assistant. Keep your answers short and conversational."`

	// Upstream session configuration
	UpstreamConnectTimeout int `envconfig:"UPSTREAM_CONNECT_TIMEOUT" default:"10"` // seconds

	// Relay configuration
	FragmentQueueLimit  int    `envconfig:"FRAGMENT_QUEUE_LIMIT" default:"0"`      // 0 = unbounded
	FragmentQueuePolicy string `envconfig:"FRAGMENT_QUEUE_POLICY" default:"block"` // block, drop-oldest
	TurnTimeout         int    `envconfig:"TURN_TIMEOUT" default:"0"`              // seconds, 0 = wait for the completion marker
	WrapPCMFragments    bool   `envconfig:"WRAP_PCM_FRAGMENTS" default:"false"`    // Wrap headerless audio/pcm fragments in WAV
	StreamInput         bool   `envconfig:"STREAM_INPUT" default:"false"`          // Keep submitting audio while a turn is collected

	// Resilience configuration
	CircuitBreakerMaxFailures  int `envconfig:"CIRCUIT_BREAKER_MAX_FAILURES" default:"5"`   // Failures before opening circuit, 0 disables
	CircuitBreakerResetTimeout int `envconfig:"CIRCUIT_BREAKER_RESET_TIMEOUT" default:"30"` // Seconds before attempting recovery

	// Observability configuration
	LogLevel       string `envconfig:"LOG_LEVEL" default:"info"`       // Log level: debug, info, warn, error
	LogPretty      bool   `envconfig:"LOG_PRETTY" default:"false"`     // Pretty print logs (for development)
	MetricsEnabled bool   `envconfig:"METRICS_ENABLED" default:"true"` // Enable Prometheus metrics
}

// Load reads configuration from environment variables
// It first attempts to load from .env file if it exists, then from environment
func Load() (*Config, error) {
	// Try to load .env file (ignore error if it doesn't exist)
	_ = godotenv.Load()

	return LoadFromEnv()
}

// LoadFromEnv loads configuration directly from environment variables
// without attempting to load .env file (useful for containerized deployments)
func LoadFromEnv() (*Config, error) {
	var cfg Config
	if err := envconfig.Process("", &cfg); err != nil {
		return nil, fmt.Errorf("failed to load config: %w", err)
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	return &cfg, nil
}

// Validate checks values envconfig cannot check on its own
func (c *Config) Validate() error {
	if c.GeminiAPIKey == "" {
		return fmt.Errorf("GEMINI_API_KEY is required")
	}
	if c.GeminiModel == "" {
		return fmt.Errorf("GEMINI_MODEL must not be empty")
	}
	if _, err := queue.ParsePolicy(c.FragmentQueuePolicy); err != nil {
		return fmt.Errorf("invalid FRAGMENT_QUEUE_POLICY: %w", err)
	}
	if c.FragmentQueueLimit < 0 {
		return fmt.Errorf("FRAGMENT_QUEUE_LIMIT must not be negative, got %d", c.FragmentQueueLimit)
	}
	if c.TurnTimeout < 0 {
		return fmt.Errorf("TURN_TIMEOUT must not be negative, got %d", c.TurnTimeout)
	}
	if c.UpstreamConnectTimeout < 0 {
		return fmt.Errorf("UPSTREAM_CONNECT_TIMEOUT must not be negative, got %d", c.UpstreamConnectTimeout)
	}
	if c.CircuitBreakerResetTimeout < 0 {
		return fmt.Errorf("CIRCUIT_BREAKER_RESET_TIMEOUT must not be negative, got %d", c.CircuitBreakerResetTimeout)
	}
	return nil
}

// QueuePolicy returns the parsed fragment queue overflow policy
func (c *Config) QueuePolicy() queue.OverflowPolicy {
	p, _ := queue.ParsePolicy(c.FragmentQueuePolicy)
	return p
}

// TurnTimeoutDuration returns the turn timeout, zero when disabled
func (c *Config) TurnTimeoutDuration() time.Duration {
	return time.Duration(c.TurnTimeout) * time.Second
}

// UpstreamConnectTimeoutDuration returns the upstream connect timeout
func (c *Config) UpstreamConnectTimeoutDuration() time.Duration {
	return time.Duration(c.UpstreamConnectTimeout) * time.Second
}

// CircuitBreakerResetDuration returns the circuit breaker cool-down
func (c *Config) CircuitBreakerResetDuration() time.Duration {
	return time.Duration(c.CircuitBreakerResetTimeout) * time.Second
}

// GetEnv returns the value of an environment variable or a default value
func GetEnv(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}
