// Package config loads server configuration from environment variables,
// an optional YAML file, and flags, in that order of increasing precedence.
package config

import (
	"fmt"
	"strings"
	"time"

	"github.com/spf13/viper"

	"github.com/taskmesh/taskmesh/internal/namespace"
)

// Mode selects which transports the server runs.
type Mode string

// Server modes.
const (
	ModeStdio     Mode = "stdio"
	ModeHTTP      Mode = "http"
	ModeWebSocket Mode = "websocket"
	ModeCombined  Mode = "combined"
)

// Config is the full server configuration. Constructed once at startup
// and passed by reference; there is no process-global instance.
type Config struct {
	Host             string        `mapstructure:"host"`
	Port             int           `mapstructure:"port"`
	LogLevel         string        `mapstructure:"log_level"`
	NamespaceDefault string        `mapstructure:"namespace_default"`
	DataDir          string        `mapstructure:"vector_store_path"`
	EmbeddingDim     int           `mapstructure:"embedding_dim"`
	RequestTimeout   time.Duration `mapstructure:"-"`
	MaxConcurrent    int           `mapstructure:"max_concurrent"`
	Mode             Mode          `mapstructure:"mode"`

	// Embedding provider selection: "hash" (deterministic, default) or "ollama".
	EmbedProvider  string `mapstructure:"embed_provider"`
	OllamaEndpoint string `mapstructure:"ollama_endpoint"`
	OllamaModel    string `mapstructure:"ollama_model"`
}

// Load reads configuration from the environment and an optional config
// file path. Unknown environment variables are ignored.
func Load(file string) (*Config, error) {
	v := viper.New()

	v.SetDefault("host", "127.0.0.1")
	v.SetDefault("port", 8844)
	v.SetDefault("log_level", "info")
	v.SetDefault("namespace_default", namespace.Default)
	v.SetDefault("vector_store_path", ".taskmesh")
	v.SetDefault("embedding_dim", 384)
	v.SetDefault("request_timeout", 30)
	v.SetDefault("max_concurrent", 64)
	v.SetDefault("mode", string(ModeStdio))
	v.SetDefault("embed_provider", "hash")
	v.SetDefault("ollama_endpoint", "http://localhost:11434")
	v.SetDefault("ollama_model", "embeddinggemma")

	// Env names map directly onto keys: HOST, PORT, LOG_LEVEL,
	// NAMESPACE_DEFAULT, VECTOR_STORE_PATH, EMBEDDING_DIM,
	// REQUEST_TIMEOUT, MAX_CONCURRENT.
	v.AutomaticEnv()
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))

	if file != "" {
		v.SetConfigFile(file)
		if err := v.ReadInConfig(); err != nil {
			return nil, fmt.Errorf("reading config file: %w", err)
		}
	}

	cfg := &Config{}
	if err := v.Unmarshal(cfg); err != nil {
		return nil, fmt.Errorf("parsing config: %w", err)
	}
	cfg.RequestTimeout = time.Duration(v.GetInt("request_timeout")) * time.Second

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Validate checks configuration invariants. A failure here maps to CLI
// exit code 2.
func (c *Config) Validate() error {
	if c.Port < 1 || c.Port > 65535 {
		return fmt.Errorf("port out of range: %d", c.Port)
	}
	if !namespace.Valid(c.NamespaceDefault) {
		return fmt.Errorf("invalid default namespace: %q", c.NamespaceDefault)
	}
	if c.EmbeddingDim < 8 || c.EmbeddingDim > 4096 {
		return fmt.Errorf("embedding_dim out of range: %d", c.EmbeddingDim)
	}
	if c.RequestTimeout <= 0 {
		return fmt.Errorf("request_timeout must be positive")
	}
	if c.MaxConcurrent < 1 {
		return fmt.Errorf("max_concurrent must be at least 1")
	}
	switch c.Mode {
	case ModeStdio, ModeHTTP, ModeWebSocket, ModeCombined:
	default:
		return fmt.Errorf("unknown mode: %q", c.Mode)
	}
	switch c.EmbedProvider {
	case "hash", "ollama":
	default:
		return fmt.Errorf("unknown embed_provider: %q (use 'hash' or 'ollama')", c.EmbedProvider)
	}
	return nil
}

// Addr returns the HTTP/WebSocket bind address.
func (c *Config) Addr() string {
	return fmt.Sprintf("%s:%d", c.Host, c.Port)
}
