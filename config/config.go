// Package config provides configuration loading for the leveling-guide
// pipeline. Defaults are layered under an optional YAML file, and environment
// variables win over both; every option in the environment table is stable.
package config

import (
	"fmt"
	"os"
	"time"

	"gopkg.in/yaml.v3"
)

// Config is the complete service configuration. It is passed by value to the
// components that need it; nothing mutates it after Load.
type Config struct {
	App        AppConfig        `yaml:"app"`
	Database   DatabaseConfig   `yaml:"database"`
	Storage    StorageConfig    `yaml:"storage"`
	LLM        LLMConfig        `yaml:"llm"`
	NATS       NATSConfig       `yaml:"nats"`
	Generation GenerationConfig `yaml:"generation"`
	Auth       AuthConfig       `yaml:"auth"`
}

// AppConfig configures the HTTP surface.
type AppConfig struct {
	Name       string `yaml:"name"`
	Env        string `yaml:"env"`
	ListenAddr string `yaml:"listen_addr"`
}

// DatabaseConfig configures the persistence endpoint.
type DatabaseConfig struct {
	// URL is a postgres connection string.
	URL string `yaml:"url"`
}

// StorageConfig binds the private Supabase storage bucket.
type StorageConfig struct {
	URL            string `yaml:"url"`
	ServiceRoleKey string `yaml:"service_role_key"`
	Bucket         string `yaml:"bucket"`
	// SignedURLTTLSeconds is the lifetime of signed download URLs.
	SignedURLTTLSeconds int `yaml:"signed_url_ttl_seconds"`
}

// LLMConfig configures the LLM provider binding and runtime limits.
type LLMConfig struct {
	Provider string `yaml:"provider"`

	GeminiAPIKey string `yaml:"gemini_api_key"`
	GeminiModel  string `yaml:"gemini_model"`
	// GeminiBaseURL overrides the API endpoint; used by tests.
	GeminiBaseURL string `yaml:"gemini_base_url"`

	TimeoutSeconds  int     `yaml:"timeout_seconds"`
	MaxRetries      int     `yaml:"max_retries"`
	MaxOutputTokens int     `yaml:"max_output_tokens"`
	Temperature     float64 `yaml:"temperature"`
}

// Timeout returns the per-call provider timeout.
func (c LLMConfig) Timeout() time.Duration {
	return time.Duration(c.TimeoutSeconds) * time.Second
}

// NATSConfig binds the task runner to a JetStream deployment.
type NATSConfig struct {
	URL string `yaml:"url"`
	// Stream is the JetStream work-queue stream name.
	Stream string `yaml:"stream"`
}

// GenerationConfig tunes the generate-phase fan-out.
type GenerationConfig struct {
	// ChunkSize is the number of competencies per generate task when the
	// matrix has more than ChunkThreshold rows; smaller matrices go out as a
	// single chunk per level.
	ChunkSize     int    `yaml:"chunk_size"`
	PromptVersion string `yaml:"prompt_version"`
}

// AuthConfig configures single-admin JWT authentication for the ingress.
type AuthConfig struct {
	JWTSecret     string `yaml:"jwt_secret"`
	JWTAlgorithm  string `yaml:"jwt_algorithm"`
	AdminUsername string `yaml:"admin_username"`
	AdminPassword string `yaml:"admin_password"`
	// TokenTTL is the lifetime of issued tokens.
	TokenTTL time.Duration `yaml:"token_ttl"`
}

// Default returns a Config with sensible defaults.
func Default() Config {
	return Config{
		App: AppConfig{
			Name:       "levelingai",
			Env:        "local",
			ListenAddr: ":8080",
		},
		Storage: StorageConfig{
			Bucket:              "leveling-guides",
			SignedURLTTLSeconds: 3600,
		},
		LLM: LLMConfig{
			Provider:        "gemini",
			GeminiModel:     "gemini-1.5-pro",
			TimeoutSeconds:  30,
			MaxRetries:      2,
			MaxOutputTokens: 800,
			Temperature:     0.4,
		},
		NATS: NATSConfig{
			URL:    "nats://127.0.0.1:4222",
			Stream: "GUIDES",
		},
		Generation: GenerationConfig{
			ChunkSize:     6,
			PromptVersion: "v1",
		},
		Auth: AuthConfig{
			JWTAlgorithm: "HS256",
			TokenTTL:     12 * time.Hour,
		},
	}
}

// Validate checks that the configuration is complete enough to run.
func (c *Config) Validate() error {
	if c.Database.URL == "" {
		return fmt.Errorf("database.url is required (DATABASE_URL)")
	}
	if c.Storage.URL == "" {
		return fmt.Errorf("storage.url is required (SUPABASE_URL)")
	}
	if c.Storage.ServiceRoleKey == "" {
		return fmt.Errorf("storage.service_role_key is required (SUPABASE_SERVICE_ROLE_KEY)")
	}
	if c.LLM.Provider != "gemini" {
		return fmt.Errorf("unsupported llm.provider %q", c.LLM.Provider)
	}
	if c.LLM.Temperature < 0 || c.LLM.Temperature > 1 {
		return fmt.Errorf("llm.temperature must be between 0 and 1")
	}
	if c.LLM.MaxRetries < 0 {
		return fmt.Errorf("llm.max_retries must be >= 0")
	}
	if c.Generation.ChunkSize < 1 {
		return fmt.Errorf("generation.chunk_size must be >= 1")
	}
	if c.Auth.JWTAlgorithm != "HS256" {
		return fmt.Errorf("unsupported auth.jwt_algorithm %q", c.Auth.JWTAlgorithm)
	}
	return nil
}

// LoadFromFile loads configuration from a YAML file on top of defaults.
func LoadFromFile(path string) (Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return Config{}, fmt.Errorf("read config file: %w", err)
	}

	cfg := Default()
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return Config{}, fmt.Errorf("parse config file: %w", err)
	}
	return cfg, nil
}
