package config

import (
	"log/slog"
	"os"
	"strconv"

	"github.com/joho/godotenv"
)

// ConfigFile is the optional project-level config file name.
const ConfigFile = "levelingai.yaml"

// Loader loads configuration with layered precedence: defaults, then the
// project YAML file if present, then environment variables.
type Loader struct {
	logger *slog.Logger
}

// NewLoader creates a configuration loader.
func NewLoader(logger *slog.Logger) *Loader {
	if logger == nil {
		logger = slog.Default()
	}
	return &Loader{logger: logger}
}

// Load resolves the effective configuration. A .env file in the working
// directory is folded into the environment first (without overriding
// variables that are already set).
func (l *Loader) Load() (Config, error) {
	if err := godotenv.Load(); err == nil {
		l.logger.Debug("Loaded .env file")
	}

	cfg := Default()
	if _, err := os.Stat(ConfigFile); err == nil {
		fileCfg, err := LoadFromFile(ConfigFile)
		if err != nil {
			return Config{}, err
		}
		cfg = fileCfg
		l.logger.Debug("Loaded project config", "path", ConfigFile)
	}

	applyEnv(&cfg)

	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

// applyEnv overrides cfg from the recognized environment variables.
func applyEnv(cfg *Config) {
	setString(&cfg.App.Env, "APP_ENV")
	setString(&cfg.App.ListenAddr, "LISTEN_ADDR")

	setString(&cfg.Database.URL, "DATABASE_URL")

	setString(&cfg.Storage.URL, "SUPABASE_URL")
	setString(&cfg.Storage.ServiceRoleKey, "SUPABASE_SERVICE_ROLE_KEY")
	setString(&cfg.Storage.Bucket, "SUPABASE_STORAGE_BUCKET")
	setInt(&cfg.Storage.SignedURLTTLSeconds, "SUPABASE_STORAGE_SIGNED_URL_TTL_SECONDS")

	setString(&cfg.LLM.Provider, "LLM_PROVIDER")
	setString(&cfg.LLM.GeminiAPIKey, "GEMINI_API_KEY")
	setString(&cfg.LLM.GeminiModel, "GEMINI_MODEL")
	setString(&cfg.LLM.GeminiBaseURL, "GEMINI_BASE_URL")
	setInt(&cfg.LLM.TimeoutSeconds, "LLM_TIMEOUT_SECONDS")
	setInt(&cfg.LLM.MaxRetries, "LLM_MAX_RETRIES")
	setInt(&cfg.LLM.MaxOutputTokens, "LLM_MAX_OUTPUT_TOKENS")
	setFloat(&cfg.LLM.Temperature, "LLM_TEMPERATURE")

	setString(&cfg.NATS.URL, "NATS_URL")
	setString(&cfg.NATS.Stream, "NATS_STREAM")

	setInt(&cfg.Generation.ChunkSize, "GENERATION_CHUNK_SIZE")
	setString(&cfg.Generation.PromptVersion, "GENERATION_PROMPT_VERSION")

	setString(&cfg.Auth.JWTSecret, "JWT_SECRET_KEY")
	setString(&cfg.Auth.JWTAlgorithm, "JWT_ALGORITHM")
	setString(&cfg.Auth.AdminUsername, "ADMIN_USERNAME")
	setString(&cfg.Auth.AdminPassword, "ADMIN_PASSWORD")
}

func setString(dst *string, key string) {
	if v := os.Getenv(key); v != "" {
		*dst = v
	}
}

func setInt(dst *int, key string) {
	if v := os.Getenv(key); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			*dst = n
		}
	}
}

func setFloat(dst *float64, key string) {
	if v := os.Getenv(key); v != "" {
		if f, err := strconv.ParseFloat(v, 64); err == nil {
			*dst = f
		}
	}
}
