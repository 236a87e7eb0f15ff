// Package config provides configuration management for the companion service.
// Settings are read from environment variables with the COMPANION_ prefix,
// optionally seeded from a .env file, and every option has a default.
package config

import (
	"errors"
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/caarlos0/env/v11"
	"github.com/joho/godotenv"

	"github.com/scrypster/companion/internal/memory"
)

// Prefix is prepended to every environment variable name.
const Prefix = "COMPANION_"

// Config holds all configuration settings for the companion application.
type Config struct {
	Server       ServerConfig       `envPrefix:"SERVER_"`
	Storage      StorageConfig      `envPrefix:"STORAGE_"`
	LLM          LLMConfig          `envPrefix:"LLM_"`
	Memory       MemoryConfig       `envPrefix:"MEMORY_"`
	StateMachine StateMachineConfig `envPrefix:"STATE_"`
	Flow         FlowConfig         `envPrefix:"FLOW_"`
	Security     SecurityConfig     `envPrefix:"SECURITY_"`
	Logging      LoggingConfig      `envPrefix:"LOG_"`
	Backup       BackupConfig       `envPrefix:"BACKUP_"`
}

// ServerConfig contains HTTP server configuration.
type ServerConfig struct {
	Host            string        `env:"HOST" envDefault:"127.0.0.1"`
	Port            int           `env:"PORT" envDefault:"8080"`
	RateLimit       float64       `env:"RATE_LIMIT" envDefault:"5"` // requests per second per client, 0 disables
	RateBurst       int           `env:"RATE_BURST" envDefault:"10"`
	RecordSessions  bool          `env:"RECORD_SESSIONS" envDefault:"true"`
	ShutdownTimeout time.Duration `env:"SHUTDOWN_TIMEOUT" envDefault:"10s"`
}

// Addr returns host:port.
func (s ServerConfig) Addr() string {
	return fmt.Sprintf("%s:%d", s.Host, s.Port)
}

// StorageConfig contains memory store configuration.
type StorageConfig struct {
	Engine      string `env:"ENGINE" envDefault:"sqlite"` // sqlite or postgres
	DataPath    string `env:"DATA_PATH" envDefault:"./data"`
	PostgresDSN string `env:"POSTGRES_DSN"`
}

// SQLitePath is the database file inside DataPath.
func (s StorageConfig) SQLitePath() string {
	return strings.TrimRight(s.DataPath, "/") + "/companion.db"
}

// BackupConfig controls snapshots of the SQLite memory store.
type BackupConfig struct {
	Dir         string        `env:"DIR"`                      // empty means <data path>/backups
	Interval    time.Duration `env:"INTERVAL" envDefault:"0s"` // 0 disables scheduled backups
	Verify      bool          `env:"VERIFY" envDefault:"true"`
	KeepHourly  int           `env:"KEEP_HOURLY" envDefault:"24"`
	KeepDaily   int           `env:"KEEP_DAILY" envDefault:"7"`
	KeepWeekly  int           `env:"KEEP_WEEKLY" envDefault:"4"`
	KeepMonthly int           `env:"KEEP_MONTHLY" envDefault:"12"`
}

// BackupDir resolves the backup directory.
func (c *Config) BackupDir() string {
	if c.Backup.Dir != "" {
		return c.Backup.Dir
	}
	return strings.TrimRight(c.Storage.DataPath, "/") + "/backups"
}

// LLMConfig contains text-generation provider configuration.
type LLMConfig struct {
	Provider        string        `env:"PROVIDER" envDefault:"ollama"` // ollama, openai, deepseek, anthropic
	BaseURL         string        `env:"BASE_URL"`
	Model           string        `env:"MODEL"`
	OpenAIAPIKey    string        `env:"OPENAI_API_KEY"`
	DeepSeekAPIKey  string        `env:"DEEPSEEK_API_KEY"`
	AnthropicAPIKey string        `env:"ANTHROPIC_API_KEY"`
	EmbeddingModel  string        `env:"EMBEDDING_MODEL"`
	Embeddings      bool          `env:"EMBEDDINGS" envDefault:"false"`
	Timeout         time.Duration `env:"TIMEOUT" envDefault:"60s"`
}

// MemoryConfig contains recall configuration.
type MemoryConfig struct {
	UserCollection         string  `env:"COLLECTION_USER" envDefault:"user"`
	DogCollection          string  `env:"COLLECTION_DOG" envDefault:"dog"`
	RelationshipCollection string  `env:"COLLECTION_RELATIONSHIP" envDefault:"relationship"`
	ConversationCollection string  `env:"COLLECTION_CONVERSATION" envDefault:"conversation"`
	ProfileType            string  `env:"PROFILE_TYPE" envDefault:"profile_v1"`
	ConversationLimit      int     `env:"CONVERSATION_LIMIT" envDefault:"5"`
	DogLimit               int     `env:"DOG_LIMIT" envDefault:"3"`
	UserLimit              int     `env:"USER_LIMIT" envDefault:"3"`
	EvidenceThreshold      float64 `env:"EVIDENCE_THRESHOLD" envDefault:"0.6"`
}

// Names returns the physical collection names.
func (m MemoryConfig) Names() memory.Names {
	return memory.Names{
		memory.CollectionUser:         m.UserCollection,
		memory.CollectionDog:          m.DogCollection,
		memory.CollectionRelationship: m.RelationshipCollection,
		memory.CollectionConversation: m.ConversationCollection,
	}
}

// StateMachineConfig points at the state document.
type StateMachineConfig struct {
	ConfigPath string `env:"CONFIG_PATH"` // empty uses the embedded document
	Watch      bool   `env:"WATCH" envDefault:"true"`
}

// FlowConfig contains per-turn pipeline settings.
type FlowConfig struct {
	CallTimeout     time.Duration `env:"CALL_TIMEOUT" envDefault:"30s"`
	DecisionRetries int           `env:"DECISION_RETRIES" envDefault:"2"`
	RetryBackoff    time.Duration `env:"RETRY_BACKOFF" envDefault:"1s"`
	WindowTurns     int           `env:"WINDOW_TURNS" envDefault:"2"`
}

// SecurityConfig contains security and authentication settings.
type SecurityConfig struct {
	Mode     string `env:"MODE" envDefault:"development"` // development or production
	APIToken string `env:"API_TOKEN"`
}

// LoggingConfig controls the zap logger.
type LoggingConfig struct {
	Level       string `env:"LEVEL" envDefault:"info"`
	Development bool   `env:"DEVELOPMENT" envDefault:"false"`
}

// LoadConfig loads .env (when present) and then the environment.
func LoadConfig() (*Config, error) {
	if err := godotenv.Load(); err != nil && !errors.Is(err, os.ErrNotExist) {
		return nil, fmt.Errorf("config: load .env: %w", err)
	}
	return FromEnv()
}

// FromEnv parses the process environment without touching .env.
func FromEnv() (*Config, error) {
	cfg := &Config{}
	if err := env.ParseWithOptions(cfg, env.Options{Prefix: Prefix}); err != nil {
		return nil, fmt.Errorf("config: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Validate rejects values the service cannot run with.
func (c *Config) Validate() error {
	var errs []error
	if c.Server.Port < 1 || c.Server.Port > 65535 {
		errs = append(errs, fmt.Errorf("server port %d out of range", c.Server.Port))
	}
	if c.Server.RateLimit < 0 {
		errs = append(errs, fmt.Errorf("rate limit must not be negative"))
	}
	switch c.Storage.Engine {
	case "sqlite":
	case "postgres":
		if c.Storage.PostgresDSN == "" {
			errs = append(errs, fmt.Errorf("postgres engine requires %sSTORAGE_POSTGRES_DSN", Prefix))
		}
	default:
		errs = append(errs, fmt.Errorf("unknown storage engine %q", c.Storage.Engine))
	}
	switch c.LLM.Provider {
	case "ollama", "openai", "deepseek", "anthropic":
	default:
		errs = append(errs, fmt.Errorf("unknown llm provider %q", c.LLM.Provider))
	}
	if t := c.Memory.EvidenceThreshold; t < 0 || t > 1 {
		errs = append(errs, fmt.Errorf("evidence threshold %v outside [0,1]", t))
	}
	if c.Memory.ConversationLimit < 1 || c.Memory.DogLimit < 1 || c.Memory.UserLimit < 1 {
		errs = append(errs, fmt.Errorf("recall limits must be positive"))
	}
	if c.Flow.DecisionRetries < 0 {
		errs = append(errs, fmt.Errorf("decision retries must not be negative"))
	}
	if c.Flow.WindowTurns < 0 {
		errs = append(errs, fmt.Errorf("window turns must not be negative"))
	}
	if c.Backup.Interval < 0 {
		errs = append(errs, fmt.Errorf("backup interval must not be negative"))
	}
	if c.Security.Mode == "production" && c.Security.APIToken == "" {
		errs = append(errs, fmt.Errorf("production mode requires %sSECURITY_API_TOKEN", Prefix))
	}
	if len(errs) > 0 {
		return fmt.Errorf("config: %w", errors.Join(errs...))
	}
	return nil
}
