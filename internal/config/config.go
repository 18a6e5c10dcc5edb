// Package config loads docutrain-sub002's runtime configuration from a YAML
// file with environment variable overrides, following the defaulting and
// startup-reporting conventions of the rest of the stack.
package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"github.com/pterm/pterm"
	"gopkg.in/yaml.v3"
)

// ServerConfig controls the HTTP listener.
type ServerConfig struct {
	Host string `yaml:"host"`
	Port int    `yaml:"port"`
}

// DatabaseConfig is the Postgres catalog store DSN.
type DatabaseConfig struct {
	DSN             string `yaml:"dsn"`
	MaxConns        int32  `yaml:"max_conns"`
	MinConns        int32  `yaml:"min_conns"`
	ConnMaxLifetime string `yaml:"conn_max_lifetime"`
}

// QdrantConfig configures the alternate vector-store backend.
type QdrantConfig struct {
	Enabled bool   `yaml:"enabled"`
	Addr    string `yaml:"addr"`
}

// RedisConfig configures registry invalidation fan-out.
type RedisConfig struct {
	Enabled               bool   `yaml:"enabled"`
	Addr                  string `yaml:"addr"`
	Password              string `yaml:"password"`
	DB                    int    `yaml:"db"`
	TLSInsecureSkipVerify bool   `yaml:"tls_insecure_skip_verify"`
}

// KafkaConfig configures the conversation log producer.
type KafkaConfig struct {
	Enabled            bool     `yaml:"enabled"`
	Brokers            []string `yaml:"brokers"`
	ConversationTopic  string   `yaml:"conversation_topic"`
}

// ClickHouseConfig configures the durable conversation log sink.
type ClickHouseConfig struct {
	Enabled bool   `yaml:"enabled"`
	DSN     string `yaml:"dsn"`
}

// S3SSEConfig mirrors server-side encryption settings for blob storage.
type S3SSEConfig struct {
	Mode     string `yaml:"mode"` // "", "sse-s3", "sse-kms"
	KMSKeyID string `yaml:"kms_key_id"`
}

// S3Config configures the object store used for PDF downloads.
type S3Config struct {
	Bucket                string      `yaml:"bucket"`
	Region                string      `yaml:"region"`
	Endpoint              string      `yaml:"endpoint"`
	AccessKey             string      `yaml:"access_key"`
	SecretKey             string      `yaml:"secret_key"`
	Prefix                string      `yaml:"prefix"`
	UsePathStyle          bool        `yaml:"use_path_style"`
	TLSInsecureSkipVerify bool        `yaml:"tls_insecure_skip_verify"`
	SSE                   S3SSEConfig `yaml:"sse"`
}

// OIDCConfig configures bearer-token identity resolution.
type OIDCConfig struct {
	IssuerURL string `yaml:"issuer_url"`
	ClientID  string `yaml:"client_id"`
}

// ProvidersConfig carries API keys for the pluggable generation/embedding backends.
type ProvidersConfig struct {
	OpenAIAPIKey    string `yaml:"openai_api_key"`
	AnthropicAPIKey string `yaml:"anthropic_api_key"`
	GeminiAPIKey    string `yaml:"gemini_api_key"`
}

// GenerationConfig selects the default chat and ingestion-summarization
// models, each a "provider:model" routing string resolved by
// generation.Router.
type GenerationConfig struct {
	DefaultModel   string `yaml:"default_model"`
	SummarizeModel string `yaml:"summarize_model"`
}

// RegistryConfig controls the document registry's refresh cadence.
type RegistryConfig struct {
	RefreshInterval time.Duration `yaml:"refresh_interval"`
}

// EmbedCacheConfig controls the embedding cache's bound and eviction cadence.
type EmbedCacheConfig struct {
	MaxEntries      int           `yaml:"max_entries"`
	EvictionTTL     time.Duration `yaml:"eviction_ttl"`
	EvictionPeriod  time.Duration `yaml:"eviction_period"`
}

// Config is the top-level application configuration.
type Config struct {
	Server     ServerConfig     `yaml:"server"`
	Database   DatabaseConfig   `yaml:"database"`
	Qdrant     QdrantConfig     `yaml:"qdrant"`
	Redis      RedisConfig      `yaml:"redis"`
	Kafka      KafkaConfig      `yaml:"kafka"`
	ClickHouse ClickHouseConfig `yaml:"clickhouse"`
	S3         S3Config         `yaml:"s3"`
	OIDC       OIDCConfig       `yaml:"oidc"`
	Providers  ProvidersConfig  `yaml:"providers"`
	Generation GenerationConfig `yaml:"generation"`
	Registry   RegistryConfig   `yaml:"registry"`
	EmbedCache EmbedCacheConfig `yaml:"embed_cache"`
	LogLevel   string           `yaml:"log_level"`
	LogPath    string           `yaml:"log_path"`
}

// Load reads the YAML config at path (if present), applies environment
// variable overrides, fills in defaults, and reports what it did.
func Load(path string) (*Config, error) {
	_ = godotenv.Load()

	cfg := &Config{}
	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			if !os.IsNotExist(err) {
				pterm.Error.Printf("error reading config file: %v\n", err)
				return nil, fmt.Errorf("read config: %w", err)
			}
			pterm.Warning.Printf("config file %q not found, using defaults and environment\n", path)
		} else if err := yaml.Unmarshal(data, cfg); err != nil {
			pterm.Error.Printf("error unmarshaling config: %v\n", err)
			return nil, fmt.Errorf("unmarshal config: %w", err)
		}
	}

	applyEnvOverrides(cfg)
	applyDefaults(cfg)

	pterm.Success.Println("configuration loaded")
	return cfg, nil
}

func applyEnvOverrides(cfg *Config) {
	if v := os.Getenv("DATABASE_URL"); v != "" {
		cfg.Database.DSN = v
	}
	if v := os.Getenv("QDRANT_ADDR"); v != "" {
		cfg.Qdrant.Enabled = true
		cfg.Qdrant.Addr = v
	}
	if v := os.Getenv("REDIS_ADDR"); v != "" {
		cfg.Redis.Enabled = true
		cfg.Redis.Addr = v
	}
	if v := os.Getenv("KAFKA_BROKERS"); v != "" {
		cfg.Kafka.Enabled = true
		cfg.Kafka.Brokers = strings.Split(v, ",")
	}
	if v := os.Getenv("KAFKA_CONVERSATION_TOPIC"); v != "" {
		cfg.Kafka.ConversationTopic = v
	}
	if v := os.Getenv("CLICKHOUSE_DSN"); v != "" {
		cfg.ClickHouse.Enabled = true
		cfg.ClickHouse.DSN = v
	}
	if v := os.Getenv("S3_BUCKET"); v != "" {
		cfg.S3.Bucket = v
	}
	if v := os.Getenv("AWS_REGION"); v != "" {
		cfg.S3.Region = v
	}
	if v := os.Getenv("OPENAI_API_KEY"); v != "" {
		cfg.Providers.OpenAIAPIKey = v
	}
	if v := os.Getenv("ANTHROPIC_API_KEY"); v != "" {
		cfg.Providers.AnthropicAPIKey = v
	}
	if v := os.Getenv("GEMINI_API_KEY"); v != "" {
		cfg.Providers.GeminiAPIKey = v
	}
	if v := os.Getenv("GENERATION_DEFAULT_MODEL"); v != "" {
		cfg.Generation.DefaultModel = v
	}
	if v := os.Getenv("OIDC_ISSUER_URL"); v != "" {
		cfg.OIDC.IssuerURL = v
	}
	if v := os.Getenv("LOG_LEVEL"); v != "" {
		cfg.LogLevel = v
	}
	if v := os.Getenv("PORT"); v != "" {
		if p, err := strconv.Atoi(v); err == nil {
			cfg.Server.Port = p
		}
	}
}

func applyDefaults(cfg *Config) {
	if cfg.Server.Host == "" {
		cfg.Server.Host = "0.0.0.0"
	}
	if cfg.Server.Port == 0 {
		cfg.Server.Port = 8080
	}
	if cfg.Database.MaxConns == 0 {
		cfg.Database.MaxConns = 10
		pterm.Info.Println("no database.max_conns specified, using default (10)")
	}
	if cfg.Database.DSN == "" {
		pterm.Warning.Println("no database DSN configured; the catalog store will fail to open")
	}
	if cfg.Registry.RefreshInterval <= 0 {
		cfg.Registry.RefreshInterval = 120 * time.Second
		pterm.Info.Println("no registry.refresh_interval specified, using default (120s)")
	}
	if cfg.EmbedCache.MaxEntries <= 0 {
		cfg.EmbedCache.MaxEntries = 10000
	}
	if cfg.EmbedCache.EvictionTTL <= 0 {
		cfg.EmbedCache.EvictionTTL = 60 * time.Minute
	}
	if cfg.EmbedCache.EvictionPeriod <= 0 {
		cfg.EmbedCache.EvictionPeriod = 60 * time.Minute
	}
	if cfg.Generation.DefaultModel == "" {
		cfg.Generation.DefaultModel = "anthropic:claude-sonnet-4-5"
		pterm.Info.Println("no generation.default_model specified, using default (anthropic:claude-sonnet-4-5)")
	}
	if cfg.Generation.SummarizeModel == "" {
		cfg.Generation.SummarizeModel = cfg.Generation.DefaultModel
	}
	if cfg.Kafka.ConversationTopic == "" {
		cfg.Kafka.ConversationTopic = "conversation-log"
	}
	if cfg.LogLevel == "" {
		cfg.LogLevel = "info"
	}
}
