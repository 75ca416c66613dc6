package config

import (
	"encoding/json"
	"fmt"
	"os"
	"regexp"
	"time"
)

// Config is the top-level configuration structure.
type Config struct {
	Server        ServerConfig        `json:"server"`
	Providers     []ProviderConfig    `json:"providers"`
	Gateway       GatewayConfig       `json:"gateway"`
	Database      DatabaseConfig      `json:"database"`
	Embedding     EmbeddingConfig     `json:"embedding"`
	Session       SessionConfig       `json:"session"`
	Search        SearchConfig        `json:"search"`
	Consolidation ConsolidationConfig `json:"consolidation"`
	ModulesDir    string              `json:"modules_dir"`
}

type ServerConfig struct {
	Port     int    `json:"port"`
	LogLevel string `json:"log_level"`
}

type ProviderConfig struct {
	ID       string `json:"id"`
	Type     string `json:"type"`
	Name     string `json:"name"`
	Endpoint string `json:"endpoint"`
	APIKey   string `json:"api_key"`
	Model    string `json:"model,omitempty"`
	// Modes binds this provider as primary for the named conversation
	// modes ("tutor", "agent").
	Modes []string `json:"modes,omitempty"`
	// Fallback marks this provider as a fallback for all modes.
	Fallback bool `json:"fallback,omitempty"`
}

type GatewayConfig struct {
	Slack   SlackGatewayConfig   `json:"slack"`
	Discord DiscordGatewayConfig `json:"discord"`
	// ClientID and ActorClassID anchor the identity attributed to
	// platform users; the actor id is derived per user.
	ClientID     string `json:"client_id"`
	ActorClassID string `json:"actor_class_id"`
}

type SlackGatewayConfig struct {
	Enabled  bool   `json:"enabled"`
	BotToken string `json:"bot_token"`
	AppToken string `json:"app_token"`
}

type DiscordGatewayConfig struct {
	Enabled  bool   `json:"enabled"`
	BotToken string `json:"bot_token"`
}

type DatabaseConfig struct {
	Postgres PostgresConfig `json:"postgres"`
	Neo4j    Neo4jConfig    `json:"neo4j"`
	Redis    RedisConfig    `json:"redis"`
	Qdrant   QdrantConfig   `json:"qdrant"`
}

type PostgresConfig struct {
	DSN string `json:"dsn"`
}

type Neo4jConfig struct {
	URI      string `json:"uri"`
	User     string `json:"user"`
	Password string `json:"password"`
}

type RedisConfig struct {
	URL string `json:"url"`
}

type QdrantConfig struct {
	Host string `json:"host"`
	Port int    `json:"port"`
}

type EmbeddingConfig struct {
	Provider  string `json:"provider"`
	Endpoint  string `json:"endpoint"`
	Model     string `json:"model"`
	APIKey    string `json:"api_key"`
	Dimension int    `json:"dimension"`
}

type SessionConfig struct {
	TTLMinutes int `json:"ttl_minutes"`
	MaxHistory int `json:"max_history"`
}

// TTL returns the session TTL, or zero when unset.
func (c SessionConfig) TTL() time.Duration {
	return time.Duration(c.TTLMinutes) * time.Minute
}

type SearchConfig struct {
	RealmTimeoutMS  int `json:"realm_timeout_ms"`
	CacheTTLSeconds int `json:"cache_ttl_seconds"`
	MaxResults      int `json:"max_results"`
}

func (c SearchConfig) RealmTimeout() time.Duration {
	return time.Duration(c.RealmTimeoutMS) * time.Millisecond
}

func (c SearchConfig) CacheTTL() time.Duration {
	return time.Duration(c.CacheTTLSeconds) * time.Second
}

type ConsolidationConfig struct {
	MessageWindow int `json:"message_window"`
	PoolSize      int `json:"pool_size"`
	MaxRetries    int `json:"max_retries"`
}

// envVarRe matches ${VAR} and ${VAR:default} patterns.
var envVarRe = regexp.MustCompile(`\$\{(\w+)(?::([^}]*))?\}`)

// Load reads a JSON config file and substitutes environment variable references.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read config %s: %w", path, err)
	}

	// Substitute ${VAR} and ${VAR:default} with environment values.
	resolved := envVarRe.ReplaceAllStringFunc(string(data), func(match string) string {
		parts := envVarRe.FindStringSubmatch(match)
		name := parts[1]
		defaultVal := parts[2]
		if v := os.Getenv(name); v != "" {
			return v
		}
		return defaultVal
	})

	var cfg Config
	if err := json.Unmarshal([]byte(resolved), &cfg); err != nil {
		return nil, fmt.Errorf("parse config %s: %w", path, err)
	}
	return &cfg, nil
}
