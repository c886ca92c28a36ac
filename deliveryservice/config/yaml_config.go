package config

import (
	"time"

	"github.com/rs/zerolog"
)

// --- YAML-Specific Structs ---

type YamlCorsConfig struct {
	AllowedOrigins []string `yaml:"allowed_origins"`
}

type YamlAuthConfig struct {
	JWKSURL   string `yaml:"jwks_url"`
	JWTSecret string `yaml:"jwt_secret"`
}

type YamlPostgresConfig struct {
	DSN     string `yaml:"dsn"`
	Migrate bool   `yaml:"migrate"`
}

type YamlFirestoreConfig struct {
	ThreadsCollection   string `yaml:"threads_collection"`
	UsersCollection     string `yaml:"users_collection"`
	ClientIDsCollection string `yaml:"client_ids_collection"`
}

// YamlStoreConfig selects the message store: "firestore", "postgres" or
// "memory" (local mode only).
type YamlStoreConfig struct {
	Type      string              `yaml:"type"`
	Postgres  YamlPostgresConfig  `yaml:"postgres"`
	Firestore YamlFirestoreConfig `yaml:"firestore"`
}

type YamlRedisConfig struct {
	Addr        string        `yaml:"addr"`
	PresenceTTL time.Duration `yaml:"presence_ttl"`
}

type YamlIngestionConfig struct {
	Enabled        bool   `yaml:"enabled"`
	TopicID        string `yaml:"topic_id"`
	SubscriptionID string `yaml:"subscription_id"`
	DLQTopicID     string `yaml:"dlq_topic_id"`
	NumWorkers     int    `yaml:"num_workers"`
}

type YamlWebSocketConfig struct {
	SendQueueSize  int           `yaml:"send_queue_size"`
	WriteTimeout   time.Duration `yaml:"write_timeout"`
	PingInterval   time.Duration `yaml:"ping_interval"`
	PongTimeout    time.Duration `yaml:"pong_timeout"`
	MaxMessageSize int64         `yaml:"max_message_size"`
}

// YamlConfig defines the structure for unmarshaling the embedded config.yaml file.
type YamlConfig struct {
	ProjectID     string              `yaml:"project_id"`
	RunMode       string              `yaml:"run_mode"`
	APIPort       string              `yaml:"api_port"`
	WebSocketPort string              `yaml:"websocket_port"`
	Cors          YamlCorsConfig      `yaml:"cors"`
	Auth          YamlAuthConfig      `yaml:"auth"`
	Store         YamlStoreConfig     `yaml:"store"`
	Redis         YamlRedisConfig     `yaml:"redis"`
	Ingestion     YamlIngestionConfig `yaml:"ingestion"`
	WebSocket     YamlWebSocketConfig `yaml:"websocket"`
}

// --- Stage 1 Function ---

// NewConfigFromYaml converts the raw unmarshaled data (YamlConfig) into a clean, base AppConfig struct.
// Stage 1 complete: The AppConfig struct now exists, but without environment overrides.
func NewConfigFromYaml(yamlCfg *YamlConfig, logger zerolog.Logger) (*AppConfig, error) {
	logger.Debug().Msg("Mapping YAML config to base config struct")

	appCfg := &AppConfig{
		ProjectID:      yamlCfg.ProjectID,
		RunMode:        yamlCfg.RunMode,
		APIPort:        yamlCfg.APIPort,
		WebSocketPort:  yamlCfg.WebSocketPort,
		AllowedOrigins: yamlCfg.Cors.AllowedOrigins,
		Auth:           yamlCfg.Auth,
		Store:          yamlCfg.Store,
		Redis:          yamlCfg.Redis,
		Ingestion:      yamlCfg.Ingestion,
		WebSocket:      yamlCfg.WebSocket,
	}

	logger.Debug().
		Str("project_id", appCfg.ProjectID).
		Str("run_mode", appCfg.RunMode).
		Str("api_port", appCfg.APIPort).
		Str("websocket_port", appCfg.WebSocketPort).
		Str("store_type", appCfg.Store.Type).
		Bool("ingestion", appCfg.Ingestion.Enabled).
		Msg("YAML config mapping complete")

	return appCfg, nil
}
