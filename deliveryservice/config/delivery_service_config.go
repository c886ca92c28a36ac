// --- File: deliveryservice/config/delivery_service_config.go ---
package config

import (
	"errors"
	"fmt"
	"os"
	"strings"

	"github.com/rs/zerolog"
)

const (
	RunModeLocal = "local"
	RunModeProd  = "prod"

	StoreFirestore = "firestore"
	StorePostgres  = "postgres"
	StoreMemory    = "memory"
)

// AppConfig is the canonical, validated configuration object used throughout the application.
// It is created by NewConfigFromYaml (Stage 1) and finalized by
// UpdateConfigWithEnvOverrides (Stage 2).
type AppConfig struct {
	ProjectID      string
	RunMode        string
	APIPort        string
	WebSocketPort  string
	AllowedOrigins []string
	Auth           YamlAuthConfig
	Store          YamlStoreConfig
	Redis          YamlRedisConfig
	Ingestion      YamlIngestionConfig
	WebSocket      YamlWebSocketConfig
}

// IsLocal reports whether every external dependency is faked.
func (c *AppConfig) IsLocal() bool { return c.RunMode == RunModeLocal }

// UpdateConfigWithEnvOverrides takes the base configuration (created from YAML)
// and completes it by applying environment variables and final validation.
// This function completes "Stage 2" of configuration loading.
func UpdateConfigWithEnvOverrides(cfg *AppConfig, logger zerolog.Logger) (*AppConfig, error) {
	logger.Debug().Msg("Applying environment variable overrides...")

	override := func(key string, target *string) {
		if v := os.Getenv(key); v != "" {
			logger.Debug().Str("key", key).Str("source", "env").Msg("Overriding config value")
			*target = v
		}
	}

	// 1. Apply Environment Overrides
	override("GCP_PROJECT_ID", &cfg.ProjectID)
	override("RUN_MODE", &cfg.RunMode)
	override("API_PORT", &cfg.APIPort)
	override("WEBSOCKET_PORT", &cfg.WebSocketPort)
	override("STORE_TYPE", &cfg.Store.Type)
	override("POSTGRES_DSN", &cfg.Store.Postgres.DSN)
	override("REDIS_ADDR", &cfg.Redis.Addr)
	override("JWKS_URL", &cfg.Auth.JWKSURL)
	override("JWT_SECRET", &cfg.Auth.JWTSecret)

	if corsOrigins := os.Getenv("CORS_ALLOWED_ORIGINS"); corsOrigins != "" {
		logger.Debug().Str("key", "CORS_ALLOWED_ORIGINS").Str("source", "env").Msg("Overriding config value")
		var cleanOrigins []string
		for _, o := range strings.Split(corsOrigins, ",") {
			if trimmed := strings.TrimSpace(o); trimmed != "" {
				cleanOrigins = append(cleanOrigins, trimmed)
			}
		}
		cfg.AllowedOrigins = cleanOrigins
	}

	// 2. Final Validation
	if err := cfg.validate(); err != nil {
		logger.Error().Err(err).Msg("Final config validation failed")
		return nil, err
	}

	logger.Debug().Msg("Configuration finalized and validated successfully")
	return cfg, nil
}

func (c *AppConfig) validate() error {
	if c.RunMode != RunModeLocal && c.RunMode != RunModeProd {
		return fmt.Errorf("invalid run_mode %q (must be 'local' or 'prod')", c.RunMode)
	}
	if c.APIPort == "" {
		return errors.New("API_PORT is not set in config or env var")
	}
	if c.WebSocketPort == "" {
		return errors.New("WEBSOCKET_PORT is not set in config or env var")
	}
	if c.IsLocal() {
		return nil
	}

	switch c.Store.Type {
	case StoreFirestore:
		if c.ProjectID == "" {
			return errors.New("GCP_PROJECT_ID is not set in config or env var")
		}
	case StorePostgres:
		if c.Store.Postgres.DSN == "" {
			return errors.New("store type is postgres but POSTGRES_DSN is not set")
		}
	default:
		return fmt.Errorf("invalid store type %q for prod (must be 'firestore' or 'postgres')", c.Store.Type)
	}
	if c.Redis.Addr == "" {
		return errors.New("REDIS_ADDR is not set in config or env var")
	}
	if c.Auth.JWKSURL == "" && c.Auth.JWTSecret == "" {
		return errors.New("neither JWKS_URL nor JWT_SECRET is set")
	}
	if c.Ingestion.Enabled {
		if c.ProjectID == "" {
			return errors.New("ingestion is enabled but GCP_PROJECT_ID is not set")
		}
		if c.Ingestion.TopicID == "" || c.Ingestion.SubscriptionID == "" {
			return errors.New("ingestion is enabled but topic_id or subscription_id is missing")
		}
	}
	return nil
}
