// --- File: deliveryservice/config/delivery_service_config_test.go ---
package config_test

import (
	"testing"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/Nicat85/BuynityProject-sub001/deliveryservice/config"
)

var envKeys = []string{
	"GCP_PROJECT_ID", "RUN_MODE", "API_PORT", "WEBSOCKET_PORT", "STORE_TYPE",
	"POSTGRES_DSN", "REDIS_ADDR", "JWKS_URL", "JWT_SECRET", "CORS_ALLOWED_ORIGINS",
}

// clearEnv blanks every variable the loader reads; empty values are ignored.
func clearEnv(t *testing.T) {
	t.Helper()
	for _, k := range envKeys {
		t.Setenv(k, "")
	}
}

// newBaseConfig creates a mock "Stage 1" config,
// simulating what NewConfigFromYaml would produce.
func newBaseConfig() *config.AppConfig {
	return &config.AppConfig{
		ProjectID:     "base-project",
		RunMode:       config.RunModeProd,
		APIPort:       "9090",
		WebSocketPort: "9091",
		Auth:          config.YamlAuthConfig{JWKSURL: "http://base-id.com/jwks"},
		Store:         config.YamlStoreConfig{Type: config.StoreFirestore},
		Redis:         config.YamlRedisConfig{Addr: "base-redis:6379"},
		Ingestion:     config.YamlIngestionConfig{NumWorkers: 1},
	}
}

func TestUpdateConfigWithEnvOverrides(t *testing.T) {
	logger := zerolog.Nop()

	t.Run("Success - All overrides applied", func(t *testing.T) {
		clearEnv(t)
		baseCfg := newBaseConfig()

		t.Setenv("GCP_PROJECT_ID", "env-project")
		t.Setenv("API_PORT", "8000")
		t.Setenv("WEBSOCKET_PORT", "8001")
		t.Setenv("REDIS_ADDR", "env-redis:6379")
		t.Setenv("STORE_TYPE", "postgres")
		t.Setenv("POSTGRES_DSN", "postgres://env")
		t.Setenv("JWT_SECRET", "env-secret")
		t.Setenv("CORS_ALLOWED_ORIGINS", " https://a.example , https://b.example,")

		cfg, err := config.UpdateConfigWithEnvOverrides(baseCfg, logger)

		require.NoError(t, err)
		require.NotNil(t, cfg)
		assert.Equal(t, "env-project", cfg.ProjectID)
		assert.Equal(t, "8000", cfg.APIPort)
		assert.Equal(t, "8001", cfg.WebSocketPort)
		assert.Equal(t, "env-redis:6379", cfg.Redis.Addr)
		assert.Equal(t, config.StorePostgres, cfg.Store.Type)
		assert.Equal(t, "postgres://env", cfg.Store.Postgres.DSN)
		assert.Equal(t, "env-secret", cfg.Auth.JWTSecret)
		assert.Equal(t, []string{"https://a.example", "https://b.example"}, cfg.AllowedOrigins)

		// Non-overridden fields remain.
		assert.Equal(t, config.RunModeProd, cfg.RunMode)
		assert.Equal(t, "http://base-id.com/jwks", cfg.Auth.JWKSURL)
		assert.Equal(t, 1, cfg.Ingestion.NumWorkers)
	})

	t.Run("Success - Local mode needs only ports", func(t *testing.T) {
		clearEnv(t)
		t.Setenv("RUN_MODE", "local")
		t.Setenv("API_PORT", "8000")
		t.Setenv("WEBSOCKET_PORT", "8001")

		cfg, err := config.UpdateConfigWithEnvOverrides(&config.AppConfig{}, logger)

		require.NoError(t, err)
		assert.True(t, cfg.IsLocal())
	})

	testCases := []struct {
		name    string
		mutate  func(*config.AppConfig)
		wantErr string
	}{
		{"Failure - Invalid run mode", func(c *config.AppConfig) { c.RunMode = "staging" }, "invalid run_mode"},
		{"Failure - Missing API_PORT", func(c *config.AppConfig) { c.APIPort = "" }, "API_PORT is not set"},
		{"Failure - Missing WEBSOCKET_PORT", func(c *config.AppConfig) { c.WebSocketPort = "" }, "WEBSOCKET_PORT is not set"},
		{"Failure - Firestore without project", func(c *config.AppConfig) { c.ProjectID = "" }, "GCP_PROJECT_ID is not set"},
		{"Failure - Postgres without DSN", func(c *config.AppConfig) { c.Store.Type = config.StorePostgres }, "POSTGRES_DSN is not set"},
		{"Failure - Memory store in prod", func(c *config.AppConfig) { c.Store.Type = config.StoreMemory }, "invalid store type"},
		{"Failure - Missing REDIS_ADDR", func(c *config.AppConfig) { c.Redis.Addr = "" }, "REDIS_ADDR is not set"},
		{"Failure - No auth", func(c *config.AppConfig) { c.Auth = config.YamlAuthConfig{} }, "neither JWKS_URL nor JWT_SECRET"},
		{"Failure - Ingestion without subscription", func(c *config.AppConfig) {
			c.Ingestion = config.YamlIngestionConfig{Enabled: true, TopicID: "t"}
		}, "subscription_id is missing"},
	}

	for _, tc := range testCases {
		t.Run(tc.name, func(t *testing.T) {
			clearEnv(t)
			baseCfg := newBaseConfig()
			tc.mutate(baseCfg)

			cfg, err := config.UpdateConfigWithEnvOverrides(baseCfg, logger)

			require.Error(t, err)
			assert.Nil(t, cfg)
			assert.Contains(t, err.Error(), tc.wantErr)
		})
	}
}
