package config_test

import (
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"mfa-service/internal/config"
)

func validConfig() *config.Config {
	return &config.Config{
		Environment: config.EnvTest,
		Security: config.SecurityConfig{
			SecretEncryptionKey: strings.Repeat("k", 32),
			AppSecret:           "app-secret",
		},
		Store: config.StoreConfig{Driver: "memory"},
		State: config.StateConfig{Backend: "memory"},
		SMS:   config.SMSConfig{Driver: "log"},
	}
}

func TestValidate(t *testing.T) {
	t.Parallel()

	t.Run("valid", func(t *testing.T) {
		t.Parallel()
		require.NoError(t, validConfig().Validate())
	})

	t.Run("short cipher key", func(t *testing.T) {
		t.Parallel()
		cfg := validConfig()
		cfg.Security.SecretEncryptionKey = "too-short"
		assert.ErrorIs(t, cfg.Validate(), config.ErrInvalidCipherKey)
	})

	t.Run("kms ciphertext replaces the plain key", func(t *testing.T) {
		t.Parallel()
		cfg := validConfig()
		cfg.Security.SecretEncryptionKey = ""
		cfg.KMS.Enabled = true
		cfg.KMS.EncryptedCipherKey = "AQICAHh..."
		assert.NoError(t, cfg.Validate())
	})

	t.Run("missing app secret", func(t *testing.T) {
		t.Parallel()
		cfg := validConfig()
		cfg.Security.AppSecret = ""
		assert.ErrorIs(t, cfg.Validate(), config.ErrMissingAppSecret)
	})

	t.Run("unknown drivers", func(t *testing.T) {
		t.Parallel()
		for _, mutate := range []func(*config.Config){
			func(c *config.Config) { c.Store.Driver = "postgres" },
			func(c *config.Config) { c.State.Backend = "memcached" },
			func(c *config.Config) { c.SMS.Driver = "carrier-pigeon" },
			func(c *config.Config) { c.Audit.Sinks = []string{"kafka", "splunk"} },
		} {
			cfg := validConfig()
			mutate(cfg)
			assert.ErrorIs(t, cfg.Validate(), config.ErrInvalidDriver)
		}
	})

	t.Run("bad trusted proxy", func(t *testing.T) {
		t.Parallel()
		cfg := validConfig()
		cfg.Server.TrustedProxies = []string{"10.0.0.0/8", "not-an-ip"}
		assert.ErrorIs(t, cfg.Validate(), config.ErrInvalidTrustedProxy)
	})
}

func TestTrustedProxyNets(t *testing.T) {
	t.Parallel()
	server := config.ServerConfig{TrustedProxies: []string{"10.0.0.0/8", " 127.0.0.1 ", "", "::1"}}

	nets, err := server.TrustedProxyNets()
	require.NoError(t, err)
	require.Len(t, nets, 3)
	assert.Equal(t, "10.0.0.0/8", nets[0].String())
	assert.Equal(t, "127.0.0.1/32", nets[1].String())
	assert.Equal(t, "::1/128", nets[2].String())

	nets, err = config.ServerConfig{}.TrustedProxyNets()
	require.NoError(t, err)
	assert.Empty(t, nets)
}

func TestLoadConfig(t *testing.T) {
	t.Setenv("ENVIRONMENT", "test")
	t.Setenv("SECRET_ENCRYPTION_KEY", strings.Repeat("a", 32))
	t.Setenv("APP_SECRET", "shared")
	t.Setenv("SERVER_PORT", "8080")
	t.Setenv("AUDIT_SINKS", "kafka,clickhouse")
	t.Setenv("LIMITER_PIN_THRESHOLD", "7")

	cfg, err := config.LoadConfig()
	require.NoError(t, err)

	assert.Equal(t, ":8080", cfg.GetServerAddress())
	assert.Equal(t, 7, cfg.Limiter.PINThreshold)
	assert.Equal(t, 3, cfg.Limiter.BiometricThreshold)
	assert.Equal(t, 15*time.Minute, cfg.Limiter.LockoutDuration)
	assert.Equal(t, 5*time.Minute, cfg.Security.SignatureMaxAge)
	assert.True(t, cfg.HasAuditSink("clickhouse"))
	assert.False(t, cfg.HasAuditSink("elasticsearch"))
	assert.True(t, cfg.UsesKafka())
	assert.False(t, cfg.IsProduction())
}

func TestLoadConfigRejectsBadKey(t *testing.T) {
	t.Setenv("SECRET_ENCRYPTION_KEY", "short")
	t.Setenv("APP_SECRET", "shared")

	_, err := config.LoadConfig()
	assert.ErrorIs(t, err, config.ErrInvalidCipherKey)
}
