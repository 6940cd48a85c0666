package core

import (
	"os"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestDefaultConfig(t *testing.T) {
	cfg := DefaultConfig()

	assert.Equal(t, "fleet-gateway", cfg.Name)
	assert.Equal(t, 8080, cfg.Port)
	assert.Equal(t, "redis://localhost:6379", cfg.Broker.URL)
	assert.Equal(t, 10, cfg.Queue.MaxClaimLimit)
	assert.Equal(t, 60*time.Second, cfg.Queue.MinVisibility)
	assert.Equal(t, 30*time.Second, cfg.ConnManager.HeartbeatInterval)
	assert.Equal(t, 300*time.Second, cfg.HITL.DefaultTimeout)
}

func TestDetectEnvironment(t *testing.T) {
	t.Run("kubernetes", func(t *testing.T) {
		os.Setenv("KUBERNETES_SERVICE_HOST", "10.0.0.1")
		defer os.Unsetenv("KUBERNETES_SERVICE_HOST")

		cfg := DefaultConfig()
		assert.True(t, cfg.Kubernetes.Enabled)
		assert.Equal(t, "0.0.0.0", cfg.Address)
		assert.Equal(t, "json", cfg.Logging.Format)
	})

	t.Run("local", func(t *testing.T) {
		os.Unsetenv("KUBERNETES_SERVICE_HOST")
		cfg := DefaultConfig()
		assert.True(t, cfg.Development.Enabled)
	})
}

func TestLoadFromEnv(t *testing.T) {
	os.Setenv("REDIS_URL", "redis://test-broker:6379")
	os.Setenv("GATEWAY_QUEUE_MAX_CLAIM_LIMIT", "5")
	os.Setenv("GATEWAY_LOG_LEVEL", "debug")
	defer func() {
		os.Unsetenv("REDIS_URL")
		os.Unsetenv("GATEWAY_QUEUE_MAX_CLAIM_LIMIT")
		os.Unsetenv("GATEWAY_LOG_LEVEL")
	}()

	cfg := DefaultConfig()
	require.NoError(t, cfg.LoadFromEnv())

	assert.Equal(t, "redis://test-broker:6379", cfg.Broker.URL)
	assert.Equal(t, 5, cfg.Queue.MaxClaimLimit)
	assert.Equal(t, "debug", cfg.Logging.Level)
}

func TestNewConfigOptions(t *testing.T) {
	t.Run("WithName and WithPort", func(t *testing.T) {
		cfg, err := NewConfig(
			WithName("test-gateway"),
			WithPort(9090),
			WithJWTPublicKey("test-key"),
		)
		require.NoError(t, err)
		assert.Equal(t, "test-gateway", cfg.Name)
		assert.Equal(t, 9090, cfg.Port)
	})

	t.Run("invalid port rejected", func(t *testing.T) {
		_, err := NewConfig(WithPort(0))
		assert.ErrorIs(t, err, ErrInvalidConfiguration)
	})

	t.Run("WithBrokerURL", func(t *testing.T) {
		cfg, err := NewConfig(WithBrokerURL("redis://custom:6379"), WithJWTPublicKey("k"))
		require.NoError(t, err)
		assert.Equal(t, "redis://custom:6379", cfg.Broker.URL)
	})

	t.Run("WithQueueLimits validates bounds", func(t *testing.T) {
		_, err := NewConfig(WithQueueLimits(11, 60*time.Second, time.Hour))
		assert.ErrorIs(t, err, ErrInvalidConfiguration)
	})

	t.Run("WithCORS", func(t *testing.T) {
		cfg, err := NewConfig(
			WithCORS([]string{"https://portal.example.com"}, true),
			WithJWTPublicKey("k"),
		)
		require.NoError(t, err)
		assert.True(t, cfg.HTTP.CORS.Enabled)
		assert.Equal(t, []string{"https://portal.example.com"}, cfg.HTTP.CORS.AllowedOrigins)
		assert.True(t, cfg.HTTP.CORS.AllowCredentials)
	})

	t.Run("WithApprovalTimeout", func(t *testing.T) {
		cfg, err := NewConfig(WithApprovalTimeout(100*time.Millisecond), WithJWTPublicKey("k"))
		require.NoError(t, err)
		assert.Equal(t, 100*time.Millisecond, cfg.HITL.DefaultTimeout)
	})

	t.Run("WithDevelopmentMode skips JWT requirement", func(t *testing.T) {
		cfg, err := NewConfig(WithDevelopmentMode(true))
		require.NoError(t, err)
		assert.True(t, cfg.Development.Enabled)
	})

	t.Run("missing JWT key rejected outside dev mode", func(t *testing.T) {
		cfg := DefaultConfig()
		cfg.Development.Enabled = false
		cfg.Auth.JWTPublicKey = ""
		err := cfg.Validate()
		assert.ErrorIs(t, err, ErrMissingConfiguration)
	})
}

func TestValidate(t *testing.T) {
	cfg := DefaultConfig()
	cfg.Auth.JWTPublicKey = "k"
	require.NoError(t, cfg.Validate())

	cfg.ConnManager.HighWaterMarkBytes = cfg.ConnManager.MaxQueueBytes + 1
	assert.ErrorIs(t, cfg.Validate(), ErrInvalidConfiguration)
}

func TestParseHelpers(t *testing.T) {
	assert.Equal(t, []string{"a", "b", "c"}, parseStringList("a, b ,c"))
	assert.Nil(t, parseStringList(""))
	assert.True(t, parseBool("true"))
	assert.False(t, parseBool("nonsense"))
}
