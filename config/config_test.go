package config

import (
	"testing"

	"github.com/stretchr/testify/require"
)

func TestLoadConfigDefaults(t *testing.T) {
	cfg, err := LoadConfig(t.TempDir())
	require.NoError(t, err)

	require.Equal(t, "development", cfg.Environment)
	require.Equal(t, "0.0.0.0:8080", cfg.Server.Address)
	require.Equal(t, "ticket-purchases", cfg.Azure.PurchaseQueue)
	require.Equal(t, "ticket-events", cfg.Azure.LifecycleQueue)
	require.Empty(t, cfg.Azure.ConnectionString)
	require.Empty(t, cfg.Tracing.LicenseKey)
	require.True(t, cfg.Redis.Enabled)
}

func TestLoadConfigEnvOverride(t *testing.T) {
	t.Setenv("TICKETS_ENVIRONMENT", "production")
	t.Setenv("TICKETS_SERVER_ADDRESS", "0.0.0.0:9090")
	t.Setenv("TICKETS_AZURE_CONNECTION_STRING", "Endpoint=sb://test.servicebus.windows.net/")
	t.Setenv("TICKETS_TRACING_LICENSE_KEY", "license-from-env")
	t.Setenv("TICKETS_REDIS_ENABLED", "false")

	cfg, err := LoadConfig(t.TempDir())
	require.NoError(t, err)

	require.Equal(t, "production", cfg.Environment)
	require.Equal(t, "0.0.0.0:9090", cfg.Server.Address)
	require.Equal(t, "Endpoint=sb://test.servicebus.windows.net/", cfg.Azure.ConnectionString)
	require.Equal(t, "license-from-env", cfg.Tracing.LicenseKey)
	require.False(t, cfg.Redis.Enabled)
}

func TestFormatIndex(t *testing.T) {
	cfg := ElasticConfig{Prefix: "tickets"}
	require.Equal(t, "tickets-sales", FormatIndex(cfg, "sales"))
}
