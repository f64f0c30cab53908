package warden

import (
	"log/slog"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestDefaultConfigValidates(t *testing.T) {
	cfg := DefaultConfig()
	require.NoError(t, structValidator.Struct(cfg))
}

func TestConfigInvalidDatabaseType(t *testing.T) {
	cfg := DefaultConfig()
	cfg.DatabaseType = "mysql"
	require.Error(t, structValidator.Struct(cfg))
}

func TestConfigAPIListenRequiredWhenEnabled(t *testing.T) {
	cfg := DefaultConfig()
	cfg.API.Enabled = true
	cfg.API.Listen = ""
	require.Error(t, structValidator.Struct(cfg))

	cfg.API.Listen = "127.0.0.1:5000"
	require.NoError(t, structValidator.Struct(cfg))
}

func TestConfigLogValueRedactsHTTPClient(t *testing.T) {
	cfg := DefaultConfig()
	val := cfg.LogValue()
	require.Equal(t, slog.KindGroup, val.Kind())

	found := false
	for _, attr := range val.Group() {
		if attr.Key == "HTTPClient" {
			found = true
			assert.Equal(t, "[redacted]", attr.Value.String())
		}
	}
	assert.True(t, found, "expected HTTPClient attr in log output")
}
