package cmd

import (
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLoadConfigFromEnvFile(t *testing.T) {
	tmpdir := t.TempDir()
	dbPath := filepath.Join(tmpdir, "warden.sqlite3")

	envFile := filepath.Join(tmpdir, "warden.env")
	envContent := fmt.Sprintf(
		`WARDEN_DATABASE=%s
WARDEN_DATABASE_TYPE=sqlite
WARDEN_LOG_LEVEL=DEBUG
WARDEN_STARTUP_TIMEOUT=45s
WARDEN_SHUTDOWN_TIMEOUT=90s
WARDEN_BOT_CONFIG_TTL=10m
WARDEN_DISCORD_GATEWAY_ENABLED=false
WARDEN_DISCORD_CUSTOM_STATUS=on duty
WARDEN_DISCORD_STARTUP_MESSAGE=reporting for duty
WARDEN_DISCORD_NOTIFICATION_CHANNEL_ID=123456789
WARDEN_API_LISTEN=127.0.0.1:6000
`,
		dbPath,
	)
	require.NoError(t, os.WriteFile(envFile, []byte(envContent), 0o600))

	rootCmd.SetArgs([]string{"--config", envFile, "version"})
	require.NoError(t, rootCmd.Execute())

	assert.Equal(t, dbPath, cfg.Database)
	assert.Equal(t, "sqlite", cfg.DatabaseType)
	assert.Equal(t, slog.LevelDebug, cfg.LogLevel.Level())
	assert.Equal(t, 45*time.Second, cfg.StartupTimeout)
	assert.Equal(t, 90*time.Second, cfg.ShutdownTimeout)
	assert.Equal(t, 10*time.Minute, cfg.BotConfigTTL)
	assert.False(t, cfg.Discord.GatewayEnabled)
	assert.Equal(t, "on duty", cfg.Discord.CustomStatus)
	assert.Equal(t, "reporting for duty", cfg.Discord.StartupMessage)
	assert.Equal(t, "123456789", cfg.Discord.NotificationChannelID)
	assert.Equal(t, "127.0.0.1:6000", cfg.API.Listen)
}
