package warden

import (
	"context"
	"log/slog"
	"net/http"
	"path/filepath"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/bwmarrin/discordgo"
	"github.com/lmittmann/tint"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// DefaultTestConfig returns a config suitable for tests, using a
// temporary sqlite database and the TTL refresher disabled.
func DefaultTestConfig(t testing.TB) *Config {
	t.Helper()
	cfg := DefaultConfig()
	cfg.DatabaseType = dbTypeSQLite
	cfg.Database = filepath.Join(t.TempDir(), "test.sqlite3")
	cfg.StartupTimeout = 30 * time.Second
	cfg.ShutdownTimeout = 15 * time.Second
	cfg.BotConfigTTL = 0
	cfg.LogLevel.Set(slog.LevelWarn)
	cfg.DatabaseLogLevel.Set(slog.LevelWarn)
	cfg.Discord.LogLevel.Set(slog.LevelWarn)
	cfg.Discord.DiscordGoLogLevel.Set(slog.LevelWarn)
	cfg.API.LogLevel.Set(slog.LevelWarn)
	cfg.API.Listen = "127.0.0.1:0"
	return cfg
}

type mockDiscordSession struct {
	logger   *slog.Logger
	logLevel *slog.LevelVar

	openCount  atomic.Int64
	closeCount atomic.Int64

	mu       sync.Mutex
	statuses []string
}

func newMockDiscordSession() *mockDiscordSession {
	logLevel := &slog.LevelVar{}
	logLevel.Set(slog.LevelWarn)
	return &mockDiscordSession{
		logLevel: logLevel,
		logger: slog.New(
			tint.NewHandler(
				defaultLogWriter,
				&tint.Options{Level: logLevel, AddSource: true},
			),
		).With(loggerNameKey, "discord_session_handler"),
	}
}

func (m *mockDiscordSession) Open() error {
	m.logger.Info("Open called")
	m.openCount.Add(1)
	return nil
}

func (m *mockDiscordSession) Close() error {
	m.logger.Info("Close called")
	m.closeCount.Add(1)
	return nil
}

func (m *mockDiscordSession) ChannelMessageSend(
	channelID string,
	message string,
	_ ...discordgo.RequestOption,
) (*discordgo.Message, error) {
	m.logger.Info(
		"ChannelMessageSend called",
		"channel_id", channelID,
		"message", message,
	)
	return &discordgo.Message{ChannelID: channelID, Content: message}, nil
}

func (m *mockDiscordSession) UpdateCustomStatus(status string) error {
	m.logger.Info("UpdateCustomStatus called", "status", status)
	m.mu.Lock()
	m.statuses = append(m.statuses, status)
	m.mu.Unlock()
	return nil
}

func (m *mockDiscordSession) AddHandler(_ any) func() {
	m.logger.Info("AddHandler called")
	return func() {
		m.logger.Info("removing handler")
	}
}

func (m *mockDiscordSession) SetHTTPClient(_ *http.Client) {
	m.logger.Info("SetHTTPClient called")
}

func (m *mockDiscordSession) SetIdentify(i discordgo.Identify) {
	m.logger.Info("SetIdentify called", "intents", i.Intents)
}

func (m *mockDiscordSession) SetLogLevel(lvl slog.Level) error {
	m.logger.Info("SetLogLevel called", "level", lvl)
	m.logLevel.Set(lvl)
	return nil
}

func (m *mockDiscordSession) GatewayBot(
	_ ...discordgo.RequestOption,
) (*discordgo.GatewayBotResponse, error) {
	m.logger.Info("GatewayBot called")
	return &discordgo.GatewayBotResponse{}, nil
}

func TestNew(t *testing.T) {
	cfg := DefaultTestConfig(t)
	w, err := New(cfg)
	require.NoError(t, err)
	require.NotNil(t, w)
	assert.NotNil(t, w.discord)
	assert.NotNil(t, w.api)
	assert.NoError(t, w.ValidateConfig())
}

func TestNewInvalidDatabaseType(t *testing.T) {
	cfg := DefaultTestConfig(t)
	cfg.DatabaseType = "mysql"
	_, err := New(cfg)
	require.Error(t, err)
}

func TestRunNotConfigured(t *testing.T) {
	cfg := DefaultTestConfig(t)
	cfg.Discord.GatewayEnabled = false
	cfg.API.Enabled = false

	w, err := New(cfg)
	require.NoError(t, err)

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	t.Cleanup(cancel)

	err = w.Run(ctx)
	require.ErrorIs(t, err, ErrNotConfigured)
}

func TestRunAndShutdown(t *testing.T) {
	cfg := DefaultTestConfig(t)
	cfg.Discord.GatewayEnabled = true
	cfg.Discord.CustomStatus = "on duty"

	db, err := CreateDB(context.Background(), cfg.DatabaseType, cfg.Database)
	require.NoError(t, err)
	store := NewConfigStore(db, cfg.DatabaseType, nil)
	require.NoError(t, store.Configure(context.Background(), "token-one"))
	sqlDB, _ := db.DB()
	require.NoError(t, sqlDB.Close())

	w, err := New(cfg)
	require.NoError(t, err)

	mock := newMockDiscordSession()
	w.discord.session = mock

	ctx, cancel := context.WithCancel(context.Background())
	t.Cleanup(cancel)

	runDone := make(chan error, 1)
	go func() {
		runDone <- w.Run(ctx)
	}()

	select {
	case <-w.signalReady:
		//
	case err = <-runDone:
		t.Fatalf("run exited before ready: %v", err)
	case <-time.After(60 * time.Second):
		t.Fatal("timed out waiting for ready signal")
	}

	assert.Equal(t, int64(1), mock.openCount.Load())
	mock.mu.Lock()
	assert.Contains(t, mock.statuses, "on duty")
	mock.mu.Unlock()

	cancel()

	select {
	case err = <-runDone:
		require.NoError(t, err)
	case <-time.After(60 * time.Second):
		t.Fatal("timed out waiting for shutdown")
	}

	assert.GreaterOrEqual(t, mock.closeCount.Load(), int64(1))
}

func TestRunTokenRotationReconnects(t *testing.T) {
	cfg := DefaultTestConfig(t)
	cfg.Discord.GatewayEnabled = true

	db, err := CreateDB(context.Background(), cfg.DatabaseType, cfg.Database)
	require.NoError(t, err)
	store := NewConfigStore(db, cfg.DatabaseType, nil)
	require.NoError(t, store.Configure(context.Background(), "token-one"))

	w, err := New(cfg)
	require.NoError(t, err)

	firstSession := newMockDiscordSession()
	w.discord.session = firstSession

	secondSession := newMockDiscordSession()
	var mu sync.Mutex
	var newSessionTokens []string
	w.discord.newSessionFunc = func(token string) (DiscordSessionHandler, error) {
		mu.Lock()
		newSessionTokens = append(newSessionTokens, token)
		mu.Unlock()
		return secondSession, nil
	}

	ctx, cancel := context.WithCancel(context.Background())
	t.Cleanup(cancel)

	runDone := make(chan error, 1)
	go func() {
		runDone <- w.Run(ctx)
	}()

	select {
	case <-w.signalReady:
		//
	case err = <-runDone:
		t.Fatalf("run exited before ready: %v", err)
	case <-time.After(60 * time.Second):
		t.Fatal("timed out waiting for ready signal")
	}

	// rotate through a separate store, as the init command would, then
	// announce the change
	require.NoError(t, store.Rotate(context.Background(), "token-two"))
	require.True(t, w.notifier.ConfigUpdated(context.Background()))

	require.Eventually(
		t,
		func() bool {
			mu.Lock()
			defer mu.Unlock()
			return len(newSessionTokens) == 1 &&
				newSessionTokens[0] == "token-two" &&
				secondSession.openCount.Load() == 1
		},
		30*time.Second,
		50*time.Millisecond,
		"expected a new session opened with the rotated token",
	)
	assert.Equal(t, int64(1), firstSession.closeCount.Load())

	cancel()
	select {
	case err = <-runDone:
		require.NoError(t, err)
	case <-time.After(60 * time.Second):
		t.Fatal("timed out waiting for shutdown")
	}
}
