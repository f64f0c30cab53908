package warden

import (
	"context"
	"errors"
	"log/slog"
	"strings"
	"sync"

	"gorm.io/gorm"
)

var (
	// ErrNotConfigured indicates no credentials have been stored yet.
	// Run `warden init` to create them.
	ErrNotConfigured = errors.New("no bot configuration found")

	// ErrAlreadyConfigured indicates a bot_config row already exists.
	// Use [ConfigStore.Rotate] to replace the stored token.
	ErrAlreadyConfigured = errors.New("a bot configuration already exists")

	// ErrEmptyToken indicates a blank token was passed to
	// [ConfigStore.Configure] or [ConfigStore.Rotate]
	ErrEmptyToken = errors.New("discord token must not be empty")
)

// BotConfig is the singleton credential record for the bot. The table
// holds at most one row, enforced by a unique index over a constant
// expression (see [botConfigMigrations]).
type BotConfig struct {
	DiscordToken string `json:"discord_token" gorm:"column:discord_token;not null" log:"[redacted]"`
}

func (c BotConfig) LogValue() slog.Value {
	return structToSlogValue(c)
}

// ConfigStore reads and writes the stored bot credentials.
//
// Reads are served from an in-memory cache after the first load;
// [ConfigStore.Reload] bypasses the cache. Writes are serialized with a
// mutex when running on SQLite, which doesn't handle concurrent writers
// well. On PostgreSQL, concurrent Configure calls race directly against
// the singleton index, and all but one fail with [ErrAlreadyConfigured].
type ConfigStore struct {
	db     *gorm.DB
	table  string
	logger *slog.Logger

	// mu serializes writes in non-concurrent write mode (SQLite)
	mu              sync.Mutex
	serializeWrites bool

	cached  *BotConfig
	cacheMu sync.RWMutex
}

// NewConfigStore returns a ConfigStore backed by the given database
// connection. databaseType must match the type the connection was
// opened with, as it determines the table name and write serialization.
func NewConfigStore(
	db *gorm.DB,
	databaseType string,
	log *slog.Logger,
) *ConfigStore {
	if log == nil {
		log = slog.Default()
	}
	return &ConfigStore{
		db:              db,
		table:           botConfigTableName(databaseType),
		logger:          log.With(loggerNameKey, "config_store"),
		serializeWrites: databaseType == dbTypeSQLite,
	}
}

// Configure stores the initial bot credentials. It fails with
// [ErrAlreadyConfigured] if a row already exists - including when
// another writer wins a concurrent race, in which case the stored
// token is the winner's, untouched.
func (s *ConfigStore) Configure(ctx context.Context, token string) error {
	if strings.TrimSpace(token) == "" {
		return ErrEmptyToken
	}

	if s.serializeWrites {
		s.mu.Lock()
		defer s.mu.Unlock()
	}
	_, ok := ctx.Deadline()
	if !ok {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, dbOperationTimeout)
		defer cancel()
	}

	cfg := BotConfig{DiscordToken: token}
	err := s.db.WithContext(ctx).Table(s.table).Create(&cfg).Error
	if err != nil {
		if errors.Is(err, gorm.ErrDuplicatedKey) {
			return ErrAlreadyConfigured
		}
		return err
	}

	s.setCached(cfg)
	s.logger.InfoContext(ctx, "stored initial bot configuration", "bot_config", cfg)
	return nil
}

// Load returns the stored credentials, reading from the database on the
// first call and from the cache afterward. It fails with
// [ErrNotConfigured] when the table is empty.
func (s *ConfigStore) Load(ctx context.Context) (BotConfig, error) {
	s.cacheMu.RLock()
	cached := s.cached
	s.cacheMu.RUnlock()
	if cached != nil {
		return *cached, nil
	}
	return s.Reload(ctx)
}

// Reload reads the stored credentials directly from the database,
// refreshing the cache. It fails with [ErrNotConfigured] when the
// table is empty.
func (s *ConfigStore) Reload(ctx context.Context) (BotConfig, error) {
	_, ok := ctx.Deadline()
	if !ok {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, dbOperationTimeout)
		defer cancel()
	}

	var cfg BotConfig
	err := s.db.WithContext(ctx).Table(s.table).Take(&cfg).Error
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return BotConfig{}, ErrNotConfigured
		}
		return BotConfig{}, err
	}

	s.setCached(cfg)
	return cfg, nil
}

// Rotate replaces the token in the existing bot_config row. It fails
// with [ErrNotConfigured] when there is no row to update: rotation
// never creates the row, so the table can't grow past one row through
// this path either.
func (s *ConfigStore) Rotate(ctx context.Context, token string) error {
	if strings.TrimSpace(token) == "" {
		return ErrEmptyToken
	}

	if s.serializeWrites {
		s.mu.Lock()
		defer s.mu.Unlock()
	}
	_, ok := ctx.Deadline()
	if !ok {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, dbOperationTimeout)
		defer cancel()
	}

	rv := s.db.WithContext(ctx).Table(s.table).
		Where("discord_token IS NOT NULL").
		Update("discord_token", token)
	if rv.Error != nil {
		return rv.Error
	}
	if rv.RowsAffected == 0 {
		return ErrNotConfigured
	}

	s.setCached(BotConfig{DiscordToken: token})
	s.logger.InfoContext(ctx, "rotated bot token")
	return nil
}

func (s *ConfigStore) setCached(cfg BotConfig) {
	s.cacheMu.Lock()
	defer s.cacheMu.Unlock()
	s.cached = &cfg
}
