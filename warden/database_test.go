package warden

import (
	"context"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestCreateDBMigratesBotConfig(t *testing.T) {
	db := setupTestDB(t)

	assert.True(t, db.Migrator().HasTable("bot_config"))

	err := db.Exec(
		"INSERT INTO bot_config (discord_token) VALUES (?)",
		"token-one",
	).Error
	require.NoError(t, err)

	// the unique index over a constant expression caps the table at one row
	err = db.Exec(
		"INSERT INTO bot_config (discord_token) VALUES (?)",
		"token-two",
	).Error
	require.Error(t, err)

	var count int64
	require.NoError(t, db.Table("bot_config").Count(&count).Error)
	assert.Equal(t, int64(1), count)
}

func TestCreateDBIdempotent(t *testing.T) {
	ctx := context.Background()
	dbPath := filepath.Join(t.TempDir(), "test.sqlite3")

	db, err := CreateDB(ctx, dbTypeSQLite, dbPath)
	require.NoError(t, err)
	sqlDB, _ := db.DB()
	require.NoError(t, sqlDB.Close())

	_, err = CreateDB(ctx, dbTypeSQLite, dbPath)
	require.NoError(t, err)
}

func TestCreateDBUnsupportedType(t *testing.T) {
	_, err := CreateDB(context.Background(), "mysql", "warden")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "unsupported database type")
}

func TestBotConfigTableName(t *testing.T) {
	assert.Equal(t, "bot.bot_config", botConfigTableName(dbTypePostgres))
	assert.Equal(t, "bot_config", botConfigTableName(dbTypeSQLite))
}
