package warden

import (
	"context"
	"path/filepath"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"gorm.io/gorm"
)

func setupTestDB(t testing.TB) *gorm.DB {
	t.Helper()
	tmpdir := t.TempDir()
	dbPath := filepath.Join(tmpdir, "test.sqlite3")
	db, err := CreateDB(
		context.Background(),
		dbTypeSQLite,
		dbPath,
	)
	if err != nil {
		t.Fatalf("error creating test database: %v", err)
	}
	t.Cleanup(
		func() {
			sqlDB, _ := db.DB()
			if sqlDB != nil {
				_ = sqlDB.Close()
			}
		},
	)
	return db
}

func newTestStore(t testing.TB, db *gorm.DB) *ConfigStore {
	t.Helper()
	return NewConfigStore(db, dbTypeSQLite, nil)
}

func TestConfigureAndLoad(t *testing.T) {
	ctx := context.Background()
	db := setupTestDB(t)
	store := newTestStore(t, db)

	require.NoError(t, store.Configure(ctx, "token-one"))

	cfg, err := store.Load(ctx)
	require.NoError(t, err)
	assert.Equal(t, "token-one", cfg.DiscordToken)

	// a fresh store sees the same row, without a warm cache
	fresh := newTestStore(t, db)
	cfg, err = fresh.Load(ctx)
	require.NoError(t, err)
	assert.Equal(t, "token-one", cfg.DiscordToken)
}

func TestConfigureRejectsEmptyToken(t *testing.T) {
	ctx := context.Background()
	store := newTestStore(t, setupTestDB(t))

	err := store.Configure(ctx, "")
	require.ErrorIs(t, err, ErrEmptyToken)

	err = store.Configure(ctx, "   ")
	require.ErrorIs(t, err, ErrEmptyToken)

	_, err = store.Load(ctx)
	require.ErrorIs(t, err, ErrNotConfigured)
}

func TestConfigureDuplicate(t *testing.T) {
	ctx := context.Background()
	db := setupTestDB(t)

	first := newTestStore(t, db)
	require.NoError(t, first.Configure(ctx, "token-one"))

	second := newTestStore(t, db)
	err := second.Configure(ctx, "token-two")
	require.ErrorIs(t, err, ErrAlreadyConfigured)

	// the stored token is untouched by the failed attempt
	fresh := newTestStore(t, db)
	cfg, loadErr := fresh.Load(ctx)
	require.NoError(t, loadErr)
	assert.Equal(t, "token-one", cfg.DiscordToken)
}

func TestLoadNotConfigured(t *testing.T) {
	ctx := context.Background()
	store := newTestStore(t, setupTestDB(t))

	_, err := store.Load(ctx)
	require.ErrorIs(t, err, ErrNotConfigured)

	_, err = store.Reload(ctx)
	require.ErrorIs(t, err, ErrNotConfigured)
}

func TestConcurrentConfigure(t *testing.T) {
	ctx := context.Background()
	db := setupTestDB(t)

	const writers = 8
	tokens := []string{
		"token-0", "token-1", "token-2", "token-3",
		"token-4", "token-5", "token-6", "token-7",
	}

	errs := make([]error, writers)
	wg := &sync.WaitGroup{}
	for i := 0; i < writers; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			// each writer gets its own store, so the only thing
			// standing between them and a second row is the database
			store := NewConfigStore(db, dbTypeSQLite, nil)
			errs[i] = store.Configure(ctx, tokens[i])
		}(i)
	}
	wg.Wait()

	var winners []string
	for i, err := range errs {
		if err == nil {
			winners = append(winners, tokens[i])
		} else {
			assert.ErrorIs(t, err, ErrAlreadyConfigured)
		}
	}
	require.Len(t, winners, 1, "exactly one Configure call should succeed")

	cfg, err := newTestStore(t, db).Load(ctx)
	require.NoError(t, err)
	assert.Equal(t, winners[0], cfg.DiscordToken)
}

func TestRotate(t *testing.T) {
	ctx := context.Background()
	db := setupTestDB(t)
	store := newTestStore(t, db)

	require.NoError(t, store.Configure(ctx, "token-one"))
	require.NoError(t, store.Rotate(ctx, "token-two"))

	cfg, err := store.Load(ctx)
	require.NoError(t, err)
	assert.Equal(t, "token-two", cfg.DiscordToken)

	fresh := newTestStore(t, db)
	cfg, err = fresh.Load(ctx)
	require.NoError(t, err)
	assert.Equal(t, "token-two", cfg.DiscordToken)
}

func TestRotateNotConfigured(t *testing.T) {
	ctx := context.Background()
	store := newTestStore(t, setupTestDB(t))

	err := store.Rotate(ctx, "token-two")
	require.ErrorIs(t, err, ErrNotConfigured)

	err = store.Rotate(ctx, " ")
	require.ErrorIs(t, err, ErrEmptyToken)
}

func TestReconfigureAfterClear(t *testing.T) {
	ctx := context.Background()
	db := setupTestDB(t)

	store := newTestStore(t, db)
	require.NoError(t, store.Configure(ctx, "token-one"))

	require.NoError(t, db.Exec("DELETE FROM bot_config").Error)

	fresh := newTestStore(t, db)
	_, err := fresh.Load(ctx)
	require.ErrorIs(t, err, ErrNotConfigured)

	require.NoError(t, fresh.Configure(ctx, "token-three"))
	cfg, err := fresh.Load(ctx)
	require.NoError(t, err)
	assert.Equal(t, "token-three", cfg.DiscordToken)
}
