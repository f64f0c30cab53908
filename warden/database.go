package warden

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"time"

	"github.com/lmittmann/tint"
	"gorm.io/driver/postgres"
	"gorm.io/driver/sqlite"
	"gorm.io/gorm"
)

const (
	dbTypeSQLite   = "sqlite"
	dbTypePostgres = "postgres"

	// postgresNotifyChannelConfigUpdated is the NOTIFY channel used to
	// announce that the stored bot credentials changed
	postgresNotifyChannelConfigUpdated = "warden_config_updated"

	// botSchemaName is the PostgreSQL schema holding the bot's tables
	botSchemaName = "bot"
)

var (
	sqliteMaxOpenConns    = 1
	sqliteMaxIdleConns    = 1
	sqliteMaxConnLifetime = 5 * time.Minute
	sqliteExecPragma      = []string{
		"pragma journal_mode=WAL;",
		"pragma synchronous = normal;",
		"pragma temp_store = memory;",
		"pragma foreign_keys = ON;",
	}
	dbOperationTimeout    = 30 * time.Second
	dbNotifierSendTimeout = 15 * time.Second
)

// botConfigMigrations holds the schema statements for the bot_config
// table, per database type. The unique index over a constant expression
// is what makes the table a singleton: any second INSERT violates it,
// regardless of the inserted value, so "at most one row" is enforced by
// the database rather than by application locking.
var botConfigMigrations = map[string][]string{
	dbTypePostgres: {
		fmt.Sprintf("CREATE SCHEMA IF NOT EXISTS %s", botSchemaName),
		fmt.Sprintf(
			"CREATE TABLE IF NOT EXISTS %s.bot_config (discord_token TEXT NOT NULL)",
			botSchemaName,
		),
		fmt.Sprintf(
			"CREATE UNIQUE INDEX IF NOT EXISTS bot_config_singleton ON %s.bot_config ((TRUE))",
			botSchemaName,
		),
	},
	// SQLite rejects indexes on bare constants, so the expression
	// references the column while still evaluating identically for
	// every possible row.
	dbTypeSQLite: {
		"CREATE TABLE IF NOT EXISTS bot_config (discord_token TEXT NOT NULL)",
		"CREATE UNIQUE INDEX IF NOT EXISTS bot_config_singleton ON bot_config ((discord_token IS NOT NULL))",
	},
}

// botConfigTableName returns the (possibly schema-qualified) name of the
// bot_config table for the given database type.
func botConfigTableName(databaseType string) string {
	if databaseType == dbTypePostgres {
		return fmt.Sprintf("%s.bot_config", botSchemaName)
	}
	return "bot_config"
}

// CreateDB initializes and returns a GORM database connection based on
// the specified database type, and creates the bot schema if it does
// not already exist.
//
// Parameters:
//   - ctx: The context for the database operations.
//   - databaseType: The type of the database, must be 'sqlite' or 'postgres'.
//   - database: The database connection string, or SQLite file path.
func CreateDB(ctx context.Context, databaseType string, database string) (*gorm.DB, error) {
	handler := tint.NewHandler(
		os.Stdout,
		&tint.Options{
			Level:     slog.LevelWarn,
			AddSource: true,
		},
	)

	gormLogger := newGORMLogger(handler, 500*time.Millisecond)
	dbLogger := slog.New(handler)

	dbLogger.InfoContext(
		ctx,
		"Initializing database",
		"database_type", databaseType,
		"database", database,
	)
	db, err := getDB(databaseType, database, gormLogger)
	if err != nil {
		return db, err
	}

	if err = initSQLPool(ctx, db, databaseType); err != nil {
		return db, err
	}

	if err = migrateBotConfig(ctx, db, databaseType); err != nil {
		return db, err
	}

	return db, nil
}

// getDB initializes and returns a GORM database connection based on the
// specified database type.
//
// Parameters:
//   - databaseType: Must be 'sqlite' or 'postgres'
//   - database: Database connection string, or SQLite file path.
//   - gormLogger: A pointer to a gormStructuredLogger instance for
//     logging database operations.
func getDB(
	databaseType string,
	database string,
	gormLogger *gormStructuredLogger,
) (*gorm.DB, error) {
	switch databaseType {
	case dbTypeSQLite:
		parentDir := filepath.Dir(database)
		if parentDir != "" {
			if err := os.MkdirAll(parentDir, 0755); err != nil {
				if !errors.Is(err, os.ErrExist) {
					return nil, err
				}
			}
		}
		return gorm.Open(
			sqlite.Open(database),
			&gorm.Config{
				Logger:         gormLogger,
				TranslateError: true,
				NowFunc: func() time.Time {
					return time.Now().UTC()
				},
			},
		)
	case dbTypePostgres:
		return gorm.Open(
			postgres.Open(database), &gorm.Config{
				Logger:         gormLogger,
				TranslateError: true,
				NowFunc: func() time.Time {
					return time.Now().UTC()
				},
			},
		)
	default:
		return nil, fmt.Errorf(
			"unsupported database type: %s (must be %q or %q)",
			databaseType, dbTypeSQLite, dbTypePostgres,
		)
	}
}

// initSQLPool applies connection pool settings and, for SQLite,
// the startup pragmas.
func initSQLPool(ctx context.Context, db *gorm.DB, databaseType string) error {
	if databaseType != dbTypeSQLite {
		return nil
	}

	sqlDB, err := db.DB()
	if err != nil {
		return fmt.Errorf("error getting database connection: %w", err)
	}
	sqlDB.SetMaxOpenConns(sqliteMaxOpenConns)
	sqlDB.SetMaxIdleConns(sqliteMaxIdleConns)
	sqlDB.SetConnMaxLifetime(sqliteMaxConnLifetime)

	pragmaErrors := make([]error, 0, len(sqliteExecPragma))
	for _, p := range sqliteExecPragma {
		pragmaErrors = append(
			pragmaErrors,
			db.WithContext(ctx).Exec(p).Error,
		)
	}
	return errors.Join(pragmaErrors...)
}

// migrateBotConfig creates the bot_config table and its singleton index.
// GORM's AutoMigrate can't express an expression index over a constant,
// so the DDL is explicit.
func migrateBotConfig(ctx context.Context, db *gorm.DB, databaseType string) error {
	stmts, ok := botConfigMigrations[databaseType]
	if !ok {
		return fmt.Errorf(
			"unsupported database type: %s (must be %q or %q)",
			databaseType, dbTypeSQLite, dbTypePostgres,
		)
	}

	txn := db.WithContext(ctx).Begin()
	if txn.Error != nil {
		return txn.Error
	}
	for _, stmt := range stmts {
		if err := txn.Exec(stmt).Error; err != nil {
			txn.Rollback()
			return fmt.Errorf("error migrating database: %w", err)
		}
	}
	commitErr := txn.Commit().Error
	if commitErr != nil {
		return fmt.Errorf("error committing transaction: %w", commitErr)
	}
	return nil
}
