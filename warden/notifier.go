package warden

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/lmittmann/tint"
	"gorm.io/gorm"
)

// ConfigNotifier announces changes to the stored bot credentials, and
// listens for announcements from other instances.
//
// On PostgreSQL this is backed by LISTEN/NOTIFY. On SQLite there's only
// ever one writer process worth caring about, so the notifier is an
// in-process channel and cross-process rotations are picked up by the
// TTL refresher instead.
type ConfigNotifier interface {
	// ConfigChannelName returns the name of the notification channel
	// for credential updates
	ConfigChannelName() string

	// ConfigUpdated announces that the stored credentials changed,
	// and should be reloaded
	ConfigUpdated(context.Context) bool

	// ID returns the identifier for this notifier. ConfigNotifier
	// instances should use this ID to filter out their own notifications.
	ID() string

	// Listen blocks, forwarding each received credential update
	// announcement to trigger, until the context is canceled.
	Listen(ctx context.Context, trigger chan<- bool) error
}

// newConfigNotifier returns a ConfigNotifier appropriate for the
// database type. dsn is only used by the postgres notifier, which opens
// its own connection for LISTEN.
func newConfigNotifier(
	databaseType string,
	db *gorm.DB,
	dsn string,
	log *slog.Logger,
) (ConfigNotifier, error) {
	notifyID, err := generateRandomHexString(16)
	if err != nil {
		return nil, err
	}
	if log == nil {
		log = slog.Default()
	}
	log = log.With(loggerNameKey, "config_notifier")
	switch databaseType {
	case dbTypeSQLite:
		return &sqliteNotifier{
			logger:         log,
			signal:         make(chan struct{}, 1),
			sqliteNotifyID: notifyID,
		}, nil
	case dbTypePostgres:
		return &postgresNotifier{
			db:         db,
			dsn:        dsn,
			logger:     log,
			pgNotifyID: notifyID,
		}, nil
	default:
		return nil, errors.New("invalid database type")
	}
}

// AnnounceConfigUpdated publishes a one-off credential update
// announcement, for callers outside the bot runtime (ex: the init
// command after rotating the token). On SQLite this is a no-op, since
// notifications don't cross processes there.
func AnnounceConfigUpdated(
	ctx context.Context,
	db *gorm.DB,
	databaseType string,
	log *slog.Logger,
) bool {
	if databaseType != dbTypePostgres {
		return true
	}
	notifier, err := newConfigNotifier(databaseType, db, "", log)
	if err != nil {
		if log != nil {
			log.ErrorContext(ctx, "error creating notifier", tint.Err(err))
		}
		return false
	}
	return notifier.ConfigUpdated(ctx)
}

type sqliteNotifier struct {
	logger         *slog.Logger
	signal         chan struct{}
	sqliteNotifyID string
}

func (sqliteNotifier) ConfigChannelName() string {
	return ""
}

func (s *sqliteNotifier) ID() string {
	return s.sqliteNotifyID
}

func (s *sqliteNotifier) ConfigUpdated(ctx context.Context) bool {
	s.logger.Info("got config update notification")
	select {
	case s.signal <- struct{}{}:
	//
	case <-ctx.Done():
		s.logger.Warn("timeout sending config refresh signal")
		return false
	}
	return true
}

func (s *sqliteNotifier) Listen(ctx context.Context, trigger chan<- bool) error {
	for {
		select {
		case <-ctx.Done():
			return nil
		case <-s.signal:
			select {
			case trigger <- true:
				s.logger.Info("sent config refresh signal")
			case <-time.After(dbNotifierSendTimeout):
				s.logger.Warn("timed out sending config refresh signal")
			case <-ctx.Done():
				return nil
			}
		}
	}
}

type postgresNotifier struct {
	db         *gorm.DB
	dsn        string
	logger     *slog.Logger
	pgNotifyID string
}

func (postgresNotifier) ConfigChannelName() string {
	return postgresNotifyChannelConfigUpdated
}

func (p *postgresNotifier) ID() string {
	return p.pgNotifyID
}

func (p *postgresNotifier) ConfigUpdated(ctx context.Context) bool {
	var sent bool

	notifyErr := p.db.WithContext(ctx).Exec(
		"SELECT pg_notify(?, ?)",
		p.ConfigChannelName(),
		p.ID(),
	).Error
	if notifyErr != nil {
		p.logger.ErrorContext(
			ctx,
			"Error sending NOTIFY for config update",
			tint.Err(notifyErr),
		)
	} else {
		p.logger.Info(
			"sent config update notification",
			"pg_notify_id", p.ID(),
		)
		sent = true
	}

	return sent
}

func (p *postgresNotifier) Listen(ctx context.Context, trigger chan<- bool) error {
	channel := p.ConfigChannelName()
	p.logger.Info("starting db listener", "channel", channel)

	config, err := pgxpool.ParseConfig(p.dsn)
	if err != nil {
		p.logger.ErrorContext(ctx, "Error parsing database config", tint.Err(err))
		return err
	}

	pool, err := pgxpool.NewWithConfig(ctx, config)
	if err != nil {
		p.logger.ErrorContext(ctx, "Error creating connection pool", tint.Err(err))
		return err
	}
	defer pool.Close()

	// Start listening for notifications
	conn, err := pool.Acquire(ctx)
	if err != nil {
		p.logger.ErrorContext(ctx, "Error acquiring connection", tint.Err(err))
		return err
	}
	defer conn.Release()

	_, err = conn.Exec(ctx, fmt.Sprintf("LISTEN %s", channel))
	if err != nil {
		p.logger.ErrorContext(ctx, "Error setting up listener", tint.Err(err))
		return err
	}
	logger := p.logger.With("channel", channel)
	logger.InfoContext(ctx, "Started listening on channel")

	for ctx.Err() == nil {
		notification, e := conn.Conn().WaitForNotification(ctx)
		if e != nil {
			if ctx.Err() != nil {
				break
			}
			logger.ErrorContext(ctx, "Error waiting for notification", tint.Err(e))
			time.Sleep(5 * time.Second) // Wait before retrying
			continue
		}
		if notification.Payload == p.ID() {
			logger.Info(
				"Received notification from self, ignoring",
				"payload", truncate(notification.Payload, 32),
			)
			continue
		}

		logger.InfoContext(ctx, "Received notification for config update")
		select {
		case trigger <- true:
			logger.Info("sent config refresh signal from postgres listener")
		case <-time.After(dbNotifierSendTimeout):
			logger.Warn("timed out sending config refresh signal")
		}
	}

	return nil
}
