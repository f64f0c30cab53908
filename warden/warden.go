package warden

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"os"
	"sync"
	"time"

	"github.com/bwmarrin/discordgo"
	"github.com/lmittmann/tint"
	"golang.org/x/sync/errgroup"
	"gorm.io/gorm"
)

var (
	// When building, set these like:
	// -ldflags "-X github.com/wardenbot/warden/warden.Version=$$(date +'%Y%m%d')"

	Version   = "dev"
	CommitSHA = "unknown"
	BuildTime = "unknown"
)

var (
	defaultLogWriter io.Writer = os.Stdout
)

// Warden is the bot runtime. It loads stored credentials on startup,
// opens the Discord gateway session, serves the status API, and keeps
// the session's token in sync with the database.
//
// Fields:
//   - config: Pointer to the main configuration struct.
//   - db: The GORM database connection.
//   - store: Accessor for the stored bot credentials.
//   - notifier: Announces and receives credential rotations.
//   - discord: The Discord gateway integration.
//   - api: The status HTTP server.
type Warden struct {
	config   *Config
	db       *gorm.DB
	store    *ConfigStore
	notifier ConfigNotifier
	discord  *Discord
	api      *API

	logger     *slog.Logger
	logHandler slog.Handler

	runMu     sync.Mutex
	startedAt time.Time

	// signalStop cancels the main runtime context when signaled
	signalStop chan struct{}

	// signalReady receives a signal when startup has finished
	signalReady chan struct{}

	// triggerConfigRefreshCh receives a signal whenever the stored
	// credentials should be re-read from the database
	triggerConfigRefreshCh chan bool
}

// New creates and validates the basic wiring for a Warden instance. The
// database isn't touched until [Warden.Run].
func New(config *Config) (*Warden, error) {
	var errs []error

	switch config.DatabaseType {
	case dbTypeSQLite, dbTypePostgres:
		//
	default:
		errs = append(
			errs,
			errors.New("invalid database type (must be 'sqlite' or 'postgres')"),
		)
	}

	if config.HTTPClient == nil {
		config.HTTPClient = http.DefaultClient
	}

	w := &Warden{
		config:                 config,
		signalReady:            make(chan struct{}, 1),
		triggerConfigRefreshCh: make(chan bool, 1),
	}

	w.logHandler = tint.NewHandler(
		defaultLogWriter, &tint.Options{
			Level:     w.config.LogLevel,
			AddSource: true,
		},
	)

	w.logger = slog.New(w.logHandler)
	slog.SetDefault(w.logger)

	w.config.Discord.httpClient = w.config.HTTPClient

	disc := newDiscord(w.config.Discord)

	discordgo.Logger = discordgoLoggerFunc(
		context.Background(),
		tint.NewHandler(
			defaultLogWriter, &tint.Options{
				Level:     w.config.Discord.DiscordGoLogLevel,
				AddSource: true,
			},
		).WithAttrs([]slog.Attr{slog.String(loggerNameKey, "discordgo")}),
	)

	disc.logger = slog.New(
		tint.NewHandler(
			defaultLogWriter, &tint.Options{
				Level:     w.config.Discord.LogLevel,
				AddSource: true,
			},
		),
	).With(loggerNameKey, "discord")

	w.discord = disc

	w.api = newAPI(w, config.API)

	return w, errors.Join(errs...)
}

func (w *Warden) ValidateConfig() error {
	err := structValidator.Struct(w.config)
	if err != nil {
		return err
	}

	return nil
}

// Run starts the bot and blocks until the given context is canceled, a
// stop signal is received, or startup fails. Startup fails with
// [ErrNotConfigured] (wrapped) when no credentials have been stored.
func (w *Warden) Run(ctx context.Context) error {
	// prevents concurrent runs
	w.runMu.Lock()
	defer w.runMu.Unlock()

	w.signalStop = make(chan struct{}, 1)
	w.startedAt = time.Now()
	logger := w.logger

	if err := w.ValidateConfig(); err != nil {
		logger.Error("invalid config", tint.Err(err))
		return err
	}

	ctx = WithLogger(ctx, logger)

	logger.LogAttrs(ctx, slog.LevelInfo, "starting", slog.Any("config", w.config))
	if w.signalReady == nil {
		w.signalReady = make(chan struct{}, 1)
	}

	// this is the 'runtime' context, which triggers a graceful shutdown
	// when canceled
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	go func() {
		select {
		case <-w.signalStop:
			w.logger.Warn("got stop signal, canceling")
			cancel()
		case <-ctx.Done():
			//
		}
	}()

	startCtx, startCancel := context.WithTimeout(ctx, w.config.StartupTimeout)
	defer startCancel()

	initErr := make(chan error, 1)
	go func() {
		logger.Debug("initializing run...")
		initErr <- w.initRun(startCtx)
	}()

	select {
	case <-startCtx.Done():
		return fmt.Errorf("startup cancelled or timed out")
	case err := <-initErr:
		if err != nil {
			logger.ErrorContext(ctx, "init error", tint.Err(err))
			return err
		}
		logger.WarnContext(ctx, "init complete")
	}

	if w.config.Discord.GatewayEnabled {
		botCfg, err := w.store.Load(ctx)
		if err != nil {
			return err
		}
		if err = w.initDiscordSession(botCfg.DiscordToken); err != nil {
			logger.ErrorContext(ctx, "error creating discord session", tint.Err(err))
			return err
		}
		if err = w.discord.session.Open(); err != nil {
			return fmt.Errorf("error opening discord session: %w", err)
		}
		if w.config.Discord.CustomStatus != "" {
			if err = w.discord.updateCustomStatus(w.config.Discord.CustomStatus); err != nil {
				logger.WarnContext(ctx, "error setting custom status", tint.Err(err))
			}
		}
	} else {
		logger.WarnContext(ctx, "discord gateway disabled")
	}

	g, gctx := errgroup.WithContext(ctx)

	if w.config.API.Enabled {
		g.Go(
			func() error {
				httpErr := w.api.Serve(gctx)
				if httpErr != nil && !errors.Is(httpErr, http.ErrServerClosed) {
					return fmt.Errorf("error serving api HTTP: %w", httpErr)
				}
				return nil
			},
		)
	}

	g.Go(
		func() error {
			return w.notifier.Listen(gctx, w.triggerConfigRefreshCh)
		},
	)

	g.Go(
		func() error {
			w.watchBotConfig(gctx)
			return nil
		},
	)

	w.signalReady <- struct{}{}
	w.logger.InfoContext(ctx, "sent ready signal")

	// block until something cancels the main runtime context - generally
	// from an interrupt
	<-gctx.Done()

	// Commence shutdown
	return w.shutdown(g)
}

// initRun opens the database connection, runs migrations, verifies
// stored credentials exist, and creates the config notifier.
func (w *Warden) initRun(ctx context.Context) error {
	logger, ok := ContextLogger(ctx)
	if !ok || logger == nil {
		logger = w.logger
	}

	if err := w.initDB(ctx); err != nil {
		return err
	}

	w.store = NewConfigStore(w.db, w.config.DatabaseType, w.logger)

	botCfg, err := w.store.Load(ctx)
	if err != nil {
		if errors.Is(err, ErrNotConfigured) {
			return fmt.Errorf(
				"no rows in %s - run 'warden init' to store the bot token: %w",
				botConfigTableName(w.config.DatabaseType),
				err,
			)
		}
		return err
	}
	logger.InfoContext(ctx, "loaded stored bot configuration", "bot_config", botCfg)

	notifier, err := newConfigNotifier(
		w.config.DatabaseType,
		w.db,
		w.config.Database,
		w.logger,
	)
	if err != nil {
		return err
	}
	w.notifier = notifier

	return nil
}

func (w *Warden) initDB(ctx context.Context) error {
	logger, ok := ContextLogger(ctx)
	if !ok || logger == nil {
		logger = w.logger
	}

	handler := tint.NewHandler(
		defaultLogWriter, &tint.Options{
			Level:     w.config.DatabaseLogLevel,
			AddSource: true,
		},
	)

	gormLogger := newGORMLogger(handler, w.config.DatabaseSlowThreshold)
	db, err := getDB(w.config.DatabaseType, w.config.Database, gormLogger)
	if err != nil {
		return fmt.Errorf("error opening database: %w", err)
	}

	w.db = db

	if err = initSQLPool(ctx, db, w.config.DatabaseType); err != nil {
		return err
	}

	logger.Debug("migrating database...")
	if err = migrateBotConfig(ctx, db, w.config.DatabaseType); err != nil {
		logger.Error("error migrating database", tint.Err(err))
		return err
	}
	logger.Debug("finished migrating database")

	return nil
}

// watchBotConfig re-reads the stored credentials whenever the notifier
// signals a rotation, and at every BotConfigTTL interval if set.
func (w *Warden) watchBotConfig(ctx context.Context) {
	logger := w.logger.With(loggerNameKey, "bot_config_refresher")

	var tickerCh <-chan time.Time
	if w.config.BotConfigTTL > 0 {
		ticker := time.NewTicker(w.config.BotConfigTTL)
		defer ticker.Stop()
		tickerCh = ticker.C
	}

	for {
		select {
		case <-ctx.Done():
			logger.Debug("bot config refresher stopping")
			return
		case <-tickerCh:
			w.refreshBotConfig(ctx, logger)
		case <-w.triggerConfigRefreshCh:
			w.refreshBotConfig(ctx, logger)
		}
	}
}

// refreshBotConfig reloads the stored credentials and, if the token
// changed, tears down the gateway session and reopens it with the new
// token.
func (w *Warden) refreshBotConfig(ctx context.Context, logger *slog.Logger) {
	prev, _ := w.store.Load(ctx)

	cfg, err := w.store.Reload(ctx)
	if err != nil {
		if errors.Is(err, ErrNotConfigured) {
			logger.Warn("stored configuration is gone, keeping current session")
		} else {
			logger.Error("error reloading bot config", tint.Err(err))
		}
		return
	}

	if cfg.DiscordToken == prev.DiscordToken {
		logger.Debug("bot config unchanged")
		return
	}

	logger.Info("bot token rotated")
	if !w.config.Discord.GatewayEnabled {
		return
	}
	if err = w.reconnectDiscord(cfg.DiscordToken); err != nil {
		logger.Error("error reconnecting with rotated token", tint.Err(err))
	}
}

// reconnectDiscord closes the current gateway session, if any, and
// opens a new one using the given token.
func (w *Warden) reconnectDiscord(token string) error {
	if w.discord.session != nil {
		if err := w.discord.session.Close(); err != nil {
			w.logger.Warn("error closing discord session", tint.Err(err))
		}
	}
	w.discord.session = nil

	if err := w.initDiscordSession(token); err != nil {
		return err
	}
	return w.discord.session.Open()
}

// initDiscordSession creates the gateway session (unless one was
// injected, as in tests), sets the identify payload, and registers the
// gateway event handlers.
func (w *Warden) initDiscordSession(token string) error {
	if w.discord.session == nil {
		sess, err := w.discord.newSessionFunc(token)
		if err != nil {
			return fmt.Errorf("error creating discord session: %w", err)
		}
		w.discord.session = sess
	}

	if len(w.discord.discordgoRemoveHandlerFuncs) > 0 {
		for _, h := range w.discord.discordgoRemoveHandlerFuncs {
			h()
		}
	}

	identify := discordgo.Identify{Intents: w.config.Discord.GatewayIntents}
	identify.Presence = discordgo.GatewayStatusUpdate{
		Status: w.config.Discord.CustomStatus,
	}
	w.discord.session.SetIdentify(identify)

	w.discord.discordgoRemoveHandlerFuncs = []func(){
		w.discord.session.AddHandler(w.discord.handlerConnect()),
		w.discord.session.AddHandler(w.discord.handlerDisconnect()),
		w.discord.session.AddHandler(w.discord.handlerReady()),
	}
	return nil
}

// shutdown closes the API server and gateway session, then waits for
// the runtime goroutines to drain, up to ShutdownTimeout.
func (w *Warden) shutdown(g *errgroup.Group) error {
	w.logger.Warn("shutting down")

	shutdownStart := time.Now()
	shutdownTimeout := w.config.ShutdownTimeout
	if shutdownTimeout.Seconds() == 0 {
		w.logger.Warn("immediate shutdown")
		if w.api != nil {
			_ = w.api.httpServer.Close()
		}
		if w.discord.session != nil {
			_ = w.discord.session.Close()
		}
		return g.Wait()
	}
	shutdownDeadline := shutdownStart.Add(shutdownTimeout)

	w.logger.Info(
		"exiting!",
		"shutdown_timeout", shutdownTimeout,
		"shutdown_started", shutdownStart,
		"shutdown_deadline", shutdownDeadline,
	)

	closeCtx, closeCancel := context.WithDeadline(
		context.Background(),
		shutdownDeadline,
	)
	defer closeCancel()

	if w.config.API.Enabled && w.api != nil {
		if err := w.api.httpServer.Shutdown(closeCtx); err != nil {
			w.logger.Error("error shutting down api HTTP server", tint.Err(err))
		}
	}

	if w.config.Discord.GatewayEnabled && w.discord.session != nil {
		if err := w.discord.session.Close(); err != nil {
			w.logger.Error("error closing discord session", tint.Err(err))
		}
	}

	done := make(chan error, 1)
	go func() {
		done <- g.Wait()
	}()

	announcementTicker := time.NewTicker(10 * time.Second)
	defer announcementTicker.Stop()

	for {
		select {
		case err := <-done:
			w.logger.Info(
				"shutdown complete",
				"shutdown_started", shutdownStart,
				"shutdown_duration", time.Since(shutdownStart),
			)
			return err
		case <-announcementTicker.C:
			w.logger.Warn(
				"still waiting on graceful shutdown",
				"shutdown_deadline", shutdownDeadline,
			)
		case <-closeCtx.Done():
			w.logger.Error("graceful shutdown timed out, force closing")
			if w.api != nil {
				_ = w.api.httpServer.Close()
			}
			return fmt.Errorf("graceful shutdown timed out")
		}
	}
}
