package cmd

import (
	"context"
	"fmt"
	"log"
	"log/slog"
	"os"
	"os/signal"
	"reflect"
	"strings"
	"syscall"

	"github.com/joho/godotenv"
	"github.com/mitchellh/mapstructure"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"
	"github.com/wardenbot/warden/warden"
)

var (
	cfg        = warden.DefaultConfig()
	configFile string
)

var rootCmd = &cobra.Command{
	Use: "warden [flags]",
	PersistentPreRun: func(cmd *cobra.Command, args []string) {
		err := viper.Unmarshal(
			cfg,
			viper.DecodeHook(
				mapstructure.ComposeDecodeHookFunc(
					mapstructure.StringToTimeDurationHookFunc(),
					LevelToStringHookFunc(),
				),
			),
		)
		if err != nil {
			log.Fatalln(err)
		}
	},
}

func getLogLevel(level string) (slog.Level, error) {
	switch level {
	case slog.LevelDebug.String():
		return slog.LevelDebug, nil
	case slog.LevelInfo.String():
		return slog.LevelInfo, nil
	case slog.LevelWarn.String():
		return slog.LevelWarn, nil
	case slog.LevelError.String():
		return slog.LevelError, nil
	default:
		return slog.LevelInfo, fmt.Errorf("invalid log level: %s", level)
	}
}

func LevelToStringHookFunc() mapstructure.DecodeHookFuncType {
	return func(
		f reflect.Type,
		t reflect.Type,
		data any,
	) (any, error) {
		if f.Kind() != reflect.String {
			return data, nil
		}
		if t.Kind() != reflect.Ptr {
			return data, nil
		}

		typ := t.Elem()

		if typ != reflect.TypeOf(slog.LevelVar{}) {
			return data, nil
		}
		lvl, err := getLogLevel(data.(string))
		if err != nil {
			return nil, fmt.Errorf("invalid log level: %s", data)
		}
		lvlVar := &slog.LevelVar{}
		lvlVar.Set(lvl)
		return lvlVar, nil
	}
}

func Execute() {
	ctx, cancel := context.WithCancel(context.Background())
	rootCmd.SetContext(ctx)
	signals := make(chan os.Signal, 1)
	signal.Notify(
		signals,
		os.Interrupt,
		syscall.SIGHUP,
		syscall.SIGTERM,
		syscall.SIGINT,
	)
	defer func() {
		signal.Stop(signals)
		cancel()
	}()
	go func() {
		select {
		case <-signals:
			cancel()
		case <-ctx.Done():
			//
		}
	}()
	err := rootCmd.ExecuteContext(ctx)
	if err != nil {
		fmt.Println(err)
		os.Exit(1)
	}
}

func initConfig() {
	if configFile == "" {
		if err := godotenv.Load(); err != nil {
			log.Println("No .env file found")
		}
	} else {
		fmt.Println("loading env from file", configFile)
		if err := godotenv.Load(configFile); err != nil {
			log.Println("No .env file found")
		}
	}

	viper.SetDefault("database", warden.DefaultDatabase)
	viper.SetDefault("database_type", warden.DefaultDatabaseType)
	viper.SetDefault(
		"database_slow_threshold",
		warden.DefaultDatabaseSlowThreshold,
	)
	viper.SetDefault(
		"database_log_level",
		warden.DefaultDatabaseLogLevel.String(),
	)

	viper.SetDefault("log_level", warden.DefaultLogLevel.String())

	viper.SetDefault("startup_timeout", warden.DefaultStartupTimeout)
	viper.SetDefault("shutdown_timeout", warden.DefaultShutdownTimeout)
	viper.SetDefault("bot_config_ttl", warden.DefaultBotConfigTTL)

	// Discord config
	viper.SetDefault("discord.gateway_enabled", true)
	viper.SetDefault(
		"discord.gateway_intents",
		warden.DefaultDiscordGatewayIntent,
	)
	viper.SetDefault("discord.custom_status", warden.DefaultDiscordCustomStatus)
	viper.SetDefault("discord.startup_message", warden.DefaultDiscordStartupMessage)
	viper.SetDefault("discord.notification_channel_id", "")
	viper.SetDefault(
		"discord.log_level",
		warden.DefaultDiscordLogLevel.String(),
	)
	viper.SetDefault(
		"discord.discordgo_log_level",
		warden.DefaultDiscordgoLogLevel.String(),
	)

	// API config
	viper.SetDefault("api.enabled", true)
	viper.SetDefault("api.listen", warden.DefaultAPIListen)
	viper.SetDefault("api.log_level", warden.DefaultAPILogLevel.String())
	viper.SetDefault("api.read_timeout", warden.DefaultReadTimeout)
	viper.SetDefault(
		"api.read_header_timeout",
		warden.DefaultReadHeaderTimeout,
	)
	viper.SetDefault("api.write_timeout", warden.DefaultWriteTimeout)
	viper.SetDefault("api.idle_timeout", warden.DefaultIdleTimeout)

	envPrefix := os.Getenv(warden.EnvvarSetEnvPrefix)
	if envPrefix == "" {
		envPrefix = warden.DefaultEnvPrefix
	}
	viper.SetEnvPrefix(envPrefix)

	replacer := strings.NewReplacer(".", "_")
	viper.SetEnvKeyReplacer(replacer)
	viper.AutomaticEnv()
}

//goland:noinspection GoLinter,GoLinter
func init() {
	cobra.OnInitialize(initConfig)

	rootCmd.PersistentFlags().StringVar(
		&configFile,
		"config",
		"",
		"Config file to use",
	)
}
