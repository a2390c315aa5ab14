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

	"github.com/guildgate/guildgate/guildgate"
	"github.com/joho/godotenv"
	"github.com/mitchellh/mapstructure"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"
)

var (
	cfg        = guildgate.DefaultConfig()
	configFile string
)

var rootCmd = &cobra.Command{
	Use: "guildgate [flags]",
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

// LevelToStringHookFunc decodes log level names into *slog.LevelVar
// during viper unmarshalling.
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

	viper.SetDefault("log_level", guildgate.DefaultLogLevel.String())
	viper.SetDefault("startup_timeout", guildgate.DefaultStartupTimeout)
	viper.SetDefault("shutdown_timeout", guildgate.DefaultShutdownTimeout)

	// Document store config
	viper.SetDefault("mongo.uri", "")
	viper.SetDefault("mongo.database", guildgate.DefaultMongoDatabase)
	viper.SetDefault("mongo.collection", guildgate.DefaultMongoCollection)
	viper.SetDefault(
		"mongo.connect_timeout",
		guildgate.DefaultMongoConnectTimeout,
	)
	viper.SetDefault("mongo.op_timeout", guildgate.DefaultMongoOpTimeout)
	viper.SetDefault("mongo.max_retries", guildgate.DefaultStoreMaxRetries)
	viper.SetDefault(
		"mongo.log_level",
		guildgate.DefaultStoreLogLevel.String(),
	)

	// Discord config
	viper.SetDefault("discord.token", "")
	viper.SetDefault("discord.application_id", "")
	viper.SetDefault("discord.guild_id", "")
	viper.SetDefault("discord.receive_method", "")
	viper.SetDefault("discord.webhook_public_key", "")
	viper.SetDefault("discord.webhook_listen", guildgate.DefaultWebhookListen)
	viper.SetDefault("discord.read_timeout", guildgate.DefaultReadTimeout)
	viper.SetDefault(
		"discord.read_header_timeout",
		guildgate.DefaultReadHeaderTimeout,
	)
	viper.SetDefault("discord.write_timeout", guildgate.DefaultWriteTimeout)
	viper.SetDefault("discord.idle_timeout", guildgate.DefaultIdleTimeout)
	viper.SetDefault("discord.development", false)
	viper.SetDefault("discord.admin_user_ids", []string{})
	viper.SetDefault("discord.notification_channel_id", "")
	viper.SetDefault(
		"discord.startup_message",
		guildgate.DefaultDiscordStartupMessage,
	)
	viper.SetDefault(
		"discord.error_message",
		guildgate.DefaultDiscordErrorMessage,
	)
	viper.SetDefault(
		"discord.gateway_intents",
		guildgate.DefaultDiscordGatewayIntent,
	)
	viper.SetDefault(
		"discord.log_level",
		guildgate.DefaultDiscordLogLevel.String(),
	)
	viper.SetDefault(
		"discord.discordgo_log_level",
		guildgate.DefaultDiscordgoLogLevel.String(),
	)

	// Entitlement config
	viper.SetDefault(
		"entitlement.cache_ttl",
		guildgate.DefaultEntitlementCacheTTL,
	)
	viper.SetDefault(
		"entitlement.cache_sweep_interval",
		guildgate.DefaultCacheSweepInterval,
	)
	viper.SetDefault(
		"entitlement.commands_per_second",
		guildgate.DefaultCommandsPerSecond,
	)
	viper.SetDefault(
		"entitlement.command_burst",
		guildgate.DefaultCommandBurst,
	)

	envPrefix := os.Getenv(guildgate.EnvvarSetEnvPrefix)
	if envPrefix == "" {
		envPrefix = guildgate.DefaultEnvPrefix
	}
	viper.SetEnvPrefix(envPrefix)

	replacer := strings.NewReplacer(".", "_")
	viper.SetEnvKeyReplacer(replacer)
	viper.AutomaticEnv()

	viper.Set(
		"discord.admin_user_ids",
		viper.GetStringSlice("discord.admin_user_ids"),
	)

	for _, key := range []string{
		"log_level",
		"mongo.log_level",
		"discord.log_level",
		"discord.discordgo_log_level",
	} {
		logLevelVar, err := levelStringToLevelVar(viper.GetString(key))
		if err != nil {
			log.Fatalf("error parsing %s: %v", key, err)
		}
		viper.Set(key, logLevelVar)
	}
}

func levelStringToLevelVar(lvl string) (*slog.LevelVar, error) {
	level := &slog.LevelVar{}
	err := level.UnmarshalText([]byte(lvl))
	return level, err
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
