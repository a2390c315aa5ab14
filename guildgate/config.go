//nolint:lll // struct tags can't be split
package guildgate

import (
	"fmt"
	"log/slog"
	"time"

	"github.com/bwmarrin/discordgo"
	"github.com/go-playground/validator/v10"
)

const (
	EnvvarSetEnvPrefix = "GUILDGATE_ENV_PREFIX"
	DefaultEnvPrefix   = "GG"

	DefaultLogLevel          = slog.LevelInfo
	DefaultDiscordLogLevel   = slog.LevelWarn
	DefaultDiscordgoLogLevel = slog.LevelWarn
	DefaultStoreLogLevel     = slog.LevelInfo

	DefaultStartupTimeout  = 30 * time.Second
	DefaultShutdownTimeout = 60 * time.Second

	DefaultMongoDatabase       = "guildgate"
	DefaultMongoCollection     = "guild_entitlements"
	DefaultMongoConnectTimeout = 10 * time.Second
	DefaultMongoOpTimeout      = 5 * time.Second
	DefaultStoreMaxRetries     = 3

	DefaultWebhookListen     = "127.0.0.1:5001"
	DefaultReadTimeout       = 5 * time.Second
	DefaultReadHeaderTimeout = 5 * time.Second
	DefaultWriteTimeout      = 10 * time.Second
	DefaultIdleTimeout       = 30 * time.Second

	DefaultEntitlementCacheTTL   = 60 * time.Second
	DefaultCacheSweepInterval    = time.Hour
	DefaultCommandsPerSecond     = 10
	DefaultCommandBurst          = 20
	DefaultDiscordGatewayIntent  = discordgo.IntentsAllWithoutPrivileged
	DefaultDiscordErrorMessage   = "sorry, that's unavailable right now!"
	DefaultDiscordStartupMessage = "I'm here!"
)

// Config is the main GuildGate configuration, loaded via viper in cmd.
type Config struct {
	// Mongo configures the document store connection
	Mongo *MongoConfig `yaml:"mongo" mapstructure:"mongo" json:"mongo"`

	// Discord configures aspects of the Discord bot itself
	Discord *DiscordConfig `yaml:"discord" mapstructure:"discord" json:"discord"`

	// Entitlement configures the evaluator and its cache
	Entitlement *EntitlementConfig `yaml:"entitlement" mapstructure:"entitlement" json:"entitlement"`

	// LogLevel is the base log level, for the default logger
	LogLevel *slog.LevelVar `yaml:"log_level" mapstructure:"log_level" json:"log_level"`

	// StartupTimeout sets a limit on the amount of time the bot has to
	// initialize. If this is passed, the bot will abort startup.
	StartupTimeout time.Duration `yaml:"startup_timeout" mapstructure:"startup_timeout" json:"startup_timeout"`

	// ShutdownTimeout is the time to allow for a graceful shutdown. After
	// this elapses, the bot will force close all connections and exit.
	ShutdownTimeout time.Duration `yaml:"shutdown_timeout" mapstructure:"shutdown_timeout" json:"shutdown_timeout"`
}

// MongoConfig configures the MongoDB-backed document store gateway.
type MongoConfig struct {
	// MongoDB connection string. Absence is startup-fatal.
	URI string `yaml:"uri" mapstructure:"uri" json:"uri" log:"[redacted]" binding:"required"`

	// Database name
	Database string `yaml:"database" mapstructure:"database" json:"database" binding:"required"`

	// Collection holding guild entitlement records
	Collection string `yaml:"collection" mapstructure:"collection" json:"collection" binding:"required"`

	// ConnectTimeout bounds the initial connection/ping
	ConnectTimeout time.Duration `yaml:"connect_timeout" mapstructure:"connect_timeout" json:"connect_timeout" binding:"min=1s"`

	// OpTimeout bounds individual store operations
	OpTimeout time.Duration `yaml:"op_timeout" mapstructure:"op_timeout" json:"op_timeout" binding:"min=1s"`

	// MaxRetries is the number of backoff retries for transient
	// store failures. Retries happen at the gateway boundary only.
	MaxRetries uint64 `yaml:"max_retries" mapstructure:"max_retries" json:"max_retries"`

	// LogLevel sets the log level for store operations
	LogLevel *slog.LevelVar `yaml:"log_level" mapstructure:"log_level" json:"log_level"`
}

// DiscordConfig configures the discord bot itself.
//
//nolint:lll // can't break tags
type DiscordConfig struct {
	// Discord bot token (from the 'Bot' tab in the discord dev portal)
	Token string `yaml:"token" mapstructure:"token" json:"token" log:"[redacted]" binding:"required"`

	// Discord application ID
	ApplicationID string `yaml:"application_id" mapstructure:"application_id" json:"application_id" binding:"required"`

	// GuildID specifies the guild ID used when registering slash commands.
	// Leave empty for commands to be registered as global.
	GuildID string `yaml:"guild_id" mapstructure:"guild_id" json:"guild_id"`

	// ReceiveMethod selects how interactions are received: "gateway"
	// (websocket) or "webhook". Detected once at startup; empty means
	// detect from the rest of the config.
	ReceiveMethod string `yaml:"receive_method" mapstructure:"receive_method" json:"receive_method" binding:"omitempty,oneof=gateway webhook"`

	// WebhookPublicKey is the Ed25519 key used to verify interaction
	// POSTs when receiving via webhook
	WebhookPublicKey string `yaml:"webhook_public_key" mapstructure:"webhook_public_key" json:"webhook_public_key"`

	// WebhookListen is the address the webhook server listens on when
	// receiving via webhook
	WebhookListen string `yaml:"webhook_listen" mapstructure:"webhook_listen" json:"webhook_listen"`

	// Maximum duration for reading the entire request, including the body.
	ReadTimeout time.Duration `yaml:"read_timeout" mapstructure:"read_timeout" json:"read_timeout"`

	// Amount of time allowed to read request headers.
	ReadHeaderTimeout time.Duration `yaml:"read_header_timeout" mapstructure:"read_header_timeout" json:"read_header_timeout"`

	// Maximum duration before timing out writes of the response.
	WriteTimeout time.Duration `yaml:"write_timeout" mapstructure:"write_timeout" json:"write_timeout"`

	// Maximum amount of time to wait for the next request when
	// keep-alives are enabled.
	IdleTimeout time.Duration `yaml:"idle_timeout" mapstructure:"idle_timeout" json:"idle_timeout"`

	// Development switches gin into debug mode
	Development bool `yaml:"development" mapstructure:"development" json:"development"`

	// AdminUserIDs are Discord user IDs permitted to run
	// /premium-admin commands
	AdminUserIDs []string `yaml:"admin_user_ids" mapstructure:"admin_user_ids" json:"admin_user_ids"`

	// NotificationChannelID, if set, receives StartupMessage on connect
	NotificationChannelID string `yaml:"notification_channel_id" mapstructure:"notification_channel_id" json:"notification_channel_id"`

	// StartupMessage is sent to NotificationChannelID on connect
	StartupMessage string `yaml:"startup_message" mapstructure:"startup_message" json:"startup_message"`

	// ErrorMessage is the generic user-facing reply when a command
	// fails. The user never sees why.
	ErrorMessage string `yaml:"error_message" mapstructure:"error_message" json:"error_message"`

	// Discord gateway intents
	GatewayIntents discordgo.Intent `yaml:"gateway_intents" mapstructure:"gateway_intents" json:"gateway_intents"`

	// Base discord logging level
	LogLevel *slog.LevelVar `yaml:"log_level" mapstructure:"log_level" json:"log_level"`

	// Log level for the `discordgo` library's logger
	DiscordGoLogLevel *slog.LevelVar `yaml:"discordgo_log_level" mapstructure:"discordgo_log_level" json:"discordgo_log_level"`
}

// EntitlementConfig configures the evaluator and its in-memory cache.
type EntitlementConfig struct {
	// CacheTTL is how long a fetched entitlement record may be served
	// from memory before a reload is forced
	CacheTTL time.Duration `yaml:"cache_ttl" mapstructure:"cache_ttl" json:"cache_ttl" binding:"min=1s"`

	// CacheSweepInterval is how often expired cache entries are removed
	CacheSweepInterval time.Duration `yaml:"cache_sweep_interval" mapstructure:"cache_sweep_interval" json:"cache_sweep_interval"`

	// CommandsPerSecond rate limits command dispatch
	CommandsPerSecond float64 `yaml:"commands_per_second" mapstructure:"commands_per_second" json:"commands_per_second" binding:"min=1"`

	// CommandBurst is the dispatch rate limiter burst size
	CommandBurst int `yaml:"command_burst" mapstructure:"command_burst" json:"command_burst" binding:"min=1"`
}

func (c Config) LogValue() slog.Value {
	return structToSlogValue(c)
}

func (c MongoConfig) LogValue() slog.Value {
	return structToSlogValue(c)
}

func (c DiscordConfig) LogValue() slog.Value {
	return structToSlogValue(c)
}

// Validate checks the configuration's `binding` tags, returning an
// error describing the first invalid field.
func (c *Config) Validate() error {
	validate := validator.New(validator.WithRequiredStructEnabled())
	validate.SetTagName("binding")
	if err := validate.Struct(c); err != nil {
		return fmt.Errorf("invalid config: %w", err)
	}
	return nil
}

// DefaultConfig returns a Config with all default settings populated
func DefaultConfig() *Config {
	mainLogLevel := &slog.LevelVar{}
	discordLogLevel := &slog.LevelVar{}
	discordgoLogLevel := &slog.LevelVar{}
	storeLogLevel := &slog.LevelVar{}

	mainLogLevel.Set(DefaultLogLevel)
	discordLogLevel.Set(DefaultDiscordLogLevel)
	discordgoLogLevel.Set(DefaultDiscordgoLogLevel)
	storeLogLevel.Set(DefaultStoreLogLevel)

	return &Config{
		LogLevel:        mainLogLevel,
		StartupTimeout:  DefaultStartupTimeout,
		ShutdownTimeout: DefaultShutdownTimeout,
		Mongo: &MongoConfig{
			Database:       DefaultMongoDatabase,
			Collection:     DefaultMongoCollection,
			ConnectTimeout: DefaultMongoConnectTimeout,
			OpTimeout:      DefaultMongoOpTimeout,
			MaxRetries:     DefaultStoreMaxRetries,
			LogLevel:       storeLogLevel,
		},
		Discord: &DiscordConfig{
			WebhookListen:     DefaultWebhookListen,
			ReadTimeout:       DefaultReadTimeout,
			ReadHeaderTimeout: DefaultReadHeaderTimeout,
			WriteTimeout:      DefaultWriteTimeout,
			IdleTimeout:       DefaultIdleTimeout,
			GatewayIntents:    DefaultDiscordGatewayIntent,
			LogLevel:          discordLogLevel,
			DiscordGoLogLevel: discordgoLogLevel,
			StartupMessage:    DefaultDiscordStartupMessage,
			ErrorMessage:      DefaultDiscordErrorMessage,
		},
		Entitlement: &EntitlementConfig{
			CacheTTL:           DefaultEntitlementCacheTTL,
			CacheSweepInterval: DefaultCacheSweepInterval,
			CommandsPerSecond:  DefaultCommandsPerSecond,
			CommandBurst:       DefaultCommandBurst,
		},
	}
}
