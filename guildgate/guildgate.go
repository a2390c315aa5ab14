package guildgate

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
	"golang.org/x/sync/errgroup"
)

var (
	// When building, set these like:
	// -ldflags "-X github.com/guildgate/guildgate/guildgate.Version=$$(date +'%Y%m%d')"

	Version   = "dev"
	CommitSHA = "unknown"
	BuildTime = "unknown"
)

var defaultLogWriter io.Writer = os.Stdout

// GuildGate is the main application struct, wiring the document store
// gateway, entitlement cache and evaluator, compatibility adapter,
// telemetry sink, and command dispatcher around a Discord session.
type GuildGate struct {
	config     *Config
	logger     *slog.Logger
	logHandler slog.Handler

	store     *StoreGateway
	cache     *EntitlementCache
	evaluator *Evaluator
	telemetry *TelemetrySink

	// adapter is the client implementation resolved once at startup.
	// Immutable afterwards - no locking required.
	adapter ClientAdapter

	dispatcher    *CommandDispatcher
	session       *discordgo.Session
	webhookServer *WebhookServer

	// signalStop enables an explicit stop signal to be sent to the bot
	signalStop chan struct{}

	// signalReady is closed once startup has finished: store
	// connected, commands registered, event delivery running
	signalReady chan struct{}

	// prevents Run from executing concurrently
	runMu sync.Mutex

	startedAt time.Time
}

// New validates the config and resolves the client adapter. It does no
// I/O - connections happen in Run. An unresolvable adapter is fatal
// here rather than surfacing as degraded behavior later.
func New(config *Config) (*GuildGate, error) {
	if config == nil {
		config = DefaultConfig()
	}
	if err := config.Validate(); err != nil {
		return nil, err
	}

	handler := newLogHandler(defaultLogWriter, config.LogLevel)
	logger := slog.New(handler).With(loggerNameKey, "guildgate")

	adapter, err := ResolveAdapter(config.Discord, handler)
	if err != nil {
		return nil, err
	}
	logger.Info(
		"resolved client adapter",
		"receive_method", string(adapter.Method()),
	)

	g := &GuildGate{
		config:      config,
		logger:      logger,
		logHandler:  handler,
		adapter:     adapter,
		cache:       NewEntitlementCache(),
		telemetry:   NewTelemetrySink(handler),
		signalStop:  make(chan struct{}, 1),
		signalReady: make(chan struct{}),
	}
	return g, nil
}

// Telemetry exposes the sink's read API for an external exporter.
func (g *GuildGate) Telemetry() *TelemetrySink {
	return g.telemetry
}

// Evaluator returns the entitlement evaluator, available after Run has
// signaled ready.
func (g *GuildGate) Evaluator() *Evaluator {
	return g.evaluator
}

// Run starts the bot and blocks until the context is cancelled, Stop
// is called, or a component fails. Startup is bounded by
// Config.StartupTimeout; shutdown by Config.ShutdownTimeout.
func (g *GuildGate) Run(ctx context.Context) error {
	g.runMu.Lock()
	defer g.runMu.Unlock()

	g.startedAt = time.Now()
	g.logger.Info(
		"starting",
		"version", Version,
		"commit", CommitSHA,
		"config", g.config,
	)

	startupCtx, startupCancel := context.WithTimeout(
		ctx,
		g.config.StartupTimeout,
	)
	defer startupCancel()

	store, err := NewStoreGateway(startupCtx, g.config.Mongo, g.logHandler)
	if err != nil {
		return fmt.Errorf("error connecting to document store: %w", err)
	}
	g.store = store
	g.evaluator = NewEvaluator(
		store,
		g.cache,
		g.telemetry,
		g.logHandler,
		g.config.Entitlement.CacheTTL,
	)
	g.dispatcher = NewCommandDispatcher(
		g.evaluator,
		store,
		g.telemetry,
		g.adapter,
		g.config,
		g.logHandler,
	)

	// stopRun unblocks the background loops on Stop as well as on
	// context cancellation
	runCtx, stopRun := context.WithCancel(ctx)
	defer stopRun()
	eg, runCtx := errgroup.WithContext(runCtx)

	switch g.adapter.Method() {
	case ReceiveMethodGateway:
		if err = g.startGateway(startupCtx, runCtx); err != nil {
			return err
		}
	case ReceiveMethodWebhook:
		webhookAdapter, ok := g.adapter.(*webhookAdapter)
		if !ok {
			return fmt.Errorf(
				"%w: webhook method without webhook adapter",
				ErrCompatibilityUnresolved,
			)
		}
		g.webhookServer = newWebhookServer(
			runCtx,
			g.config.Discord,
			webhookAdapter,
			g.dispatcher,
			g.logHandler,
		)
		// commands are registered over REST here too - webhook delivery
		// doesn't open a gateway session
		restSession, sessionErr := discordgo.New("Bot " + g.config.Discord.Token)
		if sessionErr != nil {
			return fmt.Errorf("error creating discord session: %w", sessionErr)
		}
		if err = g.registerCommands(startupCtx, restSession); err != nil {
			return err
		}
		eg.Go(
			func() error {
				serveErr := g.webhookServer.Serve(runCtx)
				if errors.Is(serveErr, http.ErrServerClosed) {
					return nil
				}
				return serveErr
			},
		)
	}

	eg.Go(
		func() error {
			g.cacheSweepLoop(runCtx)
			return nil
		},
	)

	close(g.signalReady)
	g.logger.Info("ready", "elapsed", time.Since(g.startedAt))

	select {
	case <-runCtx.Done():
	case <-g.signalStop:
		g.logger.Info("stop signal received")
	}

	stopRun()
	g.shutdown(context.WithoutCancel(ctx))
	return eg.Wait()
}

// Stop signals Run to begin a graceful shutdown.
func (g *GuildGate) Stop() {
	select {
	case g.signalStop <- struct{}{}:
	default:
	}
}

func (g *GuildGate) startGateway(
	startupCtx context.Context,
	runCtx context.Context,
) error {
	session, err := discordgo.New("Bot " + g.config.Discord.Token)
	if err != nil {
		return fmt.Errorf("error creating discord session: %w", err)
	}
	session.Identify.Intents = g.config.Discord.GatewayIntents
	session.SyncEvents = false
	session.StateEnabled = false
	discordgo.Logger = discordgoLoggerFunc(runCtx, g.logHandler)
	session.LogLevel = discordgo.LogWarning

	session.AddHandler(g.handlerReady(runCtx))
	session.AddHandler(g.handlerInteractionCreate(runCtx))
	session.AddHandler(g.handlerGuildCreate(runCtx))
	session.AddHandler(g.handlerGuildDelete(runCtx))

	if err = session.Open(); err != nil {
		return fmt.Errorf("error opening discord session: %w", err)
	}
	g.session = session

	if err = g.registerCommands(startupCtx, session); err != nil {
		_ = session.Close()
		return err
	}
	return nil
}

// commandRegistrar is the slice of the discord REST API used to
// register slash commands. *discordgo.Session satisfies it; tests
// substitute a recorder.
type commandRegistrar interface {
	ApplicationCommandBulkOverwrite(
		appID string,
		guildID string,
		commands []*discordgo.ApplicationCommand,
		options ...discordgo.RequestOption,
	) ([]*discordgo.ApplicationCommand, error)
}

// registerCommands registers (or overwrites) the bot's slash commands,
// scoped to Discord.GuildID when set.
func (g *GuildGate) registerCommands(
	ctx context.Context,
	registrar commandRegistrar,
) error {
	commands := g.dispatcher.applicationCommands()
	_, err := registrar.ApplicationCommandBulkOverwrite(
		g.config.Discord.ApplicationID,
		g.config.Discord.GuildID,
		commands,
		discordgo.WithContext(ctx),
	)
	if err != nil {
		return fmt.Errorf("error registering commands: %w", err)
	}
	g.logger.InfoContext(
		ctx,
		"registered application commands",
		"count", len(commands),
	)
	return nil
}

func (g *GuildGate) handlerReady(ctx context.Context) func(
	s *discordgo.Session,
	r *discordgo.Ready,
) {
	return func(s *discordgo.Session, r *discordgo.Ready) {
		g.logger.InfoContext(
			ctx,
			"connected to gateway",
			"session_id", r.SessionID,
			"guild_count", len(r.Guilds),
		)
		channelID := g.config.Discord.NotificationChannelID
		if channelID != "" && g.config.Discord.StartupMessage != "" {
			if _, err := s.ChannelMessageSend(
				channelID,
				g.config.Discord.StartupMessage,
			); err != nil {
				g.logger.WarnContext(
					ctx,
					"error sending startup message",
					"error", err,
				)
			}
		}
	}
}

func (g *GuildGate) handlerInteractionCreate(ctx context.Context) func(
	s *discordgo.Session,
	i *discordgo.InteractionCreate,
) {
	return func(s *discordgo.Session, i *discordgo.InteractionCreate) {
		go g.dispatcher.HandleInteraction(ctx, s, i)
	}
}

// handlerGuildCreate creates an entitlement record (tier none) the
// first time a guild is seen, and reactivates the existing record when
// a departed guild re-adds the bot - the previously granted tier comes
// back without an admin re-grant. Gateway reconnects for an
// already-active guild leave the record untouched.
func (g *GuildGate) handlerGuildCreate(ctx context.Context) func(
	s *discordgo.Session,
	e *discordgo.GuildCreate,
) {
	return func(s *discordgo.Session, e *discordgo.GuildCreate) {
		tenantID := GuildID(e.ID)
		rec, err := g.store.Fetch(ctx, tenantID)
		switch {
		case err == nil && rec.Active:
			return
		case err != nil && !errors.Is(err, ErrNotFound):
			g.telemetry.RecordError(ctx, "guild_lifecycle", tenantID, err, nil)
			return
		}

		active := true
		if _, err = g.store.Upsert(
			ctx,
			tenantID,
			RecordPatch{Active: &active},
		); err != nil {
			g.telemetry.RecordError(ctx, "guild_lifecycle", tenantID, err, nil)
			return
		}
		if rec == nil {
			g.logger.InfoContext(
				ctx,
				"created entitlement record for new guild",
				fieldTenantID, string(tenantID),
			)
			return
		}
		g.evaluator.Invalidate(tenantID)
		g.logger.InfoContext(
			ctx,
			"reactivated entitlement record for rejoined guild",
			fieldTenantID, string(tenantID),
		)
	}
}

// handlerGuildDelete marks a departed guild's record inactive. The
// record itself is never deleted - history stays for audit.
func (g *GuildGate) handlerGuildDelete(ctx context.Context) func(
	s *discordgo.Session,
	e *discordgo.GuildDelete,
) {
	return func(s *discordgo.Session, e *discordgo.GuildDelete) {
		if e.Unavailable {
			// outage, not departure
			return
		}
		tenantID := GuildID(e.ID)
		active := false
		if _, err := g.store.Upsert(
			ctx,
			tenantID,
			RecordPatch{Active: &active},
		); err != nil {
			g.telemetry.RecordError(ctx, "guild_lifecycle", tenantID, err, nil)
			return
		}
		g.evaluator.Invalidate(tenantID)
		g.logger.InfoContext(
			ctx,
			"marked departed guild inactive",
			fieldTenantID, string(tenantID),
		)
	}
}

func (g *GuildGate) cacheSweepLoop(ctx context.Context) {
	interval := g.config.Entitlement.CacheSweepInterval
	if interval <= 0 {
		return
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if dropped := g.cache.Sweep(); dropped > 0 {
				g.logger.Debug("swept cache", "dropped", dropped)
			}
		}
	}
}

func (g *GuildGate) shutdown(ctx context.Context) {
	shutdownCtx, cancel := context.WithTimeout(
		ctx,
		g.config.ShutdownTimeout,
	)
	defer cancel()

	if g.session != nil {
		if err := g.session.Close(); err != nil {
			g.logger.Warn("error closing discord session", "error", err)
		}
	}
	if g.webhookServer != nil {
		if err := g.webhookServer.Shutdown(shutdownCtx); err != nil {
			g.logger.Warn("error stopping webhook server", "error", err)
		}
	}
	if g.store != nil {
		if err := g.store.Close(shutdownCtx); err != nil {
			g.logger.Warn("error closing store connection", "error", err)
		}
	}
	g.logger.Info("shutdown complete", "uptime", time.Since(g.startedAt))
}
