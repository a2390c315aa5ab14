package guildgate

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"runtime/debug"
	"slices"
	"strconv"
	"strings"
	"time"

	"github.com/bwmarrin/discordgo"
	"golang.org/x/time/rate"
)

const (
	DiscordSlashCommandPremium      = "premium"
	DiscordSlashCommandPremiumAdmin = "premium-admin"

	subcommandStatus   = "status"
	subcommandFeatures = "features"
	subcommandGrant    = "grant"
	subcommandRevoke   = "revoke"
	subcommandOverride = "override"

	optionTier    = "tier"
	optionDays    = "days"
	optionFeature = "feature"
	optionEnabled = "enabled"

	defaultGrantDays = 30

	// discordMaxFieldLength is Discord's embed field value limit
	discordMaxFieldLength = 1024
)

var (
	// premiumAdminDeniedMessage is sent when a non-admin invokes
	// /premium-admin
	premiumAdminDeniedMessage = "You don't have permission to do that."
)

// recordStore is the gateway surface the command layer needs.
type recordStore interface {
	recordFetcher
	Upsert(
		ctx context.Context,
		tenantID GuildID,
		patch RecordPatch,
	) (*EntitlementRecord, error)
}

// InteractionResponder sends an interaction response back to Discord.
// *discordgo.Session satisfies it; tests substitute a recorder.
type InteractionResponder interface {
	InteractionRespond(
		interaction *discordgo.Interaction,
		resp *discordgo.InteractionResponse,
		options ...discordgo.RequestOption,
	) error
}

// CommandDispatcher routes normalized command events to their
// handlers. Dispatch is rate limited, and no handler failure ever
// propagates past it: failures are recorded to telemetry and the user
// gets the generic error message, with no distinction between "not
// entitled" and "something broke".
type CommandDispatcher struct {
	evaluator *Evaluator
	store     recordStore
	telemetry *TelemetrySink
	adapter   ClientAdapter
	limiter   *rate.Limiter
	logger    *slog.Logger

	adminUserIDs []string
	errorMessage string
}

func NewCommandDispatcher(
	evaluator *Evaluator,
	store recordStore,
	telemetry *TelemetrySink,
	adapter ClientAdapter,
	config *Config,
	handler slog.Handler,
) *CommandDispatcher {
	return &CommandDispatcher{
		evaluator: evaluator,
		store:     store,
		telemetry: telemetry,
		adapter:   adapter,
		limiter: rate.NewLimiter(
			rate.Limit(config.Entitlement.CommandsPerSecond),
			config.Entitlement.CommandBurst,
		),
		logger:       slog.New(handler).With(loggerNameKey, "commands"),
		adminUserIDs: config.Discord.AdminUserIDs,
		errorMessage: config.Discord.ErrorMessage,
	}
}

// applicationCommands returns the slash commands this dispatcher
// serves, for registration at startup.
func (d *CommandDispatcher) applicationCommands() []*discordgo.ApplicationCommand {
	return []*discordgo.ApplicationCommand{
		d.appCommandPremium(),
		d.appCommandPremiumAdmin(),
	}
}

func (*CommandDispatcher) appCommandPremium() *discordgo.ApplicationCommand {
	return &discordgo.ApplicationCommand{
		Name:        DiscordSlashCommandPremium,
		Type:        discordgo.ChatApplicationCommand,
		Description: "Premium status for this server",
		Options: []*discordgo.ApplicationCommandOption{
			{
				Type:        discordgo.ApplicationCommandOptionSubCommand,
				Name:        subcommandStatus,
				Description: "Show this server's premium tier and expiry",
			},
			{
				Type:        discordgo.ApplicationCommandOptionSubCommand,
				Name:        subcommandFeatures,
				Description: "List premium features and whether they're enabled here",
			},
		},
	}
}

func (*CommandDispatcher) appCommandPremiumAdmin() *discordgo.ApplicationCommand {
	adminPerm := int64(discordgo.PermissionAdministrator)
	tierChoices := make(
		[]*discordgo.ApplicationCommandOptionChoice,
		0,
		len(tierRanks),
	)
	for _, t := range []Tier{
		TierNone,
		TierBasic,
		TierPremium,
		TierEnterprise,
	} {
		tierChoices = append(
			tierChoices,
			&discordgo.ApplicationCommandOptionChoice{
				Name:  t.String(),
				Value: t.String(),
			},
		)
	}
	featureChoices := make(
		[]*discordgo.ApplicationCommandOptionChoice,
		0,
		len(featureMinTier),
	)
	for _, f := range Features() {
		featureChoices = append(
			featureChoices,
			&discordgo.ApplicationCommandOptionChoice{
				Name:  string(f),
				Value: string(f),
			},
		)
	}

	return &discordgo.ApplicationCommand{
		Name:                     DiscordSlashCommandPremiumAdmin,
		Type:                     discordgo.ChatApplicationCommand,
		Description:              "Manage premium entitlement for this server",
		DefaultMemberPermissions: &adminPerm,
		Options: []*discordgo.ApplicationCommandOption{
			{
				Type:        discordgo.ApplicationCommandOptionSubCommand,
				Name:        subcommandGrant,
				Description: "Grant a premium tier to this server",
				Options: []*discordgo.ApplicationCommandOption{
					{
						Type:        discordgo.ApplicationCommandOptionString,
						Name:        optionTier,
						Description: "Tier to grant",
						Required:    true,
						Choices:     tierChoices,
					},
					{
						Type:        discordgo.ApplicationCommandOptionString,
						Name:        optionDays,
						Description: "Duration in days (default 30, 0 = non-expiring)",
					},
				},
			},
			{
				Type:        discordgo.ApplicationCommandOptionSubCommand,
				Name:        subcommandRevoke,
				Description: "Revoke this server's premium tier",
			},
			{
				Type:        discordgo.ApplicationCommandOptionSubCommand,
				Name:        subcommandOverride,
				Description: "Force a single feature on or off for this server",
				Options: []*discordgo.ApplicationCommandOption{
					{
						Type:        discordgo.ApplicationCommandOptionString,
						Name:        optionFeature,
						Description: "Feature to override",
						Required:    true,
						Choices:     featureChoices,
					},
					{
						Type:        discordgo.ApplicationCommandOptionString,
						Name:        optionEnabled,
						Description: "true or false",
						Required:    true,
						Choices: []*discordgo.ApplicationCommandOptionChoice{
							{Name: "true", Value: "true"},
							{Name: "false", Value: "false"},
						},
					},
				},
			},
		},
	}
}

// HandleInteraction is the single entry point for inbound
// interactions, from either receive method.
func (d *CommandDispatcher) HandleInteraction(
	ctx context.Context,
	responder InteractionResponder,
	i *discordgo.InteractionCreate,
) {
	defer func() {
		if rc := recover(); rc != nil {
			d.logger.ErrorContext(
				ctx,
				"panic in command handler",
				"panic", rc,
				"stack", string(debug.Stack()),
			)
			d.telemetry.Record(
				ctx,
				TelemetryEvent{
					SourceComponent: "command_dispatcher",
					ErrorKind:       "Panic",
					Message:         fmt.Sprintf("%v", rc),
				},
			)
		}
	}()

	event, err := d.adapter.NormalizeEvent(i)
	if err != nil {
		d.logger.WarnContext(
			ctx,
			"dropping unusable interaction",
			append(interactionLogAttrs(*i), "error", err)...,
		)
		if !errors.Is(err, errEventWithoutGuild) {
			return
		}
		// guild-less command invocations get a direct explanation
		// rather than silence
		d.respond(
			ctx,
			responder,
			i.Interaction,
			"That only works inside a server.",
		)
		return
	}

	if !d.limiter.Allow() {
		d.logger.WarnContext(ctx, "rate limited", "event", event)
		d.respond(
			ctx,
			responder,
			i.Interaction,
			"I'm a bit busy - try again in a moment!",
		)
		return
	}

	logger := d.logger.With("event", event)
	ctx = WithLogger(ctx, logger)
	logger.InfoContext(ctx, "dispatching command")

	var response *discordgo.InteractionResponseData
	switch event.Command {
	case DiscordSlashCommandPremium:
		response, err = d.handlePremium(ctx, event)
	case DiscordSlashCommandPremiumAdmin:
		response, err = d.handlePremiumAdmin(ctx, event)
	default:
		logger.WarnContext(ctx, "unknown command", "command", event.Command)
		return
	}

	if err != nil {
		// the user sees only the generic message; telemetry keeps the
		// real cause
		d.telemetry.RecordError(
			ctx,
			"command_dispatcher",
			event.GuildID,
			err,
			map[string]any{
				"command":    event.Command,
				"subcommand": event.Subcommand,
			},
		)
		logger.ErrorContext(ctx, "command failed", "error", err)
		d.respond(ctx, responder, i.Interaction, d.errorMessage)
		return
	}

	if respondErr := responder.InteractionRespond(
		i.Interaction,
		&discordgo.InteractionResponse{
			Type: discordgo.InteractionResponseChannelMessageWithSource,
			Data: response,
		},
	); respondErr != nil {
		d.telemetry.RecordError(
			ctx,
			"command_dispatcher",
			event.GuildID,
			respondErr,
			map[string]any{"command": event.Command},
		)
		logger.ErrorContext(
			ctx,
			"error sending interaction response",
			"error", respondErr,
		)
	}
}

func (d *CommandDispatcher) handlePremium(
	ctx context.Context,
	event *CommandEvent,
) (*discordgo.InteractionResponseData, error) {
	switch event.Subcommand {
	case subcommandStatus:
		return d.premiumStatus(ctx, event)
	case subcommandFeatures:
		return d.premiumFeatures(ctx, event)
	default:
		return nil, fmt.Errorf("unknown subcommand: %q", event.Subcommand)
	}
}

func (d *CommandDispatcher) premiumStatus(
	ctx context.Context,
	event *CommandEvent,
) (*discordgo.InteractionResponseData, error) {
	record, err := d.evaluator.Resolve(ctx, event.GuildID)
	if err != nil {
		return nil, err
	}

	fields := []MessageField{
		{
			Name:   "Tier",
			Value:  d.evaluator.EffectiveTier(ctx, event.GuildID).String(),
			Inline: true,
		},
	}
	if record.ExpiresAt != nil {
		fields = append(
			fields,
			MessageField{
				Name:   "Expires",
				Value:  record.ExpiresAt.UTC().Format(time.RFC1123),
				Inline: true,
			},
		)
	}
	if enabled := d.evaluator.EnabledFeatures(ctx, event.GuildID); len(enabled) > 0 {
		names := make([]string, len(enabled))
		for i, f := range enabled {
			names[i] = string(f)
		}
		fields = append(
			fields,
			MessageField{
				Name:  "Features",
				Value: truncate(strings.Join(names, ", "), discordMaxFieldLength),
			},
		)
	}

	embed := d.adapter.RichMessage(
		"Premium status",
		"",
		fields...,
	)
	return &discordgo.InteractionResponseData{
		Embeds: []*discordgo.MessageEmbed{embed},
		Flags:  discordgo.MessageFlagsEphemeral,
	}, nil
}

func (d *CommandDispatcher) premiumFeatures(
	ctx context.Context,
	event *CommandEvent,
) (*discordgo.InteractionResponseData, error) {
	var fields []MessageField
	for _, f := range Features() {
		value := "disabled"
		if d.evaluator.IsEnabled(ctx, event.GuildID, f) {
			value = "enabled"
		}
		fields = append(
			fields,
			MessageField{Name: string(f), Value: value, Inline: true},
		)
	}
	embed := d.adapter.RichMessage("Premium features", "", fields...)
	return &discordgo.InteractionResponseData{
		Embeds: []*discordgo.MessageEmbed{embed},
		Flags:  discordgo.MessageFlagsEphemeral,
	}, nil
}

func (d *CommandDispatcher) handlePremiumAdmin(
	ctx context.Context,
	event *CommandEvent,
) (*discordgo.InteractionResponseData, error) {
	if !slices.Contains(d.adminUserIDs, string(event.UserID)) {
		d.logger.WarnContext(
			ctx,
			"admin command from non-admin",
			"user_id", string(event.UserID),
		)
		return &discordgo.InteractionResponseData{
			Content: premiumAdminDeniedMessage,
			Flags:   discordgo.MessageFlagsEphemeral,
		}, nil
	}

	var patchFor func(current *EntitlementRecord) (RecordPatch, error)
	switch event.Subcommand {
	case subcommandGrant:
		patchFor = grantPatch(event.Options)
	case subcommandRevoke:
		patchFor = revokePatch()
	case subcommandOverride:
		patchFor = overridePatch(event.Options)
	default:
		return nil, fmt.Errorf("unknown subcommand: %q", event.Subcommand)
	}

	record, err := d.applyAdminUpdate(ctx, event.GuildID, patchFor)
	if err != nil {
		return nil, err
	}

	embed := d.adapter.RichMessage(
		"Entitlement updated",
		"",
		MessageField{
			Name:   "Tier",
			Value:  record.Tier.String(),
			Inline: true,
		},
	)
	return &discordgo.InteractionResponseData{
		Embeds: []*discordgo.MessageEmbed{embed},
		Flags:  discordgo.MessageFlagsEphemeral,
	}, nil
}

// applyAdminUpdate runs the administrative update path: read the
// current record (for its version stamp), apply the patch with the
// stamp as a guard, and retry once on a version conflict by re-reading
// and re-applying. Every successful write invalidates the guild's
// cache entry.
func (d *CommandDispatcher) applyAdminUpdate(
	ctx context.Context,
	tenantID GuildID,
	patchFor func(current *EntitlementRecord) (RecordPatch, error),
) (*EntitlementRecord, error) {
	var record *EntitlementRecord
	for attempt := 0; attempt < 2; attempt++ {
		current, err := d.store.Fetch(ctx, tenantID)
		if err != nil && !errors.Is(err, ErrNotFound) {
			return nil, err
		}

		patch, err := patchFor(current)
		if err != nil {
			return nil, err
		}
		if current != nil {
			patch.ExpectedUpdatedAt = current.UpdatedAt
		}

		record, err = d.store.Upsert(ctx, tenantID, patch)
		if err == nil {
			d.evaluator.Invalidate(tenantID)
			return record, nil
		}
		if !errors.Is(err, ErrConflict) || attempt > 0 {
			return nil, err
		}
	}
	return nil, ErrConflict
}

func grantPatch(
	options map[string]string,
) func(*EntitlementRecord) (RecordPatch, error) {
	return func(*EntitlementRecord) (RecordPatch, error) {
		tier, err := ParseTier(options[optionTier])
		if err != nil {
			return RecordPatch{}, err
		}

		days := defaultGrantDays
		if raw, ok := options[optionDays]; ok && raw != "" {
			days, err = strconv.Atoi(raw)
			if err != nil || days < 0 {
				return RecordPatch{}, fmt.Errorf("invalid days: %q", raw)
			}
		}

		active := true
		patch := RecordPatch{Tier: &tier, Active: &active}
		if days == 0 {
			patch.ClearExpiresAt = true
		} else {
			expiresAt := time.Now().UTC().AddDate(0, 0, days)
			patch.ExpiresAt = &expiresAt
		}
		return patch, nil
	}
}

func revokePatch() func(*EntitlementRecord) (RecordPatch, error) {
	return func(*EntitlementRecord) (RecordPatch, error) {
		tier := TierNone
		return RecordPatch{
			Tier:             &tier,
			ClearExpiresAt:   true,
			FeatureOverrides: map[Feature]bool{},
		}, nil
	}
}

func overridePatch(
	options map[string]string,
) func(*EntitlementRecord) (RecordPatch, error) {
	return func(current *EntitlementRecord) (RecordPatch, error) {
		feature := Feature(options[optionFeature])
		if _, ok := featureMinTier[feature]; !ok {
			return RecordPatch{}, fmt.Errorf(
				"unknown feature: %q",
				options[optionFeature],
			)
		}
		enabled, err := strconv.ParseBool(options[optionEnabled])
		if err != nil {
			return RecordPatch{}, fmt.Errorf(
				"invalid enabled value: %q",
				options[optionEnabled],
			)
		}

		// merge into the existing override map: an override on one
		// feature must not clear another's
		overrides := map[Feature]bool{}
		if current != nil {
			for k, v := range current.FeatureOverrides {
				overrides[k] = v
			}
		}
		overrides[feature] = enabled
		return RecordPatch{FeatureOverrides: overrides}, nil
	}
}

// respond sends a plain ephemeral message, logging (and recording)
// delivery failures without propagating them.
func (d *CommandDispatcher) respond(
	ctx context.Context,
	responder InteractionResponder,
	interaction *discordgo.Interaction,
	content string,
) {
	err := responder.InteractionRespond(
		interaction,
		&discordgo.InteractionResponse{
			Type: discordgo.InteractionResponseChannelMessageWithSource,
			Data: &discordgo.InteractionResponseData{
				Content: content,
				Flags:   discordgo.MessageFlagsEphemeral,
			},
		},
	)
	if err != nil {
		d.logger.ErrorContext(
			ctx,
			"error sending interaction response",
			"error", err,
		)
	}
}
